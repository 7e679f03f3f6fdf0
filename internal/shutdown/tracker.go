package shutdown

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
)

// RequestTracker counts in-flight HTTP requests. It implements
// InFlightTracker.
type RequestTracker struct {
	idle  chan struct{}
	count atomic.Int64
	mu    sync.Mutex
}

// NewRequestTracker creates an idle tracker.
func NewRequestTracker() *RequestTracker {
	idle := make(chan struct{})
	close(idle)

	return &RequestTracker{idle: idle}
}

// Middleware counts every request that passes through it.
func (t *RequestTracker) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.begin()
		defer t.end()

		next.ServeHTTP(w, r)
	})
}

func (t *RequestTracker) begin() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.count.Add(1) == 1 {
		t.idle = make(chan struct{})
	}

	SetInFlightRequests(t.count.Load())
}

func (t *RequestTracker) end() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.count.Add(-1) == 0 {
		close(t.idle)
	}

	SetInFlightRequests(t.count.Load())
}

// InFlightCount returns the number of in-flight requests.
func (t *RequestTracker) InFlightCount() int64 {
	return t.count.Load()
}

// WaitForDrain blocks until no request is in flight or ctx ends.
func (t *RequestTracker) WaitForDrain(ctx context.Context) error {
	t.mu.Lock()
	idle := t.idle
	t.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
