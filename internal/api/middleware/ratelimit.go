package middleware

import (
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/dlpgate/internal/metrics"
	"github.com/piwi3910/dlpgate/pkg/dlperrors"
)

// Default rate limiting configuration values.
const (
	defaultRequestsPerSecond = 5
	defaultBurstSize         = 10
	defaultStaleTimeout      = 5 * time.Minute
)

// RateLimitConfig configures the login rate limiter.
type RateLimitConfig struct {
	// ExcludedPaths are never limited.
	ExcludedPaths []string

	// TrustedProxies are IPs or CIDR ranges whose forwarding headers are
	// believed. Empty means forwarding headers are ignored.
	TrustedProxies []string

	// CleanupInterval is how often idle buckets are dropped.
	CleanupInterval time.Duration

	// StaleTimeout is how long a bucket may sit unused before it is dropped.
	StaleTimeout time.Duration

	RequestsPerSecond int
	BurstSize         int
	Enabled           bool

	// PerIP keys buckets by client IP. When false all clients share one.
	PerIP bool
}

// DefaultRateLimitConfig returns the defaults used by the server.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: defaultRequestsPerSecond,
		BurstSize:         defaultBurstSize,
		PerIP:             true,
		CleanupInterval:   time.Minute,
		StaleTimeout:      defaultStaleTimeout,
		ExcludedPaths:     []string{"/health", "/health/live", "/health/ready", "/metrics"},
	}
}

// TokenBucket is a token bucket refilled continuously at rate tokens per
// second up to burst.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	burst    float64
	rate     float64
	last     time.Time
	lastUsed time.Time
}

// NewTokenBucket returns a full bucket.
func NewTokenBucket(rps, burst int) *TokenBucket {
	now := time.Now()

	return &TokenBucket{
		tokens:   float64(burst),
		burst:    float64(burst),
		rate:     float64(rps),
		last:     now,
		lastUsed: now,
	}
}

// Allow takes one token if available.
func (b *TokenBucket) Allow() bool {
	return b.allowAt(time.Now())
}

func (b *TokenBucket) allowAt(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if elapsed := now.Sub(b.last); elapsed > 0 {
		b.tokens = min(b.burst, b.tokens+elapsed.Seconds()*b.rate)
		b.last = now
	}

	b.lastUsed = now

	if b.tokens < 1 {
		return false
	}

	b.tokens--

	return true
}

func (b *TokenBucket) idleSince(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	return now.Sub(b.lastUsed)
}

// RateLimiter hands out one TokenBucket per client IP.
type RateLimiter struct {
	*ProxyTrust

	config    RateLimitConfig
	mu        sync.Mutex
	buckets   map[string]*TokenBucket
	stopCh    chan struct{}
	closeOnce sync.Once
}

// NewRateLimiter creates a limiter. When enabled per IP, a goroutine drops
// idle buckets until Close is called.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		ProxyTrust: NewProxyTrust(config.TrustedProxies),
		config:     config,
		buckets:    make(map[string]*TokenBucket),
		stopCh:     make(chan struct{}),
	}

	if config.Enabled && config.PerIP && config.CleanupInterval > 0 {
		go rl.cleanupLoop()
	}

	return rl
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			rl.cleanup(now)
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *RateLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key, bucket := range rl.buckets {
		if bucket.idleSince(now) > rl.config.StaleTimeout {
			delete(rl.buckets, key)
			metrics.DecrementRateLimitActiveIPs()
		}
	}
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (rl *RateLimiter) Close() {
	rl.closeOnce.Do(func() { close(rl.stopCh) })
}

func (rl *RateLimiter) bucket(ip string) *TokenBucket {
	if !rl.config.PerIP {
		ip = ""
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[ip]
	if !ok {
		b = NewTokenBucket(rl.config.RequestsPerSecond, rl.config.BurstSize)
		rl.buckets[ip] = b

		log.Debug().Str("ip", ip).Msg("Created new rate limiter")
		metrics.IncrementRateLimitActiveIPs()
	}

	return b
}

// Allow reports whether a request from ip may proceed.
func (rl *RateLimiter) Allow(ip string) bool {
	if !rl.config.Enabled {
		return true
	}

	return rl.bucket(ip).Allow()
}

func (rl *RateLimiter) isExcludedPath(path string) bool {
	return slices.Contains(rl.config.ExcludedPaths, path)
}

// RateLimitMiddleware rejects requests over the limit with 429.
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.config.Enabled || rl.isExcludedPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			ip := rl.ClientIP(r)
			path := routePattern(r)

			if !rl.Allow(ip) {
				log.Warn().
					Str("ip", ip).
					Str("path", r.URL.Path).
					Str("method", r.Method).
					Msg("Rate limit exceeded")

				metrics.RecordRateLimitRequest(path, false)
				w.Header().Set("Retry-After", "1")
				dlperrors.Write(w, dlperrors.New(dlperrors.KindRateLimited, "Too many requests, please try again later"),
					GetRequestID(r.Context()))

				return
			}

			metrics.RecordRateLimitRequest(path, true)
			next.ServeHTTP(w, r)
		})
	}
}
