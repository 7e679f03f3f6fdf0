// Package health provides health check endpoints for dlpgate.
//
// The package implements Kubernetes-compatible health checks:
//
//   - /health/live: Liveness check (is the process running?)
//   - /health/ready: Readiness check (can uploads be processed?)
//   - /health: Detailed component status
//
// The detailed endpoint returns JSON status with component health details:
//
//	{
//	  "status": "degraded",
//	  "checks": {
//	    "metadata": {"status": "healthy"},
//	    "storage": {"status": "healthy"},
//	    "encryption": {"status": "degraded", "message": "ephemeral key"}
//	  }
//	}
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/dlpgate/internal/encryption"
	"github.com/piwi3910/dlpgate/internal/metadata"
	"github.com/piwi3910/dlpgate/internal/storage/backend"
)

// Status represents the overall health status.
type Status string

const (
	// StatusHealthy indicates all checks passed.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates some checks failed but core functionality works.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates critical failures.
	StatusUnhealthy Status = "unhealthy"
)

// Component names.
const (
	ComponentMetadata   = "metadata"
	ComponentStorage    = "storage"
	ComponentEncryption = "encryption"
)

// DefaultCacheTTL is how long a check result is reused.
const DefaultCacheTTL = 5 * time.Second

// checkTimeout bounds each component check.
const checkTimeout = 2 * time.Second

// sentinelKey is looked up to exercise the blob backend. It never exists.
const sentinelKey = ".health/sentinel"

// Check represents a single health check result.
type Check struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthStatus represents the complete health status of the system.
type HealthStatus struct {
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Status    Status           `json:"status"`
}

// Checker performs health checks on the system.
type Checker struct {
	cacheExpiry  time.Time
	store        metadata.Store
	storage      backend.Backend
	cipher       *encryption.Service
	cachedStatus *HealthStatus
	now          func() time.Time
	cacheTTL     time.Duration
	mu           sync.RWMutex
}

// NewChecker creates a new health checker.
func NewChecker(store metadata.Store, storage backend.Backend, cipher *encryption.Service) *Checker {
	return &Checker{
		store:    store,
		storage:  storage,
		cipher:   cipher,
		cacheTTL: DefaultCacheTTL,
		now:      time.Now,
	}
}

// Check performs all health checks and returns the overall status.
func (c *Checker) Check(ctx context.Context) *HealthStatus {
	c.mu.RLock()

	if c.cachedStatus != nil && c.now().Before(c.cacheExpiry) {
		status := c.cachedStatus
		c.mu.RUnlock()

		return status
	}

	c.mu.RUnlock()

	var (
		checks   = make(map[string]Check, 3)
		checksMu sync.Mutex
		g        errgroup.Group
	)

	run := func(name string, fn func(context.Context) Check) {
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			check := fn(checkCtx)

			checksMu.Lock()
			checks[name] = check
			checksMu.Unlock()

			return nil
		})
	}

	run(ComponentMetadata, c.CheckMetadata)
	run(ComponentStorage, c.CheckStorage)
	run(ComponentEncryption, func(context.Context) Check { return c.CheckEncryption() })

	_ = g.Wait()

	healthStatus := &HealthStatus{
		Status:    determineOverallStatus(checks),
		Checks:    checks,
		Timestamp: c.now().UTC(),
	}

	if healthStatus.Status != StatusHealthy {
		log.Warn().Str("status", string(healthStatus.Status)).Interface("checks", checks).Msg("Health check not healthy")
	}

	c.mu.Lock()
	c.cachedStatus = healthStatus
	c.cacheExpiry = c.now().Add(c.cacheTTL)
	c.mu.Unlock()

	return healthStatus
}

// CheckMetadata checks the metadata store health.
func (c *Checker) CheckMetadata(ctx context.Context) Check {
	if c.store == nil {
		return Check{
			Status:  StatusUnhealthy,
			Message: "metadata store not initialized",
		}
	}

	if err := c.store.Ping(ctx); err != nil {
		return Check{
			Status:  StatusUnhealthy,
			Message: "metadata store check failed: " + err.Error(),
		}
	}

	return Check{
		Status:  StatusHealthy,
		Message: "metadata store is operational",
	}
}

// CheckStorage checks the blob backend health.
func (c *Checker) CheckStorage(ctx context.Context) Check {
	if c.storage == nil {
		return Check{
			Status:  StatusUnhealthy,
			Message: "storage backend not initialized",
		}
	}

	if _, err := c.storage.ObjectExists(ctx, sentinelKey); err != nil {
		return Check{
			Status:  StatusUnhealthy,
			Message: c.storage.Name() + " storage check failed: " + err.Error(),
		}
	}

	return Check{
		Status:  StatusHealthy,
		Message: c.storage.Name() + " storage is operational",
	}
}

// CheckEncryption reports on the master key. An ephemeral key works but
// makes every stored file unreadable after a restart.
func (c *Checker) CheckEncryption() Check {
	if c.cipher == nil {
		return Check{
			Status:  StatusUnhealthy,
			Message: "encryption service not initialized",
		}
	}

	if c.cipher.Ephemeral() {
		return Check{
			Status:  StatusDegraded,
			Message: "ephemeral key, stored files will not survive a restart",
		}
	}

	return Check{
		Status:  StatusHealthy,
		Message: string(c.cipher.Algorithm()) + " key " + c.cipher.KeyID(),
	}
}

// IsReady reports whether uploads can be processed: the store and the blob
// backend must both be healthy. The result follows the cached status.
func (c *Checker) IsReady(ctx context.Context) bool {
	status := c.Check(ctx)

	for _, name := range []string{ComponentMetadata, ComponentStorage} {
		if status.Checks[name].Status != StatusHealthy {
			return false
		}
	}

	return status.Status != StatusUnhealthy
}

// IsLive checks if the service is alive.
func (c *Checker) IsLive(_ context.Context) bool {
	return true
}

// determineOverallStatus determines the overall health status based on individual checks.
func determineOverallStatus(checks map[string]Check) Status {
	hasDegraded := false

	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			hasDegraded = true
		}
	}

	if hasDegraded {
		return StatusDegraded
	}

	return StatusHealthy
}

// Handler creates HTTP handlers for health endpoints.
type Handler struct {
	checker *Checker
}

// NewHandler creates a new health handler.
func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

// DetailedHandler returns every component check. Degraded reports 200 with
// the status in the body; unhealthy reports 503.
func (h *Handler) DetailedHandler(w http.ResponseWriter, r *http.Request) {
	status := h.checker.Check(r.Context())

	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, status)
}

// LivenessHandler handles Kubernetes liveness check requests.
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	if h.checker.IsLive(r.Context()) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ok"})
}

// ReadinessHandler handles Kubernetes readiness check requests.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if h.checker.IsReady(r.Context()) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}

	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write health response")
	}
}
