// Package shutdown provides graceful shutdown coordination for dlpgate.
//
// The coordinator stops the server in phases so that no upload is cut off
// between its blob write and its metadata commit:
//
//  1. Draining - Wait for in-flight requests to complete
//  2. HTTP Servers - Shutdown HTTP servers concurrently
//  3. Workers - Stop background workers (rate limiter cleanup)
//  4. Audit - Flush and stop the audit logger
//  5. Metadata - Close the metadata store (BadgerDB)
//  6. Storage - Close the blob backend
//
// Every phase has its own timeout inside an overall deadline.
package shutdown

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Phase represents a shutdown phase.
type Phase string

// Shutdown phases in order of execution.
const (
	PhaseNone           Phase = "none"
	PhaseDraining       Phase = "draining"
	PhaseHTTPServers    Phase = "http_servers"
	PhaseWorkers        Phase = "workers"
	PhaseAudit          Phase = "audit"
	PhaseMetadata       Phase = "metadata"
	PhaseStorage        Phase = "storage"
	PhaseComplete       Phase = "complete"
	PhaseForcedShutdown Phase = "forced_shutdown"
)

// Config holds shutdown configuration.
type Config struct {
	// TotalTimeout is the maximum time allowed for the entire shutdown sequence.
	// Default: 30 seconds
	TotalTimeout time.Duration

	// DrainTimeout is the time to wait for in-flight requests to complete.
	// Default: 15 seconds
	DrainTimeout time.Duration

	// HTTPTimeout is the time to wait for HTTP servers to shutdown.
	// Default: 10 seconds
	HTTPTimeout time.Duration

	// ComponentTimeout bounds each worker, audit, metadata and storage step.
	// Default: 10 seconds
	ComponentTimeout time.Duration
}

// DefaultConfig returns the default shutdown configuration.
func DefaultConfig() Config {
	return Config{
		TotalTimeout:     30 * time.Second,
		DrainTimeout:     15 * time.Second,
		HTTPTimeout:      10 * time.Second,
		ComponentTimeout: 10 * time.Second,
	}
}

// withDefaults fills zero durations from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()

	if c.TotalTimeout <= 0 {
		c.TotalTimeout = def.TotalTimeout
	}

	if c.DrainTimeout <= 0 {
		c.DrainTimeout = def.DrainTimeout
	}

	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = def.HTTPTimeout
	}

	if c.ComponentTimeout <= 0 {
		c.ComponentTimeout = def.ComponentTimeout
	}

	return c
}

// Hook is a function called during a phase.
type Hook func(ctx context.Context) error

// HTTPServer is satisfied by *http.Server.
type HTTPServer interface {
	Shutdown(ctx context.Context) error
}

// NamedServer pairs a server with a name for logging.
type NamedServer struct {
	Server HTTPServer
	Name   string
}

// Stopper is a component with a Stop method that doesn't return an error,
// such as the audit logger.
type Stopper interface {
	Stop()
}

// InFlightTracker tracks in-flight requests.
type InFlightTracker interface {
	// InFlightCount returns the number of in-flight requests
	InFlightCount() int64
	// WaitForDrain waits for all in-flight requests to complete
	WaitForDrain(ctx context.Context) error
}

// Components holds everything that needs to be shut down. Nil fields are
// skipped.
type Components struct {
	InFlightTracker InFlightTracker
	AuditLogger     Stopper
	MetadataStore   io.Closer
	StorageBackend  io.Closer
	HTTPServers     []NamedServer
}

// Coordinator manages graceful shutdown of all server components.
type Coordinator struct {
	started  time.Time
	hooks    map[Phase][]Hook
	doneCh   chan struct{}
	phase    Phase
	errors   []error
	config   Config
	mu       sync.RWMutex
	shutdown atomic.Bool
}

// NewCoordinator creates a new shutdown coordinator with the given configuration.
func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{
		config: cfg.withDefaults(),
		phase:  PhaseNone,
		hooks:  make(map[Phase][]Hook),
		doneCh: make(chan struct{}),
	}
}

// RegisterHook registers a hook that runs at the start of phase.
func (c *Coordinator) RegisterHook(phase Phase, hook Hook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks[phase] = append(c.hooks[phase], hook)
}

// Phase returns the current shutdown phase.
func (c *Coordinator) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.phase
}

// IsShuttingDown returns true if shutdown has been initiated.
func (c *Coordinator) IsShuttingDown() bool {
	return c.shutdown.Load()
}

// Done returns a channel that is closed when shutdown is complete.
func (c *Coordinator) Done() <-chan struct{} {
	return c.doneCh
}

// Errors returns any errors that occurred during shutdown.
func (c *Coordinator) Errors() []error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return append([]error{}, c.errors...)
}

func (c *Coordinator) setPhase(phase Phase) {
	c.mu.Lock()
	oldPhase := c.phase
	c.phase = phase
	c.mu.Unlock()

	log.Info().
		Str("from_phase", string(oldPhase)).
		Str("to_phase", string(phase)).
		Dur("elapsed", time.Since(c.started)).
		Msg("Shutdown phase transition")

	SetShutdownPhase(phase)
}

func (c *Coordinator) addError(err error) {
	c.mu.Lock()
	c.errors = append(c.errors, err)
	c.mu.Unlock()

	IncrementShutdownErrors()
}

func (c *Coordinator) enterPhase(ctx context.Context, phase Phase) {
	c.setPhase(phase)

	c.mu.RLock()
	hooks := c.hooks[phase]
	c.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			log.Error().Err(err).Str("phase", string(phase)).Msg("Shutdown hook failed")
			c.addError(err)
		}
	}
}

// Shutdown runs the shutdown sequence once. Later calls return immediately.
// Component errors are collected in Errors rather than returned.
func (c *Coordinator) Shutdown(ctx context.Context, components Components) {
	if !c.shutdown.CompareAndSwap(false, true) {
		log.Warn().Msg("Shutdown already in progress")
		return
	}

	c.started = time.Now()
	log.Info().Msg("Initiating graceful shutdown")
	SetShutdownStartTime(c.started)

	shutdownCtx, cancel := context.WithTimeout(ctx, c.config.TotalTimeout)
	defer cancel()

	c.drain(shutdownCtx, components.InFlightTracker)
	c.stopHTTPServers(shutdownCtx, components.HTTPServers)

	c.enterPhase(shutdownCtx, PhaseWorkers)

	c.enterPhase(shutdownCtx, PhaseAudit)

	if components.AuditLogger != nil {
		c.run(shutdownCtx, "audit_logger", func() error {
			components.AuditLogger.Stop()
			return nil
		})
	}

	c.enterPhase(shutdownCtx, PhaseMetadata)

	if components.MetadataStore != nil {
		c.run(shutdownCtx, "metadata_store", components.MetadataStore.Close)
	}

	c.enterPhase(shutdownCtx, PhaseStorage)

	if components.StorageBackend != nil {
		c.run(shutdownCtx, "storage_backend", components.StorageBackend.Close)
	}

	if shutdownCtx.Err() != nil {
		c.setPhase(PhaseForcedShutdown)
	}

	c.setPhase(PhaseComplete)
	close(c.doneCh)

	duration := time.Since(c.started)
	SetShutdownDuration(duration)

	if errs := c.Errors(); len(errs) > 0 {
		log.Warn().
			Int("error_count", len(errs)).
			Dur("duration", duration).
			Msg("Shutdown completed with errors")

		return
	}

	log.Info().Dur("duration", duration).Msg("Shutdown completed successfully")
}

func (c *Coordinator) drain(ctx context.Context, tracker InFlightTracker) {
	c.enterPhase(ctx, PhaseDraining)

	if tracker == nil {
		return
	}

	inFlight := tracker.InFlightCount()
	SetInFlightRequests(inFlight)

	if inFlight > 0 {
		log.Info().Int64("in_flight_requests", inFlight).Msg("Waiting for in-flight requests to complete")

		drainCtx, cancel := context.WithTimeout(ctx, c.config.DrainTimeout)
		defer cancel()

		if err := tracker.WaitForDrain(drainCtx); err != nil {
			log.Warn().
				Err(err).
				Int64("remaining", tracker.InFlightCount()).
				Msg("Drain timeout, proceeding with shutdown")
			c.addError(err)
		}
	}

	SetInFlightRequests(0)
}

func (c *Coordinator) stopHTTPServers(ctx context.Context, servers []NamedServer) {
	c.enterPhase(ctx, PhaseHTTPServers)

	httpCtx, cancel := context.WithTimeout(ctx, c.config.HTTPTimeout)
	defer cancel()

	var wg sync.WaitGroup

	for _, srv := range servers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if err := srv.Server.Shutdown(httpCtx); err != nil {
				log.Error().Err(err).Str("server", srv.Name).Msg("Error shutting down HTTP server")
				c.addError(err)

				return
			}

			log.Info().Str("server", srv.Name).Msg("HTTP server shutdown complete")
		}()
	}

	wg.Wait()
}

// run calls fn and gives up after ComponentTimeout. fn keeps running in the
// background if it times out.
func (c *Coordinator) run(ctx context.Context, name string, fn func() error) {
	stepCtx, cancel := context.WithTimeout(ctx, c.config.ComponentTimeout)
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Error().Err(err).Str("component", name).Msg("Error closing component")
			c.addError(err)

			return
		}

		IncrementComponentsStopped()
		log.Info().Str("component", name).Msg("Component closed")
	case <-stepCtx.Done():
		log.Warn().Str("component", name).Msg("Timeout closing component")
		c.addError(stepCtx.Err())
	}
}
