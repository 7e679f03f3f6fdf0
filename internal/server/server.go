// Package server assembles the dlpgate HTTP server from configuration: the
// metadata store, the blob backend, the encryption service, the inspection
// pipeline and the API routers.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/dlpgate/internal/anomaly"
	"github.com/piwi3910/dlpgate/internal/api/admin"
	"github.com/piwi3910/dlpgate/internal/api/console"
	apimiddleware "github.com/piwi3910/dlpgate/internal/api/middleware"
	"github.com/piwi3910/dlpgate/internal/audit"
	"github.com/piwi3910/dlpgate/internal/auth"
	"github.com/piwi3910/dlpgate/internal/config"
	"github.com/piwi3910/dlpgate/internal/encryption"
	"github.com/piwi3910/dlpgate/internal/health"
	"github.com/piwi3910/dlpgate/internal/metadata"
	"github.com/piwi3910/dlpgate/internal/metrics"
	"github.com/piwi3910/dlpgate/internal/risk"
	"github.com/piwi3910/dlpgate/internal/shutdown"
	"github.com/piwi3910/dlpgate/internal/storage/backend"
	"github.com/piwi3910/dlpgate/internal/storage/compression"
	"github.com/piwi3910/dlpgate/internal/storage/fs"
	"github.com/piwi3910/dlpgate/internal/storage/minio"
	"github.com/piwi3910/dlpgate/internal/storage/s3"
	"github.com/piwi3910/dlpgate/internal/tlscert"
	"github.com/piwi3910/dlpgate/internal/upload"
)

// Version is the current version of dlpgate
const Version = "0.1.0"

// idleTimeout is the keep-alive idle limit of the listener.
const idleTimeout = 120 * time.Second

// Server is the main dlpgate server
type Server struct {
	cfg *config.Config

	// Core services
	metaStore      metadata.Store
	storageBackend backend.Backend
	cipher         *encryption.Service
	authService    *auth.Service
	uploadService  *upload.Service

	healthChecker *health.Checker
	auditLogger   *audit.Logger
	rateLimiter   *apimiddleware.RateLimiter
	tracker       *shutdown.RequestTracker

	httpServer *http.Server
}

// New creates a new dlpgate server. Nothing is served until Start.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	srv := &Server{
		cfg:     cfg,
		tracker: shutdown.NewRequestTracker(),
	}

	metrics.Init()

	var err error

	srv.metaStore, err = metadata.NewBadgerStore(metadata.BadgerConfig{DataDir: cfg.DataDir})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metadata store: %w", err)
	}

	if err := srv.initServices(ctx); err != nil {
		_ = srv.metaStore.Close()

		if srv.storageBackend != nil {
			_ = srv.storageBackend.Close()
		}

		return nil, err
	}

	srv.setupHTTPServer()

	if cfg.Server.TLS.Enabled {
		hostname, _ := os.Hostname()

		certs, err := tlscert.New(&cfg.Server.TLS, hostname)
		if err != nil {
			_ = srv.metaStore.Close()
			_ = srv.storageBackend.Close()

			return nil, fmt.Errorf("failed to initialize TLS: %w", err)
		}

		srv.httpServer.TLSConfig = certs.TLSConfig()
	}

	return srv, nil
}

func (s *Server) initServices(ctx context.Context) error {
	cfg := s.cfg

	var err error

	s.storageBackend, err = newBackend(ctx, cfg)
	if err != nil {
		return err
	}

	if err := s.storageBackend.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize %s storage backend: %w", s.storageBackend.Name(), err)
	}

	log.Info().Str("backend", s.storageBackend.Name()).Msg("Storage backend initialized")

	codec, err := compression.NewCodec(cfg.Storage.Compression)
	if err != nil {
		return fmt.Errorf("failed to initialize compression: %w", err)
	}

	s.cipher, err = encryption.New(cfg.Encryption)
	if err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

	auditPath := cfg.Audit.FilePath
	if auditPath != "" && !filepath.IsAbs(auditPath) {
		auditPath = filepath.Join(cfg.DataDir, auditPath)
	}

	s.auditLogger, err = audit.NewLogger(audit.Config{
		Store:      s.metaStore,
		FilePath:   auditPath,
		BufferSize: cfg.Audit.BufferSize,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize audit logger: %w", err)
	}

	detector := anomaly.NewDetector(cfg.Anomaly)

	s.authService, err = auth.NewService(auth.Config{
		JWTSecret:         cfg.Auth.JWTSecret,
		TokenExpiry:       cfg.Auth.TokenExpiry,
		MinPasswordLength: cfg.Auth.MinPasswordLength,
		AdminUser:         cfg.Auth.AdminUser,
		AdminEmail:        cfg.Auth.AdminEmail,
		AdminPassword:     cfg.Auth.AdminPassword,

		AllowAdminRegistration: cfg.Auth.AllowAdminRegistration,
	}, s.metaStore, detector, s.auditLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize auth service: %w", err)
	}

	s.uploadService, err = upload.NewService(upload.Deps{
		Store:    s.metaStore,
		Blobs:    s.storageBackend,
		Cipher:   s.cipher,
		Codec:    codec,
		Policy:   risk.NewPolicy(s.metaStore, cfg.Escalation.Policy()),
		Detector: detector,
		Auditor:  s.auditLogger,
	}, upload.Config{MaxFileSize: cfg.MaxUploadBytes()})
	if err != nil {
		return fmt.Errorf("failed to initialize upload service: %w", err)
	}

	s.healthChecker = health.NewChecker(s.metaStore, s.storageBackend, s.cipher)

	rl := apimiddleware.DefaultRateLimitConfig()
	rl.Enabled = cfg.RateLimit.Enabled
	rl.RequestsPerSecond = cfg.RateLimit.RequestsPerSecond
	rl.BurstSize = cfg.RateLimit.BurstSize
	rl.TrustedProxies = cfg.RateLimit.TrustedProxies
	s.rateLimiter = apimiddleware.NewRateLimiter(rl)

	return nil
}

// newBackend selects the blob store named by storage.backend.
func newBackend(ctx context.Context, cfg *config.Config) (backend.Backend, error) {
	switch cfg.Storage.Backend {
	case config.BackendFS, "":
		b, err := fs.New(fs.Config{DataDir: cfg.DataDir})
		if err != nil {
			return nil, fmt.Errorf("failed to create filesystem storage backend: %w", err)
		}

		return b, nil
	case config.BackendS3:
		b, err := s3.New(ctx, cfg.Storage.S3)
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 storage backend: %w", err)
		}

		return b, nil
	case config.BackendMinIO:
		b, err := minio.New(cfg.Storage.MinIO)
		if err != nil {
			return nil, fmt.Errorf("failed to create minio storage backend: %w", err)
		}

		return b, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s (supported: fs, s3, minio)", cfg.Storage.Backend)
	}
}

// Handler returns the root router.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) setupHTTPServer() {
	r := chi.NewRouter()

	r.Use(s.tracker.Middleware)
	r.Use(apimiddleware.RequestID)
	r.Use(apimiddleware.ClientIPMiddleware(s.rateLimiter.ProxyTrust))
	r.Use(apimiddleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(apimiddleware.MetricsMiddleware)
	r.Use(apimiddleware.SecurityHeaders(apimiddleware.DefaultSecurityHeadersConfig(s.cfg.Server.TLS.Enabled)))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", apimiddleware.RequestIDHeader},
		ExposedHeaders:   []string{apimiddleware.RequestIDHeader, "Content-Disposition"},
		AllowCredentials: s.cfg.CORS.AllowCredentials,
		MaxAge:           s.cfg.CORS.MaxAge,
	}))

	healthHandler := health.NewHandler(s.healthChecker)
	r.Get("/health", healthHandler.DetailedHandler)
	r.Get("/health/live", healthHandler.LivenessHandler)
	r.Get("/health/ready", healthHandler.ReadinessHandler)

	r.Handle("/metrics", promhttp.Handler())

	openapi := admin.NewOpenAPIHandler(admin.OpenAPISpec, 0)

	consoleHandler := console.NewHandler(s.authService, s.uploadService, s.rateLimiter, s.cfg.MaxUploadBytes())
	adminHandler := admin.NewHandler(s.authService, s.metaStore)

	r.Route("/api", func(r chi.Router) {
		r.Get("/openapi", openapi.ServeOpenAPI)
		r.Get("/openapi.json", openapi.ServeOpenAPIJSON)
		r.Get("/openapi.yaml", openapi.ServeOpenAPIYAML)

		consoleHandler.RegisterRoutes(r)
		r.Route("/admin", adminHandler.RegisterRoutes)
	})

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address(),
		Handler:           r,
		ReadTimeout:       s.cfg.Server.ReadTimeout,
		ReadHeaderTimeout: s.cfg.Server.ReadTimeout,
		WriteTimeout:      s.cfg.Server.WriteTimeout,
		IdleTimeout:       idleTimeout,
	}
}

// Start serves until ctx is cancelled or the listener fails, then shuts
// down every component in order.
func (s *Server) Start(ctx context.Context) error {
	if err := s.ensureAdmin(ctx); err != nil {
		return fmt.Errorf("failed to ensure admin user: %w", err)
	}

	// The audit buffer is drained during shutdown, after ctx is done.
	s.auditLogger.Start(context.WithoutCancel(ctx))
	log.Info().Msg("Audit logger started")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().
			Str("address", s.httpServer.Addr).
			Bool("tls", s.cfg.Server.TLS.Enabled).
			Str("version", Version).
			Msg("Starting dlpgate API server")

		var err error
		if s.cfg.Server.TLS.Enabled {
			// The certificate is already loaded into TLSConfig.
			err = s.httpServer.ListenAndServeTLS("", "")
		} else {
			err = s.httpServer.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		s.shutdown()

		return nil
	})

	return g.Wait()
}

func (s *Server) shutdown() {
	coord := shutdown.NewCoordinator(shutdown.Config{TotalTimeout: s.cfg.Server.ShutdownTimeout})

	coord.RegisterHook(shutdown.PhaseWorkers, func(context.Context) error {
		s.rateLimiter.Close()
		return nil
	})

	// Shutdown runs after the serve context is done, so it gets a fresh one.
	coord.Shutdown(context.Background(), shutdown.Components{
		InFlightTracker: s.tracker,
		HTTPServers:     []shutdown.NamedServer{{Name: "api", Server: s.httpServer}},
		AuditLogger:     s.auditLogger,
		MetadataStore:   s.metaStore,
		StorageBackend:  s.storageBackend,
	})
}

// ensureAdmin creates the configured bootstrap administrator.
func (s *Server) ensureAdmin(ctx context.Context) error {
	if s.cfg.Auth.AdminUser == "" {
		log.Debug().Msg("No bootstrap admin configured")
		return nil
	}

	created, err := s.authService.EnsureAdmin(ctx)
	if err != nil {
		return err
	}

	if created {
		log.Info().Str("username", s.cfg.Auth.AdminUser).Msg("Bootstrap admin user created")
	} else {
		log.Debug().Str("username", s.cfg.Auth.AdminUser).Msg("Bootstrap admin user already exists")
	}

	return nil
}
