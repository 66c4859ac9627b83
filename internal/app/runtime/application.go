// Package runtime wires configuration, storage, sessions and the HTTP
// server into one process.
package runtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	_ "github.com/lib/pq"

	"github.com/R3E-Network/silkroad/internal/app/httpapi"
	"github.com/R3E-Network/silkroad/internal/app/metrics"
	"github.com/R3E-Network/silkroad/internal/app/storage"
	"github.com/R3E-Network/silkroad/internal/app/storage/memory"
	"github.com/R3E-Network/silkroad/internal/app/storage/postgres"
	"github.com/R3E-Network/silkroad/internal/app/storage/redislock"
	"github.com/R3E-Network/silkroad/internal/app/storage/supabase"
	"github.com/R3E-Network/silkroad/internal/config"
	"github.com/R3E-Network/silkroad/internal/economy"
	"github.com/R3E-Network/silkroad/internal/logging"
	"github.com/R3E-Network/silkroad/internal/middleware"
	"github.com/R3E-Network/silkroad/internal/platform/migrations"
	"github.com/R3E-Network/silkroad/internal/session"
	"github.com/R3E-Network/silkroad/internal/world"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

const (
	shutdownTimeout    = 10 * time.Second
	limiterIdleTimeout = 10 * time.Minute
)

// Application wires core dependencies and manages the HTTP server lifecycle.
type Application struct {
	cfg        *config.Config
	log        *logging.Logger
	manager    *session.Manager
	metrics    *metrics.Metrics
	limiter    *middleware.RateLimiter
	handler    http.Handler
	httpServer *http.Server
	closers    []io.Closer
}

// NewApplication loads configuration from the environment and builds the
// application.
func NewApplication(ctx context.Context) (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return New(ctx, cfg)
}

// New builds the application from cfg. Every resource opened before a
// failure is closed again.
func New(ctx context.Context, cfg *config.Config) (app *Application, err error) {
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	log := logging.NewFromConfig("silkroad", logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	a := &Application{cfg: cfg, log: log, metrics: metrics.New()}
	defer func() {
		if err != nil {
			a.closeAll()
		}
	}()

	w, err := world.Load(cfg.World.File)
	if err != nil {
		return nil, fmt.Errorf("load world: %w", err)
	}

	repo, checks, err := a.buildRepository(ctx)
	if err != nil {
		return nil, fmt.Errorf("configure storage: %w", err)
	}

	opts := session.Options{
		EventLogSize: cfg.Session.EventLogSize,
		SaveTimeout:  cfg.Session.SaveTimeout,
		Recorder:     a.metrics,
		Logger:       log,
	}
	if cfg.Redis.Addr != "" {
		locker, client, err := redislock.Dial(ctx, redislock.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.LockTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.closers = append(a.closers, client)
		opts.Guard = locker
		checks["redis"] = locker.Health
		log.WithField("addr", cfg.Redis.Addr).Info("Distributed session guard enabled")
	}

	a.manager = session.NewManager(economy.New(w), repo, opts, session.ManagerConfig{
		IdleTTL:       cfg.Session.IdleTTL,
		EvictSchedule: cfg.Session.EvictSchedule,
	})
	if err := a.metrics.RegisterGaugeFunc("session", "live_controllers", "Session controllers held in memory.", func() float64 {
		return float64(a.manager.Len())
	}); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	a.limiter = middleware.NewRateLimiter(float64(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst, log)
	a.handler = httpapi.NewRouter(httpapi.Options{
		Manager:     a.manager,
		Metrics:     a.metrics,
		Logger:      log,
		Auth:        middleware.NewAuthMiddleware([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, log, cfg.Auth.SkipPaths),
		CORS:        middleware.NewCORSMiddleware(cfg.CORS.AllowedOrigins),
		RateLimiter: a.limiter,
		Checks:      checks,
		Version:     Version,
	})
	a.httpServer = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.WithField("backend", cfg.Storage.Backend).
		WithField("items", w.Catalog.Len()).
		Info("Application initialized")
	return a, nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *Application) Handler() http.Handler { return a.handler }

// Manager returns the session manager.
func (a *Application) Manager() *session.Manager { return a.manager }

// Run starts background jobs and the HTTP server and blocks until the
// context is cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	if err := a.manager.Start(ctx); err != nil {
		return fmt.Errorf("start session manager: %w", err)
	}
	a.limiter.StartCleanup(ctx, limiterIdleTimeout)

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("HTTP server listening on %s", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the HTTP server and background jobs and
// releases storage connections.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if err := a.manager.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("session manager: %w", err))
	}
	a.closeAll()
	return errors.Join(errs...)
}

func (a *Application) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.log.WithError(err).Warn("error closing resource")
		}
	}
	a.closers = nil
}

// buildRepository opens the configured backend and returns its health
// checks.
func (a *Application) buildRepository(ctx context.Context) (storage.SessionRepository, map[string]httpapi.HealthCheck, error) {
	cfg := a.cfg
	checks := make(map[string]httpapi.HealthCheck)

	switch cfg.Storage.Backend {
	case config.BackendMemory:
		a.log.Warn("Using in-memory session storage; sessions are lost on restart")
		store := memory.New()
		checks["storage"] = store.Health
		return store, checks, nil

	case config.BackendPostgres:
		if cfg.Database.Migrate {
			version, err := migrations.Up(cfg.Database.DSN)
			if err != nil {
				return nil, nil, err
			}
			a.log.WithField("version", version).Info("Database migrations applied")
		}
		db, err := openDatabase(ctx, cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, db)
		store := postgres.New(db)
		checks["storage"] = store.Health
		return store, checks, nil

	case config.BackendSupabase:
		client := supabase.NewResilientClient(nil, supabase.DefaultRetryConfig(), supabase.DefaultCircuitBreakerConfig())
		store, err := supabase.New(supabase.Config{
			URL:        cfg.Supabase.URL,
			ServiceKey: cfg.Supabase.ServiceKey,
			Table:      cfg.Supabase.Table,
		}, client)
		if err != nil {
			return nil, nil, err
		}
		checks["storage"] = store.Health
		return store, checks, nil
	}
	return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	if cfg.Driver == "" {
		return nil, fmt.Errorf("database driver not configured")
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn not configured")
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}
