package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aussiebroadwan/simpleauth/pkg/cryptox"
	"github.com/aussiebroadwan/simpleauth/pkg/jwtx"
	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth"
	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth/adapter/memory"
	redisadapter "github.com/aussiebroadwan/simpleauth/pkg/simpleauth/adapter/redis"
	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth/adapter/sqlite"
	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth/housekeeping"
	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth/metrics"
	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth/ratelimit"
	"github.com/aussiebroadwan/simpleauth/pkg/slogx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	// BuildVersion should be set at build time via ldflags.
	BuildVersion = "v0.1.0"
)

// Store is an adapter the application owns and must close.
type Store interface {
	simpleauth.Adapter
	Pinger
	Close() error
}

// Application wires a SimpleAuth engine to its store, providers and
// background services.
type Application struct {
	cfg    Config
	logger *slog.Logger

	store    Store
	engine   *simpleauth.SimpleAuth
	registry *prometheus.Registry

	housekeepingService *housekeeping.Service
	server              *http.Server
}

// Option customizes an Application before its engine is built.
type Option func(*options)

type options struct {
	sender simpleauth.Sender
}

// WithSender replaces the development log sender used by sms providers.
func WithSender(s simpleauth.Sender) Option { return func(o *options) { o.sender = s } }

// New creates an Application with all dependencies initialized. Nothing
// runs in the background until Run is called.
func New(ctx context.Context, cfg Config, opts ...Option) (*Application, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "simpleauth",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
		registry: prometheus.NewRegistry(),
	}

	// 1. Pepper for password hashing
	if err := cryptox.LoadOrCreatePepper(cfg.PepperFile); err != nil {
		return nil, fmt.Errorf("failed to load pepper: %w", err)
	}

	// 2. Store
	if err := app.initStore(ctx); err != nil {
		return nil, err
	}

	// 3. Engine
	if err := app.initEngine(ctx, o); err != nil {
		_ = app.store.Close()
		return nil, err
	}

	app.housekeepingService = housekeeping.New(app.store, app.logger, cfg.HousekeepingInterval)

	return app, nil
}

// Engine returns the configured engine.
func (app *Application) Engine() *simpleauth.SimpleAuth { return app.engine }

func (app *Application) Logger() *slog.Logger { return app.logger }

// Run starts housekeeping and the metrics server and blocks until a
// shutdown signal or a server error.
func (app *Application) Run() error {
	app.housekeepingService.Start()
	app.initHTTP()

	app.logger.Info("simpleauth starting", "metrics_addr", app.cfg.MetricsAddr, "version", BuildVersion)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- app.server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	select {
	case err := <-serverErrors:
		app.housekeepingService.Stop()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case sig := <-shutdown:
		app.logger.Info("shutdown signal received", "signal", sig)
		if err := app.Shutdown(); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}

	return nil
}

// Shutdown stops the metrics server and housekeeping.
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down simpleauth...")

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("graceful server shutdown failed", "error", err)
		if err := app.server.Close(); err != nil {
			app.logger.Error("error closing server", "error", err)
		}
	}

	app.housekeepingService.Stop()

	app.logger.Info("simpleauth stopped")
	return nil
}

// Close releases the store. Call it once the application is done, after
// Run has returned if it was started.
func (app *Application) Close() error {
	if err := app.store.Close(); err != nil {
		app.logger.Error("error closing store", "error", err)
		return err
	}
	return nil
}

func (app *Application) initStore(ctx context.Context) error {
	switch app.cfg.Store {
	case StoreSQLite, "":
		dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", app.cfg.DatabaseFile)
		db, err := sqlite.NewStore(dsn)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		if err := db.ApplyMigrations(); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to apply database migrations: %w", err)
		}
		app.logger.Debug("database migrations applied", "file", app.cfg.DatabaseFile)
		app.store = db

	case StoreRedis:
		rdb, err := redisadapter.New(ctx, redisadapter.Config{
			Addr:     app.cfg.RedisAddr,
			Password: app.cfg.RedisPassword,
			DB:       app.cfg.RedisDB,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		app.store = rdb

	case StoreMemory:
		app.logger.Warn("using in-memory store, nothing survives a restart")
		app.store = memory.New()

	default:
		return fmt.Errorf("unknown store %q (want sqlite, redis or memory)", app.cfg.Store)
	}

	return nil
}

func (app *Application) initEngine(ctx context.Context, o options) error {
	pf, err := LoadProvidersFile(app.cfg.ProvidersFile)
	if err != nil {
		return err
	}

	secret := []byte(app.cfg.StateSecret)
	if len(secret) == 0 {
		// OAuth callbacks must reach the process that issued the state
		app.logger.Warn("SIMPLEAUTH_STATE_SECRET not set, using a per-process secret")
		secret = []byte(cryptox.MustGenerateToken(jwtx.MinStateKeySize))
	}
	states, err := jwtx.NewStateSigner(secret, jwtx.DefaultStateTTL)
	if err != nil {
		return fmt.Errorf("invalid state secret: %w", err)
	}

	impls, err := BuildProviders(ctx, pf, ProviderDeps{
		Logger:      app.logger,
		Sender:      o.sender,
		StateSigner: states,
	})
	if err != nil {
		return err
	}

	opts := pf.Options()
	if app.cfg.SessionTTL > 0 {
		opts.SessionTTL = app.cfg.SessionTTL
	}

	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(app.registry)

	limiter := ratelimit.New(ratelimit.ConfigFromEnv("CODES", ratelimit.Default))

	engine, err := simpleauth.New(opts, app.store, impls,
		simpleauth.WithLogger(app.logger),
		simpleauth.WithLimiter(limiter),
		simpleauth.WithObserver(collector),
	)
	if err != nil {
		return err
	}
	app.engine = engine

	ids := make([]string, 0, len(opts.Providers))
	for _, p := range engine.Providers() {
		ids = append(ids, p.ID)
	}
	app.logger.Debug("engine ready", "providers", ids, "store", app.cfg.Store)

	return nil
}

func (app *Application) initHTTP() {
	startTime := time.Now()

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler(app.registry))
	mux.Handle("GET /livez", LivezHandler(startTime, BuildVersion))
	mux.Handle("GET /readyz", ReadyzHandler(startTime, BuildVersion, app.store))

	app.server = &http.Server{
		Addr:              app.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 3 * time.Second,
	}
}
