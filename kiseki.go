// Package kiseki is the public API for embedding the Kiseki function
// tracing server.
//
// Consumers import this package to construct and run the server, and to
// wrap their own functions with tracing:
//
//	app, err := kiseki.New(
//	    kiseki.WithVersion(version),
//	    kiseki.WithLogger(logger),
//	)
//	if err != nil { ... }
//
//	traced := app.Tracer().Wrap(tracer.Config{Name: "orders.place"}, placeOrder)
//
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: kiseki (root) imports
// internal/*, but internal/* never imports kiseki (root).
package kiseki

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/kiseki-io/kiseki/internal/config"
	"github.com/kiseki-io/kiseki/internal/server"
	"github.com/kiseki-io/kiseki/internal/storage"
	"github.com/kiseki-io/kiseki/internal/telemetry"
	"github.com/kiseki-io/kiseki/internal/tracer"
	"github.com/kiseki-io/kiseki/migrations"
)

// App is the Kiseki server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	engine       *tracer.Tracer
	srv          *server.Server
	db           *storage.DB   // nil when running on SQLite or an injected store
	lite         *storage.Lite // nil unless running on the embedded store
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the Kiseki server. It connects to the database, runs
// migrations, wires the tracing engine and HTTP API, and returns a
// ready-to-run App. It does NOT start any goroutines or accept HTTP
// connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kiseki starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	app := &App{
		cfg:          cfg,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}

	store := o.store
	switch {
	case store != nil:
		logger.Info("storage: injected store, skipping database setup")
	case cfg.DatabaseURL != "":
		db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("storage: %w", err)
		}
		if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("migrations: %w", err)
		}
		app.db = db
		store = db
		logger.Info("storage: postgres")
	default:
		lite, err := storage.NewLite(cfg.SQLitePath, logger)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("storage: %w", err)
		}
		app.lite = lite
		store = lite
		logger.Info("storage: sqlite", "path", cfg.SQLitePath)
	}

	engineOpts := []tracer.Option{
		tracer.WithDefaults(tracer.Defaults{
			SampleRate:     cfg.DefaultSampleRate,
			Retention:      cfg.DefaultRetention,
			PreserveErrors: cfg.DefaultPreserveErrors,
		}),
	}
	if o.scheduler != nil {
		engineOpts = append(engineOpts, tracer.WithScheduler(o.scheduler))
	}
	app.engine = tracer.New(store, logger, engineOpts...)

	app.srv = server.New(server.ServerConfig{
		Store:               store,
		Engine:              app.engine,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		APIKey:              cfg.APIKey,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	return app, nil
}

// Tracer returns the tracing engine for wrapping functions.
func (a *App) Tracer() *tracer.Tracer {
	return a.engine
}

// Handler returns the root HTTP handler for use in tests.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts the retention sweeper and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown is
// called automatically — callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	go a.sweepLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown stops accepting HTTP requests, drains in-flight ones, then
// closes the store and OTEL providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kiseki shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	cancel()

	if a.db != nil {
		a.db.Close()
	}
	if a.lite != nil {
		_ = a.lite.Close()
	}
	_ = a.otelShutdown(context.Background())

	a.logger.Info("kiseki stopped")
	return nil
}

// sweepLoop periodically re-runs cleanup decisions for expired traces.
// In-process cleanup timers die with the process; the sweep catches
// whatever they left behind.
func (a *App) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, time.Minute)
			n, err := a.engine.SweepExpired(opCtx, a.cfg.SweepBatchSize)
			cancel()
			if err != nil {
				a.logger.Warn("retention sweep failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Info("retention sweep complete", "evaluated", n)
			}
		}
	}
}
