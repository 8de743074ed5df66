package kiseki

import (
	"log/slog"

	"github.com/kiseki-io/kiseki/internal/tracer"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port        int
	databaseURL string
	sqlitePath  string
	logger      *slog.Logger
	version     string
	store       tracer.Store
	scheduler   tracer.Scheduler
}

// WithPort overrides the TCP port from config (KISEKI_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the Postgres connection string from config
// (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithSQLitePath overrides the embedded SQLite database path from config
// (KISEKI_SQLITE_PATH env var). Only used when no Postgres URL is set.
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithStore replaces the configured persistence gateway entirely. The App
// then skips database setup and migrations; the caller owns the store's
// lifecycle.
func WithStore(s tracer.Store) Option {
	return func(o *resolvedOptions) { o.store = s }
}

// WithScheduler replaces the in-process timer used for deferred cleanup,
// e.g. with a scheduler that persists the delayed call across restarts.
func WithScheduler(s tracer.Scheduler) Option {
	return func(o *resolvedOptions) { o.scheduler = s }
}
