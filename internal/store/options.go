package store

import (
	"log/slog"
	"net/http"
)

// Opts holds configuration options for store backends.
type Opts struct {
	DSN        string // Postgres connection string
	BaseURL    string // PostgREST base URL (without /rest/v1)
	Key        string // service key for the REST endpoint
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithRESTEndpoint sets the PostgREST base URL and service key.
func WithRESTEndpoint(baseURL, key string) Option {
	return func(o *Opts) {
		o.BaseURL = baseURL
		o.Key = key
	}
}

// WithHTTPClient sets the HTTP client used by RESTStore.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Opts) { o.Logger = l }
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
