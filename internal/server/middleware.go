// Package server implements the HTTP inspection API for Kiseki: trace
// retrieval, listing, search, and the manual retention controls.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/kiseki-io/kiseki/internal/model"
)

type contextKey string

const contextKeyRequestID contextKey = "request_id"

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(contextKeyRequestID).(string); ok {
		return v
	}
	return ""
}

// withRequestID tags each request with an id, honoring one supplied by
// the caller, and echoes it back on the response.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), contextKeyRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// responseRecorder captures the status code written by the handler.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *responseRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

// withLogging emits one structured log line per request, level scaled to
// the response class.
func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := slog.LevelInfo
		switch {
		case rec.status >= 500:
			level = slog.LevelError
		case rec.status >= 400:
			level = slog.LevelWarn
		}
		fields := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", RequestIDFromContext(r.Context()),
		}
		if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
			fields = append(fields, "otel_trace_id", sc.TraceID().String())
		}
		logger.Log(r.Context(), level, "http request", fields...)
	})
}

// httpInstruments lazily binds the request counter and latency histogram
// against whatever meter provider is installed at server construction.
type httpInstruments struct {
	requests otelmetric.Int64Counter
	latency  otelmetric.Float64Histogram
}

func newHTTPInstruments() *httpInstruments {
	meter := otel.GetMeterProvider().Meter("kiseki/http")
	ins := &httpInstruments{}
	ins.requests, _ = meter.Int64Counter("kiseki.http.requests",
		otelmetric.WithDescription("Completed HTTP requests"))
	ins.latency, _ = meter.Float64Histogram("kiseki.http.duration",
		otelmetric.WithUnit("ms"),
		otelmetric.WithDescription("HTTP request latency"))
	return ins
}

// withTracing opens an OTEL span per request and records the request
// counter and latency histogram.
func withTracing(ins *httpInstruments, next http.Handler) http.Handler {
	tr := otel.Tracer("kiseki/http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tr.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			))
		defer span.End()

		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		attrs := otelmetric.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.Int("http.status_code", rec.status),
		)
		if ins.requests != nil {
			ins.requests.Add(ctx, 1, attrs)
		}
		if ins.latency != nil {
			ins.latency.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
		}
	})
}

// withAuth enforces the static API key on every route except /health.
// An empty configured key disables auth entirely, for local development.
func withAuth(apiKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if apiKey == "" || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		if subtle.ConstantTimeCompare([]byte(presentedKey(r)), []byte(apiKey)) != 1 {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// presentedKey accepts the key via X-API-Key or as a bearer token.
func presentedKey(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if ok && strings.EqualFold(scheme, "Bearer") {
		return token
	}
	return ""
}

// withRecovery converts handler panics into 500 responses.
func withRecovery(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				logger.Error("panic in handler",
					"panic", v,
					"path", r.URL.Path,
					"request_id", RequestIDFromContext(r.Context()),
					"stack", string(debug.Stack()),
				)
				writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func meta(r *http.Request) model.ResponseMeta {
	return model.ResponseMeta{
		RequestID: RequestIDFromContext(r.Context()),
		Timestamp: time.Now().UTC(),
	}
}

// writeJSON writes a success response in the standard envelope.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	respond(w, status, model.APIResponse{Data: data, Meta: meta(r)})
}

// writeError writes an error response in the standard envelope.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	respond(w, status, model.APIError{
		Error: model.ErrorDetail{Code: code, Message: message},
		Meta:  meta(r),
	})
}

// decodeJSON decodes a JSON request body, rejecting unknown fields.
func decodeJSON(r *http.Request, target any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(target)
}
