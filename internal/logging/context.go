package logging

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// TraceIDHeader carries request trace identifiers across HTTP hops.
const TraceIDHeader = "X-Trace-ID"

// TraceIDField is the structured key holding the trace identifier.
const TraceIDField = "trace_id"

type ctxKey int

const (
	loggerKey ctxKey = iota
	traceKey
)

// ContextWithLogger stores logger in ctx.
func ContextWithLogger(ctx context.Context, logger *Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext returns the logger stored in ctx or the global one.
func LoggerFromContext(ctx context.Context) *Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerKey).(*Logger); ok && logger != nil {
			return logger
		}
	}
	return L()
}

// TraceIDFromContext extracts the trace identifier, if any.
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(traceKey).(string)
	return id
}

// WithTrace binds a trace identifier to ctx and returns a logger tagged with it.
// A blank traceID is replaced by a fresh UUID.
func WithTrace(ctx context.Context, base *Logger, traceID string) (context.Context, *Logger, string) {
	id := strings.TrimSpace(traceID)
	if id == "" {
		id = uuid.NewString()
	}
	if base == nil {
		base = L()
	}
	logger := base.With(String(TraceIDField, id))
	ctx = context.WithValue(ctx, traceKey, id)
	return ContextWithLogger(ctx, logger), logger, id
}

// HTTPTraceMiddleware tags every request with a trace identifier echoed in the response.
func HTTPTraceMiddleware(base *Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, logger, id := WithTrace(r.Context(), base, r.Header.Get(TraceIDHeader))
			w.Header().Set(TraceIDHeader, id)
			logger.Debug("request received", String("method", r.Method), String("path", r.URL.Path))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
