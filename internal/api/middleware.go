// Package api implements the C11 API Surface: the HTTP front door over
// C7 (routing), C8 (conversation), C10 (workflow engine), and the
// agent-request receive side of C4. Grounded on core/agent.go's Start()
// middleware-stack construction ("CORS -> User Middleware -> Logging ->
// Recovery -> Handler"), core/middleware.go's LoggingMiddleware/
// RecoveryMiddleware/responseWriter, and core/cors.go's CORSMiddleware.
package api

import (
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/flowmesh-dev/conductor/internal/config"
	"github.com/flowmesh-dev/conductor/internal/gmcore"
)

// responseWriter wraps http.ResponseWriter to capture the status code
// logged by loggingMiddleware, without disturbing the SSE handlers'
// direct use of http.Flusher.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.statusCode = http.StatusOK
		rw.written = true
	}
	return rw.ResponseWriter.Write(b)
}

// Flush lets the wrapped writer pass http.Flusher checks so SSE streams
// still flush through the middleware stack.
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// loggingMiddleware logs every request in dev mode; in production it
// only logs non-2xx responses and requests slower than one second.
func loggingMiddleware(logger gmcore.Logger, devMode bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			shouldLog := devMode || wrapped.statusCode >= 400 || duration > time.Second
			if !shouldLog {
				return
			}

			fields := map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      wrapped.statusCode,
				"duration_ms": duration.Milliseconds(),
				"remote_addr": r.RemoteAddr,
			}
			switch {
			case wrapped.statusCode >= 500:
				logger.ErrorContext(r.Context(), "http request error", fields)
			case wrapped.statusCode >= 400:
				logger.WarnContext(r.Context(), "http request client error", fields)
			case duration > time.Second:
				logger.WarnContext(r.Context(), "http request slow", fields)
			default:
				logger.InfoContext(r.Context(), "http request", fields)
			}
		})
	}
}

// recoveryMiddleware turns a panicking handler into a 500 instead of a
// crashed process, logging the stack trace for diagnosis.
func recoveryMiddleware(logger gmcore.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.ErrorContext(r.Context(), "http handler panic recovered", map[string]interface{}{
						"panic": rec,
						"path":  r.URL.Path,
						"stack": string(debug.Stack()),
					})
					writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// corsMiddleware mirrors core/cors.go's CORSMiddleware: no-op unless
// cfg.Enabled, origin-allowlist matching with "*" and "*.example.com"
// wildcard support, and a bare 204 response to every preflight OPTIONS.
func corsMiddleware(cfg config.CORSConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled {
				next.ServeHTTP(w, r)
				return
			}
			applyCORSHeaders(w, r, cfg)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func applyCORSHeaders(w http.ResponseWriter, r *http.Request, cfg config.CORSConfig) {
	origin := r.Header.Get("Origin")
	if !originAllowed(origin, cfg.AllowedOrigins) {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	if cfg.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
	if len(cfg.AllowedMethods) > 0 {
		w.Header().Set("Access-Control-Allow-Methods", strings.Join(cfg.AllowedMethods, ", "))
	}
	if len(cfg.AllowedHeaders) > 0 {
		w.Header().Set("Access-Control-Allow-Headers", strings.Join(cfg.AllowedHeaders, ", "))
	}
	if cfg.MaxAge > 0 {
		w.Header().Set("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAge))
	}
}

func originAllowed(origin string, allowed []string) bool {
	if origin == "" {
		return false
	}
	for _, candidate := range allowed {
		if candidate == "*" || candidate == origin {
			return true
		}
		if idx := strings.Index(candidate, "*."); idx >= 0 {
			before, after := candidate[:idx], candidate[idx+2:]
			if strings.HasPrefix(origin, before) && strings.HasSuffix(origin, after) && len(origin) > len(before)+len(after) {
				return true
			}
		}
	}
	return false
}

// chain wraps handler in middlewares ordered outermost-first: the
// caller's own stack construction spells out CORS -> logging ->
// recovery -> handler.
func chain(handler http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}
