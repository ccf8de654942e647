package httpapi

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/example/airport-pooling/internal/lock"
	"github.com/example/airport-pooling/internal/models"
	"github.com/example/airport-pooling/internal/observability"
)

type contextKey struct{}

var loggerKey contextKey

// Error kinds reported in the access log and the http_errors_total metric.
const (
	kindInvalidInput    = "invalid_input"
	kindNotFound        = "not_found"
	kindConflict        = "conflict"
	kindLockBusy        = "lock_busy"
	kindVersionConflict = "version_conflict"
	kindUnauthorized    = "unauthorized"
	kindInternal        = "internal"
)

func (s *Server) registerMiddleware() {
	s.mux.Use(s.requestScope)
	s.mux.Use(s.accessLog)
	s.mux.Use(s.recoverPanic)
}

// requestScope assigns the request id and derives a logger carrying it and
// any ride or pool id in the route.
func (s *Server) requestScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)

		logger := s.logger.With("request_id", reqID)
		if id := mux.Vars(r)["id"]; id != "" {
			logger = logger.With(routeEntity(r), id)
		}
		ctx := context.WithValue(r.Context(), loggerKey, logger)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// routeEntity names the {id} variable of the matched route.
func routeEntity(r *http.Request) string {
	if strings.HasPrefix(routeTemplate(r), "/api/v1/pools/") {
		return "pool_id"
	}
	return "ride_id"
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := routeTemplate(r)
		status := strconv.Itoa(rec.status)
		elapsed := time.Since(start)
		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		observability.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(elapsed.Seconds())

		args := []any{"method", r.Method, "route", route, "status", rec.status, "duration_ms", elapsed.Milliseconds()}
		level := slog.LevelInfo
		if rec.kind != "" {
			observability.HTTPErrors.WithLabelValues(route, rec.kind).Inc()
			args = append(args, "error_kind", rec.kind)
			if rec.kind == kindInternal {
				level = slog.LevelError
			}
		}
		loggerFrom(r.Context(), s.logger).Log(r.Context(), level, "http_request", args...)
	})
}

// recoverPanic turns a handler panic into a 500 that still passes through
// the access log.
func (s *Server) recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				loggerFrom(r.Context(), s.logger).Error("handler panic", "panic", v, "route", routeTemplate(r))
				respondError(w, http.StatusInternalServerError, kindInternal, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requireAdmin guards operator endpoints with a bearer token. An empty token
// disables them.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if s.adminToken == "" || !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.adminToken)) != 1 {
			respondError(w, http.StatusUnauthorized, kindUnauthorized, "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// classify maps a domain error onto a status code and error kind.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest, kindInvalidInput
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, kindNotFound
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict, kindConflict
	case errors.Is(err, lock.ErrNotAcquired):
		return http.StatusServiceUnavailable, kindLockBusy
	case errors.Is(err, models.ErrVersionConflict):
		return http.StatusServiceUnavailable, kindVersionConflict
	}
	return http.StatusInternalServerError, kindInternal
}

func respondError(w http.ResponseWriter, status int, kind, msg string) {
	if rec, ok := w.(*statusRecorder); ok {
		rec.kind = kind
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	kind   string
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer cannot be hijacked")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func loggerFrom(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return fallback
}

func routeTemplate(r *http.Request) string {
	if current := mux.CurrentRoute(r); current != nil {
		if tmpl, err := current.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}
