// Package middleware holds the request-scoped wrappers shared by the webhook
// receiver and the API: request logging, log-capturing responses and
// per-request database sessions.
package middleware

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	fluxlog "github.com/mattjoyce/flux/internal/log"
	"github.com/mattjoyce/flux/internal/store"
)

// RequestLogger logs one line per request. Bodies are never logged.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", chimw.GetReqID(r.Context()),
				"remote_addr", r.RemoteAddr,
			)
		})
	}
}

// LoggedHandler handles a request whose response body is whatever it logs.
// It returns the status to send; a non-nil error turns into 500.
type LoggedHandler func(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (int, error)

// LogResponse captures everything h logs into a buffer and sends it as a
// text/plain body. Panics inside h are contained and reported as 500.
// h may set headers but must not write the body itself.
func LogResponse(h LoggedHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		status := invoke(h, w, r, fluxlog.NewTranscript(&buf))

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(status)
		_, _ = w.Write(buf.Bytes())
	})
}

func invoke(h LoggedHandler, w http.ResponseWriter, r *http.Request, logger *slog.Logger) (status int) {
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		if rec == http.ErrAbortHandler {
			panic(rec)
		}
		logger.Error(fmt.Sprintf("internal error: %v", rec))
		fluxlog.Get().Error("handler panicked",
			"path", r.URL.Path,
			"panic", fmt.Sprint(rec),
			"stack", string(debug.Stack()),
			"request_id", chimw.GetReqID(r.Context()),
		)
		status = http.StatusInternalServerError
	}()

	status, err := h(w, r, logger)
	if err != nil {
		logger.Error(err.Error())
		return http.StatusInternalServerError
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status
}

// SessionAcquirer hands out per-request database sessions.
type SessionAcquirer interface {
	Acquire(ctx context.Context) (*store.Session, error)
}

// DBSession pins one database connection for the lifetime of each request.
// The connection is released on every exit path, panics included.
func DBSession(db SessionAcquirer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, err := db.Acquire(r.Context())
			if err != nil {
				fluxlog.Get().Error("failed to acquire db session", "path", r.URL.Path, "error", err)
				http.Error(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
			defer func() {
				if err := sess.Release(); err != nil {
					fluxlog.Get().Warn("failed to release db session", "error", err)
				}
			}()
			next.ServeHTTP(w, r.WithContext(store.WithSession(r.Context(), sess)))
		})
	}
}
