package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"oidcsession/session"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	sessionKey
)

// RequestIDMiddleware attaches a request ID for traceability.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey, reqID))
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

// LoggingMiddleware emits structured request logs using slog.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			holder := &sessionHolder{}
			next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), sessionKey, holder)))

			attrs := []any{
				"request_id", RequestIDFromContext(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if holder.props != nil {
				attrs = append(attrs, "scheme", holder.props.Scheme())
			}
			logger.Info("http_request", attrs...)
		})
	}
}

// RecoveryMiddleware guards against panics.
func RecoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic", "error", err, "path", r.URL.Path)
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeadersMiddleware enforces HSTS in production.
func SecurityHeadersMiddleware(maxAge int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.TLS != nil {
				w.Header().Set("Strict-Transport-Security",
					fmt.Sprintf("max-age=%d; includeSubDomains", maxAge))
			}
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			next.ServeHTTP(w, r)
		})
	}
}

// SessionMiddleware restores the session cookie and runs the
// validate-principal hook, which refreshes tokens that are about to expire.
// Requests without a valid session continue anonymously.
func (a *App) SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		st, err := a.Cookies.Load(ctx, r)
		if err != nil {
			if errors.Is(err, ErrInvalidCookie) || errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrTicketNotFound) {
				a.Logger.Debug("discarding session cookie", "error", err)
				a.Cookies.Clear(ctx, w, r)
			} else {
				a.Logger.Error("load session failed", "error", err)
			}
			next.ServeHTTP(w, r)
			return
		}
		if st == nil {
			next.ServeHTTP(w, r)
			return
		}

		vc := &session.ValidateContext{Request: r, Writer: w, Properties: st.Properties, Auth: a}
		if err := a.validatePrincipal.Invoke(ctx, vc); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			a.Logger.Error("validate principal failed", "scheme", st.Properties.Scheme(), "error", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		if vc.Handled() {
			return
		}
		if vc.Rejected() {
			a.Cookies.Clear(ctx, w, r)
			next.ServeHTTP(w, r)
			return
		}
		if vc.ShouldRenew || a.Cookies.ShouldSlide(st) {
			if err := a.Cookies.Save(ctx, w, st); err != nil {
				a.Logger.Error("persist session failed", "error", err)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
		}

		// The logging middleware owns the holder when present.
		if h, ok := ctx.Value(sessionKey).(*sessionHolder); ok {
			h.props = st.Properties
			next.ServeHTTP(w, r)
			return
		}
		ctx = context.WithValue(ctx, sessionKey, &sessionHolder{props: st.Properties})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireSession sends anonymous requests to the login endpoint.
func RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if SessionFromContext(r.Context()) == nil {
			http.Redirect(w, r, "/login?returnUrl="+url.QueryEscape(r.URL.RequestURI()), http.StatusFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SessionFromContext returns the properties of the authenticated session, or
// nil for anonymous requests.
func SessionFromContext(ctx context.Context) *session.Properties {
	if h, ok := ctx.Value(sessionKey).(*sessionHolder); ok {
		return h.props
	}
	return nil
}

// RequestIDFromContext extracts the request ID.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

type sessionHolder struct {
	props *session.Properties
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
