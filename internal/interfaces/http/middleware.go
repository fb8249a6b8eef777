package http

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/hlog"

	"github.com/berea-app/berea/internal/apperr"
	"github.com/berea-app/berea/internal/domain"
	"github.com/berea-app/berea/internal/metrics"
)

type ctxKey int

const principalKey ctxKey = iota

// principalFrom returns the authenticated principal, zero when absent.
func principalFrom(ctx context.Context) domain.Principal {
	p, _ := ctx.Value(principalKey).(domain.Principal)
	return p
}

func withPrincipal(ctx context.Context, p domain.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()[:8]
		w.Header().Set("X-Request-ID", requestID)
		ctx := hlog.FromRequest(r).With().Str("request_id", requestID).Logger().WithContext(r.Context())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// responseWrapper captures status codes for logging and metrics.
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		route := r.URL.Path
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(wrapper.statusCode/100*100)).Inc()
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", route).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}

// timeout bounds one route's handling; generation gets a longer budget than
// the rest of the API.
func timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); allowed[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers",
				"authorization, content-type, x-session-id, x-anonymous-session-id")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// authMode declares how much identity a route needs.
type authMode int

const (
	// authOptional: user token, anonymous token, anonymous-session header,
	// or nothing at all; a missing identity gets a session created on demand.
	authOptional authMode = iota
	// authAny: a valid user or anonymous identity is required.
	authAny
	// authUser: an authenticated user is required.
	authUser
)

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return h[7:]
	}
	return ""
}

// authenticate resolves the caller's principal per the route's mode and
// stashes it in the request context.
func (s *Server) authenticate(mode authMode, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.resolvePrincipal(r, mode == authOptional)
		if err != nil {
			respondErr(w, r, err)
			return
		}
		if p.Anonymous {
			// Echo the session so clients created on demand can keep it.
			w.Header().Set("X-Session-ID", p.ID)
		}
		if mode == authUser && (p.IsZero() || p.Anonymous) {
			respondErr(w, r, apperr.Unauthorized("a user bearer token is required"))
			return
		}
		if mode == authAny && p.IsZero() {
			respondErr(w, r, apperr.Unauthorized("a bearer token is required"))
			return
		}
		next(w, r.WithContext(withPrincipal(r.Context(), p)))
	}
}

func (s *Server) resolvePrincipal(r *http.Request, createOnDemand bool) (domain.Principal, error) {
	if token := bearerToken(r); token != "" {
		return s.auth.VerifyToken(r.Context(), token)
	}
	if sid := r.Header.Get("X-Anonymous-Session-ID"); sid != "" {
		return s.auth.VerifySession(r.Context(), sid)
	}
	if !createOnDemand {
		return domain.Principal{}, nil
	}
	sess, err := s.auth.CreateAnonymous(r.Context(), "")
	if err != nil {
		return domain.Principal{}, err
	}
	return domain.AnonymousPrincipal(sess.Session.ID), nil
}
