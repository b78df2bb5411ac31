package httpapi

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

const headerClientID = "X-Client-ID"

// Recoverer turns panics into a 500 and logs them.
func Recoverer(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error().
						Str("request_id", middleware.GetReqID(r.Context())).
						Interface("recover", rec).
						Msg("panic recovered")
					writeError(w, errors.New(http.StatusText(http.StatusInternalServerError)), nil)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// AccessLog logs one line per request.
func AccessLog(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			ev := logger.Info()
			if ww.Status() >= http.StatusInternalServerError {
				ev = logger.Warn()
			}
			ev.Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("route", route).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}

// charge counts one generation against the client's hourly quota and writes
// the 429 reply itself when the quota is used up. Handlers call it only after
// the request is valid, so rejected requests cost nothing. Redis failures let
// the request through.
func (s *Server) charge(w http.ResponseWriter, r *http.Request) bool {
	if s.cfg.Quota == nil {
		return true
	}
	client := clientID(r)
	d, err := s.cfg.Quota.Allow(r.Context(), client, s.now())
	if err != nil {
		s.cfg.Logger.Error().Err(err).Str("client", client).Msg("quota check failed")
		return true
	}
	w.Header().Set("X-Quota-Limit", fmt.Sprint(d.Limit))
	w.Header().Set("X-Quota-Used", fmt.Sprint(d.Used))
	if !d.Allowed {
		s.cfg.Metrics.QuotaRejections.Inc()
		retryAfter := int(d.ResetAt.Sub(s.now()).Seconds()) + 1
		w.Header().Set("Retry-After", fmt.Sprint(retryAfter))
		writeError(w, fmt.Errorf("%w: hourly quota of %d generations used", ErrRateLimited, d.Limit), map[string]any{
			"reset_at": d.ResetAt.UTC().Format(time.RFC3339),
		})
		return false
	}
	return true
}

func clientID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(headerClientID)); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
