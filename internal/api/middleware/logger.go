package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	pkgmw "github.com/agentoven/adjudicator/pkg/middleware"
)

// wrap returns a status-capturing writer, reusing one installed by an outer
// middleware.
func wrap(w http.ResponseWriter, r *http.Request) chimw.WrapResponseWriter {
	if ww, ok := w.(chimw.WrapResponseWriter); ok {
		return ww
	}
	return chimw.NewWrapResponseWriter(w, r.ProtoMajor)
}

// status reports 200 when the handler wrote a body without a header.
func status(ww chimw.WrapResponseWriter) int {
	if s := ww.Status(); s != 0 {
		return s
	}
	return http.StatusOK
}

// Logger returns structured request logging middleware. It must run inside
// the API key middleware to see the caller. Probe and scrape endpoints log
// at debug level.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := wrap(w, r)

		next.ServeHTTP(ww, r)

		code := status(ww)
		var event *zerolog.Event
		switch {
		case code >= 500:
			event = log.Error()
		case code >= 400:
			event = log.Warn()
		case isPublicPath(r.URL.Path):
			event = log.Debug()
		default:
			event = log.Info()
		}

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}

		event.
			Str("request_id", chimw.GetReqID(r.Context())).
			Str("caller", pkgmw.GetCaller(r.Context()).KeyID).
			Str("method", r.Method).
			Str("route", route).
			Str("path", r.URL.Path).
			Int("status", code).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
