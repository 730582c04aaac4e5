package opshttp

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/log"
)

// withLogger puts the listener's logger into each request context.
func withLogger(base log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			L := base.With(
				"http.request.method", r.Method,
				"url.path", r.URL.Path,
				"client.address", r.RemoteAddr,
			)
			next.ServeHTTP(w, r.WithContext(log.WithContext(r.Context(), L)))
		})
	}
}

// accessLog logs one line per admin request. Probes and scrapes are skipped.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		if strings.HasPrefix(r.URL.Path, "/-/") || r.URL.Path == "/metrics" {
			return
		}

		ctx := r.Context()
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := ""
		if rc := chi.RouteContext(ctx); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}

		log.FromContext(ctx).Info(ctx, "http request",
			"http.response.status_code", status,
			"http.server.request.duration", time.Since(start).Seconds(),
			"http.response.body.size", ww.BytesWritten(),
			"http.route", route,
		)
	})
}
