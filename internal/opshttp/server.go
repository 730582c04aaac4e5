// Package opshttp is the admin listener: probes, document metadata, Prometheus
// metrics and optional pprof. It never serves the document itself.
package opshttp

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/health"
	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/log"
	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/xerrors"
)

// NewHandler builds the admin router.
func NewHandler(opts *Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	r := chi.NewRouter()
	r.Use(withLogger(opts.Logger), accessLog, middleware.Recoverer)
	if opts.MetricsMW != nil {
		r.Use(opts.MetricsMW)
	}

	r.Get("/-/healthy", health.HealthzHandler(opts.Health))
	r.Get("/-/ready", health.ReadyzHandler(opts.Readiness))
	r.Get("/-/content", contentHandler(opts.Content))
	if opts.Version != nil {
		r.Get("/-/version", jsonHandler(opts.Version))
	}
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	// pprof, or 404s that shadow it
	if opts.EnablePprof {
		r.Mount("/debug", middleware.Profiler())
	} else {
		r.HandleFunc("/debug/*", http.NotFound)
	}

	return otelhttp.NewHandler(r, "ops.http",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// probes and scrapes are too frequent to be worth a span
			return !strings.HasPrefix(r.URL.Path, "/-/") && r.URL.Path != "/metrics"
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

func contentHandler(ci ContentInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ci == nil {
			http.Error(w, "content info unavailable", http.StatusServiceUnavailable)
			return
		}
		meta, ok := ci.Meta()
		if !ok {
			http.Error(w, "no content loaded", http.StatusServiceUnavailable)
			return
		}
		jsonHandler(meta)(w, r)
	}
}

func jsonHandler(v any) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(v)
	}
}

// Start binds the admin listener and serves it in the background.
// Returns stop(ctx) for graceful shutdown and the bound address.
func Start(ctx context.Context, opts *Options) (func(context.Context) error, net.Addr, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, nil, err
	}
	L := opts.Logger
	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))

	srv := &http.Server{
		Handler:           NewHandler(opts),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// pprof profiles default to 30s
		WriteTimeout:   60 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, xerrors.Wrapf(err, "could not listen for admin port on addr=%v", addr)
	}

	go func() {
		L.Info(ctx, "ops http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			L.Error(ctx, err, "ops http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			L.Info(sctx, "ops http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, ln.Addr(), nil
}
