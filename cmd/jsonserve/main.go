package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/content"
	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/health"
	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/jsonhandler"
	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/log"
	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/prof"
	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/tcpserver"
	v "github.com/keithlinneman/linnemanlabs-jsonserve/internal/version"
	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/xerrors"
)

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

// run returns the process exit code so deferred cleanup always runs.
func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// flags, then env, then the optional config file
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(vi.String())
		return 0
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := cfg.FillFromFile(flag.CommandLine, conf.ConfigFile); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 1
	}
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 1
	}

	// Setup logging
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JSON:              conf.LogJSON,
		IncludeErrorLinks: conf.IncludeErrorLinks,
		MaxErrorLinks:     conf.MaxErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		return 1
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"file_path", conf.FilePath,
		"port", conf.Port,
		"admin_port", conf.AdminPort,
		"watch_debounce", conf.WatchDebounce.String(),
		"resync_interval", conf.ResyncInterval.String(),
		"validate_json", conf.ValidateJSON,
		"read_timeout", conf.ReadTimeout.String(),
		"conn_rate", conf.ConnRate,
		"conn_burst", conf.ConnBurst,
		"conn_ttl", conf.ConnTTL.String(),
		"enable_pprof", conf.EnablePprof,
		"enable_tracing", conf.EnableTracing,
		"enable_pyroscope", conf.EnablePyroscope,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":     v.AppName,
			"version": vi.Version,
			"commit":  vi.Commit,
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	m.SetProfilingActive(conf.EnablePyroscope && err == nil)
	defer stopProf()

	// Insecure because the collector is expected on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:  conf.EnableTracing,
		Endpoint: conf.OTLPEndpoint,
		Insecure: true,
		Sample:   conf.TraceSample,
		Service:  v.AppName,
		Version:  vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed, continuing without tracing")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// initial load; the server never starts without the file
	validation := content.ValidationOptions{RequireJSON: conf.ValidateJSON}
	cache := content.NewCache()
	snap, err := content.Load(conf.FilePath, content.SourceInitial)
	if err == nil {
		err = content.ValidateSnapshot(snap, validation)
	}
	if err != nil {
		L.Error(ctx, xerrors.EnsureTrace(err), "initial load failed", "file_path", conf.FilePath)
		return 1
	}
	cache.Replace(*snap)
	publishContent := func() {
		if meta, ok := cache.Meta(); ok {
			m.SetContent(meta.SHA256, string(meta.Source), int64(meta.Size), meta.Generation, cache.LoadedAt())
		}
	}
	publishContent()
	L.Info(ctx, "loaded file",
		"file_path", conf.FilePath,
		"size", snap.Meta.Size,
		"sha256", cryptoutil.ShortHash(snap.Meta.SHA256),
	)

	watcher, err := content.NewWatcher(content.WatcherOptions{
		Logger:         L.With("component", "watcher"),
		Cache:          cache,
		Path:           conf.FilePath,
		Debounce:       conf.WatchDebounce,
		ResyncInterval: conf.ResyncInterval,
		Validation:     validation,
		OnSwap:         func(string, int) { publishContent() },
		Metrics:        m,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start file watcher", "file_path", conf.FilePath)
		return 1
	}
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			L.Error(ctx, err, "file watcher stopped")
		}
	}()

	handler, err := jsonhandler.New(&jsonhandler.Options{Content: cache})
	if err != nil {
		L.Error(ctx, err, "failed to create request handler")
		return 1
	}

	// optional per-IP pacing; a nil *IPLimiter must not become a non-nil interface
	var limiter tcpserver.Limiter
	if conf.ConnRate > 0 {
		var ipl *ratelimit.IPLimiter
		ipl = ratelimit.New(ctx,
			ratelimit.WithRate(conf.ConnRate, conf.ConnBurst),
			ratelimit.WithTTL(conf.ConnTTL),
			ratelimit.WithOnThrottled(func(string) { m.IncThrottled() }),
			// log once per IP until it is evicted
			ratelimit.WithOnFirstThrottled(func(ip string) {
				L.Warn(ctx, "connection pacing engaged", "ip", ip, "tracked_ips", ipl.Len())
			}),
		)
		limiter = ipl
	}

	tcpStop, addr, err := tcpserver.Start(ctx, &tcpserver.Options{
		Logger:      L,
		Port:        conf.Port,
		Handler:     handler,
		ReadTimeout: conf.ReadTimeout,
		Limiter:     limiter,
		Metrics:     m,
	})
	if err != nil {
		L.Error(ctx, err, "failed to bind listener", "port", conf.Port)
		return 1
	}
	defer func() { _ = tcpStop(context.Background()) }()

	var gate health.ShutdownGate
	readiness := health.All(gate.Probe(), health.ContentReady(cache))

	opsStop := func(context.Context) error { return nil }
	if conf.AdminPort != 0 {
		opsStop, _, err = opshttp.Start(ctx, &opshttp.Options{
			Logger:      L.With("component", "ops"),
			Port:        conf.AdminPort,
			Metrics:     m.Handler(),
			MetricsMW:   m.AdminMiddleware,
			EnablePprof: conf.EnablePprof,
			Health:      health.Fixed(true, ""),
			Readiness:   readiness,
			Content:     cache,
			Version:     &vi,
		})
		if err != nil {
			L.Error(ctx, err, "failed to start ops http listener")
			return 1
		}
		defer func() { _ = opsStop(context.Background()) }()
	}

	L.Info(ctx, "serving", "addr", addr.String())

	if err := notifySystemd(); err != nil {
		L.Debug(ctx, "systemd notify skipped", "error", err.Error())
	}

	// wait for ctrl+c / sigterm
	<-ctx.Done()
	L.Info(context.Background(), "shutdown signal received")
	gate.Set("draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := tcpStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "tcp server shutdown")
	}
	<-watchDone
	if err := opsStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	L.Info(context.Background(), "shutdown complete")
	return 0
}
