package opshttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/content"
	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/health"
	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/version"
)

func serve(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func loadedCache() *content.Cache {
	c := content.NewCache()
	c.Replace(content.Snapshot{
		Data: []byte(`{"a":1}`),
		Meta: content.Meta{Path: "/srv/data.json", Source: content.SourceInitial},
	})
	return c
}

func TestHandler_Probes(t *testing.T) {
	var gate health.ShutdownGate
	cache := loadedCache()
	h := NewHandler(&Options{
		Health:    health.Fixed(true, ""),
		Readiness: health.All(gate.Probe(), health.ContentReady(cache)),
	})

	if rec := serve(t, h, "/-/healthy"); rec.Code != http.StatusOK {
		t.Fatalf("healthy = %d", rec.Code)
	}
	if rec := serve(t, h, "/-/ready"); rec.Code != http.StatusOK {
		t.Fatalf("ready = %d", rec.Code)
	}

	gate.Set("shutting down")
	rec := serve(t, h, "/-/ready")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "shutting down") {
		t.Fatalf("draining ready = %d %q", rec.Code, rec.Body.String())
	}
}

func TestHandler_ReadyFailsWhilePoisoned(t *testing.T) {
	cache := loadedCache()
	_ = cache.Update(func(*content.Snapshot) (*content.Snapshot, error) { panic("boom") })
	h := NewHandler(&Options{Readiness: health.ContentReady(cache)})

	if rec := serve(t, h, "/-/ready"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready = %d, want 503", rec.Code)
	}
}

func TestHandler_Content(t *testing.T) {
	h := NewHandler(&Options{Content: loadedCache()})

	rec := serve(t, h, "/-/content")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("content-type = %q", ct)
	}

	var got content.Meta
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Path != "/srv/data.json" || got.Size != 7 || got.Generation != 1 || got.Source != content.SourceInitial {
		t.Fatalf("meta = %+v", got)
	}
	if got.SHA256 != "015abd7f5cc57a2dd94b7590f04ad8084273905ee33ec5cebeae62276a97f862" {
		t.Fatalf("sha256 = %q", got.SHA256)
	}
}

func TestHandler_ContentEmpty(t *testing.T) {
	if rec := serve(t, NewHandler(&Options{Content: content.NewCache()}), "/-/content"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("empty cache = %d, want 503", rec.Code)
	}
	if rec := serve(t, NewHandler(&Options{}), "/-/content"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("no content info = %d, want 503", rec.Code)
	}
}

func TestHandler_Version(t *testing.T) {
	vi := version.Info{Version: "1.2.3", Commit: "abc"}
	rec := serve(t, NewHandler(&Options{Version: &vi}), "/-/version")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"version": "1.2.3"`) {
		t.Fatalf("version = %d %q", rec.Code, rec.Body.String())
	}

	if rec := serve(t, NewHandler(&Options{}), "/-/version"); rec.Code != http.StatusNotFound {
		t.Fatalf("version without info = %d, want 404", rec.Code)
	}
}

func TestHandler_Metrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "jsonserve_connections_total 3\n")
	})
	rec := serve(t, NewHandler(&Options{Metrics: metrics}), "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "jsonserve_connections_total") {
		t.Fatalf("metrics = %d %q", rec.Code, rec.Body.String())
	}
}

func TestHandler_MetricsMiddlewareApplied(t *testing.T) {
	seen := 0
	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen++
			next.ServeHTTP(w, r)
		})
	}
	h := NewHandler(&Options{MetricsMW: mw})
	serve(t, h, "/-/healthy")
	serve(t, h, "/-/ready")
	if seen != 2 {
		t.Fatalf("middleware saw %d requests, want 2", seen)
	}
}

func TestHandler_Pprof(t *testing.T) {
	if rec := serve(t, NewHandler(&Options{}), "/debug/pprof/"); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof disabled = %d, want 404", rec.Code)
	}
	if rec := serve(t, NewHandler(&Options{EnablePprof: true}), "/debug/pprof/"); rec.Code != http.StatusOK {
		t.Fatalf("pprof enabled = %d, want 200", rec.Code)
	}
}

func TestStart_ServesAndStops(t *testing.T) {
	ctx := context.Background()
	stop, addr, err := Start(ctx, &Options{Health: health.Fixed(true, "")})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	resp, err := http.Get("http://" + addr.String() + "/-/healthy")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := stop(sctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := stop(sctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	client := http.Client{Timeout: 500 * time.Millisecond}
	if _, err := client.Get("http://" + addr.String() + "/-/healthy"); err == nil {
		t.Fatal("server still accepting connections after shutdown")
	}
}

func TestStart_PortConflict(t *testing.T) {
	ctx := context.Background()
	stop, addr, err := Start(ctx, &Options{})
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer stop(ctx)

	p := addr.(*net.TCPAddr).Port
	if _, _, err := Start(ctx, &Options{Port: p}); err == nil {
		t.Fatal("expected error for port conflict")
	}
}

func TestStart_InvalidPort(t *testing.T) {
	_, _, err := Start(context.Background(), &Options{Port: -1})
	if !errors.Is(err, ErrInvalidOptions) {
		t.Fatalf("err = %v, want ErrInvalidOptions", err)
	}
}
