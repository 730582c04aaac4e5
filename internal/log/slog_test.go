package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/xerrors"
)

func newTestLogger(t *testing.T, buf *bytes.Buffer, opts Options) *slogLogger {
	t.Helper()
	opts.Writer = buf
	l, err := newSlog(opts)
	if err != nil {
		t.Fatalf("newSlog: %v", err)
	}
	return l.(*slogLogger)
}

// lastRecord parses the last JSON line written to buf.
func lastRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &m); err != nil {
		t.Fatalf("parse log line: %v\nraw: %s", err, buf.String())
	}
	return m
}

func TestNewSlog_Defaults(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "jsonserve"})
	if l.maxErrorLinks != 8 {
		t.Fatalf("maxErrorLinks = %d, want 8", l.maxErrorLinks)
	}
}

func TestSlogLogger_JSONBaseAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "jsonserve", Version: "1.2.3", JSON: true})

	l.Info(context.Background(), "json served", "served_at", "2026-01-01T00:00:00Z")

	m := lastRecord(t, &buf)
	if m["msg"] != "json served" || m["app"] != "jsonserve" || m["version"] != "1.2.3" {
		t.Fatalf("unexpected record: %v", m)
	}
	if m["served_at"] != "2026-01-01T00:00:00Z" {
		t.Fatalf("served_at = %v", m["served_at"])
	}
	src, ok := m["source"].(map[string]any)
	if !ok || !strings.HasSuffix(src["file"].(string), "slog_test.go") {
		t.Fatalf("source should point at the test, got %v", m["source"])
	}
}

func TestSlogLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "jsonserve"})
	l.Info(context.Background(), "plain")
	if !strings.Contains(buf.String(), "msg=plain") {
		t.Fatalf("expected logfmt output, got %s", buf.String())
	}
}

func TestSlogLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "t", JSON: true, Level: slog.LevelWarn})
	ctx := context.Background()

	l.Debug(ctx, "d")
	l.Info(ctx, "i")
	if buf.Len() != 0 {
		t.Fatalf("debug/info should be filtered, got %s", buf.String())
	}
	l.Warn(ctx, "w")
	if !strings.Contains(buf.String(), `"msg":"w"`) {
		t.Fatalf("warn missing: %s", buf.String())
	}
}

func TestSlogLogger_With_CopyOnWrite(t *testing.T) {
	var buf bytes.Buffer
	base := newTestLogger(t, &buf, Options{App: "t", JSON: true})
	child := base.With("conn_id", "abc", 42, "ignored", "odd")

	child.Info(context.Background(), "child")
	m := lastRecord(t, &buf)
	if m["conn_id"] != "abc" {
		t.Fatalf("conn_id = %v", m["conn_id"])
	}

	base.Info(context.Background(), "base")
	if _, ok := lastRecord(t, &buf)["conn_id"]; ok {
		t.Fatal("With must not mutate the parent logger")
	}
}

func TestSlogLogger_Error_Enrichment(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "t", JSON: true, IncludeErrorLinks: true})

	root := errors.New("permission denied")
	err := xerrors.Wrap(fmt.Errorf("open data.json: %w", root), "reload")
	l.Error(context.Background(), err, "re-read failed", "path", "data.json")

	m := lastRecord(t, &buf)
	if m["err"] != "reload: open data.json: permission denied" {
		t.Fatalf("err = %v", m["err"])
	}
	if m["cause_type"] != "*errors.errorString" {
		t.Fatalf("cause_type = %v", m["cause_type"])
	}
	if m["error_type"] != "*errors.errorString" {
		t.Fatalf("error_type = %v (wrappers should be skipped)", m["error_type"])
	}
	chain, _ := m["error_chain"].([]any)
	if len(chain) != 3 {
		t.Fatalf("error_chain = %v", m["error_chain"])
	}
	if _, ok := m["error_links"]; !ok {
		t.Fatal("error_links missing")
	}
	if _, ok := m["stack"]; !ok {
		t.Fatal("error records should carry a stack")
	}
}

func TestSlogLogger_Error_NoLinksWhenDisabled(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "t", JSON: true})
	l.Error(context.Background(), errors.New("x"), "failed")
	if _, ok := lastRecord(t, &buf)["error_links"]; ok {
		t.Fatal("error_links present while disabled")
	}
}

func TestSlogLogger_TraceIDs(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "t", JSON: true})

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	l.Info(ctx, "traced")

	m := lastRecord(t, &buf)
	if m["trace_id"] != sc.TraceID().String() || m["span_id"] != sc.SpanID().String() {
		t.Fatalf("trace ids missing: %v", m)
	}
}

func TestNop_Safe(t *testing.T) {
	l := Nop().With("k", "v")
	ctx := context.Background()
	l.Debug(ctx, "m")
	l.Info(ctx, "m")
	l.Warn(ctx, "m")
	l.Error(ctx, errors.New("e"), "m")
	if err := l.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
}
