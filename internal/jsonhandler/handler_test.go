package jsonhandler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/content"
	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/log"
	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/rawhttp"
)

type fakeConn struct {
	io.Reader
	out bytes.Buffer
}

func (c *fakeConn) Write(p []byte) (int, error) { return c.out.Write(p) }

func newConn(req string) *fakeConn { return &fakeConn{Reader: strings.NewReader(req)} }

type brokenWriter struct{ io.Reader }

func (brokenWriter) Write([]byte) (int, error) { return 0, errors.New("connection reset by peer") }

func newCache(t *testing.T, data string) *content.Cache {
	t.Helper()
	c := content.NewCache()
	if data != "" {
		c.Replace(content.Snapshot{Data: []byte(data), Meta: content.Meta{Source: content.SourceInitial}})
	}
	return c
}

func newHandler(t *testing.T, c ContentReader) *Handler {
	t.Helper()
	h, err := New(&Options{
		Content: c,
		Now:     func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func captureCtx(t *testing.T) (context.Context, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	L, err := log.New(log.Options{App: "test", JSON: true, Writer: &buf})
	if err != nil {
		t.Fatalf("log.New: %v", err)
	}
	return log.WithContext(context.Background(), L), &buf
}

func TestNew_RequiresContent(t *testing.T) {
	_, err := New(&Options{})
	if !errors.Is(err, ErrInvalidOptions) {
		t.Fatalf("err = %v, want ErrInvalidOptions", err)
	}
}

func TestServe_GetRoot(t *testing.T) {
	h := newHandler(t, newCache(t, `{"a":1}`))
	ctx, logs := captureCtx(t)
	conn := newConn("GET / HTTP/1.1\r\nHost: localhost\r\n\r\n")

	out := h.Serve(ctx, conn)

	want := "HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: 7\r\n\r\n{\"a\":1}"
	if got := conn.out.String(); got != want {
		t.Fatalf("response = %q, want %q", got, want)
	}
	if !out.Responded || out.Status != rawhttp.StatusOK || out.Bytes != int64(len(want)) || out.Err != nil {
		t.Fatalf("outcome = %+v", out)
	}
	if !strings.Contains(logs.String(), `"msg":"json served"`) {
		t.Fatalf("missing served log: %s", logs.String())
	}
	if !strings.Contains(logs.String(), `"served_at":"2026-03-01T12:00:00Z"`) {
		t.Fatalf("missing served_at: %s", logs.String())
	}
}

func TestServe_LFOnlyTerminator(t *testing.T) {
	h := newHandler(t, newCache(t, `{"a":1}`))
	conn := newConn("GET / HTTP/1.1\n\n")

	out := h.Serve(context.Background(), conn)
	if out.Status != rawhttp.StatusOK {
		t.Fatalf("status = %v, want ok", out.Status)
	}
}

func TestServe_UnterminatedLine(t *testing.T) {
	h := newHandler(t, newCache(t, `{"a":1}`))
	conn := newConn("GET / HTTP/1.1")

	out := h.Serve(context.Background(), conn)
	if out.Status != rawhttp.StatusOK {
		t.Fatalf("status = %v, want ok", out.Status)
	}
}

func TestServe_NotFound(t *testing.T) {
	cases := []string{
		"POST / HTTP/1.1\r\n\r\n",
		"GET /index.html HTTP/1.1\r\n\r\n",
		"GET / HTTP/1.0\r\n\r\n",
		"get / HTTP/1.1\r\n\r\n",
		"GET /  HTTP/1.1\r\n\r\n",
		"\r\n",
	}
	want := "HTTP/1.1 404 NOT FOUND\r\nContent-Length: 18\r\n\r\nErr 404: Not Found"

	for _, req := range cases {
		t.Run(strings.TrimSpace(req), func(t *testing.T) {
			h := newHandler(t, newCache(t, `{"a":1}`))
			ctx, logs := captureCtx(t)
			conn := newConn(req)

			out := h.Serve(ctx, conn)
			if got := conn.out.String(); got != want {
				t.Fatalf("response = %q, want %q", got, want)
			}
			if out.Status != rawhttp.StatusNotFound {
				t.Fatalf("status = %v", out.Status)
			}
			if !strings.Contains(logs.String(), `"level":"WARN"`) {
				t.Fatalf("expected a warning: %s", logs.String())
			}
		})
	}
}

func TestServe_NotFoundDoesNotReadContent(t *testing.T) {
	// a poisoned cache must not turn a 404 into a 500
	c := newCache(t, `{"a":1}`)
	_ = c.Update(func(*content.Snapshot) (*content.Snapshot, error) { panic("boom") })
	h := newHandler(t, c)
	conn := newConn("POST / HTTP/1.1\r\n\r\n")

	if out := h.Serve(context.Background(), conn); out.Status != rawhttp.StatusNotFound {
		t.Fatalf("status = %v, want not_found", out.Status)
	}
}

func TestServe_PoisonedCache(t *testing.T) {
	c := newCache(t, `{"a":1}`)
	_ = c.Update(func(*content.Snapshot) (*content.Snapshot, error) { panic("boom") })
	h := newHandler(t, c)
	ctx, logs := captureCtx(t)
	conn := newConn("GET / HTTP/1.1\r\n\r\n")

	out := h.Serve(ctx, conn)

	want := "HTTP/1.1 500 INTERNAL SERVER ERROR\r\nContent-Length: 30\r\n\r\nErr 500: Internal Server Error"
	if got := conn.out.String(); got != want {
		t.Fatalf("response = %q, want %q", got, want)
	}
	if out.Status != rawhttp.StatusInternalServerError || out.Err != nil {
		t.Fatalf("outcome = %+v", out)
	}
	if !strings.Contains(logs.String(), `"level":"ERROR"`) {
		t.Fatalf("expected an error record: %s", logs.String())
	}
}

func TestServe_EmptyCache(t *testing.T) {
	h := newHandler(t, newCache(t, ""))
	conn := newConn("GET / HTTP/1.1\r\n\r\n")

	if out := h.Serve(context.Background(), conn); out.Status != rawhttp.StatusInternalServerError {
		t.Fatalf("status = %v, want internal_server_error", out.Status)
	}
}

func TestServe_SeesReplacedContent(t *testing.T) {
	c := newCache(t, `{"a":1}`)
	h := newHandler(t, c)
	c.Replace(content.Snapshot{Data: []byte(`{"b":2}`), Meta: content.Meta{Source: content.SourceWatch}})
	conn := newConn("GET / HTTP/1.1\r\n\r\n")

	h.Serve(context.Background(), conn)

	if !strings.HasSuffix(conn.out.String(), "Content-Length: 7\r\n\r\n{\"b\":2}") {
		t.Fatalf("response = %q", conn.out.String())
	}
}

func TestServe_NoRequestLine(t *testing.T) {
	h := newHandler(t, newCache(t, `{"a":1}`))
	ctx, logs := captureCtx(t)
	conn := newConn("")

	out := h.Serve(ctx, conn)
	if out.Responded || conn.out.Len() != 0 {
		t.Fatalf("expected no response, got %q", conn.out.String())
	}
	if !errors.Is(out.Err, rawhttp.ErrNoRequestLine) {
		t.Fatalf("err = %v", out.Err)
	}
	if !strings.Contains(logs.String(), `"level":"WARN"`) {
		t.Fatalf("expected a warning: %s", logs.String())
	}
}

func TestServe_InvalidUTF8NoResponse(t *testing.T) {
	h := newHandler(t, newCache(t, `{"a":1}`))
	conn := newConn("GET /\xff HTTP/1.1\r\n\r\n")

	out := h.Serve(context.Background(), conn)
	if out.Responded || conn.out.Len() != 0 {
		t.Fatalf("expected no response, got %q", conn.out.String())
	}
}

func TestServe_OverlongLineIsNotFound(t *testing.T) {
	c := newCache(t, `{"a":1}`)
	h, err := New(&Options{Content: c, MaxRequestLine: 16})
	if err != nil {
		t.Fatal(err)
	}
	conn := newConn("GET / HTTP/1.1" + strings.Repeat("x", 64) + "\r\n\r\n")

	if out := h.Serve(context.Background(), conn); out.Status != rawhttp.StatusNotFound {
		t.Fatalf("status = %v, want not_found", out.Status)
	}
}

func TestServe_WriteFailure(t *testing.T) {
	h := newHandler(t, newCache(t, `{"a":1}`))
	ctx, logs := captureCtx(t)
	conn := brokenWriter{Reader: strings.NewReader("GET / HTTP/1.1\r\n\r\n")}

	out := h.Serve(ctx, conn)
	if out.Err == nil {
		t.Fatal("expected write error")
	}
	if strings.Contains(logs.String(), "json served") {
		t.Fatalf("served log emitted for failed write: %s", logs.String())
	}
	if !strings.Contains(logs.String(), "write failed") {
		t.Fatalf("missing write failure log: %s", logs.String())
	}
}
