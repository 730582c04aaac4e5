// Package jsonhandler answers a single raw HTTP request per connection with
// the cached JSON document, a fixed 404, or a fixed 500.
package jsonhandler

import (
	"bufio"
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/log"
	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/rawhttp"
	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/xerrors"
)

var tracer = otel.Tracer("github.com/keithlinneman/linnemanlabs-jsonserve/internal/jsonhandler")

// Outcome reports what Serve did with a connection.
type Outcome struct {
	// Responded is false when no request line could be read and nothing was written.
	Responded bool
	Status    rawhttp.Status
	Bytes     int64
	// Err is the read or write failure, if any.
	Err error
}

type Handler struct {
	opts Options
}

func New(opts *Options) (*Handler, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Handler{opts: *opts}, nil
}

// Serve reads the request line from conn and writes exactly one response, or
// none if the line could not be read. The caller closes conn. The logger is
// taken from ctx.
func (h *Handler) Serve(ctx context.Context, conn io.ReadWriter) Outcome {
	ctx, span := tracer.Start(ctx, "jsonserve.handle")
	defer span.End()
	L := log.FromContext(ctx)

	line, err := rawhttp.ReadRequestLine(bufio.NewReader(io.LimitReader(conn, h.opts.MaxRequestLine)))
	if err != nil {
		L.Warn(ctx, "no request line, closing without response", "error", err.Error())
		span.SetStatus(codes.Error, "read request line")
		return Outcome{Err: err}
	}

	var resp rawhttp.Response
	var generation uint64
	switch rawhttp.Classify(line) {
	case rawhttp.StatusOK:
		snap, err := h.opts.Content.Read()
		if err != nil {
			L.Error(ctx, err, "content unavailable, responding 500")
			span.RecordError(err)
			resp = rawhttp.Error(rawhttp.StatusInternalServerError)
			break
		}
		resp = rawhttp.OK(snap.Data)
		generation = snap.Meta.Generation
	default:
		L.Warn(ctx, "unrecognized request line", "request_line", line)
		resp = rawhttp.Error(rawhttp.StatusNotFound)
	}

	span.SetAttributes(
		attribute.Int("http.response.status_code", resp.Status.Code()),
		attribute.Int("http.response.body.size", len(resp.Body)),
	)

	n, err := resp.WriteTo(conn)
	out := Outcome{Responded: true, Status: resp.Status, Bytes: n}
	if err != nil {
		out.Err = xerrors.Wrap(err, "write response")
		L.Error(ctx, out.Err, "write failed, abandoning connection",
			"status", resp.Status.Code(),
			"written", n,
		)
		span.SetStatus(codes.Error, "write response")
		return out
	}

	if resp.Status == rawhttp.StatusOK {
		L.Info(ctx, "json served",
			"served_at", h.opts.Now().UTC().Format(time.RFC3339),
			"bytes", len(resp.Body),
			"generation", generation,
		)
	}
	return out
}
