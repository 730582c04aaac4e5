// Package tcpserver accepts raw TCP connections on the loopback interface and
// hands each one to a ConnHandler on its own goroutine.
package tcpserver

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/jsonhandler"
	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/log"
	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/rawhttp"
	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/xerrors"
)

var tracer = otel.Tracer("github.com/keithlinneman/linnemanlabs-jsonserve/internal/tcpserver")

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

type server struct {
	opts Options
	ln   net.Listener
	wg   sync.WaitGroup

	// acceptDone is closed when acceptLoop returns; no wg.Add happens after it
	acceptDone chan struct{}

	// connCtx is the parent of every connection; cancelled when stop gives up waiting
	connCtx    context.Context
	cancelConn context.CancelFunc

	stopOnce sync.Once
	stopErr  error
}

// Start binds host:port and serves connections until stop is called. Bind
// failures are returned. stop closes the listener, then waits for in-flight
// connections until its context ends, at which point they are cancelled and
// stop returns the context's error.
func Start(ctx context.Context, opts *Options) (stop func(context.Context) error, addr net.Addr, err error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, nil, err
	}

	bind := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", bind)
	if err != nil {
		return nil, nil, xerrors.Wrapf(err, "bind %s", bind)
	}

	opts.Logger.Info(ctx, "listening", "addr", ln.Addr().String())
	s := serve(ctx, ln, *opts)
	return s.stop, ln.Addr(), nil
}

// serve runs the accept loop on ln in the background. opts must already be
// defaulted and validated.
func serve(ctx context.Context, ln net.Listener, opts Options) *server {
	s := &server{opts: opts, ln: ln, acceptDone: make(chan struct{})}
	s.connCtx, s.cancelConn = context.WithCancel(context.WithoutCancel(ctx))
	go s.acceptLoop()
	return s
}

func (s *server) stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.opts.Logger.Info(ctx, "tcp server shutting down")
		_ = s.ln.Close()
		s.stopErr = s.drain(ctx)
	})
	return s.stopErr
}

func (s *server) acceptLoop() {
	defer close(s.acceptDone)

	var backoff time.Duration
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if s.opts.Metrics != nil {
				s.opts.Metrics.IncConnError("accept")
			}
			s.opts.Logger.Error(s.connCtx, xerrors.Wrap(err, "accept"), "accept failed")

			if backoff == 0 {
				backoff = minAcceptBackoff
			} else {
				backoff = min(2*backoff, maxAcceptBackoff)
			}
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

// drain waits for the accept loop to exit, then for in-flight connections.
func (s *server) drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		<-s.acceptDone
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancelConn()
		return nil
	case <-ctx.Done():
		s.cancelConn()
		return ctx.Err()
	}
}

func (s *server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	start := time.Now()
	id := uuid.NewString()
	ip := ratelimit.HostIP(conn.RemoteAddr())

	ctx, span := tracer.Start(s.connCtx, "jsonserve.conn",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("conn.id", id),
			attribute.String("network.peer.address", ip),
		),
	)
	defer span.End()

	L := s.opts.Logger.With("conn_id", id, "client.address", ip)
	ctx = log.WithContext(ctx, L)

	m := s.opts.Metrics
	if m != nil {
		m.ConnOpened()
		defer m.ConnClosed()
	}

	status := "none"
	var written int64
	defer func() {
		if r := recover(); r != nil {
			err := xerrors.Newf("panic serving connection: %v", r)
			span.RecordError(err)
			L.Error(ctx, err, "recovered panic in connection handler")
			if m != nil {
				m.IncPanic()
			}
			if s.opts.OnPanic != nil {
				s.opts.OnPanic()
			}
		}
		if m != nil {
			m.ObserveConnection(ctx, status, written, time.Since(start).Seconds())
		}
	}()

	if s.opts.Limiter != nil {
		throttled, err := s.opts.Limiter.Wait(ctx, ip)
		if err != nil {
			L.Warn(ctx, "connection dropped while throttled", "error", err.Error())
			return
		}
		if throttled {
			span.SetAttributes(attribute.Bool("jsonserve.throttled", true))
		}
	}

	if s.opts.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	}

	out := s.opts.Handler.Serve(ctx, conn)
	written = out.Bytes
	if out.Responded {
		status = out.Status.String()
	}
	if m != nil && out.Err != nil {
		if stage := errorStage(out); stage != "" {
			m.IncConnError(stage)
		}
	}
}

// errorStage labels an outcome's error for metrics. A peer that connects and
// closes without sending anything is not counted.
func errorStage(out jsonhandler.Outcome) string {
	switch {
	case out.Err == nil:
		return ""
	case out.Responded:
		return "write"
	case errors.Is(out.Err, rawhttp.ErrNoRequestLine):
		return ""
	default:
		return "read"
	}
}
