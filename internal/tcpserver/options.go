package tcpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/jsonhandler"
	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/log"
)

var ErrInvalidOptions = errors.New("tcpserver: invalid options")

// DefaultHost is the only interface the acceptor binds by default.
const DefaultHost = "127.0.0.1"

// ConnHandler serves one connection. jsonhandler.Handler implements it.
type ConnHandler interface {
	Serve(ctx context.Context, conn io.ReadWriter) jsonhandler.Outcome
}

// Limiter paces connections per peer IP. ratelimit.IPLimiter implements it.
type Limiter interface {
	Wait(ctx context.Context, ip string) (throttled bool, err error)
}

type Metrics interface {
	ConnOpened()
	ConnClosed()
	ObserveConnection(ctx context.Context, status string, bytes int64, seconds float64)
	IncConnError(stage string)
	IncPanic()
}

type Options struct {
	Logger  log.Logger
	Host    string
	Port    int // 0 picks a free port
	Handler ConnHandler

	// ReadTimeout bounds the time a peer has to send its request line. 0 disables.
	ReadTimeout time.Duration

	Limiter Limiter
	Metrics Metrics
	// OnPanic runs after a connection handler panic has been recovered and logged.
	OnPanic func()
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = log.Nop()
	}
	if o.Host == "" {
		o.Host = DefaultHost
	}
}

func (o *Options) validate() error {
	var errs []error
	if o.Handler == nil {
		errs = append(errs, fmt.Errorf("%w: Handler is nil", ErrInvalidOptions))
	}
	if o.Port < 0 || o.Port > 65535 {
		errs = append(errs, fmt.Errorf("%w: port %d out of range", ErrInvalidOptions, o.Port))
	}
	if o.ReadTimeout < 0 {
		errs = append(errs, fmt.Errorf("%w: negative read timeout", ErrInvalidOptions))
	}
	return errors.Join(errs...)
}
