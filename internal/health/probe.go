package health

import (
	"context"

	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/xerrors"
)

// Probe is evaluated at request time; a nil error means healthy.
type Probe interface{ Check(context.Context) error }

// CheckFunc adapts a function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed always passes, or always fails with reason.
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	return func(context.Context) error { return xerrors.New(reason) }
}

// All passes when every non-nil probe passes and returns the first failure.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Readier is satisfied by content.Cache.
type Readier interface{ ReadyErr() error }

// ContentReady fails until the cache holds a document, and while it is poisoned.
func ContentReady(r Readier) CheckFunc {
	return func(context.Context) error {
		if err := r.ReadyErr(); err != nil {
			return xerrors.Wrap(err, "content not ready")
		}
		return nil
	}
}
