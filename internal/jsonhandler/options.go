package jsonhandler

import (
	"errors"
	"fmt"
	"time"

	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/content"
)

var ErrInvalidOptions = errors.New("jsonhandler: invalid options")

// ContentReader is the read side of content.Cache.
type ContentReader interface {
	Read() (content.Snapshot, error)
}

type Options struct {
	Content ContentReader

	// MaxRequestLine bounds how many bytes are read looking for the first
	// line. Longer lines cannot match and are answered 404. Default 8 KiB.
	MaxRequestLine int64

	// Now is the clock used for the served_at log field. Default time.Now.
	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.MaxRequestLine <= 0 {
		o.MaxRequestLine = 8 << 10
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

func (o *Options) validate() error {
	if o.Content == nil {
		return fmt.Errorf("%w: Content is nil", ErrInvalidOptions)
	}
	return nil
}
