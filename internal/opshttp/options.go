package opshttp

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/content"
	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/health"
	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/log"
	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/version"
)

var ErrInvalidOptions = errors.New("opshttp: invalid options")

// ContentInfo is satisfied by content.Cache.
type ContentInfo interface {
	Meta() (content.Meta, bool)
}

type Options struct {
	Logger log.Logger
	Host   string // default 127.0.0.1
	Port   int    // 0 picks a free port

	Metrics     http.Handler
	MetricsMW   func(http.Handler) http.Handler
	EnablePprof bool

	Health    health.Probe
	Readiness health.Probe
	Content   ContentInfo
	Version   *version.Info
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = log.Nop()
	}
	if o.Host == "" {
		o.Host = "127.0.0.1"
	}
}

func (o *Options) validate() error {
	if o.Port < 0 || o.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidOptions, o.Port)
	}
	return nil
}
