// internal/content/watcher.go
//
// Watcher mirrors the served file into the Cache. It subscribes to the
// file's parent directory rather than the file itself so that editors which
// save by rename, and delete-then-recreate cycles, keep producing events.
package content

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/log"
	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/xerrors"
)

var tracer = otel.Tracer("github.com/keithlinneman/linnemanlabs-jsonserve/internal/content")

// reloadResult describes what a single reload did.
type reloadResult int

const (
	reloadUnchanged       reloadResult = iota // re-read matched the cached hash
	reloadSwapped                             // new contents published
	reloadReadError                           // file could not be read, cache untouched
	reloadValidationError                     // file read but rejected, cache untouched
	reloadCacheError                          // cache refused the update
)

// WatcherMetrics is implemented by the metrics package.
type WatcherMetrics interface {
	IncWatcherEvents()
	IncWatcherReloads(source string)
	IncWatcherSwaps()
	IncWatcherError(errType string)
	ObserveReloadDuration(seconds float64)
}

type WatcherOptions struct {
	Logger log.Logger
	Cache  *Cache
	Path   string

	// Debounce coalesces bursts of events into one reload. Zero reloads on
	// every relevant event.
	Debounce time.Duration

	// ResyncInterval re-reads the file on a fixed cadence in addition to
	// notifications. Zero disables it.
	ResyncInterval time.Duration

	Validation ValidationOptions

	// OnSwap is called on the watcher goroutine after new contents are published.
	OnSwap func(hash string, size int)

	Metrics WatcherMetrics
}

type Watcher struct {
	path       string
	cache      *Cache
	logger     log.Logger
	debounce   time.Duration
	resync     time.Duration
	validation ValidationOptions
	onSwap     func(hash string, size int)
	metrics    WatcherMetrics

	fsw       *fsnotify.Watcher
	events    <-chan fsnotify.Event
	errs      <-chan error
	closeOnce sync.Once

	swapCount int64
}

// NewWatcher resolves the watched path and subscribes to its directory.
// Call Run to start processing events and Close to release the subscription.
func NewWatcher(opts WatcherOptions) (*Watcher, error) {
	if opts.Cache == nil {
		return nil, xerrors.New("content watcher: cache is required")
	}
	abs, err := filepath.Abs(opts.Path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "content watcher: resolve %q", opts.Path)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, xerrors.Wrap(err, "content watcher: create fsnotify watcher")
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, xerrors.Wrapf(err, "content watcher: watch %s", filepath.Dir(abs))
	}

	w := newWatcher(opts, abs, fsw.Events, fsw.Errors)
	w.fsw = fsw
	return w, nil
}

// newWatcher builds a Watcher fed by arbitrary event channels.
func newWatcher(opts WatcherOptions, abs string, events <-chan fsnotify.Event, errs <-chan error) *Watcher {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Watcher{
		path:       abs,
		cache:      opts.Cache,
		logger:     opts.Logger,
		debounce:   opts.Debounce,
		resync:     opts.ResyncInterval,
		validation: opts.Validation,
		onSwap:     opts.OnSwap,
		metrics:    opts.Metrics,
		events:     events,
		errs:       errs,
	}
}

// Close stops the fsnotify subscription. Safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		if w.fsw != nil {
			err = w.fsw.Close()
		}
	})
	return err
}

// Run processes notifications until ctx is cancelled or the event stream
// ends. Intended to be launched as: go watcher.Run(ctx)
func (w *Watcher) Run(ctx context.Context) error {
	defer w.Close()

	w.logger.Info(ctx, "content watcher starting",
		"path", w.path,
		"debounce", w.debounce.String(),
		"resync_interval", w.resync.String(),
	)

	var resyncC <-chan time.Time
	if w.resync > 0 {
		t := time.NewTicker(w.resync)
		defer t.Stop()
		resyncC = t.C
	}

	var (
		timer     *time.Timer
		debounceC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "content watcher stopping", "reason", ctx.Err(), "swaps", w.swapCount)
			return ctx.Err()

		case ev, ok := <-w.events:
			if !ok {
				return xerrors.New("content watcher: event stream closed")
			}
			if !w.relevant(ev) {
				continue
			}
			if w.metrics != nil {
				w.metrics.IncWatcherEvents()
			}
			w.logger.Debug(ctx, "content watcher: change event", "op", ev.Op.String())
			if w.debounce <= 0 {
				w.reload(ctx, SourceWatch)
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			debounceC = timer.C

		case <-debounceC:
			debounceC = nil
			w.reload(ctx, SourceWatch)

		case <-resyncC:
			w.reload(ctx, SourceResync)

		case err, ok := <-w.errs:
			if !ok {
				return xerrors.New("content watcher: error stream closed")
			}
			w.logger.Warn(ctx, "content watcher: notification error", "error", err.Error())
			if w.metrics != nil {
				w.metrics.IncWatcherError("notify")
			}
		}
	}
}

// relevant filters out events for sibling files and attribute-only changes.
func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != w.path {
		return false
	}
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) ||
		ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove)
}

// reload re-reads the file and publishes it if it changed. Failures leave the
// cache untouched; the next event is the retry.
func (w *Watcher) reload(ctx context.Context, source Source) reloadResult {
	ctx, span := tracer.Start(ctx, "jsonserve.reload",
		trace.WithAttributes(attribute.String("content.source", string(source))))
	defer span.End()

	if w.metrics != nil {
		w.metrics.IncWatcherReloads(string(source))
	}

	start := time.Now()
	snap, err := Load(w.path, source)
	if w.metrics != nil {
		w.metrics.ObserveReloadDuration(time.Since(start).Seconds())
	}
	if err != nil {
		w.logger.Error(ctx, err, "content watcher: re-read failed, keeping previous contents",
			"current_hash", cryptoutil.ShortHash(w.cache.ContentHash()),
		)
		w.fail(span, err, "read")
		return reloadReadError
	}

	if err := ValidateSnapshot(snap, w.validation); err != nil {
		w.logger.Error(ctx, err, "content watcher: re-read rejected, keeping previous contents",
			"rejected_hash", cryptoutil.ShortHash(snap.Meta.SHA256),
		)
		w.fail(span, err, "validation")
		return reloadValidationError
	}

	var oldHash string
	swapped := false
	err = w.cache.Update(func(prev *Snapshot) (*Snapshot, error) {
		if prev != nil {
			oldHash = prev.Meta.SHA256
			if cryptoutil.HashEqual(prev.Meta.SHA256, snap.Meta.SHA256) {
				return nil, nil
			}
		}
		swapped = true
		return snap, nil
	})
	if err != nil {
		w.logger.Error(ctx, err, "content watcher: cache update failed")
		w.fail(span, err, "cache")
		return reloadCacheError
	}
	if !swapped {
		w.logger.Debug(ctx, "content watcher: contents unchanged", "hash", cryptoutil.ShortHash(oldHash))
		span.SetAttributes(attribute.Bool("content.swapped", false))
		return reloadUnchanged
	}

	w.swapCount++
	span.SetAttributes(attribute.Bool("content.swapped", true))
	w.logger.Info(ctx, "content watcher: contents swapped",
		"old_hash", cryptoutil.ShortHash(oldHash),
		"new_hash", cryptoutil.ShortHash(snap.Meta.SHA256),
		"size", snap.Meta.Size,
		"source", string(source),
		"total_swaps", w.swapCount,
	)
	if w.metrics != nil {
		w.metrics.IncWatcherSwaps()
	}

	if w.onSwap != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error(ctx, fmt.Errorf("OnSwap panic: %v", r),
						"content watcher: OnSwap callback panicked, continuing")
				}
			}()
			w.onSwap(snap.Meta.SHA256, snap.Meta.Size)
		}()
	}
	return reloadSwapped
}

func (w *Watcher) fail(span trace.Span, err error, errType string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, errType)
	if w.metrics != nil {
		w.metrics.IncWatcherError(errType)
	}
}
