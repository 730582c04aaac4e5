package content

import (
	"errors"
	"sync"
	"time"

	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/xerrors"
)

var (
	// ErrNoContent is returned by Read before anything has been published.
	ErrNoContent = errors.New("content: no active snapshot")

	// ErrUnavailable is returned by Read after an update panicked mid-flight.
	ErrUnavailable = errors.New("content: cache unavailable")
)

// Cache owns the current Snapshot. Reads share the lock; publishing takes it
// exclusively for a single pointer assignment.
type Cache struct {
	mu       sync.RWMutex
	active   *Snapshot
	poisoned error
	gen      uint64
}

func NewCache() *Cache { return &Cache{} }

// Read returns the current snapshot by value.
func (c *Cache) Read() (Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.poisoned != nil {
		return Snapshot{}, c.poisoned
	}
	if c.active == nil {
		return Snapshot{}, ErrNoContent
	}
	return *c.active, nil
}

// Replace publishes s unconditionally and clears any poisoned state.
func (c *Cache) Replace(s Snapshot) {
	next := prepare(s)
	c.mu.Lock()
	c.publishLocked(next)
	c.mu.Unlock()
}

// Update runs fn under the exclusive lock with a copy of the current snapshot
// (nil if there is none or the cache is poisoned). A nil result with a nil
// error leaves the cache as is. A panic in fn poisons the cache: every Read
// fails with ErrUnavailable until the next successful publish.
func (c *Cache) Update(fn func(prev *Snapshot) (*Snapshot, error)) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			c.poisoned = xerrors.Newf("%w: panic during update: %v", ErrUnavailable, r)
			err = c.poisoned
		}
	}()

	var prev *Snapshot
	if c.active != nil && c.poisoned == nil {
		cp := *c.active
		prev = &cp
	}
	next, err := fn(prev)
	if err != nil || next == nil {
		return err
	}
	c.publishLocked(prepare(*next))
	return nil
}

func (c *Cache) publishLocked(s *Snapshot) {
	c.gen++
	s.Meta.Generation = c.gen
	c.active = s
	c.poisoned = nil
}

// prepare detaches s from caller-owned memory and fills derived fields.
func prepare(s Snapshot) *Snapshot {
	cp := s
	cp.Data = append([]byte(nil), s.Data...)
	cp.Meta.Size = len(cp.Data)
	if cp.Meta.SHA256 == "" {
		cp.Meta.SHA256 = cryptoutil.SHA256Hex(cp.Data)
	}
	if cp.Meta.Source == "" {
		cp.Meta.Source = SourceUnknown
	}
	if cp.LoadedAt.IsZero() {
		cp.LoadedAt = time.Now().UTC()
	}
	return &cp
}

// ReadyErr reports why the cache cannot serve, or nil if it can.
func (c *Cache) ReadyErr() error {
	_, err := c.Read()
	return err
}

// Meta returns the metadata of the active snapshot, if any.
func (c *Cache) Meta() (Meta, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active == nil {
		return Meta{}, false
	}
	return c.active.Meta, true
}

func (c *Cache) ContentHash() string {
	m, _ := c.Meta()
	return m.SHA256
}

func (c *Cache) LoadedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active == nil {
		return time.Time{}
	}
	return c.active.LoadedAt
}
