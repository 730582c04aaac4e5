// Package ratelimit paces new connections per peer IP.
//
// Peers are never refused: a connection over budget waits for a token and is
// then served normally, so the wire protocol never grows a 429. The state is
// in-memory and local to one process.
package ratelimit

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// throttled is set on the first wait and cleared when the entry is evicted
	throttled bool
}

// IPLimiter holds one token bucket per peer IP. Idle entries are evicted by a
// background goroutine.
type IPLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	perSecond rate.Limit
	burst     int
	ttl       time.Duration

	// OnFirstThrottled runs once per visitor entry, the first time it has to wait.
	OnFirstThrottled func(ip string)

	// OnThrottled runs every time a connection has to wait.
	OnThrottled func(ip string)
}

type Option func(*IPLimiter)

// WithRate sets the refill rate in connections per second and the bucket size.
func WithRate(perSecond float64, burst int) Option {
	return func(l *IPLimiter) {
		l.perSecond = rate.Limit(perSecond)
		l.burst = burst
	}
}

// WithTTL sets how long an idle IP is remembered. Non-positive values keep
// the default.
func WithTTL(d time.Duration) Option {
	return func(l *IPLimiter) {
		if d > 0 {
			l.ttl = d
		}
	}
}

func WithOnFirstThrottled(fn func(ip string)) Option {
	return func(l *IPLimiter) {
		l.OnFirstThrottled = fn
	}
}

func WithOnThrottled(fn func(ip string)) Option {
	return func(l *IPLimiter) {
		l.OnThrottled = fn
	}
}

// New builds a limiter and starts eviction, which stops when ctx is done.
func New(ctx context.Context, opts ...Option) *IPLimiter {
	l := &IPLimiter{
		visitors:  make(map[string]*visitor),
		perSecond: 10,
		burst:     20,
		ttl:       5 * time.Minute,
	}
	for _, o := range opts {
		o(l)
	}
	go l.cleanup(ctx)
	return l
}

// Wait returns once ip may open another connection, or with ctx's error.
// throttled reports whether the caller had to wait at all.
func (l *IPLimiter) Wait(ctx context.Context, ip string) (throttled bool, err error) {
	lim, ok, first := l.take(ip)
	if ok {
		return false, nil
	}
	// hooks run outside the lock
	if first && l.OnFirstThrottled != nil {
		l.OnFirstThrottled(ip)
	}
	if l.OnThrottled != nil {
		l.OnThrottled(ip)
	}
	return true, lim.Wait(ctx)
}

// take tries to spend a token for ip. When none is available it returns the
// visitor's limiter so the caller can wait on it, and whether this is the
// visitor's first throttle.
func (l *IPLimiter) take(ip string) (lim *rate.Limiter, ok, first bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, exists := l.visitors[ip]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	if v.limiter.Allow() {
		return v.limiter, true, false
	}
	first = !v.throttled
	v.throttled = true
	return v.limiter, false, first
}

// Len is the number of tracked IPs.
func (l *IPLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

func (l *IPLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.mu.Lock()
			for ip, v := range l.visitors {
				if now.Sub(v.lastSeen) > l.ttl {
					delete(l.visitors, ip)
				}
			}
			l.mu.Unlock()
		}
	}
}

// HostIP extracts the IP from a connection address. Non-TCP addresses fall
// back to their string form.
func HostIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
