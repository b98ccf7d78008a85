// Package backend implements the upstream side of the proxy: a Backend
// is a logical upstream server with a capacity and an active-request
// counter (spec.md §3, §4.5); a ProxyConnection is the per-forwarded-
// request bridge that owns the upstream socket (spec.md §4.6).
//
// Grounded on route.Endpoint/route.Counter (teacher's atomic in-flight
// counter style) for Backend's active-count accounting, and on
// proxy/fails.Classifier/Retriable for classifying upstream errors as
// retryable versus fatal.
package backend

import (
	"context"
	"net"
	"sync/atomic"
	"time"
)

// Health is a Backend's health state (spec.md §3).
type Health int32

const (
	Unknown Health = iota
	Online
	Offline
)

func (h Health) String() string {
	switch h {
	case Online:
		return "online"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

// Dialer opens a new connection to one Backend. Grounded on the
// teacher's proxy.transport.Dial closure (net.DialTimeout wrapped to
// apply a configured deadline).
type Dialer func(ctx context.Context) (net.Conn, error)

// Backend is a logical upstream server. Its active counter is an
// atomic.Int64, matching route.Counter's lock-free increment/decrement
// so Director selection can read it from any Worker goroutine without a
// mutex (spec.md §5).
type Backend struct {
	Name     string
	Capacity int64

	Dial func(ctx context.Context) (net.Conn, error)

	active atomic.Int64
	hits   atomic.Int64
	health atomic.Int32
}

// New returns a Backend with the given capacity, optimistically Online
// until a health probe says otherwise (matching the teacher's
// healthchecker, which only ever observes a configured endpoint going
// *down*; a freshly configured backend is assumed reachable). Director
// selection also treats Unknown as eligible, for deployments that never
// wire a health-check loop at all.
func New(name string, capacity int64, dial Dialer) *Backend {
	b := &Backend{Name: name, Capacity: capacity, Dial: dial}
	b.health.Store(int32(Online))
	return b
}

// Active returns the current in-flight count.
func (b *Backend) Active() int64 { return b.active.Load() }

// HasCapacity reports whether active < Capacity.
func (b *Backend) HasCapacity() bool { return b.active.Load() < b.Capacity }

// Health returns the current health state.
func (b *Backend) Health() Health { return Health(b.health.Load()) }

// SetHealth updates the health state; called by the active health-check
// loop through Probe (SPEC_FULL.md §4.5, grounded on
// healthchecker/watchdog's poll loop).
func (b *Backend) SetHealth(h Health) { b.health.Store(int32(h)) }

// Acquire increments the active counter; paired with Release or
// released implicitly by a failed attempt that hands the request back
// to the director (spec.md §4.5 step 4).
func (b *Backend) Acquire() {
	b.active.Add(1)
	b.hits.Add(1)
}

// Release decrements the active counter. Called once per attempt: by
// director.Director.Release on success (status set, response fully
// proxied), or by director.Director.Reschedule when it takes over a
// failed attempt (spec.md §4.5).
func (b *Backend) Release() { b.active.Add(-1) }

// Hits returns the lifetime count of attempts started against this
// Backend, regardless of outcome.
func (b *Backend) Hits() int64 { return b.hits.Load() }

// Probe runs one TCP health check and updates Health accordingly,
// grounded on healthchecker/watchdog.Watchdog.HitHealthcheckEndpoint's
// connect-and-classify shape, trimmed to a bare dial (no HTTP endpoint
// contract is assumed of an arbitrary backend).
func (b *Backend) Probe(ctx context.Context, timeout time.Duration) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := b.Dial(dialCtx)
	if err != nil {
		b.SetHealth(Offline)
		return
	}
	conn.Close()
	b.SetHealth(Online)
}
