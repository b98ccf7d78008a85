// Package director implements backend selection, global capacity
// accounting, and retry/reschedule on failure (spec.md §4.5).
//
// Grounded on the teacher's proxy/round_tripper.roundTripper.RoundTrip
// retry loop (select endpoint, attempt, classify failure, retry or
// stop) and on route.Pool's configured-order iteration; the per-request
// ledger of tried backends is route.EndpointIterator's duplicate-avoidance
// generalized from a single pool lookup to an explicit Attempt value the
// caller threads through repeated Reschedule calls.
package director

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"code.cloudfoundry.org/clock"

	"code.xhttpd.io/xhttpd/backend"
	"code.xhttpd.io/xhttpd/httpparse"
	"code.xhttpd.io/xhttpd/metrics"
)

// ErrBadGateway is returned by Reschedule when the request has been
// tried against every Online backend (spec.md §4.5 step 2).
var ErrBadGateway = errors.New("director: no upstream reached a status")

// ErrGatewayTimeout is returned by Reschedule when the global retry
// deadline has elapsed (spec.md §4.5 step 2).
var ErrGatewayTimeout = errors.New("director: retry deadline exceeded")

// StatusFor maps a Reschedule error to the HTTP status the client
// should see, per spec.md §4.5 step 2 and §7's error-kind table.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrGatewayTimeout):
		return httpparse.StatusGatewayTimeout
	case errors.Is(err, ErrBadGateway):
		return 502
	default:
		return httpparse.StatusInternalServerError
	}
}

// Attempt is the per-request retry ledger spec.md §3 assigns to the
// Director: which backends have already been tried, and the deadline
// for the whole retry sequence. Callers create one per proxied request
// (director.NewAttempt) and thread it through every Reschedule call for
// that request.
type Attempt struct {
	tried    map[*backend.Backend]bool
	deadline time.Time
}

// Director owns an ordered list of Backends and the global in-flight
// counter spec.md §3/§5 describe. Mutation is safe from any Worker
// goroutine: inFlight is an atomic.Int64 (spec.md §5's "atomic
// fetch-add... eventually consistent" rule), and each Backend's own
// active counter is likewise atomic.
type Director struct {
	Backends    []*backend.Backend
	RetryWindow time.Duration
	CloakServer bool

	// StickyEnabled turns on RescheduleSticky's first-choice affinity
	// path. Off by default, preserving spec.md §4.5 step 3's
	// deterministic-order selection as the only behavior Reschedule
	// itself ever exhibits.
	StickyEnabled bool

	clk      clock.Clock
	inFlight atomic.Int64
	reporter *metrics.Reporter

	stickyMu sync.Mutex
	sticky   map[string]*backend.Backend
}

// New builds a Director over backends, tried in the given (configured)
// order — selection ties break by that order, deterministically
// (spec.md §4.5 step 3).
func New(backends []*backend.Backend, retryWindow time.Duration, clk clock.Clock, cloakServer bool) *Director {
	return &Director{
		Backends:    backends,
		RetryWindow: retryWindow,
		clk:         clk,
		CloakServer: cloakServer,
		sticky:      make(map[string]*backend.Backend),
	}
}

// SetReporter attaches a metrics.Reporter; nil disables reporting. Kept
// separate from New so tests can build a Director without a registry.
func (d *Director) SetReporter(r *metrics.Reporter) { d.reporter = r }

// NewAttempt starts a fresh retry ledger for one proxied request.
func (d *Director) NewAttempt() *Attempt {
	return &Attempt{tried: make(map[*backend.Backend]bool, len(d.Backends)), deadline: d.clk.Now().Add(d.RetryWindow)}
}

// InFlight returns the Director's global in-flight request count.
func (d *Director) InFlight() int64 { return d.inFlight.Load() }

// Reschedule is the Director's sole entry point from the proxy path
// (spec.md §4.5), called when no attempt has been made yet (failed ==
// nil) or a prior attempt failed before producing a valid upstream
// status. It marks failed as tried and releases the capacity slot and
// in-flight count that failed attempt held, then either fails the whole attempt
// (exhausted backends or deadline) or selects, acquires capacity on, and
// returns the next Backend to try.
func (d *Director) Reschedule(at *Attempt, failed *backend.Backend) (*backend.Backend, error) {
	if failed != nil {
		at.tried[failed] = true
		failed.Release()
		n := d.inFlight.Add(-1)
		if d.reporter != nil {
			d.reporter.SetInFlight(float64(n))
			d.reporter.CaptureReschedule()
		}
	}

	if d.clk.Now().After(at.deadline) {
		return nil, ErrGatewayTimeout
	}

	for _, b := range d.Backends {
		if at.tried[b] {
			continue
		}
		if b.Health() == backend.Offline {
			continue
		}
		if !b.HasCapacity() {
			continue
		}
		at.tried[b] = true
		b.Acquire()
		n := d.inFlight.Add(1)
		if d.reporter != nil {
			d.reporter.SetInFlight(float64(n))
		}
		return b, nil
	}

	if d.reporter != nil {
		d.reporter.CaptureBadGateway()
	}
	return nil, ErrBadGateway
}

// RescheduleSticky is Reschedule plus an optional first-choice affinity
// path (a supplemented feature, not in spec.md §4.5 itself): on a fresh
// attempt (failed == nil) for a non-empty stickyID, it returns whatever
// Backend previously served that stickyID — provided that Backend is
// still Online and has spare capacity — bypassing the configured-order
// scan entirely. Once a request is actually rescheduled after a
// failure, it always falls through to the ordinary Reschedule order;
// a failed sticky Backend is never retried by this path, since failure
// already marks it tried in at.tried. While StickyEnabled is unset, or
// for an empty stickyID, this behaves exactly like Reschedule.
func (d *Director) RescheduleSticky(at *Attempt, failed *backend.Backend, stickyID string) (*backend.Backend, error) {
	if !d.StickyEnabled || stickyID == "" {
		return d.Reschedule(at, failed)
	}

	if failed == nil {
		if b := d.stickyBackend(stickyID); b != nil && b.Health() != backend.Offline && b.HasCapacity() {
			at.tried[b] = true
			b.Acquire()
			n := d.inFlight.Add(1)
			if d.reporter != nil {
				d.reporter.SetInFlight(float64(n))
			}
			return b, nil
		}
	}

	b, err := d.Reschedule(at, failed)
	if err == nil {
		d.setStickyBackend(stickyID, b)
	}
	return b, err
}

func (d *Director) stickyBackend(stickyID string) *backend.Backend {
	d.stickyMu.Lock()
	defer d.stickyMu.Unlock()
	return d.sticky[stickyID]
}

func (d *Director) setStickyBackend(stickyID string, b *backend.Backend) {
	d.stickyMu.Lock()
	defer d.stickyMu.Unlock()
	d.sticky[stickyID] = b
}

// Release decrements both the Backend's and the Director's in-flight
// counters. Called only on success — a response was fully proxied with
// a status set (spec.md §4.5). Failure takes the Reschedule path
// instead, which releases the failed attempt's counters itself.
func (d *Director) Release(b *backend.Backend) {
	b.Release()
	n := d.inFlight.Add(-1)
	if d.reporter != nil {
		d.reporter.SetInFlight(float64(n))
	}
}
