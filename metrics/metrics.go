// Package metrics exposes the gauges/counters Director selection
// updates, backed by
// code.cloudfoundry.org/go-metric-registry (the teacher dependency this
// package is grounded on, trimmed from the teacher's
// net/http.Request/route.Endpoint-shaped ProxyReporter interface to the
// handful of series this spec's Director/Backend actually produce:
// total in-flight requests, reschedule count, and exhausted-backends
// count).
package metrics

import (
	mr "code.cloudfoundry.org/go-metric-registry"
)

// Reporter records Director/Backend events as registry gauges/counters.
type Reporter struct {
	inFlight    *mr.Gauge
	reschedules *mr.Counter
	badGateways *mr.Counter
}

// NewReporter registers this package's series on registry.
func NewReporter(registry *mr.Registry) *Reporter {
	return &Reporter{
		inFlight:    registry.NewGauge("director_in_flight_requests", "Requests currently forwarded to a backend."),
		reschedules: registry.NewCounter("director_reschedules_total", "Proxy attempts rescheduled to a different backend."),
		badGateways: registry.NewCounter("director_bad_gateway_total", "Proxied requests that exhausted every backend."),
	}
}

// SetInFlight records the Director's current global in-flight count.
func (r *Reporter) SetInFlight(n float64) { r.inFlight.Set(n) }

// CaptureReschedule increments the reschedule counter.
func (r *Reporter) CaptureReschedule() { r.reschedules.Add(1) }

// CaptureBadGateway increments the exhausted-backends counter.
func (r *Reporter) CaptureBadGateway() { r.badGateways.Add(1) }
