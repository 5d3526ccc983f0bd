// Package metrics implements the event/performance counters component
// (component H): Prometheus counters for the event tallies spec
// section 6 requires, plus a RateAggregator computing last-sample, 5-second
// moving average and lifetime average over arbitrary counted quantities.
// Grounded on the teacher's metrics.go, which wires the same
// client_golang primitives for a WebSocket relay's connection/message
// counters.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Counters holds every event counter spec section 6 names, registered
// against reg so multiple sessrelay instances in one process don't collide
// on the default registry.
type Counters struct {
	ResentBuffersTx          prometheus.Counter
	ResentBuffersRx          prometheus.Counter
	OutOfOrderReceives       prometheus.Counter
	KeepAlives               prometheus.Counter
	ManagementFrames         prometheus.Counter
	TransportExceptions      prometheus.Counter
	TransportInducedClosures prometheus.Counter
	UnexpectedNonMgmtBuffers prometheus.Counter
	InvalidFrames            prometheus.Counter
	ProtocolViolations       prometheus.Counter
	SlowStreams              prometheus.Counter
}

// NewCounters registers a fresh Counters set on reg. Pass
// prometheus.NewRegistry() in tests to avoid polluting the default
// registry; pass prometheus.DefaultRegisterer in production.
func NewCounters(reg prometheus.Registerer) *Counters {
	c := &Counters{
		ResentBuffersTx: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessrelay_resent_buffers_tx_total", Help: "Buffers retransmitted by this endpoint.",
		}),
		ResentBuffersRx: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessrelay_resent_buffers_rx_total", Help: "Resent buffers received from the peer.",
		}),
		OutOfOrderReceives: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessrelay_out_of_order_receives_total", Help: "Buffers received out of sequence order.",
		}),
		KeepAlives: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessrelay_keepalives_total", Help: "Keep-alive management frames sent.",
		}),
		ManagementFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessrelay_management_frames_total", Help: "Management frames processed.",
		}),
		TransportExceptions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessrelay_transport_exceptions_total", Help: "Transport-level errors observed.",
		}),
		TransportInducedClosures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessrelay_transport_induced_closures_total", Help: "Sessions closed due to a transport exception.",
		}),
		UnexpectedNonMgmtBuffers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessrelay_unexpected_buffers_total", Help: "Non-management buffers handed to the session manager unexpectedly.",
		}),
		InvalidFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessrelay_invalid_frames_total", Help: "Frames dropped for failing header validation.",
		}),
		ProtocolViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessrelay_protocol_violations_total", Help: "Protocol violations recorded (e.g. overlapping MessageStart).",
		}),
		SlowStreams: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessrelay_slow_streams_total", Help: "Stream tools whose outbound message sat undelivered past the slow-peer threshold.",
		}),
	}
	for _, coll := range []prometheus.Collector{
		c.ResentBuffersTx, c.ResentBuffersRx, c.OutOfOrderReceives, c.KeepAlives,
		c.ManagementFrames, c.TransportExceptions, c.TransportInducedClosures,
		c.UnexpectedNonMgmtBuffers, c.InvalidFrames, c.ProtocolViolations, c.SlowStreams,
	} {
		if reg != nil {
			_ = reg.Register(coll)
		}
	}
	return c
}

// sample is one point recorded into a RateAggregator.
type sample struct {
	at    time.Time
	value float64
}

// RateAggregator tracks last-sample, 5-second moving average and lifetime
// average for one counted quantity (spec section 6: "bytes, buffers,
// messages, acks, mean buffer delay, mean message delay").
type RateAggregator struct {
	mu        sync.Mutex
	window    []sample
	lifetimeN int64
	lifetimeSum float64
	started   time.Time
	last      float64
}

// NewRateAggregator creates an aggregator starting at now.
func NewRateAggregator(now time.Time) *RateAggregator {
	return &RateAggregator{started: now}
}

// Observe records value (e.g. a byte count or a delay in milliseconds) at
// time now.
func (r *RateAggregator) Observe(now time.Time, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = value
	r.lifetimeN++
	r.lifetimeSum += value
	r.window = append(r.window, sample{at: now, value: value})
	cutoff := now.Add(-5 * time.Second)
	i := 0
	for i < len(r.window) && r.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		r.window = r.window[i:]
	}
}

// Snapshot holds the published values of one RateAggregator. It is computed
// when RateAggregator.Snapshot is called; nothing in this package refreshes
// it on a timer.
type Snapshot struct {
	Last           float64
	MovingAverage5s float64
	LifetimeAverage float64
}

// Snapshot returns the current published values.
func (r *RateAggregator) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sum float64
	for _, s := range r.window {
		sum += s.value
	}
	avg5 := 0.0
	if n := len(r.window); n > 0 {
		avg5 = sum / float64(n)
	}
	lifetimeAvg := 0.0
	if r.lifetimeN > 0 {
		lifetimeAvg = r.lifetimeSum / float64(r.lifetimeN)
	}
	return Snapshot{Last: r.last, MovingAverage5s: avg5, LifetimeAverage: lifetimeAvg}
}

// Rates bundles the six rate aggregators spec section 6 enumerates for a
// send or receive direction.
type Rates struct {
	Bytes           *RateAggregator
	Buffers         *RateAggregator
	Messages        *RateAggregator
	Acks            *RateAggregator
	MeanBufferDelay *RateAggregator
	MeanMessageDelay *RateAggregator
}

// NewRates builds a fresh Rates bundle anchored at now.
func NewRates(now time.Time) *Rates {
	return &Rates{
		Bytes:            NewRateAggregator(now),
		Buffers:          NewRateAggregator(now),
		Messages:         NewRateAggregator(now),
		Acks:             NewRateAggregator(now),
		MeanBufferDelay:  NewRateAggregator(now),
		MeanMessageDelay: NewRateAggregator(now),
	}
}
