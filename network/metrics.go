package network

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/syjn99/ream/network/gossip"
	"github.com/syjn99/ream/network/reqresp"
)

// metrics exposes the network counters. Gossip and reqresp counters read
// straight from the component stats; only the lookup histogram and drop
// counters are owned here.
type metrics struct {
	lookupLatency prometheus.Histogram
	inboundDrops  prometheus.Counter
	degraded      prometheus.Counter
}

func counterFunc(name, help string, fn func() float64) prometheus.Collector {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "ream", Subsystem: "network", Name: name, Help: help,
	}, fn)
}

// newMetrics registers all network collectors with the given registry. A nil
// registry disables metrics entirely.
func newMetrics(reg prometheus.Registerer, gs *gossip.Stats, rs *reqresp.Stats, peerCount func() float64) (*metrics, error) {
	if reg == nil {
		return nil, nil
	}
	m := &metrics{
		lookupLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ream", Subsystem: "network", Name: "discovery_lookup_duration_seconds",
			Help:    "Duration of discovery lookups.",
			Buckets: prometheus.DefBuckets,
		}),
		inboundDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ream", Subsystem: "network", Name: "inbound_dropped_total",
			Help: "Accepted messages dropped because the consumer channel was full.",
		}),
		degraded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ream", Subsystem: "network", Name: "discovery_degraded_total",
			Help: "Lookups that found no live peers.",
		}),
	}

	collectors := []prometheus.Collector{
		m.lookupLatency,
		m.inboundDrops,
		m.degraded,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "ream", Subsystem: "network", Name: "peers_connected",
			Help: "Currently connected peers.",
		}, peerCount),
		counterFunc("gossip_accepted_total", "Gossip messages accepted by validation.",
			func() float64 { return float64(gs.Accepted.Load()) }),
		counterFunc("gossip_rejected_total", "Gossip messages rejected by validation.",
			func() float64 { return float64(gs.Rejected.Load()) }),
		counterFunc("gossip_duplicates_total", "Gossip messages suppressed as duplicates.",
			func() float64 { return float64(gs.Duplicates.Load()) }),
		counterFunc("gossip_validation_timeouts_total", "Gossip messages dropped on validation deadline.",
			func() float64 { return float64(gs.ValidationTimeouts.Load()) }),
		counterFunc("gossip_published_total", "Locally published gossip messages.",
			func() float64 { return float64(gs.Published.Load()) }),
		counterFunc("reqresp_served_total", "Request/response exchanges served.",
			func() float64 { return float64(rs.Served.Load()) }),
		counterFunc("reqresp_sent_total", "Outbound requests sent.",
			func() float64 { return float64(rs.Sent.Load()) }),
		counterFunc("reqresp_send_errors_total", "Outbound requests that failed or timed out.",
			func() float64 { return float64(rs.SendErrors.Load()) }),
		counterFunc("reqresp_negotiation_failures_total", "Streams closed with no mutually supported protocol.",
			func() float64 { return float64(rs.NegotiationFailures.Load()) }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) observeLookup(d time.Duration) {
	if m != nil {
		m.lookupLatency.Observe(d.Seconds())
	}
}

func (m *metrics) dropInbound() {
	if m != nil {
		m.inboundDrops.Inc()
	}
}

func (m *metrics) markDegraded() {
	if m != nil {
		m.degraded.Inc()
	}
}
