package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	IndicatorsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fever_threatbus_indicators_received_total",
			Help: "Indicator messages received from the Threat Bus",
		},
	)

	IndicatorsMalformed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fever_threatbus_indicators_malformed_total",
			Help: "Indicators skipped because they could not be parsed",
		},
	)

	PatternsForwarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fever_threatbus_patterns_forwarded_total",
			Help: "Pattern values accepted by the matcher",
		},
	)

	PatternsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fever_threatbus_patterns_rejected_total",
			Help: "Pattern values the matcher refused permanently",
		},
	)

	MatcherRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fever_threatbus_matcher_retries_total",
			Help: "Pattern submissions retried after a transient matcher failure",
		},
	)

	BufferDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fever_threatbus_buffer_depth",
			Help: "Pattern values queued between intake and the matcher",
		},
	)

	SyncState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fever_threatbus_sync_state",
			Help: "Current bridge state, 1 for the active state",
		},
		[]string{"state"},
	)

	MatcherState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fever_threatbus_matcher_state",
			Help: "Current matcher connection state, 1 for the active state",
		},
		[]string{"state"},
	)

	Snapshots = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fever_threatbus_snapshots_total",
			Help: "Snapshot requests by outcome",
		},
		[]string{"outcome"},
	)

	Reconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fever_threatbus_reconnects_total",
			Help: "Successful reconnections by component",
		},
		[]string{"component"},
	)

	BusGaps = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fever_threatbus_bus_gaps_total",
			Help: "Times indicators were dropped because intake fell behind the bus",
		},
	)

	BloomPatterns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fever_threatbus_bloom_patterns",
			Help: "Distinct patterns held by the bloom matcher",
		},
	)
)

// SetState marks current as the active label of a one-hot state gauge.
func SetState(g *prometheus.GaugeVec, current string, all ...string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		g.WithLabelValues(s).Set(v)
	}
}
