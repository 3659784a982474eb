// Package metrics defines the Prometheus metrics of the notification registry.
//
// Metric naming follows Prometheus conventions:
//   - noticeboard_ prefix for all metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"noticeboard/pkg/types"
)

const namespace = "noticeboard"

// Label values
const (
	ResultOK           = "ok"
	ResultUnauthorized = "unauthorized"
	ResultMalformed    = "malformed"
	ResultFailed       = "failed"
	ResultRejected     = "rejected"
	ResultUnavailable  = "unavailable"
)

// Metrics holds every collector, registered against one registerer.
// Each registry instance gets its own Metrics so tests stay isolated.
type Metrics struct {
	ChannelsActive    prometheus.Gauge
	IdentitiesActive  prometheus.Gauge
	Registrations     prometheus.Counter
	Deregistrations   prometheus.Counter
	CloseRaces        prometheus.Counter
	Evictions         prometheus.Counter
	Upgrades          *prometheus.CounterVec
	PushRequests      *prometheus.CounterVec
	PushDeliveries    *prometheus.CounterVec
	PushDuration      prometheus.Histogram
	ClientMessages    *prometheus.CounterVec
	Recovered         prometheus.Counter
	RecoverySkipped   prometheus.Counter
	AttachmentsPruned prometheus.Counter
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ChannelsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_active",
			Help:      "Number of channels currently registered.",
		}),
		IdentitiesActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "identities_active",
			Help:      "Number of identities with at least one registered channel.",
		}),
		Registrations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Total channels added to the directory.",
		}),
		Deregistrations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deregistrations_total",
			Help:      "Total channels removed from the directory on close or error.",
		}),
		CloseRaces: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "close_races_total",
			Help:      "Close or error events for channels that were no longer registered.",
		}),
		Evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Total channels evicted by the per-identity cap.",
		}),
		Upgrades: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upgrades_total",
			Help:      "Upgrade requests by result.",
		}, []string{"result"}),
		PushRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_requests_total",
			Help:      "Push requests by result.",
		}, []string{"result"}),
		PushDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_deliveries_total",
			Help:      "Per-channel push sends by result.",
		}, []string{"result"}),
		PushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "push_duration_seconds",
			Help:      "Time spent fanning a push out to an identity's channels.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1},
		}),
		ClientMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_messages_total",
			Help:      "Inbound client frames by type.",
		}, []string{"type"}),
		Recovered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovered_channels_total",
			Help:      "Channels re-registered from their attachment after a registry restart.",
		}),
		RecoverySkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_skipped_total",
			Help:      "Channels skipped during recovery because their attachment was unreadable.",
		}),
		AttachmentsPruned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attachments_pruned_total",
			Help:      "Stored attachments deleted because their socket was gone.",
		}),
	}
}

// ObserveDirectory publishes the directory size
func (m *Metrics) ObserveDirectory(stats types.Stats) {
	m.ChannelsActive.Set(float64(stats.Channels))
	m.IdentitiesActive.Set(float64(stats.Identities))
}

// ObservePush records one fan-out
func (m *Metrics) ObservePush(started time.Time, delivered, failed int) {
	m.PushDuration.Observe(time.Since(started).Seconds())
	m.PushDeliveries.WithLabelValues(ResultOK).Add(float64(delivered))
	m.PushDeliveries.WithLabelValues(ResultFailed).Add(float64(failed))
}
