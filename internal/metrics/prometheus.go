package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the node's Prometheus collectors. Everything is registered
// against a caller-supplied registry so tests can instantiate freely.
type Metrics struct {
	registry *prometheus.Registry

	BootstrapState     prometheus.Gauge
	RangesPlanned      prometheus.Counter
	SourcesPlanned     prometheus.Counter
	FilesStreamedIn    prometheus.Counter
	FilesStreamedOut   prometheus.Counter
	BytesStreamedIn    prometheus.Counter
	RestreamRequests   prometheus.Counter
	SSTablesInstalled  prometheus.Counter
	MessagesSent       *prometheus.CounterVec
	MessagesDispatched *prometheus.CounterVec
}

// New creates and registers the node metrics on the given registry
func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,
		BootstrapState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ringkv",
			Subsystem: "bootstrap",
			Name:      "in_progress",
			Help:      "1 while the node is bootstrapping, 0 otherwise",
		}),
		RangesPlanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ringkv",
			Subsystem: "bootstrap",
			Name:      "ranges_planned_total",
			Help:      "Ranges scheduled for transfer by the delta calculator",
		}),
		SourcesPlanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ringkv",
			Subsystem: "bootstrap",
			Name:      "sources_planned_total",
			Help:      "Distinct source nodes in computed bootstrap plans",
		}),
		FilesStreamedIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ringkv",
			Subsystem: "streaming",
			Name:      "files_received_total",
			Help:      "Files fully received from peers",
		}),
		FilesStreamedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ringkv",
			Subsystem: "streaming",
			Name:      "files_sent_total",
			Help:      "Files shipped to peers",
		}),
		BytesStreamedIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ringkv",
			Subsystem: "streaming",
			Name:      "bytes_received_total",
			Help:      "Bytes received in streamed files",
		}),
		RestreamRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ringkv",
			Subsystem: "streaming",
			Name:      "restream_requests_total",
			Help:      "Per-file re-stream verdicts sent to sources",
		}),
		SSTablesInstalled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ringkv",
			Subsystem: "bootstrap",
			Name:      "sstables_installed_total",
			Help:      "SSTables installed from streamed files",
		}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ringkv",
			Subsystem: "messaging",
			Name:      "sent_total",
			Help:      "Messages sent, by verb",
		}, []string{"verb"}),
		MessagesDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ringkv",
			Subsystem: "messaging",
			Name:      "dispatched_total",
			Help:      "Messages dispatched to verb handlers, by verb",
		}, []string{"verb"}),
	}

	registry.MustRegister(
		m.BootstrapState,
		m.RangesPlanned,
		m.SourcesPlanned,
		m.FilesStreamedIn,
		m.FilesStreamedOut,
		m.BytesStreamedIn,
		m.RestreamRequests,
		m.SSTablesInstalled,
		m.MessagesSent,
		m.MessagesDispatched,
	)
	return m
}

// Registry returns the backing registry, for the ops server's handler
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
