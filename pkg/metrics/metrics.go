package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Save triggers
const (
	TriggerManual   = "manual"
	TriggerAutosave = "autosave"
	TriggerEvict    = "evict"
	TriggerShutdown = "shutdown"
)

// Metrics groups the collectors of the sync server.
type Metrics struct {
	Sessions     prometheus.Gauge
	Participants prometheus.Gauge
	Edits        prometheus.Counter
	TitleChanges prometheus.Counter
	Saves        *prometheus.CounterVec
	SaveFailures *prometheus.CounterVec
	Dropped      prometheus.Counter
	Relayed      prometheus.Counter
}

// New registers the collectors on reg. Use a fresh prometheus.NewRegistry
// in tests so collectors can be registered more than once per process.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Sessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "docsync_sessions_active",
			Help: "Documents with a live session.",
		}),
		Participants: f.NewGauge(prometheus.GaugeOpts{
			Name: "docsync_participants_connected",
			Help: "Participants joined to a session.",
		}),
		Edits: f.NewCounter(prometheus.CounterOpts{
			Name: "docsync_edits_total",
			Help: "Accepted content overwrites.",
		}),
		TitleChanges: f.NewCounter(prometheus.CounterOpts{
			Name: "docsync_title_changes_total",
			Help: "Accepted title changes.",
		}),
		Saves: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docsync_saves_total",
			Help: "Snapshots written to the durable store.",
		}, []string{"trigger"}),
		SaveFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docsync_save_failures_total",
			Help: "Durable store writes that failed.",
		}, []string{"trigger"}),
		Dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "docsync_dropped_frames_total",
			Help: "Outbound frames dropped because a peer queue was full.",
		}),
		Relayed: f.NewCounter(prometheus.CounterOpts{
			Name: "docsync_relayed_events_total",
			Help: "Events applied from other instances.",
		}),
	}
}

// Handler exposes the metrics gathered by g at /metrics
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
