// Package metrics exports engine activity to Prometheus.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/BTreeMap/Respite/internal/engine"
	"github.com/BTreeMap/Respite/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "respite"

// Observer implements engine.Observer with Prometheus collectors.
type Observer struct {
	ticks          *prometheus.CounterVec
	tickDuration   prometheus.Histogram
	candidates     prometheus.Counter
	quarantined    prometheus.Counter
	deliveries     *prometheus.CounterVec
	deliveryErrors *prometheus.CounterVec
	conflicts      prometheus.Counter
	enrichErrors   prometheus.Counter
	expired        prometheus.Counter
}

var _ engine.Observer = (*Observer)(nil)

// MustNew registers the collectors with reg and panics on a registration
// error. A nil reg uses the default registerer.
func MustNew(reg prometheus.Registerer) *Observer {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	o := &Observer{
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Per-user ticks by result.",
		}, []string{"result", "collaborator"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Duration of successful per-user ticks.",
			Buckets:   prometheus.DefBuckets,
		}),
		candidates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_total",
			Help:      "Candidates produced by rule evaluation.",
		}),
		quarantined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rules_quarantined_total",
			Help:      "Rules skipped because their condition did not match the schema.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Delivery commands accepted by a transport.",
		}, []string{"method"}),
		deliveryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_errors_total",
			Help:      "Delivery commands rejected by a transport.",
		}, []string{"method"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_conflicts_total",
			Help:      "Candidates dropped after a repeated version conflict.",
		}),
		enrichErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrichment_errors_total",
			Help:      "AI analysis calls that failed and fell back to the template.",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interventions_expired_total",
			Help:      "Interventions that expired without delivery.",
		}),
	}
	reg.MustRegister(o.ticks, o.tickDuration, o.candidates, o.quarantined,
		o.deliveries, o.deliveryErrors, o.conflicts, o.enrichErrors, o.expired)
	return o
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (o *Observer) TickCompleted(userID string, report *engine.TickReport, elapsed time.Duration) {
	o.ticks.WithLabelValues("ok", "").Inc()
	o.tickDuration.Observe(elapsed.Seconds())
	if report != nil {
		o.candidates.Add(float64(report.Candidates))
		o.expired.Add(float64(report.Expired))
	}
}

func (o *Observer) TickFailed(userID string, err error) {
	collaborator := ""
	var ce *models.CollaboratorError
	if errors.As(err, &ce) {
		collaborator = ce.Collaborator
	}
	o.ticks.WithLabelValues("failed", collaborator).Inc()
}

func (o *Observer) RuleQuarantined(userID string, err error) {
	o.quarantined.Inc()
}

func (o *Observer) Delivered(cmd models.DeliveryCommand) {
	o.deliveries.WithLabelValues(string(cmd.Method)).Inc()
}

func (o *Observer) DeliveryFailed(cmd models.DeliveryCommand, err error) {
	o.deliveryErrors.WithLabelValues(string(cmd.Method)).Inc()
}

func (o *Observer) StateConflict(key models.StateKey) {
	o.conflicts.Inc()
}

func (o *Observer) EnrichmentFailed(userID string, err error) {
	o.enrichErrors.Inc()
}
