package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/buzzni/virtual-try-on/internal/domain/repositories"
	"github.com/buzzni/virtual-try-on/internal/infrastructure/scheduler"
)

const namespace = "tryon"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	registry          *prometheus.Registry
	stageDuration     *prometheus.HistogramVec
	outcomes          *prometheus.CounterVec
	cacheLookups      *prometheus.CounterVec
	inferenceAttempts *prometheus.CounterVec
	rollovers         *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each pipeline stage.",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"stage"}),
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Terminal outcomes of try-on requests.",
		}, []string{"outcome", "reason"}),
		cacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Result cache lookups by tier and result.",
		}, []string{"tier", "result"}),
		inferenceAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inference_attempts_total",
			Help:      "Model backend calls by stage and result.",
		}, []string{"model", "result"}),
		rollovers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_rollovers_total",
			Help:      "Model version rollovers by model.",
		}, []string{"model"}),
	}
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) RecordOutcome(outcome, reason string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome, reason).Inc()
}

func (m *Metrics) RecordCacheLookup(tier string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(tier, result).Inc()
}

func (m *Metrics) RecordInferenceAttempt(model, result string) {
	if m == nil {
		return
	}
	m.inferenceAttempts.WithLabelValues(model, result).Inc()
}

func (m *Metrics) RecordRollover(model string) {
	if m == nil {
		return
	}
	m.rollovers.WithLabelValues(model).Inc()
}

// WatchScheduler exports per-class permit gauges read from s on scrape.
func (m *Metrics) WatchScheduler(s *scheduler.Scheduler) {
	if m == nil || s == nil {
		return
	}
	factory := promauto.With(m.registry)
	for _, class := range s.Classes() {
		labels := prometheus.Labels{"class": string(class)}
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "scheduler_in_use",
			Help:        "Permits currently held.",
			ConstLabels: labels,
		}, statFunc(s, class, func(st scheduler.Stats) float64 { return float64(st.InUse) }))
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "scheduler_waiting",
			Help:        "Callers queued for a permit.",
			ConstLabels: labels,
		}, statFunc(s, class, func(st scheduler.Stats) float64 { return float64(st.Waiting) }))
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "scheduler_capacity",
			Help:        "Configured concurrent permits.",
			ConstLabels: labels,
		}, statFunc(s, class, func(st scheduler.Stats) float64 { return float64(st.Capacity) }))
	}
}

func statFunc(s *scheduler.Scheduler, class repositories.ResourceClass, pick func(scheduler.Stats) float64) func() float64 {
	return func() float64 {
		return pick(s.Stats(class))
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
