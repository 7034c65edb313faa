package progress

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink exports archiver progress via Prometheus. It owns all
// collectors for runs, settles, and per-source fetch behavior.
type PrometheusSink struct {
	runsTotal     *prometheus.CounterVec
	settledTotal  *prometheus.CounterVec
	fetchRequests *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	retriesTotal  *prometheus.CounterVec
	spacingWait   *prometheus.HistogramVec
	windowDone    prometheus.Gauge
	windowTotal   prometheus.Gauge
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archiver_runs_total",
			Help: "Runs completed partitioned by result.",
		}, []string{"result"}),
		settledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archiver_numbers_settled_total",
			Help: "Window numbers settled partitioned by winning source.",
		}, []string{"source"}),
		fetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archiver_fetch_requests_total",
			Help: "Upstream requests partitioned by source and status class.",
		}, []string{"source", "status_class"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "archiver_fetch_duration_seconds",
			Help:    "Upstream request duration partitioned by source.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"source"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archiver_fetch_retries_total",
			Help: "Backoff retries partitioned by source.",
		}, []string{"source"}),
		spacingWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "archiver_spacing_wait_seconds",
			Help:    "Time spent honoring per-source request spacing.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"source"}),
		windowDone: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "archiver_window_done",
			Help: "Numbers settled in the current window.",
		}),
		windowTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "archiver_window_total",
			Help: "Numbers targeted by the current window.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.runsTotal,
		s.settledTotal,
		s.fetchRequests,
		s.fetchDuration,
		s.retriesTotal,
		s.spacingWait,
		s.windowDone,
		s.windowTotal,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from one event.
func (s *PrometheusSink) Consume(evt Event) error {
	switch evt.Stage {
	case StageRunStart:
		s.windowDone.Set(0)
		s.windowTotal.Set(float64(evt.Total))
	case StageSettled:
		src := evt.Source
		if src == "" {
			src = "unknown"
		}
		s.settledTotal.WithLabelValues(src).Inc()
		s.windowDone.Set(float64(evt.Done))
	case StageRunDone:
		s.runsTotal.WithLabelValues("success").Inc()
	case StageRunError:
		s.runsTotal.WithLabelValues("error").Inc()
	case StageFetch:
		s.fetchRequests.WithLabelValues(evt.Source, string(evt.StatusClass)).Inc()
		if evt.Dur > 0 {
			s.fetchDuration.WithLabelValues(evt.Source).Observe(evt.Dur.Seconds())
		}
	case StageRateWait:
		s.spacingWait.WithLabelValues(evt.Source).Observe(evt.Dur.Seconds())
	case StageRetry:
		s.retriesTotal.WithLabelValues(evt.Source).Inc()
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close() error { return nil }
