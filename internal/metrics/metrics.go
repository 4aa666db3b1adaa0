package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "strategy_lab"

// Metrics holds the backtest pipeline collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	BacktestsQueued    prometheus.Counter
	BacktestsCompleted prometheus.Counter
	BacktestsFailed    prometheus.Counter
	BacktestsRejected  *prometheus.CounterVec
	BacktestDuration   prometheus.Histogram
	BacktestsRunning   prometheus.Gauge
	BacktestStages     *prometheus.CounterVec
	QueuePending       prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		BacktestsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "queued_total",
			Help:      "Total number of backtests accepted into the queue",
		}),
		BacktestsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "completed_total",
			Help:      "Total number of backtests that finished successfully",
		}),
		BacktestsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "failed_total",
			Help:      "Total number of backtests that finished with an error",
		}),
		BacktestsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "rejected_total",
			Help:      "Total number of backtest requests rejected before queueing",
		}, []string{"reason"}),
		BacktestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "duration_seconds",
			Help:      "Wall time of a backtest from start to terminal status",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}),
		BacktestsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "running",
			Help:      "Number of backtests currently executing",
		}),
		BacktestStages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "stages_total",
			Help:      "Progress checkpoints reached by backtest jobs",
		}, []string{"stage"}),
		QueuePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "pending",
			Help:      "Number of jobs waiting for a worker",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.BacktestsQueued,
		m.BacktestsCompleted,
		m.BacktestsFailed,
		m.BacktestsRejected,
		m.BacktestDuration,
		m.BacktestsRunning,
		m.BacktestStages,
		m.QueuePending,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Queued() {
	if m == nil {
		return
	}
	m.BacktestsQueued.Inc()
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.BacktestsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) Started() {
	if m == nil {
		return
	}
	m.BacktestsRunning.Inc()
}

// Finished records a terminal transition. A zero started time skips the
// duration observation.
func (m *Metrics) Finished(success bool, started time.Time) {
	if m == nil {
		return
	}
	if success {
		m.BacktestsCompleted.Inc()
	} else {
		m.BacktestsFailed.Inc()
	}
	if !started.IsZero() {
		m.BacktestsRunning.Dec()
		m.BacktestDuration.Observe(time.Since(started).Seconds())
	}
}

func (m *Metrics) Stage(stage string) {
	if m == nil {
		return
	}
	m.BacktestStages.WithLabelValues(stage).Inc()
}

func (m *Metrics) SetPending(n int64) {
	if m == nil {
		return
	}
	m.QueuePending.Set(float64(n))
}
