package crawl

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 是作业运行的 Prometheus 指标。nil 的 *Metrics 可以安全调用。
type Metrics struct {
	itemsTotal       *prometheus.CounterVec
	pricesTotal      *prometheus.CounterVec
	runsTotal        *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	publishedRecords *prometheus.GaugeVec
	activeWorkers    *prometheus.GaugeVec
}

// NewMetrics 在 reg 上注册指标。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		itemsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storecrawl_items_total",
				Help: "Candidate items processed, by outcome (extracted, failed, skipped).",
			},
			[]string{"source", "outcome"},
		),
		pricesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storecrawl_price_requests_total",
				Help: "Region price lookups, by outcome (ok, unavailable, failed).",
			},
			[]string{"source", "outcome"},
		),
		runsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storecrawl_job_runs_total",
				Help: "Job runs, by outcome (completed, aborted).",
			},
			[]string{"source", "outcome"},
		),
		runDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storecrawl_job_run_duration_seconds",
				Help:    "Wall time of a job run.",
				Buckets: prometheus.ExponentialBuckets(1, 2, 16), // 1s to ~9h
			},
			[]string{"source"},
		),
		publishedRecords: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "storecrawl_published_records",
				Help: "Records in the live dataset after the last publish.",
			},
			[]string{"source"},
		),
		activeWorkers: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "storecrawl_active_workers",
				Help: "Workers currently processing a range.",
			},
			[]string{"source"},
		),
	}
}

func (m *Metrics) item(src, outcome string) {
	if m != nil {
		m.itemsTotal.WithLabelValues(src, outcome).Inc()
	}
}

func (m *Metrics) price(src, outcome string) {
	if m != nil {
		m.pricesTotal.WithLabelValues(src, outcome).Inc()
	}
}

func (m *Metrics) run(src string, outcome Outcome, d time.Duration) {
	if m != nil {
		m.runsTotal.WithLabelValues(src, string(outcome)).Inc()
		m.runDuration.WithLabelValues(src).Observe(d.Seconds())
	}
}

func (m *Metrics) published(src string, n int64) {
	if m != nil {
		m.publishedRecords.WithLabelValues(src).Set(float64(n))
	}
}

func (m *Metrics) workerStarted(src string) {
	if m != nil {
		m.activeWorkers.WithLabelValues(src).Inc()
	}
}

func (m *Metrics) workerDone(src string) {
	if m != nil {
		m.activeWorkers.WithLabelValues(src).Dec()
	}
}
