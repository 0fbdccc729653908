package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once             sync.Once
	buildDuration    prom.Histogram
	buildOutcome     *prom.CounterVec
	fetchDuration    *prom.HistogramVec
	fetchResults     *prom.CounterVec
	fetchConcurrency prom.Gauge
	linkOps          *prom.CounterVec
	siteResults      *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.buildDuration = prom.NewHistogram(prom.HistogramOpts{
			Namespace: "sitefarm",
			Name:      "build_duration_seconds",
			Help:      "Total build duration",
			Buckets:   prom.DefBuckets,
		})
		pr.buildOutcome = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "sitefarm",
			Name:      "build_outcomes_total",
			Help:      "Build outcomes by final status",
		}, []string{"outcome"})
		pr.fetchDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "sitefarm",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of individual project fetches",
			Buckets:   prom.DefBuckets,
		}, []string{"project", "result"})
		pr.fetchResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "sitefarm",
			Name:      "fetch_results_total",
			Help:      "Fetch results by success/failure",
		}, []string{"result"})
		pr.fetchConcurrency = prom.NewGauge(prom.GaugeOpts{
			Namespace: "sitefarm",
			Name:      "fetch_concurrency",
			Help:      "Observed fetch concurrency for the last build",
		})
		pr.linkOps = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "sitefarm",
			Name:      "farm_link_ops_total",
			Help:      "Farm symlink operations by kind",
		}, []string{"op"})
		pr.siteResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "sitefarm",
			Name:      "farm_site_results_total",
			Help:      "Per-site farm sync results by success/failure",
		}, []string{"result"})
		reg.MustRegister(pr.buildDuration, pr.buildOutcome, pr.fetchDuration, pr.fetchResults, pr.fetchConcurrency, pr.linkOps, pr.siteResults)
	})
	return pr
}

func (p *PrometheusRecorder) ObserveBuildDuration(d time.Duration) {
	if p == nil || p.buildDuration == nil {
		return
	}
	p.buildDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncBuildOutcome(outcome BuildOutcomeLabel) {
	if p == nil || p.buildOutcome == nil {
		return
	}
	p.buildOutcome.WithLabelValues(string(outcome)).Inc()
}

func (p *PrometheusRecorder) ObserveFetchDuration(project string, d time.Duration, success bool) {
	if p == nil || p.fetchDuration == nil {
		return
	}
	p.fetchDuration.WithLabelValues(project, resultLabel(success)).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncFetchResult(success bool) {
	if p == nil || p.fetchResults == nil {
		return
	}
	p.fetchResults.WithLabelValues(resultLabel(success)).Inc()
}

func (p *PrometheusRecorder) SetFetchConcurrency(n int) {
	if p == nil || p.fetchConcurrency == nil {
		return
	}
	p.fetchConcurrency.Set(float64(n))
}

func (p *PrometheusRecorder) IncLinkOp(op LinkOpLabel) {
	if p == nil || p.linkOps == nil {
		return
	}
	p.linkOps.WithLabelValues(string(op)).Inc()
}

func (p *PrometheusRecorder) IncSiteResult(success bool) {
	if p == nil || p.siteResults == nil {
		return
	}
	p.siteResults.WithLabelValues(resultLabel(success)).Inc()
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failed"
}
