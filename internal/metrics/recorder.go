// Package metrics exposes Prometheus counters for cache lookups, network
// fetches and loading requests. A nil *Recorder is valid and records nothing,
// so components can be built without metrics in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Lookup results.
const (
	LookupHit     = "hit"
	LookupPartial = "partial"
	LookupMiss    = "miss"
)

// Bytes-served sources.
const (
	SourceFile   = "file"
	SourceStream = "stream"
	SourceMemory = "memory"
)

// Recorder 持有独立 registry，避免与进程默认 registry 冲突。
type Recorder struct {
	registry *prometheus.Registry

	lookups       *prometheus.CounterVec
	fetches       *prometheus.CounterVec
	fetchDuration prometheus.Histogram
	activeFetches prometheus.Gauge
	bytesFetched  prometheus.Counter
	bytesServed   *prometheus.CounterVec
	requests      *prometheus.CounterVec
}

// New 创建并注册所有指标，同时附带 Go runtime 与进程指标。
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		lookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediacache_cache_lookups_total",
				Help: "Cache lookups at handle construction by result",
			},
			[]string{"result"}, // hit, partial, miss
		),
		fetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediacache_fetches_total",
				Help: "Network fetch attempts by terminal outcome",
			},
			[]string{"outcome"},
		),
		fetchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mediacache_fetch_duration_seconds",
				Help:    "Wall time of network fetch attempts",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
			},
		),
		activeFetches: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mediacache_active_fetches",
				Help: "Network fetches currently streaming",
			},
		),
		bytesFetched: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mediacache_fetched_bytes_total",
				Help: "Bytes received from origin servers",
			},
		),
		bytesServed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediacache_served_bytes_total",
				Help: "Bytes delivered to loading requests by source",
			},
			[]string{"source"}, // file, stream, memory
		),
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediacache_loading_requests_total",
				Help: "Loading requests by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
	}
}

// Registry 返回内部 registry，测试与自定义导出使用。
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler 返回 Prometheus 文本格式的 HTTP handler。
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) CacheLookup(result string) {
	if r == nil {
		return
	}
	r.lookups.WithLabelValues(result).Inc()
}

func (r *Recorder) FetchStarted() {
	if r == nil {
		return
	}
	r.activeFetches.Inc()
}

// FetchFinished 必须与 FetchStarted 成对调用。
func (r *Recorder) FetchFinished(outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.activeFetches.Dec()
	r.fetches.WithLabelValues(outcome).Inc()
	r.fetchDuration.Observe(elapsed.Seconds())
}

func (r *Recorder) BytesFetched(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.bytesFetched.Add(float64(n))
}

func (r *Recorder) BytesServed(source string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.bytesServed.WithLabelValues(source).Add(float64(n))
}

func (r *Recorder) LoadingRequest(kind, outcome string) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(kind, outcome).Inc()
}
