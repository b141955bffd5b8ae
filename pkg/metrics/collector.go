// Package metrics provides Prometheus-compatible metrics collection for the
// supervisor: tab lifecycle occupancy, revision throughput, intent queue
// depth, and engine call latency.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// namespace for all metrics
const namespace = "shellcore"

// Collector holds all supervisor metrics with Prometheus compatibility.
type Collector struct {
	// Tab lifecycle occupancy, per runtime state.
	TabsActive    prometheus.Gauge
	TabsWarm      prometheus.Gauge
	TabsDiscarded prometheus.Gauge
	TabsRestoring prometheus.Gauge
	WarmEvictions prometheus.Counter

	// Revision/patch throughput.
	RevisionCounter prometheus.Counter
	PatchOpsTotal   prometheus.Counter
	ResyncTotal     prometheus.Counter

	// Intent queue.
	QueueDepth      prometheus.Gauge
	QueueRejections prometheus.Counter
	IntentLatency   prometheus.Histogram

	// Engine resource manager.
	EngineCallLatency *prometheus.HistogramVec
	EngineFailures    *prometheus.CounterVec

	// Persistence.
	CommitLatency  prometheus.Histogram
	CommitFailures prometheus.Counter

	mu        sync.RWMutex
	startTime time.Time
}

// New creates and registers a new metrics collector.
func New() *Collector {
	c := &Collector{startTime: time.Now()}

	c.TabsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "tabs_active", Help: "Tabs in the Active runtime state.",
	})
	c.TabsWarm = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "tabs_warm", Help: "Tabs in the Warm runtime state.",
	})
	c.TabsDiscarded = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "tabs_discarded", Help: "Tabs in the Discarded runtime state.",
	})
	c.TabsRestoring = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "tabs_restoring", Help: "Tabs in the Restoring runtime state.",
	})
	c.WarmEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "warm_evictions_total", Help: "Warm-pool LRU evictions.",
	})
	c.RevisionCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "revisions_total", Help: "Accepted intents advancing the revision.",
	})
	c.PatchOpsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "patch_ops_total", Help: "Patch ops emitted across all patches.",
	})
	c.ResyncTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "resync_total", Help: "Full-snapshot resyncs served.",
	})
	c.QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "intent_queue_depth", Help: "Current bounded intent queue depth.",
	})
	c.QueueRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "intent_queue_rejections_total", Help: "Intents rejected due to queue overflow.",
	})
	c.IntentLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "intent_latency_seconds", Help: "Time to hydrate and reduce one dequeued intent.",
		Buckets: prometheus.DefBuckets,
	})
	c.EngineCallLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "engine_call_latency_seconds", Help: "Engine resource manager call latency by operation.",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"op"})
	c.EngineFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "engine_failures_total", Help: "Engine resource manager failures by operation.",
	}, []string{"op"})
	c.CommitLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "commit_latency_seconds", Help: "Persistence commit latency per accepted intent.",
		Buckets: prometheus.DefBuckets,
	})
	c.CommitFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "commit_failures_total", Help: "Persistence commit failures.",
	})

	c.register()
	return c
}

func (c *Collector) register() {
	prometheus.MustRegister(
		c.TabsActive, c.TabsWarm, c.TabsDiscarded, c.TabsRestoring, c.WarmEvictions,
		c.RevisionCounter, c.PatchOpsTotal, c.ResyncTotal,
		c.QueueDepth, c.QueueRejections, c.IntentLatency,
		c.EngineCallLatency, c.EngineFailures,
		c.CommitLatency, c.CommitFailures,
	)
}

// SetTabCounts updates the per-runtime-state tab gauges in one call.
func (c *Collector) SetTabCounts(active, warm, discarded, restoring int) {
	c.TabsActive.Set(float64(active))
	c.TabsWarm.Set(float64(warm))
	c.TabsDiscarded.Set(float64(discarded))
	c.TabsRestoring.Set(float64(restoring))
}

// ObserveEngineCall records the latency of an engine resource manager call.
func (c *Collector) ObserveEngineCall(op string, d time.Duration, err error) {
	c.EngineCallLatency.WithLabelValues(op).Observe(d.Seconds())
	if err != nil {
		c.EngineFailures.WithLabelValues(op).Inc()
	}
}

// ObserveCommit records the latency of a persistence commit.
func (c *Collector) ObserveCommit(d time.Duration, err error) {
	c.CommitLatency.Observe(d.Seconds())
	if err != nil {
		c.CommitFailures.Inc()
	}
}

// Snapshot is a point-in-time timestamp and process uptime, for the
// diagnostics JSON endpoint; it carries none of the collector's gauges.
type Snapshot struct {
	Timestamp     time.Time `json:"timestamp"`
	UptimeSeconds float64   `json:"uptime_seconds"`
}

// GetSnapshot returns a lightweight JSON-able snapshot.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{Timestamp: time.Now(), UptimeSeconds: time.Since(c.startTime).Seconds()}
}

// Handler returns the Prometheus scrape handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.Handler()
}

// JSONHandler serves the lightweight snapshot as JSON.
func (c *Collector) JSONHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(c.GetSnapshot())
	}
}
