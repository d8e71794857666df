// Package metrics tracks dashboard figures in a Prometheus registry and
// exposes them both as a scrape endpoint and as a JSON snapshot.
package metrics

import (
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the workspace collectors. The zero value is not usable;
// call New.
type Metrics struct {
	registry *prometheus.Registry

	activeUsers        prometheus.Gauge
	documentsProcessed prometheus.Counter
	complianceScore    prometheus.Gauge
	runs               *prometheus.CounterVec
	runDuration        prometheus.Histogram

	mu         sync.Mutex
	users      int
	documents  int
	scoreSum   float64
	scoreCount int
	started    time.Time
}

// New creates a Metrics with its own registry, including Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "active_users_total",
			Help: "Users currently logged in.",
		}),
		documentsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "documents_processed_total",
			Help: "Documents that completed a compliance analysis.",
		}),
		complianceScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "average_compliance_score",
			Help: "Mean compliance score over processed documents.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_runs_total",
			Help: "Workflow runs by outcome.",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "workflow_run_duration_seconds",
			Help:    "Wall time of workflow runs.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8),
		}),
		started: time.Now(),
	}
	m.registry.MustRegister(
		m.activeUsers,
		m.documentsProcessed,
		m.complianceScore,
		m.runs,
		m.runDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Seed initialises the document count and average score from history.
func (m *Metrics) Seed(documents int, averageScore float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if documents <= 0 {
		return
	}
	m.documentsProcessed.Add(float64(documents))
	m.documents += documents
	m.scoreSum += averageScore * float64(documents)
	m.scoreCount += documents
	m.complianceScore.Set(m.scoreSum / float64(m.scoreCount))
}

// UserLoggedIn increments the active-user gauge.
func (m *Metrics) UserLoggedIn() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users++
	m.activeUsers.Set(float64(m.users))
}

// UserLoggedOut decrements the active-user gauge, never below zero.
func (m *Metrics) UserLoggedOut() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.users > 0 {
		m.users--
	}
	m.activeUsers.Set(float64(m.users))
}

// ObserveRun records one workflow run. Only successful runs count as
// processed documents and contribute to the average score.
func (m *Metrics) ObserveRun(outcome string, succeeded bool, score float64, elapsed time.Duration) {
	m.runs.WithLabelValues(outcome).Inc()
	m.runDuration.Observe(elapsed.Seconds())
	if !succeeded {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.documentsProcessed.Inc()
	m.documents++
	m.scoreSum += score
	m.scoreCount++
	m.complianceScore.Set(m.scoreSum / float64(m.scoreCount))
}

// Dashboard is the JSON body of the dashboard endpoint.
type Dashboard struct {
	ActiveUsers        int          `json:"activeUsers"`
	DocumentsProcessed int          `json:"documentsProcessed"`
	ComplianceScore    float64      `json:"complianceScore"`
	System             *SystemStats `json:"system,omitempty"`
}

// SystemStats describes the running process.
type SystemStats struct {
	Goroutines     int     `json:"goroutines"`
	HeapAllocBytes uint64  `json:"heapAllocBytes"`
	HeapSysBytes   uint64  `json:"heapSysBytes"`
	NumGC          uint32  `json:"numGC"`
	UptimeSeconds  float64 `json:"uptimeSeconds"`
}

// Dashboard returns the current figures. withSystem adds process stats.
func (m *Metrics) Dashboard(withSystem bool) Dashboard {
	m.mu.Lock()
	d := Dashboard{
		ActiveUsers:        m.users,
		DocumentsProcessed: m.documents,
	}
	if m.scoreCount > 0 {
		d.ComplianceScore = m.scoreSum / float64(m.scoreCount)
	}
	started := m.started
	m.mu.Unlock()

	if withSystem {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		d.System = &SystemStats{
			Goroutines:     runtime.NumGoroutine(),
			HeapAllocBytes: ms.HeapAlloc,
			HeapSysBytes:   ms.HeapSys,
			NumGC:          ms.NumGC,
			UptimeSeconds:  time.Since(started).Seconds(),
		}
	}
	return d
}
