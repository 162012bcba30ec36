// Package metrics exposes the runtime state of the capture plane on a
// private Prometheus registry.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Snapshot is one sample of the state the collector publishes.
type Snapshot struct {
	ActiveStreams    int
	ActiveRecordings int
	OnlineAgents     int
	TransferJobs     map[string]int // by state
}

// SnapshotFunc samples the current state. Errors flip the up gauge.
type SnapshotFunc func(ctx context.Context) (Snapshot, error)

const scrapeInterval = 5 * time.Second

// Collector polls a SnapshotFunc and exposes the result.
type Collector struct {
	snapshot SnapshotFunc
	registry *prometheus.Registry

	mu           sync.Mutex
	lastSnapshot time.Time

	up               prometheus.Gauge
	snapshotAge      prometheus.Gauge
	streamsActive    prometheus.Gauge
	recordingsActive prometheus.Gauge
	agentsOnline     prometheus.Gauge
	transferJobs     *prometheus.GaugeVec
}

func NewCollector(snapshot SnapshotFunc) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		snapshot: snapshot,
		registry: reg,
	}

	c.up = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cctv_metrics_up",
		Help: "Whether the last state sample succeeded (1=up, 0=down)",
	})
	reg.MustRegister(c.up)

	c.snapshotAge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cctv_metrics_snapshot_age_seconds",
		Help: "Age of the last successful state sample",
	})
	reg.MustRegister(c.snapshotAge)

	c.streamsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cctv_streams_active",
		Help: "Number of running live stream pipelines",
	})
	reg.MustRegister(c.streamsActive)

	c.recordingsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cctv_recordings_active",
		Help: "Number of in-flight recording sessions",
	})
	reg.MustRegister(c.recordingsActive)

	c.agentsOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cctv_agents_online",
		Help: "Number of remote agents with a fresh heartbeat",
	})
	reg.MustRegister(c.agentsOnline)

	c.transferJobs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cctv_transfer_jobs",
		Help: "Transfer jobs by state",
	}, []string{"state"})
	reg.MustRegister(c.transferJobs)

	return c
}

// Start runs the sample loop until ctx is cancelled.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(scrapeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

// Handler serves the private registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) collect(ctx context.Context) {
	sampleCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	snap, err := c.snapshot(sampleCtx)
	if err != nil {
		c.up.Set(0)
		c.mu.Lock()
		if !c.lastSnapshot.IsZero() {
			c.snapshotAge.Set(time.Since(c.lastSnapshot).Seconds())
		}
		c.mu.Unlock()
		return
	}

	c.up.Set(1)
	c.snapshotAge.Set(0)
	c.streamsActive.Set(float64(snap.ActiveStreams))
	c.recordingsActive.Set(float64(snap.ActiveRecordings))
	c.agentsOnline.Set(float64(snap.OnlineAgents))
	for state, n := range snap.TransferJobs {
		c.transferJobs.WithLabelValues(state).Set(float64(n))
	}

	c.mu.Lock()
	c.lastSnapshot = time.Now()
	c.mu.Unlock()
}
