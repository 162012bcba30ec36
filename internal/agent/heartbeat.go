package agent

import (
	"context"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// systemInfo is the free-form blob sent with each heartbeat. The
// server stores it verbatim for the operator UI.
type systemInfo struct {
	Hostname         string  `json:"hostname,omitempty"`
	GoVersion        string  `json:"go_version"`
	NumGoroutine     int     `json:"num_goroutine"`
	ActiveRecordings int     `json:"active_recordings"`
	QueuedStatuses   int     `json:"queued_statuses"`
	DiskFreeBytes    uint64  `json:"disk_free_bytes"`
	DiskTotalBytes   uint64  `json:"disk_total_bytes"`
	DiskFreePercent  float64 `json:"disk_free_percent"`
}

// Heartbeater reports liveness on a fixed cadence and piggybacks a
// queue drain on every beat, so connectivity recovery is detected at
// heartbeat granularity.
type Heartbeater struct {
	client   *Client
	store    *RemoteStore
	queue    *StatusQueue
	baseDir  string
	hostname string
	interval time.Duration
	log      zerolog.Logger
}

func NewHeartbeater(client *Client, store *RemoteStore, queue *StatusQueue,
	baseDir, hostname string, interval time.Duration, log zerolog.Logger) *Heartbeater {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Heartbeater{
		client:   client,
		store:    store,
		queue:    queue,
		baseDir:  baseDir,
		hostname: hostname,
		interval: interval,
		log:      log.With().Str("component", "heartbeat").Logger(),
	}
}

func (h *Heartbeater) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.beat(ctx)
		}
	}
}

func (h *Heartbeater) beat(ctx context.Context) {
	info := systemInfo{
		Hostname:         h.hostname,
		GoVersion:        runtime.Version(),
		NumGoroutine:     runtime.NumGoroutine(),
		ActiveRecordings: h.store.ActiveCount(),
		QueuedStatuses:   h.queue.Len(),
	}
	if free, total, err := diskUsage(h.baseDir); err == nil {
		info.DiskFreeBytes = free
		info.DiskTotalBytes = total
		if total > 0 {
			info.DiskFreePercent = float64(free) / float64(total) * 100
		}
	}

	if err := h.client.Heartbeat(ctx, info); err != nil {
		h.log.Warn().Err(err).Msg("heartbeat failed")
		return
	}

	if n := h.queue.Drain(ctx, h.client.PushStatus); n > 0 {
		h.log.Info().Int("delivered", n).Msg("drained queued status updates")
	}
}

func diskUsage(path string) (free, total uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, err
	}
	bsize := uint64(st.Bsize)
	return st.Bavail * bsize, st.Blocks * bsize, nil
}
