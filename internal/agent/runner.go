package agent

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/technosupport/ts-cctv/internal/capture"
	"github.com/technosupport/ts-cctv/internal/config"
	"github.com/technosupport/ts-cctv/internal/data"
	"github.com/technosupport/ts-cctv/internal/objstore"
	"github.com/technosupport/ts-cctv/internal/record"
	"github.com/technosupport/ts-cctv/internal/schedule"
)

// Runner wires the agent: protocol client, schedule mirror, recording
// manager, uploader and heartbeat.
type Runner struct {
	cfg    *config.Config
	client *Client
	cache  *Cache
	queue  *StatusQueue
	store  *RemoteStore
	log    zerolog.Logger
}

func NewRunner(cfg *config.Config, log zerolog.Logger) (*Runner, error) {
	client := NewClient(cfg.AgentServerURL, cfg.AgentToken)
	queue, err := NewStatusQueue(cfg.RecordingBase, log)
	if err != nil {
		return nil, err
	}
	return &Runner{
		cfg:    cfg,
		client: client,
		cache:  NewCache(client, log),
		queue:  queue,
		store:  NewRemoteStore(client, queue, log),
		log:    log.With().Str("component", "agent").Logger(),
	}, nil
}

// Validate checks the token against the server. Fatal on failure.
func (r *Runner) Validate(ctx context.Context) error {
	return r.client.Validate(ctx)
}

// Run blocks until ctx is cancelled. An initial sync failure is not
// fatal; the sync loop keeps retrying on its interval.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.cache.Sync(ctx); err != nil {
		r.log.Warn().Err(err).Msg("initial sync failed, retrying on interval")
	}

	recorder := record.NewManager(r.store, nil, record.Options{
		FFmpegBin:     r.cfg.FFmpegBin,
		BaseDir:       r.cfg.RecordingBase,
		MaxWidth:      r.cfg.MaxWidth,
		MaxHeight:     r.cfg.MaxHeight,
		MaxConcurrent: r.cfg.MaxConcurrentRecordings,
	}, r.log)

	engine := schedule.NewEngine(r.cache, cameraGetter{r.cache}, recorder, schedule.Options{
		RecordingMode: data.RecordingModeLocalClient,
	}, r.log)
	engine.Start()
	defer engine.Stop()

	var store objstore.Store = objstore.Disabled{}
	if r.cfg.CloudEnabled() {
		s3, err := objstore.NewS3(r.cfg.Storage, r.log)
		if err != nil {
			r.log.Warn().Err(err).Msg("object storage unavailable, recordings stay local")
		} else {
			store = s3
		}
	}
	uploader, err := NewUploader(store, r.client, r.queue, r.cfg.RecordingBase, r.log)
	if err != nil {
		return err
	}
	go uploader.Run(ctx, recorder.Completed())

	hostname, _ := os.Hostname()
	heartbeat := NewHeartbeater(r.client, r.store, r.queue, r.cfg.RecordingBase,
		hostname, r.cfg.HeartbeatInterval, r.log)
	go heartbeat.Run(ctx)

	go r.syncLoop(ctx)
	go r.retentionLoop(ctx)

	<-ctx.Done()
	recorder.StopAll()
	return nil
}

func (r *Runner) syncLoop(ctx context.Context) {
	interval := r.cfg.SyncInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.cache.Sync(ctx); err != nil {
				r.log.Warn().Err(err).Msg("sync failed")
			}
		}
	}
}

// retentionLoop removes local files older than KeepLocalDays. Only
// finished files are touched; in-progress captures keep their .part
// suffix and are skipped.
func (r *Runner) retentionLoop(ctx context.Context) {
	if r.cfg.KeepLocalDays <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepRetention()
		}
	}
}

func (r *Runner) sweepRetention() {
	cutoff := time.Now().AddDate(0, 0, -r.cfg.KeepLocalDays)
	root := filepath.Join(r.cfg.RecordingBase, "recordings")

	removed := 0
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, capture.PartSuffix) {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err == nil {
			removed++
		}
		return nil
	})
	if removed > 0 {
		r.log.Info().Int("removed", removed).Msg("retention sweep")
	}
}
