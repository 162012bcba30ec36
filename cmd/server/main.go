package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/technosupport/ts-cctv/internal/api"
	"github.com/technosupport/ts-cctv/internal/capture"
	"github.com/technosupport/ts-cctv/internal/config"
	"github.com/technosupport/ts-cctv/internal/crypto"
	"github.com/technosupport/ts-cctv/internal/data"
	"github.com/technosupport/ts-cctv/internal/events"
	"github.com/technosupport/ts-cctv/internal/metrics"
	"github.com/technosupport/ts-cctv/internal/middleware"
	"github.com/technosupport/ts-cctv/internal/objstore"
	"github.com/technosupport/ts-cctv/internal/ratelimit"
	"github.com/technosupport/ts-cctv/internal/record"
	"github.com/technosupport/ts-cctv/internal/schedule"
	"github.com/technosupport/ts-cctv/internal/session"
	"github.com/technosupport/ts-cctv/internal/stream"
	"github.com/technosupport/ts-cctv/internal/tokens"
	"github.com/technosupport/ts-cctv/internal/transfer"
)

func main() {
	log := newLogger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if err := cfg.ValidateServer(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	log = log.Level(parseLevel(cfg.LogLevel))

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatal().Err(err).Msg("ping database")
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	// Models.
	cameras := data.CameraModel{DB: db}
	if cfg.CredentialKey != "" {
		sealer, err := crypto.NewSealer(cfg.CredentialKey)
		if err != nil {
			log.Fatal().Err(err).Msg("init credential sealer")
		}
		cameras.Sealer = sealer
	}
	recordings := data.RecordingModel{DB: db}
	schedules := data.ScheduleModel{DB: db}
	transfers := data.TransferModel{DB: db}
	agents := data.AgentModel{DB: db}

	// Object store; degrades to disabled so recordings stay local.
	var store objstore.Store = objstore.Disabled{}
	if cfg.CloudEnabled() {
		s3, err := objstore.NewS3(cfg.Storage, log)
		if err != nil {
			log.Warn().Err(err).Msg("object storage unavailable, running local-only")
		} else {
			store = s3
			log.Info().Str("bucket", cfg.Storage.Bucket).Msg("object storage enabled")
		}
	}

	// Event publishing is optional: no NATS URL, no events.
	var notifier record.Notifier
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			log.Warn().Err(err).Msg("NATS unavailable, recording events disabled")
		} else {
			defer nc.Drain()
			notifier = events.NewPublisher(nc, log)
		}
	}

	// Capture plane.
	streams := stream.NewManager(cameras, stream.Options{
		FFmpegBin:   cfg.FFmpegBin,
		MaxWidth:    cfg.MaxWidth,
		MaxHeight:   cfg.MaxHeight,
		ViewerGrace: time.Duration(cfg.ViewerGraceSeconds) * time.Second,
	}, log)

	recorder := record.NewManager(recordings, notifier, record.Options{
		FFmpegBin:     cfg.FFmpegBin,
		BaseDir:       cfg.MediaRoot,
		MaxWidth:      cfg.MaxWidth,
		MaxHeight:     cfg.MaxHeight,
		MaxConcurrent: cfg.MaxConcurrentRecordings,
	}, log)

	engine := schedule.NewEngine(schedules, cameras, recorder, schedule.Options{
		RecordingMode: data.RecordingModeServer,
	}, log)
	engine.Start()

	maintenance := schedule.NewMaintenance(schedules, recordings, transfers, store, nil, log)
	maintenance.Start()

	worker := transfer.NewWorker(recordings, transfers, store, transfer.Options{
		MaxConcurrent:      cfg.MaxConcurrentUploads,
		CleanupAfterUpload: cfg.CleanupAfterUpload,
		SyncInterval:       cfg.SyncInterval,
		SignedURLs:         true,
		SignedURLTTL:       cfg.Storage.SignedURLTTL,
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go worker.Run(ctx)
	go func() {
		// Bridge finished sessions into the archival queue.
		for {
			select {
			case <-ctx.Done():
				return
			case rec := <-recorder.Completed():
				if rec == nil {
					return
				}
				if err := worker.Enqueue(rec); err != nil {
					log.Warn().Err(err).
						Str("recording_id", rec.ID.String()).
						Msg("transfer queue full, sync sweep will retry")
				}
			}
		}
	}()
	go markStaleAgents(ctx, agents, cfg.HeartbeatInterval, log)

	collector := metrics.NewCollector(snapshotFunc(streams, recorder, agents, transfers))
	go collector.Start(ctx)

	// HTTP surface.
	tokenMgr := tokens.NewManager(cfg.JWTSigningKey)
	limiter := ratelimit.NewLimiter(rdb, cfg.JWTSigningKey)
	prober := &capture.Prober{FFmpegBin: cfg.FFmpegBin, Log: log}
	sessions := session.NewManager(rdb)

	live := &api.LiveHandler{
		Cameras: cameras, Streams: streams, Sessions: sessions, Prober: prober, Log: log,
	}
	publicLive := &api.LiveHandler{
		Cameras: cameras, Streams: streams, Sessions: sessions, Prober: prober, Log: log,
		RequirePublic: true,
	}

	router := api.NewRouter(api.Handlers{
		Cameras: &api.CameraHandler{DB: db, Cameras: cameras, Streams: streams, Prober: prober, Log: log},
		Live:    live, PublicLive: publicLive,
		Recordings: &api.RecordingHandler{
			Cameras: cameras, Recordings: recordings, Transfers: transfers,
			Recorder: recorder, Store: store, SignedTTL: cfg.Storage.SignedURLTTL, Log: log,
		},
		Schedules: &api.ScheduleHandler{Cameras: cameras, Schedules: schedules, Log: log},
		Transfers: &api.TransferHandler{
			Recordings: recordings, Transfers: transfers, Worker: worker, Store: store, Log: log,
		},
		Agents: &api.AgentHandler{DB: db, Agents: agents, Cameras: cameras, Log: log},
		LocalClient: &api.LocalClientHandler{
			Agents: agents, Cameras: cameras, Schedules: schedules, Recordings: recordings, Log: log,
		},
		JWTAuth:   middleware.NewJWTAuth(tokenMgr),
		AgentAuth: middleware.NewAgentAuth(agents),
		RateLimit: middleware.NewRateLimitMiddleware(limiter, ratelimit.LimitConfig{
			Rate: 300, Window: time.Minute,
		}, log),
		Metrics: collector.Handler(),
		Health:  healthHandler(db, rdb),
	}, middleware.RequestLogger(log))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	// Stop intake first, then running work, then the loops.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)

	engine.Stop()
	maintenance.Stop()
	recorder.StopAll()
	streams.StopAll()

	log.Info().Msg("bye")
}

func newLogger() zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

func healthHandler(db *sql.DB, rdb *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}
}

// snapshotFunc samples the capture plane for the metrics collector.
func snapshotFunc(streams *stream.Manager, recorder *record.Manager,
	agents data.AgentModel, transfers data.TransferModel) metrics.SnapshotFunc {

	return func(ctx context.Context) (metrics.Snapshot, error) {
		snap := metrics.Snapshot{
			ActiveStreams:    streams.ActiveCount(),
			ActiveRecordings: len(recorder.Active()),
			TransferJobs:     make(map[string]int),
		}

		list, err := agents.List(ctx)
		if err != nil {
			return snap, err
		}
		for _, a := range list {
			if a.Status == data.AgentOnline {
				snap.OnlineAgents++
			}
		}

		for _, state := range []string{
			data.TransferPending, data.TransferUploading, data.TransferCompleted,
			data.TransferCleanupPending, data.TransferFailed,
		} {
			jobs, err := transfers.ListByState(ctx, state, 1000)
			if err != nil {
				return snap, err
			}
			snap.TransferJobs[state] = len(jobs)
		}
		return snap, nil
	}
}

// markStaleAgents flips agents offline after two missed heartbeats.
func markStaleAgents(ctx context.Context, agents data.AgentModel,
	heartbeat time.Duration, log zerolog.Logger) {

	if heartbeat <= 0 {
		heartbeat = 60 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * heartbeat)
			if n, err := agents.MarkStale(ctx, cutoff); err != nil {
				log.Warn().Err(err).Msg("mark stale agents")
			} else if n > 0 {
				log.Info().Int64("agents", n).Msg("agents marked offline")
			}
		}
	}
}
