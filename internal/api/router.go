package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/technosupport/ts-cctv/internal/middleware"
	"github.com/technosupport/ts-cctv/internal/tokens"
)

// Handlers collects everything the router mounts.
type Handlers struct {
	Cameras     *CameraHandler
	Live        *LiveHandler
	PublicLive  *LiveHandler
	Recordings  *RecordingHandler
	Schedules   *ScheduleHandler
	Transfers   *TransferHandler
	Agents      *AgentHandler
	LocalClient *LocalClientHandler

	JWTAuth   *middleware.JWTAuth
	AgentAuth *middleware.AgentAuth
	RateLimit *middleware.RateLimitMiddleware

	Metrics http.Handler
	Health  http.HandlerFunc
}

// NewRouter builds the full HTTP surface: the operator API under
// /api/v1, the agent protocol under /local-client and the public live
// endpoints under /public.
func NewRouter(h Handlers, logMW func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(logMW)
	r.Use(middleware.CORS)
	if h.RateLimit != nil {
		r.Use(h.RateLimit.GlobalLimiter)
	}

	r.Get("/healthz", h.Health)
	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics)
	}

	operator := middleware.RequireRole(tokens.RoleOperator)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.JWTAuth.Middleware)

		r.Route("/cameras", func(r chi.Router) {
			r.Get("/", h.Cameras.List)
			r.With(operator).Post("/", h.Cameras.Create)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.Cameras.Get)
				r.With(operator).Put("/", h.Cameras.Update)
				r.With(operator).Delete("/", h.Cameras.Delete)
				r.With(operator).Post("/activate", h.Cameras.SetActive(true))
				r.With(operator).Post("/deactivate", h.Cameras.SetActive(false))
				r.With(operator).Post("/test-connection", h.Cameras.TestConnection)
				r.Get("/status", h.Cameras.Status)

				r.Get("/live", h.Live.Stream)
				r.Get("/snapshot", h.Live.Snapshot)
				r.Get("/thumbnail", h.Live.Thumbnail)
				r.With(operator).Post("/stream/start", h.Live.Start)
				r.With(operator).Post("/stream/stop", h.Live.Stop)
				r.With(operator).Post("/stream/recover", h.Live.Recover)
				r.Get("/stream/health", h.Live.Health)

				r.With(operator).Post("/record/start", h.Recordings.Start)
				r.With(operator).Post("/record/stop", h.Recordings.Stop)
			})
		})

		r.Route("/recordings", func(r chi.Router) {
			r.Get("/", h.Recordings.List)
			r.With(operator).Post("/transfer-to-cloud", h.Transfers.Enqueue)
			r.Get("/cloud-transfers", h.Transfers.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.Recordings.Get)
				r.Get("/download", h.Recordings.Download)
				r.Get("/transfer", h.Transfers.GetByRecording)
				r.With(operator).Delete("/", h.Recordings.Delete)
			})
		})

		r.Route("/transfers", func(r chi.Router) {
			r.With(operator).Post("/{id}/retry", h.Transfers.Retry)
		})

		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", h.Schedules.List)
			r.With(operator).Post("/", h.Schedules.Create)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.Schedules.Get)
				r.With(operator).Put("/", h.Schedules.Update)
				r.With(operator).Delete("/", h.Schedules.Delete)
				r.With(operator).Post("/activate", h.Schedules.SetActive(true))
				r.With(operator).Post("/deactivate", h.Schedules.SetActive(false))
			})
		})

		r.Route("/agents", func(r chi.Router) {
			r.Use(middleware.RequireRole(tokens.RoleAdmin))
			r.Get("/", h.Agents.List)
			r.Post("/", h.Agents.Create)
			r.Get("/{id}", h.Agents.Get)
			r.Delete("/{id}", h.Agents.Delete)
			r.Put("/{id}/cameras", h.Agents.AssignCameras)
		})
	})

	r.Route("/local-client", func(r chi.Router) {
		r.Use(h.AgentAuth.Middleware)

		r.Get("/validate", h.LocalClient.Validate)
		r.Get("/cameras", h.LocalClient.ListCameras)
		r.Get("/schedules", h.LocalClient.ListSchedules)
		r.Post("/recordings/register", h.LocalClient.RegisterRecording)
		r.Post("/recordings/status", h.LocalClient.RecordingStatus)
		r.Post("/heartbeat", h.LocalClient.Heartbeat)
	})

	// Cameras flagged public are viewable without a token.
	if h.PublicLive != nil {
		r.Route("/public/cameras/{id}", func(r chi.Router) {
			r.Get("/live", h.PublicLive.Stream)
			r.Get("/snapshot", h.PublicLive.Snapshot)
			r.Get("/thumbnail", h.PublicLive.Thumbnail)
		})
	}

	return r
}
