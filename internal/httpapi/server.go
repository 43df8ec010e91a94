package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/rendis/wajourney/internal/store"
	"github.com/rendis/wajourney/internal/streaming"
	"github.com/rendis/wajourney/pkg/schema"
)

// Enqueuer is the producer side of the job queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType schema.JobType, payload any, runAt time.Time, priority int) (string, error)
}

// Deps holds the dependencies of the HTTP API.
type Deps struct {
	Store    store.Store
	Enqueuer Enqueuer
	// Metrics reports worker counters for /healthz. Optional.
	Metrics func() any
	// LaunchBatchSize is the batch size used when a launch request omits one.
	LaunchBatchSize int
	// WebhookAuthToken enables X-Twilio-Signature verification when set.
	WebhookAuthToken string
	// PublicURL is the externally visible base URL Twilio signs against.
	PublicURL string
	// Hub enables GET /executions/{id}/stream. Optional.
	Hub    streaming.EventHub
	Logger *slog.Logger
}

// Server serves the webhook and operator endpoints.
type Server struct {
	deps     Deps
	validate *validator.Validate
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if deps.LaunchBatchSize <= 0 {
		deps.LaunchBatchSize = 100
	}
	return &Server{
		deps:     deps,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Handler returns the HTTP handler for all routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)

	r.Post("/webhooks/whatsapp", s.handleInboundWebhook)

	r.Route("/campaigns/{id}", func(r chi.Router) {
		r.Post("/launch", s.handleLaunchCampaign)
		r.Post("/cancel", s.handleCancelCampaign)
	})

	r.Get("/executions/{id}", s.handleGetExecution)
	r.Get("/executions/{id}/events", s.handleListEvents)
	r.Get("/executions/{id}/timeline", s.handleTimeline)
	if s.deps.Hub != nil {
		r.Get("/executions/{id}/stream", s.handleStream)
	}

	r.Get("/jobs", s.handleListJobs)

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.deps.Logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
