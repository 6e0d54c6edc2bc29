package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/VenkatGGG/runner-fleet/internal/events"
	"github.com/VenkatGGG/runner-fleet/internal/fleet"
	"github.com/VenkatGGG/runner-fleet/internal/idempotency"
	"github.com/VenkatGGG/runner-fleet/internal/node"
	"github.com/VenkatGGG/runner-fleet/pkg/httpx"
)

// Fleet is the controller surface the admin API drives.
type Fleet interface {
	EnsureNode(ctx context.Context, routingID string, overrides node.Config) (node.Node, error)
	Register(ctx context.Context, id int64, url string) (node.Node, error)
	Finish(ctx context.Context, id int64) (node.Node, error)
	Rollout(ctx context.Context, image string) (fleet.Deployment, error)
}

type Options struct {
	APIKey             string
	RateLimitPerMinute int
	Idempotency        idempotency.Store
	IdempotencyTTL     time.Duration
	IdempotencyLock    time.Duration
	// CORSOrigins enables cross-origin access for browser clients when set.
	CORSOrigins []string
	Logger      *log.Logger
}

type Server struct {
	fleet  Fleet
	store  fleet.Store
	events events.Log
	stream *events.Broadcaster

	requiredAPIKey  string
	rateLimiter     *fixedWindowLimiter
	idempotency     idempotency.Store
	idempotencyTTL  time.Duration
	idempotencyLock time.Duration
	corsOrigins     []string
	logger          *log.Logger
}

func NewServer(manager Fleet, store fleet.Store, eventLog events.Log, stream *events.Broadcaster, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = idempotency.DefaultResponseTTL
	}
	if opts.IdempotencyLock <= 0 {
		opts.IdempotencyLock = idempotency.DefaultClaimTTL
	}
	s := &Server{
		fleet:           manager,
		store:           store,
		events:          eventLog,
		stream:          stream,
		requiredAPIKey:  opts.APIKey,
		idempotency:     opts.Idempotency,
		idempotencyTTL:  opts.IdempotencyTTL,
		idempotencyLock: opts.IdempotencyLock,
		corsOrigins:     opts.CORSOrigins,
		logger:          opts.Logger,
	}
	if opts.RateLimitPerMinute > 0 {
		s.rateLimiter = newFixedWindowLimiter(opts.RateLimitPerMinute, time.Minute)
	}
	return s
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if len(s.corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.corsOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key", "Idempotency-Key"},
			ExposedHeaders: []string{"Idempotent-Replayed", "Retry-After"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/nodes", func(r chi.Router) {
			r.Get("/", s.handleListNodes)
			r.With(s.guard(scopeAdmin)).Post("/", s.handleEnsureNode)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetNode)
				r.With(s.guard(scopeCallback)).Post("/register", s.handleRegisterNode)
				r.With(s.guard(scopeCallback)).Post("/finish", s.handleFinishNode)
			})
		})
		r.Route("/deployments", func(r chi.Router) {
			r.With(s.guard(scopeAdmin)).Post("/", s.handleRollout)
			r.Get("/active", s.handleActiveDeployment)
		})
		r.Get("/events", s.handleListEvents)
		r.Get("/events/stream", s.handleEventStream)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
