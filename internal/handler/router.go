package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/logger"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	Logger *zap.Logger
	// Idempotency guards the mutating registration routes when set.
	Idempotency *IdempotencyConfig
}

// NewRouter builds the chi router for the allocation API.
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	log := logger.OrNop(opts.Logger)

	r := chi.NewRouter()

	// Global middleware stack
	r.Use(chimiddleware.Recoverer) // recover from panics, return 500
	r.Use(chimiddleware.RequestID) // attach request IDs
	r.Use(chimiddleware.RealIP)    // trust X-Forwarded-For
	r.Use(Tracing)
	r.Use(Logger(log))
	r.Use(CORS)

	idem := func(next http.Handler) http.Handler { return next }
	if opts.Idempotency != nil && opts.Idempotency.Redis != nil {
		cfg := *opts.Idempotency
		if cfg.Logger == nil {
			cfg.Logger = log
		}
		idem = Idempotency(cfg)
	}

	r.Get("/health", h.HealthCheck)

	r.Route("/events", func(r chi.Router) {
		r.Post("/", h.CreateEvent)
		r.Get("/", h.ListEvents)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetEvent)
			r.Patch("/status", h.UpdateEventStatus)
			r.Get("/capacity", h.Capacity)

			r.Post("/tables", h.CreateTable)
			r.Get("/tables", h.ListTables)
			r.Patch("/tables/{tableID}", h.SetTableActive)

			r.With(idem).Post("/register", h.Register)
			r.Get("/registrations", h.ListRegistrations)

			r.Get("/waitlist", h.Waitlist)
			r.With(idem).Post("/waitlist/{registrationID}/assign", h.AssignTable)
			r.With(idem).Post("/waitlist/{registrationID}/promote", h.Promote)
		})
	})

	r.Route("/registrations/{id}", func(r chi.Router) {
		r.Get("/", h.GetRegistration)
		r.With(idem).Post("/cancel", h.Cancel)
	})

	return r
}
