package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"lotscan/internal/handler"
	"lotscan/internal/middleware"
	"lotscan/pkg/apierror"
	"lotscan/pkg/response"
)

// Config holds the configuration for creating a router.
type Config struct {
	Handler        *handler.Handler
	AuthHandler    *handler.AuthHandler
	SessionHandler *handler.SessionHandler
	QueueHandler   *handler.QueueHandler
	HistoryHandler *handler.HistoryHandler
	APIKey         string
	Logger         *zap.Logger
}

// New creates and configures the HTTP router.
func New(cfg Config) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware stack (applies to ALL routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.HeaderRequestID, middleware.HeaderStation, "X-API-Key"},
		ExposedHeaders:   []string{middleware.HeaderRequestID},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.APIKey(cfg.APIKey))

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.Handler != nil {
			r.Get("/health", cfg.Handler.Health)
			r.Get("/ready", cfg.Handler.Ready)
			r.Get("/status", cfg.Handler.Status)
		}

		if cfg.AuthHandler != nil {
			r.Route("/auth", func(r chi.Router) {
				r.Post("/login", cfg.AuthHandler.Login)
				r.Post("/logout", cfg.AuthHandler.Logout)
				r.Get("/me", cfg.AuthHandler.Me)
			})
		}

		if cfg.SessionHandler != nil {
			r.Route("/session", func(r chi.Router) {
				r.Get("/", cfg.SessionHandler.Get)
				r.Post("/scan", cfg.SessionHandler.Scan)
				r.Post("/product", cfg.SessionHandler.SelectProduct)
				r.Post("/change", cfg.SessionHandler.ChangeProduct)
				r.Post("/notes", cfg.SessionHandler.SetNote)
				r.Post("/submit", cfg.SessionHandler.Submit)
				r.Get("/events", cfg.SessionHandler.Events)
			})
		}

		if cfg.QueueHandler != nil {
			r.Route("/queue", func(r chi.Router) {
				r.Get("/", cfg.QueueHandler.List)
				r.Post("/drain", cfg.QueueHandler.Drain)
				r.Post("/{id}/retry", cfg.QueueHandler.Retry)
			})
		}

		if cfg.HistoryHandler != nil {
			r.Get("/submissions", cfg.HistoryHandler.Submissions)
			r.Get("/submissions/{id}/lines", cfg.HistoryHandler.SubmissionLines)
			r.Get("/lots/{lot}/history", cfg.HistoryHandler.LotHistory)
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, apierror.NotFound("route not found"))
	})

	return r
}
