package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures all API routes.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Post("/send", h.Send)
		r.Get("/messages", h.ListMessages)
		r.Get("/messages/{id}", h.GetMessage)
		r.Get("/stats", h.GetStats)

		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", h.ListAccounts)
			r.Post("/", h.CreateAccount)
			r.Get("/discover", h.DiscoverAccount)
			r.Get("/discover/stream", h.DiscoverAccountStream)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetAccount)
				r.Put("/", h.UpdateAccount)
				r.Delete("/", h.DeleteAccount)
				r.Post("/verify", h.VerifyAccount)
				r.Get("/inbox/folders", h.ListInboxFolders)
				r.Get("/inbox/search", h.SearchInbox)
				r.Get("/inbox/messages/{uid}", h.GetInboxMessage)
				r.Get("/inbox/thread", h.GetInboxThread)
			})
		})

		r.Route("/drafts", func(r chi.Router) {
			r.Get("/", h.ListDrafts)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetDraft)
				r.Put("/", h.UpdateDraft)
				r.Post("/discard", h.DiscardDraft)
				r.Post("/approve", h.ApproveDraft)
				r.Post("/snooze", h.SnoozeDraft)
			})
		})

		r.Route("/agent", func(r chi.Router) {
			r.Get("/status", h.AgentStatus)
			r.Post("/poll", h.AgentPoll)
		})
	})

	return r
}
