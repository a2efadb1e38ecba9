// Package api is the HTTP boundary: it decodes requests, invokes the core
// packages, and maps their typed errors onto status codes. No business
// rules live here.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/ignite/envelope/internal/agent"
	"github.com/ignite/envelope/internal/discovery"
	"github.com/ignite/envelope/internal/imapclient"
	"github.com/ignite/envelope/internal/smtp"
	"github.com/ignite/envelope/internal/store"
	"github.com/ignite/envelope/internal/worker"
)

// Mailbox is the retrieval surface the inbox endpoints need.
type Mailbox interface {
	ListFolders() ([]string, error)
	Search(folder string, q imapclient.SearchQuery) ([]*imapclient.InboundMessage, error)
	FetchMessage(folder string, uid uint32) (*imapclient.InboundMessage, error)
	GetThread(folder, messageID string) ([]*imapclient.InboundMessage, error)
}

// MailboxFactory opens a retrieval client for one account.
type MailboxFactory func(accountID string) (Mailbox, error)

// Handlers contains all HTTP handlers.
type Handlers struct {
	store      *store.Store
	sender     *worker.Sender
	sendWorker *worker.SendWorker
	scheduler  *worker.DraftScheduler
	limiter    *worker.RateLimiter
	pool       *smtp.Pool
	discoverer *discovery.Discoverer
	agent      *agent.InboxAgent
	mailbox    MailboxFactory
	log        zerolog.Logger
}

// NewHandlers wires the handler set. agent may be nil when the inbox agent
// is disabled; mailbox may be nil when retrieval is not configured.
func NewHandlers(
	st *store.Store,
	sender *worker.Sender,
	sendWorker *worker.SendWorker,
	scheduler *worker.DraftScheduler,
	pool *smtp.Pool,
	discoverer *discovery.Discoverer,
	log zerolog.Logger,
) *Handlers {
	return &Handlers{
		store:      st,
		sender:     sender,
		sendWorker: sendWorker,
		scheduler:  scheduler,
		limiter:    &worker.RateLimiter{Store: st},
		pool:       pool,
		discoverer: discoverer,
		log:        log.With().Str("component", "api").Logger(),
	}
}

// SetAgent attaches the inbox agent once it is started.
func (h *Handlers) SetAgent(a *agent.InboxAgent) {
	h.agent = a
}

// SetMailboxFactory attaches the retrieval client factory.
func (h *Handlers) SetMailboxFactory(f MailboxFactory) {
	h.mailbox = f
}

// HealthCheck responds to liveness probes.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondCoreError maps the typed errors the core packages return onto
// status codes. Anything unrecognized is a 500.
func (h *Handlers) respondCoreError(w http.ResponseWriter, err error) {
	var rateErr *worker.RateLimitError
	var sendErr *smtp.SendError
	var imapErr *imapclient.Error

	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrDraftImmutable):
		respondError(w, http.StatusConflict, err.Error())
	case errors.As(err, &rateErr):
		respondJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error": "rate_limit_exceeded",
			"limit": rateErr.Limit,
		})
	case errors.As(err, &sendErr):
		respondJSON(w, http.StatusBadGateway, map[string]string{
			"error":  sendErr.Kind,
			"detail": sendErr.Message,
		})
	case errors.As(err, &imapErr):
		respondJSON(w, http.StatusBadGateway, map[string]string{
			"error":  imapErr.Kind,
			"detail": imapErr.Message,
		})
	default:
		h.log.Error().Err(err).Msg("unhandled error")
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dst)
}
