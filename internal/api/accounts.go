package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/envelope/internal/discovery"
	"github.com/ignite/envelope/internal/smtp"
	"github.com/ignite/envelope/internal/store"
)

type createAccountRequest struct {
	Name              string  `json:"name"`
	SMTPHost          string  `json:"smtp_host"`
	SMTPPort          int     `json:"smtp_port"`
	IMAPHost          string  `json:"imap_host"`
	IMAPPort          int     `json:"imap_port"`
	Username          string  `json:"username"`
	Password          string  `json:"password"`
	SMTPUsername      *string `json:"smtp_username"`
	SMTPPassword      *string `json:"smtp_password"`
	IMAPUsername      *string `json:"imap_username"`
	IMAPPassword      *string `json:"imap_password"`
	DisplayName       *string `json:"display_name"`
	ApprovalRequired  bool    `json:"approval_required"`
	AutoSendThreshold float64 `json:"auto_send_threshold"`
	ReviewThreshold   float64 `json:"review_threshold"`
	RateLimitPerHour  *int    `json:"rate_limit_per_hour"`
}

// ListAccounts returns all accounts without credentials. A name query
// narrows the result to the single matching account.
func (h *Handlers) ListAccounts(w http.ResponseWriter, r *http.Request) {
	if name := r.URL.Query().Get("name"); name != "" {
		account, err := h.store.GetAccountByName(name)
		if err != nil {
			h.respondCoreError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, []*store.Account{account})
		return
	}
	accounts, err := h.store.ListAccounts()
	if err != nil {
		h.respondCoreError(w, err)
		return
	}
	if accounts == nil {
		accounts = []*store.Account{}
	}
	respondJSON(w, http.StatusOK, accounts)
}

// CreateAccount onboards a tenant.
func (h *Handlers) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	if req.Name == "" || req.SMTPHost == "" || req.SMTPPort == 0 ||
		req.Username == "" || req.Password == "" {
		respondError(w, http.StatusUnprocessableEntity,
			"name, smtp_host, smtp_port, username, and password are required")
		return
	}

	account, err := h.store.CreateAccount(store.NewAccount{
		Name:              req.Name,
		SMTPHost:          req.SMTPHost,
		SMTPPort:          req.SMTPPort,
		IMAPHost:          req.IMAPHost,
		IMAPPort:          req.IMAPPort,
		Username:          req.Username,
		Password:          req.Password,
		SMTPUsername:      req.SMTPUsername,
		SMTPPassword:      req.SMTPPassword,
		IMAPUsername:      req.IMAPUsername,
		IMAPPassword:      req.IMAPPassword,
		DisplayName:       req.DisplayName,
		ApprovalRequired:  req.ApprovalRequired,
		AutoSendThreshold: req.AutoSendThreshold,
		ReviewThreshold:   req.ReviewThreshold,
		RateLimitPerHour:  req.RateLimitPerHour,
	})
	if err != nil {
		h.respondCoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, account)
}

// GetAccount returns one account.
func (h *Handlers) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.store.GetAccount(chi.URLParam(r, "id"))
	if err != nil {
		h.respondCoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, account)
}

type updateAccountRequest struct {
	DisplayName       *string  `json:"display_name"`
	AutoSendThreshold *float64 `json:"auto_send_threshold"`
	ReviewThreshold   *float64 `json:"review_threshold"`
	RateLimitPerHour  *int     `json:"rate_limit_per_hour"`
}

// UpdateAccount applies the mutable fields.
func (h *Handlers) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	var req updateAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	account, err := h.store.UpdateAccount(chi.URLParam(r, "id"), store.AccountUpdate{
		DisplayName:       req.DisplayName,
		AutoSendThreshold: req.AutoSendThreshold,
		ReviewThreshold:   req.ReviewThreshold,
		RateLimitPerHour:  req.RateLimitPerHour,
	})
	if err != nil {
		h.respondCoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, account)
}

// DeleteAccount removes the account and drops its pooled connections.
func (h *Handlers) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.DeleteAccount(id); err != nil {
		h.respondCoreError(w, err)
		return
	}
	h.pool.Invalidate(id)
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// VerifyAccount checks the account's submission credentials by acquiring a
// pooled session and probing it, then stamps verified_at.
func (h *Handlers) VerifyAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	creds, err := h.store.GetAccountWithCredentials(id)
	if err != nil {
		h.respondCoreError(w, err)
		return
	}

	lease, err := h.pool.Acquire(r.Context(), id, smtp.Credentials{
		Host:     creds.SMTPHost,
		Port:     creds.SMTPPort,
		Username: creds.EffectiveSMTPUsername,
		Password: creds.EffectiveSMTPPassword,
	})
	if err != nil {
		h.respondCoreError(w, err)
		return
	}
	probeErr := lease.Client.Noop()
	lease.Release(probeErr)
	if probeErr != nil {
		h.respondCoreError(w, smtp.Classify("noop", probeErr))
		return
	}

	if err := h.store.MarkAccountVerified(id); err != nil {
		h.respondCoreError(w, err)
		return
	}
	account, err := h.store.GetAccount(id)
	if err != nil {
		h.respondCoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, account)
}

// DiscoverAccount resolves SMTP/IMAP endpoints for an email address in one
// shot.
func (h *Handlers) DiscoverAccount(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if email == "" {
		respondError(w, http.StatusUnprocessableEntity, "email is required")
		return
	}
	result, err := h.discoverer.Discover(r.Context(), email)
	if err != nil {
		respondJSON(w, http.StatusOK, discovery.Result{Email: email, Error: err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// DiscoverAccountStream runs discovery while streaming phase events over
// SSE, ending with a complete event carrying the result.
func (h *Handlers) DiscoverAccountStream(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if email == "" {
		respondError(w, http.StatusUnprocessableEntity, "email is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	h.discoverer.Stream(r.Context(), email, func(ev discovery.Event) {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data)
		flusher.Flush()
	})
}
