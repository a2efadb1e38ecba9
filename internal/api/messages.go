package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/envelope/internal/store"
)

type sendRequest struct {
	AccountID   string  `json:"account_id"`
	To          string  `json:"to"`
	From        string  `json:"from"`
	Subject     *string `json:"subject"`
	TextContent *string `json:"text_content"`
	HTMLContent *string `json:"html_content"`
	InReplyTo   *string `json:"in_reply_to"`
	Wait        *bool   `json:"wait"`
}

type envelopeView struct {
	From    string  `json:"from"`
	To      string  `json:"to"`
	Subject *string `json:"subject"`
}

// Send enqueues an outbound message. The default is synchronous: the
// message is submitted inline and the response reports the final state.
// With wait:false the row is queued for the send worker instead.
func (h *Handlers) Send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	if req.AccountID == "" || req.To == "" {
		respondError(w, http.StatusUnprocessableEntity, "account_id and to are required")
		return
	}

	account, err := h.store.GetAccount(req.AccountID)
	if err != nil {
		h.respondCoreError(w, err)
		return
	}
	if err := h.limiter.Allow(account); err != nil {
		h.respondCoreError(w, err)
		return
	}

	from := req.From
	if from == "" {
		from = account.Username
	}
	m, err := h.store.CreateMessage(store.NewMessage{
		AccountID:   account.ID,
		FromAddr:    from,
		ToAddr:      req.To,
		Subject:     req.Subject,
		TextContent: req.TextContent,
		HTMLContent: req.HTMLContent,
		InReplyTo:   req.InReplyTo,
	})
	if err != nil {
		h.respondCoreError(w, err)
		return
	}

	env := envelopeView{From: m.FromAddr, To: m.ToAddr, Subject: m.Subject}

	if req.Wait != nil && !*req.Wait {
		h.sendWorker.Notify()
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"status":   "queued",
			"id":       m.ID,
			"envelope": env,
		})
		return
	}

	if ok, err := h.store.ClaimMessage(m.ID); err != nil || !ok {
		respondError(w, http.StatusConflict, "message already claimed")
		return
	}
	sent, err := h.sender.DeliverSync(r.Context(), m)
	if err != nil {
		h.respondCoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "sent",
		"id":         sent.ID,
		"message_id": sent.MessageID,
		"envelope":   env,
	})
}

// ListMessages returns outbound rows, newest first.
func (h *Handlers) ListMessages(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 50)
	msgs, err := h.store.ListMessages(limit, offset)
	if err != nil {
		h.respondCoreError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*store.Message{}
	}
	respondJSON(w, http.StatusOK, msgs)
}

// GetMessage returns one outbound row, including any persisted error text.
func (h *Handlers) GetMessage(w http.ResponseWriter, r *http.Request) {
	m, err := h.store.GetMessage(chi.URLParam(r, "id"))
	if err != nil {
		h.respondCoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

// GetStats reports queue totals, worker counters, and pool occupancy.
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.MessageStats()
	if err != nil {
		h.respondCoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"messages": stats,
		"worker":   h.sendWorker.Stats(),
		"pool":     h.pool.Stats(),
	})
}

func pagination(r *http.Request, defaultLimit int) (limit, offset int) {
	limit = defaultLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}
