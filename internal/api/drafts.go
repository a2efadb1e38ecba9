package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/envelope/internal/store"
)

// ListDrafts returns an account's drafts, filtered by query parameters.
func (h *Handlers) ListDrafts(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		respondError(w, http.StatusUnprocessableEntity, "account_id is required")
		return
	}
	limit, offset := pagination(r, 50)
	drafts, err := h.store.ListDrafts(accountID, store.DraftFilter{
		Status:      r.URL.Query().Get("status"),
		CreatedBy:   r.URL.Query().Get("created_by"),
		HideSnoozed: r.URL.Query().Get("hide_snoozed") == "true",
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		h.respondCoreError(w, err)
		return
	}
	if drafts == nil {
		drafts = []*store.Draft{}
	}
	respondJSON(w, http.StatusOK, drafts)
}

// GetDraft returns one draft.
func (h *Handlers) GetDraft(w http.ResponseWriter, r *http.Request) {
	d, err := h.store.GetDraft(chi.URLParam(r, "id"))
	if err != nil {
		h.respondCoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

type updateDraftRequest struct {
	ToAddr      *string        `json:"to_addr"`
	Subject     *string        `json:"subject"`
	TextContent *string        `json:"text_content"`
	HTMLContent *string        `json:"html_content"`
	InReplyTo   *string        `json:"in_reply_to"`
	Metadata    map[string]any `json:"metadata"`
}

// UpdateDraft edits a draft that is still pending. Drafts that already left
// the draft status are immutable and the attempt yields 409.
func (h *Handlers) UpdateDraft(w http.ResponseWriter, r *http.Request) {
	var req updateDraftRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	d, err := h.store.UpdateDraft(chi.URLParam(r, "id"), store.DraftUpdate{
		ToAddr:      req.ToAddr,
		Subject:     req.Subject,
		TextContent: req.TextContent,
		HTMLContent: req.HTMLContent,
		InReplyTo:   req.InReplyTo,
		Metadata:    req.Metadata,
	})
	if err != nil {
		h.respondCoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

// DiscardDraft transitions draft -> discarded.
func (h *Handlers) DiscardDraft(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := h.store.DiscardDraft(id)
	if err != nil {
		h.respondCoreError(w, err)
		return
	}
	if !ok {
		h.respondCoreError(w, store.ErrDraftImmutable)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "discarded"})
}

type approveRequest struct {
	SendAfter string  `json:"send_after"`
	Approver  *string `json:"approver"`
	Feedback  *string `json:"feedback"`
}

// ApproveDraft schedules a draft for release. Without an explicit
// send_after it releases immediately.
func (h *Handlers) ApproveDraft(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}

	id := chi.URLParam(r, "id")
	d, err := h.store.GetDraft(id)
	if err != nil {
		h.respondCoreError(w, err)
		return
	}

	sendAfter := req.SendAfter
	if sendAfter == "" {
		sendAfter = store.FormatTime(time.Now())
	} else if _, err := store.ParseTime(sendAfter); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "invalid send_after timestamp")
		return
	}

	meta := d.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	if req.Approver != nil {
		meta["approver"] = *req.Approver
	}
	if req.Feedback != nil {
		meta["feedback"] = *req.Feedback
	}

	d, err = h.store.UpdateDraft(id, store.DraftUpdate{
		SendAfter: &sendAfter,
		Metadata:  meta,
	})
	if err != nil {
		h.respondCoreError(w, err)
		return
	}

	// Release in-line when the schedule is already due; otherwise the
	// scheduler tick picks it up.
	if due, err := store.ParseTime(sendAfter); err == nil && !due.After(time.Now()) {
		h.scheduler.ReleaseDue()
		d, err = h.store.GetDraft(id)
		if err != nil {
			h.respondCoreError(w, err)
			return
		}
	}
	respondJSON(w, http.StatusOK, d)
}

type snoozeRequest struct {
	SnoozedUntil string `json:"snoozed_until"`
}

// SnoozeDraft hides a draft from default listings until the given time. An
// empty snoozed_until clears the snooze.
func (h *Handlers) SnoozeDraft(w http.ResponseWriter, r *http.Request) {
	var req snoozeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	if req.SnoozedUntil != "" {
		if _, err := store.ParseTime(req.SnoozedUntil); err != nil {
			respondError(w, http.StatusUnprocessableEntity, "invalid snoozed_until timestamp")
			return
		}
	}
	d, err := h.store.UpdateDraft(chi.URLParam(r, "id"), store.DraftUpdate{
		SnoozedUntil: &req.SnoozedUntil,
	})
	if err != nil {
		h.respondCoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}
