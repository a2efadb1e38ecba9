package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/envelope/internal/imapclient"
)

func (h *Handlers) openMailbox(w http.ResponseWriter, accountID string) (Mailbox, bool) {
	if h.mailbox == nil {
		respondError(w, http.StatusServiceUnavailable, "retrieval is not configured")
		return nil, false
	}
	mb, err := h.mailbox(accountID)
	if err != nil {
		h.respondCoreError(w, err)
		return nil, false
	}
	return mb, true
}

// ListInboxFolders returns the account's folder names.
func (h *Handlers) ListInboxFolders(w http.ResponseWriter, r *http.Request) {
	mb, ok := h.openMailbox(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	folders, err := mb.ListFolders()
	if err != nil {
		h.respondCoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"folders": folders})
}

// SearchInbox searches one folder with pagination, newest first.
func (h *Handlers) SearchInbox(w http.ResponseWriter, r *http.Request) {
	mb, ok := h.openMailbox(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, offset := pagination(r, 20)
	msgs, err := mb.Search(folderOr(q.Get("folder")), imapclient.SearchQuery{
		Unseen:  q.Get("unseen") == "true",
		From:    q.Get("from"),
		Subject: q.Get("subject"),
		Text:    q.Get("text"),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		h.respondCoreError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*imapclient.InboundMessage{}
	}
	respondJSON(w, http.StatusOK, msgs)
}

// GetInboxMessage fetches one message by UID, including its body.
func (h *Handlers) GetInboxMessage(w http.ResponseWriter, r *http.Request) {
	mb, ok := h.openMailbox(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	uid, err := strconv.ParseUint(chi.URLParam(r, "uid"), 10, 32)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, "invalid uid")
		return
	}
	msg, err := mb.FetchMessage(folderOr(r.URL.Query().Get("folder")), uint32(uid))
	if err != nil {
		h.respondCoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, msg)
}

// GetInboxThread walks the conversation containing message_id.
func (h *Handlers) GetInboxThread(w http.ResponseWriter, r *http.Request) {
	mb, ok := h.openMailbox(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	messageID := r.URL.Query().Get("message_id")
	if messageID == "" {
		respondError(w, http.StatusUnprocessableEntity, "message_id is required")
		return
	}
	thread, err := mb.GetThread(folderOr(r.URL.Query().Get("folder")), messageID)
	if err != nil {
		h.respondCoreError(w, err)
		return
	}
	if thread == nil {
		thread = []*imapclient.InboundMessage{}
	}
	respondJSON(w, http.StatusOK, thread)
}

func folderOr(folder string) string {
	if folder == "" {
		return "INBOX"
	}
	return folder
}
