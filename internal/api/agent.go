package api

import (
	"net/http"
)

// AgentStatus reports the inbox agent's loop state.
func (h *Handlers) AgentStatus(w http.ResponseWriter, r *http.Request) {
	if h.agent == nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{"enabled": false})
		return
	}
	respondJSON(w, http.StatusOK, h.agent.Status())
}

// AgentPoll triggers one poll pass outside the regular interval.
func (h *Handlers) AgentPoll(w http.ResponseWriter, r *http.Request) {
	if h.agent == nil {
		respondError(w, http.StatusServiceUnavailable, "agent is not enabled")
		return
	}
	processed, err := h.agent.PollOnce(r.Context())
	if err != nil {
		h.respondCoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"processed": processed})
}
