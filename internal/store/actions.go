package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AgentAction is the journal entry recorded for each processed inbound
// message. The UNIQUE constraint on InboundMessageID is the single source
// of idempotence for the inbox agent.
type AgentAction struct {
	ID                string  `json:"id"`
	InboundMessageID  string  `json:"inbound_message_id"`
	FromAddr          *string `json:"from_addr"`
	Subject           *string `json:"subject"`
	Classification    *string `json:"classification"`
	Confidence        float64 `json:"confidence"`
	Action            *string `json:"action"`
	Reasoning         *string `json:"reasoning"`
	DraftReply        *string `json:"draft_reply"`
	EscalationNote    *string `json:"escalation_note"`
	OutboundMessageID *string `json:"outbound_message_id"`
	CreatedAt         string  `json:"created_at"`
}

// ErrDuplicateAction is returned when an action for the inbound message id
// was already journaled.
var ErrDuplicateAction = fmt.Errorf("store: action already recorded")

// RecordAgentAction journals a processed inbound. Violating the uniqueness
// of inbound_message_id yields ErrDuplicateAction.
func (s *Store) RecordAgentAction(a *AgentAction) (*AgentAction, error) {
	a.ID = uuid.NewString()
	a.CreatedAt = nowISO()
	_, err := s.db.Exec(`INSERT INTO agent_actions
		(id, inbound_message_id, from_addr, subject, classification, confidence,
		 action, reasoning, draft_reply, escalation_note, outbound_message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.InboundMessageID, nullStringPtr(a.FromAddr), nullStringPtr(a.Subject),
		nullStringPtr(a.Classification), a.Confidence, nullStringPtr(a.Action),
		nullStringPtr(a.Reasoning), nullStringPtr(a.DraftReply),
		nullStringPtr(a.EscalationNote), nullStringPtr(a.OutboundMessageID), a.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return nil, ErrDuplicateAction
		}
		return nil, fmt.Errorf("store: record action: %w", err)
	}
	return a, nil
}

// HasAgentAction reports whether an inbound message id was already
// processed.
func (s *Store) HasAgentAction(inboundMessageID string) (bool, error) {
	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM agent_actions WHERE inbound_message_id = ?`, inboundMessageID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: has action: %w", err)
	}
	return true, nil
}

// ListAgentActions returns journal rows, newest first.
func (s *Store) ListAgentActions(limit, offset int) ([]*AgentAction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id, inbound_message_id, from_addr, subject,
		classification, confidence, action, reasoning, draft_reply,
		escalation_note, outbound_message_id, created_at
		FROM agent_actions ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list actions: %w", err)
	}
	defer rows.Close()

	var out []*AgentAction
	for rows.Next() {
		var a AgentAction
		var fromAddr, subject, classification, action, reasoning sql.NullString
		var draftReply, escalationNote, outboundID sql.NullString
		var confidence sql.NullFloat64
		err := rows.Scan(&a.ID, &a.InboundMessageID, &fromAddr, &subject,
			&classification, &confidence, &action, &reasoning, &draftReply,
			&escalationNote, &outboundID, &a.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("store: scan action: %w", err)
		}
		a.FromAddr = strPtr(fromAddr)
		a.Subject = strPtr(subject)
		a.Classification = strPtr(classification)
		a.Confidence = confidence.Float64
		a.Action = strPtr(action)
		a.Reasoning = strPtr(reasoning)
		a.DraftReply = strPtr(draftReply)
		a.EscalationNote = strPtr(escalationNote)
		a.OutboundMessageID = strPtr(outboundID)
		out = append(out, &a)
	}
	return out, rows.Err()
}
