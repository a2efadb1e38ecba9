package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Draft statuses. The only legal transitions are draft -> discarded and
// draft -> sent; content is immutable once a draft leaves 'draft'.
const (
	DraftStatusDraft     = "draft"
	DraftStatusDiscarded = "discarded"
	DraftStatusSent      = "sent"
)

// Draft is a pending outbound composition awaiting human approval.
type Draft struct {
	ID           string         `json:"id"`
	AccountID    string         `json:"account_id"`
	Status       string         `json:"status"`
	ToAddr       string         `json:"to_addr"`
	Subject      *string        `json:"subject"`
	TextContent  *string        `json:"text_content"`
	HTMLContent  *string        `json:"html_content"`
	InReplyTo    *string        `json:"in_reply_to"`
	Metadata     map[string]any `json:"metadata"`
	MessageID    *string        `json:"message_id"`
	SendAfter    *string        `json:"send_after"`
	SnoozedUntil *string        `json:"snoozed_until"`
	CreatedAt    string         `json:"created_at"`
	UpdatedAt    string         `json:"updated_at"`
	SentAt       *string        `json:"sent_at"`
	CreatedBy    *string        `json:"created_by"`
}

const draftColumns = `id, account_id, status, to_addr, subject, text_content,
	html_content, in_reply_to, metadata, message_id, send_after, snoozed_until,
	created_at, updated_at, sent_at, created_by`

// NewDraft carries the creation parameters for CreateDraft.
type NewDraft struct {
	AccountID   string
	ToAddr      string
	Subject     *string
	TextContent *string
	HTMLContent *string
	InReplyTo   *string
	Metadata    map[string]any
	CreatedBy   *string
}

// CreateDraft inserts a draft in status 'draft'.
func (s *Store) CreateDraft(n NewDraft) (*Draft, error) {
	id := uuid.NewString()
	now := nowISO()

	var meta sql.NullString
	if n.Metadata != nil {
		raw, err := json.Marshal(n.Metadata)
		if err != nil {
			return nil, fmt.Errorf("store: marshal draft metadata: %w", err)
		}
		meta = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := s.db.Exec(`INSERT INTO drafts
		(id, account_id, status, to_addr, subject, text_content, html_content,
		 in_reply_to, metadata, created_at, updated_at, created_by)
		VALUES (?, ?, 'draft', ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, n.AccountID, n.ToAddr, nullStringPtr(n.Subject),
		nullStringPtr(n.TextContent), nullStringPtr(n.HTMLContent),
		nullStringPtr(n.InReplyTo), meta, now, now, nullStringPtr(n.CreatedBy))
	if err != nil {
		return nil, fmt.Errorf("store: create draft: %w", err)
	}
	return s.GetDraft(id)
}

// DraftFilter narrows ListDrafts.
type DraftFilter struct {
	Status      string
	CreatedBy   string
	HideSnoozed bool
	Limit       int
	Offset      int
}

// ListDrafts returns an account's drafts, most recently updated first.
func (s *Store) ListDrafts(accountID string, f DraftFilter) ([]*Draft, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	q := `SELECT ` + draftColumns + ` FROM drafts WHERE account_id = ?`
	args := []any{accountID}
	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.CreatedBy != "" {
		q += " AND created_by = ?"
		args = append(args, f.CreatedBy)
	}
	if f.HideSnoozed {
		q += " AND (snoozed_until IS NULL OR snoozed_until <= ?)"
		args = append(args, nowISO())
	}
	q += " ORDER BY updated_at DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list drafts: %w", err)
	}
	defer rows.Close()

	var out []*Draft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetDraft returns a single draft.
func (s *Store) GetDraft(id string) (*Draft, error) {
	row := s.db.QueryRow(`SELECT `+draftColumns+` FROM drafts WHERE id = ?`, id)
	d, err := scanDraft(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// DraftUpdate holds the mutable draft fields. SendAfter and SnoozedUntil
// may be set to the empty string to clear them.
type DraftUpdate struct {
	ToAddr       *string
	Subject      *string
	TextContent  *string
	HTMLContent  *string
	InReplyTo    *string
	Metadata     map[string]any
	SendAfter    *string
	SnoozedUntil *string
}

// ErrDraftImmutable is returned when mutating a draft that already left
// the 'draft' status.
var ErrDraftImmutable = errors.New("store: draft is no longer editable")

// UpdateDraft applies the non-nil fields while the draft is still in
// status 'draft'.
func (s *Store) UpdateDraft(id string, u DraftUpdate) (*Draft, error) {
	d, err := s.GetDraft(id)
	if err != nil {
		return nil, err
	}
	if d.Status != DraftStatusDraft {
		return nil, ErrDraftImmutable
	}

	sets := []string{}
	args := []any{}
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if u.ToAddr != nil {
		add("to_addr", *u.ToAddr)
	}
	if u.Subject != nil {
		add("subject", *u.Subject)
	}
	if u.TextContent != nil {
		add("text_content", *u.TextContent)
	}
	if u.HTMLContent != nil {
		add("html_content", *u.HTMLContent)
	}
	if u.InReplyTo != nil {
		add("in_reply_to", *u.InReplyTo)
	}
	if u.Metadata != nil {
		raw, err := json.Marshal(u.Metadata)
		if err != nil {
			return nil, fmt.Errorf("store: marshal draft metadata: %w", err)
		}
		add("metadata", string(raw))
	}
	if u.SendAfter != nil {
		add("send_after", nullString(*u.SendAfter))
	}
	if u.SnoozedUntil != nil {
		add("snoozed_until", nullString(*u.SnoozedUntil))
	}
	if len(sets) == 0 {
		return d, nil
	}

	args = append(args, nowISO(), id)
	_, err = s.db.Exec("UPDATE drafts SET "+strings.Join(sets, ", ")+", updated_at = ? WHERE id = ? AND status = 'draft'", args...)
	if err != nil {
		return nil, fmt.Errorf("store: update draft: %w", err)
	}
	return s.GetDraft(id)
}

// DiscardDraft transitions draft -> discarded. Returns false when the draft
// was not in 'draft'.
func (s *Store) DiscardDraft(id string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE drafts SET status = 'discarded', updated_at = ? WHERE id = ? AND status = 'draft'`,
		nowISO(), id)
	if err != nil {
		return false, fmt.Errorf("store: discard draft: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkDraftSent transitions draft -> sent, recording the outbound message.
func (s *Store) MarkDraftSent(id, messageID string) (bool, error) {
	now := nowISO()
	res, err := s.db.Exec(
		`UPDATE drafts SET status = 'sent', message_id = ?, sent_at = ?, updated_at = ? WHERE id = ? AND status = 'draft'`,
		messageID, now, now, id)
	if err != nil {
		return false, fmt.Errorf("store: mark draft sent: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetScheduledDrafts returns approved drafts whose send_after time has
// passed, oldest first.
func (s *Store) GetScheduledDrafts() ([]*Draft, error) {
	rows, err := s.db.Query(`SELECT `+draftColumns+` FROM drafts
		WHERE status = 'draft' AND send_after IS NOT NULL AND send_after <= ?
		ORDER BY send_after`, nowISO())
	if err != nil {
		return nil, fmt.Errorf("store: scheduled drafts: %w", err)
	}
	defer rows.Close()

	var out []*Draft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDraft(row scanner) (*Draft, error) {
	var d Draft
	var subject, textContent, htmlContent, inReplyTo, meta, messageID sql.NullString
	var sendAfter, snoozedUntil, sentAt, createdBy sql.NullString
	err := row.Scan(&d.ID, &d.AccountID, &d.Status, &d.ToAddr, &subject, &textContent,
		&htmlContent, &inReplyTo, &meta, &messageID, &sendAfter, &snoozedUntil,
		&d.CreatedAt, &d.UpdatedAt, &sentAt, &createdBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: scan draft: %w", err)
	}
	d.Subject = strPtr(subject)
	d.TextContent = strPtr(textContent)
	d.HTMLContent = strPtr(htmlContent)
	d.InReplyTo = strPtr(inReplyTo)
	d.MessageID = strPtr(messageID)
	d.SendAfter = strPtr(sendAfter)
	d.SnoozedUntil = strPtr(snoozedUntil)
	d.SentAt = strPtr(sentAt)
	d.CreatedBy = strPtr(createdBy)
	if meta.Valid {
		if err := json.Unmarshal([]byte(meta.String), &d.Metadata); err != nil {
			return nil, fmt.Errorf("store: draft metadata: %w", err)
		}
	}
	return &d, nil
}
