package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message statuses. A queued row is eligible for the send worker; sending
// marks an in-flight claim; sent and failed are terminal.
const (
	StatusQueued  = "queued"
	StatusSending = "sending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Message is a queued or finalized outbound submission. Bodies are retained
// in the queue so asynchronous sends survive a crash.
type Message struct {
	ID          string  `json:"id"`
	AccountID   string  `json:"account_id"`
	MessageID   *string `json:"message_id"`
	Direction   string  `json:"direction"`
	FromAddr    string  `json:"from_addr"`
	ToAddr      string  `json:"to_addr"`
	Subject     *string `json:"subject"`
	Status      string  `json:"status"`
	Error       *string `json:"error"`
	TextContent *string `json:"text_content,omitempty"`
	HTMLContent *string `json:"html_content,omitempty"`
	InReplyTo   *string `json:"in_reply_to,omitempty"`
	RetryCount  int     `json:"retry_count"`
	NextRetryAt *string `json:"next_retry_at,omitempty"`
	CreatedAt   string  `json:"created_at"`
	SentAt      *string `json:"sent_at"`
}

const messageColumns = `id, account_id, message_id, direction, from_addr, to_addr,
	subject, status, error, text_content, html_content, in_reply_to,
	retry_count, next_retry_at, created_at, sent_at`

// NewMessage carries the enqueue parameters for CreateMessage.
type NewMessage struct {
	AccountID   string
	FromAddr    string
	ToAddr      string
	Subject     *string
	TextContent *string
	HTMLContent *string
	InReplyTo   *string
}

// CreateMessage inserts a queued outbound row.
func (s *Store) CreateMessage(n NewMessage) (*Message, error) {
	id := uuid.NewString()
	now := nowISO()
	_, err := s.db.Exec(`INSERT INTO messages
		(id, account_id, direction, from_addr, to_addr, subject,
		 text_content, html_content, in_reply_to, status, created_at)
		VALUES (?, ?, 'outbound', ?, ?, ?, ?, ?, ?, 'queued', ?)`,
		id, n.AccountID, n.FromAddr, n.ToAddr, nullStringPtr(n.Subject),
		nullStringPtr(n.TextContent), nullStringPtr(n.HTMLContent),
		nullStringPtr(n.InReplyTo), now)
	if err != nil {
		return nil, fmt.Errorf("store: create message: %w", err)
	}
	return s.GetMessage(id)
}

// GetMessage returns a single outbound row.
func (s *Store) GetMessage(id string) (*Message, error) {
	row := s.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// ListMessages returns outbound rows, newest first.
func (s *Store) ListMessages(limit, offset int) ([]*Message, error) {
	rows, err := s.db.Query(`SELECT `+messageColumns+` FROM messages
		ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// GetQueuedMessages returns up to limit rows that are eligible to send now:
// status queued and next_retry_at unset or due. Ordered so that overdue
// retries go first, then by age.
func (s *Store) GetQueuedMessages(limit int) ([]*Message, error) {
	rows, err := s.db.Query(`SELECT `+messageColumns+` FROM messages
		WHERE status = 'queued' AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY next_retry_at, created_at LIMIT ?`, nowISO(), limit)
	if err != nil {
		return nil, fmt.Errorf("store: get queued: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// ClaimMessage performs the conditional queued -> sending transition.
// Returns false when another worker already claimed the row or it is no
// longer eligible.
func (s *Store) ClaimMessage(id string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE messages SET status = 'sending' WHERE id = ? AND status = 'queued'`, id)
	if err != nil {
		return false, fmt.Errorf("store: claim message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: claim message: %w", err)
	}
	return n > 0, nil
}

// MarkMessageSent finalizes a row with the server-assigned message id.
func (s *Store) MarkMessageSent(id, messageID string) error {
	_, err := s.db.Exec(
		`UPDATE messages SET status = 'sent', message_id = ?, sent_at = ? WHERE id = ?`,
		messageID, nowISO(), id)
	if err != nil {
		return fmt.Errorf("store: mark sent: %w", err)
	}
	return nil
}

// MarkMessageFailed finalizes a row with an error. Terminal.
func (s *Store) MarkMessageFailed(id, errText string) error {
	_, err := s.db.Exec(
		`UPDATE messages SET status = 'failed', error = ? WHERE id = ?`, errText, id)
	if err != nil {
		return fmt.Errorf("store: mark failed: %w", err)
	}
	return nil
}

// MarkMessageRetry re-queues a row after a retryable failure: bumps
// retry_count, records the error, and schedules the next attempt.
func (s *Store) MarkMessageRetry(id, errText string, nextRetry time.Time) error {
	_, err := s.db.Exec(`UPDATE messages
		SET status = 'queued', error = ?, retry_count = retry_count + 1, next_retry_at = ?
		WHERE id = ?`, errText, formatTime(nextRetry), id)
	if err != nil {
		return fmt.Errorf("store: mark retry: %w", err)
	}
	return nil
}

// RecoverOrphans resets rows stuck in 'sending' back to 'queued'. Run once
// at startup: a row can only be orphaned by a crash of the single owning
// process.
func (s *Store) RecoverOrphans() (int64, error) {
	res, err := s.db.Exec(`UPDATE messages SET status = 'queued' WHERE status = 'sending'`)
	if err != nil {
		return 0, fmt.Errorf("store: recover orphans: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountRecentSends counts an account's outbound rows created within the
// window, regardless of status. Feeds the hourly rate limiter.
func (s *Store) CountRecentSends(accountID string, window time.Duration) (int, error) {
	since := formatTime(time.Now().Add(-window))
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages
		WHERE account_id = ? AND direction = 'outbound' AND created_at >= ?`,
		accountID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count recent sends: %w", err)
	}
	return n, nil
}

// Stats summarizes the outbound table.
type Stats struct {
	Total       int     `json:"total"`
	Sent        int     `json:"sent"`
	Failed      int     `json:"failed"`
	Queued      int     `json:"queued"`
	SuccessRate float64 `json:"success_rate"`
}

// MessageStats aggregates counts by status for outbound messages.
func (s *Store) MessageStats() (*Stats, error) {
	var st Stats
	err := s.db.QueryRow(`SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN status = 'sent' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'queued' THEN 1 ELSE 0 END), 0)
		FROM messages WHERE direction = 'outbound'`).
		Scan(&st.Total, &st.Sent, &st.Failed, &st.Queued)
	if err != nil {
		return nil, fmt.Errorf("store: stats: %w", err)
	}
	if st.Total > 0 {
		st.SuccessRate = float64(int(float64(st.Sent)/float64(st.Total)*1000+0.5)) / 10
	}
	return &st, nil
}

func scanMessage(row scanner) (*Message, error) {
	var m Message
	var messageID, subject, errText, textContent, htmlContent, inReplyTo, nextRetry, sentAt sql.NullString
	err := row.Scan(&m.ID, &m.AccountID, &messageID, &m.Direction, &m.FromAddr, &m.ToAddr,
		&subject, &m.Status, &errText, &textContent, &htmlContent, &inReplyTo,
		&m.RetryCount, &nextRetry, &m.CreatedAt, &sentAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: scan message: %w", err)
	}
	m.MessageID = strPtr(messageID)
	m.Subject = strPtr(subject)
	m.Error = strPtr(errText)
	m.TextContent = strPtr(textContent)
	m.HTMLContent = strPtr(htmlContent)
	m.InReplyTo = strPtr(inReplyTo)
	m.NextRetryAt = strPtr(nextRetry)
	m.SentAt = strPtr(sentAt)
	return &m, nil
}

func collectMessages(rows *sql.Rows) ([]*Message, error) {
	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
