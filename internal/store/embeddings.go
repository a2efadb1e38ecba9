package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// Embedding is a stored message vector keyed by the mailbox message id.
type Embedding struct {
	MessageID   string
	AccountID   string
	ContentHash string
	Vector      []byte
	Model       string
	EmbeddedAt  string
}

// GetEmbeddingHash returns the content hash stored for a message id, or
// ErrNotFound.
func (s *Store) GetEmbeddingHash(messageID string) (string, error) {
	var hash string
	err := s.db.QueryRow(
		`SELECT content_hash FROM message_embeddings WHERE message_id = ?`, messageID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: embedding hash: %w", err)
	}
	return hash, nil
}

// UpsertEmbedding stores (or replaces) a message vector.
func (s *Store) UpsertEmbedding(e Embedding) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO message_embeddings
		(message_id, account_id, content_hash, embedding, model, embedded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.MessageID, e.AccountID, e.ContentHash, e.Vector, e.Model, nowISO())
	if err != nil {
		return fmt.Errorf("store: upsert embedding: %w", err)
	}
	return nil
}

// ListEmbeddings returns all stored vectors for an account.
func (s *Store) ListEmbeddings(accountID string) ([]Embedding, error) {
	rows, err := s.db.Query(
		`SELECT message_id, account_id, content_hash, embedding, model, embedded_at
		 FROM message_embeddings WHERE account_id = ?`, accountID)
	if err != nil {
		return nil, fmt.Errorf("store: list embeddings: %w", err)
	}
	defer rows.Close()

	var out []Embedding
	for rows.Next() {
		var e Embedding
		if err := rows.Scan(&e.MessageID, &e.AccountID, &e.ContentHash, &e.Vector, &e.Model, &e.EmbeddedAt); err != nil {
			return nil, fmt.Errorf("store: scan embedding: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
