package embeddings

import (
	"context"
	"errors"
	"sort"

	"github.com/rs/zerolog"

	"github.com/ignite/envelope/internal/store"
)

const (
	maxInputChars    = 8000
	similarityFloor  = 0.1
	defaultSimilarLimit = 3
)

// Embedder turns text into a vector. The LLM client implements it; tests
// substitute deterministic fakes.
type Embedder interface {
	Embed(ctx context.Context, input string) ([]float32, error)
}

// Service ties the embedder to the vector store.
type Service struct {
	store    *store.Store
	embedder Embedder
	model    string
	log      zerolog.Logger
}

// NewService builds the service. model is recorded alongside each vector.
func NewService(st *store.Store, e Embedder, model string, log zerolog.Logger) *Service {
	return &Service{
		store:    st,
		embedder: e,
		model:    model,
		log:      log.With().Str("component", "embeddings").Logger(),
	}
}

// EmbedMessage stores a vector for the message content, skipping the API
// call when the stored content hash already matches.
func (s *Service) EmbedMessage(ctx context.Context, messageID, accountID, content string) (bool, error) {
	if content == "" {
		return false, nil
	}
	if len(content) > maxInputChars {
		content = content[:maxInputChars]
	}
	hash := ContentHash(content)

	prev, err := s.store.GetEmbeddingHash(messageID)
	if err == nil && prev == hash {
		return false, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return false, err
	}
	err = s.store.UpsertEmbedding(store.Embedding{
		MessageID:   messageID,
		AccountID:   accountID,
		ContentHash: hash,
		Vector:      Encode(vec),
		Model:       s.model,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Match is one similar stored message.
type Match struct {
	MessageID  string  `json:"message_id"`
	Similarity float64 `json:"similarity"`
}

// FindSimilar embeds the query and returns the account's closest stored
// messages, best first, dropping anything below the similarity floor.
func (s *Service) FindSimilar(ctx context.Context, accountID, query string, limit int) ([]Match, error) {
	if limit <= 0 {
		limit = defaultSimilarLimit
	}
	if len(query) > maxInputChars {
		query = query[:maxInputChars]
	}
	qvec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	stored, err := s.store.ListEmbeddings(accountID)
	if err != nil {
		return nil, err
	}
	var matches []Match
	for _, e := range stored {
		vec, err := Decode(e.Vector)
		if err != nil {
			s.log.Warn().Err(err).Str("message_id", e.MessageID).Msg("corrupt stored vector")
			continue
		}
		sim := Cosine(qvec, vec)
		if sim < similarityFloor {
			continue
		}
		matches = append(matches, Match{MessageID: e.MessageID, Similarity: sim})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// BackfillStats summarizes one backfill pass.
type BackfillStats struct {
	Embedded int `json:"embedded"`
	Skipped  int `json:"skipped"`
	Errors   int `json:"errors"`
}

// Item is one message to backfill.
type Item struct {
	MessageID string
	AccountID string
	Content   string
}

// Backfill embeds a batch, counting work done. Individual failures are
// logged and counted, not fatal.
func (s *Service) Backfill(ctx context.Context, items []Item) BackfillStats {
	var stats BackfillStats
	for _, it := range items {
		embedded, err := s.EmbedMessage(ctx, it.MessageID, it.AccountID, it.Content)
		switch {
		case err != nil:
			s.log.Warn().Err(err).Str("message_id", it.MessageID).Msg("backfill embed failed")
			stats.Errors++
		case embedded:
			stats.Embedded++
		default:
			stats.Skipped++
		}
	}
	return stats
}
