package embeddings

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/envelope/internal/crypto"
	"github.com/ignite/envelope/internal/store"
)

func TestCodecRoundTrip(t *testing.T) {
	vec := []float32{0.1, -0.25, 3.14159, 0, -1e6, 1e-9}
	decoded, err := Decode(Encode(vec))
	require.NoError(t, err)
	require.Len(t, decoded, len(vec))
	for i := range vec {
		assert.InDelta(t, vec[i], decoded[i], 1e-6)
	}
}

func TestDecodeRejectsBadLength(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestDecodeEmpty(t *testing.T) {
	vec, err := Decode(nil)
	require.NoError(t, err)
	assert.Empty(t, vec)
}

func TestCosine(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{0, 1, 0}
	assert.InDelta(t, 1.0, Cosine(a, a), 1e-9)
	assert.InDelta(t, 0.0, Cosine(a, b), 1e-9)
	assert.InDelta(t, -1.0, Cosine(a, []float32{-1, 0, 0}), 1e-9)

	// Zero vectors and mismatched lengths degrade to 0.
	assert.Equal(t, 0.0, Cosine(a, []float32{0, 0, 0}))
	assert.Equal(t, 0.0, Cosine(a, []float32{1, 0}))
	assert.Equal(t, 0.0, Cosine(nil, nil))

	// Scale invariance.
	scaled := []float32{2, 0, 0}
	assert.InDelta(t, 1.0, Cosine(a, scaled), 1e-9)
}

func TestContentHash(t *testing.T) {
	h := ContentHash("hello")
	assert.Len(t, h, 16)
	assert.Equal(t, h, ContentHash("hello"))
	assert.NotEqual(t, h, ContentHash("hello "))
}

type fakeEmbedder struct {
	vec   []float32
	err   error
	calls int
}

func (f *fakeEmbedder) Embed(ctx context.Context, input string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.vec, nil
}

func newTestService(t *testing.T, e Embedder) (*Service, *store.Store) {
	t.Helper()
	box, err := crypto.NewBox("test-secret")
	require.NoError(t, err)
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), box)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewService(st, e, "test-model", zerolog.Nop()), st
}

func TestEmbedMessageDedup(t *testing.T) {
	fe := &fakeEmbedder{vec: []float32{1, 2, 3}}
	svc, st := newTestService(t, fe)
	ctx := context.Background()

	embedded, err := svc.EmbedMessage(ctx, "<m1@x>", "a1", "some content")
	require.NoError(t, err)
	assert.True(t, embedded)
	assert.Equal(t, 1, fe.calls)

	// Identical content skips the API entirely.
	embedded, err = svc.EmbedMessage(ctx, "<m1@x>", "a1", "some content")
	require.NoError(t, err)
	assert.False(t, embedded)
	assert.Equal(t, 1, fe.calls)

	// Changed content re-embeds.
	embedded, err = svc.EmbedMessage(ctx, "<m1@x>", "a1", "different content")
	require.NoError(t, err)
	assert.True(t, embedded)
	assert.Equal(t, 2, fe.calls)

	all, err := st.ListEmbeddings("a1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestEmbedMessageEmptyContent(t *testing.T) {
	fe := &fakeEmbedder{vec: []float32{1}}
	svc, _ := newTestService(t, fe)

	embedded, err := svc.EmbedMessage(context.Background(), "<m1@x>", "a1", "")
	require.NoError(t, err)
	assert.False(t, embedded)
	assert.Equal(t, 0, fe.calls)
}

func TestFindSimilarRanksAndFilters(t *testing.T) {
	fe := &fakeEmbedder{vec: []float32{1, 0}}
	svc, st := newTestService(t, fe)

	put := func(id string, vec []float32) {
		require.NoError(t, st.UpsertEmbedding(store.Embedding{
			MessageID: id, AccountID: "a1", ContentHash: id, Vector: Encode(vec), Model: "m",
		}))
	}
	put("<close@x>", []float32{0.9, 0.1})
	put("<exact@x>", []float32{1, 0})
	put("<orthogonal@x>", []float32{0, 1})
	put("<far@x>", []float32{-1, 0})

	matches, err := svc.FindSimilar(context.Background(), "a1", "query", 10)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "<exact@x>", matches[0].MessageID)
	assert.Equal(t, "<close@x>", matches[1].MessageID)
	assert.True(t, math.Abs(matches[0].Similarity-1.0) < 1e-9)
}

func TestFindSimilarLimit(t *testing.T) {
	fe := &fakeEmbedder{vec: []float32{1, 0}}
	svc, st := newTestService(t, fe)
	for _, id := range []string{"<a@x>", "<b@x>", "<c@x>"} {
		require.NoError(t, st.UpsertEmbedding(store.Embedding{
			MessageID: id, AccountID: "a1", ContentHash: id, Vector: Encode([]float32{1, 0}), Model: "m",
		}))
	}
	matches, err := svc.FindSimilar(context.Background(), "a1", "query", 2)
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestBackfillCounts(t *testing.T) {
	fe := &fakeEmbedder{vec: []float32{1, 2}}
	svc, _ := newTestService(t, fe)
	ctx := context.Background()

	// Pre-embed one item so the backfill sees it as already done.
	_, err := svc.EmbedMessage(ctx, "<done@x>", "a1", "existing")
	require.NoError(t, err)

	stats := svc.Backfill(ctx, []Item{
		{MessageID: "<done@x>", AccountID: "a1", Content: "existing"},
		{MessageID: "<new@x>", AccountID: "a1", Content: "fresh"},
	})
	assert.Equal(t, 1, stats.Embedded)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 0, stats.Errors)
}

func TestBackfillCountsErrors(t *testing.T) {
	fe := &fakeEmbedder{err: errors.New("api down")}
	svc, _ := newTestService(t, fe)

	stats := svc.Backfill(context.Background(), []Item{
		{MessageID: "<a@x>", AccountID: "a1", Content: "text"},
	})
	assert.Equal(t, 1, stats.Errors)
}
