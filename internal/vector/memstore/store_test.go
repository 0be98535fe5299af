package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plexmem/plexmem/internal/errs"
	"github.com/plexmem/plexmem/internal/vector"
)

func testRow(userID, content string, emb []float32) vector.Row {
	return vector.Row{UserID: userID, Content: content, Embedding: emb}
}

func TestInsertAndGet(t *testing.T) {
	s := New(3)
	ctx := context.Background()

	id, err := s.Insert(ctx, testRow("u1", "hello", []float32{1, 0, 0}))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	row, err := s.GetByID(ctx, "u1", id)
	require.NoError(t, err)
	assert.Equal(t, "hello", row.Content)
	assert.False(t, row.CreatedAt.IsZero())
	assert.False(t, row.UpdatedAt.Before(row.CreatedAt))
}

func TestGetWrongUserIsNotFound(t *testing.T) {
	s := New(3)
	ctx := context.Background()

	id, err := s.Insert(ctx, testRow("u1", "secret", []float32{1, 0, 0}))
	require.NoError(t, err)

	_, err = s.GetByID(ctx, "u2", id)
	assert.True(t, errs.IsNotFound(err))
}

func TestInsertDimensionMismatch(t *testing.T) {
	s := New(3)
	_, err := s.Insert(context.Background(), testRow("u1", "bad", []float32{1, 0}))
	assert.True(t, errs.IsInvalid(err))
}

func TestTopKOrderingAndMinScore(t *testing.T) {
	s := New(3)
	ctx := context.Background()

	_, err := s.Insert(ctx, testRow("u1", "exact", []float32{1, 0, 0}))
	require.NoError(t, err)
	_, err = s.Insert(ctx, testRow("u1", "close", vector.Normalize([]float32{0.9, 0.1, 0})))
	require.NoError(t, err)
	_, err = s.Insert(ctx, testRow("u1", "orthogonal", []float32{0, 1, 0}))
	require.NoError(t, err)
	_, err = s.Insert(ctx, testRow("u2", "other user", []float32{1, 0, 0}))
	require.NoError(t, err)

	results, err := s.TopK(ctx, "u1", []float32{1, 0, 0}, 10, 0.5, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "exact", results[0].Content)
	assert.Equal(t, "close", results[1].Content)
	for _, r := range results {
		assert.Equal(t, "u1", r.UserID)
		assert.GreaterOrEqual(t, r.Score, 0.5)
	}
}

func TestTopKZeroLimit(t *testing.T) {
	s := New(3)
	ctx := context.Background()
	_, err := s.Insert(ctx, testRow("u1", "x", []float32{1, 0, 0}))
	require.NoError(t, err)

	results, err := s.TopK(ctx, "u1", []float32{1, 0, 0}, 0, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestTopKMetadataFilter(t *testing.T) {
	s := New(3)
	ctx := context.Background()

	row := testRow("u1", "tagged", []float32{1, 0, 0})
	row.Metadata = map[string]any{"categories": []string{"code", "bug"}, "language": "go"}
	_, err := s.Insert(ctx, row)
	require.NoError(t, err)
	_, err = s.Insert(ctx, testRow("u1", "untagged", []float32{1, 0, 0}))
	require.NoError(t, err)

	results, err := s.TopK(ctx, "u1", []float32{1, 0, 0}, 10, 0, vector.Filter{"language": "go"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "tagged", results[0].Content)

	results, err = s.TopK(ctx, "u1", []float32{1, 0, 0}, 10, 0, vector.Filter{"categories": "bug"})
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestUpdate(t *testing.T) {
	s := New(3)
	ctx := context.Background()

	id, err := s.Insert(ctx, testRow("u1", "before", []float32{1, 0, 0}))
	require.NoError(t, err)

	content := "after"
	ok, err := s.Update(ctx, "u1", id, vector.Patch{Content: &content, Embedding: []float32{0, 1, 0}})
	require.NoError(t, err)
	assert.True(t, ok)

	row, err := s.GetByID(ctx, "u1", id)
	require.NoError(t, err)
	assert.Equal(t, "after", row.Content)
	assert.Equal(t, []float32{0, 1, 0}, row.Embedding)
	assert.False(t, row.UpdatedAt.Before(row.CreatedAt))

	// Updating another user's row reports absent, not forbidden.
	ok, err = s.Update(ctx, "u2", id, vector.Patch{Content: &content})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteIdempotent(t *testing.T) {
	s := New(3)
	ctx := context.Background()

	id, err := s.Insert(ctx, testRow("u1", "x", []float32{1, 0, 0}))
	require.NoError(t, err)

	ok, err := s.Delete(ctx, "u1", id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Delete(ctx, "u1", id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTouchAndStats(t *testing.T) {
	s := New(3)
	ctx := context.Background()

	id, err := s.Insert(ctx, testRow("u1", "abcde", []float32{1, 0, 0}))
	require.NoError(t, err)

	require.NoError(t, s.Touch(ctx, "u1", []string{id}))
	row, err := s.GetByID(ctx, "u1", id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), row.AccessCount)

	st, err := s.Stats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.TotalRows)
	assert.Equal(t, int64(5), st.TotalBytes)
}

func TestList(t *testing.T) {
	s := New(0)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := s.Insert(ctx, testRow("u1", "row", []float32{1}))
		require.NoError(t, err)
	}
	page1, err := s.List(ctx, 3, 0)
	require.NoError(t, err)
	page2, err := s.List(ctx, 3, 3)
	require.NoError(t, err)
	assert.Len(t, page1, 3)
	assert.Len(t, page2, 2)
}

func TestProviderReusesTables(t *testing.T) {
	p := NewProvider()
	ctx := context.Background()

	a1, err := p.Open(ctx, "memories_technical", 3, nil)
	require.NoError(t, err)
	a2, err := p.Open(ctx, "memories_technical", 3, nil)
	require.NoError(t, err)
	assert.Same(t, a1, a2)

	b, err := p.Open(ctx, "memories_personal", 3, nil)
	require.NoError(t, err)
	assert.NotSame(t, a1, b)
}
