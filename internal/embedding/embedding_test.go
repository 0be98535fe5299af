package embedding

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plexmem/plexmem/internal/errs"
	"github.com/plexmem/plexmem/internal/vector"
)

func TestMockDeterminism(t *testing.T) {
	p := NewMockProvider(64, 16)
	ctx := context.Background()

	a, err := p.Full(ctx, "the derivative of sin(x) is cos(x)")
	require.NoError(t, err)
	b, err := p.Full(ctx, "the derivative of sin(x) is cos(x)")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := p.Full(ctx, "a completely different text")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestMockUnitLength(t *testing.T) {
	p := NewMockProvider(64, 16)
	full, err := p.Full(context.Background(), "hello world")
	require.NoError(t, err)
	require.Len(t, full, 64)
	assert.InDelta(t, 1.0, vector.CosineSimilarity(full, full), 1e-6)

	comp, err := p.Compressed(context.Background(), "hello world")
	require.NoError(t, err)
	require.Len(t, comp, 16)
	assert.InDelta(t, 1.0, vector.CosineSimilarity(comp, comp), 1e-6)
}

func TestMockEmptyText(t *testing.T) {
	p := NewMockProvider(8, 4)
	full, err := p.Full(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 8), full)
}

func TestProjectionDeterministicAndSimilarityPreserving(t *testing.T) {
	proj := newProjector(DefaultProjectionSeed, 64, 16)
	p := NewMockProvider(64, 16)
	ctx := context.Background()

	full, err := p.Full(ctx, "integration by parts")
	require.NoError(t, err)

	a := proj.Project(full)
	b := proj.Project(full)
	assert.Equal(t, a, b)

	// A projected vector must be far more similar to itself than to the
	// projection of an unrelated text.
	other, err := p.Compressed(ctx, "a poem about autumn leaves")
	require.NoError(t, err)
	self := vector.CosineSimilarity(a, b)
	cross := vector.CosineSimilarity(a, other)
	assert.Greater(t, self, cross)
}

func TestHTTPProviderRequiresKey(t *testing.T) {
	_, err := NewHTTPProvider(HTTPConfig{FullDim: 8, CompressedDim: 4})
	require.Error(t, err)
	assert.Equal(t, errs.KindFatal, errs.KindOf(err))
}

func TestHTTPProviderFull(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := map[string]any{
			"data":  []map[string]any{{"embedding": []float32{3, 4, 0, 0}, "index": 0}},
			"model": req.Model,
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p, err := NewHTTPProvider(HTTPConfig{
		BaseURL: srv.URL, APIKey: "test-key", FullDim: 4, CompressedDim: 2,
	})
	require.NoError(t, err)

	v, err := p.Full(context.Background(), "hello")
	require.NoError(t, err)
	require.Len(t, v, 4)
	// Normalised on the way out.
	assert.InDelta(t, 0.6, float64(v[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(v[1]), 1e-6)
}

func TestHTTPProviderRetriesTransient(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{1, 0}, "index": 0}},
		})
	}))
	defer srv.Close()

	p, err := NewHTTPProvider(HTTPConfig{BaseURL: srv.URL, APIKey: "k", FullDim: 2, CompressedDim: 1})
	require.NoError(t, err)

	v, err := p.Full(context.Background(), "retry me")
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, v, 2)
}

func TestHTTPProviderDoesNotRetryInvalid(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	p, err := NewHTTPProvider(HTTPConfig{BaseURL: srv.URL, APIKey: "k", FullDim: 2, CompressedDim: 1})
	require.NoError(t, err)

	_, err = p.Full(context.Background(), "bad request")
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, errs.IsInvalid(err))
}

func TestWithRetryStopsOnNonTransient(t *testing.T) {
	var calls int
	err := withRetry(context.Background(), func() error {
		calls++
		return errors.New("plain failure")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
