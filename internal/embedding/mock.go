package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math/rand"

	"github.com/plexmem/plexmem/internal/vector"
)

// MockProvider produces stable pseudo-random unit vectors derived from
// a content hash. It backs tests and the explicit ALLOW_MOCK_EMBED
// development mode; it is never a production fallback.
//
// Identical texts always embed identically, and the full and compressed
// vectors of the same text stay correlated through the shared
// projection, so routing behaves like the real provider.
type MockProvider struct {
	fullDim int
	compDim int
	proj    *projector
}

// NewMockProvider creates a deterministic provider with the given dims.
func NewMockProvider(fullDim, compressedDim int) *MockProvider {
	return &MockProvider{
		fullDim: fullDim,
		compDim: compressedDim,
		proj:    newProjector(DefaultProjectionSeed, fullDim, compressedDim),
	}
}

var _ Provider = (*MockProvider)(nil)

func (p *MockProvider) Name() string        { return "mock" }
func (p *MockProvider) FullDims() int       { return p.fullDim }
func (p *MockProvider) CompressedDims() int { return p.compDim }
func (p *MockProvider) Close() error        { return nil }

// Full returns the deterministic full-precision vector for text.
func (p *MockProvider) Full(_ context.Context, text string) ([]float32, error) {
	return hashVector(text, p.fullDim), nil
}

// Compressed projects the deterministic full vector down.
func (p *MockProvider) Compressed(ctx context.Context, text string) ([]float32, error) {
	full, err := p.Full(ctx, text)
	if err != nil {
		return nil, err
	}
	return p.proj.Project(full), nil
}

// hashVector derives a unit vector from the SHA-256 of the text.
func hashVector(text string, dims int) []float32 {
	if text == "" {
		return make([]float32, dims)
	}
	sum := sha256.Sum256([]byte(text))
	seed := int64(binary.BigEndian.Uint64(sum[:8]))
	rng := rand.New(rand.NewSource(seed))

	v := make([]float32, dims)
	for i := range v {
		v[i] = float32(rng.NormFloat64())
	}
	return vector.Normalize(v)
}
