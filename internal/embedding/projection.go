package embedding

import (
	"math/rand"
	"sync"

	"github.com/plexmem/plexmem/internal/vector"
)

// DefaultProjectionSeed seeds the random projection matrix. The seed is
// part of the index format: changing it invalidates every stored
// compressed vector, so it is fixed at startup and persisted via
// configuration.
const DefaultProjectionSeed int64 = 0x706c6578

// projector maps full-precision vectors down to the routing dimension
// with a deterministic Gaussian random projection.
type projector struct {
	once    sync.Once
	seed    int64
	fullDim int
	outDim  int
	matrix  [][]float32 // outDim x fullDim, built lazily
}

func newProjector(seed int64, fullDim, outDim int) *projector {
	return &projector{seed: seed, fullDim: fullDim, outDim: outDim}
}

func (p *projector) init() {
	rng := rand.New(rand.NewSource(p.seed))
	p.matrix = make([][]float32, p.outDim)
	for j := range p.matrix {
		row := make([]float32, p.fullDim)
		for i := range row {
			row[i] = float32(rng.NormFloat64())
		}
		p.matrix[j] = row
	}
}

// Project maps full down to the routing dimension and normalises.
func (p *projector) Project(full []float32) []float32 {
	p.once.Do(p.init)
	out := make([]float32, p.outDim)
	for j, row := range p.matrix {
		var sum float32
		n := min(len(row), len(full))
		for i := 0; i < n; i++ {
			sum += row[i] * full[i]
		}
		out[j] = sum
	}
	return vector.Normalize(out)
}
