package permuto

import (
	"math/rand/v2"
	"testing"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func mustMeta(t *testing.T, cfg Config) *Meta {
	t.Helper()
	m, err := NewMeta(cfg)
	if err != nil {
		t.Fatalf("NewMeta(%+v): %v", cfg, err)
	}
	return m
}

func randDense(rng *rand.Rand, rows, cols int, scale float64) *mat.Dense {
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = (2*rng.Float64() - 1) * scale
	}
	return mat.NewDense(rows, cols, data)
}

func randSlice(rng *rand.Rand, n int, scale float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = (2*rng.Float64() - 1) * scale
	}
	return out
}

// inner is the Frobenius inner product of two freshly allocated matrices.
func inner(a, b *mat.Dense) float64 {
	return floats.Dot(a.RawMatrix().Data, b.RawMatrix().Data)
}

// cellKey records the remainder-0 point and ranks of x at every level, so a
// test can tell whether a perturbation crossed a simplex boundary.
func cellKey(m *Meta, c *callContext, b int, x []float64) []int {
	d := m.NInputDims
	s := newLatticeScratch(d)
	var key []int
	for l := range m.NLevels {
		s.locate(x, m.scaleFactors[l], c.shift(b, l, d), c.rotation(b))
		key = append(key, s.rem0...)
		key = append(key, s.rank...)
	}
	return key
}

func allFalse(n int) []bool {
	return make([]bool, n)
}
