package permuto

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// RotationSet holds random rotations of the zero-sum hyperplane of R^(dim+1).
type RotationSet struct {
	// Basis is a (dim+1)×dim orthonormal basis of the zero-sum hyperplane.
	Basis *mat.Dense
	// Sub holds dim×dim orthogonal matrices in Basis coordinates.
	Sub []*mat.Dense
	// Ambient holds Basis·Sub[i]·Basisᵀ, the (dim+1)×(dim+1) form that
	// Options.Rotations expects. It maps the hyperplane onto itself and
	// sends the all-ones direction to zero.
	Ambient []*mat.Dense
}

// ZeroSumBasis returns a (dim+1)×dim orthonormal basis of the hyperplane
// orthogonal to the all-ones vector, taken from the QR decomposition of the
// projector I - 11ᵀ/(dim+1).
func ZeroSumBasis(dim int) *mat.Dense {
	n := dim + 1
	p := mat.NewDense(n, n, nil)
	for i := range n {
		for j := range n {
			v := -1.0 / float64(n)
			if i == j {
				v += 1
			}
			p.Set(i, j, v)
		}
	}
	var qr mat.QR
	qr.Factorize(p)
	var q mat.Dense
	qr.QTo(&q)
	// Any dim columns of the projector are independent, so the leading dim
	// columns of Q span its range.
	basis := mat.NewDense(n, dim, nil)
	basis.Copy(q.Slice(0, n, 0, dim))
	return basis
}

// randomOrthogonal draws a Haar-distributed dim×dim orthogonal matrix:
// QR of a Gaussian matrix with the signs of R's diagonal folded into Q.
func randomOrthogonal(dim int, rng *rand.Rand) *mat.Dense {
	z := make([]float64, dim*dim)
	for i := range z {
		z[i] = rng.NormFloat64()
	}
	var qr mat.QR
	qr.Factorize(mat.NewDense(dim, dim, z))
	var q, r mat.Dense
	qr.QTo(&q)
	qr.RTo(&r)

	s := make([]float64, dim)
	for i := range dim {
		if r.At(i, i) < 0 {
			s[i] = -1.0
		} else {
			s[i] = 1.0
		}
	}
	out := mat.NewDense(dim, dim, nil)
	out.Mul(&q, mat.NewDiagDense(dim, s))
	return out
}

// SampleRotations draws count random rotations of the zero-sum hyperplane
// of R^(dim+1). The same seed yields the same set.
func SampleRotations(dim, count int, seed uint64) (*RotationSet, error) {
	if dim < 1 {
		return nil, fmt.Errorf("%w: rotation dim %d", ErrConfig, dim)
	}
	if count < 0 {
		return nil, fmt.Errorf("%w: rotation count %d", ErrConfig, count)
	}
	rng := rand.New(rand.NewPCG(seed, 0x385ab5285169b1ac))
	basis := ZeroSumBasis(dim)
	set := &RotationSet{
		Basis:   basis,
		Sub:     make([]*mat.Dense, count),
		Ambient: make([]*mat.Dense, count),
	}
	for i := range count {
		sub := randomOrthogonal(dim, rng)
		var tmp mat.Dense
		tmp.Mul(basis, sub)
		amb := mat.NewDense(dim+1, dim+1, nil)
		amb.Mul(&tmp, basis.T())
		set.Sub[i] = sub
		set.Ambient[i] = amb
	}
	Logger().Debug("permuto: sampled rotations", "dim", dim, "count", count)
	return set, nil
}
