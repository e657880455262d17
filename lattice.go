package permuto

import (
	"fmt"
	"math"
)

// Simplex is the enclosing simplex of a point at one level.
// Vertices hold all d+1 lattice coordinates (their sum is zero) and
// Weights the matching barycentric weights, which sum to one.
type Simplex struct {
	Vertices [][]int
	Weights  []float64
}

// latticeScratch holds the per-worker buffers for one point at one level.
// Nothing in it outlives a single locate call.
type latticeScratch struct {
	d int

	cf       []float64 // scaled + shifted coordinates
	elevated []float64
	rotated  []float64
	e        []float64 // elevated or rotated, whichever the lattice sees
	rem0     []int
	rank     []int
	bary     []float64 // d+2, last slot is the wrap-around term
	key      []int
	slots    []int

	// Derivative buffers.
	vertexGrad []float64 // dL/dw per vertex
	de         []float64 // dL/de or de/dt
	delev      []float64
	dcf        []float64
	tangent    []float64 // dw/dt per vertex
}

func newLatticeScratch(d int) *latticeScratch {
	return &latticeScratch{
		d:          d,
		cf:         make([]float64, d),
		elevated:   make([]float64, d+1),
		rotated:    make([]float64, d+1),
		rem0:       make([]int, d+1),
		rank:       make([]int, d+1),
		bary:       make([]float64, d+2),
		key:        make([]int, d+1),
		slots:      make([]int, d+1),
		vertexGrad: make([]float64, d+1),
		de:         make([]float64, d+1),
		delev:      make([]float64, d+1),
		dcf:        make([]float64, d),
		tangent:    make([]float64, d+1),
	}
}

// elevate embeds cf into the zero-sum hyperplane of R^(d+1). It is linear,
// so it also maps tangents.
func elevate(cf, out []float64) {
	d := len(cf)
	sm := 0.0
	for i := d; i > 0; i-- {
		c := cf[i-1]
		out[i] = sm - float64(i)*c
		sm += c
	}
	out[0] = sm
}

// elevateT applies the transpose of elevate: column j of the embedding has
// +1 on rows 0..j and -(j+1) on row j+1.
func elevateT(delev, out []float64) {
	prefix := 0.0
	for j := range out {
		prefix += delev[j]
		out[j] = prefix - float64(j+1)*delev[j+1]
	}
}

// mulSquare computes out = rot * in for a row-major n×n rot.
func mulSquare(rot, in, out []float64) {
	n := len(in)
	for i := range n {
		row := rot[i*n : (i+1)*n]
		sum := 0.0
		for k, v := range row {
			sum += v * in[k]
		}
		out[i] = sum
	}
}

// mulSquareT computes out = rotᵀ * in.
func mulSquareT(rot, in, out []float64) {
	n := len(in)
	clear(out)
	for i := range n {
		v := in[i]
		row := rot[i*n : (i+1)*n]
		for k, r := range row {
			out[k] += r * v
		}
	}
}

// locate finds the simplex enclosing x at a level with per-dimension scale
// factors sf. shift (len d) and rot ((d+1)² row-major) are optional.
func (s *latticeScratch) locate(x, sf, shift, rot []float64) {
	d := s.d
	for j := range d {
		c := x[j] * sf[j]
		if shift != nil {
			c += shift[j]
		}
		s.cf[j] = c
	}
	elevate(s.cf, s.elevated)
	s.e = s.elevated
	if rot != nil {
		mulSquare(rot, s.elevated, s.rotated)
		s.e = s.rotated
	}
	e := s.e

	// Nearest remainder-0 point.
	dp1 := float64(d + 1)
	inv := 1.0 / dp1
	sum := 0
	for i := range d + 1 {
		v := e[i] * inv
		up := math.Ceil(v) * dp1
		down := math.Floor(v) * dp1
		if up-e[i] < e[i]-down {
			s.rem0[i] = int(up)
		} else {
			s.rem0[i] = int(down)
		}
		sum += s.rem0[i]
		s.rank[i] = 0
	}
	sum /= d + 1

	// Rank the remainders; ties go to the later coordinate.
	for i := range d {
		di := e[i] - float64(s.rem0[i])
		for j := i + 1; j <= d; j++ {
			if di < e[j]-float64(s.rem0[j]) {
				s.rank[i]++
			} else {
				s.rank[j]++
			}
		}
	}

	// Walk back onto the zero-sum plane.
	for i := range d + 1 {
		s.rank[i] += sum
		if s.rank[i] < 0 {
			s.rank[i] += d + 1
			s.rem0[i] += d + 1
		} else if s.rank[i] > d {
			s.rank[i] -= d + 1
			s.rem0[i] -= d + 1
		}
	}

	clear(s.bary)
	for i := range d + 1 {
		delta := (e[i] - float64(s.rem0[i])) * inv
		s.bary[d-s.rank[i]] += delta
		s.bary[d+1-s.rank[i]] -= delta
	}
	s.bary[0] += 1 + s.bary[d+1]
}

// vertex writes the coordinates of the r-th simplex vertex into key.
func (s *latticeScratch) vertex(r int, key []int) {
	d := s.d
	for i := range d + 1 {
		key[i] = s.rem0[i] + r
		if s.rank[i] > d-r {
			key[i] -= d + 1
		}
	}
}

// ============ WEIGHT DERIVATIVES ============

// Each weight is linear in e inside a simplex:
//   dw[r]/de[i] = ([rank_i == d-r] - [rank_i == (d+1-r) mod (d+1)]) / (d+1)

// weightsBackward turns dL/dw (vertexGrad) into dL/dcf (dcf), undoing the
// rotation when rot is set.
func (s *latticeScratch) weightsBackward(rot []float64) {
	d := s.d
	inv := 1.0 / float64(d+1)
	g := s.vertexGrad
	for i := range d + 1 {
		ri := s.rank[i]
		s.de[i] = (g[d-ri] - g[(d+1-ri)%(d+1)]) * inv
	}
	delev := s.de
	if rot != nil {
		mulSquareT(rot, s.de, s.delev)
		delev = s.delev
	}
	elevateT(delev, s.dcf)
}

// weightsTangent fills s.tangent with dw/dt for cf moving along dcf.
func (s *latticeScratch) weightsTangent(rot []float64) {
	d := s.d
	inv := 1.0 / float64(d+1)
	elevate(s.dcf, s.delev)
	de := s.delev
	if rot != nil {
		mulSquare(rot, s.delev, s.de)
		de = s.de
	}
	clear(s.tangent)
	for i := range d + 1 {
		ri := s.rank[i]
		v := de[i] * inv
		s.tangent[d-ri] += v
		s.tangent[(d+1-ri)%(d+1)] -= v
	}
}

// checkPoint rejects a point whose scaled, shifted coordinates at level l
// are not finite or exceed maxLatticeCoord, since their lattice indices
// would not fit in an int.
func (m *Meta) checkPoint(l int, x, shift []float64) error {
	sf := m.scaleFactors[l]
	for j, v := range x {
		c := v * sf[j]
		if shift != nil {
			c += shift[j]
		}
		if !(math.Abs(c) <= maxLatticeCoord) {
			return fmt.Errorf("%w: coordinate %d (%v) leaves the lattice at level %d", ErrShape, j, v, l)
		}
	}
	return nil
}

// LocateSimplex returns the simplex enclosing x at the given level, without
// any random shift or rotation.
func (m *Meta) LocateSimplex(level int, x []float64) (Simplex, error) {
	if level < 0 || level >= m.NLevels {
		return Simplex{}, fmt.Errorf("%w: level %d of %d", ErrShape, level, m.NLevels)
	}
	if len(x) != m.NInputDims {
		return Simplex{}, fmt.Errorf("%w: point has %d dims, want %d", ErrShape, len(x), m.NInputDims)
	}
	if err := m.checkPoint(level, x, nil); err != nil {
		return Simplex{}, err
	}
	d := m.NInputDims
	s := newLatticeScratch(d)
	s.locate(x, m.scaleFactors[level], nil, nil)
	out := Simplex{
		Vertices: make([][]int, d+1),
		Weights:  make([]float64, d+1),
	}
	for r := range d + 1 {
		v := make([]int, d+1)
		s.vertex(r, v)
		out.Vertices[r] = v
		out.Weights[r] = s.bary[r]
	}
	return out, nil
}
