package permuto

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Forward encodes positions ([N, NInputDims]) into [N, NEncodedDims]
// features, blending the lattice values of each enclosing simplex by its
// barycentric weights. values is only read.
func (m *Meta) Forward(positions *mat.Dense, values []float64, opt *Options) (*mat.Dense, error) {
	n, err := m.checkPositions(positions, values)
	if err != nil {
		return nil, err
	}
	c, err := m.prepare(n, opt)
	if err != nil {
		return nil, err
	}
	if err := m.checkCoords(positions, c); err != nil {
		return nil, err
	}

	d := m.NInputDims
	w := m.NFeatPerPseudoLvl
	out := mat.NewDense(n, m.NEncodedDims, nil)
	workers := parallelRange(n, c.workers, func(lo, hi int) {
		s := newLatticeScratch(d)
		for i := lo; i < hi; i++ {
			x := positions.RawRowView(i)
			y := out.RawRowView(i)
			b := c.batchOf(i)
			rot := c.rotation(b)
			for p := range m.NPseudoLevels {
				l := m.MapLevels[p]
				if l >= c.maxLevel {
					continue
				}
				m.visit(s, l, x, c.shift(b, l, d), rot)
				dst := y[m.outOffset(p):][:w]
				for r := range d + 1 {
					wr := s.bary[r]
					off := m.featOffset(p, s.slots[r])
					src := values[off : off+w]
					for f, v := range src {
						dst[f] += wr * v
					}
				}
			}
		}
	})

	Logger().Debug("permuto: forward", "points", n, "levels", c.maxLevel, "batches", c.nBatches, "workers", workers)
	return out, nil
}

// visit locates x at level l and resolves the slot of every vertex.
func (m *Meta) visit(s *latticeScratch, l int, x, shift, rot []float64) {
	s.locate(x, m.scaleFactors[l], shift, rot)
	for r := range m.NInputDims + 1 {
		s.vertex(r, s.key)
		s.slots[r] = m.slot(l, s.key)
	}
}

// featOffset is where pseudo-level p reads the features of a slot.
func (m *Meta) featOffset(p, slot int) int {
	l := m.MapLevels[p]
	return m.LevelOffsets[l] + slot*m.LevelNFeats[l] + m.MapCnt[p]*m.NFeatPerPseudoLvl
}

// outOffset is the first output column of pseudo-level p.
func (m *Meta) outOffset(p int) int {
	return m.levelOutOffsets[m.MapLevels[p]] + m.MapCnt[p]*m.NFeatPerPseudoLvl
}

func (m *Meta) checkPositions(positions *mat.Dense, values []float64) (int, error) {
	if positions == nil {
		return 0, fmt.Errorf("%w: positions is nil", ErrShape)
	}
	n, cols := positions.Dims()
	if cols != m.NInputDims {
		return 0, fmt.Errorf("%w: positions have %d dims, want %d", ErrShape, cols, m.NInputDims)
	}
	if len(values) != m.NParams {
		return 0, fmt.Errorf("%w: %d lattice values, want %d", ErrShape, len(values), m.NParams)
	}
	return n, nil
}
