package permuto

import (
	"gonum.org/v1/gonum/mat"
)

// BackwardBackwardInput differentiates the input gradient of Backward a
// second time. Given dLddLdx ([N, NInputDims]), the sensitivity of the loss
// to dLdx, it returns the sensitivity to dLdy ([N, NEncodedDims]) and the
// lattice value gradient (len NParams).
//
// Inside a simplex the weights are linear in the position, so dLdx does not
// depend on the position almost everywhere and no position term is produced.
func (m *Meta) BackwardBackwardInput(dLddLdx, dLdy, positions *mat.Dense, values []float64, opt *Options, needDLdy, needDLdParams []bool) (*mat.Dense, []float64, error) {
	n, err := m.checkPositions(positions, values)
	if err != nil {
		return nil, nil, err
	}
	d := m.NInputDims
	if err := checkRows("dL_ddLdx", dLddLdx, n, d); err != nil {
		return nil, nil, err
	}
	if err := checkRows("dL_dy", dLdy, n, m.NEncodedDims); err != nil {
		return nil, nil, err
	}
	dyMask, wantDy, err := levelMask(needDLdy, m.NLevels, "need_dL_ddLdy")
	if err != nil {
		return nil, nil, err
	}
	paramMask, wantParam, err := levelMask(needDLdParams, m.NLevels, "need_dL_dparams")
	if err != nil {
		return nil, nil, err
	}
	c, err := m.prepare(n, opt)
	if err != nil {
		return nil, nil, err
	}
	if err := m.checkCoords(positions, c); err != nil {
		return nil, nil, err
	}
	if !wantDy && !wantParam {
		return nil, nil, nil
	}

	var dLddLdy *mat.Dense
	var dLdParams []float64
	if wantDy {
		dLddLdy = mat.NewDense(n, m.NEncodedDims, nil)
	}
	if wantParam {
		dLdParams = make([]float64, m.NParams)
	}

	w := m.NFeatPerPseudoLvl
	workers := parallelRange(n, c.workers, func(lo, hi int) {
		s := newLatticeScratch(d)
		for i := lo; i < hi; i++ {
			x := positions.RawRowView(i)
			gdx := dLddLdx.RawRowView(i)
			g := dLdy.RawRowView(i)
			var gdy []float64
			if dLddLdy != nil {
				gdy = dLddLdy.RawRowView(i)
			}
			b := c.batchOf(i)
			rot := c.rotation(b)
			for p := range m.NPseudoLevels {
				l := m.MapLevels[p]
				if l >= c.maxLevel {
					continue
				}
				doDy := gdy != nil && dyMask[l]
				doParam := dLdParams != nil && paramMask[l]
				if !doDy && !doParam {
					continue
				}
				m.visit(s, l, x, c.shift(b, l, d), rot)

				// Directional derivative of the weights along dL_ddLdx.
				sf := m.scaleFactors[l]
				for j := range d {
					s.dcf[j] = gdx[j] * sf[j]
				}
				s.weightsTangent(rot)

				outOff := m.outOffset(p)
				if doDy {
					dst := gdy[outOff:][:w]
					for r := range d + 1 {
						t := s.tangent[r]
						if t == 0 {
							continue
						}
						off := m.featOffset(p, s.slots[r])
						for f, v := range values[off : off+w] {
							dst[f] += t * v
						}
					}
				}
				if doParam {
					gy := g[outOff:][:w]
					for r := range d + 1 {
						t := s.tangent[r]
						if t == 0 {
							continue
						}
						off := m.featOffset(p, s.slots[r])
						for f, v := range gy {
							atomicAddFloat64(&dLdParams[off+f], t*v)
						}
					}
				}
			}
		}
	})

	Logger().Debug("permuto: backward backward input", "points", n, "dL_ddLdy", wantDy, "param_grad", wantParam, "workers", workers)
	return dLddLdy, dLdParams, nil
}
