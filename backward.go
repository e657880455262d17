package permuto

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Backward propagates dLdy ([N, NEncodedDims]) back through Forward.
//
// dLdx ([N, NInputDims]) has its first maxPosDims columns filled and is nil
// when maxPosDims is 0 or needInputGrad disables every level. dLdParams
// (len NParams) is nil when needParamGrad disables every level. A nil mask
// enables all levels. Weights and slots are recomputed, not cached.
func (m *Meta) Backward(dLdy, positions *mat.Dense, values []float64, opt *Options, maxPosDims int, needInputGrad, needParamGrad []bool) (*mat.Dense, []float64, error) {
	n, err := m.checkPositions(positions, values)
	if err != nil {
		return nil, nil, err
	}
	if err := checkRows("dL_dy", dLdy, n, m.NEncodedDims); err != nil {
		return nil, nil, err
	}
	d := m.NInputDims
	if maxPosDims < 0 || maxPosDims > d {
		return nil, nil, fmt.Errorf("%w: max_pos_dims %d outside [0, %d]", ErrShape, maxPosDims, d)
	}
	inputMask, wantInput, err := levelMask(needInputGrad, m.NLevels, "need_input_grad")
	if err != nil {
		return nil, nil, err
	}
	paramMask, wantParam, err := levelMask(needParamGrad, m.NLevels, "need_param_grad")
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
	wantInput = wantInput && maxPosDims > 0
	if !wantInput && !wantParam {
		return nil, nil, nil
	}

	var dLdx *mat.Dense
	var dLdParams []float64
	if wantInput {
		dLdx = mat.NewDense(n, d, nil)
	}
	if wantParam {
		dLdParams = make([]float64, m.NParams)
	}

	w := m.NFeatPerPseudoLvl
	workers := parallelRange(n, c.workers, func(lo, hi int) {
		s := newLatticeScratch(d)
		for i := lo; i < hi; i++ {
			x := positions.RawRowView(i)
			g := dLdy.RawRowView(i)
			var gx []float64
			if dLdx != nil {
				gx = dLdx.RawRowView(i)
			}
			b := c.batchOf(i)
			rot := c.rotation(b)
			for p := range m.NPseudoLevels {
				l := m.MapLevels[p]
				if l >= c.maxLevel {
					continue
				}
				doInput := gx != nil && inputMask[l]
				doParam := dLdParams != nil && paramMask[l]
				if !doInput && !doParam {
					continue
				}
				m.visit(s, l, x, c.shift(b, l, d), rot)
				gy := g[m.outOffset(p):][:w]

				if doParam {
					for r := range d + 1 {
						wr := s.bary[r]
						if wr == 0 {
							continue
						}
						off := m.featOffset(p, s.slots[r])
						for f, v := range gy {
							atomicAddFloat64(&dLdParams[off+f], wr*v)
						}
					}
				}

				if doInput {
					for r := range d + 1 {
						off := m.featOffset(p, s.slots[r])
						sum := 0.0
						for f, v := range values[off : off+w] {
							sum += gy[f] * v
						}
						s.vertexGrad[r] = sum
					}
					s.weightsBackward(rot)
					sf := m.scaleFactors[l]
					for j := range maxPosDims {
						gx[j] += s.dcf[j] * sf[j]
					}
				}
			}
		}
	})

	Logger().Debug("permuto: backward", "points", n, "input_grad", wantInput, "param_grad", wantParam, "workers", workers)
	return dLdx, dLdParams, nil
}
