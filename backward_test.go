package permuto

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"testing"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/mat"
)

// batchedOptions returns two batches with their own shifts and rotations.
func batchedOptions(t *testing.T, rng *rand.Rand, m *Meta, n int) *Options {
	t.Helper()
	d := m.NInputDims
	rots, err := SampleRotations(d, 2, rng.Uint64())
	if err != nil {
		t.Fatal(err)
	}
	inds := make([]int, n)
	for i := range inds {
		inds[i] = i % 2
	}
	return &Options{
		LevelRandomShifts: randDense(rng, 2, m.NLevels*d, 3),
		Rotations:         rots.Ambient,
		BatchInds:         inds,
	}
}

func TestBackwardInputGradMatchesFiniteDifference(t *testing.T) {
	const h = 1e-6
	for _, d := range SupportedInputDims {
		for _, batched := range []bool{false, true} {
			t.Run(fmt.Sprintf("d=%d/batched=%v", d, batched), func(t *testing.T) {
				rng := rand.New(rand.NewPCG(uint64(d), 41))
				m := mustMeta(t, testConfig(d))
				const n = 3
				values := randSlice(rng, m.NParams, 1)
				x := randDense(rng, n, d, 1)
				gy := randDense(rng, n, m.NEncodedDims, 1)
				var opt *Options
				if batched {
					opt = batchedOptions(t, rng, m, n)
				}
				c, err := m.prepare(n, opt)
				if err != nil {
					t.Fatal(err)
				}

				dLdx, _, err := m.Backward(gy, x, values, opt, d, nil, allFalse(m.NLevels))
				if err != nil {
					t.Fatal(err)
				}
				loss := func() float64 {
					y, err := m.Forward(x, values, opt)
					if err != nil {
						t.Fatal(err)
					}
					return inner(gy, y)
				}

				checked := 0
				for i := range n {
					b := c.batchOf(i)
					row := x.RawRowView(i)
					base := cellKey(m, c, b, row)
					for j := range d {
						orig := row[j]
						row[j] = orig + h
						plus, keyPlus := loss(), cellKey(m, c, b, row)
						row[j] = orig - h
						minus, keyMinus := loss(), cellKey(m, c, b, row)
						row[j] = orig
						if !slices.Equal(base, keyPlus) || !slices.Equal(base, keyMinus) {
							continue
						}
						want := (plus - minus) / (2 * h)
						if got := dLdx.At(i, j); !scalar.EqualWithinAbsOrRel(got, want, 1e-5, 1e-4) {
							t.Errorf("dL/dx[%d][%d] = %v, finite difference %v", i, j, got, want)
						}
						checked++
					}
				}
				if checked == 0 {
					t.Fatal("every perturbation crossed a simplex boundary")
				}
			})
		}
	}
}

func TestBackwardParamGradIsLinearForm(t *testing.T) {
	for _, d := range []int{2, 3, 8} {
		for _, batched := range []bool{false, true} {
			rng := rand.New(rand.NewPCG(uint64(d), 42))
			m := mustMeta(t, testConfig(d))
			const n = 64
			values := randSlice(rng, m.NParams, 1)
			x := randDense(rng, n, d, 1)
			gy := randDense(rng, n, m.NEncodedDims, 1)
			var opt *Options
			if batched {
				opt = batchedOptions(t, rng, m, n)
			}
			_, dLdParams, err := m.Backward(gy, x, values, opt, 0, nil, nil)
			if err != nil {
				t.Fatal(err)
			}

			// Forward is linear in the values, so <gy, F(x, v)> = <dL/dv, v>.
			probe := randSlice(rng, m.NParams, 1)
			y, err := m.Forward(x, probe, opt)
			if err != nil {
				t.Fatal(err)
			}
			want := inner(gy, y)
			if got := floats.Dot(dLdParams, probe); !scalar.EqualWithinAbsOrRel(got, want, 1e-9, 1e-9) {
				t.Errorf("d=%d batched=%v: <dL/dv, v> = %v, want %v", d, batched, got, want)
			}
		}
	}
}

func TestBackwardLevelMasksAreAdditive(t *testing.T) {
	rng := rand.New(rand.NewPCG(43, 43))
	m := mustMeta(t, testConfig(3))
	const n = 32
	values := randSlice(rng, m.NParams, 1)
	x := randDense(rng, n, 3, 1)
	gy := randDense(rng, n, m.NEncodedDims, 1)

	fullX, fullP, err := m.Backward(gy, x, values, nil, 3, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	outer := []bool{true, false, true}
	middle := []bool{false, true, false}
	ax, ap, err := m.Backward(gy, x, values, nil, 3, outer, outer)
	if err != nil {
		t.Fatal(err)
	}
	bx, bp, err := m.Backward(gy, x, values, nil, 3, middle, middle)
	if err != nil {
		t.Fatal(err)
	}

	var sumX mat.Dense
	sumX.Add(ax, bx)
	if !mat.EqualApprox(&sumX, fullX, 1e-9) {
		t.Error("masked input gradients do not add up to the full gradient")
	}
	sumP := make([]float64, m.NParams)
	floats.AddTo(sumP, ap, bp)
	if !floats.EqualApprox(sumP, fullP, 1e-9) {
		t.Error("masked param gradients do not add up to the full gradient")
	}

	// Params of the middle level are untouched by the outer mask.
	mid := ap[m.LevelOffsets[1]:m.LevelOffsets[2]]
	for k, v := range mid {
		if v != 0 {
			t.Fatalf("masked level param %d has gradient %v", k, v)
		}
	}
}

func TestBackwardMaxLevelZeroesFinerLevels(t *testing.T) {
	rng := rand.New(rand.NewPCG(44, 44))
	m := mustMeta(t, testConfig(4))
	const n = 16
	values := randSlice(rng, m.NParams, 1)
	x := randDense(rng, n, 4, 1)
	gy := randDense(rng, n, m.NEncodedDims, 1)
	_, dLdParams, err := m.Backward(gy, x, values, &Options{MaxLevel: 1}, 0, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range dLdParams[m.LevelOffsets[1]:] {
		if v != 0 {
			t.Fatalf("param %d beyond the active levels has gradient %v", m.LevelOffsets[1]+k, v)
		}
	}
	if floats.Norm(dLdParams[:m.LevelOffsets[1]], 2) == 0 {
		t.Error("active level received no gradient")
	}
}

func TestBackwardNothingRequested(t *testing.T) {
	rng := rand.New(rand.NewPCG(45, 45))
	m := mustMeta(t, testConfig(2))
	values := randSlice(rng, m.NParams, 1)
	x := randDense(rng, 4, 2, 1)
	gy := randDense(rng, 4, m.NEncodedDims, 1)

	dx, dp, err := m.Backward(gy, x, values, nil, 2, allFalse(m.NLevels), allFalse(m.NLevels))
	if err != nil || dx != nil || dp != nil {
		t.Errorf("all masks off: got %v %v %v", dx, dp, err)
	}
	dx, dp, err = m.Backward(gy, x, values, nil, 0, nil, allFalse(m.NLevels))
	if err != nil || dx != nil || dp != nil {
		t.Errorf("max pos dims 0: got %v %v %v", dx, dp, err)
	}
	dx, dp, err = m.Backward(gy, x, values, nil, 2, nil, allFalse(m.NLevels))
	if err != nil || dx == nil || dp != nil {
		t.Errorf("input only: got %v %v %v", dx, dp, err)
	}
}

func TestBackwardMaxPosDims(t *testing.T) {
	rng := rand.New(rand.NewPCG(46, 46))
	m := mustMeta(t, testConfig(4))
	const n = 8
	values := randSlice(rng, m.NParams, 1)
	x := randDense(rng, n, 4, 1)
	gy := randDense(rng, n, m.NEncodedDims, 1)
	full, _, err := m.Backward(gy, x, values, nil, 4, nil, allFalse(m.NLevels))
	if err != nil {
		t.Fatal(err)
	}
	part, _, err := m.Backward(gy, x, values, nil, 2, nil, allFalse(m.NLevels))
	if err != nil {
		t.Fatal(err)
	}
	if r, c := part.Dims(); r != n || c != 4 {
		t.Fatalf("dLdx is %dx%d, want %dx4", r, c, n)
	}
	for i := range n {
		for j := range 4 {
			want := full.At(i, j)
			if j >= 2 {
				want = 0
			}
			if got := part.At(i, j); got != want {
				t.Errorf("dLdx[%d][%d] = %v, want %v", i, j, got, want)
			}
		}
	}
}

func TestBackwardWorkersAgree(t *testing.T) {
	rng := rand.New(rand.NewPCG(47, 47))
	m := mustMeta(t, testConfig(3))
	const n = 300
	values := randSlice(rng, m.NParams, 1)
	x := randDense(rng, n, 3, 1)
	gy := randDense(rng, n, m.NEncodedDims, 1)
	ax, ap, err := m.Backward(gy, x, values, &Options{Workers: 1}, 3, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	bx, bp, err := m.Backward(gy, x, values, &Options{Workers: 8}, 3, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !mat.Equal(ax, bx) {
		t.Error("worker count changed the input gradient")
	}
	// Scatter order differs between runs, so only approximately equal.
	if !floats.EqualApprox(ap, bp, 1e-12) {
		t.Error("worker count changed the param gradient")
	}
}

func TestBackwardShapeErrors(t *testing.T) {
	m := mustMeta(t, testConfig(3))
	values := make([]float64, m.NParams)
	x := mat.NewDense(4, 3, nil)
	gy := mat.NewDense(4, m.NEncodedDims, nil)
	nanShift := mat.NewDense(1, 9, nil)
	nanShift.Set(0, 0, math.NaN())
	tests := []struct {
		name       string
		gy         *mat.Dense
		maxPosDims int
		inputMask  []bool
		opt        *Options
	}{
		{"nil dL_dy", nil, 3, nil, nil},
		{"dL_dy rows", mat.NewDense(3, m.NEncodedDims, nil), 3, nil, nil},
		{"dL_dy cols", mat.NewDense(4, 2, nil), 3, nil, nil},
		{"max pos dims", gy, 4, nil, nil},
		{"negative max pos dims", gy, -1, nil, nil},
		{"mask length", gy, 3, []bool{true}, nil},
		{"options", gy, 3, nil, &Options{MaxLevel: 9}},
		{"nan shift", gy, 3, nil, &Options{LevelRandomShifts: nanShift}},
	}
	for _, tt := range tests {
		_, _, err := m.Backward(tt.gy, x, values, tt.opt, tt.maxPosDims, tt.inputMask, nil)
		if !errors.Is(err, ErrShape) {
			t.Errorf("%s: err = %v, want ErrShape", tt.name, err)
		}
	}
}

func TestBackwardRejectsHugeCoordinates(t *testing.T) {
	m := mustMeta(t, testConfig(3))
	values := make([]float64, m.NParams)
	x := mat.NewDense(2, 3, []float64{0, 0, 0, 0.1, 1e18, 0.2})
	gy := mat.NewDense(2, m.NEncodedDims, nil)
	for _, mask := range [][]bool{nil, allFalse(3)} {
		dx, dp, err := m.Backward(gy, x, values, nil, 3, mask, nil)
		if !errors.Is(err, ErrShape) || dx != nil || dp != nil {
			t.Errorf("mask %v: got %v %v %v, want ErrShape", mask, dx, dp, err)
		}
	}
	x.Set(1, 1, math.NaN())
	dy, dp, err := m.BackwardBackwardInput(mat.NewDense(2, 3, nil), gy, x, values, nil, nil, nil)
	if !errors.Is(err, ErrShape) || dy != nil || dp != nil {
		t.Errorf("second order: got %v %v %v, want ErrShape", dy, dp, err)
	}
}
