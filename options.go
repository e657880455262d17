package permuto

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Options carries the optional arguments shared by every pass.
// A nil *Options encodes all levels of a single batch without shifts.
type Options struct {
	// Shifts added to the scaled coordinates before locating the simplex,
	// shaped [1 or nBatches, NLevels*NInputDims]. A single row applies to
	// every batch.
	LevelRandomShifts *mat.Dense
	// Ambient (d+1)×(d+1) rotations of the lattice, one shared or one per
	// batch. See SampleRotations.
	Rotations []*mat.Dense

	// At most one batch layout may be set.
	// BatchInds gives the batch of every point.
	BatchInds []int
	// BatchOffsets delimits contiguous batches: batch b holds points
	// [BatchOffsets[b], BatchOffsets[b+1]).
	BatchOffsets []int
	// BatchDataSize holds either one entry (every batch has that many
	// points) or the point count of each batch.
	BatchDataSize []int

	// MaxLevel is the number of active levels; the rest encode to zero and
	// receive no gradient. 0 means all levels.
	MaxLevel int
	// Workers bounds the goroutines used by a pass. 0 means runtime.NumCPU().
	Workers int
}

// callContext is the validated, resolved form of Options for one call.
type callContext struct {
	n        int
	workers  int
	maxLevel int

	nBatches  int
	inds      []int
	offsets   []int
	uniform   int
	shifts    [][]float64 // per batch row, NLevels*d
	rotations [][]float64 // per batch, (d+1)² row-major
}

func (m *Meta) prepare(n int, opt *Options) (*callContext, error) {
	c := &callContext{n: n, maxLevel: m.NLevels, nBatches: 1}
	if opt == nil {
		return c, nil
	}
	c.workers = opt.Workers
	if opt.MaxLevel < 0 || opt.MaxLevel > m.NLevels {
		return nil, fmt.Errorf("%w: max level %d of %d", ErrShape, opt.MaxLevel, m.NLevels)
	}
	if opt.MaxLevel > 0 {
		c.maxLevel = opt.MaxLevel
	}

	layouts := 0
	for _, set := range []bool{opt.BatchInds != nil, opt.BatchOffsets != nil, opt.BatchDataSize != nil} {
		if set {
			layouts++
		}
	}
	if layouts > 1 {
		return nil, fmt.Errorf("%w: batch_inds, batch_offsets and batch_data_size are exclusive", ErrShape)
	}

	switch {
	case opt.BatchInds != nil:
		if len(opt.BatchInds) != n {
			return nil, fmt.Errorf("%w: %d batch indices for %d points", ErrShape, len(opt.BatchInds), n)
		}
		nb := 0
		for i, b := range opt.BatchInds {
			if b < 0 {
				return nil, fmt.Errorf("%w: point %d has batch index %d", ErrShape, i, b)
			}
			nb = max(nb, b+1)
		}
		c.inds = opt.BatchInds
		c.nBatches = nb
	case opt.BatchOffsets != nil:
		if err := checkOffsets(opt.BatchOffsets, n); err != nil {
			return nil, err
		}
		c.offsets = opt.BatchOffsets
		c.nBatches = len(opt.BatchOffsets) - 1
	case len(opt.BatchDataSize) == 1:
		size := opt.BatchDataSize[0]
		if size <= 0 || n%size != 0 {
			return nil, fmt.Errorf("%w: %d points do not split into batches of %d", ErrShape, n, size)
		}
		c.uniform = size
		c.nBatches = n / size
	case opt.BatchDataSize != nil:
		offsets := make([]int, len(opt.BatchDataSize)+1)
		for b, size := range opt.BatchDataSize {
			if size < 0 {
				return nil, fmt.Errorf("%w: batch %d has %d points", ErrShape, b, size)
			}
			offsets[b+1] = offsets[b] + size
		}
		if err := checkOffsets(offsets, n); err != nil {
			return nil, err
		}
		c.offsets = offsets
		c.nBatches = len(opt.BatchDataSize)
	}

	d := m.NInputDims
	if opt.LevelRandomShifts != nil {
		rows, cols := opt.LevelRandomShifts.Dims()
		if cols != m.NLevels*d {
			return nil, fmt.Errorf("%w: level shifts have %d cols, want %d", ErrShape, cols, m.NLevels*d)
		}
		if rows != 1 && rows < c.nBatches {
			return nil, fmt.Errorf("%w: %d shift rows for %d batches", ErrShape, rows, c.nBatches)
		}
		c.shifts = make([][]float64, rows)
		for b := range rows {
			c.shifts[b] = opt.LevelRandomShifts.RawRowView(b)
		}
	}
	if opt.Rotations != nil {
		if len(opt.Rotations) != 1 && len(opt.Rotations) < c.nBatches {
			return nil, fmt.Errorf("%w: %d rotations for %d batches", ErrShape, len(opt.Rotations), c.nBatches)
		}
		c.rotations = make([][]float64, len(opt.Rotations))
		for b, r := range opt.Rotations {
			if r == nil {
				return nil, fmt.Errorf("%w: rotation %d is nil", ErrShape, b)
			}
			rows, cols := r.Dims()
			if rows != d+1 || cols != d+1 {
				return nil, fmt.Errorf("%w: rotation %d is %dx%d, want %dx%d", ErrShape, b, rows, cols, d+1, d+1)
			}
			flat := make([]float64, 0, (d+1)*(d+1))
			for i := range d + 1 {
				flat = append(flat, r.RawRowView(i)...)
			}
			// Entries of an orthogonal matrix lie in [-1, 1].
			for _, v := range flat {
				if !(math.Abs(v) <= 1+1e-9) {
					return nil, fmt.Errorf("%w: rotation %d has entry %v", ErrShape, b, v)
				}
			}
			c.rotations[b] = flat
		}
	}
	return c, nil
}

// checkCoords runs checkPoint over every point and active level, so kernels
// never start on input they cannot index.
func (m *Meta) checkCoords(positions *mat.Dense, c *callContext) error {
	d := m.NInputDims
	for i := range c.n {
		x := positions.RawRowView(i)
		b := c.batchOf(i)
		for l := range c.maxLevel {
			if err := m.checkPoint(l, x, c.shift(b, l, d)); err != nil {
				return fmt.Errorf("point %d: %w", i, err)
			}
		}
	}
	return nil
}

func checkOffsets(offsets []int, n int) error {
	if len(offsets) < 2 || offsets[0] != 0 || offsets[len(offsets)-1] != n {
		return fmt.Errorf("%w: batch offsets must run from 0 to %d", ErrShape, n)
	}
	for b := 1; b < len(offsets); b++ {
		if offsets[b] < offsets[b-1] {
			return fmt.Errorf("%w: batch offsets decrease at %d", ErrShape, b)
		}
	}
	return nil
}

func (c *callContext) batchOf(i int) int {
	switch {
	case c.inds != nil:
		return c.inds[i]
	case c.offsets != nil:
		nb := len(c.offsets) - 1
		return sort.Search(nb, func(b int) bool { return c.offsets[b+1] > i })
	case c.uniform > 0:
		return i / c.uniform
	}
	return 0
}

// shift returns the shift of level l for batch b, or nil.
func (c *callContext) shift(b, l, d int) []float64 {
	if c.shifts == nil {
		return nil
	}
	row := c.shifts[0]
	if len(c.shifts) > 1 {
		row = c.shifts[b]
	}
	return row[l*d : (l+1)*d]
}

func (c *callContext) rotation(b int) []float64 {
	if c.rotations == nil {
		return nil
	}
	if len(c.rotations) > 1 {
		return c.rotations[b]
	}
	return c.rotations[0]
}

func levelMask(mask []bool, nLevels int, name string) ([]bool, bool, error) {
	if mask == nil {
		all := make([]bool, nLevels)
		for l := range all {
			all[l] = true
		}
		return all, true, nil
	}
	if len(mask) != nLevels {
		return nil, false, fmt.Errorf("%w: %s has %d entries for %d levels", ErrShape, name, len(mask), nLevels)
	}
	anySet := false
	for _, v := range mask {
		anySet = anySet || v
	}
	return mask, anySet, nil
}

func checkRows(name string, a *mat.Dense, rows, cols int) error {
	if a == nil {
		return fmt.Errorf("%w: %s is nil", ErrShape, name)
	}
	r, c := a.Dims()
	if r != rows || c != cols {
		return fmt.Errorf("%w: %s is %dx%d, want %dx%d", ErrShape, name, r, c, rows, cols)
	}
	return nil
}
