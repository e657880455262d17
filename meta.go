// Package permuto implements a multi-resolution permutohedral lattice
// positional encoder with analytic first and second order gradients.
package permuto

import (
	"fmt"
	"math"
	"slices"
)

// Widest feature chunk a pseudo-level carries.
const maxPseudoWidth = 8

// Largest magnitude a scaled coordinate may reach. Elevated coordinates stay
// below (2d+1) times this, well inside both int and exact float64 range.
const maxLatticeCoord = 1 << 40

// SupportedInputDims lists the coordinate dimensionalities NewMeta accepts.
var SupportedInputDims = []int{2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

// Meta is the immutable per-level geometry shared by every pass.
// Exported fields are read-only; callers size buffers from them
// (lattice values hold NParams scalars, outputs NEncodedDims columns).
type Meta struct {
	NInputDims    int
	NDimsToEncode int
	NLevels       int
	HashmapSize   int

	// Levels are split into NPseudoLevels chunks of NFeatPerPseudoLvl
	// features. MapLevels[p] owns pseudo-level p and MapCnt[p] is its
	// ordinal inside that level.
	NPseudoLevels     int
	NFeatPerPseudoLvl int
	MapLevels         []int
	MapCnt            []int

	LevelNFeats []int
	// LevelScales0 holds the isotropic resolution of each level (the largest
	// per-dim one for anisotropic levels) and LevelScalesMultidim the
	// per-dim resolutions. Dimension j is scaled by
	// res_j*(d+1)/sqrt((j+1)(j+2)) before elevation.
	LevelScales0        []float64
	LevelScalesMultidim [][]float64
	LevelSizes          []int
	LevelNParams        []int
	// LevelOffsets has NLevels+1 entries; the last one equals NParams.
	LevelOffsets []int

	NEncodedDims int
	NParams      int

	levelOutOffsets []int
	levelHashed     []bool
	levelQHalf      []int
	scaleFactors    [][]float64
}

// BuildMeta is NewMeta with the configuration passed positionally.
func BuildMeta(nInputDim, hashmapSize int, resList []float64, nFeatsList []int) (*Meta, error) {
	return NewMeta(Config{
		InputDims:   nInputDim,
		HashmapSize: hashmapSize,
		Resolutions: slices.Clone(resList),
		NumFeats:    slices.Clone(nFeatsList),
	})
}

// NewMeta validates cfg and derives the per-level layout. It fails with
// ErrConfig for unsupported dimensions, mismatched list lengths, feature
// widths below 2, and resolutions that are not positive or too large to
// address lattice vertices with an int.
func NewMeta(cfg Config) (*Meta, error) {
	d := cfg.InputDims
	if !slices.Contains(SupportedInputDims, d) {
		return nil, fmt.Errorf("%w: n_input_dim %d not in %v", ErrConfig, d, SupportedInputDims)
	}
	if cfg.HashmapSize <= 0 || uint64(cfg.HashmapSize) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: hashmap size %d", ErrConfig, cfg.HashmapSize)
	}
	nLevels := cfg.NumLevels()
	if nLevels == 0 {
		return nil, fmt.Errorf("%w: no levels", ErrConfig)
	}
	if cfg.ResolutionsMultidim == nil && len(cfg.Resolutions) != nLevels {
		return nil, fmt.Errorf("%w: %d resolutions for %d feature widths", ErrConfig, len(cfg.Resolutions), nLevels)
	}
	if cfg.ResolutionsMultidim != nil {
		if len(cfg.ResolutionsMultidim) != nLevels {
			return nil, fmt.Errorf("%w: %d per-dim resolutions for %d feature widths", ErrConfig, len(cfg.ResolutionsMultidim), nLevels)
		}
		if cfg.Resolutions != nil && len(cfg.Resolutions) != nLevels {
			return nil, fmt.Errorf("%w: %d resolutions for %d feature widths", ErrConfig, len(cfg.Resolutions), nLevels)
		}
	}
	for l, nf := range cfg.NumFeats {
		if nf < 2 {
			return nil, fmt.Errorf("%w: level %d has %d features, need >= 2", ErrConfig, l, nf)
		}
	}

	m := &Meta{
		NInputDims:          d,
		NDimsToEncode:       d,
		NLevels:             nLevels,
		HashmapSize:         cfg.HashmapSize,
		LevelNFeats:         slices.Clone(cfg.NumFeats),
		LevelScales0:        make([]float64, nLevels),
		LevelScalesMultidim: make([][]float64, nLevels),
		LevelSizes:          make([]int, nLevels),
		LevelNParams:        make([]int, nLevels),
		LevelOffsets:        make([]int, nLevels+1),
		levelOutOffsets:     make([]int, nLevels),
		levelHashed:         make([]bool, nLevels),
		levelQHalf:          make([]int, nLevels),
		scaleFactors:        make([][]float64, nLevels),
	}

	for l := range nLevels {
		res := make([]float64, d)
		if cfg.ResolutionsMultidim != nil {
			if len(cfg.ResolutionsMultidim[l]) != d {
				return nil, fmt.Errorf("%w: level %d has %d per-dim resolutions, want %d", ErrConfig, l, len(cfg.ResolutionsMultidim[l]), d)
			}
			copy(res, cfg.ResolutionsMultidim[l])
		} else {
			for j := range d {
				res[j] = cfg.Resolutions[l]
			}
		}
		maxRes := 0.0
		for j, r := range res {
			if !(r > 0) || r*float64(d+1) > maxLatticeCoord {
				return nil, fmt.Errorf("%w: level %d dim %d resolution %v", ErrConfig, l, j, r)
			}
			maxRes = max(maxRes, r)
		}
		if cfg.Resolutions != nil {
			m.LevelScales0[l] = cfg.Resolutions[l]
		} else {
			m.LevelScales0[l] = maxRes
		}
		m.LevelScalesMultidim[l] = res

		sf := make([]float64, d)
		for j := range d {
			sf[j] = res[j] * float64(d+1) / math.Sqrt(float64((j+1)*(j+2)))
		}
		m.scaleFactors[l] = sf

		// Dense enumeration covers every vertex reachable from [-1,1]^d.
		qHalf := math.Ceil(maxRes*math.Sqrt(float64(d))) + 2
		dense := float64(d + 1)
		for range d {
			dense *= 2*qHalf + 1
		}
		if dense > float64(cfg.HashmapSize) {
			m.levelHashed[l] = true
			m.LevelSizes[l] = cfg.HashmapSize
		} else {
			m.levelQHalf[l] = int(qHalf)
			m.LevelSizes[l] = int(dense)
		}

		m.LevelNParams[l] = m.LevelSizes[l] * m.LevelNFeats[l]
		m.LevelOffsets[l+1] = m.LevelOffsets[l] + m.LevelNParams[l]
		m.levelOutOffsets[l] = m.NEncodedDims
		m.NEncodedDims += m.LevelNFeats[l]
	}
	m.NParams = m.LevelOffsets[nLevels]

	// ============ PSEUDO LEVELS ============

	g := 0
	for _, nf := range m.LevelNFeats {
		g = gcd(g, nf)
	}
	w := 1
	for c := min(g, maxPseudoWidth); c > 1; c-- {
		if g%c == 0 {
			w = c
			break
		}
	}
	m.NFeatPerPseudoLvl = w
	for l, nf := range m.LevelNFeats {
		for c := range nf / w {
			m.MapLevels = append(m.MapLevels, l)
			m.MapCnt = append(m.MapCnt, c)
		}
	}
	m.NPseudoLevels = len(m.MapLevels)

	Logger().Debug("permuto: meta built",
		"dims", d,
		"levels", nLevels,
		"pseudo_levels", m.NPseudoLevels,
		"pseudo_width", w,
		"encoded_dims", m.NEncodedDims,
		"params", m.NParams,
	)
	return m, nil
}

// Hashed reports whether level l folds its vertices through the spatial
// hash rather than enumerating them densely.
func (m *Meta) Hashed(level int) bool {
	return m.levelHashed[level]
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
