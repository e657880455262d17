package permuto

import "math"

// Config describes the levels of an encoder. See NewMeta.
type Config struct {
	// Dimensionality of the encoded coordinates. Must be one of SupportedInputDims.
	InputDims int
	// Upper bound on addressable vertices per level. Levels whose dense
	// vertex count exceeds it are hashed into HashmapSize slots.
	HashmapSize int
	// Per-level isotropic resolution (roughly lattice cells per unit length).
	// Higher => smaller simplices.
	Resolutions []float64
	// Optional per-level, per-dimension resolution for anisotropic levels.
	// When set, it overrides Resolutions and must have len == len(NumFeats).
	ResolutionsMultidim [][]float64
	// Per-level feature width, each >= 2.
	NumFeats []int
}

// DefaultConfig returns 16 levels of 2 features with resolutions from 4 to
// 512 and 2^19 slots per level.
func DefaultConfig(inputDims int) Config {
	return ConfigFromGeometric(inputDims, 16, 19, 4, 512, 2)
}

// ConfigFromGeometric spaces nLevels resolutions geometrically between minRes
// and maxRes, all with the same feature width.
func ConfigFromGeometric(inputDims, nLevels, log2Hashmap int, minRes, maxRes float64, nFeats int) Config {
	nLevels = max(nLevels, 1)
	res := make([]float64, nLevels)
	feats := make([]int, nLevels)
	growth := 1.0
	if nLevels > 1 && minRes > 0 && maxRes > 0 {
		growth = math.Exp((math.Log(maxRes) - math.Log(minRes)) / float64(nLevels-1))
	}
	for l := range nLevels {
		res[l] = minRes * math.Pow(growth, float64(l))
		feats[l] = nFeats
	}
	return Config{
		InputDims:   inputDims,
		HashmapSize: 1 << log2Hashmap,
		Resolutions: res,
		NumFeats:    feats,
	}
}

func (c Config) NumLevels() int {
	return len(c.NumFeats)
}
