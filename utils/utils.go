package utils

import (
	"fmt"
	"log"
	"math/rand/v2"
	"slices"

	"github.com/muesli/clusters"
	"github.com/muesli/kmeans"
	"github.com/setanarut/permuto"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// RandomPositions samples n points uniformly from [-1, 1]^dim.
func RandomPositions(rng *rand.Rand, n, dim int) *mat.Dense {
	data := make([]float64, n*dim)
	for i := range data {
		data[i] = 2*rng.Float64() - 1
	}
	return mat.NewDense(n, dim, data)
}

// InitLatticeValues allocates meta.NParams values drawn uniformly from
// [-scale, scale].
func InitLatticeValues(rng *rand.Rand, meta *permuto.Meta, scale float64) []float64 {
	values := make([]float64, meta.NParams)
	for i := range values {
		values[i] = rng.Float64()*2 - 1
	}
	floats.Scale(scale, values)
	return values
}

// RandomLevelShifts samples one row of per-level shifts per batch, shaped
// [nBatches, nLevels*dim] as Options.LevelRandomShifts expects.
func RandomLevelShifts(rng *rand.Rand, nBatches, nLevels, dim int, scale float64) *mat.Dense {
	data := make([]float64, nBatches*nLevels*dim)
	for i := range data {
		data[i] = rng.Float64() * scale
	}
	return mat.NewDense(nBatches, nLevels*dim, data)
}

// ClusterBatches groups positions into k spatially coherent batches with
// k-means. It returns the positions reordered so every batch is contiguous,
// the matching batch offsets (len k+1, usable as Options.BatchOffsets) and
// the permutation: row i of the result is row perm[i] of the input.
// Empty clusters give empty batches.
func ClusterBatches(positions *mat.Dense, k int) (*mat.Dense, []int, []int, error) {
	n, dim := positions.Dims()
	if k <= 0 || k > n {
		return nil, nil, nil, fmt.Errorf("cluster batches: k=%d for %d points", k, n)
	}

	dataset := make(clusters.Observations, 0, n)
	for i := range n {
		dataset = append(dataset, clusters.Coordinates(slices.Clone(positions.RawRowView(i))))
	}
	km := kmeans.New()
	cc, err := km.Partition(dataset, k)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("cluster batches: %w", err)
	}
	if len(cc) != k {
		log.Printf("cluster batches: kmeans returned %d clusters, want %d", len(cc), k)
	}

	batch := make([]int, n)
	counts := make([]int, k)
	for i, obs := range dataset {
		b := min(cc.Nearest(obs), k-1)
		batch[i] = b
		counts[b]++
	}

	offsets := make([]int, k+1)
	for b := range k {
		offsets[b+1] = offsets[b] + counts[b]
	}
	perm := make([]int, n)
	next := slices.Clone(offsets[:k])
	for i, b := range batch {
		perm[next[b]] = i
		next[b]++
	}

	sorted := mat.NewDense(n, dim, nil)
	for i, src := range perm {
		sorted.SetRow(i, positions.RawRowView(src))
	}
	return sorted, offsets, perm, nil
}

// BatchSizes converts batch offsets into per-batch point counts.
func BatchSizes(offsets []int) []int {
	if len(offsets) < 2 {
		return nil
	}
	sizes := make([]int, len(offsets)-1)
	for b := range sizes {
		sizes[b] = offsets[b+1] - offsets[b]
	}
	return sizes
}
