package permuto

import "fmt"

// Per-dimension multipliers of the spatial hash. The first seven follow the
// coherent hash used by instant-ngp (the leading 1 keeps neighbouring
// vertices along dim 0 in neighbouring slots), the rest are further 32-bit
// primes (Teschner et al., xxHash32, FNV, Mersenne).
var hashPrimes = [...]uint32{
	1,
	2654435761,
	805459861,
	3674653429,
	2097192037,
	1434869437,
	2165219737,
	73856093,
	19349663,
	83492791,
	2246822519,
	3266489917,
	668265263,
	374761393,
	16777619,
	2147483647,
}

// slot maps a lattice vertex (its first d coordinates suffice) to an index
// in [0, LevelSizes[level]). Hashed levels XOR the prime-weighted
// coordinates and fold modulo the hashmap size; colliding vertices share
// their features. Dense levels enumerate vertices bijectively by remainder
// class and quotient, wrapping anything outside [-1,1]^d.
func (m *Meta) slot(level int, key []int) int {
	d := m.NInputDims
	if m.levelHashed[level] {
		var h uint32
		for i := range d {
			h ^= uint32(key[i]) * hashPrimes[i]
		}
		return int(h % uint32(m.HashmapSize))
	}
	dp1 := d + 1
	r := ((key[0] % dp1) + dp1) % dp1
	qHalf := m.levelQHalf[level]
	qRange := 2*qHalf + 1
	idx := 0
	for i := d - 1; i >= 0; i-- {
		q := (key[i] - r) / dp1
		q = ((q+qHalf)%qRange + qRange) % qRange
		idx = idx*qRange + q
	}
	return r + dp1*idx
}

// HashVertex returns the slot of a lattice vertex at a level. vertex holds
// d or d+1 coordinates on the zero-sum sublattice; the same mapping is
// used by the forward and both backward passes.
func (m *Meta) HashVertex(level int, vertex []int) (int, error) {
	if level < 0 || level >= m.NLevels {
		return 0, fmt.Errorf("%w: level %d of %d", ErrShape, level, m.NLevels)
	}
	if len(vertex) < m.NInputDims {
		return 0, fmt.Errorf("%w: vertex has %d coords, want %d", ErrShape, len(vertex), m.NInputDims)
	}
	return m.slot(level, vertex), nil
}
