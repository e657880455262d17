package permuto

import (
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"
)

// parallelRange splits [0, n) into contiguous chunks and runs fn on each
// from its own goroutine. workers <= 0 means runtime.NumCPU().
func parallelRange(n, workers int, fn func(lo, hi int)) int {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	workers = max(min(workers, n), 1)
	if workers == 1 {
		fn(0, n)
		return 1
	}
	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		wg.Go(func() { fn(lo, hi) })
	}
	wg.Wait()
	return workers
}

// atomicAddFloat64 adds v to *p with a CAS loop, so concurrent scatters into
// the same parameter slot never lose an update.
func atomicAddFloat64(p *float64, v float64) {
	addr := (*uint64)(unsafe.Pointer(p))
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64bits(math.Float64frombits(old) + v)
		if atomic.CompareAndSwapUint64(addr, old, next) {
			return
		}
	}
}
