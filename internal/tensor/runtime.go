package tensor

import (
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// workers bounds the goroutines used by element-wise kernels. The zero value
// means serial execution.
var workers atomic.Int32

// minParallelChunk keeps small tensors on the calling goroutine.
const minParallelChunk = 1 << 14

// SetWorkers sets the kernel goroutine limit. n <= 1 runs kernels serially.
func SetWorkers(n int) {
	workers.Store(int32(min(max(n, 1), 1<<16)))
}

// Workers reports the configured kernel parallelism.
func Workers() int {
	return max(int(workers.Load()), 1)
}

// parallelFor splits [0, n) into at most maxWorkers contiguous ranges of at
// least minParallelChunk elements and runs fn on each.
func parallelFor(n, maxWorkers int, fn func(lo, hi int)) {
	parts := min(maxWorkers, n/minParallelChunk)
	if parts <= 1 {
		if n > 0 {
			fn(0, n)
		}
		return
	}

	chunk := (n + parts - 1) / parts

	var g errgroup.Group
	for lo := 0; lo < n; lo += chunk {
		g.Go(func() error {
			fn(lo, min(lo+chunk, n))
			return nil
		})
	}

	_ = g.Wait()
}
