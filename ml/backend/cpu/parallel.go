package cpu

import "golang.org/x/sync/errgroup"

// minChunk is the smallest number of elements worth handing to a goroutine
const minChunk = 1 << 14

// parallel splits [0, n) into contiguous chunks processed on up to b.threads goroutines
func (b *Backend) parallel(n int, fn func(lo, hi int)) {
	chunks := min(b.threads, n/minChunk)
	if chunks <= 1 {
		fn(0, n)
		return
	}

	size := (n + chunks - 1) / chunks

	var g errgroup.Group
	g.SetLimit(b.threads)
	for lo := 0; lo < n; lo += size {
		hi := min(lo+size, n)
		g.Go(func() error {
			fn(lo, hi)
			return nil
		})
	}

	// chunks never fail
	_ = g.Wait()
}
