package fit

import (
	"math"
	"sync"
)

// finite reports whether v is neither NaN nor infinite.
func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// forEach fans fn out over n subject indices on the given number of
// workers, in contiguous batches, and blocks until every call has
// returned (the reduction barrier). workers ≤ 1 runs serially. fn must
// only write state owned by its subject.
func forEach(n, workers, batch int, fn func(i int)) {
	if workers <= 1 || n <= 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}
	if batch < 1 {
		batch = 1
	}

	ranges := make(chan [2]int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := range ranges {
				for i := r[0]; i < r[1]; i++ {
					fn(i)
				}
			}
		}()
	}
	for lo := 0; lo < n; lo += batch {
		hi := lo + batch
		if hi > n {
			hi = n
		}
		ranges <- [2]int{lo, hi}
	}
	close(ranges)
	wg.Wait()
}
