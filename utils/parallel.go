// Package utils contains helpers for splitting data-parallel work across
// available processor threads.
package utils

import (
	"image"
	"runtime"
	"sync"

	"go.viam.com/utils"
)

// ParallelFactor controls the max level of parallelization. This might be useful
// to set in tests where too much parallelism actually slows tests down in
// aggregate.
var ParallelFactor = runtime.GOMAXPROCS(0)

func init() {
	if ParallelFactor <= 0 {
		ParallelFactor = 1
	}
}

// RangeWorkFunc runs the work for one contiguous chunk [from, to) of a range.
type RangeWorkFunc func(from, to int)

// ParallelOverRange splits [0, size) into one contiguous chunk per worker and
// runs f on each chunk in its own goroutine. Chunk boundaries are
// deterministic; the order in which chunks run is not. f must only write to
// indices inside its own chunk.
func ParallelOverRange(size int, f RangeWorkFunc) {
	if size <= 0 {
		return
	}
	workers := ParallelFactor
	if workers > size {
		workers = size
	}
	chunk := size / workers
	extra := size % workers

	var wait sync.WaitGroup
	wait.Add(workers)
	from := 0
	for w := 0; w < workers; w++ {
		to := from + chunk
		if w < extra {
			to++
		}
		fromCopy, toCopy := from, to
		utils.PanicCapturingGo(func() {
			defer wait.Done()
			f(fromCopy, toCopy)
		})
		from = to
	}
	wait.Wait()
}

// ParallelForEachPixel loops through an image of the given size and calls f
// for each [x, y] position from parallel goroutines.
func ParallelForEachPixel(size image.Point, f func(x, y int)) {
	if size.X <= 0 || size.Y <= 0 {
		return
	}
	ParallelOverRange(size.X*size.Y, func(from, to int) {
		for i := from; i < to; i++ {
			f(i%size.X, i/size.X)
		}
	})
}
