// Package parallel splits CPU kernel loops across goroutines.
package parallel

import (
	"runtime"
	"sync"
)

// Config controls how a loop is split.
type Config struct {
	Enabled      bool // Whether parallel execution is enabled.
	NumWorkers   int  // Upper bound on goroutines per loop.
	MinChunkSize int  // Minimum work units (elements) per goroutine.
}

// DefaultConfig uses every CPU and chunks of at least 4096 elements.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinChunkSize: 4096,
	}
}

// Sequential never spawns goroutines.
func Sequential() Config {
	return Config{}
}

// Range calls f(lo, hi) over disjoint chunks covering [0, n).
// cost is the approximate work per index, used against MinChunkSize.
func Range(n, cost int, f func(lo, hi int), cfg Config) {
	if n <= 0 {
		return
	}
	cost = max(cost, 1)
	if !cfg.Enabled || cfg.NumWorkers < 2 || n*cost < 2*cfg.MinChunkSize {
		f(0, n)
		return
	}
	perChunk := max(cfg.MinChunkSize/cost, 1)
	chunk := max((n+cfg.NumWorkers-1)/cfg.NumWorkers, perChunk)
	if chunk >= n {
		f(0, n)
		return
	}

	var wg sync.WaitGroup
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			f(lo, hi)
		}(lo, hi)
	}
	wg.Wait()
}

// For executes f(i) for i in [0, n).
func For(n, cost int, f func(i int), cfg Config) {
	Range(n, cost, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			f(i)
		}
	}, cfg)
}
