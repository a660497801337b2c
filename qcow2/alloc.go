package qcow2

import "math/rand"

// The cluster allocator places metadata and data clusters without
// collision. Cluster 0 always holds the header, so a used set is never
// empty; both operations treat an empty set as a caller bug.

func maxUsed(used map[uint64]bool) uint64 {
	var max uint64
	for c := range used {
		if c > max {
			max = c
		}
	}
	return max
}

// freeClusters returns the unused indices in [1, max(used)+1) in
// ascending order.
func freeClusters(used map[uint64]bool) []uint64 {
	limit := maxUsed(used) + 1
	var free []uint64
	for i := uint64(1); i < limit; i++ {
		if !used[i] {
			free = append(free, i)
		}
	}
	return free
}

// pickDisjoint returns count cluster indices disjoint from used. It
// samples from the free slots below max(used)+1 first and extends the
// address space past max(used) when those run out. The caller is
// responsible for adding the result to used.
func pickDisjoint(rng *rand.Rand, used map[uint64]bool, count int) ([]uint64, error) {
	if len(used) == 0 {
		return nil, ErrNoUsedClusters
	}
	if count <= 0 {
		return nil, nil
	}

	free := freeClusters(used)
	if count <= len(free) {
		rng.Shuffle(len(free), func(i, j int) {
			free[i], free[j] = free[j], free[i]
		})
		return free[:count], nil
	}

	picked := free
	for next := maxUsed(used) + 1; len(picked) < count; next++ {
		picked = append(picked, next)
	}
	return picked, nil
}

// pickContiguous returns the start of a run of length free indices. Runs
// below max(used)+1 are preferred; candidates are shuffled so the choice
// carries no positional bias. When no run is long enough the run is
// appended past all current usage.
func pickContiguous(rng *rand.Rand, used map[uint64]bool, length int) (uint64, error) {
	if len(used) == 0 {
		return 0, ErrNoUsedClusters
	}
	limit := maxUsed(used) + 1
	if length <= 0 {
		return limit, nil
	}

	// freeClusters returns ascending indices, so runs are contiguous
	// stretches in the slice. Collect the start of every run at least
	// length long.
	free := freeClusters(used)
	var candidates []uint64
	runStart, runLen := uint64(0), 0
	for _, c := range free {
		if runLen == 0 || c != runStart+uint64(runLen) {
			runStart, runLen = c, 0
		}
		runLen++
		if runLen == length {
			candidates = append(candidates, runStart)
		}
	}

	if len(candidates) == 0 {
		return limit, nil
	}
	rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	return candidates[0], nil
}
