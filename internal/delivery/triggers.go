package delivery

import (
	"hash/fnv"
	"math/rand/v2"
	"time"
)

// JitterFor returns a deterministic offset in [low, high] for part index of
// the job identified by seed.
func JitterFor(seed uint64, index, low, high int) int {
	if high <= low {
		return low
	}
	rng := rand.New(rand.NewPCG(seed, uint64(index)))
	return low + rng.IntN(high-low+1)
}

// PlanTriggers returns n trigger minutes. Minute i is base + i + jitter(i)
// minutes, moved forward when needed so every minute is strictly later than
// the one before it.
func PlanTriggers(base time.Time, n, low, high int, seed uint64) []time.Time {
	base = base.Truncate(time.Minute)
	minutes := make([]time.Time, 0, n)
	for i := range n {
		at := base.Add(time.Duration(i+JitterFor(seed, i, low, high)) * time.Minute)
		if len(minutes) > 0 {
			if prev := minutes[len(minutes)-1]; !at.After(prev) {
				at = prev.Add(time.Minute)
			}
		}
		minutes = append(minutes, at)
	}
	return minutes
}

// SeedFor derives a jitter seed from a job identifier.
func SeedFor(id string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return h.Sum64()
}
