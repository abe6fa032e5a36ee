package client

import "math"

// shardSizes computes each endpoint's share of n items per spec.md §4.5
// step 2: "each shard size is floor(n*w_i/Σw); distribute remainder
// round-robin." weights are assumed already normalized fractions summing
// to ~1, but this works for any positive weights.
func shardSizes(n int, weights []float64) []int {
	sizes := make([]int, len(weights))
	if n == 0 || len(weights) == 0 {
		return sizes
	}
	total := 0.0
	for _, w := range weights {
		total += w
	}
	assigned := 0
	for i, w := range weights {
		s := int(math.Floor(float64(n) * w / total))
		sizes[i] = s
		assigned += s
	}
	remainder := n - assigned
	for i := 0; remainder > 0; i = (i + 1) % len(weights) {
		sizes[i]++
		remainder--
	}
	return sizes
}

// shardOffsets returns, for each shard, the starting index into the
// original input slice it covers. Shards are contiguous ranges, so
// concatenating shard outputs in shard order reconstructs the original
// order directly — the "scatter map" in spec.md §4.5 step 2 degenerates to
// these offsets since shard assignment here never interleaves positions.
func shardOffsets(sizes []int) []int {
	offsets := make([]int, len(sizes))
	start := 0
	for i, s := range sizes {
		offsets[i] = start
		start += s
	}
	return offsets
}
