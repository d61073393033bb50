package coach

import "math"

// maxTimestamps bounds a single expansion.
const maxTimestamps = 10000

// Timestamps expands a requested range into sample points start,
// start+1/fps, ... up to and including end. The start is rounded to two
// decimals first and each point is computed from its index rather than by
// repeated addition, so the same inputs always produce the same list and the
// values can be compared against timestamps that were already analyzed. A
// point whose rounded value would pass end is dropped.
//
// An inverted range, a non-finite bound or a non-positive rate yields no
// timestamps.
func Timestamps(start, end, fps float64) []float64 {
	if !finite(start) || !finite(end) || !finite(fps) || fps <= 0 || end < start {
		return nil
	}
	const epsilon = 1e-9
	first := roundTimestamp(start)
	if first > end {
		return nil
	}
	n := math.Floor((end-first)*fps+epsilon) + 1
	if n > maxTimestamps {
		n = maxTimestamps
	}
	out := make([]float64, 0, int(n))
	for i := 0; i < int(n); i++ {
		t := roundTimestamp(first + float64(i)/fps)
		if t > end {
			break
		}
		out = append(out, t)
	}
	return out
}

func roundTimestamp(t float64) float64 {
	return math.Round(t*100) / 100
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
