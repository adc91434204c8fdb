package conv

import "slices"

func divCeil(a, b int) int { return (a + b - 1) / b }

// divisors returns every divisor of n in ascending order.
func divisors(n int) []int {
	var ds []int
	for d := 1; d <= n; d++ {
		if n%d == 0 {
			ds = append(ds, d)
		}
	}
	return ds
}

// largestDivisorUpTo returns the largest divisor of n not exceeding cap.
// Every positive n has at least the divisor 1.
func largestDivisorUpTo(n, cap int) int {
	best := 1
	for d := 2; d <= n && d <= cap; d++ {
		if n%d == 0 {
			best = d
		}
	}
	return best
}

// suitableBlock searches the divisors of total for a micro block close to
// original whose block count divides evenly across threads, so no thread
// sits idle on a channel tail.
func suitableBlock(total, original, threads int) int {
	suitable := original
	for _, split := range divisors(total) {
		if (total/split)%threads != 0 {
			continue
		}
		if (total/suitable)%threads != 0 || abs(original-split) < abs(original-suitable) {
			suitable = split
		}
	}
	return suitable
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// osBlockCandidates enumerates candidate flattened-output block sizes in
// ascending order: divisors of the output width give blocks that never
// cross a row boundary, divisors of the adjusted output size give
// row-crossing blocks for the packed path.
func osBlockCandidates(ow, adjOS int) []int {
	seen := map[int]bool{}
	var out []int
	for _, d := range divisors(ow) {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	for _, d := range divisors(adjOS) {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	slices.Sort(out)
	return out
}

// smallestFactorAtLeast returns the smallest divisor of n that is >= min,
// or min itself when no divisor qualifies.
func smallestFactorAtLeast(n, min int) int {
	for _, f := range divisors(n) {
		if f >= min {
			return f
		}
	}
	return min
}
