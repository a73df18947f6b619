package engine

// roundUp returns the smallest multiple of divisor that is >= n. Global
// work sizes are rounded up to whole work groups.
func roundUp(n, divisor int) int {
	rest := n % divisor
	if rest == 0 {
		return n
	}
	return n + divisor - rest
}
