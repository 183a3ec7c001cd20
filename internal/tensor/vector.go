// Package tensor provides the small vector-math helpers used by the
// similarity ranker and the embedding cache.
package tensor

import "math"

// Dot returns the dot product of a and b. Vectors of unequal length are
// compared over their common prefix.
func Dot(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// Norm returns the Euclidean norm of v.
func Norm(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}

// Cosine returns the cosine similarity of a and b clamped to [0,1]. A negative
// dot product is treated as zero similarity; zero vectors score zero.
func Cosine(a, b []float64) float64 {
	na, nb := Norm(a), Norm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	return Clamp01(Dot(a, b) / (na * nb))
}

// Clamp01 clamps x to [0,1].
func Clamp01(x float64) float64 {
	if x < 0 || math.IsNaN(x) {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// Clamp clamps x to [lo,hi].
func Clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// IsFinite reports whether every element of v is a finite number.
func IsFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
