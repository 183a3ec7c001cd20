package tensor

import (
	"math"
	"testing"
)

func TestDot(t *testing.T) {
	if got := Dot([]float64{1, 2, 3}, []float64{4, 5, 6}); got != 32 {
		t.Fatalf("Dot = %v", got)
	}
	// Unequal lengths use the common prefix.
	if got := Dot([]float64{1, 2}, []float64{3, 4, 100}); got != 11 {
		t.Fatalf("Dot prefix = %v", got)
	}
}

func TestCosine(t *testing.T) {
	a := []float64{1, 0}
	b := []float64{0, 1}
	if got := Cosine(a, a); math.Abs(got-1) > 1e-9 {
		t.Fatalf("identical vectors: %v", got)
	}
	if got := Cosine(a, b); got != 0 {
		t.Fatalf("orthogonal vectors: %v", got)
	}
	// Opposed vectors clamp to zero rather than going negative.
	if got := Cosine(a, []float64{-1, 0}); got != 0 {
		t.Fatalf("opposed vectors: %v", got)
	}
	if got := Cosine(nil, a); got != 0 {
		t.Fatalf("zero vector: %v", got)
	}
}

func TestClamp(t *testing.T) {
	if Clamp01(1.5) != 1 || Clamp01(-0.5) != 0 || Clamp01(math.NaN()) != 0 {
		t.Fatal("Clamp01 out of range")
	}
	if Clamp(12, 0, 10) != 10 || Clamp(-3, 0, 10) != 0 || Clamp(5, 0, 10) != 5 {
		t.Fatal("Clamp out of range")
	}
}

func TestIsFinite(t *testing.T) {
	if !IsFinite([]float64{0, 1, -2.5}) {
		t.Fatal("finite vector misreported")
	}
	if IsFinite([]float64{1, math.NaN()}) || IsFinite([]float64{math.Inf(1)}) {
		t.Fatal("non-finite vector misreported")
	}
}
