package tensor

import "math"

// Dot computes the dot product of two equal-length float32 slices.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}

	return sum
}

// DotFMA computes the dot product with fused multiply-add accumulation in
// float64. It is only fast on hardware with FMA instructions.
func DotFMA(a, b []float32) float32 {
	var sum float64
	for i := range a {
		sum = math.FMA(float64(a[i]), float64(b[i]), sum)
	}

	return float32(sum)
}
