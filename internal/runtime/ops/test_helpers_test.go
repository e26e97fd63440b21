package ops

import (
	"math"
	"strings"
	"testing"

	"github.com/example/go-attnbench/internal/runtime/tensor"
)

func seqDataT(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32((i%17)-8) / 17
	}

	return out
}

func equalApprox(got, want []float32, tol float64) bool {
	if len(got) != len(want) {
		return false
	}

	for i := range got {
		delta := math.Abs(float64(got[i] - want[i]))
		if delta > tol {
			return false
		}
	}

	return true
}

func mustTensorT(t *testing.T, data []float32, shape []int64) *tensor.Tensor {
	t.Helper()

	tt, err := tensor.New(data, shape)
	if err != nil {
		t.Fatalf("tensor.New(%v, %v): %v", data, shape, err)
	}

	return tt
}

func assertErrContains(t *testing.T, err error, substr string) {
	t.Helper()

	if err == nil {
		t.Fatalf("expected error containing %q, got nil", substr)
	}

	if !strings.Contains(err.Error(), substr) {
		t.Fatalf("error %q does not contain %q", err.Error(), substr)
	}
}

// referenceAttention computes non-causal attention in float64 over heads
// stored contiguously as [heads, seq, d].
func referenceAttention(q, k, v []float32, heads, sq, skv, d int) []float32 {
	out := make([]float32, heads*sq*d)
	scale := 1 / math.Sqrt(float64(d))
	scores := make([]float64, skv)

	for h := range heads {
		qh := q[h*sq*d:]
		kh := k[h*skv*d:]
		vh := v[h*skv*d:]

		for i := range sq {
			maxV := math.Inf(-1)

			for j := range skv {
				var s float64
				for c := range d {
					s += float64(qh[i*d+c]) * float64(kh[j*d+c])
				}

				scores[j] = s * scale
				maxV = math.Max(maxV, scores[j])
			}

			var sum float64

			for j := range skv {
				scores[j] = math.Exp(scores[j] - maxV)
				sum += scores[j]
			}

			for c := range d {
				var acc float64
				for j := range skv {
					acc += scores[j] * float64(vh[j*d+c])
				}

				out[(h*sq+i)*d+c] = float32(acc / sum)
			}
		}
	}

	return out
}

func assertWithin(t *testing.T, got, want []float32, tol Tolerance) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d want %d", len(got), len(want))
	}

	for i := range got {
		if !tol.Within(float64(got[i]), float64(want[i])) {
			t.Fatalf("index %d: got %v want %v (tol %+v)", i, got[i], want[i], tol)
		}
	}
}
