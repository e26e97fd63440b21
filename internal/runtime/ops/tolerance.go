package ops

import "fmt"

// Tolerance defines acceptable drift of a float16 kernel output versus the
// float32 reference.
type Tolerance struct {
	Abs float64
	Rel float64
}

// KernelTolerances holds per-kernel parity targets.
var KernelTolerances = map[string]Tolerance{
	"attention":         {Abs: 1e-4, Rel: 1e-4},
	"causal_mask":       {Abs: 0, Rel: 0},
	"sdpa":              {Abs: 2e-3, Rel: 2e-3},
	"flash_tiled":       {Abs: 2e-3, Rel: 2e-3},
	"flash_blocked":     {Abs: 2e-3, Rel: 2e-3},
	"chunked":           {Abs: 2e-3, Rel: 2e-3},
	"head_materialized": {Abs: 2e-3, Rel: 2e-3},
	"naive":             {Abs: 2e-3, Rel: 2e-3},
}

func KernelTolerance(name string) (Tolerance, error) {
	t, ok := KernelTolerances[name]
	if !ok {
		return Tolerance{}, fmt.Errorf("ops: no tolerance configured for kernel %q", name)
	}

	return t, nil
}

// Within reports whether got is within t of want.
func (t Tolerance) Within(got, want float64) bool {
	diff := got - want
	if diff < 0 {
		diff = -diff
	}

	ref := want
	if ref < 0 {
		ref = -ref
	}

	return diff <= t.Abs+t.Rel*ref
}
