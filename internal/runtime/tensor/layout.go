package tensor

import "fmt"

// Layout names the physical arrangement of an attention input.
type Layout int

const (
	// LayoutBSHD is (batch, sequence, heads, head_dim).
	LayoutBSHD Layout = iota + 1
	// LayoutBHSD is (batch, heads, sequence, head_dim).
	LayoutBHSD
)

func (l Layout) String() string {
	switch l {
	case LayoutBSHD:
		return "bshd"
	case LayoutBHSD:
		return "bhsd"
	default:
		return fmt.Sprintf("layout(%d)", int(l))
	}
}

// Shape returns the tensor shape for the given sizes in this layout.
func (l Layout) Shape(batch, seq, heads, headDim int) []int64 {
	if l == LayoutBHSD {
		return []int64{int64(batch), int64(heads), int64(seq), int64(headDim)}
	}

	return []int64{int64(batch), int64(seq), int64(heads), int64(headDim)}
}

// Dims is the logical view of an attention tensor.
type Dims struct {
	Batch   int
	Seq     int
	Heads   int
	HeadDim int
}

// Dims decodes a rank-4 shape laid out as l.
func (l Layout) Dims(shape []int64) (Dims, error) {
	if len(shape) != 4 {
		return Dims{}, fmt.Errorf("tensor: %s layout requires rank 4, got shape %v", l, shape)
	}

	d := Dims{Batch: int(shape[0]), HeadDim: int(shape[3])}

	switch l {
	case LayoutBSHD:
		d.Seq, d.Heads = int(shape[1]), int(shape[2])
	case LayoutBHSD:
		d.Heads, d.Seq = int(shape[1]), int(shape[2])
	default:
		return Dims{}, fmt.Errorf("tensor: unknown layout %d", int(l))
	}

	return d, nil
}

// Offset returns the linear offset of element (b, s, h, 0) in this layout.
func (l Layout) Offset(d Dims, b, s, h int) int {
	if l == LayoutBHSD {
		return ((b*d.Heads+h)*d.Seq + s) * d.HeadDim
	}

	return ((b*d.Seq+s)*d.Heads + h) * d.HeadDim
}
