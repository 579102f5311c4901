package tensor

import (
	"errors"
	"fmt"

	"github.com/x448/float16"
)

// DType identifies the element type of a fixed slot. The engine only needs
// the four types that appear in statically exported decoder graphs: token and
// position ids (I32/I64), logits and KV state (F32), and half-precision
// attention masks (F16).
type DType uint8

const (
	I32 DType = iota + 1
	I64
	F32
	F16
)

func (d DType) String() string {
	switch d {
	case I32:
		return "i32"
	case I64:
		return "i64"
	case F32:
		return "f32"
	case F16:
		return "f16"
	}
	return fmt.Sprintf("dtype(%d)", uint8(d))
}

var (
	// ErrCapacity is returned when a copy would write more elements than the
	// destination slot holds. Slots never grow.
	ErrCapacity = errors.New("tensor: capacity exceeded")
	// ErrDTypeMismatch is returned when two slots of different element types
	// are combined.
	ErrDTypeMismatch = errors.New("tensor: dtype mismatch")
	// ErrShapeMismatch is returned when an operation requires identical or
	// compatible shapes and the slots disagree.
	ErrShapeMismatch = errors.New("tensor: shape mismatch")
)

// Fixed is a named, pre-allocated buffer with a fixed element count and
// element type. The shape is set at creation and never changes; only the
// contents do. A Fixed is owned by the stage that allocated it, except while
// aliased (see AliasFrom), in which case two slots deliberately share one
// backing buffer under a single-writer/single-reader step discipline.
type Fixed struct {
	name  string
	dtype DType
	shape []int64

	// Exactly one of these is non-nil, selected by dtype. Aliasing copies the
	// slice header, so writes through either slot land in the same storage.
	i32 []int32
	i64 []int64
	f32 []float32
	f16 []float16.Float16
}

// New allocates a zeroed slot. All dimensions must be positive; a slot with a
// dynamic dimension cannot exist in a fixed-shape graph.
func New(name string, dtype DType, shape []int64) (*Fixed, error) {
	n := int64(1)
	for _, d := range shape {
		if d <= 0 {
			return nil, fmt.Errorf("%w: %q has non-static dimension %d", ErrShapeMismatch, name, d)
		}
		n *= d
	}
	t := &Fixed{name: name, dtype: dtype, shape: append([]int64(nil), shape...)}
	switch dtype {
	case I32:
		t.i32 = make([]int32, n)
	case I64:
		t.i64 = make([]int64, n)
	case F32:
		t.f32 = make([]float32, n)
	case F16:
		t.f16 = make([]float16.Float16, n)
	default:
		return nil, fmt.Errorf("tensor: unknown dtype %v for %q", dtype, name)
	}
	return t, nil
}

// MustNew is New for statically known-good shapes; it panics on error.
func MustNew(name string, dtype DType, shape []int64) *Fixed {
	t, err := New(name, dtype, shape)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Fixed) Name() string { return t.name }

func (t *Fixed) DType() DType { return t.dtype }

// Shape returns a copy of the slot's dimensions.
func (t *Fixed) Shape() []int64 { return append([]int64(nil), t.shape...) }

// Len is the total element count.
func (t *Fixed) Len() int {
	n := 1
	for _, d := range t.shape {
		n *= int(d)
	}
	return n
}

// Dim returns the size of one dimension.
func (t *Fixed) Dim(axis int) int64 { return t.shape[axis] }

// I32 returns the backing buffer of an I32 slot. The returned slice is a
// live view; writes through it are writes to the slot.
func (t *Fixed) I32() []int32 { return t.i32 }

// I64 returns the backing buffer of an I64 slot.
func (t *Fixed) I64() []int64 { return t.i64 }

// F32 returns the backing buffer of an F32 slot.
func (t *Fixed) F32() []float32 { return t.f32 }

// F16 returns the backing buffer of an F16 slot as raw half-precision words.
func (t *Fixed) F16() []float16.Float16 { return t.f16 }

// SetF16 stores v at index i of an F16 slot.
func (t *Fixed) SetF16(i int, v float32) { t.f16[i] = float16.Fromfloat32(v) }

// F16At loads index i of an F16 slot as float32.
func (t *Fixed) F16At(i int) float32 { return t.f16[i].Float32() }

// Fill sets every element to v, converted to the slot's element type.
func (t *Fixed) Fill(v float64) {
	switch t.dtype {
	case I32:
		x := int32(v)
		for i := range t.i32 {
			t.i32[i] = x
		}
	case I64:
		x := int64(v)
		for i := range t.i64 {
			t.i64[i] = x
		}
	case F32:
		x := float32(v)
		for i := range t.f32 {
			t.f32[i] = x
		}
	case F16:
		x := float16.Fromfloat32(float32(v))
		for i := range t.f16 {
			t.f16[i] = x
		}
	}
}

// AliasFrom makes this slot's storage identical to other's: both names now
// refer to one buffer. Used once per generation to let a decode step's
// past_* input observe what the graph wrote to the matching present_*
// output, with no copy. Element type and count must match exactly.
func (t *Fixed) AliasFrom(other *Fixed) error {
	if t.dtype != other.dtype {
		return fmt.Errorf("%w: alias %q (%v) from %q (%v)", ErrDTypeMismatch, t.name, t.dtype, other.name, other.dtype)
	}
	if t.Len() != other.Len() {
		return fmt.Errorf("%w: alias %q (%d elems) from %q (%d elems)", ErrShapeMismatch, t.name, t.Len(), other.name, other.Len())
	}
	t.i32 = other.i32
	t.i64 = other.i64
	t.f32 = other.f32
	t.f16 = other.f16
	return nil
}

// Aliases reports whether two slots share backing storage.
func (t *Fixed) Aliases(other *Fixed) bool {
	if t.Len() == 0 || other.Len() == 0 || t.dtype != other.dtype {
		return false
	}
	switch t.dtype {
	case I32:
		return &t.i32[0] == &other.i32[0]
	case I64:
		return &t.i64[0] == &other.i64[0]
	case F32:
		return &t.f32[0] == &other.f32[0]
	case F16:
		return &t.f16[0] == &other.f16[0]
	}
	return false
}

// Clone returns an independent deep copy of the slot.
func (t *Fixed) Clone() *Fixed {
	c := MustNew(t.name, t.dtype, t.shape)
	_ = c.CopyFrom(t)
	return c
}

// CopyFrom copies the full contents of src into t. A real copy, required
// when two separately compiled graphs must exchange state (their buffers are
// distinct even when the shapes agree).
func (t *Fixed) CopyFrom(src *Fixed) error {
	if t.dtype != src.dtype {
		return fmt.Errorf("%w: copy %q (%v) from %q (%v)", ErrDTypeMismatch, t.name, t.dtype, src.name, src.dtype)
	}
	if t.Len() != src.Len() {
		return fmt.Errorf("%w: copy %q (%d elems) from %q (%d elems)", ErrShapeMismatch, t.name, t.Len(), src.name, src.Len())
	}
	copy(t.i32, src.i32)
	copy(t.i64, src.i64)
	copy(t.f32, src.f32)
	copy(t.f16, src.f16)
	return nil
}
