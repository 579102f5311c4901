package tensor

import "fmt"

// CopyWithLeftOffset copies all of src into the rightmost len(src) elements
// of dst, leaving the first dst.Len()-src.Len() elements untouched. This is
// the right-alignment used to fit a variable-length prompt into a fixed-size
// input buffer whose head is padding.
func CopyWithLeftOffset(dst, src *Fixed) error {
	if dst.dtype != src.dtype {
		return fmt.Errorf("%w: pad %q (%v) from %q (%v)", ErrDTypeMismatch, dst.name, dst.dtype, src.name, src.dtype)
	}
	n := src.Len()
	if n > dst.Len() {
		return fmt.Errorf("%w: %q holds %d elements, source %q has %d", ErrCapacity, dst.name, dst.Len(), src.name, n)
	}
	off := dst.Len() - n
	switch dst.dtype {
	case I32:
		copy(dst.i32[off:], src.i32)
	case I64:
		copy(dst.i64[off:], src.i64)
	case F32:
		copy(dst.f32[off:], src.f32)
	case F16:
		copy(dst.f16[off:], src.f16)
	}
	return nil
}

// CopyI64WithLeftOffset right-aligns a raw id sequence into an I64 slot.
func CopyI64WithLeftOffset(dst *Fixed, src []int64) error {
	if dst.dtype != I64 {
		return fmt.Errorf("%w: %q is %v, want i64", ErrDTypeMismatch, dst.name, dst.dtype)
	}
	if len(src) > dst.Len() {
		return fmt.Errorf("%w: %q holds %d elements, source has %d", ErrCapacity, dst.name, dst.Len(), len(src))
	}
	copy(dst.i64[dst.Len()-len(src):], src)
	return nil
}

// CopySliceAxis copies src into the sub-range of dst that starts at `start`
// along `axis`. Both slots must agree on every other dimension. This is the
// offset-preserving write used to advance a fixed-capacity self-attention
// cache: a one-token present state lands at its position inside the larger
// past buffer without disturbing neighbours.
func CopySliceAxis(dst, src *Fixed, axis int, start int64) error {
	if dst.dtype != src.dtype {
		return fmt.Errorf("%w: slice copy %q (%v) from %q (%v)", ErrDTypeMismatch, dst.name, dst.dtype, src.name, src.dtype)
	}
	if axis < 0 || axis >= len(dst.shape) || len(dst.shape) != len(src.shape) {
		return fmt.Errorf("%w: slice copy %q %v from %q %v on axis %d", ErrShapeMismatch, dst.name, dst.shape, src.name, src.shape, axis)
	}
	for i := range dst.shape {
		if i != axis && dst.shape[i] != src.shape[i] {
			return fmt.Errorf("%w: slice copy %q %v from %q %v on axis %d", ErrShapeMismatch, dst.name, dst.shape, src.name, src.shape, axis)
		}
	}
	if start < 0 || start+src.shape[axis] > dst.shape[axis] {
		return fmt.Errorf("%w: %q axis %d holds %d, write of %d at offset %d", ErrCapacity, dst.name, axis, dst.shape[axis], src.shape[axis], start)
	}

	// Collapse the shape into [outer, axis, inner] and copy inner-contiguous
	// blocks row by row.
	outer := int64(1)
	for i := 0; i < axis; i++ {
		outer *= dst.shape[i]
	}
	inner := int64(1)
	for i := axis + 1; i < len(dst.shape); i++ {
		inner *= dst.shape[i]
	}
	srcAxis := src.shape[axis]
	dstAxis := dst.shape[axis]

	for o := int64(0); o < outer; o++ {
		srcBase := o * srcAxis * inner
		dstBase := (o*dstAxis + start) * inner
		n := srcAxis * inner
		switch dst.dtype {
		case I32:
			copy(dst.i32[dstBase:dstBase+n], src.i32[srcBase:srcBase+n])
		case I64:
			copy(dst.i64[dstBase:dstBase+n], src.i64[srcBase:srcBase+n])
		case F32:
			copy(dst.f32[dstBase:dstBase+n], src.f32[srcBase:srcBase+n])
		case F16:
			copy(dst.f16[dstBase:dstBase+n], src.f16[srcBase:srcBase+n])
		}
	}
	return nil
}
