package tensor

import (
	"errors"
	"reflect"
	"testing"
)

func TestNewRejectsDynamicDims(t *testing.T) {
	if _, err := New("input_ids", I64, []int64{1, 0}); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
	if _, err := New("input_ids", I64, []int64{1, -1}); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestFillAndAccessors(t *testing.T) {
	ids := MustNew("input_ids", I64, []int64{1, 4})
	ids.Fill(7)
	if got, want := ids.I64(), []int64{7, 7, 7, 7}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	mask := MustNew("attention_mask", F16, []int64{1, 3})
	mask.Fill(0)
	mask.SetF16(2, 1)
	if mask.F16At(0) != 0 || mask.F16At(2) != 1 {
		t.Fatalf("f16 round trip failed: %v %v", mask.F16At(0), mask.F16At(2))
	}
}

func TestAliasSharesStorage(t *testing.T) {
	out := MustNew("present.0.key", F32, []int64{1, 2, 4, 2})
	in := MustNew("past_key_values.0.key", F32, []int64{1, 2, 4, 2})

	if in.Aliases(out) {
		t.Fatal("fresh slots must not alias")
	}
	if err := in.AliasFrom(out); err != nil {
		t.Fatalf("alias: %v", err)
	}
	if !in.Aliases(out) {
		t.Fatal("expected alias after AliasFrom")
	}

	out.F32()[3] = 42
	if in.F32()[3] != 42 {
		t.Fatal("write through output not visible through aliased input")
	}
}

func TestAliasRequiresMatchingType(t *testing.T) {
	a := MustNew("a", F32, []int64{4})
	b := MustNew("b", I64, []int64{4})
	if err := a.AliasFrom(b); !errors.Is(err, ErrDTypeMismatch) {
		t.Fatalf("expected ErrDTypeMismatch, got %v", err)
	}
	c := MustNew("c", F32, []int64{5})
	if err := a.AliasFrom(c); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestCopyFromIsARealCopy(t *testing.T) {
	src := MustNew("present.0.key", F32, []int64{2, 3})
	dst := MustNew("past_key_values.0.key", F32, []int64{2, 3})
	for i := range src.F32() {
		src.F32()[i] = float32(i)
	}
	if err := dst.CopyFrom(src); err != nil {
		t.Fatalf("copy: %v", err)
	}
	src.F32()[0] = 99
	if dst.F32()[0] != 0 {
		t.Fatal("CopyFrom must not alias")
	}
}

func TestCopyWithLeftOffset(t *testing.T) {
	cases := []struct {
		name    string
		dst     int64
		src     []int64
		padWith float64
		want    []int64
		wantErr error
	}{
		{
			name:    "prompt-right-aligned",
			dst:     6,
			src:     []int64{5, 6, 7},
			padWith: 2,
			want:    []int64{2, 2, 2, 5, 6, 7},
		},
		{
			name:    "exact-fit",
			dst:     3,
			src:     []int64{1, 2, 3},
			padWith: 0,
			want:    []int64{1, 2, 3},
		},
		{
			name:    "too-long",
			dst:     2,
			src:     []int64{1, 2, 3},
			wantErr: ErrCapacity,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dst := MustNew("input_ids", I64, []int64{1, tc.dst})
			dst.Fill(tc.padWith)
			err := CopyI64WithLeftOffset(dst, tc.src)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("got err %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("copy: %v", err)
			}
			if !reflect.DeepEqual(dst.I64(), tc.want) {
				t.Fatalf("got %v, want %v", dst.I64(), tc.want)
			}
		})
	}
}

func TestCopySliceAxis(t *testing.T) {
	// dst is a [1, 2, 4, 2] cache, src a single-position [1, 2, 1, 2] state.
	dst := MustNew("past_key_values.0.decoder.key", F32, []int64{1, 2, 4, 2})
	src := MustNew("present_key_values.0.decoder.key", F32, []int64{1, 2, 1, 2})
	for i := range src.F32() {
		src.F32()[i] = float32(i + 1) // [1 2 | 3 4]
	}

	if err := CopySliceAxis(dst, src, 2, 1); err != nil {
		t.Fatalf("slice copy: %v", err)
	}
	want := []float32{
		0, 0, 1, 2, 0, 0, 0, 0, // head 0: position 1 written
		0, 0, 3, 4, 0, 0, 0, 0, // head 1: position 1 written
	}
	if !reflect.DeepEqual(dst.F32(), want) {
		t.Fatalf("got %v, want %v", dst.F32(), want)
	}

	if err := CopySliceAxis(dst, src, 2, 4); !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrCapacity past the end, got %v", err)
	}
}

func TestCopySliceAxisMultiPosition(t *testing.T) {
	// A prefix-length present state lands at offset 0, the layout used when
	// seeding a self-attention cache from the first decode pass.
	dst := MustNew("past", F32, []int64{1, 1, 5, 1})
	src := MustNew("present", F32, []int64{1, 1, 3, 1})
	copy(src.F32(), []float32{1, 2, 3})

	if err := CopySliceAxis(dst, src, 2, 0); err != nil {
		t.Fatalf("slice copy: %v", err)
	}
	want := []float32{1, 2, 3, 0, 0}
	if !reflect.DeepEqual(dst.F32(), want) {
		t.Fatalf("got %v, want %v", dst.F32(), want)
	}
}
