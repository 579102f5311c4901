package logits

import (
	"math"
	"reflect"
	"testing"
)

func TestArgmax(t *testing.T) {
	cases := []struct {
		name string
		in   []float32
		want int64
	}{
		{name: "single", in: []float32{3}, want: 0},
		{name: "middle", in: []float32{0.1, 7.5, 2}, want: 1},
		{name: "first-wins-ties", in: []float32{5, 5, 5}, want: 0},
		{name: "negative", in: []float32{-4, -2, -9}, want: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Argmax(tc.in); got != tc.want {
				t.Fatalf("got %d, want %d", got, tc.want)
			}
		})
	}
}

func TestLastPosition(t *testing.T) {
	// Two positions, vocab of three: only the second row matters.
	x := []float32{1, 2, 3, 9, 8, 7}
	got := LastPosition(x, 3)
	if !reflect.DeepEqual(got, []float32{9, 8, 7}) {
		t.Fatalf("got %v", got)
	}

	// The view writes through.
	got[0] = -1
	if x[3] != -1 {
		t.Fatal("LastPosition must return a view")
	}
}

func TestSuppress(t *testing.T) {
	x := []float32{1, 8, 3, 4}
	Suppress(x, []int64{1, 3, 100, -2})
	if !math.IsInf(float64(x[1]), -1) || !math.IsInf(float64(x[3]), -1) {
		t.Fatalf("suppressed ids not at -inf: %v", x)
	}
	if x[0] != 1 || x[2] != 3 {
		t.Fatalf("untouched ids changed: %v", x)
	}
	if got := Argmax(x); got != 2 {
		t.Fatalf("suppressed token still wins: %d", got)
	}
}
