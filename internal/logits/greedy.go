package logits

import "math"

// The static-shape path is greedy-only: every step reduces a logits vector to
// the single highest-scoring token id. Suppression runs before the argmax so
// disallowed ids can never win.

var negInf = float32(math.Inf(-1))

// Argmax returns the index of the maximum value. It panics on an empty
// slice; a graph that produced zero logits is unusable anyway.
func Argmax(x []float32) int64 {
	if len(x) == 0 {
		panic("logits: argmax of empty slice")
	}
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return int64(bestI)
}

// LastPosition returns the logits of the final sequence position of a
// [.., seq, vocab] tensor flattened to a vector. Prefill graphs emit one
// vocab-sized row per input position; only the last row predicts the next
// token. The returned slice is a view, so suppression applied to it lands in
// the underlying buffer.
func LastPosition(x []float32, vocabSize int) []float32 {
	return x[len(x)-vocabSize:]
}

// Suppress drives the listed token ids to negative infinity so greedy
// selection can never emit them. Ids outside the vocabulary are ignored.
func Suppress(x []float32, ids []int64) {
	for _, id := range ids {
		if id >= 0 && id < int64(len(x)) {
			x[id] = negInf
		}
	}
}
