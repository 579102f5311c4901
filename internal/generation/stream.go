package generation

// Streamer receives each generated token synchronously, before the loop
// decides whether to continue. Returning true requests cancellation; this
// return value is the only cancellation signal between steps. A blocking
// Put blocks the whole request (streaming is part of step latency).
type Streamer interface {
	Put(token int64) bool
}

// StreamFunc adapts a plain function to Streamer.
type StreamFunc func(token int64) bool

func (f StreamFunc) Put(token int64) bool { return f(token) }

// EncodedResults is the token-level outcome of one generation request.
// Score is a running-score placeholder: greedy decoding assigns no
// meaningful sequence score.
type EncodedResults struct {
	Tokens    []int64
	Score     float32
	Cancelled bool
}

// DecodedResults pairs the detokenized text with the token-level outcome.
type DecodedResults struct {
	Text      string
	Tokens    []int64
	Score     float32
	Cancelled bool
}
