package tokenizer

// TextStreamer decodes tokens one at a time and forwards the text to a
// callback. The callback returning true cancels generation.
type TextStreamer struct {
	tok  Tokenizer
	emit func(text string) bool
}

func NewTextStreamer(tok Tokenizer, emit func(text string) bool) *TextStreamer {
	return &TextStreamer{tok: tok, emit: emit}
}

// Put implements generation.Streamer. Decode failures are swallowed rather
// than surfaced: a streamer is a sink, and the final Decode of the full
// sequence reports errors.
func (s *TextStreamer) Put(token int64) bool {
	text, err := s.tok.Decode([]int64{token})
	if err != nil || text == "" {
		return false
	}
	return s.emit(text)
}
