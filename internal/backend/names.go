package backend

import "strings"

// Cache tensor naming. Exported static decoders expose their KV state as
// past_*/present_* pairs: "past_key_values.0.key" is fed by
// "present.0.key", "past_key_values.0.decoder.key" by
// "present_key_values.0.decoder.key", and so on. Pairing by rewritten name,
// rather than by parameter position, keeps the handshake independent of
// graph input ordering.

// IsPastInput reports whether name is a KV-cache input.
func IsPastInput(name string) bool {
	return strings.HasPrefix(name, "past")
}

// IsPresentOutput reports whether name is a KV-cache output.
func IsPresentOutput(name string) bool {
	return strings.HasPrefix(name, "present")
}

// PastName rewrites a present_* output name to its matching past_* input
// name. "present_key_values.N..." maps to "past_key_values.N...", plain
// "present.N..." to "past_key_values.N...".
func PastName(presentName string) string {
	if rest, ok := strings.CutPrefix(presentName, "present_key_values"); ok {
		return "past_key_values" + rest
	}
	if rest, ok := strings.CutPrefix(presentName, "present"); ok {
		return "past_key_values" + rest
	}
	return presentName
}

// IsEncoderCache reports whether a KV tensor belongs to the cross-attention
// (encoder-derived) family, which is written once per audio segment and
// never updated afterwards.
func IsEncoderCache(name string) bool {
	return strings.Contains(name, "encoder")
}

// IsDecoderCache reports whether a KV tensor belongs to the self-attention
// (decoder-derived) family, advanced on every step.
func IsDecoderCache(name string) bool {
	return strings.Contains(name, "decoder")
}
