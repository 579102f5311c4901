package backend

import "testing"

func TestPastName(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "llm-style", in: "present.3.key", want: "past_key_values.3.key"},
		{name: "whisper-style", in: "present_key_values.0.decoder.value", want: "past_key_values.0.decoder.value"},
		{name: "whisper-encoder", in: "present_key_values.1.encoder.key", want: "past_key_values.1.encoder.key"},
		{name: "not-a-cache-name", in: "logits", want: "logits"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := PastName(tc.in); got != tc.want {
				t.Fatalf("PastName(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestCacheFamilies(t *testing.T) {
	if !IsPresentOutput("present_key_values.0.encoder.key") || IsPresentOutput("logits") {
		t.Fatal("IsPresentOutput misclassifies")
	}
	if !IsPastInput("past_key_values.0.key") || IsPastInput("input_ids") {
		t.Fatal("IsPastInput misclassifies")
	}
	if !IsEncoderCache("present_key_values.0.encoder.key") || IsEncoderCache("present_key_values.0.decoder.key") {
		t.Fatal("IsEncoderCache misclassifies")
	}
	if !IsDecoderCache("past_key_values.2.decoder.value") || IsDecoderCache("past_key_values.2.encoder.value") {
		t.Fatal("IsDecoderCache misclassifies")
	}
}
