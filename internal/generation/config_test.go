package generation

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{name: "greedy-default", cfg: Config{MaxNewTokens: 10}},
		{name: "sampling-rejected", cfg: Config{DoSample: true}, wantErr: ErrUnsupportedFeature},
		{name: "beams-rejected", cfg: Config{NumBeams: 4}, wantErr: ErrUnsupportedFeature},
		{name: "batch-rejected", cfg: Config{NumReturnSequences: 2}, wantErr: ErrConfiguration},
		{name: "negative-budget", cfg: Config{MaxNewTokens: -1}, wantErr: ErrConfiguration},
		{name: "single-beam-ok", cfg: Config{NumBeams: 1, MaxNewTokens: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("got %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestMaxNew(t *testing.T) {
	cases := []struct {
		name      string
		cfg       Config
		promptLen int
		want      int
	}{
		{name: "cap-only", cfg: Config{MaxNewTokens: 8}, promptLen: 100, want: 8},
		{name: "length-only", cfg: Config{MaxLength: 12}, promptLen: 3, want: 9},
		{name: "cap-bounded-by-length", cfg: Config{MaxNewTokens: 50, MaxLength: 10}, promptLen: 8, want: 2},
		{name: "length-exhausted", cfg: Config{MaxLength: 5}, promptLen: 9, want: 0},
		{name: "defaults", cfg: Config{}, promptLen: 4, want: 16},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.cfg.MaxNew(tc.promptLen); got != tc.want {
				t.Fatalf("got %d, want %d", got, tc.want)
			}
		})
	}
}

func TestForcedPrefix(t *testing.T) {
	cfg := SpeechConfig{
		DecoderStartTokenID: 1000,
		ForcedDecoderIDs:    [][]int{{2, 3000}, {1, 2000}, {3, 4000}},
	}
	want := []int64{1000, 2000, 3000, 4000}
	if got := cfg.ForcedPrefix(); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestSpeechValidateRequiresStartToken(t *testing.T) {
	cfg := SpeechConfig{}
	if err := cfg.Validate(); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("got %v, want ErrConfiguration", err)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	body := `{
		"max_new_tokens": 100,
		"max_length": 448,
		"eos_token_id": [50257, 50362],
		"pad_token_id": 50256,
		"decoder_start_token_id": 50258,
		"forced_decoder_ids": [[1, 50259], [2, 50359], [3, 50363]],
		"begin_suppress_tokens": [220, 50257],
		"suppress_tokens": [1, 2, 7]
	}`
	if err := os.WriteFile(filepath.Join(dir, "generation_config.json"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadSpeechConfig(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxNewTokens != 100 || cfg.MaxLength != 448 {
		t.Fatalf("budget fields wrong: %+v", cfg.Config)
	}
	if cfg.EOSTokenID != 50257 {
		t.Fatalf("eos list not normalized: %d", cfg.EOSTokenID)
	}
	want := []int64{50258, 50259, 50359, 50363}
	if got := cfg.ForcedPrefix(); !reflect.DeepEqual(got, want) {
		t.Fatalf("forced prefix %v, want %v", got, want)
	}
	if !reflect.DeepEqual(cfg.SuppressTokens, []int64{1, 2, 7}) {
		t.Fatalf("suppress tokens %v", cfg.SuppressTokens)
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.EOSTokenID != -1 || cfg.PadTokenID != -1 {
		t.Fatalf("expected sentinel ids, got %+v", cfg)
	}
}
