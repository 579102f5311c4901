package generation

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	json "github.com/goccy/go-json"
)

var (
	// ErrConfiguration marks a generation config the engine refuses at call
	// entry: batch size above one, negative budgets, an empty speech prefix.
	ErrConfiguration = errors.New("generation: invalid configuration")
	// ErrUnsupportedFeature marks requests for decoding modes the
	// fixed-shape path does not implement (sampling, beam search).
	ErrUnsupportedFeature = errors.New("generation: unsupported feature")
)

// Config is the per-request generation configuration for the text pipeline.
// The sampling-related fields exist so a model's generation_config.json
// parses cleanly, but only their greedy settings validate.
type Config struct {
	MaxNewTokens int   `json:"max_new_tokens"`
	MaxLength    int   `json:"max_length"`
	EOSTokenID   int64 `json:"eos_token_id"`
	PadTokenID   int64 `json:"pad_token_id"`

	DoSample           bool `json:"do_sample"`
	NumBeams           int  `json:"num_beams"`
	NumReturnSequences int  `json:"num_return_sequences"`
}

// Validate fails fast before any graph executes.
func (c Config) Validate() error {
	if c.NumReturnSequences > 1 {
		return fmt.Errorf("%w: num_return_sequences=%d, only batch size 1 is supported", ErrConfiguration, c.NumReturnSequences)
	}
	if c.MaxNewTokens < 0 || c.MaxLength < 0 {
		return fmt.Errorf("%w: negative token budget", ErrConfiguration)
	}
	if !c.IsGreedy() {
		return fmt.Errorf("%w: only greedy decoding is supported", ErrUnsupportedFeature)
	}
	return nil
}

// IsGreedy reports whether the config requests plain argmax decoding.
func (c Config) IsGreedy() bool {
	return !c.DoSample && c.NumBeams <= 1
}

// defaultMaxLength mirrors the upstream generation default when a model
// config carries neither budget field.
const defaultMaxLength = 20

// MaxNew resolves the new-token budget for a prompt of the given length:
// the configured cap bounded by the remaining length budget. A result of 0
// means only the prefill-produced token is returned.
func (c Config) MaxNew(promptLen int) int {
	remaining := -1
	if c.MaxLength > 0 {
		remaining = max(c.MaxLength-promptLen, 0)
	}
	switch {
	case c.MaxNewTokens > 0 && remaining >= 0:
		return min(c.MaxNewTokens, remaining)
	case c.MaxNewTokens > 0:
		return c.MaxNewTokens
	case remaining >= 0:
		return remaining
	default:
		return max(defaultMaxLength-promptLen, 0)
	}
}

// SpeechConfig extends Config with the whisper-style controls: the forced
// decoder prefix and the two suppression lists.
type SpeechConfig struct {
	Config

	DecoderStartTokenID int64   `json:"decoder_start_token_id"`
	ForcedDecoderIDs    [][]int `json:"forced_decoder_ids"`
	BeginSuppressTokens []int64 `json:"begin_suppress_tokens"`
	SuppressTokens      []int64 `json:"suppress_tokens"`
}

// ForcedPrefix returns the full forced initial prompt: the decoder start
// token followed by the forced ids in position order. Position 0 is the
// start token and is skipped if a forced pair names it explicitly.
func (c SpeechConfig) ForcedPrefix() []int64 {
	prefix := []int64{c.DecoderStartTokenID}
	pairs := make([][]int, 0, len(c.ForcedDecoderIDs))
	for _, p := range c.ForcedDecoderIDs {
		if len(p) == 2 && p[0] > 0 {
			pairs = append(pairs, p)
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i][0] < pairs[j][0] })
	for _, p := range pairs {
		prefix = append(prefix, int64(p[1]))
	}
	return prefix
}

// Validate rejects speech configs the static path cannot run.
func (c SpeechConfig) Validate() error {
	if err := c.Config.Validate(); err != nil {
		return err
	}
	if c.DecoderStartTokenID <= 0 {
		return fmt.Errorf("%w: decoder_start_token_id is required for the speech pipeline", ErrConfiguration)
	}
	return nil
}

// rawConfig absorbs the loose typing of upstream generation_config.json
// files, where eos_token_id may be a scalar or a list.
type rawConfig struct {
	MaxNewTokens       int     `json:"max_new_tokens"`
	MaxLength          int     `json:"max_length"`
	EOSTokenID         any     `json:"eos_token_id"`
	PadTokenID         int64   `json:"pad_token_id"`
	DoSample           bool    `json:"do_sample"`
	NumBeams           int     `json:"num_beams"`
	NumReturnSequences int     `json:"num_return_sequences"`
	DecoderStartToken  int64   `json:"decoder_start_token_id"`
	ForcedDecoderIDs   [][]int `json:"forced_decoder_ids"`
	BeginSuppress      []int64 `json:"begin_suppress_tokens"`
	Suppress           []int64 `json:"suppress_tokens"`
}

func (r rawConfig) eos() int64 {
	switch v := r.EOSTokenID.(type) {
	case float64:
		return int64(v)
	case []any:
		if len(v) > 0 {
			if f, ok := v[0].(float64); ok {
				return int64(f)
			}
		}
	}
	return -1
}

// LoadConfig reads generation_config.json from a model directory. A missing
// file is not an error: the zero-value defaults apply, matching the upstream
// from-config-if-exists behavior.
func LoadConfig(modelDir string) (Config, error) {
	raw, err := loadRaw(modelDir)
	if err != nil {
		return Config{}, err
	}
	if raw == nil {
		return Config{EOSTokenID: -1, PadTokenID: -1}, nil
	}
	return Config{
		MaxNewTokens:       raw.MaxNewTokens,
		MaxLength:          raw.MaxLength,
		EOSTokenID:         raw.eos(),
		PadTokenID:         raw.PadTokenID,
		DoSample:           raw.DoSample,
		NumBeams:           raw.NumBeams,
		NumReturnSequences: raw.NumReturnSequences,
	}, nil
}

// LoadSpeechConfig reads generation_config.json including the
// whisper-specific fields.
func LoadSpeechConfig(modelDir string) (SpeechConfig, error) {
	raw, err := loadRaw(modelDir)
	if err != nil {
		return SpeechConfig{}, err
	}
	if raw == nil {
		return SpeechConfig{Config: Config{EOSTokenID: -1, PadTokenID: -1}}, nil
	}
	return SpeechConfig{
		Config: Config{
			MaxNewTokens:       raw.MaxNewTokens,
			MaxLength:          raw.MaxLength,
			EOSTokenID:         raw.eos(),
			PadTokenID:         raw.PadTokenID,
			DoSample:           raw.DoSample,
			NumBeams:           raw.NumBeams,
			NumReturnSequences: raw.NumReturnSequences,
		},
		DecoderStartTokenID: raw.DecoderStartToken,
		ForcedDecoderIDs:    raw.ForcedDecoderIDs,
		BeginSuppressTokens: raw.BeginSuppress,
		SuppressTokens:      raw.Suppress,
	}, nil
}

func loadRaw(modelDir string) (*rawConfig, error) {
	path := filepath.Join(modelDir, "generation_config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &raw, nil
}
