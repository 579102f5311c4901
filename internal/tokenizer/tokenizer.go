// Package tokenizer defines the text <-> token-id boundary the pipelines
// depend on. Real subword tokenization belongs to the model toolchain; the
// engine only needs encode, decode and the two special ids, so that is the
// whole contract.
package tokenizer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
)

type Tokenizer interface {
	Encode(text string) ([]int64, error)
	Decode(ids []int64) (string, error)
	PadTokenID() int64
	EOSTokenID() int64
}

// Vocab is a word-level tokenizer over a vocab.json id map. It exists for
// the CLI's stub path and for tests; production models bring their own
// tokenizer behind the same interface.
type Vocab struct {
	ids   map[string]int64
	words map[int64]string

	padID int64
	eosID int64
	unkID int64
}

// Special token strings probed when the vocab does not carry explicit ids.
var (
	padStrings = []string{"<pad>", "<|pad|>"}
	eosStrings = []string{"</s>", "<|endoftext|>", "<|end_of_text|>", "<eos>"}
	unkStrings = []string{"<unk>", "<|unk|>"}
)

// NewVocab builds a tokenizer from an explicit token -> id map.
func NewVocab(ids map[string]int64) *Vocab {
	v := &Vocab{
		ids:   ids,
		words: make(map[int64]string, len(ids)),
		padID: -1,
		eosID: -1,
		unkID: -1,
	}
	for w, id := range ids {
		v.words[id] = w
	}
	v.padID = v.probe(padStrings)
	v.eosID = v.probe(eosStrings)
	v.unkID = v.probe(unkStrings)
	return v
}

// LoadVocab reads vocab.json (a token -> id object) from a model directory.
func LoadVocab(modelDir string) (*Vocab, error) {
	path := filepath.Join(modelDir, "vocab.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var ids map[string]int64
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return NewVocab(ids), nil
}

func (v *Vocab) probe(candidates []string) int64 {
	for _, s := range candidates {
		if id, ok := v.ids[s]; ok {
			return id
		}
	}
	return -1
}

func (v *Vocab) Encode(text string) ([]int64, error) {
	fields := strings.Fields(text)
	out := make([]int64, 0, len(fields))
	for _, f := range fields {
		if id, ok := v.ids[f]; ok {
			out = append(out, id)
			continue
		}
		if v.unkID < 0 {
			return nil, fmt.Errorf("tokenizer: unknown token %q and no unk token in vocab", f)
		}
		out = append(out, v.unkID)
	}
	return out, nil
}

func (v *Vocab) Decode(ids []int64) (string, error) {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == v.padID || id == v.eosID {
			continue
		}
		w, ok := v.words[id]
		if !ok {
			return "", fmt.Errorf("tokenizer: id %d outside vocabulary", id)
		}
		parts = append(parts, w)
	}
	return strings.Join(parts, " "), nil
}

func (v *Vocab) PadTokenID() int64 { return v.padID }

func (v *Vocab) EOSTokenID() int64 { return v.eosID }
