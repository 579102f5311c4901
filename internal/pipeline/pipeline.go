// Package pipeline implements the fixed-shape, two-stage decoding engine for
// text generation: one prefill pass over the whole right-aligned prompt, then
// one incremental decode pass per generated token, with the KV cache carried
// between steps through an aliasing handshake instead of per-step copies.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/lockstep/internal/backend"
	"github.com/samcharles93/lockstep/internal/generation"
	"github.com/samcharles93/lockstep/internal/logger"
	"github.com/samcharles93/lockstep/internal/logits"
	"github.com/samcharles93/lockstep/internal/tensor"
	"github.com/samcharles93/lockstep/internal/tokenizer"
)

// ErrPromptTooLong is returned when the prompt exceeds the fixed capacity
// chosen at construction. No partial execution is attempted.
var ErrPromptTooLong = errors.New("pipeline: prompt longer than fixed capacity")

// DefaultCacheSize is the KV capacity used when Options leaves it unset.
const DefaultCacheSize = 1024

// Options configure pipeline construction. The sizes are fixed for the life
// of the pipeline; prompts and budgets must fit them at request time.
type Options struct {
	ModelPath     string
	Device        string
	MaxPromptSize uint32 // defaults to CacheSize
	CacheSize     uint32 // defaults to DefaultCacheSize
	CompileOpts   map[string]string
	Logger        logger.Logger
}

// kvPair is one cache tensor pairing in the decode graph: the present_*
// output name and the past_* input fed by it on the next step.
type kvPair struct {
	present string
	past    string
}

// Pipeline is a text generation engine over two compiled fixed-shape graphs.
// It is not safe for concurrent use: all tensor slots and the cache
// descriptor are shared across requests and reset at the start of each.
type Pipeline struct {
	log     logger.Logger
	prefill backend.Executable
	decode  backend.Executable
	tok     tokenizer.Tokenizer

	kv        kvDesc
	kvPairs   []kvPair
	vocabSize int
	padID     int64
	eosID     int64
}

// New loads, adapts and compiles the two-stage form of the model and
// allocates every tensor slot the engine will reuse across requests.
// tok may be nil when the caller only uses GenerateTokens.
func New(b backend.Backend, tok tokenizer.Tokenizer, opts Options) (*Pipeline, error) {
	if opts.CacheSize == 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.MaxPromptSize == 0 {
		opts.MaxPromptSize = opts.CacheSize
	}
	if opts.MaxPromptSize > opts.CacheSize {
		return nil, fmt.Errorf("%w: max prompt %d exceeds cache %d",
			generation.ErrConfiguration, opts.MaxPromptSize, opts.CacheSize)
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}

	prefillG, decodeG, err := b.LoadAndAdapt(opts.ModelPath, opts.MaxPromptSize, opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", opts.ModelPath, err)
	}

	vocab, err := vocabSizeOf(prefillG)
	if err != nil {
		return nil, err
	}
	pairs, err := cachePairs(decodeG)
	if err != nil {
		return nil, err
	}

	prefillExec, err := b.Compile(prefillG, opts.Device, opts.CompileOpts)
	if err != nil {
		return nil, fmt.Errorf("compile prefill: %w", err)
	}
	decodeExec, err := b.Compile(decodeG, opts.Device, opts.CompileOpts)
	if err != nil {
		prefillExec.Close()
		return nil, fmt.Errorf("compile decode: %w", err)
	}

	padID, eosID := int64(-1), int64(-1)
	if tok != nil {
		padID, eosID = tok.PadTokenID(), tok.EOSTokenID()
	}

	p := &Pipeline{
		log:       log,
		prefill:   prefillExec,
		decode:    decodeExec,
		tok:       tok,
		kv:        kvDesc{totalSize: opts.CacheSize},
		kvPairs:   pairs,
		vocabSize: vocab,
		padID:     padID,
		eosID:     eosID,
	}
	log.Debug("pipeline ready",
		"model", opts.ModelPath,
		"device", opts.Device,
		"cache_size", opts.CacheSize,
		"max_prompt", opts.MaxPromptSize,
		"kv_pairs", len(pairs))
	return p, nil
}

// Close releases both compiled graphs.
func (p *Pipeline) Close() error {
	return errors.Join(p.prefill.Close(), p.decode.Close())
}

// Generate encodes the prompt, runs the token-level engine and decodes the
// result. streamer, if non-nil, receives each token synchronously.
func (p *Pipeline) Generate(ctx context.Context, prompt string, cfg generation.Config, streamer generation.Streamer) (generation.DecodedResults, error) {
	if p.tok == nil {
		return generation.DecodedResults{}, fmt.Errorf("%w: pipeline has no tokenizer", generation.ErrConfiguration)
	}
	ids, err := p.tok.Encode(prompt)
	if err != nil {
		return generation.DecodedResults{}, fmt.Errorf("encode prompt: %w", err)
	}
	enc, err := p.GenerateTokens(ctx, ids, cfg, streamer)
	if err != nil {
		return generation.DecodedResults{}, err
	}
	text, err := p.tok.Decode(enc.Tokens)
	if err != nil {
		return generation.DecodedResults{}, fmt.Errorf("decode result: %w", err)
	}
	return generation.DecodedResults{
		Text:      text,
		Tokens:    enc.Tokens,
		Score:     enc.Score,
		Cancelled: enc.Cancelled,
	}, nil
}

// GenerateTokens runs one full generation request: reset, prefill, aliasing
// handshake, then the decode loop until a stopping rule fires.
func (p *Pipeline) GenerateTokens(ctx context.Context, prompt []int64, cfg generation.Config, streamer generation.Streamer) (generation.EncodedResults, error) {
	if err := cfg.Validate(); err != nil {
		return generation.EncodedResults{}, err
	}
	if len(prompt) == 0 {
		return generation.EncodedResults{}, fmt.Errorf("%w: empty prompt", generation.ErrConfiguration)
	}

	eos := cfg.EOSTokenID
	if eos < 0 {
		eos = p.eosID
	}
	pad := cfg.PadTokenID
	if pad < 0 {
		pad = p.padID
	}
	if pad < 0 {
		pad = 0
	}

	p.kv.reset()

	first, err := p.runPrefill(ctx, prompt, pad)
	if err != nil {
		return generation.EncodedResults{}, err
	}
	if err := p.handshake(); err != nil {
		return generation.EncodedResults{}, err
	}

	maxNew := cfg.MaxNew(len(prompt))
	p.log.Debug("generation started",
		"prompt_len", len(prompt), "max_new", maxNew, "eos", eos)

	results := []int64{first}
	cancelled := streamer != nil && streamer.Put(first)
	last := first

	for len(results) < maxNew-1 && last != eos && !p.kv.full() && !cancelled {
		next, err := p.step(ctx, last)
		if err != nil {
			return generation.EncodedResults{}, err
		}
		results = append(results, next)
		if streamer != nil && streamer.Put(next) {
			cancelled = true
		}
		last = next
	}

	p.log.Debug("generation finished",
		"tokens", len(results), "stored", p.kv.numStoredTokens, "cancelled", cancelled)
	return generation.EncodedResults{Tokens: results, Cancelled: cancelled}, nil
}

// runPrefill fills the prompt buffers right-aligned over padding, executes
// the prefill graph once and returns the first generated token.
func (p *Pipeline) runPrefill(ctx context.Context, prompt []int64, pad int64) (int64, error) {
	ids, err := p.prefill.Tensor("input_ids")
	if err != nil {
		return 0, err
	}
	if len(prompt) > ids.Len() {
		return 0, fmt.Errorf("%w: %d tokens, capacity %d", ErrPromptTooLong, len(prompt), ids.Len())
	}
	mask, err := p.prefill.Tensor("attention_mask")
	if err != nil {
		return 0, err
	}
	pos, err := p.prefill.Tensor("position_ids")
	if err != nil {
		return 0, err
	}

	ids.Fill(float64(pad))
	if err := tensor.CopyI64WithLeftOffset(ids, prompt); err != nil {
		return 0, err
	}

	n := len(prompt)
	mask.Fill(0)
	m := mask.I64()
	for i := len(m) - n; i < len(m); i++ {
		m[i] = 1
	}

	// Position ids restart at 0 exactly at the padding boundary.
	pos.Fill(0)
	pp := pos.I64()
	off := len(pp) - n
	for i := 0; i < n; i++ {
		pp[off+i] = int64(i)
	}

	if err := p.prefill.Infer(ctx); err != nil {
		return 0, fmt.Errorf("prefill: %w", err)
	}
	p.kv.numStoredTokens = uint32(n)

	lg, err := p.prefill.Tensor("logits")
	if err != nil {
		return 0, err
	}
	return logits.Argmax(logits.LastPosition(lg.F32(), p.vocabSize)), nil
}

// handshake wires the decode graph for this request: every past_* input is
// aliased to its own matching present_* output, then seeded once by a real
// copy from the prefill graph's outputs (the two graphs compile to distinct
// buffers). The decode attention mask starts as a copy of the prefill mask.
func (p *Pipeline) handshake() error {
	for _, pair := range p.kvPairs {
		out, err := p.decode.Tensor(pair.present)
		if err != nil {
			return err
		}
		seed, err := p.prefill.Tensor(pair.present)
		if err != nil {
			return fmt.Errorf("prefill has no %q to seed %q: %w", pair.present, pair.past, err)
		}
		if err := out.CopyFrom(seed); err != nil {
			return fmt.Errorf("seed %q: %w", pair.past, err)
		}
		if err := p.decode.BindTensor(pair.past, out); err != nil {
			return err
		}
	}

	srcMask, err := p.prefill.Tensor("attention_mask")
	if err != nil {
		return err
	}
	dstMask, err := p.decode.Tensor("attention_mask")
	if err != nil {
		return err
	}
	return dstMask.CopyFrom(srcMask)
}

// step runs one incremental decode pass. The caller guarantees the cache is
// not full.
func (p *Pipeline) step(ctx context.Context, lastToken int64) (int64, error) {
	ids, err := p.decode.Tensor("input_ids")
	if err != nil {
		return 0, err
	}
	pos, err := p.decode.Tensor("position_ids")
	if err != nil {
		return 0, err
	}
	mask, err := p.decode.Tensor("attention_mask")
	if err != nil {
		return 0, err
	}

	ids.I64()[0] = lastToken
	pos.I64()[0] = int64(p.kv.numStoredTokens)
	// The cache fills left-to-right out of the padded region, so the mask
	// grows from the right edge inward.
	mask.I64()[int(p.kv.totalSize)-int(p.kv.numStoredTokens)-1] = 1

	if err := p.decode.Infer(ctx); err != nil {
		return 0, fmt.Errorf("decode: %w", err)
	}
	p.kv.numStoredTokens++

	lg, err := p.decode.Tensor("logits")
	if err != nil {
		return 0, err
	}
	return logits.Argmax(logits.LastPosition(lg.F32(), p.vocabSize)), nil
}

func vocabSizeOf(g backend.Graph) (int, error) {
	for _, spec := range g.Outputs() {
		if spec.Name == "logits" {
			return int(spec.Shape[len(spec.Shape)-1]), nil
		}
	}
	return 0, fmt.Errorf("%w: graph has no logits output", backend.ErrUnknownTensor)
}

// cachePairs derives the present->past pairings of the decode graph and
// verifies every present output actually has a matching past input.
func cachePairs(g backend.Graph) ([]kvPair, error) {
	inputs := make(map[string]bool, len(g.Inputs()))
	for _, spec := range g.Inputs() {
		inputs[spec.Name] = true
	}
	var pairs []kvPair
	for _, spec := range g.Outputs() {
		if !backend.IsPresentOutput(spec.Name) {
			continue
		}
		past := backend.PastName(spec.Name)
		if !inputs[past] {
			return nil, fmt.Errorf("%w: output %q has no matching input %q",
				backend.ErrUnknownTensor, spec.Name, past)
		}
		pairs = append(pairs, kvPair{present: spec.Name, past: past})
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("%w: decode graph exposes no KV-cache pairs", backend.ErrUnknownTensor)
	}
	return pairs, nil
}
