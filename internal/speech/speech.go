// Package speech implements the chunked multi-segment decoding variant for
// speech-to-text models. Audio is processed in fixed-duration segments; each
// segment runs one encoder pass, one full decode over a forced token prefix,
// then incremental decode steps that carry two cache families: a
// cross-attention cache copied once per segment and a self-attention cache
// advanced per token by offset copy into a fixed-capacity buffer.
package speech

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/samcharles93/lockstep/internal/audio"
	"github.com/samcharles93/lockstep/internal/backend"
	"github.com/samcharles93/lockstep/internal/generation"
	"github.com/samcharles93/lockstep/internal/logger"
	"github.com/samcharles93/lockstep/internal/logits"
	"github.com/samcharles93/lockstep/internal/tensor"
	"github.com/samcharles93/lockstep/internal/tokenizer"
)

// Model file names inside a model directory. The with-past decoder must sort
// its KV inputs into the encoder (cross-attention) and decoder
// (self-attention) families by name.
const (
	EncoderFile         = "encoder_model.onnx"
	DecoderFile         = "decoder_model.onnx"
	DecoderWithPastFile = "decoder_with_past_model.onnx"
)

// Options configure pipeline construction.
type Options struct {
	ModelDir    string
	Device      string
	CompileOpts map[string]string
	Logger      logger.Logger
}

// Pipeline is a speech-to-text engine over three compiled fixed-shape
// graphs. Like the text pipeline it is single-request: all slots are shared
// and rewritten per call.
type Pipeline struct {
	log      logger.Logger
	encoder  backend.Executable
	decoder  backend.Executable
	withPast backend.Executable
	tok      tokenizer.Tokenizer
	ext      audio.Extractor

	prefixLen int // forced prefix length baked into the first decoder
	maxLength int // self-attention cache capacity of the with-past decoder
	vocabSize int
	eosID     int64
}

// New loads and compiles the encoder, first decoder and with-past decoder
// from modelDir. tok may be nil when only token-level output is needed.
func New(b backend.Backend, ext audio.Extractor, tok tokenizer.Tokenizer, opts Options) (*Pipeline, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}

	var execs []backend.Executable
	compile := func(file string) (backend.Executable, error) {
		g, err := b.LoadGraph(filepath.Join(opts.ModelDir, file))
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", file, err)
		}
		e, err := b.Compile(g, opts.Device, opts.CompileOpts)
		if err != nil {
			for _, c := range execs {
				c.Close()
			}
			return nil, fmt.Errorf("compile %s: %w", file, err)
		}
		execs = append(execs, e)
		return e, nil
	}

	enc, err := compile(EncoderFile)
	if err != nil {
		return nil, err
	}
	dec, err := compile(DecoderFile)
	if err != nil {
		return nil, err
	}
	wp, err := compile(DecoderWithPastFile)
	if err != nil {
		return nil, err
	}

	ids, err := dec.Tensor("input_ids")
	if err != nil {
		return nil, err
	}
	mask, err := wp.Tensor("attention_mask")
	if err != nil {
		return nil, err
	}
	lg, err := wp.Tensor("logits")
	if err != nil {
		return nil, err
	}

	eosID := int64(-1)
	if tok != nil {
		eosID = tok.EOSTokenID()
	}

	p := &Pipeline{
		log:       log,
		encoder:   enc,
		decoder:   dec,
		withPast:  wp,
		tok:       tok,
		ext:       ext,
		prefixLen: ids.Len(),
		maxLength: mask.Len(),
		vocabSize: int(lg.Dim(len(lg.Shape()) - 1)),
		eosID:     eosID,
	}
	log.Debug("speech pipeline ready",
		"model", opts.ModelDir,
		"device", opts.Device,
		"prefix_len", p.prefixLen,
		"max_length", p.maxLength)
	return p, nil
}

// Close releases all three compiled graphs.
func (p *Pipeline) Close() error {
	return errors.Join(p.encoder.Close(), p.decoder.Close(), p.withPast.Close())
}

// SamplingRate reports the PCM rate the feature extractor expects.
func (p *Pipeline) SamplingRate() int {
	return p.ext.SamplingRate()
}

// Generate transcribes raw PCM samples and decodes the token stream to text.
func (p *Pipeline) Generate(ctx context.Context, samples []float32, cfg generation.SpeechConfig, streamer generation.Streamer) (generation.DecodedResults, error) {
	enc, err := p.GenerateTokens(ctx, samples, cfg, streamer)
	if err != nil {
		return generation.DecodedResults{}, err
	}
	res := generation.DecodedResults{
		Tokens:    enc.Tokens,
		Score:     enc.Score,
		Cancelled: enc.Cancelled,
	}
	if p.tok != nil {
		res.Text, err = p.tok.Decode(enc.Tokens)
		if err != nil {
			return generation.DecodedResults{}, fmt.Errorf("decode result: %w", err)
		}
	}
	return res, nil
}

// GenerateTokens runs the segment loop: one encoder pass and full decode per
// fixed-duration audio window, then incremental steps until the per-segment
// budget, eos, a full cache or cancellation stops it.
func (p *Pipeline) GenerateTokens(ctx context.Context, samples []float32, cfg generation.SpeechConfig, streamer generation.Streamer) (generation.EncodedResults, error) {
	if err := cfg.Validate(); err != nil {
		return generation.EncodedResults{}, err
	}
	prefix := cfg.ForcedPrefix()
	if len(prefix) != p.prefixLen {
		return generation.EncodedResults{}, fmt.Errorf("%w: forced prefix has %d tokens, decoder expects %d",
			generation.ErrConfiguration, len(prefix), p.prefixLen)
	}
	if len(samples) == 0 {
		return generation.EncodedResults{}, fmt.Errorf("%w: no audio samples", generation.ErrConfiguration)
	}

	eos := cfg.EOSTokenID
	if eos < 0 {
		eos = p.eosID
	}
	maxNew := cfg.MaxNew(0)

	var output []int64
	segSize := p.ext.NSamples()
	for off := 0; off < len(samples); off += segSize {
		if len(output) >= maxNew {
			break
		}
		end := min(off+segSize, len(samples))

		segTokens, cancelled, err := p.runSegment(ctx, samples[off:end], prefix, cfg, eos, maxNew-len(output), streamer)
		if err != nil {
			return generation.EncodedResults{}, err
		}
		output = append(output, segTokens...)
		if cancelled {
			return generation.EncodedResults{Tokens: output, Score: 1, Cancelled: true}, nil
		}
	}
	p.log.Debug("transcription finished", "tokens", len(output), "segments", (len(samples)+segSize-1)/segSize)
	return generation.EncodedResults{Tokens: output, Score: 1}, nil
}

func (p *Pipeline) runSegment(ctx context.Context, seg []float32, prefix []int64, cfg generation.SpeechConfig, eos int64, budget int, streamer generation.Streamer) ([]int64, bool, error) {
	if err := p.encode(ctx, seg); err != nil {
		return nil, false, err
	}
	first, err := p.fullDecode(ctx, prefix, cfg)
	if err != nil {
		return nil, false, err
	}

	tokens := []int64{first}
	if streamer != nil && streamer.Put(first) {
		return tokens, true, nil
	}
	if budget == 1 {
		return tokens, false, nil
	}

	if err := p.prepareWithPast(); err != nil {
		return nil, false, err
	}
	last := first
	for i := 0; i < budget-1; i++ {
		pos := p.prefixLen + i
		if pos >= p.maxLength {
			// Self-attention cache is full; further decoding in this
			// segment is impossible. A silent stop, not an error.
			break
		}
		next, err := p.stepWithPast(ctx, last, pos, cfg)
		if err != nil {
			return nil, false, err
		}
		if next == eos {
			break
		}
		tokens = append(tokens, next)
		if streamer != nil && streamer.Put(next) {
			return tokens, true, nil
		}
		last = next
	}
	return tokens, false, nil
}

// encode extracts features from one audio segment and runs the encoder.
func (p *Pipeline) encode(ctx context.Context, seg []float32) error {
	features, err := p.ext.Extract(seg)
	if err != nil {
		return fmt.Errorf("extract features: %w", err)
	}
	in, err := p.encoder.Tensor("input_features")
	if err != nil {
		return err
	}
	if len(features) != in.Len() {
		return fmt.Errorf("%w: extractor produced %d values, encoder expects %d",
			tensor.ErrShapeMismatch, len(features), in.Len())
	}
	copy(in.F32(), features)
	if err := p.encoder.Infer(ctx); err != nil {
		return fmt.Errorf("encoder: %w", err)
	}
	return nil
}

// fullDecode runs the first decoder over the forced prefix with an all-ones
// mask and picks the first real token, with both suppression lists applied.
func (p *Pipeline) fullDecode(ctx context.Context, prefix []int64, cfg generation.SpeechConfig) (int64, error) {
	hidden, err := p.encoder.Tensor("last_hidden_state")
	if err != nil {
		return 0, err
	}
	dst, err := p.decoder.Tensor("encoder_hidden_states")
	if err != nil {
		return 0, err
	}
	if err := dst.CopyFrom(hidden); err != nil {
		return 0, fmt.Errorf("carry encoder state: %w", err)
	}

	ids, err := p.decoder.Tensor("input_ids")
	if err != nil {
		return 0, err
	}
	for i, t := range prefix {
		ids.I32()[i] = int32(t)
	}
	mask, err := p.decoder.Tensor("attention_mask")
	if err != nil {
		return 0, err
	}
	mask.Fill(1)

	if err := p.decoder.Infer(ctx); err != nil {
		return 0, fmt.Errorf("decoder: %w", err)
	}

	lg, err := p.decoder.Tensor("logits")
	if err != nil {
		return 0, err
	}
	row := logits.LastPosition(lg.F32(), p.vocabSize)
	logits.Suppress(row, cfg.BeginSuppressTokens)
	logits.Suppress(row, cfg.SuppressTokens)
	return logits.Argmax(row), nil
}

// prepareWithPast readies the with-past decoder for a fresh segment: mask
// [1,...,1,0,...,0,1] (prefix positions ones, trailing slot for the current
// token), cross-attention caches copied whole from the first decoder, and
// the prefix-length slab of self-attention state written at offset 0.
func (p *Pipeline) prepareWithPast() error {
	mask, err := p.withPast.Tensor("attention_mask")
	if err != nil {
		return err
	}
	mask.Fill(0)
	for i := 0; i < p.prefixLen-1; i++ {
		mask.SetF16(i, 1)
	}
	mask.SetF16(mask.Len()-1, 1)

	if err := p.copyCrossAttention(); err != nil {
		return err
	}
	return p.advanceSelfAttention(p.decoder, 0)
}

// copyCrossAttention moves the encoder-derived KV state from the first
// decoder's outputs into the with-past decoder's inputs. Done once per
// segment; never updated afterwards.
func (p *Pipeline) copyCrossAttention() error {
	for _, name := range p.decoder.OutputNames() {
		if !backend.IsPresentOutput(name) || !backend.IsEncoderCache(name) {
			continue
		}
		src, err := p.decoder.Tensor(name)
		if err != nil {
			return err
		}
		dst, err := p.withPast.Tensor(backend.PastName(name))
		if err != nil {
			return err
		}
		if err := dst.CopyFrom(src); err != nil {
			return fmt.Errorf("cross-attention %s: %w", name, err)
		}
	}
	return nil
}

// advanceSelfAttention writes source's decoder-family present outputs into
// the with-past decoder's past inputs at the given sequence offset. The two
// executables are separately compiled graphs, so this is an offset copy, not
// an alias.
func (p *Pipeline) advanceSelfAttention(source backend.Executable, kvPos int64) error {
	for _, name := range source.OutputNames() {
		if !backend.IsPresentOutput(name) || !backend.IsDecoderCache(name) {
			continue
		}
		src, err := source.Tensor(name)
		if err != nil {
			return err
		}
		dst, err := p.withPast.Tensor(backend.PastName(name))
		if err != nil {
			return err
		}
		if err := tensor.CopySliceAxis(dst, src, 2, kvPos); err != nil {
			return fmt.Errorf("self-attention %s at %d: %w", name, kvPos, err)
		}
	}
	return nil
}

// stepWithPast runs one incremental decode at the given absolute position
// and advances the self-attention cache behind it.
func (p *Pipeline) stepWithPast(ctx context.Context, lastToken int64, pos int, cfg generation.SpeechConfig) (int64, error) {
	ids, err := p.withPast.Tensor("input_ids")
	if err != nil {
		return 0, err
	}
	posIDs, err := p.withPast.Tensor("position_ids")
	if err != nil {
		return 0, err
	}
	mask, err := p.withPast.Tensor("attention_mask")
	if err != nil {
		return 0, err
	}

	ids.I32()[0] = int32(lastToken)
	posIDs.I32()[0] = int32(pos)
	mask.SetF16(pos-1, 1)

	if err := p.withPast.Infer(ctx); err != nil {
		return 0, fmt.Errorf("decoder with past: %w", err)
	}
	if err := p.advanceSelfAttention(p.withPast, int64(pos)); err != nil {
		return 0, err
	}

	lg, err := p.withPast.Tensor("logits")
	if err != nil {
		return 0, err
	}
	row := logits.LastPosition(lg.F32(), p.vocabSize)
	logits.Suppress(row, cfg.SuppressTokens)
	return logits.Argmax(row), nil
}
