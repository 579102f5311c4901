// Package stub is a deterministic in-memory compute backend for tests. Its
// executables produce scripted argmax winners, stamp their cache outputs
// with a per-call marker, and record a deep copy of every input slot at each
// Infer, so tests can assert on the exact buffer contents the graphs would
// have seen.
package stub

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/samcharles93/lockstep/internal/backend"
	"github.com/samcharles93/lockstep/internal/tensor"
)

// Script drives the token stream of one executable.
type Script struct {
	// Default is the argmax winner when Tokens is exhausted or empty.
	Default int64
	// Tokens are per-call winners, consumed in order.
	Tokens []int64
	// FailAt makes the n-th Infer (1-based) return Err. Zero disables.
	FailAt int
	Err    error
}

func (s *Script) winner(call int) int64 {
	if s == nil {
		return 0
	}
	if call-1 < len(s.Tokens) {
		return s.Tokens[call-1]
	}
	return s.Default
}

// Model sizes the synthetic two-stage text graphs.
type Model struct {
	VocabSize int
	NumLayers int
	NumHeads  int
	HeadDim   int
}

// SpeechModel sizes the synthetic encoder/decoder/decoder-with-past graphs.
type SpeechModel struct {
	VocabSize    int
	NumLayers    int
	NumHeads     int
	HeadDim      int
	FeatureSize  int // mel bins
	FrameCount   int // spectrogram frames per segment
	EncoderSeq   int // encoder hidden sequence length
	HiddenSize   int
	PrefixLength int // forced decoder prefix length
	MaxLength    int // self-attention cache capacity
}

// Graph is a named bundle of static tensor specs.
type Graph struct {
	Tag     string
	inputs  []backend.TensorSpec
	outputs []backend.TensorSpec
}

func (g *Graph) Inputs() []backend.TensorSpec  { return g.inputs }
func (g *Graph) Outputs() []backend.TensorSpec { return g.outputs }

// Backend fabricates graphs from the configured model sizes and compiles
// them into recording executables. Compiled executables are retrievable by
// tag so tests can reach their call history.
type Backend struct {
	Text    Model
	Speech  SpeechModel
	Scripts map[string]*Script

	mu    sync.Mutex
	execs map[string]*Executable
}

var _ backend.Backend = (*Backend)(nil)

// Exec returns the compiled executable for a graph tag ("prefill", "decode",
// "encoder", "decoder", "decoder_with_past"), or nil if not compiled yet.
func (b *Backend) Exec(tag string) *Executable {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.execs[tag]
}

func (b *Backend) LoadAndAdapt(modelPath string, maxPromptSize, maxCacheSize uint32) (backend.Graph, backend.Graph, error) {
	m := b.Text
	p := int64(maxPromptSize)
	c := int64(maxCacheSize)
	h, d := int64(m.NumHeads), int64(m.HeadDim)

	prefill := &Graph{
		Tag: "prefill",
		inputs: []backend.TensorSpec{
			{Name: "input_ids", DType: tensor.I64, Shape: []int64{1, p}},
			{Name: "attention_mask", DType: tensor.I64, Shape: []int64{1, c}},
			{Name: "position_ids", DType: tensor.I64, Shape: []int64{1, p}},
		},
		outputs: []backend.TensorSpec{
			{Name: "logits", DType: tensor.F32, Shape: []int64{1, p, int64(m.VocabSize)}},
		},
	}
	decode := &Graph{
		Tag: "decode",
		inputs: []backend.TensorSpec{
			{Name: "input_ids", DType: tensor.I64, Shape: []int64{1, 1}},
			{Name: "attention_mask", DType: tensor.I64, Shape: []int64{1, c}},
			{Name: "position_ids", DType: tensor.I64, Shape: []int64{1, 1}},
		},
		outputs: []backend.TensorSpec{
			{Name: "logits", DType: tensor.F32, Shape: []int64{1, 1, int64(m.VocabSize)}},
		},
	}
	for l := 0; l < m.NumLayers; l++ {
		for _, kv := range []string{"key", "value"} {
			cacheShape := []int64{1, h, c, d}
			prefill.outputs = append(prefill.outputs, backend.TensorSpec{
				Name: fmt.Sprintf("present.%d.%s", l, kv), DType: tensor.F32, Shape: cacheShape,
			})
			decode.inputs = append(decode.inputs, backend.TensorSpec{
				Name: fmt.Sprintf("past_key_values.%d.%s", l, kv), DType: tensor.F32, Shape: cacheShape,
			})
			decode.outputs = append(decode.outputs, backend.TensorSpec{
				Name: fmt.Sprintf("present.%d.%s", l, kv), DType: tensor.F32, Shape: cacheShape,
			})
		}
	}
	return prefill, decode, nil
}

func (b *Backend) LoadGraph(path string) (backend.Graph, error) {
	m := b.Speech
	h, d := int64(m.NumHeads), int64(m.HeadDim)
	encSeq := int64(m.EncoderSeq)

	switch {
	case strings.Contains(path, "with_past"):
		g := &Graph{
			Tag: "decoder_with_past",
			inputs: []backend.TensorSpec{
				{Name: "input_ids", DType: tensor.I32, Shape: []int64{1, 1}},
				{Name: "position_ids", DType: tensor.I32, Shape: []int64{1, 1}},
				{Name: "attention_mask", DType: tensor.F16, Shape: []int64{1, int64(m.MaxLength)}},
			},
			outputs: []backend.TensorSpec{
				{Name: "logits", DType: tensor.F32, Shape: []int64{1, 1, int64(m.VocabSize)}},
			},
		}
		for l := 0; l < m.NumLayers; l++ {
			for _, kv := range []string{"key", "value"} {
				g.inputs = append(g.inputs,
					backend.TensorSpec{Name: fmt.Sprintf("past_key_values.%d.decoder.%s", l, kv), DType: tensor.F32, Shape: []int64{1, h, int64(m.MaxLength), d}},
					backend.TensorSpec{Name: fmt.Sprintf("past_key_values.%d.encoder.%s", l, kv), DType: tensor.F32, Shape: []int64{1, h, encSeq, d}},
				)
				g.outputs = append(g.outputs,
					backend.TensorSpec{Name: fmt.Sprintf("present_key_values.%d.decoder.%s", l, kv), DType: tensor.F32, Shape: []int64{1, h, 1, d}},
				)
			}
		}
		return g, nil
	case strings.Contains(path, "encoder"):
		return &Graph{
			Tag: "encoder",
			inputs: []backend.TensorSpec{
				{Name: "input_features", DType: tensor.F32, Shape: []int64{1, int64(m.FeatureSize), int64(m.FrameCount)}},
			},
			outputs: []backend.TensorSpec{
				{Name: "last_hidden_state", DType: tensor.F32, Shape: []int64{1, encSeq, int64(m.HiddenSize)}},
			},
		}, nil
	default:
		g := &Graph{
			Tag: "decoder",
			inputs: []backend.TensorSpec{
				{Name: "encoder_hidden_states", DType: tensor.F32, Shape: []int64{1, encSeq, int64(m.HiddenSize)}},
				{Name: "input_ids", DType: tensor.I32, Shape: []int64{1, int64(m.PrefixLength)}},
				{Name: "attention_mask", DType: tensor.F16, Shape: []int64{1, int64(m.PrefixLength)}},
			},
			outputs: []backend.TensorSpec{
				{Name: "logits", DType: tensor.F32, Shape: []int64{1, int64(m.PrefixLength), int64(m.VocabSize)}},
			},
		}
		for l := 0; l < m.NumLayers; l++ {
			for _, kv := range []string{"key", "value"} {
				g.outputs = append(g.outputs,
					backend.TensorSpec{Name: fmt.Sprintf("present_key_values.%d.decoder.%s", l, kv), DType: tensor.F32, Shape: []int64{1, h, int64(m.PrefixLength), d}},
					backend.TensorSpec{Name: fmt.Sprintf("present_key_values.%d.encoder.%s", l, kv), DType: tensor.F32, Shape: []int64{1, h, encSeq, d}},
				)
			}
		}
		return g, nil
	}
}

func (b *Backend) Compile(g backend.Graph, device string, opts map[string]string) (backend.Executable, error) {
	sg, ok := g.(*Graph)
	if !ok {
		return nil, fmt.Errorf("%w: foreign graph type %T", backend.ErrExecution, g)
	}
	e := &Executable{
		tag:    sg.Tag,
		script: b.script(sg.Tag),
		slots:  make(map[string]*tensor.Fixed, len(sg.inputs)+len(sg.outputs)),
	}
	for _, spec := range sg.inputs {
		t, err := tensor.New(spec.Name, spec.DType, spec.Shape)
		if err != nil {
			return nil, err
		}
		e.slots[spec.Name] = t
		e.inputNames = append(e.inputNames, spec.Name)
	}
	for _, spec := range sg.outputs {
		t, err := tensor.New(spec.Name, spec.DType, spec.Shape)
		if err != nil {
			return nil, err
		}
		e.slots[spec.Name] = t
		e.outputNames = append(e.outputNames, spec.Name)
	}

	b.mu.Lock()
	if b.execs == nil {
		b.execs = make(map[string]*Executable)
	}
	b.execs[sg.Tag] = e
	b.mu.Unlock()
	return e, nil
}

func (b *Backend) script(tag string) *Script {
	if b.Scripts == nil {
		return nil
	}
	return b.Scripts[tag]
}

// Call is a snapshot of one Infer: deep copies of every input slot at the
// moment the step ran.
type Call struct {
	Inputs map[string]*tensor.Fixed
}

// Executable is a scripted, recording graph instance.
type Executable struct {
	tag         string
	script      *Script
	slots       map[string]*tensor.Fixed
	inputNames  []string
	outputNames []string

	Calls []Call
}

var _ backend.Executable = (*Executable)(nil)

func (e *Executable) Tensor(name string) (*tensor.Fixed, error) {
	t, ok := e.slots[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q in %s graph", backend.ErrUnknownTensor, name, e.tag)
	}
	return t, nil
}

func (e *Executable) BindTensor(name string, t *tensor.Fixed) error {
	if _, ok := e.slots[name]; !ok {
		return fmt.Errorf("%w: %q in %s graph", backend.ErrUnknownTensor, name, e.tag)
	}
	e.slots[name] = t
	return nil
}

func (e *Executable) InputNames() []string  { return e.inputNames }
func (e *Executable) OutputNames() []string { return e.outputNames }

func (e *Executable) Infer(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	call := Call{Inputs: make(map[string]*tensor.Fixed, len(e.inputNames))}
	for _, name := range e.inputNames {
		call.Inputs[name] = e.slots[name].Clone()
	}
	e.Calls = append(e.Calls, call)
	n := len(e.Calls)

	if e.script != nil && e.script.FailAt == n {
		err := e.script.Err
		if err == nil {
			err = fmt.Errorf("scripted failure at call %d", n)
		}
		return fmt.Errorf("%w: %s: %v", backend.ErrExecution, e.tag, err)
	}

	winner := e.script.winner(n)

	for _, name := range e.outputNames {
		out := e.slots[name]
		if name == "logits" {
			out.Fill(0)
			data := out.F32()
			vocab := int(out.Dim(len(out.Shape()) - 1))
			data[len(data)-vocab+int(winner)] = 1
			continue
		}
		// Cache outputs get a per-call marker so seeding and offset copies
		// are observable downstream.
		out.Fill(float64(n))
	}
	return nil
}

func (e *Executable) Close() error { return nil }

// InputAt returns the recorded copy of one input from the n-th call
// (0-based). It panics on out-of-range access; tests own the indices.
func (e *Executable) InputAt(call int, name string) *tensor.Fixed {
	return e.Calls[call].Inputs[name]
}
