// Package ort implements the compute backend over ONNX Runtime. The
// dynamic-to-static graph rewrite happens in the model exporter, outside this
// repo: a model directory holds pre-exported fixed-shape graphs (prefill.onnx
// and decode.onnx for text, the encoder/decoder/decoder-with-past trio for
// speech) and this backend validates and executes them.
package ort

import (
	"fmt"
	"path/filepath"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/samcharles93/lockstep/internal/backend"
	"github.com/samcharles93/lockstep/internal/tensor"
)

// Graph file names inside a text model directory.
const (
	PrefillFile = "prefill.onnx"
	DecodeFile  = "decode.onnx"
)

// Backend loads and compiles static ONNX graphs. One Backend owns the
// process-wide runtime environment; construct it once.
type Backend struct{}

var _ backend.Backend = (*Backend)(nil)

// NewBackend initializes the ONNX Runtime environment from the given shared
// library, if it is not already initialized.
func NewBackend(libraryPath string) (*Backend, error) {
	if !ort.IsInitialized() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("%w: initialize onnxruntime: %v", backend.ErrExecution, err)
		}
	}
	return &Backend{}, nil
}

// Shutdown destroys the runtime environment. Call once, after every
// executable is closed.
func (b *Backend) Shutdown() error {
	return ort.DestroyEnvironment()
}

// graph is a loaded-but-not-compiled ONNX model: its path plus the static
// boundary specs read from the file.
type graph struct {
	path    string
	inputs  []backend.TensorSpec
	outputs []backend.TensorSpec
}

func (g *graph) Inputs() []backend.TensorSpec  { return g.inputs }
func (g *graph) Outputs() []backend.TensorSpec { return g.outputs }

func (b *Backend) LoadGraph(path string) (backend.Graph, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", backend.ErrExecution, path, err)
	}
	g := &graph{path: path}
	if g.inputs, err = convertSpecs(path, inputs); err != nil {
		return nil, err
	}
	if g.outputs, err = convertSpecs(path, outputs); err != nil {
		return nil, err
	}
	return g, nil
}

// LoadAndAdapt loads the pre-exported two-stage pair from a model directory
// and verifies the contract the pipelines rely on: the prefill graph takes
// maxPromptSize tokens and exposes no past inputs, and every decode-graph
// present output has a past input of identical shape so the two can be
// aliased.
func (b *Backend) LoadAndAdapt(modelPath string, maxPromptSize, maxCacheSize uint32) (backend.Graph, backend.Graph, error) {
	prefill, err := b.LoadGraph(filepath.Join(modelPath, PrefillFile))
	if err != nil {
		return nil, nil, err
	}
	decode, err := b.LoadGraph(filepath.Join(modelPath, DecodeFile))
	if err != nil {
		return nil, nil, err
	}
	if err := validateTwoStage(prefill, decode, maxPromptSize, maxCacheSize); err != nil {
		return nil, nil, err
	}
	return prefill, decode, nil
}

func validateTwoStage(prefill, decode backend.Graph, maxPromptSize, maxCacheSize uint32) error {
	for _, spec := range prefill.Inputs() {
		if backend.IsPastInput(spec.Name) {
			return fmt.Errorf("%w: prefill graph has cache input %q; export it without past state",
				backend.ErrExecution, spec.Name)
		}
		if spec.Name == "input_ids" && spec.Shape[len(spec.Shape)-1] != int64(maxPromptSize) {
			return fmt.Errorf("%w: prefill input_ids holds %d tokens, pipeline configured for %d",
				backend.ErrExecution, spec.Shape[len(spec.Shape)-1], maxPromptSize)
		}
	}

	pastShapes := make(map[string][]int64)
	for _, spec := range decode.Inputs() {
		if backend.IsPastInput(spec.Name) {
			pastShapes[spec.Name] = spec.Shape
		}
		if spec.Name == "attention_mask" && spec.Shape[len(spec.Shape)-1] != int64(maxCacheSize) {
			return fmt.Errorf("%w: decode attention_mask holds %d positions, pipeline configured for %d",
				backend.ErrExecution, spec.Shape[len(spec.Shape)-1], maxCacheSize)
		}
	}
	for _, spec := range decode.Outputs() {
		if !backend.IsPresentOutput(spec.Name) {
			continue
		}
		past, ok := pastShapes[backend.PastName(spec.Name)]
		if !ok {
			return fmt.Errorf("%w: decode output %q has no matching past input", backend.ErrExecution, spec.Name)
		}
		if len(past) != len(spec.Shape) {
			return fmt.Errorf("%w: %q rank differs from its past input", backend.ErrExecution, spec.Name)
		}
		for i := range past {
			if past[i] != spec.Shape[i] {
				return fmt.Errorf("%w: %q shape %v does not match past shape %v; export the decoder with cache outputs trimmed to the cache capacity",
					backend.ErrExecution, spec.Name, spec.Shape, past)
			}
		}
	}
	return nil
}

func convertSpecs(path string, infos []ort.InputOutputInfo) ([]backend.TensorSpec, error) {
	specs := make([]backend.TensorSpec, 0, len(infos))
	for _, info := range infos {
		dt, err := convertDType(info.DataType)
		if err != nil {
			return nil, fmt.Errorf("%w: %s tensor %q: %v", backend.ErrExecution, path, info.Name, err)
		}
		shape := append([]int64(nil), info.Dimensions...)
		for _, d := range shape {
			if d <= 0 {
				return nil, fmt.Errorf("%w: %s tensor %q has dynamic dimension; only static graphs are supported",
					backend.ErrExecution, path, info.Name)
			}
		}
		specs = append(specs, backend.TensorSpec{Name: info.Name, DType: dt, Shape: shape})
	}
	return specs, nil
}

func convertDType(t ort.TensorElementDataType) (tensor.DType, error) {
	switch t {
	case ort.TensorElementDataTypeInt32:
		return tensor.I32, nil
	case ort.TensorElementDataTypeInt64:
		return tensor.I64, nil
	case ort.TensorElementDataTypeFloat:
		return tensor.F32, nil
	case ort.TensorElementDataTypeFloat16:
		return tensor.F16, nil
	}
	return 0, fmt.Errorf("unsupported element type %v", t)
}

// Compile opens a session for the graph. Supported devices: "cpu" (default),
// "cuda" and "coreml"; opts are forwarded to the provider where applicable.
func (b *Backend) Compile(g backend.Graph, device string, opts map[string]string) (backend.Executable, error) {
	og, ok := g.(*graph)
	if !ok {
		return nil, fmt.Errorf("%w: foreign graph type %T", backend.ErrExecution, g)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("%w: session options: %v", backend.ErrExecution, err)
	}
	defer options.Destroy()

	switch device {
	case "", "cpu":
	case "cuda":
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, fmt.Errorf("%w: cuda provider: %v", backend.ErrExecution, err)
		}
		defer cudaOpts.Destroy()
		if len(opts) > 0 {
			if err := cudaOpts.Update(opts); err != nil {
				return nil, fmt.Errorf("%w: cuda options: %v", backend.ErrExecution, err)
			}
		}
		if err := options.AppendExecutionProviderCUDA(cudaOpts); err != nil {
			return nil, fmt.Errorf("%w: enable cuda: %v", backend.ErrExecution, err)
		}
	case "coreml":
		if err := options.AppendExecutionProviderCoreML(0); err != nil {
			return nil, fmt.Errorf("%w: enable coreml: %v", backend.ErrExecution, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown device %q", backend.ErrExecution, device)
	}

	e := &executable{
		path:  og.path,
		slots: make(map[string]*tensor.Fixed, len(og.inputs)+len(og.outputs)),
	}
	for _, spec := range og.inputs {
		t, err := tensor.New(spec.Name, spec.DType, spec.Shape)
		if err != nil {
			return nil, err
		}
		e.slots[spec.Name] = t
		e.inputNames = append(e.inputNames, spec.Name)
	}
	for _, spec := range og.outputs {
		t, err := tensor.New(spec.Name, spec.DType, spec.Shape)
		if err != nil {
			return nil, err
		}
		e.slots[spec.Name] = t
		e.outputNames = append(e.outputNames, spec.Name)
	}

	e.session, err = ort.NewDynamicAdvancedSession(og.path, e.inputNames, e.outputNames, options)
	if err != nil {
		return nil, fmt.Errorf("%w: open session for %s: %v", backend.ErrExecution, og.path, err)
	}
	return e, nil
}
