// Package backend defines the contract between the decoding pipelines and
// the compute runtime that compiles fixed-shape graphs and executes them over
// named tensors. The pipelines never see graph internals: they bind and read
// slots by name and call Infer, which blocks until the step completes.
package backend

import (
	"context"
	"errors"

	"github.com/samcharles93/lockstep/internal/tensor"
)

// ErrExecution wraps any graph compile or execute failure. It is fatal for
// the current request and propagated unchanged; the pipeline stays usable
// because all of its state is reset on the next call.
var ErrExecution = errors.New("backend: execution error")

// ErrUnknownTensor is returned when a name does not belong to the graph.
var ErrUnknownTensor = errors.New("backend: unknown tensor")

// TensorSpec describes one named input or output of a compiled graph. Every
// dimension is static; dynamic graphs cannot be loaded.
type TensorSpec struct {
	Name  string
	DType tensor.DType
	Shape []int64
}

// Graph is an opaque, loaded-but-not-compiled model. Implementations carry
// whatever they need (a file path, a parsed proto) plus the static tensor
// specs of its boundary.
type Graph interface {
	Inputs() []TensorSpec
	Outputs() []TensorSpec
}

// Executable is one compiled graph with its pre-allocated boundary slots.
// Infer is synchronous and blocking; there is no pipelining between steps
// because step n+1 consumes step n's cache output.
//
// Executables are not safe for concurrent use. One generation request owns
// the executable start to finish.
type Executable interface {
	// Tensor returns the slot currently bound to name.
	Tensor(name string) (*tensor.Fixed, error)
	// BindTensor rebinds name to t for subsequent Infer calls. This is the
	// primitive behind the aliasing handshake: binding a past_* input to the
	// matching present_* output slot makes each step's cache write visible
	// as the next step's cache read with no copy.
	BindTensor(name string, t *tensor.Fixed) error
	InputNames() []string
	OutputNames() []string
	Infer(ctx context.Context) error
	Close() error
}

// Backend loads and compiles graphs for one device family.
type Backend interface {
	// LoadAndAdapt produces the two-stage form of a decoder-only model: a
	// prefill graph whose input length equals maxPromptSize and a decode
	// graph with single-token inputs, both with the KV cache exposed as
	// explicit past_*/present_* pairs of identical shape so the decode
	// graph's outputs can be aliased onto its inputs.
	LoadAndAdapt(modelPath string, maxPromptSize, maxCacheSize uint32) (prefill, decode Graph, err error)
	// LoadGraph loads a single already-static graph (encoder or decoder
	// stages of the speech pipelines).
	LoadGraph(path string) (Graph, error)
	// Compile prepares a graph for execution on a device. opts are
	// device-specific compile options, passed through untouched.
	Compile(g Graph, device string, opts map[string]string) (Executable, error)
}
