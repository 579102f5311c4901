package ort

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/x448/float16"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/samcharles93/lockstep/internal/backend"
	"github.com/samcharles93/lockstep/internal/tensor"
)

// executable runs one compiled session over the engine's fixed slots. Each
// Infer wraps the slot buffers in runtime tensors for the call and releases
// them afterwards; the slot memory itself lives for the life of the
// executable, so aliased slots keep working across steps.
type executable struct {
	path        string
	session     *ort.DynamicAdvancedSession
	slots       map[string]*tensor.Fixed
	inputNames  []string
	outputNames []string
}

var _ backend.Executable = (*executable)(nil)

func (e *executable) Tensor(name string) (*tensor.Fixed, error) {
	t, ok := e.slots[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q in %s", backend.ErrUnknownTensor, name, e.path)
	}
	return t, nil
}

func (e *executable) BindTensor(name string, t *tensor.Fixed) error {
	if _, ok := e.slots[name]; !ok {
		return fmt.Errorf("%w: %q in %s", backend.ErrUnknownTensor, name, e.path)
	}
	e.slots[name] = t
	return nil
}

func (e *executable) InputNames() []string  { return e.inputNames }
func (e *executable) OutputNames() []string { return e.outputNames }

// boundValue pairs a runtime tensor with the half-precision scratch buffer
// it may carry; f16 slots cross the boundary as raw bytes.
type boundValue struct {
	value ort.Value
	slot  *tensor.Fixed
	f16   []byte
}

func (e *executable) Infer(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	inputs, err := e.bind(e.inputNames)
	if err != nil {
		return err
	}
	defer destroyAll(inputs)
	outputs, err := e.bind(e.outputNames)
	if err != nil {
		return err
	}
	defer destroyAll(outputs)

	inVals := make([]ort.Value, len(inputs))
	for i := range inputs {
		inVals[i] = inputs[i].value
	}
	outVals := make([]ort.Value, len(outputs))
	for i := range outputs {
		outVals[i] = outputs[i].value
	}

	if err := e.session.Run(inVals, outVals); err != nil {
		return fmt.Errorf("%w: run %s: %v", backend.ErrExecution, e.path, err)
	}

	// Half-precision outputs come back in the scratch bytes.
	for _, b := range outputs {
		if b.f16 != nil {
			f16FromBytes(b.slot, b.f16)
		}
	}
	return nil
}

// bind wraps the named slots in runtime tensors over the same memory.
// I32/I64/F32 slots are zero-copy; F16 goes through a byte scratch buffer.
func (e *executable) bind(names []string) ([]boundValue, error) {
	bound := make([]boundValue, 0, len(names))
	for _, name := range names {
		slot := e.slots[name]
		shape := ort.NewShape(slot.Shape()...)

		var (
			v   ort.Value
			buf []byte
			err error
		)
		switch slot.DType() {
		case tensor.I32:
			v, err = ort.NewTensor(shape, slot.I32())
		case tensor.I64:
			v, err = ort.NewTensor(shape, slot.I64())
		case tensor.F32:
			v, err = ort.NewTensor(shape, slot.F32())
		case tensor.F16:
			buf = f16ToBytes(slot)
			v, err = ort.NewCustomDataTensor(shape, buf, ort.TensorElementDataTypeFloat16)
		default:
			err = fmt.Errorf("unsupported dtype %v", slot.DType())
		}
		if err != nil {
			destroyAll(bound)
			return nil, fmt.Errorf("%w: bind %q: %v", backend.ErrExecution, name, err)
		}
		bound = append(bound, boundValue{value: v, slot: slot, f16: buf})
	}
	return bound, nil
}

func destroyAll(bound []boundValue) {
	for _, b := range bound {
		b.value.Destroy()
	}
}

func f16ToBytes(t *tensor.Fixed) []byte {
	src := t.F16()
	buf := make([]byte, 2*len(src))
	for i, v := range src {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(v))
	}
	return buf
}

func f16FromBytes(t *tensor.Fixed, buf []byte) {
	dst := t.F16()
	for i := range dst {
		dst[i] = float16.Frombits(binary.LittleEndian.Uint16(buf[2*i:]))
	}
}

func (e *executable) Close() error {
	if e.session == nil {
		return nil
	}
	err := e.session.Destroy()
	e.session = nil
	return err
}
