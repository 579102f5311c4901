package pipeline

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/samcharles93/lockstep/internal/backend"
	"github.com/samcharles93/lockstep/internal/backend/stub"
	"github.com/samcharles93/lockstep/internal/generation"
	"github.com/samcharles93/lockstep/internal/logger"
)

func newStubBackend(scripts map[string]*stub.Script) *stub.Backend {
	return &stub.Backend{
		Text:    stub.Model{VocabSize: 64, NumLayers: 2, NumHeads: 2, HeadDim: 4},
		Scripts: scripts,
	}
}

func newTestPipeline(t *testing.T, b *stub.Backend, cacheSize uint32) *Pipeline {
	t.Helper()
	p, err := New(b, nil, Options{
		ModelPath: "model-dir",
		Device:    "stub",
		CacheSize: cacheSize,
		Logger:    logger.Default(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestGenerateExample(t *testing.T) {
	// The reference trace: cache 1024, prompt [5,6,7], budget 4, argmax
	// always 42 -> prefill token plus two loop tokens.
	b := newStubBackend(map[string]*stub.Script{
		"prefill": {Default: 42},
		"decode":  {Default: 42},
	})
	p := newTestPipeline(t, b, 1024)

	res, err := p.GenerateTokens(context.Background(), []int64{5, 6, 7},
		generation.Config{MaxNewTokens: 4, EOSTokenID: 999}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(res.Tokens, []int64{42, 42, 42}) {
		t.Errorf("tokens = %v, want [42 42 42]", res.Tokens)
	}
	if res.Cancelled {
		t.Error("not cancelled")
	}
}

func TestPrefillBufferLayout(t *testing.T) {
	b := newStubBackend(map[string]*stub.Script{
		"prefill": {Default: 9},
		"decode":  {Default: 9},
	})
	p := newTestPipeline(t, b, 16)

	prompt := []int64{11, 12, 13}
	_, err := p.GenerateTokens(context.Background(), prompt,
		generation.Config{MaxNewTokens: 1, EOSTokenID: -2, PadTokenID: 7}, nil)
	if err != nil {
		t.Fatal(err)
	}

	exec := b.Exec("prefill")
	if len(exec.Calls) != 1 {
		t.Fatalf("prefill ran %d times, want 1", len(exec.Calls))
	}
	ids := exec.InputAt(0, "input_ids").I64()
	mask := exec.InputAt(0, "attention_mask").I64()
	pos := exec.InputAt(0, "position_ids").I64()

	pad := len(ids) - len(prompt)
	for i := 0; i < pad; i++ {
		if ids[i] != 7 {
			t.Fatalf("ids[%d] = %d, want pad token 7", i, ids[i])
		}
		if pos[i] != 0 {
			t.Fatalf("pos[%d] = %d, want 0", i, pos[i])
		}
	}
	if !reflect.DeepEqual(ids[pad:], prompt) {
		t.Errorf("ids tail = %v, want %v", ids[pad:], prompt)
	}
	// Position ids restart at 0 at the padding boundary.
	if !reflect.DeepEqual(pos[pad:], []int64{0, 1, 2}) {
		t.Errorf("pos tail = %v, want [0 1 2]", pos[pad:])
	}
	maskPad := len(mask) - len(prompt)
	for i, m := range mask {
		want := int64(0)
		if i >= maskPad {
			want = 1
		}
		if m != want {
			t.Fatalf("mask[%d] = %d, want %d", i, m, want)
		}
	}
}

func TestDecodeStepInputs(t *testing.T) {
	b := newStubBackend(map[string]*stub.Script{
		"prefill": {Default: 3},
		"decode":  {Tokens: []int64{4, 5}, Default: 5},
	})
	p := newTestPipeline(t, b, 8)

	res, err := p.GenerateTokens(context.Background(), []int64{1, 2},
		generation.Config{MaxNewTokens: 4, EOSTokenID: -2}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(res.Tokens, []int64{3, 4, 5}) {
		t.Fatalf("tokens = %v", res.Tokens)
	}

	exec := b.Exec("decode")
	if len(exec.Calls) != 2 {
		t.Fatalf("decode ran %d times, want 2", len(exec.Calls))
	}

	// Step 1: feeds the prefill token, position = stored tokens (2), mask
	// gains the bit one left of the prompt's span.
	if got := exec.InputAt(0, "input_ids").I64()[0]; got != 3 {
		t.Errorf("step 1 input id = %d, want 3", got)
	}
	if got := exec.InputAt(0, "position_ids").I64()[0]; got != 2 {
		t.Errorf("step 1 position = %d, want 2", got)
	}
	mask := exec.InputAt(0, "attention_mask").I64()
	want := []int64{0, 0, 0, 0, 0, 1, 1, 1}
	if !reflect.DeepEqual(mask, want) {
		t.Errorf("step 1 mask = %v, want %v", mask, want)
	}

	// Step 2: feeds step 1's token, mask extends one further left.
	if got := exec.InputAt(1, "input_ids").I64()[0]; got != 4 {
		t.Errorf("step 2 input id = %d, want 4", got)
	}
	if got := exec.InputAt(1, "position_ids").I64()[0]; got != 3 {
		t.Errorf("step 2 position = %d, want 3", got)
	}
	mask = exec.InputAt(1, "attention_mask").I64()
	want = []int64{0, 0, 0, 0, 1, 1, 1, 1}
	if !reflect.DeepEqual(mask, want) {
		t.Errorf("step 2 mask = %v, want %v", mask, want)
	}
}

func TestAliasingHandshake(t *testing.T) {
	b := newStubBackend(map[string]*stub.Script{
		"prefill": {Default: 1},
		"decode":  {Default: 1},
	})
	p := newTestPipeline(t, b, 8)

	if _, err := p.GenerateTokens(context.Background(), []int64{1},
		generation.Config{MaxNewTokens: 4, EOSTokenID: -2}, nil); err != nil {
		t.Fatal(err)
	}

	dec := b.Exec("decode")
	for _, name := range dec.OutputNames() {
		if !backend.IsPresentOutput(name) {
			continue
		}
		out, err := dec.Tensor(name)
		if err != nil {
			t.Fatal(err)
		}
		past, err := dec.Tensor(backend.PastName(name))
		if err != nil {
			t.Fatal(err)
		}
		if !out.Aliases(past) {
			t.Errorf("%s not aliased to %s", backend.PastName(name), name)
		}
	}

	// The first decode step must have seen the prefill graph's cache
	// contents (the stub stamps prefill outputs with call number 1).
	seeded := dec.InputAt(0, "past_key_values.0.key").F32()
	for i, v := range seeded {
		if v != 1 {
			t.Fatalf("seeded cache[%d] = %v, want prefill marker 1", i, v)
		}
	}
	// The second step sees the decode graph's own first-step output
	// through the alias (marker 1 again, but from the decode executable).
	second := dec.InputAt(1, "past_key_values.0.key").F32()
	for i, v := range second {
		if v != 1 {
			t.Fatalf("step 2 cache[%d] = %v", i, v)
		}
	}
}

func TestEosStopsGeneration(t *testing.T) {
	b := newStubBackend(map[string]*stub.Script{
		"prefill": {Default: 10},
		"decode":  {Tokens: []int64{11, 99, 12}, Default: 12},
	})
	p := newTestPipeline(t, b, 64)

	res, err := p.GenerateTokens(context.Background(), []int64{1, 2},
		generation.Config{MaxNewTokens: 32, EOSTokenID: 99}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(res.Tokens, []int64{10, 11, 99}) {
		t.Errorf("tokens = %v, want eos last", res.Tokens)
	}
	if got := len(b.Exec("decode").Calls); got != 2 {
		t.Errorf("decode ran %d times after eos, want 2", got)
	}
}

func TestCacheFullStopsGeneration(t *testing.T) {
	b := newStubBackend(map[string]*stub.Script{
		"prefill": {Default: 1},
		"decode":  {Default: 1},
	})
	p := newTestPipeline(t, b, 6)

	res, err := p.GenerateTokens(context.Background(), []int64{1, 2, 3},
		generation.Config{MaxNewTokens: 100, EOSTokenID: -2}, nil)
	if err != nil {
		t.Fatal(err)
	}
	// 3 prompt tokens stored by prefill, 3 decode steps fill the cache:
	// prefill token + 3 loop tokens, then a silent stop.
	if len(res.Tokens) != 4 {
		t.Errorf("got %d tokens, want 4", len(res.Tokens))
	}
	if got := len(b.Exec("decode").Calls); got != 3 {
		t.Errorf("decode ran %d times, want 3", got)
	}
}

func TestStreamerCancellation(t *testing.T) {
	b := newStubBackend(map[string]*stub.Script{
		"prefill": {Default: 1},
		"decode":  {Default: 1},
	})
	p := newTestPipeline(t, b, 64)

	var seen []int64
	streamer := generation.StreamFunc(func(tok int64) bool {
		seen = append(seen, tok)
		return len(seen) == 2
	})
	res, err := p.GenerateTokens(context.Background(), []int64{1},
		generation.Config{MaxNewTokens: 32, EOSTokenID: -2}, streamer)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Cancelled {
		t.Error("result should be marked cancelled")
	}
	if len(res.Tokens) != 2 {
		t.Errorf("got %d tokens, want exactly the 2 streamed ones", len(res.Tokens))
	}
	if got := len(b.Exec("decode").Calls); got != 1 {
		t.Errorf("decode ran %d times after cancellation, want 1", got)
	}
}

func TestCancelOnFirstToken(t *testing.T) {
	b := newStubBackend(map[string]*stub.Script{
		"prefill": {Default: 1},
		"decode":  {Default: 1},
	})
	p := newTestPipeline(t, b, 64)

	streamer := generation.StreamFunc(func(int64) bool { return true })
	res, err := p.GenerateTokens(context.Background(), []int64{1},
		generation.Config{MaxNewTokens: 32, EOSTokenID: -2}, streamer)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Cancelled || len(res.Tokens) != 1 {
		t.Errorf("res = %+v, want cancelled with just the prefill token", res)
	}
	if b.Exec("decode") != nil && len(b.Exec("decode").Calls) != 0 {
		t.Error("decode must not run after first-token cancellation")
	}
}

func TestStateResetsBetweenRequests(t *testing.T) {
	b := newStubBackend(map[string]*stub.Script{
		"prefill": {Default: 5},
		"decode":  {Default: 5},
	})
	p := newTestPipeline(t, b, 32)
	cfg := generation.Config{MaxNewTokens: 5, EOSTokenID: -2}

	first, err := p.GenerateTokens(context.Background(), []int64{1, 2, 3}, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.GenerateTokens(context.Background(), []int64{1, 2, 3}, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first.Tokens, second.Tokens) {
		t.Errorf("repeat run diverged: %v vs %v", first.Tokens, second.Tokens)
	}

	// The second request's first decode step must see position = prompt
	// length again, not a continuation of the first request.
	dec := b.Exec("decode")
	perRequest := len(dec.Calls) / 2
	if got := dec.InputAt(perRequest, "position_ids").I64()[0]; got != 3 {
		t.Errorf("second request first position = %d, want 3", got)
	}
}

func TestPromptTooLong(t *testing.T) {
	b := newStubBackend(nil)
	p := newTestPipeline(t, b, 4)

	_, err := p.GenerateTokens(context.Background(), []int64{1, 2, 3, 4, 5},
		generation.Config{MaxNewTokens: 1}, nil)
	if !errors.Is(err, ErrPromptTooLong) {
		t.Errorf("err = %v, want ErrPromptTooLong", err)
	}
	if b.Exec("prefill") != nil && len(b.Exec("prefill").Calls) != 0 {
		t.Error("no graph may execute for an oversized prompt")
	}
}

func TestConfigRejectedAtEntry(t *testing.T) {
	b := newStubBackend(nil)
	p := newTestPipeline(t, b, 8)

	_, err := p.GenerateTokens(context.Background(), []int64{1},
		generation.Config{MaxNewTokens: 4, DoSample: true}, nil)
	if !errors.Is(err, generation.ErrUnsupportedFeature) {
		t.Errorf("err = %v, want ErrUnsupportedFeature", err)
	}

	_, err = p.GenerateTokens(context.Background(), nil,
		generation.Config{MaxNewTokens: 4}, nil)
	if !errors.Is(err, generation.ErrConfiguration) {
		t.Errorf("err = %v, want ErrConfiguration for empty prompt", err)
	}
}

func TestBackendFailurePropagatesAndPipelineRecovers(t *testing.T) {
	b := newStubBackend(map[string]*stub.Script{
		"prefill": {Default: 1},
		"decode":  {Default: 1, FailAt: 1},
	})
	p := newTestPipeline(t, b, 32)
	cfg := generation.Config{MaxNewTokens: 5, EOSTokenID: -2}

	_, err := p.GenerateTokens(context.Background(), []int64{1, 2}, cfg, nil)
	if !errors.Is(err, backend.ErrExecution) {
		t.Fatalf("err = %v, want ErrExecution", err)
	}

	// State resets on the next call, so the pipeline stays usable.
	res, err := p.GenerateTokens(context.Background(), []int64{1, 2}, cfg, nil)
	if err != nil {
		t.Fatalf("pipeline unusable after backend failure: %v", err)
	}
	if len(res.Tokens) == 0 {
		t.Error("no tokens after recovery")
	}
}

func TestZeroBudgetReturnsPrefillTokenOnly(t *testing.T) {
	b := newStubBackend(map[string]*stub.Script{
		"prefill": {Default: 8},
		"decode":  {Default: 8},
	})
	p := newTestPipeline(t, b, 32)

	res, err := p.GenerateTokens(context.Background(), []int64{1, 2, 3, 4},
		generation.Config{MaxLength: 4, EOSTokenID: -2}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(res.Tokens, []int64{8}) {
		t.Errorf("tokens = %v, want just the prefill token", res.Tokens)
	}
	if b.Exec("decode") != nil && len(b.Exec("decode").Calls) != 0 {
		t.Error("decode must not run with a zero budget")
	}
}

func TestGenerateRoundTrip(t *testing.T) {
	b := newStubBackend(map[string]*stub.Script{
		"prefill": {Default: 4},
		"decode":  {Tokens: []int64{5, 1}, Default: 1},
	})

	tok := fakeTokenizer{
		encode: map[string]int64{"hello": 3},
		decode: map[int64]string{3: "hello", 4: "static", 5: "shapes"},
		eos:    1,
		pad:    0,
	}
	p, err := New(b, tok, Options{ModelPath: "m", Device: "stub", CacheSize: 32})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	res, err := p.Generate(context.Background(), "hello",
		generation.Config{MaxNewTokens: 8, EOSTokenID: -1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "static shapes" {
		t.Errorf("text = %q, want %q", res.Text, "static shapes")
	}
	if !reflect.DeepEqual(res.Tokens, []int64{4, 5, 1}) {
		t.Errorf("tokens = %v", res.Tokens)
	}
}

type fakeTokenizer struct {
	encode map[string]int64
	decode map[int64]string
	eos    int64
	pad    int64
}

func (f fakeTokenizer) Encode(text string) ([]int64, error) {
	id, ok := f.encode[text]
	if !ok {
		return nil, errors.New("unknown text")
	}
	return []int64{id}, nil
}

func (f fakeTokenizer) Decode(ids []int64) (string, error) {
	out := ""
	for _, id := range ids {
		if id == f.eos || id == f.pad {
			continue
		}
		if out != "" {
			out += " "
		}
		out += f.decode[id]
	}
	return out, nil
}

func (f fakeTokenizer) PadTokenID() int64 { return f.pad }
func (f fakeTokenizer) EOSTokenID() int64 { return f.eos }
