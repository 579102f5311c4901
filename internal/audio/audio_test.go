package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// smallConfig keeps the test extractor cheap: 1s windows at 8 kHz.
func smallConfig() Config {
	return Config{
		SamplingRate: 8000,
		NFFT:         200,
		HopLength:    80,
		FeatureSize:  20,
		ChunkLength:  1,
	}
}

func TestConfigGeometry(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.NSamples(); got != 480000 {
		t.Errorf("NSamples() = %d, want 480000", got)
	}
	if got := cfg.FrameCount(); got != 3000 {
		t.Errorf("FrameCount() = %d, want 3000", got)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	data := []byte(`{"sampling_rate": 8000, "n_fft": 200, "hop_length": 80, "feature_size": 20, "chunk_length": 2}`)
	if err := os.WriteFile(filepath.Join(dir, "preprocessor_config.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.SamplingRate != 8000 || cfg.FeatureSize != 20 || cfg.ChunkLength != 2 {
		t.Errorf("unexpected config: %+v", cfg)
	}

	cfg, err = LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig on empty dir: %v", err)
	}
	if cfg != DefaultConfig() {
		t.Errorf("missing file should yield defaults, got %+v", cfg)
	}
}

func TestExtractShapeAndRange(t *testing.T) {
	e, err := NewMelExtractor(smallConfig())
	if err != nil {
		t.Fatal(err)
	}

	// A 440 Hz tone, deliberately shorter than the window to exercise
	// zero padding.
	tone := make([]float32, e.NSamples()/2)
	for i := range tone {
		tone[i] = float32(math.Sin(2 * math.Pi * 440 * float64(i) / 8000))
	}

	feats, err := e.Extract(tone)
	if err != nil {
		t.Fatal(err)
	}
	want := e.FeatureSize() * e.FrameCount()
	if len(feats) != want {
		t.Fatalf("Extract returned %d values, want %d", len(feats), want)
	}
	for i, v := range feats {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("feats[%d] = %v", i, v)
		}
	}

	// The clamp bounds the dynamic range to 8 decades, so after the
	// (x+4)/4 rescale all values sit within 2 of each other.
	min, max := feats[0], feats[0]
	for _, v := range feats {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if max-min > 2.0001 {
		t.Errorf("dynamic range %v exceeds clamp window", max-min)
	}
}

func TestExtractDeterministic(t *testing.T) {
	e, err := NewMelExtractor(smallConfig())
	if err != nil {
		t.Fatal(err)
	}
	in := make([]float32, e.NSamples())
	for i := range in {
		in[i] = float32(math.Sin(float64(i) * 0.01))
	}
	a, _ := e.Extract(in)
	b, _ := e.Extract(in)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("extraction not deterministic at %d: %v vs %v", i, a[i], b[i])
		}
	}
}

func writeWAV(t *testing.T, channels int, rate int, pcm []int16) []byte {
	t.Helper()
	var body bytes.Buffer
	for _, s := range pcm {
		binary.Write(&body, binary.LittleEndian, s)
	}

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+body.Len()))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(rate))
	binary.Write(&buf, binary.LittleEndian, uint32(rate*channels*2))
	binary.Write(&buf, binary.LittleEndian, uint16(channels*2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(body.Len()))
	buf.Write(body.Bytes())
	return buf.Bytes()
}

func TestReadWAVMono(t *testing.T) {
	raw := writeWAV(t, 1, 16000, []int16{0, 16384, -16384, 32767})
	samples, rate, err := ReadWAV(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	if rate != 16000 {
		t.Errorf("rate = %d, want 16000", rate)
	}
	if len(samples) != 4 {
		t.Fatalf("got %d samples, want 4", len(samples))
	}
	if samples[0] != 0 || samples[1] != 0.5 || samples[2] != -0.5 {
		t.Errorf("samples = %v", samples[:3])
	}
}

func TestReadWAVStereoDownmix(t *testing.T) {
	raw := writeWAV(t, 2, 8000, []int16{16384, -16384, 32767, 32767})
	samples, _, err := ReadWAV(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 2 {
		t.Fatalf("got %d frames, want 2", len(samples))
	}
	if samples[0] != 0 {
		t.Errorf("downmix of +/-0.5 = %v, want 0", samples[0])
	}
}

func TestReadWAVRejectsGarbage(t *testing.T) {
	if _, _, err := ReadWAV(bytes.NewReader([]byte("not a wav file at all"))); err == nil {
		t.Fatal("garbage input should fail")
	}
}
