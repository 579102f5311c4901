package audio

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Extractor converts PCM samples into one encoder-shaped feature window.
type Extractor interface {
	// Extract produces FeatureSize*FrameCount values in row-major
	// [FeatureSize][FrameCount] order. Input shorter than NSamples is
	// zero-padded, longer input is truncated.
	Extract(samples []float32) ([]float32, error)
	NSamples() int
	FeatureSize() int
	FrameCount() int
	SamplingRate() int
}

// MelExtractor computes whisper-style log-mel spectrograms: Hann-windowed
// STFT, mel filter bank, log10 with dynamic-range clamp and (x+4)/4
// normalization.
type MelExtractor struct {
	cfg     Config
	fft     *fourier.FFT
	window  []float64
	filters [][]filterTap
}

type filterTap struct {
	bin    int
	weight float64
}

func NewMelExtractor(cfg Config) (*MelExtractor, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.NFFT > cfg.NSamples() {
		return nil, fmt.Errorf("n_fft %d exceeds window of %d samples", cfg.NFFT, cfg.NSamples())
	}
	e := &MelExtractor{
		cfg:    cfg,
		fft:    fourier.NewFFT(cfg.NFFT),
		window: hannWindow(cfg.NFFT),
	}
	e.filters = melFilterBank(cfg.FeatureSize, cfg.NFFT, cfg.SamplingRate)
	return e, nil
}

func (e *MelExtractor) NSamples() int     { return e.cfg.NSamples() }
func (e *MelExtractor) FeatureSize() int  { return e.cfg.FeatureSize }
func (e *MelExtractor) FrameCount() int   { return e.cfg.FrameCount() }
func (e *MelExtractor) SamplingRate() int { return e.cfg.SamplingRate }

func (e *MelExtractor) Extract(samples []float32) ([]float32, error) {
	n := e.NSamples()
	pcm := make([]float64, n)
	for i := 0; i < len(samples) && i < n; i++ {
		pcm[i] = float64(samples[i])
	}

	nMels := e.cfg.FeatureSize
	frames := e.FrameCount()
	nBins := e.cfg.NFFT/2 + 1

	frame := make([]float64, e.cfg.NFFT)
	coeff := make([]complex128, nBins)
	power := make([]float64, nBins)
	mel := make([]float64, nMels*frames)

	maxLog := math.Inf(-1)
	for t := 0; t < frames; t++ {
		start := t * e.cfg.HopLength
		for i := range frame {
			if start+i < n {
				frame[i] = pcm[start+i] * e.window[i]
			} else {
				frame[i] = 0
			}
		}
		e.fft.Coefficients(coeff, frame)
		for i, c := range coeff {
			re, im := real(c), imag(c)
			power[i] = re*re + im*im
		}
		for m := 0; m < nMels; m++ {
			var sum float64
			for _, tap := range e.filters[m] {
				sum += tap.weight * power[tap.bin]
			}
			v := math.Log10(math.Max(sum, 1e-10))
			mel[m*frames+t] = v
			if v > maxLog {
				maxLog = v
			}
		}
	}

	out := make([]float32, len(mel))
	floor := maxLog - 8.0
	for i, v := range mel {
		if v < floor {
			v = floor
		}
		out[i] = float32((v + 4.0) / 4.0)
	}
	return out, nil
}

func hannWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n)))
	}
	return w
}

// melFilterBank builds slaney-scale triangular filters as sparse tap lists.
func melFilterBank(nMels, nFFT, sampleRate int) [][]filterTap {
	nBins := nFFT/2 + 1
	fMax := float64(sampleRate) / 2

	melLo := hzToMel(0)
	melHi := hzToMel(fMax)
	centers := make([]float64, nMels+2)
	for i := range centers {
		m := melLo + (melHi-melLo)*float64(i)/float64(nMels+1)
		centers[i] = melToHz(m)
	}

	binHz := make([]float64, nBins)
	for i := range binHz {
		binHz[i] = float64(i) * float64(sampleRate) / float64(nFFT)
	}

	filters := make([][]filterTap, nMels)
	for m := 0; m < nMels; m++ {
		lo, mid, hi := centers[m], centers[m+1], centers[m+2]
		// Slaney normalization keeps per-filter energy comparable.
		norm := 2.0 / (hi - lo)
		var taps []filterTap
		for b := 0; b < nBins; b++ {
			f := binHz[b]
			var w float64
			switch {
			case f > lo && f <= mid:
				w = (f - lo) / (mid - lo)
			case f > mid && f < hi:
				w = (hi - f) / (hi - mid)
			}
			if w > 0 {
				taps = append(taps, filterTap{bin: b, weight: w * norm})
			}
		}
		filters[m] = taps
	}
	return filters
}

func hzToMel(hz float64) float64 {
	const breakHz, breakMel = 1000.0, 15.0
	if hz < breakHz {
		return hz * 3 / 200
	}
	return breakMel + math.Log(hz/breakHz)*27/math.Log(6.4)
}

func melToHz(mel float64) float64 {
	const breakHz, breakMel = 1000.0, 15.0
	if mel < breakMel {
		return mel * 200 / 3
	}
	return breakHz * math.Exp(math.Log(6.4)*(mel-breakMel)/27)
}
