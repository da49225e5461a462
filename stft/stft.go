// Package stft provides short-time Fourier analysis and windowed
// overlap-add resynthesis for block-oriented spectral processing.
//
// Frames are taken every hop samples with a periodic Hann window (or any
// other window type) and transformed with an FFT plan. Synthesis overlaps
// the windowed inverse frames and normalizes by the summed squared window
// so that frame boundaries introduce no amplitude modulation.
package stft

import (
	"fmt"
	"math"

	algofft "github.com/MeKo-Christian/algo-fft"
	"github.com/cwbudde/algo-dsp/dsp/window"
)

const (
	minFrameSize = 64
	normFloor    = 1e-12
)

// Transform holds the FFT plan and window for one frame geometry.
// It is not safe for concurrent use.
type Transform struct {
	frameSize int
	hop       int
	coeffs    []float64
	plan      *algofft.Plan[complex128]

	scratch []complex128
}

// New creates a transform with the given frame size (power of two, >= 64)
// and hop. The window is a periodic Hann, the standard choice for
// overlap-add processing at hop = frameSize/4.
func New(frameSize, hop int) (*Transform, error) {
	return NewWithWindow(frameSize, hop, window.TypeHann)
}

// NewWithWindow creates a transform with an explicit window type.
func NewWithWindow(frameSize, hop int, winType window.Type) (*Transform, error) {
	if frameSize < minFrameSize || frameSize&(frameSize-1) != 0 {
		return nil, fmt.Errorf("stft: frame size must be a power of two >= %d, got %d", minFrameSize, frameSize)
	}
	if hop <= 0 || hop > frameSize {
		return nil, fmt.Errorf("stft: hop must be in [1, %d], got %d", frameSize, hop)
	}

	plan, err := algofft.NewPlan64(frameSize)
	if err != nil {
		return nil, fmt.Errorf("stft: failed to create FFT plan: %w", err)
	}
	coeffs := window.Generate(winType, frameSize, window.WithPeriodic())
	if len(coeffs) != frameSize {
		return nil, fmt.Errorf("stft: window generation failed for size %d", frameSize)
	}

	return &Transform{
		frameSize: frameSize,
		hop:       hop,
		coeffs:    coeffs,
		plan:      plan,
		scratch:   make([]complex128, frameSize),
	}, nil
}

// FrameSize returns the analysis frame length in samples.
func (t *Transform) FrameSize() int { return t.frameSize }

// Hop returns the analysis hop in samples.
func (t *Transform) Hop() int { return t.hop }

// Bins returns the number of non-redundant spectrum bins (frameSize/2+1).
func (t *Transform) Bins() int { return t.frameSize/2 + 1 }

// NumFrames returns how many frames Analyze produces for n input samples.
func (t *Transform) NumFrames(n int) int {
	if n <= 0 {
		return 0
	}
	return 1 + (n-1)/t.hop
}

// Window returns the window coefficients. Callers must not modify them.
func (t *Transform) Window() []float64 { return t.coeffs }

// AnalyzeFrame windows frameSize samples starting at signal[pos] (reading
// zeros past the end) and writes the full complex spectrum into dst.
func (t *Transform) AnalyzeFrame(signal []float64, pos int, dst []complex128) error {
	if len(dst) != t.frameSize {
		return fmt.Errorf("stft: spectrum buffer has %d bins, want %d", len(dst), t.frameSize)
	}
	for i := range t.frameSize {
		x := 0.0
		if idx := pos + i; idx >= 0 && idx < len(signal) {
			x = signal[idx]
		}
		dst[i] = complex(x*t.coeffs[i], 0)
	}
	if err := t.plan.Forward(dst, dst); err != nil {
		return fmt.Errorf("stft: forward FFT failed: %w", err)
	}
	return nil
}

// Analyze splits signal into overlapping frames and returns one full
// complex spectrum per frame.
func (t *Transform) Analyze(signal []float64) ([][]complex128, error) {
	frames := make([][]complex128, t.NumFrames(len(signal)))
	for f := range frames {
		spec := make([]complex128, t.frameSize)
		if err := t.AnalyzeFrame(signal, f*t.hop, spec); err != nil {
			return nil, err
		}
		frames[f] = spec
	}
	return frames, nil
}

// Mirror completes a spectrum from its non-redundant half so the inverse
// transform yields a real signal. Bins [0, frameSize/2] must be set.
func Mirror(spec []complex128) {
	n := len(spec)
	half := n / 2
	spec[0] = complex(real(spec[0]), 0)
	spec[half] = complex(real(spec[half]), 0)
	for k := 1; k < half; k++ {
		v := spec[k]
		spec[n-k] = complex(real(v), -imag(v))
	}
}

// Synthesize reconstructs n samples from spectra produced at hop spacing.
// Each inverse frame is windowed again and overlap-added; the result is
// normalized by the accumulated squared window with a floor guard.
//
// The spectra are modified in place (inverse transform scratch).
func (t *Transform) Synthesize(frames [][]complex128, n int) ([]float64, error) {
	if len(frames) == 0 {
		return make([]float64, n), nil
	}
	outLen := (len(frames)-1)*t.hop + t.frameSize
	acc := make([]float64, outLen)
	norm := make([]float64, outLen)

	for f, spec := range frames {
		if len(spec) != t.frameSize {
			return nil, fmt.Errorf("stft: frame %d has %d bins, want %d", f, len(spec), t.frameSize)
		}
		if err := t.plan.Inverse(t.scratch, spec); err != nil {
			return nil, fmt.Errorf("stft: inverse FFT failed: %w", err)
		}
		pos := f * t.hop
		for i := range t.frameSize {
			w := t.coeffs[i]
			acc[pos+i] += real(t.scratch[i]) * w
			norm[pos+i] += w * w
		}
	}

	for i := range acc {
		if norm[i] > normFloor {
			acc[i] /= norm[i]
		}
	}

	out := make([]float64, n)
	copy(out, acc)
	return out, nil
}

// OverlapGain returns the steady-state squared-window overlap sum for the
// transform's geometry. For a periodic Hann at 75% overlap this is 1.5.
func (t *Transform) OverlapGain() float64 {
	sum := 0.0
	for i := 0; i < t.frameSize; i += t.hop {
		w := t.coeffs[i]
		sum += w * w
	}
	if sum < normFloor {
		return 1
	}
	return sum
}

// IsFinite reports whether every sample in buf is a finite number.
func IsFinite(buf []float64) bool {
	for _, v := range buf {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
