package stft

import "fmt"

// OLA accumulates inverse-transformed frames into an overlap-add buffer
// without keeping all spectra alive at once. Frames may arrive at any
// non-decreasing positions; Finalize normalizes by the accumulated squared
// window.
type OLA struct {
	t    *Transform
	acc  []float64
	norm []float64
}

// NewOLA creates an overlap-add accumulator able to hold frames whose end
// positions stay within outLen+frameSize samples.
func (t *Transform) NewOLA(outLen int) *OLA {
	n := outLen + t.frameSize
	return &OLA{
		t:    t,
		acc:  make([]float64, n),
		norm: make([]float64, n),
	}
}

// AddFrame inverse-transforms spec, windows it, and accumulates it at pos.
// spec is used as inverse-transform input and left untouched.
func (o *OLA) AddFrame(spec []complex128, pos int) error {
	t := o.t
	if len(spec) != t.frameSize {
		return fmt.Errorf("stft: frame has %d bins, want %d", len(spec), t.frameSize)
	}
	if pos < 0 || pos+t.frameSize > len(o.acc) {
		return fmt.Errorf("stft: frame at %d exceeds overlap-add buffer of %d", pos, len(o.acc))
	}
	if err := t.plan.Inverse(t.scratch, spec); err != nil {
		return fmt.Errorf("stft: inverse FFT failed: %w", err)
	}
	for i := range t.frameSize {
		w := t.coeffs[i]
		o.acc[pos+i] += real(t.scratch[i]) * w
		o.norm[pos+i] += w * w
	}
	return nil
}

// Finalize returns the first n normalized samples.
func (o *OLA) Finalize(n int) []float64 {
	out := make([]float64, n)
	for i := 0; i < n && i < len(o.acc); i++ {
		if o.norm[i] > normFloor {
			out[i] = o.acc[i] / o.norm[i]
		}
	}
	return out
}
