// Package shift provides the two time/frequency transforms applied per
// stem: pitch shifting (frequency change at constant duration) and tempo
// shifting (duration change at constant pitch).
//
// Both processors are mono and streaming: chunk boundaries fall mid-frame,
// so each instance carries its trailing partial window, accumulated phase,
// and fractional length remainders from one chunk into the next. State is
// scoped to one session; Reset discards it. Instances are not safe for
// concurrent use.
package shift

import (
	"math"

	algofft "github.com/MeKo-Christian/algo-fft"
	"github.com/cockroachdb/errors"
	"github.com/cwbudde/algo-dsp/dsp/core"
	"github.com/cwbudde/algo-dsp/dsp/window"
)

// Semitone bounds for pitch shifting: one octave either way.
const (
	MinSemitones = -12
	MaxSemitones = 12
)

// DefaultFrameSize is the phase vocoder frame length; the hop is a
// quarter frame.
const DefaultFrameSize = 2048

const phaseNormFloor = 1e-12

// ErrNonFinite reports a numeric fault inside a transform. The caller is
// expected to bypass the transform for the affected chunk (passthrough)
// rather than abort the session.
var ErrNonFinite = errors.New("shift: non-finite sample produced")

// Pitch shifts the fundamental frequency of a mono stream by an integer
// semitone count while preserving duration exactly.
//
// The implementation is a streaming bin-shifting phase vocoder: analysis
// and synthesis hops are equal, so each processed frame finalizes exactly
// one hop of output and the stream never drifts. Per-bin phase state and
// the trailing partial window persist across Process calls. Zero
// semitones is a bit-exact passthrough.
type Pitch struct {
	frameSize int
	hop       int
	semitones int
	ratio     float64

	plan   *algofft.Plan[complex128]
	coeffs []float64
	omega  []float64

	// Cross-chunk phase vocoder state.
	prevPhase []float64
	sumPhase  []float64

	// Cross-chunk stream state: pending holds unconsumed input (the
	// trailing partial window); acc/norm hold overlap-add output whose
	// head is not yet finalized; queue holds finalized samples awaiting
	// emission.
	pending []float64
	acc     []float64
	norm    []float64
	queue   []float64

	totalIn  uint64
	totalOut uint64

	// Frame scratch.
	spec      []complex128
	timeFrame []complex128
	mags      []float64
	freqs     []float64
	shiftMag  []float64
	shiftFreq []float64
}

// NewPitch creates a pitch shifter with the default frame geometry.
func NewPitch() (*Pitch, error) {
	return NewPitchWithFrame(DefaultFrameSize)
}

// NewPitchWithFrame creates a pitch shifter with an explicit frame size
// (power of two, >= 256).
func NewPitchWithFrame(frameSize int) (*Pitch, error) {
	if frameSize < 256 || frameSize&(frameSize-1) != 0 {
		return nil, errors.Newf("shift: pitch frame size must be a power of two >= 256, got %d", frameSize)
	}
	plan, err := algofft.NewPlan64(frameSize)
	if err != nil {
		return nil, errors.Wrap(err, "shift: pitch FFT plan")
	}
	coeffs := window.Generate(window.TypeHann, frameSize, window.WithPeriodic())
	if len(coeffs) != frameSize {
		return nil, errors.Newf("shift: window generation failed for size %d", frameSize)
	}

	hop := frameSize / 4
	bins := frameSize/2 + 1
	omega := make([]float64, bins)
	for k := range bins {
		omega[k] = 2 * math.Pi * float64(k) / float64(frameSize)
	}

	p := &Pitch{
		frameSize: frameSize,
		hop:       hop,
		ratio:     1,
		plan:      plan,
		coeffs:    coeffs,
		omega:     omega,
		prevPhase: make([]float64, bins),
		sumPhase:  make([]float64, bins),
		spec:      make([]complex128, frameSize),
		timeFrame: make([]complex128, frameSize),
		mags:      make([]float64, bins),
		freqs:     make([]float64, bins),
		shiftMag:  make([]float64, bins),
		shiftFreq: make([]float64, bins),
	}
	p.prime()
	return p, nil
}

// prime preloads one frame of silence so the vocoder's latency is a fixed
// frameSize samples and every Process call can emit immediately.
func (p *Pitch) prime() {
	p.pending = append(p.pending[:0], make([]float64, p.frameSize)...)
}

// Semitones returns the active shift.
func (p *Pitch) Semitones() int { return p.semitones }

// Ratio returns the frequency ratio 2^(semitones/12).
func (p *Pitch) Ratio() float64 { return p.ratio }

// Latency returns the worst-case startup latency in samples. Output stays
// aligned after that: every Process call returns exactly as many samples
// as it was given.
func (p *Pitch) Latency() int { return p.frameSize }

// SetSemitones updates the shift amount. It may be changed between chunks
// of a session; switching to or from the identity splices the stream and
// restarts the vocoder state.
func (p *Pitch) SetSemitones(n int) error {
	if n < MinSemitones || n > MaxSemitones {
		return errors.Newf("shift: semitones must be in [%d, %d], got %d", MinSemitones, MaxSemitones, n)
	}
	if n == p.semitones {
		return nil
	}
	if n == 0 || p.semitones == 0 {
		p.Reset()
	}
	p.semitones = n
	p.ratio = math.Pow(2, float64(n)/12)
	return nil
}

// Reset discards all cross-chunk state.
func (p *Pitch) Reset() {
	for i := range p.prevPhase {
		p.prevPhase[i] = 0
		p.sumPhase[i] = 0
	}
	p.acc = p.acc[:0]
	p.norm = p.norm[:0]
	p.queue = p.queue[:0]
	p.totalIn = 0
	p.totalOut = 0
	p.prime()
}

// Process shifts input and returns exactly len(input) output samples.
// The output content lags the input by the fixed priming latency of one
// frame; there is no cumulative drift because analysis and synthesis hops
// are equal.
func (p *Pitch) Process(input []float64) ([]float64, error) {
	if len(input) == 0 {
		return nil, nil
	}
	if p.semitones == 0 {
		// Identity passthrough requires no transform and no state.
		out := make([]float64, len(input))
		copy(out, input)
		p.totalIn += uint64(len(input))
		p.totalOut += uint64(len(input))
		return out, nil
	}

	p.totalIn += uint64(len(input))
	p.pending = append(p.pending, input...)
	if err := p.consumeFrames(); err != nil {
		return nil, err
	}
	return p.emit(len(input)), nil
}

// Flush drains the transform at end of stream. Because of the fixed
// priming latency the trailing frameSize samples of content are still in
// flight when the last chunk has been processed; Flush pushes silence
// until they finalize and returns them.
func (p *Pitch) Flush() ([]float64, error) {
	if p.semitones == 0 || p.totalIn == 0 {
		return nil, nil
	}
	zeros := make([]float64, p.hop)
	for len(p.queue) < p.frameSize {
		p.pending = append(p.pending, zeros...)
		if err := p.consumeFrames(); err != nil {
			return nil, err
		}
	}
	tail := p.emit(p.frameSize)
	return tail, nil
}

// consumeFrames processes every complete frame in the pending buffer and
// moves finalized overlap-add output into the queue.
func (p *Pitch) consumeFrames() error {
	for len(p.pending) >= p.frameSize {
		if err := p.processFrame(p.pending[:p.frameSize]); err != nil {
			return err
		}
		p.pending = append(p.pending[:0], p.pending[p.hop:]...)
	}
	return nil
}

// processFrame runs one analysis/synthesis cycle. The frame lands at the
// tail of the overlap-add accumulator; the hop of samples it finalizes at
// the head moves to the output queue.
func (p *Pitch) processFrame(frame []float64) error {
	for i := range p.frameSize {
		p.spec[i] = complex(frame[i]*p.coeffs[i], 0)
	}
	if err := p.plan.Forward(p.spec, p.spec); err != nil {
		return errors.Wrap(err, "shift: pitch forward FFT")
	}

	half := p.frameSize / 2
	hopF := float64(p.hop)

	for k := 0; k <= half; k++ {
		re := real(p.spec[k])
		im := imag(p.spec[k])
		p.mags[k] = math.Hypot(re, im)
		phase := math.Atan2(im, re)

		delta := wrapPhase(phase - p.prevPhase[k] - p.omega[k]*hopF)
		p.freqs[k] = p.omega[k] + delta/hopF
		p.prevPhase[k] = phase
	}

	// Bin shift by accumulation: each analysis bin lands whole in one
	// shifted bin, so a tone keeps its level through the remap.
	for k := 0; k <= half; k++ {
		p.shiftMag[k] = 0
		p.shiftFreq[k] = p.omega[k]
	}
	for k := 0; k <= half; k++ {
		dest := int(float64(k)*p.ratio + 0.5)
		if dest > half {
			break
		}
		p.shiftMag[dest] += p.mags[k]
		p.shiftFreq[dest] = p.freqs[k] * p.ratio
	}

	for k := 0; k <= half; k++ {
		p.sumPhase[k] += p.shiftFreq[k] * hopF
		p.spec[k] = complex(
			p.shiftMag[k]*math.Cos(p.sumPhase[k]),
			p.shiftMag[k]*math.Sin(p.sumPhase[k]),
		)
	}
	p.spec[0] = complex(real(p.spec[0]), 0)
	p.spec[half] = complex(real(p.spec[half]), 0)
	for k := 1; k < half; k++ {
		v := p.spec[k]
		p.spec[p.frameSize-k] = complex(real(v), -imag(v))
	}

	if err := p.plan.Inverse(p.timeFrame, p.spec); err != nil {
		return errors.Wrap(err, "shift: pitch inverse FFT")
	}

	// Overlap-add at the accumulator tail, then finalize one hop.
	need := p.frameSize
	for len(p.acc) < need {
		p.acc = append(p.acc, 0)
		p.norm = append(p.norm, 0)
	}
	for i := range p.frameSize {
		w := p.coeffs[i]
		p.acc[i] += real(p.timeFrame[i]) * w
		p.norm[i] += w * w
	}

	for i := range p.hop {
		v := 0.0
		if p.norm[i] > phaseNormFloor {
			v = core.FlushDenormals(p.acc[i] / p.norm[i])
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ErrNonFinite
		}
		p.queue = append(p.queue, v)
	}
	p.acc = append(p.acc[:0], p.acc[p.hop:]...)
	p.norm = append(p.norm[:0], p.norm[p.hop:]...)
	return nil
}

// emit returns exactly n samples. The priming latency guarantees the
// queue can cover n; the zero head pad is a safety net only.
func (p *Pitch) emit(n int) []float64 {
	out := make([]float64, n)
	take := min(n, len(p.queue))
	copy(out[n-take:], p.queue[:take])
	p.queue = append(p.queue[:0], p.queue[take:]...)
	p.totalOut += uint64(n)
	return out
}

func wrapPhase(x float64) float64 {
	x = math.Mod(x+math.Pi, 2*math.Pi)
	if x < 0 {
		x += 2 * math.Pi
	}
	return x - math.Pi
}
