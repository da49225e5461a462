package shift

import (
	"math"

	"github.com/cockroachdb/errors"
)

// Tempo factor bounds: half to double speed.
const (
	MinTempoFactor = 0.5
	MaxTempoFactor = 2.0
)

// WSOLA segment geometry, music-tuned (82/10/28 ms): the sequence window
// spans several beat cycles so segment selection works on polyphonic
// material.
const (
	tempoSequenceMs = 82.0
	tempoOverlapMs  = 10.0
	tempoSearchMs   = 28.0

	tempoIdentityEps = 1e-9
	tempoTiny        = 1e-12
)

// Tempo stretches or compresses a mono stream's duration by a factor f
// without altering pitch, using WSOLA: fixed-size segments are copied from
// input positions advancing by stepOut*f per synthesized stepOut samples,
// each segment chosen by a cross-correlation search and spliced with a
// raised-cosine cross-fade.
//
// The shifter is streaming: the input FIFO, the cross-fade tail, the
// nominal analysis position, and the fractional output remainder all
// persist across Process calls, so a session's total output duration
// tracks 1/f of its input duration without compounding rounding error.
// A factor of 1.0 is a bit-exact passthrough.
type Tempo struct {
	sampleRate float64
	factor     float64

	seq     int
	overlap int
	search  int
	stepOut int
	priming int

	fadeIn  []float64
	fadeOut []float64

	// Cross-chunk stream state. in holds input from absolute sample
	// position base; segment positions are absolute.
	in          []float64
	base        int
	totalIn     uint64
	prevStart   int
	nextNominal float64
	started     bool
	tail        []float64
	queue       []float64
	carry       float64

	ref []float64
}

// NewTempo creates a tempo shifter for the given sample rate.
func NewTempo(sampleRate float64) (*Tempo, error) {
	if sampleRate <= 0 || math.IsNaN(sampleRate) || math.IsInf(sampleRate, 0) {
		return nil, errors.Newf("shift: tempo sample rate must be positive and finite, got %v", sampleRate)
	}

	t := &Tempo{
		sampleRate: sampleRate,
		factor:     1,
	}
	t.seq = max(int(math.Round(tempoSequenceMs*0.001*sampleRate)), 64)
	t.overlap = max(int(math.Round(tempoOverlapMs*0.001*sampleRate)), 8)
	t.search = max(int(math.Round(tempoSearchMs*0.001*sampleRate)), 1)
	if 2*t.overlap >= t.seq {
		t.overlap = t.seq / 4
	}
	t.stepOut = t.seq - t.overlap
	t.priming = t.seq + t.search + t.stepOut

	t.fadeIn = make([]float64, t.overlap)
	t.fadeOut = make([]float64, t.overlap)
	for i := range t.overlap {
		x := float64(i) / float64(t.overlap-1)
		in := 0.5 - 0.5*math.Cos(math.Pi*x)
		t.fadeIn[i] = in
		t.fadeOut[i] = 1 - in
	}

	t.tail = make([]float64, t.overlap)
	t.ref = make([]float64, t.overlap)
	t.Reset()
	return t, nil
}

// Factor returns the active tempo factor.
func (t *Tempo) Factor() float64 { return t.factor }

// SampleRate returns the configured sample rate.
func (t *Tempo) SampleRate() float64 { return t.sampleRate }

// SetFactor updates the tempo factor. Factors may change between chunks;
// switching to or from the identity splices the stream and restarts the
// overlap state.
func (t *Tempo) SetFactor(f float64) error {
	if math.IsNaN(f) || f < MinTempoFactor || f > MaxTempoFactor {
		return errors.Newf("shift: tempo factor must be in [%v, %v], got %v", MinTempoFactor, MaxTempoFactor, f)
	}
	if f == t.factor {
		return nil
	}
	if t.isIdentity() || math.Abs(f-1) <= tempoIdentityEps {
		t.Reset()
	}
	t.factor = f
	return nil
}

func (t *Tempo) isIdentity() bool {
	return math.Abs(t.factor-1) <= tempoIdentityEps
}

// Reset discards all cross-chunk state and re-primes the input FIFO with
// silence so the lookahead window is always satisfied mid-session.
func (t *Tempo) Reset() {
	t.in = append(t.in[:0], make([]float64, t.priming)...)
	t.base = 0
	t.totalIn = 0
	t.prevStart = 0
	t.nextNominal = 0
	t.started = false
	for i := range t.tail {
		t.tail[i] = 0
	}
	t.queue = t.queue[:0]
	t.carry = 0
}

// Process consumes input and returns floor-accumulated len(input)/factor
// output samples; the fractional remainder carries into the next call.
func (t *Tempo) Process(input []float64) ([]float64, error) {
	if len(input) == 0 {
		return nil, nil
	}
	if t.isIdentity() {
		out := make([]float64, len(input))
		copy(out, input)
		t.totalIn += uint64(len(input))
		return out, nil
	}

	t.in = append(t.in, input...)
	t.totalIn += uint64(len(input))

	t.carry += float64(len(input)) / t.factor
	want := int(t.carry)
	t.carry -= float64(want)

	for len(t.queue) < want && t.canStep(false) {
		t.step()
	}
	t.trim()
	return t.emit(want), nil
}

// Flush synthesizes through the end of the stream and returns everything
// still in flight (the priming/lookahead tail).
func (t *Tempo) Flush() ([]float64, error) {
	if t.isIdentity() || t.totalIn == 0 {
		return nil, nil
	}
	end := float64(t.priming) + float64(t.totalIn)
	for t.nextNominal < end {
		if !t.canStep(true) {
			break
		}
		t.step()
	}
	out := make([]float64, len(t.queue))
	copy(out, t.queue)
	t.queue = t.queue[:0]
	return out, nil
}

// canStep reports whether enough input is buffered for the next segment
// search. When flushing, missing samples read as silence instead.
func (t *Tempo) canStep(flushing bool) bool {
	if flushing {
		return true
	}
	avail := t.base + len(t.in)
	if !t.started {
		return t.seq <= avail
	}
	predicted := int(math.Round(t.nextNominal))
	return predicted+t.search+t.seq <= avail
}

// step synthesizes one segment: stepOut finalized samples plus a new
// cross-fade tail.
func (t *Tempo) step() {
	if !t.started {
		// Seed the output with the stream head verbatim.
		for i := range t.stepOut {
			t.queue = append(t.queue, t.sampleAt(i))
		}
		for i := range t.overlap {
			t.tail[i] = t.sampleAt(t.stepOut + i)
		}
		t.prevStart = 0
		t.nextNominal = float64(t.stepOut) * t.factor
		t.started = true
		return
	}

	refStart := t.prevStart + t.stepOut
	for i := range t.overlap {
		t.ref[i] = t.sampleAt(refStart + i)
	}
	predicted := int(math.Round(t.nextNominal))
	cand := t.findBestOverlap(predicted)

	for i := range t.overlap {
		t.queue = append(t.queue, t.tail[i]*t.fadeOut[i]+t.sampleAt(cand+i)*t.fadeIn[i])
	}
	for i := t.overlap; i < t.stepOut; i++ {
		t.queue = append(t.queue, t.sampleAt(cand+i))
	}
	for i := range t.overlap {
		t.tail[i] = t.sampleAt(cand + t.stepOut + i)
	}

	t.prevStart = cand
	t.nextNominal += float64(t.stepOut) * t.factor
}

// findBestOverlap searches around the predicted analysis position for the
// candidate whose overlap region correlates best with the reference
// continuation of the previous segment.
func (t *Tempo) findBestOverlap(predicted int) int {
	best := max(predicted, 0)
	bestScore := math.Inf(-1)

	refEnergy := tempoTiny
	for _, v := range t.ref {
		refEnergy += v * v
	}

	for cand := predicted - t.search; cand <= predicted+t.search; cand++ {
		if cand < 0 {
			continue
		}
		dot := 0.0
		candEnergy := tempoTiny
		for i, rv := range t.ref {
			cv := t.sampleAt(cand + i)
			dot += rv * cv
			candEnergy += cv * cv
		}
		score := dot / math.Sqrt(refEnergy*candEnergy)
		if score > bestScore {
			bestScore = score
			best = cand
		}
	}
	return best
}

// sampleAt reads the input stream at an absolute position, with silence
// outside the buffered range.
func (t *Tempo) sampleAt(abs int) float64 {
	rel := abs - t.base
	if rel < 0 || rel >= len(t.in) {
		return 0
	}
	return t.in[rel]
}

// trim drops input that no future segment search can reach.
func (t *Tempo) trim() {
	keepFrom := min(t.prevStart, int(t.nextNominal)-t.search) - t.overlap
	if keepFrom <= t.base {
		return
	}
	drop := keepFrom - t.base
	if drop >= len(t.in) {
		drop = len(t.in)
	}
	t.in = append(t.in[:0], t.in[drop:]...)
	t.base += drop
}

// emit returns exactly n samples; the priming margin keeps the queue
// ahead of demand in steady state.
func (t *Tempo) emit(n int) []float64 {
	out := make([]float64, n)
	take := min(n, len(t.queue))
	copy(out[n-take:], t.queue[:take])
	t.queue = append(t.queue[:0], t.queue[take:]...)
	return out
}
