package audio

import (
	"context"
	"io"

	"github.com/cockroachdb/errors"
)

const readScratchSamples = 4096

// Assembler turns the arbitrary-cadence sample stream of a [CaptureSource]
// into fixed-duration chunks. Surplus samples beyond a chunk boundary are
// retained for the next chunk, preserving order with no drops or
// duplicates.
//
// When the source reports closure, any partial accumulation is emitted as
// one final chunk, padded to channel alignment and flagged terminal, so
// downstream stages can finalize their persistent state instead of losing
// trailing audio. After that, Next returns [ErrEndOfStream].
type Assembler struct {
	src        CaptureSource
	sampleRate int
	channels   int
	target     int

	pending []float64
	scratch []float64
	nextSeq uint64
	closed  bool
	err     error
}

// NewAssembler creates an assembler emitting chunks of chunkSeconds
// duration. The chunk size in samples is sampleRate*channels*chunkSeconds.
func NewAssembler(src CaptureSource, sampleRate, channels int, chunkSeconds float64) (*Assembler, error) {
	if src == nil {
		return nil, errors.New("audio: assembler needs a capture source")
	}
	if sampleRate <= 0 {
		return nil, errors.Newf("audio: sample rate must be positive, got %d", sampleRate)
	}
	if channels <= 0 {
		return nil, errors.Newf("audio: channel count must be positive, got %d", channels)
	}
	if chunkSeconds <= 0 {
		return nil, errors.Newf("audio: chunk duration must be positive, got %v", chunkSeconds)
	}
	target := int(float64(sampleRate)*chunkSeconds) * channels
	if target <= 0 {
		return nil, errors.Newf("audio: chunk duration %v too short at %d Hz", chunkSeconds, sampleRate)
	}
	return &Assembler{
		src:        src,
		sampleRate: sampleRate,
		channels:   channels,
		target:     target,
		scratch:    make([]float64, readScratchSamples),
	}, nil
}

// ChunkSamples returns the interleaved sample count of a full chunk.
func (a *Assembler) ChunkSamples() int { return a.target }

// PendingSamples returns the number of accumulated samples not yet emitted.
func (a *Assembler) PendingSamples() int { return len(a.pending) }

// Next blocks until a full chunk has accumulated and returns it. Terminal
// conditions are sticky: once Next has returned a non-nil error it keeps
// returning the same error.
func (a *Assembler) Next(ctx context.Context) (*Chunk, error) {
	if a.err != nil {
		return nil, a.err
	}

	for !a.closed && len(a.pending) < a.target {
		n, err := a.src.Read(ctx, a.scratch)
		if n > 0 {
			a.pending = append(a.pending, a.scratch[:n]...)
		}
		if err != nil {
			switch {
			case errors.Is(err, ErrEndOfStream) || errors.Is(err, io.EOF):
				a.closed = true
			case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
				return nil, err
			default:
				a.err = errors.Mark(errors.Wrap(err, "audio: capture read"), ErrSource)
				return nil, a.err
			}
		}
	}

	if len(a.pending) >= a.target {
		return a.emit(a.pending[:a.target], false), nil
	}

	// Source closed with less than a full chunk pending.
	if len(a.pending) == 0 {
		a.err = ErrEndOfStream
		return nil, a.err
	}
	tail := a.pending
	if pad := len(tail) % a.channels; pad != 0 {
		tail = append(tail, make([]float64, a.channels-pad)...)
	}
	return a.emit(tail, true), nil
}

func (a *Assembler) emit(samples []float64, final bool) *Chunk {
	out := make([]float64, len(samples))
	copy(out, samples)
	if final {
		a.pending = nil
	} else {
		a.pending = append(a.pending[:0], a.pending[len(samples):]...)
	}
	seq := a.nextSeq
	a.nextSeq++
	return &Chunk{
		Samples:    out,
		SampleRate: a.sampleRate,
		Channels:   a.channels,
		Seq:        seq,
		Final:      final,
	}
}
