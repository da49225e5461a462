// Package audio holds the core stream data model: interleaved sample
// chunks, the chunk assembler that builds them from an arbitrary-cadence
// capture source, and the source/sink capability interfaces the pipeline
// is written against.
package audio

import "github.com/cockroachdb/errors"

// Chunk is a fixed-duration, immutable slice of the audio stream and the
// unit of pipeline processing.
//
// Samples are interleaved: len(Samples) is always a multiple of Channels.
// Seq numbers are gapless and strictly increasing within one session.
// Final marks the last (possibly short) chunk of a session.
type Chunk struct {
	Samples    []float64
	SampleRate int
	Channels   int
	Seq        uint64
	Final      bool
}

// NewChunk validates the sample buffer against the channel count.
func NewChunk(samples []float64, sampleRate, channels int, seq uint64, final bool) (*Chunk, error) {
	if sampleRate <= 0 {
		return nil, errors.Newf("audio: sample rate must be positive, got %d", sampleRate)
	}
	if channels <= 0 {
		return nil, errors.Newf("audio: channel count must be positive, got %d", channels)
	}
	if len(samples)%channels != 0 {
		return nil, errors.Newf("audio: %d samples not aligned to %d channels", len(samples), channels)
	}
	return &Chunk{
		Samples:    samples,
		SampleRate: sampleRate,
		Channels:   channels,
		Seq:        seq,
		Final:      final,
	}, nil
}

// Frames returns the number of sample frames (samples per channel).
func (c *Chunk) Frames() int {
	return len(c.Samples) / c.Channels
}

// Duration returns the chunk length in seconds.
func (c *Chunk) Duration() float64 {
	return float64(c.Frames()) / float64(c.SampleRate)
}

// Channel extracts one channel as a contiguous plane.
func (c *Chunk) Channel(ch int) []float64 {
	frames := c.Frames()
	out := make([]float64, frames)
	for i := range frames {
		out[i] = c.Samples[i*c.Channels+ch]
	}
	return out
}

// Deinterleave splits the chunk into per-channel planes.
func (c *Chunk) Deinterleave() [][]float64 {
	planes := make([][]float64, c.Channels)
	for ch := range planes {
		planes[ch] = c.Channel(ch)
	}
	return planes
}

// Deinterleave splits an interleaved buffer into per-channel planes.
// len(samples) must be a multiple of channels.
func Deinterleave(samples []float64, channels int) [][]float64 {
	frames := len(samples) / channels
	planes := make([][]float64, channels)
	for ch := range planes {
		plane := make([]float64, frames)
		for i := range frames {
			plane[i] = samples[i*channels+ch]
		}
		planes[ch] = plane
	}
	return planes
}

// Interleave merges equal-length channel planes into one interleaved buffer.
func Interleave(planes [][]float64) []float64 {
	if len(planes) == 0 {
		return nil
	}
	frames := len(planes[0])
	out := make([]float64, frames*len(planes))
	for ch, plane := range planes {
		for i, v := range plane {
			out[i*len(planes)+ch] = v
		}
	}
	return out
}
