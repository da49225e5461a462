// Package device provides platform capture and playback endpoints for
// the pipeline, backed by miniaudio, plus raw-file equivalents for
// offline use. The pipeline core only ever sees the audio.CaptureSource
// and audio.OutputSink interfaces.
package device

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/gen2brain/malgo"

	"github.com/cwbudde/stemlive/audio"
)

const (
	bytesPerSample = 2
	// deviceBlocks bounds the hand-off queues between the miniaudio
	// callback and the pipeline.
	deviceBlocks = 32
)

// Capture reads from the default capture device as S16 and exposes it
// as a float64 CaptureSource.
type Capture struct {
	mctx    *malgo.AllocatedContext
	dev     *malgo.Device
	blocks  chan []byte
	pending []float64

	closeOnce sync.Once
	closed    chan struct{}
}

// NewCapture opens the default capture device at the given format and
// starts it.
func NewCapture(sampleRate, channels int) (*Capture, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, errors.Newf("device: invalid capture format %d Hz / %d ch", sampleRate, channels)
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "device: init context"), audio.ErrSource)
	}

	c := &Capture{
		mctx:   mctx,
		blocks: make(chan []byte, deviceBlocks),
		closed: make(chan struct{}),
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(channels)
	cfg.SampleRate = uint32(sampleRate)

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			block := make([]byte, len(input))
			copy(block, input)
			// The pipeline's bounded queue provides the real
			// backpressure; a full hand-off here means the reader
			// stalled and the block is dropped.
			select {
			case c.blocks <- block:
			default:
			}
		},
	}

	dev, err := malgo.InitDevice(mctx.Context, cfg, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, errors.Mark(errors.Wrap(err, "device: init capture"), audio.ErrSource)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return nil, errors.Mark(errors.Wrap(err, "device: start capture"), audio.ErrSource)
	}
	c.dev = dev
	return c, nil
}

// Read blocks until samples arrive, the device closes, or ctx is done.
func (c *Capture) Read(ctx context.Context, p []float64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(c.pending) == 0 {
		select {
		case block := <-c.blocks:
			n := len(block) / bytesPerSample
			buf := make([]float64, n)
			audio.S16LEToFloat64(buf, block)
			c.pending = buf
		case <-c.closed:
			return 0, audio.ErrEndOfStream
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// Close stops and releases the device. Subsequent reads return
// ErrEndOfStream.
func (c *Capture) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.dev != nil {
			_ = c.dev.Stop()
			c.dev.Uninit()
		}
		_ = c.mctx.Uninit()
		c.mctx.Free()
	})
	return nil
}

// Playback writes float64 samples to the default playback device as S16.
// Write blocks when the device queue is full, rate-limiting the caller
// to real time.
type Playback struct {
	mctx   *malgo.AllocatedContext
	dev    *malgo.Device
	queue  chan []byte
	remain []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// NewPlayback opens the default playback device at the given format and
// starts it.
func NewPlayback(sampleRate, channels int) (*Playback, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, errors.Newf("device: invalid playback format %d Hz / %d ch", sampleRate, channels)
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "device: init context"), audio.ErrSink)
	}

	p := &Playback{
		mctx:   mctx,
		queue:  make(chan []byte, deviceBlocks),
		closed: make(chan struct{}),
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = uint32(channels)
	cfg.SampleRate = uint32(sampleRate)

	callbacks := malgo.DeviceCallbacks{
		Data: func(output, _ []byte, _ uint32) {
			p.fill(output)
		},
	}

	dev, err := malgo.InitDevice(mctx.Context, cfg, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, errors.Mark(errors.Wrap(err, "device: init playback"), audio.ErrSink)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return nil, errors.Mark(errors.Wrap(err, "device: start playback"), audio.ErrSink)
	}
	p.dev = dev
	return p, nil
}

// fill feeds the device callback from queued blocks; underruns play
// silence.
func (p *Playback) fill(output []byte) {
	pos := 0
	for pos < len(output) {
		if len(p.remain) == 0 {
			select {
			case p.remain = <-p.queue:
			default:
				for i := pos; i < len(output); i++ {
					output[i] = 0
				}
				return
			}
		}
		n := copy(output[pos:], p.remain)
		p.remain = p.remain[n:]
		pos += n
	}
}

// Write converts and enqueues samples, blocking while the device drains.
func (p *Playback) Write(ctx context.Context, samples []float64) error {
	if len(samples) == 0 {
		return nil
	}
	block := make([]byte, len(samples)*bytesPerSample)
	audio.Float64ToS16LE(block, samples)
	select {
	case p.queue <- block:
		return nil
	case <-p.closed:
		return errors.Mark(errors.New("device: playback closed"), audio.ErrSink)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops and releases the device without draining queued audio.
func (p *Playback) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
		if p.dev != nil {
			_ = p.dev.Stop()
			p.dev.Uninit()
		}
		_ = p.mctx.Uninit()
		p.mctx.Free()
	})
	return nil
}
