package audio

import (
	"context"

	"github.com/cockroachdb/errors"
)

// Stream terminal conditions. ErrEndOfStream is the expected way for a
// capture source to finish; ErrSource and ErrSink are fatal for a session.
var (
	ErrEndOfStream = errors.New("audio: end of stream")
	ErrSource      = errors.New("audio: capture source failure")
	ErrSink        = errors.New("audio: output sink failure")
)

// CaptureSource delivers interleaved samples in [-1, 1) at an arbitrary
// cadence. Read blocks until at least one sample is available, the stream
// closes (ErrEndOfStream) or fails (wrapped ErrSource), or ctx is done.
//
// Implementations live outside the core pipeline; platform devices and
// file readers both satisfy this.
type CaptureSource interface {
	Read(ctx context.Context, p []float64) (int, error)
	Close() error
}

// OutputSink consumes interleaved samples in [-1, 1). Write blocks until
// the sink has accepted all of p, naturally rate-limiting the pipeline to
// real time. Failures wrap ErrSink.
type OutputSink interface {
	Write(ctx context.Context, p []float64) error
	Close() error
}
