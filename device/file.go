package device

import (
	"bufio"
	"context"
	"io"
	"os"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/cwbudde/stemlive/audio"
)

// FileSource reads raw interleaved S16LE PCM from a file and serves it
// as a CaptureSource, for offline processing and development without
// audio hardware.
type FileSource struct {
	f  *os.File
	r  *bufio.Reader
	mu sync.Mutex
}

// NewFileSource opens a raw S16LE PCM file.
func NewFileSource(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "device: open input"), audio.ErrSource)
	}
	return &FileSource{f: f, r: bufio.NewReader(f)}, nil
}

// Read delivers up to len(p) samples; at the end of the file it reports
// ErrEndOfStream.
func (s *FileSource) Read(ctx context.Context, p []float64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	raw := make([]byte, len(p)*bytesPerSample)
	n, err := io.ReadFull(s.r, raw)
	if n >= bytesPerSample {
		// Truncate to whole samples; a trailing odd byte is dropped.
		return audio.S16LEToFloat64(p, raw[:n-n%bytesPerSample]), nil
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return 0, audio.ErrEndOfStream
	}
	return 0, errors.Mark(errors.Wrap(err, "device: read input"), audio.ErrSource)
}

// Close releases the file.
func (s *FileSource) Close() error { return s.f.Close() }

// FileSink writes raw interleaved S16LE PCM to a file.
type FileSink struct {
	f  *os.File
	w  *bufio.Writer
	mu sync.Mutex
}

// NewFileSink creates (or truncates) a raw S16LE PCM file.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "device: create output"), audio.ErrSink)
	}
	return &FileSink{f: f, w: bufio.NewWriter(f)}, nil
}

// Write appends samples as S16LE.
func (s *FileSink) Write(ctx context.Context, samples []float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	block := make([]byte, len(samples)*bytesPerSample)
	audio.Float64ToS16LE(block, samples)
	if _, err := s.w.Write(block); err != nil {
		return errors.Mark(errors.Wrap(err, "device: write output"), audio.ErrSink)
	}
	return nil
}

// Close flushes and releases the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		_ = s.f.Close()
		return errors.Mark(errors.Wrap(err, "device: flush output"), audio.ErrSink)
	}
	return s.f.Close()
}
