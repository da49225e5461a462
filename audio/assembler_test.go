package audio

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
)

// scriptedSource replays fixed sample pieces and then reports closure or a
// failure, exercising arbitrary read cadences.
type scriptedSource struct {
	pieces  [][]float64
	failErr error
}

func (s *scriptedSource) Read(_ context.Context, p []float64) (int, error) {
	if len(s.pieces) == 0 {
		if s.failErr != nil {
			return 0, s.failErr
		}
		return 0, ErrEndOfStream
	}
	piece := s.pieces[0]
	n := copy(p, piece)
	if n < len(piece) {
		s.pieces[0] = piece[n:]
	} else {
		s.pieces = s.pieces[1:]
	}
	return n, nil
}

func (s *scriptedSource) Close() error { return nil }

func ramp(start, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(start + i)
	}
	return out
}

func splitInto(data []float64, pieceLen int) [][]float64 {
	var pieces [][]float64
	for len(data) > 0 {
		n := min(pieceLen, len(data))
		pieces = append(pieces, data[:n])
		data = data[n:]
	}
	return pieces
}

// TestAssembler_FixedChunkSizes feeds input in several piece sizes and
// checks that every emitted chunk has the target size except possibly a
// final terminal one.
func TestAssembler_FixedChunkSizes(t *testing.T) {
	const (
		rate     = 100
		channels = 2
		seconds  = 0.05 // 10 samples per chunk
		target   = 10
	)
	tests := []struct {
		name       string
		total      int
		pieceLen   int
		wantChunks int
		wantFinal  bool
		wantTail   int
	}{
		{"exact multiple, tiny pieces", 30, 1, 3, false, 0},
		{"exact multiple, huge pieces", 30, 1000, 3, false, 0},
		{"half chunk surplus", 25, 7, 3, true, 6}, // 5 samples padded to 6
		{"single short read", 4, 3, 1, true, 4},
		{"odd tail padded to channels", 13, 13, 2, true, 4}, // 3 -> 4
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &scriptedSource{pieces: splitInto(ramp(0, tt.total), tt.pieceLen)}
			asm, err := NewAssembler(src, rate, channels, seconds)
			if err != nil {
				t.Fatalf("NewAssembler: %v", err)
			}
			if asm.ChunkSamples() != target {
				t.Fatalf("ChunkSamples() = %d, want %d", asm.ChunkSamples(), target)
			}

			var chunks []*Chunk
			for {
				c, err := asm.Next(context.Background())
				if err != nil {
					if !errors.Is(err, ErrEndOfStream) {
						t.Fatalf("Next: %v", err)
					}
					break
				}
				chunks = append(chunks, c)
			}

			if len(chunks) != tt.wantChunks {
				t.Fatalf("got %d chunks, want %d", len(chunks), tt.wantChunks)
			}
			for i, c := range chunks {
				if c.Seq != uint64(i) {
					t.Errorf("chunk %d: Seq = %d", i, c.Seq)
				}
				last := i == len(chunks)-1
				if !last || !tt.wantFinal {
					if len(c.Samples) != target {
						t.Errorf("chunk %d: %d samples, want %d", i, len(c.Samples), target)
					}
					if c.Final {
						t.Errorf("chunk %d unexpectedly terminal", i)
					}
				} else {
					if !c.Final {
						t.Errorf("last chunk not flagged terminal")
					}
					if len(c.Samples) != tt.wantTail {
						t.Errorf("terminal chunk: %d samples, want %d", len(c.Samples), tt.wantTail)
					}
					if len(c.Samples)%channels != 0 {
						t.Errorf("terminal chunk not channel aligned: %d", len(c.Samples))
					}
				}
			}
		})
	}
}

// TestAssembler_NoDropsNoDuplicates verifies that concatenated chunk
// contents reproduce the input stream exactly.
func TestAssembler_NoDropsNoDuplicates(t *testing.T) {
	input := ramp(1, 47)
	src := &scriptedSource{pieces: splitInto(input, 5)}
	asm, err := NewAssembler(src, 100, 1, 0.1) // 10 samples per chunk
	if err != nil {
		t.Fatalf("NewAssembler: %v", err)
	}

	var got []float64
	for {
		c, err := asm.Next(context.Background())
		if err != nil {
			break
		}
		got = append(got, c.Samples...)
	}
	// 47 input samples, mono: final chunk carries 7 with no padding needed.
	if len(got) != len(input) {
		t.Fatalf("reassembled %d samples, want %d", len(got), len(input))
	}
	for i := range input {
		if got[i] != input[i] {
			t.Fatalf("sample %d: got %v, want %v", i, got[i], input[i])
		}
	}
}

// TestAssembler_SessionScenario is the 4-stem session scenario: 44.1 kHz,
// stereo, 2 s chunks. Exactly 3 chunks of input yields 3 chunks and no
// terminal chunk; 2.5 chunks of input yields 3 chunks with the third
// terminal.
func TestAssembler_SessionScenario(t *testing.T) {
	const (
		rate     = 44100
		channels = 2
		full     = rate * channels * 2 // 176400 frames per chunk
	)
	tests := []struct {
		name      string
		total     int
		wantSeqs  int
		wantFinal bool
	}{
		{"exactly 3 chunks", 3 * full, 3, false},
		{"2.5 chunks", full*2 + full/2, 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &scriptedSource{pieces: splitInto(make([]float64, tt.total), 9973)}
			asm, err := NewAssembler(src, rate, channels, 2)
			if err != nil {
				t.Fatalf("NewAssembler: %v", err)
			}
			count, finals := 0, 0
			for {
				c, err := asm.Next(context.Background())
				if err != nil {
					break
				}
				count++
				if c.Final {
					finals++
					if len(c.Samples) != full/2 {
						t.Errorf("terminal chunk: %d samples, want %d", len(c.Samples), full/2)
					}
				}
			}
			if count != tt.wantSeqs {
				t.Fatalf("got %d chunks, want %d", count, tt.wantSeqs)
			}
			wantFinals := 0
			if tt.wantFinal {
				wantFinals = 1
			}
			if finals != wantFinals {
				t.Fatalf("got %d terminal chunks, want %d", finals, wantFinals)
			}
		})
	}
}

// TestAssembler_SourceError checks that a read failure is terminal and
// marked as a source error.
func TestAssembler_SourceError(t *testing.T) {
	src := &scriptedSource{
		pieces:  splitInto(ramp(0, 4), 4),
		failErr: errors.New("device unplugged"),
	}
	asm, err := NewAssembler(src, 100, 1, 0.1)
	if err != nil {
		t.Fatalf("NewAssembler: %v", err)
	}
	_, err = asm.Next(context.Background())
	if !errors.Is(err, ErrSource) {
		t.Fatalf("Next = %v, want ErrSource", err)
	}
	// Terminal errors are sticky.
	_, err2 := asm.Next(context.Background())
	if !errors.Is(err2, ErrSource) {
		t.Fatalf("second Next = %v, want ErrSource", err2)
	}
}

// TestAssembler_EndOfStreamSticky checks that ErrEndOfStream keeps being
// returned after the stream is drained.
func TestAssembler_EndOfStreamSticky(t *testing.T) {
	src := &scriptedSource{}
	asm, err := NewAssembler(src, 100, 1, 0.1)
	if err != nil {
		t.Fatalf("NewAssembler: %v", err)
	}
	for i := range 3 {
		if _, err := asm.Next(context.Background()); !errors.Is(err, ErrEndOfStream) {
			t.Fatalf("Next #%d = %v, want ErrEndOfStream", i, err)
		}
	}
}

func TestNewAssembler_InvalidParameters(t *testing.T) {
	src := &scriptedSource{}
	tests := []struct {
		name     string
		src      CaptureSource
		rate     int
		channels int
		seconds  float64
	}{
		{"nil source", nil, 44100, 2, 2},
		{"zero rate", src, 0, 2, 2},
		{"negative channels", src, 44100, -1, 2},
		{"zero duration", src, 44100, 2, 0},
	}
	for _, tt := range tests {
		if _, err := NewAssembler(tt.src, tt.rate, tt.channels, tt.seconds); err == nil {
			t.Errorf("%s: expected error, got nil", tt.name)
		}
	}
}
