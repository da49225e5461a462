package pipeline

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/cockroachdb/errors"

	"github.com/cwbudde/stemlive/audio"
	"github.com/cwbudde/stemlive/internal/testutil"
	"github.com/cwbudde/stemlive/stem"
)

func quietLogger() log.Interface {
	return &log.Logger{Handler: discard.New(), Level: log.ErrorLevel}
}

// scriptedSource plays back a fixed buffer in bounded reads, then reports
// end of stream (or a scripted failure). Once closed it behaves like a
// real device handle: further reads fail.
type scriptedSource struct {
	data    []float64
	pos     int
	perRead int
	failAt  int // sample offset at which Read fails; <0 disables
	closed  bool
}

func newScriptedSource(data []float64, perRead int) *scriptedSource {
	return &scriptedSource{data: data, perRead: perRead, failAt: -1}
}

func (s *scriptedSource) Read(ctx context.Context, p []float64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s.closed {
		return 0, errors.New("source closed")
	}
	if s.failAt >= 0 && s.pos >= s.failAt {
		return 0, errors.New("device unplugged")
	}
	if s.pos >= len(s.data) {
		return 0, audio.ErrEndOfStream
	}
	n := min(s.perRead, len(p), len(s.data)-s.pos)
	copy(p, s.data[s.pos:s.pos+n])
	s.pos += n
	return n, nil
}

func (s *scriptedSource) Close() error {
	s.closed = true
	return nil
}

// memorySink collects everything written to it.
type memorySink struct {
	mu      sync.Mutex
	samples []float64
	failing bool
}

func (m *memorySink) Write(ctx context.Context, p []float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.failing {
		return errors.New("device gone")
	}
	m.mu.Lock()
	m.samples = append(m.samples, p...)
	m.mu.Unlock()
	return nil
}

func (m *memorySink) Close() error { return nil }

func (m *memorySink) collected() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]float64, len(m.samples))
	copy(out, m.samples)
	return out
}

// halfSplitSeparator yields two stems at half amplitude each, so a
// unity-gain mix reconstructs the input exactly.
type halfSplitSeparator struct {
	delay time.Duration
}

func (h *halfSplitSeparator) Stems() stem.Vocabulary { return stem.TwoStems }
func (h *halfSplitSeparator) Reset()                 {}

func (h *halfSplitSeparator) Separate(c *audio.Chunk) (stem.Set, error) {
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	set := stem.NewSet(stem.TwoStems, len(c.Samples))
	for i, v := range c.Samples {
		set[stem.Vocals][i] = v / 2
		set[stem.Accompaniment][i] = v / 2
	}
	return set, nil
}

func fixedSource(src audio.CaptureSource) func() (audio.CaptureSource, error) {
	return func() (audio.CaptureSource, error) { return src, nil }
}

func fixedSink(sink audio.OutputSink) func() (audio.OutputSink, error) {
	return func() (audio.OutputSink, error) { return sink, nil }
}

func newTestController(t *testing.T, src audio.CaptureSource, sink audio.OutputSink, sep Separator, chunkSeconds float64) *Controller {
	t.Helper()
	c, err := New(Options{
		OpenSource:   fixedSource(src),
		OpenSink:     fixedSink(sink),
		Separator:    sep,
		SampleRate:   8000,
		Channels:     1,
		ChunkSeconds: chunkSeconds,
		Logger:       quietLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewValidatesOptions(t *testing.T) {
	sep := &halfSplitSeparator{}
	src := newScriptedSource(nil, 64)
	sink := &memorySink{}

	if _, err := New(Options{OpenSink: fixedSink(sink), Separator: sep, SampleRate: 8000, Channels: 1, ChunkSeconds: 1}); err == nil {
		t.Error("missing source opener: expected error")
	}
	if _, err := New(Options{OpenSource: fixedSource(src), OpenSink: fixedSink(sink), Separator: sep, SampleRate: 0, Channels: 1, ChunkSeconds: 1}); err == nil {
		t.Error("zero sample rate: expected error")
	}
	if _, err := New(Options{OpenSource: fixedSource(src), OpenSink: fixedSink(sink), Separator: sep, SampleRate: 8000, Channels: 1, ChunkSeconds: 1, QueueDepth: 5}); err == nil {
		t.Error("queue depth 5: expected error")
	}
}

func TestLifecycle(t *testing.T) {
	input := testutil.DeterministicSine(440, 8000, 0.5, 16000)
	c := newTestController(t, newScriptedSource(input, 512), &memorySink{}, &halfSplitSeparator{}, 0.25)

	if got := c.State(); got != StateIdle {
		t.Fatalf("initial state %v, want idle", got)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Start(); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("second Start: got %v, want ErrSessionActive", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := c.State(); got != StateIdle {
		t.Fatalf("state after Stop %v, want idle", got)
	}
	// Stopping an idle controller is a no-op.
	if err := c.Stop(); err != nil {
		t.Fatalf("idle Stop: %v", err)
	}
}

func TestSessionReconstructsInput(t *testing.T) {
	// 3 exact chunks at 8000 Hz / 0.25 s. Identity shifters and a
	// half-split separation mean the sink must see the input verbatim.
	input := testutil.DeterministicSine(440, 8000, 0.5, 6000)
	sink := &memorySink{}
	c := newTestController(t, newScriptedSource(input, 512), sink, &halfSplitSeparator{}, 0.25)

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.Wait()

	if got := c.State(); got != StateIdle {
		t.Fatalf("state %v, want idle", got)
	}
	if err := c.LastError(); err != nil {
		t.Fatalf("LastError = %v, want nil", err)
	}
	out := sink.collected()
	if len(out) != len(input) {
		t.Fatalf("sink received %d samples, want %d", len(out), len(input))
	}
	testutil.RequireSliceNearlyEqual(t, out, input, 1e-12)
}

func TestTerminalChunkPadding(t *testing.T) {
	// 2.5 chunks of input: the third chunk is emitted padded and the
	// session ends on its own.
	input := testutil.DeterministicNoise(5, 0.5, 5000)
	sink := &memorySink{}
	c := newTestController(t, newScriptedSource(input, 512), sink, &halfSplitSeparator{}, 0.25)

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.Wait()

	out := sink.collected()
	if want := 6000; len(out) != want {
		t.Fatalf("sink received %d samples, want %d (padded terminal chunk)", len(out), want)
	}
	testutil.RequireSliceNearlyEqual(t, out[:5000], input, 1e-12)
	for i, v := range out[5000:] {
		if v != 0 {
			t.Fatalf("padding sample %d = %v, want 0", i, v)
		}
	}
}

func TestSourceErrorEndsSession(t *testing.T) {
	input := testutil.DeterministicSine(440, 8000, 0.5, 16000)
	src := newScriptedSource(input, 512)
	src.failAt = 4500
	c := newTestController(t, src, &memorySink{}, &halfSplitSeparator{}, 0.25)

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.Wait()

	// The failure is held in the error state until someone reads it.
	if got := c.State(); got != StateError {
		t.Fatalf("state %v, want error before the failure is read", got)
	}
	if err := c.LastError(); !errors.Is(err, audio.ErrSource) {
		t.Fatalf("LastError = %v, want ErrSource", err)
	}
	if got := c.State(); got != StateIdle {
		t.Fatalf("state %v, want idle after the failure is read", got)
	}
	// A fresh Start is honored after a failure.
	if err := c.Start(); err != nil {
		t.Fatalf("Start after failure: %v", err)
	}
	c.Wait()
}

func TestStartClearsUnreadError(t *testing.T) {
	input := testutil.DeterministicSine(440, 8000, 0.5, 16000)
	src := newScriptedSource(input, 512)
	src.failAt = 2500
	sessions := 0
	c, err := New(Options{
		OpenSource: func() (audio.CaptureSource, error) {
			sessions++
			if sessions == 1 {
				return src, nil
			}
			return newScriptedSource(testutil.DeterministicSine(440, 8000, 0.5, 4000), 512), nil
		},
		OpenSink:     fixedSink(&memorySink{}),
		Separator:    &halfSplitSeparator{},
		SampleRate:   8000,
		Channels:     1,
		ChunkSeconds: 0.25,
		Logger:       quietLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.Wait()
	if got := c.State(); got != StateError {
		t.Fatalf("state %v, want error", got)
	}
	// Start supersedes an unread error state.
	if err := c.Start(); err != nil {
		t.Fatalf("Start from error state: %v", err)
	}
	c.Wait()
	if err := c.LastError(); err != nil {
		t.Fatalf("LastError after clean session = %v, want nil", err)
	}
}

func TestRestartReopensEndpoints(t *testing.T) {
	// Every session must acquire fresh endpoints: the first session
	// closes its source on finish, so reusing it would fail the second.
	input := testutil.DeterministicSine(440, 8000, 0.5, 4000)
	sink := &memorySink{}
	opens := 0
	c, err := New(Options{
		OpenSource: func() (audio.CaptureSource, error) {
			opens++
			return newScriptedSource(input, 512), nil
		},
		OpenSink:     fixedSink(sink),
		Separator:    &halfSplitSeparator{},
		SampleRate:   8000,
		Channels:     1,
		ChunkSeconds: 0.25,
		Logger:       quietLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for run := 1; run <= 2; run++ {
		if err := c.Start(); err != nil {
			t.Fatalf("Start %d: %v", run, err)
		}
		c.Wait()
		if err := c.LastError(); err != nil {
			t.Fatalf("session %d failed: %v", run, err)
		}
	}
	if opens != 2 {
		t.Fatalf("source opened %d times, want 2", opens)
	}
	if got := len(sink.collected()); got != 2*len(input) {
		t.Fatalf("sink received %d samples across two sessions, want %d", got, 2*len(input))
	}
}

func TestTerminalChunkFaultKeepsChannelsAligned(t *testing.T) {
	// Stereo session with an active key shift and a NaN planted in
	// channel 0 of the terminal chunk. The numeric fault must downgrade
	// whole stems, never a single channel: a per-channel downgrade
	// would leave sibling planes at different lengths after the
	// terminal flush and crash the interleave.
	const chunkSamples = 4000 // 0.25 s at 8000 Hz, 2 channels
	input := testutil.DeterministicSine(440, 8000, 0.5, 6000)
	input[4000] = math.NaN() // first sample of the terminal chunk, channel 0
	sink := &memorySink{}
	src := newScriptedSource(input, 512)
	c, err := New(Options{
		OpenSource:   fixedSource(src),
		OpenSink:     fixedSink(sink),
		Separator:    &halfSplitSeparator{},
		SampleRate:   8000,
		Channels:     2,
		ChunkSeconds: 0.25,
		Logger:       quietLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.SetKeyShift(3); err != nil {
		t.Fatalf("SetKeyShift: %v", err)
	}

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.Wait()

	if err := c.LastError(); err != nil {
		t.Fatalf("LastError = %v, want nil (fault bounded to one chunk)", err)
	}
	if got := len(sink.collected()); got != 2*chunkSamples {
		t.Fatalf("sink received %d samples, want %d", got, 2*chunkSamples)
	}
}

func TestSinkErrorEndsSession(t *testing.T) {
	input := testutil.DeterministicSine(440, 8000, 0.5, 6000)
	c := newTestController(t, newScriptedSource(input, 512), &memorySink{failing: true}, &halfSplitSeparator{}, 0.25)

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.Wait()

	if err := c.LastError(); !errors.Is(err, audio.ErrSink) {
		t.Fatalf("LastError = %v, want ErrSink", err)
	}
}

func TestOverrunAccounting(t *testing.T) {
	// Each chunk is 80 samples (10 ms) but separation takes ~30 ms, so
	// every cycle overruns and the counter climbs once per chunk.
	input := testutil.DeterministicSine(440, 8000, 0.5, 240)
	sink := &memorySink{}
	c := newTestController(t, newScriptedSource(input, 80), sink, &halfSplitSeparator{delay: 30 * time.Millisecond}, 0.01)

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.Wait()

	var got []ProcessingStats
	for len(c.Stats()) > 0 {
		got = append(got, <-c.Stats())
	}
	if len(got) != 3 {
		t.Fatalf("received %d stats emissions, want 3", len(got))
	}
	for i, s := range got {
		if s.CPURatioPercent <= 100 {
			t.Errorf("chunk %d: CPURatioPercent = %d, want > 100", i, s.CPURatioPercent)
		}
		if want := uint64(i + 1); s.OverrunCount != want {
			t.Errorf("chunk %d: OverrunCount = %d, want %d", i, s.OverrunCount, want)
		}
	}
}

func TestControlSurface(t *testing.T) {
	input := testutil.DeterministicSine(440, 8000, 0.5, 16000)
	c := newTestController(t, newScriptedSource(input, 512), &memorySink{}, &halfSplitSeparator{}, 0.25)

	if err := c.SetGain("strings", 0.5); err == nil {
		t.Error("SetGain on unknown stem: expected error")
	}
	if err := c.SetKeyShift(13); err == nil {
		t.Error("SetKeyShift(13): expected error")
	}
	if err := c.SetTempoFactor(3); err == nil {
		t.Error("SetTempoFactor(3): expected error")
	}

	if err := c.SetGain(stem.Vocals, 0.25); err != nil {
		t.Fatalf("SetGain: %v", err)
	}
	if err := c.SetSolo(stem.Vocals, true); err != nil {
		t.Fatalf("SetSolo: %v", err)
	}
	if err := c.SetKeyShift(-3); err != nil {
		t.Fatalf("SetKeyShift: %v", err)
	}
	if err := c.SetTempoFactor(1.5); err != nil {
		t.Fatalf("SetTempoFactor: %v", err)
	}

	cfg := c.MixConfig()
	if cfg.Gain(stem.Vocals) != 0.25 || !cfg.Soloed(stem.Vocals) {
		t.Error("snapshot missing gain/solo updates")
	}
	if cfg.KeyShift() != -3 || cfg.TempoFactor() != 1.5 {
		t.Errorf("snapshot key/tempo = %d/%v, want -3/1.5", cfg.KeyShift(), cfg.TempoFactor())
	}
	if g := cfg.EffectiveGain(stem.Accompaniment); g != 0 {
		t.Errorf("EffectiveGain(accompaniment) = %v, want 0 under solo", g)
	}
}

func TestSoloAffectsOutput(t *testing.T) {
	input := testutil.DC(0.5, 6000)
	sink := &memorySink{}
	c := newTestController(t, newScriptedSource(input, 512), sink, &halfSplitSeparator{}, 0.25)

	// Soloing vocals before the session leaves only the vocals half.
	if err := c.SetSolo(stem.Vocals, true); err != nil {
		t.Fatalf("SetSolo: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.Wait()

	out := sink.collected()
	if len(out) != len(input) {
		t.Fatalf("sink received %d samples, want %d", len(out), len(input))
	}
	testutil.RequireSliceNearlyEqual(t, out, testutil.DC(0.25, 6000), 1e-12)
}
