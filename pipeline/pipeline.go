// Package pipeline orchestrates a capture session: source → chunk
// assembly → stem separation → per-stem pitch and tempo shifting →
// mixing → sink, under a lifecycle state machine with one processing
// worker per session.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/cwbudde/stemlive/audio"
	"github.com/cwbudde/stemlive/mix"
	"github.com/cwbudde/stemlive/shift"
	"github.com/cwbudde/stemlive/stem"
)

// State is the session lifecycle phase.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateCapturing
	StateStopping
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateCapturing:
		return "capturing"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

var (
	// ErrSessionActive is returned by Start while a session is running.
	ErrSessionActive = errors.New("pipeline: session already active")
	// ErrNoSession is returned by controls that need a running session.
	ErrNoSession = errors.New("pipeline: no active session")
)

// Separator converts one chunk into a stem set with a fixed vocabulary.
// The controller serializes calls; implementations need not be reentrant.
type Separator interface {
	Separate(c *audio.Chunk) (stem.Set, error)
	Stems() stem.Vocabulary
	Reset()
}

// Options configures a Controller. Endpoints are injected as openers so
// every session acquires fresh ones; the controller never touches a
// platform audio API itself.
type Options struct {
	// OpenSource acquires the capture endpoint when a session starts.
	// The controller closes it when the session ends.
	OpenSource func() (audio.CaptureSource, error)
	// OpenSink acquires the output endpoint when a session starts.
	// The controller closes it when the session ends.
	OpenSink     func() (audio.OutputSink, error)
	Separator    Separator
	SampleRate   int
	Channels     int
	ChunkSeconds float64
	// QueueDepth bounds the capture-to-worker queue; the queue blocks
	// the capture read when full. 1 or 2; defaults to 2.
	QueueDepth int
	Logger     log.Interface
}

// session holds the per-session state discarded when the session ends.
type session struct {
	id        string
	source    audio.CaptureSource
	sink      audio.OutputSink
	assembler *audio.Assembler
	mixer     *mix.Mixer
	reporter  *StatusReporter
	// One shifter per stem per channel; each owns its cross-chunk state.
	pitch map[stem.Name][]*shift.Pitch
	tempo map[stem.Name][]*shift.Tempo
	queue chan *audio.Chunk
	// readErr is the reader's terminal condition, valid once queue closes.
	readErr error
}

// Controller drives the capture pipeline through its state machine.
// Control operations are safe from any goroutine; the worker reads the
// mix configuration as one atomic snapshot per chunk cycle.
type Controller struct {
	opts  Options
	log   log.Interface
	vocab stem.Vocabulary

	state   atomic.Int32
	mixCfg  atomic.Pointer[mix.Config]
	statsCh chan ProcessingStats

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	lastErr error
}

// New validates the options and creates an idle controller.
func New(opts Options) (*Controller, error) {
	if opts.OpenSource == nil || opts.OpenSink == nil || opts.Separator == nil {
		return nil, errors.New("pipeline: source opener, sink opener, and separator are required")
	}
	if opts.SampleRate <= 0 || opts.Channels <= 0 {
		return nil, errors.Newf("pipeline: invalid format %d Hz / %d ch", opts.SampleRate, opts.Channels)
	}
	if opts.ChunkSeconds <= 0 {
		return nil, errors.Newf("pipeline: chunk duration must be positive, got %v", opts.ChunkSeconds)
	}
	switch opts.QueueDepth {
	case 0:
		opts.QueueDepth = 2
	case 1, 2:
	default:
		return nil, errors.Newf("pipeline: queue depth must be 1 or 2, got %d", opts.QueueDepth)
	}
	if opts.Logger == nil {
		opts.Logger = log.Log
	}

	c := &Controller{
		opts:    opts,
		log:     opts.Logger,
		vocab:   opts.Separator.Stems(),
		statsCh: make(chan ProcessingStats, 8),
	}
	c.mixCfg.Store(mix.NewConfig(c.vocab))
	return c, nil
}

// State returns the current lifecycle state.
func (c *Controller) State() State { return State(c.state.Load()) }

// LastError returns the failure that sent the last session to the error
// state, or nil. Reading it counts as surfacing the failure: a
// controller held in the error state returns to idle.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if State(c.state.Load()) == StateError {
		c.state.Store(int32(StateIdle))
	}
	return c.lastErr
}

// Stats delivers one ProcessingStats per processed chunk. Emissions are
// dropped, never blocked on, when the receiver lags.
func (c *Controller) Stats() <-chan ProcessingStats { return c.statsCh }

// MixConfig returns the currently published mix snapshot.
func (c *Controller) MixConfig() *mix.Config { return c.mixCfg.Load() }

// Start moves Idle → Starting → Capturing: it acquires fresh endpoints,
// builds the per-session pipeline, and launches the reader and worker.
// An unread error state counts as idle here; a new Start clears it.
// Fails with ErrSessionActive while a session is running.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st := State(c.state.Load()); st != StateIdle && st != StateError {
		return ErrSessionActive
	}
	c.state.Store(int32(StateStarting))
	c.lastErr = nil

	s, err := c.buildSession()
	if err != nil {
		c.state.Store(int32(StateIdle))
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})

	c.log.WithFields(log.Fields{
		"session": s.id,
		"rate":    c.opts.SampleRate,
		"ch":      c.opts.Channels,
		"stems":   len(c.vocab),
	}).Info("session starting")

	c.state.Store(int32(StateCapturing))
	go c.read(ctx, s)
	go c.run(ctx, s)
	return nil
}

// Stop moves Capturing → Stopping → Idle: it cancels the session
// cooperatively and waits for the in-flight chunk cycle to finish.
// Stopping an idle controller is a no-op.
func (c *Controller) Stop() error {
	c.mu.Lock()
	switch State(c.state.Load()) {
	case StateIdle, StateError:
		c.mu.Unlock()
		return nil
	case StateStopping:
		done := c.done
		c.mu.Unlock()
		<-done
		return nil
	}
	c.state.Store(int32(StateStopping))
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()
	<-done
	return nil
}

// Wait blocks until the running session ends on its own (end of stream
// or failure). It returns immediately when idle.
func (c *Controller) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (c *Controller) buildSession() (*session, error) {
	source, err := c.opts.OpenSource()
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "acquire source"), audio.ErrSource)
	}
	sink, err := c.opts.OpenSink()
	if err != nil {
		_ = source.Close()
		return nil, errors.Mark(errors.Wrap(err, "acquire sink"), audio.ErrSink)
	}
	asm, err := audio.NewAssembler(source, c.opts.SampleRate, c.opts.Channels, c.opts.ChunkSeconds)
	if err != nil {
		_ = source.Close()
		_ = sink.Close()
		return nil, err
	}
	mixer, err := mix.NewMixer(c.vocab)
	if err != nil {
		_ = source.Close()
		_ = sink.Close()
		return nil, err
	}

	s := &session{
		id:        uuid.NewString(),
		source:    source,
		sink:      sink,
		assembler: asm,
		mixer:     mixer,
		reporter:  NewStatusReporter(c.opts.ChunkSeconds),
		pitch:     make(map[stem.Name][]*shift.Pitch, len(c.vocab)),
		tempo:     make(map[stem.Name][]*shift.Tempo, len(c.vocab)),
		queue:     make(chan *audio.Chunk, c.opts.QueueDepth),
	}
	for _, name := range c.vocab {
		pitches := make([]*shift.Pitch, c.opts.Channels)
		tempos := make([]*shift.Tempo, c.opts.Channels)
		for ch := range pitches {
			p, err := shift.NewPitch()
			if err != nil {
				return nil, err
			}
			t, err := shift.NewTempo(float64(c.opts.SampleRate))
			if err != nil {
				return nil, err
			}
			pitches[ch], tempos[ch] = p, t
		}
		s.pitch[name] = pitches
		s.tempo[name] = tempos
	}
	c.opts.Separator.Reset()
	return s, nil
}

// read is the capture producer: it assembles chunks and pushes them onto
// the bounded queue. A full queue blocks the capture read (backpressure)
// instead of dropping chunks.
func (c *Controller) read(ctx context.Context, s *session) {
	defer close(s.queue)
	for {
		chunk, err := s.assembler.Next(ctx)
		if err != nil {
			if !errors.Is(err, audio.ErrEndOfStream) && !errors.Is(err, context.Canceled) {
				s.readErr = err
			}
			return
		}
		select {
		case s.queue <- chunk:
		case <-ctx.Done():
			return
		}
		if chunk.Final {
			return
		}
	}
}

// run is the processing worker. Stages execute strictly sequentially per
// chunk; cancellation is checked between chunks and between stages.
func (c *Controller) run(ctx context.Context, s *session) {
	var fatal error

loop:
	for {
		select {
		case chunk, ok := <-s.queue:
			if !ok {
				fatal = s.readErr
				break loop
			}
			if err := c.processChunk(ctx, s, chunk); err != nil {
				if !errors.Is(err, context.Canceled) {
					fatal = err
				}
				break loop
			}
			if chunk.Final {
				break loop
			}
		case <-ctx.Done():
			break loop
		}
	}

	c.finish(s, fatal)
}

// finish releases the session's endpoints and settles the controller: a
// fatal failure holds the error state until it is surfaced through
// LastError or superseded by a new Start; a clean end returns to Idle.
func (c *Controller) finish(s *session, fatal error) {
	if err := s.source.Close(); err != nil && fatal == nil {
		c.log.WithError(err).Warn("capture source close failed")
	}
	if err := s.sink.Close(); err != nil && fatal == nil {
		c.log.WithError(err).Warn("output sink close failed")
	}

	c.mu.Lock()
	if fatal != nil {
		c.state.Store(int32(StateError))
		c.lastErr = fatal
		c.log.WithError(fatal).WithField("session", s.id).Error("session failed")
	} else {
		c.log.WithFields(log.Fields{
			"session":  s.id,
			"overruns": s.reporter.Overruns(),
		}).Info("session finished")
		c.state.Store(int32(StateIdle))
	}
	c.cancel = nil
	done := c.done
	c.done = nil
	c.mu.Unlock()
	close(done)
}

// processChunk runs one full cycle: snapshot → separate → shift →
// mix → write → report.
func (c *Controller) processChunk(ctx context.Context, s *session, chunk *audio.Chunk) error {
	start := time.Now()
	cfg := c.mixCfg.Load()

	stems, err := c.opts.Separator.Separate(chunk)
	if err != nil {
		return errors.Wrap(err, "separate")
	}
	if err := ctx.Err(); err != nil && !chunk.Final {
		return err
	}

	shifted := c.shiftStems(s, cfg, stems, chunk.Final)
	if err := ctx.Err(); err != nil && !chunk.Final {
		return err
	}

	out, err := s.mixer.Mix(shifted, cfg)
	if err != nil {
		return errors.Wrap(err, "mix")
	}

	if len(out) > 0 {
		if err := s.sink.Write(ctx, out); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			return errors.Mark(errors.Wrap(err, "write"), audio.ErrSink)
		}
	}

	stats := s.reporter.Sample(time.Since(start), len(s.queue))
	select {
	case c.statsCh <- stats:
	default:
	}
	return nil
}

// shiftStems applies the pitch then tempo stage per stem. A shifter
// numeric fault downgrades the whole stem to passthrough for the chunk
// instead of failing the session: the fault must never split a stem's
// channels apart, or interleaving would misalign. On the final chunk the
// shifters are flushed so no trailing audio is dropped.
func (c *Controller) shiftStems(s *session, cfg *mix.Config, stems stem.Set, final bool) stem.Set {
	out := make(stem.Set, len(stems))
	for name, buf := range stems {
		planes := audio.Deinterleave(buf, c.opts.Channels)
		planes = c.runStage(stageState{pitch: s.pitch[name]}, name, planes, cfg, final)
		planes = c.runStage(stageState{tempo: s.tempo[name]}, name, planes, cfg, final)
		equalizePlanes(planes)
		out[name] = audio.Interleave(planes)
	}

	// A passthrough downgrade can leave one stem shorter or longer than
	// its siblings; zero-pad so the mixer's equal-length contract holds.
	maxLen := 0
	for _, buf := range out {
		maxLen = max(maxLen, len(buf))
	}
	for name, buf := range out {
		if len(buf) < maxLen {
			out[name] = append(buf, make([]float64, maxLen-len(buf))...)
		}
	}
	return out
}

// stageState adapts a stem's per-channel pitch or tempo shifters to one
// stage interface so both run under the same fault policy.
type stageState struct {
	pitch []*shift.Pitch
	tempo []*shift.Tempo
}

func (st stageState) name() string {
	if st.pitch != nil {
		return "pitch"
	}
	return "tempo"
}

func (st stageState) configure(ch int, cfg *mix.Config) error {
	if st.pitch != nil {
		return st.pitch[ch].SetSemitones(cfg.KeyShift())
	}
	return st.tempo[ch].SetFactor(cfg.TempoFactor())
}

func (st stageState) process(ch int, plane []float64) ([]float64, error) {
	if st.pitch != nil {
		return st.pitch[ch].Process(plane)
	}
	return st.tempo[ch].Process(plane)
}

func (st stageState) flush(ch int) ([]float64, error) {
	if st.pitch != nil {
		return st.pitch[ch].Flush()
	}
	return st.tempo[ch].Flush()
}

func (st stageState) reset(ch int) {
	if st.pitch != nil {
		st.pitch[ch].Reset()
		return
	}
	st.tempo[ch].Reset()
}

// runStage runs one shift stage over every channel of a stem. If any
// channel faults, every channel of the stem resets and passes through
// unshifted for this chunk, flush included, so the channels stay the
// same length through interleaving.
func (c *Controller) runStage(st stageState, name stem.Name, planes [][]float64, cfg *mix.Config, final bool) [][]float64 {
	shifted := make([][]float64, len(planes))
	for ch, plane := range planes {
		if err := st.configure(ch, cfg); err != nil {
			return c.downgradeStage(st, name, planes, err)
		}
		out, err := st.process(ch, plane)
		if err != nil {
			return c.downgradeStage(st, name, planes, err)
		}
		shifted[ch] = out
	}
	if final {
		for ch := range planes {
			tail, err := st.flush(ch)
			if err != nil {
				c.log.WithError(err).WithFields(log.Fields{
					"stem":  string(name),
					"stage": st.name(),
				}).Warn("flush fault, tail dropped")
				st.reset(ch)
				continue
			}
			shifted[ch] = append(shifted[ch], tail...)
		}
	}
	return shifted
}

// downgradeStage resets every channel of the stem's stage and returns
// the stem's input unchanged.
func (c *Controller) downgradeStage(st stageState, name stem.Name, planes [][]float64, cause error) [][]float64 {
	c.log.WithError(cause).WithFields(log.Fields{
		"stem":  string(name),
		"stage": st.name(),
	}).Warn("numeric fault, stem passes through")
	for ch := range planes {
		st.reset(ch)
	}
	return planes
}

// equalizePlanes zero-pads a stem's channel planes to one length so
// interleaving stays aligned however the stages diverged.
func equalizePlanes(planes [][]float64) {
	maxLen := 0
	for _, p := range planes {
		maxLen = max(maxLen, len(p))
	}
	for i, p := range planes {
		if len(p) < maxLen {
			planes[i] = append(p, make([]float64, maxLen-len(p))...)
		}
	}
}

// SetGain publishes a snapshot with one stem's gain replaced.
func (c *Controller) SetGain(name stem.Name, gain float64) error {
	return c.updateConfig(func(cfg *mix.Config) (*mix.Config, error) {
		return cfg.WithGain(name, gain)
	})
}

// SetMute publishes a snapshot with one stem's mute flag replaced.
func (c *Controller) SetMute(name stem.Name, muted bool) error {
	return c.updateConfig(func(cfg *mix.Config) (*mix.Config, error) {
		return cfg.WithMute(name, muted)
	})
}

// SetSolo publishes a snapshot with one stem's solo flag replaced.
func (c *Controller) SetSolo(name stem.Name, soloed bool) error {
	return c.updateConfig(func(cfg *mix.Config) (*mix.Config, error) {
		return cfg.WithSolo(name, soloed)
	})
}

// SetKeyShift publishes a snapshot with a new key shift in semitones.
func (c *Controller) SetKeyShift(semitones int) error {
	return c.updateConfig(func(cfg *mix.Config) (*mix.Config, error) {
		return cfg.WithKeyShift(semitones)
	})
}

// SetTempoFactor publishes a snapshot with a new tempo factor.
func (c *Controller) SetTempoFactor(factor float64) error {
	return c.updateConfig(func(cfg *mix.Config) (*mix.Config, error) {
		return cfg.WithTempoFactor(factor)
	})
}

// updateConfig serializes read-modify-write cycles on the snapshot
// pointer so concurrent control operations never lose updates.
func (c *Controller) updateConfig(mutate func(*mix.Config) (*mix.Config, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	next, err := mutate(c.mixCfg.Load())
	if err != nil {
		return err
	}
	c.mixCfg.Store(next)
	return nil
}
