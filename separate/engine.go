// Package separate converts audio chunks into named stem waveforms.
//
// With a loaded model the engine runs spectral separation: STFT analysis,
// per-stem spectral masking with the source phase preserved, and inverse
// overlap-add resynthesis. Without a model (or when a chunk's inference
// fails) it degrades to a deterministic Linkwitz-Riley band split that
// honors the same stem-name contract. The stem vocabulary is fixed for the
// engine's lifetime.
//
// An engine processes one chunk at a time and is not safe for concurrent
// use; the session worker owns it.
package separate

import (
	"github.com/apex/log"
	"github.com/cockroachdb/errors"
	"github.com/cwbudde/algo-vecmath"

	"github.com/cwbudde/stemlive/audio"
	"github.com/cwbudde/stemlive/model"
	"github.com/cwbudde/stemlive/stem"
	"github.com/cwbudde/stemlive/stft"
)

// Failure classes reported by the engine.
var (
	ErrInference      = errors.New("separate: model inference failure")
	ErrStemVocabulary = errors.New("separate: stem vocabulary is fixed for the session")
)

// DefaultFrameSize and DefaultHop are the standard analysis geometry.
const (
	DefaultFrameSize = 2048
	DefaultHop       = DefaultFrameSize / 4
)

// Config describes a separation session.
type Config struct {
	SampleRate int
	Channels   int

	// FrameSize and Hop control the spectral analysis geometry. Zero
	// values select the defaults.
	FrameSize int
	Hop       int

	// Model drives spectral separation. A nil model selects the heuristic
	// fallback with FallbackStems stems.
	Model model.Handle

	// FallbackStems is the stem count of the fallback vocabulary used
	// when Model is nil (and for per-chunk degradation). Zero selects 4.
	FallbackStems int

	// Logger receives the one-time degraded-mode notice. Nil uses the
	// package default logger.
	Logger log.Interface
}

// Engine produces a stem.Set per chunk.
type Engine struct {
	sampleRate int
	channels   int
	vocab      stem.Vocabulary
	handle     model.Handle

	tr       *stft.Transform
	fallback *bandSplitter
	logger   log.Interface

	// scratch, sized to the spectrum geometry
	spec     []complex128
	re, im   []float64
	mag      []float64
	masks    map[stem.Name][]float64
	stemSpec []complex128

	degradedChunks uint64
	noticedOnce    bool
}

// New creates a separation engine for one session.
func New(cfg Config) (*Engine, error) {
	if cfg.SampleRate <= 0 {
		return nil, errors.Newf("separate: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.Channels <= 0 {
		return nil, errors.Newf("separate: channel count must be positive, got %d", cfg.Channels)
	}
	frameSize := cfg.FrameSize
	if frameSize == 0 {
		frameSize = DefaultFrameSize
	}
	hop := cfg.Hop
	if hop == 0 {
		hop = frameSize / 4
	}
	tr, err := stft.New(frameSize, hop)
	if err != nil {
		return nil, errors.Wrap(err, "separate")
	}

	vocab := stem.FourStems
	if cfg.Model != nil {
		vocab = cfg.Model.Stems()
	} else if cfg.FallbackStems != 0 {
		vocab, err = stem.VocabularyFor(cfg.FallbackStems)
		if err != nil {
			return nil, errors.Wrap(err, "separate")
		}
	}

	fb, err := newBandSplitter(vocab, cfg.Channels, float64(cfg.SampleRate))
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.Log
	}

	bins := tr.Bins()
	masks := make(map[stem.Name][]float64, len(vocab))
	for _, name := range vocab {
		masks[name] = make([]float64, bins)
	}

	return &Engine{
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
		vocab:      vocab,
		handle:     cfg.Model,
		tr:         tr,
		fallback:   fb,
		logger:     logger,
		spec:       make([]complex128, frameSize),
		re:         make([]float64, bins),
		im:         make([]float64, bins),
		mag:        make([]float64, bins),
		masks:      masks,
		stemSpec:   make([]complex128, frameSize),
	}, nil
}

// Stems returns the session's fixed stem vocabulary.
func (e *Engine) Stems() stem.Vocabulary { return e.vocab }

// ModelName returns the active model name, or "" in fallback mode.
func (e *Engine) ModelName() string {
	if e.handle == nil {
		return ""
	}
	return e.handle.Name()
}

// DegradedChunks returns how many chunks fell back to the heuristic path
// after an inference failure.
func (e *Engine) DegradedChunks() uint64 { return e.degradedChunks }

// SetModel swaps the model handle mid-session. The new model must produce
// the session's vocabulary; anything else returns ErrStemVocabulary.
func (e *Engine) SetModel(h model.Handle) error {
	if h == nil {
		return errors.New("separate: cannot swap to a nil model")
	}
	if !h.Stems().Equal(e.vocab) {
		return errors.Mark(
			errors.Newf("separate: model %q produces %v, session is locked to %v", h.Name(), h.Stems(), e.vocab),
			ErrStemVocabulary)
	}
	e.handle = h
	return nil
}

// Reset clears cross-chunk filter state in the fallback path and the
// degraded-mode bookkeeping. Call between sessions when reusing an engine.
func (e *Engine) Reset() {
	e.fallback.reset()
	e.degradedChunks = 0
	e.noticedOnce = false
}

// Separate produces one buffer per stem, each with the chunk's exact
// sample count and channel layout. Inference failures are non-fatal: the
// chunk is separated by the heuristic path instead, a one-time degraded
// notice is logged, and no error is returned.
func (e *Engine) Separate(c *audio.Chunk) (stem.Set, error) {
	if c.SampleRate != e.sampleRate || c.Channels != e.channels {
		return nil, errors.Newf("separate: chunk format %d Hz/%dch does not match session %d Hz/%dch",
			c.SampleRate, c.Channels, e.sampleRate, e.channels)
	}

	if e.handle == nil {
		return e.fallback.split(c)
	}

	set, err := e.spectral(c)
	if err != nil {
		e.degradedChunks++
		if !e.noticedOnce {
			e.noticedOnce = true
			e.logger.WithError(err).WithField("model", e.handle.Name()).
				Warn("separation degraded to heuristic band split")
		}
		return e.fallback.split(c)
	}
	return set, nil
}

func (e *Engine) spectral(c *audio.Chunk) (stem.Set, error) {
	frames := c.Frames()
	half := e.tr.FrameSize() / 2
	binHz := float64(e.sampleRate) / float64(e.tr.FrameSize())

	planes := c.Deinterleave()
	stemPlanes := make(map[stem.Name][][]float64, len(e.vocab))
	for _, name := range e.vocab {
		stemPlanes[name] = make([][]float64, e.channels)
	}

	for ch, plane := range planes {
		olas := make(map[stem.Name]*stft.OLA, len(e.vocab))
		for _, name := range e.vocab {
			olas[name] = e.tr.NewOLA(frames)
		}

		numFrames := e.tr.NumFrames(len(plane))
		for f := range numFrames {
			pos := f * e.tr.Hop()
			if err := e.tr.AnalyzeFrame(plane, pos, e.spec); err != nil {
				return nil, errors.Mark(err, ErrInference)
			}
			for k := 0; k <= half; k++ {
				e.re[k] = real(e.spec[k])
				e.im[k] = imag(e.spec[k])
			}
			vecmath.Magnitude(e.mag, e.re, e.im)

			if err := e.handle.MaskFrame(e.mag, binHz, e.masks); err != nil {
				return nil, errors.Mark(errors.Wrap(err, "separate"), ErrInference)
			}

			for _, name := range e.vocab {
				mask := e.masks[name]
				for k := 0; k <= half; k++ {
					m := mask[k]
					if m < 0 {
						m = 0
					} else if m > 1 {
						m = 1
					}
					e.stemSpec[k] = complex(e.re[k]*m, e.im[k]*m)
				}
				stft.Mirror(e.stemSpec)
				if err := olas[name].AddFrame(e.stemSpec, pos); err != nil {
					return nil, errors.Mark(err, ErrInference)
				}
			}
		}

		for _, name := range e.vocab {
			out := olas[name].Finalize(frames)
			if !stft.IsFinite(out) {
				return nil, errors.Mark(
					errors.Newf("separate: non-finite samples in stem %q", name), ErrInference)
			}
			stemPlanes[name][ch] = out
		}
	}

	set := make(stem.Set, len(e.vocab))
	for _, name := range e.vocab {
		set[name] = audio.Interleave(stemPlanes[name])
	}
	return set, nil
}
