// Package mix resolves per-stem gain, mute, and solo settings into a single
// output buffer.
//
// A Config is an immutable snapshot: control operations derive a new
// snapshot with the With* methods and publish it atomically, so a chunk is
// always mixed against exactly one configuration, never a partially
// updated one.
package mix

import (
	"math"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/cwbudde/algo-vecmath"

	"github.com/cwbudde/stemlive/shift"
	"github.com/cwbudde/stemlive/stem"
)

// MaxAmplitude is the representable sample range; mixed samples are
// hard-clamped to [-MaxAmplitude, +MaxAmplitude].
const MaxAmplitude = 1.0

// Config is an immutable mix snapshot for a fixed stem vocabulary.
type Config struct {
	vocab  stem.Vocabulary
	gains  map[stem.Name]float64
	mutes  map[stem.Name]bool
	solos  map[stem.Name]bool
	key    int
	tempo  float64
	soloed bool
}

// NewConfig returns the neutral snapshot for a vocabulary: unity gain,
// nothing muted or soloed, no key shift, tempo factor 1.
func NewConfig(vocab stem.Vocabulary) *Config {
	c := &Config{
		vocab: vocab,
		gains: make(map[stem.Name]float64, len(vocab)),
		mutes: make(map[stem.Name]bool, len(vocab)),
		solos: make(map[stem.Name]bool, len(vocab)),
		tempo: 1,
	}
	for _, name := range vocab {
		c.gains[name] = 1
	}
	return c
}

func (c *Config) clone() *Config {
	next := &Config{
		vocab:  c.vocab,
		gains:  make(map[stem.Name]float64, len(c.gains)),
		mutes:  make(map[stem.Name]bool, len(c.mutes)),
		solos:  make(map[stem.Name]bool, len(c.solos)),
		key:    c.key,
		tempo:  c.tempo,
		soloed: c.soloed,
	}
	for k, v := range c.gains {
		next.gains[k] = v
	}
	for k, v := range c.mutes {
		next.mutes[k] = v
	}
	for k, v := range c.solos {
		next.solos[k] = v
	}
	return next
}

// Vocabulary returns the stem vocabulary the snapshot was built for.
func (c *Config) Vocabulary() stem.Vocabulary { return c.vocab }

// Gain returns the configured (not effective) gain for a stem.
func (c *Config) Gain(name stem.Name) float64 { return c.gains[name] }

// Muted reports whether a stem is muted.
func (c *Config) Muted(name stem.Name) bool { return c.mutes[name] }

// Soloed reports whether a stem is soloed.
func (c *Config) Soloed(name stem.Name) bool { return c.solos[name] }

// KeyShift returns the active key shift in semitones.
func (c *Config) KeyShift() int { return c.key }

// TempoFactor returns the active tempo factor.
func (c *Config) TempoFactor() float64 { return c.tempo }

// WithGain derives a snapshot with the stem's gain replaced. Gains are
// bounded to [0, 1].
func (c *Config) WithGain(name stem.Name, gain float64) (*Config, error) {
	if !c.vocab.Contains(name) {
		return nil, errors.Newf("mix: unknown stem %q", name)
	}
	if math.IsNaN(gain) || gain < 0 || gain > 1 {
		return nil, errors.Newf("mix: gain for %q must be in [0, 1], got %v", name, gain)
	}
	next := c.clone()
	next.gains[name] = gain
	return next, nil
}

// WithMute derives a snapshot with the stem's mute flag replaced.
func (c *Config) WithMute(name stem.Name, muted bool) (*Config, error) {
	if !c.vocab.Contains(name) {
		return nil, errors.Newf("mix: unknown stem %q", name)
	}
	next := c.clone()
	next.mutes[name] = muted
	return next, nil
}

// WithSolo derives a snapshot with the stem's solo flag replaced.
func (c *Config) WithSolo(name stem.Name, soloed bool) (*Config, error) {
	if !c.vocab.Contains(name) {
		return nil, errors.Newf("mix: unknown stem %q", name)
	}
	next := c.clone()
	next.solos[name] = soloed
	next.soloed = false
	for _, on := range next.solos {
		if on {
			next.soloed = true
			break
		}
	}
	return next, nil
}

// WithKeyShift derives a snapshot with a new key shift in semitones.
func (c *Config) WithKeyShift(semitones int) (*Config, error) {
	if semitones < shift.MinSemitones || semitones > shift.MaxSemitones {
		return nil, errors.Newf("mix: key shift must be in [%d, %d], got %d",
			shift.MinSemitones, shift.MaxSemitones, semitones)
	}
	next := c.clone()
	next.key = semitones
	return next, nil
}

// WithTempoFactor derives a snapshot with a new tempo factor.
func (c *Config) WithTempoFactor(factor float64) (*Config, error) {
	if math.IsNaN(factor) || factor < shift.MinTempoFactor || factor > shift.MaxTempoFactor {
		return nil, errors.Newf("mix: tempo factor must be in [%v, %v], got %v",
			shift.MinTempoFactor, shift.MaxTempoFactor, factor)
	}
	next := c.clone()
	next.tempo = factor
	return next, nil
}

// EffectiveGain resolves the solo/mute rule for one stem. With any solo
// active, non-soloed stems are silent and a soloed stem plays at its own
// gain regardless of its mute flag. Without solos, mute silences the stem.
func (c *Config) EffectiveGain(name stem.Name) float64 {
	if c.soloed {
		if c.solos[name] {
			return c.gains[name]
		}
		return 0
	}
	if c.mutes[name] {
		return 0
	}
	return c.gains[name]
}

// Mixer sums equal-length stem buffers under a Config snapshot into one
// output buffer with a saturating clip.
type Mixer struct {
	vocab   stem.Vocabulary
	names   []stem.Name
	scratch []float64
}

// NewMixer creates a mixer bound to a stem vocabulary.
func NewMixer(vocab stem.Vocabulary) (*Mixer, error) {
	if len(vocab) == 0 {
		return nil, errors.New("mix: empty stem vocabulary")
	}
	names := make([]stem.Name, len(vocab))
	copy(names, vocab)
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return &Mixer{vocab: vocab, names: names}, nil
}

// Mix combines the stems into a fresh output buffer. All buffers must
// share the set's common length; summation order is fixed so the result
// is deterministic. Samples are hard-clamped to the representable range;
// combined levels above it saturate rather than wrap.
func (m *Mixer) Mix(stems stem.Set, cfg *Config) ([]float64, error) {
	if err := stems.Validate(m.vocab); err != nil {
		return nil, errors.Wrap(err, "mix")
	}
	if !cfg.Vocabulary().Equal(m.vocab) {
		return nil, errors.New("mix: configuration vocabulary mismatch")
	}

	n := stems.Len()
	out := make([]float64, n)
	if cap(m.scratch) < n {
		m.scratch = make([]float64, n)
	}
	scratch := m.scratch[:n]

	for _, name := range m.names {
		gain := cfg.EffectiveGain(name)
		if gain == 0 {
			continue
		}
		vecmath.ScaleBlock(scratch, stems[name], gain)
		vecmath.AddBlockInPlace(out, scratch)
	}

	for i, v := range out {
		if v > MaxAmplitude {
			out[i] = MaxAmplitude
		} else if v < -MaxAmplitude {
			out[i] = -MaxAmplitude
		}
	}
	return out, nil
}
