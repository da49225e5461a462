package separate

import (
	"github.com/cockroachdb/errors"
	"github.com/cwbudde/algo-dsp/dsp/filter/crossover"

	"github.com/cwbudde/stemlive/audio"
	"github.com/cwbudde/stemlive/stem"
)

// crossoverOrder is LR4: steep enough to keep bands distinct, cheap
// enough for real time.
const crossoverOrder = 4

// fallbackPlans fix the deterministic band-to-stem mapping per vocabulary.
// Bands are ordered low to high; a stem may collect several bands. This is
// an explicitly degraded stand-in for model separation: it cannot isolate
// instruments, only the frequency regions they usually dominate.
var fallbackPlans = map[int]struct {
	freqs []float64
	bands []stem.Name
}{
	2: {
		freqs: []float64{250, 4000},
		bands: []stem.Name{stem.Accompaniment, stem.Vocals, stem.Accompaniment},
	},
	4: {
		freqs: []float64{250, 1200, 4000, 10000},
		bands: []stem.Name{stem.Bass, stem.Other, stem.Vocals, stem.Other, stem.Drums},
	},
	5: {
		freqs: []float64{250, 1200, 4000, 10000},
		bands: []stem.Name{stem.Bass, stem.Piano, stem.Vocals, stem.Other, stem.Drums},
	},
}

// bandSplitter is the heuristic fallback: one Linkwitz-Riley multiband
// crossover per channel, filter state persisting across chunks within a
// session so band edges stay continuous.
type bandSplitter struct {
	vocab    stem.Vocabulary
	bands    []stem.Name
	channels int
	xos      []*crossover.MultiBand
}

func newBandSplitter(vocab stem.Vocabulary, channels int, sampleRate float64) (*bandSplitter, error) {
	plan, ok := fallbackPlans[len(vocab)]
	if !ok {
		return nil, errors.Newf("separate: no fallback band plan for %d stems", len(vocab))
	}
	xos := make([]*crossover.MultiBand, channels)
	for ch := range xos {
		xo, err := crossover.NewMultiBand(plan.freqs, crossoverOrder, sampleRate)
		if err != nil {
			return nil, errors.Wrap(err, "separate: fallback crossover")
		}
		xos[ch] = xo
	}
	return &bandSplitter{
		vocab:    vocab,
		bands:    plan.bands,
		channels: channels,
		xos:      xos,
	}, nil
}

func (b *bandSplitter) split(c *audio.Chunk) (stem.Set, error) {
	frames := c.Frames()
	stemPlanes := make(map[stem.Name][][]float64, len(b.vocab))
	for _, name := range b.vocab {
		planes := make([][]float64, b.channels)
		for ch := range planes {
			planes[ch] = make([]float64, frames)
		}
		stemPlanes[name] = planes
	}

	for ch := range b.channels {
		bandOut := b.xos[ch].ProcessBlock(c.Channel(ch))
		for i, band := range bandOut {
			dst := stemPlanes[b.bands[i]][ch]
			for j, v := range band {
				dst[j] += v
			}
		}
	}

	set := make(stem.Set, len(b.vocab))
	for _, name := range b.vocab {
		set[name] = audio.Interleave(stemPlanes[name])
	}
	return set, nil
}

// reset clears crossover filter state between sessions.
func (b *bandSplitter) reset() {
	for _, xo := range b.xos {
		xo.Reset()
	}
}
