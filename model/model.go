// Package model loads separation model files and exposes them to the
// pipeline as mask-producing handles.
//
// A model file describes, per stem, a set of frequency bands with weights.
// At inference time the handle turns a frame's magnitude spectrum into one
// spectral mask per stem. The file bytes are opaque to the pipeline; only
// this package knows the encoding.
package model

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"

	"github.com/cwbudde/stemlive/stem"
)

// Load failure classes.
var (
	ErrNotFound = errors.New("model: not found")
	ErrCorrupt  = errors.New("model: corrupt model file")
)

// Handle is a loaded separation model. Implementations must be usable from
// a single goroutine at a time; the pipeline worker owns the handle for the
// session's duration.
type Handle interface {
	// Name identifies the loaded model.
	Name() string

	// Stems returns the fixed stem vocabulary this model produces.
	Stems() stem.Vocabulary

	// MaskFrame fills one spectral mask per stem for a frame magnitude
	// spectrum. binHz is the frequency width of one bin. Each mask slice
	// has len(mag) entries in [0, 1].
	MaskFrame(mag []float64, binHz float64, masks map[stem.Name][]float64) error
}

// Band is one weighted frequency region of a stem mask.
type Band struct {
	LowHz  float64 `json:"low_hz"`
	HighHz float64 `json:"high_hz"`
	Weight float64 `json:"weight"`
}

// StemBands describes the mask of a single stem.
type StemBands struct {
	Name  stem.Name `json:"name"`
	Bands []Band    `json:"bands"`
}

// Definition is the on-disk model description.
type Definition struct {
	Name  string      `json:"name"`
	Stems []StemBands `json:"stems"`
}

// bandMask is the band-weight Handle implementation.
type bandMask struct {
	def   Definition
	vocab stem.Vocabulary
}

// New validates a definition and returns a mask handle for it.
func New(def Definition) (Handle, error) {
	if def.Name == "" {
		return nil, errors.Mark(errors.New("model: definition has no name"), ErrCorrupt)
	}
	vocab, err := stem.VocabularyFor(len(def.Stems))
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "model %q", def.Name), ErrCorrupt)
	}
	seen := make(map[stem.Name]bool, len(def.Stems))
	for _, sb := range def.Stems {
		if !vocab.Contains(sb.Name) {
			return nil, errors.Mark(
				errors.Newf("model %q: stem %q not in the %d-stem vocabulary", def.Name, sb.Name, len(vocab)),
				ErrCorrupt)
		}
		if seen[sb.Name] {
			return nil, errors.Mark(errors.Newf("model %q: duplicate stem %q", def.Name, sb.Name), ErrCorrupt)
		}
		seen[sb.Name] = true
		if len(sb.Bands) == 0 {
			return nil, errors.Mark(errors.Newf("model %q: stem %q has no bands", def.Name, sb.Name), ErrCorrupt)
		}
		for i, b := range sb.Bands {
			if b.LowHz < 0 || b.HighHz <= b.LowHz {
				return nil, errors.Mark(
					errors.Newf("model %q: stem %q band %d has invalid range [%v, %v]",
						def.Name, sb.Name, i, b.LowHz, b.HighHz),
					ErrCorrupt)
			}
			if b.Weight < 0 || b.Weight > 1 {
				return nil, errors.Mark(
					errors.Newf("model %q: stem %q band %d weight %v outside [0, 1]",
						def.Name, sb.Name, i, b.Weight),
					ErrCorrupt)
			}
		}
	}
	return &bandMask{def: def, vocab: vocab}, nil
}

func (m *bandMask) Name() string { return m.def.Name }

func (m *bandMask) Stems() stem.Vocabulary { return m.vocab }

func (m *bandMask) MaskFrame(mag []float64, binHz float64, masks map[stem.Name][]float64) error {
	if binHz <= 0 {
		return errors.Newf("model %q: bin width must be positive, got %v", m.def.Name, binHz)
	}
	for _, sb := range m.def.Stems {
		dst, ok := masks[sb.Name]
		if !ok || len(dst) != len(mag) {
			return errors.Newf("model %q: mask buffer for %q missing or has wrong length", m.def.Name, sb.Name)
		}
		for k := range dst {
			dst[k] = 0
		}
		for _, b := range sb.Bands {
			lo := int(b.LowHz / binHz)
			hi := int(b.HighHz / binHz)
			if hi >= len(dst) {
				hi = len(dst) - 1
			}
			for k := max(lo, 0); k <= hi; k++ {
				if w := b.Weight; w > dst[k] {
					dst[k] = w
				}
			}
		}
	}
	return nil
}

// Provider loads model files from a directory, one "<id>.json" per model.
type Provider struct {
	dir string
}

// NewProvider creates a provider over a model directory.
func NewProvider(dir string) *Provider {
	return &Provider{dir: dir}
}

// Load reads and validates the model with the given id.
func (p *Provider) Load(id string) (Handle, error) {
	path := filepath.Join(p.dir, id+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Mark(errors.Wrapf(err, "model %q", id), ErrNotFound)
		}
		return nil, errors.Wrapf(err, "model %q", id)
	}
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "model %q", id), ErrCorrupt)
	}
	return New(def)
}

// List returns the ids of all model files in the provider's directory.
func (p *Provider) List() ([]string, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "model: list directory")
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		ids = append(ids, e.Name()[:len(e.Name())-len(".json")])
	}
	return ids, nil
}
