// Package stem defines the stem name vocabularies produced by source
// separation and the per-stem sample buffer set passed between pipeline
// stages.
//
// A vocabulary is fixed for the lifetime of a capture session: every chunk
// of a session yields the same stem names, and every buffer in a [Set] has
// the same length as the chunk it was separated from.
package stem

import "fmt"

// Name identifies one isolated musical component.
type Name string

const (
	Vocals        Name = "vocals"
	Accompaniment Name = "accompaniment"
	Drums         Name = "drums"
	Bass          Name = "bass"
	Piano         Name = "piano"
	Other         Name = "other"
)

// Vocabulary is an ordered list of stem names. Order is stable so that
// per-stem processing state can be matched up chunk after chunk.
type Vocabulary []Name

// Standard vocabularies, matching the 2/4/5-stem separation model families.
var (
	TwoStems  = Vocabulary{Vocals, Accompaniment}
	FourStems = Vocabulary{Vocals, Drums, Bass, Other}
	FiveStems = Vocabulary{Vocals, Drums, Bass, Piano, Other}
)

// VocabularyFor returns the standard vocabulary with the given stem count.
func VocabularyFor(count int) (Vocabulary, error) {
	switch count {
	case 2:
		return TwoStems, nil
	case 4:
		return FourStems, nil
	case 5:
		return FiveStems, nil
	default:
		return nil, fmt.Errorf("stem: no vocabulary with %d stems", count)
	}
}

// Contains reports whether name is part of the vocabulary.
func (v Vocabulary) Contains(name Name) bool {
	for _, n := range v {
		if n == name {
			return true
		}
	}
	return false
}

// Equal reports whether two vocabularies contain the same names in the
// same order.
func (v Vocabulary) Equal(other Vocabulary) bool {
	if len(v) != len(other) {
		return false
	}
	for i := range v {
		if v[i] != other[i] {
			return false
		}
	}
	return true
}

// Set maps stem names to interleaved sample buffers. All buffers in a valid
// set have identical length.
type Set map[Name][]float64

// NewSet allocates one zeroed buffer of n samples per vocabulary entry.
func NewSet(vocab Vocabulary, n int) Set {
	s := make(Set, len(vocab))
	for _, name := range vocab {
		s[name] = make([]float64, n)
	}
	return s
}

// Len returns the common buffer length, or 0 for an empty set.
func (s Set) Len() int {
	for _, buf := range s {
		return len(buf)
	}
	return 0
}

// Validate checks that the set covers exactly the vocabulary and that all
// buffers share one length.
func (s Set) Validate(vocab Vocabulary) error {
	if len(s) != len(vocab) {
		return fmt.Errorf("stem: set has %d stems, vocabulary has %d", len(s), len(vocab))
	}
	n := -1
	for _, name := range vocab {
		buf, ok := s[name]
		if !ok {
			return fmt.Errorf("stem: set is missing %q", name)
		}
		if n < 0 {
			n = len(buf)
		} else if len(buf) != n {
			return fmt.Errorf("stem: buffer %q has %d samples, want %d", name, len(buf), n)
		}
	}
	return nil
}
