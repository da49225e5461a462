package model

import (
	"github.com/cockroachdb/errors"

	"github.com/cwbudde/stemlive/stem"
)

// Builtin model ids, usable without a model directory.
const (
	BuiltinTwoStems  = "bands-2stem-v1"
	BuiltinFourStems = "bands-4stem-v1"
	BuiltinFiveStems = "bands-5stem-v1"
)

// DefaultID is the model used when none is configured.
const DefaultID = BuiltinFourStems

// builtinDefs are coarse band-weight models shipped in the binary. They
// trade separation quality for zero setup: each stem keeps the regions
// where its energy usually dominates and attenuates the rest.
var builtinDefs = map[string]Definition{
	BuiltinTwoStems: {
		Name: BuiltinTwoStems,
		Stems: []StemBands{
			{Name: stem.Vocals, Bands: []Band{
				{LowHz: 200, HighHz: 1200, Weight: 0.8},
				{LowHz: 1200, HighHz: 8000, Weight: 1.0},
			}},
			{Name: stem.Accompaniment, Bands: []Band{
				{LowHz: 0, HighHz: 200, Weight: 1.0},
				{LowHz: 200, HighHz: 8000, Weight: 0.5},
				{LowHz: 8000, HighHz: 22050, Weight: 1.0},
			}},
		},
	},
	BuiltinFourStems: {
		Name: BuiltinFourStems,
		Stems: []StemBands{
			{Name: stem.Vocals, Bands: []Band{
				{LowHz: 250, HighHz: 1100, Weight: 0.7},
				{LowHz: 1100, HighHz: 7000, Weight: 1.0},
			}},
			{Name: stem.Drums, Bands: []Band{
				{LowHz: 40, HighHz: 220, Weight: 0.6},
				{LowHz: 2500, HighHz: 16000, Weight: 0.6},
				{LowHz: 8000, HighHz: 22050, Weight: 0.9},
			}},
			{Name: stem.Bass, Bands: []Band{
				{LowHz: 0, HighHz: 120, Weight: 1.0},
				{LowHz: 120, HighHz: 400, Weight: 0.7},
			}},
			{Name: stem.Other, Bands: []Band{
				{LowHz: 120, HighHz: 10000, Weight: 0.4},
			}},
		},
	},
	BuiltinFiveStems: {
		Name: BuiltinFiveStems,
		Stems: []StemBands{
			{Name: stem.Vocals, Bands: []Band{
				{LowHz: 250, HighHz: 1100, Weight: 0.7},
				{LowHz: 1100, HighHz: 7000, Weight: 1.0},
			}},
			{Name: stem.Drums, Bands: []Band{
				{LowHz: 40, HighHz: 220, Weight: 0.6},
				{LowHz: 8000, HighHz: 22050, Weight: 0.9},
			}},
			{Name: stem.Bass, Bands: []Band{
				{LowHz: 0, HighHz: 120, Weight: 1.0},
				{LowHz: 120, HighHz: 400, Weight: 0.7},
			}},
			{Name: stem.Piano, Bands: []Band{
				{LowHz: 27, HighHz: 4200, Weight: 0.5},
			}},
			{Name: stem.Other, Bands: []Band{
				{LowHz: 120, HighHz: 10000, Weight: 0.4},
			}},
		},
	},
}

// Builtin returns a built-in model handle by id.
func Builtin(id string) (Handle, error) {
	def, ok := builtinDefs[id]
	if !ok {
		return nil, errors.Mark(errors.Newf("model: no builtin %q", id), ErrNotFound)
	}
	return New(def)
}

// BuiltinIDs lists the built-in model ids in stem-count order.
func BuiltinIDs() []string {
	return []string{BuiltinTwoStems, BuiltinFourStems, BuiltinFiveStems}
}
