package mix

import (
	"testing"

	"github.com/cwbudde/stemlive/internal/testutil"
	"github.com/cwbudde/stemlive/stem"
)

func TestNewConfigNeutral(t *testing.T) {
	c := NewConfig(stem.FourStems)
	for _, name := range stem.FourStems {
		if g := c.Gain(name); g != 1 {
			t.Errorf("Gain(%q) = %v, want 1", name, g)
		}
		if c.Muted(name) || c.Soloed(name) {
			t.Errorf("stem %q unexpectedly muted or soloed", name)
		}
		if g := c.EffectiveGain(name); g != 1 {
			t.Errorf("EffectiveGain(%q) = %v, want 1", name, g)
		}
	}
	if c.KeyShift() != 0 {
		t.Errorf("KeyShift = %d, want 0", c.KeyShift())
	}
	if c.TempoFactor() != 1 {
		t.Errorf("TempoFactor = %v, want 1", c.TempoFactor())
	}
}

func TestConfigValidation(t *testing.T) {
	c := NewConfig(stem.FourStems)
	if _, err := c.WithGain("strings", 0.5); err == nil {
		t.Error("WithGain on unknown stem: expected error")
	}
	if _, err := c.WithGain(stem.Vocals, 1.5); err == nil {
		t.Error("WithGain(1.5): expected error")
	}
	if _, err := c.WithGain(stem.Vocals, -0.1); err == nil {
		t.Error("WithGain(-0.1): expected error")
	}
	if _, err := c.WithKeyShift(13); err == nil {
		t.Error("WithKeyShift(13): expected error")
	}
	if _, err := c.WithTempoFactor(2.5); err == nil {
		t.Error("WithTempoFactor(2.5): expected error")
	}
	if _, err := c.WithMute("strings", true); err == nil {
		t.Error("WithMute on unknown stem: expected error")
	}
}

func TestConfigSnapshotsDoNotAlias(t *testing.T) {
	base := NewConfig(stem.FourStems)
	next, err := base.WithGain(stem.Drums, 0.25)
	if err != nil {
		t.Fatalf("WithGain: %v", err)
	}
	if base.Gain(stem.Drums) != 1 {
		t.Fatalf("base snapshot mutated: Gain(drums) = %v", base.Gain(stem.Drums))
	}
	if next.Gain(stem.Drums) != 0.25 {
		t.Fatalf("derived snapshot Gain(drums) = %v, want 0.25", next.Gain(stem.Drums))
	}
}

func TestEffectiveGainSoloRule(t *testing.T) {
	apply := func(t *testing.T, c *Config, f func(*Config) (*Config, error)) *Config {
		t.Helper()
		next, err := f(c)
		if err != nil {
			t.Fatalf("config op: %v", err)
		}
		return next
	}

	tests := []struct {
		name  string
		build func(t *testing.T) *Config
		want  map[stem.Name]float64
	}{
		{
			name: "mute without solo silences",
			build: func(t *testing.T) *Config {
				c := NewConfig(stem.FourStems)
				c = apply(t, c, func(c *Config) (*Config, error) { return c.WithMute(stem.Drums, true) })
				return apply(t, c, func(c *Config) (*Config, error) { return c.WithGain(stem.Bass, 0.5) })
			},
			want: map[stem.Name]float64{stem.Vocals: 1, stem.Drums: 0, stem.Bass: 0.5, stem.Other: 1},
		},
		{
			name: "solo silences every other stem",
			build: func(t *testing.T) *Config {
				c := NewConfig(stem.FourStems)
				return apply(t, c, func(c *Config) (*Config, error) { return c.WithSolo(stem.Vocals, true) })
			},
			want: map[stem.Name]float64{stem.Vocals: 1, stem.Drums: 0, stem.Bass: 0, stem.Other: 0},
		},
		{
			name: "solo wins over the soloed stem's own mute",
			build: func(t *testing.T) *Config {
				c := NewConfig(stem.FourStems)
				c = apply(t, c, func(c *Config) (*Config, error) { return c.WithSolo(stem.Vocals, true) })
				c = apply(t, c, func(c *Config) (*Config, error) { return c.WithMute(stem.Vocals, true) })
				return apply(t, c, func(c *Config) (*Config, error) { return c.WithGain(stem.Vocals, 0.7) })
			},
			want: map[stem.Name]float64{stem.Vocals: 0.7, stem.Drums: 0, stem.Bass: 0, stem.Other: 0},
		},
		{
			name: "two solos keep both, others silent",
			build: func(t *testing.T) *Config {
				c := NewConfig(stem.FourStems)
				c = apply(t, c, func(c *Config) (*Config, error) { return c.WithSolo(stem.Drums, true) })
				return apply(t, c, func(c *Config) (*Config, error) { return c.WithSolo(stem.Bass, true) })
			},
			want: map[stem.Name]float64{stem.Vocals: 0, stem.Drums: 1, stem.Bass: 1, stem.Other: 0},
		},
		{
			name: "clearing the last solo restores mute semantics",
			build: func(t *testing.T) *Config {
				c := NewConfig(stem.FourStems)
				c = apply(t, c, func(c *Config) (*Config, error) { return c.WithSolo(stem.Drums, true) })
				c = apply(t, c, func(c *Config) (*Config, error) { return c.WithMute(stem.Other, true) })
				return apply(t, c, func(c *Config) (*Config, error) { return c.WithSolo(stem.Drums, false) })
			},
			want: map[stem.Name]float64{stem.Vocals: 1, stem.Drums: 1, stem.Bass: 1, stem.Other: 0},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := tc.build(t)
			for name, want := range tc.want {
				if got := c.EffectiveGain(name); got != want {
					t.Errorf("EffectiveGain(%q) = %v, want %v", name, got, want)
				}
			}
		})
	}
}

func TestMixSumsWithGains(t *testing.T) {
	m, err := NewMixer(stem.TwoStems)
	if err != nil {
		t.Fatalf("NewMixer: %v", err)
	}
	stems := stem.Set{
		stem.Vocals:        testutil.DC(0.25, 100),
		stem.Accompaniment: testutil.DC(0.5, 100),
	}
	cfg := NewConfig(stem.TwoStems)
	cfg, err = cfg.WithGain(stem.Accompaniment, 0.5)
	if err != nil {
		t.Fatalf("WithGain: %v", err)
	}
	out, err := m.Mix(stems, cfg)
	if err != nil {
		t.Fatalf("Mix: %v", err)
	}
	testutil.RequireSliceNearlyEqual(t, out, testutil.DC(0.5, 100), 1e-12)
}

func TestMixSaturatingClip(t *testing.T) {
	m, err := NewMixer(stem.FourStems)
	if err != nil {
		t.Fatalf("NewMixer: %v", err)
	}
	stems := stem.Set{}
	for _, name := range stem.FourStems {
		stems[name] = testutil.DC(MaxAmplitude, 64)
	}
	out, err := m.Mix(stems, NewConfig(stem.FourStems))
	if err != nil {
		t.Fatalf("Mix: %v", err)
	}
	// Four full-scale stems sum to 4x and must clamp to exactly the
	// maximum, not wrap or scale.
	for i, v := range out {
		if v != MaxAmplitude {
			t.Fatalf("out[%d] = %v, want exactly %v", i, v, MaxAmplitude)
		}
	}

	for _, name := range stem.FourStems {
		for i := range stems[name] {
			stems[name][i] = -MaxAmplitude
		}
	}
	out, err = m.Mix(stems, NewConfig(stem.FourStems))
	if err != nil {
		t.Fatalf("Mix: %v", err)
	}
	for i, v := range out {
		if v != -MaxAmplitude {
			t.Fatalf("out[%d] = %v, want exactly %v", i, v, -MaxAmplitude)
		}
	}
}

func TestMixRejectsBadInput(t *testing.T) {
	m, err := NewMixer(stem.TwoStems)
	if err != nil {
		t.Fatalf("NewMixer: %v", err)
	}
	cfg := NewConfig(stem.TwoStems)

	ragged := stem.Set{
		stem.Vocals:        make([]float64, 100),
		stem.Accompaniment: make([]float64, 99),
	}
	if _, err := m.Mix(ragged, cfg); err == nil {
		t.Error("Mix with ragged buffers: expected error")
	}

	missing := stem.Set{stem.Vocals: make([]float64, 100)}
	if _, err := m.Mix(missing, cfg); err == nil {
		t.Error("Mix with missing stem: expected error")
	}

	if _, err := m.Mix(stem.NewSet(stem.TwoStems, 100), NewConfig(stem.FourStems)); err == nil {
		t.Error("Mix with mismatched config vocabulary: expected error")
	}
}
