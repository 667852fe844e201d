package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeStore(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write store: %v", err)
	}
	return path
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.SameOnAll {
		t.Error("default config is not same-on-all")
	}
	e := cfg.EntryFor("DP-1")
	if e.ScalingMode != ScalingZoom || e.FilterMethod != FilterLanczos {
		t.Errorf("default entry = %s/%s, want zoom/lanczos", e.ScalingMode, e.FilterMethod)
	}
	if e.RotationFrequency != DefaultRotationSeconds {
		t.Errorf("default rotation = %d, want %d", e.RotationFrequency, DefaultRotationSeconds)
	}
}

func TestLoadMalformedFileIsAnError(t *testing.T) {
	path := writeStore(t, "outputs: [not a map\n")
	if _, err := Load(path); err == nil {
		t.Fatal("malformed store loaded without error")
	}
}

// TestSourceUnionForms exercises every on-disk shape of the source
// field: bare path string, color mapping, and gradient mapping.
func TestSourceUnionForms(t *testing.T) {
	path := writeStore(t, `
same-on-all: false
outputs:
  DP-1:
    source: /home/u/walls
  DP-2:
    source:
      color: [1.0, 0.5, 0.0]
  DP-3:
    source:
      gradient:
        colors: [[0.0, 0.0, 0.0], [1.0, 1.0, 1.0]]
        angle: 45
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if s := cfg.Outputs["DP-1"].Source; s.Kind != SourcePath || s.Path != "/home/u/walls" {
		t.Errorf("DP-1 source = %+v, want bare path", s)
	}
	if s := cfg.Outputs["DP-2"].Source; s.Kind != SourceColor || s.Color != [3]float32{1, 0.5, 0} {
		t.Errorf("DP-2 source = %+v, want color", s)
	}
	s := cfg.Outputs["DP-3"].Source
	if s.Kind != SourceGradient || len(s.Gradient.Colors) != 2 || s.Gradient.Angle != 45 {
		t.Errorf("DP-3 source = %+v, want two-stop gradient at 45", s)
	}
}

func TestNegativeRotationFallsBack(t *testing.T) {
	path := writeStore(t, `
same-on-all: true
all:
  source: /walls
  rotation-frequency: -5
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.All.RotationFrequency; got != FallbackRotationSeconds {
		t.Errorf("rotation = %d, want fallback %d", got, FallbackRotationSeconds)
	}
}

// TestAnimationLoopDefault checks the three shapes of the animation
// block: absent (loop on), present without loop (loop on), explicit
// loop off.
func TestAnimationLoopDefault(t *testing.T) {
	path := writeStore(t, `
same-on-all: false
outputs:
  DP-1:
    source: /walls/clip.mp4
  DP-2:
    source: /walls/clip.mp4
    animation:
      speed-factor: 2.0
  DP-3:
    source: /walls/clip.mp4
    animation:
      loop: false
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Outputs["DP-1"].Animation.Loop {
		t.Error("absent animation block disabled looping")
	}
	e := cfg.Outputs["DP-2"].Animation
	if !e.Loop || e.SpeedFactor != 2.0 {
		t.Errorf("partial animation block = %+v, want loop on at 2x", e)
	}
	if cfg.Outputs["DP-3"].Animation.Loop {
		t.Error("explicit loop: false was ignored")
	}
}

func TestEntryForFallsBackToAll(t *testing.T) {
	path := writeStore(t, `
same-on-all: false
all:
  source:
    color: [0.1, 0.2, 0.3]
outputs:
  DP-1:
    source: /walls
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if e := cfg.EntryFor("DP-1"); e.Source.Path != "/walls" {
		t.Errorf("known output entry = %+v, want its own source", e.Source)
	}
	e := cfg.EntryFor("HDMI-A-2")
	if e.Source.Kind != SourceColor {
		t.Errorf("unknown output entry = %+v, want the all entry", e.Source)
	}
	if e.Output != "HDMI-A-2" {
		t.Errorf("entry output = %s, want rebound to the asked output", e.Output)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	in := Default()
	in.SameOnAll = false
	in.Outputs = map[string]Entry{}
	e := Entry{
		Output:      "DP-1",
		Source:      Source{Kind: SourceGradient, Gradient: Gradient{Colors: [][3]float32{{0, 0, 0}, {1, 1, 1}}, Angle: 90}},
		ScalingMode: ScalingFit,
		FitColor:    [3]float32{0.2, 0.2, 0.2},
	}
	e.applyDefaults()
	in.Outputs["DP-1"] = e

	if err := Save(path, in); err != nil {
		t.Fatalf("Save: %v", err)
	}
	out, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := out.Outputs["DP-1"]
	if got.Source.Kind != SourceGradient || got.Source.Gradient.Angle != 90 {
		t.Errorf("round-tripped source = %+v", got.Source)
	}
	if got.ScalingMode != ScalingFit || got.FitColor != [3]float32{0.2, 0.2, 0.2} {
		t.Errorf("round-tripped entry = %+v", got)
	}
}

func TestStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yml")

	st, err := LoadState(path)
	if err != nil {
		t.Fatalf("LoadState on missing file: %v", err)
	}
	if len(st.Current) != 0 {
		t.Fatalf("missing state loaded as %v, want empty", st.Current)
	}

	st.Current["DP-1"] = "/walls/b.png"
	if err := SaveState(path, st); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	again, err := LoadState(path)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if again.Current["DP-1"] != "/walls/b.png" {
		t.Fatalf("round-tripped state = %v", again.Current)
	}
}
