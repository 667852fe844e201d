package config

import (
	"log/slog"
	"time"
)

// Default and fallback rotation periods, in seconds. An explicit zero or
// negative rotation-frequency in the store falls back to an hour rather
// than disabling the slideshow silently.
const (
	DefaultRotationSeconds  = 900
	FallbackRotationSeconds = 3600
)

// ScalingKind selects how an image is mapped onto an output.
type ScalingKind string

const (
	// ScalingZoom crops the image to the output aspect ratio, then
	// resizes so the output is fully covered. The default.
	ScalingZoom ScalingKind = "zoom"
	// ScalingFit resizes preserving aspect ratio and centers the result
	// over a border color.
	ScalingFit ScalingKind = "fit"
	// ScalingStretch resizes freely to the output dimensions.
	ScalingStretch ScalingKind = "stretch"
)

// FilterMethod selects the resampling kernel.
type FilterMethod string

const (
	FilterLanczos FilterMethod = "lanczos"
	FilterLinear  FilterMethod = "linear"
	FilterNearest FilterMethod = "nearest"
)

// SamplingMethod selects slideshow ordering.
type SamplingMethod string

const (
	SamplingAlphanumeric SamplingMethod = "alphanumeric"
	SamplingRandom       SamplingMethod = "random"
)

// SourceKind discriminates Source variants.
type SourceKind string

const (
	SourcePath     SourceKind = "path"
	SourceColor    SourceKind = "color"
	SourceGradient SourceKind = "gradient"
)

// Source is what an entry displays: a file, a directory (slideshow), a
// solid color, or a linear gradient. Exactly one variant is populated.
type Source struct {
	Kind     SourceKind
	Path     string
	Color    [3]float32
	Gradient Gradient
}

// Gradient is a linear multi-stop gradient. Angle is degrees
// counter-clockwise from the positive x axis.
type Gradient struct {
	Colors [][3]float32 `yaml:"colors"`
	Angle  float64      `yaml:"angle"`
}

// sourceYAML is the on-disk shape of Source.
type sourceYAML struct {
	Path     string      `yaml:"path,omitempty"`
	Color    *[3]float32 `yaml:"color,omitempty"`
	Gradient *Gradient   `yaml:"gradient,omitempty"`
}

// UnmarshalYAML accepts either a bare path string or the mapping form.
func (s *Source) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var path string
	if err := unmarshal(&path); err == nil && path != "" {
		*s = Source{Kind: SourcePath, Path: path}
		return nil
	}
	var raw sourceYAML
	if err := unmarshal(&raw); err != nil {
		return err
	}
	switch {
	case raw.Gradient != nil:
		*s = Source{Kind: SourceGradient, Gradient: *raw.Gradient}
	case raw.Color != nil:
		*s = Source{Kind: SourceColor, Color: *raw.Color}
	default:
		*s = Source{Kind: SourcePath, Path: raw.Path}
	}
	return nil
}

// MarshalYAML writes the compact form when possible.
func (s Source) MarshalYAML() (interface{}, error) {
	switch s.Kind {
	case SourceColor:
		c := s.Color
		return sourceYAML{Color: &c}, nil
	case SourceGradient:
		g := s.Gradient
		return sourceYAML{Gradient: &g}, nil
	default:
		return s.Path, nil
	}
}

// AnimationSettings tunes animated sources.
type AnimationSettings struct {
	// Loop restarts playback at EOS. When false the last frame is held.
	// Defaults to true.
	Loop bool
	// SpeedFactor scales the frame timer. 1.0 is native speed.
	SpeedFactor float64
	// FrameCacheSize bounds the in-memory frame cache used by GIF and
	// other CPU-decoded animations.
	FrameCacheSize int
}

type animationYAML struct {
	Loop           *bool   `yaml:"loop"`
	SpeedFactor    float64 `yaml:"speed-factor"`
	FrameCacheSize int     `yaml:"frame-cache-size"`
}

// UnmarshalYAML keeps Loop defaulting to true when the key is absent.
func (a *AnimationSettings) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw animationYAML
	if err := unmarshal(&raw); err != nil {
		return err
	}
	a.Loop = raw.Loop == nil || *raw.Loop
	a.SpeedFactor = raw.SpeedFactor
	a.FrameCacheSize = raw.FrameCacheSize
	return nil
}

// MarshalYAML writes the explicit form.
func (a AnimationSettings) MarshalYAML() (interface{}, error) {
	loop := a.Loop
	return animationYAML{Loop: &loop, SpeedFactor: a.SpeedFactor, FrameCacheSize: a.FrameCacheSize}, nil
}

// Entry configures the wallpaper for one output (or "all").
type Entry struct {
	Output            string            `yaml:"-"`
	Source            Source            `yaml:"source"`
	FilterByTheme     bool              `yaml:"filter-by-theme"`
	RotationFrequency int64             `yaml:"rotation-frequency"`
	FilterMethod      FilterMethod      `yaml:"filter-method"`
	ScalingMode       ScalingKind       `yaml:"scaling-mode"`
	FitColor          [3]float32        `yaml:"fit-color"`
	SamplingMethod    SamplingMethod    `yaml:"sampling-method"`
	Animation         AnimationSettings `yaml:"animation"`
}

// RotationPeriod returns the slideshow period as a duration.
func (e Entry) RotationPeriod() time.Duration {
	return time.Duration(e.RotationFrequency) * time.Second
}

func (e *Entry) applyDefaults() {
	if e.Source.Kind == "" {
		e.Source = Source{Kind: SourcePath, Path: "/usr/share/backgrounds"}
	}
	switch e.RotationFrequency {
	case 0:
		e.RotationFrequency = DefaultRotationSeconds
	default:
		if e.RotationFrequency < 0 {
			slog.Warn("config: invalid rotation-frequency, using fallback",
				"output", e.Output,
				"value", e.RotationFrequency,
				"fallback_s", FallbackRotationSeconds)
			e.RotationFrequency = FallbackRotationSeconds
		}
	}
	switch e.FilterMethod {
	case FilterLanczos, FilterLinear, FilterNearest:
	default:
		e.FilterMethod = FilterLanczos
	}
	switch e.ScalingMode {
	case ScalingZoom, ScalingFit, ScalingStretch:
	default:
		e.ScalingMode = ScalingZoom
	}
	switch e.SamplingMethod {
	case SamplingAlphanumeric, SamplingRandom:
	default:
		e.SamplingMethod = SamplingAlphanumeric
	}
	if e.Animation == (AnimationSettings{}) {
		// Key absent entirely: UnmarshalYAML never ran.
		e.Animation.Loop = true
	}
	if e.Animation.SpeedFactor <= 0 {
		e.Animation.SpeedFactor = 1.0
	}
	if e.Animation.FrameCacheSize <= 0 {
		e.Animation.FrameCacheSize = 64
	}
}
