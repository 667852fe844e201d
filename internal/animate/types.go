// Package animate plays animated wallpapers: videos through tiered
// GStreamer decode pipelines, GIFs through a CPU frame cache. Frames are
// delivered to the event loop, which owns compositing and commits.
package animate

import (
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"strings"
	"time"

	"github.com/driftbg/driftbg/internal/compositor"
)

// Tier is a decode path, ordered best to worst. The set is closed; tier
// selection logic switches over these variants exhaustively.
type Tier int

const (
	// TierVendorZeroCopy: vendor GPU decode with zero-copy export
	// (NVDEC + CUDA dma-buf).
	TierVendorZeroCopy Tier = iota + 1
	// TierVAAPIZeroCopy: VAAPI decode with dma-buf export.
	TierVAAPIZeroCopy
	// TierGPUCopy: GPU decode with a GPU-mediated copy into a shareable
	// handle (GL download path).
	TierGPUCopy
	// TierCPUFrames: hardware or software decode into CPU-visible BGRx
	// frames, committed through the shm buffer pool.
	TierCPUFrames
	// TierSoftware: full software decode. Always functional, never
	// preferred.
	TierSoftware
)

func (t Tier) String() string {
	switch t {
	case TierVendorZeroCopy:
		return "vendor-zero-copy"
	case TierVAAPIZeroCopy:
		return "vaapi-zero-copy"
	case TierGPUCopy:
		return "gpu-copy"
	case TierCPUFrames:
		return "cpu-frames"
	case TierSoftware:
		return "software"
	default:
		return fmt.Sprintf("Tier(%d)", int(t))
	}
}

// ZeroCopy reports whether frames from this tier attach without a CPU
// copy.
func (t Tier) ZeroCopy() bool {
	return t == TierVendorZeroCopy || t == TierVAAPIZeroCopy || t == TierGPUCopy
}

// State is the playback session lifecycle.
type State int

const (
	// StateProbing: enumerating and self-testing decode tiers.
	StateProbing State = iota
	// StatePiping: pipeline built, waiting for the first frame.
	StatePiping
	// StatePlaying: frames flowing.
	StatePlaying
	// StatePaused: pipeline held, resumable.
	StatePaused
	// StateStopped: EOS reached without looping; last frame held.
	// Resumable without a new probe.
	StateStopped
	// StateFailed: every tier exhausted.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateProbing:
		return "probing"
	case StatePiping:
		return "piping"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrNoTier means no decode tier survived the functional self-test.
	ErrNoTier = errors.New("animate: no functional decode tier")
	// ErrNotAnimated means the source is not an animated format.
	ErrNotAnimated = errors.New("animate: source is not animated")
)

// Frame is one decoded frame ready for presentation. CPU video tiers
// populate Data with tightly packed BGRx rows; zero-copy tiers populate
// External; animated stills populate Image at native size and rely on
// the surface viewport for scaling.
type Frame struct {
	Seq      uint64
	Width    int
	Height   int
	Data     []byte
	External compositor.ExternalBuffer
	Image    *image.RGBA
	Duration time.Duration
	TraceID  string
}

// PipelineEventKind discriminates pipeline notifications.
type PipelineEventKind int

const (
	// EventEOS: the source reached end of stream.
	EventEOS PipelineEventKind = iota
	// EventError: the pipeline failed; the session demotes the tier.
	EventError
)

// PipelineEvent is an out-of-band notification from a running pipeline.
type PipelineEvent struct {
	Kind PipelineEventKind
	Err  error
}

// Pipeline is a running decode pipeline.
//
// Contract:
//   - Frames() stays open until Close; delivery is non-blocking on the
//     pipeline side, the session's frame queue absorbs bursts
//   - Events() reports EOS and errors
//   - Restart() begins playback from the start without renegotiating
//     the tier (loop support)
//   - Close() is idempotent
type Pipeline interface {
	Start() error
	Pause() error
	Resume() error
	Restart() error
	Frames() <-chan Frame
	Events() <-chan PipelineEvent
	FrameDuration() time.Duration
	Close() error
}

// Builder probes and constructs decode pipelines. The GStreamer
// implementation lives in gst.go; tests substitute fakes.
type Builder interface {
	// Tiers returns candidate tiers for a source, best first.
	Tiers(path string) []Tier
	// SelfTest builds a short-lived pipeline for the tier and verifies
	// it reaches PAUSED within a bounded wait.
	SelfTest(tier Tier, path string) error
	// Build constructs the decode pipeline for the chosen tier.
	Build(tier Tier, path string, width, height int) (Pipeline, error)
}

// videoExtensions are containers that go through GStreamer tiers.
var videoExtensions = map[string]bool{
	".mp4": true, ".mkv": true, ".webm": true, ".avi": true, ".mov": true,
}

// IsVideoPath reports whether the path is a video container.
func IsVideoPath(path string) bool {
	return videoExtensions[strings.ToLower(filepath.Ext(path))]
}

// IsAnimatedStillPath reports whether the path is an animated still
// format, which bypasses the hardware tiers entirely.
func IsAnimatedStillPath(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".gif")
}
