// Package wallpaper owns the per-output state machines and ties the
// pipelines together: configuration in, rendered buffers out.
package wallpaper

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math/rand"
	"path/filepath"
	"strings"
	"time"

	"github.com/driftbg/driftbg/internal/animate"
	"github.com/driftbg/driftbg/internal/compositor"
	"github.com/driftbg/driftbg/internal/config"
	"github.com/driftbg/driftbg/internal/convert"
	"github.com/driftbg/driftbg/internal/imgsource"
	"github.com/driftbg/driftbg/internal/loop"
	"github.com/driftbg/driftbg/internal/queue"
	"github.com/driftbg/driftbg/internal/render"
	"github.com/driftbg/driftbg/internal/shmpool"
)

// retryDelay is how long a render waits for a buffer when the pool is
// exhausted before trying again. Deferred, never dropped.
const retryDelay = 50 * time.Millisecond

// OutputState is the lifecycle of one display's wallpaper.
type OutputState int

const (
	// StateUnconfigured: output known, surface not yet acked.
	StateUnconfigured OutputState = iota
	// StateSizing: geometry and scale known, awaiting first configure.
	StateSizing
	// StateReady: configured and idle or presenting.
	StateReady
	// StateRendering: a render is in flight.
	StateRendering
	// StateRemoved: terminal; all resources torn down.
	StateRemoved
)

func (s OutputState) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateSizing:
		return "sizing"
	case StateReady:
		return "ready"
	case StateRendering:
		return "rendering"
	case StateRemoved:
		return "removed"
	default:
		return fmt.Sprintf("OutputState(%d)", int(s))
	}
}

// Deps are the collaborators an Output needs. All callbacks arrive on
// the event loop goroutine.
type Deps struct {
	Loop    *loop.Loop
	Cache   *convert.Cache
	Builder animate.Builder
	RNG     *rand.Rand
	// OnCommitted is invoked after a slideshow image is presented, for
	// state persistence.
	OnCommitted func(output, path string)
}

// Output is the state machine for one display. Every method runs on the
// event loop goroutine; workers communicate back via posted closures.
type Output struct {
	info    compositor.OutputInfo
	surface compositor.Surface
	pool    *shmpool.Pool
	deps    Deps
	ctx     context.Context

	state      OutputState
	entry      config.Entry
	queue      *queue.Queue
	session    *animate.Session
	current    string // path currently presented or being rendered
	configured bool

	// entrySeq guards slideshow ticks: bumped only when the entry
	// changes, so a tick racing a config change is discarded.
	entrySeq uint64
	// renderGen guards render results: bumped per render, late
	// completions compare and discard.
	renderGen    uint64
	renderCancel context.CancelFunc
	rotateTimer  *time.Timer
}

// NewOutput builds the state machine for a new display.
func NewOutput(ctx context.Context, info compositor.OutputInfo, surface compositor.Surface, deps Deps) *Output {
	return &Output{
		info:    info,
		surface: surface,
		pool:    shmpool.New(surface, info.Name, 2),
		deps:    deps,
		ctx:     ctx,
		state:   StateUnconfigured,
	}
}

// State returns the current lifecycle state.
func (o *Output) State() OutputState { return o.state }

// Name returns the compositor-side output name.
func (o *Output) Name() string { return o.info.Name }

// Current returns the path being presented, if any.
func (o *Output) Current() string { return o.current }

// SourceDir returns the slideshow directory, or "" for single sources.
func (o *Output) SourceDir() string {
	if o.entry.Source.Kind == config.SourcePath && o.queue != nil {
		return o.entry.Source.Path
	}
	return ""
}

// HandleInfoChanged applies new geometry or scale. The buffer geometry
// follows on the next configure; a re-render is kicked immediately if
// the physical size changed.
func (o *Output) HandleInfoChanged(info compositor.OutputInfo) {
	if o.state == StateRemoved {
		return
	}
	oldW, oldH := o.info.PhysicalSize()
	o.info = info
	newW, newH := info.PhysicalSize()
	if o.configured && (oldW != newW || oldH != newH) {
		slog.Info("wallpaper: output geometry changed",
			"output", o.info.Name, "physical", fmt.Sprintf("%dx%d", newW, newH))
		o.applySize()
		o.refresh()
	}
}

// HandleConfigured acks the surface at a logical size and moves the
// output to Ready, kicking the first render.
func (o *Output) HandleConfigured(logicalW, logicalH int) {
	if o.state == StateRemoved {
		return
	}
	o.info.LogicalWidth = logicalW
	o.info.LogicalHeight = logicalH
	first := !o.configured
	o.configured = true
	o.applySize()
	if first {
		o.state = StateReady
		o.refresh()
	}
}

// applySize configures the pool for the current physical size.
// Animated sessions size their own buffers per frame.
func (o *Output) applySize() {
	w, h := o.info.PhysicalSize()
	if err := o.pool.Configure(w, h, o.info.Format()); err != nil {
		slog.Error("wallpaper: pool configure failed", "output", o.info.Name, "error", err)
	}
}

// HandleRelease returns a committed buffer to the pool.
func (o *Output) HandleRelease(id compositor.BufferID) {
	if o.state == StateRemoved {
		return
	}
	o.pool.Release(id)
}

// SetEntry applies a configuration entry. An in-flight render for the
// previous entry is cancelled; its late results are discarded by
// generation. resume is the persisted slideshow position, or "".
func (o *Output) SetEntry(e config.Entry, resume string) {
	if o.state == StateRemoved {
		return
	}
	o.entrySeq++
	o.stopPlayback()
	o.entry = e
	o.queue = nil
	o.current = ""

	if !o.configured {
		// Geometry and entry known, waiting on the configure ack.
		o.state = StateSizing
		return
	}

	switch e.Source.Kind {
	case config.SourceColor, config.SourceGradient:
		o.renderColor()
	case config.SourcePath:
		o.openPathSource(e.Source.Path, resume)
	}
}

// openPathSource stats the source off-loop: a file plays directly, a
// directory becomes a slideshow queue.
func (o *Output) openPathSource(path, resume string) {
	seq := o.entrySeq
	recursive := isSystemDir(path)
	o.deps.Loop.Go("scan "+path, func(ctx context.Context) error {
		paths, scanErr := imgsource.Scan(path, recursive)
		o.deps.Loop.Post(func() {
			if seq != o.entrySeq || o.state == StateRemoved {
				return
			}
			if scanErr != nil {
				// Not a directory (or unreadable): treat as a file.
				o.showPath(path)
				return
			}
			o.installQueue(paths, resume)
		})
		return nil
	})
}

// isSystemDir reports whether dir sits under a standard backgrounds
// root. System collections nest by theme, so they scan recursively.
func isSystemDir(dir string) bool {
	for _, root := range imgsource.SystemDirs() {
		if dir == root || strings.HasPrefix(dir, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (o *Output) installQueue(paths []string, resume string) {
	o.queue = queue.New(paths, o.entry.SamplingMethod, o.deps.RNG)
	if resume != "" {
		o.queue.RotateTo(resume)
	}
	if cur, ok := o.queue.Current(); ok {
		o.showPath(cur)
	} else {
		slog.Warn("wallpaper: slideshow directory is empty",
			"output", o.info.Name, "dir", o.entry.Source.Path)
		o.renderFallback()
	}
	// Armed even when the queue is empty or short: the watcher can grow
	// it at any time and rotation must pick up then.
	o.scheduleRotation()
}

// HandleDirEvent applies watcher mutations to the slideshow queue.
// Removing the current selection advances and reloads immediately.
func (o *Output) HandleDirEvent(added, removed []string) {
	if o.state == StateRemoved || o.queue == nil {
		return
	}
	o.queue.Add(added...)
	if o.current == "" && len(added) > 0 {
		// The queue was empty and the fallback is up; show the first
		// arrival right away instead of waiting out a rotation period.
		if next, ok := o.queue.Current(); ok {
			o.showPath(next)
		}
	}
	if o.queue.Remove(removed...) {
		if next, ok := o.queue.Current(); ok {
			o.showPath(next)
		} else {
			o.current = ""
			o.renderFallback()
		}
	}
}

// HandleConverted reacts to a finished transcode: if the converted
// source is what this output is playing, the session restarts so
// playback moves onto the hardware-friendly artifact.
func (o *Output) HandleConverted(source string) {
	if o.state == StateRemoved || o.current != source {
		return
	}
	slog.Info("wallpaper: switching to converted artifact",
		"output", o.info.Name, "source", source)
	o.showPath(source)
}

// Remove tears the output down. Terminal: in-flight renders are
// cancelled and their results discarded before any commit.
func (o *Output) Remove() {
	if o.state == StateRemoved {
		return
	}
	o.state = StateRemoved
	o.entrySeq++
	o.stopPlayback()
	o.pool.Destroy()
	o.surface.Destroy()
	slog.Info("wallpaper: output removed", "output", o.info.Name)
}

func (o *Output) stopPlayback() {
	o.renderGen++
	if o.renderCancel != nil {
		o.renderCancel()
		o.renderCancel = nil
	}
	if o.rotateTimer != nil {
		o.rotateTimer.Stop()
		o.rotateTimer = nil
	}
	if o.session != nil {
		if err := o.session.Stop(); err != nil {
			slog.Warn("wallpaper: session stop", "output", o.info.Name, "error", err)
		}
		o.session = nil
	}
}

// refresh re-renders whatever the entry currently selects.
func (o *Output) refresh() {
	switch o.entry.Source.Kind {
	case config.SourceColor, config.SourceGradient:
		o.renderColor()
	case config.SourcePath:
		if o.queue != nil {
			if cur, ok := o.queue.Current(); ok {
				o.showPath(cur)
			}
		} else if o.current != "" {
			o.showPath(o.current)
		} else {
			o.openPathSource(o.entry.Source.Path, "")
		}
	}
}

// showPath presents one source file: animated formats go through a
// playback session, stills through the static pipeline.
func (o *Output) showPath(path string) {
	o.current = path
	switch {
	case animate.IsAnimatedStillPath(path):
		o.startSession(path, path)
	case animate.IsVideoPath(path):
		o.resolveAndStart(path)
	default:
		o.renderStatic(path)
	}
}

// scheduleRotation arms the slideshow timer whenever a queue exists and
// rotation is enabled, regardless of queue length. A tick carries the
// entry sequence it was armed under; a config change in the same loop
// iteration wins and the stale tick is discarded.
func (o *Output) scheduleRotation() {
	if o.rotateTimer != nil {
		o.rotateTimer.Stop()
		o.rotateTimer = nil
	}
	if o.queue == nil || o.entry.RotationFrequency <= 0 {
		return
	}
	seq := o.entrySeq
	o.rotateTimer = time.AfterFunc(o.entry.RotationPeriod(), func() {
		o.deps.Loop.Post(func() { o.rotateTick(seq) })
	})
}

func (o *Output) rotateTick(seq uint64) {
	if seq != o.entrySeq || o.state == StateRemoved || o.queue == nil {
		return
	}
	// Advancing needs at least two entries; a short queue skips the
	// advance but stays armed, since the directory may fill up again.
	if o.queue.Len() >= 2 {
		if next, ok := o.queue.Advance(); ok {
			o.showPath(next)
		}
	}
	o.scheduleRotation()
}

// beginRender cancels the previous render and returns the generation
// and context for the new one.
func (o *Output) beginRender() (uint64, context.Context) {
	o.renderGen++
	if o.renderCancel != nil {
		o.renderCancel()
	}
	if o.session != nil {
		o.session.Stop()
		o.session = nil
	}
	ctx, cancel := context.WithCancel(o.ctx)
	o.renderCancel = cancel
	o.state = StateRendering
	return o.renderGen, ctx
}

// renderStatic decodes and scales on a worker, then composites and
// commits back on the loop.
func (o *Output) renderStatic(path string) {
	gen, ctx := o.beginRender()
	w, h := o.info.PhysicalSize()
	entry := o.entry

	o.deps.Loop.Go("render "+path, func(jobCtx context.Context) error {
		img, err := render.Load(ctx, path)
		if err != nil {
			o.deps.Loop.Post(func() { o.renderFailed(gen, path, err) })
			return nil
		}
		scaled := render.Scale(img, entry.ScalingMode, entry.FitColor, w, h, entry.FilterMethod)
		if ctx.Err() != nil {
			// Superseded mid-scale: discard, no partial buffer writes.
			return nil
		}
		o.deps.Loop.Post(func() { o.presentImage(gen, scaled, path) })
		return nil
	})
}

// renderColor fills with the entry's solid color or gradient.
func (o *Output) renderColor() {
	gen, ctx := o.beginRender()
	w, h := o.info.PhysicalSize()
	src := o.entry.Source

	o.deps.Loop.Go("render color", func(context.Context) error {
		var img *image.RGBA
		if src.Kind == config.SourceGradient {
			img = render.Gradient(src.Gradient, w, h)
		} else {
			img = render.Solid(src.Color, w, h)
		}
		if ctx.Err() != nil {
			return nil
		}
		o.deps.Loop.Post(func() { o.presentImage(gen, img, "") })
		return nil
	})
}

// renderFallback paints a solid color when nothing else can be shown.
func (o *Output) renderFallback() {
	gen, _ := o.beginRender()
	w, h := o.info.PhysicalSize()
	img := render.Solid([3]float32{0.15, 0.15, 0.15}, w, h)
	o.presentImage(gen, img, "")
}

// renderFailed routes a pipeline error: unsupported formats fall back
// to a solid fill, decode errors keep the current image, cancellations
// are silent.
func (o *Output) renderFailed(gen uint64, path string, err error) {
	if gen != o.renderGen || o.state == StateRemoved {
		return
	}
	switch {
	case errors.Is(err, context.Canceled):
	case errors.Is(err, render.ErrUnsupported):
		slog.Warn("wallpaper: unsupported image, using solid fallback",
			"output", o.info.Name, "path", path)
		o.renderFallback()
	default:
		slog.Warn("wallpaper: render failed, keeping current image",
			"output", o.info.Name, "path", path, "error", err)
		o.state = StateReady
	}
}

// presentImage composites a finished frame into an idle buffer and
// commits. Pool exhaustion defers to the next tick rather than dropping
// the render. Late generations are discarded before any buffer write.
func (o *Output) presentImage(gen uint64, img *image.RGBA, path string) {
	if gen != o.renderGen || o.state == StateRemoved {
		return
	}
	b := img.Bounds()
	if err := o.pool.Configure(b.Dx(), b.Dy(), o.info.Format()); err != nil {
		slog.Error("wallpaper: pool configure failed", "output", o.info.Name, "error", err)
		o.state = StateReady
		return
	}
	buf, err := o.pool.Acquire()
	if errors.Is(err, shmpool.ErrBusy) {
		time.AfterFunc(retryDelay, func() {
			o.deps.Loop.Post(func() { o.presentImage(gen, img, path) })
		})
		return
	}
	if err != nil {
		slog.Error("wallpaper: buffer acquire failed", "output", o.info.Name, "error", err)
		o.state = StateReady
		return
	}
	if err := render.CompositeInto(buf.Canvas(), buf.Stride, buf.Format, img); err != nil {
		slog.Error("wallpaper: composite failed", "output", o.info.Name, "error", err)
		o.state = StateReady
		return
	}
	o.commit(buf)
	o.state = StateReady
	if path != "" && o.deps.OnCommitted != nil {
		o.deps.OnCommitted(o.info.Name, path)
	}
}

// commit applies the viewport and hands the buffer to the compositor.
func (o *Output) commit(buf *shmpool.Buffer) {
	srcX, srcY, srcW, srcH, dstW, dstH := CalculateViewport(
		buf.Width, buf.Height,
		o.info.LogicalWidth, o.info.LogicalHeight,
		o.entry.ScalingMode,
	)
	o.surface.SetViewportSource(srcX, srcY, srcW, srcH)
	o.surface.SetViewportDestination(dstW, dstH)
	if err := o.pool.Commit(buf); err != nil {
		slog.Error("wallpaper: commit failed", "output", o.info.Name, "error", err)
	}
}

// resolveAndStart consults the conversion cache off-loop (the codec
// probe does IO), then starts playback on whatever path it picked.
func (o *Output) resolveAndStart(path string) {
	gen, _ := o.beginRender()
	o.deps.Loop.Go("resolve "+path, func(context.Context) error {
		playPath := path
		if o.deps.Cache != nil {
			res := o.deps.Cache.Resolve(path)
			if res.Decision == convert.PlayCached {
				playPath = res.Path
			}
		}
		o.deps.Loop.Post(func() {
			if gen != o.renderGen || o.state == StateRemoved {
				return
			}
			o.startSession(path, playPath)
		})
		return nil
	})
}

// startSession launches an animated playback session. source is the
// configured path (for bookkeeping), playPath what actually decodes.
func (o *Output) startSession(source, playPath string) {
	gen, ctx := o.beginRender()
	w, h := o.info.PhysicalSize()

	session, err := animate.NewSession(animate.SessionConfig{
		Path:     playPath,
		Width:    w,
		Height:   h,
		Settings: o.entry.Animation,
		Builder:  o.deps.Builder,
		OnFrame: func(f animate.Frame) {
			o.deps.Loop.Post(func() { o.presentFrame(gen, f) })
		},
		OnError: func(err error) {
			o.deps.Loop.Post(func() { o.sessionFailed(gen, source, err) })
		},
	})
	if err != nil {
		slog.Warn("wallpaper: session create failed", "output", o.info.Name, "error", err)
		o.renderFallback()
		return
	}
	if err := session.Start(ctx); err != nil {
		slog.Warn("wallpaper: session start failed",
			"output", o.info.Name, "path", playPath, "error", err)
		o.renderFallback()
		return
	}
	o.session = session
	o.current = source
	if o.deps.OnCommitted != nil {
		o.deps.OnCommitted(o.info.Name, source)
	}
}

// sessionFailed is the static error path after every tier gave up.
func (o *Output) sessionFailed(gen uint64, source string, err error) {
	if gen != o.renderGen || o.state == StateRemoved {
		return
	}
	slog.Warn("wallpaper: playback failed, using solid fallback",
		"output", o.info.Name, "path", source, "error", err)
	o.renderFallback()
}

// presentFrame commits one animated frame. Animated frames are
// droppable (the next one is close behind), so pool exhaustion skips
// instead of deferring.
func (o *Output) presentFrame(gen uint64, f animate.Frame) {
	if gen != o.renderGen || o.state == StateRemoved {
		if f.External != nil {
			f.External.Close()
		}
		return
	}

	if f.External != nil {
		srcX, srcY, srcW, srcH, dstW, dstH := CalculateViewport(
			f.Width, f.Height, o.info.LogicalWidth, o.info.LogicalHeight, o.entry.ScalingMode)
		o.surface.SetViewportSource(srcX, srcY, srcW, srcH)
		o.surface.SetViewportDestination(dstW, dstH)
		if err := o.surface.AttachExternal(f.External); err != nil {
			slog.Warn("wallpaper: external attach failed", "output", o.info.Name, "error", err)
			return
		}
		o.surface.Damage(0, 0, o.info.LogicalWidth, o.info.LogicalHeight)
		if err := o.surface.Commit(); err != nil {
			slog.Warn("wallpaper: external commit failed", "output", o.info.Name, "error", err)
		}
		return
	}

	// CPU frames commit through the pool at the frame's own size; the
	// viewport scales to the surface.
	if err := o.pool.Configure(f.Width, f.Height, compositor.FormatXRGB8888); err != nil {
		slog.Error("wallpaper: pool configure failed", "output", o.info.Name, "error", err)
		return
	}
	buf, err := o.pool.Acquire()
	if err != nil {
		if !errors.Is(err, shmpool.ErrBusy) {
			slog.Warn("wallpaper: frame acquire failed", "output", o.info.Name, "error", err)
		}
		return
	}
	switch {
	case f.Image != nil:
		err = render.CompositeInto(buf.Canvas(), buf.Stride, buf.Format, f.Image)
	case f.Data != nil:
		err = render.CopyBGRX(buf.Canvas(), buf.Stride, f.Data, f.Width, f.Height)
	default:
		return
	}
	if err != nil {
		slog.Warn("wallpaper: frame composite failed", "output", o.info.Name, "error", err)
		return
	}
	o.commit(buf)
}
