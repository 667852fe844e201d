package wallpaper

import (
	"context"
	"image"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/driftbg/driftbg/internal/compositor"
	"github.com/driftbg/driftbg/internal/config"
	"github.com/driftbg/driftbg/internal/loop"
)

// harness runs one Output against the fake compositor with a live event
// loop. Output methods are driven through run, which executes on the
// loop goroutine as production code does.
type harness struct {
	t       *testing.T
	loop    *loop.Loop
	fake    *compositor.Fake
	surface *compositor.FakeSurface
	out     *Output
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	l := loop.New(ctx, 2)
	go l.Run(ctx)

	fake := compositor.NewFake()
	fake.AutoRelease = true
	surface, err := fake.CreateSurface("HDMI-A-1")
	if err != nil {
		t.Fatalf("create surface: %v", err)
	}
	info := compositor.OutputInfo{
		Name:          "HDMI-A-1",
		LogicalWidth:  64,
		LogicalHeight: 32,
		Scale:         1,
	}
	out := NewOutput(ctx, info, surface, Deps{
		Loop: l,
		RNG:  rand.New(rand.NewSource(1)),
	})

	// Forward buffer releases the way the manager does.
	go func() {
		for ev := range fake.Events() {
			if rel, ok := ev.(compositor.BufferReleased); ok {
				l.Post(func() { out.HandleRelease(rel.Buffer) })
			}
		}
	}()

	return &harness{t: t, loop: l, fake: fake, surface: fake.Surface("HDMI-A-1"), out: out}
}

// run executes fn on the loop goroutine and waits for it.
func (h *harness) run(fn func()) {
	h.t.Helper()
	done := make(chan struct{})
	if err := h.loop.PostControl(func() { fn(); close(done) }); err != nil {
		h.t.Fatalf("post: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		h.t.Fatal("loop closure did not run")
	}
}

// waitFor polls cond on the loop goroutine until it holds.
func (h *harness) waitFor(what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var ok bool
		h.run(func() { ok = cond() })
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("timed out waiting for %s", what)
}

func colorEntry(c [3]float32) config.Entry {
	return config.Entry{
		Source:            config.Source{Kind: config.SourceColor, Color: c},
		FilterMethod:      config.FilterLanczos,
		ScalingMode:       config.ScalingZoom,
		SamplingMethod:    config.SamplingAlphanumeric,
		RotationFrequency: 3600,
		Animation:         config.AnimationSettings{Loop: true, SpeedFactor: 1, FrameCacheSize: 4},
	}
}

func writePNG(t *testing.T, dir, name string) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode %s: %v", name, err)
	}
	return path
}

// TestColorEntryCommitsOnConfigure walks the happy path: entry set
// before the first configure, the commit lands once geometry is known,
// and the committed pixels carry the configured color.
func TestColorEntryCommitsOnConfigure(t *testing.T) {
	h := newHarness(t)

	h.run(func() { h.out.SetEntry(colorEntry([3]float32{1, 0, 0}), "") })
	h.run(func() {
		if h.out.State() != StateSizing {
			t.Errorf("state before configure = %v, want sizing", h.out.State())
		}
		if len(h.surface.Commits) != 0 {
			t.Errorf("%d commits before configure, want 0", len(h.surface.Commits))
		}
	})

	h.run(func() { h.out.HandleConfigured(64, 32) })
	h.waitFor("first commit", func() bool { return len(h.surface.Commits) >= 1 })

	h.run(func() {
		id := h.surface.Commits[len(h.surface.Commits)-1]
		px := h.surface.Pixels(id)
		// XRGB8888 little-endian: b, g, r, x.
		if px[0] != 0 || px[1] != 0 || px[2] != 255 {
			t.Errorf("committed pixel = %v, want red", px[:4])
		}
		if h.out.State() != StateReady {
			t.Errorf("state after commit = %v, want ready", h.out.State())
		}
	})
}

// TestEntryChangeSupersedesInFlight sets two entries back to back in
// one loop turn. The first render is cancelled by generation, so only
// the second color ever reaches the compositor.
func TestEntryChangeSupersedesInFlight(t *testing.T) {
	h := newHarness(t)
	h.run(func() { h.out.HandleConfigured(64, 32) })

	h.run(func() {
		h.out.SetEntry(colorEntry([3]float32{1, 0, 0}), "")
		h.out.SetEntry(colorEntry([3]float32{0, 0, 1}), "")
	})
	h.waitFor("blue commit", func() bool {
		for _, id := range h.surface.Commits {
			px := h.surface.Pixels(id)
			if px != nil && px[0] == 255 {
				return true
			}
		}
		return false
	})

	h.run(func() {
		for _, id := range h.surface.Commits {
			px := h.surface.Pixels(id)
			if px != nil && px[2] == 255 && px[0] == 0 {
				t.Error("superseded red render reached the compositor")
			}
		}
	})
}

// TestRemoveDiscardsLateRenders removes the output while its first
// render is in flight. The late completion must be dropped before any
// buffer write; the surface sees a destroy and never a commit.
func TestRemoveDiscardsLateRenders(t *testing.T) {
	h := newHarness(t)
	h.run(func() { h.out.HandleConfigured(64, 32) })

	h.run(func() {
		h.out.SetEntry(colorEntry([3]float32{0, 1, 0}), "")
		h.out.Remove()
	})

	// Give the worker time to post its (discarded) completion.
	time.Sleep(100 * time.Millisecond)
	h.run(func() {
		if len(h.surface.Commits) != 0 {
			t.Errorf("%d commits after removal, want 0", len(h.surface.Commits))
		}
		if !h.surface.Destroyed {
			t.Error("surface not destroyed")
		}
		if h.out.State() != StateRemoved {
			t.Errorf("state = %v, want removed", h.out.State())
		}
	})
}

// TestSlideshowAdvancesWhenCurrentRemoved builds a two-image slideshow
// from real files, then reports the current image as deleted. The
// output must reload the next image immediately.
func TestSlideshowAdvancesWhenCurrentRemoved(t *testing.T) {
	dir := t.TempDir()
	a := writePNG(t, dir, "a.png")
	b := writePNG(t, dir, "b.png")

	entry := colorEntry([3]float32{})
	entry.Source = config.Source{Kind: config.SourcePath, Path: dir}

	h := newHarness(t)
	h.run(func() { h.out.HandleConfigured(64, 32) })
	h.run(func() { h.out.SetEntry(entry, "") })

	h.waitFor("first slideshow commit", func() bool { return len(h.surface.Commits) >= 1 })
	h.run(func() {
		if h.out.Current() != a {
			t.Fatalf("current = %s, want %s", h.out.Current(), a)
		}
	})

	h.run(func() { h.out.HandleDirEvent(nil, []string{a}) })
	h.waitFor("reload after removal", func() bool {
		return h.out.Current() == b && len(h.surface.Commits) >= 2
	})
}

// TestResumeRestoresSlideshowPosition seeds the persisted position and
// verifies the slideshow starts from it rather than the first entry.
func TestResumeRestoresSlideshowPosition(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, dir, "a.png")
	b := writePNG(t, dir, "b.png")

	entry := colorEntry([3]float32{})
	entry.Source = config.Source{Kind: config.SourcePath, Path: dir}

	h := newHarness(t)
	h.run(func() { h.out.HandleConfigured(64, 32) })
	h.run(func() { h.out.SetEntry(entry, b) })

	h.waitFor("resumed commit", func() bool { return len(h.surface.Commits) >= 1 })
	h.run(func() {
		if h.out.Current() != b {
			t.Fatalf("current = %s, want resumed %s", h.out.Current(), b)
		}
	})
}

// TestRotationSurvivesShortQueue starts a slideshow from a directory
// holding a single image. The rotation timer must arm anyway and stay
// armed across short-queue ticks, so a directory that grows later
// starts rotating without a config change.
func TestRotationSurvivesShortQueue(t *testing.T) {
	dir := t.TempDir()
	a := writePNG(t, dir, "a.png")

	entry := colorEntry([3]float32{})
	entry.Source = config.Source{Kind: config.SourcePath, Path: dir}

	h := newHarness(t)
	h.run(func() { h.out.HandleConfigured(64, 32) })
	h.run(func() { h.out.SetEntry(entry, "") })
	h.waitFor("first commit", func() bool { return len(h.surface.Commits) >= 1 })

	h.run(func() {
		if h.out.rotateTimer == nil {
			t.Error("rotation timer not armed for a single-image queue")
		}
		h.out.rotateTick(h.out.entrySeq)
		if h.out.Current() != a {
			t.Errorf("short-queue tick advanced to %s", h.out.Current())
		}
		if h.out.rotateTimer == nil {
			t.Error("rotation timer disarmed by a short-queue tick")
		}
	})

	b := writePNG(t, dir, "b.png")
	h.run(func() { h.out.HandleDirEvent([]string{b}, nil) })
	h.run(func() {
		// New files queue ahead of the rotation, so the second tick
		// lands on the addition.
		h.out.rotateTick(h.out.entrySeq)
		h.out.rotateTick(h.out.entrySeq)
	})
	h.waitFor("rotation onto the new image", func() bool { return h.out.Current() == b })
}

// TestRenderFailureLeavesOutputReady drives a present that cannot get a
// buffer (degenerate geometry) and checks the state machine settles in
// ready instead of wedging in rendering.
func TestRenderFailureLeavesOutputReady(t *testing.T) {
	h := newHarness(t)
	h.run(func() { h.out.HandleConfigured(64, 32) })

	h.run(func() {
		gen, _ := h.out.beginRender()
		h.out.presentImage(gen, image.NewRGBA(image.Rect(0, 0, 0, 0)), "")
		if h.out.State() != StateReady {
			t.Errorf("state after failed present = %v, want ready", h.out.State())
		}
	})
}

// TestUnsupportedImageFallsBackToSolid feeds a file that no decoder
// accepts. The output must still commit something (the solid fallback)
// instead of leaving the surface empty.
func TestUnsupportedImageFallsBackToSolid(t *testing.T) {
	dir := t.TempDir()
	bogus := filepath.Join(dir, "not-an-image.png")
	if err := os.WriteFile(bogus, []byte("plain text"), 0o644); err != nil {
		t.Fatalf("write bogus file: %v", err)
	}

	entry := colorEntry([3]float32{})
	entry.Source = config.Source{Kind: config.SourcePath, Path: bogus}

	h := newHarness(t)
	h.run(func() { h.out.HandleConfigured(64, 32) })
	h.run(func() { h.out.SetEntry(entry, "") })

	h.waitFor("fallback commit", func() bool { return len(h.surface.Commits) >= 1 })
}

// TestGeometryChangeRerenders doubles the scale after the first commit
// and expects a fresh commit with buffers at the new physical size.
func TestGeometryChangeRerenders(t *testing.T) {
	h := newHarness(t)
	h.run(func() { h.out.HandleConfigured(64, 32) })
	h.run(func() { h.out.SetEntry(colorEntry([3]float32{1, 1, 1}), "") })
	h.waitFor("first commit", func() bool { return len(h.surface.Commits) >= 1 })

	var before int
	h.run(func() { before = len(h.surface.Commits) })

	info := compositor.OutputInfo{
		Name: "HDMI-A-1", LogicalWidth: 64, LogicalHeight: 32, Scale: 2,
	}
	h.run(func() { h.out.HandleInfoChanged(info) })
	h.waitFor("re-render at new scale", func() bool { return len(h.surface.Commits) > before })

	h.run(func() {
		id := h.surface.Commits[len(h.surface.Commits)-1]
		if got := len(h.surface.Pixels(id)); got != 128*64*4 {
			t.Errorf("buffer size = %d bytes, want %d", got, 128*64*4)
		}
	})
}
