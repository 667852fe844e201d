package wallpaper

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/driftbg/driftbg/internal/compositor"
	"github.com/driftbg/driftbg/internal/config"
	"github.com/driftbg/driftbg/internal/loop"
)

// TestManagerOutputLifecycle drives a full hotplug cycle through the
// fake compositor: add, configure, commit, remove.
func TestManagerOutputLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := loop.New(ctx, 2)
	go l.Run(ctx)

	fake := compositor.NewFake()
	fake.AutoRelease = true

	cfg := config.Default()
	cfg.All.Source = config.Source{Kind: config.SourceColor, Color: [3]float32{0, 0, 1}}

	m := NewManager(ManagerOptions{
		Conn:      fake,
		Loop:      l,
		Config:    cfg,
		StatePath: filepath.Join(t.TempDir(), "state.yml"),
		RNG:       rand.New(rand.NewSource(1)),
	})
	go m.Run(ctx)

	info := compositor.OutputInfo{
		Name: "DP-1", LogicalWidth: 64, LogicalHeight: 32, Scale: 1,
	}
	fake.AddOutput(info)
	fake.ConfigureSurface("DP-1", 64, 32)

	waitLoop(t, l, "first commit", func() bool {
		s := fake.Surface("DP-1")
		return s != nil && len(s.Commits) >= 1
	})

	fake.RemoveOutput("DP-1")
	waitLoop(t, l, "surface destroy", func() bool {
		return fake.Surface("DP-1").Destroyed
	})
}

// TestManagerConfigReloadRerenders swaps the configuration through the
// update channel and expects a fresh commit with the new color.
func TestManagerConfigReloadRerenders(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := loop.New(ctx, 2)
	go l.Run(ctx)

	fake := compositor.NewFake()
	fake.AutoRelease = true

	cfg := config.Default()
	cfg.All.Source = config.Source{Kind: config.SourceColor, Color: [3]float32{1, 0, 0}}
	updates := make(chan *config.Config, 1)

	m := NewManager(ManagerOptions{
		Conn:          fake,
		Loop:          l,
		Config:        cfg,
		ConfigUpdates: updates,
		RNG:           rand.New(rand.NewSource(1)),
	})
	go m.Run(ctx)

	fake.AddOutput(compositor.OutputInfo{
		Name: "DP-1", LogicalWidth: 64, LogicalHeight: 32, Scale: 1,
	})
	fake.ConfigureSurface("DP-1", 64, 32)
	waitLoop(t, l, "red commit", func() bool {
		s := fake.Surface("DP-1")
		return s != nil && len(s.Commits) >= 1
	})

	next := config.Default()
	next.All.Source = config.Source{Kind: config.SourceColor, Color: [3]float32{0, 0, 1}}
	updates <- next

	waitLoop(t, l, "blue commit after reload", func() bool {
		s := fake.Surface("DP-1")
		for _, id := range s.Commits {
			px := s.Pixels(id)
			if px != nil && px[0] == 255 && px[2] == 0 {
				return true
			}
		}
		return false
	})
}

// TestManagerTeardownDestroysSurfaces cancels the shared context and
// expects Run to destroy every surface before returning, even though
// the event loop stops on the same context.
func TestManagerTeardownDestroysSurfaces(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := loop.New(ctx, 2)
	go l.Run(ctx)

	fake := compositor.NewFake()
	fake.AutoRelease = true

	cfg := config.Default()
	cfg.All.Source = config.Source{Kind: config.SourceColor, Color: [3]float32{0, 1, 0}}

	m := NewManager(ManagerOptions{
		Conn:   fake,
		Loop:   l,
		Config: cfg,
		RNG:    rand.New(rand.NewSource(1)),
	})
	runDone := make(chan struct{})
	go func() { m.Run(ctx); close(runDone) }()

	fake.AddOutput(compositor.OutputInfo{
		Name: "DP-1", LogicalWidth: 64, LogicalHeight: 32, Scale: 1,
	})
	fake.ConfigureSurface("DP-1", 64, 32)
	waitLoop(t, l, "first commit", func() bool {
		s := fake.Surface("DP-1")
		return s != nil && len(s.Commits) >= 1
	})

	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	if !fake.Surface("DP-1").Destroyed {
		t.Fatal("surface not destroyed on shutdown")
	}
}

// waitLoop polls cond on the loop goroutine, where all wallpaper state
// and fake surface records are written.
func waitLoop(t *testing.T, l *loop.Loop, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var ok bool
		done := make(chan struct{})
		if err := l.Post(func() { ok = cond(); close(done) }); err != nil {
			t.Fatalf("post: %v", err)
		}
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("loop stalled")
		}
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
