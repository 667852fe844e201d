package animate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/driftbg/driftbg/internal/config"
)

// fakePipeline emits synthetic frames on demand and lets tests inject
// EOS and runtime errors.
type fakePipeline struct {
	frames   chan Frame
	events   chan PipelineEvent
	started  atomic.Int32
	restarts atomic.Int32
	closed   atomic.Bool
	failRun  bool
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		frames: make(chan Frame, 8),
		events: make(chan PipelineEvent, 4),
	}
}

func (p *fakePipeline) Start() error {
	p.started.Add(1)
	if p.failRun {
		p.events <- PipelineEvent{Kind: EventError, Err: errors.New("decoder fell over")}
	}
	return nil
}
func (p *fakePipeline) Pause() error   { return nil }
func (p *fakePipeline) Resume() error  { return nil }
func (p *fakePipeline) Restart() error { p.restarts.Add(1); return nil }

func (p *fakePipeline) Frames() <-chan Frame         { return p.frames }
func (p *fakePipeline) Events() <-chan PipelineEvent { return p.events }
func (p *fakePipeline) FrameDuration() time.Duration { return 20 * time.Millisecond }

func (p *fakePipeline) Close() error {
	if p.closed.CompareAndSwap(false, true) {
		close(p.frames)
	}
	return nil
}

// fakeBuilder scripts tier probing: which tiers exist, which fail the
// self-test, which fail at build or runtime.
type fakeBuilder struct {
	mu        sync.Mutex
	tiers     []Tier
	failTest  map[Tier]bool
	failBuild map[Tier]bool
	failRun   map[Tier]bool
	tested    []Tier
	built     []Tier
	pipelines map[Tier]*fakePipeline
}

func newFakeBuilder(tiers ...Tier) *fakeBuilder {
	return &fakeBuilder{
		tiers:     tiers,
		failTest:  map[Tier]bool{},
		failBuild: map[Tier]bool{},
		failRun:   map[Tier]bool{},
		pipelines: map[Tier]*fakePipeline{},
	}
}

func (b *fakeBuilder) Tiers(string) []Tier { return b.tiers }

func (b *fakeBuilder) SelfTest(tier Tier, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tested = append(b.tested, tier)
	if b.failTest[tier] {
		return errors.New("self-test: did not reach paused")
	}
	return nil
}

func (b *fakeBuilder) Build(tier Tier, _ string, _, _ int) (Pipeline, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.built = append(b.built, tier)
	if b.failBuild[tier] {
		return nil, errors.New("build: element missing")
	}
	p := newFakePipeline()
	p.failRun = b.failRun[tier]
	b.pipelines[tier] = p
	return p, nil
}

func (b *fakeBuilder) pipeline(tier Tier) *fakePipeline {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pipelines[tier]
}

func (b *fakeBuilder) builtTiers() []Tier {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Tier(nil), b.built...)
}

func (b *fakeBuilder) testedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tested)
}

func settings() config.AnimationSettings {
	return config.AnimationSettings{Loop: true, SpeedFactor: 1, FrameCacheSize: 8}
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", s.State(), want)
}

// TestBestTierWins verifies probe order: when every candidate passes
// its self-test, the first (best) tier is built and no other is tried.
func TestBestTierWins(t *testing.T) {
	b := newFakeBuilder(TierVAAPIZeroCopy, TierGPUCopy, TierCPUFrames, TierSoftware)
	s, err := NewSession(SessionConfig{
		Path: "/media/clip.mp4", Width: 64, Height: 32,
		Settings: settings(), Builder: b,
		OnFrame: func(Frame) {},
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	waitState(t, s, StatePiping)
	if got := s.Tier(); got != TierVAAPIZeroCopy {
		t.Fatalf("negotiated tier = %v, want vaapi-zero-copy", got)
	}
	if built := b.builtTiers(); len(built) != 1 {
		t.Fatalf("built tiers = %v, want exactly the best one", built)
	}
}

// TestSelfTestFailureDemotes breaks the top two tiers' self-tests and
// expects playback to land on the third without building the broken
// ones.
func TestSelfTestFailureDemotes(t *testing.T) {
	b := newFakeBuilder(TierVAAPIZeroCopy, TierGPUCopy, TierCPUFrames)
	b.failTest[TierVAAPIZeroCopy] = true
	b.failTest[TierGPUCopy] = true

	s, err := NewSession(SessionConfig{
		Path: "/media/clip.mp4", Width: 64, Height: 32,
		Settings: settings(), Builder: b,
		OnFrame: func(Frame) {},
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	waitState(t, s, StatePiping)
	if got := s.Tier(); got != TierCPUFrames {
		t.Fatalf("negotiated tier = %v, want cpu-frames", got)
	}
	if built := b.builtTiers(); len(built) != 1 || built[0] != TierCPUFrames {
		t.Fatalf("built tiers = %v, want [cpu-frames]", built)
	}
}

// TestRuntimeErrorDemotes lets the best tier pass its self-test but
// fail once running. The session must tear it down and rebuild on the
// next candidate.
func TestRuntimeErrorDemotes(t *testing.T) {
	b := newFakeBuilder(TierGPUCopy, TierSoftware)
	b.failRun[TierGPUCopy] = true

	s, err := NewSession(SessionConfig{
		Path: "/media/clip.mp4", Width: 64, Height: 32,
		Settings: settings(), Builder: b,
		OnFrame: func(Frame) {},
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Tier() == TierSoftware {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := s.Tier(); got != TierSoftware {
		t.Fatalf("tier after runtime failure = %v, want software", got)
	}
	if broken := b.pipeline(TierGPUCopy); broken == nil || !broken.closed.Load() {
		t.Fatal("failed pipeline was not closed before demotion")
	}
}

// TestAllTiersExhaustedFails breaks everything and expects StateFailed
// plus the terminal error callback.
func TestAllTiersExhaustedFails(t *testing.T) {
	b := newFakeBuilder(TierCPUFrames, TierSoftware)
	b.failTest[TierCPUFrames] = true
	b.failBuild[TierSoftware] = true

	var terminal atomic.Value
	s, err := NewSession(SessionConfig{
		Path: "/media/clip.mp4", Width: 64, Height: 32,
		Settings: settings(), Builder: b,
		OnFrame: func(Frame) {},
		OnError: func(err error) { terminal.Store(err) },
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	waitState(t, s, StateFailed)
	got, _ := terminal.Load().(error)
	if !errors.Is(got, ErrNoTier) {
		t.Fatalf("terminal error = %v, want ErrNoTier", got)
	}
}

// TestEOSLoopRestarts plays with looping on and checks that EOS leads
// to a pipeline restart rather than a stop.
func TestEOSLoopRestarts(t *testing.T) {
	b := newFakeBuilder(TierCPUFrames)
	s, err := NewSession(SessionConfig{
		Path: "/media/clip.mp4", Width: 64, Height: 32,
		Settings: settings(), Builder: b,
		OnFrame: func(Frame) {},
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	waitState(t, s, StatePiping)
	p := b.pipeline(TierCPUFrames)
	p.events <- PipelineEvent{Kind: EventEOS}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.restarts.Load() >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if p.restarts.Load() < 1 {
		t.Fatal("EOS with loop enabled did not restart the pipeline")
	}
	if s.State() == StateStopped {
		t.Fatal("looping session moved to stopped on EOS")
	}
}

// TestEOSHoldsLastFrameAndResumes disables looping: EOS parks the
// session in Stopped, and Resume restarts playback without a new probe
// and with frames flowing again.
func TestEOSHoldsLastFrameAndResumes(t *testing.T) {
	cfg := settings()
	cfg.Loop = false

	var delivered atomic.Int32
	b := newFakeBuilder(TierCPUFrames)
	s, err := NewSession(SessionConfig{
		Path: "/media/clip.mp4", Width: 64, Height: 32,
		Settings: cfg, Builder: b,
		OnFrame: func(Frame) { delivered.Add(1) },
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	waitState(t, s, StatePiping)
	p := b.pipeline(TierCPUFrames)
	tested := b.testedCount()
	p.events <- PipelineEvent{Kind: EventEOS}
	waitState(t, s, StateStopped)

	s.Resume()
	waitState(t, s, StatePlaying)
	if p.restarts.Load() != 1 {
		t.Fatalf("restarts = %d, want 1", p.restarts.Load())
	}
	if b.testedCount() != tested {
		t.Fatal("resume from stopped re-probed the tiers")
	}

	held := delivered.Load()
	p.frames <- Frame{Seq: 99, Width: 64, Height: 32, Data: make([]byte, 64*32*4)}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if delivered.Load() > held {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("resume did not restart frame delivery")
}

// TestStillHoldsLastFrameAndResumes plays a three-frame animation with
// looping off. After the last frame the session parks in Stopped with
// no further deliveries, and Resume rewinds and plays again.
func TestStillHoldsLastFrameAndResumes(t *testing.T) {
	cfg := settings()
	cfg.Loop = false
	path := writeGIF(t, framePalette(), []int{2, 2, 2})

	var delivered atomic.Int32
	s, err := NewSession(SessionConfig{
		Path:     path,
		Settings: cfg,
		OnFrame:  func(Frame) { delivered.Add(1) },
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	waitState(t, s, StateStopped)
	held := delivered.Load()
	time.Sleep(150 * time.Millisecond)
	if got := delivered.Load(); got != held {
		t.Fatalf("frames delivered while stopped: %d -> %d", held, got)
	}

	s.Resume()
	waitState(t, s, StatePlaying)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if delivered.Load() > held {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("resume did not restart frame delivery")
}

// TestFramesFlowToCallback pushes frames through the fake pipeline and
// expects the session timer to deliver them.
func TestFramesFlowToCallback(t *testing.T) {
	var delivered atomic.Int32
	b := newFakeBuilder(TierCPUFrames)
	s, err := NewSession(SessionConfig{
		Path: "/media/clip.mp4", Width: 64, Height: 32,
		Settings: settings(), Builder: b,
		OnFrame: func(Frame) { delivered.Add(1) },
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	waitState(t, s, StatePiping)
	p := b.pipeline(TierCPUFrames)
	for i := 0; i < 5; i++ {
		p.frames <- Frame{Seq: uint64(i + 1), Width: 64, Height: 32, Data: make([]byte, 64*32*4)}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if delivered.Load() >= 3 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("delivered %d frames, want at least 3", delivered.Load())
}

// TestStopIsIdempotent stops twice; the second call must be a no-op.
func TestStopIsIdempotent(t *testing.T) {
	b := newFakeBuilder(TierCPUFrames)
	s, err := NewSession(SessionConfig{
		Path: "/media/clip.mp4", Width: 64, Height: 32,
		Settings: settings(), Builder: b,
		OnFrame: func(Frame) {},
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, s, StatePiping)

	if err := s.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
