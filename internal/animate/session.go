package animate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftbg/driftbg/internal/config"
)

// stopTimeout bounds how long Stop waits for session goroutines.
const stopTimeout = 3 * time.Second

// SessionConfig configures one playback session.
type SessionConfig struct {
	// Path is the animated source file.
	Path string
	// Width, Height is the target physical size for video tiers.
	// Animated stills play at native size and scale via viewport.
	Width  int
	Height int
	// Settings are the per-entry animation settings.
	Settings config.AnimationSettings
	// Builder probes and constructs video pipelines. Unused for
	// animated stills.
	Builder Builder
	// OnFrame delivers a presentable frame. Called from the session
	// timer goroutine; the receiver posts to the event loop.
	OnFrame func(Frame)
	// OnStateChange reports lifecycle transitions, same goroutine rules
	// as OnFrame. Optional.
	OnStateChange func(State)
	// OnError reports terminal failure after every tier is exhausted.
	OnError func(error)
}

// Session drives playback of one animated wallpaper.
//
// Semantics:
//   - Probing enumerates candidate tiers and self-tests them best
//     first; a tier that fails its self-test is demoted before any
//     frame is decoded
//   - A runtime pipeline error demotes to the next tier and rebuilds
//   - EOS either restarts (loop) or holds the last committed frame in
//     Stopped; Resume from Stopped needs no new probe
//
// Stop is idempotent.
type Session struct {
	cfg SessionConfig
	id  string

	mu       sync.Mutex
	state    State
	tier     Tier
	pipeline Pipeline
	stopped  bool

	queue *FrameQueue
	gif   *GIFPlayer
	// wake unparks the frame timer after Resume. Buffered so Resume
	// never blocks on a loop that is mid-delivery.
	wake chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	seq    uint64
}

// NewSession validates the configuration. Fail fast: a session without
// a source or sink is a programming error.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("animate: source path is required")
	}
	if cfg.OnFrame == nil {
		return nil, fmt.Errorf("animate: OnFrame callback is required")
	}
	if !IsAnimatedStillPath(cfg.Path) {
		if cfg.Builder == nil {
			return nil, fmt.Errorf("animate: Builder is required for video sources")
		}
		if cfg.Width <= 0 || cfg.Height <= 0 {
			return nil, fmt.Errorf("animate: invalid target size %dx%d", cfg.Width, cfg.Height)
		}
	}
	if cfg.Settings.SpeedFactor <= 0 {
		cfg.Settings.SpeedFactor = 1.0
	}
	return &Session{
		cfg:   cfg,
		id:    uuid.NewString(),
		state: StateProbing,
		queue: NewFrameQueue(),
		wake:  make(chan struct{}, 1),
	}, nil
}

// ID returns the session trace ID.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Tier returns the negotiated decode tier (video sessions only).
func (s *Session) Tier() Tier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tier
}

// Dropped reports frames discarded to stay current.
func (s *Session) Dropped() uint64 { return s.queue.Dropped() }

// Start begins playback. Probing and pipeline construction run on a
// session goroutine so the event loop never blocks on a self-test.
func (s *Session) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if IsAnimatedStillPath(s.cfg.Path) {
		player, err := NewGIFPlayer(s.cfg.Path, s.cfg.Settings.FrameCacheSize)
		if err != nil {
			s.setState(StateFailed)
			return err
		}
		s.gif = player
		s.setState(StatePiping)
		s.wg.Add(1)
		go s.runStill()
		return nil
	}

	s.setState(StateProbing)
	s.wg.Add(1)
	go s.runVideo()
	return nil
}

// Pause holds playback. No-op unless playing.
func (s *Session) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePlaying {
		return
	}
	if s.pipeline != nil {
		if err := s.pipeline.Pause(); err != nil {
			slog.Warn("animate: pause failed", "session", s.id, "error", err)
		}
	}
	s.state = StatePaused
	s.notifyLocked()
}

// Resume continues from Paused, or restarts from Stopped without a new
// probe.
func (s *Session) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StatePaused:
		if s.pipeline != nil {
			if err := s.pipeline.Resume(); err != nil {
				slog.Warn("animate: resume failed", "session", s.id, "error", err)
				return
			}
		}
		s.state = StatePlaying
		s.notifyLocked()
		s.wakePlayback()
	case StateStopped:
		if s.pipeline != nil {
			if err := s.pipeline.Restart(); err != nil {
				slog.Warn("animate: restart failed", "session", s.id, "error", err)
				return
			}
		}
		if s.gif != nil {
			s.gif.Rewind()
		}
		s.state = StatePlaying
		s.notifyLocked()
		s.wakePlayback()
	}
}

func (s *Session) wakePlayback() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Stop tears the session down. Safe to call multiple times.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	pipeline := s.pipeline
	s.pipeline = nil
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if pipeline != nil {
		if err := pipeline.Close(); err != nil {
			slog.Warn("animate: pipeline close failed", "session", s.id, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		return fmt.Errorf("animate: session %s shutdown timeout after %v", s.id, stopTimeout)
	}
	s.queue.Drain()
	return nil
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.notifyLocked()
	s.mu.Unlock()
}

func (s *Session) notifyLocked() {
	if s.cfg.OnStateChange != nil {
		st := s.state
		go s.cfg.OnStateChange(st)
	}
}

// runStill is the timer loop for animated stills: compose the next
// cached frame, deliver, and sleep the frame delay compensated by the
// time delivery took.
func (s *Session) runStill() {
	defer s.wg.Done()

	loop := s.cfg.Settings.Loop
	frames := s.gif.FrameCount()
	shown := 0
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
		}

		if st := s.State(); st == StatePaused || st == StateStopped {
			// Parked: the last frame holds with no timer wakeups until
			// Resume signals.
			select {
			case <-s.ctx.Done():
				return
			case <-s.wake:
			}
			timer.Reset(0)
			continue
		}

		start := time.Now()
		img, d := s.gif.Next()
		s.seq++
		s.cfg.OnFrame(Frame{
			Seq:      s.seq,
			Width:    img.Bounds().Dx(),
			Height:   img.Bounds().Dy(),
			Image:    img,
			Duration: d,
			TraceID:  s.id,
		})
		if s.State() == StatePiping {
			s.setState(StatePlaying)
		}
		shown++
		if !loop && shown >= frames {
			// Hold the last frame; Resume rewinds.
			s.setState(StateStopped)
			shown = 0
		}

		next := scaleDuration(d, s.cfg.Settings.SpeedFactor) - time.Since(start)
		if next < time.Millisecond {
			next = time.Millisecond
		}
		timer.Reset(next)
	}
}

// runVideo probes tiers best first, then runs the chosen pipeline until
// the session stops. A runtime error demotes and rebuilds with the
// remaining candidates.
func (s *Session) runVideo() {
	defer s.wg.Done()

	candidates := s.cfg.Builder.Tiers(s.cfg.Path)
	for len(candidates) > 0 {
		if s.ctx.Err() != nil {
			return
		}
		tier := candidates[0]
		candidates = candidates[1:]

		if err := s.cfg.Builder.SelfTest(tier, s.cfg.Path); err != nil {
			slog.Warn("animate: tier failed self-test, demoting",
				"session", s.id, "tier", tier, "error", err)
			continue
		}
		pipeline, err := s.cfg.Builder.Build(tier, s.cfg.Path, s.cfg.Width, s.cfg.Height)
		if err != nil {
			slog.Warn("animate: tier build failed, demoting",
				"session", s.id, "tier", tier, "error", err)
			continue
		}

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			pipeline.Close()
			return
		}
		s.tier = tier
		s.pipeline = pipeline
		s.state = StatePiping
		s.notifyLocked()
		s.mu.Unlock()

		slog.Info("animate: pipeline selected",
			"session", s.id, "tier", tier, "path", s.cfg.Path)

		err = s.runPipeline(pipeline)
		s.mu.Lock()
		if s.pipeline == pipeline {
			s.pipeline = nil
		}
		stopped := s.stopped
		s.mu.Unlock()
		pipeline.Close()
		if stopped || s.ctx.Err() != nil {
			return
		}
		slog.Warn("animate: pipeline failed, demoting",
			"session", s.id, "tier", tier, "error", err)
	}

	s.setState(StateFailed)
	if s.cfg.OnError != nil {
		s.cfg.OnError(fmt.Errorf("%w: %s", ErrNoTier, s.cfg.Path))
	}
}

// runPipeline pumps frames into the bounded queue and paces delivery at
// min(source fps, 60) scaled by the speed factor. Returns the pipeline
// error that ended playback.
func (s *Session) runPipeline(p Pipeline) error {
	if err := p.Start(); err != nil {
		return err
	}

	// Pump decoder output into the bounded queue; exits when Close
	// shuts the frame channel.
	go func() {
		for f := range p.Frames() {
			s.queue.Push(f)
		}
	}()

	interval := scaleDuration(p.FrameDuration(), s.cfg.Settings.SpeedFactor)
	if interval < minFrameDuration {
		interval = minFrameDuration
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()

		case <-s.wake:
			timer.Reset(time.Millisecond)

		case ev, ok := <-p.Events():
			if !ok {
				return fmt.Errorf("animate: pipeline event stream closed")
			}
			switch ev.Kind {
			case EventEOS:
				if s.cfg.Settings.Loop {
					if err := p.Restart(); err != nil {
						return fmt.Errorf("animate: loop restart: %w", err)
					}
					continue
				}
				s.setState(StateStopped)
				timer.Stop()
			case EventError:
				return ev.Err
			}

		case <-timer.C:
			start := time.Now()
			st := s.State()
			if st == StatePaused || st == StateStopped {
				// Parked: no re-arm while holding the last frame. Resume
				// wakes the loop through the wake channel.
				continue
			}
			if st == StatePlaying || st == StatePiping {
				f, ok := s.queue.Pop()
				if !ok {
					// Decoder behind: reuse the previous frame so the
					// surface never misses a commit cadence.
					f, ok = s.queue.Last()
				}
				if ok {
					s.cfg.OnFrame(f)
					if s.State() == StatePiping {
						s.setState(StatePlaying)
					}
				}
			}
			next := interval - time.Since(start)
			if next < time.Millisecond {
				next = time.Millisecond
			}
			timer.Reset(next)
		}
	}
}

func scaleDuration(d time.Duration, speed float64) time.Duration {
	if speed == 1.0 || speed <= 0 {
		return d
	}
	return time.Duration(float64(d) / speed)
}
