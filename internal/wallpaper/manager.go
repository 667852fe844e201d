package wallpaper

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/driftbg/driftbg/internal/animate"
	"github.com/driftbg/driftbg/internal/compositor"
	"github.com/driftbg/driftbg/internal/config"
	"github.com/driftbg/driftbg/internal/convert"
	"github.com/driftbg/driftbg/internal/imgsource"
	"github.com/driftbg/driftbg/internal/loop"
)

// ManagerOptions wires a Manager.
type ManagerOptions struct {
	Conn    compositor.Conn
	Loop    *loop.Loop
	Cache   *convert.Cache
	Builder animate.Builder
	Config  *config.Config
	// ConfigUpdates delivers reloaded configurations, typically from
	// config.Watch. Optional.
	ConfigUpdates <-chan *config.Config
	// StatePath is where slideshow positions persist. Empty disables
	// persistence.
	StatePath string
	// RNG seeds random slideshow sampling. Nil uses the shared source.
	RNG *rand.Rand
}

// Manager owns every output's state machine and routes compositor
// events, configuration reloads, and directory changes onto the event
// loop. All mutation happens on loop closures.
type Manager struct {
	conn    compositor.Conn
	loop    *loop.Loop
	cache   *convert.Cache
	builder animate.Builder
	rng     *rand.Rand

	cfg       *config.Config
	statePath string
	state     *config.State

	outputs map[string]*Output
	watcher *imgsource.Watcher
	// watched maps each watched directory to the outputs showing it.
	watched map[string]map[string]bool

	updates <-chan *config.Config
}

// NewManager loads persisted state and builds the manager. Outputs are
// discovered from compositor events once Run starts.
func NewManager(opts ManagerOptions) *Manager {
	st := &config.State{Current: map[string]string{}}
	if opts.StatePath != "" {
		loaded, err := config.LoadState(opts.StatePath)
		if err != nil {
			slog.Warn("wallpaper: state load failed, starting fresh",
				"path", opts.StatePath, "error", err)
		} else {
			st = loaded
		}
	}
	return &Manager{
		conn:      opts.Conn,
		loop:      opts.Loop,
		cache:     opts.Cache,
		builder:   opts.Builder,
		rng:       opts.RNG,
		cfg:       opts.Config,
		statePath: opts.StatePath,
		state:     st,
		outputs:   map[string]*Output{},
		watched:   map[string]map[string]bool{},
		updates:   opts.ConfigUpdates,
	}
}

// Run pumps every event source into the loop until the context ends.
// It blocks; the event loop itself runs on the caller's goroutine via
// loop.Run, so Run is started alongside it.
func (m *Manager) Run(ctx context.Context) error {
	watcher, err := imgsource.NewWatcher(ctx)
	if err != nil {
		return err
	}
	m.watcher = watcher

	go m.pumpDirEvents(ctx)
	if m.updates != nil {
		go m.pumpConfigUpdates(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			m.teardown()
			return ctx.Err()
		case ev, ok := <-m.conn.Events():
			if !ok {
				m.teardown()
				return nil
			}
			event := ev
			if err := m.loop.PostControl(func() { m.handleEvent(event) }); err != nil {
				return err
			}
		}
	}
}

func (m *Manager) pumpConfigUpdates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-m.updates:
			if !ok {
				return
			}
			m.loop.PostControl(func() { m.applyConfig(cfg) })
		}
	}
}

func (m *Manager) pumpDirEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.watcher.Events():
			if !ok {
				return
			}
			event := ev
			m.loop.Post(func() { m.handleDirEvent(event) })
		}
	}
}

// handleEvent dispatches one compositor notification. Runs on the loop.
func (m *Manager) handleEvent(ev compositor.Event) {
	switch e := ev.(type) {
	case compositor.OutputAdded:
		m.addOutput(e.Info)
	case compositor.OutputChanged:
		if o, ok := m.outputs[e.Info.Name]; ok {
			o.HandleInfoChanged(e.Info)
		}
	case compositor.OutputRemoved:
		m.removeOutput(e.Name)
	case compositor.SurfaceConfigured:
		if o, ok := m.outputs[e.Output]; ok {
			o.HandleConfigured(e.Width, e.Height)
			m.rewatch(e.Output)
		}
	case compositor.BufferReleased:
		if o, ok := m.outputs[e.Output]; ok {
			o.HandleRelease(e.Buffer)
		}
	case compositor.ProtocolError:
		// Fatal for this output only; the rest keep running.
		slog.Error("wallpaper: protocol error, dropping output",
			"output", e.Output, "error", e.Err)
		m.removeOutput(e.Output)
	}
}

func (m *Manager) addOutput(info compositor.OutputInfo) {
	if _, ok := m.outputs[info.Name]; ok {
		return
	}
	surface, err := m.conn.CreateSurface(info.Name)
	if err != nil {
		slog.Error("wallpaper: surface create failed", "output", info.Name, "error", err)
		return
	}
	o := NewOutput(context.Background(), info, surface, Deps{
		Loop:        m.loop,
		Cache:       m.cache,
		Builder:     m.builder,
		RNG:         m.rng,
		OnCommitted: m.onCommitted,
	})
	m.outputs[info.Name] = o
	o.SetEntry(m.cfg.EntryFor(info.Name), m.state.Current[info.Name])
	slog.Info("wallpaper: output added",
		"output", info.Name, "make", info.Make, "model", info.Model)
}

func (m *Manager) removeOutput(name string) {
	o, ok := m.outputs[name]
	if !ok {
		return
	}
	o.Remove()
	delete(m.outputs, name)
	m.rewatchAll()
}

// applyConfig swaps in a reloaded configuration. Every output gets its
// new entry; supersession of in-flight work is handled per output by
// the entry sequence.
func (m *Manager) applyConfig(cfg *config.Config) {
	m.cfg = cfg
	slog.Info("wallpaper: configuration reloaded")
	for name, o := range m.outputs {
		o.SetEntry(cfg.EntryFor(name), m.state.Current[name])
	}
	m.rewatchAll()
}

// HandleConversionDone routes a finished transcode to the outputs
// playing that source. Called from the cache's completion path via the
// loop.
func (m *Manager) HandleConversionDone(source string, err error) {
	if err != nil {
		// The session already fell back to direct playback on the
		// lowest tier; nothing to switch.
		return
	}
	for _, o := range m.outputs {
		o.HandleConverted(source)
	}
}

// handleDirEvent forwards a directory mutation to the outputs watching
// that directory.
func (m *Manager) handleDirEvent(ev imgsource.Event) {
	names := m.watched[ev.Dir]
	for name := range names {
		if o, ok := m.outputs[name]; ok {
			o.HandleDirEvent(ev.Added, ev.Removed)
		}
	}
}

// rewatch refreshes the watch registration for one output's slideshow
// directory. Called after configure, when the queue exists.
func (m *Manager) rewatch(name string) {
	o, ok := m.outputs[name]
	if !ok {
		return
	}
	dir := o.SourceDir()
	if dir == "" {
		return
	}
	if m.watched[dir] == nil {
		m.watched[dir] = map[string]bool{}
		if err := m.watcher.Add(dir); err != nil {
			slog.Warn("wallpaper: watch failed", "dir", dir, "error", err)
		}
	}
	m.watched[dir][name] = true
}

// rewatchAll rebuilds the directory -> outputs map from scratch and
// drops watches nothing references anymore.
func (m *Manager) rewatchAll() {
	want := map[string]map[string]bool{}
	for name, o := range m.outputs {
		dir := o.SourceDir()
		if dir == "" {
			continue
		}
		if want[dir] == nil {
			want[dir] = map[string]bool{}
		}
		want[dir][name] = true
	}
	for dir := range m.watched {
		if want[dir] == nil {
			if err := m.watcher.Remove(dir); err != nil {
				slog.Debug("wallpaper: unwatch failed", "dir", dir, "error", err)
			}
		}
	}
	for dir := range want {
		if m.watched[dir] == nil {
			if err := m.watcher.Add(dir); err != nil {
				slog.Warn("wallpaper: watch failed", "dir", dir, "error", err)
			}
		}
	}
	m.watched = want
}

// onCommitted persists the slideshow position. The disk write runs on a
// worker so a slow filesystem never stalls a commit.
func (m *Manager) onCommitted(output, path string) {
	m.state.Current[output] = path
	// Slideshow directories are watched; rotation may have moved to a
	// file in a directory that only now became current.
	m.rewatch(output)
	if m.statePath == "" {
		return
	}
	snapshot := &config.State{Current: map[string]string{}}
	for k, v := range m.state.Current {
		snapshot.Current[k] = v
	}
	statePath := m.statePath
	m.loop.Go("persist state", func(context.Context) error {
		return config.SaveState(statePath, snapshot)
	})
}

// teardown destroys every output before Run returns. The loop usually
// stops on the same context that ended Run, so a posted closure may
// never execute; when the loop is already gone the teardown runs right
// here, which is safe because no loop closure can race it anymore.
func (m *Manager) teardown() {
	done := make(chan struct{})
	if err := m.loop.PostControl(func() { m.shutdown(); close(done) }); err != nil {
		m.shutdown()
		return
	}
	select {
	case <-done:
	case <-m.loop.Done():
		// The loop exited without running the closure; done would have
		// closed before Done otherwise.
		select {
		case <-done:
		default:
			m.shutdown()
		}
	}
}

// shutdown tears every output down.
func (m *Manager) shutdown() {
	start := time.Now()
	for name, o := range m.outputs {
		o.Remove()
		delete(m.outputs, name)
	}
	slog.Info("wallpaper: all outputs removed", "took", time.Since(start))
}
