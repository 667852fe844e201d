package compositor

import (
	"fmt"
	"sync"
)

// Fake is an in-process Conn used by tests and by the headless backend.
// It allocates buffers on the Go heap and lets the caller script output
// hotplug, configure acks, and buffer releases.
//
// Thread-safety: the driving methods (AddOutput, ReleaseBuffer, ...) may
// be called from test goroutines; surface methods follow the Surface
// contract and are expected on a single goroutine.
type Fake struct {
	mu       sync.Mutex
	events   chan Event
	surfaces map[string]*FakeSurface
	closed   bool

	// AutoRelease releases the previously committed buffer whenever a new
	// one is committed, mimicking a compositor that holds only the latest.
	AutoRelease bool
}

// NewFake returns a fake connection with a buffered event stream.
func NewFake() *Fake {
	return &Fake{
		events:   make(chan Event, 64),
		surfaces: map[string]*FakeSurface{},
	}
}

func init() {
	Register("headless", func() (Conn, error) {
		f := NewFake()
		f.AutoRelease = true
		return f, nil
	})
}

func (f *Fake) Events() <-chan Event { return f.events }

func (f *Fake) CreateSurface(output string) (Surface, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, fmt.Errorf("compositor: connection closed")
	}
	s := &FakeSurface{fake: f, output: output, buffers: map[BufferID][]byte{}}
	f.surfaces[output] = s
	return s, nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

// post delivers an event unless the stream is closed. Close can race
// the send, so a send that loses the race is swallowed instead of
// panicking on the closed channel.
func (f *Fake) post(ev Event) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return
	}
	defer func() { recover() }()
	f.events <- ev
}

// AddOutput announces a display.
func (f *Fake) AddOutput(info OutputInfo) { f.post(OutputAdded{Info: info}) }

// ChangeOutput announces updated geometry or scale.
func (f *Fake) ChangeOutput(info OutputInfo) { f.post(OutputChanged{Info: info}) }

// RemoveOutput announces a display removal.
func (f *Fake) RemoveOutput(name string) { f.post(OutputRemoved{Name: name}) }

// ConfigureSurface acks a surface at the given logical size.
func (f *Fake) ConfigureSurface(output string, w, h int) {
	f.post(SurfaceConfigured{Output: output, Width: w, Height: h})
}

// ReleaseBuffer hands a committed buffer back to the client.
func (f *Fake) ReleaseBuffer(output string, id BufferID) {
	f.post(BufferReleased{Output: output, Buffer: id})
}

// Surface returns the fake surface for an output, for assertions.
func (f *Fake) Surface(output string) *FakeSurface {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.surfaces[output]
}

// FakeSurface records every operation for assertions.
type FakeSurface struct {
	fake   *Fake
	output string

	mu        sync.Mutex
	nextID    BufferID
	buffers   map[BufferID][]byte
	pending   BufferID
	hasAttach bool
	pendingEx ExternalBuffer

	Commits    []BufferID       // shm commits, in order
	ExCommits  []ExternalBuffer // external-buffer commits, in order
	Damages    [][4]int
	ViewSrc    [4]float64
	ViewDst    [2]int
	Destroyed  bool
	CommitErr  error // injected failure for the next Commit
	lastCommit BufferID
	committed  bool
}

func (s *FakeSurface) CreateBuffer(width, height, stride int, format Format) (BufferID, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if width <= 0 || height <= 0 || stride < width*BytesPerPixel {
		return 0, nil, fmt.Errorf("compositor: invalid buffer geometry %dx%d stride %d", width, height, stride)
	}
	s.nextID++
	id := s.nextID
	s.buffers[id] = make([]byte, stride*height)
	return id, s.buffers[id], nil
}

func (s *FakeSurface) DestroyBuffer(id BufferID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buffers, id)
}

func (s *FakeSurface) Attach(id BufferID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buffers[id]; !ok {
		return fmt.Errorf("compositor: attach of unknown buffer %d", id)
	}
	s.pending = id
	s.hasAttach = true
	s.pendingEx = nil
	return nil
}

func (s *FakeSurface) AttachExternal(b ExternalBuffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingEx = b
	s.hasAttach = false
	return nil
}

func (s *FakeSurface) Damage(x, y, w, h int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Damages = append(s.Damages, [4]int{x, y, w, h})
}

func (s *FakeSurface) SetViewportSource(x, y, w, h float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ViewSrc = [4]float64{x, y, w, h}
}

func (s *FakeSurface) SetViewportDestination(w, h int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ViewDst = [2]int{w, h}
}

func (s *FakeSurface) Commit() error {
	s.mu.Lock()
	if s.CommitErr != nil {
		err := s.CommitErr
		s.CommitErr = nil
		s.mu.Unlock()
		return err
	}
	var release BufferID
	doRelease := false
	switch {
	case s.hasAttach:
		s.Commits = append(s.Commits, s.pending)
		if s.fake.AutoRelease && s.committed {
			release = s.lastCommit
			doRelease = true
		}
		s.lastCommit = s.pending
		s.committed = true
		s.hasAttach = false
	case s.pendingEx != nil:
		s.ExCommits = append(s.ExCommits, s.pendingEx)
		s.pendingEx = nil
	}
	s.mu.Unlock()
	if doRelease {
		s.fake.ReleaseBuffer(s.output, release)
	}
	return nil
}

func (s *FakeSurface) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Destroyed = true
}

// Pixels returns the backing bytes of a buffer, for assertions.
func (s *FakeSurface) Pixels(id BufferID) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffers[id]
}
