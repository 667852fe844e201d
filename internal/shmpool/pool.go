// Package shmpool manages the small fixed set of shared-memory buffers a
// surface cycles through.
//
// Ownership protocol: a buffer is either idle (client-owned, writable) or
// compositor-owned (committed, immutable). Acquire hands out idle buffers
// and never blocks; Commit transfers ownership to the compositor; the
// compositor's release event returns it. A resize invalidates the whole
// pool, with in-flight buffers destroyed lazily as they come back.
package shmpool

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/driftbg/driftbg/internal/compositor"
)

// ErrBusy means every buffer is compositor-owned. The caller defers the
// render to the next tick; work is never dropped silently.
var ErrBusy = errors.New("shmpool: all buffers compositor-owned")

// ErrNotConfigured means Acquire was called before Configure.
var ErrNotConfigured = errors.New("shmpool: pool not configured")

// Buffers at or above this size are pre-touched at allocation so the
// first commit does not stall on page faults.
const preTouchThreshold = 8 << 20

// Ownership tags who may touch a buffer's pixels.
type Ownership int

const (
	// Idle: client-owned, safe to write.
	Idle Ownership = iota
	// CompositorOwned: committed, must not be written.
	CompositorOwned
)

// Buffer is one shared-memory buffer of the pool.
type Buffer struct {
	id     compositor.BufferID
	data   []byte
	state  Ownership
	doomed bool // geometry changed while compositor-owned; destroy on release

	Width  int
	Height int
	Stride int
	Format compositor.Format
}

// ID returns the compositor-side identity of the buffer.
func (b *Buffer) ID() compositor.BufferID { return b.id }

// Canvas returns the writable pixel bytes. Valid only while the buffer is
// idle; the pool enforces this by handing buffers out through Acquire.
func (b *Buffer) Canvas() []byte { return b.data }

// Ownership reports who currently owns the buffer.
func (b *Buffer) Ownership() Ownership { return b.state }

// Pool owns capacity buffers (2 or 3) of identical geometry on one surface.
// Not safe for concurrent use; it lives on the event loop goroutine.
type Pool struct {
	surface  compositor.Surface
	capacity int
	buffers  []*Buffer

	width  int
	height int
	stride int
	format compositor.Format
	output string
}

// New creates an empty pool. Capacity is clamped to [2,3]: double
// buffering at minimum, and never more than triple.
func New(surface compositor.Surface, output string, capacity int) *Pool {
	if capacity < 2 {
		capacity = 2
	}
	if capacity > 3 {
		capacity = 3
	}
	return &Pool{surface: surface, output: output, capacity: capacity}
}

// Configure sets the buffer geometry. Changing geometry or format
// invalidates the pool: idle buffers are destroyed immediately,
// compositor-owned ones are doomed and destroyed when released.
func (p *Pool) Configure(width, height int, format compositor.Format) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("shmpool: invalid geometry %dx%d", width, height)
	}
	if width == p.width && height == p.height && format == p.format {
		return nil
	}
	kept := p.buffers[:0]
	for _, b := range p.buffers {
		if b.state == CompositorOwned {
			b.doomed = true
			kept = append(kept, b)
			continue
		}
		p.surface.DestroyBuffer(b.id)
	}
	p.buffers = kept
	p.width = width
	p.height = height
	p.stride = width * compositor.BytesPerPixel
	p.format = format
	slog.Debug("shmpool: configured",
		"output", p.output, "size", fmt.Sprintf("%dx%d", width, height), "format", format)
	return nil
}

// Size returns the configured buffer geometry.
func (p *Pool) Size() (int, int) { return p.width, p.height }

// Format returns the configured pixel format.
func (p *Pool) Format() compositor.Format { return p.format }

// Acquire returns an idle buffer, allocating lazily up to capacity.
// Never blocks: when every buffer is compositor-owned it returns ErrBusy.
func (p *Pool) Acquire() (*Buffer, error) {
	if p.width == 0 {
		return nil, ErrNotConfigured
	}
	for _, b := range p.buffers {
		if b.state == Idle && !b.doomed {
			return b, nil
		}
	}
	live := 0
	for _, b := range p.buffers {
		if !b.doomed {
			live++
		}
	}
	if live >= p.capacity {
		return nil, ErrBusy
	}
	return p.allocate()
}

func (p *Pool) allocate() (*Buffer, error) {
	id, data, err := p.surface.CreateBuffer(p.width, p.height, p.stride, p.format)
	if err != nil {
		return nil, fmt.Errorf("shmpool: create %dx%d buffer: %w", p.width, p.height, err)
	}
	if len(data) >= preTouchThreshold {
		for i := 0; i < len(data); i += 4096 {
			data[i] = 0
		}
	}
	b := &Buffer{
		id:     id,
		data:   data,
		Width:  p.width,
		Height: p.height,
		Stride: p.stride,
		Format: p.format,
	}
	p.buffers = append(p.buffers, b)
	return b, nil
}

// Commit attaches the buffer, damages the full surface, commits, and
// transfers ownership to the compositor.
func (p *Pool) Commit(b *Buffer) error {
	if b.state != Idle {
		return fmt.Errorf("shmpool: commit of non-idle buffer %d", b.id)
	}
	if err := p.surface.Attach(b.id); err != nil {
		return fmt.Errorf("shmpool: attach buffer %d: %w", b.id, err)
	}
	p.surface.Damage(0, 0, b.Width, b.Height)
	if err := p.surface.Commit(); err != nil {
		return fmt.Errorf("shmpool: commit buffer %d: %w", b.id, err)
	}
	b.state = CompositorOwned
	return nil
}

// Release handles the compositor's release event for one buffer.
// Doomed buffers (stale geometry) are destroyed instead of reused.
func (p *Pool) Release(id compositor.BufferID) {
	for i, b := range p.buffers {
		if b.id != id {
			continue
		}
		if b.doomed {
			p.surface.DestroyBuffer(b.id)
			p.buffers = append(p.buffers[:i], p.buffers[i+1:]...)
			return
		}
		b.state = Idle
		return
	}
	slog.Debug("shmpool: release for unknown buffer", "output", p.output, "buffer", id)
}

// Destroy releases every buffer. Called when the output is removed; the
// compositor forgets the surface so in-flight buffers go with it.
func (p *Pool) Destroy() {
	for _, b := range p.buffers {
		p.surface.DestroyBuffer(b.id)
	}
	p.buffers = nil
	p.width, p.height = 0, 0
}
