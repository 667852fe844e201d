// Package compositor defines the capability surface the daemon needs from
// a display server: output discovery, layer surfaces, shared-memory
// buffers, viewports, and commit/release signalling.
//
// The wire protocol itself lives behind this interface. The rest of the
// daemon issues logical operations only, which keeps every package above
// this one testable against the in-process fake in fake.go.
package compositor

import (
	"errors"
	"fmt"
	"sync"
)

// Format is a pixel format the daemon can produce.
type Format int

const (
	// FormatXRGB8888 is 8-bit per channel, 4 bytes per pixel,
	// little-endian x:r:g:b.
	FormatXRGB8888 Format = iota
	// FormatXRGB2101010 is 10-bit per channel packed into 32 bits,
	// little-endian x:r:g:b.
	FormatXRGB2101010
)

// BytesPerPixel is 4 for both supported formats.
const BytesPerPixel = 4

func (f Format) String() string {
	switch f {
	case FormatXRGB8888:
		return "XRGB8888"
	case FormatXRGB2101010:
		return "XRGB2101010"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// BufferID identifies a shared-memory buffer within one surface.
type BufferID uint32

// OutputInfo describes a display as advertised by the compositor.
type OutputInfo struct {
	Name  string
	Make  string
	Model string
	// LogicalWidth/LogicalHeight are the compositor-space dimensions.
	LogicalWidth  int
	LogicalHeight int
	// Scale is the integer scale factor.
	Scale int
	// FractionalScale is the negotiated scale in 120ths, or 0 when the
	// compositor offered none. 120 means 1.0, 150 means 1.25.
	FractionalScale int
	// TenBit reports whether the output prefers 10-bit buffers.
	TenBit bool
}

// PhysicalSize converts the logical size to buffer pixels.
// With a fractional scale: logical * fractional / 120, else
// logical * integer scale (equivalent to scale*120 in 120ths).
func (o OutputInfo) PhysicalSize() (int, int) {
	if o.FractionalScale > 0 {
		return o.LogicalWidth * o.FractionalScale / 120,
			o.LogicalHeight * o.FractionalScale / 120
	}
	s := o.Scale
	if s < 1 {
		s = 1
	}
	return o.LogicalWidth * s, o.LogicalHeight * s
}

// Format returns the buffer format the output should be rendered in.
func (o OutputInfo) Format() Format {
	if o.TenBit {
		return FormatXRGB2101010
	}
	return FormatXRGB8888
}

// Event is a compositor-originated notification. The concrete types below
// are the full closed set.
type Event interface{ isEvent() }

// OutputAdded announces a new display.
type OutputAdded struct{ Info OutputInfo }

// OutputChanged carries updated geometry or scale for a known display.
type OutputChanged struct{ Info OutputInfo }

// OutputRemoved announces that a display is gone.
type OutputRemoved struct{ Name string }

// SurfaceConfigured acknowledges a surface with its final logical size.
type SurfaceConfigured struct {
	Output string
	Width  int
	Height int
}

// BufferReleased returns ownership of a committed buffer to the client.
type BufferReleased struct {
	Output string
	Buffer BufferID
}

// ProtocolError is fatal for one output only.
type ProtocolError struct {
	Output string
	Err    error
}

func (OutputAdded) isEvent()       {}
func (OutputChanged) isEvent()     {}
func (OutputRemoved) isEvent()     {}
func (SurfaceConfigured) isEvent() {}
func (BufferReleased) isEvent()    {}
func (ProtocolError) isEvent()     {}

// ExternalBuffer is a decoder-exported frame (dma-buf plane set or other
// GPU-shareable handle) attached without a CPU copy. The transport layer
// knows how to translate it onto the wire; this package treats it as
// opaque.
type ExternalBuffer interface {
	// Size reports the pixel dimensions of the frame.
	Size() (width, height int)
	// Close releases the underlying handle.
	Close() error
}

// Surface is a background layer surface on one output.
//
// Contract:
//   - CreateBuffer returns the mapped pixels; the caller owns them until
//     Attach+Commit transfers the buffer to the compositor.
//   - Commit applies the pending attach/damage/viewport atomically.
//   - All methods are called from the event loop goroutine only.
type Surface interface {
	// CreateBuffer allocates a shared-memory buffer and maps it.
	CreateBuffer(width, height, stride int, format Format) (BufferID, []byte, error)
	// DestroyBuffer releases a buffer that is client-owned.
	DestroyBuffer(id BufferID)
	// Attach stages a shared-memory buffer for the next commit.
	Attach(id BufferID) error
	// AttachExternal stages a decoder-exported buffer for the next commit.
	AttachExternal(b ExternalBuffer) error
	// Damage marks a region (surface-local coordinates) as changed.
	Damage(x, y, width, height int)
	// SetViewportSource selects the buffer region to sample from.
	SetViewportSource(x, y, width, height float64)
	// SetViewportDestination sets the surface size in logical pixels.
	SetViewportDestination(width, height int)
	// Commit applies all pending state.
	Commit() error
	// Destroy tears the surface down. Idempotent.
	Destroy()
}

// Conn is a live session with the compositor.
type Conn interface {
	// Events delivers compositor notifications. Closed by Close.
	Events() <-chan Event
	// CreateSurface builds a background surface on the named output.
	CreateSurface(output string) (Surface, error)
	// Close ends the session. Idempotent.
	Close() error
}

// ErrUnknownBackend is returned by Connect for an unregistered name.
var ErrUnknownBackend = errors.New("compositor: unknown backend")

var (
	backendsMu sync.Mutex
	backends   = map[string]func() (Conn, error){}
)

// Register installs a named backend factory. Transport implementations
// register themselves from an init function.
func Register(name string, factory func() (Conn, error)) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = factory
}

// Connect opens a session using the named backend.
func Connect(name string) (Conn, error) {
	backendsMu.Lock()
	factory, ok := backends[name]
	backendsMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	return factory()
}
