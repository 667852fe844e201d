// Package render is the static image pipeline: decode a source file,
// scale it to the output, and composite the pixels into an acquired
// shared-memory buffer in the exact wire layout.
//
// The three stages are pure with respect to compositor state. Only
// CompositeInto touches buffer memory, and only the caller's ownership
// discipline (an idle buffer from the pool) makes that safe.
package render

import "errors"

var (
	// ErrDecode means the file was recognized but could not be decoded.
	// The current image is kept and the failure is logged.
	ErrDecode = errors.New("render: image decode failed")
	// ErrUnsupported means no decoder recognizes the format. The caller
	// falls back to a solid color fill.
	ErrUnsupported = errors.New("render: unsupported image format")
)
