package render

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	// Decoders registered for image.Decode.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// imageExtensions are the formats Load will attempt. Anything else is
// ErrUnsupported without touching the file contents.
var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
	".bmp":  true,
	".tiff": true,
	".tif":  true,
}

// IsImagePath reports whether the path looks like a decodable still image.
func IsImagePath(path string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(path))]
}

// Load decodes a still image. Animated containers decode to their first
// frame here; animated playback goes through the playback engine instead.
//
// The context is checked before the (potentially large) decode so a
// superseded render never burns a worker on a file nobody wants.
func Load(ctx context.Context, path string) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !IsImagePath(path) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("render: open %s: %w", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		if err == image.ErrFormat {
			return nil, fmt.Errorf("%w: %s", ErrUnsupported, path)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, path, err)
	}
	return img, nil
}
