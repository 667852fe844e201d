package render

import (
	"encoding/binary"
	"fmt"
	"image"

	"github.com/driftbg/driftbg/internal/compositor"
)

// CompositeInto writes scaled pixels into a buffer canvas in the exact
// wire layout. The image dimensions must match the buffer geometry; the
// caller guarantees the canvas belongs to an idle buffer.
func CompositeInto(canvas []byte, stride int, format compositor.Format, img *image.RGBA) error {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if stride < w*compositor.BytesPerPixel || len(canvas) < stride*h {
		return fmt.Errorf("render: canvas %d bytes (stride %d) too small for %dx%d", len(canvas), stride, w, h)
	}
	switch format {
	case compositor.FormatXRGB8888:
		compositeXRGB8888(canvas, stride, img, w, h)
	case compositor.FormatXRGB2101010:
		compositeXRGB2101010(canvas, stride, img, w, h)
	default:
		return fmt.Errorf("render: unknown buffer format %v", format)
	}
	return nil
}

// compositeXRGB8888 packs r<<16|g<<8|b as a little-endian u32 per pixel.
func compositeXRGB8888(canvas []byte, stride int, img *image.RGBA, w, h int) {
	for y := 0; y < h; y++ {
		src := img.Pix[y*img.Stride:]
		dst := canvas[y*stride:]
		for x := 0; x < w; x++ {
			si := x * 4
			v := uint32(src[si])<<16 | uint32(src[si+1])<<8 | uint32(src[si+2])
			binary.LittleEndian.PutUint32(dst[x*4:], v)
		}
	}
}

// compositeXRGB2101010 expands each 8-bit channel to 10 bits
// (v<<2 | v>>6) and packs r<<20|g<<10|b little-endian.
func compositeXRGB2101010(canvas []byte, stride int, img *image.RGBA, w, h int) {
	for y := 0; y < h; y++ {
		src := img.Pix[y*img.Stride:]
		dst := canvas[y*stride:]
		for x := 0; x < w; x++ {
			si := x * 4
			r := uint32(src[si])
			g := uint32(src[si+1])
			b := uint32(src[si+2])
			r10 := r<<2 | r>>6
			g10 := g<<2 | g>>6
			b10 := b<<2 | b>>6
			binary.LittleEndian.PutUint32(dst[x*4:], r10<<20|g10<<10|b10)
		}
	}
}

// CopyBGRX copies decoder-produced BGRx rows into an XRGB8888 canvas.
// BGRx in memory is exactly little-endian x:r:g:b, so rows copy through.
func CopyBGRX(canvas []byte, stride int, frame []byte, width, height int) error {
	rowBytes := width * compositor.BytesPerPixel
	if len(frame) < rowBytes*height {
		return fmt.Errorf("render: frame %d bytes too small for %dx%d", len(frame), width, height)
	}
	if len(canvas) < stride*height || stride < rowBytes {
		return fmt.Errorf("render: canvas %d bytes (stride %d) too small for %dx%d", len(canvas), stride, width, height)
	}
	// Decoders may pad rows; tolerate a larger source stride.
	srcStride := rowBytes
	if rem := len(frame) % height; rem == 0 && len(frame)/height > rowBytes {
		srcStride = len(frame) / height
	}
	for y := 0; y < height; y++ {
		copy(canvas[y*stride:y*stride+rowBytes], frame[y*srcStride:y*srcStride+rowBytes])
	}
	return nil
}
