package render

import (
	"image"
	"image/color"
	"math"

	xdraw "golang.org/x/image/draw"

	"github.com/driftbg/driftbg/internal/config"
)

// kernel maps a configured filter method to a resampling kernel.
// Lanczos-class quality comes from Catmull-Rom; linear and nearest are
// the cheaper fallbacks.
func kernel(m config.FilterMethod) xdraw.Interpolator {
	switch m {
	case config.FilterNearest:
		return xdraw.NearestNeighbor
	case config.FilterLinear:
		return xdraw.ApproxBiLinear
	default:
		return xdraw.CatmullRom
	}
}

// Scale maps a decoded image onto a width x height canvas according to
// the scaling mode. The result always has the exact target dimensions.
func Scale(img image.Image, mode config.ScalingKind, border [3]float32, width, height int, filter config.FilterMethod) *image.RGBA {
	switch mode {
	case config.ScalingFit:
		return fit(img, border, width, height, filter)
	case config.ScalingStretch:
		return stretch(img, width, height, filter)
	default:
		return zoom(img, width, height, filter)
	}
}

// zoom covers the whole canvas: scale by the larger axis ratio, then
// center-crop the overflow. Same-dimension sources skip resampling.
func zoom(img image.Image, width, height int, filter config.FilterMethod) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	if w == width && h == height {
		xdraw.Copy(dst, image.Point{}, img, b, xdraw.Src, nil)
		return dst
	}

	ratio := math.Max(float64(width)/float64(w), float64(height)/float64(h))
	newW := int(math.Round(float64(w) * ratio))
	newH := int(math.Round(float64(h) * ratio))

	// Scale into a virtual newW x newH image and keep only the centered
	// window, expressed as a destination-space translation.
	offX := (newW - width) / 2
	offY := (newH - height) / 2
	full := image.Rect(-offX, -offY, newW-offX, newH-offY)
	kernel(filter).Scale(dst, full, img, b, xdraw.Src, nil)
	return dst
}

// fit letterboxes: scale by the smaller axis ratio and center the result
// over the border color.
func fit(img image.Image, border [3]float32, width, height int, filter config.FilterMethod) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	bg := image.NewUniform(colorFromF32(border))
	xdraw.Draw(dst, dst.Bounds(), bg, image.Point{}, xdraw.Src)

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	ratio := math.Min(float64(width)/float64(w), float64(height)/float64(h))
	newW := int(math.Round(float64(w) * ratio))
	newH := int(math.Round(float64(h) * ratio))

	offX := (width - newW) / 2
	offY := (height - newH) / 2
	target := image.Rect(offX, offY, offX+newW, offY+newH)
	if w == newW && h == newH {
		xdraw.Copy(dst, target.Min, img, b, xdraw.Src, nil)
	} else {
		kernel(filter).Scale(dst, target, img, b, xdraw.Src, nil)
	}
	return dst
}

// stretch resizes freely to the target, distorting aspect ratio.
func stretch(img image.Image, width, height int, filter config.FilterMethod) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	if b.Dx() == width && b.Dy() == height {
		xdraw.Copy(dst, image.Point{}, img, b, xdraw.Src, nil)
		return dst
	}
	kernel(filter).Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}

func colorFromF32(c [3]float32) color.RGBA {
	clamp := func(v float32) uint8 {
		if v <= 0 {
			return 0
		}
		if v >= 1 {
			return 255
		}
		return uint8(v*255 + 0.5)
	}
	return color.RGBA{R: clamp(c[0]), G: clamp(c[1]), B: clamp(c[2]), A: 255}
}
