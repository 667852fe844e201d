package render

import (
	"image"
	"math"

	"github.com/driftbg/driftbg/internal/config"
)

// Solid fills a canvas with one color.
func Solid(c [3]float32, width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	px := colorFromF32(c)
	for y := 0; y < height; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+width*4]
		for x := 0; x < width*4; x += 4 {
			row[x] = px.R
			row[x+1] = px.G
			row[x+2] = px.B
			row[x+3] = 255
		}
	}
	return img
}

// Gradient renders a linear multi-stop gradient.
//
// Axis-aligned angles are exact: 0 runs bottom to top, 90 left to right,
// 180 top to bottom, 270 right to left. Other angles project each pixel
// onto the rotated gradient axis.
func Gradient(g config.Gradient, width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	if len(g.Colors) == 0 {
		return img
	}
	if len(g.Colors) == 1 {
		return Solid(g.Colors[0], width, height)
	}

	w := float64(width)
	h := float64(height)

	var position func(x, y int) float64
	switch int(math.Mod(g.Angle, 360)) {
	case 0:
		position = func(_, y int) float64 { return 1 - float64(y)/h }
	case 90:
		position = func(x, _ int) float64 { return float64(x) / w }
	case 180:
		position = func(_, y int) float64 { return float64(y) / h }
	case 270:
		position = func(x, _ int) float64 { return 1 - float64(x)/w }
	default:
		angle := g.Angle * math.Pi / 180
		cos, sin := math.Cos(angle), math.Sin(angle)
		// Project onto the rotated axis and remap the span back to [0,1].
		span := w*math.Abs(cos) + h*math.Abs(sin)
		position = func(x, y int) float64 {
			cx := float64(x) - w/2
			cy := float64(y) - h/2
			return (cx*cos-cy*sin)/span + 0.5
		}
	}

	for y := 0; y < height; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < width; x++ {
			r, gg, b := gradientAt(g.Colors, position(x, y))
			i := x * 4
			row[i] = r
			row[i+1] = gg
			row[i+2] = b
			row[i+3] = 255
		}
	}
	return img
}

// gradientAt interpolates linearly between evenly spaced stops.
func gradientAt(colors [][3]float32, t float64) (uint8, uint8, uint8) {
	if t <= 0 {
		c := colorFromF32(colors[0])
		return c.R, c.G, c.B
	}
	if t >= 1 {
		c := colorFromF32(colors[len(colors)-1])
		return c.R, c.G, c.B
	}
	segs := float64(len(colors) - 1)
	pos := t * segs
	i := int(pos)
	frac := float32(pos - float64(i))
	a, b := colors[i], colors[i+1]
	mix := [3]float32{
		a[0] + (b[0]-a[0])*frac,
		a[1] + (b[1]-a[1])*frac,
		a[2] + (b[2]-a[2])*frac,
	}
	c := colorFromF32(mix)
	return c.R, c.G, c.B
}
