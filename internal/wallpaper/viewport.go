package wallpaper

import "github.com/driftbg/driftbg/internal/config"

// CalculateViewport maps a buffer onto a logical surface for one
// scaling mode. It returns the buffer source rectangle to sample and
// the destination size in logical pixels, letting one buffer serve any
// surface size without re-rendering: zoom crops in buffer space, fit
// shrinks the destination, stretch uses everything.
func CalculateViewport(bufferW, bufferH, logicalW, logicalH int, mode config.ScalingKind) (srcX, srcY, srcW, srcH float64, dstW, dstH int) {
	bw := float64(bufferW)
	bh := float64(bufferH)

	switch mode {
	case config.ScalingStretch:
		return 0, 0, bw, bh, logicalW, logicalH

	case config.ScalingFit:
		bufferAspect := bw / bh
		surfaceAspect := float64(logicalW) / float64(logicalH)
		if bufferAspect > surfaceAspect {
			// Wider than the surface: fit to width, shrink height.
			fitted := int(float64(logicalW)/bufferAspect + 0.5)
			return 0, 0, bw, bh, logicalW, fitted
		}
		fitted := int(float64(logicalH)*bufferAspect + 0.5)
		return 0, 0, bw, bh, fitted, logicalH

	default: // zoom
		bufferAspect := bw / bh
		surfaceAspect := float64(logicalW) / float64(logicalH)
		if bufferAspect > surfaceAspect {
			// Wider than the surface: crop width.
			visibleW := float64(int(bh*surfaceAspect + 0.5))
			cropX := float64(int((bw-visibleW)/2 + 0.5))
			return cropX, 0, visibleW, bh, logicalW, logicalH
		}
		visibleH := float64(int(bw/surfaceAspect + 0.5))
		cropY := float64(int((bh-visibleH)/2 + 0.5))
		return 0, cropY, bw, visibleH, logicalW, logicalH
	}
}
