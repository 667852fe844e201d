package animate

import (
	"fmt"
	"image"
	"image/draw"
	"image/gif"
	"os"
	"time"
)

// minFrameDuration caps effective playback at roughly 60 fps; GIFs with
// zero delay also land here instead of spinning.
const minFrameDuration = 16 * time.Millisecond

// GIFPlayer plays an animated still through a bounded in-memory frame
// cache. Frames are composed sequentially (GIF frames are deltas over a
// shared canvas); composed frames are cached up to the configured bound
// so small animations replay without recomposition while large ones stay
// within budget.
//
// GIFs always loop. Not safe for concurrent use; the session timer is
// the only caller.
type GIFPlayer struct {
	g         *gif.GIF
	width     int
	height    int
	canvas    *image.RGBA
	next      int // next frame index to compose
	cache     map[int]*image.RGBA
	cacheSize int
}

// NewGIFPlayer decodes the animation structure. Frame pixels are
// composed lazily on first playback.
func NewGIFPlayer(path string, cacheSize int) (*GIFPlayer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("animate: open %s: %w", path, err)
	}
	defer f.Close()

	g, err := gif.DecodeAll(f)
	if err != nil {
		return nil, fmt.Errorf("animate: decode gif %s: %w", path, err)
	}
	if len(g.Image) == 0 {
		return nil, fmt.Errorf("animate: gif %s has no frames", path)
	}
	if cacheSize < 1 {
		cacheSize = 1
	}
	w, h := g.Config.Width, g.Config.Height
	if w == 0 || h == 0 {
		b := g.Image[0].Bounds()
		w, h = b.Max.X, b.Max.Y
	}
	return &GIFPlayer{
		g:         g,
		width:     w,
		height:    h,
		canvas:    image.NewRGBA(image.Rect(0, 0, w, h)),
		cache:     make(map[int]*image.RGBA, cacheSize),
		cacheSize: cacheSize,
	}, nil
}

// Size returns the canvas dimensions.
func (p *GIFPlayer) Size() (int, int) { return p.width, p.height }

// FrameCount returns the number of frames in the animation.
func (p *GIFPlayer) FrameCount() int { return len(p.g.Image) }

// CachedFrames reports how many composed frames are held in memory.
func (p *GIFPlayer) CachedFrames() int { return len(p.cache) }

// Next returns the next frame and its display duration, wrapping at the
// end of the animation.
func (p *GIFPlayer) Next() (*image.RGBA, time.Duration) {
	idx := p.next
	p.next = (p.next + 1) % len(p.g.Image)

	frame := p.frameAt(idx)

	d := minFrameDuration
	if idx < len(p.g.Delay) {
		if delay := time.Duration(p.g.Delay[idx]) * 10 * time.Millisecond; delay > d {
			d = delay
		}
	}
	return frame, d
}

// Rewind restarts composition from the first frame.
func (p *GIFPlayer) Rewind() {
	p.next = 0
	if _, ok := p.cache[0]; !ok {
		p.canvas = image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	}
}

func (p *GIFPlayer) frameAt(idx int) *image.RGBA {
	// The cache is only authoritative when it can hold the whole
	// animation; otherwise composition must stay sequential, because
	// each frame is a delta over the previous canvas state.
	fullyCached := len(p.g.Image) <= p.cacheSize
	if fullyCached {
		if f, ok := p.cache[idx]; ok {
			return f
		}
	}
	if idx == 0 {
		p.canvas = image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	}
	src := p.g.Image[idx]
	draw.Draw(p.canvas, src.Bounds(), src, src.Bounds().Min, draw.Over)

	snapshot := image.NewRGBA(p.canvas.Bounds())
	copy(snapshot.Pix, p.canvas.Pix)

	if idx < len(p.g.Disposal) && p.g.Disposal[idx] == gif.DisposalBackground {
		draw.Draw(p.canvas, src.Bounds(), image.Transparent, image.Point{}, draw.Src)
	}

	if fullyCached {
		p.cache[idx] = snapshot
	}
	return snapshot
}
