package animate

import (
	"sync"
	"sync/atomic"
)

// frameQueueCapacity bounds frames buffered between decode and render.
// Three is enough to ride out a slow commit without adding visible
// latency.
const frameQueueCapacity = 3

// FrameQueue is a bounded queue between the decoder and the render
// timer. Push never blocks: when full, the oldest frame is dropped so
// playback stays current. Pop returns the newest available frame first
// in arrival order; when starved, Last lets the renderer reuse the
// previous frame instead of skipping a commit.
//
// Thread-safety: Push is called from pipeline goroutines, Pop and Last
// from the session timer.
type FrameQueue struct {
	mu      sync.Mutex
	frames  []Frame
	last    Frame
	hasLast bool
	dropped atomic.Uint64
}

// NewFrameQueue returns an empty queue with the standard capacity.
func NewFrameQueue() *FrameQueue {
	return &FrameQueue{frames: make([]Frame, 0, frameQueueCapacity)}
}

// Push adds a frame, dropping the oldest when full.
func (q *FrameQueue) Push(f Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) >= frameQueueCapacity {
		old := q.frames[0]
		if old.External != nil {
			old.External.Close()
		}
		q.frames = q.frames[1:]
		q.dropped.Add(1)
	}
	q.frames = append(q.frames, f)
}

// Pop removes and returns the oldest queued frame.
func (q *FrameQueue) Pop() (Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return Frame{}, false
	}
	f := q.frames[0]
	q.frames = q.frames[1:]
	q.last = f
	q.hasLast = true
	return f, true
}

// Last returns the most recently popped frame, for reuse when the
// decoder is behind the timer.
func (q *FrameQueue) Last() (Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.last, q.hasLast
}

// Dropped reports how many frames were discarded to stay current.
func (q *FrameQueue) Dropped() uint64 { return q.dropped.Load() }

// Drain empties the queue, closing any external buffers.
func (q *FrameQueue) Drain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, f := range q.frames {
		if f.External != nil {
			f.External.Close()
		}
	}
	q.frames = q.frames[:0]
}
