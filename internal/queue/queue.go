// Package queue holds the slideshow image queue for one output.
//
// The queue stores paths only, never decoded pixels. The current
// selection sits at the front; Advance rotates according to the
// configured sampling method.
package queue

import (
	"math/rand"
	"sort"

	"github.com/driftbg/driftbg/internal/config"
)

// Queue is a deque of image paths with the current selection at the
// front. Not safe for concurrent use; it lives on the event loop.
type Queue struct {
	method config.SamplingMethod
	paths  []string
	rng    *rand.Rand
}

// New builds a queue. Alphanumeric sampling sorts lexicographically by
// full path; random sampling keeps insertion order and draws uniformly
// at each advance. rng may be nil, in which case the shared source is
// used; tests inject a seeded one.
func New(paths []string, method config.SamplingMethod, rng *rand.Rand) *Queue {
	q := &Queue{
		method: method,
		paths:  append([]string(nil), paths...),
		rng:    rng,
	}
	if method == config.SamplingAlphanumeric {
		sort.Strings(q.paths)
	}
	return q
}

// Len returns the number of queued paths.
func (q *Queue) Len() int { return len(q.paths) }

// Current returns the front of the queue.
func (q *Queue) Current() (string, bool) {
	if len(q.paths) == 0 {
		return "", false
	}
	return q.paths[0], true
}

// Paths returns a copy of the queue contents, front first.
func (q *Queue) Paths() []string {
	return append([]string(nil), q.paths...)
}

// Contains reports whether the path is queued.
func (q *Queue) Contains(path string) bool {
	return q.index(path) >= 0
}

func (q *Queue) index(path string) int {
	for i, p := range q.paths {
		if p == path {
			return i
		}
	}
	return -1
}

// Advance selects the next image and returns it.
//
// Alphanumeric: rotate one step, wrapping at the end. Random: uniform
// draw over every path except the current one, so the same image never
// shows twice in a row (single-image queues excepted).
func (q *Queue) Advance() (string, bool) {
	n := len(q.paths)
	if n == 0 {
		return "", false
	}
	if n == 1 {
		return q.paths[0], true
	}
	switch q.method {
	case config.SamplingRandom:
		j := 1 + q.intn(n-1)
		pick := q.paths[j]
		q.paths = append(q.paths[:j], q.paths[j+1:]...)
		q.paths = append([]string{pick}, q.paths...)
	default:
		front := q.paths[0]
		q.paths = append(q.paths[1:], front)
	}
	return q.paths[0], true
}

func (q *Queue) intn(n int) int {
	if q.rng != nil {
		return q.rng.Intn(n)
	}
	return rand.Intn(n)
}

// Add inserts paths the queue has not seen yet at the front, so new
// files in a watched directory show before the old rotation resumes.
func (q *Queue) Add(paths ...string) {
	for _, p := range paths {
		if q.index(p) >= 0 {
			continue
		}
		q.paths = append([]string{p}, q.paths...)
	}
}

// Remove drops paths from the queue. It reports whether the current
// selection was removed; the caller then reloads immediately. The cursor
// clamps to the next remaining entry by construction (front of deque).
func (q *Queue) Remove(paths ...string) (removedCurrent bool) {
	drop := make(map[string]bool, len(paths))
	for _, p := range paths {
		drop[p] = true
	}
	if len(q.paths) > 0 && drop[q.paths[0]] {
		removedCurrent = true
	}
	kept := q.paths[:0]
	for _, p := range q.paths {
		if !drop[p] {
			kept = append(kept, p)
		}
	}
	q.paths = kept
	return removedCurrent
}

// RotateTo makes path the current selection if present, for resuming a
// persisted slideshow position. Order is preserved.
func (q *Queue) RotateTo(path string) bool {
	i := q.index(path)
	if i < 0 {
		return false
	}
	q.paths = append(q.paths[i:], q.paths[:i]...)
	return true
}
