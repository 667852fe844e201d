// Package convert maintains the disk-persistent conversion cache that
// lets hardware-unfriendly video codecs play through the accelerated
// tiers. Sources are transcoded once to the universal hardware target
// (VP9 in WebM) and replayed from the cache afterwards.
package convert

import (
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrTranscodeFailed marks a source whose conversion failed; playback
// falls back to direct decode on the lowest functional tier.
var ErrTranscodeFailed = errors.New("convert: transcode failed")

// Decision is the outcome of Resolve.
type Decision int

const (
	// PlayDirect: play the source file as-is.
	PlayDirect Decision = iota
	// PlayCached: play the converted artifact.
	PlayCached
	// Transcoding: conversion in flight; play direct for now and switch
	// when the completion notification arrives.
	Transcoding
)

func (d Decision) String() string {
	switch d {
	case PlayDirect:
		return "play-direct"
	case PlayCached:
		return "play-cached"
	case Transcoding:
		return "transcoding"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

// Resolution pairs a decision with the path to play.
type Resolution struct {
	Decision Decision
	Path     string
}

// entryState tracks one source's conversion lifecycle.
type entryState int

const (
	statePending entryState = iota
	stateReady
	stateFailed
)

type entry struct {
	source string
	key    string
	state  entryState
	cached string
}

// Codec classes, mirroring what the decode tiers can and cannot take.
var (
	// universalCodecs decode on effectively all hardware; never convert.
	universalCodecs = map[string]bool{"vp9": true, "vp8": true, "av1": true}
	// convertibleCodecs are legacy codecs no hardware path decodes;
	// always convert.
	convertibleCodecs = map[string]bool{
		"mpeg4": true, "mpeg2video": true, "msmpeg4": true,
		"mpeg1video": true, "mjpeg": true,
	}
	// problematicCodecs decode only on vendor hardware; convert unless
	// that hardware is present.
	problematicCodecs = map[string]bool{"h264": true, "hevc": true, "h265": true}
)

// Prober reports the video codec of a container.
type Prober func(path string) (string, error)

// Transcoder converts src into a VP9/WebM file at dst.
type Transcoder func(src, dst string) error

// Cache resolves playback decisions and runs conversions asynchronously.
//
// Thread-safety: Resolve and the completion path lock internally, so the
// event loop and worker goroutines may both touch the cache.
type Cache struct {
	dir        string
	probe      Prober
	transcoder Transcoder
	// Submit schedules a conversion on the worker pool.
	submit func(job func())
	// OnDone is called (from the worker goroutine) when a conversion
	// finishes; the receiver posts a re-resolve to the event loop.
	onDone func(source string, err error)
	// VendorHW short-circuits conversion of problematic codecs when the
	// vendor decode path handles them natively.
	vendorHW bool

	mu      sync.Mutex
	entries map[string]*entry // by source path
	onDisk  map[string]string // key -> cached path, from the index scan
}

// Options configures a Cache.
type Options struct {
	Dir        string
	Probe      Prober
	Transcoder Transcoder
	Submit     func(job func())
	OnDone     func(source string, err error)
	VendorHW   bool
}

// New builds a cache and rebuilds the index from the cache directory.
// Empty artifacts (a crash mid-write) are removed during the scan.
func New(opts Options) (*Cache, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("convert: cache dir is required")
	}
	if opts.Probe == nil || opts.Transcoder == nil || opts.Submit == nil {
		return nil, fmt.Errorf("convert: probe, transcoder and submit are required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("convert: create cache dir: %w", err)
	}
	c := &Cache{
		dir:        opts.Dir,
		probe:      opts.Probe,
		transcoder: opts.Transcoder,
		submit:     opts.Submit,
		onDone:     opts.OnDone,
		vendorHW:   opts.VendorHW,
		entries:    map[string]*entry{},
		onDisk:     map[string]string{},
	}
	c.rebuildIndex()
	return c, nil
}

// DefaultDir returns the cache directory under XDG_CACHE_HOME.
func DefaultDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("convert: resolve cache dir: %w", err)
	}
	return filepath.Join(base, "driftbg", "converted"), nil
}

func (c *Cache) rebuildIndex() {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		slog.Warn("convert: index scan failed", "dir", c.dir, "error", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".webm") {
			continue
		}
		full := filepath.Join(c.dir, e.Name())
		if info, err := e.Info(); err == nil && info.Size() == 0 {
			// Crash mid-transcode left a truncated artifact.
			os.Remove(full)
			continue
		}
		key := strings.TrimSuffix(e.Name(), ".webm")
		c.onDisk[key] = full
	}
	slog.Info("convert: index rebuilt", "dir", c.dir, "artifacts", len(c.onDisk))
}

// Key derives the cache key for a source: file stem plus a 16-hex hash
// of path and mtime, so an edited source invalidates its artifact.
func Key(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("convert: stat %s: %w", path, err)
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d", path, info.ModTime().UnixNano())
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return fmt.Sprintf("%s-%016x", stem, h.Sum64()), nil
}

// neverConverted extensions play direct unconditionally.
func neverConverted(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".webm", ".gif":
		return true
	}
	return false
}

// Resolve decides how to play a source. Idempotent for unchanged files:
// the same source resolves to the same artifact until its mtime moves.
// Stale artifacts for the same stem are pruned lazily here; there is no
// other eviction.
func (c *Cache) Resolve(path string) Resolution {
	if neverConverted(path) {
		return Resolution{Decision: PlayDirect, Path: path}
	}

	codec, err := c.probe(path)
	if err != nil {
		slog.Warn("convert: codec probe failed, playing direct", "path", path, "error", err)
		return Resolution{Decision: PlayDirect, Path: path}
	}
	switch {
	case universalCodecs[codec]:
		return Resolution{Decision: PlayDirect, Path: path}
	case problematicCodecs[codec] && c.vendorHW:
		// The vendor tier decodes these natively; converting would only
		// burn CPU.
		return Resolution{Decision: PlayDirect, Path: path}
	case !problematicCodecs[codec] && !convertibleCodecs[codec]:
		// Unknown codec: let the decode tiers try the original.
		return Resolution{Decision: PlayDirect, Path: path}
	}

	key, err := Key(path)
	if err != nil {
		return Resolution{Decision: PlayDirect, Path: path}
	}
	cached := filepath.Join(c.dir, key+".webm")

	c.mu.Lock()
	c.pruneStaleLocked(path, key)

	if e, ok := c.entries[path]; ok && e.key == key {
		defer c.mu.Unlock()
		switch e.state {
		case stateReady:
			return Resolution{Decision: PlayCached, Path: e.cached}
		case statePending:
			return Resolution{Decision: Transcoding, Path: path}
		default:
			return Resolution{Decision: PlayDirect, Path: path}
		}
	}
	if onDisk, ok := c.onDisk[key]; ok {
		c.entries[path] = &entry{source: path, key: key, state: stateReady, cached: onDisk}
		c.mu.Unlock()
		return Resolution{Decision: PlayCached, Path: onDisk}
	}

	c.entries[path] = &entry{source: path, key: key, state: statePending, cached: cached}
	c.mu.Unlock()

	// Submit outside the lock: a synchronous pool implementation must
	// not deadlock against the completion path.
	c.submit(func() { c.runTranscode(path, key, cached) })
	slog.Info("convert: transcode scheduled", "path", path, "codec", codec, "key", key)
	return Resolution{Decision: Transcoding, Path: path}
}

// pruneStaleLocked removes artifacts whose key no longer matches the
// source (mtime changed since they were produced).
func (c *Cache) pruneStaleLocked(path, key string) {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := stem + "-"
	for k, full := range c.onDisk {
		if k == key || !strings.HasPrefix(k, prefix) {
			continue
		}
		os.Remove(full)
		delete(c.onDisk, k)
		slog.Debug("convert: pruned stale artifact", "artifact", full)
	}
	if e, ok := c.entries[path]; ok && e.key != key && e.state != statePending {
		delete(c.entries, path)
	}
}

func (c *Cache) runTranscode(path, key, cached string) {
	tmp := cached + ".tmp"
	err := c.transcoder(path, tmp)
	if err == nil {
		err = os.Rename(tmp, cached)
	}
	if err != nil {
		os.Remove(tmp)
		err = fmt.Errorf("%w: %s: %v", ErrTranscodeFailed, path, err)
	}

	c.mu.Lock()
	if e, ok := c.entries[path]; ok && e.key == key {
		if err != nil {
			e.state = stateFailed
		} else {
			e.state = stateReady
			c.onDisk[key] = cached
		}
	}
	c.mu.Unlock()

	if err != nil {
		slog.Warn("convert: transcode failed", "path", path, "error", err)
	} else {
		slog.Info("convert: transcode complete", "path", path, "artifact", cached)
	}
	if c.onDone != nil {
		c.onDone(path, err)
	}
}
