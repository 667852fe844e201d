// driftbg is a per-output wallpaper daemon: static images, slideshows,
// solid colors and gradients, and animated wallpapers through tiered
// GStreamer decode pipelines.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/driftbg/driftbg/internal/animate"
	"github.com/driftbg/driftbg/internal/compositor"
	"github.com/driftbg/driftbg/internal/config"
	"github.com/driftbg/driftbg/internal/convert"
	"github.com/driftbg/driftbg/internal/loop"
	"github.com/driftbg/driftbg/internal/wallpaper"
)

const version = "v0.1.0"

type options struct {
	configPath string
	cacheDir   string
	backend    string
	workers    int
	debug      bool
	version    bool
}

func main() {
	opts := parseFlags()
	if opts.version {
		fmt.Printf("driftbg %s\n", version)
		return
	}

	level := slog.LevelInfo
	if opts.debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutdown signal received")
		cancel()
	}()

	if err := run(ctx, opts); err != nil && err != context.Canceled {
		slog.Error("daemon failed", "error", err)
		os.Exit(1)
	}
	slog.Info("stopped")
}

func parseFlags() options {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "config file (default: XDG config dir)")
	flag.StringVar(&opts.cacheDir, "cache-dir", "", "conversion cache directory (default: XDG cache dir)")
	flag.StringVar(&opts.backend, "backend", "headless", "compositor backend")
	flag.IntVar(&opts.workers, "workers", 0, "render worker pool size (0 = NumCPU)")
	flag.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	flag.BoolVar(&opts.version, "version", false, "print version and exit")
	flag.Parse()
	return opts
}

func run(ctx context.Context, opts options) error {
	configPath := opts.configPath
	if configPath == "" {
		p, err := config.Path()
		if err != nil {
			return err
		}
		configPath = p
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	updates, err := config.Watch(ctx, configPath)
	if err != nil {
		slog.Warn("config watch unavailable, edits need a restart", "error", err)
	}

	conn, err := compositor.Connect(opts.backend)
	if err != nil {
		return err
	}
	defer conn.Close()

	l := loop.New(ctx, opts.workers)

	builder := &animate.GstBuilder{Codec: convert.ProbeCodec}

	cacheDir := opts.cacheDir
	if cacheDir == "" {
		if cacheDir, err = convert.DefaultDir(); err != nil {
			return err
		}
	}

	statePath, err := config.StatePath()
	if err != nil {
		slog.Warn("state dir unavailable, slideshow positions will not persist", "error", err)
		statePath = ""
	}

	var mgr *wallpaper.Manager
	cache, err := convert.New(convert.Options{
		Dir:        cacheDir,
		Probe:      convert.ProbeCodec,
		Transcoder: convert.Transcode,
		Submit: func(job func()) {
			l.Go("transcode", func(context.Context) error { job(); return nil })
		},
		OnDone: func(source string, err error) {
			l.Post(func() { mgr.HandleConversionDone(source, err) })
		},
		VendorHW: builder.VendorHW(),
	})
	if err != nil {
		return err
	}

	mgr = wallpaper.NewManager(wallpaper.ManagerOptions{
		Conn:          conn,
		Loop:          l,
		Cache:         cache,
		Builder:       builder,
		Config:        cfg,
		ConfigUpdates: updates,
		StatePath:     statePath,
	})

	slog.Info("driftbg starting",
		"version", version,
		"config", configPath,
		"backend", opts.backend,
		"cache", cacheDir)

	mgrDone := make(chan error, 1)
	go func() { mgrDone <- mgr.Run(ctx) }()

	err = l.Run(ctx)
	// The manager tears surfaces down after the loop stops; wait for it
	// so the compositor sees the destroys before the process exits.
	if merr := <-mgrDone; merr != nil && merr != context.Canceled {
		slog.Error("manager stopped", "error", merr)
	}
	if werr := l.Wait(); werr != nil {
		slog.Warn("worker pool shutdown", "error", werr)
	}
	return err
}
