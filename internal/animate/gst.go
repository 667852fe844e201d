package animate

import (
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// selfTestWait bounds the PAUSED state wait during a tier self-test.
const selfTestWait = 500 * time.Millisecond

// GstBuilder probes and constructs GStreamer decode pipelines for each
// tier. Codec is an optional prober (the conversion cache provides one);
// without it, codec-gated tiers are offered whenever their elements
// exist and the self-test decides.
type GstBuilder struct {
	Codec func(path string) (string, error)

	nvidiaOnce sync.Once
	nvidia     bool
}

// nvdecCodecs are the codecs the vendor zero-copy path handles.
var nvdecCodecs = map[string]bool{"h264": true, "hevc": true, "h265": true}

// Tiers enumerates candidate tiers for a source, best first. Membership
// is availability only; the functional self-test does the real vetting.
func (b *GstBuilder) Tiers(path string) []Tier {
	gst.Init(nil)

	var tiers []Tier
	codec := ""
	if b.Codec != nil {
		if c, err := b.Codec(path); err == nil {
			codec = c
		}
	}

	if b.nvidiaPresent() && (codec == "" || nvdecCodecs[codec]) &&
		elementAvailable("nvh264dec") && elementAvailable("cudadmabufupload") &&
		demuxFor(path) != "" {
		tiers = append(tiers, TierVendorZeroCopy)
	}
	if elementAvailable("vapostproc") {
		tiers = append(tiers, TierVAAPIZeroCopy)
	}
	if elementAvailable("glupload") && elementAvailable("gldownload") {
		tiers = append(tiers, TierGPUCopy)
	}
	tiers = append(tiers, TierCPUFrames, TierSoftware)

	slog.Debug("animate: enumerated decode tiers",
		"path", path, "codec", codec, "tiers", fmt.Sprint(tiers))
	return tiers
}

// SelfTest builds the tier's pipeline and requires it to reach PAUSED
// within a bounded wait. A decoder that enumerates but cannot preroll is
// demoted here, before playback ever starts.
func (b *GstBuilder) SelfTest(tier Tier, path string) error {
	p, err := b.Build(tier, path, 64, 64)
	if err != nil {
		return err
	}
	gp := p.(*gstPipeline)
	defer gp.Close()

	if err := gp.pipeline.SetState(gst.StatePaused); err != nil {
		return fmt.Errorf("animate: self-test pause: %w", err)
	}
	bus := gp.pipeline.GetPipelineBus()
	deadline := time.Now().Add(selfTestWait)
	for time.Now().Before(deadline) {
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			return fmt.Errorf("animate: self-test %v: %s", tier, gerr.Error())
		case gst.MessageStateChanged:
			if msg.Source() != gp.pipeline.GetName() {
				continue
			}
			if _, newState := msg.ParseStateChanged(); newState == gst.StatePaused {
				return nil
			}
		case gst.MessageAsyncDone:
			return nil
		}
	}
	return fmt.Errorf("animate: self-test %v: no preroll within %v", tier, selfTestWait)
}

// Build constructs the decode pipeline for the chosen tier.
//
// Shared shape, mirroring the capture pipelines this is derived from:
//
//	filesrc → demux/decodebin →(dynamic pad)→ tier chain →
//	videorate(drop-only, ≤60) → capsfilter → appsink
//
// Zero-copy tiers negotiate DMABuf caps at the appsink and export the
// sample handle; CPU tiers negotiate system-memory BGRx at the target
// size and copy frame bytes out.
func (b *GstBuilder) Build(tier Tier, path string, width, height int) (Pipeline, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("animate: create pipeline: %w", err)
	}

	filesrc, err := gst.NewElement("filesrc")
	if err != nil {
		return nil, fmt.Errorf("animate: create filesrc: %w", err)
	}
	filesrc.SetProperty("location", path)

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("animate: create appsink: %w", err)
	}
	// Clock-synced delivery with a short queue: playback pacing comes
	// from the pipeline clock, staleness from drop.
	appsink.SetProperty("sync", true)
	appsink.SetProperty("max-buffers", 4)
	appsink.SetProperty("drop", true)

	videorate, err := gst.NewElement("videorate")
	if err != nil {
		return nil, fmt.Errorf("animate: create videorate: %w", err)
	}
	videorate.SetProperty("drop-only", true)
	videorate.SetProperty("max-rate", 60)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("animate: create capsfilter: %w", err)
	}

	gp := &gstPipeline{
		pipeline: pipeline,
		appsink:  appsink,
		tier:     tier,
		width:    width,
		height:   height,
		frames:   make(chan Frame, 4),
		events:   make(chan PipelineEvent, 4),
		stop:     make(chan struct{}),
	}

	var chain []*gst.Element // static post-demux chain, in link order
	var source *gst.Element  // element with dynamic pads

	switch tier {
	case TierVendorZeroCopy:
		demuxName := demuxFor(path)
		if demuxName == "" {
			return nil, fmt.Errorf("animate: no demuxer for %s", path)
		}
		demux, err := gst.NewElement(demuxName)
		if err != nil {
			return nil, fmt.Errorf("animate: create %s: %w", demuxName, err)
		}
		parse, err := gst.NewElement("h264parse")
		if err != nil {
			return nil, fmt.Errorf("animate: create h264parse: %w", err)
		}
		dec, err := gst.NewElement("nvh264dec")
		if err != nil {
			return nil, fmt.Errorf("animate: create nvh264dec: %w", err)
		}
		upload, err := gst.NewElement("cudadmabufupload")
		if err != nil {
			return nil, fmt.Errorf("animate: create cudadmabufupload: %w", err)
		}
		capsfilter.SetProperty("caps", gst.NewCapsFromString("video/x-raw(memory:DMABuf)"))
		source = demux
		chain = []*gst.Element{parse, dec, upload, videorate, capsfilter}
		pipeline.AddMany(filesrc, demux, parse, dec, upload, videorate, capsfilter, appsink.Element)
		if err := gst.ElementLinkMany(filesrc, demux); err != nil {
			return nil, fmt.Errorf("animate: link filesrc: %w", err)
		}

	case TierVAAPIZeroCopy:
		decodebin, err := gst.NewElement("decodebin")
		if err != nil {
			return nil, fmt.Errorf("animate: create decodebin: %w", err)
		}
		post, err := gst.NewElement("vapostproc")
		if err != nil {
			return nil, fmt.Errorf("animate: create vapostproc: %w", err)
		}
		capsfilter.SetProperty("caps", gst.NewCapsFromString(fmt.Sprintf(
			"video/x-raw(memory:DMABuf),format=BGRx,width=%d,height=%d", width, height)))
		source = decodebin
		chain = []*gst.Element{videorate, post, capsfilter}
		pipeline.AddMany(filesrc, decodebin, videorate, post, capsfilter, appsink.Element)
		if err := gst.ElementLinkMany(filesrc, decodebin); err != nil {
			return nil, fmt.Errorf("animate: link filesrc: %w", err)
		}

	case TierGPUCopy:
		decodebin, err := gst.NewElement("decodebin")
		if err != nil {
			return nil, fmt.Errorf("animate: create decodebin: %w", err)
		}
		upload, err := gst.NewElement("glupload")
		if err != nil {
			return nil, fmt.Errorf("animate: create glupload: %w", err)
		}
		convert, err := gst.NewElement("glcolorconvert")
		if err != nil {
			return nil, fmt.Errorf("animate: create glcolorconvert: %w", err)
		}
		download, err := gst.NewElement("gldownload")
		if err != nil {
			return nil, fmt.Errorf("animate: create gldownload: %w", err)
		}
		scale, err := gst.NewElement("videoscale")
		if err != nil {
			return nil, fmt.Errorf("animate: create videoscale: %w", err)
		}
		capsfilter.SetProperty("caps", gst.NewCapsFromString(fmt.Sprintf(
			"video/x-raw,format=BGRx,width=%d,height=%d", width, height)))
		source = decodebin
		chain = []*gst.Element{upload, convert, download, videorate, scale, capsfilter}
		pipeline.AddMany(filesrc, decodebin, upload, convert, download, videorate, scale, capsfilter, appsink.Element)
		if err := gst.ElementLinkMany(filesrc, decodebin); err != nil {
			return nil, fmt.Errorf("animate: link filesrc: %w", err)
		}

	case TierCPUFrames, TierSoftware:
		decodebin, err := gst.NewElement("decodebin")
		if err != nil {
			return nil, fmt.Errorf("animate: create decodebin: %w", err)
		}
		if tier == TierSoftware {
			decodebin.SetProperty("force-sw-decoders", true)
		}
		convert, err := gst.NewElement("videoconvert")
		if err != nil {
			return nil, fmt.Errorf("animate: create videoconvert: %w", err)
		}
		convert.SetProperty("n-threads", 0)
		scale, err := gst.NewElement("videoscale")
		if err != nil {
			return nil, fmt.Errorf("animate: create videoscale: %w", err)
		}
		capsfilter.SetProperty("caps", gst.NewCapsFromString(fmt.Sprintf(
			"video/x-raw,format=BGRx,width=%d,height=%d", width, height)))
		source = decodebin
		chain = []*gst.Element{videorate, convert, scale, capsfilter}
		pipeline.AddMany(filesrc, decodebin, videorate, convert, scale, capsfilter, appsink.Element)
		if err := gst.ElementLinkMany(filesrc, decodebin); err != nil {
			return nil, fmt.Errorf("animate: link filesrc: %w", err)
		}

	default:
		return nil, fmt.Errorf("animate: unknown tier %v", tier)
	}

	linkArgs := append(append([]*gst.Element{}, chain...), appsink.Element)
	if err := gst.ElementLinkMany(linkArgs...); err != nil {
		return nil, fmt.Errorf("animate: link %v chain: %w", tier, err)
	}

	// Demuxers and decodebin expose pads only once the stream type is
	// known; link the head of the static chain when they appear.
	head := chain[0]
	source.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		sinkPad := head.GetStaticPad("sink")
		if sinkPad == nil || sinkPad.IsLinked() {
			return
		}
		if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
			slog.Debug("animate: dynamic pad link skipped",
				"pad", srcPad.GetName(), "ret", fmt.Sprint(ret))
		}
	})

	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: gp.onNewSample,
	})
	return gp, nil
}

// VendorHW reports whether vendor decode hardware is present. The
// conversion cache uses this to skip transcoding codecs the vendor
// tier decodes natively.
func (b *GstBuilder) VendorHW() bool { return b.nvidiaPresent() }

func (b *GstBuilder) nvidiaPresent() bool {
	b.nvidiaOnce.Do(func() {
		if _, err := exec.LookPath("nvidia-smi"); err == nil {
			if exec.Command("nvidia-smi", "-L").Run() == nil {
				b.nvidia = true
				return
			}
		}
		out, err := exec.Command("lspci").Output()
		b.nvidia = err == nil && strings.Contains(strings.ToUpper(string(out)), "NVIDIA")
	})
	return b.nvidia
}

func elementAvailable(name string) bool {
	e, err := gst.NewElement(name)
	if err != nil {
		return false
	}
	e.SetState(gst.StateNull)
	return true
}

func demuxFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4", ".mov":
		return "qtdemux"
	case ".mkv", ".webm":
		return "matroskademux"
	case ".avi":
		return "avidemux"
	default:
		return ""
	}
}

// gstPipeline is the running pipeline for one tier.
type gstPipeline struct {
	pipeline *gst.Pipeline
	appsink  *app.Sink
	tier     Tier
	width    int
	height   int

	frames chan Frame
	events chan PipelineEvent
	stop   chan struct{}

	seq          uint64
	dropped      uint64
	frameDur     atomic.Int64 // nanoseconds; 0 until caps are read
	framesClosed atomic.Bool
	closed       atomic.Bool
	monitorOnce  sync.Once
}

func (p *gstPipeline) Frames() <-chan Frame         { return p.frames }
func (p *gstPipeline) Events() <-chan PipelineEvent { return p.events }

// Start sets the pipeline playing and begins bus monitoring.
func (p *gstPipeline) Start() error {
	if err := p.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("animate: set playing: %w", err)
	}
	p.monitorOnce.Do(func() { go p.monitorBus() })
	return nil
}

func (p *gstPipeline) Pause() error {
	if err := p.pipeline.SetState(gst.StatePaused); err != nil {
		return fmt.Errorf("animate: set paused: %w", err)
	}
	return nil
}

func (p *gstPipeline) Resume() error {
	if err := p.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("animate: set playing: %w", err)
	}
	return nil
}

// Restart rewinds to the start of the file without renegotiating the
// tier: the pipeline drops to NULL and replays. Used for looping and
// for resuming a non-loop session from Stopped.
func (p *gstPipeline) Restart() error {
	if err := p.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("animate: restart to null: %w", err)
	}
	if err := p.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("animate: restart to playing: %w", err)
	}
	return nil
}

// FrameDuration returns 1/min(source fps, 60), or the 60 fps default
// until caps have been negotiated.
func (p *gstPipeline) FrameDuration() time.Duration {
	if d := p.frameDur.Load(); d > 0 {
		return time.Duration(d)
	}
	return minFrameDuration
}

// Close is idempotent. It tears the pipeline down and closes the frame
// stream.
func (p *gstPipeline) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(p.stop)
	err := p.pipeline.SetState(gst.StateNull)
	if p.framesClosed.CompareAndSwap(false, true) {
		close(p.frames)
	}
	if err != nil {
		return fmt.Errorf("animate: set null: %w", err)
	}
	return nil
}

// onNewSample pulls a decoded sample and forwards it without blocking
// the streaming thread. CPU tiers copy the mapped bytes out; zero-copy
// tiers wrap the sample handle for the transport layer.
func (p *gstPipeline) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}

	if p.frameDur.Load() == 0 {
		p.readFrameDuration()
	}

	frame := Frame{
		Width:  p.width,
		Height: p.height,
	}
	if p.tier.ZeroCopy() {
		frame.External = &sampleBuffer{sample: sample, width: p.width, height: p.height}
	} else {
		buffer := sample.GetBuffer()
		if buffer == nil {
			return gst.FlowOK
		}
		mapInfo := buffer.Map(gst.MapRead)
		data := mapInfo.Bytes()
		if len(data) == 0 {
			buffer.Unmap()
			return gst.FlowOK
		}
		frame.Data = make([]byte, len(data))
		copy(frame.Data, data)
		buffer.Unmap()
	}
	frame.Seq = atomic.AddUint64(&p.seq, 1)
	frame.Duration = p.FrameDuration()

	select {
	case p.frames <- frame:
	case <-p.stop:
	default:
		atomic.AddUint64(&p.dropped, 1)
	}
	return gst.FlowOK
}

// readFrameDuration parses the negotiated framerate from the appsink
// pad caps, capping at 60 fps.
func (p *gstPipeline) readFrameDuration() {
	pads, err := p.appsink.Element.GetSinkPads()
	if err != nil || len(pads) == 0 {
		return
	}
	caps := pads[0].GetCurrentCaps()
	if caps == nil || caps.GetSize() == 0 {
		return
	}
	structure := caps.GetStructureAt(0)
	val, err := structure.GetValue("framerate")
	if err != nil {
		return
	}
	fps := parseFPS(fmt.Sprintf("%v", val))
	if fps <= 0 {
		return
	}
	if fps > 60 {
		fps = 60
	}
	p.frameDur.Store(int64(time.Second / time.Duration(fps)))
}

// parseFPS converts a framerate string to integer fps.
// Examples: "30/1" → 30, "30000/1001" → 29.
func parseFPS(s string) int {
	var num, den int
	if _, err := fmt.Sscanf(s, "%d/%d", &num, &den); err == nil && den > 0 {
		return num / den
	}
	var fps int
	if _, err := fmt.Sscanf(s, "%d", &fps); err == nil {
		return fps
	}
	return 0
}

// monitorBus polls the pipeline bus and surfaces EOS and errors.
func (p *gstPipeline) monitorBus() {
	bus := p.pipeline.GetPipelineBus()
	for {
		select {
		case <-p.stop:
			return
		default:
		}
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			p.postEvent(PipelineEvent{Kind: EventEOS})
		case gst.MessageError:
			gerr := msg.ParseError()
			p.postEvent(PipelineEvent{
				Kind: EventError,
				Err:  fmt.Errorf("animate: pipeline error: %s", gerr.Error()),
			})
			return
		}
	}
}

func (p *gstPipeline) postEvent(ev PipelineEvent) {
	select {
	case p.events <- ev:
	case <-p.stop:
	}
}

// sampleBuffer adapts a zero-copy sample to the compositor's external
// buffer interface. The handle stays valid as long as the sample is
// referenced; Close drops our reference.
type sampleBuffer struct {
	sample *gst.Sample
	width  int
	height int
	closed atomic.Bool
}

func (s *sampleBuffer) Size() (int, int) { return s.width, s.height }

func (s *sampleBuffer) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.sample = nil
	}
	return nil
}
