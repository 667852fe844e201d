package convert

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
)

// transcodeTimeout bounds one conversion. Wallpaper sources are short
// loops; anything running longer is stuck.
const transcodeTimeout = 10 * time.Minute

// ProbeCodec returns the video codec name of the first video stream,
// as reported by ffprobe (e.g. "h264", "vp9", "mpeg4").
func ProbeCodec(path string) (string, error) {
	out, err := exec.Command(
		"ffprobe", "-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=codec_name",
		"-of", "csv=p=0",
		path,
	).Output()
	if err != nil {
		return "", fmt.Errorf("convert: ffprobe %s: %w", path, err)
	}
	codec := strings.TrimSpace(string(bytes.SplitN(out, []byte("\n"), 2)[0]))
	if codec == "" {
		return "", fmt.Errorf("convert: ffprobe %s: no video stream", path)
	}
	return codec, nil
}

// Transcode converts src to VP9 in WebM at dst. Audio is dropped: the
// artifact exists to feed a silent wallpaper pipeline.
//
// The encode runs in-process as a GStreamer pipeline, polled on its bus
// until EOS or error.
func Transcode(src, dst string) error {
	gst.Init(nil)

	launch := fmt.Sprintf(
		"filesrc location=%q ! decodebin ! videoconvert ! "+
			"vp9enc deadline=1 ! webmmux ! filesink location=%q",
		src, dst,
	)
	pipeline, err := gst.NewPipelineFromString(launch)
	if err != nil {
		return fmt.Errorf("convert: create transcode pipeline: %w", err)
	}
	defer pipeline.SetState(gst.StateNull)

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("convert: start transcode: %w", err)
	}

	bus := pipeline.GetPipelineBus()
	deadline := time.Now().Add(transcodeTimeout)
	for time.Now().Before(deadline) {
		msg := bus.TimedPop(500 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			return nil
		case gst.MessageError:
			gerr := msg.ParseError()
			return fmt.Errorf("convert: transcode %s: %s", src, gerr.Error())
		}
	}
	return fmt.Errorf("convert: transcode %s: timeout after %v", src, transcodeTimeout)
}
