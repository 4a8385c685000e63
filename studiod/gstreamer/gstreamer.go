// Package gstreamer bridges studiod to a system GStreamer installation. It
// needs cgo; without it every constructor returns ErrCGORequired and the
// daemon runs on the built-in media engine alone.
package gstreamer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/TUM-Dev/streamstudio/studiod/media"
)

var ErrCGORequired = errors.New("gstreamer support requires a cgo build")

// ProgramSource is the name of the appsrc the relay pushes into.
const ProgramSource = "program"

// OutputConfig describes the pipeline receiving the program.
type OutputConfig struct {
	Caps media.Caps
	// SRTAddress switches from a local preview window to an MPEG-TS stream
	// served over SRT, e.g. "srt://:7000".
	SRTAddress string
	// H264BitrateKbps is only used for SRT output.
	H264BitrateKbps int
	HwAccel         bool
}

// capsFilter returns c as a quoted caps string for a pipeline description.
func capsFilter(c media.Caps) string {
	mimetype := c.MediaType
	if mimetype == "" || mimetype == media.MediaTypeAny {
		mimetype = media.MediaTypeVideoRaw
	}
	str := "\"" + mimetype
	if c.Format != "" {
		str += ",format=" + c.Format
	}
	if c.Width > 0 && c.Height > 0 {
		str += fmt.Sprintf(",width=%d,height=%d", c.Width, c.Height)
	}
	if c.Framerate.Nominator > 0 && c.Framerate.Denominator > 0 {
		str += fmt.Sprintf(",framerate=%d/%d", c.Framerate.Nominator, c.Framerate.Denominator)
	}
	return str + "\""
}

// outputDescription builds the launch description of the output pipeline.
func outputDescription(cfg OutputConfig) string {
	src := fmt.Sprintf("appsrc name=%s format=time is-live=true do-timestamp=false caps=%s", ProgramSource, capsFilter(cfg.Caps))
	if cfg.SRTAddress == "" {
		return src + " ! queue ! videoconvert ! autovideosink sync=false"
	}

	h264enc := "x264enc tune=zerolatency pass=0" // pass=0 is cbr
	if cfg.HwAccel {
		h264enc = "vah264enc rate-control=cbr"
	}
	bitrate := cfg.H264BitrateKbps
	if bitrate <= 0 {
		bitrate = 6000
	}
	return strings.Join([]string{
		src,
		"queue name=queue_video_output",
		"videoconvert",
		fmt.Sprintf("%s bitrate=%d", h264enc, bitrate),
		"video/x-h264,pixel-aspect-ratio=1/1,format=high",
		"h264parse config-interval=-1",
		"mpegtsmux name=mpegtsmux_output",
		fmt.Sprintf("srtsink name=%s uri=%s wait-for-connection=false", SRTSinkName, cfg.SRTAddress),
	}, " ! ")
}
