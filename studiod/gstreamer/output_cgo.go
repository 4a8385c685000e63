//go:build cgo

package gstreamer

import (
	"fmt"

	"github.com/go-gst/go-gst/gst"
	"github.com/go-gst/go-gst/gst/app"
	"k8s.io/klog"

	"github.com/TUM-Dev/streamstudio/studiod/media"
)

// Output is the GStreamer pipeline showing or streaming the program. It is
// the FrameSink of the relay.
type Output struct {
	pipeline *gst.Pipeline
	src      *app.Source
	// nil unless streaming over SRT
	srtsink *gst.Element
}

func NewOutput(cfg OutputConfig) (*Output, error) {
	Init()
	desc := outputDescription(cfg)
	klog.V(2).Infof("output pipeline: %s", desc)

	p, err := gst.NewPipelineFromString(desc)
	if err != nil {
		return nil, fmt.Errorf("output pipeline: %w", err)
	}
	elem, err := p.GetElementByName(ProgramSource)
	if err != nil {
		return nil, err
	}
	src := app.SrcFromElement(elem)
	if src == nil {
		return nil, fmt.Errorf("%s is not an appsrc", ProgramSource)
	}
	o := &Output{pipeline: p, src: src}
	if cfg.SRTAddress != "" {
		if o.srtsink, err = p.GetElementByName(SRTSinkName); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *Output) Start() error {
	return o.pipeline.SetState(gst.StatePlaying)
}

func (o *Output) Stop() error {
	o.src.EndStream()
	return o.pipeline.BlockSetState(gst.StateNull)
}

func (o *Output) Dot() string {
	return o.pipeline.DebugBinToDotData(gst.DebugGraphShowStates)
}

// PushBuffer hands one relayed frame to the appsrc.
func (o *Output) PushBuffer(buf *media.Buffer) media.FlowReturn {
	gbuf := gst.NewBufferFromBytes(buf.Data)
	gbuf.SetPresentationTimestamp(gst.ClockTime(buf.PTS))
	gbuf.SetDuration(gst.ClockTime(buf.Duration))
	return flowReturn(o.src.PushBuffer(gbuf))
}

func flowReturn(ret gst.FlowReturn) media.FlowReturn {
	switch ret {
	case gst.FlowOK:
		return media.FlowOK
	case gst.FlowNotLinked:
		return media.FlowNotLinked
	case gst.FlowFlushing:
		return media.FlowFlushing
	case gst.FlowEOS:
		return media.FlowEOS
	}
	return media.FlowError
}
