//go:build cgo

package gstreamer

import (
	"errors"
	"fmt"

	"github.com/go-gst/go-gst/gst"
	"k8s.io/klog"

	"github.com/TUM-Dev/streamstudio/studiod/studio"
)

// Launcher runs ad-hoc pipeline descriptions on GStreamer.
type Launcher struct{}

func NewLauncher() (*Launcher, error) {
	Init()
	return &Launcher{}, nil
}

// Pipeline is a parsed GStreamer pipeline.
type Pipeline struct {
	description string
	pipeline    *gst.Pipeline
}

func (l *Launcher) Launch(description string) (studio.AdHoc, error) {
	p, err := gst.NewPipelineFromString(description)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", studio.ErrInvalidDescription, err)
	}
	pl := &Pipeline{description: description, pipeline: p}
	pl.registerBusWatch()
	return pl, nil
}

func (p *Pipeline) registerBusWatch() bool {
	pl := p.pipeline
	return pl.GetPipelineBus().AddWatch(func(msg *gst.Message) bool {
		switch msg.Type() {
		case gst.MessageEOS:
			klog.Infof("pipeline %q reached end of stream", p.description)
			_ = pl.BlockSetState(gst.StateNull)
			return false
		case gst.MessageError:
			gerr := msg.ParseError()
			klog.Errorf("pipeline %q: %s", p.description, gerr.Error())
			if debug := gerr.DebugString(); debug != "" {
				klog.V(2).Infof("debug: %s", debug)
			}
			_ = pl.BlockSetState(gst.StateNull)
			return false
		case gst.MessageWarning:
			klog.Warningf("pipeline %q: %s", p.description, msg.ParseWarning().Error())
		}
		return true
	})
}

func (p *Pipeline) Start() error {
	if err := p.pipeline.SetState(gst.StatePlaying); err != nil {
		return errors.New("failed to set pipeline state to playing")
	}
	return nil
}

func (p *Pipeline) Stop() error {
	return p.pipeline.BlockSetState(gst.StateNull)
}

func (p *Pipeline) Dot() string {
	return p.pipeline.DebugBinToDotData(gst.DebugGraphShowStates)
}
