package main

import (
	"fmt"

	"github.com/TUM-Dev/streamstudio/studiod/media"
)

const engineOutputDescription = "appsrc name=program max-buffers=8 ! fakesink name=sink"

// engineOutput terminates the relayed program inside the built-in engine
// when no GStreamer output is configured.
type engineOutput struct {
	graph *media.Graph
	src   *media.AppSrc
	sink  *media.Node
}

func newEngineOutput(ctx media.MainContext) (*engineOutput, error) {
	g, err := media.ParseLaunch(engineOutputDescription, nil, ctx)
	if err != nil {
		return nil, err
	}
	src, err := media.AppSrcFromNode(g.Node("program"))
	if err != nil {
		return nil, err
	}
	return &engineOutput{graph: g, src: src, sink: g.Node("sink")}, nil
}

func (o *engineOutput) Start() error {
	return o.graph.SetState(media.StatePlaying)
}

func (o *engineOutput) Stop() error {
	o.src.EndOfStream()
	return o.graph.Shutdown()
}

func (o *engineOutput) Dot() string {
	return o.graph.Dot()
}

func (o *engineOutput) PushBuffer(buf *media.Buffer) media.FlowReturn {
	return o.src.PushBuffer(buf)
}

// rendered is the number of program frames that reached the sink.
func (o *engineOutput) rendered() (uint64, error) {
	v, err := o.sink.Property("rendered")
	if err != nil {
		return 0, err
	}
	n, ok := v.(uint64)
	if !ok {
		return 0, fmt.Errorf("rendered is a %T", v)
	}
	return n, nil
}
