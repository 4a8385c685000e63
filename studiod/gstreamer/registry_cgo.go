//go:build cgo

package gstreamer

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-gst/go-gst/gst"
	"github.com/sourcegraph/conc"
	"k8s.io/klog"

	"github.com/TUM-Dev/streamstudio/studiod/media"
)

// Backend runs a studio graph on one GStreamer pipeline. Every node of the
// graph wraps an element or bin of the pipeline and every port one of its
// pads, so links, pad probes and state changes act on GStreamer itself.
//
// The pipeline is PLAYING from the start. Nodes are added to it and brought
// up one by one, the way dynamic pipelines sync children with their parent.
type Backend struct {
	pipeline *gst.Pipeline
	registry *media.Registry

	mu    sync.Mutex
	graph *media.Graph
	nodes map[string]*media.Node
	pads  map[*media.Port]*gst.Pad
	// blocking probes holding dynamic pads until they are linked
	holds map[*gst.Pad]uint64

	stop chan struct{}
	wg   conc.WaitGroup
}

func NewBackend(name string) (*Backend, error) {
	Init()
	pipeline, err := gst.NewPipeline(name)
	if err != nil {
		return nil, fmt.Errorf("studio pipeline: %w", err)
	}
	b := &Backend{
		pipeline: pipeline,
		nodes:    map[string]*media.Node{},
		pads:     map[*media.Port]*gst.Pad{},
		holds:    map[*gst.Pad]uint64{},
		stop:     make(chan struct{}),
	}

	r := media.NewEmptyRegistry()
	r.Register("testsrc", b.newTestSrc)
	r.Register("devsrc", b.newDevSrc)
	r.Register("filedemux", b.newFileDemux)
	r.Register("tee", b.newTee)
	r.Register("queue", b.newQueue)
	r.Register("selector", b.newSelector)
	r.Register("monitorsink", b.newMonitorSink)
	r.Register("fakesink", b.newFakeSink)
	r.Register("appsink", b.newAppSink)
	b.registry = r

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return nil, fmt.Errorf("studio pipeline: %w", err)
	}
	return b, nil
}

func (b *Backend) Registry() *media.Registry { return b.registry }

// NewGraph returns the graph whose nodes live in the pipeline of b. Errors,
// warnings and window requests of the pipeline are posted on its bus. It
// must be called once.
func (b *Backend) NewGraph(ctx media.MainContext) *media.Graph {
	g := media.NewGraph(b.pipeline.GetName(), b.registry, ctx)
	b.mu.Lock()
	b.graph = g
	b.mu.Unlock()

	bus := b.pipeline.GetPipelineBus()
	b.wg.Go(func() { b.pump(bus) })
	return g
}

func (b *Backend) Dot() string {
	return b.pipeline.DebugBinToDotData(gst.DebugGraphShowStates)
}

// Close stops the pipeline. The graph must have been shut down before.
func (b *Backend) Close() error {
	close(b.stop)
	b.wg.Wait()
	return b.pipeline.BlockSetState(gst.StateNull)
}

func (b *Backend) pump(bus *gst.Bus) {
	for {
		select {
		case <-b.stop:
			return
		default:
		}
		msg := bus.TimedPop(gst.ClockTime(100 * time.Millisecond))
		if msg == nil {
			continue
		}
		b.forward(msg)
	}
}

func (b *Backend) forward(msg *gst.Message) {
	switch msg.Type() {
	case gst.MessageError:
		gerr := msg.ParseError()
		b.post(msg.Source(), media.MessageError, gerr.Error(), gerr.DebugString())
	case gst.MessageWarning:
		gerr := msg.ParseWarning()
		b.post(msg.Source(), media.MessageWarning, gerr.Error(), gerr.DebugString())
	case gst.MessageElement:
		s := msg.GetStructure()
		if s == nil || s.Name() != "prepare-window-handle" {
			return
		}
		if n := b.owner(msg.Source()); n != nil {
			n.PostElement(media.NewStructure(s.Name(), nil))
		}
	}
}

func (b *Backend) post(source string, typ media.MessageType, message, debug string) {
	if n := b.owner(source); n != nil {
		if typ == media.MessageError {
			n.PostError(message, debug)
		} else {
			n.PostWarning(message, debug)
		}
		return
	}

	b.mu.Lock()
	g := b.graph
	b.mu.Unlock()
	if g == nil {
		klog.Warningf("%s from %s: %s", typ, source, message)
		return
	}
	g.Bus().Post(&media.Message{
		Type: typ,
		Err:  &media.StreamError{Source: source, Message: message, Debug: debug},
	})
}

func (b *Backend) owner(source string) *media.Node {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.nodes))
	for name := range b.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return b.nodes[ownerName(source, names)]
}

func (b *Backend) bind(p *media.Port, pad *gst.Pad) {
	b.mu.Lock()
	b.pads[p] = pad
	b.mu.Unlock()
}

func (b *Backend) pad(p *media.Port) (*gst.Pad, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pad, ok := b.pads[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no pad", media.ErrNoSuchPort, p)
	}
	return pad, nil
}

func (b *Backend) unbind(p *media.Port) {
	b.mu.Lock()
	pad := b.pads[p]
	delete(b.pads, p)
	delete(b.holds, pad)
	b.mu.Unlock()
}

// forget drops everything b knows about n.
func (b *Backend) forget(n *media.Node) {
	for _, p := range append(n.Inputs(), n.Outputs()...) {
		b.unbind(p)
	}
	b.mu.Lock()
	delete(b.nodes, n.Name())
	b.mu.Unlock()
}

// hold keeps data on pad until it is linked.
func (b *Backend) hold(pad *gst.Pad) {
	id := pad.AddProbe(gst.PadProbeTypeBlockDownstream, func(*gst.Pad, *gst.PadProbeInfo) gst.PadProbeReturn {
		return gst.PadProbeOK
	})
	b.mu.Lock()
	b.holds[pad] = id
	b.mu.Unlock()
}

func (b *Backend) release(pad *gst.Pad) {
	b.mu.Lock()
	id, ok := b.holds[pad]
	delete(b.holds, pad)
	b.mu.Unlock()
	if ok {
		pad.RemoveProbe(id)
	}
}

func (b *Backend) Link(src, sink *media.Port) error {
	sp, err := b.pad(src)
	if err != nil {
		return err
	}
	kp, err := b.pad(sink)
	if err != nil {
		return err
	}
	if ret := sp.Link(kp); ret != gst.PadLinkOK {
		return fmt.Errorf("%w: %s -> %s: %s", media.ErrTypeMismatch, src, sink, ret)
	}
	b.release(sp)
	return nil
}

func (b *Backend) Unlink(src, sink *media.Port) error {
	sp, err := b.pad(src)
	if err != nil {
		return err
	}
	kp, err := b.pad(sink)
	if err != nil {
		return err
	}
	if !sp.Unlink(kp) {
		return fmt.Errorf("%w: %s -> %s is not linked", media.ErrNoSuchPort, src, sink)
	}
	return nil
}

func (b *Backend) AddProbe(p *media.Port, typ media.ProbeType, fn func(*media.ProbeInfo) media.ProbeReturn) uint64 {
	pad, err := b.pad(p)
	if err != nil {
		klog.Warningf("probe on %s: %v", p, err)
		return 0
	}
	return pad.AddProbe(probeMask(typ), func(_ *gst.Pad, info *gst.PadProbeInfo) gst.PadProbeReturn {
		mi, ok := probeInfo(typ, info)
		if !ok {
			return gst.PadProbeOK
		}
		return probeReturn(fn(mi))
	})
}

func (b *Backend) RemoveProbe(p *media.Port, handle uint64) {
	if pad, err := b.pad(p); err == nil {
		pad.RemoveProbe(handle)
	}
}

func (b *Backend) SendEvent(p *media.Port, ev media.Event) bool {
	pad, err := b.pad(p)
	if err != nil {
		return false
	}
	switch ev.Type {
	case media.EventEOS:
		return pad.SendEvent(gst.NewEOSEvent())
	case media.EventStreamStart:
		return pad.SendEvent(gst.NewStreamStartEvent(ev.Origin))
	}
	return false
}

func probeMask(typ media.ProbeType) gst.PadProbeType {
	var mask gst.PadProbeType
	if typ&media.ProbeBuffer != 0 {
		mask |= gst.PadProbeTypeBuffer
	}
	if typ&media.ProbeEvent != 0 {
		mask |= gst.PadProbeTypeEventDownstream
	}
	if typ&media.ProbeBlock != 0 {
		mask |= gst.PadProbeTypeBlockDownstream
	}
	if typ&media.ProbeIdle != 0 {
		mask |= gst.PadProbeTypeIdle
	}
	return mask
}

// probeInfo translates what a pad probe saw. Events without a counterpart
// in the media engine, such as caps or segments, are not reported to event
// probes.
func probeInfo(typ media.ProbeType, info *gst.PadProbeInfo) (*media.ProbeInfo, bool) {
	it := info.Type()
	mi := &media.ProbeInfo{}
	switch {
	case it&gst.PadProbeTypeIdle != 0:
		mi.Type = media.ProbeIdle
	case it&gst.PadProbeTypeBlock != 0 && typ&media.ProbeBlock != 0:
		mi.Type = media.ProbeBlock
	case it&gst.PadProbeTypeBuffer != 0:
		mi.Type = media.ProbeBuffer
	default:
		mi.Type = media.ProbeEvent
	}

	if it&gst.PadProbeTypeBuffer != 0 {
		if buf := info.GetBuffer(); buf != nil {
			mi.Buffer = &media.Buffer{
				PTS:      clockDuration(buf.PresentationTimestamp()),
				Duration: clockDuration(buf.Duration()),
			}
		}
	}
	if it&gst.PadProbeTypeEventDownstream != 0 {
		if ev := info.GetEvent(); ev != nil {
			switch ev.Type() {
			case gst.EventTypeEOS:
				mi.Event = &media.Event{Type: media.EventEOS}
			case gst.EventTypeStreamStart:
				mi.Event = &media.Event{Type: media.EventStreamStart}
			}
		}
		if mi.Type == media.ProbeEvent && mi.Event == nil {
			return nil, false
		}
	}
	return mi, true
}

func probeReturn(ret media.ProbeReturn) gst.PadProbeReturn {
	switch ret {
	case media.ProbeDrop:
		return gst.PadProbeDrop
	case media.ProbeRemove:
		return gst.PadProbeRemove
	case media.ProbePass:
		return gst.PadProbePass
	}
	return gst.PadProbeOK
}

func clockDuration(ct gst.ClockTime) time.Duration {
	if d := ct.AsDuration(); d != nil {
		return *d
	}
	return 0
}

func gstState(s media.State) gst.State {
	switch s {
	case media.StateReady:
		return gst.StateReady
	case media.StatePaused:
		return gst.StatePaused
	case media.StatePlaying:
		return gst.StatePlaying
	}
	return gst.StateNull
}
