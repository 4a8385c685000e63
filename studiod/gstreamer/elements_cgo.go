//go:build cgo

package gstreamer

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gst/go-gst/gst"
	"github.com/go-gst/go-gst/gst/app"
	"k8s.io/klog"

	"github.com/TUM-Dev/streamstudio/studiod/media"
)

// element is one element or bin of the pipeline standing behind a node.
type element struct {
	b    *Backend
	elem *gst.Element
}

func (b *Backend) add(n *media.Node, elem *gst.Element) (*element, error) {
	if err := b.pipeline.Add(elem); err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.nodes[n.Name()] = n
	b.mu.Unlock()
	return &element{b: b, elem: elem}, nil
}

func (b *Backend) addElement(n *media.Node, factory string, args ...string) (*element, error) {
	elem, err := gst.NewElementWithName(factory, n.Name())
	if err != nil {
		return nil, err
	}
	for i := 0; i+1 < len(args); i += 2 {
		elem.SetArg(args[i], args[i+1])
	}
	return b.add(n, elem)
}

// addBin parses desc into a bin named after n. Unlinked pads of the bin are
// ghosted as src and sink.
func (b *Backend) addBin(n *media.Node, desc string) (*element, *gst.Bin, error) {
	bin, err := gst.NewBinFromString(desc, true)
	if err != nil {
		return nil, nil, err
	}
	if err := bin.SetProperty("name", n.Name()); err != nil {
		return nil, nil, err
	}
	// keeps sinks prerolling inside the bin from pausing the pipeline
	bin.SetArg("async-handling", "true")
	e, err := b.add(n, bin.Element)
	return e, bin, err
}

func (e *element) ChangeState(n *media.Node, t media.StateChange) error {
	return e.elem.SetState(gstState(t.Next()))
}

func (e *element) Dispose(n *media.Node) error {
	if err := e.elem.SetState(gst.StateNull); err != nil {
		return err
	}
	e.b.forget(n)
	return e.b.pipeline.Remove(e.elem)
}

// discard takes the element out again when its factory fails.
func (e *element) discard(n *media.Node) {
	if err := e.Dispose(n); err != nil {
		klog.Warningf("discarding %s: %v", n.Name(), err)
	}
}

// expose gives n a port for the static pad name of the element.
func (e *element) expose(n *media.Node, name string, dir media.Direction, caps media.Caps) (*media.Port, error) {
	pad := e.elem.GetStaticPad(name)
	if pad == nil {
		return nil, fmt.Errorf("%w: %s has no pad %s", media.ErrNoSuchPort, n.Name(), name)
	}
	var p *media.Port
	if dir == media.DirIn {
		p = n.AddDrivenInput(name, caps, e.b)
	} else {
		p = n.AddDrivenOutput(name, caps, e.b)
	}
	e.b.bind(p, pad)
	return p, nil
}

// request gives n a port for a new request pad of the element.
func (e *element) request(n *media.Node, template string, dir media.Direction, caps media.Caps) (*media.Port, error) {
	pad := e.elem.GetRequestPad(template)
	if pad == nil {
		return nil, fmt.Errorf("%w: %s has no request pad %s", media.ErrNoSuchPort, n.Name(), template)
	}
	var p *media.Port
	if dir == media.DirIn {
		p = n.AddDrivenInput(pad.GetName(), caps, e.b)
	} else {
		p = n.AddDrivenOutput(pad.GetName(), caps, e.b)
	}
	e.b.bind(p, pad)
	return p, nil
}

func (e *element) releaseRequest(n *media.Node, p *media.Port) error {
	pad, err := e.b.pad(p)
	if err != nil {
		return err
	}
	if err := n.RemovePort(p); err != nil {
		return err
	}
	e.b.unbind(p)
	e.elem.ReleaseRequestPad(pad)
	return nil
}

func (b *Backend) newTestSrc(n *media.Node, props media.Properties) (media.Element, error) {
	caps, err := props.Caps("caps", media.DefaultVideoCaps)
	if err != nil {
		return nil, err
	}
	pattern, err := patternOf(props)
	if err != nil {
		return nil, err
	}
	return b.newBinSource(n, testSourceDescription(n.Name(), pattern, caps), caps)
}

func (b *Backend) newDevSrc(n *media.Node, props media.Properties) (media.Element, error) {
	device, err := props.String("device", "")
	if err != nil {
		return nil, err
	}
	if device == "" {
		return nil, fmt.Errorf("property \"device\" is required")
	}
	caps, err := props.Caps("caps", media.DefaultVideoCaps)
	if err != nil {
		return nil, err
	}
	return b.newBinSource(n, deviceSourceDescription(n.Name(), device, caps), caps)
}

func (b *Backend) newBinSource(n *media.Node, desc string, caps media.Caps) (media.Element, error) {
	e, _, err := b.addBin(n, desc)
	if err != nil {
		return nil, err
	}
	if _, err := e.expose(n, "src", media.DirOut, caps); err != nil {
		e.discard(n)
		return nil, err
	}
	return e, nil
}

// fileDemux decodes a file with uridecodebin. Each decoded stream becomes a
// port of the node, held blocked until the branch linked it.
type fileDemux struct {
	*element
}

func (b *Backend) newFileDemux(n *media.Node, props media.Properties) (media.Element, error) {
	location, err := props.String("location", "")
	if err != nil {
		return nil, err
	}
	if location == "" {
		return nil, fmt.Errorf("property \"location\" is required")
	}
	uri, err := fileURI(location)
	if err != nil {
		return nil, err
	}

	e, err := b.addElement(n, "uridecodebin", "uri", uri, "async-handling", "true")
	if err != nil {
		return nil, err
	}
	d := &fileDemux{element: e}
	if _, err := e.elem.Connect("pad-added", func(_ *gst.Element, pad *gst.Pad) {
		d.padAdded(n, pad)
	}); err != nil {
		e.discard(n)
		return nil, err
	}
	if _, err := e.elem.Connect("no-more-pads", func(*gst.Element) {
		n.NoMorePorts()
	}); err != nil {
		e.discard(n)
		return nil, err
	}
	return d, nil
}

func (d *fileDemux) padAdded(n *media.Node, pad *gst.Pad) {
	caps := pad.GetCurrentCaps()
	if caps == nil {
		caps = pad.QueryCaps(nil)
	}
	mediaType := media.MediaTypeAny
	if caps != nil && caps.GetSize() > 0 {
		mediaType = caps.GetStructureAt(0).Name()
	}

	d.b.hold(pad)
	p := n.AddDrivenOutput(pad.GetName(), media.Caps{MediaType: mediaType}, d.b)
	d.b.bind(p, pad)
	klog.V(2).Infof("%s: new pad %s (%s)", n.Name(), pad.GetName(), mediaType)
	n.AnnouncePort(p)
}

type tee struct {
	*element
}

func (b *Backend) newTee(n *media.Node, props media.Properties) (media.Element, error) {
	caps, err := props.Caps("caps", media.AnyCaps)
	if err != nil {
		return nil, err
	}
	e, err := b.addElement(n, "tee", "allow-not-linked", "true")
	if err != nil {
		return nil, err
	}
	if _, err := e.expose(n, "sink", media.DirIn, caps); err != nil {
		e.discard(n)
		return nil, err
	}
	return &tee{element: e}, nil
}

func (t *tee) RequestPort(n *media.Node, template string) (*media.Port, error) {
	return t.request(n, padTemplate(template, "src_%u"), media.DirOut, n.Port("sink").Caps())
}

func (t *tee) ReleasePort(n *media.Node, p *media.Port) error {
	return t.releaseRequest(n, p)
}

type queue struct {
	*element
}

func (b *Backend) newQueue(n *media.Node, props media.Properties) (media.Element, error) {
	size, err := props.Int("max-size-buffers", 200)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, fmt.Errorf("property \"max-size-buffers\" must be positive")
	}
	leaky, err := leakyOf(props)
	if err != nil {
		return nil, err
	}
	caps, err := props.Caps("caps", media.AnyCaps)
	if err != nil {
		return nil, err
	}

	e, err := b.addElement(n, "queue",
		"max-size-buffers", strconv.Itoa(size),
		"max-size-bytes", "0",
		"max-size-time", "0",
		"leaky", strconv.Itoa(int(leaky)),
	)
	if err != nil {
		return nil, err
	}
	for _, name := range []string{"sink", "src"} {
		dir := media.DirIn
		if name == "src" {
			dir = media.DirOut
		}
		if _, err := e.expose(n, name, dir, caps); err != nil {
			e.discard(n)
			return nil, err
		}
	}
	return &queue{element: e}, nil
}

func (q *queue) SetProperty(name string, value any) error {
	return fmt.Errorf("%w: %s", media.ErrNoSuchProperty, name)
}

func (q *queue) Property(name string) (any, error) {
	switch name {
	case "current-level-buffers", "max-size-buffers":
		return q.elem.GetProperty(name)
	}
	return nil, fmt.Errorf("%w: %s", media.ErrNoSuchProperty, name)
}

// selector is an input-selector. Its active-port property moves the
// active-pad of the element.
type selector struct {
	*element
	node *media.Node

	mu     sync.Mutex
	active *media.Port
}

func (b *Backend) newSelector(n *media.Node, props media.Properties) (media.Element, error) {
	caps, err := props.Caps("caps", media.AnyCaps)
	if err != nil {
		return nil, err
	}
	e, err := b.addElement(n, "input-selector")
	if err != nil {
		return nil, err
	}
	if _, err := e.expose(n, "src", media.DirOut, caps); err != nil {
		e.discard(n)
		return nil, err
	}
	return &selector{element: e, node: n}, nil
}

func (s *selector) RequestPort(n *media.Node, template string) (*media.Port, error) {
	return s.request(n, padTemplate(template, "sink_%u"), media.DirIn, n.Port("src").Caps())
}

func (s *selector) ReleasePort(n *media.Node, p *media.Port) error {
	s.mu.Lock()
	if s.active == p {
		s.active = nil
	}
	s.mu.Unlock()
	return s.releaseRequest(n, p)
}

func (s *selector) SetProperty(name string, value any) error {
	if name != "active-port" {
		return fmt.Errorf("%w: %s", media.ErrNoSuchProperty, name)
	}
	p, ok := value.(*media.Port)
	if !ok || p == nil || p.Node() != s.node || p.Direction() != media.DirIn {
		return fmt.Errorf("active-port: %v is not an input of the selector", value)
	}
	pad, err := s.b.pad(p)
	if err != nil {
		return err
	}
	if err := s.elem.SetProperty("active-pad", pad); err != nil {
		return fmt.Errorf("active-port: %w", err)
	}
	s.mu.Lock()
	s.active = p
	s.mu.Unlock()
	return nil
}

func (s *selector) Property(name string) (any, error) {
	switch name {
	case "active-port":
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.active, nil
	case "n-pads":
		return s.elem.GetProperty(name)
	}
	return nil, fmt.Errorf("%w: %s", media.ErrNoSuchProperty, name)
}

// renderSink counts the buffers reaching a monitor or fakesink.
type renderSink struct {
	*element
	rendered atomic.Uint64
}

func (b *Backend) newMonitorSink(n *media.Node, props media.Properties) (media.Element, error) {
	caps, err := props.Caps("caps", media.AnyCaps)
	if err != nil {
		return nil, err
	}
	stream, err := props.String("stream", media.StreamVideo.String())
	if err != nil {
		return nil, err
	}
	e, _, err := b.addBin(n, monitorDescription(n.Name(), stream))
	if err != nil {
		return nil, err
	}
	return b.newRenderSink(n, e, caps)
}

func (b *Backend) newFakeSink(n *media.Node, props media.Properties) (media.Element, error) {
	caps, err := props.Caps("caps", media.AnyCaps)
	if err != nil {
		return nil, err
	}
	e, err := b.addElement(n, "fakesink", "sync", "false", "async", "false")
	if err != nil {
		return nil, err
	}
	return b.newRenderSink(n, e, caps)
}

func (b *Backend) newRenderSink(n *media.Node, e *element, caps media.Caps) (media.Element, error) {
	p, err := e.expose(n, "sink", media.DirIn, caps)
	if err != nil {
		e.discard(n)
		return nil, err
	}
	s := &renderSink{element: e}
	pad, _ := b.pad(p)
	pad.AddProbe(gst.PadProbeTypeBuffer, func(*gst.Pad, *gst.PadProbeInfo) gst.PadProbeReturn {
		s.rendered.Add(1)
		return gst.PadProbeOK
	})
	return s, nil
}

func (s *renderSink) SetProperty(name string, value any) error {
	return fmt.Errorf("%w: %s", media.ErrNoSuchProperty, name)
}

func (s *renderSink) Property(name string) (any, error) {
	if name != "rendered" {
		return nil, fmt.Errorf("%w: %s", media.ErrNoSuchProperty, name)
	}
	return s.rendered.Load(), nil
}

// programSink is the appsink at the end of the studio graph. The relay
// pulls the program from it.
type programSink struct {
	*element
	node *media.Node
	sink *app.Sink
}

func (b *Backend) newAppSink(n *media.Node, props media.Properties) (media.Element, error) {
	size, err := props.Int("max-buffers", 8)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, fmt.Errorf("property \"max-buffers\" must be positive")
	}
	drop, err := props.Bool("drop", true)
	if err != nil {
		return nil, err
	}
	caps, err := props.Caps("caps", media.AnyCaps)
	if err != nil {
		return nil, err
	}

	e, bin, err := b.addBin(n, programDescription(n.Name(), caps, size, drop))
	if err != nil {
		return nil, err
	}
	elem, err := bin.GetElementByName(appSinkName(n.Name()))
	if err != nil {
		e.discard(n)
		return nil, err
	}
	sink := app.SinkFromElement(elem)
	if sink == nil {
		e.discard(n)
		return nil, fmt.Errorf("%s is not an appsink", elem.GetName())
	}
	if _, err := e.expose(n, "sink", media.DirIn, caps); err != nil {
		e.discard(n)
		return nil, err
	}
	return &programSink{element: e, node: n, sink: sink}, nil
}

// Pull blocks until a sample is available. It returns io.EOF once the sink
// is at end of stream.
func (s *programSink) Pull(ctx context.Context) (*media.Buffer, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sample := s.sink.TryPullSample(gst.ClockTime(20 * time.Millisecond))
		if sample == nil {
			if s.sink.IsEOS() {
				return nil, io.EOF
			}
			continue
		}
		buf := sample.GetBuffer()
		if buf == nil {
			continue
		}
		return &media.Buffer{
			PTS:      clockDuration(buf.PresentationTimestamp()),
			Duration: clockDuration(buf.Duration()),
			Origin:   s.node.Name(),
			Data:     buf.Bytes(),
		}, nil
	}
}
