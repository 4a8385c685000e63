package media

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// renderSink consumes buffers at the end of a branch. The monitorsink kind
// asks the application for a window on READY->PAUSED, fakesink does not.
type renderSink struct {
	requestWindow bool

	mu     sync.Mutex
	window uintptr
	last   *Buffer
	eos    bool

	rendered atomic.Uint64
}

func newMonitorSink(n *Node, props Properties) (Element, error) {
	return newRenderSink(n, props, true)
}

func newFakeSink(n *Node, props Properties) (Element, error) {
	return newRenderSink(n, props, false)
}

func newRenderSink(n *Node, props Properties, requestWindow bool) (Element, error) {
	caps, err := props.Caps("caps", AnyCaps)
	if err != nil {
		return nil, err
	}
	s := &renderSink{requestWindow: requestWindow}
	if v, ok := props["window-handle"]; ok {
		if err := s.SetProperty("window-handle", v); err != nil {
			return nil, err
		}
	}
	n.AddInput("sink", caps, s.chain, s.event)
	return s, nil
}

func (s *renderSink) ChangeState(n *Node, t StateChange) error {
	switch t {
	case StateChangeReadyToPaused:
		s.mu.Lock()
		s.eos = false
		ask := s.requestWindow && s.window == 0
		s.mu.Unlock()
		if ask {
			n.PostElement(NewStructure("prepare-window-handle", nil))
		}
	case StateChangePausedToReady:
		s.mu.Lock()
		s.last = nil
		s.mu.Unlock()
	}
	return nil
}

func (s *renderSink) SetProperty(name string, value any) error {
	if name != "window-handle" {
		return fmt.Errorf("%w: %s", ErrNoSuchProperty, name)
	}
	var h uintptr
	switch v := value.(type) {
	case uintptr:
		h = v
	case int:
		h = uintptr(v)
	case uint64:
		h = uintptr(v)
	default:
		return fmt.Errorf("window-handle: unexpected %T", value)
	}
	s.mu.Lock()
	s.window = h
	s.mu.Unlock()
	return nil
}

func (s *renderSink) Property(name string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch name {
	case "window-handle":
		return s.window, nil
	case "rendered":
		return s.rendered.Load(), nil
	case "last-buffer":
		return s.last, nil
	case "eos":
		return s.eos, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoSuchProperty, name)
}

func (s *renderSink) chain(p *Port, buf *Buffer) FlowReturn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eos {
		return FlowEOS
	}
	s.last = buf
	s.rendered.Add(1)
	return FlowOK
}

func (s *renderSink) event(p *Port, ev Event) bool {
	if ev.Type != EventEOS {
		return true
	}
	s.mu.Lock()
	s.eos = true
	s.mu.Unlock()
	p.node.PostEOS()
	return true
}
