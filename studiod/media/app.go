package media

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
)

type AppSinkCallbacks struct {
	// NewSample runs on the streaming goroutine after a buffer was queued.
	NewSample func(s *AppSink) FlowReturn
	EOS       func(s *AppSink)
}

// AppSink hands buffers over to application code.
type AppSink struct {
	node    *Node
	samples chan *Buffer
	drop    bool

	mu        sync.Mutex
	callbacks *AppSinkCallbacks
	eos       chan struct{}
}

func newAppSink(n *Node, props Properties) (Element, error) {
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
	caps, err := props.Caps("caps", AnyCaps)
	if err != nil {
		return nil, err
	}

	s := &AppSink{
		node:    n,
		samples: make(chan *Buffer, size),
		drop:    drop,
		eos:     make(chan struct{}),
	}
	n.AddInput("sink", caps, s.chain, s.event)
	return s, nil
}

// AppSinkFromNode returns the AppSink behind an appsink node.
func AppSinkFromNode(n *Node) (*AppSink, error) {
	s, ok := n.Element().(*AppSink)
	if !ok {
		return nil, fmt.Errorf("%s is a %s, not an appsink", n.Name(), n.Kind())
	}
	return s, nil
}

func (s *AppSink) Node() *Node { return s.node }

func (s *AppSink) SetCallbacks(cb *AppSinkCallbacks) {
	s.mu.Lock()
	s.callbacks = cb
	s.mu.Unlock()
}

func (s *AppSink) ChangeState(n *Node, t StateChange) error {
	if t == StateChangeReadyToPaused {
		s.mu.Lock()
		select {
		case <-s.eos:
			s.eos = make(chan struct{})
		default:
		}
		s.mu.Unlock()
	}
	return nil
}

func (s *AppSink) eosCh() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eos
}

// Pull blocks until a buffer is available. It returns io.EOF once the sink
// received EOS and every queued buffer was pulled.
func (s *AppSink) Pull(ctx context.Context) (*Buffer, error) {
	select {
	case buf := <-s.samples:
		return buf, nil
	default:
	}
	select {
	case buf := <-s.samples:
		return buf, nil
	case <-s.eosCh():
		select {
		case buf := <-s.samples:
			return buf, nil
		default:
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryPull waits at most timeout for a buffer and returns nil otherwise.
func (s *AppSink) TryPull(timeout time.Duration) *Buffer {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	buf, _ := s.Pull(ctx)
	return buf
}

func (s *AppSink) chain(p *Port, buf *Buffer) FlowReturn {
	select {
	case <-s.eosCh():
		return FlowEOS
	default:
	}

	if s.drop {
		for {
			select {
			case s.samples <- buf:
			default:
				select {
				case <-s.samples:
				default:
				}
				continue
			}
			break
		}
	} else {
		select {
		case s.samples <- buf:
		case <-p.Flushing():
			return FlowFlushing
		}
	}

	s.mu.Lock()
	cb := s.callbacks
	s.mu.Unlock()
	if cb != nil && cb.NewSample != nil {
		return cb.NewSample(s)
	}
	return FlowOK
}

func (s *AppSink) event(p *Port, ev Event) bool {
	if ev.Type != EventEOS {
		return true
	}
	s.mu.Lock()
	select {
	case <-s.eos:
	default:
		close(s.eos)
	}
	cb := s.callbacks
	s.mu.Unlock()

	if cb != nil && cb.EOS != nil {
		cb.EOS(s)
	}
	p.node.PostEOS()
	return true
}

type AppSrcCallbacks struct {
	// NeedData fires when the internal queue ran empty.
	NeedData func(s *AppSrc)
	// EnoughData fires when the internal queue is full.
	EnoughData func(s *AppSrc)
}

// AppSrc lets application code push buffers into the graph.
type AppSrc struct {
	node  *Node
	src   *Port
	items chan queueItem

	mu        sync.Mutex
	callbacks *AppSrcCallbacks
	stop      chan struct{}
	wg        conc.WaitGroup
}

func newAppSrc(n *Node, props Properties) (Element, error) {
	size, err := props.Int("max-buffers", 16)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, fmt.Errorf("property \"max-buffers\" must be positive")
	}
	caps, err := props.Caps("caps", AnyCaps)
	if err != nil {
		return nil, err
	}
	s := &AppSrc{node: n, items: make(chan queueItem, size)}
	s.src = n.AddOutput("src", caps)
	return s, nil
}

// AppSrcFromNode returns the AppSrc behind an appsrc node.
func AppSrcFromNode(n *Node) (*AppSrc, error) {
	s, ok := n.Element().(*AppSrc)
	if !ok {
		return nil, fmt.Errorf("%s is a %s, not an appsrc", n.Name(), n.Kind())
	}
	return s, nil
}

func (s *AppSrc) Node() *Node { return s.node }

func (s *AppSrc) SetCallbacks(cb *AppSrcCallbacks) {
	s.mu.Lock()
	s.callbacks = cb
	s.mu.Unlock()
}

func (s *AppSrc) ChangeState(n *Node, t StateChange) error {
	switch t {
	case StateChangeReadyToPaused:
		s.mu.Lock()
		s.stop = make(chan struct{})
		stop := s.stop
		s.mu.Unlock()
		s.wg.Go(func() { s.loop(stop) })
	case StateChangePausedToReady:
		s.mu.Lock()
		close(s.stop)
		s.stop = nil
		s.mu.Unlock()
		s.wg.Wait()
	}
	return nil
}

func (s *AppSrc) stopCh() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop
}

// PushBuffer queues buf for the streaming goroutine. It blocks while the
// queue is full and returns FlowFlushing when the node is not running.
func (s *AppSrc) PushBuffer(buf *Buffer) FlowReturn {
	return s.enqueue(queueItem{buf: buf})
}

// EndOfStream queues EOS behind the pending buffers.
func (s *AppSrc) EndOfStream() FlowReturn {
	return s.enqueue(queueItem{ev: &Event{Type: EventEOS, Origin: s.node.Name()}})
}

func (s *AppSrc) enqueue(it queueItem) FlowReturn {
	stop := s.stopCh()
	if stop == nil {
		return FlowFlushing
	}
	select {
	case s.items <- it:
		return FlowOK
	default:
	}

	s.mu.Lock()
	cb := s.callbacks
	s.mu.Unlock()
	if cb != nil && cb.EnoughData != nil {
		cb.EnoughData(s)
	}
	select {
	case s.items <- it:
		return FlowOK
	case <-stop:
		return FlowFlushing
	}
}

func (s *AppSrc) loop(stop <-chan struct{}) {
	starved := false
	for {
		if len(s.items) == 0 && !starved {
			starved = true
			s.mu.Lock()
			cb := s.callbacks
			s.mu.Unlock()
			if cb != nil && cb.NeedData != nil {
				cb.NeedData(s)
			}
		}
		select {
		case <-stop:
			return
		case it := <-s.items:
			starved = false
			if it.ev != nil {
				s.src.PushEvent(*it.ev)
				continue
			}
			switch ret := s.src.Push(it.buf); ret {
			case FlowOK, FlowNotLinked, FlowFlushing:
			default:
				s.node.PostError("Internal data stream error.", "streaming stopped, reason "+ret.String())
				return
			}
		}
	}
}
