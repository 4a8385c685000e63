package media

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc"
)

type Leaky int

const (
	LeakyNo Leaky = iota
	// LeakyUpstream drops incoming buffers while full.
	LeakyUpstream
	// LeakyDownstream drops the oldest queued buffer while full.
	LeakyDownstream
)

func ParseLeaky(s string) (Leaky, error) {
	switch s {
	case "no", "0", "":
		return LeakyNo, nil
	case "upstream", "1":
		return LeakyUpstream, nil
	case "downstream", "2":
		return LeakyDownstream, nil
	}
	return LeakyNo, fmt.Errorf("unknown leaky mode %q", s)
}

type queueItem struct {
	buf *Buffer
	ev  *Event
}

// queue decouples its input from its output with a buffer and a streaming
// goroutine of its own. Only buffers count against max-size-buffers and
// only buffers are ever leaked; serialized events always get through.
type queue struct {
	src   *Port
	leaky Leaky
	size  int

	mu      sync.Mutex
	items   []queueItem
	buffers int

	// ready wakes the streaming goroutine, space wakes a blocked producer.
	ready chan struct{}
	space chan struct{}

	dropped atomic.Uint64
	stop    chan struct{}
	wg      conc.WaitGroup
}

func newQueue(n *Node, props Properties) (Element, error) {
	size, err := props.Int("max-size-buffers", 200)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, fmt.Errorf("property \"max-size-buffers\" must be positive")
	}
	leaky := LeakyNo
	switch v := props["leaky"].(type) {
	case nil:
	case Leaky:
		leaky = v
	case string:
		if leaky, err = ParseLeaky(v); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("property \"leaky\": unexpected %T", v)
	}
	caps, err := props.Caps("caps", AnyCaps)
	if err != nil {
		return nil, err
	}

	q := &queue{
		leaky: leaky,
		size:  size,
		ready: make(chan struct{}, 1),
		space: make(chan struct{}, 1),
	}
	n.AddInput("sink", caps, q.chain, q.event)
	q.src = n.AddOutput("src", caps)
	return q, nil
}

func (q *queue) ChangeState(n *Node, t StateChange) error {
	switch t {
	case StateChangeReadyToPaused:
		q.stop = make(chan struct{})
		stop := q.stop
		q.wg.Go(func() { q.loop(n, stop) })
	case StateChangePausedToReady:
		close(q.stop)
		q.wg.Wait()
		q.mu.Lock()
		q.items = nil
		q.buffers = 0
		q.mu.Unlock()
	}
	return nil
}

func (q *queue) Property(name string) (any, error) {
	switch name {
	case "current-level-buffers":
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.buffers, nil
	case "dropped":
		return q.dropped.Load(), nil
	case "leaky":
		return q.leaky, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoSuchProperty, name)
}

func (q *queue) SetProperty(name string, _ any) error {
	return fmt.Errorf("%w: %s is read-only", ErrNoSuchProperty, name)
}

func wake(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}

func (q *queue) chain(p *Port, buf *Buffer) FlowReturn {
	for {
		q.mu.Lock()
		switch {
		case q.buffers < q.size:
		case q.leaky == LeakyUpstream:
			q.mu.Unlock()
			q.dropped.Add(1)
			return FlowOK
		case q.leaky == LeakyDownstream:
			q.evictOldestBuffer()
		default:
			q.mu.Unlock()
			select {
			case <-q.space:
				continue
			case <-p.Flushing():
				return FlowFlushing
			}
		}
		q.items = append(q.items, queueItem{buf: buf})
		q.buffers++
		q.mu.Unlock()
		wake(q.ready)
		return FlowOK
	}
}

// evictOldestBuffer drops the buffer closest to the output, stepping over
// queued events. q.mu must be held.
func (q *queue) evictOldestBuffer() {
	for i, it := range q.items {
		if it.buf != nil {
			q.items = slices.Delete(q.items, i, i+1)
			q.buffers--
			q.dropped.Add(1)
			return
		}
	}
}

func (q *queue) event(p *Port, ev Event) bool {
	q.mu.Lock()
	q.items = append(q.items, queueItem{ev: &ev})
	q.mu.Unlock()
	wake(q.ready)
	return true
}

func (q *queue) pop() (queueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return queueItem{}, false
	}
	it := q.items[0]
	q.items = q.items[1:]
	if it.buf != nil {
		q.buffers--
		wake(q.space)
	}
	return it, true
}

func (q *queue) loop(n *Node, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		it, ok := q.pop()
		if !ok {
			select {
			case <-stop:
				return
			case <-q.ready:
			}
			continue
		}
		if it.ev != nil {
			q.src.PushEvent(*it.ev)
			continue
		}
		if ret := q.src.Push(it.buf); ret == FlowError {
			n.PostError("Internal data stream error.", "streaming stopped, reason "+ret.String())
			return
		}
	}
}
