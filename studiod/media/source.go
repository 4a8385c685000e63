package media

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
)

// gate is open while the owning node is PLAYING.
type gate struct {
	mu   sync.Mutex
	ch   chan struct{}
	open bool
}

func newGate() *gate {
	return &gate{ch: make(chan struct{})}
}

func (g *gate) set(open bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if open == g.open {
		return
	}
	if open {
		close(g.ch)
	} else {
		g.ch = make(chan struct{})
	}
	g.open = open
}

// opened returns a channel closed once the gate opens.
func (g *gate) opened() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ch
}

func (g *gate) isOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

// produceFunc returns the payload of the next buffer. io.EOF ends the stream.
type produceFunc func(seq uint64) ([]byte, error)

// liveSource paces a producer at a fixed frame duration. The streaming
// goroutine runs from PAUSED on and only produces while PLAYING, like a
// live capture device.
type liveSource struct {
	src     *Port
	frame   time.Duration
	produce produceFunc
	// stop after this many buffers, 0 for unlimited
	limit uint64

	gate *gate
	stop chan struct{}
	wg   conc.WaitGroup
}

func newLiveSource(src *Port, frame time.Duration, produce produceFunc) *liveSource {
	if frame <= 0 {
		frame = 40 * time.Millisecond
	}
	return &liveSource{
		src:     src,
		frame:   frame,
		produce: produce,
		gate:    newGate(),
	}
}

// changeState handles the streaming related transitions.
func (s *liveSource) changeState(n *Node, t StateChange) {
	switch t {
	case StateChangeReadyToPaused:
		s.stop = make(chan struct{})
		stop := s.stop
		s.wg.Go(func() { s.loop(n, stop) })
	case StateChangePausedToPlaying:
		s.gate.set(true)
	case StateChangePlayingToPaused:
		s.gate.set(false)
	case StateChangePausedToReady:
		close(s.stop)
		s.wg.Wait()
	}
}

func (s *liveSource) loop(n *Node, stop <-chan struct{}) {
	ticker := time.NewTicker(s.frame)
	defer ticker.Stop()

	s.src.PushEvent(Event{Type: EventStreamStart, Origin: n.Name()})

	var seq uint64
	for {
		select {
		case <-stop:
			return
		case <-s.gate.opened():
		}
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		if !s.gate.isOpen() {
			continue
		}

		if s.limit > 0 && seq >= s.limit {
			s.src.PushEvent(Event{Type: EventEOS, Origin: n.Name()})
			return
		}
		data, err := s.produce(seq)
		if errors.Is(err, io.EOF) {
			s.src.PushEvent(Event{Type: EventEOS, Origin: n.Name()})
			return
		}
		if err != nil {
			n.PostError("Could not read from resource.", err.Error())
			return
		}

		ret := s.src.Push(&Buffer{
			PTS:      n.RunningTime(),
			Duration: s.frame,
			Seq:      seq,
			Origin:   n.Name(),
			Data:     data,
		})
		switch ret {
		case FlowOK, FlowNotLinked:
			// live sources keep running while nobody listens
		case FlowFlushing, FlowEOS:
			return
		default:
			n.PostError("Internal data stream error.", "streaming stopped, reason "+ret.String())
			return
		}
		seq++
	}
}
