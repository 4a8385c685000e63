package media

import "time"

// A Buffer is one unit of media data moving through the graph.
type Buffer struct {
	PTS      time.Duration
	Duration time.Duration
	// Seq is the per-source sequence number of the buffer.
	Seq uint64
	// Origin is the name of the source node that produced the buffer.
	Origin string
	Data   []byte
}

// Copy returns a deep copy of b.
func (b *Buffer) Copy() *Buffer {
	c := *b
	if b.Data != nil {
		c.Data = make([]byte, len(b.Data))
		copy(c.Data, b.Data)
	}
	return &c
}

type EventType int

const (
	EventStreamStart EventType = iota
	EventEOS
)

func (e EventType) String() string {
	switch e {
	case EventStreamStart:
		return "stream-start"
	case EventEOS:
		return "eos"
	}
	return "unknown"
}

// An Event travels in-band with buffers.
type Event struct {
	Type EventType
	// Origin is the name of the node that created the event.
	Origin string
}

type FlowReturn int

const (
	FlowOK FlowReturn = iota
	FlowNotLinked
	FlowFlushing
	FlowEOS
	FlowError
)

func (f FlowReturn) String() string {
	switch f {
	case FlowOK:
		return "ok"
	case FlowNotLinked:
		return "not-linked"
	case FlowFlushing:
		return "flushing"
	case FlowEOS:
		return "eos"
	case FlowError:
		return "error"
	}
	return "unknown"
}
