package media

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

type MessageType int

const (
	MessageEOS MessageType = iota
	MessageError
	MessageWarning
	MessageStateChanged
	MessageElement
)

func (t MessageType) String() string {
	switch t {
	case MessageEOS:
		return "eos"
	case MessageError:
		return "error"
	case MessageWarning:
		return "warning"
	case MessageStateChanged:
		return "state-changed"
	case MessageElement:
		return "element"
	}
	return fmt.Sprintf("MessageType(%d)", int(t))
}

// Structure is a named set of fields carried by element messages.
type Structure struct {
	Name   string
	Fields map[string]any
}

func NewStructure(name string, fields map[string]any) *Structure {
	if fields == nil {
		fields = map[string]any{}
	}
	return &Structure{Name: name, Fields: fields}
}

func (s *Structure) String() string {
	return fmt.Sprintf("%s, %v", s.Name, s.Fields)
}

type Message struct {
	Type MessageType
	// Source is nil for messages posted by the graph itself.
	Source    *Node
	Err       error
	OldState  State
	NewState  State
	Structure *Structure
	Time      time.Time
}

func (m *Message) SourceName() string {
	if m.Source == nil {
		return ""
	}
	return m.Source.Name()
}

// ParseError returns the stream error of error and warning messages.
func (m *Message) ParseError() *StreamError {
	if se, ok := m.Err.(*StreamError); ok {
		return se
	}
	if m.Err != nil {
		return &StreamError{Source: m.SourceName(), Message: m.Err.Error()}
	}
	return nil
}

func (m *Message) String() string {
	switch m.Type {
	case MessageError, MessageWarning:
		return fmt.Sprintf("%s from %s: %v", m.Type, m.SourceName(), m.Err)
	case MessageStateChanged:
		return fmt.Sprintf("%s from %s: %s -> %s", m.Type, m.SourceName(), m.OldState, m.NewState)
	case MessageElement:
		return fmt.Sprintf("%s from %s: %s", m.Type, m.SourceName(), m.Structure)
	}
	return fmt.Sprintf("%s from %s", m.Type, m.SourceName())
}

// MainContext serializes callbacks onto the control goroutine.
type MainContext interface {
	Invoke(fn func())
}

type BusWatchFunc func(m *Message) bool

type busWatch struct {
	id int
	fn BusWatchFunc
}

// Bus carries messages from streaming goroutines to the control goroutine.
// Posting never blocks.
type Bus struct {
	ctx MainContext

	mu      sync.Mutex
	syncFns []func(*Message)
	// watches run in the order they were added.
	watches []busWatch
	nextID  int
	queue   []*Message
	notify  chan struct{}
	closed  bool
}

func NewBus(ctx MainContext) *Bus {
	return &Bus{
		ctx:    ctx,
		notify: make(chan struct{}, 1),
	}
}

// AddSyncHandler registers fn to run on the posting goroutine.
func (b *Bus) AddSyncHandler(fn func(*Message)) {
	b.mu.Lock()
	b.syncFns = append(b.syncFns, fn)
	b.mu.Unlock()
}

// AddWatch registers fn to receive messages on the main context. Returning
// false from fn removes the watch. Messages queued before the first watch
// was added are delivered to it.
func (b *Bus) AddWatch(fn BusWatchFunc) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.watches = append(b.watches, busWatch{id: id, fn: fn})
	pending := b.queue
	b.queue = nil
	b.mu.Unlock()

	for _, m := range pending {
		b.dispatch(m)
	}
}

func (b *Bus) Post(m *Message) {
	if m.Time.IsZero() {
		m.Time = time.Now()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	handlers := slices.Clone(b.syncFns)
	b.mu.Unlock()

	for _, fn := range handlers {
		fn(m)
	}

	b.mu.Lock()
	if len(b.watches) == 0 {
		b.queue = append(b.queue, m)
		b.mu.Unlock()
		select {
		case b.notify <- struct{}{}:
		default:
		}
		return
	}
	b.mu.Unlock()
	b.dispatch(m)
}

func (b *Bus) dispatch(m *Message) {
	b.ctx.Invoke(func() {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return
		}
		watches := slices.Clone(b.watches)
		b.mu.Unlock()

		for _, w := range watches {
			if !w.fn(m) {
				b.removeWatch(w.id)
			}
		}
	})
}

func (b *Bus) removeWatch(id int) {
	b.mu.Lock()
	b.watches = slices.DeleteFunc(b.watches, func(w busWatch) bool { return w.id == id })
	b.mu.Unlock()
}

// Pop returns the next queued message. It is only useful on a bus without
// watches.
func (b *Bus) Pop(ctx context.Context) (*Message, error) {
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			m := b.queue[0]
			b.queue = b.queue[1:]
			b.mu.Unlock()
			return m, nil
		}
		b.mu.Unlock()

		select {
		case <-b.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// PopFiltered discards messages until one of the given types arrives.
func (b *Bus) PopFiltered(ctx context.Context, types ...MessageType) (*Message, error) {
	for {
		m, err := b.Pop(ctx)
		if err != nil {
			return nil, err
		}
		for _, t := range types {
			if m.Type == t {
				return m, nil
			}
		}
	}
}

// Close drops all watches and pending messages.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.watches = nil
	b.queue = nil
	b.mu.Unlock()
}
