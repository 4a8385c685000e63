package studio

import (
	"slices"
	"sync"

	"github.com/TUM-Dev/streamstudio/studiod/media"
)

// Event is a notification for collaborators such as the shell or a GUI.
type Event interface {
	EventName() string
}

// ErrorEvent reports a runtime stream error after the offending branch was
// taken out of the graph.
type ErrorEvent struct {
	Key     string
	Message string
	Debug   string
}

// AttachRequestedEvent asks the collaborator to embed the monitor of a
// branch into a rendering surface.
type AttachRequestedEvent struct {
	Key  string
	Sink *media.Node
}

type StreamDiscoveredEvent struct {
	Key   string
	Kind  media.StreamKind
	Index int
}

type NoMoreStreamsEvent struct {
	Key string
}

type BranchAddedEvent struct {
	Key  string
	Slot int
}

type BranchRemovedEvent struct {
	Key string
}

type SwitchedEvent struct {
	From string
	To   string
}

func (ErrorEvent) EventName() string            { return "error" }
func (AttachRequestedEvent) EventName() string  { return "branch-attach-requested" }
func (StreamDiscoveredEvent) EventName() string { return "stream-discovered" }
func (NoMoreStreamsEvent) EventName() string    { return "no-more-streams" }
func (BranchAddedEvent) EventName() string      { return "branch-added" }
func (BranchRemovedEvent) EventName() string    { return "branch-removed" }
func (SwitchedEvent) EventName() string         { return "switched" }

type Listener func(Event)

type subscription struct {
	id int
	fn Listener
}

// EventBus delivers events to listeners on the main context, in the order
// they were published. Listeners never run on the publishing goroutine of a
// bus created without a main context.
type EventBus struct {
	ctx media.MainContext
	// own is the loop started for a bus without a main context.
	own *media.Loop

	mu        sync.Mutex
	listeners []subscription
	next      int
	pending   []Event
}

func NewEventBus(ctx media.MainContext) *EventBus {
	b := &EventBus{ctx: ctx}
	if ctx == nil {
		b.own = media.NewLoop()
		b.ctx = b.own
		go b.own.Run()
	}
	return b
}

// Close stops the loop of a bus created without a main context. Events
// published afterwards are dropped.
func (b *EventBus) Close() {
	if b.own != nil {
		b.own.Quit()
	}
}

// Subscribe registers fn and returns a function removing it again.
func (b *EventBus) Subscribe(fn Listener) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.listeners = append(b.listeners, subscription{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.listeners = slices.DeleteFunc(b.listeners, func(s subscription) bool { return s.id == id })
	}
}

func (b *EventBus) Publish(ev Event) {
	b.enqueue(ev)
	b.deliver()
}

// enqueue fixes the position of ev without running listeners. The caller
// must call deliver later, typically after releasing its own locks.
func (b *EventBus) enqueue(ev Event) {
	b.mu.Lock()
	b.pending = append(b.pending, ev)
	b.mu.Unlock()
}

func (b *EventBus) deliver() {
	b.ctx.Invoke(b.drain)
}

func (b *EventBus) drain() {
	for {
		b.mu.Lock()
		if len(b.pending) == 0 {
			b.mu.Unlock()
			return
		}
		ev := b.pending[0]
		b.pending = b.pending[1:]
		listeners := slices.Clone(b.listeners)
		b.mu.Unlock()

		for _, s := range listeners {
			s.fn(ev)
		}
	}
}
