package media

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusWatchRunsOnLoopInOrder(t *testing.T) {
	loop := NewLoop()
	go loop.Run()
	defer loop.Quit()

	bus := NewBus(loop)
	got := make(chan string, 8)
	bus.AddWatch(func(m *Message) bool {
		got <- m.Structure.Name
		return m.Structure.Name != "stop"
	})

	for _, name := range []string{"a", "b", "stop", "c"} {
		bus.Post(&Message{Type: MessageElement, Structure: NewStructure(name, nil)})
	}

	var names []string
	for i := 0; i < 3; i++ {
		select {
		case n := <-got:
			names = append(names, n)
		case <-time.After(time.Second):
			t.Fatal("watch not called")
		}
	}
	assert.Equal(t, []string{"a", "b", "stop"}, names)

	select {
	case n := <-got:
		t.Fatalf("removed watch received %q", n)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusQueuesUntilWatched(t *testing.T) {
	bus := NewBus(InlineContext())
	bus.Post(&Message{Type: MessageEOS})

	var types []MessageType
	bus.AddWatch(func(m *Message) bool {
		types = append(types, m.Type)
		return true
	})
	bus.Post(&Message{Type: MessageWarning})
	assert.Equal(t, []MessageType{MessageEOS, MessageWarning}, types)
}

func TestInlineContextQueuesNestedInvokes(t *testing.T) {
	ctx := InlineContext()
	var order []int
	ctx.Invoke(func() {
		ctx.Invoke(func() { order = append(order, 2) })
		order = append(order, 1)
	})
	assert.Equal(t, []int{1, 2}, order)
}

func TestRegistryKinds(t *testing.T) {
	reg := NewRegistry()
	assert.Equal(t, []string{
		"appsink", "appsrc", "devsrc", "fakesink", "filedemux",
		"monitorsink", "queue", "selector", "tee", "testsrc",
	}, reg.Kinds())

	n, err := reg.Make("tee", "t", nil)
	require.NoError(t, err)
	assert.Equal(t, "tee", n.Kind())
	assert.Nil(t, n.Graph())
}

func TestBusWatchesRunInRegistrationOrder(t *testing.T) {
	bus := NewBus(InlineContext())
	var order []int
	for i := 0; i < 8; i++ {
		bus.AddWatch(func(*Message) bool {
			order = append(order, i)
			// the third watch removes itself after the first message
			return i != 2
		})
	}

	bus.Post(&Message{Type: MessageEOS})
	bus.Post(&Message{Type: MessageEOS})
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 0, 1, 3, 4, 5, 6, 7}, order)
}

func TestBusSyncHandlersRunBeforeWatches(t *testing.T) {
	bus := NewBus(InlineContext())
	var calls []string
	bus.AddWatch(func(*Message) bool {
		calls = append(calls, "watch")
		return true
	})
	bus.AddSyncHandler(func(*Message) { calls = append(calls, "sync1") })
	bus.AddSyncHandler(func(*Message) { calls = append(calls, "sync2") })

	bus.Post(&Message{Type: MessageWarning})
	assert.Equal(t, []string{"sync1", "sync2", "watch"}, calls)

	bus.Close()
	bus.Post(&Message{Type: MessageWarning})
	assert.Len(t, calls, 3)
}
