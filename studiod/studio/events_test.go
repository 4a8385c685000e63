package studio

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TUM-Dev/streamstudio/studiod/media"
)

func TestEventBusOrder(t *testing.T) {
	bus := NewEventBus(media.InlineContext())
	var got []string
	bus.Subscribe(func(ev Event) {
		got = append(got, ev.EventName())
		// events published from a listener queue behind the current one
		if _, ok := ev.(BranchAddedEvent); ok {
			bus.Publish(SwitchedEvent{To: "cam"})
		}
	})

	bus.Publish(BranchAddedEvent{Key: "cam", Slot: 1})
	bus.Publish(BranchRemovedEvent{Key: "cam"})
	assert.Equal(t, []string{"branch-added", "switched", "branch-removed"}, got)
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus(media.InlineContext())
	var a, b int
	unsubscribeA := bus.Subscribe(func(Event) { a++ })
	bus.Subscribe(func(Event) { b++ })

	bus.Publish(NoMoreStreamsEvent{Key: "x"})
	unsubscribeA()
	unsubscribeA()
	bus.Publish(NoMoreStreamsEvent{Key: "x"})
	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
}

func TestEventBusOnLoop(t *testing.T) {
	loop := media.NewLoop()
	go loop.Run()
	defer loop.Quit()

	bus := NewEventBus(loop)
	got := make(chan Event, 1)
	bus.Subscribe(func(ev Event) { got <- ev })
	bus.Publish(ErrorEvent{Key: "cam", Message: "Could not read from resource."})

	ev := <-got
	assert.Equal(t, "error", ev.EventName())
	assert.Equal(t, "cam", ev.(ErrorEvent).Key)
}

func TestEventBusWithoutContextRunsOwnLoop(t *testing.T) {
	bus := NewEventBus(nil)
	defer bus.Close()

	published := make(chan struct{})
	got := make(chan string, 2)
	bus.Subscribe(func(ev Event) {
		// the publisher has moved on before any listener runs
		<-published
		got <- ev.EventName()
	})
	bus.Publish(BranchAddedEvent{Key: "cam", Slot: 1})
	bus.Publish(SwitchedEvent{From: FallbackKey, To: "cam"})
	close(published)

	for _, want := range []string{"branch-added", "switched"} {
		select {
		case name := <-got:
			assert.Equal(t, want, name)
		case <-time.After(time.Second):
			t.Fatalf("%s not delivered", want)
		}
	}
}

func TestListenerCanQueryManager(t *testing.T) {
	for name, bus := range map[string]func() *EventBus{
		"inline":  func() *EventBus { return NewEventBus(media.InlineContext()) },
		"default": func() *EventBus { return nil },
	} {
		t.Run(name, func(t *testing.T) {
			g := media.NewGraph("studio", nil, nil)
			m, err := NewManager(g, testConfig(), bus())
			require.NoError(t, err)
			t.Cleanup(func() { _ = m.Shutdown() })

			seen := make(chan string, 8)
			m.Events().Subscribe(func(ev Event) {
				switch ev := ev.(type) {
				case SwitchedEvent:
					if ev.To == "cam" {
						seen <- "active " + m.Switcher().Active()
					}
				case BranchAddedEvent:
					if ev.Key == "cam" {
						seen <- fmt.Sprintf("branches %d", len(m.Branches()))
					}
				}
			})

			done := make(chan error, 1)
			go func() {
				if err := m.AddSourceBranch(context.Background(), "cam", testSpec("ball")); err != nil {
					done <- err
					return
				}
				done <- m.Switcher().Activate("cam")
			}()
			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(2 * time.Second):
				t.Fatal("manager deadlocked in an event listener")
			}

			for _, want := range []string{"branches 2", "active cam"} {
				select {
				case got := <-seen:
					assert.Equal(t, want, got)
				case <-time.After(time.Second):
					t.Fatalf("listener never saw %q", want)
				}
			}
		})
	}
}
