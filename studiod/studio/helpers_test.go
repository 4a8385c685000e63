package studio

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/TUM-Dev/streamstudio/studiod/media"
	"github.com/stretchr/testify/require"
)

// fastCaps run sources at 200 frames per second.
var fastCaps = media.Caps{
	MediaType: media.MediaTypeVideoRaw,
	Format:    "GRAY8",
	Width:     8,
	Height:    8,
	Framerate: media.Rational{Nominator: 200, Denominator: 1},
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.VideoCaps = fastCaps
	cfg.QueueSize = 4
	cfg.BlockTimeout = 200 * time.Millisecond
	cfg.DrainTimeout = 200 * time.Millisecond
	cfg.DiscoverTimeout = 2 * time.Second
	cfg.HealAttempts = 20
	cfg.HealDelay = 20 * time.Millisecond
	return cfg
}

// recorder keeps every published event.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) names() []string {
	var names []string
	for _, ev := range r.all() {
		names = append(names, ev.EventName())
	}
	return names
}

// without drops the events named name.
func (r *recorder) without(name string) []Event {
	var events []Event
	for _, ev := range r.all() {
		if ev.EventName() != name {
			events = append(events, ev)
		}
	}
	return events
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

type fixture struct {
	m        *Manager
	registry *media.Registry
	events   *recorder
}

func newFixture(t *testing.T, cfg Config, setup ...func(*media.Registry)) *fixture {
	t.Helper()
	reg := media.NewRegistry()
	for _, fn := range setup {
		fn(reg)
	}
	g := media.NewGraph("studio", reg, nil)
	rec := &recorder{}
	// listeners run on the goroutine calling into the manager, after it
	// released its lock
	bus := NewEventBus(media.InlineContext())
	bus.Subscribe(rec.listen)

	m, err := NewManager(g, cfg, bus)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown() })
	return &fixture{m: m, registry: reg, events: rec}
}

func testSpec(pattern string) SourceSpec {
	return SourceSpec{Kind: SourceTest, Locator: pattern}
}

func writeFile(t *testing.T, name string, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	return path
}

func contextWithTimeout(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

// waitOrigin pulls from the output until a buffer of origin shows up.
func waitOrigin(t *testing.T, m *Manager, origin string, within time.Duration) {
	t.Helper()
	out, err := media.AppSinkFromNode(m.Output())
	require.NoError(t, err)
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		buf := out.TryPull(20 * time.Millisecond)
		if buf != nil && buf.Origin == origin {
			return
		}
	}
	t.Fatalf("no buffer from %s within %s", origin, within)
}

func branch(t *testing.T, m *Manager, key string) BranchInfo {
	t.Helper()
	for _, b := range m.Branches() {
		if b.Key == key {
			return b
		}
	}
	t.Fatalf("branch %s not found", key)
	return BranchInfo{}
}

func hasBranch(m *Manager, key string) bool {
	for _, b := range m.Branches() {
		if b.Key == key {
			return true
		}
	}
	return false
}

// stallGate makes the chain of one node hang until released.
type stallGate struct {
	target  string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newStallGate(target string) *stallGate {
	return &stallGate{target: target, entered: make(chan struct{}), release: make(chan struct{})}
}

type stallItem struct {
	buf *media.Buffer
	ev  *media.Event
}

// stallElement is a leaky queue whose chain hangs while its node is the
// gate's target.
type stallElement struct {
	gate  *stallGate
	name  string
	src   *media.Port
	items chan stallItem
	stop  chan struct{}
	wg    sync.WaitGroup
}

// register adds the "stallqueue" kind.
func (g *stallGate) register(reg *media.Registry) {
	reg.Register("stallqueue", func(n *media.Node, _ media.Properties) (media.Element, error) {
		e := &stallElement{gate: g, name: n.Name(), items: make(chan stallItem, 4)}
		n.AddInput("sink", media.AnyCaps, e.chain, e.event)
		e.src = n.AddOutput("src", media.AnyCaps)
		return e, nil
	})
}

func (e *stallElement) ChangeState(_ *media.Node, t media.StateChange) error {
	switch t {
	case media.StateChangeReadyToPaused:
		e.stop = make(chan struct{})
		stop := e.stop
		e.wg.Add(1)
		go e.loop(stop)
	case media.StateChangePausedToReady:
		close(e.stop)
		e.wg.Wait()
	}
	return nil
}

func (e *stallElement) chain(p *media.Port, buf *media.Buffer) media.FlowReturn {
	if e.name == e.gate.target {
		e.gate.once.Do(func() { close(e.gate.entered) })
		select {
		case <-e.gate.release:
		case <-p.Flushing():
			return media.FlowFlushing
		}
	}
	e.enqueue(stallItem{buf: buf})
	return media.FlowOK
}

func (e *stallElement) event(_ *media.Port, ev media.Event) bool {
	e.enqueue(stallItem{ev: &ev})
	return true
}

func (e *stallElement) enqueue(it stallItem) {
	for {
		select {
		case e.items <- it:
			return
		default:
		}
		select {
		case <-e.items:
		default:
		}
	}
}

func (e *stallElement) loop(stop <-chan struct{}) {
	defer e.wg.Done()
	for {
		select {
		case <-stop:
			return
		case it := <-e.items:
			if it.ev != nil {
				e.src.PushEvent(*it.ev)
				continue
			}
			e.src.Push(it.buf)
		}
	}
}
