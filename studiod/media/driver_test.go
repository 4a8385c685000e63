package media

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nativeProbe struct {
	typ ProbeType
	fn  func(*ProbeInfo) ProbeReturn
}

// nativeDriver stands in for a pipeline running outside of the engine.
type nativeDriver struct {
	mu       sync.Mutex
	next     uint64
	probes   map[uint64]nativeProbe
	links    map[string]string
	events   []string
	disposed []string
	linkErr  error
}

func newNativeDriver() *nativeDriver {
	return &nativeDriver{probes: map[uint64]nativeProbe{}, links: map[string]string{}}
}

func (d *nativeDriver) AddProbe(p *Port, typ ProbeType, fn func(*ProbeInfo) ProbeReturn) uint64 {
	d.mu.Lock()
	d.next++
	id := d.next
	d.probes[id] = nativeProbe{typ: typ, fn: fn}
	d.mu.Unlock()
	return id
}

func (d *nativeDriver) RemoveProbe(p *Port, handle uint64) {
	d.mu.Lock()
	delete(d.probes, handle)
	d.mu.Unlock()
}

func (d *nativeDriver) SendEvent(p *Port, ev Event) bool {
	d.mu.Lock()
	d.events = append(d.events, p.FullName()+":"+ev.Type.String())
	d.mu.Unlock()
	return true
}

func (d *nativeDriver) Link(src, sink *Port) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.linkErr != nil {
		return d.linkErr
	}
	d.links[src.FullName()] = sink.FullName()
	return nil
}

func (d *nativeDriver) Unlink(src, sink *Port) error {
	d.mu.Lock()
	delete(d.links, src.FullName())
	d.mu.Unlock()
	return nil
}

// fire runs every installed native callback once, removing the ones that
// ask for it.
func (d *nativeDriver) fire(typ ProbeType) {
	d.mu.Lock()
	probes := map[uint64]nativeProbe{}
	for id, pr := range d.probes {
		probes[id] = pr
	}
	d.mu.Unlock()
	for id, pr := range probes {
		if pr.fn(&ProbeInfo{Type: typ}) == ProbeRemove {
			d.RemoveProbe(nil, id)
		}
	}
}

func (d *nativeDriver) installed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.probes)
}

type nativeElement struct {
	d *nativeDriver
}

func (e *nativeElement) ChangeState(*Node, StateChange) error { return nil }

func (e *nativeElement) Dispose(n *Node) error {
	e.d.mu.Lock()
	e.d.disposed = append(e.d.disposed, n.Name())
	e.d.mu.Unlock()
	return nil
}

func newNativeGraph(t *testing.T, d *nativeDriver) *Graph {
	t.Helper()
	r := NewRegistry()
	r.Register("native", func(n *Node, props Properties) (Element, error) {
		n.AddDrivenInput("sink", AnyCaps, d)
		n.AddDrivenOutput("src", AnyCaps, d)
		return &nativeElement{d: d}, nil
	})
	g := NewGraph("native", r, nil)
	t.Cleanup(func() { _ = g.Shutdown() })
	return g
}

func TestDrivenLinksReachTheDriver(t *testing.T) {
	d := newNativeDriver()
	g := newNativeGraph(t, d)
	a := addNode(t, g, "native", "a", nil)
	b := addNode(t, g, "native", "b", nil)

	l := linkNodes(t, g, a, b)
	assert.Equal(t, map[string]string{"a.src": "b.sink"}, d.links)

	require.NoError(t, g.Unlink(l))
	assert.Empty(t, d.links)

	require.NoError(t, g.RemoveNode(b))
	assert.Equal(t, []string{"b"}, d.disposed)
}

func TestDrivenLinkFailureLeavesPortsFree(t *testing.T) {
	d := newNativeDriver()
	d.linkErr = errors.New("not negotiated")
	g := newNativeGraph(t, d)
	a := addNode(t, g, "native", "a", nil)
	b := addNode(t, g, "native", "b", nil)

	_, err := g.Link(a.Port("src"), b.Port("sink"))
	require.ErrorIs(t, err, d.linkErr)
	assert.False(t, a.Port("src").IsLinked())
	assert.False(t, b.Port("sink").IsLinked())
	assert.Empty(t, g.Links())
}

func TestDrivenAndEnginePortsDoNotLink(t *testing.T) {
	d := newNativeDriver()
	g := newNativeGraph(t, d)
	a := addNode(t, g, "native", "a", nil)
	sink := addNode(t, g, "fakesink", "sink", nil)

	_, err := g.Link(a.Port("src"), sink.Port("sink"))
	require.ErrorIs(t, err, ErrForeignPort)
}

func TestDrivenBlockHoldsPort(t *testing.T) {
	d := newNativeDriver()
	g := newNativeGraph(t, d)
	a := addNode(t, g, "native", "a", nil)
	out := a.Port("src")

	calls := 0
	id := out.AddProbe(ProbeBlock|ProbeIdle, func(p *Port, info *ProbeInfo) ProbeReturn {
		calls++
		return ProbeOK
	})
	assert.False(t, out.IsBlocked())
	require.Equal(t, 1, d.installed())

	d.fire(ProbeIdle)
	d.fire(ProbeBlock)
	assert.True(t, out.IsBlocked())
	assert.Equal(t, 1, calls)

	out.RemoveProbe(id)
	assert.False(t, out.IsBlocked())
	assert.Zero(t, d.installed())
}

func TestDrivenIdleCallbackFiresOnce(t *testing.T) {
	d := newNativeDriver()
	g := newNativeGraph(t, d)
	a := addNode(t, g, "native", "a", nil)

	calls := 0
	a.Port("src").AddProbe(ProbeIdle, func(p *Port, info *ProbeInfo) ProbeReturn {
		calls++
		return ProbeOK
	})
	d.fire(ProbeIdle)
	d.fire(ProbeIdle)
	assert.Equal(t, 1, calls)
	assert.Zero(t, d.installed())
}

func TestDrivenEventInjection(t *testing.T) {
	d := newNativeDriver()
	g := newNativeGraph(t, d)
	a := addNode(t, g, "native", "a", nil)

	assert.True(t, a.Port("sink").SendEvent(Event{Type: EventEOS}))
	assert.False(t, a.Port("src").SendEvent(Event{Type: EventEOS}))
	assert.Equal(t, []string{"a.sink:eos"}, d.events)
}
