package media

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Graph owns a set of nodes and the links between their ports.
type Graph struct {
	name     string
	registry *Registry
	bus      *Bus

	mu       sync.RWMutex
	nodes    []*Node
	byName   map[string]*Node
	links    map[uint64]*Link
	nextLink uint64
	state    State
	eos      map[*Node]bool

	// serializes whole graph state changes
	stateMu sync.Mutex

	// base time in nanoseconds of the monotonic clock, 0 while never played
	baseTime atomic.Int64
	started  time.Time
}

type GraphStats struct {
	Nodes int
	Links int
	State State
}

// NewGraph creates an empty graph in NULL. Bus watches are dispatched on ctx.
func NewGraph(name string, registry *Registry, ctx MainContext) *Graph {
	if registry == nil {
		registry = NewRegistry()
	}
	if ctx == nil {
		ctx = InlineContext()
	}
	return &Graph{
		name:     name,
		registry: registry,
		bus:      NewBus(ctx),
		byName:   map[string]*Node{},
		links:    map[uint64]*Link{},
		state:    StateNull,
		eos:      map[*Node]bool{},
		started:  time.Now(),
	}
}

func (g *Graph) Name() string        { return g.name }
func (g *Graph) Bus() *Bus           { return g.bus }
func (g *Graph) Registry() *Registry { return g.registry }

func (g *Graph) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// AddNode creates a node of the given kind and adds it to the graph. The
// node starts in NULL.
func (g *Graph) AddNode(kind, name string, props Properties) (*Node, error) {
	g.mu.RLock()
	_, taken := g.byName[name]
	g.mu.RUnlock()
	if taken {
		return nil, fmt.Errorf("%w: %s", ErrNameTaken, name)
	}

	n, err := g.registry.Make(kind, name, props)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, taken := g.byName[name]; taken {
		return nil, fmt.Errorf("%w: %s", ErrNameTaken, name)
	}
	n.setGraph(g)
	g.nodes = append(g.nodes, n)
	g.byName[name] = n
	return n, nil
}

// RemoveNode removes a node that is in NULL and has no links.
func (g *Graph) RemoveNode(n *Node) error {
	if n.State() != StateNull {
		return fmt.Errorf("%w: %s is %s", ErrNodeActive, n.Name(), n.State())
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.byName[n.Name()] != n {
		return fmt.Errorf("%w: %s", ErrUnknownNode, n.Name())
	}
	for _, l := range g.links {
		if l.src.node == n || l.sink.node == n {
			return fmt.Errorf("%w: %s", ErrNodeBusy, n.Name())
		}
	}
	if d, ok := n.elem.(Disposer); ok {
		if err := d.Dispose(n); err != nil {
			return err
		}
	}
	for i, m := range g.nodes {
		if m == n {
			g.nodes = append(g.nodes[:i], g.nodes[i+1:]...)
			break
		}
	}
	delete(g.byName, n.Name())
	delete(g.eos, n)
	n.setGraph(nil)
	return nil
}

func (g *Graph) Node(name string) *Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.byName[name]
}

// Nodes returns the nodes in insertion order.
func (g *Graph) Nodes() []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]*Node(nil), g.nodes...)
}

// Links returns the links ordered by creation.
func (g *Graph) Links() []*Link {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sortedLinksLocked()
}

func (g *Graph) sortedLinksLocked() []*Link {
	links := make([]*Link, 0, len(g.links))
	for id := uint64(1); id <= g.nextLink; id++ {
		if l, ok := g.links[id]; ok {
			links = append(links, l)
		}
	}
	return links
}

func (g *Graph) Stats() GraphStats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return GraphStats{Nodes: len(g.nodes), Links: len(g.links), State: g.state}
}

// Link connects an output port to an input port. The upstream node must not
// be PLAYING.
func (g *Graph) Link(src, sink *Port) (*Link, error) {
	if src.dir != DirOut || sink.dir != DirIn {
		return nil, fmt.Errorf("%w: %s -> %s has wrong directions", ErrNoSuchPort, src, sink)
	}
	if !src.caps.Compatible(sink.caps) {
		return nil, fmt.Errorf("%w: %s (%s) -> %s (%s)", ErrTypeMismatch, src, src.caps, sink, sink.caps)
	}
	if src.node.State() == StatePlaying {
		return nil, fmt.Errorf("%w: %s is PLAYING", ErrFlowing, src.node.Name())
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.byName[src.node.Name()] != src.node {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, src.node.Name())
	}
	if g.byName[sink.node.Name()] != sink.node {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, sink.node.Name())
	}
	if src.node == sink.node || g.reachableLocked(sink.node, src.node) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrLoop, src, sink)
	}
	if src.driver != sink.driver {
		return nil, fmt.Errorf("%w: %s -> %s", ErrForeignPort, src, sink)
	}
	if src.driver != nil {
		if src.IsLinked() || sink.IsLinked() {
			return nil, fmt.Errorf("%w: %s -> %s", ErrPortBusy, src, sink)
		}
		if err := src.driver.Link(src, sink); err != nil {
			return nil, err
		}
	}

	src.mu.Lock()
	defer src.mu.Unlock()
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if src.link != nil {
		return nil, fmt.Errorf("%w: %s", ErrPortBusy, src)
	}
	if sink.link != nil {
		return nil, fmt.Errorf("%w: %s", ErrPortBusy, sink)
	}

	g.nextLink++
	l := &Link{id: g.nextLink, src: src, sink: sink}
	src.link = l
	sink.link = l
	g.links[l.id] = l
	return l, nil
}

// reachableLocked reports whether to is downstream of from.
func (g *Graph) reachableLocked(from, to *Node) bool {
	seen := map[*Node]bool{}
	stack := []*Node{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == to {
			return true
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		for _, l := range g.links {
			if l.src.node == n {
				stack = append(stack, l.sink.node)
			}
		}
	}
	return false
}

// LinkNodes links the first free output port of a to the first free
// compatible input port of b, requesting ports where the nodes offer them.
func (g *Graph) LinkNodes(a, b *Node) (*Link, error) {
	var src *Port
	for _, p := range a.Outputs() {
		if !p.IsLinked() {
			src = p
			break
		}
	}
	requested := false
	if src == nil {
		p, err := a.RequestPort("src_%d")
		if err != nil {
			return nil, fmt.Errorf("%w: %s has no free output", ErrNoSuchPort, a.Name())
		}
		src = p
		requested = true
	}

	var sink *Port
	for _, p := range b.Inputs() {
		if !p.IsLinked() && src.caps.Compatible(p.caps) {
			sink = p
			break
		}
	}
	if sink == nil {
		p, err := b.RequestPort("sink_%d")
		if err != nil {
			if requested {
				_ = a.ReleasePort(src)
			}
			return nil, fmt.Errorf("%w: %s has no free compatible input", ErrNoSuchPort, b.Name())
		}
		sink = p
	}

	l, err := g.Link(src, sink)
	if err != nil && requested {
		_ = a.ReleasePort(src)
	}
	return l, err
}

// Unlink removes a link. The upstream node must be below PLAYING or its
// port must be blocked by a probe.
func (g *Graph) Unlink(l *Link) error {
	if l.src.node.State() == StatePlaying && !l.src.IsBlocked() {
		return fmt.Errorf("%w: %s", ErrFlowing, l)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.links[l.id] != l {
		return fmt.Errorf("%w: %s is not linked", ErrNoSuchPort, l)
	}
	if d := l.src.driver; d != nil {
		if err := d.Unlink(l.src, l.sink); err != nil {
			return err
		}
	}
	l.src.mu.Lock()
	l.src.link = nil
	l.src.mu.Unlock()
	l.sink.mu.Lock()
	l.sink.link = nil
	l.sink.mu.Unlock()
	delete(g.links, l.id)
	return nil
}

// UnlinkNode removes every link touching n.
func (g *Graph) UnlinkNode(n *Node) error {
	for _, p := range append(n.Inputs(), n.Outputs()...) {
		if l := p.Link(); l != nil {
			if err := g.Unlink(l); err != nil {
				return err
			}
		}
	}
	return nil
}

// order returns the nodes sorted so that every node comes before the nodes
// it feeds. Unlinked nodes keep insertion order.
func (g *Graph) order() []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	indeg := map[*Node]int{}
	for _, l := range g.links {
		indeg[l.sink.node]++
	}
	var queue, sorted []*Node
	for _, n := range g.nodes {
		if indeg[n] == 0 {
			queue = append(queue, n)
		}
	}
	links := g.sortedLinksLocked()
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		sorted = append(sorted, n)
		for _, l := range links {
			if l.src.node != n {
				continue
			}
			indeg[l.sink.node]--
			if indeg[l.sink.node] == 0 {
				queue = append(queue, l.sink.node)
			}
		}
	}
	return sorted
}

// SetState moves every node to target one adjacent state at a time. Going
// up, sinks change first so no source pushes into a node that is not ready.
// Going down, sources stop first.
func (g *Graph) SetState(target State) error {
	if !target.valid() {
		return fmt.Errorf("%w: %s", ErrInvalidState, target)
	}
	g.stateMu.Lock()
	defer g.stateMu.Unlock()

	for {
		cur := g.State()
		if cur == target {
			return nil
		}
		next := step(cur, target)

		nodes := g.order()
		if next > cur {
			for i, j := 0, len(nodes)-1; i < j; i, j = i+1, j-1 {
				nodes[i], nodes[j] = nodes[j], nodes[i]
			}
		}
		if next == StatePlaying && g.baseTime.Load() == 0 {
			g.baseTime.Store(int64(time.Since(g.started)) + 1)
		}
		if next == StateReady && cur == StatePaused {
			g.mu.Lock()
			g.eos = map[*Node]bool{}
			g.mu.Unlock()
		}

		for _, n := range nodes {
			if s := n.State(); (next > cur && s < next) || (next < cur && s > next) {
				if err := n.SetState(next); err != nil {
					return err
				}
			}
		}

		g.mu.Lock()
		g.state = next
		g.mu.Unlock()
		g.bus.Post(&Message{Type: MessageStateChanged, OldState: cur, NewState: next})
	}
}

// RunningTime is the time elapsed since the graph first went to PLAYING.
func (g *Graph) RunningTime() time.Duration {
	base := g.baseTime.Load()
	if base == 0 {
		return 0
	}
	return time.Since(g.started) - time.Duration(base-1)
}

// sinkEOS records EOS at a sink and posts MessageEOS once every sink of the
// graph is at EOS.
func (g *Graph) sinkEOS(n *Node) {
	g.mu.Lock()
	g.eos[n] = true
	all := true
	for _, m := range g.nodes {
		if isSink(m) && !g.eos[m] {
			all = false
			break
		}
	}
	g.mu.Unlock()

	if all {
		g.bus.Post(&Message{Type: MessageEOS})
	}
}

func isSink(n *Node) bool {
	return len(n.Outputs()) == 0 && len(n.Inputs()) > 0
}

// Shutdown brings the graph to NULL and removes every node.
func (g *Graph) Shutdown() error {
	if err := g.SetState(StateNull); err != nil {
		for _, n := range g.Nodes() {
			n.ForceNull()
		}
	}
	for _, l := range g.Links() {
		if err := g.Unlink(l); err != nil {
			return err
		}
	}
	for _, n := range g.Nodes() {
		if err := g.RemoveNode(n); err != nil {
			return err
		}
	}
	g.mu.Lock()
	g.state = StateNull
	g.mu.Unlock()
	return nil
}
