package media

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Element is the behaviour behind a Node. Implementations are created by a
// Factory registered with the Registry.
type Element interface {
	// ChangeState performs one adjacent state transition. Returning an
	// error leaves the node in its current state.
	ChangeState(n *Node, t StateChange) error
}

// PortRequester is implemented by elements with request ports, such as
// tee and selector.
type PortRequester interface {
	RequestPort(n *Node, template string) (*Port, error)
	ReleasePort(n *Node, p *Port) error
}

// PropertyHandler is implemented by elements with runtime properties.
type PropertyHandler interface {
	SetProperty(name string, value any) error
	Property(name string) (any, error)
}

var nodeIDs atomic.Uint64

// A Node is one processing element of a Graph.
type Node struct {
	id   uint64
	name string
	kind string
	elem Element

	// serializes state transitions
	stateMu sync.Mutex

	mu          sync.RWMutex
	graph       *Graph
	state       State
	inputs      []*Port
	outputs     []*Port
	portAdded   []func(*Node, *Port)
	noMorePorts []func(*Node)
}

func newNode(kind, name string) *Node {
	return &Node{
		id:    nodeIDs.Add(1),
		name:  name,
		kind:  kind,
		state: StateNull,
	}
}

func (n *Node) ID() uint64       { return n.id }
func (n *Node) Name() string     { return n.name }
func (n *Node) Kind() string     { return n.kind }
func (n *Node) Element() Element { return n.elem }

func (n *Node) String() string {
	return fmt.Sprintf("%s(%s)", n.name, n.kind)
}

func (n *Node) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// Graph returns the graph the node belongs to, or nil once removed.
func (n *Node) Graph() *Graph {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.graph
}

func (n *Node) setGraph(g *Graph) {
	n.mu.Lock()
	n.graph = g
	n.mu.Unlock()
}

func (n *Node) Inputs() []*Port {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]*Port(nil), n.inputs...)
}

func (n *Node) Outputs() []*Port {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]*Port(nil), n.outputs...)
}

// Port looks a port up by name in both directions.
func (n *Node) Port(name string) *Port {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, p := range n.inputs {
		if p.name == name {
			return p
		}
	}
	for _, p := range n.outputs {
		if p.name == name {
			return p
		}
	}
	return nil
}

// AddInput creates an input port. Elements call it from their factory or
// from RequestPort.
func (n *Node) AddInput(name string, caps Caps, chain ChainFunc, event EventFunc) *Port {
	p := newPort(n, name, DirIn, caps)
	p.chain = chain
	p.event = event
	n.attach(p)
	return p
}

// AddOutput creates an output port.
func (n *Node) AddOutput(name string, caps Caps) *Port {
	p := newPort(n, name, DirOut, caps)
	n.attach(p)
	return p
}

func (n *Node) attach(p *Port) {
	n.mu.Lock()
	if p.dir == DirIn {
		n.inputs = append(n.inputs, p)
	} else {
		n.outputs = append(n.outputs, p)
	}
	active := n.state >= StatePaused
	n.mu.Unlock()
	if active {
		p.setActive(true)
	}
}

// RemovePort deactivates and drops an unlinked port.
func (n *Node) RemovePort(p *Port) error {
	if p.IsLinked() {
		return fmt.Errorf("%w: %s", ErrPortBusy, p.FullName())
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	list := &n.inputs
	if p.dir == DirOut {
		list = &n.outputs
	}
	for i, q := range *list {
		if q == p {
			*list = append((*list)[:i], (*list)[i+1:]...)
			p.setActive(false)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNoSuchPort, p.FullName())
}

// RequestPort asks an element with request ports for a new port.
func (n *Node) RequestPort(template string) (*Port, error) {
	r, ok := n.elem.(PortRequester)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no request ports", ErrNoSuchPort, n.name)
	}
	return r.RequestPort(n, template)
}

// ReleasePort gives a request port back. The port must be unlinked.
func (n *Node) ReleasePort(p *Port) error {
	r, ok := n.elem.(PortRequester)
	if !ok {
		return fmt.Errorf("%w: %s has no request ports", ErrNoSuchPort, n.name)
	}
	if p.IsLinked() {
		return fmt.Errorf("%w: %s", ErrPortBusy, p.FullName())
	}
	return r.ReleasePort(n, p)
}

func (n *Node) SetProperty(name string, value any) error {
	h, ok := n.elem.(PropertyHandler)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrNoSuchProperty, n.name, name)
	}
	return h.SetProperty(name, value)
}

func (n *Node) Property(name string) (any, error) {
	h, ok := n.elem.(PropertyHandler)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrNoSuchProperty, n.name, name)
	}
	return h.Property(name)
}

// OnPortAdded registers a callback for ports an element creates on its own
// while running, e.g. once a demuxer has discovered its streams. Callbacks
// run on the streaming goroutine of the node.
func (n *Node) OnPortAdded(fn func(*Node, *Port)) {
	n.mu.Lock()
	n.portAdded = append(n.portAdded, fn)
	n.mu.Unlock()
}

// OnNoMorePorts registers a callback fired once an element has announced all
// of its dynamic ports.
func (n *Node) OnNoMorePorts(fn func(*Node)) {
	n.mu.Lock()
	n.noMorePorts = append(n.noMorePorts, fn)
	n.mu.Unlock()
}

// AnnouncePort fires the port-added callbacks for p.
func (n *Node) AnnouncePort(p *Port) {
	n.mu.RLock()
	cbs := slices.Clone(n.portAdded)
	n.mu.RUnlock()
	for _, fn := range cbs {
		fn(n, p)
	}
}

// NoMorePorts fires the no-more-ports callbacks.
func (n *Node) NoMorePorts() {
	n.mu.RLock()
	cbs := slices.Clone(n.noMorePorts)
	n.mu.RUnlock()
	for _, fn := range cbs {
		fn(n)
	}
}

// SetState walks the node to target one adjacent state at a time.
func (n *Node) SetState(target State) error {
	if !target.valid() {
		return fmt.Errorf("%w: %s", ErrInvalidState, target)
	}
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	for {
		cur := n.State()
		if cur == target {
			return nil
		}
		if err := n.changeState(transition(cur, step(cur, target))); err != nil {
			return err
		}
	}
}

func (n *Node) changeState(t StateChange) error {
	switch t {
	case StateChangeReadyToPaused:
		n.setPortsActive(true)
	case StateChangePausedToReady:
		// Unblock streaming goroutines before the element joins them.
		n.setPortsActive(false)
	}

	if err := n.elem.ChangeState(n, t); err != nil {
		if t == StateChangeReadyToPaused {
			n.setPortsActive(false)
		}
		return fmt.Errorf("%s: state change %s failed: %w", n.name, t, err)
	}

	n.mu.Lock()
	n.state = t.Next()
	n.mu.Unlock()

	n.post(&Message{Type: MessageStateChanged, OldState: t.Current(), NewState: t.Next()})
	return nil
}

// ForceNull brings the node down to NULL ignoring element failures. It is
// used after an error, when the element may not be able to step cleanly.
func (n *Node) ForceNull() {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	for {
		cur := n.State()
		if cur == StateNull {
			return
		}
		t := transition(cur, cur-1)
		if err := n.changeState(t); err != nil {
			n.mu.Lock()
			n.state = t.Next()
			n.mu.Unlock()
		}
	}
}

func (n *Node) setPortsActive(active bool) {
	for _, p := range n.Inputs() {
		p.setActive(active)
	}
	for _, p := range n.Outputs() {
		p.setActive(active)
	}
}

// RunningTime returns the running time of the graph clock, or 0 while the
// node is not part of a playing graph.
func (n *Node) RunningTime() time.Duration {
	g := n.Graph()
	if g == nil {
		return 0
	}
	return g.RunningTime()
}

func (n *Node) post(m *Message) {
	g := n.Graph()
	if g == nil {
		return
	}
	m.Source = n
	g.bus.Post(m)
}

// PostError reports a streaming failure on the bus.
func (n *Node) PostError(message, debug string) {
	n.post(&Message{
		Type: MessageError,
		Err:  &StreamError{Source: n.name, Message: message, Debug: debug},
	})
}

func (n *Node) PostWarning(message, debug string) {
	n.post(&Message{
		Type: MessageWarning,
		Err:  &StreamError{Source: n.name, Message: message, Debug: debug},
	})
}

// PostElement posts an element specific message.
func (n *Node) PostElement(s *Structure) {
	n.post(&Message{Type: MessageElement, Structure: s})
}

// PostEOS tells the graph that the sink node has received EOS.
func (n *Node) PostEOS() {
	g := n.Graph()
	if g == nil {
		return
	}
	g.sinkEOS(n)
}
