package studio

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TUM-Dev/streamstudio/studiod/media"
	"github.com/avast/retry-go/v4"
	"github.com/sourcegraph/conc"
	"k8s.io/klog"
)

// A Path carries one elementary stream of a branch. Video paths fan out to
// a selector slot and a monitor, audio paths only feed a monitor.
type Path struct {
	Kind  media.StreamKind
	Index int
	// Origin is the source port feeding the path.
	Origin *media.Port
	// Head is the first node behind Origin.
	Head          *media.Node
	Tee           *media.Node
	SelectorQueue *media.Node
	Slot          *media.Port
	MonitorQueue  *media.Node
	Monitor       *media.Node
}

// nodes returns the path's nodes, upstream first.
func (p *Path) nodes() []*media.Node {
	var nodes []*media.Node
	for _, n := range []*media.Node{p.Tee, p.SelectorQueue, p.MonitorQueue, p.Monitor} {
		if n != nil {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// A Branch is the unit of add and remove: one source and the paths behind
// each of its streams.
type Branch struct {
	Key    string
	Spec   SourceSpec
	Source *media.Node
	Paths  []*Path

	serial  int
	pending bool
	eos     atomic.Int32
}

func (b *Branch) videoSlot() *media.Port {
	for _, p := range b.Paths {
		if p.Slot != nil {
			return p.Slot
		}
	}
	return nil
}

// Slot returns the selector slot of the branch, or -1 without video.
func (b *Branch) Slot() int {
	p := b.videoSlot()
	if p == nil {
		return -1
	}
	slot, err := media.SlotOf(p)
	if err != nil {
		return -1
	}
	return slot
}

type BranchInfo struct {
	Key            string
	Kind           SourceKind
	Locator        string
	Slot           int
	Streams        int
	Active         bool
	RemovalPending bool
	// Rendered counts the buffers shown by the branch's monitors.
	Rendered uint64
}

type ManagerStats struct {
	Nodes    int
	Links    int
	Branches int
	Switches uint64
	Errors   uint64
	Warnings uint64
}

// Manager builds and tears down branches on a live graph. It owns the
// selector and the output appsink the branches feed.
type Manager struct {
	cfg    Config
	graph  *media.Graph
	events *EventBus
	// events was created by NewManager and is closed with it
	ownsEvents bool

	selector *media.Node
	outQueue *media.Node
	output   *media.Node

	// serializes topology mutations and switches
	mu       sync.Mutex
	branches map[string]*Branch
	serial   int
	active   string
	closed   atomic.Bool

	// node name -> branch key; read from the bus watch, which never takes mu
	ownersMu sync.RWMutex
	owners   map[string]string

	discMu      sync.Mutex
	discoveries map[string]*discovery

	healMu  sync.Mutex
	healing map[string]bool
	heals   conc.WaitGroup

	switches atomic.Uint64
	failures atomic.Uint64
	warnings atomic.Uint64
}

// NewManager sets up the selector, the output and the fallback branch on an
// empty graph.
// Without an event bus the manager delivers events on a loop of its own.
func NewManager(graph *media.Graph, cfg Config, events *EventBus) (*Manager, error) {
	if events != nil {
		return newManager(graph, cfg, events)
	}
	events = NewEventBus(nil)
	m, err := newManager(graph, cfg, events)
	if err != nil {
		events.Close()
		return nil, err
	}
	m.ownsEvents = true
	return m, nil
}

func newManager(graph *media.Graph, cfg Config, events *EventBus) (*Manager, error) {
	m := &Manager{
		cfg:         cfg,
		graph:       graph,
		events:      events,
		branches:    map[string]*Branch{},
		owners:      map[string]string{},
		discoveries: map[string]*discovery{},
		healing:     map[string]bool{},
	}

	var err error
	m.selector, err = graph.AddNode("selector", "selector", media.Properties{
		"caps": media.Caps{MediaType: media.MediaTypeVideoRaw},
	})
	if err != nil {
		return nil, err
	}
	m.outQueue, err = graph.AddNode(cfg.Elements.Queue, "output_queue", m.queueProps())
	if err != nil {
		return nil, err
	}
	m.output, err = graph.AddNode("appsink", "output", media.Properties{
		"max-buffers": cfg.OutputBuffers,
		"drop":        true,
		"caps":        cfg.VideoCaps,
	})
	if err != nil {
		return nil, err
	}
	if _, err := graph.LinkNodes(m.selector, m.outQueue); err != nil {
		return nil, err
	}
	if _, err := graph.LinkNodes(m.outQueue, m.output); err != nil {
		return nil, err
	}

	graph.Bus().AddSyncHandler(m.onSync)
	graph.Bus().AddWatch(m.onMessage)

	m.mu.Lock()
	defer m.unlock()
	spec := SourceSpec{Kind: SourceTest, Locator: cfg.FallbackPattern.String()}
	if _, err := m.addSourceBranch(FallbackKey, spec); err != nil {
		return nil, fmt.Errorf("fallback branch: %w", err)
	}
	if err := m.activateLocked(FallbackKey); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) Graph() *media.Graph   { return m.graph }
func (m *Manager) Events() *EventBus     { return m.events }
func (m *Manager) Selector() *media.Node { return m.selector }

// Output returns the appsink carrying the selected input.
func (m *Manager) Output() *media.Node { return m.output }

// Program returns the output appsink as the source of the relay.
func (m *Manager) Program() (FrameSource, error) {
	src, ok := m.output.Element().(FrameSource)
	if !ok {
		return nil, fmt.Errorf("%s is a %s, not an appsink", m.output.Name(), m.output.Kind())
	}
	return src, nil
}

func (m *Manager) queueProps() media.Properties {
	return media.Properties{
		"max-size-buffers": m.cfg.QueueSize,
		"leaky":            media.LeakyDownstream,
	}
}

// SetState moves the whole graph, e.g. to PLAYING for the play command.
func (m *Manager) SetState(state media.State) error {
	m.mu.Lock()
	defer m.unlock()
	if m.closed.Load() {
		return ErrClosed
	}
	return m.graph.SetState(state)
}

func (m *Manager) Play() error {
	return m.SetState(media.StatePlaying)
}

// Shutdown stops the graph and releases every node. The manager cannot be
// used afterwards.
func (m *Manager) Shutdown() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.mu.Lock()
	err := m.graph.Shutdown()
	m.branches = map[string]*Branch{}
	m.active = ""
	m.unlock()

	m.heals.Wait()
	m.graph.Bus().Close()
	if m.ownsEvents {
		m.events.Close()
	}
	return err
}

// publishLocked queues ev for delivery once mu is released, so listeners
// can call back into the manager. mu must be held.
func (m *Manager) publishLocked(ev Event) {
	m.events.enqueue(ev)
}

// publish delivers ev from outside the manager's critical sections. When mu
// is held, possibly by the goroutine that posted the bus message being
// handled, the holder delivers ev on unlock.
func (m *Manager) publish(ev Event) {
	m.events.enqueue(ev)
	if m.mu.TryLock() {
		m.unlock()
	}
}

// unlock releases mu and delivers the events published while it was held.
func (m *Manager) unlock() {
	m.mu.Unlock()
	m.events.deliver()
}

// AddSourceBranch builds a branch for spec and attaches it to a new
// selector slot. File sources are discovered first, see AddFileBranch.
func (m *Manager) AddSourceBranch(ctx context.Context, key string, spec SourceSpec) error {
	m.mu.Lock()
	defer m.unlock()
	if m.closed.Load() {
		return ErrClosed
	}
	if spec.Kind == SourceFile {
		_, err := m.addFileBranch(ctx, key, spec.Locator)
		return err
	}
	_, err := m.addSourceBranch(key, spec)
	return err
}

// RemoveSourceBranch cuts a branch out of the running graph. If the branch
// feeds the output, the fallback branch is selected first.
func (m *Manager) RemoveSourceBranch(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.unlock()
	if m.closed.Load() {
		return ErrClosed
	}
	b, ok := m.branches[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, key)
	}
	return m.removeBranch(ctx, b)
}

// Branches lists the branches in the order they were added.
func (m *Manager) Branches() []BranchInfo {
	m.mu.Lock()
	defer m.unlock()

	branches := make([]*Branch, 0, len(m.branches))
	for _, b := range m.branches {
		branches = append(branches, b)
	}
	sort.Slice(branches, func(i, j int) bool { return branches[i].serial < branches[j].serial })

	infos := make([]BranchInfo, 0, len(branches))
	for _, b := range branches {
		info := BranchInfo{
			Key:            b.Key,
			Kind:           b.Spec.Kind,
			Locator:        b.Spec.Locator,
			Slot:           b.Slot(),
			Streams:        len(b.Paths),
			Active:         b.Key == m.active,
			RemovalPending: b.pending,
		}
		for _, p := range b.Paths {
			if v, err := p.Monitor.Property("rendered"); err == nil {
				if n, ok := v.(uint64); ok {
					info.Rendered += n
				}
			}
		}
		infos = append(infos, info)
	}
	return infos
}

func (m *Manager) Stats() ManagerStats {
	gs := m.graph.Stats()
	m.mu.Lock()
	n := len(m.branches)
	m.unlock()
	return ManagerStats{
		Nodes:    gs.Nodes,
		Links:    gs.Links,
		Branches: n,
		Switches: m.switches.Load(),
		Errors:   m.failures.Load(),
		Warnings: m.warnings.Load(),
	}
}

func (m *Manager) setOwner(node, key string) {
	m.ownersMu.Lock()
	m.owners[node] = key
	m.ownersMu.Unlock()
}

func (m *Manager) clearOwner(node string) {
	m.ownersMu.Lock()
	delete(m.owners, node)
	m.ownersMu.Unlock()
}

func (m *Manager) owner(node string) (string, bool) {
	m.ownersMu.RLock()
	defer m.ownersMu.RUnlock()
	key, ok := m.owners[node]
	return key, ok
}

func (m *Manager) present(n *media.Node) bool {
	return n != nil && m.graph.Node(n.Name()) == n
}

// build tracks the nodes of a branch under construction so that a failure
// can undo all of them.
type build struct {
	m       *Manager
	branch  *Branch
	created []*media.Node
	slots   []*media.Port
}

func (m *Manager) newBuild(key string, spec SourceSpec) *build {
	m.serial++
	return &build{m: m, branch: &Branch{Key: key, Spec: spec, serial: m.serial}}
}

func (bd *build) node(kind, role string, props media.Properties) (*media.Node, error) {
	name := fmt.Sprintf("branch%d_%s", bd.branch.serial, role)
	n, err := bd.m.graph.AddNode(kind, name, props)
	if err != nil {
		return nil, err
	}
	bd.created = append(bd.created, n)
	bd.m.setOwner(name, bd.branch.Key)
	return n, nil
}

func (bd *build) requestSlot() (*media.Port, error) {
	slot, err := bd.m.selector.RequestPort("sink_%d")
	if err != nil {
		return nil, err
	}
	bd.slots = append(bd.slots, slot)
	return slot, nil
}

// play brings the created nodes to target, sinks first.
func (bd *build) play(target media.State) error {
	for i := len(bd.created) - 1; i >= 0; i-- {
		if err := bd.created[i].SetState(target); err != nil {
			return err
		}
	}
	return nil
}

// rollback removes every node created so far and releases the slots.
func (bd *build) rollback() {
	m := bd.m
	klog.V(2).Infof("rolling back branch %s", bd.branch.Key)
	for _, n := range bd.created {
		n.ForceNull()
	}
	for _, n := range bd.created {
		if err := m.graph.UnlinkNode(n); err != nil {
			klog.Warningf("rollback of %s: %v", bd.branch.Key, err)
		}
	}
	for _, slot := range bd.slots {
		if err := m.selector.ReleasePort(slot); err != nil {
			klog.Warningf("rollback of %s: %v", bd.branch.Key, err)
		}
	}
	for _, n := range bd.created {
		if err := m.graph.RemoveNode(n); err != nil {
			klog.Warningf("rollback of %s: %v", bd.branch.Key, err)
		}
		m.clearOwner(n.Name())
	}
}

// attach builds the path for one stream of the source and links origin into
// it. The path nodes are left in preroll.
func (bd *build) attach(origin *media.Port, kind media.StreamKind, index int, preroll media.State) (*Path, error) {
	m := bd.m
	p := &Path{Kind: kind, Index: index, Origin: origin}
	role := fmt.Sprintf("%s%d", kind, index)

	var err error
	if kind == media.StreamVideo {
		if p.Tee, err = bd.node(m.cfg.Elements.Tee, role+"_tee", nil); err != nil {
			return nil, err
		}
		if p.SelectorQueue, err = bd.node(m.cfg.Elements.Queue, role+"_queue", m.queueProps()); err != nil {
			return nil, err
		}
		if p.Slot, err = bd.requestSlot(); err != nil {
			return nil, err
		}
	}
	if p.MonitorQueue, err = bd.node(m.cfg.Elements.Queue, role+"_monitor_queue", m.queueProps()); err != nil {
		return nil, err
	}
	if p.Monitor, err = bd.node(m.cfg.Elements.Monitor, role+"_monitor", media.Properties{"stream": kind.String()}); err != nil {
		return nil, err
	}
	p.Head = p.Tee
	if p.Head == nil {
		p.Head = p.MonitorQueue
	}

	nodes := p.nodes()
	for i := len(nodes) - 1; i >= 0; i-- {
		if err := nodes[i].SetState(preroll); err != nil {
			return nil, err
		}
	}

	// Link downstream first so nothing enters a half built path.
	g := m.graph
	if _, err := g.LinkNodes(p.MonitorQueue, p.Monitor); err != nil {
		return nil, err
	}
	if p.Tee != nil {
		if _, err := g.Link(p.SelectorQueue.Port("src"), p.Slot); err != nil {
			return nil, err
		}
		if _, err := g.LinkNodes(p.Tee, p.SelectorQueue); err != nil {
			return nil, err
		}
		if _, err := g.LinkNodes(p.Tee, p.MonitorQueue); err != nil {
			return nil, err
		}
	}
	if _, err := g.Link(origin, p.Head.Port("sink")); err != nil {
		return nil, err
	}

	b := bd.branch
	origin.AddProbe(media.ProbeEvent, func(_ *media.Port, info *media.ProbeInfo) media.ProbeReturn {
		if info.Event.Type == media.EventEOS && int(b.eos.Add(1)) == len(b.Paths) {
			m.retire(b.Key, nil)
		}
		return media.ProbeOK
	})

	b.Paths = append(b.Paths, p)
	return p, nil
}

// preroll is the state new nodes are brought to before they are linked.
func (m *Manager) preroll() media.State {
	return min(m.graph.State(), media.StatePaused)
}

func (m *Manager) register(b *Branch) {
	m.branches[b.Key] = b
	klog.Infof("branch %s (%s) added on slot %d", b.Key, b.Spec, b.Slot())
	m.publishLocked(BranchAddedEvent{Key: b.Key, Slot: b.Slot()})
}

func (m *Manager) addSourceBranch(key string, spec SourceSpec) (*Branch, error) {
	if _, ok := m.branches[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSource, key)
	}
	if err := spec.check(); err != nil {
		return nil, err
	}

	var kind string
	var props media.Properties
	switch spec.Kind {
	case SourceTest:
		kind = m.cfg.Elements.Test
		props = media.Properties{"caps": m.cfg.VideoCaps, "pattern": spec.Locator}
	case SourceDevice:
		kind = m.cfg.Elements.Device
		props = media.Properties{"caps": m.cfg.VideoCaps, "device": spec.Locator}
	default:
		return nil, fmt.Errorf("%w: %s sources are added with AddFileBranch", media.ErrElementCreation, spec.Kind)
	}

	bd := m.newBuild(key, spec)
	if err := m.buildSource(bd, kind, props); err != nil {
		bd.rollback()
		return nil, err
	}
	m.register(bd.branch)
	return bd.branch, nil
}

func (m *Manager) buildSource(bd *build, kind string, props media.Properties) error {
	src, err := bd.node(kind, "source", props)
	if err != nil {
		return err
	}
	bd.branch.Source = src

	preroll := m.preroll()
	if err := src.SetState(preroll); err != nil {
		return err
	}
	outs := src.Outputs()
	if len(outs) == 0 {
		return fmt.Errorf("%w: %s has no output", media.ErrNoSuchPort, src.Name())
	}
	if _, err := bd.attach(outs[0], media.StreamVideo, 0, preroll); err != nil {
		return err
	}
	return bd.play(m.graph.State())
}

// stop brings n to NULL, forcing it when the element refuses.
func stop(n *media.Node) {
	if err := n.SetState(media.StateNull); err != nil {
		klog.Warningf("stopping %s: %v", n.Name(), err)
		n.ForceNull()
	}
}

type cut struct {
	port *media.Port
	id   media.ProbeID
}

// block installs blocking probes on ports and waits until every one of them
// confirmed. On failure the probes are withdrawn again.
func (m *Manager) block(ctx context.Context, ports []*media.Port) ([]cut, error) {
	confirmed := make(chan struct{}, len(ports))
	cuts := make([]cut, 0, len(ports))
	for _, p := range ports {
		id := p.AddProbe(media.ProbeBlock|media.ProbeIdle, func(p *media.Port, _ *media.ProbeInfo) media.ProbeReturn {
			klog.V(4).Infof("%s blocked", p)
			confirmed <- struct{}{}
			return media.ProbeOK
		})
		cuts = append(cuts, cut{port: p, id: id})
	}

	timer := time.NewTimer(m.cfg.BlockTimeout)
	defer timer.Stop()
	for got := 0; got < len(ports); got++ {
		select {
		case <-confirmed:
		case <-timer.C:
			unblock(cuts)
			return nil, fmt.Errorf("%d of %d ports blocked after %s", got, len(ports), m.cfg.BlockTimeout)
		case <-ctx.Done():
			unblock(cuts)
			return nil, ctx.Err()
		}
	}
	return cuts, nil
}

func unblock(cuts []cut) {
	for _, c := range cuts {
		c.port.RemoveProbe(c.id)
	}
}

// drain pushes EOS into every path and waits for it to reach the monitors.
func (m *Manager) drain(b *Branch) {
	var pending []chan struct{}
	for _, p := range b.Paths {
		if !m.present(p.Head) || !m.present(p.Monitor) {
			continue
		}
		done := make(chan struct{})
		var once sync.Once
		p.Monitor.Port("sink").AddProbe(media.ProbeEvent, func(_ *media.Port, info *media.ProbeInfo) media.ProbeReturn {
			if info.Event.Type != media.EventEOS {
				return media.ProbeOK
			}
			once.Do(func() { close(done) })
			return media.ProbeRemove
		})
		if p.Head.Port("sink").SendEvent(media.Event{Type: media.EventEOS, Origin: b.Key}) {
			pending = append(pending, done)
		}
	}

	timer := time.NewTimer(m.cfg.DrainTimeout)
	defer timer.Stop()
	for _, done := range pending {
		select {
		case <-done:
		case <-timer.C:
			klog.Warningf("branch %s did not drain within %s", b.Key, m.cfg.DrainTimeout)
			return
		}
	}
}

// removeBranch runs the teardown: block, unlink and stop the source, drain,
// then stop and remove the remaining nodes.
func (m *Manager) removeBranch(ctx context.Context, b *Branch) error {
	if b.Key == FallbackKey {
		return ErrFallbackBranch
	}
	klog.V(2).Infof("removing branch %s", b.Key)

	if m.active == b.Key {
		if err := m.activateLocked(FallbackKey); err != nil {
			return err
		}
	}

	var ports []*media.Port
	for _, p := range b.Paths {
		if m.present(p.SelectorQueue) {
			ports = append(ports, p.SelectorQueue.Port("src"))
		}
	}
	if m.present(b.Source) {
		for _, p := range b.Source.Outputs() {
			if p.IsLinked() {
				ports = append(ports, p)
			}
		}
	}
	if _, err := m.block(ctx, ports); err != nil {
		b.pending = true
		return fmt.Errorf("%w: %s: %v", ErrRemovalPending, b.Key, err)
	}

	var errs []error
	if m.present(b.Source) {
		if err := m.graph.UnlinkNode(b.Source); err != nil {
			errs = append(errs, err)
		}
		stop(b.Source)
		if err := m.graph.RemoveNode(b.Source); err != nil {
			errs = append(errs, err)
		}
		m.clearOwner(b.Source.Name())
	}

	m.drain(b)

	var rest []*media.Node
	for _, p := range b.Paths {
		for _, n := range p.nodes() {
			if m.present(n) {
				rest = append(rest, n)
			}
		}
	}
	for _, n := range rest {
		stop(n)
	}
	for _, n := range rest {
		if err := m.graph.UnlinkNode(n); err != nil {
			errs = append(errs, err)
		}
	}
	for _, p := range b.Paths {
		if p.Slot != nil && p.Slot.Node() == m.selector && m.selector.Port(p.Slot.Name()) == p.Slot {
			if err := m.selector.ReleasePort(p.Slot); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, n := range rest {
		if err := m.graph.RemoveNode(n); err != nil {
			errs = append(errs, err)
		}
		m.clearOwner(n.Name())
	}

	if len(errs) > 0 {
		b.pending = true
		return fmt.Errorf("%w: %s: %w", ErrRemovalPending, b.Key, errors.Join(errs...))
	}

	delete(m.branches, b.Key)
	klog.Infof("branch %s removed", b.Key)
	m.publishLocked(BranchRemovedEvent{Key: b.Key})
	return nil
}

// onSync runs on the posting goroutine. It only feeds pending discoveries.
func (m *Manager) onSync(msg *media.Message) {
	if msg.Type != media.MessageError {
		return
	}
	m.discMu.Lock()
	d := m.discoveries[msg.SourceName()]
	m.discMu.Unlock()
	if d != nil {
		d.fail(msg.ParseError())
	}
}

func (m *Manager) onMessage(msg *media.Message) bool {
	switch msg.Type {
	case media.MessageError:
		m.failures.Add(1)
		serr := msg.ParseError()
		key, ok := m.owner(msg.SourceName())
		if !ok {
			klog.Errorf("error from %s: %v", msg.SourceName(), serr)
			m.publish(ErrorEvent{Message: serr.Message, Debug: serr.Debug})
			return true
		}
		klog.Warningf("branch %s failed: %v", key, serr)
		m.retire(key, serr)
	case media.MessageWarning:
		m.warnings.Add(1)
		klog.Warningf("warning from %s: %v", msg.SourceName(), msg.Err)
	case media.MessageElement:
		if msg.Structure == nil || msg.Structure.Name != "prepare-window-handle" {
			return true
		}
		if key, ok := m.owner(msg.SourceName()); ok {
			m.publish(AttachRequestedEvent{Key: key, Sink: msg.Source})
		}
	}
	return true
}

// retire takes a failed or finished branch out of the graph in the
// background, retrying while its removal stays pending. A non-nil cause is
// published once the branch is gone.
func (m *Manager) retire(key string, cause *media.StreamError) {
	if m.closed.Load() {
		return
	}
	m.healMu.Lock()
	if m.healing[key] {
		m.healMu.Unlock()
		return
	}
	m.healing[key] = true
	m.healMu.Unlock()

	m.heals.Go(func() {
		defer func() {
			m.healMu.Lock()
			delete(m.healing, key)
			m.healMu.Unlock()
		}()

		if key == FallbackKey {
			klog.Errorf("fallback branch failed: %v", cause)
		} else {
			if cause != nil {
				if n := m.graph.Node(cause.Source); n != nil {
					n.ForceNull()
				}
			}
			err := retry.Do(func() error {
				err := m.RemoveSourceBranch(context.Background(), key)
				if errors.Is(err, ErrUnknownSource) {
					return nil
				}
				return err
			},
				retry.Attempts(m.cfg.HealAttempts),
				retry.Delay(m.cfg.HealDelay),
				retry.LastErrorOnly(true),
				retry.RetryIf(func(err error) bool { return errors.Is(err, ErrRemovalPending) }),
				retry.OnRetry(func(n uint, err error) {
					klog.Warningf("removing branch %s, attempt %d: %v", key, n+1, err)
				}),
			)
			if err != nil {
				klog.Errorf("could not remove branch %s: %v", key, err)
			}
		}

		if cause != nil {
			m.publish(ErrorEvent{Key: key, Message: cause.Message, Debug: cause.Debug})
		}
	})
}
