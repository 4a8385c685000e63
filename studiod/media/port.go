package media

import (
	"fmt"
	"sync"
)

type Direction int

const (
	DirIn Direction = iota
	DirOut
)

func (d Direction) String() string {
	if d == DirIn {
		return "in"
	}
	return "out"
}

// ChainFunc consumes a buffer arriving on an input port. It runs on the
// streaming goroutine of the upstream node.
type ChainFunc func(p *Port, buf *Buffer) FlowReturn

// EventFunc consumes an in-band event arriving on an input port.
type EventFunc func(p *Port, ev Event) bool

type ProbeType int

const (
	// ProbeBuffer observes every buffer crossing the port.
	ProbeBuffer ProbeType = 1 << iota
	// ProbeEvent observes every in-band event crossing the port.
	ProbeEvent
	// ProbeBlock parks the streaming goroutine on the port. The callback
	// fires once, when the port becomes blocked.
	ProbeBlock
	// ProbeIdle fires as soon as no data is crossing the port. Combined
	// with ProbeBlock the port stays blocked afterwards.
	ProbeIdle
)

type ProbeReturn int

const (
	// ProbeOK keeps the probe installed. For blocking probes the port stays blocked.
	ProbeOK ProbeReturn = iota
	// ProbeDrop drops the buffer or event.
	ProbeDrop
	// ProbeRemove removes the probe and lets data flow again.
	ProbeRemove
	// ProbePass lets the current item through but keeps the probe installed.
	ProbePass
)

type ProbeID uint64

type ProbeInfo struct {
	ID     ProbeID
	Type   ProbeType
	Buffer *Buffer
	Event  *Event
}

type ProbeFunc func(p *Port, info *ProbeInfo) ProbeReturn

type probe struct {
	id    ProbeID
	typ   ProbeType
	fn    ProbeFunc
	fired bool
	// native handle of a probe on a driven port
	handle uint64
}

func (pr *probe) blocking() bool {
	return pr.typ&ProbeBlock != 0
}

// A Port is a typed connection point of a Node. It is linked to at most one
// other port at a time.
type Port struct {
	name string
	dir  Direction
	caps Caps
	node *Node

	chain ChainFunc
	event EventFunc

	mu   sync.Mutex
	cond *sync.Cond
	link *Link
	// active ports pass data; inactive ports are flushing
	active   bool
	flushing chan struct{}
	// number of goroutines currently moving data across the port
	busy      int
	probes    []*probe
	nextProbe ProbeID

	driver PortDriver
}

func newPort(n *Node, name string, dir Direction, caps Caps) *Port {
	p := &Port{
		name:     name,
		dir:      dir,
		caps:     caps,
		node:     n,
		flushing: make(chan struct{}),
	}
	close(p.flushing)
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *Port) Name() string         { return p.name }
func (p *Port) Direction() Direction { return p.dir }
func (p *Port) Caps() Caps           { return p.caps }
func (p *Port) Node() *Node          { return p.node }

// FullName returns "node.port".
func (p *Port) FullName() string {
	return p.node.Name() + "." + p.name
}

func (p *Port) String() string {
	return p.FullName()
}

// Link returns the link bound to the port, or nil.
func (p *Port) Link() *Link {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.link
}

func (p *Port) IsLinked() bool {
	return p.Link() != nil
}

// Peer returns the port at the other end of the link, or nil.
func (p *Port) Peer() *Port {
	l := p.Link()
	if l == nil {
		return nil
	}
	if p.dir == DirOut {
		return l.sink
	}
	return l.src
}

func (p *Port) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// IsBlocked reports whether a blocking probe on the port has fired, i.e. no
// data crosses the port until the probe is removed.
func (p *Port) IsBlocked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pr := range p.probes {
		if pr.blocking() && pr.fired {
			return true
		}
	}
	return false
}

// Flushing returns a channel that is closed while the port is inactive.
func (p *Port) Flushing() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushing
}

func (p *Port) setActive(active bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == active {
		return
	}
	p.active = active
	if active {
		p.flushing = make(chan struct{})
	} else {
		close(p.flushing)
	}
	p.cond.Broadcast()
}

// AddProbe installs a probe and returns its id. An idle probe added while
// the port is idle fires on the calling goroutine before AddProbe returns.
func (p *Port) AddProbe(typ ProbeType, fn ProbeFunc) ProbeID {
	p.mu.Lock()
	p.nextProbe++
	pr := &probe{id: p.nextProbe, typ: typ, fn: fn}
	p.probes = append(p.probes, pr)
	if p.driver != nil {
		p.mu.Unlock()
		p.addDrivenProbe(pr)
		return pr.id
	}
	if typ&ProbeIdle != 0 && p.busy == 0 {
		p.fireIdleLocked([]*probe{pr})
	}
	p.mu.Unlock()
	return pr.id
}

// RemoveProbe removes a probe. A goroutine parked by it resumes.
func (p *Port) RemoveProbe(id ProbeID) {
	p.mu.Lock()
	var handle uint64
	for _, pr := range p.probes {
		if pr.id == id {
			handle = pr.handle
		}
	}
	p.removeProbeLocked(id)
	p.mu.Unlock()
	if p.driver != nil && handle != 0 {
		p.driver.RemoveProbe(p, handle)
	}
}

func (p *Port) removeProbeLocked(id ProbeID) {
	for i, pr := range p.probes {
		if pr.id == id {
			p.probes = append(p.probes[:i], p.probes[i+1:]...)
			p.cond.Broadcast()
			return
		}
	}
}

func (p *Port) hasProbeLocked(id ProbeID) bool {
	for _, pr := range p.probes {
		if pr.id == id {
			return true
		}
	}
	return false
}

// fireIdleLocked calls the idle callbacks of probes. p.mu is released
// around the callbacks.
func (p *Port) fireIdleLocked(probes []*probe) {
	for _, pr := range probes {
		if pr.fired || !p.hasProbeLocked(pr.id) {
			continue
		}
		pr.fired = true
		p.mu.Unlock()
		ret := pr.fn(p, &ProbeInfo{ID: pr.id, Type: ProbeIdle})
		p.mu.Lock()
		if ret == ProbeRemove || !pr.blocking() {
			p.removeProbeLocked(pr.id)
		}
	}
}

// enter marks data as crossing the port and runs the probes. The returned
// bool is false when the item must not travel further.
func (p *Port) enter(info *ProbeInfo) (FlowReturn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return FlowFlushing, false
	}
	p.busy++
	ret, pass := p.probeLocked(info)
	if !pass {
		p.leaveLocked()
	}
	return ret, pass
}

func (p *Port) leave() {
	p.mu.Lock()
	p.leaveLocked()
	p.mu.Unlock()
}

func (p *Port) leaveLocked() {
	p.busy--
	if p.busy > 0 {
		return
	}
	var idle []*probe
	for _, pr := range p.probes {
		if pr.typ&ProbeIdle != 0 && !pr.fired {
			idle = append(idle, pr)
		}
	}
	if len(idle) > 0 {
		p.fireIdleLocked(idle)
	}
}

// probeLocked runs blocking probes first, parking the caller while one is
// installed, then the data probes.
func (p *Port) probeLocked(info *ProbeInfo) (FlowReturn, bool) {
	passed := map[ProbeID]bool{}
	for {
		if !p.active {
			return FlowFlushing, false
		}
		var blk *probe
		for _, pr := range p.probes {
			if pr.blocking() && !passed[pr.id] {
				blk = pr
				break
			}
		}
		if blk == nil {
			break
		}
		if blk.fired {
			p.cond.Wait()
			continue
		}
		blk.fired = true
		p.mu.Unlock()
		ret := blk.fn(p, &ProbeInfo{ID: blk.id, Type: ProbeBlock, Buffer: info.Buffer, Event: info.Event})
		p.mu.Lock()
		switch ret {
		case ProbeRemove:
			p.removeProbeLocked(blk.id)
		case ProbeDrop:
			return FlowOK, false
		case ProbePass:
			passed[blk.id] = true
		}
	}

	want := ProbeBuffer
	if info.Event != nil {
		want = ProbeEvent
	}
	var data []*probe
	for _, pr := range p.probes {
		if pr.typ&want != 0 && !pr.blocking() {
			data = append(data, pr)
		}
	}
	for _, pr := range data {
		p.mu.Unlock()
		ret := pr.fn(p, &ProbeInfo{ID: pr.id, Type: want, Buffer: info.Buffer, Event: info.Event})
		p.mu.Lock()
		switch ret {
		case ProbeDrop:
			return FlowOK, false
		case ProbeRemove:
			p.removeProbeLocked(pr.id)
		}
	}
	return FlowOK, true
}

// Push sends a buffer downstream through an output port. It runs on the
// streaming goroutine of the port's node.
func (p *Port) Push(buf *Buffer) FlowReturn {
	if p.dir != DirOut {
		return FlowError
	}
	if ret, ok := p.enter(&ProbeInfo{Buffer: buf}); !ok {
		return ret
	}
	defer p.leave()

	peer := p.Peer()
	if peer == nil {
		return FlowNotLinked
	}
	return peer.receive(buf)
}

// PushEvent sends an event downstream through an output port.
func (p *Port) PushEvent(ev Event) bool {
	if p.dir != DirOut {
		return false
	}
	if _, ok := p.enter(&ProbeInfo{Event: &ev}); !ok {
		return false
	}
	defer p.leave()

	peer := p.Peer()
	if peer == nil {
		return false
	}
	return peer.SendEvent(ev)
}

func (p *Port) receive(buf *Buffer) FlowReturn {
	if ret, ok := p.enter(&ProbeInfo{Buffer: buf}); !ok {
		return ret
	}
	defer p.leave()
	if p.chain == nil {
		return FlowNotLinked
	}
	return p.chain(p, buf)
}

// SendEvent delivers an event to an input port as if it arrived from
// upstream. It is used to inject EOS into a branch that is being drained.
func (p *Port) SendEvent(ev Event) bool {
	if p.dir != DirIn {
		return false
	}
	if p.driver != nil {
		return p.driver.SendEvent(p, ev)
	}
	if _, ok := p.enter(&ProbeInfo{Event: &ev}); !ok {
		return false
	}
	defer p.leave()
	if p.event == nil {
		return true
	}
	return p.event(p, ev)
}

// A Link connects one output port to one input port.
type Link struct {
	id   uint64
	src  *Port
	sink *Port
}

func (l *Link) ID() uint64  { return l.id }
func (l *Link) Src() *Port  { return l.src }
func (l *Link) Sink() *Port { return l.sink }
func (l *Link) String() string {
	return fmt.Sprintf("%s -> %s", l.src.FullName(), l.sink.FullName())
}
