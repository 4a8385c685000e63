package media

import "errors"

var ErrForeignPort = errors.New("ports belong to different backends")

// PortDriver moves the data of a port outside of this package, e.g. across
// a pad of a native pipeline. Probes, injected events and links of a driven
// port are forwarded to its driver; the port keeps the bookkeeping the graph
// relies on, such as IsBlocked.
type PortDriver interface {
	// AddProbe installs fn natively and returns a handle for RemoveProbe.
	// fn may run before AddProbe returns.
	AddProbe(p *Port, typ ProbeType, fn func(*ProbeInfo) ProbeReturn) uint64
	RemoveProbe(p *Port, handle uint64)
	SendEvent(p *Port, ev Event) bool
	Link(src, sink *Port) error
	Unlink(src, sink *Port) error
}

// Disposer is implemented by elements holding native resources that must be
// released when their node leaves the graph.
type Disposer interface {
	Dispose(n *Node) error
}

// AddDrivenInput creates an input port whose data path is owned by d.
func (n *Node) AddDrivenInput(name string, caps Caps, d PortDriver) *Port {
	p := newPort(n, name, DirIn, caps)
	p.driver = d
	n.attach(p)
	return p
}

// AddDrivenOutput creates an output port whose data path is owned by d.
func (n *Node) AddDrivenOutput(name string, caps Caps, d PortDriver) *Port {
	p := newPort(n, name, DirOut, caps)
	p.driver = d
	n.attach(p)
	return p
}

// Driver returns the driver of the port, or nil for ports of the built-in
// engine.
func (p *Port) Driver() PortDriver { return p.driver }

// addDrivenProbe registers pr with the driver. The native callback keeps
// the local state of pr in step so blocking probes report IsBlocked.
func (p *Port) addDrivenProbe(pr *probe) {
	d := p.driver
	handle := d.AddProbe(p, pr.typ, func(info *ProbeInfo) ProbeReturn {
		return p.drivenProbe(pr, info)
	})

	p.mu.Lock()
	pr.handle = handle
	gone := !p.hasProbeLocked(pr.id)
	p.mu.Unlock()
	if gone {
		// removed before the driver returned
		d.RemoveProbe(p, handle)
	}
}

func (p *Port) drivenProbe(pr *probe, info *ProbeInfo) ProbeReturn {
	p.mu.Lock()
	if !p.hasProbeLocked(pr.id) {
		p.mu.Unlock()
		return ProbeRemove
	}
	once := pr.blocking() || pr.typ&ProbeIdle != 0
	if once && pr.fired {
		p.mu.Unlock()
		return ProbeOK
	}
	if once {
		pr.fired = true
	}
	p.mu.Unlock()

	info.ID = pr.id
	ret := pr.fn(p, info)

	if ret == ProbeRemove || (pr.typ&ProbeIdle != 0 && !pr.blocking()) {
		p.mu.Lock()
		p.removeProbeLocked(pr.id)
		p.mu.Unlock()
		return ProbeRemove
	}
	return ret
}
