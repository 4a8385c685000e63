package media

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// selector forwards exactly one of its request inputs (sink_%d) to its
// output. Slot numbers are never reused.
type selector struct {
	caps Caps
	src  *Port

	// held while a buffer crosses to the output, so switching the active
	// input never interleaves two inputs within one buffer
	mu     sync.Mutex
	active *Port
	next   int
	eos    map[*Port]bool
}

func newSelector(n *Node, props Properties) (Element, error) {
	caps, err := props.Caps("caps", AnyCaps)
	if err != nil {
		return nil, err
	}
	s := &selector{caps: caps, eos: map[*Port]bool{}}
	s.src = n.AddOutput("src", caps)
	return s, nil
}

func (s *selector) ChangeState(n *Node, t StateChange) error {
	if t == StateChangePausedToReady {
		s.mu.Lock()
		s.eos = map[*Port]bool{}
		s.mu.Unlock()
	}
	return nil
}

func (s *selector) RequestPort(n *Node, template string) (*Port, error) {
	if template != "sink_%d" && template != "" {
		return nil, fmt.Errorf("%w: template %q", ErrNoSuchPort, template)
	}
	s.mu.Lock()
	name := fmt.Sprintf("sink_%d", s.next)
	s.next++
	s.mu.Unlock()
	return n.AddInput(name, s.caps, s.chain, s.event), nil
}

func (s *selector) ReleasePort(n *Node, p *Port) error {
	s.mu.Lock()
	if s.active == p {
		s.active = nil
	}
	delete(s.eos, p)
	s.mu.Unlock()
	return n.RemovePort(p)
}

func (s *selector) SetProperty(name string, value any) error {
	if name != "active-port" {
		return fmt.Errorf("%w: %s", ErrNoSuchProperty, name)
	}
	p, ok := value.(*Port)
	if !ok || p == nil || p.dir != DirIn || p.node.Port(p.name) != p {
		return fmt.Errorf("active-port: %v is not an input of the selector", value)
	}
	s.mu.Lock()
	s.active = p
	s.mu.Unlock()
	return nil
}

func (s *selector) Property(name string) (any, error) {
	switch name {
	case "active-port":
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.active, nil
	case "n-pads":
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.next, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoSuchProperty, name)
}

func (s *selector) chain(p *Port, buf *Buffer) FlowReturn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil && p.IsLinked() {
		s.active = p
	}
	if p != s.active {
		// inactive inputs are drained, not back-pressured
		return FlowOK
	}
	ret := s.src.Push(buf)
	if ret == FlowNotLinked {
		return FlowOK
	}
	return ret
}

func (s *selector) event(p *Port, ev Event) bool {
	if ev.Type != EventEOS {
		return true
	}

	s.mu.Lock()
	s.eos[p] = true
	all := true
	for _, in := range p.node.Inputs() {
		if in.IsLinked() && !s.eos[in] {
			all = false
			break
		}
	}
	s.mu.Unlock()

	p.node.PostElement(NewStructure("input-eos", map[string]any{"port": p.name}))
	if all {
		s.src.PushEvent(ev)
	}
	return true
}

// SlotOf returns the slot number of a selector input port.
func SlotOf(p *Port) (int, error) {
	idx, ok := strings.CutPrefix(p.Name(), "sink_")
	if !ok {
		return 0, fmt.Errorf("%w: %s is not a selector slot", ErrNoSuchPort, p.Name())
	}
	return strconv.Atoi(idx)
}
