package media

import (
	"fmt"
	"sync"
)

// tee duplicates its input onto any number of request ports named src_%d.
type tee struct {
	mu   sync.Mutex
	next int
}

func newTee(n *Node, props Properties) (Element, error) {
	caps, err := props.Caps("caps", AnyCaps)
	if err != nil {
		return nil, err
	}
	t := &tee{}
	n.AddInput("sink", caps, t.chain, t.event)
	return t, nil
}

func (t *tee) ChangeState(*Node, StateChange) error {
	return nil
}

func (t *tee) RequestPort(n *Node, template string) (*Port, error) {
	if template != "src_%d" && template != "" {
		return nil, fmt.Errorf("%w: template %q", ErrNoSuchPort, template)
	}
	t.mu.Lock()
	name := fmt.Sprintf("src_%d", t.next)
	t.next++
	t.mu.Unlock()
	return n.AddOutput(name, n.Port("sink").Caps()), nil
}

func (t *tee) ReleasePort(n *Node, p *Port) error {
	return n.RemovePort(p)
}

func (t *tee) chain(p *Port, buf *Buffer) FlowReturn {
	outs := p.node.Outputs()
	ret := FlowNotLinked
	for _, out := range outs {
		switch out.Push(buf) {
		case FlowOK:
			ret = FlowOK
		case FlowError:
			return FlowError
		case FlowFlushing:
			if ret == FlowNotLinked {
				ret = FlowFlushing
			}
		}
	}
	return ret
}

func (t *tee) event(p *Port, ev Event) bool {
	for _, out := range p.node.Outputs() {
		out.PushEvent(ev)
	}
	return true
}
