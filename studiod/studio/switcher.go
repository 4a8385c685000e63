package studio

import (
	"fmt"

	"k8s.io/klog"
)

// Switcher selects which branch feeds the output.
type Switcher struct {
	m *Manager
}

func (m *Manager) Switcher() *Switcher {
	return &Switcher{m: m}
}

// Activate makes the branch under key the selected input. The branch is
// already linked and flowing, so this is a single property change on the
// selector and never pauses the graph.
func (s *Switcher) Activate(key string) error {
	s.m.mu.Lock()
	defer s.m.unlock()
	if s.m.closed.Load() {
		return ErrClosed
	}
	return s.m.activateLocked(key)
}

// Active returns the key of the selected branch.
func (s *Switcher) Active() string {
	s.m.mu.Lock()
	defer s.m.unlock()
	return s.m.active
}

func (m *Manager) activateLocked(key string) error {
	b, ok := m.branches[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, key)
	}
	if b.pending {
		return fmt.Errorf("%w: %s is being removed", ErrNotSwitchable, key)
	}
	slot := b.videoSlot()
	if slot == nil {
		return fmt.Errorf("%w: %s", ErrNotSwitchable, key)
	}
	if err := m.selector.SetProperty("active-port", slot); err != nil {
		return err
	}

	from := m.active
	m.active = key
	m.switches.Add(1)
	klog.V(2).Infof("switched from %s to %s (%s)", from, key, slot)
	m.publishLocked(SwitchedEvent{From: from, To: key})
	return nil
}
