package media

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Properties are the construction parameters of a node.
type Properties map[string]any

func (p Properties) String(key, def string) (string, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("property %q: expected string, got %T", key, v)
	}
	return s, nil
}

func (p Properties) Int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	switch v := v.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case uint64:
		return int(v), nil
	case float64:
		return int(v), nil
	case string:
		i, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("property %q: %w", key, err)
		}
		return i, nil
	}
	return 0, fmt.Errorf("property %q: expected integer, got %T", key, v)
}

func (p Properties) Bool(key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	switch v := v.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("property %q: %w", key, err)
		}
		return b, nil
	}
	return false, fmt.Errorf("property %q: expected bool, got %T", key, v)
}

func (p Properties) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	switch v := v.(type) {
	case time.Duration:
		return v, nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("property %q: %w", key, err)
		}
		return d, nil
	}
	return 0, fmt.Errorf("property %q: expected duration, got %T", key, v)
}

func (p Properties) Caps(key string, def Caps) (Caps, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	c, ok := v.(Caps)
	if !ok {
		return Caps{}, fmt.Errorf("property %q: expected caps, got %T", key, v)
	}
	return c, nil
}

// Factory builds the element of a freshly created node. It adds the static
// ports of the element to n.
type Factory func(n *Node, props Properties) (Element, error)

// Registry maps element kinds to their factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry holding the built-in element kinds.
func NewRegistry() *Registry {
	r := NewEmptyRegistry()
	r.Register("testsrc", newTestSrc)
	r.Register("devsrc", newDevSrc)
	r.Register("filedemux", newFileDemux)
	r.Register("tee", newTee)
	r.Register("queue", newQueue)
	r.Register("selector", newSelector)
	r.Register("monitorsink", newMonitorSink)
	r.Register("fakesink", newFakeSink)
	r.Register("appsink", newAppSink)
	r.Register("appsrc", newAppSrc)
	return r
}

// NewEmptyRegistry returns a registry without any element kinds, for
// backends that provide all of their own.
func NewEmptyRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register adds or replaces a factory.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	r.factories[kind] = f
	r.mu.Unlock()
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Make creates a detached node of the given kind.
func (r *Registry) Make(kind, name string, props Properties) (*Node, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, creationError(kind, name, fmt.Errorf("unknown element kind"))
	}
	if props == nil {
		props = Properties{}
	}

	n := newNode(kind, name)
	elem, err := f(n, props)
	if err != nil {
		return nil, creationError(kind, name, err)
	}
	n.elem = elem
	return n, nil
}
