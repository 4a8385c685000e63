package studio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/TUM-Dev/streamstudio/studiod/media"
	"k8s.io/klog"
)

// discovery collects the ports a demuxer announces from its streaming
// goroutine. The goroutine adding the branch consumes them.
type discovery struct {
	mu     sync.Mutex
	ports  []*media.Port
	done   bool
	err    error
	signal chan struct{}
}

func newDiscovery() *discovery {
	return &discovery{signal: make(chan struct{}, 1)}
}

func (d *discovery) notify() {
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

func (d *discovery) portAdded(_ *media.Node, p *media.Port) {
	d.mu.Lock()
	d.ports = append(d.ports, p)
	d.mu.Unlock()
	d.notify()
}

func (d *discovery) noMorePorts(*media.Node) {
	d.mu.Lock()
	d.done = true
	d.mu.Unlock()
	d.notify()
}

func (d *discovery) fail(err *media.StreamError) {
	d.mu.Lock()
	if d.err == nil {
		d.err = err
	}
	d.mu.Unlock()
	d.notify()
}

// take returns the ports announced since the last call.
func (d *discovery) take() ([]*media.Port, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ports := d.ports
	d.ports = nil
	return ports, d.done, d.err
}

func streamKind(c media.Caps) media.StreamKind {
	switch {
	case c.IsVideo():
		return media.StreamVideo
	case c.IsAudio():
		return media.StreamAudio
	}
	return media.StreamOther
}

// AddFileBranch adds a media file as a branch keyed by its path. Every
// video stream gets a selector slot and a monitor, every audio stream a
// monitor. It returns once the demuxer announced its last stream.
func (m *Manager) AddFileBranch(ctx context.Context, path string) error {
	return m.AddSourceBranch(ctx, path, SourceSpec{Kind: SourceFile, Locator: path})
}

func (m *Manager) addFileBranch(ctx context.Context, key, path string) (*Branch, error) {
	if _, ok := m.branches[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSource, key)
	}
	spec := SourceSpec{Kind: SourceFile, Locator: path}
	if err := spec.check(); err != nil {
		return nil, err
	}

	bd := m.newBuild(key, spec)
	if err := m.discoverFile(ctx, bd); err != nil {
		bd.rollback()
		return nil, err
	}
	m.register(bd.branch)
	return bd.branch, nil
}

func (m *Manager) discoverFile(ctx context.Context, bd *build) error {
	b := bd.branch
	props := media.Properties{"location": b.Spec.Locator}
	if m.cfg.Prober != nil {
		props["prober"] = m.cfg.Prober
	}
	demux, err := bd.node(m.cfg.Elements.File, "demux", props)
	if err != nil {
		return err
	}
	b.Source = demux

	d := newDiscovery()
	demux.OnPortAdded(d.portAdded)
	demux.OnNoMorePorts(d.noMorePorts)
	m.discMu.Lock()
	m.discoveries[demux.Name()] = d
	m.discMu.Unlock()
	defer func() {
		m.discMu.Lock()
		delete(m.discoveries, demux.Name())
		m.discMu.Unlock()
	}()

	// Streams are only discovered once the demuxer runs.
	if err := demux.SetState(media.StatePaused); err != nil {
		return err
	}

	preroll := m.preroll()
	timer := time.NewTimer(m.cfg.DiscoverTimeout)
	defer timer.Stop()
	counts := map[media.StreamKind]int{}
	for {
		ports, done, err := d.take()
		for _, p := range ports {
			kind := streamKind(p.Caps())
			if kind == media.StreamOther {
				continue
			}
			index := counts[kind]
			counts[kind]++
			if _, err := bd.attach(p, kind, index, preroll); err != nil {
				return err
			}
			klog.V(2).Infof("branch %s: %s stream %d on %s", b.Key, kind, index, p)
			m.publishLocked(StreamDiscoveredEvent{Key: b.Key, Kind: kind, Index: index})
		}
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrStreamsIncomplete, b.Key, err)
		}
		if done {
			break
		}

		select {
		case <-d.signal:
		case <-timer.C:
			return fmt.Errorf("%w: %s: no-more-streams not seen within %s", ErrStreamsIncomplete, b.Key, m.cfg.DiscoverTimeout)
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %v", ErrStreamsIncomplete, b.Key, ctx.Err())
		}
	}
	m.publishLocked(NoMoreStreamsEvent{Key: b.Key})

	if len(b.Paths) == 0 {
		return fmt.Errorf("%w: %s has no audio or video streams", ErrStreamsIncomplete, b.Key)
	}
	return bd.play(m.graph.State())
}
