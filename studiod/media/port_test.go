package media

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockProbeParksStreaming(t *testing.T) {
	g := newTestGraph(t)
	src := addNode(t, g, "testsrc", "src", Properties{"caps": fastCaps})
	sink := addNode(t, g, "fakesink", "sink", nil)
	linkNodes(t, g, src, sink)
	require.NoError(t, g.SetState(StatePlaying))
	waitRendered(t, sink, 3)

	out := src.Port("src")
	blocked := make(chan struct{})
	id := out.AddProbe(ProbeBlock|ProbeIdle, func(p *Port, info *ProbeInfo) ProbeReturn {
		close(blocked)
		return ProbeOK
	})

	select {
	case <-blocked:
	case <-time.After(time.Second):
		t.Fatal("port never blocked")
	}
	assert.True(t, out.IsBlocked())

	// Let an in-flight buffer settle before sampling.
	time.Sleep(20 * time.Millisecond)
	before := rendered(t, sink)
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, rendered(t, sink), before+1)

	out.RemoveProbe(id)
	assert.False(t, out.IsBlocked())
	waitRendered(t, sink, before+3)
}

func TestIdleProbeFiresImmediatelyOnIdlePort(t *testing.T) {
	g := newTestGraph(t)
	src := addNode(t, g, "testsrc", "src", Properties{"caps": fastCaps})

	var calls atomic.Int32
	src.Port("src").AddProbe(ProbeIdle, func(p *Port, info *ProbeInfo) ProbeReturn {
		calls.Add(1)
		assert.Equal(t, ProbeIdle, info.Type)
		return ProbeOK
	})
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, src.Port("src").IsBlocked())
}

func TestDeactivationReleasesBlockedPush(t *testing.T) {
	g := newTestGraph(t)
	src := addNode(t, g, "testsrc", "src", Properties{"caps": fastCaps})
	sink := addNode(t, g, "fakesink", "sink", nil)
	linkNodes(t, g, src, sink)
	require.NoError(t, g.SetState(StatePlaying))
	waitRendered(t, sink, 1)

	blocked := make(chan struct{})
	src.Port("src").AddProbe(ProbeBlock, func(p *Port, info *ProbeInfo) ProbeReturn {
		close(blocked)
		return ProbeOK
	})
	<-blocked

	done := make(chan error, 1)
	go func() { done <- src.SetState(StateNull) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("state change deadlocked on blocked port")
	}
	assert.Equal(t, StateNull, src.State())
}

func TestBufferProbeCanDrop(t *testing.T) {
	g := newTestGraph(t)
	src := addNode(t, g, "testsrc", "src", Properties{"caps": fastCaps})
	sink := addNode(t, g, "fakesink", "sink", nil)
	linkNodes(t, g, src, sink)

	var seen atomic.Int32
	src.Port("src").AddProbe(ProbeBuffer, func(p *Port, info *ProbeInfo) ProbeReturn {
		assert.NotNil(t, info.Buffer)
		seen.Add(1)
		return ProbeDrop
	})
	require.NoError(t, g.SetState(StatePlaying))

	require.Eventually(t, func() bool { return seen.Load() >= 5 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(0), rendered(t, sink))
}

func TestEventProbeSeesEOS(t *testing.T) {
	g := newTestGraph(t)
	src := addNode(t, g, "testsrc", "src", Properties{"caps": fastCaps, "num-buffers": 3})
	sink := addNode(t, g, "fakesink", "sink", nil)
	linkNodes(t, g, src, sink)

	eos := make(chan struct{})
	sink.Port("sink").AddProbe(ProbeEvent, func(p *Port, info *ProbeInfo) ProbeReturn {
		if info.Event.Type == EventEOS {
			close(eos)
			return ProbeRemove
		}
		return ProbeOK
	})
	require.NoError(t, g.SetState(StatePlaying))

	select {
	case <-eos:
	case <-time.After(2 * time.Second):
		t.Fatal("no EOS")
	}
	assert.Equal(t, uint64(3), rendered(t, sink))
}
