package media

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fastCaps run sources at 200 frames per second.
var fastCaps = Caps{
	MediaType: MediaTypeVideoRaw,
	Format:    "GRAY8",
	Width:     8,
	Height:    8,
	Framerate: Rational{Nominator: 200, Denominator: 1},
}

func newTestGraph(t *testing.T) *Graph {
	t.Helper()
	g := NewGraph("test", nil, nil)
	t.Cleanup(func() { _ = g.Shutdown() })
	return g
}

func addNode(t *testing.T, g *Graph, kind, name string, props Properties) *Node {
	t.Helper()
	n, err := g.AddNode(kind, name, props)
	require.NoError(t, err)
	return n
}

func linkNodes(t *testing.T, g *Graph, a, b *Node) *Link {
	t.Helper()
	l, err := g.LinkNodes(a, b)
	require.NoError(t, err)
	return l
}

func rendered(t *testing.T, n *Node) uint64 {
	t.Helper()
	v, err := n.Property("rendered")
	require.NoError(t, err)
	return v.(uint64)
}

func waitRendered(t *testing.T, n *Node, atLeast uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return rendered(t, n) >= atLeast
	}, 2*time.Second, 5*time.Millisecond)
}

func contextWithTimeout(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}
