//go:build cgo

package gstreamer

import (
	"context"
	"testing"
	"time"

	"github.com/go-gst/go-gst/gst"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TUM-Dev/streamstudio/studiod/media"
	"github.com/TUM-Dev/streamstudio/studiod/studio"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	Init()
	for _, factory := range []string{"videotestsrc", "tee", "queue", "input-selector", "appsink", "fakesink", "videoconvert", "videoscale"} {
		if gst.Find(factory) == nil {
			t.Skipf("GStreamer element %s is not installed", factory)
		}
	}
	b, err := NewBackend("studio_test")
	require.NoError(t, err)
	return b
}

func TestBackendRunsStudio(t *testing.T) {
	b := newTestBackend(t)
	g := b.NewGraph(nil)

	cfg := studio.DefaultConfig()
	cfg.VideoCaps = media.Caps{
		MediaType: media.MediaTypeVideoRaw,
		Format:    "I420",
		Width:     64,
		Height:    48,
		Framerate: media.Rational{Nominator: 50, Denominator: 1},
	}
	cfg.Elements.Monitor = "fakesink"
	m, err := studio.NewManager(g, cfg, nil)
	if err != nil {
		require.NoError(t, b.Close())
		t.Fatal(err)
	}
	t.Cleanup(func() {
		assert.NoError(t, m.Shutdown())
		assert.NoError(t, b.Close())
	})
	require.NoError(t, m.Play())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, m.AddSourceBranch(ctx, "cam", studio.SourceSpec{Kind: studio.SourceTest, Locator: "snow"}))
	require.NoError(t, m.Switcher().Activate("cam"))
	assert.Contains(t, b.Dot(), "GstInputSelector")

	program, err := m.Program()
	require.NoError(t, err)
	buf, err := program.Pull(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, buf.Data)

	require.NoError(t, m.RemoveSourceBranch(ctx, "cam"))
	assert.Equal(t, studio.FallbackKey, m.Switcher().Active())
	assert.Len(t, m.Branches(), 1)

	buf, err = program.Pull(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, buf.Data)
}
