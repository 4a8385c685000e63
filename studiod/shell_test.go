package main

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TUM-Dev/streamstudio/studiod/studio"
)

func TestShellAddSwitchRemove(t *testing.T) {
	d := newTestDaemon(t)
	sh, out := d.testShell()
	ctx := context.Background()

	require.NoError(t, sh.exec(ctx, "add test://ball cam"))
	assert.Contains(t, out.String(), "added cam")

	require.NoError(t, sh.exec(ctx, "switch cam"))
	assert.Equal(t, "cam", d.manager.Switcher().Active())

	out.Reset()
	require.NoError(t, sh.exec(ctx, "list"))
	assert.Contains(t, out.String(), "* cam")
	assert.Contains(t, out.String(), "test://ball")

	require.NoError(t, sh.exec(ctx, "remove cam"))
	assert.Equal(t, "fallback", d.manager.Switcher().Active())
}

func TestShellKeyDefaultsToLocator(t *testing.T) {
	d := newTestDaemon(t)
	sh, _ := d.testShell()

	require.NoError(t, sh.exec(context.Background(), "add test://snow"))
	var keys []string
	for _, b := range d.manager.Branches() {
		keys = append(keys, b.Key)
	}
	assert.Contains(t, keys, "test://snow")
}

func TestShellErrors(t *testing.T) {
	d := newTestDaemon(t)
	sh, _ := d.testShell()
	ctx := context.Background()

	tests := []struct {
		line string
		err  error
	}{
		{"remove nosuch", studio.ErrUnknownSource},
		{"switch nosuch", studio.ErrUnknownSource},
		{"remove fallback", studio.ErrFallbackBranch},
		{"add /dev/nosuchdevice", studio.ErrSourceNotFound},
		{"stop nosuch", studio.ErrUnknownPipeline},
		{"stop " + uuid.NewString(), studio.ErrUnknownPipeline},
		{"pipeline", studio.ErrInvalidDescription},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.ErrorIs(t, sh.exec(ctx, tt.line), tt.err)
		})
	}

	assert.Error(t, sh.exec(ctx, "frobnicate"))
	assert.Error(t, sh.exec(ctx, "switch"))
	assert.NoError(t, sh.exec(ctx, "   "))
}

func TestShellPipelines(t *testing.T) {
	d := newTestDaemon(t)
	sh, out := d.testShell()
	ctx := context.Background()

	require.NoError(t, sh.exec(ctx, "pipeline testsrc pattern=ball ! queue ! fakesink"))
	id, err := uuid.Parse(strings.TrimSpace(out.String()))
	require.NoError(t, err)

	out.Reset()
	require.NoError(t, sh.exec(ctx, "list"))
	assert.Contains(t, out.String(), "testsrc pattern=ball ! queue ! fakesink")

	out.Reset()
	require.NoError(t, sh.exec(ctx, "graph "+id.String()))
	assert.Contains(t, out.String(), "digraph")

	path := t.TempDir() + "/session"
	out.Reset()
	require.NoError(t, sh.exec(ctx, "save "+path))
	assert.Contains(t, out.String(), path+studio.FileSuffix)
	_, err = os.Stat(path + studio.FileSuffix)
	require.NoError(t, err)

	require.NoError(t, sh.exec(ctx, "stop "+id.String()))
	assert.Empty(t, d.pipelines.List())

	out.Reset()
	require.NoError(t, sh.exec(ctx, "open "+path+studio.FileSuffix))
	require.Len(t, d.pipelines.List(), 1)
	assert.NotEqual(t, id, d.pipelines.List()[0].ID)
}

func TestShellGraph(t *testing.T) {
	d := newTestDaemon(t)
	sh, out := d.testShell()

	require.NoError(t, sh.exec(context.Background(), "graph"))
	assert.Contains(t, out.String(), `digraph "studio"`)
	assert.Contains(t, out.String(), "branch1_source")
}

func TestShellCarousel(t *testing.T) {
	d := newTestDaemon(t)
	sh, _ := d.testShell()
	ctx := context.Background()

	assert.Error(t, sh.exec(ctx, "carousel on"))

	attachRelay(t, d)
	sh, _ = d.testShell()
	require.NoError(t, sh.exec(ctx, "carousel on"))
	assert.True(t, d.relay.Carousel())
	require.NoError(t, sh.exec(ctx, "carousel off"))
	assert.False(t, d.relay.Carousel())
	assert.Error(t, sh.exec(ctx, "carousel sideways"))
}

func TestShellRunStopsAtQuit(t *testing.T) {
	d := newTestDaemon(t)
	sh, out := d.testShell()

	in := strings.NewReader("add test://ball cam\nswitch nosuch\nquit\nremove cam\n")
	require.NoError(t, sh.run(context.Background(), in))

	assert.Contains(t, out.String(), "added cam")
	assert.Contains(t, out.String(), "error: unknown source")
	assert.NotContains(t, out.String(), "removed cam")
}

func TestShellRunStopsAtEOF(t *testing.T) {
	d := newTestDaemon(t)
	sh, out := d.testShell()

	require.NoError(t, sh.run(context.Background(), strings.NewReader("list\n")))
	assert.Contains(t, out.String(), "fallback")
}

func TestShellRunStopsWithContext(t *testing.T) {
	d := newTestDaemon(t)
	sh, _ := d.testShell()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer w.Close()
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sh.run(ctx, r), context.Canceled)
}
