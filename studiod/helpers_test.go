package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/TUM-Dev/streamstudio/studiod/media"
	"github.com/TUM-Dev/streamstudio/studiod/studio"
)

// fastCaps run sources at 200 frames per second.
var fastCaps = media.Caps{
	MediaType: media.MediaTypeVideoRaw,
	Format:    "GRAY8",
	Width:     8,
	Height:    8,
	Framerate: media.Rational{Nominator: 200, Denominator: 1},
}

// newTestDaemon runs a playing studio on the built-in engine.
func newTestDaemon(t *testing.T) *daemon {
	t.Helper()
	cfg := studio.DefaultConfig()
	cfg.VideoCaps = fastCaps
	cfg.QueueSize = 4
	cfg.BlockTimeout = 200 * time.Millisecond
	cfg.DrainTimeout = 200 * time.Millisecond
	cfg.HealDelay = 20 * time.Millisecond

	m, err := studio.NewManager(media.NewGraph("studio", nil, nil), cfg, nil)
	require.NoError(t, err)
	require.NoError(t, m.Play())

	d := &daemon{}
	d.manager = m
	d.pipelines = studio.NewPipelineSet(studio.EngineLauncher{})
	t.Cleanup(func() {
		d.pipelines.StopAll()
		_ = m.Shutdown()
	})
	return d
}

func (d *daemon) testShell() (*shell, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return &shell{manager: d.manager, pipelines: d.pipelines, relay: d.relay, out: out}, out
}

// attachRelay feeds the program of d into an engine output.
func attachRelay(t *testing.T, d *daemon) *engineOutput {
	t.Helper()
	out, err := newEngineOutput(nil)
	require.NoError(t, err)
	require.NoError(t, out.Start())
	t.Cleanup(func() { _ = out.Stop() })

	program, err := d.manager.Program()
	require.NoError(t, err)
	d.relay = studio.NewRelay(program, out, fastCaps)
	d.output = out
	return out
}
