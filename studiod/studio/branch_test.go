package studio

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/TUM-Dev/streamstudio/studiod/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManagerStartsWithFallback(t *testing.T) {
	f := newFixture(t, testConfig())

	branches := f.m.Branches()
	require.Len(t, branches, 1)
	assert.Equal(t, FallbackKey, branches[0].Key)
	assert.True(t, branches[0].Active)
	assert.Equal(t, 0, branches[0].Slot)
	assert.Equal(t, FallbackKey, f.m.Switcher().Active())
	assert.Len(t, f.m.Selector().Inputs(), 1)

	err := f.m.RemoveSourceBranch(context.Background(), FallbackKey)
	assert.ErrorIs(t, err, ErrFallbackBranch)
}

func TestAddRemoveRoundTrip(t *testing.T) {
	f := newFixture(t, testConfig())
	require.NoError(t, f.m.Play())
	before := f.m.Stats()

	ctx := contextWithTimeout(t, 5*time.Second)
	require.NoError(t, f.m.AddSourceBranch(ctx, "cam", testSpec("ball")))

	during := f.m.Stats()
	assert.Equal(t, before.Nodes+5, during.Nodes)
	assert.Equal(t, before.Links+5, during.Links)
	assert.Equal(t, 2, during.Branches)
	assert.Equal(t, 1, branch(t, f.m, "cam").Slot)
	assert.Len(t, f.m.Selector().Inputs(), 2)

	// the monitor of the new branch renders
	require.Eventually(t, func() bool {
		return branch(t, f.m, "cam").Rendered > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.m.RemoveSourceBranch(ctx, "cam"))
	after := f.m.Stats()
	assert.Equal(t, before.Nodes, after.Nodes)
	assert.Equal(t, before.Links, after.Links)
	assert.Len(t, f.m.Selector().Inputs(), 1)
	assert.False(t, hasBranch(f.m, "cam"))
	assert.Nil(t, f.m.Graph().Node("branch2_source"))

	assert.ErrorIs(t, f.m.RemoveSourceBranch(ctx, "cam"), ErrUnknownSource)
}

func TestAddWhileStopped(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := contextWithTimeout(t, 5*time.Second)

	require.NoError(t, f.m.AddSourceBranch(ctx, "cam", testSpec("snow")))
	src := f.m.Graph().Node("branch2_source")
	require.NotNil(t, src)
	assert.Equal(t, media.StateNull, src.State())

	require.NoError(t, f.m.Play())
	assert.Equal(t, media.StatePlaying, src.State())
	require.NoError(t, f.m.RemoveSourceBranch(ctx, "cam"))
}

func TestAddDuplicateLeavesGraphUnchanged(t *testing.T) {
	f := newFixture(t, testConfig())
	require.NoError(t, f.m.Play())
	ctx := contextWithTimeout(t, 5*time.Second)

	require.NoError(t, f.m.AddSourceBranch(ctx, "cam", testSpec("red")))
	before := f.m.Stats()
	f.events.reset()

	err := f.m.AddSourceBranch(ctx, "cam", testSpec("blue"))
	assert.ErrorIs(t, err, ErrDuplicateSource)
	assert.Equal(t, before, f.m.Stats())
	assert.Empty(t, f.events.all())
}

func TestAddMissingSourceLeavesGraphUnchanged(t *testing.T) {
	f := newFixture(t, testConfig())
	require.NoError(t, f.m.Play())
	before := f.m.Stats()
	ctx := contextWithTimeout(t, 5*time.Second)

	err := f.m.AddSourceBranch(ctx, "cam", SourceSpec{Kind: SourceDevice, Locator: "/dev/does-not-exist"})
	assert.ErrorIs(t, err, ErrSourceNotFound)
	err = f.m.AddFileBranch(ctx, "/does/not/exist.mp4")
	assert.ErrorIs(t, err, ErrSourceNotFound)

	assert.Equal(t, before, f.m.Stats())
	assert.Len(t, f.m.Branches(), 1)
}

func TestAddFailureRollsBack(t *testing.T) {
	cfg := testConfig()
	cfg.Elements.Monitor = "nosuchsink"
	reg := media.NewRegistry()
	g := media.NewGraph("studio", reg, nil)
	t.Cleanup(func() { _ = g.Shutdown() })

	// the fallback branch already needs a monitor
	_, err := NewManager(g, cfg, nil)
	require.ErrorIs(t, err, media.ErrElementCreation)
	assert.Equal(t, 3, g.Stats().Nodes)
	assert.Equal(t, 2, g.Stats().Links)
}

func TestSwitchUnknownKeepsActive(t *testing.T) {
	f := newFixture(t, testConfig())
	require.NoError(t, f.m.Play())

	err := f.m.Switcher().Activate("nope")
	assert.ErrorIs(t, err, ErrUnknownSource)
	assert.Equal(t, FallbackKey, f.m.Switcher().Active())
	assert.Equal(t, uint64(1), f.m.Stats().Switches)
}

// The output carries the selected branch.
func TestSwitchSelectsBranch(t *testing.T) {
	f := newFixture(t, testConfig())
	require.NoError(t, f.m.Play())
	ctx := contextWithTimeout(t, 5*time.Second)

	require.NoError(t, f.m.AddSourceBranch(ctx, "cam", testSpec("red")))
	waitOrigin(t, f.m, "branch1_source", 2*time.Second)

	f.events.reset()
	require.NoError(t, f.m.Switcher().Activate("cam"))
	assert.Equal(t, "cam", f.m.Switcher().Active())
	waitOrigin(t, f.m, "branch2_source", 2*time.Second)

	assert.Equal(t, []Event{SwitchedEvent{From: FallbackKey, To: "cam"}}, f.events.all())
	assert.True(t, branch(t, f.m, "cam").Active)
	assert.False(t, branch(t, f.m, FallbackKey).Active)
}

func TestRemoveActiveFallsBack(t *testing.T) {
	f := newFixture(t, testConfig())
	require.NoError(t, f.m.Play())
	ctx := contextWithTimeout(t, 5*time.Second)

	require.NoError(t, f.m.AddSourceBranch(ctx, "cam", testSpec("green")))
	require.NoError(t, f.m.Switcher().Activate("cam"))
	waitOrigin(t, f.m, "branch2_source", 2*time.Second)

	type arrival struct {
		at     time.Time
		origin string
	}
	var mu sync.Mutex
	var arrivals []arrival
	id := f.m.Output().Port("sink").AddProbe(media.ProbeBuffer, func(_ *media.Port, info *media.ProbeInfo) media.ProbeReturn {
		mu.Lock()
		arrivals = append(arrivals, arrival{at: time.Now(), origin: info.Buffer.Origin})
		mu.Unlock()
		return media.ProbeOK
	})
	t.Cleanup(func() { f.m.Output().Port("sink").RemoveProbe(id) })
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, f.m.RemoveSourceBranch(ctx, "cam"))
	assert.Equal(t, FallbackKey, f.m.Switcher().Active())
	assert.Equal(t, media.StatePlaying, f.m.Graph().State())
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, arrivals)
	assert.Equal(t, "branch2_source", arrivals[0].origin)
	assert.Equal(t, "branch1_source", arrivals[len(arrivals)-1].origin)
	// frames are 5ms apart; the switch and the teardown may cost a few
	var gap time.Duration
	for i := 1; i < len(arrivals); i++ {
		gap = max(gap, arrivals[i].at.Sub(arrivals[i-1].at))
	}
	assert.Less(t, gap, 60*time.Millisecond)
}

func TestConcurrentOperationsOnOneKey(t *testing.T) {
	cfg := testConfig()
	cfg.BlockTimeout = 2 * time.Second
	cfg.DrainTimeout = 2 * time.Second
	f := newFixture(t, cfg)
	require.NoError(t, f.m.Play())
	ctx := contextWithTimeout(t, 20*time.Second)
	before := f.m.Stats()

	for round := 0; round < 10; round++ {
		var wg conc.WaitGroup
		wg.Go(func() {
			err := f.m.RemoveSourceBranch(ctx, "cam")
			if err != nil {
				assert.ErrorIs(t, err, ErrUnknownSource)
			}
		})
		wg.Go(func() {
			err := f.m.Switcher().Activate("cam")
			if err != nil {
				assert.ErrorIs(t, err, ErrUnknownSource)
			}
		})
		wg.Go(func() {
			err := f.m.AddSourceBranch(ctx, "cam", testSpec("ball"))
			if err != nil {
				assert.ErrorIs(t, err, ErrDuplicateSource)
			}
		})
		wg.Wait()

		n := 0
		if hasBranch(f.m, "cam") {
			n = 1
		}
		stats := f.m.Stats()
		require.Equal(t, before.Nodes+5*n, stats.Nodes, "round %d", round)
		require.Equal(t, before.Links+5*n, stats.Links, "round %d", round)
		require.Len(t, f.m.Selector().Inputs(), 1+n, "round %d", round)
		if n == 0 {
			require.Equal(t, FallbackKey, f.m.Switcher().Active(), "round %d", round)
		}
	}

	// every slot that was handed out was released exactly once
	added, removed := 0, 0
	for _, ev := range f.events.all() {
		switch e := ev.(type) {
		case BranchAddedEvent:
			if e.Key == "cam" {
				added++
			}
		case BranchRemovedEvent:
			if e.Key == "cam" {
				removed++
			}
		}
	}
	if hasBranch(f.m, "cam") {
		removed++
	}
	assert.Equal(t, added, removed)
	assert.Equal(t, media.StatePlaying, f.m.Graph().State())
}

func TestSelectorKeepsAnInput(t *testing.T) {
	f := newFixture(t, testConfig())
	require.NoError(t, f.m.Play())
	ctx := contextWithTimeout(t, 10*time.Second)

	keys := []string{"a", "b", "c"}
	for _, k := range keys {
		require.NoError(t, f.m.AddSourceBranch(ctx, k, testSpec("smpte")))
	}
	require.NoError(t, f.m.Switcher().Activate("b"))
	for _, k := range keys {
		require.NoError(t, f.m.RemoveSourceBranch(ctx, k))
		assert.GreaterOrEqual(t, len(f.m.Selector().Inputs()), 1)
	}
	assert.Equal(t, FallbackKey, f.m.Switcher().Active())

	// slots are never reused
	require.NoError(t, f.m.AddSourceBranch(ctx, "d", testSpec("smpte")))
	assert.Equal(t, 4, branch(t, f.m, "d").Slot)
}

func TestEventOrderForFileBranch(t *testing.T) {
	f := newFixture(t, testConfig())
	require.NoError(t, f.m.Play())
	ctx := contextWithTimeout(t, 5*time.Second)
	path := writeFile(t, "talk.mp4", 1<<20)

	f.events.reset()
	require.NoError(t, f.m.AddFileBranch(ctx, path))

	assert.Equal(t, []Event{
		StreamDiscoveredEvent{Key: path, Kind: media.StreamVideo, Index: 0},
		StreamDiscoveredEvent{Key: path, Kind: media.StreamAudio, Index: 0},
		NoMoreStreamsEvent{Key: path},
		BranchAddedEvent{Key: path, Slot: 1},
	}, f.events.without("branch-attach-requested"))

	b := branch(t, f.m, path)
	assert.Equal(t, 2, b.Streams)
	assert.Equal(t, SourceFile, b.Kind)
	require.NoError(t, f.m.Switcher().Activate(path))
	waitOrigin(t, f.m, "branch2_demux", 2*time.Second)
}

func TestAudioOnlyFileIsNotSwitchable(t *testing.T) {
	f := newFixture(t, testConfig())
	require.NoError(t, f.m.Play())
	ctx := contextWithTimeout(t, 5*time.Second)
	path := writeFile(t, "podcast.wav", 1<<20)

	before := f.m.Stats()
	require.NoError(t, f.m.AddFileBranch(ctx, path))
	assert.Equal(t, before.Nodes+3, f.m.Stats().Nodes)
	assert.Equal(t, -1, branch(t, f.m, path).Slot)
	assert.Len(t, f.m.Selector().Inputs(), 1)

	assert.ErrorIs(t, f.m.Switcher().Activate(path), ErrNotSwitchable)
	assert.Equal(t, FallbackKey, f.m.Switcher().Active())

	require.NoError(t, f.m.RemoveSourceBranch(ctx, path))
	assert.Equal(t, before, f.m.Stats())
}

func TestFileWithoutStreamsFails(t *testing.T) {
	cfg := testConfig()
	cfg.Prober = media.ProberFunc(func(string) ([]media.StreamInfo, error) {
		return []media.StreamInfo{{Kind: media.StreamOther}}, nil
	})
	f := newFixture(t, cfg)
	before := f.m.Stats()
	path := writeFile(t, "subtitles.srt", 128)

	err := f.m.AddFileBranch(contextWithTimeout(t, 5*time.Second), path)
	assert.ErrorIs(t, err, ErrStreamsIncomplete)
	assert.Equal(t, before, f.m.Stats())
}

func TestUnreadableFileFailsDiscovery(t *testing.T) {
	f := newFixture(t, testConfig())
	before := f.m.Stats()
	path := writeFile(t, "notes.txt", 128)

	err := f.m.AddFileBranch(contextWithTimeout(t, 5*time.Second), path)
	assert.ErrorIs(t, err, ErrStreamsIncomplete)
	assert.Equal(t, before.Nodes, f.m.Stats().Nodes)
	assert.Equal(t, before.Links, f.m.Stats().Links)
	assert.False(t, hasBranch(f.m, path))
}

func TestFileBranchRetiresAtEOS(t *testing.T) {
	f := newFixture(t, testConfig())
	require.NoError(t, f.m.Play())
	ctx := contextWithTimeout(t, 5*time.Second)
	before := f.m.Stats()
	// four chunks at 40ms each
	path := writeFile(t, "short.m4v", 4*4096)

	require.NoError(t, f.m.AddFileBranch(ctx, path))
	require.Eventually(t, func() bool {
		return !hasBranch(f.m, path)
	}, 3*time.Second, 10*time.Millisecond)

	assert.Contains(t, f.events.all(), Event(BranchRemovedEvent{Key: path}))
	assert.Equal(t, before.Nodes, f.m.Stats().Nodes)
	assert.Zero(t, f.m.Stats().Errors)
}

func TestFailingSourceIsRemoved(t *testing.T) {
	f := newFixture(t, testConfig())
	require.NoError(t, f.m.Play())
	ctx := contextWithTimeout(t, 5*time.Second)
	before := f.m.Stats()

	// reading a directory fails once the source runs
	spec := SourceSpec{Kind: SourceDevice, Locator: t.TempDir()}
	require.NoError(t, f.m.AddSourceBranch(ctx, "cam", spec))

	require.Eventually(t, func() bool {
		for _, ev := range f.events.all() {
			if e, ok := ev.(ErrorEvent); ok && e.Key == "cam" {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	assert.False(t, hasBranch(f.m, "cam"))
	assert.Equal(t, before.Nodes, f.m.Stats().Nodes)
	assert.Equal(t, uint64(1), f.m.Stats().Errors)
	assert.Equal(t, media.StatePlaying, f.m.Graph().State())

	names := f.events.names()
	assert.Less(t, indexOf(names, "branch-removed"), indexOf(names, "error"))
}

func TestRemovalPendingCanBeRetried(t *testing.T) {
	cfg := testConfig()
	cfg.Elements.Queue = "stallqueue"
	gate := newStallGate("branch2_video0_queue")
	f := newFixture(t, cfg, gate.register)
	released := false
	release := func() {
		if !released {
			released = true
			close(gate.release)
		}
	}
	t.Cleanup(release)

	require.NoError(t, f.m.Play())
	ctx := contextWithTimeout(t, 10*time.Second)
	before := f.m.Stats()
	require.NoError(t, f.m.AddSourceBranch(ctx, "cam", testSpec("red")))

	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("branch never pushed")
	}

	err := f.m.RemoveSourceBranch(ctx, "cam")
	require.ErrorIs(t, err, ErrRemovalPending)
	info := branch(t, f.m, "cam")
	assert.True(t, info.RemovalPending)
	assert.ErrorIs(t, f.m.Switcher().Activate("cam"), ErrNotSwitchable)
	// the rest of the graph keeps flowing
	waitOrigin(t, f.m, "branch1_source", time.Second)

	release()
	require.NoError(t, f.m.RemoveSourceBranch(ctx, "cam"))
	assert.False(t, hasBranch(f.m, "cam"))
	assert.Equal(t, before.Nodes, f.m.Stats().Nodes)
	assert.Equal(t, before.Links, f.m.Stats().Links)
}

func TestAttachRequestedForMonitors(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := contextWithTimeout(t, 5*time.Second)
	require.NoError(t, f.m.AddSourceBranch(ctx, "cam", testSpec("white")))

	f.events.reset()
	require.NoError(t, f.m.SetState(media.StatePaused))

	keys := func() []string {
		var keys []string
		for _, ev := range f.events.all() {
			if e, ok := ev.(AttachRequestedEvent); ok {
				keys = append(keys, e.Key)
			}
		}
		return keys
	}
	require.Eventually(t, func() bool { return len(keys()) == 2 }, time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{FallbackKey, "cam"}, keys())
	for _, ev := range f.events.all() {
		if e, ok := ev.(AttachRequestedEvent); ok {
			assert.Equal(t, "monitorsink", e.Sink.Kind())
		}
	}
}

func TestManagerShutdown(t *testing.T) {
	f := newFixture(t, testConfig())
	require.NoError(t, f.m.Play())
	ctx := contextWithTimeout(t, 5*time.Second)
	require.NoError(t, f.m.AddSourceBranch(ctx, "cam", testSpec("red")))

	require.NoError(t, f.m.Shutdown())
	assert.Equal(t, media.StateNull, f.m.Graph().State())
	assert.ErrorIs(t, f.m.AddSourceBranch(ctx, "x", testSpec("red")), ErrClosed)
	assert.ErrorIs(t, f.m.Switcher().Activate(FallbackKey), ErrClosed)
	assert.NoError(t, f.m.Shutdown())
}

func indexOf(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}
