package studio

import (
	"time"

	"github.com/TUM-Dev/streamstudio/studiod/media"
)

// FallbackKey is the key of the test branch every manager starts with.
const FallbackKey = "fallback"

// ElementKinds names the registry kinds used to build branches.
type ElementKinds struct {
	Test    string
	Device  string
	File    string
	Tee     string
	Queue   string
	Monitor string
}

type Config struct {
	// VideoCaps are given to test and device sources.
	VideoCaps media.Caps
	// FallbackPattern is painted by the fallback branch.
	FallbackPattern media.VideoPattern

	// QueueSize is the capacity of every branch queue.
	QueueSize int
	// OutputBuffers is the capacity of the output appsink.
	OutputBuffers int

	BlockTimeout    time.Duration
	DrainTimeout    time.Duration
	DiscoverTimeout time.Duration

	// HealAttempts bounds the retries of a self-healing removal.
	HealAttempts uint
	HealDelay    time.Duration

	Elements ElementKinds
	// Prober is handed to file sources. nil selects probing by extension.
	Prober media.Prober
}

func DefaultConfig() Config {
	return Config{
		VideoCaps:       media.DefaultVideoCaps,
		FallbackPattern: media.VideoPatternSMPTE,
		QueueSize:       30,
		OutputBuffers:   8,
		BlockTimeout:    2 * time.Second,
		DrainTimeout:    time.Second,
		DiscoverTimeout: 5 * time.Second,
		HealAttempts:    5,
		HealDelay:       200 * time.Millisecond,
		Elements: ElementKinds{
			Test:    "testsrc",
			Device:  "devsrc",
			File:    "filedemux",
			Tee:     "tee",
			Queue:   "queue",
			Monitor: "monitorsink",
		},
	}
}
