package main

import (
	"context"
	"time"

	"bitbucket.org/bertimus9/systemstat"
	"k8s.io/klog"

	"github.com/TUM-Dev/streamstudio/studiod/gstreamer"
	"github.com/TUM-Dev/streamstudio/studiod/studio"
)

type metrics struct {
	studio    studio.ManagerStats
	branches  []studio.BranchInfo
	pipelines int
	// frames relayed to the program output
	relayed  uint64
	carousel bool
	// nil unless the program is streamed over SRT
	srt     *gstreamer.SRTStats
	cpu     systemstat.CPUSample
	mem     systemstat.MemSample
	loadAvg systemstat.LoadAvgSample
}

// srtOutput is implemented by outputs streaming over SRT.
type srtOutput interface {
	SRTStats() (*gstreamer.SRTStats, error)
}

// sampleStudio collects the studio side of the metrics.
func (d *daemon) sampleStudio() metrics {
	d.mu.RLock()
	m, set, relay, out := d.manager, d.pipelines, d.relay, d.output
	d.mu.RUnlock()

	var s metrics
	if m != nil {
		s.studio = m.Stats()
		s.branches = m.Branches()
	}
	if set != nil {
		s.pipelines = len(set.List())
	}
	if relay != nil {
		s.relayed = relay.Pushed()
		s.carousel = relay.Carousel()
	}
	if o, ok := out.(srtOutput); ok && d.outputTarget != "" && d.outputTarget != "preview" {
		stats, err := o.SRTStats()
		if err != nil {
			klog.Warningf("failed to retrieve statistics from %s: %v", gstreamer.SRTSinkName, err)
		} else {
			s.srt = stats
		}
	}
	return s
}

func (d *daemon) metricsProcess(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s := d.sampleStudio()
		s.cpu = systemstat.GetCPUSample()
		s.mem = systemstat.GetMemSample()
		s.loadAvg = systemstat.GetLoadAvgSample()

		d.mu.Lock()
		d.metrics = s
		d.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
