package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"k8s.io/klog"

	"github.com/TUM-Dev/streamstudio/studiod/gstreamer"
	"github.com/TUM-Dev/streamstudio/studiod/media"
	"github.com/TUM-Dev/streamstudio/studiod/studio"
)

// daemonConfig contains all configurable parameters
type daemonConfig struct {
	listenHTTP string
	// cidr containing ip to listen on
	listenCidr string
	// ip to listen on
	listenAddr string

	// optional YAML session applied at startup
	sessionFile string

	// remove device branches whose device node disappears
	watchDevices bool
	devDir       string

	// dispatch bus watches on the glib main loop instead of the built-in one
	glib bool
	// launch ad-hoc pipelines on GStreamer instead of the built-in engine
	gstLaunch bool
	// build the studio graph from GStreamer elements
	gstGraph bool
	// probe files with "extension", "mp4" or "gstreamer"
	prober string

	width           int
	height          int
	framerate       int
	fallbackPattern string

	// program output: "" keeps it inside the engine, "preview" opens a
	// window, anything else is an SRT address
	outputTarget        string
	videoEncBitrateKbps int
	hwAccel             bool
}

// daemon is the main service of studiod
type daemon struct {
	daemonConfig
	// mu guards the state below.
	mu sync.RWMutex
	daemonState
}

type mainLoop interface {
	media.MainContext
	Run()
	Quit()
}

// outputSink receives the relayed program.
type outputSink interface {
	studio.FrameSink
	Start() error
	Stop() error
}

// daemonState contains all the state of the daemon
type daemonState struct {
	mainloop mainLoop
	manager  *studio.Manager
	// nil while the graph runs on the built-in engine
	backend   *gstreamer.Backend
	pipelines *studio.PipelineSet
	relay     *studio.Relay
	output    outputSink
	metrics   metrics
}

// daemonController provides a MT-safe interface for other
// parts of the application (e.g. HTTP server or metrics collector)
type daemonController interface {
	metricsSnapshot() metrics
	graph(pipeline string) (string, error)
}

// get a snapshot of the current metrics
func (d *daemon) metricsSnapshot() metrics {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.metrics
}

// graph renders the live graph, or an ad-hoc pipeline when an id is given,
// as 'text/vnd.graphviz'
func (d *daemon) graph(pipeline string) (string, error) {
	d.mu.RLock()
	m, set, backend := d.manager, d.pipelines, d.backend
	d.mu.RUnlock()

	switch {
	case pipeline == "":
		return m.Graph().Dot(), nil
	case pipeline == "studio" && backend != nil:
		return backend.Dot(), nil
	}
	id, err := parsePipelineID(pipeline)
	if err != nil {
		return "", err
	}
	return set.Dot(id)
}

func (d *daemon) studioConfig() (studio.Config, error) {
	cfg := studio.DefaultConfig()
	cfg.VideoCaps.Width = d.width
	cfg.VideoCaps.Height = d.height
	cfg.VideoCaps.Framerate = media.Rational{Nominator: d.framerate, Denominator: 1}

	pattern, err := media.ParseVideoPattern(d.fallbackPattern)
	if err != nil {
		return cfg, err
	}
	cfg.FallbackPattern = pattern

	switch d.prober {
	case "extension":
	case "mp4":
		cfg.Prober = studio.MP4Prober{}
	case "gstreamer":
		disc, err := gstreamer.NewDiscoverer(cfg.DiscoverTimeout)
		if err != nil {
			return cfg, err
		}
		cfg.Prober = disc
	default:
		return cfg, fmt.Errorf("unknown prober %q", d.prober)
	}
	return cfg, nil
}

func (d *daemon) newMainLoop() mainLoop {
	if d.glib {
		loop, err := gstreamer.NewMainLoop()
		if err == nil {
			return loop
		}
		klog.Warningf("falling back to the built-in main loop: %v", err)
	}
	return media.NewLoop()
}

func (d *daemon) newLauncher() studio.Launcher {
	if d.gstLaunch {
		l, err := gstreamer.NewLauncher()
		if err == nil {
			return l
		}
		klog.Warningf("ad-hoc pipelines run on the built-in engine: %v", err)
	}
	return studio.EngineLauncher{Context: d.mainloop}
}

// newGraph returns the studio graph, built from GStreamer elements when
// GStreamer is available.
func (d *daemon) newGraph() (*media.Graph, *gstreamer.Backend) {
	if d.gstGraph {
		b, err := gstreamer.NewBackend("studio")
		if err == nil {
			return b.NewGraph(d.mainloop), b
		}
		klog.Warningf("studio graph runs on the built-in engine: %v", err)
	}
	return media.NewGraph("studio", nil, d.mainloop), nil
}

// newOutput builds the pipeline the relay feeds.
func (d *daemon) newOutput(caps media.Caps) (outputSink, error) {
	if d.outputTarget == "" {
		out, err := newEngineOutput(d.mainloop)
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	cfg := gstreamer.OutputConfig{
		Caps:            caps,
		H264BitrateKbps: d.videoEncBitrateKbps,
		HwAccel:         d.hwAccel,
	}
	if d.outputTarget != "preview" {
		cfg.SRTAddress = d.outputTarget
	}
	out, err := gstreamer.NewOutput(cfg)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *daemon) runStudio(ctx context.Context) error {
	cfg, err := d.studioConfig()
	if err != nil {
		return err
	}

	graph, backend := d.newGraph()
	events := studio.NewEventBus(d.mainloop)
	events.Subscribe(logEvent)

	m, err := studio.NewManager(graph, cfg, events)
	if err != nil {
		if backend != nil {
			_ = backend.Close()
		}
		return err
	}
	out, err := d.newOutput(cfg.VideoCaps)
	if err != nil {
		return fmt.Errorf("output: %w", err)
	}
	program, err := m.Program()
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.manager = m
	d.backend = backend
	d.pipelines = studio.NewPipelineSet(d.newLauncher())
	d.output = out
	d.relay = studio.NewRelay(program, out, cfg.VideoCaps)
	d.mu.Unlock()

	if err := out.Start(); err != nil {
		return fmt.Errorf("output: %w", err)
	}
	go func() {
		if err := d.relay.Run(ctx); err != nil {
			klog.Errorf("relay: %v", err)
		}
	}()
	return m.Play()
}

func (d *daemon) shutdown() {
	d.mu.RLock()
	m, set, out, backend := d.manager, d.pipelines, d.output, d.backend
	d.mu.RUnlock()

	if set != nil {
		set.StopAll()
	}
	if m != nil {
		if err := m.Shutdown(); err != nil {
			klog.Warningf("shutdown: %v", err)
		}
	}
	if backend != nil {
		if err := backend.Close(); err != nil {
			klog.Warningf("stopping studio pipeline: %v", err)
		}
	}
	if out != nil {
		if err := out.Stop(); err != nil {
			klog.Warningf("stopping output: %v", err)
		}
	}
}

func logEvent(ev studio.Event) {
	switch e := ev.(type) {
	case studio.ErrorEvent:
		klog.Errorf("branch %s removed after error: %s", e.Key, e.Message)
	case studio.AttachRequestedEvent:
		klog.V(2).Infof("monitor %s of branch %s wants a window", e.Sink, e.Key)
	default:
		klog.V(2).Infof("event %s: %+v", ev.EventName(), ev)
	}
}

func main() {
	d := &daemon{}

	flag.StringVar(&d.listenHTTP, "http-port", "8080", "Port at which to listen for HTTP requests")
	flag.StringVar(&d.listenCidr, "listen-cidr", "", "CIDR containing Address to listen for HTTP requests. E.g. 100.64.0.0/10 for tailnets. If unset, [::] will be listened on.")
	flag.StringVar(&d.sessionFile, "config", "", "YAML file with sources and pipelines to add at startup")
	flag.BoolVar(&d.watchDevices, "watch-devices", false, "Remove device sources when their device node disappears")
	flag.StringVar(&d.devDir, "dev-dir", "/dev", "Directory watched for device removal")
	flag.BoolVar(&d.glib, "glib", true, "Dispatch bus messages on the glib main loop when GStreamer is available")
	flag.BoolVar(&d.gstLaunch, "gst-pipelines", true, "Run ad-hoc pipelines on GStreamer when available")
	flag.BoolVar(&d.gstGraph, "gst-graph", true, "Build the studio graph from GStreamer elements when available")
	flag.StringVar(&d.prober, "prober", "mp4", "File prober: extension, mp4 or gstreamer")
	flag.IntVar(&d.width, "width", 1280, "Width of test and device sources")
	flag.IntVar(&d.height, "height", 720, "Height of test and device sources")
	flag.IntVar(&d.framerate, "framerate", 30, "Frame rate of test and device sources")
	flag.StringVar(&d.fallbackPattern, "fallback-pattern", "smpte", "Test pattern shown when no source is selected")
	flag.StringVar(&d.outputTarget, "output", "", "Program output: empty for none, preview for a local window or an SRT address like srt://:7000")
	flag.IntVar(&d.videoEncBitrateKbps, "video-enc-bitrate", 6000, "Video encoding bitrate in Kbps for SRT output")
	flag.BoolVar(&d.hwAccel, "hw-accel", false, "Enable hardware acceleration for SRT output encoding")
	flag.Parse()

	if d.listenCidr != "" {
		_, cidr, err := net.ParseCIDR(d.listenCidr)
		if err != nil {
			klog.Fatalf("cannot parse cidr %s: %v", d.listenCidr, err)
		}
		ip, err := getIfaceIP(cidr)
		if err != nil {
			klog.Fatalf("unable to obtain ip to listen on matching prefix: %v", err)
		}
		d.listenAddr = ip.String()
		if ip.To4() == nil {
			d.listenAddr = "[" + d.listenAddr + "]"
		}
	} else {
		d.listenAddr = "[::]"
	}

	d.mainloop = d.newMainLoop()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := d.runStudio(ctx); err != nil {
		klog.Exitf("Failed to start studio: %v", err)
	}
	defer d.shutdown()

	if d.sessionFile != "" {
		s, err := loadSession(d.sessionFile)
		if err != nil {
			klog.Exitf("session %s: %v", d.sessionFile, err)
		}
		if err := s.apply(ctx, d.manager, d.pipelines, d.relay); err != nil {
			klog.Errorf("session %s: %v", d.sessionFile, err)
		}
	}

	if d.watchDevices {
		w, err := newDeviceWatcher(d.devDir, d.manager)
		if err != nil {
			klog.Exitf("watching %s: %v", d.devDir, err)
		}
		defer w.Close()
		go w.run(ctx)
	}

	h := &httpServer{d}
	h.setupHTTPHandlers()
	klog.Infof("listening for HTTP at %s:%s", d.listenAddr, d.listenHTTP)
	go func() {
		if err := http.ListenAndServe(fmt.Sprintf("%s:%s", d.listenAddr, d.listenHTTP), nil); err != nil {
			klog.Errorf("HTTP listen failed: %v", err)
		}
	}()

	go d.metricsProcess(ctx, time.Second)

	sh := &shell{manager: d.manager, pipelines: d.pipelines, relay: d.relay, out: os.Stdout}
	go func() {
		err := sh.run(ctx, os.Stdin)
		if err != nil && !errors.Is(err, context.Canceled) {
			klog.Errorf("shell: %v", err)
		}
		cancel()
	}()

	go func() {
		<-ctx.Done() // Wait until the context is cancelled
		// When the context is cancelled, break out of the main loop
		d.mainloop.Quit()
	}()
	d.mainloop.Run()
}

// getIfaceIP returns the first address of a local interface within cidr.
func getIfaceIP(cidr *net.IPNet) (net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	for _, addr := range addrs {
		var ip net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip != nil && cidr.Contains(ip) {
			return ip, nil
		}
	}
	return nil, fmt.Errorf("no interface in CIDR %s found", cidr)
}
