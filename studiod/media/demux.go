package media

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
)

type StreamKind int

const (
	StreamVideo StreamKind = iota
	StreamAudio
	StreamOther
)

func (k StreamKind) String() string {
	switch k {
	case StreamVideo:
		return "video"
	case StreamAudio:
		return "audio"
	}
	return "other"
}

// StreamInfo describes one elementary stream of a container.
type StreamInfo struct {
	Kind  StreamKind
	Index int
	Caps  Caps
	Codec string
}

// Prober lists the elementary streams of a media file.
type Prober interface {
	Probe(location string) ([]StreamInfo, error)
}

type ProberFunc func(location string) ([]StreamInfo, error)

func (f ProberFunc) Probe(location string) ([]StreamInfo, error) {
	return f(location)
}

// fileDemux reads a media file and exposes one output port per elementary
// stream. Ports appear asynchronously after READY->PAUSED, followed by the
// no-more-ports notification.
type fileDemux struct {
	location string
	prober   Prober
	frame    time.Duration
	chunk    int

	mu      sync.Mutex
	f       *os.File
	streams []*Port

	gate *gate
	stop chan struct{}
	wg   conc.WaitGroup
}

func newFileDemux(n *Node, props Properties) (Element, error) {
	location, err := props.String("location", "")
	if err != nil {
		return nil, err
	}
	if location == "" {
		return nil, fmt.Errorf("property \"location\" is required")
	}
	frame, err := props.Duration("frame-duration", 40*time.Millisecond)
	if err != nil {
		return nil, err
	}
	chunk, err := props.Int("chunk-size", 4096)
	if err != nil {
		return nil, err
	}

	d := &fileDemux{location: location, frame: frame, chunk: chunk, gate: newGate()}
	switch p := props["prober"].(type) {
	case nil:
		d.prober = ProberFunc(probeByExtension)
	case Prober:
		d.prober = p
	default:
		return nil, fmt.Errorf("property \"prober\": unexpected %T", p)
	}
	return d, nil
}

func (d *fileDemux) ChangeState(n *Node, t StateChange) error {
	switch t {
	case StateChangeNullToReady:
		f, err := os.Open(d.location)
		if err != nil {
			return err
		}
		d.mu.Lock()
		d.f = f
		d.mu.Unlock()
	case StateChangeReadyToPaused:
		d.stop = make(chan struct{})
		stop := d.stop
		d.wg.Go(func() { d.loop(n, stop) })
	case StateChangePausedToPlaying:
		d.gate.set(true)
	case StateChangePlayingToPaused:
		d.gate.set(false)
	case StateChangePausedToReady:
		close(d.stop)
		d.wg.Wait()
	case StateChangeReadyToNull:
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.f != nil {
			err := d.f.Close()
			d.f = nil
			return err
		}
	}
	return nil
}

func (d *fileDemux) Property(name string) (any, error) {
	if name != "location" {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchProperty, name)
	}
	return d.location, nil
}

func (d *fileDemux) SetProperty(name string, _ any) error {
	return fmt.Errorf("%w: %s is read-only", ErrNoSuchProperty, name)
}

// discover probes the file once and announces one port per stream.
func (d *fileDemux) discover(n *Node) bool {
	d.mu.Lock()
	done := d.streams != nil
	d.mu.Unlock()
	if done {
		return true
	}

	infos, err := d.prober.Probe(d.location)
	if err != nil {
		n.PostError("Could not determine type of stream.", err.Error())
		return false
	}

	counts := map[StreamKind]int{}
	streams := []*Port{}
	for _, info := range infos {
		if info.Kind == StreamOther {
			continue
		}
		name := fmt.Sprintf("%s_%d", info.Kind, counts[info.Kind])
		counts[info.Kind]++
		p := n.AddOutput(name, info.Caps)
		streams = append(streams, p)
		n.AnnouncePort(p)
	}
	d.mu.Lock()
	d.streams = streams
	d.mu.Unlock()
	n.NoMorePorts()
	return true
}

func (d *fileDemux) loop(n *Node, stop <-chan struct{}) {
	if !d.discover(n) {
		return
	}
	d.mu.Lock()
	streams := append([]*Port(nil), d.streams...)
	d.mu.Unlock()

	for _, p := range streams {
		p.PushEvent(Event{Type: EventStreamStart, Origin: n.Name()})
	}

	ticker := time.NewTicker(d.frame)
	defer ticker.Stop()
	var seq uint64
	for {
		select {
		case <-stop:
			return
		case <-d.gate.opened():
		}
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		if !d.gate.isOpen() {
			continue
		}

		data, err := d.read()
		if errors.Is(err, io.EOF) {
			for _, p := range streams {
				p.PushEvent(Event{Type: EventEOS, Origin: n.Name()})
			}
			return
		}
		if err != nil {
			n.PostError("Could not read from resource.", err.Error())
			return
		}

		pts := n.RunningTime()
		for _, p := range streams {
			ret := p.Push(&Buffer{PTS: pts, Duration: d.frame, Seq: seq, Origin: n.Name(), Data: data})
			if ret == FlowError {
				n.PostError("Internal data stream error.", "streaming stopped, reason "+ret.String())
				return
			}
		}
		seq++
	}
}

func (d *fileDemux) read() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil, os.ErrClosed
	}
	data := make([]byte, d.chunk)
	n, err := d.f.Read(data)
	if n > 0 {
		return data[:n], nil
	}
	return nil, err
}

var extensionStreams = map[string][]StreamKind{
	".mp4":  {StreamVideo, StreamAudio},
	".m4v":  {StreamVideo},
	".mov":  {StreamVideo, StreamAudio},
	".mkv":  {StreamVideo, StreamAudio},
	".webm": {StreamVideo, StreamAudio},
	".ts":   {StreamVideo, StreamAudio},
	".yuv":  {StreamVideo},
	".raw":  {StreamVideo},
	".wav":  {StreamAudio},
	".m4a":  {StreamAudio},
	".aac":  {StreamAudio},
}

// DefaultAudioCaps describe the audio streams of files probed by extension.
var DefaultAudioCaps = Caps{
	MediaType: MediaTypeAudioRaw,
	Format:    "S16LE",
	Channels:  2,
	Rate:      48000,
}

// probeByExtension guesses the streams of a file from its extension.
func probeByExtension(location string) ([]StreamInfo, error) {
	kinds, ok := extensionStreams[strings.ToLower(filepath.Ext(location))]
	if !ok {
		return nil, fmt.Errorf("unsupported container %q", filepath.Ext(location))
	}
	infos := make([]StreamInfo, 0, len(kinds))
	for i, k := range kinds {
		info := StreamInfo{Kind: k, Index: i}
		if k == StreamVideo {
			info.Caps, info.Codec = Caps{MediaType: MediaTypeVideoRaw}, "raw"
		} else {
			info.Caps, info.Codec = DefaultAudioCaps, "pcm"
		}
		infos = append(infos, info)
	}
	return infos, nil
}
