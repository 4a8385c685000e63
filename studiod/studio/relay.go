package studio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/TUM-Dev/streamstudio/studiod/media"
	"k8s.io/klog"
)

// FrameSink receives the relayed program. Both media.AppSrc and the
// GStreamer output pipeline implement it.
type FrameSink interface {
	PushBuffer(buf *media.Buffer) media.FlowReturn
}

// FrameSource is the program the relay reads. media.AppSink and the appsink
// of the GStreamer backend implement it.
type FrameSource interface {
	Pull(ctx context.Context) (*media.Buffer, error)
}

// Relay copies buffers from the output appsink into a FrameSink and rebases
// their timestamps onto one continuous timeline, so switching inputs never
// makes the program jump back in time. In carousel mode it sends alternating
// black and white frames instead.
type Relay struct {
	src  FrameSource
	sink FrameSink
	caps media.Caps

	carousel atomic.Bool
	pushed   atomic.Uint64

	// next presentation timestamp, owned by Run
	timestamp time.Duration
}

func NewRelay(src FrameSource, sink FrameSink, caps media.Caps) *Relay {
	return &Relay{src: src, sink: sink, caps: caps}
}

func (r *Relay) SetCarousel(on bool) {
	r.carousel.Store(on)
}

func (r *Relay) Carousel() bool {
	return r.carousel.Load()
}

// Pushed counts the buffers handed to the sink.
func (r *Relay) Pushed() uint64 {
	return r.pushed.Load()
}

func (r *Relay) frameDuration() time.Duration {
	if d := r.caps.Framerate.FrameDuration(); d > 0 {
		return d
	}
	return time.Second / 30
}

// Run relays until ctx is done or the appsink reached EOS. A flow return
// other than OK from the sink stops the relay with an error.
func (r *Relay) Run(ctx context.Context) error {
	frame := r.frameDuration()
	started := time.Now()
	ticker := time.NewTicker(frame)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}

		var buf *media.Buffer
		if r.carousel.Load() {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
			// the color flips once per second
			white := int(time.Since(started)/time.Second)%2 == 0
			buf = r.card(white, frame)
		} else {
			pullCtx, cancel := context.WithTimeout(ctx, 4*frame)
			in, err := r.src.Pull(pullCtx)
			cancel()
			if errors.Is(err, io.EOF) {
				klog.V(2).Info("relay source reached end of stream")
				return nil
			}
			if err != nil {
				continue
			}
			buf = in.Copy()
			if buf.Duration <= 0 {
				buf.Duration = frame
			}
		}

		buf.PTS = r.timestamp
		r.timestamp += buf.Duration
		if ret := r.sink.PushBuffer(buf); ret != media.FlowOK {
			return fmt.Errorf("relay stopped: push returned %s", ret)
		}
		r.pushed.Add(1)
	}
}

func (r *Relay) card(white bool, frame time.Duration) *media.Buffer {
	size := r.caps.FrameSize()
	if size == 0 {
		size = r.caps.Width * r.caps.Height * 2
	}
	data := make([]byte, size)
	if white {
		for i := range data {
			data[i] = 0xff
		}
	}
	return &media.Buffer{Duration: frame, Origin: "carousel", Data: data}
}
