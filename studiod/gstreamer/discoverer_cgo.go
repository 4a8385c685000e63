//go:build cgo

package gstreamer

import (
	"fmt"
	"net/url"
	"path/filepath"
	"time"

	"github.com/go-gst/go-gst/gst/pbutils"

	"github.com/TUM-Dev/streamstudio/studiod/media"
)

// Discoverer probes files of any container GStreamer can demux.
type Discoverer struct {
	discoverer *pbutils.Discoverer
}

func NewDiscoverer(timeout time.Duration) (*Discoverer, error) {
	Init()
	d, err := pbutils.NewDiscoverer(timeout)
	if err != nil {
		return nil, err
	}
	return &Discoverer{discoverer: d}, nil
}

func (d *Discoverer) Probe(location string) ([]media.StreamInfo, error) {
	abs, err := filepath.Abs(location)
	if err != nil {
		return nil, err
	}
	uri := (&url.URL{Scheme: "file", Path: abs}).String()
	info, err := d.discoverer.DiscoverURI(uri)
	if err != nil {
		return nil, fmt.Errorf("discovering %s: %w", location, err)
	}

	var infos []media.StreamInfo
	for _, v := range info.GetVideoStreams() {
		infos = append(infos, media.StreamInfo{
			Kind:  media.StreamVideo,
			Index: len(infos),
			Caps:  media.Caps{MediaType: media.MediaTypeVideoRaw},
			Codec: fmt.Sprintf("%dx%d", v.GetWidth(), v.GetHeight()),
		})
	}
	for _, a := range info.GetAudioStreams() {
		caps := media.DefaultAudioCaps
		if ch := int(a.GetChannels()); ch > 0 {
			caps.Channels = ch
		}
		if rate := int(a.GetSampleRate()); rate > 0 {
			caps.Rate = rate
		}
		infos = append(infos, media.StreamInfo{Kind: media.StreamAudio, Index: len(infos), Caps: caps})
	}
	return infos, nil
}
