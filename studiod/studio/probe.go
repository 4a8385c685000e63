package studio

import (
	"fmt"
	"os"

	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/TUM-Dev/streamstudio/studiod/media"
)

// MP4Prober reads the track layout of ISO-BMFF files. Tracks other than
// video and sound are reported as StreamOther and get no port.
type MP4Prober struct{}

func (MP4Prober) Probe(location string) ([]media.StreamInfo, error) {
	fd, err := os.Open(location)
	if err != nil {
		return nil, err
	}
	defer fd.Close()

	f, err := mp4.DecodeFile(fd)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", location, err)
	}
	moov := f.Moov
	if moov == nil && f.Init != nil {
		moov = f.Init.Moov
	}
	if moov == nil {
		return nil, fmt.Errorf("%s has no movie box", location)
	}

	infos := make([]media.StreamInfo, 0, len(moov.Traks))
	for i, trak := range moov.Traks {
		if trak.Mdia == nil || trak.Mdia.Hdlr == nil {
			continue
		}
		info := media.StreamInfo{Index: i, Codec: sampleEntry(trak)}
		switch trak.Mdia.Hdlr.HandlerType {
		case "vide":
			info.Kind = media.StreamVideo
			info.Caps = media.Caps{MediaType: media.MediaTypeVideoRaw}
		case "soun":
			info.Kind = media.StreamAudio
			info.Caps = media.DefaultAudioCaps
		default:
			info.Kind = media.StreamOther
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// sampleEntry returns the four-cc of the first sample description of trak.
func sampleEntry(trak *mp4.TrakBox) string {
	if trak.Mdia.Minf == nil || trak.Mdia.Minf.Stbl == nil || trak.Mdia.Minf.Stbl.Stsd == nil {
		return ""
	}
	children := trak.Mdia.Minf.Stbl.Stsd.Children
	if len(children) == 0 {
		return ""
	}
	return children[0].Type()
}
