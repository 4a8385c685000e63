package media

import (
	"crypto/rand"
	"fmt"
)

// DefaultVideoCaps are used by sources that are not given caps.
var DefaultVideoCaps = Caps{
	MediaType: MediaTypeVideoRaw,
	Format:    "YUY2",
	Width:     320,
	Height:    240,
	Framerate: Rational{Nominator: 25, Denominator: 1},
}

type testSrc struct {
	*liveSource
	caps    Caps
	pattern VideoPattern
}

func newTestSrc(n *Node, props Properties) (Element, error) {
	caps, err := props.Caps("caps", DefaultVideoCaps)
	if err != nil {
		return nil, err
	}
	pattern, err := patternProperty(props)
	if err != nil {
		return nil, err
	}
	limit, err := props.Int("num-buffers", 0)
	if err != nil {
		return nil, err
	}

	s := &testSrc{caps: caps, pattern: pattern}
	src := n.AddOutput("src", caps)
	s.liveSource = newLiveSource(src, caps.Framerate.FrameDuration(), s.paint)
	if limit > 0 {
		s.limit = uint64(limit)
	}
	return s, nil
}

func patternProperty(props Properties) (VideoPattern, error) {
	v, ok := props["pattern"]
	if !ok {
		return VideoPatternSMPTE, nil
	}
	switch v := v.(type) {
	case VideoPattern:
		return v, nil
	case int:
		return VideoPattern(v), nil
	case string:
		return ParseVideoPattern(v)
	}
	return 0, fmt.Errorf("property \"pattern\": unexpected %T", v)
}

func (s *testSrc) ChangeState(n *Node, t StateChange) error {
	s.liveSource.changeState(n, t)
	return nil
}

func (s *testSrc) SetProperty(name string, value any) error {
	if name != "pattern" {
		return fmt.Errorf("%w: %s", ErrNoSuchProperty, name)
	}
	p, err := patternProperty(Properties{"pattern": value})
	if err != nil {
		return err
	}
	s.pattern = p
	return nil
}

func (s *testSrc) Property(name string) (any, error) {
	if name != "pattern" {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchProperty, name)
	}
	return s.pattern, nil
}

// paint fills one frame with a rough rendition of the pattern.
func (s *testSrc) paint(seq uint64) ([]byte, error) {
	size := s.caps.FrameSize()
	if size == 0 {
		size = 64
	}
	data := make([]byte, size)

	switch s.pattern {
	case VideoPatternBlack:
	case VideoPatternWhite:
		fill(data, 0xff)
	case VideoPatternSnow:
		rand.Read(data)
	case VideoPatternBlink:
		if seq%2 == 0 {
			fill(data, 0xff)
		}
	case VideoPatternSMPTE, VideoPatternSMPTE75, VideoPatternSMPTE100:
		bar := len(data) / 7
		if bar == 0 {
			bar = 1
		}
		for i := range data {
			data[i] = byte(0xff - (i/bar)*0x24)
		}
	default:
		fill(data, byte(s.pattern)*9+byte(seq))
	}
	return data, nil
}

func fill(data []byte, v byte) {
	for i := range data {
		data[i] = v
	}
}
