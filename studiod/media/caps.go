package media

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Rational struct {
	Nominator   int
	Denominator int
}

// FrameDuration returns the duration of one frame at r frames per second.
func (r Rational) FrameDuration() time.Duration {
	if r.Nominator <= 0 || r.Denominator <= 0 {
		return 0
	}
	return time.Duration(int64(time.Second) * int64(r.Denominator) / int64(r.Nominator))
}

type VideoPattern int

// Video test patterns for the testsrc element
// Maps one-to-one to the GStreamer videotestsrc mappings
const (
	VideoPatternSMPTE           VideoPattern = iota // SMPTE 100% color bars
	VideoPatternSnow                                // Random (television snow)
	VideoPatternBlack                               // 100% Black
	VideoPatternWhite                               // 100% White
	VideoPatternRed                                 // Red
	VideoPatternGreen                               // Green
	VideoPatternBlue                                // Blue
	VideoPatternCheckers1                           // Checkers 1px
	VideoPatternCheckers2                           // Checkers 2px
	VideoPatternCheckers4                           // Checkers 4px
	VideoPatternCheckers8                           // Checkers 8px
	VideoPatternCircular                            // Circular
	VideoPatternBlink                               // Blink
	VideoPatternSMPTE75                             // SMPTE 75% color bars
	VideoPatternZonePlate                           // Zone plate
	VideoPatternGamut                               // Gamut checkers
	VideoPatternChromaZonePlate                     // Chroma zone plate
	VideoPatternSolidColor                          // Solid color
	VideoPatternBall                                // Moving ball
	VideoPatternSMPTE100                            // SMPTE 100% color bars
	VideoPatternBar                                 // Bar
	VideoPatternPinwheel                            // Pinwheel
	VideoPatternSpokes                              // Spokes
	VideoPatternGradient                            // Gradient
	VideoPatternColors                              // Colors
	VideoPatternSMPTERp219                          // SMPTE test pattern, RP 219 conformant
)

var videoPatternNames = map[string]VideoPattern{
	"smpte":    VideoPatternSMPTE,
	"snow":     VideoPatternSnow,
	"black":    VideoPatternBlack,
	"white":    VideoPatternWhite,
	"red":      VideoPatternRed,
	"green":    VideoPatternGreen,
	"blue":     VideoPatternBlue,
	"checkers": VideoPatternCheckers8,
	"circular": VideoPatternCircular,
	"blink":    VideoPatternBlink,
	"smpte75":  VideoPatternSMPTE75,
	"ball":     VideoPatternBall,
	"gradient": VideoPatternGradient,
	"colors":   VideoPatternColors,
}

func (p VideoPattern) String() string {
	for name, v := range videoPatternNames {
		if v == p {
			return name
		}
	}
	return strconv.Itoa(int(p))
}

// ParseVideoPattern accepts a pattern nick or its numeric value.
func ParseVideoPattern(s string) (VideoPattern, error) {
	if p, ok := videoPatternNames[strings.ToLower(s)]; ok {
		return p, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > int(VideoPatternSMPTERp219) {
		return 0, fmt.Errorf("unknown video pattern %q", s)
	}
	return VideoPattern(n), nil
}

const (
	MediaTypeAny       = "ANY"
	MediaTypeVideoRaw  = "video/x-raw"
	MediaTypeAudioRaw  = "audio/x-raw"
	MediaTypeVideoH264 = "video/x-h264"
	MediaTypeAudioAAC  = "audio/mpeg"
)

// Caps describe the data contract of a port. Zero fields are unconstrained.
type Caps struct {
	MediaType string
	Format    string
	Width     int
	Height    int
	Framerate Rational
	Channels  int
	Rate      int
}

// AnyCaps is compatible with everything.
var AnyCaps = Caps{MediaType: MediaTypeAny}

func (c Caps) IsAny() bool {
	return c.MediaType == "" || c.MediaType == MediaTypeAny
}

// IsVideo reports whether the caps carry video of any encoding.
func (c Caps) IsVideo() bool {
	return strings.HasPrefix(c.MediaType, "video/")
}

// IsAudio reports whether the caps carry audio of any encoding.
func (c Caps) IsAudio() bool {
	return strings.HasPrefix(c.MediaType, "audio/")
}

// Compatible reports whether data described by c may flow into a port with
// caps o. This is the engine's stand-in for caps negotiation.
func (c Caps) Compatible(o Caps) bool {
	if c.IsAny() || o.IsAny() {
		return true
	}
	if c.MediaType != o.MediaType {
		return false
	}
	if c.Format != "" && o.Format != "" && c.Format != o.Format {
		return false
	}
	if c.Width != 0 && o.Width != 0 && c.Width != o.Width {
		return false
	}
	if c.Height != 0 && o.Height != 0 && c.Height != o.Height {
		return false
	}
	if c.Framerate.Nominator != 0 && o.Framerate.Nominator != 0 && c.Framerate != o.Framerate {
		return false
	}
	if c.Channels != 0 && o.Channels != 0 && c.Channels != o.Channels {
		return false
	}
	if c.Rate != 0 && o.Rate != 0 && c.Rate != o.Rate {
		return false
	}
	return true
}

// Returns a description of the caps that can be used in a pipeline
// description.
func (c Caps) String() string {
	if c.IsAny() {
		return MediaTypeAny
	}
	parts := []string{c.MediaType}
	if c.Format != "" {
		parts = append(parts, "format="+c.Format)
	}
	if c.Width != 0 {
		parts = append(parts, fmt.Sprintf("width=%d", c.Width))
	}
	if c.Height != 0 {
		parts = append(parts, fmt.Sprintf("height=%d", c.Height))
	}
	if c.Framerate.Nominator != 0 {
		parts = append(parts, fmt.Sprintf("framerate=%d/%d", c.Framerate.Nominator, c.Framerate.Denominator))
	}
	if c.Channels != 0 {
		parts = append(parts, fmt.Sprintf("channels=%d", c.Channels))
	}
	if c.Rate != 0 {
		parts = append(parts, fmt.Sprintf("rate=%d", c.Rate))
	}
	return strings.Join(parts, ",")
}

// bits per pixel
var formatDepth = map[string]int{
	"YUY2":  16,
	"UYVY":  16,
	"RGB16": 16,
	"RGB":   24,
	"BGR":   24,
	"RGBx":  32,
	"BGRx":  32,
	"I420":  12,
	"NV12":  12,
	"GRAY8": 8,
}

// FrameSize returns the size in bytes of one raw video frame, or 0 when the
// caps do not describe raw video with known dimensions.
func (c Caps) FrameSize() int {
	if c.MediaType != MediaTypeVideoRaw || c.Width <= 0 || c.Height <= 0 {
		return 0
	}
	depth, ok := formatDepth[c.Format]
	if !ok {
		depth = 16
	}
	return c.Width * c.Height * depth / 8
}
