package gstreamer

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/TUM-Dev/streamstudio/studiod/media"
)

// padTemplate turns a request port template of the media engine into the
// GStreamer pad template, e.g. src_%d into src_%u.
func padTemplate(template, def string) string {
	if template == "" {
		return def
	}
	return strings.ReplaceAll(template, "%d", "%u")
}

func patternOf(props media.Properties) (media.VideoPattern, error) {
	switch v := props["pattern"].(type) {
	case nil:
		return media.VideoPatternSMPTE, nil
	case media.VideoPattern:
		return v, nil
	case int:
		return media.VideoPattern(v), nil
	case string:
		return media.ParseVideoPattern(v)
	default:
		return 0, fmt.Errorf("property \"pattern\": unexpected %T", v)
	}
}

// Inner elements of a bin are named after their node, so bus messages from
// deep inside a bin can be traced back to it.

func testSourceDescription(name string, pattern media.VideoPattern, caps media.Caps) string {
	return strings.Join([]string{
		fmt.Sprintf("videotestsrc name=%s_videotestsrc is-live=true pattern=%d", name, pattern),
		fmt.Sprintf("capsfilter name=%s_capsfilter caps=%s", name, capsFilter(caps)),
	}, " ! ")
}

func deviceSourceDescription(name, device string, caps media.Caps) string {
	return strings.Join([]string{
		fmt.Sprintf("v4l2src name=%s_v4l2src device=%q", name, device),
		fmt.Sprintf("videoconvert name=%s_videoconvert", name),
		fmt.Sprintf("videoscale name=%s_videoscale", name),
		fmt.Sprintf("videorate name=%s_videorate", name),
		fmt.Sprintf("capsfilter name=%s_capsfilter caps=%s", name, capsFilter(caps)),
	}, " ! ")
}

// monitorDescription renders one stream of a branch in a window of its own.
func monitorDescription(name, stream string) string {
	if stream == media.StreamAudio.String() {
		return fmt.Sprintf("audioconvert name=%s_audioconvert ! autoaudiosink name=%s_sink sync=false", name, name)
	}
	return fmt.Sprintf("videoconvert name=%s_videoconvert ! autovideosink name=%s_sink sync=false", name, name)
}

// programDescription converts whatever the selector forwards into the caps
// the relay expects.
func programDescription(name string, caps media.Caps, maxBuffers int, drop bool) string {
	return strings.Join([]string{
		fmt.Sprintf("videoconvert name=%s_videoconvert", name),
		fmt.Sprintf("videoscale name=%s_videoscale", name),
		fmt.Sprintf("appsink name=%s caps=%s max-buffers=%d drop=%t sync=false async=false", appSinkName(name), capsFilter(caps), maxBuffers, drop),
	}, " ! ")
}

func appSinkName(node string) string { return node + "_appsink" }

// fileURI accepts URIs and local paths.
func fileURI(location string) (string, error) {
	if strings.Contains(location, "://") {
		return location, nil
	}
	abs, err := filepath.Abs(location)
	if err != nil {
		return "", err
	}
	return (&url.URL{Scheme: "file", Path: abs}).String(), nil
}

// ownerName returns the node an element named source belongs to: the node of
// that name, or else the longest node name source starts with.
func ownerName(source string, nodes []string) string {
	best := ""
	for _, n := range nodes {
		if n == source {
			return n
		}
		if len(n) > len(best) && strings.HasPrefix(source, n) && len(source) > len(n) && strings.ContainsRune("_-", rune(source[len(n)])) {
			best = n
		}
	}
	return best
}

func leakyOf(props media.Properties) (media.Leaky, error) {
	switch v := props["leaky"].(type) {
	case nil:
		return media.LeakyNo, nil
	case media.Leaky:
		return v, nil
	case string:
		return media.ParseLeaky(v)
	default:
		return media.LeakyNo, fmt.Errorf("property \"leaky\": unexpected %T", v)
	}
}
