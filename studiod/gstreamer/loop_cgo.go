//go:build cgo

package gstreamer

import (
	"os"
	"sync"

	"github.com/go-gst/go-glib/glib"
	"github.com/go-gst/go-gst/gst"
)

var initOnce sync.Once

// Init initializes GStreamer once per process.
func Init() {
	initOnce.Do(func() {
		gst.Init(&os.Args)
	})
}

// MainLoop runs the default glib main context. Bus watches of GStreamer
// pipelines and of the media engine are dispatched on it.
type MainLoop struct {
	loop *glib.MainLoop
}

func NewMainLoop() (*MainLoop, error) {
	Init()
	return &MainLoop{loop: glib.NewMainLoop(glib.MainContextDefault(), false)}, nil
}

func (l *MainLoop) Run()  { l.loop.Run() }
func (l *MainLoop) Quit() { l.loop.Quit() }

// Invoke queues fn on the main context.
func (l *MainLoop) Invoke(fn func()) {
	glib.IdleAdd(func() bool {
		fn()
		return false
	})
}
