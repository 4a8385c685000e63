//go:build !cgo

package gstreamer

import (
	"time"

	"github.com/TUM-Dev/streamstudio/studiod/media"
	"github.com/TUM-Dev/streamstudio/studiod/studio"
)

func Init() {}

type MainLoop struct{}

func NewMainLoop() (*MainLoop, error) { return nil, ErrCGORequired }
func (l *MainLoop) Run()              {}
func (l *MainLoop) Quit()             {}
func (l *MainLoop) Invoke(fn func())  { fn() }

type Launcher struct{}

func NewLauncher() (*Launcher, error) { return nil, ErrCGORequired }

func (l *Launcher) Launch(string) (studio.AdHoc, error) { return nil, ErrCGORequired }

type Output struct{}

func NewOutput(OutputConfig) (*Output, error) { return nil, ErrCGORequired }

func (o *Output) Start() error                              { return ErrCGORequired }
func (o *Output) Stop() error                               { return nil }
func (o *Output) Dot() string                               { return "" }
func (o *Output) PushBuffer(*media.Buffer) media.FlowReturn { return media.FlowError }
func (o *Output) SRTStats() (*SRTStats, error)              { return nil, ErrCGORequired }

type Backend struct{}

func NewBackend(string) (*Backend, error) { return nil, ErrCGORequired }

func (b *Backend) Registry() *media.Registry               { return nil }
func (b *Backend) NewGraph(media.MainContext) *media.Graph { return nil }
func (b *Backend) Dot() string                             { return "" }
func (b *Backend) Close() error                            { return nil }

type Discoverer struct{}

func NewDiscoverer(time.Duration) (*Discoverer, error) { return nil, ErrCGORequired }

func (d *Discoverer) Probe(string) ([]media.StreamInfo, error) { return nil, ErrCGORequired }
