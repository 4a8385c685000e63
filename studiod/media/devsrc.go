package media

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// devSrc reads raw frames from a capture device node.
type devSrc struct {
	*liveSource
	device string
	caps   Caps

	mu sync.Mutex
	f  *os.File
}

func newDevSrc(n *Node, props Properties) (Element, error) {
	device, err := props.String("device", "")
	if err != nil {
		return nil, err
	}
	if device == "" {
		return nil, fmt.Errorf("property \"device\" is required")
	}
	caps, err := props.Caps("caps", DefaultVideoCaps)
	if err != nil {
		return nil, err
	}

	s := &devSrc{device: device, caps: caps}
	src := n.AddOutput("src", caps)
	s.liveSource = newLiveSource(src, caps.Framerate.FrameDuration(), s.read)
	return s, nil
}

func (s *devSrc) ChangeState(n *Node, t StateChange) error {
	switch t {
	case StateChangeNullToReady:
		f, err := os.Open(s.device)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.f = f
		s.mu.Unlock()
	case StateChangeReadyToNull:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.f != nil {
			err := s.f.Close()
			s.f = nil
			return err
		}
		return nil
	}
	s.liveSource.changeState(n, t)
	return nil
}

func (s *devSrc) Property(name string) (any, error) {
	if name != "device" {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchProperty, name)
	}
	return s.device, nil
}

func (s *devSrc) SetProperty(name string, _ any) error {
	return fmt.Errorf("%w: %s is read-only", ErrNoSuchProperty, name)
}

func (s *devSrc) read(uint64) ([]byte, error) {
	s.mu.Lock()
	f := s.f
	s.mu.Unlock()
	if f == nil {
		return nil, os.ErrClosed
	}

	size := s.caps.FrameSize()
	if size == 0 {
		size = 4096
	}
	data := make([]byte, size)
	_, err := io.ReadFull(f, data)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, io.EOF
	}
	return data, err
}
