package media

import (
	"errors"
	"fmt"
)

var (
	ErrElementCreation = errors.New("element creation failed")
	ErrPortBusy        = errors.New("port already linked")
	ErrTypeMismatch    = errors.New("incompatible caps")
	ErrNodeBusy        = errors.New("node still has links")
	ErrNodeActive      = errors.New("node is not in NULL state")
	ErrFlowing         = errors.New("data is flowing across the port")
	ErrLoop            = errors.New("link would create a loop")
	ErrInvalidState    = errors.New("invalid state")
	ErrUnknownNode     = errors.New("node is not part of the graph")
	ErrNoSuchPort      = errors.New("no such port")
	ErrNoSuchProperty  = errors.New("no such property")
	ErrNameTaken       = errors.New("node name already in use")
)

// StreamError is raised from the failure notification of an element while
// data is flowing. It travels on the Bus inside a MessageError.
type StreamError struct {
	// Source is the name of the node that failed.
	Source  string
	Message string
	Debug   string
}

func (e *StreamError) Error() string {
	if e.Debug != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Source, e.Message, e.Debug)
	}
	return fmt.Sprintf("%s: %s", e.Source, e.Message)
}

func creationError(kind, name string, err error) error {
	return fmt.Errorf("%w: %s %q: %v", ErrElementCreation, kind, name, err)
}
