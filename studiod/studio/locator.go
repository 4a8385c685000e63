package studio

import (
	"fmt"
	"os"
	"strings"

	"github.com/TUM-Dev/streamstudio/studiod/media"
)

type SourceKind int

const (
	SourceDevice SourceKind = iota
	SourceFile
	SourceTest
)

func (k SourceKind) String() string {
	switch k {
	case SourceDevice:
		return "device"
	case SourceFile:
		return "file"
	case SourceTest:
		return "test"
	}
	return fmt.Sprintf("SourceKind(%d)", int(k))
}

func ParseSourceKind(s string) (SourceKind, error) {
	switch s {
	case "device":
		return SourceDevice, nil
	case "file":
		return SourceFile, nil
	case "test":
		return SourceTest, nil
	}
	return 0, fmt.Errorf("unknown source kind %q", s)
}

// SourceSpec tells the manager what feeds a branch.
type SourceSpec struct {
	Kind    SourceKind
	Locator string
}

func (s SourceSpec) String() string {
	if s.Kind == SourceTest {
		return "test://" + s.Locator
	}
	return s.Locator
}

const testScheme = "test://"

// ParseLocator maps a locator as typed on the shell to a SourceSpec:
// /dev/... is a device, test://<pattern> a test source, anything else a file.
func ParseLocator(locator string) (SourceSpec, error) {
	switch {
	case locator == "":
		return SourceSpec{}, fmt.Errorf("empty locator")
	case strings.HasPrefix(locator, testScheme):
		pattern := strings.TrimPrefix(locator, testScheme)
		if _, err := media.ParseVideoPattern(pattern); err != nil {
			return SourceSpec{}, err
		}
		return SourceSpec{Kind: SourceTest, Locator: pattern}, nil
	case strings.HasPrefix(locator, "/dev/"):
		return SourceSpec{Kind: SourceDevice, Locator: locator}, nil
	}
	return SourceSpec{Kind: SourceFile, Locator: locator}, nil
}

// check verifies that the external resource behind the spec is reachable.
func (s SourceSpec) check() error {
	if s.Kind == SourceTest {
		return nil
	}
	if _, err := os.Stat(s.Locator); err != nil {
		return fmt.Errorf("%w: %v", ErrSourceNotFound, err)
	}
	return nil
}
