package media

import (
	"fmt"
	"strings"
)

type ParseErrorCode int

// Mirrors the GstParseError enumeration
const (
	ParseErrorSyntax         ParseErrorCode = 0
	ParseErrorNoSuchElement  ParseErrorCode = 1
	ParseErrorNoSuchProperty ParseErrorCode = 2
	ParseErrorLink           ParseErrorCode = 3
	ParseErrorEmpty          ParseErrorCode = 6
)

type ParseError struct {
	Code    ParseErrorCode
	Message string
}

func (p ParseError) Error() string {
	return fmt.Sprintf("(%d): %s", p.Code, p.Message)
}

// ParseLaunch builds a linear graph from a description such as
// "testsrc pattern=ball ! queue leaky=downstream ! fakesink". Every element
// may carry key=value properties; name=<name> sets the node name.
func ParseLaunch(description string, registry *Registry, ctx MainContext) (*Graph, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, ParseError{Code: ParseErrorEmpty, Message: "empty pipeline"}
	}
	if registry == nil {
		registry = NewRegistry()
	}

	g := NewGraph("launch", registry, ctx)
	var prev *Node
	for i, segment := range strings.Split(description, "!") {
		fields := strings.Fields(segment)
		if len(fields) == 0 {
			return nil, ParseError{Code: ParseErrorSyntax, Message: fmt.Sprintf("empty element at position %d", i)}
		}

		kind := fields[0]
		name := fmt.Sprintf("%s%d", kind, i)
		props := Properties{}
		for _, f := range fields[1:] {
			key, value, ok := strings.Cut(f, "=")
			if !ok || key == "" {
				return nil, ParseError{Code: ParseErrorSyntax, Message: fmt.Sprintf("expected key=value, got %q", f)}
			}
			if key == "name" {
				name = value
				continue
			}
			props[key] = strings.Trim(value, "\"")
		}

		n, err := g.AddNode(kind, name, props)
		if err != nil {
			code := ParseErrorNoSuchProperty
			if !containsKind(registry, kind) {
				code = ParseErrorNoSuchElement
			}
			return nil, ParseError{Code: code, Message: err.Error()}
		}
		if prev != nil {
			if _, err := g.LinkNodes(prev, n); err != nil {
				return nil, ParseError{Code: ParseErrorLink, Message: err.Error()}
			}
		}
		prev = n
	}
	return g, nil
}

func containsKind(r *Registry, kind string) bool {
	for _, k := range r.Kinds() {
		if k == kind {
			return true
		}
	}
	return false
}
