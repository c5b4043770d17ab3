// Package inspect provides object tree inspection and attribute
// manipulation utilities.
//
// The inspect package offers a unified interface for:
//   - Parsing path expressions (e.g., "bus/my_bus/devices/alpha/driver")
//   - Classifying nodes (bus, device, driver, group)
//   - Listing, reading and writing attributes
//   - Formatting output for display
package inspect

import (
	"errors"
	"strings"
)

// Path errors.
var (
	ErrEmptyPath   = errors.New("empty path")
	ErrInvalidPath = errors.New("invalid path format")
)

// Path represents a parsed inspection path: slash-separated node names,
// optionally ending in an attribute name. Whether the last segment names
// a node or an attribute is decided when the path is resolved.
type Path struct {
	// Segments are the path components, without empty ones.
	Segments []string

	// Raw stores the original input string.
	Raw string
}

// ParsePath parses a path string into a Path.
//
// Supported formats:
//   - "bus/my_bus" - a node
//   - "bus/my_bus/devices/alpha/driver" - a node or an attribute
//   - "/bus/my_bus/" - leading and trailing slashes are ignored
//   - "/" - the root namespace
//
// Empty segments in the middle ("a//b") and "." or ".." are rejected.
func ParsePath(input string) (*Path, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, ErrEmptyPath
	}

	p := &Path{Raw: input}
	trimmed := strings.Trim(input, "/")
	if trimmed == "" {
		return p, nil
	}

	for _, part := range strings.Split(trimmed, "/") {
		switch part {
		case "", ".", "..":
			return nil, ErrInvalidPath
		}
		p.Segments = append(p.Segments, part)
	}
	return p, nil
}

// IsRoot reports whether the path names the root namespace.
func (p *Path) IsRoot() bool {
	return len(p.Segments) == 0
}

// Split returns the path of the parent and the last segment.
func (p *Path) Split() (dir *Path, last string) {
	if p.IsRoot() {
		return p, ""
	}
	n := len(p.Segments)
	dir = &Path{Segments: p.Segments[:n-1:n-1]}
	dir.Raw = dir.String()
	return dir, p.Segments[n-1]
}

// Join returns a new path with name appended.
func (p *Path) Join(name string) *Path {
	segs := make([]string, 0, len(p.Segments)+1)
	segs = append(segs, p.Segments...)
	segs = append(segs, name)
	out := &Path{Segments: segs}
	out.Raw = out.String()
	return out
}

// String returns the path as a string, "/" for the root.
func (p *Path) String() string {
	if p.IsRoot() {
		return "/"
	}
	return strings.Join(p.Segments, "/")
}
