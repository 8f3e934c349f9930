package kanstream

import (
	"errors"
	"strings"
)

// MaxPathLength bounds the path container from spec.md §3/§4.2 ("path
// exceeding buffer length: log and return failure").
const MaxPathLength = 1024

// ErrPathTooLong is returned by NewPath when the raw input is longer
// than MaxPathLength bytes (checked before normalization).
var ErrPathTooLong = errors.New("kanstream: path exceeds maximum length")

// Path is a normalized, '/'-separated virtual path. Leading and
// consecutive slashes are ignored, per spec.md §4.2.
type Path struct {
	components []string
}

// NewPath normalizes raw and splits it into components.
func NewPath(raw string) (Path, error) {
	if len(raw) > MaxPathLength {
		return Path{}, ErrPathTooLong
	}
	parts := strings.Split(raw, "/")
	components := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		components = append(components, p)
	}
	return Path{components: components}, nil
}

// Components returns the normalized path segments.
func (p Path) Components() []string {
	return p.components
}

// Empty reports whether the path has no components (root).
func (p Path) Empty() bool {
	return len(p.components) == 0
}

// Head returns the first component and the remainder, for stepwise tree
// descent. ok is false when the path is empty.
func (p Path) Head() (head string, rest Path, ok bool) {
	if len(p.components) == 0 {
		return "", Path{}, false
	}
	return p.components[0], Path{components: p.components[1:]}, true
}

// String reassembles the normalized, '/'-joined form.
func (p Path) String() string {
	return strings.Join(p.components, "/")
}

// SplitNameExtension splits the last path component at its last '.', per
// spec.md §4.2's ropack file-naming rule: a leading '.' implies a
// name-less dotfile, and both halves may be absent for ".".
func SplitNameExtension(component string) (name, extension string) {
	if component == "" || component == "." {
		return "", ""
	}
	idx := strings.LastIndexByte(component, '.')
	if idx < 0 {
		return component, ""
	}
	if idx == 0 {
		// Leading dot: the whole thing is a name-less dotfile's extension.
		return "", component[1:]
	}
	return component[:idx], component[idx+1:]
}

// JoinNameExtension recomposes name.extension, the inverse of
// SplitNameExtension, used when iterating a ropack directory.
func JoinNameExtension(name, extension string) string {
	switch {
	case name == "" && extension == "":
		return "."
	case extension == "":
		return name
	case name == "":
		return "." + extension
	default:
		return name + "." + extension
	}
}
