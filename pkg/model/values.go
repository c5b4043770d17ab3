package model

import (
	"bytes"
	"fmt"
	"strconv"
	"sync"
	"unicode/utf8"
)

// PageSize is the buffer size presentation layers pass to ReadAttribute.
const PageSize = 4096

// Emit formats into buf and returns the number of bytes written. Output
// that does not fit is truncated, so Emit never exceeds len(buf).
func Emit(buf []byte, format string, args ...any) int {
	out := fmt.Appendf(nil, format, args...)
	return copy(buf, out)
}

// trimNewline drops a single trailing "\n".
func trimNewline(data []byte) []byte {
	return bytes.TrimSuffix(data, []byte("\n"))
}

// IntValue is an integer backing an attribute. Its text form is the
// decimal value followed by a newline.
type IntValue struct {
	mu sync.RWMutex
	v  int64
}

// NewIntValue creates an IntValue holding v.
func NewIntValue(v int64) *IntValue {
	return &IntValue{v: v}
}

// Get returns the current value.
func (iv *IntValue) Get() int64 {
	iv.mu.RLock()
	defer iv.mu.RUnlock()
	return iv.v
}

// Set replaces the current value.
func (iv *IntValue) Set(v int64) {
	iv.mu.Lock()
	iv.v = v
	iv.mu.Unlock()
}

// Show renders the value.
func (iv *IntValue) Show(_ *Node, buf []byte) (int, error) {
	return Emit(buf, "%d\n", iv.Get()), nil
}

// Store parses a base-10 integer with an optional trailing newline.
func (iv *IntValue) Store(_ *Node, data []byte) (int, error) {
	v, err := strconv.ParseInt(string(trimNewline(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}
	iv.Set(v)
	return len(data), nil
}

// DefaultStringMax is the StringValue length limit used when none is set.
const DefaultStringMax = 31

// StringValue is a bounded string backing an attribute. Stored values are
// canonical: no trailing newline, nothing past the first NUL, and at most
// Max bytes cut on a rune boundary. Show appends a newline.
type StringValue struct {
	mu  sync.RWMutex
	s   string
	max int
}

// NewStringValue creates a StringValue holding s, limited to limit bytes
// (DefaultStringMax when limit <= 0).
func NewStringValue(s string, limit int) *StringValue {
	if limit <= 0 {
		limit = DefaultStringMax
	}
	sv := &StringValue{max: limit}
	sv.s = sv.canonical([]byte(s))
	return sv
}

// Get returns the stored string.
func (sv *StringValue) Get() string {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	return sv.s
}

// Set stores the canonical form of s.
func (sv *StringValue) Set(s string) {
	c := sv.canonical([]byte(s))
	sv.mu.Lock()
	sv.s = c
	sv.mu.Unlock()
}

// Max returns the length limit in bytes.
func (sv *StringValue) Max() int {
	return sv.max
}

func (sv *StringValue) canonical(data []byte) string {
	if i := bytes.IndexByte(data, 0); i >= 0 {
		data = data[:i]
	}
	data = trimNewline(data)
	if len(data) > sv.max {
		cut := sv.max
		for cut > 0 && !utf8.RuneStart(data[cut]) {
			cut--
		}
		data = data[:cut]
	}
	return string(data)
}

// Show renders the value followed by a newline.
func (sv *StringValue) Show(_ *Node, buf []byte) (int, error) {
	return Emit(buf, "%s\n", sv.Get()), nil
}

// Store accepts data with or without a trailing newline. Content past the
// limit is dropped; the whole input counts as consumed.
func (sv *StringValue) Store(_ *Node, data []byte) (int, error) {
	sv.Set(string(data))
	return len(data), nil
}

// IntAttribute builds a read/write attribute backed by v.
func IntAttribute(name string, v *IntValue) Attribute {
	return Attribute{Name: name, Show: v.Show, Store: v.Store, Mode: 0o644}
}

// StringAttribute builds a read/write attribute backed by v.
func StringAttribute(name string, v *StringValue) Attribute {
	return Attribute{Name: name, Show: v.Show, Store: v.Store, Mode: 0o644}
}

// ReadOnlyAttribute builds an attribute whose value is fn's result
// followed by a newline.
func ReadOnlyAttribute(name string, fn func(n *Node) string) Attribute {
	return Attribute{
		Name: name,
		Show: func(n *Node, buf []byte) (int, error) {
			return Emit(buf, "%s\n", fn(n)), nil
		},
		Mode: 0o444,
	}
}
