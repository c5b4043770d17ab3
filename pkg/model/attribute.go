package model

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/Mugglen/LinuxNote/pkg/log"
)

// ShowFunc fills buf with the attribute's current value and returns the
// number of bytes written. It must not write past len(buf).
type ShowFunc func(n *Node, buf []byte) (int, error)

// StoreFunc parses data and updates the attribute's backing state. It
// returns the number of bytes consumed. Errors wrapping ErrInvalidValue
// signal rejected content.
type StoreFunc func(n *Node, data []byte) (int, error)

// Access flags for attributes.
type Access uint8

const (
	// AccessRead allows reading the attribute.
	AccessRead Access = 1 << iota

	// AccessWrite allows writing the attribute.
	AccessWrite
)

const (
	// AccessReadWrite is read and write.
	AccessReadWrite = AccessRead | AccessWrite
)

// CanRead returns true if reading is allowed.
func (a Access) CanRead() bool { return a&AccessRead != 0 }

// CanWrite returns true if writing is allowed.
func (a Access) CanWrite() bool { return a&AccessWrite != 0 }

// String returns the access flags as a string.
func (a Access) String() string {
	var s string
	if a.CanRead() {
		s += "R"
	}
	if a.CanWrite() {
		s += "W"
	}
	if s == "" {
		return "-"
	}
	return s
}

// Attribute describes a named endpoint bound to a Node. Show and Store are
// both optional; an attribute without Show is write-only and one without
// Store is read-only.
type Attribute struct {
	Name  string
	Show  ShowFunc
	Store StoreFunc

	// Mode holds the permission bits presented to filesystem views. When
	// zero it is derived from the bound callbacks.
	Mode os.FileMode
}

// Access returns the operations the bound callbacks allow.
func (a Attribute) Access() Access {
	var acc Access
	if a.Show != nil {
		acc |= AccessRead
	}
	if a.Store != nil {
		acc |= AccessWrite
	}
	return acc
}

// FileMode returns Mode, or 0444/0200/0644 depending on the callbacks.
func (a Attribute) FileMode() os.FileMode {
	if a.Mode != 0 {
		return a.Mode.Perm()
	}
	var m os.FileMode
	if a.Show != nil {
		m |= 0o444
	}
	if a.Store != nil {
		m |= 0o200
	}
	return m
}

// AttributeGroup is a set of attributes exposed and removed together.
type AttributeGroup struct {
	// Name identifies the group for RemoveGroup. It does not affect
	// attribute names.
	Name  string
	Attrs []Attribute

	// IsVisible, if set, filters which attributes of the group are
	// exposed on a particular node.
	IsVisible func(n *Node, a Attribute) bool
}

// AttributeInfo describes an exposed attribute.
type AttributeInfo struct {
	Name   string
	Group  string
	Access Access
	Mode   os.FileMode
}

type attrEntry struct {
	// mu serializes writes and excludes reads during a write. Removal
	// takes it to wait for in-flight callbacks.
	mu    sync.RWMutex
	attr  Attribute
	group string
	dead  bool
}

// attributeSet is the per-node attribute table. The set lock guards the
// map only; callbacks run under the entry lock.
type attributeSet struct {
	mu       sync.RWMutex
	order    []string
	byName   map[string]*attrEntry
	detached bool
}

func (s *attributeSet) lookup(name string) (*attrEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byName[name]
	return e, ok
}

// insert adds all entries or none.
func (s *attributeSet) insert(group string, attrs []Attribute) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.detached {
		return ErrInvalidHandle
	}
	seen := make(map[string]bool, len(attrs))
	for _, a := range attrs {
		if err := validateName(a.Name); err != nil {
			return fmt.Errorf("attribute: %w", err)
		}
		if _, exists := s.byName[a.Name]; exists || seen[a.Name] {
			return fmt.Errorf("%w: %q", ErrDuplicateAttribute, a.Name)
		}
		seen[a.Name] = true
	}
	if s.byName == nil {
		s.byName = make(map[string]*attrEntry, len(attrs))
	}
	for _, a := range attrs {
		s.byName[a.Name] = &attrEntry{attr: a, group: group}
		s.order = append(s.order, a.Name)
	}
	return nil
}

// delete removes the named entries and returns them.
func (s *attributeSet) delete(match func(name string, e *attrEntry) bool) []*attrEntry {
	s.mu.Lock()
	var removed []*attrEntry
	kept := s.order[:0]
	for _, name := range s.order {
		e := s.byName[name]
		if match(name, e) {
			delete(s.byName, name)
			removed = append(removed, e)
			continue
		}
		kept = append(kept, name)
	}
	s.order = kept
	s.mu.Unlock()

	// Wait for callbacks that started before the removal.
	for _, e := range removed {
		e.mu.Lock()
		e.dead = true
		e.mu.Unlock()
	}
	return removed
}

// detachAll removes every entry and refuses further inserts.
func (s *attributeSet) detachAll() {
	s.mu.Lock()
	s.detached = true
	s.mu.Unlock()
	s.delete(func(string, *attrEntry) bool { return true })
}

func (s *attributeSet) infos() []AttributeInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AttributeInfo, 0, len(s.order))
	for _, name := range s.order {
		e := s.byName[name]
		out = append(out, AttributeInfo{
			Name:   name,
			Group:  e.group,
			Access: e.attr.Access(),
			Mode:   e.attr.FileMode(),
		})
	}
	return out
}

// Expose binds an attribute to the node. It fails with
// ErrDuplicateAttribute if the name is taken and with ErrInvalidHandle
// once the node has been released.
func (n *Node) Expose(a Attribute) error {
	if err := n.attrs.insert("", []Attribute{a}); err != nil {
		return fmt.Errorf("expose %q on %q: %w", a.Name, n.name, err)
	}
	n.emitAttr(log.KindAttrExposed, log.NewAttributeEvent(a.Name, 0, nil))
	return nil
}

// ExposeGroup binds every visible attribute of g. Either all of them are
// exposed or, on error, none.
func (n *Node) ExposeGroup(g AttributeGroup) error {
	attrs := make([]Attribute, 0, len(g.Attrs))
	for _, a := range g.Attrs {
		if g.IsVisible != nil && !g.IsVisible(n, a) {
			continue
		}
		attrs = append(attrs, a)
	}
	if err := n.attrs.insert(g.Name, attrs); err != nil {
		return fmt.Errorf("expose group %q on %q: %w", g.Name, n.name, err)
	}
	for _, a := range attrs {
		n.emitAttr(log.KindAttrExposed, log.NewAttributeEvent(a.Name, 0, nil))
	}
	return nil
}

// RemoveAttribute unbinds an attribute, waiting for in-flight callbacks
// on it to return. It must not be called from that attribute's own
// callback.
func (n *Node) RemoveAttribute(name string) error {
	removed := n.attrs.delete(func(k string, _ *attrEntry) bool { return k == name })
	if len(removed) == 0 {
		return fmt.Errorf("remove %q on %q: %w", name, n.name, ErrUnknownAttribute)
	}
	n.emitAttr(log.KindAttrRemoved, log.NewAttributeEvent(name, 0, nil))
	return nil
}

// RemoveGroup unbinds every attribute exposed through ExposeGroup with
// the given group name. It returns the number removed.
func (n *Node) RemoveGroup(group string) int {
	removed := n.attrs.delete(func(_ string, e *attrEntry) bool {
		return group != "" && e.group == group
	})
	for _, e := range removed {
		n.emitAttr(log.KindAttrRemoved, log.NewAttributeEvent(e.attr.Name, 0, nil))
	}
	return len(removed)
}

// HasAttribute reports whether name is bound.
func (n *Node) HasAttribute(name string) bool {
	_, ok := n.attrs.lookup(name)
	return ok
}

// Attributes lists the bound attributes in expose order.
func (n *Node) Attributes() []AttributeInfo {
	return n.attrs.infos()
}

// ReadAttribute invokes the Show callback of name with buf and returns the
// number of bytes produced. Reads of one attribute run concurrently with
// each other but never with a write to it.
func (n *Node) ReadAttribute(name string, buf []byte) (int, error) {
	e, ok := n.attrs.lookup(name)
	if !ok {
		return 0, n.rejectAttr(name, "read", ErrUnknownAttribute)
	}
	if e.attr.Show == nil {
		return 0, n.rejectAttr(name, "read", ErrAttributeNotReadable)
	}

	e.mu.RLock()
	if e.dead {
		e.mu.RUnlock()
		return 0, n.rejectAttr(name, "read", ErrUnknownAttribute)
	}
	count, err := e.attr.Show(n, buf)
	e.mu.RUnlock()

	if err != nil {
		return 0, n.rejectAttr(name, "read", err)
	}
	if count < 0 || count > len(buf) {
		return 0, n.rejectAttr(name, "read", fmt.Errorf("show reported %d bytes for a %d byte buffer: %w", count, len(buf), io.ErrShortBuffer))
	}
	n.emitAttr(log.KindAttrRead, log.NewAttributeEvent(name, count, nil))
	return count, nil
}

// WriteAttribute invokes the Store callback of name with data and returns
// the number of bytes consumed. Writes to one attribute are serialized.
// Callback failures are reported as ErrInvalidValue.
func (n *Node) WriteAttribute(name string, data []byte) (int, error) {
	e, ok := n.attrs.lookup(name)
	if !ok {
		return 0, n.rejectAttr(name, "write", ErrUnknownAttribute)
	}
	if e.attr.Store == nil {
		return 0, n.rejectAttr(name, "write", ErrAttributeNotWritable)
	}

	e.mu.Lock()
	if e.dead {
		e.mu.Unlock()
		return 0, n.rejectAttr(name, "write", ErrUnknownAttribute)
	}
	count, err := e.attr.Store(n, data)
	e.mu.Unlock()

	if err != nil {
		if !errors.Is(err, ErrInvalidValue) {
			err = fmt.Errorf("%w: %w", ErrInvalidValue, err)
		}
		return 0, n.rejectAttr(name, "write", err)
	}
	if count < 0 || count > len(data) {
		count = len(data)
	}
	n.emitAttr(log.KindAttrWrite, log.NewAttributeEvent(name, count, data))
	return count, nil
}

// ReadAttributeString reads name into a PageSize buffer and returns the
// result as a string.
func (n *Node) ReadAttributeString(name string) (string, error) {
	buf := make([]byte, PageSize)
	count, err := n.ReadAttribute(name, buf)
	if err != nil {
		return "", err
	}
	return string(buf[:count]), nil
}

func (n *Node) rejectAttr(name, op string, err error) error {
	if r := n.registry; r != nil {
		r.emit(log.Event{
			Category:  log.CategoryAttribute,
			Kind:      log.KindAttrRejected,
			Path:      n.Path(),
			Attribute: log.NewAttributeEvent(name, 0, nil),
			Error: &log.ErrorEventData{
				Message: err.Error(),
				Stage:   "attribute",
				Context: op,
			},
		})
	}
	return fmt.Errorf("%s %q on %q: %w", op, name, n.name, err)
}

func (n *Node) emitAttr(kind log.Kind, ev *log.AttributeEvent) {
	r := n.registry
	if r == nil {
		return
	}
	r.emit(log.Event{
		Category:  log.CategoryAttribute,
		Kind:      kind,
		Path:      n.Path(),
		Attribute: ev,
	})
}
