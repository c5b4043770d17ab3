package model

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/Mugglen/LinuxNote/pkg/kref"
	"github.com/Mugglen/LinuxNote/pkg/log"
)

// NodeState is the lifecycle state of a Node.
type NodeState int32

const (
	// NodeInitialized is a node that was never registered.
	NodeInitialized NodeState = iota

	// NodeRegistered is a node visible through its registry.
	NodeRegistered

	// NodeUnregistered is a node removed from its namespace but still
	// referenced. It may be registered again.
	NodeUnregistered

	// NodeReleased is a node whose last reference was dropped.
	NodeReleased
)

// String returns the state name.
func (s NodeState) String() string {
	switch s {
	case NodeInitialized:
		return "initialized"
	case NodeRegistered:
		return "registered"
	case NodeUnregistered:
		return "unregistered"
	case NodeReleased:
		return "released"
	default:
		return "unknown"
	}
}

// Node is a named, reference-counted vertex in the hierarchy.
//
// Topology fields (parent, group, children) are guarded by the owning
// registry's lock. The reference count and the attribute set have their
// own synchronization and never take the registry lock.
type Node struct {
	name    string
	ref     kref.Ref
	release func(*Node)
	state   atomic.Int32

	// owner is the entity embedding this node (e.g. a bus device).
	owner any

	registry *Registry
	parent   *Node
	group    *Group
	children namespace

	// groupParent is set when parent was taken from the group at Register.
	groupParent bool

	// asGroup is set when this node is the directory node of a Group.
	asGroup *Group

	attrs attributeSet
}

// NewNode creates an unregistered node with a reference count of 1.
// release, if non-nil, runs once when the last reference is dropped, after
// all attributes have been detached.
func NewNode(name string, release func(*Node)) *Node {
	n := &Node{
		name:    name,
		release: release,
	}
	n.ref.Init(n.finalize)
	return n
}

// Name returns the node name.
func (n *Node) Name() string {
	return n.name
}

// State returns the current lifecycle state.
func (n *Node) State() NodeState {
	return NodeState(n.state.Load())
}

// Registered reports whether the node is currently registered.
func (n *Node) Registered() bool {
	return n.State() == NodeRegistered
}

// RefCount returns a snapshot of the reference count.
func (n *Node) RefCount() int32 {
	return n.ref.Count()
}

// Owner returns the entity embedding this node, if any.
func (n *Node) Owner() any {
	return n.owner
}

// SetOwner records the entity embedding this node. It must be called
// before the node is shared.
func (n *Node) SetOwner(owner any) {
	n.owner = owner
}

// Registry returns the registry the node belongs to, or nil.
func (n *Node) Registry() *Registry {
	return n.registry
}

// Get takes an additional reference. It fails with ErrInvalidHandle once
// the node has been released.
func (n *Node) Get() error {
	if err := n.ref.Get(); err != nil {
		return fmt.Errorf("get %q: %w", n.name, err)
	}
	return nil
}

// Put drops a reference taken with Get (or the creator's initial
// reference). While the node is registered, Put refuses to drop the
// reference held by the registration and returns ErrStillRegistered;
// use Unregister for that. Dropping the last reference finalizes the node.
func (n *Node) Put() error {
	for n.Registered() {
		err := n.ref.PutNotLast()
		switch {
		case err == nil:
			return nil
		case !errors.Is(err, kref.ErrLastReference):
			return fmt.Errorf("put %q: %w", n.name, err)
		case n.Registered():
			return fmt.Errorf("put %q: %w", n.name, ErrStillRegistered)
		}
		// Unregister dropped its reference between the state check and
		// PutNotLast; ours is now the last one.
	}
	if _, err := n.ref.Put(); err != nil {
		return fmt.Errorf("put %q: %w", n.name, err)
	}
	return nil
}

// finalize runs exactly once, on the goroutine that dropped the last
// reference.
func (n *Node) finalize() {
	path := n.Path()
	n.attrs.detachAll()
	n.state.Store(int32(NodeReleased))
	if n.release != nil {
		n.release(n)
	}
	if r := n.registry; r != nil {
		r.released.Add(1)
		r.emit(log.Event{
			Category: log.CategoryNode,
			Kind:     log.KindNodeReleased,
			Path:     path,
			StateChange: &log.StateChangeEvent{
				Entity:   log.StateEntityNode,
				NewState: NodeReleased.String(),
			},
		})
	}
}

// Parent returns the parent node, or nil for top-level nodes.
func (n *Node) Parent() *Node {
	if r := n.registry; r != nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	return n.parent
}

// Group returns the group the node is a member of, or nil.
func (n *Node) Group() *Group {
	if r := n.registry; r != nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	return n.group
}

// Path returns the slash-separated path from the root namespace.
func (n *Node) Path() string {
	if r := n.registry; r != nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	return n.pathLocked()
}

func (n *Node) pathLocked() string {
	var parts []string
	for cur := n; cur != nil; cur = cur.parent {
		parts = append(parts, cur.name)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "/")
}

// Children returns the registered children in registration order.
func (n *Node) Children() []*Node {
	if r := n.registry; r != nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	return n.children.list()
}

// Child returns the registered child with the given name, or nil.
// No reference is taken.
func (n *Node) Child(name string) *Node {
	if r := n.registry; r != nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	return n.children.get(name)
}

// AsGroup returns the Group this node is the directory of, or nil.
func (n *Node) AsGroup() *Group {
	return n.asGroup
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	return n.Path()
}

// validateName rejects names that cannot appear as a path component.
func validateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("%w: %q contains '/' or NUL", ErrInvalidName, name)
	}
	return nil
}

// namespace is an ordered set of uniquely-named nodes. It is guarded by
// the registry lock.
type namespace struct {
	order  []*Node
	byName map[string]*Node
}

func (ns *namespace) get(name string) *Node {
	return ns.byName[name]
}

func (ns *namespace) add(n *Node) bool {
	if ns.byName == nil {
		ns.byName = make(map[string]*Node)
	}
	if _, exists := ns.byName[n.name]; exists {
		return false
	}
	ns.byName[n.name] = n
	ns.order = append(ns.order, n)
	return true
}

func (ns *namespace) remove(n *Node) bool {
	if ns.byName[n.name] != n {
		return false
	}
	delete(ns.byName, n.name)
	for i, cur := range ns.order {
		if cur == n {
			ns.order = append(ns.order[:i], ns.order[i+1:]...)
			break
		}
	}
	return true
}

func (ns *namespace) list() []*Node {
	out := make([]*Node, len(ns.order))
	copy(out, ns.order)
	return out
}

func (ns *namespace) len() int {
	return len(ns.order)
}
