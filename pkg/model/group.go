package model

// Group is an ordered, named collection of Nodes sharing a namespace.
// The group is itself represented by a directory Node; members registered
// without an explicit parent are placed beneath it.
//
// A Group owns the registration slot of its members, not their reference
// counts: each membership holds exactly one reference, taken at Register
// and dropped at Unregister.
type Group struct {
	node    *Node
	members namespace
}

// NewGroup creates an unregistered group whose directory node has the
// given name. Register the group's node to make it usable.
func NewGroup(name string) *Group {
	g := &Group{}
	g.node = NewNode(name, nil)
	g.node.asGroup = g
	g.node.SetOwner(g)
	return g
}

// Node returns the group's directory node.
func (g *Group) Node() *Node {
	return g.node
}

// Name returns the group name.
func (g *Group) Name() string {
	return g.node.name
}

// Members returns the registered members in registration order.
func (g *Group) Members() []*Node {
	if r := g.node.registry; r != nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	return g.members.list()
}

// Member returns the member with the given name, or nil. No reference is
// taken.
func (g *Group) Member(name string) *Node {
	if r := g.node.registry; r != nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	return g.members.get(name)
}

// Len returns the number of registered members.
func (g *Group) Len() int {
	if r := g.node.registry; r != nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	return g.members.len()
}

// Unregister unregisters the group's node and drops the creator reference,
// the equivalent of kset_unregister. Members are not unregistered.
func (g *Group) Unregister() error {
	r := g.node.registry
	if r == nil {
		return ErrNotRegistered
	}
	if err := r.Unregister(g.node); err != nil {
		return err
	}
	return g.node.Put()
}
