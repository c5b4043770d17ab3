package model

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Mugglen/LinuxNote/pkg/log"
)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// MaxNodes limits the number of simultaneously registered nodes.
	// Zero means unlimited. Register fails with ErrAllocationFailed when
	// the limit is reached.
	MaxNodes int

	// SessionID stamps every emitted event. A random UUID is used when
	// empty.
	SessionID string

	// Logger receives operational messages. If nil, nothing is logged.
	Logger *slog.Logger

	// EventLogger receives lifecycle events. If nil, events are discarded.
	EventLogger log.Logger
}

// Registry is the root namespace of the object model. It is passed
// explicitly to every component that creates or registers nodes.
type Registry struct {
	mu   sync.RWMutex
	root namespace

	maxNodes   int
	registered int

	sessionID string
	logger    *slog.Logger
	events    log.Logger

	created  atomic.Int64
	released atomic.Int64
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.New().String()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		maxNodes:  cfg.MaxNodes,
		sessionID: cfg.SessionID,
		logger:    cfg.Logger,
		events:    log.OrNoop(cfg.EventLogger),
	}
}

// SessionID returns the session identifier stamped on events.
func (r *Registry) SessionID() string {
	return r.sessionID
}

// Logger returns the operational logger.
func (r *Registry) Logger() *slog.Logger {
	return r.logger
}

// Emit stamps the event with the session ID and the current time and
// forwards it to the event logger. Other packages use it so that all
// events of one object graph share a session.
func (r *Registry) Emit(event log.Event) {
	r.emit(event)
}

func (r *Registry) emit(event log.Event) {
	event.SessionID = r.sessionID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	r.events.Log(event)
}

// CreateNode creates an unregistered node under parent (nil for the root
// namespace). It fails with ErrDuplicateName if a sibling with the same
// name is already registered there. The caller owns the returned
// reference.
func (r *Registry) CreateNode(name string, parent *Node) (*Node, error) {
	return r.CreateNodeWithRelease(name, parent, nil)
}

// CreateNodeWithRelease is CreateNode with a release function that runs
// when the node is finalized.
func (r *Registry) CreateNodeWithRelease(name string, parent *Node, release func(*Node)) (*Node, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	r.mu.RLock()
	if parent != nil {
		if parent.registry != r {
			r.mu.RUnlock()
			return nil, fmt.Errorf("parent %q: %w", parent.name, ErrForeignNode)
		}
		if parent.State() == NodeReleased {
			r.mu.RUnlock()
			return nil, fmt.Errorf("parent %q: %w", parent.name, ErrInvalidHandle)
		}
	}
	if r.dirFor(parent).get(name) != nil {
		r.mu.RUnlock()
		return nil, fmt.Errorf("create %q: %w", name, ErrDuplicateName)
	}
	r.mu.RUnlock()

	n := NewNode(name, release)
	n.registry = r
	n.parent = parent
	r.created.Add(1)

	r.emit(log.Event{
		Category: log.CategoryNode,
		Kind:     log.KindNodeCreated,
		Path:     n.Path(),
		RefCount: n.RefCount(),
	})
	return n, nil
}

// CreateAndRegister creates a node under parent and registers it, the
// equivalent of kobject_create_and_add. On failure nothing is left behind.
func (r *Registry) CreateAndRegister(name string, parent *Node) (*Node, error) {
	n, err := r.CreateNode(name, parent)
	if err != nil {
		return nil, err
	}
	if err := r.Register(n, nil); err != nil {
		_ = n.Put()
		return nil, err
	}
	return n, nil
}

// CreateGroup creates and registers a group under parent (nil for the
// root namespace), the equivalent of kset_create_and_add.
func (r *Registry) CreateGroup(name string, parent *Node) (*Group, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	g := NewGroup(name)
	g.node.registry = r
	g.node.parent = parent
	r.created.Add(1)

	if err := r.Register(g.node, nil); err != nil {
		_ = g.node.Put()
		return nil, err
	}
	return g, nil
}

// dirFor returns the namespace children of parent live in.
// Caller holds r.mu.
func (r *Registry) dirFor(parent *Node) *namespace {
	if parent == nil {
		return &r.root
	}
	return &parent.children
}

// Register makes node visible. With a nil group the node joins its
// parent's namespace (or the root namespace). With a group, the node also
// becomes a member of the group; a node without a parent is placed
// beneath the group's directory node. That placement lasts for one
// registration, so a node unregistered from one group can join another.
//
// Register takes one reference on behalf of the namespace.
func (r *Registry) Register(n *Node, g *Group) error {
	r.mu.Lock()

	if n.registry != nil && n.registry != r {
		r.mu.Unlock()
		return fmt.Errorf("register %q: %w", n.name, ErrForeignNode)
	}
	switch n.State() {
	case NodeRegistered:
		r.mu.Unlock()
		return fmt.Errorf("register %q: %w", n.name, ErrAlreadyRegistered)
	case NodeReleased:
		r.mu.Unlock()
		return fmt.Errorf("register %q: %w", n.name, ErrInvalidHandle)
	}
	if err := validateName(n.name); err != nil {
		r.mu.Unlock()
		return err
	}

	// A parent implied by an earlier group membership does not carry over
	// to the next registration.
	parent, implied := n.parent, false
	if n.groupParent {
		parent = nil
	}
	if g != nil {
		if g.node.registry != r || g.node.State() != NodeRegistered {
			r.mu.Unlock()
			return fmt.Errorf("register %q in group %q: %w", n.name, g.node.name, ErrNotRegistered)
		}
		if parent == nil {
			parent, implied = g.node, true
		}
		if g.members.get(n.name) != nil {
			r.mu.Unlock()
			return fmt.Errorf("register %q in group %q: %w", n.name, g.node.name, ErrDuplicateName)
		}
	}
	if parent != nil && (parent.registry != r || parent.State() != NodeRegistered) {
		r.mu.Unlock()
		return fmt.Errorf("register %q under %q: %w", n.name, parent.name, ErrNotRegistered)
	}

	dir := r.dirFor(parent)
	if dir.get(n.name) != nil {
		r.mu.Unlock()
		return fmt.Errorf("register %q: %w", n.name, ErrDuplicateName)
	}
	if r.maxNodes > 0 && r.registered >= r.maxNodes {
		r.mu.Unlock()
		return fmt.Errorf("register %q: %w (limit %d)", n.name, ErrAllocationFailed, r.maxNodes)
	}
	if err := n.ref.Get(); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("register %q: %w", n.name, err)
	}

	if n.registry == nil {
		n.registry = r
		r.created.Add(1)
	}
	n.parent = parent
	n.groupParent = implied
	dir.add(n)
	if g != nil {
		g.members.add(n)
		n.group = g
	}
	old := n.State()
	n.state.Store(int32(NodeRegistered))
	r.registered++
	path := n.pathLocked()
	r.mu.Unlock()

	r.logger.Debug("node registered", "node", path)
	r.emit(log.Event{
		Category: log.CategoryNode,
		Kind:     log.KindNodeRegistered,
		Path:     path,
		RefCount: n.RefCount(),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityNode,
			OldState: old.String(),
			NewState: NodeRegistered.String(),
		},
	})
	return nil
}

// Unregister removes node from its namespace and group and drops the
// reference taken by Register. If no other references are outstanding
// the node is finalized before Unregister returns.
//
// Registered children stay attached to the node and become unreachable
// from the root until the node is registered again.
func (r *Registry) Unregister(n *Node) error {
	r.mu.Lock()
	if n.registry != r {
		r.mu.Unlock()
		return fmt.Errorf("unregister %q: %w", n.name, ErrForeignNode)
	}
	if n.State() != NodeRegistered {
		r.mu.Unlock()
		return fmt.Errorf("unregister %q: %w", n.name, ErrNotRegistered)
	}

	path := n.pathLocked()
	r.dirFor(n.parent).remove(n)
	if n.group != nil {
		n.group.members.remove(n)
		n.group = nil
	}
	n.state.Store(int32(NodeUnregistered))
	r.registered--
	r.mu.Unlock()

	r.logger.Debug("node unregistered", "node", path)
	r.emit(log.Event{
		Category: log.CategoryNode,
		Kind:     log.KindNodeUnregistered,
		Path:     path,
		RefCount: n.RefCount() - 1,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityNode,
			OldState: NodeRegistered.String(),
			NewState: NodeUnregistered.String(),
		},
	})

	if _, err := n.ref.Put(); err != nil {
		return fmt.Errorf("unregister %q: %w", n.name, err)
	}
	return nil
}

// Lookup resolves a slash-separated path from the root namespace and
// returns the node with an extra reference taken. The caller must Put it.
func (r *Registry) Lookup(path string) (*Node, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, fmt.Errorf("lookup %q: %w", path, ErrInvalidName)
	}

	r.mu.RLock()
	var cur *Node
	dir := &r.root
	for _, part := range parts {
		cur = dir.get(part)
		if cur == nil {
			r.mu.RUnlock()
			return nil, fmt.Errorf("lookup %q: %w", path, ErrNotRegistered)
		}
		dir = &cur.children
	}
	err := cur.ref.Get()
	r.mu.RUnlock()

	if err != nil {
		return nil, fmt.Errorf("lookup %q: %w", path, err)
	}
	return cur, nil
}

// Top returns the registered top-level nodes in registration order.
func (r *Registry) Top() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.root.list()
}

// Walk visits every node reachable from the root, depth first in
// registration order. The tree is snapshotted first, so fn may call back
// into the registry. Returning a non-nil error stops the walk.
func (r *Registry) Walk(fn func(n *Node, depth int) error) error {
	type entry struct {
		node  *Node
		depth int
	}

	r.mu.RLock()
	var entries []entry
	var visit func(ns *namespace, depth int)
	visit = func(ns *namespace, depth int) {
		for _, n := range ns.order {
			entries = append(entries, entry{n, depth})
			visit(&n.children, depth+1)
		}
	}
	visit(&r.root, 0)
	r.mu.RUnlock()

	for _, e := range entries {
		if err := fn(e.node, e.depth); err != nil {
			return err
		}
	}
	return nil
}

// Stats is a snapshot of registry counters.
type Stats struct {
	// Registered is the number of currently registered nodes.
	Registered int

	// Live is the number of nodes created through the registry that
	// have not been released.
	Live int64

	// Released is the number of finalized nodes.
	Released int64
}

// Stats returns a snapshot of registry counters.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	registered := r.registered
	r.mu.RUnlock()

	released := r.released.Load()
	return Stats{
		Registered: registered,
		Live:       r.created.Load() - released,
		Released:   released,
	}
}

func splitPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}
