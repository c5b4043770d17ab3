package inspect

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Mugglen/LinuxNote/pkg/model"
)

// Inspector errors.
var (
	ErrNodeNotFound      = errors.New("node not found")
	ErrAttributeNotFound = errors.New("attribute not found")
	ErrNotAttribute      = errors.New("path names a node, not an attribute")
)

// Source is anything that can list, read and write an attribute tree.
// Inspector serves a live Registry; DirSource serves a mounted copy.
type Source interface {
	List(ctx context.Context, path *Path) ([]Entry, error)
	Read(ctx context.Context, path *Path) (string, error)
	Write(ctx context.Context, path *Path, value string) error
}

// Entry is one item of a listing: a child node or an attribute.
type Entry struct {
	Name   string
	Kind   Kind
	Mode   os.FileMode
	Access model.Access
	Detail string
}

// IsDir reports whether the entry is a node.
func (e Entry) IsDir() bool {
	return e.Kind != KindAttribute
}

// Inspector provides inspection and mutation capabilities for a local
// registry.
type Inspector struct {
	reg *model.Registry
}

// NewInspector creates a new Inspector for the given registry.
func NewInspector(reg *model.Registry) *Inspector {
	return &Inspector{reg: reg}
}

// Registry returns the underlying registry.
func (i *Inspector) Registry() *model.Registry {
	return i.reg
}

// Tree represents the registry structure for display.
type Tree struct {
	Nodes []NodeInfo
}

// NodeInfo represents node information for display.
type NodeInfo struct {
	Name       string
	Path       string
	Depth      int
	Kind       Kind
	State      model.NodeState
	RefCount   int32
	Detail     string
	Attributes []AttributeInfo
}

// AttributeInfo represents attribute information for display.
type AttributeInfo struct {
	Name   string
	Access model.Access
	Mode   os.FileMode
	Value  string
	Err    error
}

// InspectTree returns every node reachable from the root. With
// readValues, readable attributes are read as well.
func (i *Inspector) InspectTree(readValues bool) *Tree {
	tree := &Tree{}
	_ = i.reg.Walk(func(n *model.Node, depth int) error {
		tree.Nodes = append(tree.Nodes, i.inspectNode(n, depth, readValues))
		return nil
	})
	return tree
}

// InspectNode returns information about the node at path.
func (i *Inspector) InspectNode(path *Path, readValues bool) (*NodeInfo, error) {
	n, err := i.lookup(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = n.Put() }()

	info := i.inspectNode(n, 0, readValues)
	return &info, nil
}

func (i *Inspector) inspectNode(n *model.Node, depth int, readValues bool) NodeInfo {
	info := NodeInfo{
		Name:     n.Name(),
		Path:     n.Path(),
		Depth:    depth,
		Kind:     KindOf(n),
		State:    n.State(),
		RefCount: n.RefCount(),
		Detail:   Detail(n),
	}
	for _, a := range n.Attributes() {
		ai := AttributeInfo{Name: a.Name, Access: a.Access, Mode: a.Mode}
		if readValues && a.Access.CanRead() {
			ai.Value, ai.Err = n.ReadAttributeString(a.Name)
		}
		info.Attributes = append(info.Attributes, ai)
	}
	return info
}

// lookup resolves path to a node and takes a reference on it.
func (i *Inspector) lookup(path *Path) (*model.Node, error) {
	if path.IsRoot() {
		return nil, fmt.Errorf("%w: %s", ErrNotAttribute, path)
	}
	n, err := i.reg.Lookup(path.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, path)
	}
	return n, nil
}

// resolveAttr resolves path to a node and one of its attributes. The
// node is returned with a reference the caller must drop.
func (i *Inspector) resolveAttr(path *Path) (*model.Node, string, error) {
	dir, name := path.Split()
	if name == "" || dir.IsRoot() {
		return nil, "", fmt.Errorf("%w: %s", ErrNotAttribute, path)
	}
	n, err := i.lookup(dir)
	if err != nil {
		return nil, "", err
	}
	if !n.HasAttribute(name) {
		isNode := n.Child(name) != nil
		_ = n.Put()
		if isNode {
			return nil, "", fmt.Errorf("%w: %s", ErrNotAttribute, path)
		}
		return nil, "", fmt.Errorf("%w: %s", ErrAttributeNotFound, path)
	}
	return n, name, nil
}

// List returns the children and attributes of the node at path, or the
// top-level nodes for the root.
func (i *Inspector) List(_ context.Context, path *Path) ([]Entry, error) {
	if path.IsRoot() {
		var out []Entry
		for _, n := range i.reg.Top() {
			out = append(out, nodeEntry(n))
		}
		return out, nil
	}

	n, err := i.lookup(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = n.Put() }()

	var out []Entry
	for _, c := range n.Children() {
		out = append(out, nodeEntry(c))
	}
	for _, a := range n.Attributes() {
		out = append(out, Entry{
			Name:   a.Name,
			Kind:   KindAttribute,
			Mode:   a.Mode,
			Access: a.Access,
		})
	}
	return out, nil
}

func nodeEntry(n *model.Node) Entry {
	return Entry{
		Name:   n.Name(),
		Kind:   KindOf(n),
		Mode:   os.ModeDir | 0o755,
		Detail: Detail(n),
	}
}

// Read reads the attribute at path.
func (i *Inspector) Read(_ context.Context, path *Path) (string, error) {
	n, name, err := i.resolveAttr(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = n.Put() }()
	return n.ReadAttributeString(name)
}

// Write writes value to the attribute at path. A trailing newline is
// appended when value has none, as echo(1) would.
func (i *Inspector) Write(_ context.Context, path *Path, value string) error {
	n, name, err := i.resolveAttr(path)
	if err != nil {
		return err
	}
	defer func() { _ = n.Put() }()

	if !strings.HasSuffix(value, "\n") {
		value += "\n"
	}
	_, err = n.WriteAttribute(name, []byte(value))
	return err
}

// FormatTree formats the tree for display.
func (i *Inspector) FormatTree(tree *Tree, formatter *Formatter) string {
	if formatter == nil {
		formatter = NewFormatter()
	}
	var sb strings.Builder
	for idx := range tree.Nodes {
		sb.WriteString(formatter.FormatNode(&tree.Nodes[idx]))
	}
	if sb.Len() == 0 {
		return "(empty)\n"
	}
	return sb.String()
}

// Compile-time interface satisfaction check.
var _ Source = (*Inspector)(nil)
