// Package model implements the reference-counted object hierarchy.
//
// # Hierarchy
//
// The model is a tree of named Nodes rooted in a Registry:
//
//	Registry (root namespace)
//	├── bus                    (Group)
//	│   └── platform           (Node)
//	│       ├── devices        (Group)
//	│       │   └── alpha      (Node)   attributes: driver, dev
//	│       └── drivers        (Group)
//	│           └── alpha-drv  (Node)   attributes: devices
//	└── my_attr_demo           (Node)   attributes: value, name
//
// A Node carries an embedded kref.Ref. The count starts at 1 (owned by the
// creator); registration takes one more reference on behalf of the
// namespace it joins and Unregister gives it back. The node's release
// function runs exactly once, when the last reference is dropped, and
// only after every exposed attribute has been detached.
//
// A Group is a Node that also keeps an ordered member list. Names are
// unique among siblings of the same parent and among members of the same
// Group.
//
// # Attributes
//
// Attributes are named read/write endpoints bound to a Node. Each has an
// optional Show callback (read) and an optional Store callback (write):
//
//	n.Expose(model.Attribute{
//	    Name:  "value",
//	    Show:  func(n *model.Node, buf []byte) (int, error) { ... },
//	    Store: func(n *model.Node, data []byte) (int, error) { ... },
//	})
//
// Reads on distinct attributes proceed concurrently; writes to the same
// attribute are serialized. IntAttribute and StringAttribute build the
// common cases with round-tripping text encodings.
//
// # Errors
//
// Structural misuse (ErrDuplicateName, ErrAlreadyRegistered,
// ErrInvalidHandle) is always returned to the caller. Attribute access
// errors (ErrUnknownAttribute, ErrAttributeNotReadable,
// ErrAttributeNotWritable, ErrInvalidValue) affect only the call that
// produced them.
package model
