package model

import (
	"errors"

	"github.com/Mugglen/LinuxNote/pkg/kref"
)

// Structural errors. These indicate a lifecycle contract violation by the
// caller and are never swallowed.
var (
	ErrDuplicateName     = errors.New("duplicate name")
	ErrAlreadyRegistered = errors.New("already registered")
	ErrNotRegistered     = errors.New("not registered")
	ErrInvalidName       = errors.New("invalid name")

	// ErrInvalidHandle is kref.ErrInvalidHandle, so errors.Is matches
	// failures from either package.
	ErrInvalidHandle = kref.ErrInvalidHandle

	// ErrStillRegistered is returned by Node.Put when the only remaining
	// reference is the one held by the node's registration.
	ErrStillRegistered = errors.New("reference held by registration")

	// ErrAllocationFailed is returned when the registry is at capacity.
	ErrAllocationFailed = errors.New("allocation failed")

	// ErrForeignNode is returned when a node created by one registry is
	// handed to another.
	ErrForeignNode = errors.New("node belongs to another registry")
)

// Attribute errors. These are local to a single call.
var (
	ErrDuplicateAttribute   = errors.New("duplicate attribute")
	ErrUnknownAttribute     = errors.New("unknown attribute")
	ErrAttributeNotReadable = errors.New("attribute is not readable")
	ErrAttributeNotWritable = errors.New("attribute is not writable")
	ErrInvalidValue         = errors.New("invalid value")
)
