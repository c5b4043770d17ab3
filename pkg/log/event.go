package log

import (
	"time"
)

// Event represents a lifecycle event captured anywhere in the object model.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// SessionID identifies the registry instance that emitted the event
	// (UUID, new for every startup).
	SessionID string `cbor:"2,keyasint"`

	// Category classifies the event.
	Category Category `cbor:"3,keyasint"`

	// Kind is the specific transition or access.
	Kind Kind `cbor:"4,keyasint"`

	// Path is the slash-separated path of the node involved, if any.
	Path string `cbor:"5,keyasint,omitempty"`

	// Bus, Device and Driver name the bus members involved.
	Bus    string `cbor:"6,keyasint,omitempty"`
	Device string `cbor:"7,keyasint,omitempty"`
	Driver string `cbor:"8,keyasint,omitempty"`

	// RefCount is the node reference count observed after the transition.
	RefCount int32 `cbor:"9,keyasint,omitempty"`

	// Type-specific payload (at most one of these is set).
	Attribute   *AttributeEvent   `cbor:"10,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"11,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"12,keyasint,omitempty"`
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryNode indicates a node lifecycle transition.
	CategoryNode Category = 0
	// CategoryAttribute indicates an attribute binding or access.
	CategoryAttribute Category = 1
	// CategoryBus indicates a bus membership or attachment change.
	CategoryBus Category = 2
	// CategoryError indicates a failure.
	CategoryError Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryNode:
		return "NODE"
	case CategoryAttribute:
		return "ATTRIBUTE"
	case CategoryBus:
		return "BUS"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseCategory returns the category with the given name (case-sensitive,
// as printed by String).
func ParseCategory(s string) (Category, bool) {
	for c := CategoryNode; c <= CategoryError; c++ {
		if c.String() == s {
			return c, true
		}
	}
	return 0, false
}

// Kind identifies what happened.
type Kind uint8

const (
	KindNodeCreated Kind = iota
	KindNodeRegistered
	KindNodeUnregistered
	KindNodeReleased
	KindAttrExposed
	KindAttrRemoved
	KindAttrRead
	KindAttrWrite
	KindAttrRejected
	KindBusRegistered
	KindBusUnregistered
	KindDeviceRegistered
	KindDeviceUnregistered
	KindDriverRegistered
	KindDriverUnregistered
	KindAttached
	KindDetached
	KindProbeFailed
	KindRemoveFailed
)

var kindNames = []string{
	"node_created", "node_registered", "node_unregistered", "node_released",
	"attr_exposed", "attr_removed", "attr_read", "attr_write", "attr_rejected",
	"bus_registered", "bus_unregistered",
	"device_registered", "device_unregistered",
	"driver_registered", "driver_unregistered",
	"attached", "detached", "probe_failed", "remove_failed",
}

// String returns the kind name.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// ParseKind returns the kind with the given name.
func ParseKind(s string) (Kind, bool) {
	for i, name := range kindNames {
		if name == s {
			return Kind(i), true
		}
	}
	return 0, false
}

// AttributeEvent captures an attribute binding or access.
type AttributeEvent struct {
	// Name is the attribute name.
	Name string `cbor:"1,keyasint"`

	// Size is the number of bytes read or consumed.
	Size int `cbor:"2,keyasint,omitempty"`

	// Data is the written payload (may be truncated).
	Data []byte `cbor:"3,keyasint,omitempty"`

	// Truncated indicates if Data was truncated.
	Truncated bool `cbor:"4,keyasint,omitempty"`
}

// MaxAttributeData is the number of payload bytes kept in an AttributeEvent.
const MaxAttributeData = 64

// NewAttributeEvent builds an AttributeEvent, truncating data to
// MaxAttributeData bytes.
func NewAttributeEvent(name string, size int, data []byte) *AttributeEvent {
	ev := &AttributeEvent{Name: name, Size: size}
	if len(data) > MaxAttributeData {
		ev.Data = append([]byte(nil), data[:MaxAttributeData]...)
		ev.Truncated = true
	} else if len(data) > 0 {
		ev.Data = append([]byte(nil), data...)
	}
	return ev
}

// StateChangeEvent captures a lifecycle state transition.
type StateChangeEvent struct {
	// Entity being changed.
	Entity StateEntity `cbor:"1,keyasint"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"3,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	// StateEntityNode indicates a node state change.
	StateEntityNode StateEntity = 0
	// StateEntityDevice indicates a device attachment state change.
	StateEntityDevice StateEntity = 1
	// StateEntityDriver indicates a driver state change.
	StateEntityDriver StateEntity = 2
	// StateEntityBus indicates a bus state change.
	StateEntityBus StateEntity = 3
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityNode:
		return "NODE"
	case StateEntityDevice:
		return "DEVICE"
	case StateEntityDriver:
		return "DRIVER"
	case StateEntityBus:
		return "BUS"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData captures a failure.
type ErrorEventData struct {
	// Message is the error message.
	Message string `cbor:"1,keyasint"`

	// Stage names the step that failed ("bus", "driver", "attribute", ...).
	Stage string `cbor:"2,keyasint,omitempty"`

	// Context describes what operation was being performed.
	Context string `cbor:"3,keyasint,omitempty"`
}
