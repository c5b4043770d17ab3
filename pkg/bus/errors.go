package bus

import (
	"errors"
	"fmt"
)

var (
	// ErrProbeFailed matches every *ProbeError.
	ErrProbeFailed = errors.New("probe failed")

	// ErrAlreadyOnBus is returned when registering a device or driver that
	// is already registered on a bus.
	ErrAlreadyOnBus = errors.New("already registered on a bus")

	// ErrNotOnBus is returned when a device or driver is not registered on
	// the bus it is being removed from.
	ErrNotOnBus = errors.New("not registered on this bus")

	// ErrBusClosed is returned by operations on an unregistered bus.
	ErrBusClosed = errors.New("bus unregistered")

	// ErrNotAttached is returned by Detach for an unattached device.
	ErrNotAttached = errors.New("device not attached")
)

// Probe stages.
const (
	StageBus    = "bus"
	StageDriver = "driver"
)

// ProbeError reports a failed bus probe hook or driver probe callback.
// The attach was rolled back before the error was returned.
type ProbeError struct {
	Bus    string
	Device string
	Driver string
	Stage  string
	Err    error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("%s probe of %s/%s by %s failed: %v", e.Stage, e.Bus, e.Device, e.Driver, e.Err)
}

// Unwrap returns the cause reported by the hook.
func (e *ProbeError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrProbeFailed) hold.
func (e *ProbeError) Is(target error) bool {
	return target == ErrProbeFailed
}
