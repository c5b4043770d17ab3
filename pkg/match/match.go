// Package match provides match predicates for buses.
package match

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/Mugglen/LinuxNote/pkg/bus"
)

// ErrUnknownPolicy is returned by Policy for an unrecognized name.
var ErrUnknownPolicy = errors.New("unknown match policy")

// Substring matches when the driver name contains the device name.
func Substring(dev *bus.Device, drv *bus.Driver) bool {
	return strings.Contains(drv.Name(), dev.Name())
}

// Exact matches when the driver and device names are equal.
func Exact(dev *bus.Device, drv *bus.Driver) bool {
	return drv.Name() == dev.Name()
}

// Identifier is implemented by device payloads that carry an ID distinct
// from the device name.
type Identifier interface {
	MatchID() string
}

// DeviceID returns the identifier IDTable compares: the payload's
// non-empty MatchID if it has one, otherwise the device name.
func DeviceID(dev *bus.Device) string {
	if id, ok := dev.Data().(Identifier); ok {
		if s := id.MatchID(); s != "" {
			return s
		}
	}
	return dev.Name()
}

// IDTable matches when the device ID appears in the driver's ID list.
func IDTable(dev *bus.Device, drv *bus.Driver) bool {
	return slices.Contains(drv.IDs(), DeviceID(dev))
}

// Any matches when at least one of fns matches.
func Any(fns ...bus.MatchFunc) bus.MatchFunc {
	return func(dev *bus.Device, drv *bus.Driver) bool {
		for _, fn := range fns {
			if fn(dev, drv) {
				return true
			}
		}
		return false
	}
}

// All matches when every fn matches.
func All(fns ...bus.MatchFunc) bus.MatchFunc {
	return func(dev *bus.Device, drv *bus.Driver) bool {
		for _, fn := range fns {
			if !fn(dev, drv) {
				return false
			}
		}
		return true
	}
}

// Policy returns the predicate named by policy: "substring", "exact",
// "id-table", "all" (every driver), or "expr" with source.
func Policy(policy, source string) (bus.MatchFunc, error) {
	switch policy {
	case "", "substring":
		return Substring, nil
	case "exact":
		return Exact, nil
	case "id-table":
		return IDTable, nil
	case "all":
		return nil, nil
	case "expr":
		m, err := Expr(source)
		if err != nil {
			return nil, err
		}
		return m.Match, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, policy)
	}
}
