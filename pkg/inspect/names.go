package inspect

import (
	"strconv"
	"strings"

	"github.com/Mugglen/LinuxNote/pkg/bus"
	"github.com/Mugglen/LinuxNote/pkg/model"
)

// Kind classifies a node for display.
type Kind uint8

const (
	KindNode Kind = iota
	KindGroup
	KindBus
	KindDevice
	KindDriver
	KindAttribute
)

var kindNames = map[Kind]string{
	KindNode:      "node",
	KindGroup:     "group",
	KindBus:       "bus",
	KindDevice:    "device",
	KindDriver:    "driver",
	KindAttribute: "attribute",
}

// String returns the kind name.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// ParseKind resolves a kind name (case-insensitive).
func ParseKind(name string) (Kind, bool) {
	lname := strings.ToLower(name)
	for k, v := range kindNames {
		if v == lname {
			return k, true
		}
	}
	return 0, false
}

// KindOf classifies n by the entity that owns it.
func KindOf(n *model.Node) Kind {
	switch n.Owner().(type) {
	case *bus.Bus:
		return KindBus
	case *bus.Device:
		return KindDevice
	case *bus.Driver:
		return KindDriver
	}
	if n.AsGroup() != nil {
		return KindGroup
	}
	return KindNode
}

// Detail returns a short description of n's bus state, or "".
func Detail(n *model.Node) string {
	switch owner := n.Owner().(type) {
	case *bus.Device:
		if drv := owner.Driver(); drv != nil {
			return "-> " + drv.Name()
		}
		return "unattached"
	case *bus.Driver:
		devs := owner.Devices()
		if len(devs) == 0 {
			return "no devices"
		}
		names := make([]string, len(devs))
		for i, d := range devs {
			names[i] = d.Name()
		}
		return "<- " + strings.Join(names, ", ")
	case *bus.Bus:
		s := owner.Stats()
		return strings.Join([]string{
			plural(s.Devices, "device"),
			plural(s.Drivers, "driver"),
			plural(s.Attached, "attached"),
		}, ", ")
	}
	return ""
}

func plural(n int, word string) string {
	s := strconv.Itoa(n) + " " + word
	if n != 1 && word != "attached" {
		s += "s"
	}
	return s
}
