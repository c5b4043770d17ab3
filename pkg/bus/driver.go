package bus

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Mugglen/LinuxNote/pkg/model"
)

// DriverConfig configures a Driver.
type DriverConfig struct {
	// Probe is called when a matching device is attached. A non-nil error
	// rejects the device.
	Probe func(dev *Device) error

	// Remove is called when an attached device is detached. Its error is
	// logged; the detach proceeds regardless.
	Remove func(dev *Device) error

	// IDs lists the device identifiers the driver supports, for ID table
	// matching.
	IDs []string

	// Attributes are exposed on the driver node in addition to the
	// built-in ones.
	Attributes []model.Attribute
}

// Driver is a policy object registered on a Bus. It may serve many
// devices.
type Driver struct {
	node   *model.Node
	probe  func(*Device) error
	remove func(*Device) error
	ids    []string

	bus atomic.Pointer[Bus]

	mu      sync.RWMutex
	devices []*Device
}

// NewDriver creates an unregistered driver.
func NewDriver(name string, cfg DriverConfig) (*Driver, error) {
	drv := &Driver{
		probe:  cfg.Probe,
		remove: cfg.Remove,
		ids:    slices.Clone(cfg.IDs),
	}
	drv.node = model.NewNode(name, nil)
	drv.node.SetOwner(drv)

	attrs := []model.Attribute{
		{
			Name: "devices",
			Show: func(_ *model.Node, buf []byte) (int, error) {
				return model.Emit(buf, "%s", listNames(drv.Devices())), nil
			},
		},
	}
	attrs = append(attrs, cfg.Attributes...)
	if err := drv.node.ExposeGroup(model.AttributeGroup{Name: "driver", Attrs: attrs}); err != nil {
		_ = drv.node.Put()
		return nil, err
	}
	return drv, nil
}

// Name returns the driver name.
func (d *Driver) Name() string { return d.node.Name() }

// Node returns the driver's node.
func (d *Driver) Node() *model.Node { return d.node }

// Bus returns the bus the driver is registered on, or nil.
func (d *Driver) Bus() *Bus { return d.bus.Load() }

// IDs returns the supported device identifiers.
func (d *Driver) IDs() []string { return slices.Clone(d.ids) }

// Devices returns the attached devices in attach order.
func (d *Driver) Devices() []*Device {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.devices)
}

// Put drops the creator reference.
func (d *Driver) Put() error { return d.node.Put() }

// bind records the attachment on both sides at once.
func (d *Driver) bind(dev *Device) {
	d.mu.Lock()
	dev.driver.Store(d)
	d.devices = append(d.devices, dev)
	d.mu.Unlock()
}

func (d *Driver) unbind(dev *Device) {
	d.mu.Lock()
	dev.driver.Store(nil)
	d.devices = slices.DeleteFunc(d.devices, func(x *Device) bool { return x == dev })
	d.mu.Unlock()
}

// DriverOf returns the Driver a node belongs to, or nil.
func DriverOf(n *model.Node) *Driver {
	drv, _ := n.Owner().(*Driver)
	return drv
}

type named interface{ Name() string }

// listNames renders one name per line.
func listNames[T named](items []T) string {
	var sb strings.Builder
	for _, it := range items {
		sb.WriteString(it.Name())
		sb.WriteByte('\n')
	}
	return sb.String()
}
