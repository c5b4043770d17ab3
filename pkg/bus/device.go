package bus

import (
	"sync"
	"sync/atomic"

	"github.com/Mugglen/LinuxNote/pkg/devt"
	"github.com/Mugglen/LinuxNote/pkg/model"
)

// DeviceConfig configures a Device.
type DeviceConfig struct {
	// Data is the device's private payload (dev_set_drvdata).
	Data any

	// DevNum, if non-zero, is exposed as the "dev" attribute.
	DevNum devt.Num

	// Release runs once when the last reference to the device is dropped.
	Release func(*Device)

	// Attributes are exposed on the device node in addition to the
	// built-in ones.
	Attributes []model.Attribute
}

// Device is an endpoint registered on a Bus. It attaches to at most one
// Driver at a time.
type Device struct {
	node    *model.Node
	devNum  devt.Num
	release func(*Device)

	bus    atomic.Pointer[Bus]
	driver atomic.Pointer[Driver]

	dataMu sync.RWMutex
	data   any
}

// NewDevice creates an unregistered device. The caller owns the initial
// reference and drops it with Put once the device is no longer needed.
func NewDevice(name string, cfg DeviceConfig) (*Device, error) {
	dev := &Device{
		devNum:  cfg.DevNum,
		release: cfg.Release,
		data:    cfg.Data,
	}
	dev.node = model.NewNode(name, func(*model.Node) {
		if dev.release != nil {
			dev.release(dev)
		}
	})
	dev.node.SetOwner(dev)

	attrs := []model.Attribute{
		model.ReadOnlyAttribute("driver", func(*model.Node) string {
			if drv := dev.Driver(); drv != nil {
				return drv.Name()
			}
			return ""
		}),
	}
	if !cfg.DevNum.IsZero() {
		attrs = append(attrs, devt.Attribute(cfg.DevNum))
	}
	attrs = append(attrs, cfg.Attributes...)
	if err := dev.node.ExposeGroup(model.AttributeGroup{Name: "device", Attrs: attrs}); err != nil {
		_ = dev.node.Put()
		return nil, err
	}
	return dev, nil
}

// Name returns the device name.
func (d *Device) Name() string { return d.node.Name() }

// Node returns the device's node.
func (d *Device) Node() *model.Node { return d.node }

// Bus returns the bus the device is registered on, or nil.
func (d *Device) Bus() *Bus { return d.bus.Load() }

// Driver returns the attached driver, or nil.
func (d *Device) Driver() *Driver { return d.driver.Load() }

// Attached reports whether a driver is attached.
func (d *Device) Attached() bool { return d.driver.Load() != nil }

// DevNum returns the device number, zero if none.
func (d *Device) DevNum() devt.Num { return d.devNum }

// Data returns the private payload.
func (d *Device) Data() any {
	d.dataMu.RLock()
	defer d.dataMu.RUnlock()
	return d.data
}

// SetData replaces the private payload.
func (d *Device) SetData(data any) {
	d.dataMu.Lock()
	d.data = data
	d.dataMu.Unlock()
}

// Get takes a reference on the device.
func (d *Device) Get() error { return d.node.Get() }

// Put drops a reference on the device.
func (d *Device) Put() error { return d.node.Put() }

// State returns "attached", "unattached" or "unregistered".
func (d *Device) State() string {
	switch {
	case d.Bus() == nil:
		return "unregistered"
	case d.Attached():
		return "attached"
	default:
		return "unattached"
	}
}

// DeviceOf returns the Device a node belongs to, or nil.
func DeviceOf(n *model.Node) *Device {
	dev, _ := n.Owner().(*Device)
	return dev
}
