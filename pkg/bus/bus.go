// Package bus pairs devices with drivers.
//
// A Bus keeps two ordered collections, devices and drivers, and a match
// predicate. Registering a device scans the drivers in registration order
// and attaches the first one that matches; registering a driver scans the
// unattached devices and attaches every one that matches. A device stays
// with its driver until it is explicitly detached: a better driver
// registered later does not take it over.
//
// Attaching runs the bus probe hook and then the driver's probe callback.
// If either fails, the attach is rolled back and a *ProbeError is
// returned. Detaching runs the driver's remove callback and then the bus
// remove hook.
//
// One mutex per bus is held across the whole scan and attach sequence.
// Callbacks, hooks and device release functions run with that mutex held
// and must not call back into the same bus.
package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/Mugglen/LinuxNote/pkg/log"
	"github.com/Mugglen/LinuxNote/pkg/model"
)

// MatchFunc decides whether drv can drive dev.
type MatchFunc func(dev *Device, drv *Driver) bool

// Config configures a Bus.
type Config struct {
	// Name is the bus name. The bus appears at "bus/<Name>".
	Name string

	// Match selects drivers for devices. Nil matches every driver.
	Match MatchFunc

	// Probe runs before the driver's probe callback. A non-nil error
	// prevents the attach.
	Probe func(dev *Device) error

	// Remove runs after the driver's remove callback on detach, and as
	// compensation when the driver's probe fails.
	Remove func(dev *Device) error

	// Attributes are exposed on the bus node.
	Attributes []model.Attribute

	// Logger receives operational messages. Defaults to the registry's.
	Logger *slog.Logger
}

// Bus is a registry of devices and drivers with a match policy.
type Bus struct {
	name   string
	reg    *model.Registry
	logger *slog.Logger

	match  MatchFunc
	probe  func(*Device) error
	remove func(*Device) error

	group   *model.Group
	devices *model.Group
	drivers *model.Group

	// mu is held across scan and attach.
	mu     sync.Mutex
	closed bool

	// listMu guards the collections for readers that must not wait
	// for a probe in progress. Writers hold mu as well.
	listMu     sync.RWMutex
	devList    []*Device
	driverList []*Driver

	attaches      atomic.Int64
	detaches      atomic.Int64
	probeFailures atomic.Int64
}

// Register creates a bus under the registry's "bus" group, creating the
// group on first use.
func Register(reg *model.Registry, cfg Config) (*Bus, error) {
	root, err := rootGroup(reg)
	if err != nil {
		return nil, fmt.Errorf("bus %q: %w", cfg.Name, err)
	}

	b := &Bus{
		name:   cfg.Name,
		reg:    reg,
		logger: cfg.Logger,
		match:  cfg.Match,
		probe:  cfg.Probe,
		remove: cfg.Remove,
	}
	if b.logger == nil {
		b.logger = reg.Logger()
	}
	b.logger = b.logger.With("bus", cfg.Name)

	b.group = model.NewGroup(cfg.Name)
	b.group.Node().SetOwner(b)
	attrs := []model.Attribute{
		b.listAttribute("devices", func() string { return listNames(b.Devices()) }),
		b.listAttribute("drivers", func() string { return listNames(b.Drivers()) }),
	}
	attrs = append(attrs, cfg.Attributes...)
	if err := b.group.Node().ExposeGroup(model.AttributeGroup{Name: "bus", Attrs: attrs}); err != nil {
		_ = b.group.Node().Put()
		return nil, fmt.Errorf("bus %q: %w", cfg.Name, err)
	}
	if err := reg.Register(b.group.Node(), root); err != nil {
		_ = b.group.Node().Put()
		return nil, fmt.Errorf("bus %q: %w", cfg.Name, err)
	}

	if b.devices, err = reg.CreateGroup("devices", b.group.Node()); err != nil {
		_ = b.group.Unregister()
		return nil, fmt.Errorf("bus %q: %w", cfg.Name, err)
	}
	if b.drivers, err = reg.CreateGroup("drivers", b.group.Node()); err != nil {
		_ = b.devices.Unregister()
		_ = b.group.Unregister()
		return nil, fmt.Errorf("bus %q: %w", cfg.Name, err)
	}

	b.logger.Info("bus registered")
	b.emit(log.KindBusRegistered, nil, nil, nil)
	return b, nil
}

// rootGroup returns the shared "bus" group, creating it if needed.
func rootGroup(reg *model.Registry) (*model.Group, error) {
	for range 2 {
		n, err := reg.Lookup("bus")
		if err == nil {
			g := n.AsGroup()
			_ = n.Put()
			if g == nil {
				return nil, fmt.Errorf("%q is not a group: %w", "bus", model.ErrDuplicateName)
			}
			return g, nil
		}
		if !errors.Is(err, model.ErrNotRegistered) {
			return nil, err
		}

		g, err := reg.CreateGroup("bus", nil)
		if err == nil {
			return g, nil
		}
		if !errors.Is(err, model.ErrDuplicateName) {
			return nil, err
		}
		// Lost a creation race; look it up again.
	}
	return nil, fmt.Errorf("bus group: %w", model.ErrDuplicateName)
}

// ReleaseRoot unregisters the shared "bus" group if no bus is left in it
// and reports whether it did. It must not race with Register.
func ReleaseRoot(reg *model.Registry) (bool, error) {
	n, err := reg.Lookup("bus")
	if errors.Is(err, model.ErrNotRegistered) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	g := n.AsGroup()
	_ = n.Put()
	if g == nil || g.Len() > 0 {
		return false, nil
	}
	if err := g.Unregister(); err != nil {
		return false, fmt.Errorf("bus group: %w", err)
	}
	return true, nil
}

func (b *Bus) listAttribute(name string, fn func() string) model.Attribute {
	return model.Attribute{
		Name: name,
		Show: func(_ *model.Node, buf []byte) (int, error) {
			return model.Emit(buf, "%s", fn()), nil
		},
	}
}

// Name returns the bus name.
func (b *Bus) Name() string { return b.name }

// Node returns the bus node.
func (b *Bus) Node() *model.Node { return b.group.Node() }

// Registry returns the registry the bus lives in.
func (b *Bus) Registry() *model.Registry { return b.reg }

// Devices returns the registered devices in registration order.
func (b *Bus) Devices() []*Device {
	b.listMu.RLock()
	defer b.listMu.RUnlock()
	return slices.Clone(b.devList)
}

// Drivers returns the registered drivers in registration order.
func (b *Bus) Drivers() []*Driver {
	b.listMu.RLock()
	defer b.listMu.RUnlock()
	return slices.Clone(b.driverList)
}

// FindDevice returns the registered device with the given name, or nil.
func (b *Bus) FindDevice(name string) *Device {
	b.listMu.RLock()
	defer b.listMu.RUnlock()
	for _, d := range b.devList {
		if d.Name() == name {
			return d
		}
	}
	return nil
}

// FindDriver returns the registered driver with the given name, or nil.
func (b *Bus) FindDriver(name string) *Driver {
	b.listMu.RLock()
	defer b.listMu.RUnlock()
	for _, d := range b.driverList {
		if d.Name() == name {
			return d
		}
	}
	return nil
}

// Stats is a snapshot of bus counters.
type Stats struct {
	Devices       int
	Attached      int
	Drivers       int
	Attaches      int64
	Detaches      int64
	ProbeFailures int64
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	b.listMu.RLock()
	s := Stats{Devices: len(b.devList), Drivers: len(b.driverList)}
	for _, d := range b.devList {
		if d.Attached() {
			s.Attached++
		}
	}
	b.listMu.RUnlock()

	s.Attaches = b.attaches.Load()
	s.Detaches = b.detaches.Load()
	s.ProbeFailures = b.probeFailures.Load()
	return s
}

// RegisterDevice registers dev under "bus/<name>/devices" and attaches it
// to the first matching driver. If that driver's probe fails, dev stays
// registered and unattached and the *ProbeError is returned; later drivers
// are not tried.
func (b *Bus) RegisterDevice(dev *Device) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("register device %q: %w", dev.Name(), ErrBusClosed)
	}
	if dev.Bus() != nil {
		return fmt.Errorf("register device %q: %w", dev.Name(), ErrAlreadyOnBus)
	}
	// The bus holds its own reference so that unregistering under mu can
	// never finalize the node.
	if err := dev.node.Get(); err != nil {
		return fmt.Errorf("register device %q: %w", dev.Name(), err)
	}
	if err := b.reg.Register(dev.node, b.devices); err != nil {
		_ = dev.node.Put()
		return fmt.Errorf("register device %q: %w", dev.Name(), err)
	}

	dev.bus.Store(b)
	b.listMu.Lock()
	b.devList = append(b.devList, dev)
	b.listMu.Unlock()

	b.logger.Debug("device registered", "device", dev.Name())
	b.emit(log.KindDeviceRegistered, dev, nil, nil)

	_, err := b.attachLocked(dev)
	return err
}

// RegisterDriver registers drv under "bus/<name>/drivers" and attaches it
// to every unattached device it matches. Probe failures do not stop the
// scan; they are combined into the returned error and the driver stays
// registered.
func (b *Bus) RegisterDriver(drv *Driver) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("register driver %q: %w", drv.Name(), ErrBusClosed)
	}
	if drv.Bus() != nil {
		return fmt.Errorf("register driver %q: %w", drv.Name(), ErrAlreadyOnBus)
	}
	if err := drv.node.Get(); err != nil {
		return fmt.Errorf("register driver %q: %w", drv.Name(), err)
	}
	if err := b.reg.Register(drv.node, b.drivers); err != nil {
		_ = drv.node.Put()
		return fmt.Errorf("register driver %q: %w", drv.Name(), err)
	}

	drv.bus.Store(b)
	b.listMu.Lock()
	b.driverList = append(b.driverList, drv)
	devices := slices.Clone(b.devList)
	b.listMu.Unlock()

	b.logger.Debug("driver registered", "driver", drv.Name())
	b.emit(log.KindDriverRegistered, nil, drv, nil)

	var errs error
	for _, dev := range devices {
		if dev.Attached() || !b.matches(dev, drv) {
			continue
		}
		errs = multierr.Append(errs, b.probeLocked(dev, drv))
	}
	return errs
}

// UnregisterDevice detaches dev if attached and removes it from the bus.
func (b *Bus) UnregisterDevice(dev *Device) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unregisterDeviceLocked(dev)
}

func (b *Bus) unregisterDeviceLocked(dev *Device) error {
	if dev.Bus() != b {
		return fmt.Errorf("unregister device %q: %w", dev.Name(), ErrNotOnBus)
	}
	if drv := dev.Driver(); drv != nil {
		b.detachLocked(dev, drv, "device unregistered")
	}

	b.listMu.Lock()
	b.devList = slices.DeleteFunc(b.devList, func(x *Device) bool { return x == dev })
	b.listMu.Unlock()
	dev.bus.Store(nil)

	err := b.reg.Unregister(dev.node)
	b.logger.Debug("device unregistered", "device", dev.Name())
	b.emit(log.KindDeviceUnregistered, dev, nil, nil)

	// Finalizes here if the creator already dropped its reference.
	_ = dev.node.Put()
	return err
}

// UnregisterDriver detaches every device attached to drv and removes it
// from the bus.
func (b *Bus) UnregisterDriver(drv *Driver) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unregisterDriverLocked(drv)
}

func (b *Bus) unregisterDriverLocked(drv *Driver) error {
	if drv.Bus() != b {
		return fmt.Errorf("unregister driver %q: %w", drv.Name(), ErrNotOnBus)
	}
	for _, dev := range drv.Devices() {
		b.detachLocked(dev, drv, "driver unregistered")
	}

	b.listMu.Lock()
	b.driverList = slices.DeleteFunc(b.driverList, func(x *Driver) bool { return x == drv })
	b.listMu.Unlock()
	drv.bus.Store(nil)

	err := b.reg.Unregister(drv.node)
	b.logger.Debug("driver unregistered", "driver", drv.Name())
	b.emit(log.KindDriverUnregistered, nil, drv, nil)
	_ = drv.node.Put()
	return err
}

// Attach scans the drivers for an unattached device again, the
// equivalent of device_attach. It reports whether dev ended up attached.
func (b *Bus) Attach(dev *Device) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if dev.Bus() != b {
		return false, fmt.Errorf("attach %q: %w", dev.Name(), ErrNotOnBus)
	}
	if dev.Attached() {
		return true, nil
	}
	return b.attachLocked(dev)
}

// Detach releases dev from its driver, the equivalent of
// device_release_driver. The device stays registered.
func (b *Bus) Detach(dev *Device) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if dev.Bus() != b {
		return fmt.Errorf("detach %q: %w", dev.Name(), ErrNotOnBus)
	}
	drv := dev.Driver()
	if drv == nil {
		return fmt.Errorf("detach %q: %w", dev.Name(), ErrNotAttached)
	}
	b.detachLocked(dev, drv, "detached")
	return nil
}

// Unregister removes every driver (newest first), then every device
// (newest first), then the bus node itself.
func (b *Bus) Unregister() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	b.closed = true

	var errs error
	drivers := b.Drivers()
	for i := len(drivers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, b.unregisterDriverLocked(drivers[i]))
	}
	devices := b.Devices()
	for i := len(devices) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, b.unregisterDeviceLocked(devices[i]))
	}
	b.mu.Unlock()

	errs = multierr.Append(errs, b.drivers.Unregister())
	errs = multierr.Append(errs, b.devices.Unregister())
	errs = multierr.Append(errs, b.group.Unregister())

	b.logger.Info("bus unregistered")
	b.emit(log.KindBusUnregistered, nil, nil, nil)
	return errs
}

func (b *Bus) matches(dev *Device, drv *Driver) bool {
	if b.match == nil {
		return true
	}
	return b.match(dev, drv)
}

// attachLocked attaches dev to the first matching driver. Caller holds mu.
func (b *Bus) attachLocked(dev *Device) (bool, error) {
	b.listMu.RLock()
	drivers := slices.Clone(b.driverList)
	b.listMu.RUnlock()

	for _, drv := range drivers {
		if !b.matches(dev, drv) {
			continue
		}
		if err := b.probeLocked(dev, drv); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// probeLocked runs the bus hook and the driver probe and binds on
// success. Caller holds mu.
func (b *Bus) probeLocked(dev *Device, drv *Driver) error {
	if b.probe != nil {
		if err := b.probe(dev); err != nil {
			return b.probeFailed(dev, drv, StageBus, err)
		}
	}
	if drv.probe != nil {
		if err := drv.probe(dev); err != nil {
			if b.remove != nil {
				if rerr := b.remove(dev); rerr != nil {
					b.logger.Warn("bus remove failed during rollback", "device", dev.Name(), "error", rerr)
				}
			}
			return b.probeFailed(dev, drv, StageDriver, err)
		}
	}

	drv.bind(dev)
	b.attaches.Add(1)
	b.logger.Debug("device attached", "device", dev.Name(), "driver", drv.Name())
	b.emit(log.KindAttached, dev, drv, &log.StateChangeEvent{
		Entity:   log.StateEntityDevice,
		OldState: "unattached",
		NewState: "attached",
	})
	return nil
}

func (b *Bus) probeFailed(dev *Device, drv *Driver, stage string, err error) error {
	b.probeFailures.Add(1)
	perr := &ProbeError{Bus: b.name, Device: dev.Name(), Driver: drv.Name(), Stage: stage, Err: err}
	b.logger.Warn("probe failed", "device", dev.Name(), "driver", drv.Name(), "stage", stage, "error", err)
	b.reg.Emit(log.Event{
		Category: log.CategoryError,
		Kind:     log.KindProbeFailed,
		Path:     dev.node.Path(),
		Bus:      b.name,
		Device:   dev.Name(),
		Driver:   drv.Name(),
		Error: &log.ErrorEventData{
			Message: err.Error(),
			Stage:   stage,
			Context: "probe",
		},
	})
	return perr
}

// detachLocked runs the driver remove callback, then the bus remove hook,
// then clears both back-references. Caller holds mu.
func (b *Bus) detachLocked(dev *Device, drv *Driver, reason string) {
	if drv.remove != nil {
		if err := drv.remove(dev); err != nil {
			b.removeFailed(dev, drv, StageDriver, err)
		}
	}
	if b.remove != nil {
		if err := b.remove(dev); err != nil {
			b.removeFailed(dev, drv, StageBus, err)
		}
	}

	drv.unbind(dev)
	b.detaches.Add(1)
	b.logger.Debug("device detached", "device", dev.Name(), "driver", drv.Name(), "reason", reason)
	b.emit(log.KindDetached, dev, drv, &log.StateChangeEvent{
		Entity:   log.StateEntityDevice,
		OldState: "attached",
		NewState: "unattached",
		Reason:   reason,
	})
}

func (b *Bus) removeFailed(dev *Device, drv *Driver, stage string, err error) {
	b.logger.Warn("remove failed", "device", dev.Name(), "driver", drv.Name(), "stage", stage, "error", err)
	b.reg.Emit(log.Event{
		Category: log.CategoryError,
		Kind:     log.KindRemoveFailed,
		Bus:      b.name,
		Device:   dev.Name(),
		Driver:   drv.Name(),
		Error: &log.ErrorEventData{
			Message: err.Error(),
			Stage:   stage,
			Context: "remove",
		},
	})
}

func (b *Bus) emit(kind log.Kind, dev *Device, drv *Driver, sc *log.StateChangeEvent) {
	ev := log.Event{
		Category:    log.CategoryBus,
		Kind:        kind,
		Bus:         b.name,
		StateChange: sc,
	}
	switch {
	case dev != nil:
		ev.Device = dev.Name()
		ev.Path = dev.node.Path()
	case drv != nil:
		ev.Path = drv.node.Path()
	default:
		ev.Path = b.group.Node().Path()
	}
	if drv != nil {
		ev.Driver = drv.Name()
	}
	b.reg.Emit(ev)
}
