package bus_test

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Mugglen/LinuxNote/pkg/bus"
	"github.com/Mugglen/LinuxNote/pkg/devt"
	"github.com/Mugglen/LinuxNote/pkg/log"
	"github.com/Mugglen/LinuxNote/pkg/model"
)

// hooks records callback invocations.
type hooks struct {
	mock.Mock
	mu    sync.Mutex
	order []string
}

func (h *hooks) record(s string) {
	h.mu.Lock()
	h.order = append(h.order, s)
	h.mu.Unlock()
}

func (h *hooks) calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.order...)
}

func (h *hooks) BusProbe(dev *bus.Device) error {
	h.record("bus-probe:" + dev.Name())
	return h.Called(dev.Name()).Error(0)
}

func (h *hooks) BusRemove(dev *bus.Device) error {
	h.record("bus-remove:" + dev.Name())
	return h.Called(dev.Name()).Error(0)
}

func (h *hooks) driverConfig(name string) bus.DriverConfig {
	return bus.DriverConfig{
		Probe: func(dev *bus.Device) error {
			h.record(name + "-probe:" + dev.Name())
			return h.MethodCalled(name+"-probe", dev.Name()).Error(0)
		},
		Remove: func(dev *bus.Device) error {
			h.record(name + "-remove:" + dev.Name())
			return h.MethodCalled(name+"-remove", dev.Name()).Error(0)
		},
	}
}

// substring mirrors the default policy: the driver name contains the
// device name.
func substring(dev *bus.Device, drv *bus.Driver) bool {
	return strings.Contains(drv.Name(), dev.Name())
}

type fixture struct {
	reg    *model.Registry
	events *log.MemoryLogger
	bus    *bus.Bus
	hooks  *hooks
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	events := log.NewMemoryLogger(0)
	reg := model.NewRegistry(model.RegistryConfig{EventLogger: events})
	h := &hooks{}
	h.On("BusProbe", mock.Anything).Return(nil).Maybe()
	h.On("BusRemove", mock.Anything).Return(nil).Maybe()

	b, err := bus.Register(reg, bus.Config{
		Name:   "my_bus",
		Match:  substring,
		Probe:  h.BusProbe,
		Remove: h.BusRemove,
	})
	require.NoError(t, err)
	return &fixture{reg: reg, events: events, bus: b, hooks: h}
}

func (f *fixture) device(t *testing.T, name string) *bus.Device {
	t.Helper()
	dev, err := bus.NewDevice(name, bus.DeviceConfig{})
	require.NoError(t, err)
	return dev
}

func (f *fixture) driver(t *testing.T, name string) *bus.Driver {
	t.Helper()
	f.hooks.On(name+"-probe", mock.Anything).Return(nil).Maybe()
	f.hooks.On(name+"-remove", mock.Anything).Return(nil).Maybe()
	drv, err := bus.NewDriver(name, f.hooks.driverConfig(name))
	require.NoError(t, err)
	return drv
}

func TestRegisterCreatesHierarchy(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{"bus", "bus/my_bus", "bus/my_bus/devices", "bus/my_bus/drivers"} {
		n, err := f.reg.Lookup(path)
		require.NoError(t, err, path)
		require.NoError(t, n.Put())
	}

	// A second bus shares the "bus" group.
	other, err := bus.Register(f.reg, bus.Config{Name: "platform"})
	require.NoError(t, err)
	assert.Equal(t, "bus/platform", other.Node().Path())

	_, err = bus.Register(f.reg, bus.Config{Name: "platform"})
	assert.ErrorIs(t, err, model.ErrDuplicateName)
}

func TestDeviceThenDriversFirstMatch(t *testing.T) {
	f := newFixture(t)

	d1 := f.device(t, "alpha")
	dr2 := f.driver(t, "other")
	dr1 := f.driver(t, "alpha_driver")

	require.NoError(t, f.bus.RegisterDevice(d1))
	assert.False(t, d1.Attached())
	assert.Equal(t, "unattached", d1.State())

	require.NoError(t, f.bus.RegisterDriver(dr2))
	assert.False(t, d1.Attached(), "other does not match")

	require.NoError(t, f.bus.RegisterDriver(dr1))
	assert.Same(t, dr1, d1.Driver())
	assert.Equal(t, []*bus.Device{d1}, dr1.Devices())
	assert.Empty(t, dr2.Devices())
	assert.Equal(t, []string{"bus-probe:alpha", "alpha_driver-probe:alpha"}, f.hooks.calls())

	require.NoError(t, f.bus.UnregisterDriver(dr1))
	assert.False(t, d1.Attached())
	assert.Nil(t, d1.Driver())
	assert.Equal(t, []string{
		"bus-probe:alpha", "alpha_driver-probe:alpha",
		"alpha_driver-remove:alpha", "bus-remove:alpha",
	}, f.hooks.calls())
	f.hooks.AssertNumberOfCalls(t, "alpha_driver-remove", 1)
	assert.Equal(t, "registered", d1.Node().State().String())
}

func TestDriverThenDeviceAttachesFirstRegistered(t *testing.T) {
	f := newFixture(t)

	first := f.driver(t, "alpha-first")
	second := f.driver(t, "alpha-second")
	require.NoError(t, f.bus.RegisterDriver(first))
	require.NoError(t, f.bus.RegisterDriver(second))

	dev := f.device(t, "alpha")
	require.NoError(t, f.bus.RegisterDevice(dev))
	assert.Same(t, first, dev.Driver())
	f.hooks.AssertNotCalled(t, "alpha-second-probe", "alpha")
}

func TestFirstMatchIsPermanent(t *testing.T) {
	f := newFixture(t)

	dev := f.device(t, "alpha")
	early := f.driver(t, "alpha-early")
	require.NoError(t, f.bus.RegisterDevice(dev))
	require.NoError(t, f.bus.RegisterDriver(early))
	require.Same(t, early, dev.Driver())

	late := f.driver(t, "alpha-late")
	require.NoError(t, f.bus.RegisterDriver(late))
	assert.Same(t, early, dev.Driver())
	assert.Empty(t, late.Devices())
	f.hooks.AssertNotCalled(t, "alpha-late-probe", "alpha")

	// After an explicit detach the device can be re-matched.
	require.NoError(t, f.bus.Detach(dev))
	ok, err := f.bus.Attach(dev)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Same(t, early, dev.Driver())
}

func TestDriverProbeFailureRollsBack(t *testing.T) {
	f := newFixture(t)

	cause := errors.New("no resources")
	f.hooks.On("alpha-bad-probe", "alpha").Return(cause)
	bad, err := bus.NewDriver("alpha-bad", f.hooks.driverConfig("alpha-bad"))
	require.NoError(t, err)
	fallback := f.driver(t, "alpha-fallback")
	require.NoError(t, f.bus.RegisterDriver(bad))
	require.NoError(t, f.bus.RegisterDriver(fallback))

	dev := f.device(t, "alpha")
	err = f.bus.RegisterDevice(dev)
	require.Error(t, err)
	assert.ErrorIs(t, err, bus.ErrProbeFailed)
	assert.ErrorIs(t, err, cause)

	var perr *bus.ProbeError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, bus.StageDriver, perr.Stage)
	assert.Equal(t, "alpha", perr.Device)
	assert.Equal(t, "alpha-bad", perr.Driver)

	assert.False(t, dev.Attached(), "no retry with later drivers")
	assert.Same(t, f.bus, dev.Bus(), "device stays registered")
	assert.Empty(t, bad.Devices())
	assert.Equal(t, []string{"bus-probe:alpha", "alpha-bad-probe:alpha", "bus-remove:alpha"}, f.hooks.calls())
	assert.Equal(t, int64(1), f.bus.Stats().ProbeFailures)
	assert.Equal(t, 1, f.events.Count(log.KindProbeFailed))
}

func TestBusProbeFailureSkipsDriverProbe(t *testing.T) {
	events := log.NewMemoryLogger(0)
	reg := model.NewRegistry(model.RegistryConfig{EventLogger: events})
	cause := errors.New("bus says no")
	b, err := bus.Register(reg, bus.Config{
		Name:  "picky",
		Probe: func(*bus.Device) error { return cause },
	})
	require.NoError(t, err)

	var probed atomic.Bool
	drv, err := bus.NewDriver("any", bus.DriverConfig{
		Probe: func(*bus.Device) error { probed.Store(true); return nil },
	})
	require.NoError(t, err)
	require.NoError(t, b.RegisterDriver(drv))

	dev, err := bus.NewDevice("dev0", bus.DeviceConfig{})
	require.NoError(t, err)
	err = b.RegisterDevice(dev)

	var perr *bus.ProbeError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, bus.StageBus, perr.Stage)
	assert.False(t, probed.Load())
	assert.False(t, dev.Attached())
}

func TestRegisterDriverAggregatesProbeFailures(t *testing.T) {
	f := newFixture(t)

	d1 := f.device(t, "a")
	d2 := f.device(t, "b")
	d3 := f.device(t, "c")
	for _, d := range []*bus.Device{d1, d2, d3} {
		require.NoError(t, f.bus.RegisterDevice(d))
	}

	f.hooks.On("abc-probe", "a").Return(errors.New("a broken"))
	f.hooks.On("abc-probe", "b").Return(nil)
	f.hooks.On("abc-probe", "c").Return(errors.New("c broken"))
	drv, err := bus.NewDriver("abc", f.hooks.driverConfig("abc"))
	require.NoError(t, err)

	err = f.bus.RegisterDriver(drv)
	require.Error(t, err)
	assert.ErrorIs(t, err, bus.ErrProbeFailed)
	assert.Contains(t, err.Error(), "a broken")
	assert.Contains(t, err.Error(), "c broken")

	assert.False(t, d1.Attached())
	assert.Same(t, drv, d2.Driver())
	assert.False(t, d3.Attached())
	assert.Same(t, f.bus, drv.Bus(), "driver stays registered")
}

func TestUnregisterDeviceDetaches(t *testing.T) {
	f := newFixture(t)

	drv := f.driver(t, "alpha_drv")
	require.NoError(t, f.bus.RegisterDriver(drv))

	var released atomic.Int32
	dev, err := bus.NewDevice("alpha", bus.DeviceConfig{Release: func(*bus.Device) { released.Add(1) }})
	require.NoError(t, err)
	require.NoError(t, f.bus.RegisterDevice(dev))
	require.True(t, dev.Attached())

	require.NoError(t, f.bus.UnregisterDevice(dev))
	assert.False(t, dev.Attached())
	assert.Nil(t, dev.Bus())
	assert.Empty(t, drv.Devices())
	assert.Empty(t, f.bus.Devices())
	f.hooks.AssertNumberOfCalls(t, "alpha_drv-remove", 1)
	f.hooks.AssertNumberOfCalls(t, "BusRemove", 1)

	assert.ErrorIs(t, f.bus.UnregisterDevice(dev), bus.ErrNotOnBus)

	assert.Equal(t, int32(0), released.Load())
	require.NoError(t, dev.Put())
	assert.Equal(t, int32(1), released.Load())
}

func TestDeviceCanMoveBetweenRegistrations(t *testing.T) {
	f := newFixture(t)

	dev := f.device(t, "alpha")
	require.NoError(t, f.bus.RegisterDevice(dev))
	assert.ErrorIs(t, f.bus.RegisterDevice(dev), bus.ErrAlreadyOnBus)
	require.NoError(t, f.bus.UnregisterDevice(dev))

	drv := f.driver(t, "alpha_drv")
	require.NoError(t, f.bus.RegisterDriver(drv))
	require.NoError(t, f.bus.RegisterDevice(dev))
	assert.Same(t, drv, dev.Driver())
}

func TestDeviceMovesToAnotherBus(t *testing.T) {
	f := newFixture(t)
	other, err := bus.Register(f.reg, bus.Config{Name: "other_bus", Match: substring})
	require.NoError(t, err)

	dev := f.device(t, "alpha")
	require.NoError(t, f.bus.RegisterDevice(dev))
	require.NoError(t, f.bus.UnregisterDevice(dev))
	require.NoError(t, other.RegisterDevice(dev))

	assert.Same(t, other, dev.Bus())
	assert.Equal(t, "bus/other_bus/devices/alpha", dev.Node().Path())
	n, err := f.reg.Lookup("bus/other_bus/devices/alpha")
	require.NoError(t, err)
	require.NoError(t, n.Put())
	_, err = f.reg.Lookup("bus/my_bus/devices/alpha")
	assert.ErrorIs(t, err, model.ErrNotRegistered)

	// The name is free again on the first bus.
	require.NoError(t, f.bus.RegisterDevice(f.device(t, "alpha")))

	// Moving back works after the second bus is gone.
	require.NoError(t, other.UnregisterDevice(dev))
	require.NoError(t, other.Unregister())
	require.NoError(t, f.bus.UnregisterDevice(f.bus.FindDevice("alpha")))
	require.NoError(t, f.bus.RegisterDevice(dev))
	assert.Equal(t, "bus/my_bus/devices/alpha", dev.Node().Path())
}

func TestNilMatchMatchesEverything(t *testing.T) {
	reg := model.NewRegistry(model.RegistryConfig{})
	b, err := bus.Register(reg, bus.Config{Name: "platform"})
	require.NoError(t, err)

	drv, err := bus.NewDriver("generic", bus.DriverConfig{})
	require.NoError(t, err)
	require.NoError(t, b.RegisterDriver(drv))

	dev, err := bus.NewDevice("whatever", bus.DeviceConfig{})
	require.NoError(t, err)
	require.NoError(t, b.RegisterDevice(dev))
	assert.Same(t, drv, dev.Driver())
}

func TestAttributes(t *testing.T) {
	f := newFixture(t)

	drv := f.driver(t, "alpha_drv")
	require.NoError(t, f.bus.RegisterDriver(drv))
	dev, err := bus.NewDevice("alpha", bus.DeviceConfig{DevNum: devt.New(240, 0), Data: 123})
	require.NoError(t, err)
	require.NoError(t, f.bus.RegisterDevice(dev))

	tests := []struct {
		path string
		attr string
		want string
	}{
		{"bus/my_bus", "devices", "alpha\n"},
		{"bus/my_bus", "drivers", "alpha_drv\n"},
		{"bus/my_bus/devices/alpha", "driver", "alpha_drv\n"},
		{"bus/my_bus/devices/alpha", "dev", "240:0\n"},
		{"bus/my_bus/drivers/alpha_drv", "devices", "alpha\n"},
	}
	for _, tt := range tests {
		t.Run(tt.path+"/"+tt.attr, func(t *testing.T) {
			n, err := f.reg.Lookup(tt.path)
			require.NoError(t, err)
			defer func() { _ = n.Put() }()
			got, err := n.ReadAttributeString(tt.attr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, 123, dev.Data())
	dev.SetData("replaced")
	assert.Equal(t, "replaced", dev.Data())
	assert.Same(t, dev, bus.DeviceOf(dev.Node()))
	assert.Same(t, drv, bus.DriverOf(drv.Node()))
}

func TestBusUnregisterTearsDown(t *testing.T) {
	f := newFixture(t)

	drv := f.driver(t, "alpha_drv")
	dev := f.device(t, "alpha")
	require.NoError(t, f.bus.RegisterDriver(drv))
	require.NoError(t, f.bus.RegisterDevice(dev))

	require.NoError(t, f.bus.Unregister())
	assert.False(t, dev.Attached())
	assert.Nil(t, dev.Bus())
	assert.Nil(t, drv.Bus())
	f.hooks.AssertNumberOfCalls(t, "alpha_drv-remove", 1)

	_, err := f.reg.Lookup("bus/my_bus")
	assert.ErrorIs(t, err, model.ErrNotRegistered)
	assert.ErrorIs(t, f.bus.RegisterDevice(dev), bus.ErrBusClosed)
	assert.ErrorIs(t, f.bus.Unregister(), bus.ErrBusClosed)

	assert.Equal(t, 1, f.events.Count(log.KindBusUnregistered))

	released, err := bus.ReleaseRoot(f.reg)
	require.NoError(t, err)
	assert.True(t, released)
	_, err = f.reg.Lookup("bus")
	assert.ErrorIs(t, err, model.ErrNotRegistered)

	released, err = bus.ReleaseRoot(f.reg)
	require.NoError(t, err)
	assert.False(t, released)
}

func TestReleaseRootKeepsNonEmptyGroup(t *testing.T) {
	f := newFixture(t)

	released, err := bus.ReleaseRoot(f.reg)
	require.NoError(t, err)
	assert.False(t, released)

	n, err := f.reg.Lookup("bus/my_bus")
	require.NoError(t, err)
	require.NoError(t, n.Put())
}

func TestConcurrentDeviceRegistration(t *testing.T) {
	f := newFixture(t)

	drivers := make([]*bus.Driver, 4)
	for i := range drivers {
		drivers[i] = f.driver(t, fmt.Sprintf("drv%d-dev", i))
	}

	const devices = 32
	var wg sync.WaitGroup
	for i := range devices {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dev, err := bus.NewDevice("dev", bus.DeviceConfig{})
			if err != nil {
				t.Error(err)
				return
			}
			// Only one "dev" may be registered at a time; the rest fail
			// with a duplicate name and are dropped.
			if err := f.bus.RegisterDevice(dev); err != nil {
				_ = dev.Put()
			}
		}()
		if i < len(drivers) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = f.bus.RegisterDriver(drivers[i])
			}()
		}
	}
	wg.Wait()

	devs := f.bus.Devices()
	require.Len(t, devs, 1)
	attachedTo := 0
	for _, drv := range drivers {
		for _, d := range drv.Devices() {
			assert.Same(t, drv, d.Driver())
			attachedTo++
		}
	}
	assert.LessOrEqual(t, attachedTo, 1)
	assert.Equal(t, devs[0].Attached(), attachedTo == 1)
}

func TestConcurrentDistinctDevices(t *testing.T) {
	reg := model.NewRegistry(model.RegistryConfig{})
	b, err := bus.Register(reg, bus.Config{Name: "all"})
	require.NoError(t, err)
	shared, err := bus.NewDriver("shared", bus.DriverConfig{})
	require.NoError(t, err)
	require.NoError(t, b.RegisterDriver(shared))

	const n = 64
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dev, err := bus.NewDevice(fmt.Sprintf("d%02d", i), bus.DeviceConfig{})
			if err != nil {
				t.Error(err)
				return
			}
			if err := b.RegisterDevice(dev); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, shared.Devices(), n)
	seen := map[*bus.Device]bool{}
	for _, d := range shared.Devices() {
		assert.False(t, seen[d], "device attached twice")
		seen[d] = true
		assert.Same(t, shared, d.Driver())
	}
	stats := b.Stats()
	assert.Equal(t, n, stats.Devices)
	assert.Equal(t, n, stats.Attached)
	assert.Equal(t, int64(n), stats.Attaches)
}
