package attrfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mugglen/LinuxNote/pkg/bus"
	"github.com/Mugglen/LinuxNote/pkg/model"
)

func TestToErrno(t *testing.T) {
	tests := []struct {
		err  error
		want syscall.Errno
	}{
		{nil, 0},
		{fmt.Errorf("x: %w", model.ErrUnknownAttribute), syscall.ENOENT},
		{fmt.Errorf("lookup: %w", model.ErrNotRegistered), syscall.ENOENT},
		{model.ErrInvalidHandle, syscall.ENOENT},
		{model.ErrAttributeNotReadable, syscall.EACCES},
		{model.ErrAttributeNotWritable, syscall.EACCES},
		{fmt.Errorf("%w: %w", model.ErrInvalidValue, errors.New("bad")), syscall.EINVAL},
		{io.ErrShortBuffer, syscall.EFBIG},
		{errors.New("other"), syscall.EIO},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, toErrno(tt.err), "%v", tt.err)
	}
}

func TestJoinPath(t *testing.T) {
	assert.Equal(t, "bus", joinPath("", "bus"))
	assert.Equal(t, "bus/my_bus", joinPath("bus", "my_bus"))
}

func TestMountRequiresOptions(t *testing.T) {
	_, err := Mount(Options{Registry: model.NewRegistry(model.RegistryConfig{})})
	assert.Error(t, err)

	_, err = Mount(Options{Mountpoint: t.TempDir()})
	assert.Error(t, err)
}

// fuseAvailable skips the test unless /dev/fuse is accessible.
func fuseAvailable(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("skipping: /dev/fuse not available")
	}
}

type mounted struct {
	dir   string
	value *model.IntValue
	bus   *bus.Bus
	dev   *bus.Device
}

func testMount(t *testing.T) *mounted {
	t.Helper()
	fuseAvailable(t)

	reg := model.NewRegistry(model.RegistryConfig{})
	demo, err := reg.CreateAndRegister("my_attr_demo", nil)
	require.NoError(t, err)
	value := model.NewIntValue(0)
	require.NoError(t, demo.Expose(model.IntAttribute("value", value)))
	require.NoError(t, demo.Expose(model.Attribute{
		Name:  "reset",
		Store: func(_ *model.Node, data []byte) (int, error) { value.Set(0); return len(data), nil },
	}))

	b, err := bus.Register(reg, bus.Config{Name: "my_bus"})
	require.NoError(t, err)
	dev, err := bus.NewDevice("alpha", bus.DeviceConfig{})
	require.NoError(t, err)
	require.NoError(t, b.RegisterDevice(dev))
	drv, err := bus.NewDriver("alpha_drv", bus.DriverConfig{})
	require.NoError(t, err)
	require.NoError(t, b.RegisterDriver(drv))

	dir := filepath.Join(t.TempDir(), "mnt")
	server, err := Mount(Options{Mountpoint: dir, Registry: reg})
	if err != nil {
		t.Skipf("skipping: mount failed: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Unmount(); err != nil {
			t.Errorf("Unmount: %v", err)
		}
	})
	return &mounted{dir: dir, value: value, bus: b, dev: dev}
}

func TestMountListsTree(t *testing.T) {
	m := testMount(t)

	entries, err := os.ReadDir(m.dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"my_attr_demo", "bus"}, names)

	entries, err = os.ReadDir(filepath.Join(m.dir, "bus", "my_bus"))
	require.NoError(t, err)
	names = names[:0]
	for _, e := range entries {
		names = append(names, e.Name())
	}
	// The devices and drivers groups shadow the listing attributes.
	assert.ElementsMatch(t, []string{"devices", "drivers"}, names)

	fi, err := os.Stat(filepath.Join(m.dir, "my_attr_demo", "value"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), fi.Mode().Perm())
	fi, err = os.Stat(filepath.Join(m.dir, "my_attr_demo", "reset"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o200), fi.Mode().Perm())
}

func TestMountReadWrite(t *testing.T) {
	m := testMount(t)
	valuePath := filepath.Join(m.dir, "my_attr_demo", "value")

	data, err := os.ReadFile(valuePath)
	require.NoError(t, err)
	assert.Equal(t, "0\n", string(data))

	require.NoError(t, os.WriteFile(valuePath, []byte("42\n"), 0))
	assert.Equal(t, int64(42), m.value.Get())

	data, err = os.ReadFile(valuePath)
	require.NoError(t, err)
	assert.Equal(t, "42\n", string(data))

	data, err = os.ReadFile(filepath.Join(m.dir, "bus", "my_bus", "devices", "alpha", "driver"))
	require.NoError(t, err)
	assert.Equal(t, "alpha_drv\n", string(data))
}

func TestMountWriteErrors(t *testing.T) {
	m := testMount(t)

	err := os.WriteFile(filepath.Join(m.dir, "my_attr_demo", "value"), []byte("abc"), 0)
	assert.ErrorIs(t, err, syscall.EINVAL)
	assert.Equal(t, int64(0), m.value.Get())

	err = os.WriteFile(filepath.Join(m.dir, "bus", "my_bus", "devices", "alpha", "driver"), []byte("x"), 0)
	assert.ErrorIs(t, err, syscall.EACCES)

	_, err = os.ReadFile(filepath.Join(m.dir, "my_attr_demo", "reset"))
	assert.ErrorIs(t, err, syscall.EACCES)

	_, err = os.ReadFile(filepath.Join(m.dir, "my_attr_demo", "missing"))
	assert.True(t, errors.Is(err, os.ErrNotExist), "%v", err)
}

func TestMountFollowsUnregistration(t *testing.T) {
	m := testMount(t)
	devDir := filepath.Join(m.dir, "bus", "my_bus", "devices", "alpha")

	_, err := os.Stat(devDir)
	require.NoError(t, err)

	require.NoError(t, m.bus.UnregisterDevice(m.dev))

	_, err = os.ReadFile(filepath.Join(devDir, "driver"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist) || strings.Contains(err.Error(), "no such"), "%v", err)
}
