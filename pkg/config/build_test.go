package config

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mugglen/LinuxNote/pkg/bus"
	"github.com/Mugglen/LinuxNote/pkg/log"
	"github.com/Mugglen/LinuxNote/pkg/model"
)

func newRegistry(maxNodes int) (*model.Registry, *log.MemoryLogger) {
	events := log.NewMemoryLogger(0)
	return model.NewRegistry(model.RegistryConfig{MaxNodes: maxNodes, EventLogger: events}), events
}

func read(t *testing.T, reg *model.Registry, path, attr string) string {
	t.Helper()
	n, err := reg.Lookup(path)
	require.NoError(t, err, path)
	defer func() { _ = n.Put() }()
	s, err := n.ReadAttributeString(attr)
	require.NoError(t, err, path+"/"+attr)
	return s
}

func mustParse(t *testing.T, yaml string) *Config {
	t.Helper()
	cfg, err := Parse([]byte(yaml))
	require.NoError(t, err)
	return cfg
}

func TestBuildDemo(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "demo.yaml"))
	require.NoError(t, err)
	reg, _ := newRegistry(0)

	var seen []string
	sys, err := Build(context.Background(), reg, cfg, Options{
		OnBus: func(b *bus.Bus) { seen = append(seen, b.Name()) },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"my_bus", "i2c"}, seen)
	assert.Equal(t, 16, reg.Stats().Registered)

	assert.Equal(t, "0\n", read(t, reg, "my_attr_demo", "value"))
	assert.Equal(t, "demo\n", read(t, reg, "my_attr_demo", "label"))
	assert.Equal(t, "7\n", read(t, reg, "my_kset/member_b", "value"))
	assert.Equal(t, 2, sys.Group("my_kset").Len())

	// The name policy skips Dr2 and attaches D1 to D1_Dr1.
	assert.Equal(t, "D1_Dr1\n", read(t, reg, "bus/my_bus/devices/D1", "driver"))
	assert.Equal(t, "254:0\n", read(t, reg, "bus/my_bus/devices/D1", "dev"))
	assert.Empty(t, read(t, reg, "bus/my_bus/drivers/Dr2", "devices"))

	// The id-table policy matches on the configured ID.
	assert.Equal(t, "tmp102_drv\n", read(t, reg, "bus/i2c/devices/0-0048", "driver"))
	dev := sys.Bus("i2c").FindDevice("0-0048")
	require.NotNil(t, dev)
	payload, ok := dev.Data().(DevicePayload)
	require.True(t, ok)
	assert.Equal(t, "tmp102", payload.MatchID())
	assert.Equal(t, "ti", payload["vendor"])

	n, err := reg.Lookup("my_attr_demo")
	require.NoError(t, err)
	_, err = n.WriteAttribute("version", []byte("2.0\n"))
	assert.ErrorIs(t, err, model.ErrAttributeNotWritable)
	require.NoError(t, n.Put())

	require.Len(t, sys.Allocator().Regions(), 1)

	require.NoError(t, sys.Shutdown())
	st := reg.Stats()
	assert.Equal(t, 0, st.Registered)
	assert.Equal(t, int64(0), st.Live)
	assert.Empty(t, reg.Top())
	assert.Empty(t, sys.Allocator().Regions())

	// Shutdown is idempotent.
	assert.NoError(t, sys.Shutdown())
}

func TestBuildProbeFailureContinues(t *testing.T) {
	cfg := mustParse(t, `
buses:
  - {name: b, match: all, fail_probe: [bad]}
devices:
  - {bus: b, name: bad}
  - {bus: b, name: good}
drivers:
  - {bus: b, name: picky, probe: fail}
  - {bus: b, name: easy}
`)
	reg, events := newRegistry(0)

	sys, err := Build(context.Background(), reg, cfg, Options{})
	require.NoError(t, err)
	defer func() { assert.NoError(t, sys.Shutdown()) }()

	b := sys.Bus("b")
	// picky fails both; easy then claims good, and bad fails at the bus
	// hook.
	assert.False(t, b.FindDevice("bad").Attached())
	require.True(t, b.FindDevice("good").Attached())
	assert.Equal(t, "easy", b.FindDevice("good").Driver().Name())
	assert.Equal(t, 3, events.Count(log.KindProbeFailed))
}

func TestBuildAllocationFailureKeepsCommitted(t *testing.T) {
	cfg := mustParse(t, `
nodes:
  - {name: a}
  - {name: b}
  - {name: c}
  - {name: d}
`)
	reg, _ := newRegistry(3)

	sys, err := Build(context.Background(), reg, cfg, Options{})
	require.ErrorIs(t, err, model.ErrAllocationFailed)
	require.NotNil(t, sys)
	assert.Equal(t, 3, reg.Stats().Registered)

	_, err = reg.Lookup("d")
	assert.ErrorIs(t, err, model.ErrNotRegistered)

	require.NoError(t, sys.Shutdown())
	assert.Equal(t, 0, reg.Stats().Registered)
}

func TestBuildRegionExhaustion(t *testing.T) {
	cfg := mustParse(t, `
regions: [{name: r, major: 240, count: 1}]
buses: [{name: b}]
devices:
  - {bus: b, name: first, region: r}
  - {bus: b, name: second, region: r}
`)
	reg, _ := newRegistry(0)

	sys, err := Build(context.Background(), reg, cfg, Options{})
	require.ErrorIs(t, err, model.ErrAllocationFailed)
	require.NotNil(t, sys)
	assert.Equal(t, "240:0\n", read(t, reg, "bus/b/devices/first", "dev"))
	assert.Nil(t, sys.Bus("b").FindDevice("second"))
	require.NoError(t, sys.Shutdown())
}

func TestBuildStructuralErrorTearsDown(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want error
	}{
		{
			name: "duplicate sibling",
			yaml: "groups: [{name: g}]\nnodes: [{name: n}, {name: n}]",
			want: model.ErrDuplicateName,
		},
		{
			name: "missing parent",
			yaml: "groups: [{name: g}]\nnodes: [{name: n, parent: nowhere}]",
			want: model.ErrNotRegistered,
		},
		{
			name: "duplicate device",
			yaml: "buses: [{name: b}]\ndevices: [{bus: b, name: d}, {bus: b, name: d}]",
			want: model.ErrDuplicateName,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, _ := newRegistry(0)
			sys, err := Build(context.Background(), reg, mustParse(t, tt.yaml), Options{})
			require.ErrorIs(t, err, tt.want)
			assert.Nil(t, sys)
			assert.Equal(t, 0, reg.Stats().Registered)
			assert.Empty(t, reg.Top())
		})
	}
}

func TestBuildExprPolicy(t *testing.T) {
	cfg := mustParse(t, `
buses:
  - name: spi
    match: expr
    expr: 'device.data.vendor == "ti" && device.id in driver.ids'
devices:
  - {bus: spi, name: s0, id: ads1118, data: {vendor: ti}}
  - {bus: spi, name: s1, id: ads1118, data: {vendor: other}}
drivers:
  - {bus: spi, name: adc, ids: [ads1118]}
`)
	reg, _ := newRegistry(0)

	sys, err := Build(context.Background(), reg, cfg, Options{})
	require.NoError(t, err)
	defer func() { assert.NoError(t, sys.Shutdown()) }()

	b := sys.Bus("spi")
	assert.True(t, b.FindDevice("s0").Attached())
	assert.False(t, b.FindDevice("s1").Attached())
}

func TestBuildCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	reg, _ := newRegistry(0)

	sys, err := Build(ctx, reg, mustParse(t, "nodes: [{name: n}]"), Options{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, sys)
	assert.Equal(t, 0, reg.Stats().Registered)
}
