package inspect

import (
	"testing"

	"github.com/Mugglen/LinuxNote/pkg/bus"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindNode, "node"},
		{KindGroup, "group"},
		{KindBus, "bus"},
		{KindDevice, "device"},
		{KindDriver, "driver"},
		{KindAttribute, "attribute"},
		{Kind(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestParseKind(t *testing.T) {
	for _, name := range []string{"device", "Device", "DRIVER", "bus"} {
		k, ok := ParseKind(name)
		if !ok {
			t.Errorf("ParseKind(%q) failed", name)
			continue
		}
		if k.String() == "unknown" {
			t.Errorf("ParseKind(%q) = %v", name, k)
		}
	}
	if _, ok := ParseKind("endpoint"); ok {
		t.Error("ParseKind(endpoint) should fail")
	}
}

func TestKindOf(t *testing.T) {
	tt := newTestTree(t)

	tests := []struct {
		path string
		want Kind
	}{
		{"my_attr_demo", KindNode},
		{"bus", KindGroup},
		{"bus/my_bus", KindBus},
		{"bus/my_bus/devices", KindGroup},
		{"bus/my_bus/devices/alpha", KindDevice},
		{"bus/my_bus/drivers/alpha_drv", KindDriver},
	}

	for _, tc := range tests {
		n, err := tt.reg.Lookup(tc.path)
		if err != nil {
			t.Fatalf("Lookup(%q): %v", tc.path, err)
		}
		if got := KindOf(n); got != tc.want {
			t.Errorf("KindOf(%q) = %v, want %v", tc.path, got, tc.want)
		}
		_ = n.Put()
	}
}

func TestDetail(t *testing.T) {
	tt := newTestTree(t)

	if got := Detail(tt.dev.Node()); got != "-> alpha_drv" {
		t.Errorf("device detail = %q", got)
	}
	if got := Detail(tt.drv.Node()); got != "<- alpha" {
		t.Errorf("driver detail = %q", got)
	}
	if got := Detail(tt.demo); got != "" {
		t.Errorf("plain node detail = %q, want empty", got)
	}

	idle, err := bus.NewDriver("idle_drv", bus.DriverConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := tt.bus.RegisterDriver(idle); err != nil {
		t.Fatal(err)
	}
	if got := Detail(idle.Node()); got != "no devices" {
		t.Errorf("idle driver detail = %q", got)
	}
	if got := Detail(tt.bus.Node()); got != "1 device, 2 drivers, 1 attached" {
		t.Errorf("bus detail = %q", got)
	}

	if err := tt.bus.Detach(tt.dev); err != nil {
		t.Fatal(err)
	}
	if got := Detail(tt.dev.Node()); got != "unattached" {
		t.Errorf("detached device detail = %q", got)
	}
}
