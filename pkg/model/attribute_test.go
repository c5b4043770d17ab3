package model_test

import (
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mugglen/LinuxNote/pkg/log"
	"github.com/Mugglen/LinuxNote/pkg/model"
)

func demoNode(t *testing.T) (*model.Node, *model.IntValue, *model.StringValue, *log.MemoryLogger) {
	t.Helper()
	reg, events := newRegistry(t)
	n, err := reg.CreateAndRegister("my_attr_demo", nil)
	require.NoError(t, err)

	value := model.NewIntValue(0)
	name := model.NewStringValue("default", 0)
	require.NoError(t, n.ExposeGroup(model.AttributeGroup{
		Name: "demo",
		Attrs: []model.Attribute{
			model.IntAttribute("value", value),
			model.StringAttribute("name", name),
		},
	}))
	return n, value, name, events
}

func read(t *testing.T, n *model.Node, attr string) string {
	t.Helper()
	s, err := n.ReadAttributeString(attr)
	require.NoError(t, err)
	return s
}

func TestReadWriteIntAttribute(t *testing.T) {
	n, value, _, events := demoNode(t)

	assert.Equal(t, "0\n", read(t, n, "value"))

	consumed, err := n.WriteAttribute("value", []byte("42\n"))
	require.NoError(t, err)
	assert.Equal(t, 3, consumed)
	assert.Equal(t, int64(42), value.Get())
	assert.Equal(t, "42\n", read(t, n, "value"))

	_, err = n.WriteAttribute("value", []byte("-7"))
	require.NoError(t, err)
	assert.Equal(t, "-7\n", read(t, n, "value"))

	assert.Equal(t, 2, events.Count(log.KindAttrWrite))
}

func TestWriteInvalidValue(t *testing.T) {
	n, value, _, events := demoNode(t)
	value.Set(5)

	for _, input := range []string{"abc", "", "1.5", "12 ", "\n"} {
		_, err := n.WriteAttribute("value", []byte(input))
		assert.ErrorIs(t, err, model.ErrInvalidValue, "input %q", input)
	}
	assert.Equal(t, int64(5), value.Get(), "rejected writes leave state unchanged")
	assert.Equal(t, 5, events.Count(log.KindAttrRejected))
}

func TestStringAttributeNormalization(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"with newline", "hello\n", "hello"},
		{"without newline", "hello", "hello"},
		{"only one newline stripped", "hi\n\n", "hi\n"},
		{"cut at NUL", "abc\x00def", "abc"},
		{"truncated to limit", strings.Repeat("x", 40), strings.Repeat("x", model.DefaultStringMax)},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, _, name, _ := demoNode(t)
			consumed, err := n.WriteAttribute("name", []byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, len(tt.input), consumed)
			assert.Equal(t, tt.want, name.Get())
			assert.Equal(t, tt.want+"\n", read(t, n, "name"))
		})
	}
}

func TestStringValueTruncatesOnRuneBoundary(t *testing.T) {
	sv := model.NewStringValue("", 4)
	sv.Set("abcé") // é is two bytes; the limit falls inside it
	assert.Equal(t, "abc", sv.Get())
}

func TestWriteReadRoundTrip(t *testing.T) {
	n, value, name, _ := demoNode(t)
	value.Set(-123456)
	name.Set("sensor-0")

	for _, attr := range []string{"value", "name"} {
		t.Run(attr, func(t *testing.T) {
			first := read(t, n, attr)
			_, err := n.WriteAttribute(attr, []byte(first))
			require.NoError(t, err)
			assert.Equal(t, first, read(t, n, attr))
		})
	}
}

func TestUnknownAttribute(t *testing.T) {
	n, _, _, _ := demoNode(t)

	buf := make([]byte, 16)
	_, err := n.ReadAttribute("missing", buf)
	assert.ErrorIs(t, err, model.ErrUnknownAttribute)
	_, err = n.WriteAttribute("missing", []byte("1"))
	assert.ErrorIs(t, err, model.ErrUnknownAttribute)

	require.NoError(t, n.RemoveAttribute("value"))
	_, err = n.ReadAttribute("value", buf)
	assert.ErrorIs(t, err, model.ErrUnknownAttribute)
	assert.ErrorIs(t, n.RemoveAttribute("value"), model.ErrUnknownAttribute)

	// Other attributes are unaffected.
	assert.Equal(t, "default\n", read(t, n, "name"))
}

func TestAccessDirections(t *testing.T) {
	n := model.NewNode("standalone", nil)
	require.NoError(t, n.Expose(model.Attribute{
		Name: "ro",
		Show: func(_ *model.Node, buf []byte) (int, error) { return model.Emit(buf, "ro\n"), nil },
	}))
	require.NoError(t, n.Expose(model.Attribute{
		Name:  "wo",
		Store: func(_ *model.Node, data []byte) (int, error) { return len(data), nil },
	}))

	_, err := n.WriteAttribute("ro", []byte("x"))
	assert.ErrorIs(t, err, model.ErrAttributeNotWritable)
	_, err = n.ReadAttribute("wo", make([]byte, 8))
	assert.ErrorIs(t, err, model.ErrAttributeNotReadable)

	infos := n.Attributes()
	require.Len(t, infos, 2)
	assert.Equal(t, model.AccessRead, infos[0].Access)
	assert.Equal(t, "R", infos[0].Access.String())
	assert.Equal(t, 0o444, int(infos[0].Mode))
	assert.Equal(t, model.AccessWrite, infos[1].Access)
	assert.Equal(t, 0o200, int(infos[1].Mode))
}

func TestExposeDuplicate(t *testing.T) {
	n, _, _, _ := demoNode(t)

	err := n.Expose(model.ReadOnlyAttribute("value", func(*model.Node) string { return "x" }))
	assert.ErrorIs(t, err, model.ErrDuplicateAttribute)
}

func TestExposeGroupAllOrNothing(t *testing.T) {
	n, _, _, _ := demoNode(t)

	err := n.ExposeGroup(model.AttributeGroup{
		Name: "extra",
		Attrs: []model.Attribute{
			model.ReadOnlyAttribute("fresh", func(*model.Node) string { return "x" }),
			model.ReadOnlyAttribute("name", func(*model.Node) string { return "y" }),
		},
	})
	assert.ErrorIs(t, err, model.ErrDuplicateAttribute)
	assert.False(t, n.HasAttribute("fresh"))
}

func TestExposeGroupVisibility(t *testing.T) {
	n := model.NewNode("n", nil)
	require.NoError(t, n.ExposeGroup(model.AttributeGroup{
		Name: "g",
		Attrs: []model.Attribute{
			model.ReadOnlyAttribute("shown", func(*model.Node) string { return "" }),
			model.ReadOnlyAttribute("hidden", func(*model.Node) string { return "" }),
		},
		IsVisible: func(_ *model.Node, a model.Attribute) bool { return a.Name != "hidden" },
	}))
	assert.True(t, n.HasAttribute("shown"))
	assert.False(t, n.HasAttribute("hidden"))

	assert.Equal(t, 1, n.RemoveGroup("g"))
	assert.Empty(t, n.Attributes())
}

func TestShowOverflowIsRejected(t *testing.T) {
	n := model.NewNode("n", nil)
	require.NoError(t, n.Expose(model.Attribute{
		Name: "liar",
		Show: func(_ *model.Node, buf []byte) (int, error) { return len(buf) + 1, nil },
	}))

	_, err := n.ReadAttribute("liar", make([]byte, 4))
	assert.ErrorIs(t, err, io.ErrShortBuffer)
}

func TestEmitTruncates(t *testing.T) {
	buf := make([]byte, 4)
	count := model.Emit(buf, "%d\n", 123456)
	assert.Equal(t, 4, count)
	assert.Equal(t, "1234", string(buf))
}

func TestStoreErrorWrapped(t *testing.T) {
	n := model.NewNode("n", nil)
	cause := errors.New("out of range")
	require.NoError(t, n.Expose(model.Attribute{
		Name:  "limited",
		Store: func(*model.Node, []byte) (int, error) { return 0, cause },
	}))

	_, err := n.WriteAttribute("limited", []byte("9"))
	assert.ErrorIs(t, err, model.ErrInvalidValue)
	assert.ErrorIs(t, err, cause)
}

func TestFinalizerDetachesAttributesFirst(t *testing.T) {
	reg, _ := newRegistry(t)

	var attrsAtRelease int
	n, err := reg.CreateNodeWithRelease("n", nil, func(n *model.Node) {
		attrsAtRelease = len(n.Attributes())
	})
	require.NoError(t, err)
	require.NoError(t, n.Expose(model.IntAttribute("value", model.NewIntValue(1))))

	require.NoError(t, n.Put())
	assert.Equal(t, 0, attrsAtRelease)
	assert.ErrorIs(t, n.Expose(model.IntAttribute("late", model.NewIntValue(1))), model.ErrInvalidHandle)
}

func TestWritesToSameAttributeAreSerialized(t *testing.T) {
	n := model.NewNode("n", nil)

	var inside, overlaps atomic.Int32
	require.NoError(t, n.Expose(model.Attribute{
		Name: "slow",
		Store: func(_ *model.Node, data []byte) (int, error) {
			if inside.Add(1) > 1 {
				overlaps.Add(1)
			}
			defer inside.Add(-1)
			return len(data), nil
		},
	}))

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				_, _ = n.WriteAttribute("slow", []byte("x"))
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, overlaps.Load())
}

func TestConcurrentReadWriteRemove(t *testing.T) {
	n, value, _, _ := demoNode(t)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, model.PageSize)
			for range 200 {
				if i%2 == 0 {
					_, _ = n.WriteAttribute("value", []byte("17\n"))
				} else {
					count, err := n.ReadAttribute("value", buf)
					if err == nil {
						s := string(buf[:count])
						if s != "0\n" && s != "17\n" {
							t.Errorf("torn read %q", s)
						}
					}
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = n.RemoveAttribute("name")
	}()
	wg.Wait()

	assert.Contains(t, []int64{0, 17}, value.Get())
	assert.False(t, n.HasAttribute("name"))
}
