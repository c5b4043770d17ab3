package inspect

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mugglen/LinuxNote/pkg/model"
)

// newDirTree lays out a directory the way attrfs presents a registry.
func newDirTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	demo := filepath.Join(root, "my_attr_demo")
	require.NoError(t, os.MkdirAll(demo, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(demo, "value"), []byte("0\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(demo, "dev"), []byte("240:0\n"), 0o444))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "bus", "my_bus"), 0o755))
	return root
}

func TestDirSourceList(t *testing.T) {
	src := NewDirSource(newDirTree(t))
	ctx := context.Background()

	entries, err := src.List(ctx, mustPath(t, "/"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// os.ReadDir sorts by name.
	assert.Equal(t, "bus", entries[0].Name)
	assert.True(t, entries[0].IsDir())

	entries, err = src.List(ctx, mustPath(t, "my_attr_demo"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "dev", entries[0].Name)
	assert.Equal(t, KindAttribute, entries[0].Kind)
	assert.Equal(t, model.AccessRead, entries[0].Access)
	assert.Equal(t, model.AccessReadWrite, entries[1].Access)

	_, err = src.List(ctx, mustPath(t, "missing"))
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestDirSourceReadWrite(t *testing.T) {
	root := newDirTree(t)
	src := NewDirSource(root)
	ctx := context.Background()

	got, err := src.Read(ctx, mustPath(t, "my_attr_demo/value"))
	require.NoError(t, err)
	assert.Equal(t, "0\n", got)

	require.NoError(t, src.Write(ctx, mustPath(t, "my_attr_demo/value"), "7"))
	got, err = src.Read(ctx, mustPath(t, "my_attr_demo/value"))
	require.NoError(t, err)
	assert.Equal(t, "7\n", got)

	_, err = src.Read(ctx, mustPath(t, "my_attr_demo/nope"))
	assert.ErrorIs(t, err, ErrNodeNotFound)

	_, err = src.Read(ctx, mustPath(t, "/"))
	assert.ErrorIs(t, err, ErrNotAttribute)

	_, err = src.Read(ctx, mustPath(t, "bus"))
	assert.ErrorIs(t, err, ErrNotAttribute)

	assert.Equal(t, root, src.Root())
}

func TestDirSourceCanceledContext(t *testing.T) {
	src := NewDirSource(newDirTree(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := src.List(ctx, mustPath(t, "/"))
	assert.ErrorIs(t, err, context.Canceled)
	_, err = src.Read(ctx, mustPath(t, "my_attr_demo/value"))
	assert.ErrorIs(t, err, context.Canceled)
	err = src.Write(ctx, mustPath(t, "my_attr_demo/value"), "1")
	assert.ErrorIs(t, err, context.Canceled)
}
