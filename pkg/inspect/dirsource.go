package inspect

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/Mugglen/LinuxNote/pkg/model"
)

// DirSource inspects an attribute tree presented as a directory, such as
// an attrfs mount. Directories are nodes and regular files are
// attributes.
type DirSource struct {
	root string
}

// NewDirSource creates a DirSource rooted at dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{root: dir}
}

// Root returns the directory the source reads from.
func (d *DirSource) Root() string {
	return d.root
}

func (d *DirSource) abs(path *Path) string {
	return filepath.Join(append([]string{d.root}, path.Segments...)...)
}

// List returns the entries of the directory at path.
func (d *DirSource) List(ctx context.Context, path *Path) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dirents, err := os.ReadDir(d.abs(path))
	if err != nil {
		return nil, d.mapErr(path, err)
	}

	out := make([]Entry, 0, len(dirents))
	for _, de := range dirents {
		info, err := de.Info()
		if err != nil {
			continue
		}
		e := Entry{Name: de.Name(), Mode: info.Mode()}
		if de.IsDir() {
			e.Kind = KindNode
		} else {
			e.Kind = KindAttribute
			e.Access = accessFromMode(info.Mode())
		}
		out = append(out, e)
	}
	return out, nil
}

// Read reads the file at path.
func (d *DirSource) Read(ctx context.Context, path *Path) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if path.IsRoot() {
		return "", fmt.Errorf("%w: %s", ErrNotAttribute, path)
	}
	data, err := os.ReadFile(d.abs(path))
	if err != nil {
		return "", d.mapErr(path, err)
	}
	return string(data), nil
}

// Write writes value to the file at path in a single write call.
func (d *DirSource) Write(ctx context.Context, path *Path, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if path.IsRoot() {
		return fmt.Errorf("%w: %s", ErrNotAttribute, path)
	}
	if !strings.HasSuffix(value, "\n") {
		value += "\n"
	}
	f, err := os.OpenFile(d.abs(path), os.O_WRONLY, 0)
	if err != nil {
		return d.mapErr(path, err)
	}
	if _, err := f.WriteString(value); err != nil {
		_ = f.Close()
		return d.mapErr(path, err)
	}
	// attrfs commits buffered writes on flush, so the store error
	// surfaces here.
	if err := f.Close(); err != nil {
		return d.mapErr(path, err)
	}
	return nil
}

func (d *DirSource) mapErr(path *Path, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %s", ErrNodeNotFound, path)
	case errors.Is(err, syscall.EISDIR):
		return fmt.Errorf("%w: %s", ErrNotAttribute, path)
	}
	return fmt.Errorf("%s: %w", path, err)
}

func accessFromMode(m os.FileMode) (a model.Access) {
	if m&0o444 != 0 {
		a |= model.AccessRead
	}
	if m&0o222 != 0 {
		a |= model.AccessWrite
	}
	return a
}

// Compile-time interface satisfaction check.
var _ Source = (*DirSource)(nil)
