package attrfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/Mugglen/LinuxNote/pkg/model"
)

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is the directory where the filesystem is mounted. It
	// is created if it does not exist.
	Mountpoint string

	// Registry is the object tree to present.
	Registry *model.Registry

	// AllowOther permits other users (including root) to access the
	// mount. Requires user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Logger receives diagnostic messages. If nil, the registry's
	// logger is used.
	Logger *slog.Logger
}

// Mount mounts the registry at the configured mountpoint. The caller
// must call Unmount on the returned Server when done.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if options.Logger == nil {
		options.Logger = options.Registry.Logger()
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	// The tree changes underneath the kernel, so cache entries only
	// briefly and never cache negative lookups.
	entryTimeout := 100 * time.Millisecond
	attrTimeout := 100 * time.Millisecond
	negativeTimeout := time.Duration(0)

	root := &dirNode{options: &options}
	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "hwmodel",
			Name:       "attrfs",
			AllowOther: options.AllowOther,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("attribute filesystem mounted", "mountpoint", options.Mountpoint)
	return server, nil
}

// toErrno maps model errors to the errno a sysfs file would return.
func toErrno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, model.ErrUnknownAttribute),
		errors.Is(err, model.ErrNotRegistered),
		errors.Is(err, model.ErrInvalidHandle):
		return syscall.ENOENT
	case errors.Is(err, model.ErrAttributeNotReadable),
		errors.Is(err, model.ErrAttributeNotWritable):
		return syscall.EACCES
	case errors.Is(err, model.ErrInvalidValue):
		return syscall.EINVAL
	case errors.Is(err, io.ErrShortBuffer):
		return syscall.EFBIG
	default:
		return syscall.EIO
	}
}

func joinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

// resolve looks up the node at path and takes a reference on it. The
// caller must Put it.
func (o *Options) resolve(path string) (*model.Node, syscall.Errno) {
	n, err := o.Registry.Lookup(path)
	if err != nil {
		return nil, toErrno(err)
	}
	return n, 0
}

// dirNode is a registered node, or the root namespace when path is "".
type dirNode struct {
	gofuse.Inode
	options *Options
	path    string
}

var _ gofuse.InodeEmbedder = (*dirNode)(nil)
var _ gofuse.NodeLookuper = (*dirNode)(nil)
var _ gofuse.NodeReaddirer = (*dirNode)(nil)
var _ gofuse.NodeGetattrer = (*dirNode)(nil)

func (d *dirNode) Getattr(_ context.Context, _ gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if d.path != "" {
		n, errno := d.options.resolve(d.path)
		if errno != 0 {
			return errno
		}
		_ = n.Put()
	}
	out.Mode = syscall.S_IFDIR | 0o755
	return 0
}

func (d *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	childPath := joinPath(d.path, name)

	// A child node shadows an attribute of the same name.
	if child, err := d.options.Registry.Lookup(childPath); err == nil {
		_ = child.Put()
		out.Mode = syscall.S_IFDIR | 0o755
		return d.NewInode(ctx, &dirNode{options: d.options, path: childPath},
			gofuse.StableAttr{Mode: syscall.S_IFDIR}), 0
	}
	if d.path == "" {
		return nil, syscall.ENOENT
	}

	n, errno := d.options.resolve(d.path)
	if errno != 0 {
		return nil, errno
	}
	defer func() { _ = n.Put() }()

	info, ok := findAttr(n, name)
	if !ok {
		return nil, syscall.ENOENT
	}
	out.Mode = syscall.S_IFREG | uint32(info.Mode.Perm())
	out.Size = model.PageSize
	return d.NewInode(ctx, &attrNode{options: d.options, path: d.path, name: name},
		gofuse.StableAttr{Mode: syscall.S_IFREG}), 0
}

func (d *dirNode) Readdir(_ context.Context) (gofuse.DirStream, syscall.Errno) {
	var entries []fuse.DirEntry
	if d.path == "" {
		for _, n := range d.options.Registry.Top() {
			entries = append(entries, fuse.DirEntry{Name: n.Name(), Mode: syscall.S_IFDIR})
		}
		return gofuse.NewListDirStream(entries), 0
	}

	n, errno := d.options.resolve(d.path)
	if errno != 0 {
		return nil, errno
	}
	defer func() { _ = n.Put() }()

	seen := make(map[string]bool)
	for _, c := range n.Children() {
		seen[c.Name()] = true
		entries = append(entries, fuse.DirEntry{Name: c.Name(), Mode: syscall.S_IFDIR})
	}
	for _, a := range n.Attributes() {
		if seen[a.Name] {
			continue
		}
		entries = append(entries, fuse.DirEntry{Name: a.Name, Mode: syscall.S_IFREG})
	}
	return gofuse.NewListDirStream(entries), 0
}

func findAttr(n *model.Node, name string) (model.AttributeInfo, bool) {
	for _, a := range n.Attributes() {
		if a.Name == name {
			return a, true
		}
	}
	return model.AttributeInfo{}, false
}
