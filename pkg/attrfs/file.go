package attrfs

import (
	"context"
	"sync"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/Mugglen/LinuxNote/pkg/model"
)

// attrNode is one attribute of the node at path.
type attrNode struct {
	gofuse.Inode
	options *Options
	path    string
	name    string
}

var _ gofuse.InodeEmbedder = (*attrNode)(nil)
var _ gofuse.NodeGetattrer = (*attrNode)(nil)
var _ gofuse.NodeSetattrer = (*attrNode)(nil)
var _ gofuse.NodeOpener = (*attrNode)(nil)

func (a *attrNode) info() (model.AttributeInfo, syscall.Errno) {
	n, errno := a.options.resolve(a.path)
	if errno != 0 {
		return model.AttributeInfo{}, errno
	}
	defer func() { _ = n.Put() }()

	info, ok := findAttr(n, a.name)
	if !ok {
		return model.AttributeInfo{}, syscall.ENOENT
	}
	return info, 0
}

func (a *attrNode) Getattr(_ context.Context, _ gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	info, errno := a.info()
	if errno != 0 {
		return errno
	}
	out.Mode = syscall.S_IFREG | uint32(info.Mode.Perm())
	out.Size = model.PageSize
	return 0
}

// Setattr accepts truncation so that shell redirection works; the
// attribute has no stored contents to truncate.
func (a *attrNode) Setattr(ctx context.Context, f gofuse.FileHandle, _ *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	return a.Getattr(ctx, f, out)
}

func (a *attrNode) Open(_ context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	info, errno := a.info()
	if errno != 0 {
		return nil, 0, errno
	}

	var wantRead, wantWrite bool
	switch flags & syscall.O_ACCMODE {
	case syscall.O_RDONLY:
		wantRead = true
	case syscall.O_WRONLY:
		wantWrite = true
	default:
		wantRead, wantWrite = true, true
	}
	if wantRead && !info.Access.CanRead() || wantWrite && !info.Access.CanWrite() {
		return nil, 0, syscall.EACCES
	}

	// Contents are produced on demand; keep the kernel from caching
	// them or trusting the reported size.
	return &attrHandle{owner: a}, fuse.FOPEN_DIRECT_IO, 0
}

// read runs the Show callback with a page-sized buffer.
func (a *attrNode) read() ([]byte, syscall.Errno) {
	n, errno := a.options.resolve(a.path)
	if errno != 0 {
		return nil, errno
	}
	defer func() { _ = n.Put() }()

	buf := make([]byte, model.PageSize)
	count, err := n.ReadAttribute(a.name, buf)
	if err != nil {
		a.options.Logger.Debug("attribute read failed", "node", a.path, "attr", a.name, "error", err)
		return nil, toErrno(err)
	}
	return buf[:count], 0
}

// write commits data to the Store callback.
func (a *attrNode) write(data []byte) syscall.Errno {
	n, errno := a.options.resolve(a.path)
	if errno != 0 {
		return errno
	}
	defer func() { _ = n.Put() }()

	if _, err := n.WriteAttribute(a.name, data); err != nil {
		a.options.Logger.Debug("attribute write failed", "node", a.path, "attr", a.name, "error", err)
		return toErrno(err)
	}
	return 0
}

// attrHandle is an open attribute file. The first read snapshots the
// attribute value; later reads at other offsets are served from the
// snapshot. Writes accumulate until Flush.
type attrHandle struct {
	owner *attrNode

	mu       sync.Mutex
	snapshot []byte
	loaded   bool
	buffer   []byte
	dirty    bool
}

var _ gofuse.FileReader = (*attrHandle)(nil)
var _ gofuse.FileWriter = (*attrHandle)(nil)
var _ gofuse.FileFlusher = (*attrHandle)(nil)
var _ gofuse.FileReleaser = (*attrHandle)(nil)

func (h *attrHandle) Read(_ context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.loaded || off == 0 {
		data, errno := h.owner.read()
		if errno != 0 {
			return nil, errno
		}
		h.snapshot = data
		h.loaded = true
	}

	if off >= int64(len(h.snapshot)) {
		return fuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(h.snapshot)) {
		end = int64(len(h.snapshot))
	}
	return fuse.ReadResultData(h.snapshot[off:end]), 0
}

func (h *attrHandle) Write(_ context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()

	end := off + int64(len(data))
	if end > model.PageSize {
		return 0, syscall.EFBIG
	}
	if end > int64(len(h.buffer)) {
		grown := make([]byte, end)
		copy(grown, h.buffer)
		h.buffer = grown
	}
	copy(h.buffer[off:], data)
	h.dirty = true
	return uint32(len(data)), 0
}

// Flush commits buffered writes. It runs on every close of a file
// descriptor sharing this handle, so it is a no-op when nothing new was
// written.
func (h *attrHandle) Flush(_ context.Context) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty {
		return 0
	}
	h.dirty = false
	data := h.buffer
	h.buffer = nil
	return h.owner.write(data)
}

func (h *attrHandle) Release(_ context.Context) syscall.Errno {
	return 0
}
