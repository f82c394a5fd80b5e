package main

import (
	"context"
	"os"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/rclone/httpfs/fs/httperr"
	"github.com/rclone/httpfs/fs/worker"
	"github.com/sirupsen/logrus"
)

// attrValidity is how long the kernel may cache getattr results before
// asking again, per specification §6.
const attrValidity = time.Second

// httpfsRoot is the mount's root directory: inode 1, containing exactly
// one child named after the origin resource.
type httpfsRoot struct {
	child *httpfsFile
}

var _ fs.FS = (*httpfsRoot)(nil)
var _ fs.Node = (*httpfsRoot)(nil)
var _ fs.NodeStringLookuper = (*httpfsRoot)(nil)
var _ fs.HandleReadDirAller = (*httpfsRoot)(nil)

func (r *httpfsRoot) Root() (fs.Node, error) {
	return r, nil
}

func (r *httpfsRoot) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Inode = 1
	a.Mode = os.ModeDir | 0755
	a.Nlink = 2
	a.Valid = attrValidity
	return nil
}

func (r *httpfsRoot) Lookup(ctx context.Context, name string) (fs.Node, error) {
	if name != r.child.name {
		return nil, fuse.ENOENT
	}
	return r.child, nil
}

func (r *httpfsRoot) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	return []fuse.Dirent{
		{Inode: 2, Name: r.child.name, Type: fuse.DT_File},
	}, nil
}

// httpfsFile is the single synthetic regular file: inode 2, read-only,
// sized and timestamped from the startup HEAD response.
type httpfsFile struct {
	name string
	pool *worker.Pool
	log  *logrus.Entry

	size    int64
	modTime time.Time
}

var _ fs.Node = (*httpfsFile)(nil)
var _ fs.NodeOpener = (*httpfsFile)(nil)

func (f *httpfsFile) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Inode = 2
	a.Mode = 0444
	a.Nlink = 1
	a.Size = uint64(f.size)
	a.Mtime = f.modTime
	a.Valid = attrValidity
	return nil
}

// Open rejects any mode other than read-only, per specification §6, and
// otherwise mints a fresh worker bound to this handle's lifetime.
func (f *httpfsFile) Open(ctx context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fs.Handle, error) {
	if !req.Flags.IsReadOnly() {
		return nil, fuse.EPERM
	}

	w := f.pool.Acquire()
	resp.Flags |= fuse.OpenKeepCache
	return &httpfsHandle{file: f, worker: w}, nil
}

// httpfsHandle is one open handle's exclusively-owned worker, serving
// reads through the fetch orchestrator's cache-then-origin path.
type httpfsHandle struct {
	file   *httpfsFile
	worker *worker.Worker
}

var _ fs.HandleReader = (*httpfsHandle)(nil)
var _ fs.HandleReleaser = (*httpfsHandle)(nil)

func (h *httpfsHandle) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	if req.Offset >= h.file.size {
		resp.Data = resp.Data[:0]
		return nil
	}

	size := int64(req.Size)
	if req.Offset+size > h.file.size {
		size = h.file.size - req.Offset
	}

	data, err := h.worker.GetRange(ctx, req.Offset, size)
	if err != nil {
		h.file.log.WithError(err).Warn("read failed")
		return toFuseError(err)
	}

	resp.Data = data
	return nil
}

func (h *httpfsHandle) Release(ctx context.Context, req *fuse.ReleaseRequest) error {
	return h.file.pool.Release(h.worker)
}

// toFuseError maps the error taxonomy onto the small set of errno values
// the kernel understands for a read failure.
func toFuseError(err error) error {
	switch {
	case httperr.Is(err, httperr.KindNotFound):
		return fuse.ENOENT
	case httperr.Is(err, httperr.KindPermission):
		return fuse.EPERM
	default:
		return fuse.EIO
	}
}
