// Package webdav exposes the document store over WebDAV. Every call goes
// through the store, so WebDAV clients trigger the same change events as the
// JSON API.
package webdav

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/webdav"

	"github.com/fruitsalade/vault/internal/errs"
	"github.com/fruitsalade/vault/internal/logging"
	"github.com/fruitsalade/vault/internal/models"
	"github.com/fruitsalade/vault/internal/store"
)

// Store is the subset of the document store used by the WebDAV surface.
type Store interface {
	RootName() string
	MaxContentSize() int64
	Stat(ctx context.Context, req store.ReadRequest) (store.Info, error)
	ReadContent(ctx context.Context, req store.ReadRequest) (store.ReadResult, error)
	ListNames(ctx context.Context, req store.ListRequest) (store.ListResult, error)
	Write(ctx context.Context, req store.WriteRequest) (store.WriteResult, error)
	CreateFolder(ctx context.Context, req store.FolderRequest) (store.FolderResult, error)
	Delete(ctx context.Context, req store.DeleteRequest) (store.DeleteResult, error)
	Move(ctx context.Context, req store.MoveRequest) (store.MoveResult, error)
}

// errTooLarge fails a buffered write that would exceed the store's limit.
var errTooLarge = errors.New("content too large")

// VaultFS implements webdav.FileSystem on top of a Store.
type VaultFS struct {
	store Store
}

var _ webdav.FileSystem = (*VaultFS)(nil)

// NewFS creates a WebDAV filesystem over s.
func NewFS(s Store) *VaultFS {
	return &VaultFS{store: s}
}

// virtual maps a WebDAV name (/a/b) to the store's virtual path (/Root/a/b).
func (v *VaultFS) virtual(name string) string {
	name = path.Clean("/" + name)
	if name == "/" {
		return "/" + v.store.RootName()
	}
	return "/" + v.store.RootName() + name
}

// Mkdir creates a directory.
func (v *VaultFS) Mkdir(ctx context.Context, name string, _ os.FileMode) error {
	_, err := v.store.CreateFolder(ctx, store.FolderRequest{Path: v.virtual(name)})
	return osError("mkdir", name, err)
}

// OpenFile opens a file for reading or buffers a write until Close.
func (v *VaultFS) OpenFile(ctx context.Context, name string, flag int, _ os.FileMode) (webdav.File, error) {
	virtual := v.virtual(name)

	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC) != 0 {
		info, err := v.store.Stat(ctx, store.ReadRequest{Path: virtual})
		switch {
		case err == nil && info.IsDir:
			return nil, &os.PathError{Op: "open", Path: name, Err: errors.New("is a directory")}
		case err == nil && flag&os.O_EXCL != 0:
			return nil, &os.PathError{Op: "open", Path: name, Err: fs.ErrExist}
		case err != nil && !errs.Is(err, errs.NotFound):
			return nil, osError("open", name, err)
		case err != nil && flag&os.O_CREATE == 0:
			return nil, osError("open", name, err)
		}
		return &vaultFile{
			fs:       v,
			ctx:      ctx,
			name:     name,
			virtual:  virtual,
			writable: true,
			buf:      &bytes.Buffer{},
			limit:    v.store.MaxContentSize(),
		}, nil
	}

	info, err := v.store.Stat(ctx, store.ReadRequest{Path: virtual})
	if err != nil {
		return nil, osError("open", name, err)
	}
	f := &vaultFile{fs: v, ctx: ctx, name: name, virtual: virtual, info: info}
	if !info.IsDir {
		res, err := v.store.ReadContent(ctx, store.ReadRequest{Path: virtual})
		if err != nil {
			return nil, osError("open", name, err)
		}
		f.reader = bytes.NewReader([]byte(res.Content))
		f.info.Size = res.Size
	}
	return f, nil
}

// RemoveAll removes a file or directory tree.
func (v *VaultFS) RemoveAll(ctx context.Context, name string) error {
	_, err := v.store.Delete(ctx, store.DeleteRequest{Path: v.virtual(name), Recursive: true})
	return osError("remove", name, err)
}

// Rename moves oldName to newName.
func (v *VaultFS) Rename(ctx context.Context, oldName, newName string) error {
	_, err := v.store.Move(ctx, store.MoveRequest{Source: v.virtual(oldName), Target: v.virtual(newName)})
	if err != nil {
		return &os.LinkError{Op: "rename", Old: oldName, New: newName, Err: kindError(err)}
	}
	return nil
}

// Stat returns file info for a path.
func (v *VaultFS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	info, err := v.store.Stat(ctx, store.ReadRequest{Path: v.virtual(name)})
	if err != nil {
		return nil, osError("stat", name, err)
	}
	return newFileInfo(info), nil
}

// vaultFile implements webdav.File.
type vaultFile struct {
	fs      *VaultFS
	ctx     context.Context
	name    string
	virtual string
	info    store.Info

	// Read state
	reader  *bytes.Reader
	entries []os.FileInfo
	offset  int

	// Write state
	writable bool
	buf      *bytes.Buffer
	limit    int64
	failed   error
	closed   bool
}

var _ webdav.File = (*vaultFile)(nil)

func (f *vaultFile) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	if !f.writable {
		return nil
	}
	if f.failed != nil {
		return f.failed
	}

	res, err := f.fs.store.Write(f.ctx, store.WriteRequest{Path: f.virtual, Content: f.buf.String()})
	if err != nil {
		return osError("write", f.name, err)
	}
	logging.WithContext(f.ctx).Debug("webdav file written",
		zap.String("path", res.Path),
		zap.Int64("size", res.Size),
		zap.Bool("created", res.Created))
	return nil
}

func (f *vaultFile) Read(p []byte) (int, error) {
	if f.reader == nil {
		return 0, &os.PathError{Op: "read", Path: f.name, Err: errors.New("not a readable file")}
	}
	return f.reader.Read(p)
}

func (f *vaultFile) Write(p []byte) (int, error) {
	if !f.writable {
		return 0, &os.PathError{Op: "write", Path: f.name, Err: os.ErrPermission}
	}
	if f.failed != nil {
		return 0, f.failed
	}
	if f.limit > 0 && int64(f.buf.Len())+int64(len(p)) > f.limit {
		f.failed = &os.PathError{Op: "write", Path: f.name, Err: errTooLarge}
		f.buf = &bytes.Buffer{}
		return 0, f.failed
	}
	return f.buf.Write(p)
}

func (f *vaultFile) Seek(offset int64, whence int) (int64, error) {
	if f.reader == nil {
		if offset == 0 && (whence == io.SeekStart || whence == io.SeekCurrent) {
			if whence == io.SeekStart {
				f.offset = 0
			}
			return 0, nil
		}
		return 0, &os.PathError{Op: "seek", Path: f.name, Err: errors.New("not seekable")}
	}
	return f.reader.Seek(offset, whence)
}

// Readdir follows the http.File contract: with count > 0 it pages through
// the listing and returns io.EOF at the end.
func (f *vaultFile) Readdir(count int) ([]os.FileInfo, error) {
	if f.writable || !f.info.IsDir {
		return nil, &os.PathError{Op: "readdir", Path: f.name, Err: errors.New("not a directory")}
	}

	if f.entries == nil {
		list, err := f.fs.store.ListNames(f.ctx, store.ListRequest{Path: f.virtual})
		if err != nil {
			return nil, osError("readdir", f.name, err)
		}
		f.entries = make([]os.FileInfo, 0, len(list.Names))
		for _, name := range list.Names {
			info, err := f.fs.store.Stat(f.ctx, store.ReadRequest{Path: models.ChildPath(list.Path, name)})
			if err != nil {
				// Removed between listing and stat.
				continue
			}
			f.entries = append(f.entries, newFileInfo(info))
		}
	}

	rest := f.entries[f.offset:]
	if count <= 0 {
		f.offset = len(f.entries)
		return rest, nil
	}
	if len(rest) == 0 {
		return nil, io.EOF
	}
	if len(rest) > count {
		rest = rest[:count]
	}
	f.offset += len(rest)
	return rest, nil
}

func (f *vaultFile) Stat() (os.FileInfo, error) {
	if f.writable {
		return &fileInfo{
			name:    path.Base(f.virtual),
			size:    int64(f.buf.Len()),
			modTime: time.Now(),
		}, nil
	}
	return newFileInfo(f.info), nil
}

// fileInfo implements os.FileInfo.
type fileInfo struct {
	name    string
	size    int64
	isDir   bool
	modTime time.Time
}

func newFileInfo(info store.Info) *fileInfo {
	return &fileInfo{name: info.Name, size: info.Size, isDir: info.IsDir, modTime: info.ModTime}
}

func (fi *fileInfo) Name() string       { return fi.name }
func (fi *fileInfo) Size() int64        { return fi.size }
func (fi *fileInfo) IsDir() bool        { return fi.isDir }
func (fi *fileInfo) ModTime() time.Time { return fi.modTime }
func (fi *fileInfo) Sys() any           { return nil }

func (fi *fileInfo) Mode() os.FileMode {
	if fi.isDir {
		return os.ModeDir | 0o755
	}
	return 0o644
}

// osError converts a store error into the os errors the webdav handler
// inspects.
func osError(op, name string, err error) error {
	if err == nil {
		return nil
	}
	return &os.PathError{Op: op, Path: name, Err: kindError(err)}
}

func kindError(err error) error {
	switch errs.KindOf(err) {
	case errs.NotFound, errs.NotADirectory:
		return fs.ErrNotExist
	case errs.Conflict:
		return fs.ErrExist
	case errs.Forbidden:
		return fs.ErrPermission
	case errs.InvalidPath, errs.NotAFile, errs.NotEmpty:
		return fs.ErrInvalid
	}
	return err
}
