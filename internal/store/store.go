// Package store is the document store: the only code that mutates the
// storage root. Each operation resolves its virtual paths, checks its
// preconditions, performs one filesystem change and, on success, publishes
// exactly one change event.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/language"

	"github.com/fruitsalade/vault/internal/errs"
	"github.com/fruitsalade/vault/internal/events"
	"github.com/fruitsalade/vault/internal/logging"
	"github.com/fruitsalade/vault/internal/metrics"
	"github.com/fruitsalade/vault/internal/models"
	"github.com/fruitsalade/vault/internal/tree"
	"github.com/fruitsalade/vault/internal/vpath"
)

const tempPattern = ".vault-*.tmp"

// Publisher receives one event per successful mutation.
type Publisher interface {
	Publish(events.Event) int
}

// Config holds store settings.
type Config struct {
	Root           string
	RootName       string
	Locale         language.Tag
	MaxContentSize int64 // 0 = unlimited
}

// Store implements the document operations over a storage root.
type Store struct {
	resolver *vpath.Resolver
	tree     *tree.Builder
	pub      Publisher
	maxSize  int64
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a store rooted at cfg.Root, creating the directory if needed.
func New(cfg Config, pub Publisher, opts ...Option) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}

	info, err := os.Stat(root)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("create storage root %s: %w", root, err)
		}
	case err != nil:
		return nil, fmt.Errorf("stat storage root %s: %w", root, err)
	case !info.IsDir():
		return nil, fmt.Errorf("storage root %s is not a directory", root)
	}

	resolver, err := vpath.NewResolver(root, cfg.RootName)
	if err != nil {
		return nil, err
	}
	locale := cfg.Locale
	if locale == language.Und {
		locale = language.English
	}

	s := &Store{
		resolver: resolver,
		tree:     tree.NewBuilder(tree.WithLocale(locale)),
		pub:      pub,
		maxSize:  cfg.MaxContentSize,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the absolute storage root.
func (s *Store) Root() string { return s.resolver.Root() }

// RootName returns the collection name.
func (s *Store) RootName() string { return s.resolver.RootName() }

// MaxContentSize returns the largest accepted document in bytes, 0 if
// unlimited.
func (s *Store) MaxContentSize() int64 { return s.maxSize }

// Write creates the document at req.Path or replaces its content.
func (s *Store) Write(ctx context.Context, req WriteRequest) (WriteResult, error) {
	return s.write(ctx, "write", req, false)
}

// Update replaces the content of an existing document.
func (s *Store) Update(ctx context.Context, req WriteRequest) (WriteResult, error) {
	return s.write(ctx, "update", req, true)
}

func (s *Store) write(ctx context.Context, op string, req WriteRequest, mustExist bool) (res WriteResult, err error) {
	defer s.observe(ctx, op, time.Now(), &err)

	if err := check(op, req); err != nil {
		return res, err
	}
	target, err := s.resolver.Resolve(req.Path)
	if err != nil {
		return res, err
	}
	size := int64(len(req.Content))
	if s.maxSize > 0 && size > s.maxSize {
		return res, errs.Newf(errs.InvalidPath, op, target.Virtual, "content exceeds %d bytes", s.maxSize)
	}

	existed := false
	info, statErr := os.Stat(target.FSPath)
	switch {
	case statErr == nil && info.IsDir():
		return res, errs.Exists(op, target.Virtual, errs.ReasonDirectory)
	case statErr == nil:
		existed = true
	case !errors.Is(statErr, fs.ErrNotExist):
		return res, errs.FromOS(op, target.Virtual, statErr)
	}
	if mustExist && !existed {
		return res, errs.Missing(op, target.Virtual)
	}

	if err := atomicWrite(target.FSPath, []byte(req.Content)); err != nil {
		return res, errs.FromOS(op, target.Virtual, err)
	}
	metrics.RecordBytesWritten(size)

	typ := events.EventCreated
	if existed {
		typ = events.EventUpdated
	}
	s.publish(ctx, events.Event{Type: typ, Path: target.Virtual})

	return WriteResult{Path: target.Virtual, Created: !existed, Size: size}, nil
}

// Read returns a folder snapshot or a file's content. An empty path reads
// the root.
func (s *Store) Read(ctx context.Context, req ReadRequest) (res ReadResult, err error) {
	const op = "read"
	defer s.observe(ctx, op, time.Now(), &err)

	target, info, err := s.stat(op, req.Path)
	if err != nil {
		return res, err
	}
	if info.IsDir() {
		nodes, err := s.tree.Build(target.FSPath, target.Virtual)
		if err != nil {
			return res, err
		}
		if s.resolver.IsRoot(target) {
			metrics.SetTreeSize(models.CountNodes(nodes))
		}
		return ReadResult{
			Path:    target.Virtual,
			IsDir:   true,
			Tree:    nodes,
			ModTime: info.ModTime(),
		}, nil
	}
	return s.readFile(op, target, info)
}

// ReadContent returns a file's content and fails NotAFile for folders.
func (s *Store) ReadContent(ctx context.Context, req ReadRequest) (res ReadResult, err error) {
	const op = "read_content"
	defer s.observe(ctx, op, time.Now(), &err)

	target, info, err := s.stat(op, req.Path)
	if err != nil {
		return res, err
	}
	if info.IsDir() {
		return res, errs.New(errs.NotAFile, op, target.Virtual, "path is a folder")
	}
	return s.readFile(op, target, info)
}

// Stat describes the entry at req.Path.
func (s *Store) Stat(ctx context.Context, req ReadRequest) (res Info, err error) {
	const op = "stat"
	defer s.observe(ctx, op, time.Now(), &err)

	target, info, err := s.stat(op, req.Path)
	if err != nil {
		return res, err
	}
	name := info.Name()
	if s.resolver.IsRoot(target) {
		name = s.resolver.RootName()
	}
	size := info.Size()
	if info.IsDir() {
		size = 0
	}
	return Info{
		Path:    target.Virtual,
		Name:    name,
		IsDir:   info.IsDir(),
		Size:    size,
		ModTime: info.ModTime(),
	}, nil
}

// ListNames returns the ordered visible names inside a folder.
func (s *Store) ListNames(ctx context.Context, req ListRequest) (res ListResult, err error) {
	const op = "list"
	defer s.observe(ctx, op, time.Now(), &err)

	target, err := s.resolver.Resolve(orRoot(req.Path))
	if err != nil {
		return res, err
	}
	names, err := s.tree.ListNames(target.FSPath, target.Virtual)
	if err != nil {
		return res, err
	}
	return ListResult{Path: target.Virtual, Names: names}, nil
}

// CreateFolder creates a folder and any missing parents.
func (s *Store) CreateFolder(ctx context.Context, req FolderRequest) (res FolderResult, err error) {
	const op = "mkdir"
	defer s.observe(ctx, op, time.Now(), &err)

	if err := check(op, req); err != nil {
		return res, err
	}
	target, err := s.resolver.Resolve(req.Path)
	if err != nil {
		return res, err
	}
	if err := s.ensureAbsent(op, target); err != nil {
		return res, err
	}

	if err := os.MkdirAll(filepath.Dir(target.FSPath), 0o755); err != nil {
		return res, errs.FromOS(op, target.Virtual, err)
	}
	if mkErr := os.Mkdir(target.FSPath, 0o755); mkErr != nil {
		if errors.Is(mkErr, fs.ErrExist) {
			// Lost a race with another creator.
			if err := s.ensureAbsent(op, target); err != nil {
				return res, err
			}
		}
		return res, errs.FromOS(op, target.Virtual, mkErr)
	}

	s.publish(ctx, events.Event{Type: events.EventCreated, Path: target.Virtual, IsDir: true})
	return FolderResult{Path: target.Virtual}, nil
}

// Delete removes a file or folder. The root is never removed.
func (s *Store) Delete(ctx context.Context, req DeleteRequest) (res DeleteResult, err error) {
	const op = "delete"
	defer s.observe(ctx, op, time.Now(), &err)

	if err := check(op, req); err != nil {
		return res, err
	}
	target, err := s.resolver.Resolve(req.Path)
	if err != nil {
		return res, err
	}
	if s.resolver.IsRoot(target) {
		return res, errs.New(errs.Forbidden, op, target.Virtual, "the root folder cannot be deleted")
	}

	info, err := os.Lstat(target.FSPath)
	if err != nil {
		return res, errs.FromOS(op, target.Virtual, err)
	}

	if info.IsDir() {
		if req.Recursive {
			err = os.RemoveAll(target.FSPath)
		} else {
			empty, emptyErr := isEmpty(target.FSPath)
			if emptyErr != nil {
				return res, errs.FromOS(op, target.Virtual, emptyErr)
			}
			if !empty {
				return res, errs.New(errs.NotEmpty, op, target.Virtual, "folder is not empty")
			}
			err = os.Remove(target.FSPath)
		}
	} else {
		err = os.Remove(target.FSPath)
	}
	if err != nil {
		return res, errs.FromOS(op, target.Virtual, err)
	}

	s.publish(ctx, events.Event{Type: events.EventDeleted, Path: target.Virtual, IsDir: info.IsDir()})
	return DeleteResult{Path: target.Virtual, IsDir: info.IsDir()}, nil
}

// Move renames a file or folder. Existing targets are never overwritten.
func (s *Store) Move(ctx context.Context, req MoveRequest) (res MoveResult, err error) {
	const op = "move"
	defer s.observe(ctx, op, time.Now(), &err)

	if err := check(op, req); err != nil {
		return res, err
	}
	src, err := s.resolver.Resolve(req.Source)
	if err != nil {
		return res, err
	}
	dst, err := s.resolver.Resolve(req.Target)
	if err != nil {
		return res, err
	}
	if s.resolver.IsRoot(src) {
		return res, errs.New(errs.Forbidden, op, src.Virtual, "the root folder cannot be moved")
	}

	if _, err := os.Lstat(dst.FSPath); err == nil {
		return res, errs.Exists(op, dst.Virtual, errs.ReasonName)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return res, errs.FromOS(op, dst.Virtual, err)
	}

	info, err := os.Lstat(src.FSPath)
	if err != nil {
		return res, errs.FromOS(op, src.Virtual, err)
	}
	if info.IsDir() && within(dst.FSPath, src.FSPath) {
		return res, errs.Invalid(op, dst.Virtual, "cannot move a folder into itself")
	}

	// Parents created here are removed again if the rename fails; they are
	// never announced on their own.
	created, err := mkdirParents(filepath.Dir(dst.FSPath))
	if err != nil {
		return res, errs.FromOS(op, dst.Virtual, err)
	}
	if err := renameNoReplace(src.FSPath, dst.FSPath); err != nil {
		for _, dir := range created {
			os.Remove(dir)
		}
		return res, errs.FromOS(op, dst.Virtual, err)
	}

	s.publish(ctx, events.Event{
		Type:    events.EventUpdated,
		Path:    dst.Virtual,
		OldPath: src.Virtual,
		IsDir:   info.IsDir(),
	})
	return MoveResult{Source: src.Virtual, Target: dst.Virtual, IsDir: info.IsDir()}, nil
}

func (s *Store) stat(op, raw string) (vpath.Resolved, fs.FileInfo, error) {
	target, err := s.resolver.Resolve(orRoot(raw))
	if err != nil {
		return target, nil, err
	}
	info, err := os.Stat(target.FSPath)
	if err != nil {
		return target, nil, errs.FromOS(op, target.Virtual, err)
	}
	return target, info, nil
}

func (s *Store) readFile(op string, target vpath.Resolved, info fs.FileInfo) (ReadResult, error) {
	data, err := os.ReadFile(target.FSPath)
	if err != nil {
		return ReadResult{}, errs.FromOS(op, target.Virtual, err)
	}
	return ReadResult{
		Path:      target.Virtual,
		Content:   string(data),
		Size:      int64(len(data)),
		ModTime:   info.ModTime(),
		CreatedAt: birthTime(target.FSPath, info),
	}, nil
}

func (s *Store) ensureAbsent(op string, target vpath.Resolved) error {
	info, err := os.Stat(target.FSPath)
	switch {
	case err == nil && info.IsDir():
		return errs.Exists(op, target.Virtual, errs.ReasonDirectory)
	case err == nil:
		return errs.Exists(op, target.Virtual, errs.ReasonFile)
	case errors.Is(err, fs.ErrNotExist):
		return nil
	}
	return errs.FromOS(op, target.Virtual, err)
}

func (s *Store) publish(ctx context.Context, e events.Event) {
	e.Collection = s.resolver.RootName()
	e.Timestamp = s.now().UnixMilli()
	if s.pub == nil {
		return
	}
	n := s.pub.Publish(e)
	logging.WithContext(ctx).Debug("event published",
		zap.String("type", e.Type),
		zap.String("path", e.Path),
		zap.Int("observers", n),
	)
}

func (s *Store) observe(ctx context.Context, op string, start time.Time, errp *error) {
	outcome := "ok"
	if err := *errp; err != nil {
		kind := errs.KindOf(err)
		outcome = kind.String()
		if kind == errs.Internal {
			logging.WithContext(ctx).Error("store operation failed",
				zap.String("op", op),
				zap.Error(err),
			)
		} else {
			logging.WithContext(ctx).Debug("store operation rejected",
				zap.String("op", op),
				zap.String("kind", outcome),
				zap.Error(err),
			)
		}
	}
	metrics.RecordStoreOperation(op, outcome, time.Since(start))
}

// atomicWrite writes data to a hidden temp file beside path and renames it
// into place, so readers see either the old or the new content.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// mkdirParents creates dir and any missing ancestors. It returns the
// directories it had to create, deepest first.
func mkdirParents(dir string) ([]string, error) {
	var missing []string
	for p := dir; ; p = filepath.Dir(p) {
		if _, err := os.Lstat(p); !errors.Is(err, fs.ErrNotExist) {
			break
		}
		missing = append(missing, p)
		if filepath.Dir(p) == p {
			break
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return missing, nil
}

func isEmpty(dir string) (bool, error) {
	f, err := os.Open(dir)
	if err != nil {
		return false, err
	}
	defer f.Close()

	_, err = f.Readdirnames(1)
	if errors.Is(err, io.EOF) {
		return true, nil
	}
	return false, err
}

// within reports whether path is dir or lies beneath it.
func within(path, dir string) bool {
	return path == dir || strings.HasPrefix(path, dir+string(filepath.Separator))
}

func orRoot(p string) string {
	if strings.TrimSpace(p) == "" {
		return "/"
	}
	return p
}
