package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/vault/internal/errs"
	"github.com/fruitsalade/vault/internal/events"
	"github.com/fruitsalade/vault/internal/models"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return 1
}

func (r *recorder) take() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) (*Store, *recorder, string) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "vault")
	rec := &recorder{}
	s, err := New(Config{Root: root, RootName: "Vault"}, rec, WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return s, rec, root
}

func mustWrite(t *testing.T, s *Store, path, content string) {
	t.Helper()
	_, err := s.Write(context.Background(), WriteRequest{Path: path, Content: content})
	require.NoError(t, err)
}

func nodeNames(nodes []*models.Node) []string {
	names := make([]string, 0, len(nodes))
	for _, n := range nodes {
		names = append(names, n.Name)
	}
	return names
}

func findNode(nodes []*models.Node, path string) *models.Node {
	for _, n := range nodes {
		if n.Path == path {
			return n
		}
		if found := findNode(n.Children, path); found != nil {
			return found
		}
	}
	return nil
}

func requireKind(t *testing.T, err error, kind errs.Kind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, errs.KindOf(err), "error: %v", err)
}

func TestNewCreatesRoot(t *testing.T) {
	s, _, root := newStore(t)
	info, err := os.Stat(root)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, root, s.Root())
	assert.Equal(t, "Vault", s.RootName())
}

func TestNewRejectsFileRoot(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	_, err := New(Config{Root: file, RootName: "Vault"}, nil)
	assert.Error(t, err)

	_, err = New(Config{Root: t.TempDir(), RootName: "a/b"}, nil)
	assert.Error(t, err)
}

// The create, update, list and move scenario from a fresh /vault root.
func TestScenario(t *testing.T) {
	ctx := context.Background()
	s, rec, root := newStore(t)

	res, err := s.Write(ctx, WriteRequest{Path: "/Vault/notes/a.md", Content: "hello"})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "/Vault/notes/a.md", res.Path)
	assert.DirExists(t, filepath.Join(root, "notes"))
	assert.Equal(t, []events.Event{{
		Collection: "Vault", Type: events.EventCreated, Path: "/Vault/notes/a.md",
		Timestamp: fixedNow.UnixMilli(),
	}}, rec.take())

	res, err = s.Write(ctx, WriteRequest{Path: "/Vault/notes/a.md", Content: "world"})
	require.NoError(t, err)
	assert.False(t, res.Created)
	evs := rec.take()
	require.Len(t, evs, 1)
	assert.Equal(t, events.EventUpdated, evs[0].Type)

	read, err := s.Read(ctx, ReadRequest{Path: "/Vault/notes/a.md"})
	require.NoError(t, err)
	assert.Equal(t, "world", read.Content)
	assert.False(t, read.IsDir)
	assert.Equal(t, int64(5), read.Size)
	assert.False(t, read.CreatedAt.IsZero())

	list, err := s.ListNames(ctx, ListRequest{Path: "/Vault/notes"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.md"}, list.Names)

	moved, err := s.Move(ctx, MoveRequest{Source: "/Vault/notes/a.md", Target: "/Vault/notes/b.md"})
	require.NoError(t, err)
	assert.Equal(t, "/Vault/notes/b.md", moved.Target)
	assert.Equal(t, []events.Event{{
		Collection: "Vault", Type: events.EventUpdated,
		Path: "/Vault/notes/b.md", OldPath: "/Vault/notes/a.md",
		Timestamp: fixedNow.UnixMilli(),
	}}, rec.take())

	_, err = s.Read(ctx, ReadRequest{Path: "/Vault/notes/a.md"})
	requireKind(t, err, errs.NotFound)
	read, err = s.Read(ctx, ReadRequest{Path: "/Vault/notes/b.md"})
	require.NoError(t, err)
	assert.Equal(t, "world", read.Content)

	// Second move onto the now-existing b.md.
	mustWrite(t, s, "/Vault/notes/c.md", "other")
	rec.take()
	_, err = s.Move(ctx, MoveRequest{Source: "/Vault/notes/a.md", Target: "/Vault/notes/b.md"})
	requireKind(t, err, errs.Conflict)
	assert.Equal(t, errs.ReasonName, errs.ReasonOf(err))
	_, err = s.Move(ctx, MoveRequest{Source: "/Vault/notes/c.md", Target: "/Vault/notes/b.md"})
	requireKind(t, err, errs.Conflict)
	assert.Empty(t, rec.take())

	for path, want := range map[string]string{"b.md": "world", "c.md": "other"} {
		data, err := os.ReadFile(filepath.Join(root, "notes", path))
		require.NoError(t, err)
		assert.Equal(t, want, string(data))
	}
}

func TestWriteToDirectoryConflicts(t *testing.T) {
	ctx := context.Background()
	s, rec, _ := newStore(t)
	_, err := s.CreateFolder(ctx, FolderRequest{Path: "/Vault/notes"})
	require.NoError(t, err)
	rec.take()

	_, err = s.Write(ctx, WriteRequest{Path: "/Vault/notes", Content: "x"})
	requireKind(t, err, errs.Conflict)
	assert.Equal(t, errs.ReasonDirectory, errs.ReasonOf(err))

	_, err = s.Write(ctx, WriteRequest{Path: "/", Content: "x"})
	requireKind(t, err, errs.Conflict)
	assert.Empty(t, rec.take())
}

func TestWriteUnderFile(t *testing.T) {
	s, rec, _ := newStore(t)
	mustWrite(t, s, "/Vault/a.md", "x")
	rec.take()

	_, err := s.Write(context.Background(), WriteRequest{Path: "/Vault/a.md/b.md", Content: "y"})
	requireKind(t, err, errs.NotADirectory)
	assert.Empty(t, rec.take())
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	s, _, root := newStore(t)
	for i := 0; i < 5; i++ {
		mustWrite(t, s, "/Vault/a.md", strings.Repeat("x", i))
	}

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.md", entries[0].Name())
}

func TestWriteTooLarge(t *testing.T) {
	root := t.TempDir()
	s, err := New(Config{Root: root, RootName: "Vault", MaxContentSize: 4}, nil)
	require.NoError(t, err)

	_, err = s.Write(context.Background(), WriteRequest{Path: "a.md", Content: "12345"})
	requireKind(t, err, errs.InvalidPath)
	assert.NoFileExists(t, filepath.Join(root, "a.md"))
}

func TestWriteValidation(t *testing.T) {
	s, rec, _ := newStore(t)
	ctx := context.Background()

	_, err := s.Write(ctx, WriteRequest{Content: "x"})
	requireKind(t, err, errs.InvalidPath)

	for _, p := range []string{"   ", "../escape.md", "/Vault/../../x.md", "/Vault/a\x00.md"} {
		_, err := s.Write(ctx, WriteRequest{Path: p, Content: "x"})
		requireKind(t, err, errs.InvalidPath)
	}
	assert.Empty(t, rec.take())
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	s, rec, _ := newStore(t)

	_, err := s.Update(ctx, WriteRequest{Path: "/Vault/missing.md", Content: "x"})
	requireKind(t, err, errs.NotFound)
	assert.Empty(t, rec.take())

	mustWrite(t, s, "/Vault/a.md", "one")
	rec.take()

	res, err := s.Update(ctx, WriteRequest{Path: "/Vault/a.md", Content: "two"})
	require.NoError(t, err)
	assert.False(t, res.Created)
	evs := rec.take()
	require.Len(t, evs, 1)
	assert.Equal(t, events.EventUpdated, evs[0].Type)

	read, err := s.ReadContent(ctx, ReadRequest{Path: "/Vault/a.md"})
	require.NoError(t, err)
	assert.Equal(t, "two", read.Content)
}

func TestReadFolder(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newStore(t)
	mustWrite(t, s, "/Vault/b.md", "b")
	mustWrite(t, s, "/Vault/A.md", "a")
	mustWrite(t, s, "/Vault/sub/c.md", "c")
	mustWrite(t, s, "/Vault/.obsidian/workspace", "{}")

	for _, p := range []string{"", "/", "/Vault"} {
		res, err := s.Read(ctx, ReadRequest{Path: p})
		require.NoError(t, err)
		assert.True(t, res.IsDir)
		assert.Equal(t, "/Vault", res.Path)
		assert.Equal(t, []string{"A.md", "b.md", "sub"}, nodeNames(res.Tree))
		sub := findNode(res.Tree, "/Vault/sub")
		require.NotNil(t, sub)
		assert.Equal(t, []string{"c.md"}, nodeNames(sub.Children))
	}
}

func TestReadContentOfFolder(t *testing.T) {
	s, _, _ := newStore(t)
	_, err := s.ReadContent(context.Background(), ReadRequest{Path: "/"})
	requireKind(t, err, errs.NotAFile)
}

func TestStat(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newStore(t)
	mustWrite(t, s, "/Vault/notes/a.md", "hello")

	info, err := s.Stat(ctx, ReadRequest{Path: "/Vault/notes/a.md"})
	require.NoError(t, err)
	assert.Equal(t, "a.md", info.Name)
	assert.Equal(t, int64(5), info.Size)
	assert.False(t, info.IsDir)

	info, err = s.Stat(ctx, ReadRequest{})
	require.NoError(t, err)
	assert.Equal(t, "Vault", info.Name)
	assert.True(t, info.IsDir)

	_, err = s.Stat(ctx, ReadRequest{Path: "/Vault/nope"})
	requireKind(t, err, errs.NotFound)
}

func TestListNamesErrors(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newStore(t)
	mustWrite(t, s, "/Vault/a.md", "x")

	_, err := s.ListNames(ctx, ListRequest{Path: "/Vault/missing"})
	requireKind(t, err, errs.NotFound)
	_, err = s.ListNames(ctx, ListRequest{Path: "/Vault/a.md"})
	requireKind(t, err, errs.NotADirectory)

	res, err := s.ListNames(ctx, ListRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.md"}, res.Names)
}

func TestCreateFolder(t *testing.T) {
	ctx := context.Background()
	s, rec, root := newStore(t)

	res, err := s.CreateFolder(ctx, FolderRequest{Path: "/Vault/a/b/c"})
	require.NoError(t, err)
	assert.Equal(t, "/Vault/a/b/c", res.Path)
	assert.DirExists(t, filepath.Join(root, "a", "b", "c"))
	assert.Equal(t, []events.Event{{
		Collection: "Vault", Type: events.EventCreated, Path: "/Vault/a/b/c", IsDir: true,
		Timestamp: fixedNow.UnixMilli(),
	}}, rec.take())

	_, err = s.CreateFolder(ctx, FolderRequest{Path: "/Vault/a/b/c"})
	requireKind(t, err, errs.Conflict)
	assert.Equal(t, errs.ReasonDirectory, errs.ReasonOf(err))
	assert.Empty(t, rec.take())
}

func TestCreateFolderOverFile(t *testing.T) {
	ctx := context.Background()
	s, rec, root := newStore(t)
	mustWrite(t, s, "/Vault/note.md", "keep me")
	rec.take()

	_, err := s.CreateFolder(ctx, FolderRequest{Path: "/Vault/note.md"})
	requireKind(t, err, errs.Conflict)
	assert.Equal(t, errs.ReasonFile, errs.ReasonOf(err))

	_, err = s.CreateFolder(ctx, FolderRequest{Path: "/Vault/note.md/sub"})
	requireKind(t, err, errs.NotADirectory)

	data, err := os.ReadFile(filepath.Join(root, "note.md"))
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(data))
	assert.Empty(t, rec.take())
}

func TestDeleteRootForbidden(t *testing.T) {
	ctx := context.Background()
	s, rec, root := newStore(t)
	mustWrite(t, s, "/Vault/a.md", "x")
	rec.take()

	for _, p := range []string{"/", "/Vault", "/Vault/", "/Vault/sub/.."} {
		for _, recursive := range []bool{false, true} {
			_, err := s.Delete(ctx, DeleteRequest{Path: p, Recursive: recursive})
			requireKind(t, err, errs.Forbidden)
		}
	}
	assert.FileExists(t, filepath.Join(root, "a.md"))
	assert.Empty(t, rec.take())
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s, rec, root := newStore(t)
	mustWrite(t, s, "/Vault/dir/a.md", "x")
	mustWrite(t, s, "/Vault/dir/sub/b.md", "y")
	mustWrite(t, s, "/Vault/file.md", "z")
	_, err := s.CreateFolder(ctx, FolderRequest{Path: "/Vault/empty"})
	require.NoError(t, err)
	rec.take()

	_, err = s.Delete(ctx, DeleteRequest{Path: "/Vault/dir"})
	requireKind(t, err, errs.NotEmpty)
	assert.Empty(t, rec.take())

	res, err := s.Delete(ctx, DeleteRequest{Path: "/Vault/dir", Recursive: true})
	require.NoError(t, err)
	assert.True(t, res.IsDir)
	assert.NoDirExists(t, filepath.Join(root, "dir"))
	evs := rec.take()
	require.Len(t, evs, 1)
	assert.Equal(t, events.EventDeleted, evs[0].Type)
	assert.True(t, evs[0].IsDir)

	res, err = s.Delete(ctx, DeleteRequest{Path: "/Vault/empty"})
	require.NoError(t, err)
	assert.True(t, res.IsDir)

	res, err = s.Delete(ctx, DeleteRequest{Path: "/Vault/file.md"})
	require.NoError(t, err)
	assert.False(t, res.IsDir)
	assert.Len(t, rec.take(), 2)

	_, err = s.Delete(ctx, DeleteRequest{Path: "/Vault/file.md"})
	requireKind(t, err, errs.NotFound)
}

func TestDeleteHiddenOnlyFolderIsNotEmpty(t *testing.T) {
	ctx := context.Background()
	s, _, root := newStore(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "dir"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "dir", ".keep"), nil, 0o644))

	_, err := s.Delete(ctx, DeleteRequest{Path: "/Vault/dir"})
	requireKind(t, err, errs.NotEmpty)
}

func TestMoveFolder(t *testing.T) {
	ctx := context.Background()
	s, rec, root := newStore(t)
	mustWrite(t, s, "/Vault/src/a.md", "a")
	mustWrite(t, s, "/Vault/src/deep/b.md", "b")
	rec.take()

	res, err := s.Move(ctx, MoveRequest{Source: "/Vault/src", Target: "/Vault/archive/2024/src"})
	require.NoError(t, err)
	assert.True(t, res.IsDir)
	assert.FileExists(t, filepath.Join(root, "archive", "2024", "src", "deep", "b.md"))
	assert.NoDirExists(t, filepath.Join(root, "src"))

	evs := rec.take()
	require.Len(t, evs, 1)
	assert.True(t, evs[0].IsDir)
	assert.Equal(t, "/Vault/src", evs[0].OldPath)
}

func TestMoveErrors(t *testing.T) {
	ctx := context.Background()
	s, rec, _ := newStore(t)
	mustWrite(t, s, "/Vault/dir/a.md", "a")
	rec.take()

	_, err := s.Move(ctx, MoveRequest{Source: "/Vault/missing.md", Target: "/Vault/x.md"})
	requireKind(t, err, errs.NotFound)

	_, err = s.Move(ctx, MoveRequest{Source: "/", Target: "/Vault/x"})
	requireKind(t, err, errs.Forbidden)

	_, err = s.Move(ctx, MoveRequest{Source: "/Vault/dir", Target: "/Vault/dir/inner"})
	requireKind(t, err, errs.InvalidPath)

	_, err = s.Move(ctx, MoveRequest{Source: "/Vault/dir/a.md", Target: "../outside.md"})
	requireKind(t, err, errs.InvalidPath)

	_, err = s.Move(ctx, MoveRequest{Source: "/Vault/dir/a.md"})
	requireKind(t, err, errs.InvalidPath)

	assert.Empty(t, rec.take())
}

func TestMoveFailureRemovesCreatedParents(t *testing.T) {
	if os.Geteuid() <= 0 {
		t.Skip("permission bits are not enforced for this user")
	}
	ctx := context.Background()
	s, rec, root := newStore(t)
	mustWrite(t, s, "/Vault/locked/a.md", "a")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "archive"), 0o755))
	rec.take()

	locked := filepath.Join(root, "locked")
	require.NoError(t, os.Chmod(locked, 0o555))
	t.Cleanup(func() { os.Chmod(locked, 0o755) })

	_, err := s.Move(ctx, MoveRequest{Source: "/Vault/locked/a.md", Target: "/Vault/archive/2024/q1/a.md"})
	requireKind(t, err, errs.Internal)

	assert.NoDirExists(t, filepath.Join(root, "archive", "2024"))
	assert.DirExists(t, filepath.Join(root, "archive"))
	assert.FileExists(t, filepath.Join(locked, "a.md"))
	assert.Empty(t, rec.take())
}

func TestMkdirParents(t *testing.T) {
	base := t.TempDir()
	deep := filepath.Join(base, "a", "b", "c")

	created, err := mkdirParents(deep)
	require.NoError(t, err)
	assert.Equal(t, []string{deep, filepath.Join(base, "a", "b"), filepath.Join(base, "a")}, created)
	assert.DirExists(t, deep)

	created, err = mkdirParents(deep)
	require.NoError(t, err)
	assert.Empty(t, created)
}

func treeNodesGauge(t *testing.T) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "vault_tree_nodes" {
			require.Len(t, mf.GetMetric(), 1)
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatal("vault_tree_nodes not registered")
	return 0
}

func TestTreeGaugeTracksWholeVault(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newStore(t)
	mustWrite(t, s, "/Vault/a.md", "a")
	mustWrite(t, s, "/Vault/sub/b.md", "b")
	mustWrite(t, s, "/Vault/sub/c.md", "c")

	_, err := s.Read(ctx, ReadRequest{Path: "/Vault"})
	require.NoError(t, err)
	assert.Equal(t, float64(4), treeNodesGauge(t))

	_, err = s.Read(ctx, ReadRequest{Path: "/Vault/sub"})
	require.NoError(t, err)
	assert.Equal(t, float64(4), treeNodesGauge(t))
}

func TestConcurrentWritesAndFolders(t *testing.T) {
	ctx := context.Background()
	s, rec, _ := newStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Write(ctx, WriteRequest{
				Path:    "/Vault/shared/deep/" + string(rune('a'+i)) + ".md",
				Content: "x",
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	res, err := s.ListNames(ctx, ListRequest{Path: "/Vault/shared/deep"})
	require.NoError(t, err)
	assert.Len(t, res.Names, 16)
	assert.Len(t, rec.take(), 16)
}
