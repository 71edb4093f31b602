package tree

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/fruitsalade/vault/internal/errs"
	"github.com/fruitsalade/vault/internal/models"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
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

func fixture(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "banana.md"), "b")
	writeFile(t, filepath.Join(root, "Apple.md"), "a")
	writeFile(t, filepath.Join(root, "cherry.md"), "c")
	writeFile(t, filepath.Join(root, ".hidden.md"), "h")
	writeFile(t, filepath.Join(root, "Drafts", "zeta.md"), "z")
	writeFile(t, filepath.Join(root, "Drafts", "Alpha.md"), "a")
	writeFile(t, filepath.Join(root, "Drafts", ".obsidian", "config"), "{}")
	writeFile(t, filepath.Join(root, ".git", "HEAD"), "ref")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))
	return root
}

func TestBuild(t *testing.T) {
	root := fixture(t)

	nodes, err := NewBuilder().Build(root, "/Vault")
	require.NoError(t, err)

	assert.Equal(t, []string{"Apple.md", "banana.md", "cherry.md", "Drafts", "empty"}, nodeNames(nodes))

	drafts := findNode(nodes, "/Vault/Drafts")
	require.NotNil(t, drafts)
	assert.True(t, drafts.IsDir)
	assert.Equal(t, []string{"Alpha.md", "zeta.md"}, nodeNames(drafts.Children))
	assert.Equal(t, "/Vault/Drafts/zeta.md", drafts.Children[1].Path)
	assert.False(t, drafts.Children[1].IsDir)
	assert.Nil(t, drafts.Children[1].Children)

	empty := findNode(nodes, "/Vault/empty")
	require.NotNil(t, empty)
	assert.True(t, empty.IsDir)
	assert.Empty(t, empty.Children)

	assert.Equal(t, 7, models.CountNodes(nodes))
}

func TestBuildExcludesHiddenAtEveryLevel(t *testing.T) {
	root := fixture(t)

	nodes, err := NewBuilder().Build(root, "/Vault")
	require.NoError(t, err)

	var walk func([]*models.Node)
	walk = func(ns []*models.Node) {
		for _, n := range ns {
			assert.False(t, strings.HasPrefix(n.Name, "."), "hidden entry %s", n.Path)
			walk(n.Children)
		}
	}
	walk(nodes)
}

func TestBuildOrderingIsCaseInsensitive(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"delta", "Charlie", "bravo", "Alpha", "echo", "note.md", "Note.md"} {
		writeFile(t, filepath.Join(root, name), "")
	}

	nodes, err := NewBuilder().Build(root, "/Vault")
	require.NoError(t, err)
	assert.Equal(t,
		[]string{"Alpha", "bravo", "Charlie", "delta", "echo", "Note.md", "note.md"},
		nodeNames(nodes))

	// Stable for an unchanged directory.
	again, err := NewBuilder().Build(root, "/Vault")
	require.NoError(t, err)
	assert.Equal(t, nodeNames(nodes), nodeNames(again))
}

func TestBuildFailsClosed(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for this user")
	}
	root := fixture(t)
	locked := filepath.Join(root, "Drafts")
	require.NoError(t, os.Chmod(locked, 0o000))
	t.Cleanup(func() { os.Chmod(locked, 0o755) })

	nodes, err := NewBuilder().Build(root, "/Vault")
	require.Error(t, err)
	assert.Nil(t, nodes)
	assert.Equal(t, errs.Internal, errs.KindOf(err))
}

func TestBuildMissingDirectory(t *testing.T) {
	_, err := NewBuilder().Build(filepath.Join(t.TempDir(), "nope"), "/Vault/nope")
	require.Error(t, err)
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
}

func TestListNames(t *testing.T) {
	root := fixture(t)
	b := NewBuilder()

	names, err := b.ListNames(root, "/Vault")
	require.NoError(t, err)
	assert.Equal(t, []string{"Apple.md", "banana.md", "cherry.md", "Drafts", "empty"}, names)

	names, err = b.ListNames(filepath.Join(root, "Drafts"), "/Vault/Drafts")
	require.NoError(t, err)
	assert.Equal(t, []string{"Alpha.md", "zeta.md"}, names)

	names, err = b.ListNames(filepath.Join(root, "empty"), "/Vault/empty")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestListNamesErrors(t *testing.T) {
	root := fixture(t)
	b := NewBuilder()

	_, err := b.ListNames(filepath.Join(root, "missing"), "/Vault/missing")
	require.Error(t, err)
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
	assert.Contains(t, err.Error(), "/Vault/missing")

	_, err = b.ListNames(filepath.Join(root, "Apple.md"), "/Vault/Apple.md")
	require.Error(t, err)
	assert.Equal(t, errs.NotADirectory, errs.KindOf(err))
}

func TestSortWithLocale(t *testing.T) {
	names := []string{"zebra", "Äpfel", "apple", "Banana"}
	NewBuilder(WithLocale(language.German)).Sort(names)
	assert.Equal(t, []string{"apple", "Äpfel", "Banana", "zebra"}, names)
}

func TestListNamesMatchesBuildOrder(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"zebra.md", "Äpfel.md", "apple.md", "Banana"} {
		writeFile(t, filepath.Join(root, name), "")
	}
	b := NewBuilder(WithLocale(language.German))

	names, err := b.ListNames(root, "/Vault")
	require.NoError(t, err)
	assert.Equal(t, []string{"apple.md", "Äpfel.md", "Banana", "zebra.md"}, names)

	nodes, err := b.Build(root, "/Vault")
	require.NoError(t, err)
	assert.Equal(t, names, nodeNames(nodes))
}

func TestIsHidden(t *testing.T) {
	assert.True(t, IsHidden(".git"))
	assert.True(t, IsHidden(".vault-123.tmp"))
	assert.False(t, IsHidden("notes.md"))
	assert.False(t, IsHidden("a.b"))
}
