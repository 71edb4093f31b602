// Package tree builds ordered snapshots of directories beneath the storage
// root.
//
// Hidden entries (names starting with ".") never appear in a snapshot or a
// listing. Siblings are ordered with a locale-aware, case-insensitive
// collation; names that collate equal fall back to byte order so a given
// directory state always produces the same output.
package tree

import (
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/fruitsalade/vault/internal/errs"
	"github.com/fruitsalade/vault/internal/models"
)

// Builder lists directories. It holds no filesystem state and is safe for
// concurrent use.
type Builder struct {
	locale language.Tag
}

// Option configures a Builder.
type Option func(*Builder)

// WithLocale sets the collation locale used to order siblings.
func WithLocale(tag language.Tag) Option {
	return func(b *Builder) { b.locale = tag }
}

// NewBuilder creates a Builder. The default locale is English.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{locale: language.English}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build returns the ordered children of dir, recursing into subdirectories.
// virtual is the public path of dir and prefixes every node path. Any read
// error aborts the whole build.
func (b *Builder) Build(dir, virtual string) ([]*models.Node, error) {
	// collate.Collator keeps internal buffers, so one per call.
	cmp := b.comparator()
	return b.build(cmp, dir, virtual)
}

func (b *Builder) build(cmp func(x, y string) int, dir, virtual string) ([]*models.Node, error) {
	entries, err := readVisible(dir)
	if err != nil {
		return nil, errs.FromOS("tree", virtual, err)
	}
	slices.SortStableFunc(entries, func(x, y fs.DirEntry) int {
		return cmp(x.Name(), y.Name())
	})

	nodes := make([]*models.Node, 0, len(entries))
	for _, entry := range entries {
		node := &models.Node{
			Name:  entry.Name(),
			Path:  models.ChildPath(virtual, entry.Name()),
			IsDir: entry.IsDir(),
		}
		if node.IsDir {
			children, err := b.build(cmp, filepath.Join(dir, entry.Name()), node.Path)
			if err != nil {
				return nil, err
			}
			node.Children = children
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// ListNames returns the ordered visible names directly inside dir.
func (b *Builder) ListNames(dir, virtual string) ([]string, error) {
	const op = "list"

	info, err := os.Stat(dir)
	if err != nil {
		return nil, errs.FromOS(op, virtual, err)
	}
	if !info.IsDir() {
		return nil, errs.New(errs.NotADirectory, op, virtual, "not a folder")
	}

	entries, err := readVisible(dir)
	if err != nil {
		return nil, errs.FromOS(op, virtual, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	b.Sort(names)
	return names, nil
}

// Sort orders names in place with the builder's collation.
func (b *Builder) Sort(names []string) {
	slices.SortStableFunc(names, b.comparator())
}

func (b *Builder) comparator() func(x, y string) int {
	c := collate.New(b.locale, collate.IgnoreCase)
	return func(x, y string) int {
		if r := c.CompareString(x, y); r != 0 {
			return r
		}
		return strings.Compare(x, y)
	}
}

// IsHidden reports whether name is excluded from listings.
func IsHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

func readVisible(dir string) ([]fs.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	visible := entries[:0]
	for _, entry := range entries {
		if IsHidden(entry.Name()) {
			continue
		}
		visible = append(visible, entry)
	}
	return visible, nil
}
