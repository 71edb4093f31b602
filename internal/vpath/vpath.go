// Package vpath maps public virtual paths (/<RootName>/a/b) onto filesystem
// paths beneath a single storage root.
//
// Every successful resolution satisfies one invariant: the filesystem path
// equals the storage root or is a descendant of it, compared by whole path
// components. Input that cannot satisfy it is rejected with an
// errs.InvalidPath error; it is never clamped.
package vpath

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/fruitsalade/vault/internal/errs"
)

var (
	repeatedSlash = regexp.MustCompile(`/{2,}`)
	driveLetter   = regexp.MustCompile(`^[A-Za-z]:$`)
)

// Resolved is the result of a successful resolution.
type Resolved struct {
	// Virtual is the normalized public path, always /<RootName>[/rel].
	Virtual string
	// FSPath is the absolute filesystem path inside the storage root.
	FSPath string
	// Rel is the slash-separated root-relative part of Virtual, "" for the root.
	Rel string
}

// Resolver resolves virtual paths against a fixed storage root.
type Resolver struct {
	root     string
	rootName string
	prefix   string
}

// NewResolver creates a resolver for the given absolute root directory and
// collection name.
func NewResolver(root, rootName string) (*Resolver, error) {
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("storage root %q is not absolute", root)
	}
	if rootName == "" || rootName == "." || rootName == ".." || strings.ContainsAny(rootName, `/\`) {
		return nil, fmt.Errorf("invalid root name %q", rootName)
	}
	return &Resolver{
		root:     filepath.Clean(root),
		rootName: rootName,
		prefix:   "/" + rootName,
	}, nil
}

// Root returns the cleaned storage root.
func (r *Resolver) Root() string { return r.root }

// RootName returns the collection name used as the virtual prefix.
func (r *Resolver) RootName() string { return r.rootName }

// IsRoot reports whether res points at the storage root itself.
func (r *Resolver) IsRoot(res Resolved) bool { return res.FSPath == r.root }

// Contains reports whether abs is the storage root or lies beneath it.
func (r *Resolver) Contains(abs string) bool {
	if !filepath.IsAbs(abs) {
		return false
	}
	abs = filepath.Clean(abs)
	if abs == r.root {
		return true
	}
	prefix := r.root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(abs, prefix)
}

// Resolve maps a caller-supplied path to a Resolved value.
func (r *Resolver) Resolve(raw string) (Resolved, error) {
	const op = "resolve"

	if strings.TrimSpace(raw) == "" {
		return Resolved{}, errs.Invalid(op, raw, "path is empty")
	}
	if strings.ContainsRune(raw, 0) {
		return Resolved{}, errs.Invalid(op, raw, "path contains a NUL byte")
	}

	p := normalize(raw)
	segs := segments(p)
	if len(segs) == 0 {
		if p == "/" {
			return Resolved{Virtual: r.prefix, FSPath: r.root}, nil
		}
		return Resolved{}, errs.Invalid(op, raw, "path has no segments")
	}

	var fsPath, rel string
	if driveLetter.MatchString(segs[0]) {
		// Foreign absolute input: no root-prefix mapping, containment only.
		fsPath = filepath.Clean(filepath.FromSlash(strings.Join(segs, "/")))
		if !r.Contains(fsPath) {
			return Resolved{}, errs.Invalid(op, raw, "path escapes the storage root")
		}
		rel = r.relSlash(fsPath)
	} else {
		leading := strings.HasPrefix(p, "/")
		prepared := strings.Join(segs, "/")
		if leading {
			prepared = "/" + prepared
		}

		direct := false
		switch {
		case prepared == r.prefix:
			rel = ""
		case strings.HasPrefix(prepared, r.prefix+"/"):
			rel = strings.TrimPrefix(prepared, r.prefix+"/")
		case leading && r.Contains(filepath.FromSlash(prepared)):
			fsPath = filepath.Clean(filepath.FromSlash(prepared))
			rel = r.relSlash(fsPath)
			direct = true
		case leading:
			rel = strings.TrimPrefix(prepared, "/")
		default:
			rel = prepared
		}
		if !direct {
			fsPath = filepath.Join(r.root, filepath.FromSlash(rel))
		}
	}

	if !r.Contains(fsPath) {
		return Resolved{}, errs.Invalid(op, raw, "path escapes the storage root")
	}

	virtual := r.prefix
	if rel != "" {
		virtual += "/" + rel
	}
	return Resolved{Virtual: virtual, FSPath: fsPath, Rel: rel}, nil
}

func (r *Resolver) relSlash(abs string) string {
	rel, err := filepath.Rel(r.root, abs)
	if err != nil || rel == "." {
		return ""
	}
	return filepath.ToSlash(rel)
}

// normalize converts separators, collapses repeated slashes and strips one
// trailing slash.
func normalize(raw string) string {
	p := strings.ReplaceAll(raw, `\`, "/")
	p = repeatedSlash.ReplaceAllString(p, "/")
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = p[:len(p)-1]
	}
	return p
}

func segments(p string) []string {
	parts := strings.Split(p, "/")
	segs := parts[:0]
	for _, s := range parts {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}
