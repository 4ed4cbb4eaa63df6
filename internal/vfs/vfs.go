// Package vfs is a minimal in-memory filesystem rooted at a singleton
// directory node, standing in for the persistent disk filesystem the
// teacher's fs.Fs_t and ufs.Ufs_t implement (spec §10.2). It keeps the
// teacher's node-capability shape — a small interface any file or
// directory satisfies, looked up by path component — without the
// on-disk block log, since this spec's scope ends at block I/O rather
// than a journaled filesystem.
package vfs

import (
	"strings"
	"sync"

	"kerncore/internal/kerr"
)

// Kind distinguishes file nodes from directory nodes.
type Kind int

const (
	KindFile Kind = iota
	KindDir
)

// Node is any entry in the ramfs tree.
type Node interface {
	Name() string
	Kind() Kind
}

// File is a plain byte-addressable in-memory file.
type File struct {
	mu   sync.Mutex
	name string
	data []byte
}

func (f *File) Name() string { return f.name }
func (f *File) Kind() Kind   { return KindFile }

// Read copies min(len(buf), remaining) bytes starting at off into buf.
func (f *File) Read(off int64, buf []byte) (int, kerr.Kind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off < 0 || off > int64(len(f.data)) {
		return 0, kerr.InvalidArgument
	}
	n := copy(buf, f.data[off:])
	return n, kerr.Ok
}

// Write copies buf into the file starting at off, growing it if
// necessary.
func (f *File) Write(off int64, buf []byte) (int, kerr.Kind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off < 0 {
		return 0, kerr.InvalidArgument
	}
	end := off + int64(len(buf))
	if end > int64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	n := copy(f.data[off:], buf)
	return n, kerr.Ok
}

// Size returns the current file length.
func (f *File) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.data))
}

// Dir is an in-memory directory: a name-indexed set of child nodes.
type Dir struct {
	mu       sync.Mutex
	name     string
	children map[string]Node
}

func (d *Dir) Name() string { return d.name }
func (d *Dir) Kind() Kind   { return KindDir }

func newDir(name string) *Dir {
	return &Dir{name: name, children: make(map[string]Node)}
}

// Lookup returns the named immediate child.
func (d *Dir) Lookup(name string) (Node, kerr.Kind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.children[name]
	if !ok {
		return nil, kerr.NotFound
	}
	return n, kerr.Ok
}

// List returns every immediate child's name.
func (d *Dir) List() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.children))
	for name := range d.children {
		out = append(out, name)
	}
	return out
}

// CreateFile adds a new empty file under this directory.
func (d *Dir) CreateFile(name string) (*File, kerr.Kind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.children[name]; ok {
		return nil, kerr.AlreadyExists
	}
	f := &File{name: name}
	d.children[name] = f
	return f, kerr.Ok
}

// CreateDir adds a new empty subdirectory under this directory.
func (d *Dir) CreateDir(name string) (*Dir, kerr.Kind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.children[name]; ok {
		return nil, kerr.AlreadyExists
	}
	sub := newDir(name)
	d.children[name] = sub
	return sub, kerr.Ok
}

// Remove deletes the named immediate child.
func (d *Dir) Remove(name string) kerr.Kind {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.children[name]; !ok {
		return kerr.NotFound
	}
	delete(d.children, name)
	return kerr.Ok
}

// Ramfs is the filesystem singleton: a root directory plus path
// resolution.
type Ramfs struct {
	root *Dir
}

// NewRamfs creates an empty filesystem with a root directory.
func NewRamfs() *Ramfs {
	return &Ramfs{root: newDir("/")}
}

// Root returns the root directory node.
func (r *Ramfs) Root() *Dir { return r.root }

// Resolve walks a slash-separated absolute path from the root,
// returning the node it names.
func (r *Ramfs) Resolve(path string) (Node, kerr.Kind) {
	path = strings.Trim(path, "/")
	if path == "" {
		return r.root, kerr.Ok
	}
	var cur Node = r.root
	for _, part := range strings.Split(path, "/") {
		dir, ok := cur.(*Dir)
		if !ok {
			return nil, kerr.NotADirectory
		}
		next, k := dir.Lookup(part)
		if k != kerr.Ok {
			return nil, k
		}
		cur = next
	}
	return cur, kerr.Ok
}
