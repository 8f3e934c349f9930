package kanvfs

import (
	"fmt"
	"os"
	"sync"

	"github.com/kan-engine/kanrt/kanstream"
	"github.com/kan-engine/kanrt/kanvfs/ropack"
)

// dirID is an arena index into Volume.dirs, replacing the source's
// parent back-pointer with a weak index per the DESIGN NOTES' "cyclic
// graphs" guidance.
type dirID int32

const rootDirID dirID = 0
const noDir dirID = -1

// EntryKind classifies a resolved VFS entry, per the GLOSSARY.
type EntryKind int

const (
	EntryUnknown EntryKind = iota
	EntryFile
	EntryDirectory
)

// EntryInfo is the result of QueryEntry.
type EntryInfo struct {
	Kind EntryKind
	Size int64
}

type realMount struct {
	name     string
	ownerDir dirID
	realPath string
}

type ropackMount struct {
	name         string
	realFilePath string
	pack         *ropack.Pack
}

type dirNode struct {
	name         string
	parent       dirID
	children     map[string]dirID
	realMounts   map[string]*realMount
	ropackMounts map[string]*ropackMount
}

func newDirNode(name string, parent dirID) *dirNode {
	return &dirNode{
		name:         name,
		parent:       parent,
		children:     make(map[string]dirID),
		realMounts:   make(map[string]*realMount),
		ropackMounts: make(map[string]*ropackMount),
	}
}

// Volume is the VFS volume from spec.md §3: "root virtual directory +
// doubly linked list of active watchers". The watcher list is modelled
// as a guarded slice rather than a literal linked list, per idiomatic Go.
type Volume struct {
	mu       sync.RWMutex
	dirs     []*dirNode
	watchers []*Watcher
}

// NewVolume returns an empty volume with just a root virtual directory.
func NewVolume() *Volume {
	v := &Volume{}
	v.dirs = append(v.dirs, newDirNode("", noDir))
	return v
}

func (v *Volume) dir(id dirID) *dirNode {
	return v.dirs[id]
}

// nameTaken reports whether name already names a child directory or
// mount under parent, per spec.md §3's mount-uniqueness invariant.
func (v *Volume) nameTaken(parent dirID, name string) bool {
	node := v.dir(parent)
	if _, ok := node.children[name]; ok {
		return true
	}
	if _, ok := node.realMounts[name]; ok {
		return true
	}
	if _, ok := node.ropackMounts[name]; ok {
		return true
	}
	return false
}

// MakeDirectory creates every missing virtual directory component along
// path, failing if any existing component along the way is a mount
// rather than a plain virtual directory.
func (v *Volume) MakeDirectory(rawPath string) error {
	p, err := kanstream.NewPath(rawPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPathInvalid, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	current := rootDirID
	for _, comp := range p.Components() {
		node := v.dir(current)
		if child, ok := node.children[comp]; ok {
			current = child
			continue
		}
		if v.nameTaken(current, comp) {
			return ErrNameCollision
		}
		id := dirID(len(v.dirs))
		v.dirs = append(v.dirs, newDirNode(comp, current))
		node.children[comp] = id
		current = id
	}
	return nil
}

// MountReal mounts a real host directory at parentPath/name, per
// spec.md §4.2.
func (v *Volume) MountReal(parentPath, name, realPath string) error {
	if info, err := os.Stat(realPath); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: real mount target %q", ErrNotADirectory, realPath)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	parent, err := v.resolveDirLocked(parentPath)
	if err != nil {
		return err
	}
	if v.nameTaken(parent, name) {
		return ErrNameCollision
	}
	v.dir(parent).realMounts[name] = &realMount{name: name, ownerDir: parent, realPath: realPath}
	return nil
}

// UnmountReal removes a previously mounted real directory, synthesizing
// recursive removed events for every attached watcher (spec.md §4.2).
func (v *Volume) UnmountReal(parentPath, name string) error {
	v.mu.Lock()
	parent, err := v.resolveDirLocked(parentPath)
	if err != nil {
		v.mu.Unlock()
		return err
	}
	node := v.dir(parent)
	mount, ok := node.realMounts[name]
	if !ok {
		v.mu.Unlock()
		return ErrNotFound
	}
	delete(node.realMounts, name)
	watchers := append([]*Watcher{}, v.watchers...)
	v.mu.Unlock()

	prefix := joinVirtual(parentPath, name)
	for _, w := range watchers {
		w.synthesizeRemoval(v, prefix, mount.realPath)
	}
	return nil
}

// MountRopack opens and mounts a sealed ropack archive at
// parentPath/name, per spec.md §4.2. On registry read failure no
// partial mount is left, per the ropack.Open contract.
func (v *Volume) MountRopack(parentPath, name, archivePath string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStreamIO, err)
	}
	defer f.Close()

	pack, err := ropack.Open(kanstream.NewFileStream(f, true, false))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRegistryInvalid, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	parent, err := v.resolveDirLocked(parentPath)
	if err != nil {
		return err
	}
	if v.nameTaken(parent, name) {
		return ErrNameCollision
	}
	v.dir(parent).ropackMounts[name] = &ropackMount{name: name, realFilePath: archivePath, pack: pack}
	return nil
}

// UnmountRopack removes a previously mounted ropack.
func (v *Volume) UnmountRopack(parentPath, name string) error {
	v.mu.Lock()
	parent, err := v.resolveDirLocked(parentPath)
	if err != nil {
		v.mu.Unlock()
		return err
	}
	node := v.dir(parent)
	mount, ok := node.ropackMounts[name]
	if !ok {
		v.mu.Unlock()
		return ErrNotFound
	}
	delete(node.ropackMounts, name)
	watchers := append([]*Watcher{}, v.watchers...)
	v.mu.Unlock()

	prefix := joinVirtual(parentPath, name)
	for _, w := range watchers {
		w.synthesizeRopackRemoval(prefix, mount.pack.Root)
	}
	return nil
}

func joinVirtual(parentPath, name string) string {
	if parentPath == "" || parentPath == "/" {
		return name
	}
	return parentPath + "/" + name
}

// resolveDirLocked resolves path to a pure virtual directory id. Caller
// must hold v.mu.
func (v *Volume) resolveDirLocked(rawPath string) (dirID, error) {
	p, err := kanstream.NewPath(rawPath)
	if err != nil {
		return noDir, fmt.Errorf("%w: %v", ErrPathInvalid, err)
	}
	current := rootDirID
	for _, comp := range p.Components() {
		node := v.dir(current)
		child, ok := node.children[comp]
		if !ok {
			return noDir, ErrNotFound
		}
		current = child
	}
	return current, nil
}
