package kanvfs

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kan-engine/kanrt/kanstream"
	"github.com/kan-engine/kanrt/kanvfs/ropack"
)

type resolvedKind int

const (
	resolvedVirtualDir resolvedKind = iota
	resolvedReal
	resolvedRopackDir
	resolvedRopackFile
)

type resolution struct {
	kind          resolvedKind
	virtualDir    dirID
	realFullPath  string
	ropackDir     *ropack.Directory
	ropackFile    *ropack.FileNode
	ropackArchive string // backing file path, set when kind is ropack*
}

// resolve implements spec.md §4.2's path resolution algorithm: walk
// child virtual directories until a component is missing, then attempt
// a mount match (real, then ropack); inside a ropack, resolution
// continues through ropack directories with the final component looked
// up in the file hash table.
func (v *Volume) resolve(rawPath string) (resolution, error) {
	p, err := kanstream.NewPath(rawPath)
	if err != nil {
		return resolution{}, fmt.Errorf("%w: %v", ErrPathInvalid, err)
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	current := rootDirID
	components := p.Components()
	for i := 0; i < len(components); i++ {
		comp := components[i]
		node := v.dir(current)
		if child, ok := node.children[comp]; ok {
			current = child
			continue
		}
		if rm, ok := node.realMounts[comp]; ok {
			rest := components[i+1:]
			full := filepath.Join(append([]string{rm.realPath}, rest...)...)
			return resolution{kind: resolvedReal, realFullPath: full}, nil
		}
		if rp, ok := node.ropackMounts[comp]; ok {
			return resolveInRopack(rp.pack.Root, rp.realFilePath, components[i+1:])
		}
		return resolution{}, ErrNotFound
	}
	return resolution{kind: resolvedVirtualDir, virtualDir: current}, nil
}

func resolveInRopack(dir *ropack.Directory, archivePath string, rest []string) (resolution, error) {
	if len(rest) == 0 {
		return resolution{kind: resolvedRopackDir, ropackDir: dir, ropackArchive: archivePath}, nil
	}
	for i := 0; i < len(rest)-1; i++ {
		child, ok := dir.Children[rest[i]]
		if !ok {
			return resolution{}, ErrNotFound
		}
		dir = child
	}
	last := rest[len(rest)-1]
	if child, ok := dir.Children[last]; ok {
		return resolution{kind: resolvedRopackDir, ropackDir: child, ropackArchive: archivePath}, nil
	}
	if node, ok := dir.LookupFile(last); ok {
		return resolution{kind: resolvedRopackFile, ropackDir: dir, ropackFile: node, ropackArchive: archivePath}, nil
	}
	return resolution{}, ErrNotFound
}

// QueryEntry reports the kind and size of the entry at path.
func (v *Volume) QueryEntry(path string) (EntryInfo, error) {
	res, err := v.resolve(path)
	if err != nil {
		return EntryInfo{}, err
	}
	switch res.kind {
	case resolvedVirtualDir, resolvedRopackDir:
		return EntryInfo{Kind: EntryDirectory}, nil
	case resolvedRopackFile:
		return EntryInfo{Kind: EntryFile, Size: int64(res.ropackFile.Size)}, nil
	case resolvedReal:
		info, err := os.Stat(res.realFullPath)
		if err != nil {
			return EntryInfo{}, ErrNotFound
		}
		if info.IsDir() {
			return EntryInfo{Kind: EntryDirectory}, nil
		}
		return EntryInfo{Kind: EntryFile, Size: info.Size()}, nil
	}
	return EntryInfo{}, ErrNotFound
}

// CheckExistence reports whether path resolves to anything at all.
func (v *Volume) CheckExistence(path string) bool {
	_, err := v.QueryEntry(path)
	return err == nil
}

// OpenForRead opens a read-only stream for the file at path.
func (v *Volume) OpenForRead(path string) (kanstream.Stream, error) {
	res, err := v.resolve(path)
	if err != nil {
		return nil, err
	}
	switch res.kind {
	case resolvedReal:
		info, err := os.Stat(res.realFullPath)
		if err != nil {
			return nil, ErrNotFound
		}
		if info.IsDir() {
			return nil, ErrNotAFile
		}
		f, err := os.Open(res.realFullPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStreamIO, err)
		}
		return kanstream.NewFileStream(f, true, false), nil
	case resolvedRopackFile:
		f, err := os.Open(res.ropackArchive)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStreamIO, err)
		}
		archive := kanstream.NewFileStream(f, true, false)
		bounded, err := kanstream.NewBoundedStream(archive, int64(res.ropackFile.Offset), int64(res.ropackFile.Size))
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: %v", ErrStreamIO, err)
		}
		return bounded, nil
	default:
		return nil, ErrNotAFile
	}
}

// OpenForWrite opens a write stream for the file at path, creating it if
// absent. Ropack targets are always rejected (spec.md §4.2: "Modifying
// or deleting anything inside a ropack is always rejected").
func (v *Volume) OpenForWrite(path string) (kanstream.Stream, error) {
	res, err := v.resolve(path)
	if err != nil {
		if err == ErrNotFound {
			return v.createForWrite(path)
		}
		return nil, err
	}
	switch res.kind {
	case resolvedReal:
		info, statErr := os.Stat(res.realFullPath)
		if statErr == nil && info.IsDir() {
			return nil, ErrNotAFile
		}
		f, err := os.OpenFile(res.realFullPath, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStreamIO, err)
		}
		return kanstream.NewFileStream(f, true, true), nil
	case resolvedRopackDir, resolvedRopackFile:
		return nil, ErrReadOnly
	default:
		return nil, ErrNotAFile
	}
}

func (v *Volume) createForWrite(path string) (kanstream.Stream, error) {
	dirPath, base := splitLast(path)
	res, err := v.resolve(dirPath)
	if err != nil {
		return nil, err
	}
	if res.kind != resolvedReal {
		return nil, ErrReadOnly
	}
	full := filepath.Join(res.realFullPath, base)
	f, err := os.OpenFile(full, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStreamIO, err)
	}
	return kanstream.NewFileStream(f, true, true), nil
}

func splitLast(rawPath string) (dir, base string) {
	p, err := kanstream.NewPath(rawPath)
	if err != nil || p.Empty() {
		return "", rawPath
	}
	comps := p.Components()
	return joinComponents(comps[:len(comps)-1]), comps[len(comps)-1]
}

func joinComponents(comps []string) string {
	out := ""
	for i, c := range comps {
		if i > 0 {
			out += "/"
		}
		out += c
	}
	return out
}

// RemoveFile deletes a single file; ropack targets are rejected.
func (v *Volume) RemoveFile(path string) error {
	res, err := v.resolve(path)
	if err != nil {
		return err
	}
	switch res.kind {
	case resolvedReal:
		info, statErr := os.Stat(res.realFullPath)
		if statErr != nil {
			return ErrNotFound
		}
		if info.IsDir() {
			return ErrNotAFile
		}
		if err := os.Remove(res.realFullPath); err != nil {
			return fmt.Errorf("%w: %v", ErrStreamIO, err)
		}
		return nil
	case resolvedRopackDir, resolvedRopackFile:
		return ErrReadOnly
	default:
		return ErrNotAFile
	}
}

// RemoveEmptyDirectory removes a directory that must contain nothing,
// distinct from RemoveDirectoryWithContent per spec.md's SPEC_FULL note.
func (v *Volume) RemoveEmptyDirectory(path string) error {
	res, err := v.resolve(path)
	if err != nil {
		return err
	}
	switch res.kind {
	case resolvedVirtualDir:
		v.mu.Lock()
		defer v.mu.Unlock()
		node := v.dir(res.virtualDir)
		if len(node.children) > 0 || len(node.realMounts) > 0 || len(node.ropackMounts) > 0 {
			return ErrNotEmpty
		}
		if res.virtualDir == rootDirID {
			return ErrReadOnly
		}
		parent := v.dir(node.parent)
		delete(parent.children, node.name)
		return nil
	case resolvedReal:
		entries, err := os.ReadDir(res.realFullPath)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStreamIO, err)
		}
		if len(entries) > 0 {
			return ErrNotEmpty
		}
		if err := os.Remove(res.realFullPath); err != nil {
			return fmt.Errorf("%w: %v", ErrStreamIO, err)
		}
		return nil
	case resolvedRopackDir:
		return ErrReadOnly
	default:
		return ErrNotADirectory
	}
}

// RemoveDirectoryWithContent recursively removes a directory and
// everything beneath it.
func (v *Volume) RemoveDirectoryWithContent(path string) error {
	res, err := v.resolve(path)
	if err != nil {
		return err
	}
	switch res.kind {
	case resolvedVirtualDir:
		if res.virtualDir == rootDirID {
			return ErrReadOnly
		}
		v.mu.Lock()
		node := v.dir(res.virtualDir)
		parent := v.dir(node.parent)
		delete(parent.children, node.name)
		v.mu.Unlock()
		return nil
	case resolvedReal:
		if err := os.RemoveAll(res.realFullPath); err != nil {
			return fmt.Errorf("%w: %v", ErrStreamIO, err)
		}
		return nil
	case resolvedRopackDir:
		return ErrReadOnly
	default:
		return ErrNotADirectory
	}
}
