package kanvfs

import (
	"os"
	"sort"
)

// DirEntry is a single child observed while iterating a directory, per
// spec.md §4.2: virtual subdirectories, real mounts, and ropack mounts
// are all iterated through one child-name namespace.
type DirEntry struct {
	Name string
	Kind EntryKind
}

// Iterator walks the children of a resolved virtual, real or ropack
// directory in a single stable pass, snapshotting names up front so
// concurrent mutation of the volume cannot invalidate it mid-iteration.
type Iterator struct {
	entries []DirEntry
	pos     int
}

// OpenIterator resolves path and returns an Iterator over its direct
// children, sorted by name. A path inside a real mount is listed with
// os.ReadDir; a path that resolves to a file yields ErrNotADirectory.
func (v *Volume) OpenIterator(path string) (*Iterator, error) {
	res, err := v.resolve(path)
	if err != nil {
		return nil, err
	}

	switch res.kind {
	case resolvedVirtualDir:
		v.mu.RLock()
		node := v.dir(res.virtualDir)
		entries := make([]DirEntry, 0, len(node.children)+len(node.realMounts)+len(node.ropackMounts))
		for name := range node.children {
			entries = append(entries, DirEntry{Name: name, Kind: EntryDirectory})
		}
		for name := range node.realMounts {
			entries = append(entries, DirEntry{Name: name, Kind: EntryDirectory})
		}
		for name := range node.ropackMounts {
			entries = append(entries, DirEntry{Name: name, Kind: EntryDirectory})
		}
		v.mu.RUnlock()
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
		return &Iterator{entries: entries}, nil
	case resolvedRopackDir:
		entries := make([]DirEntry, 0, len(res.ropackDir.Children)+4)
		for name := range res.ropackDir.Children {
			entries = append(entries, DirEntry{Name: name, Kind: EntryDirectory})
		}
		for _, f := range res.ropackDir.Files() {
			name := f.Name
			if f.Extension != "" {
				name = name + "." + f.Extension
			}
			entries = append(entries, DirEntry{Name: name, Kind: EntryFile})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
		return &Iterator{entries: entries}, nil
	case resolvedReal:
		osEntries, err := os.ReadDir(res.realFullPath)
		if err != nil {
			return nil, ErrNotADirectory
		}
		entries := make([]DirEntry, 0, len(osEntries))
		for _, e := range osEntries {
			kind := EntryFile
			if e.IsDir() {
				kind = EntryDirectory
			}
			entries = append(entries, DirEntry{Name: e.Name(), Kind: kind})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
		return &Iterator{entries: entries}, nil
	default:
		return nil, ErrNotADirectory
	}
}

// Next returns the next child entry, or ok=false once exhausted.
func (it *Iterator) Next() (DirEntry, bool) {
	if it.pos >= len(it.entries) {
		return DirEntry{}, false
	}
	entry := it.entries[it.pos]
	it.pos++
	return entry, true
}

// Reset rewinds the iterator to its first entry.
func (it *Iterator) Reset() { it.pos = 0 }

// Len reports the total number of entries this iterator will yield.
func (it *Iterator) Len() int { return len(it.entries) }
