// Package ropack implements the read-only-pack archive format from
// spec.md §4.2/§6: a single sealed file exposing a read-only directory
// subtree inside a kanvfs volume. Grounded in rclone's backend/zip
// (sequential payload layout plus an end-of-file central registry) and
// backend/archive (mounting a sealed container read-only inside a
// larger tree).
package ropack

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/kan-engine/kanrt/kanhash"
	"github.com/kan-engine/kanrt/kanstream"
)

// FileNode is a single file entry inside a ropack, per spec.md §3: "a
// file node is {name, extension, offset, size}".
type FileNode struct {
	Name      string
	Extension string
	Offset    uint64
	Size      uint64
}

// Directory mirrors a real directory but stores only the registry
// metadata needed to open file streams lazily, per spec.md §3: "a
// ropack directory mirrors a real directory but stores {name, child
// list, file hash-table}".
type Directory struct {
	Name     string
	Children map[string]*Directory
	files    map[kanhash.U64][]*FileNode // hash-bucketed, collision-safe
}

func newDirectory(name string) *Directory {
	return &Directory{
		Name:     name,
		Children: make(map[string]*Directory),
		files:    make(map[kanhash.U64][]*FileNode),
	}
}

// LookupFile resolves a single path component ("name.extension") in
// this directory, using the hash(name.extension) key from spec.md §4.2,
// with an equality check to resolve any hash collision.
func (d *Directory) LookupFile(component string) (*FileNode, bool) {
	name, ext := kanstream.SplitNameExtension(component)
	key := kanhash.NameExtension(name, ext)
	for _, node := range d.files[key] {
		if node.Name == name && node.Extension == ext {
			return node, true
		}
	}
	return nil, false
}

func (d *Directory) addFile(node *FileNode) {
	key := kanhash.NameExtension(node.Name, node.Extension)
	d.files[key] = append(d.files[key], node)
}

// Files returns every file node directly inside this directory, in a
// stable (name.extension) sorted order, for directory iteration.
func (d *Directory) Files() []*FileNode {
	var out []*FileNode
	for _, bucket := range d.files {
		out = append(out, bucket...)
	}
	sortFileNodes(out)
	return out
}

func sortFileNodes(nodes []*FileNode) {
	for i := 1; i < len(nodes); i++ {
		for j := i; j > 0; j-- {
			a := kanstream.JoinNameExtension(nodes[j-1].Name, nodes[j-1].Extension)
			b := kanstream.JoinNameExtension(nodes[j].Name, nodes[j].Extension)
			if a <= b {
				break
			}
			nodes[j-1], nodes[j] = nodes[j], nodes[j-1]
		}
	}
}

// registryRecord is one flat {path, offset, size} entry as laid out on
// disk, per spec.md §6: "registry is a list of {path: utf8, offset: u64,
// size: u64}".
type registryRecord struct {
	path   string
	offset uint64
	size   uint64
}

// Pack is an opened, immutable ropack archive: its directory tree plus
// enough information to open bounded file streams against the backing
// pack file.
type Pack struct {
	Root *Directory
}

// Open reads a ropack's 8-byte little-endian registry offset, seeks to
// it, deserializes the registry, and builds the in-memory directory
// tree, per spec.md §4.2. On any failure, no partial Pack is returned
// (spec.md §4.2: "Ropack registry read failure leaves no partial
// mount").
func Open(stream kanstream.Stream) (*Pack, error) {
	if !stream.CanRead() || !stream.CanSeek() {
		return nil, fmt.Errorf("ropack: stream must support read+seek")
	}

	var offsetBuf [8]byte
	if _, err := stream.Seek(0, kanstream.SeekStart); err != nil {
		return nil, fmt.Errorf("ropack: seek to header: %w", err)
	}
	if _, err := io.ReadFull(readerAdapter{stream}, offsetBuf[:]); err != nil {
		return nil, fmt.Errorf("ropack: read registry offset: %w", err)
	}
	registryOffset := binary.LittleEndian.Uint64(offsetBuf[:])

	if _, err := stream.Seek(int64(registryOffset), kanstream.SeekStart); err != nil {
		return nil, fmt.Errorf("ropack: seek to registry: %w", err)
	}
	records, err := readRegistry(readerAdapter{stream})
	if err != nil {
		return nil, fmt.Errorf("ropack: read registry: %w", err)
	}

	root := newDirectory("")
	for _, rec := range records {
		if err := insertRecord(root, rec); err != nil {
			return nil, err
		}
	}
	return &Pack{Root: root}, nil
}

func insertRecord(root *Directory, rec registryRecord) error {
	parts := strings.Split(rec.path, "/")
	dir := root
	for i, p := range parts {
		if p == "" {
			continue
		}
		if i == len(parts)-1 {
			name, ext := kanstream.SplitNameExtension(p)
			dir.addFile(&FileNode{Name: name, Extension: ext, Offset: rec.offset, Size: rec.size})
			return nil
		}
		child, ok := dir.Children[p]
		if !ok {
			child = newDirectory(p)
			dir.Children[p] = child
		}
		dir = child
	}
	return fmt.Errorf("ropack: empty registry path")
}

// readerAdapter makes a kanstream.Stream usable with io.ReadFull.
type readerAdapter struct{ s kanstream.Stream }

func (r readerAdapter) Read(p []byte) (int, error) { return r.s.Read(p) }

func readRegistry(r io.Reader) ([]registryRecord, error) {
	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, err
	}
	count := binary.LittleEndian.Uint32(countBuf[:])

	records := make([]registryRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, err
		}
		pathLen := binary.LittleEndian.Uint32(lenBuf[:])
		pathBuf := make([]byte, pathLen)
		if _, err := io.ReadFull(r, pathBuf); err != nil {
			return nil, err
		}
		var tailBuf [16]byte
		if _, err := io.ReadFull(r, tailBuf[:]); err != nil {
			return nil, err
		}
		records = append(records, registryRecord{
			path:   string(pathBuf),
			offset: binary.LittleEndian.Uint64(tailBuf[0:8]),
			size:   binary.LittleEndian.Uint64(tailBuf[8:16]),
		})
	}
	return records, nil
}
