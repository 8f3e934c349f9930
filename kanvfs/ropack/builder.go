package ropack

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/kan-engine/kanrt/kanstream"
)

// Builder implements the abstract ropack builder API from spec.md §6:
// Create, Begin, Add, Finalize, Destroy.
type Builder struct {
	out     kanstream.Stream
	cursor  uint64
	records []registryRecord
	open    bool
}

// NewBuilder returns an idle builder (spec.md §6 "create").
func NewBuilder() *Builder {
	return &Builder{}
}

// Begin reserves the 8-byte registry-offset header on out and starts
// accepting payloads at offset 8.
func (b *Builder) Begin(out kanstream.Stream) error {
	if b.open {
		return fmt.Errorf("ropack: builder already begun")
	}
	if !out.CanWrite() || !out.CanSeek() {
		return fmt.Errorf("ropack: output stream must support write+seek")
	}
	var placeholder [8]byte
	if _, err := out.Write(placeholder[:]); err != nil {
		return fmt.Errorf("ropack: write header placeholder: %w", err)
	}
	b.out = out
	b.cursor = 8
	b.records = nil
	b.open = true
	return nil
}

// Add streams the full contents of in into the archive under path,
// recording a {path, offset, size} registry entry.
func (b *Builder) Add(in kanstream.Stream, path string) error {
	if !b.open {
		return fmt.Errorf("ropack: builder not begun")
	}
	if !in.CanRead() {
		return fmt.Errorf("ropack: input stream must support read")
	}
	startOffset := b.cursor
	buf := make([]byte, 64*1024)
	var total uint64
	for {
		n, err := in.Read(buf)
		if n > 0 {
			if _, werr := b.out.Write(buf[:n]); werr != nil {
				return fmt.Errorf("ropack: write payload: %w", werr)
			}
			total += uint64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("ropack: read payload: %w", err)
		}
	}
	b.cursor += total
	b.records = append(b.records, registryRecord{path: path, offset: startOffset, size: total})
	return nil
}

// Finalize writes the serialized registry after the last payload, then
// seeks back to byte 0 to fill in the real registry offset.
func (b *Builder) Finalize() error {
	if !b.open {
		return fmt.Errorf("ropack: builder not begun")
	}
	registryOffset := b.cursor

	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(b.records)))
	if _, err := b.out.Write(countBuf[:]); err != nil {
		return fmt.Errorf("ropack: write registry count: %w", err)
	}
	for _, rec := range b.records {
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(rec.path)))
		if _, err := b.out.Write(lenBuf[:]); err != nil {
			return fmt.Errorf("ropack: write path length: %w", err)
		}
		if _, err := b.out.Write([]byte(rec.path)); err != nil {
			return fmt.Errorf("ropack: write path: %w", err)
		}
		var tailBuf [16]byte
		binary.LittleEndian.PutUint64(tailBuf[0:8], rec.offset)
		binary.LittleEndian.PutUint64(tailBuf[8:16], rec.size)
		if _, err := b.out.Write(tailBuf[:]); err != nil {
			return fmt.Errorf("ropack: write offset/size: %w", err)
		}
	}

	if _, err := b.out.Seek(0, kanstream.SeekStart); err != nil {
		return fmt.Errorf("ropack: seek to header: %w", err)
	}
	var headerBuf [8]byte
	binary.LittleEndian.PutUint64(headerBuf[:], registryOffset)
	if _, err := b.out.Write(headerBuf[:]); err != nil {
		return fmt.Errorf("ropack: write registry offset: %w", err)
	}
	if b.out.CanFlush() {
		if err := b.out.Flush(); err != nil {
			return fmt.Errorf("ropack: flush: %w", err)
		}
	}
	return nil
}

// Destroy releases the builder's state. Safe to call multiple times.
func (b *Builder) Destroy() {
	b.out = nil
	b.records = nil
	b.open = false
}
