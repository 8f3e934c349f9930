// Package kanstream implements the polymorphic stream abstraction and the
// bounded path container from spec.md §3 (C1). Stream capability is
// expressed as booleans standing in for the source's nil op-pointers,
// per the DESIGN NOTES: "switch from function-pointer tables to the
// language's preferred dynamic dispatch".
package kanstream

import (
	"errors"
	"io"
)

// ErrUnsupported is returned when a capability-gated operation is called
// on a stream that does not support it.
var ErrUnsupported = errors.New("kanstream: operation unsupported by this stream")

// SeekWhence mirrors io.Seeker's whence values, named for the spec's
// vocabulary ("seek(end, -k)").
type SeekWhence int

const (
	SeekStart   SeekWhence = SeekWhence(io.SeekStart)
	SeekCurrent SeekWhence = SeekWhence(io.SeekCurrent)
	SeekEnd     SeekWhence = SeekWhence(io.SeekEnd)
)

// Stream is the polymorphic I/O endpoint from spec.md §3. Any subset of
// operations may be unsupported; callers check the Can* capabilities
// before use instead of relying on a "not implemented" error in the
// success path.
type Stream interface {
	CanRead() bool
	CanWrite() bool
	CanSeek() bool
	CanFlush() bool

	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Flush() error
	Tell() (int64, error)
	Seek(offset int64, whence SeekWhence) (int64, error)
	Close() error
}

// fileStream adapts an *os.File-shaped ReadWriteSeekCloser into a Stream
// with the read/write capability declared at construction.
type fileStream struct {
	f interface {
		io.ReadWriteCloser
		io.Seeker
	}
	canRead, canWrite bool
}

// NewFileStream wraps f, declaring which of read/write it supports; seek
// is always available, and flush (which calls f.Sync when f has one) is
// available only when the stream is writable.
func NewFileStream(f interface {
	io.ReadWriteCloser
	io.Seeker
}, canRead, canWrite bool) Stream {
	return &fileStream{f: f, canRead: canRead, canWrite: canWrite}
}

func (s *fileStream) CanRead() bool  { return s.canRead }
func (s *fileStream) CanWrite() bool { return s.canWrite }
func (s *fileStream) CanSeek() bool  { return true }
func (s *fileStream) CanFlush() bool { return s.canWrite }

func (s *fileStream) Read(p []byte) (int, error) {
	if !s.canRead {
		return 0, ErrUnsupported
	}
	return s.f.Read(p)
}

func (s *fileStream) Write(p []byte) (int, error) {
	if !s.canWrite {
		return 0, ErrUnsupported
	}
	return s.f.Write(p)
}

func (s *fileStream) Flush() error {
	if !s.canWrite {
		return ErrUnsupported
	}
	if f, ok := s.f.(interface{ Sync() error }); ok {
		return f.Sync()
	}
	return nil
}

func (s *fileStream) Tell() (int64, error) {
	return s.f.Seek(0, io.SeekCurrent)
}

func (s *fileStream) Seek(offset int64, whence SeekWhence) (int64, error) {
	return s.f.Seek(offset, int(whence))
}

func (s *fileStream) Close() error {
	return s.f.Close()
}

// BoundedStream wraps an underlying Stream and restricts reads/seeks to
// [0, size), the invariant a ropack file stream enforces against its
// packed offset/size per spec.md §4.2.
type BoundedStream struct {
	inner      Stream
	baseOffset int64
	size       int64
	pos        int64
}

// NewBoundedStream returns a read-only view of inner covering
// [baseOffset, baseOffset+size). The current position starts at 0.
func NewBoundedStream(inner Stream, baseOffset, size int64) (*BoundedStream, error) {
	if !inner.CanRead() || !inner.CanSeek() {
		return nil, ErrUnsupported
	}
	if _, err := inner.Seek(baseOffset, SeekStart); err != nil {
		return nil, err
	}
	return &BoundedStream{inner: inner, baseOffset: baseOffset, size: size}, nil
}

func (b *BoundedStream) CanRead() bool  { return true }
func (b *BoundedStream) CanWrite() bool { return false }
func (b *BoundedStream) CanSeek() bool  { return true }
func (b *BoundedStream) CanFlush() bool { return false }

func (b *BoundedStream) Read(p []byte) (int, error) {
	remaining := b.size - b.pos
	if remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := b.inner.Read(p)
	b.pos += int64(n)
	return n, err
}

func (b *BoundedStream) Write([]byte) (int, error) { return 0, ErrUnsupported }
func (b *BoundedStream) Flush() error               { return ErrUnsupported }

func (b *BoundedStream) Tell() (int64, error) { return b.pos, nil }

func (b *BoundedStream) Seek(offset int64, whence SeekWhence) (int64, error) {
	var target int64
	switch whence {
	case SeekStart:
		target = offset
	case SeekCurrent:
		target = b.pos + offset
	case SeekEnd:
		target = b.size + offset
	default:
		return 0, ErrUnsupported
	}
	if target < 0 || target > b.size {
		return 0, errors.New("kanstream: seek out of bounds")
	}
	if _, err := b.inner.Seek(b.baseOffset+target, SeekStart); err != nil {
		return 0, err
	}
	b.pos = target
	return b.pos, nil
}

func (b *BoundedStream) Close() error { return b.inner.Close() }
