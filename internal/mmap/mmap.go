// Package mmap provides read-only memory-mapped files whose contents can be
// sliced without copying.
package mmap

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// ErrClosed is returned by reads on a closed File.
var ErrClosed = errors.New("mmap: closed")

// File is a read-only memory-mapped file. Unlike golang.org/x/exp/mmap.ReaderAt,
// File hands out []byte slices that alias the mapping directly. Those slices
// must not be written and become invalid after Close.
//
// File keeps a cursor used by Read, ReadByte and ReadSlice, so it is not safe
// for concurrent use.
type File struct {
	name string
	data []byte
	pos  uint64
	anon bool
}

// Open maps the named file.
func Open(name string) (*File, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}

	size := st.Size()
	if size == 0 {
		return &File{name: name, data: []byte{}}, nil
	}
	if size < 0 {
		return nil, fmt.Errorf("mmap: file %q has negative size: %d", name, size)
	}
	if size != int64(int(size)) {
		return nil, fmt.Errorf("mmap: file %q is too large", name)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %q: %w", name, err)
	}
	// Parsers mostly walk records front to back.
	_ = unix.Madvise(data, unix.MADV_SEQUENTIAL)
	return &File{name: name, data: data}, nil
}

// OpenAnonymous creates a zero-filled anonymous mapping of the given size.
func OpenAnonymous(size int) (*File, error) {
	if size <= 0 {
		return &File{data: []byte{}, anon: true}, nil
	}
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap anonymous size=%d: %w", size, err)
	}
	return &File{data: data, anon: true}, nil
}

// Name returns the name of the file, or "" for anonymous mappings.
func (f *File) Name() string {
	return f.name
}

// Size returns the size of the mapping.
func (f *File) Size() uint64 {
	return uint64(len(f.data))
}

// Bytes returns the whole mapping.
func (f *File) Bytes() []byte {
	return f.data
}

// Pos returns the current cursor.
// Pos is updated by Read, ReadByte, and ReadSlice.
func (f *File) Pos() uint64 {
	return f.pos
}

// SeekTo moves the cursor to an absolute offset.
func (f *File) SeekTo(off uint64) {
	f.pos = off
}

// Read implements io.Reader.
func (f *File) Read(p []byte) (int, error) {
	n, err := f.ReadAt(p, int64(f.pos))
	f.pos += uint64(n)
	return n, err
}

// ReadAt implements io.ReaderAt.
func (f *File) ReadAt(p []byte, offset int64) (int, error) {
	if f.data == nil {
		return 0, ErrClosed
	}
	if offset < 0 {
		return 0, fmt.Errorf("mmap: negative offset: %v", offset)
	}
	if uint64(offset) >= f.Size() {
		return 0, io.EOF
	}
	n := copy(p, f.data[offset:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// ReadByte implements io.ByteReader.
func (f *File) ReadByte() (byte, error) {
	if f.data == nil {
		return 0, ErrClosed
	}
	if f.pos >= f.Size() {
		return 0, io.EOF
	}
	b := f.data[f.pos]
	f.pos++
	return b, nil
}

// ReadSlice returns n bytes at the cursor without copying and advances
// the cursor. Fails if fewer than n bytes remain.
func (f *File) ReadSlice(n uint64) ([]byte, error) {
	if f.data == nil {
		return nil, ErrClosed
	}
	if f.pos+n > f.Size() || f.pos+n < f.pos {
		return nil, io.ErrUnexpectedEOF
	}
	first := f.pos
	f.pos += n
	return f.data[first:f.pos:f.pos], nil
}

// ReadSliceAt is like ReadSlice, but reads from a specific offset.
// The cursor is not used or advanced.
func (f *File) ReadSliceAt(offset, n uint64) ([]byte, error) {
	if f.data == nil {
		return nil, ErrClosed
	}
	end := offset + n
	if end > f.Size() || end < offset {
		return nil, fmt.Errorf("mmap: out-of-bounds ReadSliceAt(%d, %d), file size is %d", offset, n, f.Size())
	}
	return f.data[offset:end:end], nil
}

// Close unmaps the file. Close is idempotent.
func (f *File) Close() error {
	if f.data == nil {
		return nil
	}
	var err error
	if len(f.data) > 0 {
		err = unix.Munmap(f.data)
	}
	*f = File{}
	return err
}
