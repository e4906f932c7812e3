package multipart

import (
	"bytes"
	"io"
)

// BytesFile is an in-memory FileHandle. Useful for small payloads and
// tests.
type BytesFile struct {
	name string
	data []byte
}

// NewBytesFile creates a FileHandle over a byte slice. The slice must not
// be mutated for the lifetime of the session.
func NewBytesFile(name string, data []byte) *BytesFile {
	return &BytesFile{name: name, data: data}
}

// Name returns the file's identifier.
func (f *BytesFile) Name() string {
	return f.name
}

// Size returns the total size of the file in bytes.
func (f *BytesFile) Size() int64 {
	return int64(len(f.data))
}

// Slice returns a fresh reader over [start, end).
func (f *BytesFile) Slice(start, end int64) io.Reader {
	return bytes.NewReader(f.data[start:end])
}

// ReaderAtFile adapts any io.ReaderAt (e.g. an *os.File) into a
// FileHandle. Slices are served through section readers, so concurrent
// reads of different ranges are safe and no chunk data is held in memory
// until a slice is consumed.
type ReaderAtFile struct {
	name string
	r    io.ReaderAt
	size int64
}

// NewReaderAtFile creates a FileHandle over r with the given total size.
func NewReaderAtFile(name string, r io.ReaderAt, size int64) *ReaderAtFile {
	return &ReaderAtFile{name: name, r: r, size: size}
}

// Name returns the file's identifier.
func (f *ReaderAtFile) Name() string {
	return f.name
}

// Size returns the total size of the file in bytes.
func (f *ReaderAtFile) Size() int64 {
	return f.size
}

// Slice returns a fresh reader over [start, end).
func (f *ReaderAtFile) Slice(start, end int64) io.Reader {
	return io.NewSectionReader(f.r, start, end-start)
}
