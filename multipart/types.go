// Package multipart coordinates the upload of one file to a remote store,
// optionally splitting it into parts and tracking per-part progress,
// completion, pausing, resuming, and cancellation. It plans how file data
// is partitioned and owns the upload-session lifecycle; the actual
// transfer is delegated to a Transport implementation.
package multipart

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// FileHandle is a read-only byte source for an upload session.
// The underlying data must not change for the lifetime of the session, and
// Slice must return a fresh reader on every call so chunk data can be
// re-read for retries. Slicing is non-mutating and safe to perform from
// multiple goroutines.
type FileHandle interface {
	// Name identifies the file to the transport (e.g. an object key).
	Name() string

	// Size returns the total size of the file in bytes.
	Size() int64

	// Slice returns a reader over the half-open byte range [start, end).
	Slice(start, end int64) io.Reader
}

// Chunk is one planned unit of upload: a contiguous byte range of the file
// with a lazy data accessor and the progress/completion hooks the session
// binds to the chunk's index.
type Chunk struct {
	// Index is the 0-based position of the chunk in the plan. It is stable
	// for the lifetime of the session.
	Index int

	// Start and End delimit the chunk's half-open byte range [Start, End).
	Start int64
	End   int64

	// Multipart reports whether the plan this chunk belongs to is a
	// multipart upload. Every chunk of a session carries the same value.
	Multipart bool

	dataMu     sync.Mutex
	data       func() io.Reader
	onProgress func(uploadedBytes int64)
	onComplete func(etag string)
}

// Size returns the length of the chunk's byte range.
func (c *Chunk) Size() int64 {
	return c.End - c.Start
}

// Data returns a reader over the chunk's byte range. Nothing is
// materialized until the returned reader is consumed, and calling Data
// again yields an equivalent fresh reader, so transports may re-read a
// chunk on retry without the plan holding every slice in memory at once.
// Safe to call from any goroutine, including a cancelled attempt racing
// the chunk's completion.
func (c *Chunk) Data() io.Reader {
	c.dataMu.Lock()
	data := c.data
	c.dataMu.Unlock()
	return data()
}

// ReportProgress records the absolute number of bytes uploaded so far for
// this chunk. Transports must report absolute values, never deltas; a
// retried part simply starts reporting from zero again.
func (c *Chunk) ReportProgress(uploadedBytes int64) {
	if c.onProgress != nil {
		c.onProgress(uploadedBytes)
	}
}

// Complete marks the chunk as stored by the remote store, identified by
// the given completion token.
func (c *Chunk) Complete(etag string) {
	if c.onComplete != nil {
		c.onComplete(etag)
	}
}

// release swaps the data accessor for an empty placeholder once the part
// is stored, so plans with very many parts don't pin every slice.
func (c *Chunk) release() {
	c.dataMu.Lock()
	c.data = emptyChunkData
	c.dataMu.Unlock()
}

func emptyChunkData() io.Reader {
	return bytes.NewReader(nil)
}

// ChunkState is the per-chunk bookkeeping owned by the session, in the
// same order as the chunk plan.
type ChunkState struct {
	// UploadedBytes is the last absolute byte count reported for the
	// chunk. It is overwritten by progress events, never incremented.
	UploadedBytes int64

	// ETag is the completion token reported by the transport. Set once.
	ETag string

	// Done reports whether the chunk was stored. Once true it never
	// unsets, and UploadedBytes no longer changes.
	Done bool
}

// CompletedPart pairs a stored part's 1-based number with its token.
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// UploadResult is the transport's description of a finished upload.
type UploadResult struct {
	// Location is the URL or identifier of the stored object, if known.
	Location string

	// ETag is the entity tag of the stored object, if known.
	ETag string

	// UploadID identifies the multipart upload session, if one was used.
	UploadID string
}

// Transport performs the actual transfer of chunk data to the remote
// store. Retry and timeout policy live here, not in the session.
type Transport interface {
	// UploadFile begins a fresh upload of all chunks. Implementations must
	// invoke each chunk's ReportProgress and Complete hooks as work
	// proceeds, and must stop promptly (without emitting further events)
	// when ctx is cancelled.
	UploadFile(ctx context.Context, file FileHandle, chunks []*Chunk) (*UploadResult, error)

	// ResumeUploadFile resumes a previously started upload using the same
	// chunk list; semantics are otherwise identical to UploadFile. Parts
	// the store already holds should be marked complete without being
	// sent again.
	ResumeUploadFile(ctx context.Context, file FileHandle, chunks []*Chunk) (*UploadResult, error)

	// AbortFileUpload is a best-effort request to release server-side
	// resources held for an in-progress upload of file.
	AbortFileUpload(ctx context.Context, file FileHandle) error
}
