package multipart

import (
	"fmt"
	"io"

	"github.com/docker/go-units"
)

const (
	// MinChunkSize is the smallest part size multipart stores accept for
	// every part except the last.
	MinChunkSize = 5 * units.MiB

	// MaxChunkCount is the largest number of parts a single upload may
	// consist of.
	MaxChunkCount = 10000
)

// DefaultChunkSize spreads the file evenly across the maximum number of
// parts the store accepts.
func DefaultChunkSize(file FileHandle) int64 {
	return ceilDiv(file.Size(), MaxChunkCount)
}

// Plan partitions [0, file.Size()) into an ordered, immutable sequence of
// chunks. A non-multipart plan is always a single chunk spanning the whole
// file, regardless of size, as is an empty file. For multipart plans the
// part size is the desired size clamped so that every part except the last
// is at least MinChunkSize and the part count never exceeds MaxChunkCount.
//
// Planning is a deterministic pure computation with no error conditions
// beyond invalid configuration, which is the caller's defect and reported
// immediately.
func Plan(file FileHandle, desiredChunkSize func(FileHandle) int64, useMultipart bool) ([]*Chunk, error) {
	size := file.Size()
	if size < 0 {
		return nil, fmt.Errorf("file size must be non-negative, got %d", size)
	}

	if !useMultipart || size == 0 {
		return []*Chunk{newChunk(file, 0, 0, size, useMultipart)}, nil
	}

	if desiredChunkSize == nil {
		desiredChunkSize = DefaultChunkSize
	}
	desired := desiredChunkSize(file)
	if desired <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", desired)
	}

	chunkSize := desired
	if floor := minPartSize(size); chunkSize < floor {
		chunkSize = floor
	}

	chunks := make([]*Chunk, 0, ceilDiv(size, chunkSize))
	for start := int64(0); start < size; start += chunkSize {
		end := start + chunkSize
		if end > size {
			end = size
		}
		chunks = append(chunks, newChunk(file, len(chunks), start, end, true))
	}

	return chunks, nil
}

// minPartSize enforces the store's two sizing constraints at once: a
// minimum part size and a maximum part count.
func minPartSize(fileSize int64) int64 {
	floor := ceilDiv(fileSize, MaxChunkCount)
	if floor < MinChunkSize {
		floor = MinChunkSize
	}
	return floor
}

func newChunk(file FileHandle, index int, start, end int64, multipart bool) *Chunk {
	return &Chunk{
		Index:     index,
		Start:     start,
		End:       end,
		Multipart: multipart,
		data: func() io.Reader {
			return file.Slice(start, end)
		},
	}
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
