package multipart

import (
	"github.com/bitrise-io/go-utils/v2/log"
)

// Config holds the caller-facing configuration of an upload session.
// The zero value selects a single-part upload with default chunk sizing
// and a default logger; all callbacks are optional.
type Config struct {
	// ChunkSize returns the desired part size in bytes for a file. It is
	// only consulted when the plan is multipart, and the result is still
	// clamped to the store's part-size and part-count limits.
	// Default: DefaultChunkSize.
	ChunkSize func(file FileHandle) int64

	// Multipart selects a multipart plan. Ignored when MultipartFunc is
	// set.
	Multipart bool

	// MultipartFunc decides per file whether to use a multipart plan. It
	// is evaluated exactly once, at session construction; an error fails
	// construction.
	MultipartFunc func(file FileHandle) (bool, error)

	// Logger receives debug output and remote-abort failures.
	// Default: log.NewLogger().
	Logger log.Logger

	// OnProgress receives the aggregate uploaded byte count across all
	// chunks plus the total file size. The aggregate is recomputed from
	// per-chunk state on every event, never accumulated.
	OnProgress func(uploadedBytes, totalBytes int64)

	// OnPartComplete fires exactly once per stored part, with the part's
	// 1-based number and the token reported by the transport.
	OnPartComplete func(part CompletedPart)

	// OnSuccess fires exactly once, with the transport's result.
	OnSuccess func(result *UploadResult)

	// OnError fires exactly once, on a genuine transport failure. Pausing
	// and resuming never trigger it. Default: log the error.
	OnError func(err error)
}

func (c Config) normalized() Config {
	if c.ChunkSize == nil {
		c.ChunkSize = DefaultChunkSize
	}
	if c.Logger == nil {
		c.Logger = log.NewLogger()
	}
	return c
}
