package multipart

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/docker/go-units"
)

// State identifies where an Uploader is in its lifecycle.
type State uint8

const (
	// StateIdle means the session was constructed but never started.
	StateIdle State = iota
	// StateActive means a transport operation is in flight.
	StateActive
	// StatePaused means the caller suspended the session; it is resumable.
	StatePaused
	// StateSucceeded, StateAborted and StateFailed are terminal.
	StateSucceeded
	StateAborted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StatePaused:
		return "paused"
	case StateSucceeded:
		return "succeeded"
	case StateAborted:
		return "aborted"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// errPausing is the cancellation cause that marks an intentional pause,
// restart or abort. Canceling an in-flight operation surfaces through the
// transport's normal failure channel; this cause is how the session tells
// an expected cancellation apart from a genuine transport failure.
var errPausing = errors.New("pausing upload")

// AbortOptions controls Uploader.Abort.
type AbortOptions struct {
	// Really asks the transport to terminate the remote upload session and
	// release server-side resources. Without it, Abort is the same as
	// Pause.
	Really bool
}

// Uploader owns one upload session: the ordered chunk plan, the per-chunk
// progress and completion state, and the cancellation lifecycle. It issues
// at most one transport operation at a time and never performs transfers
// itself.
type Uploader struct {
	file      FileHandle
	transport Transport
	config    Config

	mu     sync.Mutex
	state  State
	chunks []*Chunk
	states []ChunkState
	ctx    context.Context
	cancel context.CancelCauseFunc

	// progressMu serializes aggregate computation with delivery, so
	// OnProgress observes aggregates in the order they were computed even
	// when a transport reports from several goroutines.
	progressMu sync.Mutex
}

// NewUploader plans the chunks for file and returns a session ready to
// start. Configuration defects (missing collaborators, a non-positive
// chunk size, a failing multipart predicate) are reported here, before any
// transport work happens.
func NewUploader(file FileHandle, transport Transport, config Config) (*Uploader, error) {
	if file == nil {
		return nil, errors.New("file must not be nil")
	}
	if transport == nil {
		return nil, errors.New("transport must not be nil")
	}

	config = config.normalized()

	useMultipart := config.Multipart
	if config.MultipartFunc != nil {
		decision, err := config.MultipartFunc(file)
		if err != nil {
			return nil, fmt.Errorf("evaluate multipart decision: %w", err)
		}
		useMultipart = decision
	}

	chunks, err := Plan(file, config.ChunkSize, useMultipart)
	if err != nil {
		return nil, fmt.Errorf("plan chunks: %w", err)
	}

	u := &Uploader{
		file:      file,
		transport: transport,
		config:    config,
		state:     StateIdle,
		chunks:    chunks,
		states:    make([]ChunkState, len(chunks)),
	}
	for _, chunk := range chunks {
		index := chunk.Index
		chunk.onProgress = func(uploadedBytes int64) { u.chunkProgress(index, uploadedBytes) }
		chunk.onComplete = func(etag string) { u.chunkComplete(index, etag) }
	}

	config.Logger.Debugf("Planned %d chunk(s) for %s (%s, multipart=%t)",
		len(chunks), file.Name(), units.BytesSize(float64(file.Size())), useMultipart)

	return u, nil
}

// Start begins the upload, or resumes it after a pause. Calling Start
// while an operation is in flight cancels that operation with the pausing
// cause and issues a resume with the same chunk list. Start on a finished
// session does nothing.
func (u *Uploader) Start() {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch u.state {
	case StateIdle:
		ctx := u.freshTokenLocked()
		u.state = StateActive
		go u.run(ctx, u.transport.UploadFile)
	case StateActive:
		u.cancel(errPausing)
		ctx := u.freshTokenLocked()
		go u.run(ctx, u.transport.ResumeUploadFile)
	case StatePaused:
		ctx := u.freshTokenLocked()
		u.state = StateActive
		go u.run(ctx, u.transport.ResumeUploadFile)
	default:
		u.config.Logger.Debugf("Start ignored: session already %s", u.state)
	}
}

// Pause cancels the in-flight transport operation with the pausing cause
// and leaves the session resumable. Pausing never reaches OnError. It is
// a no-op in any state but Active.
func (u *Uploader) Pause() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.pauseLocked()
}

func (u *Uploader) pauseLocked() {
	if u.state != StateActive {
		return
	}
	u.cancel(errPausing)
	// Fresh token, so a later Start is not born cancelled.
	u.freshTokenLocked()
	u.state = StatePaused
	u.config.Logger.Debugf("Upload paused (%s)", u.file.Name())
}

// Abort pauses the upload. With Really set it additionally asks the
// transport to terminate the remote upload session; local cancellation
// happens synchronously, the remote call runs in the background and its
// failure is logged, never surfaced through OnError. Abort on a finished
// session does nothing.
func (u *Uploader) Abort(opts AbortOptions) {
	u.mu.Lock()
	switch u.state {
	case StateSucceeded, StateAborted, StateFailed:
		u.config.Logger.Debugf("Abort ignored: session already %s", u.state)
		u.mu.Unlock()
		return
	}
	u.pauseLocked()
	if !opts.Really {
		u.mu.Unlock()
		return
	}
	logger := u.config.Logger
	u.mu.Unlock()

	go func() {
		if err := u.transport.AbortFileUpload(context.Background(), u.file); err != nil {
			logger.Warnf("Failed to abort remote upload for %s: %s", u.file.Name(), err)
		}
		u.mu.Lock()
		// Only a quiescent session becomes aborted; one the caller resumed
		// in the meantime, or that reached a terminal state, keeps its
		// state.
		if u.state == StatePaused || u.state == StateIdle {
			u.state = StateAborted
		}
		u.mu.Unlock()
	}()
}

// State returns the session's current lifecycle state.
func (u *Uploader) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// ChunkStates returns a snapshot of the per-chunk bookkeeping for
// diagnostics.
func (u *Uploader) ChunkStates() []ChunkState {
	u.mu.Lock()
	defer u.mu.Unlock()
	states := make([]ChunkState, len(u.states))
	copy(states, u.states)
	return states
}

// freshTokenLocked installs a new cancellation token for the next attempt.
// Superseded attempts keep their own token, so a late callback from one
// can never be mistaken for the current attempt.
func (u *Uploader) freshTokenLocked() context.Context {
	ctx, cancel := context.WithCancelCause(context.Background())
	u.ctx, u.cancel = ctx, cancel
	return ctx
}

func (u *Uploader) run(ctx context.Context, op func(context.Context, FileHandle, []*Chunk) (*UploadResult, error)) {
	result, err := op(ctx, u.file, u.chunks)
	u.settle(ctx, result, err)
}

// settle is the single boundary where a transport operation's outcome
// meets session state. Pausing cancellations are filtered here; every
// other outcome is terminal and reported outward at most once.
func (u *Uploader) settle(ctx context.Context, result *UploadResult, err error) {
	u.mu.Lock()

	if ctx != u.ctx {
		// A newer attempt superseded this one; nothing it reports matters.
		u.mu.Unlock()
		return
	}

	if err == nil {
		u.state = StateSucceeded
		onSuccess := u.config.OnSuccess
		u.mu.Unlock()
		if onSuccess != nil {
			onSuccess(result)
		}
		return
	}

	if errors.Is(err, errPausing) || errors.Is(context.Cause(ctx), errPausing) {
		// Intentional cancellation, not a transport failure. The session
		// stays quiescent until the next Start or Pause.
		u.mu.Unlock()
		return
	}

	u.state = StateFailed
	onError := u.config.OnError
	logger := u.config.Logger
	u.mu.Unlock()
	if onError != nil {
		onError(err)
	} else {
		logger.Errorf("Upload failed (%s): %s", u.file.Name(), err)
	}
}

// chunkProgress overwrites the chunk's absolute byte count and reports the
// recomputed aggregate. Events that are not length-computable and events
// for already-stored chunks are dropped. Computation and delivery happen
// under progressMu, so concurrent per-part events can never deliver their
// aggregates in inverted order.
func (u *Uploader) chunkProgress(index int, uploadedBytes int64) {
	if uploadedBytes < 0 {
		return
	}

	u.progressMu.Lock()
	defer u.progressMu.Unlock()

	u.mu.Lock()
	if index < 0 || index >= len(u.states) {
		u.mu.Unlock()
		return
	}
	state := &u.states[index]
	if state.Done {
		u.mu.Unlock()
		return
	}
	state.UploadedBytes = uploadedBytes

	// Recompute from state instead of accumulating, so a retried part can
	// never be counted twice.
	var sum int64
	for i := range u.states {
		sum += u.states[i].UploadedBytes
	}
	onProgress := u.config.OnProgress
	u.mu.Unlock()

	if onProgress != nil {
		onProgress(sum, u.file.Size())
	}
}

// chunkComplete marks the chunk as stored, exactly once, and releases its
// data accessor.
func (u *Uploader) chunkComplete(index int, etag string) {
	u.mu.Lock()
	if index < 0 || index >= len(u.states) {
		u.mu.Unlock()
		return
	}
	state := &u.states[index]
	if state.Done {
		u.mu.Unlock()
		return
	}
	state.Done = true
	state.ETag = etag
	state.UploadedBytes = u.chunks[index].Size()
	u.chunks[index].release()
	onPartComplete := u.config.OnPartComplete
	u.mu.Unlock()

	if onPartComplete != nil {
		onPartComplete(CompletedPart{PartNumber: index + 1, ETag: etag})
	}
}
