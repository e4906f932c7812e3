package multipart

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeTransport hands control of every operation to the test: each call is
// announced on started and blocks until the test settles it or the
// attempt's context is cancelled.
type fakeTransport struct {
	started  chan *fakeCall
	abortErr error
	aborted  chan FileHandle

	// abortGate, when set, holds the remote abort call open until closed.
	abortGate chan struct{}
}

type fakeCall struct {
	op     string
	ctx    context.Context
	file   FileHandle
	chunks []*Chunk
	settle chan fakeOutcome
}

type fakeOutcome struct {
	result *UploadResult
	err    error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		started: make(chan *fakeCall, 8),
		aborted: make(chan FileHandle, 8),
	}
}

func (t *fakeTransport) UploadFile(ctx context.Context, file FileHandle, chunks []*Chunk) (*UploadResult, error) {
	return t.run(ctx, "upload", file, chunks)
}

func (t *fakeTransport) ResumeUploadFile(ctx context.Context, file FileHandle, chunks []*Chunk) (*UploadResult, error) {
	return t.run(ctx, "resume", file, chunks)
}

func (t *fakeTransport) AbortFileUpload(ctx context.Context, file FileHandle) error {
	t.aborted <- file
	if t.abortGate != nil {
		<-t.abortGate
	}
	return t.abortErr
}

func (t *fakeTransport) run(ctx context.Context, op string, file FileHandle, chunks []*Chunk) (*UploadResult, error) {
	call := &fakeCall{
		op:     op,
		ctx:    ctx,
		file:   file,
		chunks: chunks,
		settle: make(chan fakeOutcome, 1),
	}
	t.started <- call

	select {
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case outcome := <-call.settle:
		return outcome.result, outcome.err
	}
}

func (t *fakeTransport) waitForCall(tt *testing.T) *fakeCall {
	tt.Helper()
	select {
	case call := <-t.started:
		return call
	case <-time.After(time.Second):
		tt.Fatal("timed out waiting for transport call")
		return nil
	}
}

func (t *fakeTransport) waitForAbort(tt *testing.T) FileHandle {
	tt.Helper()
	select {
	case file := <-t.aborted:
		return file
	case <-time.After(time.Second):
		tt.Fatal("timed out waiting for remote abort call")
		return nil
	}
}

func (c *fakeCall) succeed(result *UploadResult) {
	c.settle <- fakeOutcome{result: result}
}

func (c *fakeCall) fail(err error) {
	c.settle <- fakeOutcome{err: err}
}

// recorder collects callback invocations for assertions.
type recorder struct {
	mu        sync.Mutex
	progress  [][2]int64
	parts     []CompletedPart
	successes []*UploadResult
	errors    []error

	succeeded chan *UploadResult
	failed    chan error
}

func newRecorder() *recorder {
	return &recorder{
		succeeded: make(chan *UploadResult, 8),
		failed:    make(chan error, 8),
	}
}

func (r *recorder) config() Config {
	return Config{
		OnProgress: func(uploadedBytes, totalBytes int64) {
			r.mu.Lock()
			r.progress = append(r.progress, [2]int64{uploadedBytes, totalBytes})
			r.mu.Unlock()
		},
		OnPartComplete: func(part CompletedPart) {
			r.mu.Lock()
			r.parts = append(r.parts, part)
			r.mu.Unlock()
		},
		OnSuccess: func(result *UploadResult) {
			r.mu.Lock()
			r.successes = append(r.successes, result)
			r.mu.Unlock()
			r.succeeded <- result
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errors = append(r.errors, err)
			r.mu.Unlock()
			r.failed <- err
		},
	}
}

func (r *recorder) waitForSuccess(tt *testing.T) *UploadResult {
	tt.Helper()
	select {
	case result := <-r.succeeded:
		return result
	case <-time.After(time.Second):
		tt.Fatal("timed out waiting for success callback")
		return nil
	}
}

func (r *recorder) waitForError(tt *testing.T) error {
	tt.Helper()
	select {
	case err := <-r.failed:
		return err
	case <-time.After(time.Second):
		tt.Fatal("timed out waiting for error callback")
		return nil
	}
}

func (r *recorder) progressEvents() [][2]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := make([][2]int64, len(r.progress))
	copy(events, r.progress)
	return events
}

func (r *recorder) completedParts() []CompletedPart {
	r.mu.Lock()
	defer r.mu.Unlock()
	parts := make([]CompletedPart, len(r.parts))
	copy(parts, r.parts)
	return parts
}

func (r *recorder) successCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.successes)
}

func (r *recorder) errorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errors)
}
