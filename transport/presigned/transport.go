// Package presigned implements a multipart.Transport over presigned
// upload URLs issued by a coordination API: the transport prepares an
// upload to obtain one URL per chunk, PUTs each chunk to its URL, and
// acknowledges the collected ETags to finalize.
package presigned

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/quigebo/uppy/multipart"
)

// Config holds the coordination API settings.
type Config struct {
	// BaseURL of the coordination API.
	BaseURL string

	// AccessToken is sent as a bearer token on coordination calls.
	AccessToken string

	// HTTPClient used for all requests. Default: a retrying client.
	HTTPClient *retryablehttp.Client

	// Logger for debug output. Default: log.NewLogger().
	Logger log.Logger
}

// Transport uploads chunks through presigned URLs. Chunks are sent
// sequentially; retry policy lives in the underlying HTTP client.
type Transport struct {
	client      *retryablehttp.Client
	baseURL     string
	accessToken string
	logger      log.Logger

	mu      sync.Mutex
	uploads map[string]preparedUpload // keyed by file name
}

type preparedUpload struct {
	id   string
	urls []uploadURL
}

type uploadURL struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
}

type prepareUploadRequest struct {
	FileName        string `json:"file_name"`
	FileSizeInBytes int64  `json:"file_size_in_bytes"`
	ChunkCount      int    `json:"chunk_count"`
	Multipart       bool   `json:"multipart"`
}

type prepareUploadResponse struct {
	ID         string      `json:"id"`
	UploadURLs []uploadURL `json:"urls"`
}

type storedPart struct {
	PartNumber int    `json:"part_number"`
	ETag       string `json:"etag"`
}

type listPartsResponse struct {
	Parts []storedPart `json:"parts"`
}

type acknowledgeRequest struct {
	Successful bool     `json:"successful"`
	ETags      []string `json:"etags"`
}

type acknowledgeResponse struct {
	Location string `json:"location"`
	ETag     string `json:"etag"`
}

// New creates a Transport for the given coordination API.
func New(config Config) (*Transport, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("BaseURL must not be empty")
	}

	logger := config.Logger
	if logger == nil {
		logger = log.NewLogger()
	}
	client := config.HTTPClient
	if client == nil {
		client = retryhttp.NewClient(logger)
	}

	return &Transport{
		client:      client,
		baseURL:     config.BaseURL,
		accessToken: config.AccessToken,
		logger:      logger,
		uploads:     make(map[string]preparedUpload),
	}, nil
}

// UploadFile begins a fresh upload of all chunks.
func (t *Transport) UploadFile(ctx context.Context, file multipart.FileHandle, chunks []*multipart.Chunk) (*multipart.UploadResult, error) {
	prepared, err := t.prepareUpload(ctx, file, chunks)
	if err != nil {
		return nil, fmt.Errorf("prepare upload: %w", err)
	}
	t.rememberUpload(file, prepared)

	return t.uploadChunks(ctx, file, chunks, prepared, nil)
}

// ResumeUploadFile resumes a previously prepared upload: parts the
// coordinator already holds are marked complete without being re-sent.
func (t *Transport) ResumeUploadFile(ctx context.Context, file multipart.FileHandle, chunks []*multipart.Chunk) (*multipart.UploadResult, error) {
	prepared, ok := t.rememberedUpload(file)
	if !ok {
		// Nothing was prepared yet; behave like a fresh upload.
		return t.UploadFile(ctx, file, chunks)
	}

	stored, err := t.listParts(ctx, prepared.id)
	if err != nil {
		return nil, fmt.Errorf("list stored parts: %w", err)
	}

	return t.uploadChunks(ctx, file, chunks, prepared, stored)
}

// AbortFileUpload asks the coordinator to drop the prepared upload.
func (t *Transport) AbortFileUpload(ctx context.Context, file multipart.FileHandle) error {
	prepared, ok := t.rememberedUpload(file)
	if !ok {
		return nil
	}

	url := fmt.Sprintf("%s/uploads/%s", t.baseURL, prepared.id)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	t.setAuthHeader(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer t.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return unwrapError(resp)
	}

	t.forgetUpload(file)
	return nil
}

func (t *Transport) uploadChunks(ctx context.Context, file multipart.FileHandle, chunks []*multipart.Chunk, prepared preparedUpload, stored []storedPart) (*multipart.UploadResult, error) {
	if len(prepared.urls) != len(chunks) {
		return nil, fmt.Errorf("chunk count mismatch: plan has %d chunks, coordinator issued %d URLs", len(chunks), len(prepared.urls))
	}

	storedETags := make(map[int]string, len(stored))
	for _, part := range stored {
		storedETags[part.PartNumber] = part.ETag
	}

	etags := make([]string, len(chunks))
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, context.Cause(ctx)
		}

		if etag, ok := storedETags[chunk.Index+1]; ok {
			// Already stored by a previous attempt.
			etags[i] = etag
			chunk.ReportProgress(chunk.Size())
			chunk.Complete(etag)
			continue
		}

		etag, err := t.uploadChunk(ctx, prepared.urls[i], chunk)
		if err != nil {
			return nil, fmt.Errorf("upload chunk %d: %w", chunk.Index+1, err)
		}
		etags[i] = etag
		chunk.Complete(etag)
	}

	result, err := t.acknowledgeUpload(ctx, prepared.id, etags)
	if err != nil {
		return nil, fmt.Errorf("acknowledge upload: %w", err)
	}
	t.forgetUpload(file)

	return result, nil
}

func (t *Transport) uploadChunk(ctx context.Context, url uploadURL, chunk *multipart.Chunk) (string, error) {
	// A fresh progress-reporting reader per (re)try, so a retried chunk
	// reports absolute counts from zero again.
	body := retryablehttp.ReaderFunc(func() (io.Reader, error) {
		return multipart.NewProgressReader(chunk.Data(), chunk.ReportProgress), nil
	})

	req, err := retryablehttp.NewRequestWithContext(ctx, url.Method, url.URL, body)
	if err != nil {
		return "", err
	}
	for k, v := range url.Headers {
		req.Header.Set(k, v)
	}
	// Add Content-Length manually because retryablehttp doesn't do it for
	// reader bodies.
	req.Header.Set("Content-Length", fmt.Sprintf("%d", chunk.Size()))
	req.ContentLength = chunk.Size()

	t.logger.Debugf("Uploading chunk %d to %s", chunk.Index+1, url.URL)

	resp, err := t.client.Do(req)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return "", cause
		}
		return "", err
	}
	defer t.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", unwrapError(resp)
	}

	etag := resp.Header.Get("ETag")
	if etag == "" {
		return "", fmt.Errorf("no ETag in response")
	}

	chunk.ReportProgress(chunk.Size())
	return etag, nil
}

func (t *Transport) prepareUpload(ctx context.Context, file multipart.FileHandle, chunks []*multipart.Chunk) (preparedUpload, error) {
	url := fmt.Sprintf("%s/uploads", t.baseURL)

	body, err := json.Marshal(prepareUploadRequest{
		FileName:        file.Name(),
		FileSizeInBytes: file.Size(),
		ChunkCount:      len(chunks),
		Multipart:       len(chunks) > 0 && chunks[0].Multipart,
	})
	if err != nil {
		return preparedUpload{}, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return preparedUpload{}, err
	}
	t.setAuthHeader(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return preparedUpload{}, err
	}
	defer t.closeBody(resp.Body)

	if resp.StatusCode != http.StatusCreated {
		return preparedUpload{}, unwrapError(resp)
	}

	var response prepareUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return preparedUpload{}, err
	}

	t.logger.Debugf("Upload ID: %s", response.ID)
	return preparedUpload{id: response.ID, urls: response.UploadURLs}, nil
}

func (t *Transport) listParts(ctx context.Context, uploadID string) ([]storedPart, error) {
	url := fmt.Sprintf("%s/uploads/%s/parts", t.baseURL, uploadID)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	t.setAuthHeader(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer t.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, unwrapError(resp)
	}

	var response listPartsResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, err
	}

	return response.Parts, nil
}

func (t *Transport) acknowledgeUpload(ctx context.Context, uploadID string, etags []string) (*multipart.UploadResult, error) {
	url := fmt.Sprintf("%s/uploads/%s", t.baseURL, uploadID)

	body, err := json.Marshal(acknowledgeRequest{Successful: true, ETags: etags})
	if err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPatch, url, body)
	if err != nil {
		return nil, err
	}
	t.setAuthHeader(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer t.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, unwrapError(resp)
	}

	var response acknowledgeResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, err
	}

	return &multipart.UploadResult{
		Location: response.Location,
		ETag:     response.ETag,
		UploadID: uploadID,
	}, nil
}

func (t *Transport) setAuthHeader(req *retryablehttp.Request) {
	if t.accessToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", t.accessToken))
	}
}

func (t *Transport) rememberUpload(file multipart.FileHandle, prepared preparedUpload) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.uploads[file.Name()] = prepared
}

func (t *Transport) rememberedUpload(file multipart.FileHandle) (preparedUpload, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prepared, ok := t.uploads[file.Name()]
	return prepared, ok
}

func (t *Transport) forgetUpload(file multipart.FileHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.uploads, file.Name())
}

func (t *Transport) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		t.logger.Printf(err.Error())
	}
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp)
}
