// Package awss3 implements a multipart.Transport backed by Amazon S3 or
// an S3-compatible store. Single-chunk plans become one PutObject; chunked
// plans use the multipart-upload API with parts uploaded in parallel.
package awss3

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/quigebo/uppy/multipart"
)

const numAbortRetries = 3

// API is the subset of the S3 client the transport uses.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// Params configure the S3 connection.
type Params struct {
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string

	// Concurrency bounds parallel part uploads.
	// Default: min(NumCPU * 3, 20), minimum 2.
	Concurrency int
}

// Transport uploads chunks to an S3 bucket, keyed by the file's name.
type Transport struct {
	client      API
	bucket      string
	concurrency int
	logger      log.Logger

	mu      sync.Mutex
	uploads map[string]string // object key -> multipart upload ID
}

// New creates a Transport connected to S3 with the given credentials.
func New(ctx context.Context, params Params, logger log.Logger) (*Transport, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("Bucket must not be empty")
	}

	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	return NewWithClient(s3.NewFromConfig(*cfg), params.Bucket, params.Concurrency, logger), nil
}

// NewWithClient creates a Transport over an existing client. A
// non-positive concurrency selects the default.
func NewWithClient(client API, bucket string, concurrency int, logger log.Logger) *Transport {
	if concurrency <= 0 {
		concurrency = defaultConcurrency()
	}
	if logger == nil {
		logger = log.NewLogger()
	}

	return &Transport{
		client:      client,
		bucket:      bucket,
		concurrency: concurrency,
		logger:      logger,
		uploads:     make(map[string]string),
	}
}

// UploadFile begins a fresh upload of all chunks.
func (t *Transport) UploadFile(ctx context.Context, file multipart.FileHandle, chunks []*multipart.Chunk) (*multipart.UploadResult, error) {
	if len(chunks) == 1 && !chunks[0].Multipart {
		return t.putObject(ctx, file, chunks[0])
	}

	uploadID, err := t.createUpload(ctx, file)
	if err != nil {
		return nil, fmt.Errorf("create multipart upload: %w", err)
	}

	return t.uploadParts(ctx, file, chunks, uploadID, nil)
}

// ResumeUploadFile resumes a previously created multipart upload; parts
// the bucket already holds are marked complete without being re-sent.
func (t *Transport) ResumeUploadFile(ctx context.Context, file multipart.FileHandle, chunks []*multipart.Chunk) (*multipart.UploadResult, error) {
	t.mu.Lock()
	uploadID, ok := t.uploads[file.Name()]
	t.mu.Unlock()

	if !ok || (len(chunks) == 1 && !chunks[0].Multipart) {
		// Nothing resumable server-side; start over.
		return t.UploadFile(ctx, file, chunks)
	}

	stored, err := t.listParts(ctx, file, uploadID)
	if err != nil {
		return nil, fmt.Errorf("list parts: %w", err)
	}

	return t.uploadParts(ctx, file, chunks, uploadID, stored)
}

// AbortFileUpload aborts the in-progress multipart upload for file,
// releasing the parts the bucket holds for it.
func (t *Transport) AbortFileUpload(ctx context.Context, file multipart.FileHandle) error {
	t.mu.Lock()
	uploadID, ok := t.uploads[file.Name()]
	t.mu.Unlock()
	if !ok {
		// Single-part uploads hold no server-side session.
		return nil
	}

	err := retry.Times(numAbortRetries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := t.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(t.bucket),
			Key:      aws.String(file.Name()),
			UploadId: aws.String(uploadID),
		})
		if err != nil {
			var apiError smithy.APIError
			if errors.As(err, &apiError) && apiError.ErrorCode() == "NoSuchUpload" {
				// Already gone server-side.
				return nil, true
			}
			return fmt.Errorf("abort multipart upload: %w", err), false
		}
		return nil, true
	})
	if err != nil {
		return err
	}

	t.mu.Lock()
	delete(t.uploads, file.Name())
	t.mu.Unlock()
	return nil
}

func (t *Transport) putObject(ctx context.Context, file multipart.FileHandle, chunk *multipart.Chunk) (*multipart.UploadResult, error) {
	body := multipart.NewProgressReader(chunk.Data(), chunk.ReportProgress)

	out, err := t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(t.bucket),
		Key:           aws.String(file.Name()),
		Body:          body,
		ContentLength: aws.Int64(chunk.Size()),
	})
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return nil, cause
		}
		return nil, fmt.Errorf("put object: %w", err)
	}

	etag := aws.ToString(out.ETag)
	chunk.ReportProgress(chunk.Size())
	chunk.Complete(etag)

	return &multipart.UploadResult{
		Location: fmt.Sprintf("s3://%s/%s", t.bucket, file.Name()),
		ETag:     etag,
	}, nil
}

func (t *Transport) createUpload(ctx context.Context, file multipart.FileHandle) (string, error) {
	out, err := t.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(file.Name()),
	})
	if err != nil {
		return "", err
	}

	uploadID := aws.ToString(out.UploadId)
	t.mu.Lock()
	t.uploads[file.Name()] = uploadID
	t.mu.Unlock()

	t.logger.Debugf("Created multipart upload %s for %s", uploadID, file.Name())
	return uploadID, nil
}

func (t *Transport) uploadParts(ctx context.Context, file multipart.FileHandle, chunks []*multipart.Chunk, uploadID string, stored map[int32]string) (*multipart.UploadResult, error) {
	etags := make([]string, len(chunks))
	pending := make([]*multipart.Chunk, 0, len(chunks))
	for i, chunk := range chunks {
		if etag, ok := stored[int32(chunk.Index+1)]; ok {
			// Already stored by a previous attempt.
			etags[i] = etag
			chunk.ReportProgress(chunk.Size())
			chunk.Complete(etag)
			continue
		}
		pending = append(pending, chunk)
	}

	type partResult struct {
		index int
		etag  string
		err   error
	}

	resultChan := make(chan partResult, len(pending))
	semaphore := make(chan struct{}, t.concurrency)

	for _, chunk := range pending {
		go func(chunk *multipart.Chunk) {
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			etag, err := t.uploadPart(ctx, file, chunk, uploadID)
			resultChan <- partResult{index: chunk.Index, etag: etag, err: err}
		}(chunk)
	}

	for completed := 0; completed < len(pending); completed++ {
		result := <-resultChan
		if result.err != nil {
			return nil, fmt.Errorf("part %d: %w", result.index+1, result.err)
		}
		etags[result.index] = result.etag
	}

	return t.completeUpload(ctx, file, chunks, etags, uploadID)
}

func (t *Transport) uploadPart(ctx context.Context, file multipart.FileHandle, chunk *multipart.Chunk, uploadID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", context.Cause(ctx)
	}

	body := multipart.NewProgressReader(chunk.Data(), chunk.ReportProgress)

	out, err := t.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(t.bucket),
		Key:           aws.String(file.Name()),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(int32(chunk.Index + 1)),
		Body:          body,
		ContentLength: aws.Int64(chunk.Size()),
	})
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return "", cause
		}
		return "", err
	}

	etag := aws.ToString(out.ETag)
	chunk.ReportProgress(chunk.Size())
	chunk.Complete(etag)
	return etag, nil
}

func (t *Transport) completeUpload(ctx context.Context, file multipart.FileHandle, chunks []*multipart.Chunk, etags []string, uploadID string) (*multipart.UploadResult, error) {
	parts := make([]types.CompletedPart, len(chunks))
	for i, chunk := range chunks {
		parts[i] = types.CompletedPart{
			ETag:       aws.String(etags[i]),
			PartNumber: aws.Int32(int32(chunk.Index + 1)),
		}
	}

	out, err := t.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(t.bucket),
		Key:             aws.String(file.Name()),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return nil, fmt.Errorf("complete multipart upload: %w", err)
	}

	t.mu.Lock()
	delete(t.uploads, file.Name())
	t.mu.Unlock()

	return &multipart.UploadResult{
		Location: aws.ToString(out.Location),
		ETag:     aws.ToString(out.ETag),
		UploadID: uploadID,
	}, nil
}

func (t *Transport) listParts(ctx context.Context, file multipart.FileHandle, uploadID string) (map[int32]string, error) {
	stored := make(map[int32]string)

	var marker *string
	for {
		out, err := t.client.ListParts(ctx, &s3.ListPartsInput{
			Bucket:           aws.String(t.bucket),
			Key:              aws.String(file.Name()),
			UploadId:         aws.String(uploadID),
			PartNumberMarker: marker,
		})
		if err != nil {
			return nil, err
		}

		for _, part := range out.Parts {
			stored[aws.ToInt32(part.PartNumber)] = aws.ToString(part.ETag)
		}

		if !aws.ToBool(out.IsTruncated) {
			return stored, nil
		}
		marker = out.NextPartNumberMarker
	}
}

func loadAWSCredentials(ctx context.Context, region, accessKeyID, secretKey string, logger log.Logger) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		opts = append(opts,
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	} else {
		logger.Debugf("aws credentials not defined, loading credentials from environment...")
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}

func defaultConcurrency() int {
	c := runtime.NumCPU() * 3

	if c > 20 {
		c = 20
	}

	if c < 2 {
		c = 2
	}

	return c
}
