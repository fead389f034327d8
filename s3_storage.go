package ecoshop

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3StorageProvider implements StorageProvider on an S3-compatible object
// store. Selfhosted deployments opt into it instead of the backend's
// /storage endpoints; a custom Endpoint with path-style addressing covers
// MinIO and friends.
type S3StorageProvider struct {
	cfg     S3Config
	storage StorageConfig
	paths   pathBuilder
	logger  Logger
	metrics Metrics

	mu      sync.RWMutex
	client  *s3.Client
	presign *s3.PresignClient
	ready   bool
}

// NewS3StorageProvider constructs the provider; Initialize builds the SDK
// client and verifies bucket access.
func NewS3StorageProvider(cfg S3Config, storageCfg StorageConfig, logger Logger, metrics Metrics) *S3StorageProvider {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &S3StorageProvider{
		cfg:     cfg,
		storage: storageCfg,
		paths:   pathBuilder{basePath: storageCfg.BasePath},
		logger:  logger,
		metrics: metrics,
	}
}

func (p *S3StorageProvider) Initialize(ctx context.Context) error {
	client, err := p.buildClient(ctx)
	if err != nil {
		return err
	}

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(p.cfg.Bucket)}); err != nil {
		return WrapError(CodeNetwork, "bucket unreachable", err)
	}

	p.mu.Lock()
	p.client = client
	p.presign = s3.NewPresignClient(client)
	p.ready = true
	p.mu.Unlock()
	p.logger.Info("s3 storage provider initialized", "bucket", p.cfg.Bucket)
	return nil
}

func (p *S3StorageProvider) buildClient(ctx context.Context) (*s3.Client, error) {
	if p.cfg.Endpoint != "" {
		region := p.cfg.Region
		if region == "" {
			// The SDK requires a region even for endpoints that ignore it.
			region = "us-east-1"
		}
		return s3.New(s3.Options{
			BaseEndpoint: aws.String(p.cfg.Endpoint),
			Region:       region,
			Credentials:  credentials.NewStaticCredentialsProvider(p.cfg.AccessKeyID, p.cfg.SecretAccessKey, ""),
			UsePathStyle: p.cfg.UsePathStyle,
		}), nil
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(p.cfg.Region)}
	if p.cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(p.cfg.AccessKeyID, p.cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, WrapError(CodeInvalidConfig, "failed to load aws config", err)
	}
	return s3.NewFromConfig(awsCfg), nil
}

func (p *S3StorageProvider) IsReady() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ready
}

func (p *S3StorageProvider) Dispose() error {
	p.mu.Lock()
	p.ready = false
	p.client = nil
	p.presign = nil
	p.mu.Unlock()
	return nil
}

func (p *S3StorageProvider) clients() (*s3.Client, *s3.PresignClient, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.ready || p.client == nil {
		return nil, nil, ErrNotInitialized
	}
	return p.client, p.presign, nil
}

// s3Error translates SDK failures into provider errors. The SDK wraps typed
// errors inconsistently across operations, so NoSuchKey and NotFound are
// both matched.
func s3Error(err error, op string) error {
	if err == nil {
		return nil
	}
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	switch {
	case errors.As(err, &noKey), errors.As(err, &notFound):
		return ErrNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return WrapError(CodeCancelled, op+" aborted", err)
	case strings.Contains(err.Error(), "AccessDenied"):
		return WrapError(CodeUnauthorized, op+" rejected", err)
	default:
		return WrapError(CodeStorage, op+" failed", err)
	}
}

func (p *S3StorageProvider) metadataFromHead(key string, head *s3.HeadObjectOutput) FileMetadata {
	meta := FileMetadata{
		ID:       key,
		Name:     path.Base(key),
		Path:     p.paths.strip(key),
		Size:     aws.ToInt64(head.ContentLength),
		MimeType: aws.ToString(head.ContentType),
		Metadata: head.Metadata,
	}
	if head.LastModified != nil {
		meta.CreatedAt = *head.LastModified
		meta.UpdatedAt = *head.LastModified
	}
	return meta
}

func (p *S3StorageProvider) Upload(ctx context.Context, filePath string, data []byte, opts UploadOptions) (FileMetadata, error) {
	client, _, err := p.clients()
	if err != nil {
		return FileMetadata{}, err
	}

	key := p.paths.build(applyFilename(filePath, opts, p.storage))
	contentType := detectMimeType(opts, key, data)
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata:    opts.Metadata,
	})
	if err != nil {
		return FileMetadata{}, s3Error(err, "upload")
	}
	p.metrics.Increment(MetricStorageOps, "op", "upload", "status", "ok")
	p.metrics.Histogram(MetricUploadBytes, float64(len(data)))

	now := time.Now()
	return FileMetadata{
		ID:        key,
		Name:      path.Base(key),
		Path:      p.paths.strip(key),
		Size:      int64(len(data)),
		MimeType:  contentType,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  opts.Metadata,
	}, nil
}

func (p *S3StorageProvider) UploadWithProgress(ctx context.Context, filePath string, data []byte, opts UploadOptions) (*UploadTask, error) {
	if !p.IsReady() {
		return nil, ErrNotInitialized
	}

	taskCtx, cancel := context.WithCancel(ctx)
	task := newUploadTask(int64(len(data)), cancel)
	go runSingleShotUpload(taskCtx, task, func(ctx context.Context) (FileMetadata, error) {
		return p.Upload(ctx, filePath, data, opts)
	})
	return task, nil
}

func (p *S3StorageProvider) Download(ctx context.Context, filePath string) ([]byte, error) {
	client, _, err := p.clients()
	if err != nil {
		return nil, err
	}

	result, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(p.paths.build(filePath)),
	})
	if err != nil {
		return nil, s3Error(err, "download")
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, WrapError(CodeDownload, "download failed", err)
	}
	return data, nil
}

func (p *S3StorageProvider) Delete(ctx context.Context, filePath string) error {
	client, _, err := p.clients()
	if err != nil {
		return err
	}

	_, err = client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(p.paths.build(filePath)),
	})
	return s3Error(err, "delete")
}

func (p *S3StorageProvider) DeleteMany(ctx context.Context, filePaths []string) error {
	client, _, err := p.clients()
	if err != nil {
		return err
	}

	objects := make([]types.ObjectIdentifier, len(filePaths))
	for i, fp := range filePaths {
		objects[i] = types.ObjectIdentifier{Key: aws.String(p.paths.build(fp))}
	}
	_, err = client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(p.cfg.Bucket),
		Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
	})
	return s3Error(err, "batch delete")
}

func (p *S3StorageProvider) GetURL(ctx context.Context, filePath string, opts URLOptions) (string, error) {
	_, presign, err := p.clients()
	if err != nil {
		return "", err
	}

	expires := opts.ExpiresIn
	if expires <= 0 {
		// S3 has no unauthenticated object URL unless the bucket policy
		// allows it; default to a long-lived presigned link.
		expires = 24 * time.Hour
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(p.paths.build(filePath)),
	}
	if opts.Download {
		input.ResponseContentDisposition = aws.String("attachment")
	}

	req, err := presign.PresignGetObject(ctx, input, s3.WithPresignExpires(expires))
	if err != nil {
		return "", WrapError(CodeStorage, "failed to presign url", err)
	}
	return req.URL, nil
}

func (p *S3StorageProvider) GetMetadata(ctx context.Context, filePath string) (FileMetadata, error) {
	client, _, err := p.clients()
	if err != nil {
		return FileMetadata{}, err
	}

	key := p.paths.build(filePath)
	head, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return FileMetadata{}, s3Error(err, "stat")
	}
	return p.metadataFromHead(key, head), nil
}

func (p *S3StorageProvider) List(ctx context.Context, opts ListOptions) (ListResult, error) {
	client, _, err := p.clients()
	if err != nil {
		return ListResult{}, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListPageSize
	}

	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(p.cfg.Bucket),
		Prefix:  aws.String(p.paths.build(opts.Prefix)),
		MaxKeys: aws.Int32(int32(limit)),
	}
	if opts.Cursor != "" {
		input.StartAfter = aws.String(p.paths.build(opts.Cursor))
	}

	output, err := client.ListObjectsV2(ctx, input)
	if err != nil {
		return ListResult{}, s3Error(err, "list")
	}

	result := ListResult{}
	for _, obj := range output.Contents {
		key := aws.ToString(obj.Key)
		meta := FileMetadata{
			ID:       key,
			Name:     path.Base(key),
			Path:     p.paths.strip(key),
			Size:     aws.ToInt64(obj.Size),
			MimeType: "application/octet-stream",
		}
		if obj.LastModified != nil {
			meta.CreatedAt = *obj.LastModified
			meta.UpdatedAt = *obj.LastModified
		}
		result.Files = append(result.Files, meta)
	}

	sortFiles(result.Files, opts)
	if aws.ToBool(output.IsTruncated) && len(result.Files) > 0 {
		result.NextCursor = result.Files[len(result.Files)-1].Path
	}
	return result, nil
}

func (p *S3StorageProvider) Exists(ctx context.Context, filePath string) (bool, error) {
	_, err := p.GetMetadata(ctx, filePath)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (p *S3StorageProvider) Copy(ctx context.Context, srcPath, dstPath string) error {
	client, _, err := p.clients()
	if err != nil {
		return err
	}

	_, err = client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(p.cfg.Bucket),
		CopySource: aws.String(p.cfg.Bucket + "/" + p.paths.build(srcPath)),
		Key:        aws.String(p.paths.build(dstPath)),
	})
	return s3Error(err, "copy")
}

func (p *S3StorageProvider) Move(ctx context.Context, srcPath, dstPath string) error {
	if err := p.Copy(ctx, srcPath, dstPath); err != nil {
		return err
	}
	return p.Delete(ctx, srcPath)
}

func (p *S3StorageProvider) CreateSignedUploadURL(ctx context.Context, filePath string, expiresIn time.Duration) (string, error) {
	_, presign, err := p.clients()
	if err != nil {
		return "", err
	}

	req, err := presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(p.paths.build(filePath)),
	}, s3.WithPresignExpires(expiresIn))
	if err != nil {
		return "", WrapError(CodeStorage, "failed to presign upload url", err)
	}
	return req.URL, nil
}
