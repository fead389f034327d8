package ecoshop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// FirebaseStorageProvider implements StorageProvider on the project's
// default Cloud Storage bucket. Transfers are single writer/reader calls,
// so progress tasks emit one terminal event.
type FirebaseStorageProvider struct {
	cfg     FirebaseConfig
	storage StorageConfig
	paths   pathBuilder
	logger  Logger
	metrics Metrics

	mu     sync.RWMutex
	client *storage.Client
	bucket string
	ready  bool
}

// NewFirebaseStorageProvider constructs the provider; Initialize creates
// the Cloud Storage client.
func NewFirebaseStorageProvider(cfg FirebaseConfig, storageCfg StorageConfig, logger Logger, metrics Metrics) *FirebaseStorageProvider {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	bucket := cfg.StorageBucket
	if bucket == "" {
		bucket = cfg.ProjectID + ".appspot.com"
	}
	return &FirebaseStorageProvider{
		cfg:     cfg,
		storage: storageCfg,
		paths:   pathBuilder{basePath: storageCfg.BasePath},
		logger:  logger,
		metrics: metrics,
		bucket:  bucket,
	}
}

func (p *FirebaseStorageProvider) Initialize(ctx context.Context) error {
	var opts []option.ClientOption
	if p.cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(p.cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return WrapError(CodeInvalidConfig, "failed to create storage client", err)
	}

	p.mu.Lock()
	p.client = client
	p.ready = true
	p.mu.Unlock()
	p.logger.Info("firebase storage provider initialized", "bucket", p.bucket)
	return nil
}

func (p *FirebaseStorageProvider) IsReady() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ready
}

func (p *FirebaseStorageProvider) Dispose() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ready = false
	if p.client != nil {
		err := p.client.Close()
		p.client = nil
		return err
	}
	return nil
}

func (p *FirebaseStorageProvider) object(key string) (*storage.ObjectHandle, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.ready || p.client == nil {
		return nil, ErrNotInitialized
	}
	return p.client.Bucket(p.bucket).Object(key), nil
}

// storageError translates Cloud Storage failures into provider errors.
func storageError(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrObjectNotExist), errors.Is(err, storage.ErrBucketNotExist):
		return ErrNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return WrapError(CodeCancelled, op+" aborted", err)
	default:
		return WrapError(CodeStorage, op+" failed", err)
	}
}

func (p *FirebaseStorageProvider) attrsToMetadata(attrs *storage.ObjectAttrs) FileMetadata {
	return FileMetadata{
		ID:        attrs.Name,
		Name:      path.Base(attrs.Name),
		Path:      p.paths.strip(attrs.Name),
		Size:      attrs.Size,
		MimeType:  attrs.ContentType,
		URL:       publicFirebaseURL(attrs.Bucket, attrs.Name),
		CreatedAt: attrs.Created,
		UpdatedAt: attrs.Updated,
		Metadata:  attrs.Metadata,
	}
}

func (p *FirebaseStorageProvider) Upload(ctx context.Context, filePath string, data []byte, opts UploadOptions) (FileMetadata, error) {
	key := p.paths.build(applyFilename(filePath, opts, p.storage))
	obj, err := p.object(key)
	if err != nil {
		return FileMetadata{}, err
	}

	w := obj.NewWriter(ctx)
	w.ContentType = detectMimeType(opts, key, data)
	w.Metadata = opts.Metadata
	if _, err := w.Write(data); err != nil {
		w.Close()
		return FileMetadata{}, WrapError(CodeUpload, "upload failed", err)
	}
	if err := w.Close(); err != nil {
		if ctx.Err() != nil {
			return FileMetadata{}, WrapError(CodeCancelled, "upload aborted", ctx.Err())
		}
		return FileMetadata{}, WrapError(CodeUpload, "upload failed", err)
	}
	p.metrics.Increment(MetricStorageOps, "op", "upload", "status", "ok")
	p.metrics.Histogram(MetricUploadBytes, float64(len(data)))

	attrs, err := obj.Attrs(ctx)
	if err != nil {
		return FileMetadata{}, storageError(err, "stat after upload")
	}
	return p.attrsToMetadata(attrs), nil
}

func (p *FirebaseStorageProvider) UploadWithProgress(ctx context.Context, filePath string, data []byte, opts UploadOptions) (*UploadTask, error) {
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

func (p *FirebaseStorageProvider) Download(ctx context.Context, filePath string) ([]byte, error) {
	obj, err := p.object(p.paths.build(filePath))
	if err != nil {
		return nil, err
	}

	r, err := obj.NewReader(ctx)
	if err != nil {
		return nil, storageError(err, "download")
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, WrapError(CodeDownload, "download failed", err)
	}
	return data, nil
}

func (p *FirebaseStorageProvider) Delete(ctx context.Context, filePath string) error {
	obj, err := p.object(p.paths.build(filePath))
	if err != nil {
		return err
	}
	return storageError(obj.Delete(ctx), "delete")
}

func (p *FirebaseStorageProvider) DeleteMany(ctx context.Context, filePaths []string) error {
	for _, fp := range filePaths {
		if err := p.Delete(ctx, fp); err != nil && !IsNotFound(err) {
			return err
		}
	}
	return nil
}

func (p *FirebaseStorageProvider) GetURL(ctx context.Context, filePath string, opts URLOptions) (string, error) {
	key := p.paths.build(filePath)
	if _, err := p.object(key); err != nil {
		return "", err
	}

	if opts.ExpiresIn <= 0 {
		return publicFirebaseURL(p.bucket, key), nil
	}

	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	signed, err := client.Bucket(p.bucket).SignedURL(key, &storage.SignedURLOptions{
		Method:  http.MethodGet,
		Expires: time.Now().Add(opts.ExpiresIn),
		Scheme:  storage.SigningSchemeV4,
	})
	if err != nil {
		return "", WrapError(CodeStorage, "failed to sign url", err)
	}
	return signed, nil
}

func (p *FirebaseStorageProvider) GetMetadata(ctx context.Context, filePath string) (FileMetadata, error) {
	obj, err := p.object(p.paths.build(filePath))
	if err != nil {
		return FileMetadata{}, err
	}

	attrs, err := obj.Attrs(ctx)
	if err != nil {
		return FileMetadata{}, storageError(err, "stat")
	}
	return p.attrsToMetadata(attrs), nil
}

func (p *FirebaseStorageProvider) List(ctx context.Context, opts ListOptions) (ListResult, error) {
	p.mu.RLock()
	client := p.client
	ready := p.ready
	p.mu.RUnlock()
	if !ready || client == nil {
		return ListResult{}, ErrNotInitialized
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListPageSize
	}

	query := &storage.Query{Prefix: p.paths.build(opts.Prefix)}
	if opts.Cursor != "" {
		query.StartOffset = p.paths.build(opts.Cursor)
	}

	it := client.Bucket(p.bucket).Objects(ctx, query)
	var files []FileMetadata
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return ListResult{}, storageError(err, "list")
		}
		// StartOffset is inclusive, so the cursor entry itself comes back.
		if opts.Cursor != "" && p.paths.strip(attrs.Name) == opts.Cursor {
			continue
		}
		files = append(files, p.attrsToMetadata(attrs))
		if len(files) > limit {
			break
		}
	}

	sortFiles(files, opts)
	result := ListResult{Files: files}
	if len(files) > limit {
		result.Files = files[:limit]
		result.NextCursor = files[limit-1].Path
	}
	return result, nil
}

func (p *FirebaseStorageProvider) Exists(ctx context.Context, filePath string) (bool, error) {
	_, err := p.GetMetadata(ctx, filePath)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (p *FirebaseStorageProvider) Copy(ctx context.Context, srcPath, dstPath string) error {
	src, err := p.object(p.paths.build(srcPath))
	if err != nil {
		return err
	}
	dst, err := p.object(p.paths.build(dstPath))
	if err != nil {
		return err
	}

	if _, err := dst.CopierFrom(src).Run(ctx); err != nil {
		return storageError(err, "copy")
	}
	return nil
}

func (p *FirebaseStorageProvider) Move(ctx context.Context, srcPath, dstPath string) error {
	if err := p.Copy(ctx, srcPath, dstPath); err != nil {
		return err
	}
	return p.Delete(ctx, srcPath)
}

func (p *FirebaseStorageProvider) CreateSignedUploadURL(ctx context.Context, filePath string, expiresIn time.Duration) (string, error) {
	key := p.paths.build(filePath)
	if _, err := p.object(key); err != nil {
		return "", err
	}

	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	signed, err := client.Bucket(p.bucket).SignedURL(key, &storage.SignedURLOptions{
		Method:  http.MethodPut,
		Expires: time.Now().Add(expiresIn),
		Scheme:  storage.SigningSchemeV4,
	})
	if err != nil {
		return "", WrapError(CodeStorage, "failed to sign upload url", err)
	}
	return signed, nil
}

// publicFirebaseURL is the tokenless download URL form; the object must be
// readable under the project's storage rules for it to resolve.
func publicFirebaseURL(bucket, key string) string {
	return fmt.Sprintf("https://firebasestorage.googleapis.com/v0/b/%s/o/%s?alt=media", bucket, url.PathEscape(key))
}
