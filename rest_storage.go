package ecoshop

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RESTStorageProvider implements StorageProvider against the self-hosted
// backend's /storage endpoints. Uploads are single requests, so progress
// tasks resolve with one terminal event.
type RESTStorageProvider struct {
	cfg     StorageConfig
	rest    *restClient
	paths   pathBuilder
	logger  Logger
	metrics Metrics

	mu    sync.RWMutex
	ready bool
}

// NewRESTStorageProvider constructs the provider; Initialize verifies the
// backend is reachable.
func NewRESTStorageProvider(backend SelfHostedConfig, cfg StorageConfig, logger Logger, metrics Metrics) *RESTStorageProvider {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &RESTStorageProvider{
		cfg:     cfg,
		rest:    newRESTClient(backend),
		paths:   pathBuilder{basePath: cfg.BasePath},
		logger:  logger,
		metrics: metrics,
	}
}

func (p *RESTStorageProvider) Initialize(ctx context.Context) error {
	var ignored json.RawMessage
	if err := p.rest.doJSON(ctx, http.MethodGet, "/health", nil, nil, &ignored); err != nil {
		return WrapError(CodeNetwork, "backend health check failed", err)
	}

	p.mu.Lock()
	p.ready = true
	p.mu.Unlock()
	p.logger.Info("selfhosted storage provider initialized", "basePath", p.cfg.BasePath)
	return nil
}

func (p *RESTStorageProvider) IsReady() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ready
}

func (p *RESTStorageProvider) Dispose() error {
	p.mu.Lock()
	p.ready = false
	p.mu.Unlock()
	p.rest.client.CloseIdleConnections()
	return nil
}

func (p *RESTStorageProvider) checkReady() error {
	if !p.IsReady() {
		return ErrNotInitialized
	}
	return nil
}

func objectQuery(key string) url.Values {
	q := url.Values{}
	q.Set("path", key)
	return q
}

func (p *RESTStorageProvider) Upload(ctx context.Context, filePath string, data []byte, opts UploadOptions) (FileMetadata, error) {
	if err := p.checkReady(); err != nil {
		return FileMetadata{}, err
	}

	key := p.paths.build(applyFilename(filePath, opts, p.cfg))
	q := objectQuery(key)
	for k, v := range opts.Metadata {
		q.Add("meta", k+"="+v)
	}

	start := time.Now()
	var meta FileMetadata
	err := p.rest.doBytes(ctx, http.MethodPost, "/storage/upload", q, data, detectMimeType(opts, key, data), &meta)
	if err != nil {
		p.metrics.Increment(MetricStorageOps, "op", "upload", "status", "error")
		if IsCancelled(err) || IsNotFound(err) {
			return FileMetadata{}, err
		}
		return FileMetadata{}, WrapError(CodeUpload, "upload failed", err)
	}
	p.metrics.Increment(MetricStorageOps, "op", "upload", "status", "ok")
	p.metrics.Histogram(MetricUploadBytes, float64(len(data)))
	p.metrics.Timing(MetricDBLatency, time.Since(start), "op", "upload")

	meta.Path = p.paths.strip(key)
	return meta, nil
}

func (p *RESTStorageProvider) UploadWithProgress(ctx context.Context, filePath string, data []byte, opts UploadOptions) (*UploadTask, error) {
	if err := p.checkReady(); err != nil {
		return nil, err
	}

	taskCtx, cancel := context.WithCancel(ctx)
	task := newUploadTask(int64(len(data)), cancel)
	go runSingleShotUpload(taskCtx, task, func(ctx context.Context) (FileMetadata, error) {
		return p.Upload(ctx, filePath, data, opts)
	})
	return task, nil
}

func (p *RESTStorageProvider) Download(ctx context.Context, filePath string) ([]byte, error) {
	if err := p.checkReady(); err != nil {
		return nil, err
	}

	data, err := p.rest.doRaw(ctx, http.MethodGet, "/storage/object", objectQuery(p.paths.build(filePath)))
	if err != nil {
		if IsNotFound(err) || IsCancelled(err) {
			return nil, err
		}
		return nil, WrapError(CodeDownload, "download failed", err)
	}
	return data, nil
}

func (p *RESTStorageProvider) Delete(ctx context.Context, filePath string) error {
	if err := p.checkReady(); err != nil {
		return err
	}
	var ignored json.RawMessage
	return p.rest.doJSON(ctx, http.MethodDelete, "/storage/object", objectQuery(p.paths.build(filePath)), nil, &ignored)
}

func (p *RESTStorageProvider) DeleteMany(ctx context.Context, filePaths []string) error {
	if err := p.checkReady(); err != nil {
		return err
	}

	keys := make([]string, len(filePaths))
	for i, fp := range filePaths {
		keys[i] = p.paths.build(fp)
	}
	var ignored json.RawMessage
	return p.rest.doJSON(ctx, http.MethodPost, "/storage/delete", nil, map[string]interface{}{"paths": keys}, &ignored)
}

func (p *RESTStorageProvider) GetURL(ctx context.Context, filePath string, opts URLOptions) (string, error) {
	if err := p.checkReady(); err != nil {
		return "", err
	}

	q := objectQuery(p.paths.build(filePath))
	if opts.ExpiresIn > 0 {
		q.Set("expiresIn", strconv.Itoa(int(opts.ExpiresIn.Seconds())))
	}
	for _, param := range transformParams(opts) {
		if k, v, ok := strings.Cut(param, "="); ok {
			q.Set(k, v)
		}
	}

	var result struct {
		URL string `json:"url"`
	}
	if err := p.rest.doJSON(ctx, http.MethodGet, "/storage/url", q, nil, &result); err != nil {
		return "", err
	}
	return result.URL, nil
}

func (p *RESTStorageProvider) GetMetadata(ctx context.Context, filePath string) (FileMetadata, error) {
	if err := p.checkReady(); err != nil {
		return FileMetadata{}, err
	}

	key := p.paths.build(filePath)
	var meta FileMetadata
	if err := p.rest.doJSON(ctx, http.MethodGet, "/storage/metadata", objectQuery(key), nil, &meta); err != nil {
		return FileMetadata{}, err
	}
	meta.Path = p.paths.strip(key)
	return meta, nil
}

func (p *RESTStorageProvider) List(ctx context.Context, opts ListOptions) (ListResult, error) {
	if err := p.checkReady(); err != nil {
		return ListResult{}, err
	}

	q := url.Values{}
	q.Set("prefix", p.paths.build(opts.Prefix))
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	if opts.SortBy != "" {
		q.Set("sortBy", opts.SortBy)
	}
	if opts.SortDir != "" {
		q.Set("sortDir", string(opts.SortDir))
	}

	var result ListResult
	if err := p.rest.doJSON(ctx, http.MethodGet, "/storage/list", q, nil, &result); err != nil {
		return ListResult{}, err
	}
	for i := range result.Files {
		result.Files[i].Path = p.paths.strip(result.Files[i].Path)
	}
	return result, nil
}

func (p *RESTStorageProvider) Exists(ctx context.Context, filePath string) (bool, error) {
	if err := p.checkReady(); err != nil {
		return false, err
	}

	_, err := p.GetMetadata(ctx, filePath)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (p *RESTStorageProvider) Copy(ctx context.Context, srcPath, dstPath string) error {
	if err := p.checkReady(); err != nil {
		return err
	}
	var ignored json.RawMessage
	body := map[string]string{"src": p.paths.build(srcPath), "dst": p.paths.build(dstPath)}
	return p.rest.doJSON(ctx, http.MethodPost, "/storage/copy", nil, body, &ignored)
}

func (p *RESTStorageProvider) Move(ctx context.Context, srcPath, dstPath string) error {
	if err := p.checkReady(); err != nil {
		return err
	}
	var ignored json.RawMessage
	body := map[string]string{"src": p.paths.build(srcPath), "dst": p.paths.build(dstPath)}
	return p.rest.doJSON(ctx, http.MethodPost, "/storage/move", nil, body, &ignored)
}

func (p *RESTStorageProvider) CreateSignedUploadURL(ctx context.Context, filePath string, expiresIn time.Duration) (string, error) {
	if err := p.checkReady(); err != nil {
		return "", err
	}

	body := map[string]interface{}{
		"path":      p.paths.build(filePath),
		"expiresIn": int(expiresIn.Seconds()),
	}
	var result struct {
		URL string `json:"url"`
	}
	if err := p.rest.doJSON(ctx, http.MethodPost, "/storage/signed-upload", nil, body, &result); err != nil {
		return "", err
	}
	return result.URL, nil
}
