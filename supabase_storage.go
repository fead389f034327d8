package ecoshop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"
)

// SupabaseStorageProvider implements StorageProvider over the Supabase
// Storage REST API. Objects live in one configured bucket; image transform
// options map onto the render endpoint's query parameters.
type SupabaseStorageProvider struct {
	cfg     SupabaseConfig
	storage StorageConfig
	client  *http.Client
	paths   pathBuilder
	bucket  string
	logger  Logger
	metrics Metrics

	mu    sync.RWMutex
	ready bool
}

// NewSupabaseStorageProvider constructs the provider without any I/O.
func NewSupabaseStorageProvider(cfg SupabaseConfig, storageCfg StorageConfig, logger Logger, metrics Metrics) *SupabaseStorageProvider {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &SupabaseStorageProvider{
		cfg:     cfg,
		storage: storageCfg,
		client:  &http.Client{Timeout: cfg.timeout()},
		paths:   pathBuilder{basePath: storageCfg.BasePath},
		bucket:  storageCfg.bucket(),
		logger:  logger,
		metrics: metrics,
	}
}

func (p *SupabaseStorageProvider) Initialize(ctx context.Context) error {
	// Verify the bucket exists and the anon key can see it.
	var bucket struct {
		ID string `json:"id"`
	}
	if err := p.request(ctx, http.MethodGet, "/storage/v1/bucket/"+url.PathEscape(p.bucket), nil, nil, "", &bucket); err != nil {
		if IsNotFound(err) {
			return Errorf(CodeInvalidConfig, "storage bucket %q does not exist", p.bucket)
		}
		return err
	}

	p.mu.Lock()
	p.ready = true
	p.mu.Unlock()
	p.logger.Info("supabase storage provider initialized", "bucket", p.bucket)
	return nil
}

func (p *SupabaseStorageProvider) IsReady() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ready
}

func (p *SupabaseStorageProvider) Dispose() error {
	p.mu.Lock()
	p.ready = false
	p.mu.Unlock()
	p.client.CloseIdleConnections()
	return nil
}

func (p *SupabaseStorageProvider) checkReady() error {
	if !p.IsReady() {
		return ErrNotInitialized
	}
	return nil
}

func (p *SupabaseStorageProvider) objectPath(key string) string {
	return "/storage/v1/object/" + p.bucket + "/" + key
}

func (p *SupabaseStorageProvider) Upload(ctx context.Context, filePath string, data []byte, opts UploadOptions) (FileMetadata, error) {
	if err := p.checkReady(); err != nil {
		return FileMetadata{}, err
	}

	key := p.paths.build(applyFilename(filePath, opts, p.storage))
	contentType := detectMimeType(opts, key, data)

	headers := map[string]string{"x-upsert": "true"}
	if err := p.request(ctx, http.MethodPost, p.objectPath(key), nil, data, contentType, nil, headers); err != nil {
		if IsCancelled(err) {
			return FileMetadata{}, err
		}
		return FileMetadata{}, WrapError(CodeUpload, "upload failed", err)
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
		URL:       p.publicURL(key, URLOptions{}),
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  opts.Metadata,
	}, nil
}

func (p *SupabaseStorageProvider) UploadWithProgress(ctx context.Context, filePath string, data []byte, opts UploadOptions) (*UploadTask, error) {
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

func (p *SupabaseStorageProvider) Download(ctx context.Context, filePath string) ([]byte, error) {
	if err := p.checkReady(); err != nil {
		return nil, err
	}

	data, err := p.requestRaw(ctx, http.MethodGet, p.objectPath(p.paths.build(filePath)), nil)
	if err != nil {
		if IsNotFound(err) || IsCancelled(err) {
			return nil, err
		}
		return nil, WrapError(CodeDownload, "download failed", err)
	}
	return data, nil
}

func (p *SupabaseStorageProvider) Delete(ctx context.Context, filePath string) error {
	if err := p.checkReady(); err != nil {
		return err
	}
	return p.request(ctx, http.MethodDelete, p.objectPath(p.paths.build(filePath)), nil, nil, "", nil)
}

func (p *SupabaseStorageProvider) DeleteMany(ctx context.Context, filePaths []string) error {
	if err := p.checkReady(); err != nil {
		return err
	}

	keys := make([]string, len(filePaths))
	for i, fp := range filePaths {
		keys[i] = p.paths.build(fp)
	}
	body := map[string]interface{}{"prefixes": keys}
	return p.requestJSON(ctx, http.MethodDelete, "/storage/v1/object/"+p.bucket, nil, body, nil)
}

func (p *SupabaseStorageProvider) GetURL(ctx context.Context, filePath string, opts URLOptions) (string, error) {
	if err := p.checkReady(); err != nil {
		return "", err
	}

	key := p.paths.build(filePath)
	if opts.ExpiresIn <= 0 {
		return p.publicURL(key, opts), nil
	}

	body := map[string]interface{}{"expiresIn": int(opts.ExpiresIn.Seconds())}
	if t := opts.Transform; t != nil {
		body["transform"] = map[string]interface{}{
			"width":   t.Width,
			"height":  t.Height,
			"quality": t.Quality,
			"format":  t.Format,
		}
	}

	var result struct {
		SignedURL string `json:"signedURL"`
	}
	if err := p.requestJSON(ctx, http.MethodPost, "/storage/v1/object/sign/"+p.bucket+"/"+key, nil, body, &result); err != nil {
		return "", err
	}
	signed := strings.TrimSuffix(p.cfg.URL, "/") + "/storage/v1" + result.SignedURL
	if opts.Download {
		signed += "&download="
	}
	return signed, nil
}

func (p *SupabaseStorageProvider) GetMetadata(ctx context.Context, filePath string) (FileMetadata, error) {
	if err := p.checkReady(); err != nil {
		return FileMetadata{}, err
	}

	key := p.paths.build(filePath)
	var info supabaseObject
	if err := p.request(ctx, http.MethodGet, "/storage/v1/object/info/"+p.bucket+"/"+key, nil, nil, "", &info); err != nil {
		return FileMetadata{}, err
	}
	return p.objectToMetadata(key, info), nil
}

// supabaseObject is the object shape the storage API returns from list and
// info endpoints.
type supabaseObject struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Metadata  struct {
		Size     int64  `json:"size"`
		MimeType string `json:"mimetype"`
	} `json:"metadata"`
}

func (p *SupabaseStorageProvider) objectToMetadata(key string, info supabaseObject) FileMetadata {
	return FileMetadata{
		ID:        info.ID,
		Name:      path.Base(key),
		Path:      p.paths.strip(key),
		Size:      info.Metadata.Size,
		MimeType:  info.Metadata.MimeType,
		URL:       p.publicURL(key, URLOptions{}),
		CreatedAt: info.CreatedAt,
		UpdatedAt: info.UpdatedAt,
	}
}

func (p *SupabaseStorageProvider) List(ctx context.Context, opts ListOptions) (ListResult, error) {
	if err := p.checkReady(); err != nil {
		return ListResult{}, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListPageSize
	}

	// The list endpoint is folder-scoped, so the prefix is treated as a
	// directory and pagination uses offset encoded into the cursor.
	prefix := p.paths.build(opts.Prefix)
	body := map[string]interface{}{
		"prefix": prefix,
		"limit":  limit + 1,
	}
	if opts.Cursor != "" {
		body["offset"] = decodeOffsetCursor(opts.Cursor)
	}
	if opts.SortBy != "" {
		order := "asc"
		if opts.SortDir == SortDesc {
			order = "desc"
		}
		column := opts.SortBy
		if column == "createdAt" {
			column = "created_at"
		}
		body["sortBy"] = map[string]string{"column": column, "order": order}
	}

	var objects []supabaseObject
	if err := p.requestJSON(ctx, http.MethodPost, "/storage/v1/object/list/"+p.bucket, nil, body, &objects); err != nil {
		return ListResult{}, err
	}

	result := ListResult{}
	for i, obj := range objects {
		if i == limit {
			result.NextCursor = encodeOffsetCursor(decodeOffsetCursor(opts.Cursor) + limit)
			break
		}
		key := obj.Name
		if prefix != "" {
			key = prefix + "/" + obj.Name
		}
		result.Files = append(result.Files, p.objectToMetadata(key, obj))
	}
	return result, nil
}

func (p *SupabaseStorageProvider) Exists(ctx context.Context, filePath string) (bool, error) {
	_, err := p.GetMetadata(ctx, filePath)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (p *SupabaseStorageProvider) Copy(ctx context.Context, srcPath, dstPath string) error {
	if err := p.checkReady(); err != nil {
		return err
	}

	body := map[string]string{
		"bucketId":       p.bucket,
		"sourceKey":      p.paths.build(srcPath),
		"destinationKey": p.paths.build(dstPath),
	}
	return p.requestJSON(ctx, http.MethodPost, "/storage/v1/object/copy", nil, body, nil)
}

func (p *SupabaseStorageProvider) Move(ctx context.Context, srcPath, dstPath string) error {
	if err := p.checkReady(); err != nil {
		return err
	}

	body := map[string]string{
		"bucketId":       p.bucket,
		"sourceKey":      p.paths.build(srcPath),
		"destinationKey": p.paths.build(dstPath),
	}
	return p.requestJSON(ctx, http.MethodPost, "/storage/v1/object/move", nil, body, nil)
}

func (p *SupabaseStorageProvider) CreateSignedUploadURL(ctx context.Context, filePath string, expiresIn time.Duration) (string, error) {
	if err := p.checkReady(); err != nil {
		return "", err
	}

	key := p.paths.build(filePath)
	var result struct {
		URL string `json:"url"`
	}
	if err := p.requestJSON(ctx, http.MethodPost, "/storage/v1/object/upload/sign/"+p.bucket+"/"+key, nil, nil, &result); err != nil {
		return "", err
	}
	return strings.TrimSuffix(p.cfg.URL, "/") + "/storage/v1" + result.URL, nil
}

// publicURL builds the unauthenticated object URL, switching to the render
// endpoint when image transforms are requested.
func (p *SupabaseStorageProvider) publicURL(key string, opts URLOptions) string {
	base := strings.TrimSuffix(p.cfg.URL, "/")
	endpoint := base + "/storage/v1/object/public/" + p.bucket + "/" + key
	params := transformParams(opts)
	if opts.Transform != nil {
		endpoint = base + "/storage/v1/render/image/public/" + p.bucket + "/" + key
	}
	if len(params) > 0 {
		endpoint += "?" + strings.Join(params, "&")
	}
	return endpoint
}

func (p *SupabaseStorageProvider) requestJSON(ctx context.Context, method, apiPath string, query url.Values, body, dest interface{}) error {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return WrapError(CodeValidation, "request body is not serializable", err)
		}
		payload = encoded
	}
	return p.request(ctx, method, apiPath, query, payload, "application/json", dest)
}

func (p *SupabaseStorageProvider) request(ctx context.Context, method, apiPath string, query url.Values, payload []byte, contentType string, dest interface{}, extraHeaders ...map[string]string) error {
	raw, err := p.do(ctx, method, apiPath, query, payload, contentType, extraHeaders...)
	if err != nil {
		return err
	}
	if dest == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return WrapError(CodeStorage, "failed to decode response", err)
	}
	return nil
}

func (p *SupabaseStorageProvider) requestRaw(ctx context.Context, method, apiPath string, query url.Values) ([]byte, error) {
	return p.do(ctx, method, apiPath, query, nil, "")
}

func (p *SupabaseStorageProvider) do(ctx context.Context, method, apiPath string, query url.Values, payload []byte, contentType string, extraHeaders ...map[string]string) ([]byte, error) {
	endpoint := strings.TrimSuffix(p.cfg.URL, "/") + apiPath
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, WrapError(CodeStorage, "failed to build request", err)
	}
	req.Header.Set("apikey", p.cfg.AnonKey)
	req.Header.Set("Authorization", "Bearer "+p.cfg.AnonKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for _, headers := range extraHeaders {
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, WrapError(CodeCancelled, "request aborted", ctx.Err())
		}
		return nil, WrapError(CodeNetwork, "request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, WrapError(CodeNetwork, "failed to read response", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		_ = json.Unmarshal(raw, &apiErr)
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.Error
		}
		if msg == "" {
			msg = fmt.Sprintf("supabase storage returned status %d", resp.StatusCode)
		}
		return nil, statusError(resp.StatusCode, NewError(CodeStorage, msg))
	}

	return raw, nil
}

func encodeOffsetCursor(offset int) string {
	return fmt.Sprintf("offset:%d", offset)
}

func decodeOffsetCursor(cursor string) int {
	var offset int
	if _, err := fmt.Sscanf(cursor, "offset:%d", &offset); err != nil {
		return 0
	}
	return offset
}
