package ecoshop

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// memoryUploadChunk is the transfer granularity of the in-memory provider.
// Small enough that pause/cancel tests get several checkpoints per upload.
const memoryUploadChunk = 32 * 1024

type memoryFile struct {
	data []byte
	meta FileMetadata
}

// MemoryStorageProvider is an in-process StorageProvider used for tests and
// offline development. Unlike the object-store families it transfers in
// chunks, so it exercises the full pause/resume/cancel surface of
// UploadTask.
type MemoryStorageProvider struct {
	cfg   StorageConfig
	paths pathBuilder

	mu    sync.RWMutex
	files map[string]memoryFile
	ready bool
}

// NewMemoryStorageProvider creates an empty in-memory provider.
func NewMemoryStorageProvider(cfg StorageConfig) *MemoryStorageProvider {
	return &MemoryStorageProvider{
		cfg:   cfg,
		paths: pathBuilder{basePath: cfg.BasePath},
		files: make(map[string]memoryFile),
	}
}

func (p *MemoryStorageProvider) Initialize(ctx context.Context) error {
	p.mu.Lock()
	p.ready = true
	p.mu.Unlock()
	return nil
}

func (p *MemoryStorageProvider) IsReady() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ready
}

func (p *MemoryStorageProvider) Dispose() error {
	p.mu.Lock()
	p.ready = false
	p.files = make(map[string]memoryFile)
	p.mu.Unlock()
	return nil
}

func (p *MemoryStorageProvider) checkReady() error {
	if !p.IsReady() {
		return ErrNotInitialized
	}
	return nil
}

func (p *MemoryStorageProvider) store(key string, data []byte, opts UploadOptions) FileMetadata {
	now := time.Now()
	meta := FileMetadata{
		ID:        key,
		Name:      path.Base(key),
		Path:      p.paths.strip(key),
		Size:      int64(len(data)),
		MimeType:  detectMimeType(opts, key, data),
		URL:       "memory://" + key,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  opts.Metadata,
	}

	p.mu.Lock()
	if existing, ok := p.files[key]; ok {
		meta.CreatedAt = existing.meta.CreatedAt
	}
	p.files[key] = memoryFile{data: append([]byte(nil), data...), meta: meta}
	p.mu.Unlock()
	return meta
}

func (p *MemoryStorageProvider) Upload(ctx context.Context, filePath string, data []byte, opts UploadOptions) (FileMetadata, error) {
	if err := p.checkReady(); err != nil {
		return FileMetadata{}, err
	}
	key := p.paths.build(applyFilename(filePath, opts, p.cfg))
	return p.store(key, data, opts), nil
}

// UploadWithProgress transfers in chunks with a checkpoint between each, so
// Pause and Cancel take effect mid-upload.
func (p *MemoryStorageProvider) UploadWithProgress(ctx context.Context, filePath string, data []byte, opts UploadOptions) (*UploadTask, error) {
	if err := p.checkReady(); err != nil {
		return nil, err
	}

	key := p.paths.build(applyFilename(filePath, opts, p.cfg))
	taskCtx, cancel := context.WithCancel(ctx)
	task := newUploadTask(int64(len(data)), cancel)

	go func() {
		transferred := 0
		for transferred < len(data) {
			if err := task.checkpoint(taskCtx); err != nil {
				task.Cancel()
				return
			}
			end := transferred + memoryUploadChunk
			if end > len(data) {
				end = len(data)
			}
			transferred = end
			task.reportProgress(int64(transferred))
		}
		if err := task.checkpoint(taskCtx); err != nil {
			task.Cancel()
			return
		}
		task.complete(p.store(key, data, opts))
	}()

	return task, nil
}

func (p *MemoryStorageProvider) Download(ctx context.Context, filePath string) ([]byte, error) {
	if err := p.checkReady(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	file, ok := p.files[p.paths.build(filePath)]
	p.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound.WithDetails(map[string]interface{}{"path": filePath})
	}
	return append([]byte(nil), file.data...), nil
}

func (p *MemoryStorageProvider) Delete(ctx context.Context, filePath string) error {
	if err := p.checkReady(); err != nil {
		return err
	}

	key := p.paths.build(filePath)
	p.mu.Lock()
	_, ok := p.files[key]
	delete(p.files, key)
	p.mu.Unlock()
	if !ok {
		return ErrNotFound.WithDetails(map[string]interface{}{"path": filePath})
	}
	return nil
}

func (p *MemoryStorageProvider) DeleteMany(ctx context.Context, filePaths []string) error {
	for _, fp := range filePaths {
		if err := p.Delete(ctx, fp); err != nil && !IsNotFound(err) {
			return err
		}
	}
	return nil
}

func (p *MemoryStorageProvider) GetURL(ctx context.Context, filePath string, opts URLOptions) (string, error) {
	if err := p.checkReady(); err != nil {
		return "", err
	}

	url := "memory://" + p.paths.build(filePath)
	params := transformParams(opts)
	if opts.ExpiresIn > 0 {
		params = append(params, fmt.Sprintf("expires=%d", time.Now().Add(opts.ExpiresIn).Unix()))
	}
	if len(params) > 0 {
		url += "?" + strings.Join(params, "&")
	}
	return url, nil
}

func (p *MemoryStorageProvider) GetMetadata(ctx context.Context, filePath string) (FileMetadata, error) {
	if err := p.checkReady(); err != nil {
		return FileMetadata{}, err
	}

	p.mu.RLock()
	file, ok := p.files[p.paths.build(filePath)]
	p.mu.RUnlock()
	if !ok {
		return FileMetadata{}, ErrNotFound.WithDetails(map[string]interface{}{"path": filePath})
	}
	return file.meta, nil
}

func (p *MemoryStorageProvider) List(ctx context.Context, opts ListOptions) (ListResult, error) {
	if err := p.checkReady(); err != nil {
		return ListResult{}, err
	}

	prefix := p.paths.build(opts.Prefix)
	p.mu.RLock()
	var files []FileMetadata
	for key, file := range p.files {
		if prefix == "" || strings.HasPrefix(key, prefix) {
			files = append(files, file.meta)
		}
	}
	p.mu.RUnlock()

	sortFiles(files, opts)

	// Cursor pagination over the sorted set: the cursor is the path of the
	// last file of the previous page.
	start := 0
	if opts.Cursor != "" {
		for i, f := range files {
			if f.Path == opts.Cursor {
				start = i + 1
				break
			}
		}
	}
	if start >= len(files) {
		return ListResult{}, nil
	}
	files = files[start:]

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListPageSize
	}

	result := ListResult{}
	if len(files) > limit {
		result.Files = files[:limit]
		result.NextCursor = files[limit-1].Path
	} else {
		result.Files = files
	}
	return result, nil
}

func (p *MemoryStorageProvider) Exists(ctx context.Context, filePath string) (bool, error) {
	if err := p.checkReady(); err != nil {
		return false, err
	}

	p.mu.RLock()
	_, ok := p.files[p.paths.build(filePath)]
	p.mu.RUnlock()
	return ok, nil
}

func (p *MemoryStorageProvider) Copy(ctx context.Context, srcPath, dstPath string) error {
	data, err := p.Download(ctx, srcPath)
	if err != nil {
		return err
	}

	src, err := p.GetMetadata(ctx, srcPath)
	if err != nil {
		return err
	}
	_, err = p.Upload(ctx, dstPath, data, UploadOptions{ContentType: src.MimeType, Metadata: src.Metadata})
	return err
}

func (p *MemoryStorageProvider) Move(ctx context.Context, srcPath, dstPath string) error {
	if err := p.Copy(ctx, srcPath, dstPath); err != nil {
		return err
	}
	return p.Delete(ctx, srcPath)
}

func (p *MemoryStorageProvider) CreateSignedUploadURL(ctx context.Context, filePath string, expiresIn time.Duration) (string, error) {
	if err := p.checkReady(); err != nil {
		return "", err
	}
	return fmt.Sprintf("memory://%s?upload=1&expires=%d", p.paths.build(filePath), time.Now().Add(expiresIn).Unix()), nil
}

// transformParams serializes image transform options into query parameters.
func transformParams(opts URLOptions) []string {
	var params []string
	if t := opts.Transform; t != nil {
		if t.Width > 0 {
			params = append(params, fmt.Sprintf("width=%d", t.Width))
		}
		if t.Height > 0 {
			params = append(params, fmt.Sprintf("height=%d", t.Height))
		}
		if t.Quality > 0 {
			params = append(params, fmt.Sprintf("quality=%d", t.Quality))
		}
		if t.Format != "" {
			params = append(params, "format="+t.Format)
		}
	}
	if opts.Download {
		params = append(params, "download=1")
	}
	return params
}

// sortFiles orders a listing by name, size or createdAt. Without an
// explicit sort the listing is ordered by path for stable pagination.
func sortFiles(files []FileMetadata, opts ListOptions) {
	less := func(a, b FileMetadata) bool { return a.Path < b.Path }
	switch opts.SortBy {
	case "name":
		less = func(a, b FileMetadata) bool { return a.Name < b.Name }
	case "size":
		less = func(a, b FileMetadata) bool { return a.Size < b.Size }
	case "createdAt":
		less = func(a, b FileMetadata) bool { return a.CreatedAt.Before(b.CreatedAt) }
	}

	sort.SliceStable(files, func(i, j int) bool {
		if opts.SortDir == SortDesc {
			return less(files[j], files[i])
		}
		return less(files[i], files[j])
	})
}
