package ecoshop

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileMetadata describes one stored file. Identity is Path (backend
// relative); ID may differ per backend (document id vs. storage key) and is
// opaque to callers.
type FileMetadata struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Path      string            `json:"path"`
	Size      int64             `json:"size"`
	MimeType  string            `json:"mimeType"`
	URL       string            `json:"url,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// UploadOptions tunes a single upload.
type UploadOptions struct {
	ContentType string
	Metadata    map[string]string

	// AutoGenerateFilename replaces the filename with a collision-resistant
	// <timestamp>-<random>.<ext> name, keeping the directory part. Enabled
	// globally via StorageConfig or per call here.
	AutoGenerateFilename bool
}

// ImageTransform carries image transformation query parameters for backends
// that render derivatives on the fly.
type ImageTransform struct {
	Width   int
	Height  int
	Quality int
	Format  string
}

// URLOptions tunes GetURL. A zero ExpiresIn requests a plain public URL;
// a positive one requests an expiring signed URL.
type URLOptions struct {
	ExpiresIn time.Duration
	Download  bool
	Transform *ImageTransform
}

// ListOptions pages through stored files.
type ListOptions struct {
	Prefix  string
	Limit   int
	Cursor  string
	SortBy  string // "name", "size" or "createdAt"
	SortDir SortDirection
}

// ListResult is one page of files plus the cursor for the next page.
type ListResult struct {
	Files      []FileMetadata `json:"files"`
	NextCursor string         `json:"nextCursor,omitempty"`
}

// StorageProvider is the file storage capability contract, one
// implementation per backend family. The same lifecycle and error rules as
// DatabaseProvider apply.
//
// UploadWithProgress is structural: backends without native progress events
// still satisfy it by emitting a single terminal 100% event.
type StorageProvider interface {
	Initialize(ctx context.Context) error
	IsReady() bool
	Dispose() error

	Upload(ctx context.Context, filePath string, data []byte, opts UploadOptions) (FileMetadata, error)
	UploadWithProgress(ctx context.Context, filePath string, data []byte, opts UploadOptions) (*UploadTask, error)
	Download(ctx context.Context, filePath string) ([]byte, error)
	Delete(ctx context.Context, filePath string) error
	DeleteMany(ctx context.Context, filePaths []string) error
	GetURL(ctx context.Context, filePath string, opts URLOptions) (string, error)
	GetMetadata(ctx context.Context, filePath string) (FileMetadata, error)
	List(ctx context.Context, opts ListOptions) (ListResult, error)
	Exists(ctx context.Context, filePath string) (bool, error)
	Copy(ctx context.Context, srcPath, dstPath string) error
	Move(ctx context.Context, srcPath, dstPath string) error
	CreateSignedUploadURL(ctx context.Context, filePath string, expiresIn time.Duration) (string, error)
}

// pathBuilder is the single seam through which every path-taking storage
// operation runs. BasePath prefixing happens here and only here, so a
// caller-supplied absolute-looking path cannot bypass it.
type pathBuilder struct {
	basePath string
}

// build normalizes p and prefixes the configured base path. Leading slashes
// and parent traversals are stripped before joining.
func (b pathBuilder) build(p string) string {
	cleaned := path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
	cleaned = strings.TrimPrefix(cleaned, "/")
	for strings.HasPrefix(cleaned, "../") {
		cleaned = strings.TrimPrefix(cleaned, "../")
	}
	if cleaned == ".." || cleaned == "." {
		cleaned = ""
	}
	if b.basePath == "" {
		return cleaned
	}
	base := strings.Trim(b.basePath, "/")
	if cleaned == "" {
		return base
	}
	return base + "/" + cleaned
}

// strip removes the base path prefix from a backend key, restoring the
// caller-relative path.
func (b pathBuilder) strip(key string) string {
	if b.basePath == "" {
		return key
	}
	base := strings.Trim(b.basePath, "/") + "/"
	return strings.TrimPrefix(key, base)
}

// autoFilename produces a collision-resistant <timestamp>-<random>.<ext>
// name. Collision probability is negligible without a backend round-trip to
// check existence first.
func autoFilename(original string) string {
	ext := path.Ext(original)
	suffix := strings.Split(uuid.NewString(), "-")[0]
	return fmt.Sprintf("%d-%s%s", time.Now().UnixMilli(), suffix, ext)
}

// applyFilename rewrites the file component of p when auto generation is
// requested, preserving the directory part.
func applyFilename(p string, opts UploadOptions, cfg StorageConfig) string {
	if !opts.AutoGenerateFilename && !cfg.AutoGenerateFilename {
		return p
	}
	dir, file := path.Split(p)
	return dir + autoFilename(file)
}

// detectMimeType picks a content type from the upload options, the file
// extension, or the payload bytes, in that order.
func detectMimeType(opts UploadOptions, filePath string, data []byte) string {
	if opts.ContentType != "" {
		return opts.ContentType
	}
	if ext := path.Ext(filePath); ext != "" {
		if byExt := mime.TypeByExtension(ext); byExt != "" {
			return byExt
		}
	}
	if len(data) > 0 {
		return http.DetectContentType(data)
	}
	return "application/octet-stream"
}

// TaskState is the lifecycle state of an UploadTask.
type TaskState string

const (
	TaskRunning   TaskState = "running"
	TaskPaused    TaskState = "paused"
	TaskCancelled TaskState = "cancelled"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
)

// ProgressEvent is one progress notification from an UploadTask.
type ProgressEvent struct {
	BytesTransferred int64
	TotalBytes       int64
	Percent          float64
	State            TaskState
}

// UploadTask is a pausable, cancelable upload with progress subscription.
// Cancel aborts the underlying transfer and resolves Wait with a CANCELLED
// error; it never hangs.
type UploadTask struct {
	mu          sync.Mutex
	cond        *sync.Cond
	total       int64
	transferred int64
	state       TaskState
	err         error
	meta        FileMetadata
	done        chan struct{}
	cancelFn    context.CancelFunc
	listeners   map[int]func(ProgressEvent)
	nextID      int
}

func newUploadTask(total int64, cancelFn context.CancelFunc) *UploadTask {
	t := &UploadTask{
		total:     total,
		state:     TaskRunning,
		done:      make(chan struct{}),
		cancelFn:  cancelFn,
		listeners: make(map[int]func(ProgressEvent)),
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// OnProgress subscribes to progress events. The returned function removes
// the subscription.
func (t *UploadTask) OnProgress(fn func(ProgressEvent)) UnsubscribeFunc {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// Pause suspends the transfer at the next checkpoint. Backends that upload
// in one shot ignore pause once the request is in flight.
func (t *UploadTask) Pause() {
	t.mu.Lock()
	if t.state == TaskRunning {
		t.state = TaskPaused
	}
	t.mu.Unlock()
	t.notify()
}

// Resume continues a paused transfer.
func (t *UploadTask) Resume() {
	t.mu.Lock()
	if t.state == TaskPaused {
		t.state = TaskRunning
		t.cond.Broadcast()
	}
	t.mu.Unlock()
	t.notify()
}

// Cancel aborts the transfer. Wait resolves with a CANCELLED error.
func (t *UploadTask) Cancel() {
	t.mu.Lock()
	if t.state == TaskCompleted || t.state == TaskFailed || t.state == TaskCancelled {
		t.mu.Unlock()
		return
	}
	t.state = TaskCancelled
	t.err = ErrCancelled
	t.cond.Broadcast()
	t.mu.Unlock()

	if t.cancelFn != nil {
		t.cancelFn()
	}
	t.notify()
	t.finish()
}

// State returns the current task state.
func (t *UploadTask) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Progress returns the latest progress snapshot.
func (t *UploadTask) Progress() ProgressEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Wait blocks until the upload finishes, is cancelled, or ctx expires.
func (t *UploadTask) Wait(ctx context.Context) (FileMetadata, error) {
	select {
	case <-t.done:
	case <-ctx.Done():
		return FileMetadata{}, WrapError(CodeCancelled, "wait aborted", ctx.Err())
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.meta, t.err
}

// reportProgress records transferred bytes and notifies listeners.
func (t *UploadTask) reportProgress(transferred int64) {
	t.mu.Lock()
	t.transferred = transferred
	t.mu.Unlock()
	t.notify()
}

// checkpoint blocks while the task is paused and returns a CANCELLED error
// once the task is cancelled. Transfer loops call it between chunks.
func (t *UploadTask) checkpoint(ctx context.Context) error {
	t.mu.Lock()
	for t.state == TaskPaused {
		t.cond.Wait()
	}
	state := t.state
	t.mu.Unlock()

	if state == TaskCancelled {
		return ErrCancelled
	}
	if err := ctx.Err(); err != nil {
		return WrapError(CodeCancelled, "upload aborted", err)
	}
	return nil
}

// complete marks the task finished with the given metadata.
func (t *UploadTask) complete(meta FileMetadata) {
	t.mu.Lock()
	if t.state == TaskCancelled {
		t.mu.Unlock()
		return
	}
	t.state = TaskCompleted
	t.meta = meta
	t.transferred = t.total
	t.mu.Unlock()

	t.notify()
	t.finish()
}

// fail marks the task failed with err.
func (t *UploadTask) fail(err error) {
	t.mu.Lock()
	if t.state == TaskCancelled {
		t.mu.Unlock()
		return
	}
	t.state = TaskFailed
	t.err = AsError(err)
	t.mu.Unlock()

	t.notify()
	t.finish()
}

func (t *UploadTask) finish() {
	select {
	case <-t.done:
	default:
		close(t.done)
	}
}

func (t *UploadTask) snapshotLocked() ProgressEvent {
	percent := 0.0
	if t.total > 0 {
		percent = float64(t.transferred) / float64(t.total) * 100
	}
	return ProgressEvent{
		BytesTransferred: t.transferred,
		TotalBytes:       t.total,
		Percent:          percent,
		State:            t.state,
	}
}

func (t *UploadTask) notify() {
	t.mu.Lock()
	event := t.snapshotLocked()
	fns := make([]func(ProgressEvent), 0, len(t.listeners))
	for _, fn := range t.listeners {
		fns = append(fns, fn)
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(event)
	}
}

// runSingleShotUpload satisfies UploadWithProgress for backends without
// native progress events: one transfer, then a terminal 100% event.
func runSingleShotUpload(ctx context.Context, task *UploadTask, upload func(context.Context) (FileMetadata, error)) {
	meta, err := upload(ctx)
	if err != nil {
		if IsCancelled(err) || ctx.Err() != nil {
			task.Cancel()
			return
		}
		task.fail(err)
		return
	}
	task.complete(meta)
}
