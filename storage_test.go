package ecoshop

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"
)

func TestPathBuilder(t *testing.T) {
	tests := []struct {
		name     string
		basePath string
		in       string
		want     string
	}{
		{"plain", "", "avatars/a.png", "avatars/a.png"},
		{"leading slash stripped", "", "/avatars/a.png", "avatars/a.png"},
		{"backslashes normalized", "", `avatars\a.png`, "avatars/a.png"},
		{"traversal stripped", "", "../../etc/passwd", "etc/passwd"},
		{"base prefixed", "uploads", "avatars/a.png", "uploads/avatars/a.png"},
		{"base with slashes", "/uploads/", "a.png", "uploads/a.png"},
		{"absolute cannot escape base", "uploads", "/a.png", "uploads/a.png"},
		{"empty path", "uploads", "", "uploads"},
		{"dot collapsed", "uploads", "./a/./b.png", "uploads/a/b.png"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := pathBuilder{basePath: tt.basePath}
			if got := b.build(tt.in); got != tt.want {
				t.Errorf("build(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}

	t.Run("strip reverses build", func(t *testing.T) {
		b := pathBuilder{basePath: "uploads"}
		key := b.build("avatars/a.png")
		if got := b.strip(key); got != "avatars/a.png" {
			t.Errorf("strip(%q) = %q", key, got)
		}
	})
}

func TestAutoFilename(t *testing.T) {
	pattern := regexp.MustCompile(`^\d+-[0-9a-f]+\.png$`)

	name := autoFilename("photo.png")
	if !pattern.MatchString(name) {
		t.Errorf("autoFilename(photo.png) = %q, want <timestamp>-<random>.png", name)
	}

	if other := autoFilename("photo.png"); other == name {
		t.Error("two generated names collided")
	}

	if got := autoFilename("noext"); strings.Contains(got, ".") {
		t.Errorf("autoFilename(noext) = %q, want no extension", got)
	}
}

func TestApplyFilename(t *testing.T) {
	cfg := StorageConfig{}

	t.Run("disabled keeps path", func(t *testing.T) {
		if got := applyFilename("a/b.png", UploadOptions{}, cfg); got != "a/b.png" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("per call keeps directory", func(t *testing.T) {
		got := applyFilename("avatars/me.png", UploadOptions{AutoGenerateFilename: true}, cfg)
		if !strings.HasPrefix(got, "avatars/") {
			t.Errorf("directory dropped: %q", got)
		}
		if strings.HasSuffix(got, "me.png") {
			t.Errorf("filename not replaced: %q", got)
		}
		if !strings.HasSuffix(got, ".png") {
			t.Errorf("extension dropped: %q", got)
		}
	})

	t.Run("config wide", func(t *testing.T) {
		got := applyFilename("me.png", UploadOptions{}, StorageConfig{AutoGenerateFilename: true})
		if got == "me.png" {
			t.Error("config flag ignored")
		}
	})
}

func TestDetectMimeType(t *testing.T) {
	t.Run("explicit wins", func(t *testing.T) {
		got := detectMimeType(UploadOptions{ContentType: "image/webp"}, "a.png", nil)
		if got != "image/webp" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("extension", func(t *testing.T) {
		if got := detectMimeType(UploadOptions{}, "a.png", nil); got != "image/png" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("sniffed from payload", func(t *testing.T) {
		got := detectMimeType(UploadOptions{}, "blob", []byte("plain text payload"))
		if !strings.HasPrefix(got, "text/plain") {
			t.Errorf("got %q", got)
		}
	})

	t.Run("fallback", func(t *testing.T) {
		if got := detectMimeType(UploadOptions{}, "blob", nil); got != "application/octet-stream" {
			t.Errorf("got %q", got)
		}
	})
}

func TestMemoryStorage_UploadDownload(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryStorageProvider(StorageConfig{BasePath: "uploads"})
	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	data := []byte("hello world")
	meta, err := p.Upload(ctx, "docs/hello.txt", data, UploadOptions{})
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if meta.Path != "docs/hello.txt" {
		t.Errorf("metadata path = %q, want caller-relative path", meta.Path)
	}
	if meta.Size != int64(len(data)) {
		t.Errorf("size = %d, want %d", meta.Size, len(data))
	}

	got, err := p.Download(ctx, "docs/hello.txt")
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("downloaded %q, want %q", got, data)
	}

	ok, err := p.Exists(ctx, "docs/hello.txt")
	if err != nil || !ok {
		t.Errorf("Exists = (%v, %v), want (true, nil)", ok, err)
	}

	if _, err := p.Download(ctx, "docs/missing.txt"); !IsNotFound(err) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestMemoryStorage_CopyMove(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryStorageProvider(StorageConfig{})
	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if _, err := p.Upload(ctx, "a.txt", []byte("x"), UploadOptions{}); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	if err := p.Copy(ctx, "a.txt", "b.txt"); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	for _, path := range []string{"a.txt", "b.txt"} {
		if ok, _ := p.Exists(ctx, path); !ok {
			t.Errorf("%s missing after copy", path)
		}
	}

	if err := p.Move(ctx, "b.txt", "c.txt"); err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	if ok, _ := p.Exists(ctx, "b.txt"); ok {
		t.Error("source still present after move")
	}
	if ok, _ := p.Exists(ctx, "c.txt"); !ok {
		t.Error("destination missing after move")
	}
}

func TestMemoryStorage_ListPagination(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryStorageProvider(StorageConfig{})
	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("docs/%c.txt", 'a'+i)
		if _, err := p.Upload(ctx, name, bytes.Repeat([]byte("x"), i+1), UploadOptions{}); err != nil {
			t.Fatalf("Upload failed: %v", err)
		}
	}

	var seen []string
	cursor := ""
	pages := 0
	for {
		page, err := p.List(ctx, ListOptions{Prefix: "docs/", Limit: 2, Cursor: cursor})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		for _, f := range page.Files {
			seen = append(seen, f.Path)
		}
		pages++
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	if pages != 3 {
		t.Errorf("walked %d pages, want 3", pages)
	}
	if len(seen) != 5 {
		t.Fatalf("saw %d files, want 5", len(seen))
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Errorf("pages out of order: %v", seen)
		}
	}
}

func TestSortFiles(t *testing.T) {
	files := []FileMetadata{
		{Name: "b", Path: "2", Size: 30},
		{Name: "a", Path: "3", Size: 10},
		{Name: "c", Path: "1", Size: 20},
	}

	sortFiles(files, ListOptions{SortBy: "size", SortDir: SortDesc})
	if files[0].Size != 30 || files[2].Size != 10 {
		t.Errorf("size desc sort wrong: %+v", files)
	}

	sortFiles(files, ListOptions{SortBy: "name"})
	if files[0].Name != "a" || files[2].Name != "c" {
		t.Errorf("name asc sort wrong: %+v", files)
	}

	sortFiles(files, ListOptions{})
	if files[0].Path != "1" || files[2].Path != "3" {
		t.Errorf("default path sort wrong: %+v", files)
	}
}

func TestUploadTask_ProgressAndCompletion(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryStorageProvider(StorageConfig{})
	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	data := bytes.Repeat([]byte("x"), 3*memoryUploadChunk+100)
	task, err := p.UploadWithProgress(ctx, "big.bin", data, UploadOptions{})
	if err != nil {
		t.Fatalf("UploadWithProgress failed: %v", err)
	}

	meta, err := task.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if meta.Size != int64(len(data)) {
		t.Errorf("size = %d, want %d", meta.Size, len(data))
	}
	if task.State() != TaskCompleted {
		t.Errorf("state = %s, want completed", task.State())
	}

	progress := task.Progress()
	if progress.Percent != 100 {
		t.Errorf("final percent = %v, want 100", progress.Percent)
	}

	got, err := p.Download(ctx, "big.bin")
	if err != nil || len(got) != len(data) {
		t.Errorf("Download after task = (%d bytes, %v)", len(got), err)
	}
}

func TestUploadTask_CancelledContext(t *testing.T) {
	p := NewMemoryStorageProvider(StorageConfig{})
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	data := bytes.Repeat([]byte("x"), 2*memoryUploadChunk)
	task, err := p.UploadWithProgress(ctx, "doomed.bin", data, UploadOptions{})
	if err != nil {
		t.Fatalf("UploadWithProgress failed: %v", err)
	}

	_, err = task.Wait(context.Background())
	if !IsCancelled(err) {
		t.Fatalf("expected CANCELLED, got %v", err)
	}
	if task.State() != TaskCancelled {
		t.Errorf("state = %s, want cancelled", task.State())
	}
}

func TestUploadTask_Cancel(t *testing.T) {
	task := newUploadTask(100, nil)

	task.Cancel()
	if task.State() != TaskCancelled {
		t.Fatalf("state = %s, want cancelled", task.State())
	}

	// Cancel is terminal: completion afterwards must not resurrect the task.
	task.complete(FileMetadata{Path: "x"})
	if task.State() != TaskCancelled {
		t.Errorf("complete overrode cancel: %s", task.State())
	}

	_, err := task.Wait(context.Background())
	if !IsCancelled(err) {
		t.Errorf("Wait = %v, want CANCELLED", err)
	}

	if err := task.checkpoint(context.Background()); !IsCancelled(err) {
		t.Errorf("checkpoint after cancel = %v, want CANCELLED", err)
	}
}

func TestUploadTask_PauseResume(t *testing.T) {
	task := newUploadTask(100, nil)

	task.Pause()
	if task.State() != TaskPaused {
		t.Fatalf("state = %s, want paused", task.State())
	}

	released := make(chan error, 1)
	go func() {
		released <- task.checkpoint(context.Background())
	}()

	select {
	case <-released:
		t.Fatal("checkpoint returned while paused")
	case <-time.After(50 * time.Millisecond):
	}

	task.Resume()
	select {
	case err := <-released:
		if err != nil {
			t.Errorf("checkpoint after resume = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("checkpoint did not release after resume")
	}
	if task.State() != TaskRunning {
		t.Errorf("state = %s, want running", task.State())
	}
}
