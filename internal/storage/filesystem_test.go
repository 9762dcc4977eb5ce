package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteAndExists(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore error: %v", err)
	}
	ctx := context.Background()

	key, err := store.Write(ctx, "sessions/s1/st1/variants/a1.png", []byte("data"))
	if err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if key != "sessions/s1/st1/variants/a1.png" {
		t.Fatalf("unexpected key %q", key)
	}

	ok, err := store.Exists(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}
	ok, err = store.Exists(ctx, "sessions/s1/st1/variants/other.png")
	if err != nil || ok {
		t.Fatalf("Exists for absent key = %v, %v", ok, err)
	}

	data, err := store.Read(ctx, key)
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if string(data) != "data" {
		t.Fatalf("unexpected content %q", data)
	}
	if _, err := store.Read(ctx, "absent.png"); err == nil {
		t.Fatalf("expected error reading absent key")
	}
}

func TestWriteOverwriteIsAtomic(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore error: %v", err)
	}
	ctx := context.Background()

	if _, err := store.Write(ctx, "a/b.png", []byte("first")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := store.Write(ctx, "a/b.png", []byte("second")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(store.BasePath(), "a/b.png"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "second" {
		t.Fatalf("expected overwrite, got %q", data)
	}
	if _, err := os.Stat(filepath.Join(store.BasePath(), "a/b.png.tmp")); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind")
	}
}

func TestWriteRejectsTraversal(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore error: %v", err)
	}
	for _, key := range []string{"", "  ", "../escape.png", "a/../../escape.png"} {
		if _, err := store.Write(context.Background(), key, []byte("x")); err == nil {
			t.Fatalf("expected rejection for key %q", key)
		}
	}
}

func TestWriteHonorsCancelledContext(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.Write(ctx, "a.png", []byte("x")); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestKeyBuilders(t *testing.T) {
	key := VariantKey("s1", "st1", "a1", "jpg")
	if key != "sessions/s1/st1/variants/a1.jpg" {
		t.Fatalf("unexpected variant key %q", key)
	}
	if got := ThumbnailKey(key); got != "thumbnails/"+key {
		t.Fatalf("unexpected thumbnail key %q", got)
	}
	date := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if got := CompletedKey(date, "a1", ""); got != "completed/2026-03-01/a1.png" {
		t.Fatalf("unexpected completed key %q", got)
	}
	if got := VariantKey("s1", "st1", "a1", ".WEBP"); got != "sessions/s1/st1/variants/a1.webp" {
		t.Fatalf("extension not normalized: %q", got)
	}
}
