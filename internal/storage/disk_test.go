package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newDiskStore(t *testing.T) (*DiskStore, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewDiskStore(dir)
	if err != nil {
		t.Fatalf("NewDiskStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, dir
}

func TestDiskStoreSaveAndOpen(t *testing.T) {
	store, dir := newDiskStore(t)
	content := []byte("disk content")

	result, err := store.Save(context.Background(), bytes.NewReader(content), SaveOptions{
		KeyPrefix:        "p7",
		OriginalFilename: "img.jpg",
	})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	rc, err := store.Open(context.Background(), result.Path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rc); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), content) {
		t.Error("read back different content")
	}

	// No temp files may survive a successful save.
	var tmpFiles []string
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && strings.HasSuffix(path, ".tmp") {
			tmpFiles = append(tmpFiles, path)
		}
		return nil
	})
	if len(tmpFiles) > 0 {
		t.Errorf("temp files left behind: %v", tmpFiles)
	}
}

func TestDiskStoreSizeLimitCleansUp(t *testing.T) {
	store, dir := newDiskStore(t)

	_, err := store.Save(context.Background(), bytes.NewReader(make([]byte, 200)), SaveOptions{
		KeyPrefix:        "p7",
		OriginalFilename: "big.jpg",
		MaxSize:          100,
	})
	if err != ErrFileTooLarge {
		t.Fatalf("expected ErrFileTooLarge, got %v", err)
	}

	var files []string
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if len(files) > 0 {
		t.Errorf("rejected save left files behind: %v", files)
	}
}

func TestDiskStoreDelete(t *testing.T) {
	store, _ := newDiskStore(t)

	result, err := store.Save(context.Background(), bytes.NewReader([]byte("x")), SaveOptions{
		OriginalFilename: "a.jpg",
	})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if err := store.Delete(context.Background(), result.Path); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Stat(context.Background(), result.Path); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestDiskStoreValidateAccess(t *testing.T) {
	store, _ := newDiskStore(t)
	if err := store.ValidateAccess(context.Background()); err != nil {
		t.Fatalf("ValidateAccess failed: %v", err)
	}
	if err := store.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck failed: %v", err)
	}
}
