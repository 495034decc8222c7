package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/google/uuid"
)

// DiskStore implements ObjectStore on the local filesystem. It uses os.Root
// for sandboxed file operations, preventing path traversal out of the base
// directory. Writes go to a temp name and are renamed into place so a key is
// never visible with partial content.
type DiskStore struct {
	root     *os.Root
	basePath string
}

// NewDiskStore creates a disk-backed object store rooted at basePath, which
// is created if missing.
func NewDiskStore(basePath string) (*DiskStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	root, err := os.OpenRoot(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage root: %w", err)
	}

	return &DiskStore{root: root, basePath: basePath}, nil
}

// Save stores content and returns the generated key, hash and size.
func (d *DiskStore) Save(ctx context.Context, r io.Reader, opts SaveOptions) (SaveResult, error) {
	key, err := generateKey(opts)
	if err != nil {
		return SaveResult{}, err
	}

	if dir := path.Dir(key); dir != "." {
		if err := d.root.MkdirAll(dir, 0755); err != nil {
			return SaveResult{}, fmt.Errorf("failed to create key prefix directory: %w", err)
		}
	}

	// Write to a temp name first; rename makes the final key appear
	// atomically.
	tmp := key + ".tmp"
	file, err := d.root.Create(tmp)
	if err != nil {
		return SaveResult{}, fmt.Errorf("failed to create file: %w", err)
	}

	reader, lr := wrapWithLimit(r, opts)

	// Hash while writing using large buffer for better throughput
	hasher := sha256.New()
	writer := io.MultiWriter(file, hasher)
	buf := make([]byte, copyBufferSize)

	size, err := io.CopyBuffer(writer, reader, buf)
	if err != nil {
		file.Close()
		d.root.Remove(tmp)
		if lr != nil && lr.exceeded {
			return SaveResult{}, ErrFileTooLarge
		}
		return SaveResult{}, fmt.Errorf("failed to write file: %w", err)
	}
	if err := file.Close(); err != nil {
		d.root.Remove(tmp)
		return SaveResult{}, fmt.Errorf("failed to close file: %w", err)
	}

	if err := d.root.Rename(tmp, key); err != nil {
		d.root.Remove(tmp)
		return SaveResult{}, fmt.Errorf("failed to finalize file: %w", err)
	}

	return SaveResult{
		Path: key,
		Hash: hex.EncodeToString(hasher.Sum(nil)),
		Size: size,
	}, nil
}

// Open returns a reader for the object at the given key.
func (d *DiskStore) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	file, err := d.root.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

// Delete removes an object. Returns nil if it doesn't exist (idempotent).
func (d *DiskStore) Delete(ctx context.Context, p string) error {
	if err := d.root.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// Stat returns object metadata without opening it.
func (d *DiskStore) Stat(ctx context.Context, p string) (FileInfo, error) {
	info, err := d.root.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return FileInfo{}, ErrNotFound
		}
		return FileInfo{}, fmt.Errorf("failed to stat file: %w", err)
	}

	return FileInfo{
		Path:    p,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, nil
}

// HealthCheck verifies the store is reachable (cheap, safe for frequent polling).
func (d *DiskStore) HealthCheck(ctx context.Context) error {
	if _, err := d.root.Stat("."); err != nil {
		return fmt.Errorf("storage health check failed: %w", err)
	}
	return nil
}

// ValidateAccess performs a full write/read/delete test.
func (d *DiskStore) ValidateAccess(ctx context.Context) error {
	testFilename := ".framepool-access-test-" + uuid.New().String()
	testContent := []byte("framepool-storage-test")

	file, err := d.root.Create(testFilename)
	if err != nil {
		return fmt.Errorf("storage write test failed: %w", err)
	}
	if _, err := file.Write(testContent); err != nil {
		file.Close()
		d.root.Remove(testFilename)
		return fmt.Errorf("storage write test failed: %w", err)
	}
	file.Close()

	readFile, err := d.root.Open(testFilename)
	if err != nil {
		d.root.Remove(testFilename)
		return fmt.Errorf("storage read test failed: %w", err)
	}
	readContent, err := io.ReadAll(readFile)
	readFile.Close()
	if err != nil {
		d.root.Remove(testFilename)
		return fmt.Errorf("storage read test failed: %w", err)
	}
	if !bytes.Equal(readContent, testContent) {
		d.root.Remove(testFilename)
		return fmt.Errorf("storage read test failed: content mismatch")
	}

	if err := d.root.Remove(testFilename); err != nil {
		return fmt.Errorf("storage delete test failed: %w", err)
	}

	return nil
}

// Close releases resources held by the store.
func (d *DiskStore) Close() error {
	return d.root.Close()
}
