package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
	"sync"

	"github.com/liamg/memoryfs"
)

// MemoryStore implements ObjectStore on an in-memory filesystem. Useful for
// integration testing without disk I/O. Thread-safe for concurrent use.
type MemoryStore struct {
	fs *memoryfs.FS
	mu sync.RWMutex
}

// NewMemoryStore creates a new in-memory object store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{fs: memoryfs.New()}
}

// Save stores content and returns the generated key, hash and size. Content
// is fully buffered before the key is written, so a failed or oversized save
// leaves nothing behind.
func (m *MemoryStore) Save(ctx context.Context, r io.Reader, opts SaveOptions) (SaveResult, error) {
	key, err := generateKey(opts)
	if err != nil {
		return SaveResult{}, err
	}

	reader, lr := wrapWithLimit(r, opts)

	hasher := sha256.New()
	var buf bytes.Buffer
	writer := io.MultiWriter(&buf, hasher)

	copyBuf := make([]byte, copyBufferSize)
	size, err := io.CopyBuffer(writer, reader, copyBuf)
	if err != nil {
		if lr != nil && lr.exceeded {
			return SaveResult{}, ErrFileTooLarge
		}
		return SaveResult{}, fmt.Errorf("failed to read content: %w", err)
	}

	m.mu.Lock()
	if dir := path.Dir(key); dir != "." {
		if err := m.fs.MkdirAll(dir, 0755); err != nil {
			m.mu.Unlock()
			return SaveResult{}, fmt.Errorf("failed to create key prefix directory: %w", err)
		}
	}
	err = m.fs.WriteFile(key, buf.Bytes(), 0644)
	m.mu.Unlock()
	if err != nil {
		return SaveResult{}, fmt.Errorf("failed to write file: %w", err)
	}

	return SaveResult{
		Path: key,
		Hash: hex.EncodeToString(hasher.Sum(nil)),
		Size: size,
	}, nil
}

// Open returns a reader for the object at the given key.
func (m *MemoryStore) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	m.mu.RLock()
	content, err := m.fs.ReadFile(p)
	m.mu.RUnlock()
	if err != nil {
		if isNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	return io.NopCloser(bytes.NewReader(content)), nil
}

// Delete removes an object. Returns nil if it doesn't exist (idempotent).
func (m *MemoryStore) Delete(ctx context.Context, p string) error {
	m.mu.Lock()
	err := m.fs.Remove(p)
	m.mu.Unlock()
	if err != nil && !isNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// Stat returns object metadata without opening it.
func (m *MemoryStore) Stat(ctx context.Context, p string) (FileInfo, error) {
	m.mu.RLock()
	info, err := m.fs.Stat(p)
	m.mu.RUnlock()
	if err != nil {
		if isNotExist(err) {
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

// HealthCheck always succeeds for the memory store.
func (m *MemoryStore) HealthCheck(ctx context.Context) error {
	return nil
}

// ValidateAccess always succeeds for the memory store.
func (m *MemoryStore) ValidateAccess(ctx context.Context) error {
	return nil
}

// Clear removes all objects. Useful for test cleanup.
func (m *MemoryStore) Clear() {
	m.mu.Lock()
	m.fs = memoryfs.New()
	m.mu.Unlock()
}

// ObjectCount returns the number of objects currently stored, walking all
// prefixes. Useful for testing orphan cleanup.
func (m *MemoryStore) ObjectCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	fs.WalkDir(m.fs, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			count++
		}
		return nil
	})
	return count
}

// isNotExist checks if an error indicates the object doesn't exist.
func isNotExist(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, fs.ErrNotExist) {
		return true
	}
	// memoryfs wraps errors, so check the error message
	errStr := err.Error()
	return strings.Contains(errStr, "file does not exist") ||
		strings.Contains(errStr, "no such file")
}
