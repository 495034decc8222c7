package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// FileSource is one file offered to the pipeline. The three ingestion
// variants (manual upload, desktop-sync, webhook) differ only in where the
// bytes come from; everything after Fetch is shared.
type FileSource interface {
	// Name is the caller-declared file name.
	Name() string
	// DeclaredMIME is the caller-declared content type; empty means unknown.
	DeclaredMIME() string
	// DeclaredSize is the caller-declared byte length; <= 0 means unknown.
	DeclaredSize() int64
	// Fetch materializes the file content.
	Fetch(ctx context.Context) ([]byte, error)
	// CallerMetadata is an optional opaque blob recorded on the image.
	CallerMetadata() map[string]string
}

// ByteFile is a FileSource over content already in hand (multipart uploads).
type ByteFile struct {
	FileName string
	MIME     string
	Data     []byte
	Metadata map[string]string
}

func NewByteFile(name, mime string, data []byte) *ByteFile {
	return &ByteFile{FileName: name, MIME: mime, Data: data}
}

func (b *ByteFile) Name() string                      { return b.FileName }
func (b *ByteFile) DeclaredMIME() string              { return b.MIME }
func (b *ByteFile) DeclaredSize() int64               { return int64(len(b.Data)) }
func (b *ByteFile) CallerMetadata() map[string]string { return b.Metadata }

func (b *ByteFile) Fetch(ctx context.Context) ([]byte, error) {
	return b.Data, nil
}

// URLFile is a FileSource fetched over HTTP, used by webhook batches where
// the sender supplies URLs instead of inline content.
type URLFile struct {
	FileName string
	URL      string
	MIME     string
	Size     int64
	Metadata map[string]string

	client  *http.Client
	maxSize int64
}

// NewURLFile wires a URL-backed file with its fetch policy. maxSize caps the
// downloaded bytes so a lying Content-Length cannot exhaust memory.
func NewURLFile(name, url, mime string, size int64, metadata map[string]string, timeout time.Duration, maxSize int64) *URLFile {
	return &URLFile{
		FileName: name,
		URL:      url,
		MIME:     mime,
		Size:     size,
		Metadata: metadata,
		client:   &http.Client{Timeout: timeout},
		maxSize:  maxSize,
	}
}

func (u *URLFile) Name() string                      { return u.FileName }
func (u *URLFile) DeclaredMIME() string              { return u.MIME }
func (u *URLFile) DeclaredSize() int64               { return u.Size }
func (u *URLFile) CallerMetadata() map[string]string { return u.Metadata }

func (u *URLFile) Fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid file url: %w", err)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch file: status %d", resp.StatusCode)
	}

	limit := u.maxSize
	if limit <= 0 {
		limit = 1 << 30 // hard 1GiB ceiling when the project sets no max
	}
	// Read one byte past the limit so oversized bodies are detected without
	// buffering them whole.
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read file body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, ErrFileTooLarge
	}
	return data, nil
}
