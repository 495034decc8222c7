package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrFileTooLarge is returned when an upload exceeds the maximum allowed size.
var ErrFileTooLarge = errors.New("file exceeds maximum allowed size")

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("object not found")

// copyBufferSize is the buffer size used for object copies (8MB aligns with S3 multipart upload parts)
const copyBufferSize = 8 * 1024 * 1024

// SaveOptions controls how an object is written.
type SaveOptions struct {
	// KeyPrefix scopes the generated key, typically "p<projectID>". Empty
	// stores at the bucket root.
	KeyPrefix        string
	OriginalFilename string
	ContentType      string
	// MaxSize aborts the write once exceeded; 0 means unlimited. A failed
	// write never leaves a partial object behind.
	MaxSize int64
}

// SaveResult describes a stored object.
type SaveResult struct {
	Path string // generated object key
	Hash string // hex-encoded SHA-256 of the content
	Size int64
}

// FileInfo is object metadata returned by Stat.
type FileInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// ObjectStore is the object storage abstraction the ingest pipeline writes
// to. Implementations must provide atomic put semantics: a key either holds
// the complete object or does not exist.
type ObjectStore interface {
	Save(ctx context.Context, r io.Reader, opts SaveOptions) (SaveResult, error)
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
	Stat(ctx context.Context, path string) (FileInfo, error)
	HealthCheck(ctx context.Context) error
	ValidateAccess(ctx context.Context) error
}

// generateKey builds a collision-resistant object key from the key prefix,
// the current time, a random suffix and the original extension.
func generateKey(opts SaveOptions) (string, error) {
	prefix := path.Clean("/" + opts.KeyPrefix)
	prefix = strings.TrimPrefix(prefix, "/")
	if strings.HasPrefix(prefix, "..") {
		return "", fmt.Errorf("invalid key prefix: %q", opts.KeyPrefix)
	}

	ext := strings.ToLower(path.Ext(opts.OriginalFilename))
	name := time.Now().UTC().Format("20060102T150405") + "-" + uuid.New().String() + ext
	if prefix == "" || prefix == "." {
		return name, nil
	}
	return prefix + "/" + name, nil
}

// limitedReader wraps an io.Reader and tracks bytes read, erroring if the
// limit is exceeded.
type limitedReader struct {
	reader    io.Reader
	remaining int64
	exceeded  bool
	done      bool
}

func newLimitedReader(r io.Reader, max int64) *limitedReader {
	return &limitedReader{reader: r, remaining: max}
}

func (lr *limitedReader) Read(p []byte) (n int, err error) {
	if lr.done {
		return 0, io.EOF
	}

	if lr.remaining <= 0 {
		lr.exceeded = true
		return 0, ErrFileTooLarge
	}

	if int64(len(p)) > lr.remaining {
		p = p[:lr.remaining]
	}

	n, err = lr.reader.Read(p)
	lr.remaining -= int64(n)

	if lr.remaining <= 0 && err == nil {
		// Probe for more data; reading exactly the limit is still allowed
		var probe [1]byte
		probeN, probeErr := lr.reader.Read(probe[:])
		if probeN > 0 || (probeErr != nil && probeErr != io.EOF) {
			lr.exceeded = true
			return n, ErrFileTooLarge
		}
		lr.done = true
		return n, io.EOF
	}

	return n, err
}

// wrapWithLimit applies the save size limit when one is set.
func wrapWithLimit(r io.Reader, opts SaveOptions) (io.Reader, *limitedReader) {
	if opts.MaxSize <= 0 {
		return r, nil
	}
	lr := newLimitedReader(r, opts.MaxSize)
	return lr, lr
}
