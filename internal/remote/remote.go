// Package remote adapts external object stores to a narrow contract used
// by the cache and the garbage collector.
//
// Two backends are provided:
//   - FileBackend keeps zstd-compressed objects in a directory, typically a
//     network mount shared between hosts.
//   - OCIBackend keeps objects as layer blobs in an OCI registry repository
//     and tracks them with a catalog image.
package remote

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/go-containerregistry/pkg/v1/remote/transport"

	"github.com/aweris/cabs/internal/digest"
)

// DefaultConcurrency bounds parallel registry transfers.
const DefaultConcurrency = 4

// Entry is one object as seen by List.
type Entry struct {
	// Key is the backend's name for the object. It is normally a digest
	// string but foreign or half-written keys are reported as they are.
	Key     string
	Size    int64
	ModTime time.Time
}

// Backend is an authoritative object store.
//
// Store is idempotent and verifies what it wrote. Remove of an absent
// object succeeds. Fetch of an absent object fails with errkind.NotFound.
type Backend interface {
	Store(ctx context.Context, d digest.Digest, r io.Reader, size int64) error
	Fetch(ctx context.Context, d digest.Digest) (io.ReadCloser, int64, error)
	Remove(ctx context.Context, d digest.Digest) error
	// Stat returns the object length. It may have to read the object.
	Stat(ctx context.Context, d digest.Digest) (int64, error)
	List(ctx context.Context, fn func(Entry) error) error
}

// DirectLinker is implemented by backends that can hand out URLs clients
// download from without going through the store.
type DirectLinker interface {
	DirectURL(ctx context.Context, d digest.Digest, expiry time.Duration) (string, error)
}

func retry[T any](ctx context.Context, maxAttempts int, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for i := range maxAttempts {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable(err) {
			return zero, err
		}
		if i < maxAttempts-1 {
			delay := time.Duration(1<<i) * 500 * time.Millisecond // 500ms, 1s, 2s, 4s...
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return zero, lastErr
}

// retryable reports whether another attempt could succeed. Client errors
// from the registry are final.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var terr *transport.Error
	if errors.As(err, &terr) {
		return terr.StatusCode >= http.StatusInternalServerError || terr.StatusCode == http.StatusTooManyRequests
	}
	return true
}
