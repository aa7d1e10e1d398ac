// Package blob hosts the encrypted stash payloads. The server never
// sees plaintext: sellers encrypt client-side and upload opaque
// ciphertext, addressed by its SHA-256 so uploads are idempotent and
// content can never be overwritten with something else.
package blob

import (
	"context"
	"errors"
	"io"
)

var (
	ErrNotFound   = errors.New("blob not found")
	ErrInvalidKey = errors.New("invalid blob key")
)

// Storage defines the backing byte store for blobs.
type Storage interface {
	Save(ctx context.Context, key string, data io.Reader, size int64) (int64, error)
	Load(ctx context.Context, key string) (io.ReadCloser, error)
	// Stat returns the stored size, or ErrNotFound.
	Stat(ctx context.Context, key string) (int64, error)
	Delete(ctx context.Context, key string) error
}

// PublicURLProvider is an optional interface for backends whose objects
// are directly reachable (e.g. a public S3 bucket), letting downloads
// bypass this server.
type PublicURLProvider interface {
	// PublicURL returns the direct URL for a key, or "" if unavailable.
	PublicURL(key string) string
}
