package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"stashu/internal/logging"
)

// DefaultMaxBlobSize caps uploads at 100 MiB of ciphertext.
const DefaultMaxBlobSize = 100 << 20

// ErrTooLarge means the upload exceeds the size cap.
var ErrTooLarge = errors.New("blob exceeds maximum size")

// Service stores and serves content-addressed ciphertext blobs.
type Service struct {
	storage Storage
	maxSize int64
}

// NewService creates the blob host. maxSize <= 0 means
// DefaultMaxBlobSize.
func NewService(storage Storage, maxSize int64) *Service {
	if maxSize <= 0 {
		maxSize = DefaultMaxBlobSize
	}
	return &Service{storage: storage, maxSize: maxSize}
}

// PutResult describes a stored blob.
type PutResult struct {
	Hash string
	Size int64
}

// Put stores a blob under the SHA-256 of its content. Re-uploading
// identical bytes is a no-op that returns the same hash, and a hash
// can never come to name different content.
func (s *Service) Put(ctx context.Context, data io.Reader) (*PutResult, error) {
	// Hash before store: the digest is the key, so the whole payload
	// has to be read first.
	var buf bytes.Buffer
	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(&buf, hasher), io.LimitReader(data, s.maxSize+1))
	if err != nil {
		return nil, err
	}
	if n > s.maxSize {
		return nil, ErrTooLarge
	}
	if n == 0 {
		return nil, fmt.Errorf("empty blob")
	}

	hash := hex.EncodeToString(hasher.Sum(nil))

	if existing, err := s.storage.Stat(ctx, hash); err == nil {
		logging.Blob.Printf("blob %s already stored (%d bytes), skipping write", hash[:12], existing)
		return &PutResult{Hash: hash, Size: existing}, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	size, err := s.storage.Save(ctx, hash, &buf, n)
	if err != nil {
		return nil, err
	}
	return &PutResult{Hash: hash, Size: size}, nil
}

// Get opens a stored blob and reports its size.
func (s *Service) Get(ctx context.Context, hash string) (io.ReadCloser, int64, error) {
	size, err := s.storage.Stat(ctx, hash)
	if err != nil {
		return nil, 0, err
	}
	r, err := s.storage.Load(ctx, hash)
	if err != nil {
		return nil, 0, err
	}
	return r, size, nil
}

// Delete removes a blob.
func (s *Service) Delete(ctx context.Context, hash string) error {
	return s.storage.Delete(ctx, hash)
}

// DirectURL returns a URL clients can fetch the blob from without
// going through this server, or "" if the backend has none.
func (s *Service) DirectURL(hash string) string {
	if provider, ok := s.storage.(PublicURLProvider); ok {
		return provider.PublicURL(hash)
	}
	return ""
}
