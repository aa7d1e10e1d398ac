package blob

import (
	"context"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"stashu/internal/logging"
)

// S3Storage implements Storage against any S3-compatible object store
// (Backblaze B2, MinIO, AWS).
type S3Storage struct {
	client    *minio.Client
	bucket    string
	prefix    string
	publicURL string
}

// S3Config holds object-store configuration.
type S3Config struct {
	Endpoint  string // S3_ENDPOINT, e.g. "s3.us-east-005.backblazeb2.com"
	KeyID     string // S3_KEY_ID
	AppKey    string // S3_APP_KEY
	Bucket    string // S3_BUCKET
	Prefix    string // S3_PREFIX - optional folder prefix for all objects
	PublicURL string // S3_PUBLIC_URL - base URL for direct downloads, optional
}

// NewS3Storage creates an S3-backed blob store.
func NewS3Storage(cfg S3Config) (*S3Storage, error) {
	logging.Blob.Printf("initializing object storage (endpoint=%s, bucket=%s, prefix=%s)", cfg.Endpoint, cfg.Bucket, cfg.Prefix)

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.KeyID, cfg.AppKey, ""),
		Secure: true,
	})
	if err != nil {
		return nil, err
	}

	if cfg.PublicURL != "" {
		logging.Blob.Printf("public URL configured: %s", cfg.PublicURL)
	}

	return &S3Storage{
		client:    client,
		bucket:    cfg.Bucket,
		prefix:    cfg.Prefix,
		publicURL: cfg.PublicURL,
	}, nil
}

func (s *S3Storage) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func (s *S3Storage) Save(ctx context.Context, key string, data io.Reader, size int64) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	obj := s.objectKey(key)

	info, err := s.client.PutObject(ctx, s.bucket, obj, data, size, minio.PutObjectOptions{})
	if err != nil {
		logging.Blob.Printf("upload of %s failed: %v", obj, err)
		return 0, err
	}
	logging.Blob.Printf("stored %s (%d bytes)", obj, info.Size)
	return info.Size, nil
}

func (s *S3Storage) Load(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	obj := s.objectKey(key)

	r, err := s.client.GetObject(ctx, s.bucket, obj, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}

	// GetObject is lazy; Stat forces the existence check.
	if _, err := r.Stat(); err != nil {
		r.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return r, nil
}

func (s *S3Storage) Stat(ctx context.Context, key string) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	info, err := s.client.StatObject(ctx, s.bucket, s.objectKey(key), minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return info.Size, nil
}

func (s *S3Storage) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	obj := s.objectKey(key)

	err := s.client.RemoveObject(ctx, s.bucket, obj, minio.RemoveObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return ErrNotFound
		}
		return err
	}
	logging.Blob.Printf("deleted %s", obj)
	return nil
}

// PublicURL returns the direct URL for a key if public access is
// configured, else "".
func (s *S3Storage) PublicURL(key string) string {
	if s.publicURL == "" {
		return ""
	}
	obj := s.objectKey(key)
	if s.publicURL[len(s.publicURL)-1] == '/' {
		return s.publicURL + obj
	}
	return s.publicURL + "/" + obj
}

var _ Storage = (*S3Storage)(nil)
var _ PublicURLProvider = (*S3Storage)(nil)
