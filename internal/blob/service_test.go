package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"testing"
)

// mockStorage implements Storage in memory.
type mockStorage struct {
	blobs map[string][]byte
	saves int
}

func newMockStorage() *mockStorage {
	return &mockStorage{blobs: make(map[string][]byte)}
}

func (m *mockStorage) Save(ctx context.Context, key string, data io.Reader, size int64) (int64, error) {
	buf, err := io.ReadAll(data)
	if err != nil {
		return 0, err
	}
	m.blobs[key] = buf
	m.saves++
	return int64(len(buf)), nil
}

func (m *mockStorage) Load(ctx context.Context, key string) (io.ReadCloser, error) {
	data, ok := m.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *mockStorage) Stat(ctx context.Context, key string) (int64, error) {
	data, ok := m.blobs[key]
	if !ok {
		return 0, ErrNotFound
	}
	return int64(len(data)), nil
}

func (m *mockStorage) Delete(ctx context.Context, key string) error {
	if _, ok := m.blobs[key]; !ok {
		return ErrNotFound
	}
	delete(m.blobs, key)
	return nil
}

func TestPutAndGet(t *testing.T) {
	storage := newMockStorage()
	svc := NewService(storage, 0)
	ctx := context.Background()

	content := []byte("opaque ciphertext bytes")
	result, err := svc.Put(ctx, bytes.NewReader(content))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	wantHash := sha256.Sum256(content)
	if result.Hash != hex.EncodeToString(wantHash[:]) {
		t.Errorf("hash = %s, want sha256 of content", result.Hash)
	}
	if result.Size != int64(len(content)) {
		t.Errorf("size = %d, want %d", result.Size, len(content))
	}

	r, size, err := svc.Get(ctx, result.Hash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer r.Close()
	if size != int64(len(content)) {
		t.Errorf("Get size = %d, want %d", size, len(content))
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("blob round-trip mismatch")
	}
}

func TestPutIdempotent(t *testing.T) {
	storage := newMockStorage()
	svc := NewService(storage, 0)
	ctx := context.Background()

	content := []byte("same bytes twice")
	first, err := svc.Put(ctx, bytes.NewReader(content))
	if err != nil {
		t.Fatalf("first Put: %v", err)
	}
	second, err := svc.Put(ctx, bytes.NewReader(content))
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}

	if first.Hash != second.Hash {
		t.Errorf("hashes differ: %s vs %s", first.Hash, second.Hash)
	}
	if storage.saves != 1 {
		t.Errorf("storage written %d times, want 1", storage.saves)
	}
}

func TestPutTooLarge(t *testing.T) {
	svc := NewService(newMockStorage(), 16)
	_, err := svc.Put(context.Background(), strings.NewReader(strings.Repeat("x", 17)))
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
}

func TestPutEmpty(t *testing.T) {
	svc := NewService(newMockStorage(), 0)
	if _, err := svc.Put(context.Background(), bytes.NewReader(nil)); err == nil {
		t.Fatal("empty blob accepted")
	}
}

func TestGetMissing(t *testing.T) {
	svc := NewService(newMockStorage(), 0)
	_, _, err := svc.Get(context.Background(), strings.Repeat("ab", 32))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
