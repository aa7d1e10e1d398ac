package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func testKey(c byte) string {
	return strings.Repeat(string(c), 64)
}

func TestFSStorageRoundTrip(t *testing.T) {
	storage, err := NewFSStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStorage: %v", err)
	}
	ctx := context.Background()

	key := testKey('a')
	content := []byte("ciphertext")
	n, err := storage.Save(ctx, key, bytes.NewReader(content), int64(len(content)))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if n != int64(len(content)) {
		t.Errorf("saved %d bytes, want %d", n, len(content))
	}

	size, err := storage.Stat(ctx, key)
	if err != nil || size != int64(len(content)) {
		t.Fatalf("Stat = %d, %v", size, err)
	}

	r, err := storage.Load(ctx, key)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, _ := io.ReadAll(r)
	r.Close()
	if !bytes.Equal(got, content) {
		t.Error("content mismatch")
	}

	if err := storage.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := storage.Stat(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Errorf("Stat after delete = %v, want ErrNotFound", err)
	}
}

func TestFSStorageRejectsBadKeys(t *testing.T) {
	storage, err := NewFSStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStorage: %v", err)
	}
	ctx := context.Background()

	for _, key := range []string{
		"",
		"../../etc/passwd",
		"short",
		strings.Repeat("A", 64), // uppercase is not a digest
		testKey('a') + "x",
	} {
		if _, err := storage.Load(ctx, key); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Load(%q) = %v, want ErrInvalidKey", key, err)
		}
		if _, err := storage.Save(ctx, key, strings.NewReader("x"), 1); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Save(%q) = %v, want ErrInvalidKey", key, err)
		}
	}
}
