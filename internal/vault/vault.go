// Package vault encrypts custodied bearer tokens at rest with
// AES-256-GCM. The stored format is "iv:authTag:ciphertext", all hex,
// matching databases written by earlier deployments. Plaintext
// Cashu tokens (recognizable "cashu" prefix) pass through decryption
// unchanged so an unencrypted deployment can migrate with zero
// downtime.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"stashu/internal/logging"
	"stashu/internal/store"
)

const (
	keyLen   = 32 // AES-256
	nonceLen = 12 // 96-bit IV recommended for GCM
)

var (
	// ErrConfiguration means no usable encryption key is configured.
	// Fatal: running unencrypted is a security regression, not a
	// degraded mode.
	ErrConfiguration = errors.New("token encryption key missing or invalid")

	ErrMalformed = errors.New("malformed encrypted token")
)

// TokenStore is the slice of the store the vault needs for its startup
// probe and migration sweep.
type TokenStore interface {
	ListTokenCiphers(ctx context.Context) ([]store.EncryptedToken, error)
	RewriteTokenCiphers(ctx context.Context, updates []store.EncryptedToken) error
}

// Vault performs authenticated symmetric encryption of bearer tokens.
type Vault struct {
	aead cipher.AEAD
}

// New builds a vault from a 64-hex-char key.
func New(keyHex string) (*Vault, error) {
	if keyHex == "" {
		return nil, fmt.Errorf("%w: TOKEN_ENCRYPTION_KEY is not set", ErrConfiguration)
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: key is not valid hex", ErrConfiguration)
	}
	if len(key) != keyLen {
		return nil, fmt.Errorf("%w: key must be %d hex chars, got %d", ErrConfiguration, keyLen*2, len(keyHex))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce, so encrypting the
// same token twice never yields the same ciphertext.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	sealed := v.aead.Seal(nil, nonce, []byte(plaintext), nil)
	// Seal appends the auth tag; split it back out to keep the
	// iv:authTag:ciphertext layout of existing rows.
	tagStart := len(sealed) - v.aead.Overhead()
	ct, tag := sealed[:tagStart], sealed[tagStart:]

	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ct), nil
}

// Decrypt opens an encrypted token. A plaintext Cashu token (a value
// not yet migrated) is returned unchanged.
func (v *Vault) Decrypt(value string) (string, error) {
	if IsPlaintext(value) {
		return value, nil
	}

	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return "", ErrMalformed
	}

	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceLen {
		return "", ErrMalformed
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != v.aead.Overhead() {
		return "", ErrMalformed
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", ErrMalformed
	}

	plaintext, err := v.aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// IsPlaintext reports whether a stored value is an unmigrated bearer
// token. All Cashu tokens start with "cashu" (cashuA, cashuB, ...).
func IsPlaintext(value string) bool {
	return strings.HasPrefix(value, "cashu")
}

// ProbeAndMigrate runs the startup integrity check: every encrypted row
// must decrypt under the configured key, or startup aborts — a wrong
// key after rotation must fail loudly here, not silently on the first
// real read. It then re-encrypts any remaining plaintext rows inside a
// single transaction.
func (v *Vault) ProbeAndMigrate(ctx context.Context, ts TokenStore) error {
	tokens, err := ts.ListTokenCiphers(ctx)
	if err != nil {
		return fmt.Errorf("vault probe: %w", err)
	}

	var migrations []store.EncryptedToken
	for _, t := range tokens {
		if IsPlaintext(t.Value) {
			sealed, err := v.Encrypt(t.Value)
			if err != nil {
				return fmt.Errorf("vault migration: encrypt %s/%s: %w", t.Table, t.ID, err)
			}
			migrations = append(migrations, store.EncryptedToken{Table: t.Table, ID: t.ID, Value: sealed})
			continue
		}
		if _, err := v.Decrypt(t.Value); err != nil {
			return fmt.Errorf("vault probe: row %s/%s does not decrypt (wrong key?): %w", t.Table, t.ID, err)
		}
	}

	if len(migrations) > 0 {
		if err := ts.RewriteTokenCiphers(ctx, migrations); err != nil {
			return fmt.Errorf("vault migration: %w", err)
		}
		logging.Internal.Printf("vault: migrated %d plaintext token(s) to encrypted storage", len(migrations))
	}

	return nil
}
