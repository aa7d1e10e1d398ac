package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// ErrUnauthorized covers every authentication failure. Callers get no
// detail about which check failed.
var ErrUnauthorized = errors.New("unauthorized")

// nip98Kind is the event kind for Nostr HTTP auth (NIP-98).
const nip98Kind = 27235

// maxAuthSkew bounds how far an auth event's timestamp may drift from
// server time, in either direction.
const maxAuthSkew = 60 * time.Second

// IdentityVerifier authenticates a request and returns the caller's
// verified identity.
type IdentityVerifier interface {
	Verify(r *http.Request) (pubkey string, err error)
}

// NostrVerifier implements IdentityVerifier over NIP-98: a signed,
// single-use Nostr event carried in the Authorization header, binding
// the caller's key to this exact URL and method within a freshness
// window.
type NostrVerifier struct {
	now func() time.Time
}

// NewNostrVerifier creates the production verifier.
func NewNostrVerifier() *NostrVerifier {
	return &NostrVerifier{now: time.Now}
}

// Verify checks the Authorization header and returns the signer's
// pubkey. Any malformed or mismatched field fails the whole check, a
// partially valid envelope is never trusted.
func (v *NostrVerifier) Verify(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	const scheme = "Nostr "
	if !strings.HasPrefix(header, scheme) {
		return "", fmt.Errorf("%w: missing auth header", ErrUnauthorized)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(header, scheme))
	if err != nil {
		return "", fmt.Errorf("%w: bad auth encoding", ErrUnauthorized)
	}

	var evt nostr.Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return "", fmt.Errorf("%w: bad auth event", ErrUnauthorized)
	}

	if evt.Kind != nip98Kind {
		return "", fmt.Errorf("%w: wrong event kind", ErrUnauthorized)
	}

	age := v.now().Sub(evt.CreatedAt.Time())
	if age > maxAuthSkew || age < -maxAuthSkew {
		return "", fmt.Errorf("%w: auth event expired", ErrUnauthorized)
	}

	if !v.matchURL(tagValue(&evt, "u"), r) {
		return "", fmt.Errorf("%w: URL mismatch", ErrUnauthorized)
	}
	if !strings.EqualFold(tagValue(&evt, "method"), r.Method) {
		return "", fmt.Errorf("%w: method mismatch", ErrUnauthorized)
	}

	ok, err := evt.CheckSignature()
	if err != nil || !ok {
		return "", fmt.Errorf("%w: bad signature", ErrUnauthorized)
	}

	return evt.PubKey, nil
}

// matchURL compares the signed u tag against the request. Clients sit
// behind assorted proxies and tunnels, so the match is on path: the
// signed URL must parse and its path must equal the requested path.
func (v *NostrVerifier) matchURL(signed string, r *http.Request) bool {
	if signed == "" {
		return false
	}
	u, err := url.Parse(signed)
	if err != nil {
		return false
	}
	return u.Path == r.URL.Path
}

func tagValue(evt *nostr.Event, name string) string {
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}
