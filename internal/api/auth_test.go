package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

func signedAuthHeader(t *testing.T, sk string, createdAt time.Time, url, method string) string {
	t.Helper()
	evt := nostr.Event{
		Kind:      nip98Kind,
		CreatedAt: nostr.Timestamp(createdAt.Unix()),
		Tags:      nostr.Tags{{"u", url}, {"method", method}},
	}
	if err := evt.Sign(sk); err != nil {
		t.Fatalf("sign event: %v", err)
	}
	raw, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return "Nostr " + base64.StdEncoding.EncodeToString(raw)
}

func TestVerifyAcceptsValidEvent(t *testing.T) {
	v := NewNostrVerifier()
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)

	r := httptest.NewRequest("POST", "https://stash.example/api/settings", nil)
	r.Header.Set("Authorization", signedAuthHeader(t, sk, time.Now(), "https://stash.example/api/settings", "POST"))

	got, err := v.Verify(r)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got != pk {
		t.Errorf("pubkey = %s, want %s", got, pk)
	}
}

func TestVerifyRejections(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	const goodURL = "https://stash.example/api/settings"

	cases := []struct {
		name   string
		header func(t *testing.T) string
	}{
		{"missing header", func(t *testing.T) string { return "" }},
		{"wrong scheme", func(t *testing.T) string { return "Bearer abc" }},
		{"not base64", func(t *testing.T) string { return "Nostr %%%" }},
		{"stale event", func(t *testing.T) string {
			return signedAuthHeader(t, sk, time.Now().Add(-2*time.Minute), goodURL, "POST")
		}},
		{"future event", func(t *testing.T) string {
			return signedAuthHeader(t, sk, time.Now().Add(2*time.Minute), goodURL, "POST")
		}},
		{"wrong path", func(t *testing.T) string {
			return signedAuthHeader(t, sk, time.Now(), "https://stash.example/api/withdraw", "POST")
		}},
		{"wrong method", func(t *testing.T) string {
			return signedAuthHeader(t, sk, time.Now(), goodURL, "GET")
		}},
		{"wrong kind", func(t *testing.T) string {
			evt := nostr.Event{
				Kind:      1,
				CreatedAt: nostr.Now(),
				Tags:      nostr.Tags{{"u", goodURL}, {"method", "POST"}},
			}
			if err := evt.Sign(sk); err != nil {
				t.Fatalf("sign event: %v", err)
			}
			raw, _ := json.Marshal(evt)
			return "Nostr " + base64.StdEncoding.EncodeToString(raw)
		}},
		{"tampered signature", func(t *testing.T) string {
			evt := nostr.Event{
				Kind:      nip98Kind,
				CreatedAt: nostr.Now(),
				Tags:      nostr.Tags{{"u", goodURL}, {"method", "POST"}},
			}
			if err := evt.Sign(sk); err != nil {
				t.Fatalf("sign event: %v", err)
			}
			evt.Tags = nostr.Tags{{"u", goodURL}, {"method", "POST"}, {"x", "injected"}}
			raw, _ := json.Marshal(evt)
			return "Nostr " + base64.StdEncoding.EncodeToString(raw)
		}},
	}

	v := NewNostrVerifier()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", goodURL, nil)
			if h := tc.header(t); h != "" {
				r.Header.Set("Authorization", h)
			}
			if _, err := v.Verify(r); err == nil {
				t.Error("invalid request accepted")
			}
		})
	}
}
