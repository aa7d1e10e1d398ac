package lnurl

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testResolver(srv *httptest.Server) *HTTPResolver {
	return &HTTPResolver{client: srv.Client(), scheme: "http"}
}

// addressFor builds user@host for an httptest server.
func addressFor(srv *httptest.Server, user string) string {
	return user + "@" + strings.TrimPrefix(srv.URL, "http://")
}

func TestResolve(t *testing.T) {
	var callbackQuery string
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/.well-known/lnurlp/alice", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(payMetadata{
			Callback:    srv.URL + "/lnurlp/callback",
			MinSendable: 1000,
			MaxSendable: 100_000_000,
			Tag:         "payRequest",
		})
	})
	mux.HandleFunc("/lnurlp/callback", func(w http.ResponseWriter, r *http.Request) {
		callbackQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode(payInvoice{PR: "lnbc500n1invoice"})
	})

	invoice, err := testResolver(srv).Resolve(context.Background(), addressFor(srv, "alice"), 500)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if invoice != "lnbc500n1invoice" {
		t.Fatalf("invoice = %q", invoice)
	}
	// LNURL amounts are millisats.
	if callbackQuery != "amount=500000" {
		t.Fatalf("callback query = %q, want amount=500000", callbackQuery)
	}
}

func TestResolveCallbackWithExistingQuery(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/.well-known/lnurlp/bob", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(payMetadata{
			Callback:    srv.URL + "/cb?user=bob",
			MinSendable: 1000,
			MaxSendable: 100_000_000,
			Tag:         "payRequest",
		})
	})
	mux.HandleFunc("/cb", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("user") != "bob" || r.URL.Query().Get("amount") != "100000" {
			t.Errorf("callback query mangled: %q", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(payInvoice{PR: "lnbcinvoice"})
	})

	if _, err := testResolver(srv).Resolve(context.Background(), addressFor(srv, "bob"), 100); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
}

func TestResolveInvalidAddress(t *testing.T) {
	r := NewHTTPResolver()
	for _, addr := range []string{"", "no-at-sign", "@domain.com", "user@"} {
		if _, err := r.Resolve(context.Background(), addr, 100); !errors.Is(err, ErrInvalidAddress) {
			t.Errorf("Resolve(%q): expected ErrInvalidAddress, got %v", addr, err)
		}
	}
}

func TestResolveAmountOutOfRange(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/.well-known/lnurlp/alice", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(payMetadata{
			Callback:    srv.URL + "/cb",
			MinSendable: 100_000, // 100 sats
			MaxSendable: 1_000_000,
			Tag:         "payRequest",
		})
	})

	r := testResolver(srv)
	addr := addressFor(srv, "alice")
	if _, err := r.Resolve(context.Background(), addr, 50); !errors.Is(err, ErrAmountOutOfRange) {
		t.Fatalf("below min: expected ErrAmountOutOfRange, got %v", err)
	}
	if _, err := r.Resolve(context.Background(), addr, 5000); !errors.Is(err, ErrAmountOutOfRange) {
		t.Fatalf("above max: expected ErrAmountOutOfRange, got %v", err)
	}
}

func TestResolveEndpointErrors(t *testing.T) {
	cases := []struct {
		name     string
		metadata payMetadata
		invoice  payInvoice
		wantSub  string
	}{
		{
			name:     "metadata error status",
			metadata: payMetadata{Status: "ERROR", Reason: "user not found"},
			wantSub:  "user not found",
		},
		{
			name:     "not a pay request",
			metadata: payMetadata{Callback: "x", Tag: "withdrawRequest", MinSendable: 1000, MaxSendable: 100_000_000},
			wantSub:  "not a pay request",
		},
		{
			name:     "callback error status",
			metadata: payMetadata{Tag: "payRequest", MinSendable: 1000, MaxSendable: 100_000_000},
			invoice:  payInvoice{Status: "ERROR", Reason: "route not found"},
			wantSub:  "route not found",
		},
		{
			name:     "no invoice in response",
			metadata: payMetadata{Tag: "payRequest", MinSendable: 1000, MaxSendable: 100_000_000},
			invoice:  payInvoice{},
			wantSub:  "no invoice",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mux := http.NewServeMux()
			srv := httptest.NewServer(mux)
			defer srv.Close()

			meta := tc.metadata
			if meta.Callback == "" && meta.Status != "ERROR" {
				meta.Callback = srv.URL + "/cb"
			}
			mux.HandleFunc("/.well-known/lnurlp/alice", func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(meta)
			})
			mux.HandleFunc("/cb", func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(tc.invoice)
			})

			_, err := testResolver(srv).Resolve(context.Background(), addressFor(srv, "alice"), 100)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("error %q does not mention %q", err, tc.wantSub)
			}
		})
	}
}

func TestResolveHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := testResolver(srv).Resolve(context.Background(), addressFor(srv, "alice"), 100)
	if err == nil || !strings.Contains(err.Error(), "unexpected status") {
		t.Fatalf("expected status error, got %v", err)
	}
}
