// Package lnurl resolves Lightning addresses (user@domain, LUD-16) to
// BOLT11 invoices via the well-known LNURL-pay endpoints.
package lnurl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	ErrInvalidAddress = errors.New("invalid lightning address")
	// ErrAmountOutOfRange means the target amount falls outside the
	// receiver's minSendable/maxSendable bounds. Distinguished from
	// generic failures so callers can report it precisely.
	ErrAmountOutOfRange = errors.New("amount outside receiver's allowed range")
)

// Resolver turns a payout address and amount into a payable invoice.
type Resolver interface {
	Resolve(ctx context.Context, address string, amountSats int64) (string, error)
}

// HTTPResolver implements Resolver over the LNURL-pay protocol.
type HTTPResolver struct {
	client *http.Client
	scheme string
}

// NewHTTPResolver creates a resolver with a bounded request timeout.
func NewHTTPResolver() *HTTPResolver {
	return &HTTPResolver{
		client: &http.Client{Timeout: 15 * time.Second},
		scheme: "https",
	}
}

type payMetadata struct {
	Callback    string `json:"callback"`
	MinSendable int64  `json:"minSendable"`
	MaxSendable int64  `json:"maxSendable"`
	Tag         string `json:"tag"`
	Status      string `json:"status,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type payInvoice struct {
	PR     string `json:"pr"`
	Status string `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (r *HTTPResolver) Resolve(ctx context.Context, address string, amountSats int64) (string, error) {
	user, domain, ok := strings.Cut(address, "@")
	if !ok || user == "" || domain == "" {
		return "", fmt.Errorf("%w: expected user@domain, got %q", ErrInvalidAddress, address)
	}

	metaURL := fmt.Sprintf("%s://%s/.well-known/lnurlp/%s", r.scheme, domain, user)
	var meta payMetadata
	if err := r.getJSON(ctx, metaURL, &meta); err != nil {
		return "", fmt.Errorf("resolve %s: %w", address, err)
	}

	if meta.Status == "ERROR" {
		return "", fmt.Errorf("resolve %s: %s", address, orDefault(meta.Reason, "endpoint returned an error"))
	}
	if meta.Tag != "payRequest" {
		return "", fmt.Errorf("%w: %s is not a pay request endpoint", ErrInvalidAddress, address)
	}

	// LNURL amounts are millisats.
	amountMsat := amountSats * 1000
	if amountMsat < meta.MinSendable || amountMsat > meta.MaxSendable {
		return "", fmt.Errorf("%w: %d sats not in %d-%d sats",
			ErrAmountOutOfRange, amountSats, (meta.MinSendable+999)/1000, meta.MaxSendable/1000)
	}

	separator := "?"
	if strings.Contains(meta.Callback, "?") {
		separator = "&"
	}
	invoiceURL := fmt.Sprintf("%s%samount=%d", meta.Callback, separator, amountMsat)

	var inv payInvoice
	if err := r.getJSON(ctx, invoiceURL, &inv); err != nil {
		return "", fmt.Errorf("invoice from %s: %w", address, err)
	}
	if inv.Status == "ERROR" {
		return "", fmt.Errorf("invoice from %s: %s", address, orDefault(inv.Reason, "callback returned an error"))
	}
	if inv.PR == "" {
		return "", fmt.Errorf("invoice from %s: no invoice returned", address)
	}

	return inv.PR, nil
}

func (r *HTTPResolver) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
