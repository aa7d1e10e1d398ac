// Package ecash wraps mint operations with the durability and error
// discipline the settlement engine needs: valuing and swapping incoming
// tokens, quoting and executing melts with a crash-recoverable pending
// record, and minting fresh ecash after inbound Lightning payments.
package ecash

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"stashu/internal/logging"
	"stashu/internal/mint"
	"stashu/internal/store"
)

var (
	// ErrInsufficientValue means the presented token is worth less than
	// the price.
	ErrInsufficientValue = errors.New("insufficient token value")
	// ErrInsufficientBalance means the supplied tokens cannot cover an
	// outbound payment plus its fee.
	ErrInsufficientBalance = errors.New("insufficient balance for payment and fee")
	// ErrPaymentFailed is a definitive melt failure; the caller may
	// retry with a fresh invoice.
	ErrPaymentFailed = errors.New("lightning payment failed")
	// ErrPaymentIndeterminate means the melt outcome is unknown. It must
	// never be treated as success or failure; the reconciler resolves it
	// against the mint on the next startup.
	ErrPaymentIndeterminate = errors.New("lightning payment outcome unknown")
)

// PaymentFailedError is a definitive melt failure. Wallets that take
// custody of the supplied tokens before paying spend the caller's
// copies even when the payment then fails; RefundToken carries their
// re-issued value in that case, and the caller must persist it as the
// replacement custody before surfacing the failure. Matches
// ErrPaymentFailed under errors.Is.
type PaymentFailedError struct {
	RefundToken string
}

func (e *PaymentFailedError) Error() string { return ErrPaymentFailed.Error() }
func (e *PaymentFailedError) Unwrap() error { return ErrPaymentFailed }

// MeltStore is the slice of the store the settlement client writes:
// durable pending-melt records, created before any proofs are put at
// risk.
type MeltStore interface {
	InsertPendingMelt(ctx context.Context, pm *store.PendingMelt) (int64, error)
	UpdatePendingMeltStatus(ctx context.Context, id int64, status string) error
}

// Service is the ecash settlement client.
type Service struct {
	wallet mint.Wallet
	melts  MeltStore
}

// NewService creates a settlement client around a mint wallet.
func NewService(wallet mint.Wallet, melts MeltStore) *Service {
	return &Service{wallet: wallet, melts: melts}
}

// VerifyAndSwap decodes a buyer's token, checks it covers expectedSats,
// and swaps its proofs for fresh ones under this service's control.
// The buyer's original proofs are never reused as the seller's credit —
// they could be double-spent or traced.
func (s *Service) VerifyAndSwap(ctx context.Context, token string, expectedSats int64) (string, error) {
	value, err := s.wallet.TokenValue(token)
	if err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}

	if value < expectedSats {
		return "", fmt.Errorf("%w: token worth %d sats, expected %d", ErrInsufficientValue, value, expectedSats)
	}

	sellerToken, err := s.wallet.Receive(ctx, token)
	if err != nil {
		return "", fmt.Errorf("swap token: %w", err)
	}
	return sellerToken, nil
}

// QuoteMelt asks the mint what paying the invoice would cost, without
// spending anything.
func (s *Service) QuoteMelt(ctx context.Context, invoice string) (*mint.MeltQuote, error) {
	quote, err := s.wallet.RequestMeltQuote(ctx, invoice)
	if err != nil {
		return nil, fmt.Errorf("melt quote: %w", err)
	}
	return quote, nil
}

// MeltOutcome is the result of a successful melt.
type MeltOutcome struct {
	Preimage    string
	AmountSats  int64
	FeeSats     int64
	ChangeToken string
}

// Melt pays a Lightning invoice with the given tokens. A pending-melt
// row is written before the melt executes, so a crash between "proofs
// spent" and "payment confirmed" is recoverable rather than ambiguous.
func (s *Service) Melt(ctx context.Context, sellerPubkey string, tokens []string, invoice string) (*MeltOutcome, error) {
	var total int64
	for _, t := range tokens {
		value, err := s.wallet.TokenValue(t)
		if err != nil {
			return nil, fmt.Errorf("decode token: %w", err)
		}
		total += value
	}

	quote, err := s.QuoteMelt(ctx, invoice)
	if err != nil {
		return nil, err
	}

	if total < quote.AmountSats+quote.FeeSats {
		return nil, fmt.Errorf("%w: have %d sats, need %d + %d fee",
			ErrInsufficientBalance, total, quote.AmountSats, quote.FeeSats)
	}

	proofsJSON, err := json.Marshal(tokens)
	if err != nil {
		return nil, err
	}
	meltID, err := s.melts.InsertPendingMelt(ctx, &store.PendingMelt{
		SellerPubkey: sellerPubkey,
		QuoteID:      quote.QuoteID,
		ProofsJSON:   string(proofsJSON),
		Invoice:      invoice,
		AmountSats:   quote.AmountSats,
	})
	if err != nil {
		return nil, fmt.Errorf("record pending melt: %w", err)
	}

	result, err := s.wallet.Melt(ctx, quote.QuoteID, tokens)
	if err != nil {
		// The proofs may or may not have been consumed; only the mint
		// knows. Leave the pending row for the reconciler.
		logging.Mint.Printf("melt %s errored, leaving pending for recovery: %v", quote.QuoteID, err)
		return nil, fmt.Errorf("%w: %v", ErrPaymentIndeterminate, err)
	}

	switch result.State {
	case mint.QuotePaid:
		if err := s.melts.UpdatePendingMeltStatus(ctx, meltID, store.MeltCompleted); err != nil {
			logging.Mint.Printf("melt %s paid but status update failed: %v", quote.QuoteID, err)
		}
		return &MeltOutcome{
			Preimage:    result.Preimage,
			AmountSats:  quote.AmountSats,
			FeeSats:     result.FeeSats,
			ChangeToken: result.ChangeToken,
		}, nil
	case mint.QuoteUnpaid, mint.QuoteExpired:
		// Definitive failure. If the wallet consumed the proofs on the
		// way in, their value comes back as a refund token the caller
		// must re-custody.
		if err := s.melts.UpdatePendingMeltStatus(ctx, meltID, store.MeltFailed); err != nil {
			logging.Mint.Printf("melt %s failed and status update failed: %v", quote.QuoteID, err)
		}
		return nil, &PaymentFailedError{RefundToken: result.RefundToken}
	default:
		// PENDING at the mint: still in flight. Never guess.
		return nil, fmt.Errorf("%w: melt quote %s is %s", ErrPaymentIndeterminate, quote.QuoteID, result.State)
	}
}

// CreateInvoice requests a Lightning invoice from the mint for the
// inbound payment path.
func (s *Service) CreateInvoice(ctx context.Context, amountSats int64) (*mint.MintQuote, error) {
	quote, err := s.wallet.RequestMintQuote(ctx, amountSats)
	if err != nil {
		return nil, fmt.Errorf("create invoice: %w", err)
	}
	return quote, nil
}

// CheckPaid reports whether a mint quote's invoice has been paid and is
// ready to mint against.
func (s *Service) CheckPaid(ctx context.Context, quoteID string) (bool, error) {
	state, err := s.wallet.MintQuoteState(ctx, quoteID)
	if err != nil {
		return false, fmt.Errorf("check invoice: %w", err)
	}
	return state == mint.QuotePaid, nil
}

// MintAfterPayment mints fresh ecash against a paid quote.
func (s *Service) MintAfterPayment(ctx context.Context, amountSats int64, quoteID string) (string, error) {
	token, err := s.wallet.Mint(ctx, quoteID, amountSats)
	if err != nil {
		return "", fmt.Errorf("mint after payment: %w", err)
	}
	return token, nil
}

// MeltQuoteState exposes the mint's view of a melt quote for the
// reconciler.
func (s *Service) MeltQuoteState(ctx context.Context, quoteID string) (mint.QuoteState, error) {
	return s.wallet.MeltQuoteState(ctx, quoteID)
}

// TokenValue returns a token's value, or 0 if it cannot be decoded.
// Used opportunistically in non-critical bookkeeping paths.
func (s *Service) TokenValue(token string) int64 {
	value, err := s.wallet.TokenValue(token)
	if err != nil {
		return 0
	}
	return value
}
