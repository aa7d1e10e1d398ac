package mint

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidToken  = errors.New("invalid ecash token")
	ErrQuoteNotFound = errors.New("quote not found")
)

// QuoteState is the mint's view of a mint or melt quote.
type QuoteState string

const (
	QuoteUnpaid  QuoteState = "UNPAID"
	QuotePaid    QuoteState = "PAID"
	QuotePending QuoteState = "PENDING"
	QuoteExpired QuoteState = "EXPIRED"
	QuoteIssued  QuoteState = "ISSUED"
)

// MintQuote is an inbound Lightning invoice issued by the mint; once
// paid, fresh ecash can be minted against it.
type MintQuote struct {
	QuoteID   string
	Invoice   string
	ExpiresAt time.Time
}

// MeltQuote prices an outbound Lightning payment.
type MeltQuote struct {
	QuoteID    string
	AmountSats int64
	FeeSats    int64
}

// MeltResult is the outcome of executing a melt.
//
// A wallet that has to take custody of the supplied tokens before it
// can pay spends the caller's copies up front. On a definitive failure
// such a wallet re-issues their full value as RefundToken; the caller
// must persist it as the replacement custody, since the tokens it
// passed in are no longer spendable.
type MeltResult struct {
	State       QuoteState
	Preimage    string
	FeeSats     int64
	ChangeToken string // leftover value re-encoded as a token, if any
	RefundToken string // re-issued value after a failed payment, if the wallet consumed the input
}

// Wallet is the mint protocol collaborator. All blind-signature and
// proof construction work happens behind this boundary; the engine
// only orchestrates the operations below.
type Wallet interface {
	// TokenValue decodes a token and sums its proof values.
	TokenValue(token string) (int64, error)
	// Receive redeems (swaps) a token's proofs for fresh ones under
	// this service's control and re-encodes them as a new token.
	Receive(ctx context.Context, token string) (string, error)
	// RequestMintQuote asks the mint for a Lightning invoice.
	RequestMintQuote(ctx context.Context, amountSats int64) (*MintQuote, error)
	// MintQuoteState reports whether a mint quote's invoice was paid.
	MintQuoteState(ctx context.Context, quoteID string) (QuoteState, error)
	// Mint issues fresh ecash against a paid mint quote.
	Mint(ctx context.Context, quoteID string, amountSats int64) (string, error)
	// RequestMeltQuote prices paying the given BOLT11 invoice.
	RequestMeltQuote(ctx context.Context, invoice string) (*MeltQuote, error)
	// Melt pays the quoted invoice with the given tokens' proofs.
	Melt(ctx context.Context, quoteID string, tokens []string) (*MeltResult, error)
	// MeltQuoteState reports the mint's view of a melt quote. Used by
	// crash recovery to resolve indeterminate melts.
	MeltQuoteState(ctx context.Context, quoteID string) (QuoteState, error)
}
