package mint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/elnosh/gonuts/cashu"
	"github.com/elnosh/gonuts/cashu/nuts/nut04"
	"github.com/elnosh/gonuts/cashu/nuts/nut05"
	"github.com/elnosh/gonuts/wallet"

	"stashu/internal/logging"
)

// GonutsWallet implements Wallet on top of the gonuts Cashu wallet
// library, which handles blind signatures and proof construction. The
// engine only sees tokens in and tokens out.
type GonutsWallet struct {
	w       *wallet.Wallet
	mintURL string

	mu         sync.Mutex
	meltQuotes map[string]*MeltQuote
}

// NewGonutsWallet loads (or creates) the local proof database at
// walletPath and connects to the configured mint.
func NewGonutsWallet(walletPath, mintURL string) (*GonutsWallet, error) {
	w, err := wallet.LoadWallet(wallet.Config{
		WalletPath:     walletPath,
		CurrentMintURL: mintURL,
	})
	if err != nil {
		return nil, fmt.Errorf("load cashu wallet: %w", err)
	}

	logging.Mint.Printf("connected to mint %s", mintURL)
	return &GonutsWallet{
		w:          w,
		mintURL:    mintURL,
		meltQuotes: make(map[string]*MeltQuote),
	}, nil
}

func (g *GonutsWallet) TokenValue(token string) (int64, error) {
	t, err := cashu.DecodeToken(token)
	if err != nil {
		return 0, ErrInvalidToken
	}
	return int64(t.Amount()), nil
}

func (g *GonutsWallet) Receive(ctx context.Context, token string) (string, error) {
	t, err := cashu.DecodeToken(token)
	if err != nil {
		return "", ErrInvalidToken
	}

	amount, err := g.w.Receive(t, false)
	if err != nil {
		return "", fmt.Errorf("receive: %w", err)
	}

	return g.sendToken(amount)
}

// sendToken carves amount out of the wallet's balance as a fresh token.
func (g *GonutsWallet) sendToken(amount uint64) (string, error) {
	out, err := g.w.Send(amount, g.mintURL, true)
	if err != nil {
		return "", fmt.Errorf("send: %w", err)
	}
	encoded, err := out.Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize token: %w", err)
	}
	return encoded, nil
}

func (g *GonutsWallet) RequestMintQuote(ctx context.Context, amountSats int64) (*MintQuote, error) {
	quote, err := g.w.RequestMint(uint64(amountSats))
	if err != nil {
		return nil, fmt.Errorf("request mint quote: %w", err)
	}

	return &MintQuote{
		QuoteID:   quote.Quote,
		Invoice:   quote.Request,
		ExpiresAt: time.Unix(int64(quote.Expiry), 0),
	}, nil
}

func (g *GonutsWallet) MintQuoteState(ctx context.Context, quoteID string) (QuoteState, error) {
	quote, err := g.w.MintQuoteState(quoteID)
	if err != nil {
		return "", fmt.Errorf("mint quote state: %w", err)
	}
	switch quote.State {
	case nut04.Paid:
		return QuotePaid, nil
	case nut04.Issued:
		return QuoteIssued, nil
	default:
		return QuoteUnpaid, nil
	}
}

func (g *GonutsWallet) Mint(ctx context.Context, quoteID string, amountSats int64) (string, error) {
	proofs, err := g.w.MintTokens(quoteID)
	if err != nil {
		return "", fmt.Errorf("mint tokens: %w", err)
	}

	token, err := cashu.NewTokenV4(proofs, g.mintURL, cashu.Sat, false)
	if err != nil {
		return "", fmt.Errorf("encode minted token: %w", err)
	}
	encoded, err := token.Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize minted token: %w", err)
	}
	return encoded, nil
}

func (g *GonutsWallet) RequestMeltQuote(ctx context.Context, invoice string) (*MeltQuote, error) {
	quote, err := g.w.RequestMeltQuote(invoice, g.mintURL)
	if err != nil {
		return nil, fmt.Errorf("request melt quote: %w", err)
	}

	mq := &MeltQuote{
		QuoteID:    quote.Quote,
		AmountSats: int64(quote.Amount),
		FeeSats:    int64(quote.FeeReserve),
	}
	g.mu.Lock()
	g.meltQuotes[mq.QuoteID] = mq
	g.mu.Unlock()
	return mq, nil
}

func (g *GonutsWallet) Melt(ctx context.Context, quoteID string, tokens []string) (*MeltResult, error) {
	g.mu.Lock()
	mq := g.meltQuotes[quoteID]
	g.mu.Unlock()
	if mq == nil {
		return nil, ErrQuoteNotFound
	}

	// Pull all supplied tokens into the wallet so it can select proofs.
	var available uint64
	for _, t := range tokens {
		decoded, err := cashu.DecodeToken(t)
		if err != nil {
			return nil, ErrInvalidToken
		}
		amount, err := g.w.Receive(decoded, false)
		if err != nil {
			return nil, fmt.Errorf("receive for melt: %w", err)
		}
		available += amount
	}

	result, err := g.w.Melt(quoteID)
	if err != nil {
		return nil, fmt.Errorf("melt: %w", err)
	}

	switch result.State {
	case nut05.Paid:
	case nut05.Pending:
		return &MeltResult{State: QuotePending}, nil
	default:
		// The payment definitively failed, but the supplied tokens were
		// already swapped into the wallet above, so the caller's copies
		// are spent. Re-issue the full value as a refund token so the
		// caller can move custody to it.
		failed := &MeltResult{State: QuoteUnpaid}
		refund, rerr := g.sendToken(available)
		if rerr != nil {
			logging.Mint.Printf("CRITICAL: melt %s failed and re-issuing %d sats failed, value is stuck in the wallet db: %v",
				quoteID, available, rerr)
		} else {
			failed.RefundToken = refund
		}
		return failed, nil
	}

	out := &MeltResult{
		State:    QuotePaid,
		Preimage: result.Preimage,
		FeeSats:  mq.FeeSats,
	}

	// Whatever the payment did not consume stays in the wallet; hand it
	// back as a change token so the caller can custody it.
	if change := int64(available) - mq.AmountSats - mq.FeeSats; change > 0 {
		changeToken, err := g.sendToken(uint64(change))
		if err != nil {
			logging.Mint.Printf("melt %s: failed to carve change token for %d sats: %v", quoteID, change, err)
		} else {
			out.ChangeToken = changeToken
		}
	}

	return out, nil
}

func (g *GonutsWallet) MeltQuoteState(ctx context.Context, quoteID string) (QuoteState, error) {
	quote, err := g.w.MeltQuoteState(quoteID)
	if err != nil {
		return "", fmt.Errorf("melt quote state: %w", err)
	}
	switch quote.State {
	case nut05.Paid:
		return QuotePaid, nil
	case nut05.Pending:
		return QuotePending, nil
	default:
		return QuoteUnpaid, nil
	}
}

var _ Wallet = (*GonutsWallet)(nil)
