package settle

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"stashu/internal/ecash"
	"stashu/internal/logging"
	"stashu/internal/store"
)

// WithdrawQuote is what a manual payout of the full balance would cost.
type WithdrawQuote struct {
	BalanceSats int64
	AmountSats  int64
	FeeSats     int64
}

// QuoteWithdraw prices a manual withdrawal against the seller's
// unclaimed balance without spending anything.
func (s *Scheduler) QuoteWithdraw(ctx context.Context, sellerPubkey, invoice string) (*WithdrawQuote, error) {
	balance, err := s.gatherBalance(ctx, sellerPubkey)
	if err != nil {
		return nil, err
	}
	if balance.total == 0 {
		return nil, ErrNoBalance
	}

	quote, err := s.ecash.QuoteMelt(ctx, invoice)
	if err != nil {
		return nil, err
	}
	if balance.total < quote.AmountSats+quote.FeeSats {
		return nil, fmt.Errorf("%w: balance %d sats cannot cover %d + %d fee",
			ecash.ErrInsufficientBalance, balance.total, quote.AmountSats, quote.FeeSats)
	}

	return &WithdrawQuote{
		BalanceSats: balance.total,
		AmountSats:  quote.AmountSats,
		FeeSats:     quote.FeeSats,
	}, nil
}

// Withdraw pays a seller-supplied invoice from their unclaimed balance.
// Same machinery as the automatic sweep, but to an invoice the seller
// chose and regardless of any threshold.
func (s *Scheduler) Withdraw(ctx context.Context, sellerPubkey, invoice string) (*store.SettlementLogEntry, error) {
	s.mu.Lock()
	if s.inFlight[sellerPubkey] {
		s.mu.Unlock()
		return nil, fmt.Errorf("a payout for this seller is already running")
	}
	s.inFlight[sellerPubkey] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, sellerPubkey)
		s.mu.Unlock()
	}()

	balance, err := s.gatherBalance(ctx, sellerPubkey)
	if err != nil {
		return nil, err
	}
	if balance.total == 0 {
		return nil, ErrNoBalance
	}

	outcome, err := s.ecash.Melt(ctx, sellerPubkey, balance.tokens, invoice)
	if err != nil {
		s.preserveRefund(ctx, sellerPubkey, balance, err)
		return nil, s.logFailure(ctx, sellerPubkey, "invoice", balance.total, err)
	}

	s.finish(ctx, sellerPubkey, balance, outcome)

	entry := &store.SettlementLogEntry{
		ID:           uuid.NewString(),
		SellerPubkey: sellerPubkey,
		Status:       store.SettlementSuccess,
		AmountSats:   balance.total,
		FeeSats:      outcome.FeeSats,
		NetSats:      outcome.AmountSats,
		Destination:  "invoice",
	}
	if err := s.store.AppendSettlement(ctx, entry); err != nil {
		logging.Settle.Printf("withdrawal for %s succeeded but log append failed: %v", sellerPubkey, err)
	}
	return entry, nil
}
