package ecash

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"stashu/internal/mint"
	"stashu/internal/store"
)

// fakeMeltStore records pending-melt rows in memory.
type fakeMeltStore struct {
	next  int64
	melts map[int64]*store.PendingMelt
}

func newFakeMeltStore() *fakeMeltStore {
	return &fakeMeltStore{melts: make(map[int64]*store.PendingMelt)}
}

func (f *fakeMeltStore) InsertPendingMelt(ctx context.Context, pm *store.PendingMelt) (int64, error) {
	f.next++
	copied := *pm
	copied.ID = f.next
	copied.Status = store.MeltPending
	f.melts[f.next] = &copied
	return f.next, nil
}

func (f *fakeMeltStore) UpdatePendingMeltStatus(ctx context.Context, id int64, status string) error {
	pm, ok := f.melts[id]
	if !ok {
		return store.ErrNotFound
	}
	pm.Status = status
	return nil
}

func (f *fakeMeltStore) only(t *testing.T) *store.PendingMelt {
	t.Helper()
	if len(f.melts) != 1 {
		t.Fatalf("expected exactly 1 pending melt row, got %d", len(f.melts))
	}
	for _, pm := range f.melts {
		return pm
	}
	return nil
}

func TestVerifyAndSwap(t *testing.T) {
	wallet := mint.NewMockWallet()
	svc := NewService(wallet, newFakeMeltStore())
	ctx := context.Background()

	buyerToken := wallet.NewToken(100)
	sellerToken, err := svc.VerifyAndSwap(ctx, buyerToken, 100)
	if err != nil {
		t.Fatalf("VerifyAndSwap: %v", err)
	}
	if sellerToken == buyerToken {
		t.Fatal("swap must issue fresh proofs, not return the buyer's token")
	}
	if got := svc.TokenValue(sellerToken); got != 100 {
		t.Fatalf("swapped token worth %d, want 100", got)
	}

	// The buyer's proofs are spent by the swap.
	if _, err := svc.VerifyAndSwap(ctx, buyerToken, 100); err == nil {
		t.Fatal("re-submitting swapped proofs should fail")
	}
}

func TestVerifyAndSwapInsufficient(t *testing.T) {
	wallet := mint.NewMockWallet()
	svc := NewService(wallet, newFakeMeltStore())

	_, err := svc.VerifyAndSwap(context.Background(), wallet.NewToken(50), 100)
	if !errors.Is(err, ErrInsufficientValue) {
		t.Fatalf("expected ErrInsufficientValue, got %v", err)
	}

	if _, err := svc.VerifyAndSwap(context.Background(), "not-a-token", 100); err == nil {
		t.Fatal("expected error for malformed token")
	}
}

func TestMeltSuccess(t *testing.T) {
	wallet := mint.NewMockWallet()
	melts := newFakeMeltStore()
	svc := NewService(wallet, melts)
	ctx := context.Background()

	tokens := []string{wallet.NewToken(1000)}
	outcome, err := svc.Melt(ctx, "seller1", tokens, "lnmock500-test")
	if err != nil {
		t.Fatalf("Melt: %v", err)
	}
	if outcome.AmountSats != 500 {
		t.Fatalf("amount = %d, want 500", outcome.AmountSats)
	}
	if outcome.FeeSats != 5 {
		t.Fatalf("fee = %d, want 5", outcome.FeeSats)
	}
	if outcome.Preimage == "" {
		t.Fatal("missing preimage")
	}
	if got := svc.TokenValue(outcome.ChangeToken); got != 495 {
		t.Fatalf("change worth %d, want 495", got)
	}

	pm := melts.only(t)
	if pm.Status != store.MeltCompleted {
		t.Fatalf("pending melt status = %s, want completed", pm.Status)
	}
	if pm.SellerPubkey != "seller1" || pm.Invoice != "lnmock500-test" {
		t.Fatalf("pending melt fields wrong: %+v", pm)
	}
}

func TestMeltInsufficientBalance(t *testing.T) {
	wallet := mint.NewMockWallet()
	melts := newFakeMeltStore()
	svc := NewService(wallet, melts)

	_, err := svc.Melt(context.Background(), "seller1", []string{wallet.NewToken(100)}, "lnmock500-test")
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if len(melts.melts) != 0 {
		t.Fatal("no pending melt should be written before the balance check passes")
	}
}

func TestMeltDefinitiveFailure(t *testing.T) {
	wallet := mint.NewMockWallet()
	wallet.MeltEndState = mint.QuoteUnpaid
	melts := newFakeMeltStore()
	svc := NewService(wallet, melts)
	ctx := context.Background()

	tokens := []string{wallet.NewToken(1000)}
	if _, err := svc.Melt(ctx, "seller1", tokens, "lnmock500-test"); !errors.Is(err, ErrPaymentFailed) {
		t.Fatalf("expected ErrPaymentFailed, got %v", err)
	}
	if pm := melts.only(t); pm.Status != store.MeltFailed {
		t.Fatalf("pending melt status = %s, want failed", pm.Status)
	}

	// Definitive failure leaves the proofs unconsumed; a retry works.
	wallet.MeltEndState = ""
	if _, err := svc.Melt(ctx, "seller1", tokens, "lnmock500-test"); err != nil {
		t.Fatalf("retry after definitive failure: %v", err)
	}
}

func TestMeltFailureRefundsConsumedProofs(t *testing.T) {
	wallet := mint.NewMockWallet()
	wallet.SwapBeforeMelt = true
	wallet.MeltEndState = mint.QuoteUnpaid
	melts := newFakeMeltStore()
	svc := NewService(wallet, melts)
	ctx := context.Background()

	tokens := []string{wallet.NewToken(1000)}
	_, err := svc.Melt(ctx, "seller1", tokens, "lnmock500-test")
	if !errors.Is(err, ErrPaymentFailed) {
		t.Fatalf("expected ErrPaymentFailed, got %v", err)
	}
	if pm := melts.only(t); pm.Status != store.MeltFailed {
		t.Fatalf("pending melt status = %s, want failed", pm.Status)
	}

	// The wallet spent the supplied token on the way in, so the failure
	// must carry a refund of the full value.
	var pf *PaymentFailedError
	if !errors.As(err, &pf) || pf.RefundToken == "" {
		t.Fatalf("failure carried no refund token: %v", err)
	}
	if v := svc.TokenValue(pf.RefundToken); v != 1000 {
		t.Errorf("refund worth %d sats, want 1000", v)
	}
	if _, err := wallet.Receive(ctx, tokens[0]); err == nil {
		t.Error("original token still spendable after refund was issued")
	}

	// Only the refund token funds a retry now.
	wallet.MeltEndState = ""
	if _, err := svc.Melt(ctx, "seller1", []string{pf.RefundToken}, "lnmock500-test"); err != nil {
		t.Fatalf("retry with refund token: %v", err)
	}
}

func TestMeltIndeterminate(t *testing.T) {
	t.Run("wallet error", func(t *testing.T) {
		wallet := mint.NewMockWallet()
		wallet.MeltErr = fmt.Errorf("connection reset")
		melts := newFakeMeltStore()
		svc := NewService(wallet, melts)

		_, err := svc.Melt(context.Background(), "seller1", []string{wallet.NewToken(1000)}, "lnmock500-test")
		if !errors.Is(err, ErrPaymentIndeterminate) {
			t.Fatalf("expected ErrPaymentIndeterminate, got %v", err)
		}
		if pm := melts.only(t); pm.Status != store.MeltPending {
			t.Fatalf("pending melt status = %s, want pending for the reconciler", pm.Status)
		}
	})

	t.Run("quote pending at mint", func(t *testing.T) {
		wallet := mint.NewMockWallet()
		wallet.MeltEndState = mint.QuotePending
		melts := newFakeMeltStore()
		svc := NewService(wallet, melts)

		_, err := svc.Melt(context.Background(), "seller1", []string{wallet.NewToken(1000)}, "lnmock500-test")
		if !errors.Is(err, ErrPaymentIndeterminate) {
			t.Fatalf("expected ErrPaymentIndeterminate, got %v", err)
		}
		if pm := melts.only(t); pm.Status != store.MeltPending {
			t.Fatalf("pending melt status = %s, want pending", pm.Status)
		}
	})
}

func TestInvoiceMintCycle(t *testing.T) {
	wallet := mint.NewMockWallet()
	svc := NewService(wallet, newFakeMeltStore())
	ctx := context.Background()

	quote, err := svc.CreateInvoice(ctx, 250)
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	if quote.Invoice == "" || quote.QuoteID == "" {
		t.Fatalf("incomplete quote: %+v", quote)
	}

	paid, err := svc.CheckPaid(ctx, quote.QuoteID)
	if err != nil {
		t.Fatalf("CheckPaid: %v", err)
	}
	if paid {
		t.Fatal("quote should be unpaid before the invoice settles")
	}

	wallet.SimulateInvoicePaid(quote.QuoteID)
	paid, err = svc.CheckPaid(ctx, quote.QuoteID)
	if err != nil {
		t.Fatalf("CheckPaid: %v", err)
	}
	if !paid {
		t.Fatal("quote should be paid after the invoice settles")
	}

	token, err := svc.MintAfterPayment(ctx, 250, quote.QuoteID)
	if err != nil {
		t.Fatalf("MintAfterPayment: %v", err)
	}
	if got := svc.TokenValue(token); got != 250 {
		t.Fatalf("minted token worth %d, want 250", got)
	}

	// A quote mints exactly once.
	if _, err := svc.MintAfterPayment(ctx, 250, quote.QuoteID); err == nil {
		t.Fatal("expected second mint against the same quote to fail")
	}

	if _, err := svc.CheckPaid(ctx, "unknown-quote"); err == nil {
		t.Fatal("expected error for unknown quote")
	}
}
