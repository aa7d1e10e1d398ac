// Package settle moves custodied ecash out to sellers: threshold-based
// automatic sweeps to a Lightning address, manual invoice withdrawals,
// and the startup reconciliation of interrupted work.
package settle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"stashu/internal/ecash"
	"stashu/internal/lnurl"
	"stashu/internal/logging"
	"stashu/internal/store"
	"stashu/internal/vault"
)

// ErrNoBalance means the seller has nothing unclaimed to pay out.
var ErrNoBalance = errors.New("no unclaimed balance")

const settleTimeout = 2 * time.Minute

// Scheduler runs auto-settlement sweeps. At most one sweep per seller
// runs at a time; triggers arriving during a sweep are dropped, the
// next successful payment re-triggers anyway.
type Scheduler struct {
	store    store.Store
	ecash    *ecash.Service
	vault    *vault.Vault
	resolver lnurl.Resolver

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewScheduler creates the auto-settlement scheduler.
func NewScheduler(st store.Store, es *ecash.Service, v *vault.Vault, r lnurl.Resolver) *Scheduler {
	return &Scheduler{
		store:    st,
		ecash:    es,
		vault:    v,
		resolver: r,
		inFlight: make(map[string]bool),
	}
}

// Trigger starts a sweep for the seller in the background. Errors are
// logged, never returned: the payment that triggered the sweep has
// already succeeded and its response must not depend on the payout.
func (s *Scheduler) Trigger(sellerPubkey string) {
	s.mu.Lock()
	if s.inFlight[sellerPubkey] {
		s.mu.Unlock()
		return
	}
	s.inFlight[sellerPubkey] = true
	s.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Settle.Printf("panic in settlement sweep for %s: %v", sellerPubkey, r)
			}
			s.mu.Lock()
			delete(s.inFlight, sellerPubkey)
			s.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
		defer cancel()
		if err := s.SettleSeller(ctx, sellerPubkey); err != nil {
			logging.Settle.Printf("settlement sweep for %s: %v", sellerPubkey, err)
		}
	}()
}

// SettleSeller sweeps a seller's unclaimed balance to their Lightning
// address if it meets their threshold. Fees come out of the balance:
// the payout is quoted once at the full amount to learn the fee, then
// re-resolved at balance minus fee so the melt can actually be funded.
func (s *Scheduler) SettleSeller(ctx context.Context, sellerPubkey string) error {
	settings, err := s.store.GetSellerSettings(ctx, sellerPubkey)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if settings.LNAddress == "" || settings.AutoSettleThreshold <= 0 {
		return nil
	}

	balance, err := s.gatherBalance(ctx, sellerPubkey)
	if err != nil {
		return err
	}
	if balance.total < settings.AutoSettleThreshold {
		return nil
	}

	logging.Settle.Printf("sweeping %d sats for %s to %s", balance.total, sellerPubkey, settings.LNAddress)

	// First pass: learn the fee for paying out the full balance.
	probeInvoice, err := s.resolver.Resolve(ctx, settings.LNAddress, balance.total)
	if err != nil {
		return s.logFailure(ctx, sellerPubkey, settings.LNAddress, balance.total, err)
	}
	quote, err := s.ecash.QuoteMelt(ctx, probeInvoice)
	if err != nil {
		return s.logFailure(ctx, sellerPubkey, settings.LNAddress, balance.total, err)
	}

	net := balance.total - quote.FeeSats
	if net <= 0 {
		return s.logSkip(ctx, sellerPubkey, settings.LNAddress, balance.total, quote.FeeSats,
			fmt.Sprintf("fee %d sats exceeds balance", quote.FeeSats))
	}

	// Second pass: a fresh invoice for the net amount, so balance
	// covers amount plus fee.
	invoice, err := s.resolver.Resolve(ctx, settings.LNAddress, net)
	if errors.Is(err, lnurl.ErrAmountOutOfRange) {
		return s.logSkip(ctx, sellerPubkey, settings.LNAddress, balance.total, quote.FeeSats, err.Error())
	}
	if err != nil {
		return s.logFailure(ctx, sellerPubkey, settings.LNAddress, balance.total, err)
	}

	outcome, err := s.ecash.Melt(ctx, sellerPubkey, balance.tokens, invoice)
	if err != nil {
		s.preserveRefund(ctx, sellerPubkey, balance, err)
		return s.logFailure(ctx, sellerPubkey, settings.LNAddress, balance.total, err)
	}

	s.finish(ctx, sellerPubkey, balance, outcome)

	entry := &store.SettlementLogEntry{
		ID:           uuid.NewString(),
		SellerPubkey: sellerPubkey,
		Status:       store.SettlementSuccess,
		AmountSats:   balance.total,
		FeeSats:      outcome.FeeSats,
		NetSats:      outcome.AmountSats,
		Destination:  settings.LNAddress,
	}
	if err := s.store.AppendSettlement(ctx, entry); err != nil {
		logging.Settle.Printf("settlement for %s succeeded but log append failed: %v", sellerPubkey, err)
	}
	logging.Settle.Printf("swept %d sats (fee %d) for %s", outcome.AmountSats, outcome.FeeSats, sellerPubkey)
	return nil
}

// sellerBalance is everything a seller could pay out right now.
type sellerBalance struct {
	total          int64
	tokens         []string
	paymentIDs     []string
	changeProofIDs []string
}

// gatherBalance collects and decrypts the seller's unclaimed payment
// tokens and unconsumed change proofs. A row that fails to decrypt
// aborts the sweep rather than silently shrinking the payout.
func (s *Scheduler) gatherBalance(ctx context.Context, sellerPubkey string) (*sellerBalance, error) {
	unclaimed, err := s.store.UnclaimedPayments(ctx, sellerPubkey)
	if err != nil {
		return nil, err
	}
	change, err := s.store.UnconsumedChangeProofs(ctx, sellerPubkey)
	if err != nil {
		return nil, err
	}

	b := &sellerBalance{}
	for _, p := range unclaimed {
		token, err := s.vault.Decrypt(p.SellerToken)
		if err != nil {
			return nil, fmt.Errorf("decrypt token for payment %s: %w", p.PaymentID, err)
		}
		b.tokens = append(b.tokens, token)
		b.paymentIDs = append(b.paymentIDs, p.PaymentID)
		b.total += p.AmountSats
	}
	for _, cp := range change {
		token, err := s.vault.Decrypt(cp.Ciphertext)
		if err != nil {
			return nil, fmt.Errorf("decrypt change proof %s: %w", cp.ID, err)
		}
		b.tokens = append(b.tokens, token)
		b.changeProofIDs = append(b.changeProofIDs, cp.ID)
		b.total += cp.AmountSats
	}
	return b, nil
}

// finish records the post-melt bookkeeping: stores any change the mint
// returned, then marks the swept rows settled. Errors here are logged
// loudly but cannot be returned as failure, the Lightning payment has
// already happened.
func (s *Scheduler) finish(ctx context.Context, sellerPubkey string, balance *sellerBalance, outcome *ecash.MeltOutcome) {
	if outcome.ChangeToken != "" {
		if err := s.storeChange(ctx, sellerPubkey, outcome.ChangeToken, "melt_change"); err != nil {
			logging.Settle.Printf("CRITICAL: change from sweep for %s not stored: %v", sellerPubkey, err)
		}
	}
	if err := s.store.MarkSettled(ctx, balance.paymentIDs, balance.changeProofIDs); err != nil {
		logging.Settle.Printf("CRITICAL: sweep for %s paid out but rows not marked settled: %v", sellerPubkey, err)
	}
}

// preserveRefund re-custodies value the wallet re-issued after a failed
// payment. The swept rows now reference spent tokens, so the refund
// token replaces them: it is saved as a change proof first, then the
// dead rows are retired so the next sweep decrypts only live tokens.
func (s *Scheduler) preserveRefund(ctx context.Context, sellerPubkey string, balance *sellerBalance, cause error) {
	var pf *ecash.PaymentFailedError
	if !errors.As(cause, &pf) || pf.RefundToken == "" {
		return
	}
	if err := s.storeChange(ctx, sellerPubkey, pf.RefundToken, "melt_refund"); err != nil {
		logging.Settle.Printf("CRITICAL: refund from failed payout for %s not stored: %v", sellerPubkey, err)
		return
	}
	if err := s.store.MarkSettled(ctx, balance.paymentIDs, balance.changeProofIDs); err != nil {
		logging.Settle.Printf("CRITICAL: refund for %s stored but spent rows not retired: %v", sellerPubkey, err)
	}
}

func (s *Scheduler) storeChange(ctx context.Context, sellerPubkey, token, source string) error {
	cipher, err := s.vault.Encrypt(token)
	if err != nil {
		// Plaintext beats losing the value; the migration sweep
		// encrypts it on the next boot.
		cipher = token
	}
	return s.store.SaveChangeProof(ctx, &store.ChangeProof{
		ID:           uuid.NewString(),
		SellerPubkey: sellerPubkey,
		Ciphertext:   cipher,
		AmountSats:   s.ecash.TokenValue(token),
		Source:       source,
	})
}

func (s *Scheduler) logFailure(ctx context.Context, sellerPubkey, destination string, amount int64, cause error) error {
	entry := &store.SettlementLogEntry{
		ID:           uuid.NewString(),
		SellerPubkey: sellerPubkey,
		Status:       store.SettlementFailed,
		AmountSats:   amount,
		Destination:  destination,
		Error:        cause.Error(),
	}
	if err := s.store.AppendSettlement(ctx, entry); err != nil {
		logging.Settle.Printf("failed settlement for %s not logged: %v", sellerPubkey, err)
	}
	return cause
}

func (s *Scheduler) logSkip(ctx context.Context, sellerPubkey, destination string, amount, fee int64, reason string) error {
	entry := &store.SettlementLogEntry{
		ID:           uuid.NewString(),
		SellerPubkey: sellerPubkey,
		Status:       store.SettlementSkipped,
		AmountSats:   amount,
		FeeSats:      fee,
		Destination:  destination,
		Error:        reason,
	}
	if err := s.store.AppendSettlement(ctx, entry); err != nil {
		logging.Settle.Printf("skipped settlement for %s not logged: %v", sellerPubkey, err)
	}
	logging.Settle.Printf("sweep for %s skipped: %s", sellerPubkey, reason)
	return nil
}
