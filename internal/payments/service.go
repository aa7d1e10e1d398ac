// Package payments owns the per-payment lifecycle for both settlement
// flows: a buyer presenting a bearer token directly (pull) and a buyer
// paying a polled Lightning invoice (push). All Payment rows are
// written here and nowhere else.
package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"stashu/internal/ecash"
	"stashu/internal/logging"
	"stashu/internal/store"
	"stashu/internal/vault"
)

var (
	// ErrInFlight means the same payment is already being processed by a
	// concurrent request.
	ErrInFlight = errors.New("payment is processing, please wait")
	// ErrTokenReused means a previous attempt with this token failed; a
	// fresh token is required.
	ErrTokenReused = errors.New("previous payment failed, try with a new token")
	// ErrQuoteUnknown means no invoice binding exists for the quote.
	ErrQuoteUnknown = errors.New("unknown payment quote")
	// ErrQuoteMismatch means the quote was created for a different
	// stash. Returned on every poll, regardless of payment status.
	ErrQuoteMismatch = errors.New("quote does not belong to this stash")
	// ErrMintIncomplete means the invoice was paid but minting or
	// swapping failed afterward. The money is real; the reconciler will
	// finish the job.
	ErrMintIncomplete = errors.New("payment received but token processing failed, contact support")
	// ErrPaymentFailed is the terminal failure of a push payment.
	ErrPaymentFailed = errors.New("payment failed")
)

// SettleTrigger is invoked after every successful payment so the
// auto-settlement scheduler can check the seller's balance. Must never
// block or panic into the request path.
type SettleTrigger func(sellerPubkey string)

// UnlockResult is what a buyer gets once settlement succeeds.
type UnlockResult struct {
	SecretKey string
	BlobURL   string
	FileName  string
}

// PollResult is the outcome of one push-payment status poll.
type PollResult struct {
	Paid       bool
	Processing bool
	Unlock     *UnlockResult
}

// InvoiceResult is a freshly created, stash-bound Lightning invoice.
type InvoiceResult struct {
	Invoice    string
	QuoteID    string
	AmountSats int64
	ExpiresAt  time.Time
}

// Service is the payment state machine.
type Service struct {
	store     store.Store
	ecash     *ecash.Service
	vault     *vault.Vault
	onSettled SettleTrigger
}

// NewService creates the payment state machine. trigger may be nil.
func NewService(st store.Store, es *ecash.Service, v *vault.Vault, trigger SettleTrigger) *Service {
	if trigger == nil {
		trigger = func(string) {}
	}
	return &Service{store: st, ecash: es, vault: v, onSettled: trigger}
}

// TokenFingerprint hashes a presented token for the deterministic
// payment id. The raw token never touches the payments table.
func TokenFingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func pullPaymentID(stashID, fingerprint string) string {
	return stashID + "-" + fingerprint[:16]
}

func pushPaymentID(quoteID string) string {
	return "ln-" + quoteID
}

// Unlock settles a pull payment: the buyer presents a bearer token
// against a stash. Re-submitting the same token is idempotent.
func (s *Service) Unlock(ctx context.Context, stashID, token string) (*UnlockResult, error) {
	stash, err := s.store.GetStash(ctx, stashID)
	if err != nil {
		return nil, err
	}

	fingerprint := TokenFingerprint(token)
	paymentID := pullPaymentID(stashID, fingerprint)

	existing, err := s.store.GetPayment(ctx, paymentID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		switch existing.Status {
		case store.StatusPaid:
			return unlockFor(stash), nil
		case store.StatusPending, store.StatusProcessing:
			return nil, ErrInFlight
		default:
			return nil, ErrTokenReused
		}
	}

	err = s.store.InsertPayment(ctx, &store.Payment{
		ID:        paymentID,
		StashID:   stashID,
		Status:    store.StatusPending,
		TokenHash: fingerprint,
	})
	if errors.Is(err, store.ErrDuplicate) {
		// A concurrent request inserted the row between our read and
		// write; let it finish.
		return nil, ErrInFlight
	}
	if err != nil {
		return nil, err
	}

	sellerToken, err := s.ecash.VerifyAndSwap(ctx, token, stash.PriceSats)
	if err != nil {
		if markErr := s.store.MarkPaymentFailed(ctx, paymentID); markErr != nil {
			logging.Internal.Printf("payment %s: failed to mark failed: %v", paymentID, markErr)
		}
		return nil, err
	}

	if err := s.recordPaid(ctx, paymentID, sellerToken); err != nil {
		return nil, err
	}

	s.onSettled(stash.SellerPubkey)
	return unlockFor(stash), nil
}

// CreateInvoice starts a push payment. The quote→stash binding is
// persisted before the invoice is even returned, so a quote created for
// one stash can never be replayed against another.
func (s *Service) CreateInvoice(ctx context.Context, stashID string) (*InvoiceResult, error) {
	stash, err := s.store.GetStash(ctx, stashID)
	if err != nil {
		return nil, err
	}

	quote, err := s.ecash.CreateInvoice(ctx, stash.PriceSats)
	if err != nil {
		return nil, err
	}

	err = s.store.InsertPayment(ctx, &store.Payment{
		ID:        pushPaymentID(quote.QuoteID),
		StashID:   stashID,
		Status:    store.StatusPending,
		TokenHash: quote.QuoteID,
	})
	if err != nil {
		return nil, fmt.Errorf("bind quote to stash: %w", err)
	}

	return &InvoiceResult{
		Invoice:    quote.Invoice,
		QuoteID:    quote.QuoteID,
		AmountSats: stash.PriceSats,
		ExpiresAt:  quote.ExpiresAt,
	}, nil
}

// PollStatus checks whether a push payment's invoice has been paid and,
// exactly once, turns the paid invoice into custodied ecash. Safe to
// call from any number of concurrent pollers: a conditional update on
// the payment row decides the single winner.
func (s *Service) PollStatus(ctx context.Context, stashID, quoteID string) (*PollResult, error) {
	paymentID := pushPaymentID(quoteID)

	payment, err := s.store.GetPayment(ctx, paymentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrQuoteUnknown
	}
	if err != nil {
		return nil, err
	}

	// Re-validated on every poll, not just once.
	if payment.StashID != stashID {
		return nil, ErrQuoteMismatch
	}

	stash, err := s.store.GetStash(ctx, payment.StashID)
	if err != nil {
		return nil, err
	}

	switch payment.Status {
	case store.StatusPaid:
		return &PollResult{Paid: true, Unlock: unlockFor(stash)}, nil
	case store.StatusFailed:
		return nil, ErrPaymentFailed
	case store.StatusMintFailed:
		return nil, ErrMintIncomplete
	case store.StatusProcessing:
		return &PollResult{Processing: true}, nil
	}

	paid, err := s.ecash.CheckPaid(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	if !paid {
		return &PollResult{}, nil
	}

	claimed, err := s.store.ClaimPaymentProcessing(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		// Another poller won the claim; report state without redoing
		// any mint work.
		current, err := s.store.GetPayment(ctx, paymentID)
		if err != nil {
			return nil, err
		}
		switch current.Status {
		case store.StatusPaid:
			return &PollResult{Paid: true, Unlock: unlockFor(stash)}, nil
		case store.StatusFailed:
			return nil, ErrPaymentFailed
		case store.StatusMintFailed:
			return nil, ErrMintIncomplete
		default:
			return &PollResult{Processing: true}, nil
		}
	}

	if err := s.completeMint(ctx, stash, paymentID, quoteID); err != nil {
		return nil, err
	}
	return &PollResult{Paid: true, Unlock: unlockFor(stash)}, nil
}

// completeMint turns a paid invoice into an encrypted seller token. If
// anything fails after the invoice is confirmed paid, the payment moves
// to mint_failed — the money is real, so this never collapses into a
// plain failure.
func (s *Service) completeMint(ctx context.Context, stash *store.Stash, paymentID, quoteID string) error {
	minted, err := s.ecash.MintAfterPayment(ctx, stash.PriceSats, quoteID)
	if err != nil {
		return s.deferToRecovery(ctx, paymentID, quoteID, err)
	}

	sellerToken, err := s.ecash.VerifyAndSwap(ctx, minted, stash.PriceSats)
	if err != nil {
		return s.deferToRecovery(ctx, paymentID, quoteID, err)
	}

	if err := s.recordPaid(ctx, paymentID, sellerToken); err != nil {
		return err
	}

	s.onSettled(stash.SellerPubkey)
	return nil
}

func (s *Service) deferToRecovery(ctx context.Context, paymentID, quoteID string, cause error) error {
	logging.Internal.Printf("payment %s: mint/swap failed after paid invoice, deferring to recovery: %v", paymentID, cause)
	if err := s.store.MarkPaymentMintFailed(ctx, paymentID, quoteID); err != nil {
		logging.Internal.Printf("CRITICAL: payment %s: could not record mint_failed: %v", paymentID, err)
	}
	return ErrMintIncomplete
}

// recordPaid encrypts the seller token and marks the payment paid. If
// encryption fails the plaintext is stored instead — the vault's
// migration sweep picks it up on the next boot, and losing the token
// would lose real value.
func (s *Service) recordPaid(ctx context.Context, paymentID, sellerToken string) error {
	cipher, err := s.vault.Encrypt(sellerToken)
	if err != nil {
		logging.Internal.Printf("CRITICAL: payment %s: token encryption failed, storing plaintext: %v", paymentID, err)
		cipher = sellerToken
	}

	if err := s.store.MarkPaymentPaid(ctx, paymentID, cipher); err != nil {
		logging.Internal.Printf("CRITICAL: payment %s: paid at mint but local update failed: %v", paymentID, err)
		return err
	}
	return nil
}

// RecoverMintFailed retries the mint+swap for a payment left in
// mint_failed. Called by the startup reconciler; the stored token hash
// is the mint quote id.
func (s *Service) RecoverMintFailed(ctx context.Context, payment *store.Payment) error {
	stash, err := s.store.GetStash(ctx, payment.StashID)
	if err != nil {
		return err
	}

	minted, err := s.ecash.MintAfterPayment(ctx, stash.PriceSats, payment.TokenHash)
	if err != nil {
		return err
	}
	sellerToken, err := s.ecash.VerifyAndSwap(ctx, minted, stash.PriceSats)
	if err != nil {
		return err
	}

	if err := s.recordPaid(ctx, payment.ID, sellerToken); err != nil {
		return err
	}

	s.onSettled(stash.SellerPubkey)
	return nil
}

func unlockFor(stash *store.Stash) *UnlockResult {
	return &UnlockResult{
		SecretKey: stash.SecretKey,
		BlobURL:   stash.BlobURL,
		FileName:  stash.FileName,
	}
}
