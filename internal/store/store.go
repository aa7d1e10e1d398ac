package store

import (
	"context"
	"time"
)

// Payment lifecycle states. Terminal states are StatusPaid and
// StatusFailed; StatusMintFailed is recoverable by the reconciler only.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusPaid       = "paid"
	StatusFailed     = "failed"
	StatusMintFailed = "mint_failed"
)

// Pending melt states.
const (
	MeltPending   = "pending"
	MeltCompleted = "completed"
	MeltFailed    = "failed"
)

// Settlement log states.
const (
	SettlementSuccess = "success"
	SettlementFailed  = "failed"
	SettlementSkipped = "skipped"
)

// Stash is a published encrypted file behind a price. Immutable after
// creation and owned exclusively by its seller.
type Stash struct {
	ID           string
	BlobURL      string
	SecretKey    string
	SellerPubkey string
	PriceSats    int64
	Title        string
	Description  string
	FileName     string
	FileSize     int64
	PreviewURL   string
	CreatedAt    time.Time
}

// Payment is one settlement attempt against a stash. The id is
// deterministic: hash-derived for token payments, "ln-"+quoteId for
// Lightning payments, which makes re-submission naturally idempotent.
type Payment struct {
	ID          string
	StashID     string
	Status      string
	TokenHash   string // token fingerprint (pull) or mint quote id (push)
	SellerToken string // vault ciphertext, empty until paid
	Claimed     bool
	CreatedAt   time.Time
	PaidAt      time.Time
}

// UnclaimedPayment is a paid, unclaimed payment joined with its price.
type UnclaimedPayment struct {
	PaymentID   string
	SellerToken string
	AmountSats  int64
}

// ChangeProof is leftover ecash returned by the mint when a melt does
// not exactly consume the supplied proofs. Kept until consumed so the
// value is never silently lost.
type ChangeProof struct {
	ID           string
	SellerPubkey string
	Ciphertext   string
	AmountSats   int64
	Source       string
	Consumed     bool
	CreatedAt    time.Time
}

// PendingMelt is written before a melt is attempted so a crash between
// "proofs spent" and "payment confirmed" is recoverable.
type PendingMelt struct {
	ID           int64
	SellerPubkey string
	QuoteID      string
	ProofsJSON   string
	Invoice      string
	AmountSats   int64
	Status       string
	CreatedAt    time.Time
}

// SellerSettings holds a seller's payout configuration.
type SellerSettings struct {
	Pubkey              string
	LNAddress           string
	AutoSettleThreshold int64
	UpdatedAt           time.Time
}

// SettlementLogEntry is an append-only audit row; inserted, never
// mutated.
type SettlementLogEntry struct {
	ID           string
	SellerPubkey string
	Status       string
	AmountSats   int64
	FeeSats      int64
	NetSats      int64
	Destination  string
	Error        string
	CreatedAt    time.Time
}

// StashStats is a per-stash sales summary for the seller dashboard.
type StashStats struct {
	ID          string
	Title       string
	PriceSats   int64
	UnlockCount int64
	TotalEarned int64
	CreatedAt   time.Time
}

// Store defines the persistence interface for the settlement engine.
type Store interface {
	// Stashes
	SaveStash(ctx context.Context, s *Stash) error
	GetStash(ctx context.Context, id string) (*Stash, error)

	// Payments
	InsertPayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id string) (*Payment, error)
	// ClaimPaymentProcessing atomically moves a payment from pending to
	// processing. Returns false if another caller already claimed it.
	ClaimPaymentProcessing(ctx context.Context, id string) (bool, error)
	MarkPaymentPaid(ctx context.Context, id, sellerTokenCipher string) error
	MarkPaymentFailed(ctx context.Context, id string) error
	MarkPaymentMintFailed(ctx context.Context, id, quoteID string) error
	ListMintFailedPayments(ctx context.Context) ([]*Payment, error)
	UnclaimedPayments(ctx context.Context, sellerPubkey string) ([]*UnclaimedPayment, error)
	CleanupStalePayments(ctx context.Context, pendingTTL, processingTTL, invoiceTTL time.Duration) (int, error)

	// Change proofs
	SaveChangeProof(ctx context.Context, cp *ChangeProof) error
	UnconsumedChangeProofs(ctx context.Context, sellerPubkey string) ([]*ChangeProof, error)
	// MarkSettled marks payments claimed and change proofs consumed in a
	// single transaction.
	MarkSettled(ctx context.Context, paymentIDs, changeProofIDs []string) error

	// Pending melts
	InsertPendingMelt(ctx context.Context, pm *PendingMelt) (int64, error)
	UpdatePendingMeltStatus(ctx context.Context, id int64, status string) error
	ListPendingMelts(ctx context.Context, status string) ([]*PendingMelt, error)

	// Seller settings
	GetSellerSettings(ctx context.Context, pubkey string) (*SellerSettings, error)
	UpsertSellerSettings(ctx context.Context, s *SellerSettings) error

	// Settlement log
	AppendSettlement(ctx context.Context, e *SettlementLogEntry) error
	ListSettlements(ctx context.Context, sellerPubkey string, limit int) ([]*SettlementLogEntry, error)

	// Dashboard
	SellerStashStats(ctx context.Context, sellerPubkey string) ([]*StashStats, error)

	Close() error
}
