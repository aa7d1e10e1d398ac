package settle

import (
	"context"

	"stashu/internal/ecash"
	"stashu/internal/logging"
	"stashu/internal/mint"
	"stashu/internal/payments"
	"stashu/internal/store"
)

// Reconciler resolves work interrupted by a crash: melts whose outcome
// was never observed, and paid invoices whose minting failed. Runs once
// at startup, before the server accepts traffic.
type Reconciler struct {
	store    store.Store
	ecash    *ecash.Service
	payments *payments.Service
}

// NewReconciler creates the startup reconciler.
func NewReconciler(st store.Store, es *ecash.Service, ps *payments.Service) *Reconciler {
	return &Reconciler{store: st, ecash: es, payments: ps}
}

// Run performs one full reconciliation pass. Individual rows that
// cannot be resolved are logged and left for the next startup; only a
// failure to read the work lists is an error.
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.resolvePendingMelts(ctx); err != nil {
		return err
	}
	return r.retryMintFailed(ctx)
}

// resolvePendingMelts asks the mint for the truth about each melt that
// never got a recorded outcome. Paid means the payout went through;
// unpaid or expired means the proofs were never consumed. Anything
// else stays pending, never guessed.
func (r *Reconciler) resolvePendingMelts(ctx context.Context) error {
	melts, err := r.store.ListPendingMelts(ctx, store.MeltPending)
	if err != nil {
		return err
	}
	if len(melts) > 0 {
		logging.Internal.Printf("reconciler: %d pending melt(s) to resolve", len(melts))
	}

	for _, pm := range melts {
		state, err := r.ecash.MeltQuoteState(ctx, pm.QuoteID)
		if err != nil {
			logging.Internal.Printf("reconciler: melt quote %s state check failed, leaving pending: %v", pm.QuoteID, err)
			continue
		}

		switch state {
		case mint.QuotePaid:
			// The payout happened; the rows it was meant to claim may
			// still look unclaimed, but their proofs are spent at the
			// mint, so a re-sweep cannot pay twice.
			if err := r.store.UpdatePendingMeltStatus(ctx, pm.ID, store.MeltCompleted); err != nil {
				logging.Internal.Printf("reconciler: melt %s resolved paid but update failed: %v", pm.QuoteID, err)
				continue
			}
			logging.Internal.Printf("reconciler: melt %s for %s confirmed paid (%d sats)", pm.QuoteID, pm.SellerPubkey, pm.AmountSats)
		case mint.QuoteUnpaid, mint.QuoteExpired:
			if err := r.store.UpdatePendingMeltStatus(ctx, pm.ID, store.MeltFailed); err != nil {
				logging.Internal.Printf("reconciler: melt %s resolved failed but update failed: %v", pm.QuoteID, err)
				continue
			}
			logging.Internal.Printf("reconciler: melt %s for %s did not go through, balance untouched", pm.QuoteID, pm.SellerPubkey)
		default:
			logging.Internal.Printf("reconciler: melt %s still %s at the mint, leaving pending", pm.QuoteID, state)
		}
	}
	return nil
}

// retryMintFailed finishes payments whose invoice was paid but whose
// minting failed. The quote id was preserved on the payment row, so
// the mint can still issue against it.
func (r *Reconciler) retryMintFailed(ctx context.Context) error {
	failed, err := r.store.ListMintFailedPayments(ctx)
	if err != nil {
		return err
	}
	if len(failed) > 0 {
		logging.Internal.Printf("reconciler: %d mint-failed payment(s) to retry", len(failed))
	}

	for _, p := range failed {
		if err := r.payments.RecoverMintFailed(ctx, p); err != nil {
			logging.Internal.Printf("reconciler: payment %s still not recoverable: %v", p.ID, err)
			continue
		}
		logging.Internal.Printf("reconciler: payment %s recovered", p.ID)
	}
	return nil
}
