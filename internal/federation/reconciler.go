package federation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kea-semester-1/best-bank-as/internal/ledger"
	"github.com/kea-semester-1/best-bank-as/internal/notification"
	"github.com/kea-semester-1/best-bank-as/internal/transfer"
)

// Reconciler reverses outgoing transfers that stayed pending too long, giving
// the money back to the sender.
type Reconciler struct {
	store    ledger.Store
	engine   *transfer.Engine
	notifier notification.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewReconciler builds a reconciler. A nil notifier disables notifications.
func NewReconciler(store ledger.Store, engine *transfer.Engine, notifier notification.Notifier, logger *slog.Logger) *Reconciler {
	if notifier == nil {
		notifier = notification.Nop{}
	}
	return &Reconciler{
		store:    store,
		engine:   engine,
		notifier: notifier,
		logger:   logger.With("component", "federation.reconciler"),
		now:      time.Now,
	}
}

// Sweep reverses every federated entry pending for longer than olderThan and
// returns how many were reversed. A failed reversal is logged and the sweep
// moves on.
func (r *Reconciler) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	stale, err := r.store.PendingEntries(ctx, r.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}

	reversed := 0
	for _, entry := range stale {
		if !entry.Federated() {
			continue
		}
		leg, changed, err := r.engine.Reverse(ctx, entry.TransactionID)
		if err != nil {
			r.logger.ErrorContext(ctx, "reverse stale transfer",
				slog.String("transaction_id", entry.TransactionID.String()),
				slog.Any("error", err))
			continue
		}
		if !changed {
			continue
		}
		reversed++

		if account, err := r.store.Account(ctx, leg.AccountID); err == nil && account.OwnerID != "" {
			if err := r.notifier.Send(ctx, notification.Message{
				Kind:        notification.KindExternalReversed,
				Destination: account.OwnerID,
				Body:        fmt.Sprintf("Your transfer of %s to %s could not be delivered and was refunded", leg.Amount.Neg(), leg.PeerAccount),
			}); err != nil {
				r.logger.WarnContext(ctx, "notify reversal", slog.Any("error", err))
			}
		}
	}
	return reversed, nil
}

// Run sweeps every interval until ctx is done. It returns at once when
// olderThan is zero, which leaves the sweep disabled.
func (r *Reconciler) Run(ctx context.Context, olderThan, interval time.Duration) {
	if olderThan <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Sweep(ctx, olderThan)
			if err != nil {
				r.logger.ErrorContext(ctx, "reconciliation sweep failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				r.logger.InfoContext(ctx, "reconciliation sweep", slog.Int("reversed", n))
			}
		}
	}
}
