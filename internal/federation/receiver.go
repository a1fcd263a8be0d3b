package federation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/kea-semester-1/best-bank-as/internal/ledger"
	"github.com/kea-semester-1/best-bank-as/internal/money"
	"github.com/kea-semester-1/best-bank-as/internal/notification"
	"github.com/kea-semester-1/best-bank-as/internal/transfer"
)

// InboundTransfer is a transfer pushed to us by a peer bank.
type InboundTransfer struct {
	SenderRegistration string
	SourceAccount      string
	DestinationAccount int64
	Amount             money.Money
	// Key is the sender's Idempotency-Key. It is scoped by the sender's
	// registration number before it is stored.
	Key string
}

// Receiver credits local accounts with transfers from peer banks.
type Receiver struct {
	store    ledger.Store
	engine   *transfer.Engine
	notifier notification.Notifier
	logger   *slog.Logger
}

// NewReceiver builds a receiver. A nil notifier disables notifications.
func NewReceiver(store ledger.Store, engine *transfer.Engine, notifier notification.Notifier, logger *slog.Logger) *Receiver {
	if notifier == nil {
		notifier = notification.Nop{}
	}
	return &Receiver{store: store, engine: engine, notifier: notifier, logger: logger.With("component", "federation.receiver")}
}

// Receive records the credit. A repeated key returns the original
// transaction id together with ledger.ErrDuplicateTransaction.
func (r *Receiver) Receive(ctx context.Context, in InboundTransfer) (uuid.UUID, error) {
	bank, err := r.store.BankByRegistration(ctx, in.SenderRegistration)
	if errors.Is(err, ledger.ErrBankNotFound) {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrDestinationBankUnknown, in.SenderRegistration)
	}
	if err != nil {
		return uuid.Nil, err
	}

	key := ""
	if in.Key != "" {
		key = bank.RegistrationNumber + ":" + in.Key
	}
	txID, err := r.engine.Credit(ctx, transfer.ExternalCredit{
		Destination: in.DestinationAccount,
		Bank:        bank,
		PeerAccount: in.SourceAccount,
		Amount:      in.Amount,
		Key:         key,
	})
	if err != nil {
		return txID, err
	}

	if account, err := r.store.Account(ctx, in.DestinationAccount); err == nil && account.OwnerID != "" {
		if err := r.notifier.Send(ctx, notification.Message{
			Kind:        notification.KindTransferReceived,
			Destination: account.OwnerID,
			Body:        fmt.Sprintf("You received %s from %s at bank %s", in.Amount, in.SourceAccount, bank.RegistrationNumber),
		}); err != nil {
			r.logger.WarnContext(ctx, "notify inbound transfer", slog.Any("error", err))
		}
	}
	return txID, nil
}
