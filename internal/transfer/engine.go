// Package transfer executes every write to the journal: internal transfers,
// the local legs of federated transfers, and their settlement.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kea-semester-1/best-bank-as/internal/ledger"
	"github.com/kea-semester-1/best-bank-as/internal/money"
	"github.com/kea-semester-1/best-bank-as/internal/notification"
)

// Engine validates transfers and records them atomically through the store.
type Engine struct {
	store    ledger.Store
	notifier notification.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine constructs a transfer engine. A nil notifier disables notifications.
func NewEngine(store ledger.Store, notifier notification.Notifier, logger *slog.Logger) *Engine {
	if notifier == nil {
		notifier = notification.Nop{}
	}
	return &Engine{store: store, notifier: notifier, logger: logger.With("component", "transfer"), now: time.Now}
}

// Transfer moves amount from source to destination as one transaction with
// two balancing entries. The checks run in this order: amount, same account,
// destination status, funds. Funds are read after both account rows are
// locked, inside the same unit of work as the write.
func (e *Engine) Transfer(ctx context.Context, source, destination int64, amount money.Money) (uuid.UUID, error) {
	if !amount.IsPositive() {
		return uuid.Nil, ledger.ErrInvalidAmount
	}
	if source == destination {
		return uuid.Nil, ledger.ErrSameAccount
	}

	var (
		txID uuid.UUID
		dest ledger.Account
	)
	err := e.store.WithinTx(ctx, func(tx ledger.Tx) error {
		accounts, err := tx.LockAccounts(ctx, source, destination)
		if err != nil {
			return err
		}
		dest = accounts[destination]
		if !dest.Status.Transferable() {
			return ledger.ErrDestinationNotTransferable
		}
		if err := ensureFunds(ctx, tx, accounts[source], amount); err != nil {
			return err
		}

		created, err := tx.CreateTransaction(ctx, "")
		if err != nil {
			return err
		}
		if _, err := tx.AppendEntry(ctx, ledger.Entry{TransactionID: created.ID, AccountID: source, Amount: amount.Neg()}); err != nil {
			return err
		}
		if _, err := tx.AppendEntry(ctx, ledger.Entry{TransactionID: created.ID, AccountID: destination, Amount: amount}); err != nil {
			return err
		}
		txID = created.ID
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}

	e.logger.InfoContext(ctx, "transfer committed",
		slog.String("transaction_id", txID.String()),
		slog.Int64("source", source),
		slog.Int64("destination", destination),
		slog.String("amount", amount.String()))

	if dest.OwnerID != "" {
		if err := e.notifier.Send(ctx, notification.Message{
			Kind:        notification.KindTransferReceived,
			Destination: dest.OwnerID,
			Body:        fmt.Sprintf("You received %s from account %d", amount, source),
		}); err != nil {
			e.logger.WarnContext(ctx, "notify transfer", slog.Any("error", err))
		}
	}

	return txID, nil
}

// ExternalDebit describes the local leg of a transfer to a peer bank.
type ExternalDebit struct {
	Source      int64
	Bank        ledger.Bank
	PeerAccount string
	Amount      money.Money
}

// Debit records the pending local leg of an outgoing federated transfer: one
// negative entry tagged with the destination bank.
func (e *Engine) Debit(ctx context.Context, in ExternalDebit) (ledger.Entry, error) {
	if !in.Amount.IsPositive() {
		return ledger.Entry{}, ledger.ErrInvalidAmount
	}
	if in.Bank.ID == 0 {
		return ledger.Entry{}, ledger.ErrBankNotFound
	}

	var entry ledger.Entry
	err := e.store.WithinTx(ctx, func(tx ledger.Tx) error {
		accounts, err := tx.LockAccounts(ctx, in.Source)
		if err != nil {
			return err
		}
		if err := ensureFunds(ctx, tx, accounts[in.Source], in.Amount); err != nil {
			return err
		}
		created, err := tx.CreateTransaction(ctx, "")
		if err != nil {
			return err
		}
		entry, err = tx.AppendEntry(ctx, ledger.Entry{
			TransactionID: created.ID,
			AccountID:     in.Source,
			Amount:        in.Amount.Neg(),
			BankID:        in.Bank.ID,
			PeerAccount:   in.PeerAccount,
			Status:        ledger.EntryPending,
		})
		return err
	})
	if err != nil {
		return ledger.Entry{}, err
	}

	e.logger.InfoContext(ctx, "external debit recorded",
		slog.String("transaction_id", entry.TransactionID.String()),
		slog.Int64("source", in.Source),
		slog.String("bank", in.Bank.RegistrationNumber),
		slog.String("amount", in.Amount.String()))
	return entry, nil
}

// ExternalCredit describes a transfer received from a peer bank.
type ExternalCredit struct {
	Destination int64
	Bank        ledger.Bank
	PeerAccount string
	Amount      money.Money
	// Key is the sender's idempotency key. A repeated key yields the original
	// transaction together with ledger.ErrDuplicateTransaction.
	Key string
}

// Credit records the local leg of an incoming federated transfer.
func (e *Engine) Credit(ctx context.Context, in ExternalCredit) (uuid.UUID, error) {
	if !in.Amount.IsPositive() {
		return uuid.Nil, ledger.ErrInvalidAmount
	}

	var txID uuid.UUID
	err := e.store.WithinTx(ctx, func(tx ledger.Tx) error {
		if in.Key != "" {
			existing, err := tx.TransactionByExternalKey(ctx, in.Key)
			if err == nil {
				txID = existing.ID
				return ledger.ErrDuplicateTransaction
			}
			if !errors.Is(err, ledger.ErrTransactionNotFound) {
				return err
			}
		}

		accounts, err := tx.LockAccounts(ctx, in.Destination)
		if err != nil {
			return err
		}
		if !accounts[in.Destination].Status.Transferable() {
			return ledger.ErrDestinationNotTransferable
		}
		created, err := tx.CreateTransaction(ctx, in.Key)
		if err != nil {
			return err
		}
		if _, err := tx.AppendEntry(ctx, ledger.Entry{
			TransactionID: created.ID,
			AccountID:     in.Destination,
			Amount:        in.Amount,
			BankID:        in.Bank.ID,
			PeerAccount:   in.PeerAccount,
			Status:        ledger.EntryProcessed,
		}); err != nil {
			return err
		}
		txID = created.ID
		return nil
	})
	if errors.Is(err, ledger.ErrDuplicateTransaction) {
		if txID == uuid.Nil {
			// Lost a race on the unique key; the winner's row is committed now.
			found, lookupErr := e.transactionByKey(ctx, in.Key)
			if lookupErr != nil {
				e.logger.ErrorContext(ctx, "look up duplicate external credit",
					slog.String("key", in.Key), slog.Any("error", lookupErr))
				return uuid.Nil, errors.Join(err, lookupErr)
			}
			txID = found
		}
		return txID, err
	}
	if err != nil {
		return uuid.Nil, err
	}

	e.logger.InfoContext(ctx, "external credit recorded",
		slog.String("transaction_id", txID.String()),
		slog.Int64("destination", in.Destination),
		slog.String("bank", in.Bank.RegistrationNumber),
		slog.String("amount", in.Amount.String()))
	return txID, nil
}

// Finalize marks the pending federated leg of txID processed. It reports
// false when there was nothing pending, so repeated calls are harmless.
func (e *Engine) Finalize(ctx context.Context, txID uuid.UUID) (ledger.Entry, bool, error) {
	var (
		leg     ledger.Entry
		changed bool
	)
	err := e.store.WithinTx(ctx, func(tx ledger.Tx) error {
		entries, err := tx.EntriesForUpdate(ctx, txID)
		if err != nil {
			return err
		}
		var ok bool
		leg, ok = pendingLeg(entries)
		if !ok {
			leg = entries[0]
			return nil
		}
		if err := tx.SetEntryStatus(ctx, leg.ID, ledger.EntryProcessed); err != nil {
			return err
		}
		if err := tx.SetSettlementLease(ctx, txID, time.Time{}); err != nil {
			return err
		}
		leg.Status = ledger.EntryProcessed
		changed = true
		return nil
	})
	if err != nil {
		return ledger.Entry{}, false, err
	}
	return leg, changed, nil
}

// Reverse rejects the pending federated leg of txID and appends a processed
// compensating entry to the same account and transaction, so the local legs
// of the transaction sum to zero again. A leg whose settlement lease is still
// live is left alone and reported unchanged.
func (e *Engine) Reverse(ctx context.Context, txID uuid.UUID) (ledger.Entry, bool, error) {
	var (
		leg     ledger.Entry
		changed bool
	)
	err := e.store.WithinTx(ctx, func(tx ledger.Tx) error {
		entries, err := tx.EntriesForUpdate(ctx, txID)
		if err != nil {
			return err
		}
		var ok bool
		leg, ok = pendingLeg(entries)
		if !ok {
			leg = entries[0]
			return nil
		}
		until, err := tx.SettlementLease(ctx, txID)
		if err != nil {
			return err
		}
		if e.now().Before(until) {
			e.logger.InfoContext(ctx, "reversal skipped, settlement in flight",
				slog.String("transaction_id", txID.String()),
				slog.Time("lease_until", until))
			return nil
		}
		if err := tx.SetEntryStatus(ctx, leg.ID, ledger.EntryRejected); err != nil {
			return err
		}
		if _, err := tx.AppendEntry(ctx, ledger.Entry{
			TransactionID: txID,
			AccountID:     leg.AccountID,
			Amount:        leg.Amount.Neg(),
			BankID:        leg.BankID,
			PeerAccount:   leg.PeerAccount,
			Status:        ledger.EntryProcessed,
		}); err != nil {
			return err
		}
		leg.Status = ledger.EntryRejected
		changed = true
		return nil
	})
	if err != nil {
		return ledger.Entry{}, false, err
	}
	if changed {
		e.logger.WarnContext(ctx, "external debit reversed",
			slog.String("transaction_id", txID.String()),
			slog.Int64("account", leg.AccountID),
			slog.String("amount", leg.Amount.Neg().String()))
	}
	return leg, changed, nil
}

func (e *Engine) transactionByKey(ctx context.Context, key string) (uuid.UUID, error) {
	var id uuid.UUID
	err := e.store.WithinTx(ctx, func(tx ledger.Tx) error {
		found, err := tx.TransactionByExternalKey(ctx, key)
		id = found.ID
		return err
	})
	return id, err
}

// ensureFunds rejects the debit when the locked source cannot cover it. The
// internal settlement account funds every other account and is exempt.
func ensureFunds(ctx context.Context, tx ledger.Tx, source ledger.Account, amount money.Money) error {
	if source.Internal() {
		return nil
	}
	balance, err := tx.Balance(ctx, source.ID)
	if err != nil {
		return err
	}
	if balance.LessThan(amount) {
		return ledger.ErrInsufficientFunds
	}
	return nil
}

// ClaimSettlement takes the settlement lease of txID for lease. It reports
// false when the transaction has no pending federated leg any more, and
// fails with ledger.ErrSettlementInFlight while another lease is live.
func (e *Engine) ClaimSettlement(ctx context.Context, txID uuid.UUID, lease time.Duration) (ledger.Entry, bool, error) {
	var (
		leg     ledger.Entry
		claimed bool
	)
	err := e.store.WithinTx(ctx, func(tx ledger.Tx) error {
		entries, err := tx.EntriesForUpdate(ctx, txID)
		if err != nil {
			return err
		}
		var ok bool
		if leg, ok = pendingLeg(entries); !ok {
			return nil
		}
		until, err := tx.SettlementLease(ctx, txID)
		if err != nil {
			return err
		}
		now := e.now()
		if now.Before(until) {
			return ledger.ErrSettlementInFlight
		}
		if err := tx.SetSettlementLease(ctx, txID, now.Add(lease)); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil {
		return ledger.Entry{}, false, err
	}
	return leg, claimed, nil
}

// ReleaseSettlement drops the settlement lease of txID so the leg can be
// retried or reversed.
func (e *Engine) ReleaseSettlement(ctx context.Context, txID uuid.UUID) error {
	return e.store.WithinTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.EntriesForUpdate(ctx, txID); err != nil {
			return err
		}
		return tx.SetSettlementLease(ctx, txID, time.Time{})
	})
}

func pendingLeg(entries []ledger.Entry) (ledger.Entry, bool) {
	for _, entry := range entries {
		if entry.Federated() && entry.Status == ledger.EntryPending {
			return entry, true
		}
	}
	return ledger.Entry{}, false
}
