// Package account manages account records and derives their balances and
// transaction history from the journal.
package account

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kea-semester-1/best-bank-as/internal/ledger"
	"github.com/kea-semester-1/best-bank-as/internal/money"
)

// Service exposes account operations backed by the ledger store.
type Service struct {
	store  ledger.Store
	logger *slog.Logger
}

// NewService builds an account service instance.
func NewService(store ledger.Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger.With("component", "account")}
}

// CreateInput captures data required to open an account.
type CreateInput struct {
	OwnerID        string
	Classification ledger.Classification
	Status         ledger.AccountStatus
}

// Create opens an account. Status defaults to pending; an owner may only have
// one pending account at a time.
func (s *Service) Create(ctx context.Context, in CreateInput) (ledger.Account, error) {
	if in.Classification == "" {
		in.Classification = ledger.ClassChecking
	}
	if in.Status == "" {
		in.Status = ledger.StatusPending
	}
	if !in.Classification.Valid() {
		return ledger.Account{}, &ledger.ValidationError{Field: "classification", Reason: fmt.Sprintf("unknown classification %q", in.Classification)}
	}
	if !in.Status.Valid() {
		return ledger.Account{}, &ledger.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", in.Status)}
	}
	switch {
	case in.Classification == ledger.ClassInternal && in.OwnerID != "":
		return ledger.Account{}, &ledger.ValidationError{Field: "owner_id", Reason: "the internal account is owned by the bank"}
	case in.Classification != ledger.ClassInternal && in.OwnerID == "":
		return ledger.Account{}, &ledger.ValidationError{Field: "owner_id", Reason: "owner is required"}
	}

	created, err := s.store.CreateAccount(ctx, ledger.Account{
		OwnerID:        in.OwnerID,
		Classification: in.Classification,
		Status:         in.Status,
	})
	if err != nil {
		return ledger.Account{}, err
	}
	s.logger.InfoContext(ctx, "account created",
		slog.Int64("account_id", created.ID),
		slog.String("classification", string(created.Classification)),
		slog.String("status", string(created.Status)))
	return created, nil
}

// Get retrieves an account.
func (s *Service) Get(ctx context.Context, id int64) (ledger.Account, error) {
	return s.store.Account(ctx, id)
}

// Balance returns the sum of every ledger entry of the account.
func (s *Service) Balance(ctx context.Context, id int64) (money.Money, error) {
	if _, err := s.store.Account(ctx, id); err != nil {
		return money.Zero, err
	}
	return s.store.Balance(ctx, id)
}

// HistoryEntry is one movement of an account as presented to callers.
type HistoryEntry struct {
	TransactionID uuid.UUID
	// CounterpartAccount is the other local account, zero for federated legs.
	CounterpartAccount int64
	// CounterpartBank and PeerAccount identify the remote side of a federated leg.
	CounterpartBank string
	PeerAccount     string
	Amount          money.Money
	Status          ledger.EntryStatus
	Timestamp       time.Time
}

// History returns the account's movements in ledger order. The sequence is
// lazy; rows are read as the caller ranges over it.
func (s *Service) History(ctx context.Context, id int64) (iter.Seq2[HistoryEntry, error], error) {
	if _, err := s.store.Account(ctx, id); err != nil {
		return nil, err
	}
	movements := s.store.History(ctx, id)
	return func(yield func(HistoryEntry, error) bool) {
		for m, err := range movements {
			if err != nil {
				yield(HistoryEntry{}, err)
				return
			}
			if !yield(HistoryEntry{
				TransactionID:      m.TransactionID,
				CounterpartAccount: m.CounterpartAccountID,
				CounterpartBank:    m.BankRegistration,
				PeerAccount:        m.PeerAccount,
				Amount:             m.Amount,
				Status:             m.Status,
				Timestamp:          m.CreatedAt,
			}, nil) {
				return
			}
		}
	}, nil
}

// UpdateStatus sets the lifecycle status of an account. Any transition is
// allowed; every one is written to the audit log.
func (s *Service) UpdateStatus(ctx context.Context, id int64, status ledger.AccountStatus) (ledger.Account, error) {
	if !status.Valid() {
		return ledger.Account{}, &ledger.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}
	previous, err := s.store.UpdateAccountStatus(ctx, id, status)
	if err != nil {
		return ledger.Account{}, err
	}
	s.logger.InfoContext(ctx, "account status changed",
		slog.Int64("account_id", id),
		slog.String("from", string(previous)),
		slog.String("to", string(status)))
	return s.store.Account(ctx, id)
}

// EnsureInternal asserts that exactly one internal settlement account exists.
func (s *Service) EnsureInternal(ctx context.Context) (ledger.Account, error) {
	accounts, err := s.store.AccountsByClassification(ctx, ledger.ClassInternal)
	if err != nil {
		return ledger.Account{}, err
	}
	switch len(accounts) {
	case 0:
		return ledger.Account{}, ledger.ErrInternalAccountMissing
	case 1:
		return accounts[0], nil
	default:
		return ledger.Account{}, fmt.Errorf("found %d internal accounts, expected exactly one", len(accounts))
	}
}

// ProvisionInternal creates the internal settlement account when it is
// missing. It reports whether an account was created.
func (s *Service) ProvisionInternal(ctx context.Context) (ledger.Account, bool, error) {
	existing, err := s.EnsureInternal(ctx)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ledger.ErrInternalAccountMissing) {
		return ledger.Account{}, false, err
	}
	created, err := s.Create(ctx, CreateInput{Classification: ledger.ClassInternal, Status: ledger.StatusActive})
	if err != nil {
		return ledger.Account{}, false, err
	}
	return created, true, nil
}
