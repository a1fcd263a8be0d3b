package ledger

import (
	"context"
	"iter"
	"time"

	"github.com/google/uuid"

	"github.com/kea-semester-1/best-bank-as/internal/money"
)

// Store is the contract implemented by ledger backends (Postgres, in-memory).
//
// Entries can only be written through WithinTx, which runs fn as one atomic
// unit of work: either every write inside it becomes visible or none does.
type Store interface {
	CreateAccount(ctx context.Context, account Account) (Account, error)
	Account(ctx context.Context, id int64) (Account, error)
	AccountsByClassification(ctx context.Context, c Classification) ([]Account, error)
	// UpdateAccountStatus sets the status and returns the previous one.
	UpdateAccountStatus(ctx context.Context, id int64, status AccountStatus) (AccountStatus, error)

	// CreateBank inserts a peer bank or updates the entry with the same
	// registration number.
	CreateBank(ctx context.Context, bank Bank) (Bank, error)
	Bank(ctx context.Context, id int64) (Bank, error)
	BankByRegistration(ctx context.Context, registration string) (Bank, error)
	Banks(ctx context.Context) ([]Bank, error)

	// Balance sums every entry of the account. It is zero when there are none.
	Balance(ctx context.Context, accountID int64) (money.Money, error)
	// History yields the account's movements ordered by transaction creation,
	// then entry creation.
	History(ctx context.Context, accountID int64) iter.Seq2[Movement, error]
	TransactionEntries(ctx context.Context, txID uuid.UUID) ([]Entry, error)
	// PendingEntries lists entries still pending that were created before cutoff.
	PendingEntries(ctx context.Context, before time.Time) ([]Entry, error)

	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the write side of the journal, valid only inside Store.WithinTx.
type Tx interface {
	// LockAccounts loads and locks the given accounts in ascending id order.
	// A missing id yields ErrAccountNotFound.
	LockAccounts(ctx context.Context, ids ...int64) (map[int64]Account, error)
	Balance(ctx context.Context, accountID int64) (money.Money, error)
	CreateTransaction(ctx context.Context, externalKey string) (Transaction, error)
	TransactionByExternalKey(ctx context.Context, key string) (Transaction, error)
	AppendEntry(ctx context.Context, entry Entry) (Entry, error)
	// EntriesForUpdate loads and locks the entries of a transaction.
	EntriesForUpdate(ctx context.Context, txID uuid.UUID) ([]Entry, error)
	SetEntryStatus(ctx context.Context, entryID int64, status EntryStatus) error
	// SettlementLease returns the lease expiry of a transaction, zero when
	// none is held.
	SettlementLease(ctx context.Context, txID uuid.UUID) (time.Time, error)
	// SetSettlementLease stores a lease expiry. The zero time clears it.
	SetSettlementLease(ctx context.Context, txID uuid.UUID, until time.Time) error
}
