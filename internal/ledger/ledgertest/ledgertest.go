// Package ledgertest builds in-memory ledgers with a provisioned settlement
// account for tests in other packages.
package ledgertest

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/kea-semester-1/best-bank-as/internal/ledger"
	"github.com/kea-semester-1/best-bank-as/internal/money"
)

// Fixture is an in-memory store with its internal settlement account.
type Fixture struct {
	Store    ledger.Store
	Internal ledger.Account
}

// New returns a fixture backed by ledger.NewInMemory.
func New(t testing.TB) *Fixture {
	t.Helper()
	store := ledger.NewInMemory()
	internal, err := store.CreateAccount(context.Background(), ledger.Account{
		Classification: ledger.ClassInternal,
		Status:         ledger.StatusActive,
	})
	if err != nil {
		t.Fatalf("provision internal account: %v", err)
	}
	return &Fixture{Store: store, Internal: internal}
}

// Open creates an account for owner with the given status.
func (f *Fixture) Open(t testing.TB, owner string, status ledger.AccountStatus) ledger.Account {
	t.Helper()
	a, err := f.Store.CreateAccount(context.Background(), ledger.Account{
		OwnerID:        owner,
		Classification: ledger.ClassChecking,
		Status:         status,
	})
	if err != nil {
		t.Fatalf("open account for %s: %v", owner, err)
	}
	return a
}

// Fund posts a balanced movement from the settlement account to accountID.
func (f *Fixture) Fund(t testing.TB, accountID int64, amount string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	value := money.MustParse(amount)
	var txID uuid.UUID
	err := f.Store.WithinTx(ctx, func(tx ledger.Tx) error {
		created, err := tx.CreateTransaction(ctx, "")
		if err != nil {
			return err
		}
		txID = created.ID
		if _, err := tx.AppendEntry(ctx, ledger.Entry{TransactionID: created.ID, AccountID: f.Internal.ID, Amount: value.Neg()}); err != nil {
			return err
		}
		_, err = tx.AppendEntry(ctx, ledger.Entry{TransactionID: created.ID, AccountID: accountID, Amount: value})
		return err
	})
	if err != nil {
		t.Fatalf("fund account %d: %v", accountID, err)
	}
	return txID
}

// AddBank registers a peer bank in the directory.
func (f *Fixture) AddBank(t testing.TB, registration, baseURL string, scheme ledger.AuthScheme) ledger.Bank {
	t.Helper()
	b, err := f.Store.CreateBank(context.Background(), ledger.Bank{
		RegistrationNumber: registration,
		Name:               "Bank " + registration,
		BranchName:         "Main",
		BaseURL:            baseURL,
		AuthScheme:         scheme,
	})
	if err != nil {
		t.Fatalf("add bank %s: %v", registration, err)
	}
	return b
}

// Balance returns the balance of accountID or fails the test.
func (f *Fixture) Balance(t testing.TB, accountID int64) money.Money {
	t.Helper()
	bal, err := f.Store.Balance(context.Background(), accountID)
	if err != nil {
		t.Fatalf("balance %d: %v", accountID, err)
	}
	return bal
}
