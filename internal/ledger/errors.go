package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAmount is returned for non-positive transfer amounts.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrSameAccount is returned when source and destination are the same account.
	ErrSameAccount = errors.New("source and destination account are the same")

	// ErrDestinationNotTransferable is returned when the destination account is
	// still pending approval.
	ErrDestinationNotTransferable = errors.New("destination account cannot receive transfers")

	// ErrInsufficientFunds occurs when the source account balance cannot cover
	// the requested amount.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrAccountNotFound is returned when an account id is unknown.
	ErrAccountNotFound = errors.New("account not found")

	// ErrBankNotFound is returned when a registration number is not in the directory.
	ErrBankNotFound = errors.New("bank not found")

	// ErrTransactionNotFound is returned for unknown transaction ids or keys.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrEntryNotFound is returned when an entry id is unknown.
	ErrEntryNotFound = errors.New("ledger entry not found")

	// ErrDuplicateTransaction indicates the idempotency key was already used and
	// the existing transaction should be returned instead.
	ErrDuplicateTransaction = errors.New("duplicate transaction")

	// ErrPersistenceConflict is returned when concurrent writers kept colliding
	// after the store retried internally.
	ErrPersistenceConflict = errors.New("persistence conflict")

	// ErrSettlementInFlight is returned when another worker holds the
	// settlement lease of a federated transaction.
	ErrSettlementInFlight = errors.New("settlement already in flight")

	// ErrInternalAccountMissing is returned when the settlement account has not
	// been provisioned.
	ErrInternalAccountMissing = errors.New("internal settlement account missing")
)

// ValidationError reports a rejected account write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func errPendingExists() error {
	return &ValidationError{Field: "status", Reason: "owner already has a pending account"}
}
