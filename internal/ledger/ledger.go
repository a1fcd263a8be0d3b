// Package ledger holds the double-entry journal: accounts, transactions,
// signed ledger entries and the peer bank directory, together with the
// storage backends that persist them.
package ledger

import (
	"time"

	"github.com/google/uuid"

	"github.com/kea-semester-1/best-bank-as/internal/money"
)

// Classification is the kind of an account.
type Classification string

const (
	ClassSavings  Classification = "savings"
	ClassChecking Classification = "checking"
	ClassLoan     Classification = "loan"
	// ClassInternal marks the bank-owned settlement account that funds every
	// other account. Exactly one must exist.
	ClassInternal Classification = "internal"
)

// Valid reports whether c is a known classification.
func (c Classification) Valid() bool {
	switch c {
	case ClassSavings, ClassChecking, ClassLoan, ClassInternal:
		return true
	}
	return false
}

// Label returns the display name of c.
func (c Classification) Label() string {
	switch c {
	case ClassSavings:
		return "Savings"
	case ClassChecking:
		return "Checking"
	case ClassLoan:
		return "Loan"
	case ClassInternal:
		return "Internal"
	}
	return "Unknown"
}

// AccountStatus is the lifecycle state of an account.
type AccountStatus string

const (
	StatusPending  AccountStatus = "pending"
	StatusActive   AccountStatus = "active"
	StatusInactive AccountStatus = "inactive"
	StatusRejected AccountStatus = "rejected"
)

// Valid reports whether s is a known status.
func (s AccountStatus) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusInactive, StatusRejected:
		return true
	}
	return false
}

// Label returns the display name of s.
func (s AccountStatus) Label() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusActive:
		return "Active"
	case StatusInactive:
		return "Inactive"
	case StatusRejected:
		return "Rejected"
	}
	return "Unknown"
}

// Transferable reports whether an account in this state may receive funds.
func (s AccountStatus) Transferable() bool {
	return s != StatusPending
}

// EntryStatus tracks settlement of a ledger entry. Purely internal entries are
// written processed; the local leg of a federated transfer starts pending.
type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryProcessed EntryStatus = "processed"
	EntryRejected  EntryStatus = "rejected"
)

// Valid reports whether s is a known entry status.
func (s EntryStatus) Valid() bool {
	switch s {
	case EntryPending, EntryProcessed, EntryRejected:
		return true
	}
	return false
}

// AuthScheme is the authentication handshake a peer bank expects.
type AuthScheme string

const (
	// AuthSession is the cookie + CSRF login flow.
	AuthSession AuthScheme = "session"
	// AuthToken is the credential-for-bearer-token flow.
	AuthToken AuthScheme = "token"
)

// Valid reports whether s is a supported scheme.
func (s AuthScheme) Valid() bool {
	return s == AuthSession || s == AuthToken
}

// Account is an account record. Its balance is never stored; it is always
// derived from the journal.
type Account struct {
	ID int64
	// OwnerID is empty for accounts owned by the bank itself.
	OwnerID        string
	Classification Classification
	Status         AccountStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Internal reports whether a is the bank's settlement account.
func (a Account) Internal() bool {
	return a.Classification == ClassInternal
}

// Bank is a peer registry entry used for federated transfers.
type Bank struct {
	ID                 int64
	RegistrationNumber string
	Name               string
	BranchName         string
	BaseURL            string
	AuthScheme         AuthScheme
	CreatedAt          time.Time
}

// Transaction correlates the entries of one transfer. It is immutable.
type Transaction struct {
	ID uuid.UUID
	// ExternalKey is the idempotency key of an inbound peer transfer.
	ExternalKey string
	CreatedAt   time.Time
	// SettleLeaseUntil is set while a worker pushes the federated leg to the
	// peer. A live lease keeps the leg from being reversed.
	SettleLeaseUntil time.Time
}

// Entry is one signed movement in the journal. Debits are negative, credits
// positive. Only Status may change after insertion.
type Entry struct {
	ID            int64
	TransactionID uuid.UUID
	AccountID     int64
	Amount        money.Money
	// BankID and PeerAccount tag entries that belong to a federated transfer.
	BankID      int64
	PeerAccount string
	Status      EntryStatus
	CreatedAt   time.Time
}

// Federated reports whether e is a leg of an inter-bank transfer.
func (e Entry) Federated() bool {
	return e.BankID != 0
}

// Movement is one journal entry seen from the account it touches, with the
// other side of the transaction resolved.
type Movement struct {
	EntryID              int64
	TransactionID        uuid.UUID
	AccountID            int64
	Amount               money.Money
	Status               EntryStatus
	CreatedAt            time.Time
	TransactionCreatedAt time.Time
	// CounterpartAccountID is the first other local account in the same
	// transaction, or zero for federated legs.
	CounterpartAccountID int64
	// BankRegistration and PeerAccount identify the remote side of a federated leg.
	BankRegistration string
	PeerAccount      string
}
