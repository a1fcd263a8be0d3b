package ledger

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kea-semester-1/best-bank-as/internal/money"
)

// inMemoryStore keeps the journal in process memory. A unit of work holds the
// write lock for its whole duration and stages its writes, so a failed unit
// leaves nothing behind. It is meant for tests and local development.
type inMemoryStore struct {
	mu           sync.RWMutex
	now          func() time.Time
	seq          int64
	accounts     map[int64]Account
	banks        map[int64]Bank
	transactions map[uuid.UUID]Transaction
	entries      []Entry
}

// NewInMemory creates a concurrency-safe in-memory store.
func NewInMemory() Store {
	return &inMemoryStore{
		now:          func() time.Time { return time.Now().UTC() },
		accounts:     make(map[int64]Account),
		banks:        make(map[int64]Bank),
		transactions: make(map[uuid.UUID]Transaction),
	}
}

func (s *inMemoryStore) nextID() int64 {
	s.seq++
	return s.seq
}

func (s *inMemoryStore) CreateAccount(_ context.Context, account Account) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.accounts {
		if account.Status == StatusPending && account.OwnerID != "" &&
			existing.OwnerID == account.OwnerID && existing.Status == StatusPending {
			return Account{}, errPendingExists()
		}
		if account.Internal() && existing.Internal() {
			return Account{}, &ValidationError{Field: "classification", Reason: "internal account already exists"}
		}
	}

	account.ID = s.nextID()
	account.CreatedAt = s.now()
	account.UpdatedAt = account.CreatedAt
	s.accounts[account.ID] = account
	return account, nil
}

func (s *inMemoryStore) Account(_ context.Context, id int64) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return a, nil
}

func (s *inMemoryStore) AccountsByClassification(_ context.Context, c Classification) ([]Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Account
	for _, a := range s.accounts {
		if a.Classification == c {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *inMemoryStore) UpdateAccountStatus(_ context.Context, id int64, status AccountStatus) (AccountStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return "", ErrAccountNotFound
	}
	if status == StatusPending && a.OwnerID != "" {
		for _, other := range s.accounts {
			if other.ID != id && other.OwnerID == a.OwnerID && other.Status == StatusPending {
				return "", errPendingExists()
			}
		}
	}
	previous := a.Status
	a.Status = status
	a.UpdatedAt = s.now()
	s.accounts[id] = a
	return previous, nil
}

func (s *inMemoryStore) CreateBank(_ context.Context, bank Bank) (Bank, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.banks {
		if existing.RegistrationNumber == bank.RegistrationNumber {
			bank.ID = id
			bank.CreatedAt = existing.CreatedAt
			s.banks[id] = bank
			return bank, nil
		}
	}
	bank.ID = s.nextID()
	bank.CreatedAt = s.now()
	s.banks[bank.ID] = bank
	return bank, nil
}

func (s *inMemoryStore) Bank(_ context.Context, id int64) (Bank, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.banks[id]
	if !ok {
		return Bank{}, ErrBankNotFound
	}
	return b, nil
}

func (s *inMemoryStore) BankByRegistration(_ context.Context, registration string) (Bank, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.banks {
		if b.RegistrationNumber == registration {
			return b, nil
		}
	}
	return Bank{}, ErrBankNotFound
}

func (s *inMemoryStore) Banks(_ context.Context) ([]Bank, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Bank, 0, len(s.banks))
	for _, b := range s.banks {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegistrationNumber < out[j].RegistrationNumber })
	return out, nil
}

func (s *inMemoryStore) Balance(_ context.Context, accountID int64) (money.Money, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sumFor(s.entries, accountID), nil
}

func (s *inMemoryStore) History(_ context.Context, accountID int64) iter.Seq2[Movement, error] {
	return func(yield func(Movement, error) bool) {
		// Snapshot under the read lock and yield without holding it.
		s.mu.RLock()
		var movements []Movement
		for _, e := range s.entries {
			if e.AccountID != accountID {
				continue
			}
			m := Movement{
				EntryID:              e.ID,
				TransactionID:        e.TransactionID,
				AccountID:            e.AccountID,
				Amount:               e.Amount,
				Status:               e.Status,
				CreatedAt:            e.CreatedAt,
				TransactionCreatedAt: s.transactions[e.TransactionID].CreatedAt,
				PeerAccount:          e.PeerAccount,
			}
			if e.BankID != 0 {
				m.BankRegistration = s.banks[e.BankID].RegistrationNumber
			}
			for _, other := range s.entries {
				if other.TransactionID == e.TransactionID && other.AccountID != e.AccountID {
					m.CounterpartAccountID = other.AccountID
					break
				}
			}
			movements = append(movements, m)
		}
		s.mu.RUnlock()

		sort.SliceStable(movements, func(i, j int) bool {
			a, b := movements[i], movements[j]
			if !a.TransactionCreatedAt.Equal(b.TransactionCreatedAt) {
				return a.TransactionCreatedAt.Before(b.TransactionCreatedAt)
			}
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.EntryID < b.EntryID
		})
		for _, m := range movements {
			if !yield(m, nil) {
				return
			}
		}
	}
}

func (s *inMemoryStore) TransactionEntries(_ context.Context, txID uuid.UUID) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if e.TransactionID == txID {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return nil, ErrTransactionNotFound
	}
	return out, nil
}

func (s *inMemoryStore) PendingEntries(_ context.Context, before time.Time) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if e.Status == EntryPending && e.CreatedAt.Before(before) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *inMemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &inMemoryTx{store: s, statuses: make(map[int64]EntryStatus), leases: make(map[uuid.UUID]time.Time)}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, t := range tx.transactions {
		s.transactions[t.ID] = t
	}
	for id, until := range tx.leases {
		t := s.transactions[id]
		t.SettleLeaseUntil = until
		s.transactions[id] = t
	}
	for i := range s.entries {
		if st, ok := tx.statuses[s.entries[i].ID]; ok {
			s.entries[i].Status = st
		}
	}
	s.entries = append(s.entries, tx.entries...)
	return nil
}

type inMemoryTx struct {
	store        *inMemoryStore
	transactions []Transaction
	entries      []Entry
	statuses     map[int64]EntryStatus
	leases       map[uuid.UUID]time.Time
}

func (t *inMemoryTx) LockAccounts(_ context.Context, ids ...int64) (map[int64]Account, error) {
	out := make(map[int64]Account, len(ids))
	for _, id := range ids {
		a, ok := t.store.accounts[id]
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrAccountNotFound, id)
		}
		out[id] = a
	}
	return out, nil
}

func (t *inMemoryTx) Balance(_ context.Context, accountID int64) (money.Money, error) {
	return sumFor(t.store.entries, accountID).Add(sumFor(t.entries, accountID)), nil
}

func (t *inMemoryTx) CreateTransaction(_ context.Context, externalKey string) (Transaction, error) {
	if externalKey != "" {
		if _, err := t.TransactionByExternalKey(context.Background(), externalKey); err == nil {
			return Transaction{}, ErrDuplicateTransaction
		}
	}
	created := Transaction{ID: uuid.New(), ExternalKey: externalKey, CreatedAt: t.store.now()}
	t.transactions = append(t.transactions, created)
	return created, nil
}

func (t *inMemoryTx) TransactionByExternalKey(_ context.Context, key string) (Transaction, error) {
	for _, existing := range t.store.transactions {
		if existing.ExternalKey == key {
			return existing, nil
		}
	}
	for _, staged := range t.transactions {
		if staged.ExternalKey == key {
			return staged, nil
		}
	}
	return Transaction{}, ErrTransactionNotFound
}

func (t *inMemoryTx) AppendEntry(_ context.Context, entry Entry) (Entry, error) {
	if _, ok := t.store.accounts[entry.AccountID]; !ok {
		return Entry{}, fmt.Errorf("%w: %d", ErrAccountNotFound, entry.AccountID)
	}
	known := slices.ContainsFunc(t.transactions, func(tr Transaction) bool { return tr.ID == entry.TransactionID })
	if _, committed := t.store.transactions[entry.TransactionID]; !known && !committed {
		return Entry{}, ErrTransactionNotFound
	}
	if entry.Status == "" {
		entry.Status = EntryProcessed
	}
	entry.ID = t.store.nextID()
	entry.CreatedAt = t.store.now()
	t.entries = append(t.entries, entry)
	return entry, nil
}

func (t *inMemoryTx) EntriesForUpdate(_ context.Context, txID uuid.UUID) ([]Entry, error) {
	var out []Entry
	for _, e := range append(slices.Clone(t.store.entries), t.entries...) {
		if e.TransactionID != txID {
			continue
		}
		if st, ok := t.statuses[e.ID]; ok {
			e.Status = st
		}
		out = append(out, e)
	}
	if len(out) == 0 {
		return nil, ErrTransactionNotFound
	}
	return out, nil
}

func (t *inMemoryTx) SetEntryStatus(_ context.Context, entryID int64, status EntryStatus) error {
	for i := range t.entries {
		if t.entries[i].ID == entryID {
			t.entries[i].Status = status
			return nil
		}
	}
	for _, e := range t.store.entries {
		if e.ID == entryID {
			t.statuses[entryID] = status
			return nil
		}
	}
	return ErrEntryNotFound
}

func (t *inMemoryTx) SettlementLease(_ context.Context, txID uuid.UUID) (time.Time, error) {
	if until, ok := t.leases[txID]; ok {
		return until, nil
	}
	for _, staged := range t.transactions {
		if staged.ID == txID {
			return staged.SettleLeaseUntil, nil
		}
	}
	existing, ok := t.store.transactions[txID]
	if !ok {
		return time.Time{}, ErrTransactionNotFound
	}
	return existing.SettleLeaseUntil, nil
}

func (t *inMemoryTx) SetSettlementLease(_ context.Context, txID uuid.UUID, until time.Time) error {
	for i := range t.transactions {
		if t.transactions[i].ID == txID {
			t.transactions[i].SettleLeaseUntil = until
			return nil
		}
	}
	if _, ok := t.store.transactions[txID]; !ok {
		return ErrTransactionNotFound
	}
	t.leases[txID] = until
	return nil
}

func sumFor(entries []Entry, accountID int64) money.Money {
	total := money.Zero
	for _, e := range entries {
		if e.AccountID == accountID {
			total = total.Add(e.Amount)
		}
	}
	return total
}
