package ledger

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kea-semester-1/best-bank-as/internal/money"
)

const (
	// maxTxAttempts bounds the internal retry on serialization failures and deadlocks.
	maxTxAttempts = 3

	pendingOwnerConstraint = "accounts_one_pending_per_owner"
	internalConstraint     = "accounts_single_internal"
	externalKeyConstraint  = "transactions_external_key_key"
)

// querier is satisfied by both the pool and an open pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists the journal in PostgreSQL. Balances are computed
// from ledger_entries on every read.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

const accountColumns = `id, COALESCE(owner_id, ''), classification, status, created_at, updated_at`

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.OwnerID, &a.Classification, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

// CreateAccount inserts a new account. A second pending account for the same
// owner is rejected with a *ValidationError.
func (s *PostgresStore) CreateAccount(ctx context.Context, account Account) (Account, error) {
	row := s.db.QueryRow(ctx, `INSERT INTO accounts (owner_id, classification, status)
        VALUES (NULLIF($1::text, ''), $2, $3)
        RETURNING `+accountColumns, account.OwnerID, account.Classification, account.Status)
	created, err := scanAccount(row)
	if err != nil {
		return Account{}, mapAccountError(err)
	}
	return created, nil
}

// Account loads one account by id.
func (s *PostgresStore) Account(ctx context.Context, id int64) (Account, error) {
	a, err := scanAccount(s.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	return a, nil
}

// AccountsByClassification lists accounts of one classification ordered by id.
func (s *PostgresStore) AccountsByClassification(ctx context.Context, c Classification) ([]Account, error) {
	rows, err := s.db.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE classification = $1 ORDER BY id`, c)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAccountStatus sets the status of an account and returns the previous one.
func (s *PostgresStore) UpdateAccountStatus(ctx context.Context, id int64, status AccountStatus) (AccountStatus, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	var previous AccountStatus
	if err := tx.QueryRow(ctx, `SELECT status FROM accounts WHERE id = $1 FOR UPDATE`, id).Scan(&previous); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrAccountNotFound
		}
		return "", err
	}
	if _, err := tx.Exec(ctx, `UPDATE accounts SET status = $2, updated_at = now() WHERE id = $1`, id, status); err != nil {
		return "", mapAccountError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return previous, nil
}

const bankColumns = `id, registration_number, name, branch_name, base_url, auth_scheme, created_at`

func scanBank(row pgx.Row) (Bank, error) {
	var b Bank
	err := row.Scan(&b.ID, &b.RegistrationNumber, &b.Name, &b.BranchName, &b.BaseURL, &b.AuthScheme, &b.CreatedAt)
	return b, err
}

// CreateBank upserts a peer bank keyed by registration number.
func (s *PostgresStore) CreateBank(ctx context.Context, bank Bank) (Bank, error) {
	return scanBank(s.db.QueryRow(ctx, `INSERT INTO banks (registration_number, name, branch_name, base_url, auth_scheme)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (registration_number) DO UPDATE
        SET name = EXCLUDED.name, branch_name = EXCLUDED.branch_name,
            base_url = EXCLUDED.base_url, auth_scheme = EXCLUDED.auth_scheme
        RETURNING `+bankColumns,
		bank.RegistrationNumber, bank.Name, bank.BranchName, bank.BaseURL, bank.AuthScheme))
}

// Bank loads a peer bank by id.
func (s *PostgresStore) Bank(ctx context.Context, id int64) (Bank, error) {
	b, err := scanBank(s.db.QueryRow(ctx, `SELECT `+bankColumns+` FROM banks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Bank{}, ErrBankNotFound
	}
	return b, err
}

// BankByRegistration loads a peer bank by its registration number.
func (s *PostgresStore) BankByRegistration(ctx context.Context, registration string) (Bank, error) {
	b, err := scanBank(s.db.QueryRow(ctx, `SELECT `+bankColumns+` FROM banks WHERE registration_number = $1`, registration))
	if errors.Is(err, pgx.ErrNoRows) {
		return Bank{}, ErrBankNotFound
	}
	return b, err
}

// Banks lists the peer directory.
func (s *PostgresStore) Banks(ctx context.Context) ([]Bank, error) {
	rows, err := s.db.Query(ctx, `SELECT `+bankColumns+` FROM banks ORDER BY registration_number`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Bank
	for rows.Next() {
		b, err := scanBank(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Balance returns the summed entries of an account in a single read.
func (s *PostgresStore) Balance(ctx context.Context, accountID int64) (money.Money, error) {
	return balanceForAccount(ctx, s.db, accountID)
}

const historyQuery = `
        SELECT e.id, e.transaction_id, e.account_id, e.amount::text, e.status, e.created_at, t.created_at,
               COALESCE((SELECT o.account_id FROM ledger_entries o
                         WHERE o.transaction_id = e.transaction_id AND o.account_id <> e.account_id
                         ORDER BY o.id LIMIT 1), 0),
               COALESCE(b.registration_number, ''), COALESCE(e.peer_account, '')
        FROM ledger_entries e
        INNER JOIN transactions t ON t.id = e.transaction_id
        LEFT JOIN banks b ON b.id = e.bank_id
        WHERE e.account_id = $1
        ORDER BY t.created_at, e.created_at, e.id`

// History streams the movements of an account. Rows are read as the caller
// iterates; breaking out of the loop releases the connection.
func (s *PostgresStore) History(ctx context.Context, accountID int64) iter.Seq2[Movement, error] {
	return func(yield func(Movement, error) bool) {
		rows, err := s.db.Query(ctx, historyQuery, accountID)
		if err != nil {
			yield(Movement{}, err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				m      Movement
				amount string
			)
			if err := rows.Scan(&m.EntryID, &m.TransactionID, &m.AccountID, &amount, &m.Status, &m.CreatedAt,
				&m.TransactionCreatedAt, &m.CounterpartAccountID, &m.BankRegistration, &m.PeerAccount); err != nil {
				yield(Movement{}, err)
				return
			}
			if m.Amount, err = money.Parse(amount); err != nil {
				yield(Movement{}, err)
				return
			}
			if !yield(m, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Movement{}, err)
		}
	}
}

const entryColumns = `id, transaction_id, account_id, amount::text, COALESCE(bank_id, 0), COALESCE(peer_account, ''), status, created_at`

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			e      Entry
			amount string
		)
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.AccountID, &amount, &e.BankID, &e.PeerAccount, &e.Status, &e.CreatedAt); err != nil {
			return nil, err
		}
		parsed, err := money.Parse(amount)
		if err != nil {
			return nil, err
		}
		e.Amount = parsed
		out = append(out, e)
	}
	return out, rows.Err()
}

// TransactionEntries lists the entries of one transaction ordered by id.
func (s *PostgresStore) TransactionEntries(ctx context.Context, txID uuid.UUID) ([]Entry, error) {
	rows, err := s.db.Query(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE transaction_id = $1 ORDER BY id`, txID)
	if err != nil {
		return nil, err
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrTransactionNotFound
	}
	return entries, nil
}

// PendingEntries lists entries still pending that were created before cutoff.
func (s *PostgresStore) PendingEntries(ctx context.Context, before time.Time) ([]Entry, error) {
	rows, err := s.db.Query(ctx, `SELECT `+entryColumns+` FROM ledger_entries
        WHERE status = $1 AND created_at < $2 ORDER BY id`, EntryPending, before)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// WithinTx runs fn inside a READ COMMITTED transaction. Accounts are protected
// with row locks taken by Tx.LockAccounts. Serialization failures and
// deadlocks are retried a bounded number of times before surfacing
// ErrPersistenceConflict.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if !isConflict(err) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrPersistenceConflict, err)
}

func (s *PostgresStore) runTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if err := fn(&postgresTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) LockAccounts(ctx context.Context, ids ...int64) (map[int64]Account, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]Account, len(ids))
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out[a.ID] = a
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := out[id]; !ok {
			return nil, fmt.Errorf("%w: %d", ErrAccountNotFound, id)
		}
	}
	return out, nil
}

func (t *postgresTx) Balance(ctx context.Context, accountID int64) (money.Money, error) {
	return balanceForAccount(ctx, t.tx, accountID)
}

func (t *postgresTx) CreateTransaction(ctx context.Context, externalKey string) (Transaction, error) {
	created := Transaction{ID: uuid.New(), ExternalKey: externalKey}
	err := t.tx.QueryRow(ctx, `INSERT INTO transactions (id, external_key) VALUES ($1, NULLIF($2::text, ''))
        RETURNING created_at`, created.ID, externalKey).Scan(&created.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == externalKeyConstraint {
			return Transaction{}, ErrDuplicateTransaction
		}
		return Transaction{}, err
	}
	return created, nil
}

func (t *postgresTx) TransactionByExternalKey(ctx context.Context, key string) (Transaction, error) {
	var found Transaction
	err := t.tx.QueryRow(ctx, `SELECT id, COALESCE(external_key, ''), created_at FROM transactions WHERE external_key = $1`, key).
		Scan(&found.ID, &found.ExternalKey, &found.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, ErrTransactionNotFound
	}
	return found, err
}

func (t *postgresTx) AppendEntry(ctx context.Context, entry Entry) (Entry, error) {
	if entry.Status == "" {
		entry.Status = EntryProcessed
	}
	err := t.tx.QueryRow(ctx, `INSERT INTO ledger_entries (transaction_id, account_id, amount, bank_id, peer_account, status)
        VALUES ($1, $2, $3::numeric, NULLIF($4::bigint, 0), NULLIF($5::text, ''), $6)
        RETURNING id, created_at`,
		entry.TransactionID, entry.AccountID, entry.Amount.String(), entry.BankID, entry.PeerAccount, entry.Status).
		Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func (t *postgresTx) EntriesForUpdate(ctx context.Context, txID uuid.UUID) ([]Entry, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE transaction_id = $1 ORDER BY id FOR UPDATE`, txID)
	if err != nil {
		return nil, err
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrTransactionNotFound
	}
	return entries, nil
}

func (t *postgresTx) SetEntryStatus(ctx context.Context, entryID int64, status EntryStatus) error {
	tag, err := t.tx.Exec(ctx, `UPDATE ledger_entries SET status = $2 WHERE id = $1`, entryID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (t *postgresTx) SettlementLease(ctx context.Context, txID uuid.UUID) (time.Time, error) {
	var until *time.Time
	err := t.tx.QueryRow(ctx, `SELECT settle_lease_until FROM transactions WHERE id = $1`, txID).Scan(&until)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, ErrTransactionNotFound
	}
	if err != nil || until == nil {
		return time.Time{}, err
	}
	return *until, nil
}

func (t *postgresTx) SetSettlementLease(ctx context.Context, txID uuid.UUID, until time.Time) error {
	var value *time.Time
	if !until.IsZero() {
		value = &until
	}
	tag, err := t.tx.Exec(ctx, `UPDATE transactions SET settle_lease_until = $2 WHERE id = $1`, txID, value)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func balanceForAccount(ctx context.Context, q querier, accountID int64) (money.Money, error) {
	const query = `SELECT COALESCE(SUM(amount), 0)::text FROM ledger_entries WHERE account_id = $1`
	var balance string
	if err := q.QueryRow(ctx, query, accountID).Scan(&balance); err != nil {
		return money.Zero, err
	}
	return money.Parse(balance)
}

func mapAccountError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch {
	case pgErr.Code == "23505" && pgErr.ConstraintName == pendingOwnerConstraint:
		return errPendingExists()
	case pgErr.Code == "23505" && pgErr.ConstraintName == internalConstraint:
		return &ValidationError{Field: "classification", Reason: "internal account already exists"}
	case pgErr.Code == "23514":
		return &ValidationError{Field: pgErr.ColumnName, Reason: pgErr.Message}
	}
	return err
}

func isConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}
