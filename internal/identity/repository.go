package identity

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kea-semester-1/best-bank-as/internal/auth"
)

var (
	// ErrNotFound is returned when no service account matches.
	ErrNotFound = errors.New("service account not found")
	// ErrExists is returned when the username is taken.
	ErrExists = errors.New("service account exists")
)

// Repository persists service accounts.
type Repository interface {
	Create(ctx context.Context, account ServiceAccount) error
	FindByUsername(ctx context.Context, username string) (ServiceAccount, error)
	FindByID(ctx context.Context, id string) (ServiceAccount, error)
	UpdatePassword(ctx context.Context, id string, hash []byte) error
	UpdateTokenVersion(ctx context.Context, id string, version int) error
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed identity repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const selectAccount = `SELECT id, username, password_hash, registration_number, role, token_version, created_at
    FROM service_accounts`

// Create inserts a new service account.
func (r *PostgresRepository) Create(ctx context.Context, account ServiceAccount) error {
	id, err := uuid.Parse(account.ID)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `INSERT INTO service_accounts (id, username, password_hash, registration_number, role, token_version, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, account.Username, account.PasswordHash, account.RegistrationNumber, string(account.Role), account.TokenVersion, account.CreatedAt.UTC())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrExists
	}
	return err
}

// FindByUsername fetches a service account by username.
func (r *PostgresRepository) FindByUsername(ctx context.Context, username string) (ServiceAccount, error) {
	return r.scan(r.db.QueryRow(ctx, selectAccount+` WHERE username = $1`, username))
}

// FindByID fetches a service account by id.
func (r *PostgresRepository) FindByID(ctx context.Context, id string) (ServiceAccount, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return ServiceAccount{}, ErrNotFound
	}
	return r.scan(r.db.QueryRow(ctx, selectAccount+` WHERE id = $1`, parsed))
}

func (r *PostgresRepository) scan(row pgx.Row) (ServiceAccount, error) {
	var (
		id        uuid.UUID
		role      string
		createdAt time.Time
		account   ServiceAccount
	)
	err := row.Scan(&id, &account.Username, &account.PasswordHash, &account.RegistrationNumber, &role, &account.TokenVersion, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ServiceAccount{}, ErrNotFound
	}
	if err != nil {
		return ServiceAccount{}, err
	}
	account.ID = id.String()
	account.Role = auth.Role(role)
	account.CreatedAt = createdAt.UTC()
	return account, nil
}

// UpdatePassword replaces the stored hash and invalidates issued tokens.
func (r *PostgresRepository) UpdatePassword(ctx context.Context, id string, hash []byte) error {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return ErrNotFound
	}
	cmd, err := r.db.Exec(ctx, `UPDATE service_accounts SET password_hash = $1, token_version = token_version + 1 WHERE id = $2`, hash, parsed)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTokenVersion stores a new token version.
func (r *PostgresRepository) UpdateTokenVersion(ctx context.Context, id string, version int) error {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return ErrNotFound
	}
	cmd, err := r.db.Exec(ctx, `UPDATE service_accounts SET token_version = $1 WHERE id = $2`, version, parsed)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
