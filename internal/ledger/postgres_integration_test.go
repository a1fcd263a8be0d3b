//go:build integration

package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/kea-semester-1/best-bank-as/internal/infra"
	"github.com/kea-semester-1/best-bank-as/internal/ledger"
	"github.com/kea-semester-1/best-bank-as/internal/money"
)

type PostgresStoreSuite struct {
	suite.Suite
	container *postgres.PostgresContainer
	pool      *pgxpool.Pool
	store     *ledger.PostgresStore
	internal  ledger.Account
}

func TestPostgresStore(t *testing.T) {
	testcontainers.SkipIfProviderIsNotHealthy(t)
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("bank"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("password"),
		postgres.BasicWaitStrategies(),
	)
	s.Require().NoError(err, "start postgres container")
	s.container = container

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	s.Require().NoError(err)
	s.Require().NoError(infra.Migrate(dsn), "run migrations")

	s.pool, err = infra.NewPostgresPool(ctx, dsn, infra.PoolOptions{MaxConns: 10})
	s.Require().NoError(err)
	s.store = ledger.NewPostgresStore(s.pool)

	s.internal, err = s.store.CreateAccount(ctx, ledger.Account{Classification: ledger.ClassInternal, Status: ledger.StatusActive})
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.container != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.NoError(s.container.Terminate(ctx))
	}
}

func (s *PostgresStoreSuite) open(owner string) ledger.Account {
	a, err := s.store.CreateAccount(context.Background(), ledger.Account{
		OwnerID: owner, Classification: ledger.ClassChecking, Status: ledger.StatusActive,
	})
	s.Require().NoError(err)
	return a
}

func (s *PostgresStoreSuite) post(from, to int64, amount string) {
	ctx := context.Background()
	value := money.MustParse(amount)
	err := s.store.WithinTx(ctx, func(tx ledger.Tx) error {
		created, err := tx.CreateTransaction(ctx, "")
		if err != nil {
			return err
		}
		if _, err := tx.AppendEntry(ctx, ledger.Entry{TransactionID: created.ID, AccountID: from, Amount: value.Neg()}); err != nil {
			return err
		}
		_, err = tx.AppendEntry(ctx, ledger.Entry{TransactionID: created.ID, AccountID: to, Amount: value})
		return err
	})
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) TestBalanceAndHistory() {
	ctx := context.Background()
	a := s.open("alice")
	b := s.open("bob")

	bal, err := s.store.Balance(ctx, a.ID)
	s.Require().NoError(err)
	s.True(bal.IsZero())

	s.post(s.internal.ID, a.ID, "1000")
	s.post(a.ID, b.ID, "400")

	balA, err := s.store.Balance(ctx, a.ID)
	s.Require().NoError(err)
	s.Equal("600.00", balA.String())
	balB, err := s.store.Balance(ctx, b.ID)
	s.Require().NoError(err)
	s.Equal("400.00", balB.String())

	var movements []ledger.Movement
	for m, err := range s.store.History(ctx, a.ID) {
		s.Require().NoError(err)
		movements = append(movements, m)
	}
	s.Require().Len(movements, 2)
	s.Equal(s.internal.ID, movements[0].CounterpartAccountID)
	s.Equal(b.ID, movements[1].CounterpartAccountID)
	s.Equal("-400.00", movements[1].Amount.String())
}

func (s *PostgresStoreSuite) TestAbortedUnitLeavesNoEntries() {
	ctx := context.Background()
	a := s.open("carol")

	boom := errors.New("boom")
	err := s.store.WithinTx(ctx, func(tx ledger.Tx) error {
		created, err := tx.CreateTransaction(ctx, "")
		if err != nil {
			return err
		}
		if _, err := tx.AppendEntry(ctx, ledger.Entry{TransactionID: created.ID, AccountID: a.ID, Amount: money.MustParse("10")}); err != nil {
			return err
		}
		return boom
	})
	s.ErrorIs(err, boom)

	bal, err := s.store.Balance(ctx, a.ID)
	s.Require().NoError(err)
	s.True(bal.IsZero())
}

func (s *PostgresStoreSuite) TestOnePendingAccountPerOwner() {
	ctx := context.Background()
	_, err := s.store.CreateAccount(ctx, ledger.Account{OwnerID: "dave", Classification: ledger.ClassSavings, Status: ledger.StatusPending})
	s.Require().NoError(err)

	_, err = s.store.CreateAccount(ctx, ledger.Account{OwnerID: "dave", Classification: ledger.ClassLoan, Status: ledger.StatusPending})
	var verr *ledger.ValidationError
	s.ErrorAs(err, &verr)
}

func (s *PostgresStoreSuite) TestRowLockPreventsOverdraft() {
	ctx := context.Background()
	a := s.open("erin")
	b := s.open("frank")
	s.post(s.internal.ID, a.ID, "100")

	amount := money.MustParse("100")
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.store.WithinTx(ctx, func(tx ledger.Tx) error {
				if _, err := tx.LockAccounts(ctx, a.ID, b.ID); err != nil {
					return err
				}
				bal, err := tx.Balance(ctx, a.ID)
				if err != nil {
					return err
				}
				if bal.LessThan(amount) {
					return ledger.ErrInsufficientFunds
				}
				created, err := tx.CreateTransaction(ctx, "")
				if err != nil {
					return err
				}
				if _, err := tx.AppendEntry(ctx, ledger.Entry{TransactionID: created.ID, AccountID: a.ID, Amount: amount.Neg()}); err != nil {
					return err
				}
				_, err = tx.AppendEntry(ctx, ledger.Entry{TransactionID: created.ID, AccountID: b.ID, Amount: amount})
				return err
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ledger.ErrInsufficientFunds):
				rejected++
			default:
				s.T().Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	s.Equal(1, succeeded)
	s.Equal(1, rejected)
	bal, err := s.store.Balance(ctx, a.ID)
	s.Require().NoError(err)
	s.True(bal.IsZero(), "balance must be drained exactly once, got %s", bal)
}
