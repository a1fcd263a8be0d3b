// Package federation moves money between this bank and independently
// operated peer banks.
//
// An outgoing transfer has two phases. Phase one runs inside the caller's
// request: it validates, writes a single pending debit tagged with the peer
// bank, and queues phase two. Phase two runs on a worker: it logs in to the
// peer, pushes the transfer and, once the peer accepts it, marks the debit
// processed. Until then the debit stays pending and is visible through the
// transaction status endpoint.
package federation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/kea-semester-1/best-bank-as/internal/ledger"
	"github.com/kea-semester-1/best-bank-as/internal/money"
	"github.com/kea-semester-1/best-bank-as/internal/notification"
	"github.com/kea-semester-1/best-bank-as/internal/tasks"
	"github.com/kea-semester-1/best-bank-as/internal/transfer"
)

const (
	transferPath         = "/external-transfer/"
	idempotencyKeyHeader = "Idempotency-Key"

	// requestsPerAttempt bounds the HTTP round trips of one attempt: the
	// login page, the login post and the transfer itself.
	requestsPerAttempt = 3
	leaseMargin        = 30 * time.Second
)

// RetryWindow is the longest a settlement can keep pushing to a peer with the
// given retry settings: every attempt at its full HTTP timeout plus the
// largest randomized backoff between attempts.
func RetryWindow(maxAttempts int, httpTimeout, initialBackoff time.Duration) time.Duration {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	window := time.Duration(maxAttempts) * requestsPerAttempt * httpTimeout
	interval := float64(initialBackoff)
	for i := 1; i < maxAttempts; i++ {
		window += time.Duration(interval * (1 + backoff.DefaultRandomizationFactor))
		interval = min(interval*backoff.DefaultMultiplier, float64(backoff.DefaultMaxInterval))
	}
	return window
}

// SettleLease is how long a worker holds a leg while settling it. The
// reconciliation sweep must not reverse anything younger than this.
func SettleLease(maxAttempts int, httpTimeout, initialBackoff time.Duration) time.Duration {
	return RetryWindow(maxAttempts, httpTimeout, initialBackoff) + leaseMargin
}

// Options configures a Client.
type Options struct {
	// RegistrationNumber is this bank's own registration number, sent to peers.
	RegistrationNumber string
	Credentials        Credentials
	HTTPTimeout        time.Duration
	MaxAttempts        int
	InitialBackoff     time.Duration
	Notifier           notification.Notifier
	// Authenticators overrides the strategies chosen by Bank.AuthScheme.
	Authenticators map[ledger.AuthScheme]Authenticator
}

// Client runs outgoing federated transfers.
type Client struct {
	store    ledger.Store
	engine   *transfer.Engine
	queue    tasks.Queue
	notifier notification.Notifier
	logger   *slog.Logger

	registration   string
	authenticators map[ledger.AuthScheme]Authenticator
	http           *http.Client
	maxAttempts    int
	initialBackoff time.Duration
	window         time.Duration
	lease          time.Duration
}

// NewClient builds a federation client.
func NewClient(store ledger.Store, engine *transfer.Engine, queue tasks.Queue, opts Options, logger *slog.Logger) *Client {
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 10 * time.Second
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 5
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.Notifier == nil {
		opts.Notifier = notification.Nop{}
	}
	auths := map[ledger.AuthScheme]Authenticator{
		ledger.AuthSession: NewSessionAuthenticator(opts.Credentials, opts.HTTPTimeout),
		ledger.AuthToken:   NewTokenAuthenticator(opts.Credentials, opts.HTTPTimeout),
	}
	for scheme, a := range opts.Authenticators {
		auths[scheme] = a
	}
	return &Client{
		store:          store,
		engine:         engine,
		queue:          queue,
		notifier:       opts.Notifier,
		logger:         logger.With("component", "federation"),
		registration:   opts.RegistrationNumber,
		authenticators: auths,
		http:           &http.Client{Timeout: opts.HTTPTimeout},
		maxAttempts:    opts.MaxAttempts,
		initialBackoff: opts.InitialBackoff,
		window:         RetryWindow(opts.MaxAttempts, opts.HTTPTimeout, opts.InitialBackoff),
		lease:          SettleLease(opts.MaxAttempts, opts.HTTPTimeout, opts.InitialBackoff),
	}
}

// TransferExternal runs phase one of a transfer to destination at the peer
// bank identified by registration. It returns once the pending debit is
// committed; settlement happens in the background.
func (c *Client) TransferExternal(ctx context.Context, source int64, registration, destination string, amount money.Money) (uuid.UUID, error) {
	if !amount.IsPositive() {
		return uuid.Nil, ledger.ErrInvalidAmount
	}
	if strings.TrimSpace(destination) == "" {
		return uuid.Nil, &ledger.ValidationError{Field: "destination_account", Reason: "required"}
	}
	if registration == c.registration {
		return uuid.Nil, fmt.Errorf("%w: %s is this bank", ErrDestinationBankUnknown, registration)
	}
	bank, err := c.store.BankByRegistration(ctx, registration)
	if errors.Is(err, ledger.ErrBankNotFound) {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrDestinationBankUnknown, registration)
	}
	if err != nil {
		return uuid.Nil, err
	}

	entry, err := c.engine.Debit(ctx, transfer.ExternalDebit{
		Source:      source,
		Bank:        bank,
		PeerAccount: destination,
		Amount:      amount,
	})
	if err != nil {
		return uuid.Nil, err
	}

	if err := c.queue.Enqueue(ctx, tasks.Task{Kind: tasks.KindFederationSettle, TransactionID: entry.TransactionID}); err != nil {
		// The debit is committed. The reconciliation sweep or a manual
		// re-enqueue picks it up.
		c.logger.ErrorContext(ctx, "enqueue settlement failed",
			slog.String("transaction_id", entry.TransactionID.String()),
			slog.Any("error", err))
	}
	return entry.TransactionID, nil
}

// SettleTask adapts Settle to a tasks.Handler.
func (c *Client) SettleTask(ctx context.Context, task tasks.Task) error {
	return c.Settle(ctx, task.TransactionID)
}

// Settle runs phase two for txID. It is a no-op when the transaction has no
// pending federated leg or another worker holds it. The leg is leased for
// the duration of the push so the reconciliation sweep cannot reverse it
// underneath; on failure the lease is dropped, the leg stays pending and the
// error is returned for logging.
func (c *Client) Settle(ctx context.Context, txID uuid.UUID) error {
	leg, claimed, err := c.engine.ClaimSettlement(ctx, txID, c.lease)
	if errors.Is(err, ledger.ErrSettlementInFlight) {
		c.logger.DebugContext(ctx, "settlement already running", slog.String("transaction_id", txID.String()))
		return nil
	}
	if err != nil {
		return err
	}
	if !claimed {
		c.logger.DebugContext(ctx, "nothing to settle", slog.String("transaction_id", txID.String()))
		return nil
	}
	// Bookkeeping after the push must land even when ctx is cancelled.
	bookCtx := context.WithoutCancel(ctx)

	bank, err := c.store.Bank(ctx, leg.BankID)
	if err != nil {
		c.release(bookCtx, txID)
		return err
	}
	log := c.logger.With(
		slog.String("transaction_id", txID.String()),
		slog.String("bank", bank.RegistrationNumber))

	pushCtx, cancel := context.WithTimeout(ctx, c.window)
	err = c.push(pushCtx, bank, leg, log)
	cancel()
	if err != nil {
		log.WarnContext(ctx, "external transfer left pending", slog.Any("error", err))
		c.release(bookCtx, txID)
		return err
	}

	settled, changed, err := c.engine.Finalize(bookCtx, txID)
	if err != nil {
		log.ErrorContext(ctx, "delivered to peer but not finalized", slog.Any("error", err))
		return fmt.Errorf("finalize %s: %w", txID, err)
	}
	if !changed {
		if settled.Status == ledger.EntryRejected {
			log.ErrorContext(ctx, "delivered to peer but reversed locally; manual repair needed",
				slog.Int64("account_id", settled.AccountID),
				slog.String("amount", settled.Amount.Neg().String()))
			return fmt.Errorf("%w: %s", ErrSettlementConflict, txID)
		}
		return nil
	}
	log.InfoContext(ctx, "external transfer settled", slog.String("amount", settled.Amount.Neg().String()))

	if account, err := c.store.Account(bookCtx, settled.AccountID); err == nil && account.OwnerID != "" {
		if err := c.notifier.Send(bookCtx, notification.Message{
			Kind:        notification.KindExternalSettled,
			Destination: account.OwnerID,
			Body:        fmt.Sprintf("Your transfer of %s to %s at bank %s was delivered", settled.Amount.Neg(), settled.PeerAccount, bank.RegistrationNumber),
		}); err != nil {
			log.WarnContext(ctx, "notify settlement", slog.Any("error", err))
		}
	}
	return nil
}

func (c *Client) release(ctx context.Context, txID uuid.UUID) {
	if err := c.engine.ReleaseSettlement(ctx, txID); err != nil {
		c.logger.ErrorContext(ctx, "release settlement lease",
			slog.String("transaction_id", txID.String()),
			slog.Any("error", err))
	}
}

// push delivers the transfer to the peer, retrying transient failures. Every
// attempt carries the transaction id as Idempotency-Key so the peer applies
// the transfer at most once.
func (c *Client) push(ctx context.Context, bank ledger.Bank, leg ledger.Entry, log *slog.Logger) error {
	auth, ok := c.authenticators[bank.AuthScheme]
	if !ok {
		return fmt.Errorf("%w: no authenticator for scheme %q", ErrPeerAuthenticationFailed, bank.AuthScheme)
	}

	form := url.Values{
		"source_account":      {strconv.FormatInt(leg.AccountID, 10)},
		"destination_account": {leg.PeerAccount},
		"registration_number": {c.registration},
		"amount":              {leg.Amount.Neg().String()},
	}
	endpoint := strings.TrimRight(bank.BaseURL, "/") + transferPath

	var session Session
	attempt := 0
	op := func() error {
		attempt++
		if session == nil {
			s, err := auth.Login(ctx, bank)
			if err != nil {
				return classify(err)
			}
			session = s
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set(idempotencyKeyHeader, leg.TransactionID.String())

		resp, err := session.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPeerCommunicationFailed, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode/100 == 2 {
			return nil
		}
		serr := statusError("external transfer", resp)
		if errors.Is(serr, ErrPeerAuthenticationFailed) {
			// Session may have expired; log in again on the next attempt.
			session = nil
		}
		return classify(serr)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.initialBackoff
	policy.MaxElapsedTime = 0
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.maxAttempts-1)), ctx)

	return backoff.RetryNotify(op, retry, func(err error, wait time.Duration) {
		log.WarnContext(ctx, "external transfer attempt failed",
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", wait),
			slog.Any("error", err))
	})
}

// classify marks errors that cannot succeed on retry as permanent. Network
// errors, 5xx and 429 replies, and auth rejections (which drop the session)
// are retried.
func classify(err error) error {
	var serr *StatusError
	if errors.As(err, &serr) {
		if serr.Temporary() || errors.Is(serr, ErrPeerAuthenticationFailed) {
			return err
		}
		return backoff.Permanent(err)
	}
	if errors.Is(err, ErrPeerCommunicationFailed) {
		return err
	}
	return backoff.Permanent(err)
}
