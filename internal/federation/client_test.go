package federation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kea-semester-1/best-bank-as/internal/ledger"
	"github.com/kea-semester-1/best-bank-as/internal/ledger/ledgertest"
	"github.com/kea-semester-1/best-bank-as/internal/logging"
	"github.com/kea-semester-1/best-bank-as/internal/money"
	"github.com/kea-semester-1/best-bank-as/internal/tasks"
	"github.com/kea-semester-1/best-bank-as/internal/transfer"
)

const ownRegistration = "9999"

// fakePeer imitates a peer bank supporting both login styles.
type fakePeer struct {
	t *testing.T

	mu       sync.Mutex
	statuses []int // replies to /external-transfer/, last one repeats
	keys     []string
	forms    []map[string]string
	logins   int
	expire   int    // transfer calls answered with a redirect to the login page
	hook     func() // runs after a transfer is recorded, before the reply
}

func newFakePeer(t *testing.T, statuses ...int) (*fakePeer, *httptest.Server) {
	p := &fakePeer{t: t, statuses: statuses}
	mux := http.NewServeMux()
	mux.HandleFunc("/auth-token/", p.token)
	mux.HandleFunc("/accounts/login/", p.login)
	mux.HandleFunc("/external-transfer/", p.transfer)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return p, srv
}

func (p *fakePeer) token(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.FormValue("username") != "bestbank" || r.FormValue("password") != "hunter22" {
		http.Error(w, "bad credentials", http.StatusBadRequest)
		return
	}
	p.mu.Lock()
	p.logins++
	p.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"token":"peer-token"}`))
}

func (p *fakePeer) login(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		http.SetCookie(w, &http.Cookie{Name: "csrftoken", Value: "csrf-1", Path: "/"})
		_, _ = w.Write([]byte("<form></form>"))
	case http.MethodPost:
		cookie, err := r.Cookie("csrftoken")
		if err != nil || cookie.Value != "csrf-1" || r.FormValue("csrfmiddlewaretoken") != "csrf-1" || r.Header.Get("X-CSRFToken") != "csrf-1" {
			http.Error(w, "csrf failed", http.StatusForbidden)
			return
		}
		if r.FormValue("username") != "bestbank" || r.FormValue("password") != "hunter22" {
			// Django re-renders the form without a session.
			_, _ = w.Write([]byte("<form>Please enter a correct username and password.</form>"))
			return
		}
		p.mu.Lock()
		p.logins++
		p.mu.Unlock()
		http.SetCookie(w, &http.Cookie{Name: "sessionid", Value: "sess-1", Path: "/"})
		http.SetCookie(w, &http.Cookie{Name: "csrftoken", Value: "csrf-2", Path: "/"})
		http.Redirect(w, r, "/", http.StatusFound)
	}
}

func (p *fakePeer) transfer(w http.ResponseWriter, r *http.Request) {
	authorized := r.Header.Get("Authorization") == "Bearer peer-token"
	if session, err := r.Cookie("sessionid"); err == nil && session.Value == "sess-1" && r.Header.Get("X-CSRFToken") == "csrf-2" {
		authorized = true
	}
	if !authorized {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	if p.expire > 0 {
		p.expire--
		p.mu.Unlock()
		http.Redirect(w, r, loginPath+"?next="+transferPath, http.StatusFound)
		return
	}
	p.keys = append(p.keys, r.Header.Get("Idempotency-Key"))
	p.forms = append(p.forms, map[string]string{
		"source_account":      r.PostForm.Get("source_account"),
		"destination_account": r.PostForm.Get("destination_account"),
		"registration_number": r.PostForm.Get("registration_number"),
		"amount":              r.PostForm.Get("amount"),
	})
	status := http.StatusOK
	if len(p.statuses) > 0 {
		status = p.statuses[0]
		if len(p.statuses) > 1 {
			p.statuses = p.statuses[1:]
		}
	}
	hook := p.hook
	p.mu.Unlock()

	if hook != nil {
		hook()
	}
	w.WriteHeader(status)
}

func (p *fakePeer) attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

type harness struct {
	fx     *ledgertest.Fixture
	engine *transfer.Engine
	queue  *tasks.MemoryQueue
	client *Client
}

func newHarness(t *testing.T, maxAttempts int) *harness {
	t.Helper()
	fx := ledgertest.New(t)
	engine := transfer.NewEngine(fx.Store, nil, logging.Discard())
	queue := tasks.NewMemoryQueue(16)
	client := NewClient(fx.Store, engine, queue, Options{
		RegistrationNumber: ownRegistration,
		Credentials:        Credentials{Username: "bestbank", Password: "hunter22"},
		HTTPTimeout:        2 * time.Second,
		MaxAttempts:        maxAttempts,
		InitialBackoff:     time.Millisecond,
	}, logging.Discard())
	return &harness{fx: fx, engine: engine, queue: queue, client: client}
}

func (h *harness) entries(t *testing.T, accountID int64) []ledger.Movement {
	t.Helper()
	var out []ledger.Movement
	for m, err := range h.fx.Store.History(context.Background(), accountID) {
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func (h *harness) settleNext(t *testing.T) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := h.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, tasks.KindFederationSettle, task.Kind)
	return h.client.SettleTask(ctx, task)
}

func TestTransferExternalUnknownBank(t *testing.T) {
	h := newHarness(t, 5)
	a := h.fx.Open(t, "alice", ledger.StatusActive)
	h.fx.Fund(t, a.ID, "100")

	_, err := h.client.TransferExternal(context.Background(), a.ID, "0000", "42", money.MustParse("50"))
	require.ErrorIs(t, err, ErrDestinationBankUnknown)

	assert.Len(t, h.entries(t, a.ID), 1, "only the funding entry may exist")
	assert.Equal(t, "100.00", h.fx.Balance(t, a.ID).String())

	_, err = h.client.TransferExternal(context.Background(), a.ID, ownRegistration, "42", money.MustParse("50"))
	require.ErrorIs(t, err, ErrDestinationBankUnknown)
}

func TestTransferExternalValidation(t *testing.T) {
	h := newHarness(t, 5)
	_, srv := newFakePeer(t)
	h.fx.AddBank(t, "1234", srv.URL, ledger.AuthToken)
	a := h.fx.Open(t, "alice", ledger.StatusActive)
	h.fx.Fund(t, a.ID, "100")
	ctx := context.Background()

	_, err := h.client.TransferExternal(ctx, a.ID, "1234", "42", money.MustParse("0"))
	require.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = h.client.TransferExternal(ctx, a.ID, "1234", "42", money.MustParse("100.01"))
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	_, err = h.client.TransferExternal(ctx, a.ID, "1234", "", money.MustParse("1"))
	var verr *ledger.ValidationError
	require.ErrorAs(t, err, &verr)

	assert.Len(t, h.entries(t, a.ID), 1)
}

func TestTransferExternalSettlesAfterPeerAccepts(t *testing.T) {
	h := newHarness(t, 5)
	peer, srv := newFakePeer(t, http.StatusOK)
	h.fx.AddBank(t, "1234", srv.URL, ledger.AuthToken)
	a := h.fx.Open(t, "alice", ledger.StatusActive)
	h.fx.Fund(t, a.ID, "100")

	txID, err := h.client.TransferExternal(context.Background(), a.ID, "1234", "42", money.MustParse("50"))
	require.NoError(t, err)

	entries, err := h.fx.Store.TransactionEntries(context.Background(), txID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.EntryPending, entries[0].Status)
	assert.Equal(t, "-50.00", entries[0].Amount.String())
	assert.Equal(t, "50.00", h.fx.Balance(t, a.ID).String(), "the pending debit counts against the balance")

	require.NoError(t, h.settleNext(t))

	entries, err = h.fx.Store.TransactionEntries(context.Background(), txID)
	require.NoError(t, err)
	assert.Equal(t, ledger.EntryProcessed, entries[0].Status)

	require.Equal(t, 1, peer.attempts())
	assert.Equal(t, txID.String(), peer.keys[0])
	assert.Equal(t, map[string]string{
		"source_account":      strconv.FormatInt(a.ID, 10),
		"destination_account": "42",
		"registration_number": ownRegistration,
		"amount":              "50.00",
	}, peer.forms[0])

	// A duplicate settle task is harmless.
	require.NoError(t, h.client.Settle(context.Background(), txID))
	assert.Equal(t, 1, peer.attempts())
}

func TestSettleRetriesTransientFailuresWithSameKey(t *testing.T) {
	h := newHarness(t, 5)
	peer, srv := newFakePeer(t, http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusOK)
	h.fx.AddBank(t, "1234", srv.URL, ledger.AuthToken)
	a := h.fx.Open(t, "alice", ledger.StatusActive)
	h.fx.Fund(t, a.ID, "100")

	txID, err := h.client.TransferExternal(context.Background(), a.ID, "1234", "42", money.MustParse("10"))
	require.NoError(t, err)
	require.NoError(t, h.settleNext(t))

	require.Equal(t, 3, peer.attempts())
	for _, key := range peer.keys {
		assert.Equal(t, txID.String(), key)
	}
	entries, err := h.fx.Store.TransactionEntries(context.Background(), txID)
	require.NoError(t, err)
	assert.Equal(t, ledger.EntryProcessed, entries[0].Status)
}

func TestSettleLeavesEntryPendingOnFailure(t *testing.T) {
	cases := []struct {
		name     string
		statuses []int
		attempts int
	}{
		{"client error is permanent", []int{http.StatusBadRequest}, 1},
		{"retries are capped", []int{http.StatusInternalServerError}, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, 3)
			peer, srv := newFakePeer(t, tc.statuses...)
			h.fx.AddBank(t, "1234", srv.URL, ledger.AuthToken)
			a := h.fx.Open(t, "alice", ledger.StatusActive)
			h.fx.Fund(t, a.ID, "100")

			txID, err := h.client.TransferExternal(context.Background(), a.ID, "1234", "42", money.MustParse("25"))
			require.NoError(t, err)

			err = h.settleNext(t)
			require.ErrorIs(t, err, ErrPeerCommunicationFailed)
			assert.Equal(t, tc.attempts, peer.attempts())

			entries, err := h.fx.Store.TransactionEntries(context.Background(), txID)
			require.NoError(t, err)
			assert.Equal(t, ledger.EntryPending, entries[0].Status)
			assert.Equal(t, "75.00", h.fx.Balance(t, a.ID).String())
		})
	}
}

func TestSettleWithSessionLogin(t *testing.T) {
	h := newHarness(t, 5)
	peer, srv := newFakePeer(t, http.StatusCreated)
	h.fx.AddBank(t, "4321", srv.URL, ledger.AuthSession)
	a := h.fx.Open(t, "alice", ledger.StatusActive)
	h.fx.Fund(t, a.ID, "100")

	txID, err := h.client.TransferExternal(context.Background(), a.ID, "4321", "7", money.MustParse("12.34"))
	require.NoError(t, err)
	require.NoError(t, h.settleNext(t))

	assert.Equal(t, 1, peer.logins)
	require.Equal(t, 1, peer.attempts())
	assert.Equal(t, "12.34", peer.forms[0]["amount"])

	entries, err := h.fx.Store.TransactionEntries(context.Background(), txID)
	require.NoError(t, err)
	assert.Equal(t, ledger.EntryProcessed, entries[0].Status)
}

func TestSettleReportsAuthenticationFailure(t *testing.T) {
	h := newHarness(t, 2)
	h.client.authenticators[ledger.AuthToken] = NewTokenAuthenticator(Credentials{Username: "bestbank", Password: "wrong"}, time.Second)
	peer, srv := newFakePeer(t)
	h.fx.AddBank(t, "1234", srv.URL, ledger.AuthToken)
	a := h.fx.Open(t, "alice", ledger.StatusActive)
	h.fx.Fund(t, a.ID, "100")

	_, err := h.client.TransferExternal(context.Background(), a.ID, "1234", "42", money.MustParse("5"))
	require.NoError(t, err)

	err = h.settleNext(t)
	require.Error(t, err)
	assert.Equal(t, 0, peer.attempts())
}

func TestSettleRejectsLoginWithoutSession(t *testing.T) {
	h := newHarness(t, 3)
	h.client.authenticators[ledger.AuthSession] = NewSessionAuthenticator(Credentials{Username: "bestbank", Password: "wrong"}, time.Second)
	peer, srv := newFakePeer(t)
	h.fx.AddBank(t, "4321", srv.URL, ledger.AuthSession)
	a := h.fx.Open(t, "alice", ledger.StatusActive)
	h.fx.Fund(t, a.ID, "100")

	txID, err := h.client.TransferExternal(context.Background(), a.ID, "4321", "7", money.MustParse("25"))
	require.NoError(t, err)

	err = h.settleNext(t)
	require.ErrorIs(t, err, ErrPeerAuthenticationFailed)
	assert.Zero(t, peer.logins)
	assert.Zero(t, peer.attempts())

	entries, err := h.fx.Store.TransactionEntries(context.Background(), txID)
	require.NoError(t, err)
	assert.Equal(t, ledger.EntryPending, entries[0].Status)
	assert.Equal(t, "75.00", h.fx.Balance(t, a.ID).String())
}

func TestSettleLogsInAgainWhenSessionExpires(t *testing.T) {
	h := newHarness(t, 3)
	peer, srv := newFakePeer(t, http.StatusOK)
	peer.expire = 1
	h.fx.AddBank(t, "4321", srv.URL, ledger.AuthSession)
	a := h.fx.Open(t, "alice", ledger.StatusActive)
	h.fx.Fund(t, a.ID, "100")

	txID, err := h.client.TransferExternal(context.Background(), a.ID, "4321", "7", money.MustParse("10"))
	require.NoError(t, err)
	require.NoError(t, h.settleNext(t))

	assert.Equal(t, 2, peer.logins)
	require.Equal(t, 1, peer.attempts())
	assert.Equal(t, txID.String(), peer.keys[0])

	entries, err := h.fx.Store.TransactionEntries(context.Background(), txID)
	require.NoError(t, err)
	assert.Equal(t, ledger.EntryProcessed, entries[0].Status)
}

func TestSettlementLeaseHoldsOffReconciler(t *testing.T) {
	h := newHarness(t, 5)
	peer, srv := newFakePeer(t, http.StatusOK)
	h.fx.AddBank(t, "1234", srv.URL, ledger.AuthToken)
	a := h.fx.Open(t, "alice", ledger.StatusActive)
	h.fx.Fund(t, a.ID, "100")
	ctx := context.Background()

	txID, err := h.client.TransferExternal(ctx, a.ID, "1234", "42", money.MustParse("30"))
	require.NoError(t, err)

	rec := NewReconciler(h.fx.Store, h.engine, nil, logging.Discard())
	rec.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	var (
		swept               int
		sweepErr, secondErr error
	)
	peer.hook = func() {
		// The peer has the transfer but has not answered yet.
		swept, sweepErr = rec.Sweep(ctx, time.Hour)
		secondErr = h.client.Settle(ctx, txID)
	}
	require.NoError(t, h.settleNext(t))

	require.NoError(t, sweepErr)
	assert.Zero(t, swept, "a leg being settled is not reversed")
	require.NoError(t, secondErr)
	assert.Equal(t, 1, peer.attempts(), "a concurrent settle does not push again")

	entries, err := h.fx.Store.TransactionEntries(ctx, txID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.EntryProcessed, entries[0].Status)
	assert.Equal(t, "70.00", h.fx.Balance(t, a.ID).String())

	n, err := rec.Sweep(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSettleReportsDeliveredTransferReversedLocally(t *testing.T) {
	h := newHarness(t, 5)
	peer, srv := newFakePeer(t, http.StatusOK)
	h.fx.AddBank(t, "1234", srv.URL, ledger.AuthToken)
	a := h.fx.Open(t, "alice", ledger.StatusActive)
	h.fx.Fund(t, a.ID, "100")
	ctx := context.Background()

	txID, err := h.client.TransferExternal(ctx, a.ID, "1234", "42", money.MustParse("30"))
	require.NoError(t, err)

	var reverseErr error
	peer.hook = func() {
		// The lease ran out and an operator reversed the leg by hand.
		if reverseErr = h.engine.ReleaseSettlement(ctx, txID); reverseErr != nil {
			return
		}
		_, _, reverseErr = h.engine.Reverse(ctx, txID)
	}

	err = h.settleNext(t)
	require.NoError(t, reverseErr)
	require.ErrorIs(t, err, ErrSettlementConflict)
	assert.Contains(t, err.Error(), txID.String())
	assert.Equal(t, 1, peer.attempts())

	entries, err := h.fx.Store.TransactionEntries(ctx, txID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.EntryRejected, entries[0].Status)
	assert.Equal(t, "100.00", h.fx.Balance(t, a.ID).String())
}

func TestSettleReleasesLeaseOnFailure(t *testing.T) {
	h := newHarness(t, 1)
	peer, srv := newFakePeer(t, http.StatusServiceUnavailable, http.StatusOK)
	h.fx.AddBank(t, "1234", srv.URL, ledger.AuthToken)
	a := h.fx.Open(t, "alice", ledger.StatusActive)
	h.fx.Fund(t, a.ID, "100")
	ctx := context.Background()

	txID, err := h.client.TransferExternal(ctx, a.ID, "1234", "42", money.MustParse("5"))
	require.NoError(t, err)
	require.ErrorIs(t, h.settleNext(t), ErrPeerCommunicationFailed)

	// The next worker may claim the leg straight away.
	require.NoError(t, h.client.Settle(ctx, txID))
	assert.Equal(t, 2, peer.attempts())
	entries, err := h.fx.Store.TransactionEntries(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, ledger.EntryProcessed, entries[0].Status)
}

func TestRetryWindow(t *testing.T) {
	assert.Equal(t, 6*time.Second, RetryWindow(1, 2*time.Second, time.Second))
	assert.Equal(t, 9*time.Second+375*time.Millisecond, RetryWindow(3, time.Second, 100*time.Millisecond))
	// Backoff intervals stop growing at the library's cap.
	assert.Equal(t, 180*time.Second, RetryWindow(3, 0, time.Minute))
	assert.Equal(t, RetryWindow(5, time.Second, time.Second)+leaseMargin, SettleLease(5, time.Second, time.Second))
}

func TestStatusErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		want   error
		retry  bool
	}{
		{http.StatusFound, ErrPeerAuthenticationFailed, true},
		{http.StatusUnauthorized, ErrPeerAuthenticationFailed, true},
		{http.StatusForbidden, ErrPeerAuthenticationFailed, true},
		{http.StatusBadRequest, ErrPeerCommunicationFailed, false},
		{http.StatusTooManyRequests, ErrPeerCommunicationFailed, true},
		{http.StatusBadGateway, ErrPeerCommunicationFailed, true},
	}
	for _, tc := range cases {
		t.Run(strconv.Itoa(tc.status), func(t *testing.T) {
			err := &StatusError{Op: "external transfer", Status: tc.status}
			assert.ErrorIs(t, err, tc.want)
			var permanent *backoff.PermanentError
			assert.Equal(t, !tc.retry, errors.As(classify(err), &permanent))
		})
	}
}
