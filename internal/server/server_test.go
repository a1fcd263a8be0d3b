package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kea-semester-1/best-bank-as/internal/account"
	"github.com/kea-semester-1/best-bank-as/internal/auth"
	"github.com/kea-semester-1/best-bank-as/internal/config"
	"github.com/kea-semester-1/best-bank-as/internal/core"
	"github.com/kea-semester-1/best-bank-as/internal/identity"
	"github.com/kea-semester-1/best-bank-as/internal/ledger"
	"github.com/kea-semester-1/best-bank-as/internal/logging"
)

type testServer struct {
	t    *testing.T
	srv  *Server
	core *core.Core
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	t.Setenv("APP_ENV", "development")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("QUEUE_BACKEND", "")
	t.Setenv("BANK_REGISTRATION_NUMBER", "0001")

	cfg, err := config.Load("")
	require.NoError(t, err)
	c, err := core.New(context.Background(), cfg, nil, nil, logging.Discard())
	require.NoError(t, err)
	return &testServer{t: t, srv: New(c), core: c}
}

func (ts *testServer) do(req *http.Request) (int, map[string]any) {
	ts.t.Helper()
	resp, err := ts.srv.App().Test(req)
	require.NoError(ts.t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(ts.t, err)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)
	return resp.StatusCode, body
}

func (ts *testServer) token(username, password string) string {
	ts.t.Helper()
	form := url.Values{"username": {username}, "password": {password}}
	req := httptest.NewRequest(http.MethodPost, "/auth-token/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	status, body := ts.do(req)
	require.Equal(ts.t, http.StatusOK, status, body)
	return body["token"].(string)
}

func (ts *testServer) json(method, path, token, payload string) (int, map[string]any) {
	ts.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return ts.do(req)
}

func TestHealthReportsInMemoryLedger(t *testing.T) {
	ts := newTestServer(t)
	status, body := ts.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, status)
	checks := body["status"].(map[string]any)
	assert.Equal(t, "in-memory", checks["postgres"])
	assert.Equal(t, "disabled", checks["redis"])
	assert.Equal(t, "ok", checks["ledger"])
}

func TestStaffAPIRequiresToken(t *testing.T) {
	ts := newTestServer(t)
	status, body := ts.json(http.MethodGet, "/api/v1/accounts/1", "", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "missing bearer token", body["error"])

	_, err := ts.core.Identity.Register(context.Background(), identity.Credentials{
		Username: "peer-1234", Password: "peer-password", RegistrationNumber: "1234", Role: auth.RoleBank,
	})
	require.NoError(t, err)
	status, _ = ts.json(http.MethodGet, "/api/v1/accounts/1", ts.token("peer-1234", "peer-password"), "")
	assert.Equal(t, http.StatusForbidden, status)
}

func TestAccountLifecycleAndTransfer(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	_, err := ts.core.Identity.Register(ctx, identity.Credentials{
		Username: "teller", Password: "teller-password", Role: auth.RoleStaff,
	})
	require.NoError(t, err)
	tok := ts.token("teller", "teller-password")

	open := func(owner string) int64 {
		status, body := ts.json(http.MethodPost, "/api/v1/accounts", tok, `{"owner_id":"`+owner+`"}`)
		require.Equal(t, http.StatusCreated, status, body)
		assert.Equal(t, "pending", body["status"])
		id := int64(body["id"].(float64))
		status, body = ts.json(http.MethodPatch, fmt.Sprintf("/api/v1/accounts/%d/status", id), tok, `{"status":"active"}`)
		require.Equal(t, http.StatusOK, status, body)
		return id
	}
	alice, bob := open("alice"), open("bob")

	internal, err := ts.core.Accounts.EnsureInternal(ctx)
	require.NoError(t, err)

	transfer := func(from, to int64, amount string) (int, map[string]any) {
		return ts.json(http.MethodPost, "/api/v1/transfers", tok,
			fmt.Sprintf(`{"source_account":%d,"destination_account":%d,"amount":"%s"}`, from, to, amount))
	}

	status, body := transfer(internal.ID, alice, "100")
	require.Equal(t, http.StatusCreated, status, body)
	status, body = transfer(alice, bob, "30.25")
	require.Equal(t, http.StatusCreated, status, body)
	txID := body["transaction_id"].(string)

	status, body = transfer(alice, bob, "1000")
	assert.Equal(t, http.StatusUnprocessableEntity, status, body)

	status, body = ts.json(http.MethodGet, fmt.Sprintf("/api/v1/accounts/%d/balance", alice), tok, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "69.75", body["balance"])

	status, body = ts.json(http.MethodGet, fmt.Sprintf("/api/v1/accounts/%d/balance", bob), tok, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "30.25", body["balance"])

	status, body = ts.json(http.MethodGet, "/api/v1/transactions/"+txID, tok, "")
	require.Equal(t, http.StatusOK, status, body)

	status, body = ts.json(http.MethodGet, fmt.Sprintf("/api/v1/accounts/%d/transactions", bob), tok, "")
	require.Equal(t, http.StatusOK, status)
	history := body["transactions"].([]any)
	require.Len(t, history, 1)
	assert.Equal(t, txID, history[0].(map[string]any)["transaction_id"])
}

func TestPeerOnboardingInboundTransferAndRevoke(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	_, err := ts.core.Identity.Register(ctx, identity.Credentials{
		Username: "teller", Password: "teller-password", Role: auth.RoleStaff,
	})
	require.NoError(t, err)
	staff := ts.token("teller", "teller-password")

	_, err = ts.core.Store.CreateBank(ctx, ledger.Bank{
		RegistrationNumber: "1234", Name: "Peer Bank", BaseURL: "http://peer.invalid", AuthScheme: ledger.AuthToken,
	})
	require.NoError(t, err)

	status, body := ts.json(http.MethodPost, "/api/v1/service-accounts", staff,
		`{"username":"peer-1234","password":"peer-password","registration_number":"1234","role":"bank"}`)
	require.Equal(t, http.StatusCreated, status, body)
	peerID := body["id"].(string)

	status, _ = ts.json(http.MethodPost, "/api/v1/service-accounts", staff,
		`{"username":"peer-1234","password":"peer-password","registration_number":"1234","role":"bank"}`)
	assert.Equal(t, http.StatusConflict, status)

	bob, err := ts.core.Accounts.Create(ctx, account.CreateInput{OwnerID: "bob", Status: ledger.StatusActive})
	require.NoError(t, err)
	peer := ts.token("peer-1234", "peer-password")

	push := func(token, key string) int {
		form := url.Values{
			"source_account":      {"77"},
			"destination_account": {strconv.FormatInt(bob.ID, 10)},
			"registration_number": {"1234"},
			"amount":              {"15.00"},
		}
		req := httptest.NewRequest(http.MethodPost, "/external-transfer/", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Idempotency-Key", key)
		status, _ := ts.do(req)
		return status
	}

	assert.Equal(t, http.StatusCreated, push(peer, "k-1"))
	assert.Equal(t, http.StatusOK, push(peer, "k-1"), "the ledger deduplicates without Redis")
	assert.Equal(t, http.StatusForbidden, push(staff, "k-2"))

	balance, err := ts.core.Accounts.Balance(ctx, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, "15.00", balance.String())

	status, _ = ts.json(http.MethodPost, "/api/v1/service-accounts/"+peerID+"/revoke", staff, "")
	require.Equal(t, http.StatusNoContent, status)
	assert.Equal(t, http.StatusUnauthorized, push(peer, "k-3"))
}
