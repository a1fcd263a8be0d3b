package core

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kea-semester-1/best-bank-as/internal/account"
	"github.com/kea-semester-1/best-bank-as/internal/config"
	"github.com/kea-semester-1/best-bank-as/internal/ledger"
	"github.com/kea-semester-1/best-bank-as/internal/logging"
	"github.com/kea-semester-1/best-bank-as/internal/money"
)

func testConfig(peerURL string) config.Config {
	return config.Config{
		AppName: "test",
		AppEnv:  "development",
		Bank:    config.BankConfig{RegistrationNumber: "0001", Name: "Best Bank"},
		Federation: config.FederationConfig{
			Username:          "bestbank",
			Password:          "hunter22",
			HTTPTimeout:       2 * time.Second,
			MaxAttempts:       2,
			InitialBackoff:    time.Millisecond,
			ReconcileInterval: time.Minute,
			Workers:           1,
		},
		Auth:  config.AuthConfig{TokenTTL: time.Hour},
		Queue: config.QueueConfig{Backend: "memory"},
		Peers: []config.PeerConfig{{
			RegistrationNumber: "1234",
			Name:               "Peer Bank",
			BaseURL:            peerURL,
		}},
	}
}

func TestNewRefusesInMemoryOutsideDevelopment(t *testing.T) {
	cfg := testConfig("http://peer.invalid")
	cfg.AppEnv = "production"
	_, err := New(context.Background(), cfg, nil, nil, logging.Discard())
	require.Error(t, err)
}

func TestProvisionIsRepeatable(t *testing.T) {
	ctx := context.Background()
	c, err := New(ctx, testConfig("http://peer.invalid"), nil, nil, logging.Discard())
	require.NoError(t, err)

	report, err := c.Provision(ctx)
	require.NoError(t, err)
	assert.False(t, report.InternalCreated, "New already provisioned the in-memory ledger")
	require.Len(t, report.Peers, 1)
	assert.Equal(t, ledger.AuthToken, report.Peers[0].AuthScheme)

	banks, err := c.Store.Banks(ctx)
	require.NoError(t, err)
	assert.Len(t, banks, 1)

	internal, err := c.Accounts.EnsureInternal(ctx)
	require.NoError(t, err)
	assert.Equal(t, report.Internal.ID, internal.ID)

	bad := testConfig("http://peer.invalid")
	bad.Peers[0].AuthScheme = "carrier-pigeon"
	_, err = New(ctx, bad, nil, nil, logging.Discard())
	assert.ErrorContains(t, err, "unknown auth scheme")
}

func TestBackgroundWorkerSettlesExternalTransfers(t *testing.T) {
	var pushed atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/auth-token/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"t"}`))
	})
	mux.HandleFunc("/external-transfer/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer t" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		pushed.Add(1)
		w.WriteHeader(http.StatusCreated)
	})
	peer := httptest.NewServer(mux)
	defer peer.Close()

	ctx := context.Background()
	c, err := New(ctx, testConfig(peer.URL), nil, nil, logging.Discard())
	require.NoError(t, err)

	internal, err := c.Accounts.EnsureInternal(ctx)
	require.NoError(t, err)
	alice, err := c.Accounts.Create(ctx, account.CreateInput{OwnerID: "alice", Status: ledger.StatusActive})
	require.NoError(t, err)
	_, err = c.Engine.Transfer(ctx, internal.ID, alice.ID, money.MustParse("50"))
	require.NoError(t, err)

	txID, err := c.Federation.TransferExternal(ctx, alice.ID, "1234", "77", money.MustParse("20"))
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.RunBackground(runCtx)
	}()

	require.Eventually(t, func() bool {
		entries, err := c.Store.TransactionEntries(ctx, txID)
		return err == nil && len(entries) == 1 && entries[0].Status == ledger.EntryProcessed
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, int32(1), pushed.Load())
	balance, err := c.Accounts.Balance(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "30.00", balance.String())
}
