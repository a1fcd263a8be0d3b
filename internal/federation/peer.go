package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/kea-semester-1/best-bank-as/internal/ledger"
)

var (
	// ErrDestinationBankUnknown is returned when a registration number is not
	// in the peer directory.
	ErrDestinationBankUnknown = errors.New("destination bank unknown")
	// ErrPeerAuthenticationFailed is returned when a peer rejects our
	// credentials.
	ErrPeerAuthenticationFailed = errors.New("peer authentication failed")
	// ErrPeerCommunicationFailed covers network errors and unexpected peer
	// responses.
	ErrPeerCommunicationFailed = errors.New("peer communication failed")
	// ErrSettlementConflict is returned when a peer accepted a transfer whose
	// local debit was already reversed. The sender got the money back and the
	// peer credited it too; an operator has to repair it.
	ErrSettlementConflict = errors.New("delivered transfer was reversed locally")
)

// StatusError is a non-2xx reply from a peer.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: peer replied %d: %s", e.Op, e.Status, e.Body)
}

// Temporary reports whether the request may succeed when repeated.
func (e *StatusError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// Unwrap classifies the reply. A redirect counts as an auth failure: peers
// send an expired session to their login page.
func (e *StatusError) Unwrap() error {
	if e.Status/100 == 3 || e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden {
		return ErrPeerAuthenticationFailed
	}
	return ErrPeerCommunicationFailed
}

// Credentials are the shared secret this bank presents to its peers.
type Credentials struct {
	Username string
	Password string
}

// Session performs authenticated requests against one peer.
type Session interface {
	Do(req *http.Request) (*http.Response, error)
}

// Authenticator opens a session with a peer bank.
type Authenticator interface {
	Login(ctx context.Context, bank ledger.Bank) (Session, error)
}

const (
	loginPath     = "/accounts/login/"
	tokenPath     = "/auth-token/"
	csrfCookie    = "csrftoken"
	sessionCookie = "sessionid"
	maxErrorBytes = 512
)

// SessionAuthenticator logs in through a peer's HTML login form: it fetches
// the CSRF cookie, posts the credentials with it, and keeps the session
// cookie in a jar private to the returned session.
type SessionAuthenticator struct {
	creds   Credentials
	timeout time.Duration
}

// NewSessionAuthenticator builds the cookie based strategy.
func NewSessionAuthenticator(creds Credentials, timeout time.Duration) *SessionAuthenticator {
	return &SessionAuthenticator{creds: creds, timeout: timeout}
}

func (a *SessionAuthenticator) Login(ctx context.Context, bank ledger.Bank) (Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{
		Jar:     jar,
		Timeout: a.timeout,
		// Django answers a good login with a redirect; the status is enough.
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	base := strings.TrimRight(bank.BaseURL, "/")
	loginURL := base + loginPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loginURL, nil)
	if err != nil {
		return nil, err
	}
	if err := send(client, req, "fetch login page"); err != nil {
		return nil, err
	}

	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	csrf := cookieValue(jar, baseURL, csrfCookie)
	if csrf == "" {
		return nil, fmt.Errorf("%w: no %s cookie from %s", ErrPeerAuthenticationFailed, csrfCookie, loginURL)
	}

	form := url.Values{
		"username":            {a.creds.Username},
		"password":            {a.creds.Password},
		"csrfmiddlewaretoken": {csrf},
	}
	req, err = http.NewRequestWithContext(ctx, http.MethodPost, loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", loginURL)
	req.Header.Set("X-CSRFToken", csrf)
	if err := send(client, req, "login"); err != nil {
		return nil, err
	}
	// A rejected login re-renders the form with 200 and sets no session.
	if cookieValue(jar, baseURL, sessionCookie) == "" {
		return nil, fmt.Errorf("%w: %s set no %s cookie", ErrPeerAuthenticationFailed, loginURL, sessionCookie)
	}

	return &cookieSession{client: client, jar: jar, base: baseURL, referer: loginURL}, nil
}

type cookieSession struct {
	client  *http.Client
	jar     http.CookieJar
	base    *url.URL
	referer string
}

// Do adds the current CSRF token; the peer rotates it on login.
func (s *cookieSession) Do(req *http.Request) (*http.Response, error) {
	if csrf := cookieValue(s.jar, s.base, csrfCookie); csrf != "" {
		req.Header.Set("X-CSRFToken", csrf)
	}
	req.Header.Set("Referer", s.referer)
	return s.client.Do(req)
}

// TokenAuthenticator exchanges the credentials for a bearer token at the
// peer's /auth-token/ endpoint.
type TokenAuthenticator struct {
	creds  Credentials
	client *http.Client
}

// NewTokenAuthenticator builds the bearer token strategy.
func NewTokenAuthenticator(creds Credentials, timeout time.Duration) *TokenAuthenticator {
	return &TokenAuthenticator{creds: creds, client: &http.Client{
		Timeout:       timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}}
}

func (a *TokenAuthenticator) Login(ctx context.Context, bank ledger.Bank) (Session, error) {
	form := url.Values{"username": {a.creds.Username}, "password": {a.creds.Password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(bank.BaseURL, "/")+tokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: request token: %v", ErrPeerCommunicationFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, statusError("request token", resp)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode token: %v", ErrPeerCommunicationFailed, err)
	}
	if body.Token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrPeerAuthenticationFailed)
	}
	return &tokenSession{client: a.client, token: body.Token}, nil
}

type tokenSession struct {
	client *http.Client
	token  string
}

func (s *tokenSession) Do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+s.token)
	return s.client.Do(req)
}

func send(client *http.Client, req *http.Request, op string) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPeerCommunicationFailed, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return statusError(op, resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func statusError(op string, resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
	return &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

func cookieValue(jar http.CookieJar, u *url.URL, name string) string {
	for _, c := range jar.Cookies(u) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}
