// Package auth issues and verifies the bearer tokens peer banks and staff
// present on protected routes.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Role is the capability carried by a token.
type Role string

const (
	// RoleBank is held by peer bank service accounts and allows pushing
	// external transfers.
	RoleBank Role = "bank"
	// RoleStaff allows account administration.
	RoleStaff Role = "staff"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleBank || r == RoleStaff
}

// Principal is the authenticated identity a token is issued for.
type Principal struct {
	Subject      string
	Username     string
	Registration string // peer bank registration number, empty for staff
	Role         Role
	TokenVersion int
}

// Claims are the verified contents of a token.
type Claims struct {
	Principal
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ErrInvalidCredentials is returned when a username/password pair is rejected.
var ErrInvalidCredentials = errors.New("invalid credentials")

// CredentialChecker verifies a username and password.
type CredentialChecker interface {
	Authenticate(ctx context.Context, username, password string) (Principal, error)
}

// Service signs and verifies HS256 tokens.
type Service struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewService builds a token service.
func NewService(secret string, ttl time.Duration) *Service {
	return &Service{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a token for p. It returns the token and its lifetime.
func (s *Service) Issue(p Principal) (string, time.Duration, error) {
	now := s.now()
	claims := map[string]any{
		"sub":  p.Subject,
		"usr":  p.Username,
		"reg":  p.Registration,
		"role": string(p.Role),
		"ver":  p.TokenVersion,
		"iat":  now.Unix(),
		"exp":  now.Add(s.ttl).Unix(),
	}
	signed, err := SignHS256(claims, s.secret)
	if err != nil {
		return "", 0, fmt.Errorf("sign token: %w", err)
	}
	return signed, s.ttl, nil
}

// Verify checks signature and expiry and decodes the claims.
func (s *Service) Verify(token string) (Claims, error) {
	raw, err := ParseAndVerifyHS256(token, s.secret, s.now())
	if err != nil {
		return Claims{}, err
	}
	sub, _ := raw["sub"].(string)
	usr, _ := raw["usr"].(string)
	reg, _ := raw["reg"].(string)
	role, _ := raw["role"].(string)
	ver, _ := raw["ver"].(float64)
	iat, _ := raw["iat"].(float64)
	exp, _ := raw["exp"].(float64)
	if sub == "" || !Role(role).Valid() {
		return Claims{}, ErrInvalidToken
	}
	return Claims{
		Principal: Principal{
			Subject:      sub,
			Username:     usr,
			Registration: reg,
			Role:         Role(role),
			TokenVersion: int(ver),
		},
		IssuedAt:  time.Unix(int64(iat), 0).UTC(),
		ExpiresAt: time.Unix(int64(exp), 0).UTC(),
	}, nil
}
