// Package identity stores the service accounts peer banks and staff use to
// obtain bearer tokens.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/kea-semester-1/best-bank-as/internal/auth"
)

const minPasswordLength = 8

// Service manages service account credentials.
type Service struct {
	repo Repository
}

// NewService creates a new identity service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Register creates a service account with a bcrypt-hashed password.
func (s *Service) Register(ctx context.Context, creds Credentials) (ServiceAccount, error) {
	if creds.Username == "" {
		return ServiceAccount{}, errors.New("username is required")
	}
	if len(creds.Password) < minPasswordLength {
		return ServiceAccount{}, fmt.Errorf("password must be at least %d characters", minPasswordLength)
	}
	if !creds.Role.Valid() {
		return ServiceAccount{}, fmt.Errorf("unknown role %q", creds.Role)
	}
	if creds.Role == auth.RoleBank && len(creds.RegistrationNumber) != 4 {
		return ServiceAccount{}, errors.New("bank accounts need a 4 character registration number")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), bcrypt.DefaultCost)
	if err != nil {
		return ServiceAccount{}, err
	}

	account := ServiceAccount{
		ID:                 uuid.New().String(),
		Username:           creds.Username,
		PasswordHash:       hash,
		RegistrationNumber: creds.RegistrationNumber,
		Role:               creds.Role,
		CreatedAt:          time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, account); err != nil {
		return ServiceAccount{}, err
	}
	return account, nil
}

// Authenticate verifies a username and password. It satisfies
// auth.CredentialChecker.
func (s *Service) Authenticate(ctx context.Context, username, password string) (auth.Principal, error) {
	account, err := s.repo.FindByUsername(ctx, username)
	if errors.Is(err, ErrNotFound) {
		return auth.Principal{}, auth.ErrInvalidCredentials
	}
	if err != nil {
		return auth.Principal{}, err
	}
	if err := bcrypt.CompareHashAndPassword(account.PasswordHash, []byte(password)); err != nil {
		return auth.Principal{}, auth.ErrInvalidCredentials
	}
	return account.Principal(), nil
}

// Current reports whether a token issued at version is still valid for the
// account id.
func (s *Service) Current(ctx context.Context, id string, version int) (bool, error) {
	account, err := s.repo.FindByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return account.TokenVersion == version, nil
}

// Rotate replaces the password of username and revokes its outstanding tokens.
func (s *Service) Rotate(ctx context.Context, username, password string) error {
	if len(password) < minPasswordLength {
		return fmt.Errorf("password must be at least %d characters", minPasswordLength)
	}
	account, err := s.repo.FindByUsername(ctx, username)
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return s.repo.UpdatePassword(ctx, account.ID, hash)
}

// Revoke invalidates every token issued to the account.
func (s *Service) Revoke(ctx context.Context, id string) error {
	account, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	return s.repo.UpdateTokenVersion(ctx, account.ID, account.TokenVersion+1)
}
