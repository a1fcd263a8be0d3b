package identity

import (
	"time"

	"github.com/kea-semester-1/best-bank-as/internal/auth"
)

// ServiceAccount is a machine credential: a peer bank pushing transfers, or a
// staff operator administering accounts.
type ServiceAccount struct {
	ID                 string
	Username           string
	PasswordHash       []byte
	RegistrationNumber string
	Role               auth.Role
	TokenVersion       int
	CreatedAt          time.Time
}

// Principal converts the account into the identity a token is issued for.
func (a ServiceAccount) Principal() auth.Principal {
	return auth.Principal{
		Subject:      a.ID,
		Username:     a.Username,
		Registration: a.RegistrationNumber,
		Role:         a.Role,
		TokenVersion: a.TokenVersion,
	}
}

// Credentials request structure.
type Credentials struct {
	Username           string
	Password           string
	RegistrationNumber string
	Role               auth.Role
}
