package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/kea-semester-1/best-bank-as/internal/auth"
)

func TestRegisterAndAuthenticate(t *testing.T) {
	svc := NewService(NewMemoryRepository())
	ctx := context.Background()

	account, err := svc.Register(ctx, Credentials{Username: "peer-bank", Password: "correct-horse", RegistrationNumber: "1234", Role: auth.RoleBank})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if string(account.PasswordHash) == "correct-horse" {
		t.Fatal("password stored in clear text")
	}

	principal, err := svc.Authenticate(ctx, "peer-bank", "correct-horse")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if principal.Subject != account.ID || principal.Registration != "1234" || principal.Role != auth.RoleBank {
		t.Fatalf("unexpected principal: %+v", principal)
	}

	if _, err := svc.Authenticate(ctx, "peer-bank", "wrong-password"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, "nobody", "correct-horse"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc := NewService(NewMemoryRepository())
	ctx := context.Background()

	cases := []Credentials{
		{Username: "", Password: "long-enough", Role: auth.RoleStaff},
		{Username: "short", Password: "123", Role: auth.RoleStaff},
		{Username: "norole", Password: "long-enough"},
		{Username: "noreg", Password: "long-enough", Role: auth.RoleBank},
	}
	for _, creds := range cases {
		if _, err := svc.Register(ctx, creds); err == nil {
			t.Fatalf("expected error for %+v", creds)
		}
	}

	if _, err := svc.Register(ctx, Credentials{Username: "ops", Password: "long-enough", Role: auth.RoleStaff}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.Register(ctx, Credentials{Username: "ops", Password: "long-enough", Role: auth.RoleStaff}); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestRotateAndRevokeBumpTokenVersion(t *testing.T) {
	svc := NewService(NewMemoryRepository())
	ctx := context.Background()

	account, err := svc.Register(ctx, Credentials{Username: "ops", Password: "long-enough", Role: auth.RoleStaff})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if ok, _ := svc.Current(ctx, account.ID, 0); !ok {
		t.Fatal("fresh account should accept version 0")
	}

	if err := svc.Rotate(ctx, "ops", "even-longer-secret"); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if ok, _ := svc.Current(ctx, account.ID, 0); ok {
		t.Fatal("rotation must invalidate version 0")
	}
	if _, err := svc.Authenticate(ctx, "ops", "even-longer-secret"); err != nil {
		t.Fatalf("authenticate with new password: %v", err)
	}

	if err := svc.Revoke(ctx, account.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if ok, _ := svc.Current(ctx, account.ID, 2); !ok {
		t.Fatal("expected version 2 after rotate and revoke")
	}
	if ok, _ := svc.Current(ctx, "missing", 0); ok {
		t.Fatal("unknown account must not be current")
	}
}
