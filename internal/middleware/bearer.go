package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/kea-semester-1/best-bank-as/internal/auth"
)

// TokenVersions reports whether a token version is still current for a
// subject. identity.Service implements it.
type TokenVersions interface {
	Current(ctx context.Context, subject string, version int) (bool, error)
}

// BearerAuth validates bearer tokens, checks the token version against the
// credential store and requires one of roles.
func BearerAuth(svc *auth.Service, versions TokenVersions, logger *slog.Logger, roles ...auth.Role) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authz := c.Get(fiber.HeaderAuthorization)
		if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return fiber.NewError(http.StatusUnauthorized, "missing bearer token")
		}
		claims, err := svc.Verify(strings.TrimSpace(authz[len("Bearer "):]))
		if errors.Is(err, auth.ErrTokenExpired) {
			return fiber.NewError(http.StatusUnauthorized, "token expired")
		}
		if err != nil {
			return fiber.NewError(http.StatusUnauthorized, "invalid token")
		}

		current, err := versions.Current(c.UserContext(), claims.Subject, claims.TokenVersion)
		if err != nil {
			logger.Error("token version lookup failed", slog.String("subject", claims.Subject), slog.Any("error", err))
			return fiber.NewError(http.StatusInternalServerError, "credential store failure")
		}
		if !current {
			return fiber.NewError(http.StatusUnauthorized, "token invalidated")
		}
		if len(roles) > 0 && !slices.Contains(roles, claims.Role) {
			return fiber.NewError(http.StatusForbidden, "role not permitted")
		}

		auth.SetClaims(c, claims)
		return c.Next()
	}
}
