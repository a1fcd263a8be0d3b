package auth

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// Handler exposes the token endpoint used by peer banks.
type Handler struct {
	checker CredentialChecker
	svc     *Service
}

// NewHandler builds the token handler.
func NewHandler(checker CredentialChecker, svc *Service) *Handler {
	return &Handler{checker: checker, svc: svc}
}

type tokenRequest struct {
	Username string `json:"username" form:"username"`
	Password string `json:"password" form:"password"`
}

// Token exchanges a username and password for a bearer token. Both form and
// JSON bodies are accepted; the reply is {"token": "..."}.
func (h *Handler) Token(c *fiber.Ctx) error {
	var req tokenRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if req.Username == "" || req.Password == "" {
		return fiber.NewError(http.StatusBadRequest, "username and password are required")
	}

	principal, err := h.checker.Authenticate(c.UserContext(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return fiber.NewError(http.StatusUnauthorized, "invalid credentials")
		}
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}

	token, ttl, err := h.svc.Issue(principal)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(fiber.Map{
		"token":      token,
		"expires_in": int64(ttl.Seconds()),
	})
}
