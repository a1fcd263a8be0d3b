package identity

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/kea-semester-1/best-bank-as/internal/auth"
)

// Handler exposes service account administration to staff.
type Handler struct {
	service *Service
}

// NewHandler constructs an identity HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type registerRequest struct {
	Username           string    `json:"username"`
	Password           string    `json:"password"`
	RegistrationNumber string    `json:"registration_number"`
	Role               auth.Role `json:"role"`
}

type accountResponse struct {
	ID                 string    `json:"id"`
	Username           string    `json:"username"`
	RegistrationNumber string    `json:"registration_number,omitempty"`
	Role               auth.Role `json:"role"`
	CreatedAt          time.Time `json:"created_at"`
}

// Register creates a service account.
func (h *Handler) Register(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	account, err := h.service.Register(c.UserContext(), Credentials{
		Username:           req.Username,
		Password:           req.Password,
		RegistrationNumber: req.RegistrationNumber,
		Role:               req.Role,
	})
	if errors.Is(err, ErrExists) {
		return fiber.NewError(http.StatusConflict, err.Error())
	}
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return c.Status(http.StatusCreated).JSON(accountResponse{
		ID:                 account.ID,
		Username:           account.Username,
		RegistrationNumber: account.RegistrationNumber,
		Role:               account.Role,
		CreatedAt:          account.CreatedAt,
	})
}

// Revoke invalidates all tokens of a service account.
func (h *Handler) Revoke(c *fiber.Ctx) error {
	err := h.service.Revoke(c.UserContext(), c.Params("id"))
	if errors.Is(err, ErrNotFound) {
		return fiber.NewError(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.SendStatus(http.StatusNoContent)
}
