package account

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/kea-semester-1/best-bank-as/internal/ledger"
	"github.com/kea-semester-1/best-bank-as/internal/money"
)

// Handler exposes account endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs an account handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type createRequest struct {
	OwnerID        string                `json:"owner_id"`
	Classification ledger.Classification `json:"classification"`
}

type accountResponse struct {
	ID                  int64                 `json:"id"`
	OwnerID             string                `json:"owner_id,omitempty"`
	Classification      ledger.Classification `json:"classification"`
	ClassificationLabel string                `json:"classification_label"`
	Status              ledger.AccountStatus  `json:"status"`
	StatusLabel         string                `json:"status_label"`
	CreatedAt           time.Time             `json:"created_at"`
	UpdatedAt           time.Time             `json:"updated_at"`
}

func toResponse(a ledger.Account) accountResponse {
	return accountResponse{
		ID:                  a.ID,
		OwnerID:             a.OwnerID,
		Classification:      a.Classification,
		ClassificationLabel: a.Classification.Label(),
		Status:              a.Status,
		StatusLabel:         a.Status.Label(),
		CreatedAt:           a.CreatedAt,
		UpdatedAt:           a.UpdatedAt,
	}
}

// Create opens a pending account request.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if req.Classification == ledger.ClassInternal {
		return fiber.NewError(http.StatusUnprocessableEntity, "the internal account is provisioned by operators")
	}

	created, err := h.service.Create(c.UserContext(), CreateInput{
		OwnerID:        req.OwnerID,
		Classification: req.Classification,
	})
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusCreated).JSON(toResponse(created))
}

// Get returns one account.
func (h *Handler) Get(c *fiber.Ctx) error {
	id, err := accountID(c)
	if err != nil {
		return err
	}
	a, err := h.service.Get(c.UserContext(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(toResponse(a))
}

// Balance returns the derived balance of an account.
func (h *Handler) Balance(c *fiber.Ctx) error {
	id, err := accountID(c)
	if err != nil {
		return err
	}
	bal, err := h.service.Balance(c.UserContext(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(fiber.Map{"account_id": id, "balance": bal})
}

type movementResponse struct {
	TransactionID      uuid.UUID          `json:"transaction_id"`
	CounterpartAccount int64              `json:"counterpart_account,omitempty"`
	CounterpartBank    string             `json:"counterpart_bank,omitempty"`
	PeerAccount        string             `json:"peer_account,omitempty"`
	Amount             money.Money        `json:"amount"`
	Status             ledger.EntryStatus `json:"status"`
	Timestamp          time.Time          `json:"timestamp"`
}

// Transactions lists the account's movements in ledger order.
func (h *Handler) Transactions(c *fiber.Ctx) error {
	id, err := accountID(c)
	if err != nil {
		return err
	}
	seq, err := h.service.History(c.UserContext(), id)
	if err != nil {
		return httpError(err)
	}

	out := make([]movementResponse, 0)
	for entry, err := range seq {
		if err != nil {
			return httpError(err)
		}
		out = append(out, movementResponse{
			TransactionID:      entry.TransactionID,
			CounterpartAccount: entry.CounterpartAccount,
			CounterpartBank:    entry.CounterpartBank,
			PeerAccount:        entry.PeerAccount,
			Amount:             entry.Amount,
			Status:             entry.Status,
			Timestamp:          entry.Timestamp,
		})
	}
	return c.JSON(fiber.Map{"account_id": id, "transactions": out})
}

type statusRequest struct {
	Status ledger.AccountStatus `json:"status"`
}

// UpdateStatus approves, rejects or deactivates an account.
func (h *Handler) UpdateStatus(c *fiber.Ctx) error {
	id, err := accountID(c)
	if err != nil {
		return err
	}
	var req statusRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	updated, err := h.service.UpdateStatus(c.UserContext(), id, req.Status)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(toResponse(updated))
}

func accountID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fiber.NewError(http.StatusBadRequest, "invalid account id")
	}
	return id, nil
}

func httpError(err error) error {
	var verr *ledger.ValidationError
	switch {
	case errors.As(err, &verr):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ledger.ErrAccountNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrPersistenceConflict):
		return fiber.NewError(http.StatusServiceUnavailable, "ledger busy, try again")
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
