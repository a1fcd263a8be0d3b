package transfer

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/kea-semester-1/best-bank-as/internal/ledger"
	"github.com/kea-semester-1/best-bank-as/internal/money"
)

// Handler exposes transfer endpoints.
type Handler struct {
	engine *Engine
	store  ledger.Store
}

// NewHandler constructs a transfer handler.
func NewHandler(engine *Engine, store ledger.Store) *Handler {
	return &Handler{engine: engine, store: store}
}

type transferRequest struct {
	SourceAccount      int64       `json:"source_account"`
	DestinationAccount int64       `json:"destination_account"`
	Amount             money.Money `json:"amount"`
}

// Create executes an internal transfer.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req transferRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	txID, err := h.engine.Transfer(c.UserContext(), req.SourceAccount, req.DestinationAccount, req.Amount)
	if err != nil {
		return HTTPError(err)
	}

	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"transaction_id": txID,
	})
}

type entryResponse struct {
	ID          int64              `json:"id"`
	AccountID   int64              `json:"account_id"`
	Amount      money.Money        `json:"amount"`
	Status      ledger.EntryStatus `json:"status"`
	PeerAccount string             `json:"peer_account,omitempty"`
	Federated   bool               `json:"federated"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Status returns the entries of a transaction so callers can poll the
// settlement of a federated transfer.
func (h *Handler) Status(c *fiber.Ctx) error {
	txID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid transaction id")
	}
	entries, err := h.store.TransactionEntries(c.UserContext(), txID)
	if err != nil {
		return HTTPError(err)
	}

	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryResponse{
			ID:          e.ID,
			AccountID:   e.AccountID,
			Amount:      e.Amount,
			Status:      e.Status,
			PeerAccount: e.PeerAccount,
			Federated:   e.Federated(),
			CreatedAt:   e.CreatedAt,
		})
	}
	return c.JSON(fiber.Map{"transaction_id": txID, "entries": out})
}

// HTTPError maps ledger errors onto fiber errors.
func HTTPError(err error) error {
	var verr *ledger.ValidationError
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrSameAccount),
		errors.Is(err, ledger.ErrInsufficientFunds),
		errors.As(err, &verr):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ledger.ErrDestinationNotTransferable):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, ledger.ErrTransactionNotFound),
		errors.Is(err, ledger.ErrBankNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrDuplicateTransaction):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrPersistenceConflict):
		return fiber.NewError(http.StatusServiceUnavailable, "ledger busy, try again")
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
