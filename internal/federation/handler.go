package federation

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/kea-semester-1/best-bank-as/internal/auth"
	"github.com/kea-semester-1/best-bank-as/internal/ledger"
	"github.com/kea-semester-1/best-bank-as/internal/money"
	"github.com/kea-semester-1/best-bank-as/internal/transfer"
)

// Handler exposes the outgoing transfer endpoint and the peer facing
// receiving endpoint.
type Handler struct {
	client   *Client
	receiver *Receiver
}

// NewHandler constructs a federation handler.
func NewHandler(client *Client, receiver *Receiver) *Handler {
	return &Handler{client: client, receiver: receiver}
}

type externalTransferRequest struct {
	SourceAccount      int64       `json:"source_account"`
	RegistrationNumber string      `json:"registration_number"`
	DestinationAccount string      `json:"destination_account"`
	Amount             money.Money `json:"amount"`
}

// Create starts a transfer to a peer bank. The reply carries the transaction
// id to poll; settlement is asynchronous.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req externalTransferRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	txID, err := h.client.TransferExternal(c.UserContext(), req.SourceAccount, req.RegistrationNumber, req.DestinationAccount, req.Amount)
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusAccepted).JSON(fiber.Map{
		"transaction_id": txID,
		"status":         ledger.EntryPending,
	})
}

// Receive handles POST /external-transfer/ from a peer bank. The body is the
// form the outgoing client sends: source_account, destination_account,
// registration_number, amount.
func (h *Handler) Receive(c *fiber.Ctx) error {
	claims, ok := auth.ClaimsFrom(c)
	if !ok {
		return fiber.NewError(http.StatusUnauthorized, "missing credentials")
	}

	registration := c.FormValue("registration_number")
	if registration == "" {
		registration = claims.Registration
	}
	if registration != claims.Registration {
		return fiber.NewError(http.StatusForbidden, "registration number does not match credentials")
	}
	destination, err := strconv.ParseInt(c.FormValue("destination_account"), 10, 64)
	if err != nil || destination <= 0 {
		return fiber.NewError(http.StatusBadRequest, "invalid destination_account")
	}
	amount, err := money.Parse(c.FormValue("amount"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid amount: "+err.Error())
	}

	txID, err := h.receiver.Receive(c.UserContext(), InboundTransfer{
		SenderRegistration: registration,
		SourceAccount:      c.FormValue("source_account"),
		DestinationAccount: destination,
		Amount:             amount,
		Key:                c.Get(idempotencyKeyHeader),
	})
	if errors.Is(err, ledger.ErrDuplicateTransaction) {
		return c.Status(http.StatusOK).JSON(fiber.Map{"transaction_id": txID, "duplicate": true})
	}
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"transaction_id": txID})
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrDestinationBankUnknown):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrPeerAuthenticationFailed), errors.Is(err, ErrPeerCommunicationFailed):
		return fiber.NewError(http.StatusBadGateway, err.Error())
	default:
		return transfer.HTTPError(err)
	}
}
