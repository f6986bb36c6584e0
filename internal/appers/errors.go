package appers

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
)

var (
	// ErrFormat для парсинга строки в pgtype.Numeric
	ErrFormat    = errors.New("invalid decimal format")
	ErrScale     = errors.New("too many fractional digits (max 2)")
	ErrPrecision = errors.New("too many integer digits for NUMERIC(18,2)")
)

// Ошибки движка outbox / саги. Транзиентные (ErrLostLease, ErrVersionConflict,
// ErrIdempotencyInProgress) допускают повтор, остальные означают нарушение предусловия.
var (
	ErrLostLease             = errors.New("outbox lease lost")
	ErrVersionConflict       = errors.New("optimistic lock failed: version changed")
	ErrInsufficientStock     = errors.New("insufficient stock")
	ErrInsufficientReserved  = errors.New("reserved quantity is lower than requested")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrMissingSagaStep       = errors.New("saga precondition not met")
	ErrNoConverter           = errors.New("no outbox converter registered for event type")
	ErrUnknownEventType      = errors.New("unknown event type")
	ErrNoHandler             = errors.New("no handler registered for event type")
	ErrDuplicateHandler      = errors.New("handler already registered for event type")
	ErrIdempotencyInProgress = errors.New("idempotent action is still in progress")
	ErrPoolClosed            = errors.New("completion pool is closed")
	ErrMalformedEvent        = errors.New("malformed event")
)

type ErrorResp struct {
	StatusCode int    `json:"statusCode,omitempty"`
	StatusDesc string `json:"statusDesc,omitempty"`
}

func (e ErrorResp) Error() string {
	return e.StatusDesc
}

var (
	ErrOrderNotFound = ErrorResp{
		http.StatusNotFound,
		"order not found",
	}
	ErrReservationNotFound = ErrorResp{
		http.StatusNotFound,
		"reservation not found",
	}
	ErrPaymentNotFound = ErrorResp{
		http.StatusNotFound,
		"payment not found",
	}
	ErrInventoryNotFound = ErrorResp{
		http.StatusNotFound,
		"inventory not found",
	}
	ErrSagaNotFound = ErrorResp{
		http.StatusNotFound,
		"saga not found",
	}
	ErrOutboxNotFound = ErrorResp{
		http.StatusNotFound,
		"outbox record not found",
	}
	ErrOutboxNotReplayable = ErrorResp{
		StatusCode: http.StatusConflict,
		StatusDesc: "only FAILED outbox records can be replayed",
	}
	ErrOrderNotCancellable = ErrorResp{
		StatusCode: http.StatusConflict,
		StatusDesc: "order can be cancelled only in CREATED or PAYING status",
	}
	ErrIdempotencyKeyRequired = ErrorResp{
		StatusCode: http.StatusBadRequest,
		StatusDesc: "Idempotency-Key header is required",
	}
)

func SanitizeError(c *fiber.Ctx, err error) error {
	var errResp ErrorResp

	if ok := errors.As(err, &errResp); ok {
		return c.Status(errResp.StatusCode).JSON(fiber.Map{
			"message": errResp.StatusDesc,
		})
	}

	switch {
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrVersionConflict), errors.Is(err, ErrIdempotencyInProgress):
		return NewErr(c, http.StatusConflict, err)
	case errors.Is(err, ErrInsufficientStock), errors.Is(err, ErrInsufficientReserved),
		errors.Is(err, ErrFormat), errors.Is(err, ErrScale), errors.Is(err, ErrPrecision):
		return NewErr(c, http.StatusUnprocessableEntity, err)
	default:
		return NewErr(c, http.StatusInternalServerError, err)
	}
}

func NewErr(ctx *fiber.Ctx, status int, err error) error {
	return ctx.Status(status).JSON(fiber.Map{
		"message": err.Error(),
	})
}
