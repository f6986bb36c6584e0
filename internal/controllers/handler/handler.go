package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"fulfillment/internal/appers"
	"fulfillment/internal/application/common"
	"fulfillment/internal/application/entity"
	use_cases "fulfillment/internal/application/use-cases"
	"fulfillment/pkg/validator"

	playgroundvalidator "github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

const headerIdempotencyKey = "Idempotency-Key"

type Handler interface {
	HealthCheck(c *fiber.Ctx) error

	CreateOrder(c *fiber.Ctx) error
	GetOrder(c *fiber.Ctx) error
	CancelOrder(c *fiber.Ctx) error

	RestockInventory(c *fiber.Ctx) error
	GetInventory(c *fiber.Ctx) error
	GetReservation(c *fiber.Ctx) error

	GetPayment(c *fiber.Ctx) error

	ListOutbox(c *fiber.Ctx) error
	ReplayOutbox(c *fiber.Ctx) error
}

type HandlerImpl struct {
	usecase use_cases.UseCaser
	role    string
	logger  *zap.SugaredLogger
}

func NewHandler(usecase use_cases.UseCaser, role string, logger *zap.SugaredLogger) *HandlerImpl {
	return &HandlerImpl{
		usecase: usecase,
		role:    role,
		logger:  logger,
	}
}

// formatValidationErrors форматирует ошибки валидации в понятный формат для клиента
func formatValidationErrors(err error) fiber.Map {
	var details []string
	var validationErrors playgroundvalidator.ValidationErrors
	if errors.As(err, &validationErrors) {
		for _, e := range validationErrors {
			field := e.Namespace()
			var message string
			switch e.Tag() {
			case "required":
				message = fmt.Sprintf("поле '%s' обязательно для заполнения", field)
			case "min":
				message = fmt.Sprintf("поле '%s' должно содержать минимум %s элементов", field, e.Param())
			case "max":
				message = fmt.Sprintf("поле '%s' должно содержать максимум %s символов", field, e.Param())
			case "gt":
				message = fmt.Sprintf("поле '%s' должно быть больше %s", field, e.Param())
			case "decimal2":
				message = fmt.Sprintf("поле '%s' должно быть суммой с не более чем 2 знаками после точки (например, 10.50)", field)
			case "currency":
				message = fmt.Sprintf("поле '%s' должно быть кодом валюты ISO 4217 (например, EUR)", field)
			default:
				message = fmt.Sprintf("поле '%s' не прошло валидацию: %s", field, e.Tag())
			}
			details = append(details, message)
		}
	} else {
		details = append(details, err.Error())
	}
	return fiber.Map{
		"error":   "validation failed",
		"details": details,
	}
}

func uuidParam(c *fiber.Ctx, name string) (uuid.UUID, bool) {
	id, err := uuid.FromString(c.Params(name))
	if err != nil || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}

func badParam(c *fiber.Ctx, name string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": fmt.Sprintf("invalid %s, expected UUID", name),
	})
}

// HealthCheck godoc
// @Summary     Проверка состояния сервиса
// @Description Проверяет доступность PostgreSQL и Kafka для текущей роли сервиса.
// @Produce     json
// @Success     200   {object} entity.HealthCheckResponse "Все сервисы доступны"
// @Failure     503   {object} entity.HealthCheckResponse "Один или несколько сервисов недоступны"
// @tags        Health
// @Router      /health [get]
func (h *HandlerImpl) HealthCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	report := h.usecase.HealthCheck(ctx)
	resp := report.Response(h.role, common.Version)
	if !report.Healthy() {
		return c.Status(fiber.StatusServiceUnavailable).JSON(resp)
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}

// CreateOrder godoc
// @Summary     Создание заказа
// @Description Создаёт заказ и запускает сагу. Повтор с тем же Idempotency-Key возвращает тот же заказ.
// @Accept      json
// @Produce     json
// @Param       Idempotency-Key header string                    true "Ключ идемпотентности"
// @Param       body            body   entity.CreateOrderRequest true "Заказ"
// @Success     201 {object} entity.CreateOrderResult
// @Success     200 {object} entity.CreateOrderResult "Заказ уже создан с этим ключом"
// @Failure     400
// @Failure     422
// @tags        Order
// @Router      /fulfillment/api/v1/orders [post]
func (h *HandlerImpl) CreateOrder(c *fiber.Ctx) error {
	var req entity.CreateOrderRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Warnf("error parsing body: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	if err := validator.Validate.Struct(&req); err != nil {
		h.logger.Warnf("validation error: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(formatValidationErrors(err))
	}

	res, err := h.usecase.CreateOrder(c.Context(), c.Get(headerIdempotencyKey), req)
	if err != nil {
		return appers.SanitizeError(c, err)
	}
	status := fiber.StatusCreated
	if !res.Created {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(res)
}

// GetOrder godoc
// @Summary     Заказ и состояние саги
// @Produce     json
// @Param       id  path  string true "ID заказа"
// @Success     200 {object} entity.OrderView
// @Failure     400
// @Failure     404
// @tags        Order
// @Router      /fulfillment/api/v1/orders/{id} [get]
func (h *HandlerImpl) GetOrder(c *fiber.Ctx) error {
	id, ok := uuidParam(c, "id")
	if !ok {
		return badParam(c, "id")
	}
	view, err := h.usecase.GetOrder(c.Context(), id)
	if err != nil {
		return appers.SanitizeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(view)
}

// CancelOrder godoc
// @Summary     Отмена заказа
// @Description Доступна в статусах CREATED и PAYING; запрашивает компенсацию резерва и платежа.
// @Produce     json
// @Param       id  path  string true "ID заказа"
// @Success     200 {object} entity.OrderView
// @Failure     404
// @Failure     409
// @tags        Order
// @Router      /fulfillment/api/v1/orders/{id}/cancel [post]
func (h *HandlerImpl) CancelOrder(c *fiber.Ctx) error {
	id, ok := uuidParam(c, "id")
	if !ok {
		return badParam(c, "id")
	}
	view, err := h.usecase.CancelOrder(c.Context(), id)
	if err != nil {
		return appers.SanitizeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(view)
}

// RestockInventory godoc
// @Summary     Пополнение остатка
// @Accept      json
// @Produce     json
// @Param       productId path string                true "ID товара"
// @Param       body      body entity.RestockRequest true "Количество"
// @Success     200 {object} entity.Inventory
// @Failure     400
// @Failure     409
// @tags        Inventory
// @Router      /fulfillment/api/v1/inventory/{productId} [put]
func (h *HandlerImpl) RestockInventory(c *fiber.Ctx) error {
	productID, ok := uuidParam(c, "productId")
	if !ok {
		return badParam(c, "productId")
	}
	var req entity.RestockRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	if err := validator.Validate.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(formatValidationErrors(err))
	}

	inv, err := h.usecase.RestockInventory(c.Context(), productID, req.Quantity)
	if err != nil {
		return appers.SanitizeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(inv)
}

// GetInventory godoc
// @Summary     Остаток товара
// @Produce     json
// @Param       productId path string true "ID товара"
// @Success     200 {object} entity.Inventory
// @Failure     404
// @tags        Inventory
// @Router      /fulfillment/api/v1/inventory/{productId} [get]
func (h *HandlerImpl) GetInventory(c *fiber.Ctx) error {
	productID, ok := uuidParam(c, "productId")
	if !ok {
		return badParam(c, "productId")
	}
	inv, err := h.usecase.GetInventory(c.Context(), productID)
	if err != nil {
		return appers.SanitizeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(inv)
}

// GetReservation godoc
// @Summary     Резерв
// @Produce     json
// @Param       id  path  string true "ID резерва"
// @Success     200 {object} entity.Reservation
// @Failure     404
// @tags        Inventory
// @Router      /fulfillment/api/v1/reservations/{id} [get]
func (h *HandlerImpl) GetReservation(c *fiber.Ctx) error {
	id, ok := uuidParam(c, "id")
	if !ok {
		return badParam(c, "id")
	}
	res, err := h.usecase.GetReservation(c.Context(), id)
	if err != nil {
		return appers.SanitizeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(res)
}

// GetPayment godoc
// @Summary     Платёж
// @Produce     json
// @Param       id  path  string true "ID платежа"
// @Success     200 {object} entity.Payment
// @Failure     404
// @tags        Payment
// @Router      /fulfillment/api/v1/payments/{id} [get]
func (h *HandlerImpl) GetPayment(c *fiber.Ctx) error {
	id, ok := uuidParam(c, "id")
	if !ok {
		return badParam(c, "id")
	}
	p, err := h.usecase.GetPayment(c.Context(), id)
	if err != nil {
		return appers.SanitizeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(p)
}

// ListOutbox godoc
// @Summary     Записи outbox
// @Produce     json
// @Param       status query string false "PENDING, PROCESSING, RETRY_SCHEDULED, PUBLISHED, FAILED"
// @Param       limit  query int    false "Не больше 1000, по умолчанию 100"
// @Success     200 {array} entity.OutboxRecord
// @Failure     400
// @tags        Outbox
// @Router      /fulfillment/api/v1/outbox [get]
func (h *HandlerImpl) ListOutbox(c *fiber.Ctx) error {
	limit := 0
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "limit must be an integer"})
		}
		limit = n
	}
	status := entity.OutboxStatus(c.Query("status"))
	if status != "" && !status.Valid() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": fmt.Sprintf("unknown status %q", status)})
	}

	recs, err := h.usecase.ListOutbox(c.Context(), status, limit)
	if err != nil {
		return appers.SanitizeError(c, err)
	}
	if recs == nil {
		recs = []entity.OutboxRecord{}
	}
	return c.Status(fiber.StatusOK).JSON(recs)
}

// ReplayOutbox godoc
// @Summary     Повторная публикация FAILED записи
// @Produce     json
// @Param       id  path  string true "ID записи outbox"
// @Success     200 {object} entity.OutboxRecord
// @Failure     404
// @Failure     409
// @tags        Outbox
// @Router      /fulfillment/api/v1/outbox/{id}/replay [post]
func (h *HandlerImpl) ReplayOutbox(c *fiber.Ctx) error {
	id, ok := uuidParam(c, "id")
	if !ok {
		return badParam(c, "id")
	}
	rec, err := h.usecase.ReplayOutbox(c.Context(), id)
	if err != nil {
		return appers.SanitizeError(c, err)
	}
	h.logger.Infof("[ID %s] outbox record replayed via API", id)
	return c.Status(fiber.StatusOK).JSON(rec)
}
