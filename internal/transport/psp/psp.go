package psp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"fulfillment/internal/application/common"
	"fulfillment/internal/application/entity"
	"fulfillment/pkg/config"
	"fulfillment/pkg/httpclient"
	"fulfillment/pkg/metrics"

	"go.uber.org/zap"
)

const (
	opAuthorize = "authorize"
	opCapture   = "capture"
	opVoid      = "void"

	headerIdempotencyKey = "Idempotency-Key"

	statusApproved = "approved"
	statusDeclined = "declined"
)

var ErrUnexpectedResponse = errors.New("unexpected payment provider response")

type authorizeBody struct {
	OrderID  string `json:"orderId"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type authorizeResponse struct {
	Status    string `json:"status"`
	Reference string `json:"reference"`
	Reason    string `json:"reason"`
}

// Client - HTTP клиент платёжного провайдера. Все вызовы несут Idempotency-Key,
// поэтому повтор после отката транзакции возвращает прежний ответ провайдера.
type Client struct {
	base   *url.URL
	http   httpclient.HTTPClient
	logger *zap.SugaredLogger
	m      *metrics.Metrics
}

func NewClient(baseURL string, hc httpclient.HTTPClient, logger *zap.SugaredLogger, m *metrics.Metrics) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse psp base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("psp base url %q must be absolute", baseURL)
	}
	return &Client{base: u, http: hc, logger: logger, m: m}, nil
}

func (c *Client) Authorize(ctx context.Context, req entity.AuthorizeRequest) (entity.AuthorizeResult, error) {
	body, err := json.Marshal(authorizeBody{
		OrderID:  req.OrderID.String(),
		Amount:   req.Amount,
		Currency: req.Currency,
	})
	if err != nil {
		return entity.AuthorizeResult{}, err
	}

	var resp authorizeResponse
	if err := c.call(ctx, opAuthorize, c.endpoint("authorizations"), req.IdempotencyKey, body, &resp); err != nil {
		return entity.AuthorizeResult{}, err
	}

	switch resp.Status {
	case statusApproved:
		if resp.Reference == "" {
			return entity.AuthorizeResult{}, fmt.Errorf("%w: approved without reference", ErrUnexpectedResponse)
		}
		return entity.AuthorizeResult{Approved: true, ProviderRef: resp.Reference}, nil
	case statusDeclined:
		return entity.AuthorizeResult{Approved: false, ProviderRef: resp.Reference, Reason: resp.Reason}, nil
	default:
		return entity.AuthorizeResult{}, fmt.Errorf("%w: status %q", ErrUnexpectedResponse, resp.Status)
	}
}

func (c *Client) Capture(ctx context.Context, providerRef, idempotencyKey string) error {
	return c.call(ctx, opCapture, c.endpoint("authorizations", providerRef, "capture"), idempotencyKey, nil, nil)
}

func (c *Client) Void(ctx context.Context, providerRef, idempotencyKey string) error {
	return c.call(ctx, opVoid, c.endpoint("authorizations", providerRef, "void"), idempotencyKey, nil, nil)
}

func (c *Client) endpoint(parts ...string) string {
	return c.base.JoinPath(parts...).String()
}

func (c *Client) call(ctx context.Context, op, endpoint, idempotencyKey string, body []byte, out any) (err error) {
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		c.m.PSP.RequestsTotal.WithLabelValues(op, result).Inc()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerIdempotencyKey, idempotencyKey)

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("psp %s: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("psp %s read body: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warnf("psp %s returned %d: %s", op, resp.StatusCode, string(raw))
		return fmt.Errorf("%w: %s status %d", ErrUnexpectedResponse, op, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %s body: %v", ErrUnexpectedResponse, op, err)
	}
	return nil
}

// Sandbox - встроенный провайдер для стендов: одобряет суммы до лимита,
// ссылка на авторизацию выводится из ключа идемпотентности.
type Sandbox struct {
	maxAmount int64
	logger    *zap.SugaredLogger
	m         *metrics.Metrics
}

func NewSandbox(maxAmount string, logger *zap.SugaredLogger, m *metrics.Metrics) (*Sandbox, error) {
	limit, err := common.PriceMinorUnits(maxAmount)
	if err != nil {
		return nil, fmt.Errorf("psp sandbox max amount %q: %w", maxAmount, err)
	}
	return &Sandbox{maxAmount: limit, logger: logger, m: m}, nil
}

func (s *Sandbox) Authorize(_ context.Context, req entity.AuthorizeRequest) (entity.AuthorizeResult, error) {
	amount, err := common.PriceMinorUnits(req.Amount)
	if err != nil {
		s.m.PSP.RequestsTotal.WithLabelValues(opAuthorize, "error").Inc()
		return entity.AuthorizeResult{}, fmt.Errorf("sandbox authorize amount %q: %w", req.Amount, err)
	}
	if amount > s.maxAmount {
		s.m.PSP.RequestsTotal.WithLabelValues(opAuthorize, "declined").Inc()
		return entity.AuthorizeResult{
			Approved: false,
			Reason:   fmt.Sprintf("amount %s exceeds limit %s", req.Amount, common.FormatMinorUnits(s.maxAmount)),
		}, nil
	}
	s.m.PSP.RequestsTotal.WithLabelValues(opAuthorize, "ok").Inc()
	return entity.AuthorizeResult{Approved: true, ProviderRef: "sandbox-" + req.IdempotencyKey}, nil
}

func (s *Sandbox) Capture(_ context.Context, providerRef, _ string) error {
	s.m.PSP.RequestsTotal.WithLabelValues(opCapture, "ok").Inc()
	s.logger.Debugf("sandbox capture %s", providerRef)
	return nil
}

func (s *Sandbox) Void(_ context.Context, providerRef, _ string) error {
	s.m.PSP.RequestsTotal.WithLabelValues(opVoid, "ok").Inc()
	s.logger.Debugf("sandbox void %s", providerRef)
	return nil
}

// New выбирает провайдера по конфигу: пустой baseURL включает песочницу.
// HTTP клиент собирается как лимитер поверх ретраев поверх транспорта.
func New(cfg config.PSP, httpCfg config.HTTPClient, logger *zap.SugaredLogger, m *metrics.Metrics) (Authorizer, error) {
	if cfg.BaseURL == "" {
		logger.Infof("psp.baseURL is empty, using sandbox authorizer (limit %s)", cfg.SandboxMaxAmount)
		sandbox, err := NewSandbox(cfg.SandboxMaxAmount, logger, m)
		if err != nil {
			return nil, err
		}
		return sandbox, nil
	}
	transport := httpclient.NewRetryClient(httpclient.NewClient(httpCfg), httpCfg.MaxRetries, logger)
	client, err := NewClient(cfg.BaseURL, httpclient.NewLimitedClient(transport, cfg.RatePerSecond, cfg.Burst), logger, m)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Authorizer совпадает с портом сервиса платежей.
type Authorizer interface {
	Authorize(ctx context.Context, req entity.AuthorizeRequest) (entity.AuthorizeResult, error)
	Capture(ctx context.Context, providerRef, idempotencyKey string) error
	Void(ctx context.Context, providerRef, idempotencyKey string) error
}
