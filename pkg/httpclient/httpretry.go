package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"fulfillment/internal/application/common"

	"go.uber.org/zap"
)

const (
	defaultRetryBase = 100 * time.Millisecond
	defaultRetryCap  = 2 * time.Second
)

type RetryClient struct {
	delegate   HTTPClient
	maxRetries int
	base       time.Duration
	cap        time.Duration
	// ShouldRetry можно подменить, если часть ответов повторять нельзя
	ShouldRetry func(*http.Response, error) bool
	logger      *zap.SugaredLogger
}

func NewRetryClient(delegate HTTPClient, maxRetries int, logger *zap.SugaredLogger) *RetryClient {
	if maxRetries <= 0 {
		maxRetries = 3
	}

	return &RetryClient{
		delegate:    delegate,
		maxRetries:  maxRetries,
		base:        defaultRetryBase,
		cap:         defaultRetryCap,
		ShouldRetry: DefaultShouldRetry,
		logger:      logger,
	}
}

// WithBackoff задаёт границы экспоненциальной задержки между попытками.
func (c *RetryClient) WithBackoff(base, limit time.Duration) *RetryClient {
	c.base, c.cap = base, limit
	return c
}

// DefaultShouldRetry повторяет сетевые ошибки, 5xx и 429. Отмену и дедлайн не повторяем.
func DefaultShouldRetry(resp *http.Response, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	if resp == nil {
		return true
	}
	return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
}

func (c *RetryClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	var resp *http.Response
	var err error

	// тело читаем один раз, чтобы переотправлять его в каждой попытке
	if req.Body != nil && req.GetBody == nil {
		buf, e := io.ReadAll(req.Body)
		if e != nil {
			return nil, e
		}
		_ = req.Body.Close()
		req.ContentLength = int64(len(buf))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(buf)), nil
		}
	}

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		r := req.Clone(ctx)
		if req.GetBody != nil {
			rc, e := req.GetBody()
			if e != nil {
				return nil, e
			}
			r.Body = rc
		}

		resp, err = c.delegate.Do(ctx, r)

		if !c.ShouldRetry(resp, err) || attempt == c.maxRetries-1 {
			return resp, err
		}

		backoff := common.NextBackoffWithJitter(attempt+1, c.base, c.cap)
		if after, ok := retryAfter(resp); ok && after > backoff {
			backoff = min(after, c.cap)
		}

		// возвращаем соединение в пул перед повтором
		if resp != nil && resp.Body != nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}

		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		c.logger.Warnf("retry attempt=%d backoff=%s method=%s url=%s status=%d err=%v",
			attempt+1, backoff, req.Method, req.URL.String(), status, err)

		if err = common.SleepCtx(ctx, backoff); err != nil {
			return nil, fmt.Errorf("retry sleep canceled: %w", err)
		}
	}

	return resp, err
}

// retryAfter читает Retry-After в секундах.
func retryAfter(resp *http.Response) (time.Duration, bool) {
	if resp == nil {
		return 0, false
	}
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	sec, err := strconv.Atoi(v)
	if err != nil || sec < 0 {
		return 0, false
	}
	return time.Duration(sec) * time.Second, true
}
