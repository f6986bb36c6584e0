package psp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"fulfillment/internal/application/entity"
	"fulfillment/pkg/config"
	"fulfillment/pkg/httpclient"
	"fulfillment/pkg/metrics"

	"github.com/gofrs/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeProvider struct {
	mu       sync.Mutex
	keys     []string
	paths    []string
	declined bool
	status   int
}

func (p *fakeProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, r.Header.Get(headerIdempotencyKey))
	p.paths = append(p.paths, r.URL.Path)
	if p.status != 0 {
		w.WriteHeader(p.status)
		return
	}
	if r.URL.Path != "/v1/authorizations" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	var body authorizeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	resp := authorizeResponse{Status: statusApproved, Reference: "ref-" + body.OrderID}
	if p.declined {
		resp = authorizeResponse{Status: statusDeclined, Reason: "insufficient funds"}
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func newTestClient(t *testing.T, p *fakeProvider) (*Client, *metrics.Metrics) {
	t.Helper()
	srv := httptest.NewServer(p)
	t.Cleanup(srv.Close)
	m := metrics.New(prometheus.NewRegistry())
	base := httpclient.NewClient(config.HTTPClient{KeepAlives: true})
	t.Cleanup(base.CloseIdle)
	c, err := NewClient(srv.URL+"/v1/", base, zap.NewNop().Sugar(), m)
	require.NoError(t, err)
	return c, m
}

func TestClient_Authorize(t *testing.T) {
	p := &fakeProvider{}
	c, m := newTestClient(t, p)
	orderID := uuid.Must(uuid.NewV4())

	res, err := c.Authorize(context.Background(), entity.AuthorizeRequest{
		OrderID: orderID, Amount: "10.00", Currency: "EUR", IdempotencyKey: "payment-1",
	})
	require.NoError(t, err)
	assert.True(t, res.Approved)
	assert.Equal(t, "ref-"+orderID.String(), res.ProviderRef)

	require.NoError(t, c.Capture(context.Background(), res.ProviderRef, "capture-1"))
	require.NoError(t, c.Void(context.Background(), res.ProviderRef, "void-1"))

	assert.Equal(t, []string{"payment-1", "capture-1", "void-1"}, p.keys)
	assert.Equal(t, []string{
		"/v1/authorizations",
		"/v1/authorizations/ref-" + orderID.String() + "/capture",
		"/v1/authorizations/ref-" + orderID.String() + "/void",
	}, p.paths)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PSP.RequestsTotal.WithLabelValues(opAuthorize, "ok")))
}

func TestClient_Declined(t *testing.T) {
	c, _ := newTestClient(t, &fakeProvider{declined: true})

	res, err := c.Authorize(context.Background(), entity.AuthorizeRequest{
		OrderID: uuid.Must(uuid.NewV4()), Amount: "10.00", Currency: "EUR", IdempotencyKey: "payment-1",
	})
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Equal(t, "insufficient funds", res.Reason)
}

func TestClient_ErrorStatus(t *testing.T) {
	c, m := newTestClient(t, &fakeProvider{status: http.StatusConflict})

	err := c.Capture(context.Background(), "ref", "capture-1")
	assert.ErrorIs(t, err, ErrUnexpectedResponse)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PSP.RequestsTotal.WithLabelValues(opCapture, "error")))
}

func TestNewClient_RejectsRelativeURL(t *testing.T) {
	_, err := NewClient("/psp", nil, zap.NewNop().Sugar(), nil)
	assert.Error(t, err)
}

func TestSandbox(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	s, err := NewSandbox("100.00", zap.NewNop().Sugar(), m)
	require.NoError(t, err)
	ctx := context.Background()

	res, err := s.Authorize(ctx, entity.AuthorizeRequest{Amount: "100.00", IdempotencyKey: "payment-1"})
	require.NoError(t, err)
	assert.True(t, res.Approved)
	assert.Equal(t, "sandbox-payment-1", res.ProviderRef)

	res, err = s.Authorize(ctx, entity.AuthorizeRequest{Amount: "100.01", IdempotencyKey: "payment-2"})
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Contains(t, res.Reason, "exceeds limit 100.00")

	_, err = s.Authorize(ctx, entity.AuthorizeRequest{Amount: "abc"})
	assert.Error(t, err)

	assert.NoError(t, s.Capture(ctx, "sandbox-payment-1", "capture"))
	assert.NoError(t, s.Void(ctx, "sandbox-payment-1", "void"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PSP.RequestsTotal.WithLabelValues(opAuthorize, "declined")))
}

func TestNew_SelectsSandbox(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	a, err := New(config.PSP{SandboxMaxAmount: "10.00"}, config.HTTPClient{}, zap.NewNop().Sugar(), m)
	require.NoError(t, err)
	assert.IsType(t, &Sandbox{}, a)

	a, err = New(config.PSP{BaseURL: "http://psp.local", RatePerSecond: 5, Burst: 1}, config.HTTPClient{}, zap.NewNop().Sugar(), m)
	require.NoError(t, err)
	assert.IsType(t, &Client{}, a)

	_, err = New(config.PSP{SandboxMaxAmount: "x"}, config.HTTPClient{}, zap.NewNop().Sugar(), m)
	assert.Error(t, err)
}
