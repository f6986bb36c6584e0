package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"fulfillment/pkg/config"
	"fulfillment/pkg/metrics"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*fiber.App, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	conf := config.Config{Service: config.Service{Role: config.RoleOrder}}
	return NewFiber(conf, m), m
}

func TestNewFiber_MetricsUseRouteTemplate(t *testing.T) {
	app, m := newTestServer(t)
	app.Get("/orders/:id", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

	for _, id := range []string{"a", "b"} {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/orders/"+id, nil), -1)
		require.NoError(t, err)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.API.HTTPRequestsTotal.WithLabelValues("GET", "/orders/:id", "204")))
}

func TestNewFiber_ErrorHandler(t *testing.T) {
	app, m := newTestServer(t)
	app.Get("/teapot", func(c *fiber.Ctx) error { return fiber.NewError(fiber.StatusTeapot, "short and stout") })

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/teapot", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTeapot, resp.StatusCode)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.API.HTTPRequestsTotal.WithLabelValues("GET", "/teapot", "418")))
}
