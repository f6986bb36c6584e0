package handler

import (
	"fulfillment/pkg/config"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Router struct {
	handler  Handler
	app      *fiber.App
	role     string
	gatherer prometheus.Gatherer
	logger   *zap.SugaredLogger
}

func NewRouter(handler Handler, app *fiber.App, role string, gatherer prometheus.Gatherer, logger *zap.SugaredLogger) *Router {
	return &Router{
		handler:  handler,
		app:      app,
		role:     role,
		gatherer: gatherer,
		logger:   logger,
	}
}

// RegisterRouter публикует только ручки своей роли; outbox и health есть у всех.
func (r *Router) RegisterRouter() {
	r.app.Get("/health", r.handler.HealthCheck)
	r.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})))

	r.app.Route("/fulfillment", func(router fiber.Router) {
		v1 := router.Group("/api").Group("/v1")

		switch r.role {
		case config.RoleOrder:
			v1.Post("/orders", r.handler.CreateOrder)
			v1.Get("/orders/:id", r.handler.GetOrder)
			v1.Post("/orders/:id/cancel", r.handler.CancelOrder)
		case config.RoleInventory:
			v1.Put("/inventory/:productId", r.handler.RestockInventory)
			v1.Get("/inventory/:productId", r.handler.GetInventory)
			v1.Get("/reservations/:id", r.handler.GetReservation)
		case config.RolePayment:
			v1.Get("/payments/:id", r.handler.GetPayment)
		}

		v1.Get("/outbox", r.handler.ListOutbox)
		v1.Post("/outbox/:id/replay", r.handler.ReplayOutbox)
	})

	r.logger.Infof("http routes registered for role %s", r.role)
}
