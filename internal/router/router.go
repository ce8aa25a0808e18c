package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/licensing-go-api/internal/config"
	"github.com/noah-isme/licensing-go-api/internal/handler"
	"github.com/noah-isme/licensing-go-api/internal/middleware"
	"github.com/noah-isme/licensing-go-api/internal/observability"
	"github.com/noah-isme/licensing-go-api/internal/tokens"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	StatusHandler    *handler.StatusHandler
	MemberHandler    *handler.MemberHandler
	HierarchyHandler *handler.HierarchyHandler
	AdminHandler     *handler.AdminLicenseHandler
	OrderHandler     *handler.OrderHandler
	Verifier         *tokens.Verifier
	Logger           zerolog.Logger
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	api := app.Group("/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})

	if deps.StatusHandler != nil {
		deps.StatusHandler.Register(api.Group("/status"))
	}

	auth := func(hashKey string, required ...string) fiber.Handler {
		return middleware.TokenAuth(middleware.TokenAuthConfig{
			Verifier: deps.Verifier,
			Required: required,
			HashKey:  hashKey,
			Logger:   deps.Logger,
		})
	}

	if deps.MemberHandler != nil {
		deps.MemberHandler.Register(api.Group("/member", auth("memberships", "iss", "sub", "hashes")))
	}
	if deps.HierarchyHandler != nil {
		deps.HierarchyHandler.Register(api.Group("/hierarchy", auth("hierarchies", "iss", "sub", "hashes")))
	}
	if deps.AdminHandler != nil {
		deps.AdminHandler.Register(api.Group("/admin", auth("", "filter_restrictions")))
	}
	if deps.OrderHandler != nil {
		deps.OrderHandler.Register(api.Group("/order", auth("", "sub", "order")))
	}
}
