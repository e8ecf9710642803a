package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-judge-api/internal/config"
	"github.com/noah-isme/gema-judge-api/internal/handler"
	"github.com/noah-isme/gema-judge-api/internal/middleware"
	"github.com/noah-isme/gema-judge-api/internal/models"
	"github.com/noah-isme/gema-judge-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	SubmissionHandler *handler.SubmissionHandler
	ContestHandler    *handler.ContestHandler
	ProblemHandler    *handler.ProblemHandler
	UserHandler       *handler.UserHandler
	AdminHandler      *handler.AdminHandler
	HealthProbes      map[string]handler.HealthProbe
	JWTMiddleware     fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	// Common v1 group for health & headers
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.HealthProbes))
	app.Get("/metrics", observability.MetricsHandler())

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	if deps.SubmissionHandler != nil {
		submissions := api.Group("/submissions", jwtMiddleware)
		var guards []fiber.Handler
		if cfg.SubmissionRateLimit > 0 {
			guards = append(guards, middleware.RateLimit("submissions", cfg.SubmissionRateLimit, time.Minute))
		}
		deps.SubmissionHandler.Register(submissions, guards...)
	}

	if deps.ProblemHandler != nil {
		deps.ProblemHandler.Register(api.Group("/problems", jwtMiddleware))
	}

	if deps.ContestHandler != nil {
		deps.ContestHandler.Register(api.Group("/contests", jwtMiddleware))
	}

	if deps.UserHandler != nil {
		deps.UserHandler.Register(api.Group("/users", jwtMiddleware))
	}

	// Admin maintenance
	if deps.AdminHandler != nil || deps.UserHandler != nil || deps.ContestHandler != nil {
		admin := api.Group("/admin", jwtMiddleware, middleware.RequireRole(models.RoleAdmin))
		if deps.AdminHandler != nil {
			deps.AdminHandler.Register(admin)
		}
		if deps.ContestHandler != nil {
			deps.ContestHandler.RegisterAdmin(admin)
		}
		if deps.UserHandler != nil {
			deps.UserHandler.RegisterAdmin(admin)
		}
	}
}
