package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-judge-api/internal/models"
	"github.com/noah-isme/gema-judge-api/internal/utils"
)

// Auth role constants used by WithAuth helper.
const (
	AuthRoleAny     = "any"
	AuthRoleAdmin   = models.RoleAdmin
	AuthRoleStudent = models.RoleStudent
)

// AuthOptions configures the WithAuth helper.
type AuthOptions struct {
	Role        string
	RequireUser bool
}

// WithAuth wraps a single route with authentication and role guards.
func WithAuth(handler fiber.Handler, opts AuthOptions) fiber.Handler {
	role := strings.ToLower(strings.TrimSpace(opts.Role))
	if role == "" {
		role = AuthRoleAny
	}

	requireUser := opts.RequireUser || role != AuthRoleAny

	return func(c *fiber.Ctx) error {
		if requireUser && !hasUser(c) {
			return utils.Fail(c, fiber.StatusUnauthorized, "authentication required", nil)
		}

		if role != AuthRoleAny && normalizeRoleValue(c.Locals("user_role")) != role {
			return utils.Fail(c, fiber.StatusForbidden, "insufficient permissions", nil)
		}

		return handler(c)
	}
}

func hasUser(c *fiber.Ctx) bool {
	switch id := c.Locals("user_id").(type) {
	case uint:
		return id != 0
	case int:
		return id > 0
	default:
		return false
	}
}
