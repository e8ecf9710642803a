package handler

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-judge-api/internal/lock"
	"github.com/noah-isme/gema-judge-api/internal/middleware"
	"github.com/noah-isme/gema-judge-api/internal/service"
	"github.com/noah-isme/gema-judge-api/internal/utils"
)

func parseQueryInt(c *fiber.Ctx, key string) (int, error) {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	return parsed, nil
}

func parseQueryUint(c *fiber.Ctx, key string) (*uint, error) {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil || parsed == 0 {
		return nil, errors.New("invalid " + key)
	}
	result := uint(parsed)
	return &result, nil
}

func parseUintParam(c *fiber.Ctx, name string) (uint, error) {
	parsed, err := strconv.ParseUint(c.Params(name), 10, 64)
	if err != nil || parsed == 0 {
		return 0, errors.New("invalid identifier")
	}
	return uint(parsed), nil
}

func userIDFromContext(c *fiber.Ctx) uint {
	if v := c.Locals("user_id"); v != nil {
		if id, ok := v.(uint); ok {
			return id
		}
		if id, ok := v.(int); ok {
			if id < 0 {
				return 0
			}
			return uint(id)
		}
	}
	return 0
}

func userRoleFromContext(c *fiber.Ctx) string {
	if v := c.Locals("user_role"); v != nil {
		if role, ok := v.(string); ok {
			return role
		}
	}
	return ""
}

func actorFromContext(c *fiber.Ctx) service.Actor {
	return service.Actor{
		ID:   userIDFromContext(c),
		Role: userRoleFromContext(c),
	}
}

func withRequestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if c != nil {
		if correlation := middleware.GetCorrelationID(c); correlation != "" {
			logger = base.With().Str("correlation_id", correlation).Logger()
		}
	}
	return &logger
}

type fieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

func validationDetails(err error) ([]fieldError, bool) {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return nil, false
	}

	details := make([]fieldError, 0, len(validationErrors))
	for _, fe := range validationErrors {
		details = append(details, fieldError{Field: fe.Field(), Rule: fe.Tag()})
	}
	return details, true
}

// sendServiceError maps service and engine errors to HTTP responses.
func sendServiceError(c *fiber.Ctx, logger zerolog.Logger, err error) error {
	if details, ok := validationDetails(err); ok {
		return utils.Fail(c, fiber.StatusBadRequest, "validation failed", details)
	}

	switch {
	case errors.Is(err, service.ErrUnauthenticated):
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	case errors.Is(err, service.ErrForbidden):
		return utils.SendError(c, fiber.StatusForbidden, "insufficient permissions")
	case errors.Is(err, service.ErrSubmissionNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "submission not found")
	case errors.Is(err, service.ErrProblemNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "problem not found")
	case errors.Is(err, service.ErrUserNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "user not found")
	case errors.Is(err, service.ErrContestNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "contest not found")
	case errors.Is(err, service.ErrUnsupportedLanguage):
		return utils.SendError(c, fiber.StatusBadRequest, "unsupported language")
	case errors.Is(err, service.ErrInvalidState):
		return utils.SendError(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, service.ErrDuplicate):
		return utils.SendError(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, service.ErrJudgeTimeout):
		return utils.SendError(c, fiber.StatusGatewayTimeout, "judger timed out")
	case errors.Is(err, service.ErrJudgeUnavailable):
		return utils.SendError(c, fiber.StatusServiceUnavailable, "judger unavailable")
	case errors.Is(err, lock.ErrLockTimeout), errors.Is(err, context.DeadlineExceeded):
		return utils.SendError(c, fiber.StatusServiceUnavailable, "busy, retry later")
	case errors.Is(err, service.ErrAggregatePersist):
		requestLogger(logger, c).Error().Err(err).Msg("aggregate update rolled back")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to record submission")
	default:
		requestLogger(logger, c).Error().Err(err).Msg("internal server error")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}
}
