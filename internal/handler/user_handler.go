package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-judge-api/internal/dto"
	"github.com/noah-isme/gema-judge-api/internal/service"
	"github.com/noah-isme/gema-judge-api/internal/utils"
)

// UserHandler exposes judge accounts and their totals.
type UserHandler struct {
	service service.UserService
	logger  zerolog.Logger
}

// NewUserHandler constructs the handler.
func NewUserHandler(service service.UserService, logger zerolog.Logger) *UserHandler {
	return &UserHandler{
		service: service,
		logger:  logger.With().Str("component", "user_handler").Logger(),
	}
}

// Register binds the authenticated user routes.
func (h *UserHandler) Register(router fiber.Router) {
	router.Get("/me", h.me)
	router.Get("/:id", h.get)
}

// RegisterAdmin binds account management routes on an admin-only group.
func (h *UserHandler) RegisterAdmin(router fiber.Router) {
	router.Post("/users", h.create)
}

func (h *UserHandler) me(c *fiber.Ctx) error {
	user, err := h.service.Me(withRequestContext(c), actorFromContext(c))
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	return utils.SendSuccess(c, "user retrieved", user)
}

func (h *UserHandler) get(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	user, err := h.service.Get(withRequestContext(c), id)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	return utils.SendSuccess(c, "user retrieved", user)
}

func (h *UserHandler) create(c *fiber.Ctx) error {
	var payload dto.UserCreateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	user, err := h.service.Create(withRequestContext(c), payload)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "user created", user)
}
