package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-judge-api/internal/dto"
	"github.com/noah-isme/gema-judge-api/internal/middleware"
	"github.com/noah-isme/gema-judge-api/internal/service"
	"github.com/noah-isme/gema-judge-api/internal/utils"
)

// ProblemHandler exposes the problem catalogue and its counters.
type ProblemHandler struct {
	service service.ProblemService
	logger  zerolog.Logger
}

// NewProblemHandler constructs the handler.
func NewProblemHandler(service service.ProblemService, logger zerolog.Logger) *ProblemHandler {
	return &ProblemHandler{
		service: service,
		logger:  logger.With().Str("component", "problem_handler").Logger(),
	}
}

// Register binds problem routes.
func (h *ProblemHandler) Register(router fiber.Router) {
	router.Get("", h.list)
	router.Get("/:id", h.get)
	router.Post("", middleware.WithAuth(h.create, middleware.AuthOptions{Role: middleware.AuthRoleAdmin}))
}

func (h *ProblemHandler) list(c *fiber.Ctx) error {
	page, err := parseQueryInt(c, "page")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid page")
	}
	pageSize, err := parseQueryInt(c, "page_size")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid page_size")
	}

	result, err := h.service.List(withRequestContext(c), page, pageSize)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	return utils.OK(c, result.Items, "problems retrieved", result.Pagination)
}

func (h *ProblemHandler) get(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	problem, err := h.service.Get(withRequestContext(c), id)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	return utils.SendSuccess(c, "problem retrieved", problem)
}

func (h *ProblemHandler) create(c *fiber.Ctx) error {
	var payload dto.ProblemCreateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	problem, err := h.service.Create(withRequestContext(c), payload)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "problem created", problem)
}
