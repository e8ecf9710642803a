package handler

import (
	"bytes"
	"errors"
	"io"
	"mime/multipart"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-judge-api/internal/dto"
	"github.com/noah-isme/gema-judge-api/internal/middleware"
	"github.com/noah-isme/gema-judge-api/internal/service"
	"github.com/noah-isme/gema-judge-api/internal/utils"
)

const maxSourceBytes = 64 * 1024

var errSourceNotText = errors.New("source file must be plain text")

// SubmissionHandler manages submission endpoints.
type SubmissionHandler struct {
	service service.SubmissionService
	logger  zerolog.Logger
}

// NewSubmissionHandler builds a submission handler instance.
func NewSubmissionHandler(service service.SubmissionService, logger zerolog.Logger) *SubmissionHandler {
	return &SubmissionHandler{
		service: service,
		logger:  logger.With().Str("component", "submission_handler").Logger(),
	}
}

// Register attaches the routes to the provided router group. Guards run before create only.
func (h *SubmissionHandler) Register(router fiber.Router, createGuards ...fiber.Handler) {
	router.Get("", h.list)
	router.Get("/:id", h.get)
	router.Post("", append(createGuards, h.create)...)
	router.Delete("/:id", middleware.WithAuth(h.delete, middleware.AuthOptions{Role: middleware.AuthRoleAdmin}))
}

func (h *SubmissionHandler) list(c *fiber.Ctx) error {
	var req dto.SubmissionListRequest
	var err error

	if req.UserID, err = parseQueryUint(c, "user_id"); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	if req.ProblemID, err = parseQueryUint(c, "problem_id"); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	if req.ContestID, err = parseQueryUint(c, "contest_id"); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	if req.Page, err = parseQueryInt(c, "page"); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid page")
	}
	if req.PageSize, err = parseQueryInt(c, "page_size"); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid page_size")
	}
	req.Status = strings.TrimSpace(c.Query("status"))
	req.Language = strings.TrimSpace(c.Query("language"))

	result, err := h.service.List(withRequestContext(c), actorFromContext(c), req)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	return utils.OK(c, result.Items, "submissions retrieved", result.Pagination)
}

func (h *SubmissionHandler) get(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	submission, err := h.service.Get(withRequestContext(c), actorFromContext(c), id)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	return utils.SendSuccess(c, "submission retrieved", submission)
}

func (h *SubmissionHandler) create(c *fiber.Ctx) error {
	payload, err := h.parseCreate(c)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	submission, err := h.service.Create(withRequestContext(c), actorFromContext(c), payload)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	requestLogger(h.logger, c).Info().
		Uint("submission_id", submission.ID).
		Uint("problem_id", submission.ProblemID).
		Str("status", submission.Status).
		Int("point", submission.Point).
		Msg("submission judged")
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "submission judged", submission)
}

func (h *SubmissionHandler) parseCreate(c *fiber.Ctx) (dto.SubmissionCreateRequest, error) {
	var payload dto.SubmissionCreateRequest

	if !strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEMultipartForm) {
		if err := c.BodyParser(&payload); err != nil {
			return payload, errors.New("invalid request body")
		}
		return payload, nil
	}

	problemID, err := strconv.ParseUint(strings.TrimSpace(c.FormValue("problem_id")), 10, 64)
	if err != nil {
		return payload, errors.New("invalid problem_id")
	}
	payload.ProblemID = uint(problemID)

	if raw := strings.TrimSpace(c.FormValue("contest_id")); raw != "" {
		contestID, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return payload, errors.New("invalid contest_id")
		}
		id := uint(contestID)
		payload.ContestID = &id
	}
	payload.Language = c.FormValue("language")

	file, err := c.FormFile("source")
	if err != nil {
		payload.SourceCode = c.FormValue("source_code")
		return payload, nil
	}

	source, err := readSourceFile(file)
	if err != nil {
		return payload, err
	}
	payload.SourceCode = source
	return payload, nil
}

// readSourceFile accepts only text uploads within the source size limit.
func readSourceFile(file *multipart.FileHeader) (string, error) {
	if file.Size > maxSourceBytes {
		return "", errors.New("source file too large")
	}

	handle, err := file.Open()
	if err != nil {
		return "", err
	}
	defer handle.Close()

	buf := bytes.NewBuffer(nil)
	if _, err := io.Copy(buf, io.LimitReader(handle, maxSourceBytes+1)); err != nil {
		return "", err
	}
	if buf.Len() > maxSourceBytes {
		return "", errors.New("source file too large")
	}

	detected := mimetype.Detect(buf.Bytes())
	if !strings.HasPrefix(detected.String(), "text/") || !utf8.Valid(buf.Bytes()) {
		return "", errSourceNotText
	}
	return buf.String(), nil
}

func (h *SubmissionHandler) delete(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	if err := h.service.Delete(withRequestContext(c), actorFromContext(c), id); err != nil {
		return sendServiceError(c, h.logger, err)
	}

	requestLogger(h.logger, c).Info().Uint("submission_id", id).Msg("submission deleted")
	return utils.SendSuccess(c, "submission deleted", fiber.Map{"id": id})
}
