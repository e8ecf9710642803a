package handler

import (
	"context"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-judge-api/internal/reconcile"
	"github.com/noah-isme/gema-judge-api/internal/utils"
)

// Reconciler rebuilds aggregates from the ledger.
type Reconciler interface {
	Run(ctx context.Context, apply bool) (reconcile.Report, error)
}

// ContestReleaser clears active contests that have ended and rates them.
type ContestReleaser interface {
	ReleaseEnded(ctx context.Context) (int64, error)
	RateEnded(ctx context.Context) (int, error)
}

// AdminHandler exposes maintenance operations.
type AdminHandler struct {
	reconciler Reconciler
	releaser   ContestReleaser
	logger     zerolog.Logger
}

// NewAdminHandler constructs the handler.
func NewAdminHandler(reconciler Reconciler, releaser ContestReleaser, logger zerolog.Logger) *AdminHandler {
	return &AdminHandler{
		reconciler: reconciler,
		releaser:   releaser,
		logger:     logger.With().Str("component", "admin_handler").Logger(),
	}
}

// Register binds admin routes on an admin-only group.
func (h *AdminHandler) Register(router fiber.Router) {
	router.Post("/reconcile", h.reconcile)
	router.Post("/contests/release", h.release)
	router.Post("/contests/ratings", h.rate)
}

func (h *AdminHandler) reconcile(c *fiber.Ctx) error {
	apply := false
	if raw := strings.TrimSpace(c.Query("apply")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid apply flag")
		}
		apply = parsed
	}

	report, err := h.reconciler.Run(withRequestContext(c), apply)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	requestLogger(h.logger, c).Info().
		Int("drifts", len(report.Drifts)).
		Bool("applied", report.Applied).
		Msg("reconciliation requested")
	return utils.SendSuccess(c, "reconciliation finished", report)
}

func (h *AdminHandler) release(c *fiber.Ctx) error {
	released, err := h.releaser.ReleaseEnded(withRequestContext(c))
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	return utils.SendSuccess(c, "ended contests released", fiber.Map{"released_users": released})
}

func (h *AdminHandler) rate(c *fiber.Ctx) error {
	rated, err := h.releaser.RateEnded(withRequestContext(c))
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	return utils.SendSuccess(c, "ended contests rated", fiber.Map{"rated_contests": rated})
}
