package handler

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-judge-api/internal/dto"
	"github.com/noah-isme/gema-judge-api/internal/middleware"
	"github.com/noah-isme/gema-judge-api/internal/service"
	"github.com/noah-isme/gema-judge-api/internal/utils"
)

const (
	closeContestNotFound = 4404
	closeInvalidContest  = 4400
)

// StandingsMessage is pushed to standings websocket clients.
type StandingsMessage struct {
	Type string                `json:"type"`
	Data dto.StandingsResponse `json:"data"`
}

// ContestHandler wires contest, participation and standings endpoints.
type ContestHandler struct {
	service      service.ContestService
	events       service.SubmissionEventBus
	logger       zerolog.Logger
	pingInterval time.Duration
}

// NewContestHandler creates a contest handler. Without an event bus the websocket only sends the initial snapshot.
func NewContestHandler(service service.ContestService, events service.SubmissionEventBus, logger zerolog.Logger) *ContestHandler {
	return &ContestHandler{
		service:      service,
		events:       events,
		logger:       logger.With().Str("component", "contest_handler").Logger(),
		pingInterval: 30 * time.Second,
	}
}

// Register binds contest routes under the provided router group.
func (h *ContestHandler) Register(router fiber.Router) {
	admin := middleware.AuthOptions{Role: middleware.AuthRoleAdmin}

	router.Use("/:id/standings/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("request_ctx", withRequestContext(c))
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	router.Get("/:id/standings/ws", websocket.New(h.streamStandings))

	router.Post("", middleware.WithAuth(h.create, admin))
	router.Get("/:ref", h.get)
	router.Post("/:id/problems", middleware.WithAuth(h.addProblems, admin))
	router.Post("/:id/join", h.join)
	router.Post("/:id/leave", h.leave)
	router.Get("/:id/standings", h.standings)
}

// RegisterAdmin binds contest lifecycle routes on an admin-only group.
func (h *ContestHandler) RegisterAdmin(router fiber.Router) {
	router.Post("/contests/:id/start", h.start)
	router.Post("/contests/:id/stop", h.stop)
	router.Delete("/contests/:id/problems/:problemId", h.removeProblem)
	router.Post("/contests/:id/ratings", h.updateRatings)
}

func (h *ContestHandler) create(c *fiber.Ctx) error {
	var payload dto.ContestCreateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	contest, err := h.service.Create(withRequestContext(c), payload)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "contest created", contest)
}

func (h *ContestHandler) get(c *fiber.Ctx) error {
	contest, err := h.service.Get(withRequestContext(c), c.Params("ref"))
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	return utils.SendSuccess(c, "contest retrieved", contest)
}

func (h *ContestHandler) addProblems(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.ContestProblemsRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	contest, err := h.service.AddProblems(withRequestContext(c), id, payload)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	return utils.SendSuccess(c, "contest problems updated", contest)
}

func (h *ContestHandler) start(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	contest, err := h.service.Start(withRequestContext(c), id)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	return utils.SendSuccess(c, "contest started", contest)
}

func (h *ContestHandler) stop(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	contest, err := h.service.Stop(withRequestContext(c), id)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	return utils.SendSuccess(c, "contest stopped", contest)
}

func (h *ContestHandler) removeProblem(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	problemID, err := parseUintParam(c, "problemId")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	contest, err := h.service.RemoveProblem(withRequestContext(c), id, problemID)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	return utils.SendSuccess(c, "contest problem removed", contest)
}

func (h *ContestHandler) updateRatings(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	result, err := h.service.UpdateRatings(withRequestContext(c), id)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	return utils.SendSuccess(c, "contest ratings processed", result)
}

func (h *ContestHandler) join(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	contest, err := h.service.Join(withRequestContext(c), actorFromContext(c), id)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	return utils.SendSuccess(c, "joined contest", contest)
}

func (h *ContestHandler) leave(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	if err := h.service.Leave(withRequestContext(c), actorFromContext(c), id); err != nil {
		return sendServiceError(c, h.logger, err)
	}

	return utils.SendSuccess(c, "left contest", fiber.Map{"contest_id": id})
}

func (h *ContestHandler) standings(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	standings, err := h.service.Standings(withRequestContext(c), id)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	return utils.SendSuccess(c, "standings retrieved", standings)
}

// streamStandings sends a snapshot on connect and a fresh one after every
// contest-scoped ledger event until the client disconnects.
func (h *ContestHandler) streamStandings(conn *websocket.Conn) {
	defer conn.Close()

	ctx, _ := conn.Locals("request_ctx").(context.Context)
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	id, ok := parseContestParam(conn.Params("id"))
	if !ok {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeInvalidContest, "invalid contest id"))
		return
	}

	var (
		events      <-chan dto.SubmissionEvent
		unsubscribe = func() {}
	)
	if h.events != nil {
		events, unsubscribe = h.events.Subscribe(id)
	}
	defer unsubscribe()

	if err := h.pushStandings(ctx, conn, id); err != nil {
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	logger := h.logger.With().Uint("contest_id", id).Logger()
	logger.Debug().Msg("standings websocket connected")
	defer logger.Debug().Msg("standings websocket disconnected")

	for {
		select {
		case <-closed:
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			drain(events)
			if err := h.pushStandings(ctx, conn, id); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

func (h *ContestHandler) pushStandings(ctx context.Context, conn *websocket.Conn, id uint) error {
	standings, err := h.service.Standings(ctx, id)
	if err != nil {
		code, text := websocket.CloseInternalServerErr, "failed to load standings"
		if errors.Is(err, service.ErrContestNotFound) {
			code, text = closeContestNotFound, "contest not found"
		} else {
			h.logger.Error().Err(err).Uint("contest_id", id).Msg("failed to load standings for websocket")
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
		return err
	}

	if err := conn.WriteJSON(StandingsMessage{Type: "standings", Data: standings}); err != nil {
		h.logger.Debug().Err(err).Uint("contest_id", id).Msg("failed to write standings")
		return err
	}
	return nil
}

// drain discards queued events so a burst triggers a single refresh.
func drain(events <-chan dto.SubmissionEvent) {
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func parseContestParam(raw string) (uint, bool) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}
