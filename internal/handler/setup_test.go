package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-judge-api/internal/config"
	"github.com/noah-isme/gema-judge-api/internal/handler"
	"github.com/noah-isme/gema-judge-api/internal/lock"
	"github.com/noah-isme/gema-judge-api/internal/models"
	"github.com/noah-isme/gema-judge-api/internal/reconcile"
	"github.com/noah-isme/gema-judge-api/internal/repository"
	"github.com/noah-isme/gema-judge-api/internal/router"
	"github.com/noah-isme/gema-judge-api/internal/service"
	"github.com/noah-isme/gema-judge-api/internal/testutil"
	"github.com/noah-isme/gema-judge-api/pkg/judge"
)

type queuedJudge struct {
	mu      sync.Mutex
	results []judge.Result
	err     error
}

func (j *queuedJudge) Judge(_ context.Context, req judge.Request) (judge.Result, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.err != nil {
		return judge.Result{}, j.err
	}
	if len(j.results) == 0 {
		return judge.Result{Status: "AC", Point: req.Problem.MaxPoint, ExecutionTimeMs: 10, MemoryKB: 1024}, nil
	}
	next := j.results[0]
	j.results = j.results[1:]
	return next, nil
}

func (j *queuedJudge) enqueue(results ...judge.Result) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.results = append(j.results, results...)
}

type judgeApp struct {
	app     *fiber.App
	db      *gorm.DB
	judge   *queuedJudge
	events  service.SubmissionEventBus
	admin   models.User
	student models.User
	problem models.Problem
}

// newJudgeApp wires the full route table over SQLite. Callers authenticate
// with the X-Test-User header carrying a user id.
func newJudgeApp(t *testing.T) *judgeApp {
	t.Helper()

	db := testutil.NewDB(t)
	logger := zerolog.New(io.Discard)
	validate := validator.New(validator.WithRequiredStructEnabled())
	store := repository.NewStore(db)
	locker := lock.NewLocalLocker()
	stub := &queuedJudge{}

	events := service.NewSubmissionEventBus(nil, "", nil, logger)
	standings := service.NewStandingsCache(nil, time.Minute, logger)

	submissions := service.NewSubmissionService(store, stub, locker, events, standings, validate, logger, service.SubmissionConfig{JudgeTimeout: time.Second})
	contests := service.NewContestService(store, locker, standings, validate, logger)
	problems := service.NewProblemService(store, validate, logger)
	users := service.NewUserService(store, validate, logger)

	ja := &judgeApp{
		db:      db,
		judge:   stub,
		events:  events,
		admin:   testutil.SeedUser(t, db, "root", models.RoleAdmin),
		student: testutil.SeedUser(t, db, "alice", models.RoleStudent),
		problem: testutil.SeedProblem(t, db, "SUM"),
	}

	app := fiber.New()
	router.Register(app, config.Config{AppName: "Test", JWTSecret: "secret"}, router.Dependencies{
		SubmissionHandler: handler.NewSubmissionHandler(submissions, logger),
		ContestHandler:    handler.NewContestHandler(contests, events, logger),
		ProblemHandler:    handler.NewProblemHandler(problems, logger),
		UserHandler:       handler.NewUserHandler(users, logger),
		AdminHandler:      handler.NewAdminHandler(reconcile.New(store, locker, logger), contests, logger),
		JWTMiddleware:     ja.authenticate,
	})
	ja.app = app
	return ja
}

func (ja *judgeApp) authenticate(c *fiber.Ctx) error {
	raw := c.Get("X-Test-User")
	if raw == "" {
		raw = c.Query("test_user")
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return fiber.ErrUnauthorized
	}

	var user models.User
	if err := ja.db.First(&user, uint(id)).Error; err != nil {
		return fiber.ErrUnauthorized
	}
	c.Locals("user_id", user.ID)
	c.Locals("user_role", user.Role)
	return c.Next()
}

func (ja *judgeApp) do(t *testing.T, method, path string, as models.User, body interface{}) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	if as.ID != 0 {
		req.Header.Set("X-Test-User", strconv.FormatUint(uint64(as.ID), 10))
	}

	resp, err := ja.app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

// runningContest inserts a contest spanning the current instant with the given problems.
func (ja *judgeApp) runningContest(t *testing.T, problemIDs ...uint) models.Contest {
	t.Helper()

	now := time.Now().UTC()
	contest := models.Contest{
		Slug:           "live-" + strconv.FormatInt(now.UnixNano(), 36),
		Title:          "Live Round",
		StartTime:      now.Add(-time.Hour),
		EndTime:        now.Add(time.Hour),
		PenaltySeconds: 600,
	}
	for i, id := range problemIDs {
		contest.Problems = append(contest.Problems, models.ContestProblem{ProblemID: id, Position: i})
	}
	require.NoError(t, ja.db.Create(&contest).Error)
	return contest
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Meta    json.RawMessage `json:"meta"`
	Details json.RawMessage `json:"details"`
}

func decodeResponse(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, target), string(body))
}

func decodeData(t *testing.T, resp *http.Response, target interface{}) envelope {
	t.Helper()

	var env envelope
	decodeResponse(t, resp, &env)
	if target != nil {
		require.NoError(t, json.Unmarshal(env.Data, target), string(env.Data))
	}
	return env
}
