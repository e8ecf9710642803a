// Package apptest assembles the full judge API over SQLite for black-box tests.
package apptest

import (
	"context"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-judge-api/internal/config"
	"github.com/noah-isme/gema-judge-api/internal/handler"
	"github.com/noah-isme/gema-judge-api/internal/lock"
	"github.com/noah-isme/gema-judge-api/internal/middleware"
	"github.com/noah-isme/gema-judge-api/internal/models"
	"github.com/noah-isme/gema-judge-api/internal/reconcile"
	"github.com/noah-isme/gema-judge-api/internal/repository"
	"github.com/noah-isme/gema-judge-api/internal/router"
	"github.com/noah-isme/gema-judge-api/internal/service"
	"github.com/noah-isme/gema-judge-api/internal/testutil"
	"github.com/noah-isme/gema-judge-api/pkg/judge"
)

// Secret signs test tokens.
const Secret = "apptest-secret"

// Judge hands out queued results and falls back to a full-score Accepted verdict.
type Judge struct {
	mu      sync.Mutex
	results []judge.Result
	Delay   time.Duration
}

// Enqueue appends results returned by subsequent calls.
func (j *Judge) Enqueue(results ...judge.Result) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.results = append(j.results, results...)
}

// Judge implements judge.Judge.
func (j *Judge) Judge(ctx context.Context, req judge.Request) (judge.Result, error) {
	if j.Delay > 0 {
		select {
		case <-time.After(j.Delay):
		case <-ctx.Done():
			return judge.Result{}, judge.ErrTimeout
		}
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.results) == 0 {
		return judge.Result{Status: "AC", Point: req.Problem.MaxPoint, ExecutionTimeMs: 10, MemoryKB: 2048}, nil
	}
	next := j.results[0]
	j.results = j.results[1:]
	return next, nil
}

// App is a fully routed judge API.
type App struct {
	Fiber      *fiber.App
	DB         *gorm.DB
	Judge      *Judge
	Events     service.SubmissionEventBus
	Reconciler *reconcile.Reconciler
}

// New builds the API with the common middleware chain and JWT auth.
func New(t *testing.T) *App {
	t.Helper()

	db := testutil.NewDB(t)
	logger := zerolog.New(io.Discard)
	validate := validator.New(validator.WithRequiredStructEnabled())
	store := repository.NewStore(db)
	locker := lock.NewLocalLocker()
	stub := &Judge{}

	cfg := config.Config{AppName: "Judge Test", AppEnv: "test", JWTSecret: Secret, JudgeTimeout: 2 * time.Second}

	events := service.NewSubmissionEventBus(nil, "", nil, logger)
	standings := service.NewStandingsCache(nil, time.Minute, logger)

	submissions := service.NewSubmissionService(store, stub, locker, events, standings, validate, logger, service.SubmissionConfig{JudgeTimeout: cfg.JudgeTimeout})
	contests := service.NewContestService(store, locker, standings, validate, logger)
	reconciler := reconcile.New(store, locker, logger)

	app := fiber.New()
	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		SubmissionHandler: handler.NewSubmissionHandler(submissions, logger),
		ContestHandler:    handler.NewContestHandler(contests, events, logger),
		ProblemHandler:    handler.NewProblemHandler(service.NewProblemService(store, validate, logger), logger),
		UserHandler:       handler.NewUserHandler(service.NewUserService(store, validate, logger), logger),
		AdminHandler:      handler.NewAdminHandler(reconciler, contests, logger),
		JWTMiddleware:     middleware.JWTProtected(cfg.JWTSecret),
	})

	return &App{Fiber: app, DB: db, Judge: stub, Events: events, Reconciler: reconciler}
}

// Token signs a bearer token for the user.
func Token(t *testing.T, user models.User) string {
	t.Helper()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  strconv.FormatUint(uint64(user.ID), 10),
		"role": user.Role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(Secret))
	require.NoError(t, err)
	return token
}
