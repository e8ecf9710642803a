package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gosimple/slug"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-judge-api/internal/config"
	"github.com/noah-isme/gema-judge-api/internal/database"
	"github.com/noah-isme/gema-judge-api/internal/handler"
	"github.com/noah-isme/gema-judge-api/internal/lock"
	"github.com/noah-isme/gema-judge-api/internal/middleware"
	"github.com/noah-isme/gema-judge-api/internal/reconcile"
	"github.com/noah-isme/gema-judge-api/internal/repository"
	"github.com/noah-isme/gema-judge-api/internal/router"
	"github.com/noah-isme/gema-judge-api/internal/service"
	"github.com/noah-isme/gema-judge-api/pkg/judge"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := database.Migrate(db); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(context.Background(), cfg.RedisURL, slug.Make(cfg.AppName))
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer natsConn.Drain()
	}

	judger, err := judge.NewHTTPClient(judge.Config{
		BaseURL: cfg.JudgerURL,
		Timeout: cfg.JudgeTimeout,
		Logger:  logger,
	})
	if err != nil {
		log.Fatalf("failed to create judger client: %v", err)
	}

	lockers := []lock.Locker{lock.NewLocalLocker()}
	if redisClient != nil {
		lockers = append(lockers, lock.NewRedisLocker(redisClient, cfg.LockPrefix(), cfg.LockTTL, logger))
	}
	locker := lock.Chain(lockers...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	validate := validator.New(validator.WithRequiredStructEnabled())
	store := repository.NewStore(db)

	events := service.NewSubmissionEventBus(redisClient, cfg.EventsChannel, natsConn, logger)
	events.Start(ctx)

	standings := service.NewStandingsCache(redisClient, cfg.StandingsCacheTTL, logger)

	submissionService := service.NewSubmissionService(store, judger, locker, events, standings, validate, logger, service.SubmissionConfig{
		JudgeTimeout: cfg.JudgeTimeout,
	})
	contestService := service.NewContestService(store, locker, standings, validate, logger)
	problemService := service.NewProblemService(store, validate, logger)
	userService := service.NewUserService(store, validate, logger)
	reconciler := reconcile.New(store, locker, logger)

	go releaseEndedContests(ctx, contestService, cfg.ReleaseInterval, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout,
	})

	middleware.Register(app, middleware.Config{Logger: &logger, RequestTimeout: cfg.RequestTimeout})
	router.Register(app, cfg, router.Dependencies{
		SubmissionHandler: handler.NewSubmissionHandler(submissionService, logger),
		ContestHandler:    handler.NewContestHandler(contestService, events, logger),
		ProblemHandler:    handler.NewProblemHandler(problemService, logger),
		UserHandler:       handler.NewUserHandler(userService, logger),
		AdminHandler:      handler.NewAdminHandler(reconciler, contestService, logger),
		HealthProbes:      healthProbes(db, redisClient, natsConn),
		JWTMiddleware:     middleware.JWTProtected(cfg.JWTSecret),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(ctx, app)
}

func releaseEndedContests(ctx context.Context, contests service.ContestService, interval time.Duration, logger zerolog.Logger) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			released, err := contests.ReleaseEnded(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("failed to release ended contests")
			} else if released > 0 {
				logger.Info().Int64("users", released).Msg("released ended contests")
			}

			rated, err := contests.RateEnded(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("failed to rate ended contests")
			} else if rated > 0 {
				logger.Info().Int("contests", rated).Msg("rated ended contests")
			}
		}
	}
}

func healthProbes(db *gorm.DB, redisClient *redis.Client, natsConn *nats.Conn) map[string]handler.HealthProbe {
	probes := map[string]handler.HealthProbe{
		"database": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
	if redisClient != nil {
		probes["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}
	if natsConn != nil {
		probes["nats"] = func(context.Context) error {
			if !natsConn.IsConnected() {
				return nats.ErrConnectionClosed
			}
			return nil
		}
	}
	return probes
}

func waitForShutdown(ctx context.Context, app *fiber.App) {
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
