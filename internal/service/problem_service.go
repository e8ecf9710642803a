package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-judge-api/internal/dto"
	"github.com/noah-isme/gema-judge-api/internal/models"
	"github.com/noah-isme/gema-judge-api/internal/repository"
)

const (
	defaultProblemPageSize = 20
	maxProblemPageSize     = 100
)

// ProblemService registers problems and exposes their counters.
type ProblemService interface {
	Create(ctx context.Context, payload dto.ProblemCreateRequest) (dto.ProblemResponse, error)
	Get(ctx context.Context, id uint) (dto.ProblemResponse, error)
	List(ctx context.Context, page, pageSize int) (dto.ProblemListResponse, error)
}

type problemService struct {
	store     repository.Store
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewProblemService constructs the problem service.
func NewProblemService(store repository.Store, validate *validator.Validate, logger zerolog.Logger) ProblemService {
	return &problemService{
		store:     store,
		validator: validate,
		logger:    logger.With().Str("component", "problem_service").Logger(),
	}
}

func (s *problemService) Create(ctx context.Context, payload dto.ProblemCreateRequest) (dto.ProblemResponse, error) {
	payload.Code = strings.ToUpper(strings.TrimSpace(payload.Code))
	payload.Title = strings.TrimSpace(payload.Title)
	if err := s.validator.Struct(payload); err != nil {
		return dto.ProblemResponse{}, err
	}

	problem := models.Problem{
		Code:          payload.Code,
		Title:         payload.Title,
		MaxPoint:      payload.MaxPoint,
		TimeLimitMs:   payload.TimeLimitMs,
		MemoryLimitKB: payload.MemoryLimitKB,
		TestReference: strings.TrimSpace(payload.TestReference),
	}
	if err := s.store.Problems().Create(ctx, &problem); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return dto.ProblemResponse{}, fmt.Errorf("problem %s: %w", problem.Code, ErrDuplicate)
		}
		return dto.ProblemResponse{}, err
	}

	s.logger.Info().Uint("problem_id", problem.ID).Str("code", problem.Code).Msg("problem created")
	return dto.NewProblemResponse(problem), nil
}

func (s *problemService) Get(ctx context.Context, id uint) (dto.ProblemResponse, error) {
	problem, err := s.store.Problems().GetByID(ctx, id)
	if err != nil {
		return dto.ProblemResponse{}, mapNotFound(err, ErrProblemNotFound)
	}
	return dto.NewProblemResponse(problem), nil
}

func (s *problemService) List(ctx context.Context, page, pageSize int) (dto.ProblemListResponse, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultProblemPageSize
	}
	if pageSize > maxProblemPageSize {
		pageSize = maxProblemPageSize
	}

	problems, total, err := s.store.Problems().List(ctx, page, pageSize)
	if err != nil {
		return dto.ProblemListResponse{}, err
	}

	items := make([]dto.ProblemResponse, 0, len(problems))
	for _, problem := range problems {
		items = append(items, dto.NewProblemResponse(problem))
	}

	return dto.ProblemListResponse{
		Items:      items,
		Pagination: dto.NewPaginationMeta(page, pageSize, total),
	}, nil
}
