package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-judge-api/internal/dto"
	"github.com/noah-isme/gema-judge-api/internal/models"
	"github.com/noah-isme/gema-judge-api/internal/repository"
)

// UserService manages judge accounts.
type UserService interface {
	Create(ctx context.Context, payload dto.UserCreateRequest) (dto.UserResponse, error)
	Get(ctx context.Context, id uint) (dto.UserResponse, error)
	Me(ctx context.Context, actor Actor) (dto.UserResponse, error)
}

type userService struct {
	store     repository.Store
	validator *validator.Validate
	logger    zerolog.Logger
	now       func() time.Time
}

// NewUserService constructs the user service.
func NewUserService(store repository.Store, validate *validator.Validate, logger zerolog.Logger) UserService {
	return &userService{
		store:     store,
		validator: validate,
		logger:    logger.With().Str("component", "user_service").Logger(),
		now:       time.Now,
	}
}

func (s *userService) Create(ctx context.Context, payload dto.UserCreateRequest) (dto.UserResponse, error) {
	payload.Username = strings.TrimSpace(payload.Username)
	payload.Role = strings.ToLower(strings.TrimSpace(payload.Role))
	if err := s.validator.Struct(payload); err != nil {
		return dto.UserResponse{}, err
	}
	if payload.Role == "" {
		payload.Role = models.RoleStudent
	}

	user := models.User{Username: payload.Username, Role: payload.Role}
	if err := s.store.Users().Create(ctx, &user); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return dto.UserResponse{}, fmt.Errorf("user %s: %w", user.Username, ErrDuplicate)
		}
		return dto.UserResponse{}, err
	}

	s.logger.Info().Uint("user_id", user.ID).Str("role", user.Role).Msg("user created")
	return dto.NewUserResponse(user), nil
}

func (s *userService) Get(ctx context.Context, id uint) (dto.UserResponse, error) {
	user, err := s.store.Users().GetByID(ctx, id)
	if err != nil {
		return dto.UserResponse{}, mapNotFound(err, ErrUserNotFound)
	}

	user, err = s.releaseEnded(ctx, user)
	if err != nil {
		return dto.UserResponse{}, err
	}
	return dto.NewUserResponse(user), nil
}

func (s *userService) Me(ctx context.Context, actor Actor) (dto.UserResponse, error) {
	if actor.ID == 0 {
		return dto.UserResponse{}, ErrUnauthenticated
	}
	return s.Get(ctx, actor.ID)
}

// releaseEnded clears an active contest whose window has closed.
func (s *userService) releaseEnded(ctx context.Context, user models.User) (models.User, error) {
	if user.ActiveContestID == nil {
		return user, nil
	}

	contest, err := s.store.Contests().GetByID(ctx, *user.ActiveContestID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return user, err
	}
	if err == nil && contest.Status(s.now()) != models.ContestStatusEnded {
		return user, nil
	}

	if err := s.store.Users().SetActiveContest(ctx, user.ID, nil); err != nil {
		return user, err
	}
	user.ActiveContestID = nil
	return user, nil
}
