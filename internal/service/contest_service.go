package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gosimple/slug"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-judge-api/internal/dto"
	"github.com/noah-isme/gema-judge-api/internal/lock"
	"github.com/noah-isme/gema-judge-api/internal/models"
	"github.com/noah-isme/gema-judge-api/internal/repository"
	"github.com/noah-isme/gema-judge-api/internal/scoring"
)

const maxSlugAttempts = 50

// ContestService manages contest lifecycle, participation and standings.
type ContestService interface {
	Create(ctx context.Context, payload dto.ContestCreateRequest) (dto.ContestResponse, error)
	AddProblems(ctx context.Context, id uint, payload dto.ContestProblemsRequest) (dto.ContestResponse, error)
	Get(ctx context.Context, ref string) (dto.ContestResponse, error)
	Join(ctx context.Context, actor Actor, id uint) (dto.ContestResponse, error)
	Leave(ctx context.Context, actor Actor, id uint) error
	Standings(ctx context.Context, id uint) (dto.StandingsResponse, error)
	ReleaseEnded(ctx context.Context) (int64, error)
	Start(ctx context.Context, id uint) (dto.ContestResponse, error)
	Stop(ctx context.Context, id uint) (dto.ContestResponse, error)
	RemoveProblem(ctx context.Context, id, problemID uint) (dto.ContestResponse, error)
	UpdateRatings(ctx context.Context, id uint) (dto.RatingUpdateResponse, error)
	RateEnded(ctx context.Context) (int, error)
}

type contestService struct {
	store     repository.Store
	locker    lock.Locker
	cache     *StandingsCache
	validator *validator.Validate
	logger    zerolog.Logger
	now       func() time.Time
}

// NewContestService constructs the contest service. The cache may be nil.
func NewContestService(store repository.Store, locker lock.Locker, cache *StandingsCache, validate *validator.Validate, logger zerolog.Logger) ContestService {
	if locker == nil {
		locker = lock.NewLocalLocker()
	}

	return &contestService{
		store:     store,
		locker:    locker,
		cache:     cache,
		validator: validate,
		logger:    logger.With().Str("component", "contest_service").Logger(),
		now:       time.Now,
	}
}

func (s *contestService) Create(ctx context.Context, payload dto.ContestCreateRequest) (dto.ContestResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.ContestResponse{}, err
	}

	problemIDs, err := s.checkProblems(ctx, payload.ProblemIDs)
	if err != nil {
		return dto.ContestResponse{}, err
	}

	contestSlug, err := s.uniqueSlug(ctx, payload.Title)
	if err != nil {
		return dto.ContestResponse{}, err
	}

	contest := models.Contest{
		Slug:           contestSlug,
		Title:          strings.TrimSpace(payload.Title),
		Description:    payload.Description,
		StartTime:      payload.StartTime.UTC(),
		EndTime:        payload.EndTime.UTC(),
		PenaltySeconds: payload.PenaltySeconds,
		IsRated:        payload.IsRated,
	}
	for i, id := range problemIDs {
		contest.Problems = append(contest.Problems, models.ContestProblem{ProblemID: id, Position: i})
	}

	if err := s.store.Contests().Create(ctx, &contest); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return dto.ContestResponse{}, fmt.Errorf("contest slug %q: %w", contestSlug, ErrDuplicate)
		}
		return dto.ContestResponse{}, err
	}

	s.logger.Info().Uint("contest_id", contest.ID).Str("slug", contest.Slug).Int("problems", len(contest.Problems)).Msg("contest created")
	return dto.NewContestResponse(contest, s.now()), nil
}

// checkProblems verifies every problem exists and drops duplicates, keeping the first position.
func (s *contestService) checkProblems(ctx context.Context, ids []uint) ([]uint, error) {
	seen := make(map[uint]struct{}, len(ids))
	unique := make([]uint, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		if _, err := s.store.Problems().GetByID(ctx, id); err != nil {
			return nil, mapNotFound(err, ErrProblemNotFound)
		}
		unique = append(unique, id)
	}
	return unique, nil
}

func (s *contestService) uniqueSlug(ctx context.Context, title string) (string, error) {
	base := slug.Make(title)
	if base == "" {
		base = "contest"
	}

	candidate := base
	for attempt := 2; attempt <= maxSlugAttempts; attempt++ {
		exists, err := s.store.Contests().SlugExists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", base, attempt)
	}
	return "", fmt.Errorf("contest slug %q: %w", base, ErrDuplicate)
}

func (s *contestService) AddProblems(ctx context.Context, id uint, payload dto.ContestProblemsRequest) (dto.ContestResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.ContestResponse{}, err
	}

	problemIDs, err := s.checkProblems(ctx, payload.ProblemIDs)
	if err != nil {
		return dto.ContestResponse{}, err
	}

	contest, err := s.store.Contests().AddProblems(ctx, id, problemIDs)
	if err != nil {
		return dto.ContestResponse{}, mapNotFound(err, ErrContestNotFound)
	}

	s.cache.Invalidate(ctx, contest.ID)
	return dto.NewContestResponse(contest, s.now()), nil
}

// Get resolves a contest by numeric id or by slug.
func (s *contestService) Get(ctx context.Context, ref string) (dto.ContestResponse, error) {
	contest, err := s.load(ctx, ref)
	if err != nil {
		return dto.ContestResponse{}, err
	}
	return dto.NewContestResponse(contest, s.now()), nil
}

func (s *contestService) load(ctx context.Context, ref string) (models.Contest, error) {
	ref = strings.TrimSpace(ref)
	if id, err := strconv.ParseUint(ref, 10, 64); err == nil && id > 0 {
		contest, err := s.store.Contests().GetByID(ctx, uint(id))
		return contest, mapNotFound(err, ErrContestNotFound)
	}

	contest, err := s.store.Contests().GetBySlug(ctx, ref)
	return contest, mapNotFound(err, ErrContestNotFound)
}

// Join makes the contest the caller's active contest and creates their standings row.
// Joining moves the caller out of any other contest.
func (s *contestService) Join(ctx context.Context, actor Actor, id uint) (dto.ContestResponse, error) {
	if actor.ID == 0 {
		return dto.ContestResponse{}, ErrUnauthenticated
	}

	contest, err := s.store.Contests().GetByID(ctx, id)
	if err != nil {
		return dto.ContestResponse{}, mapNotFound(err, ErrContestNotFound)
	}

	now := s.now()
	if contest.Status(now) != models.ContestStatusRunning {
		return dto.ContestResponse{}, ErrContestNotRunning
	}

	user, err := s.store.Users().GetByID(ctx, actor.ID)
	if err != nil {
		return dto.ContestResponse{}, mapNotFound(err, ErrUserNotFound)
	}

	release, err := s.locker.Lock(ctx, lock.UserKey(user.ID))
	if err != nil {
		return dto.ContestResponse{}, fmt.Errorf("lock user %d: %w", user.ID, err)
	}
	defer release()

	err = s.store.InTransaction(ctx, func(tx repository.Store) error {
		row := models.StandingRow{ContestID: contest.ID, UserID: user.ID, Username: user.Username}
		row.EnsureWidth(len(contest.Problems))
		if _, err := tx.Contests().EnsureStanding(ctx, &row); err != nil {
			return err
		}
		contestID := contest.ID
		return tx.Users().SetActiveContest(ctx, user.ID, &contestID)
	})
	if err != nil {
		return dto.ContestResponse{}, err
	}

	s.cache.Invalidate(ctx, contest.ID)
	s.logger.Info().Uint("contest_id", contest.ID).Uint("user_id", user.ID).Msg("user joined contest")
	return dto.NewContestResponse(contest, now), nil
}

// Leave clears the caller's active contest. The standings row is kept.
func (s *contestService) Leave(ctx context.Context, actor Actor, id uint) error {
	if actor.ID == 0 {
		return ErrUnauthenticated
	}

	user, err := s.store.Users().GetByID(ctx, actor.ID)
	if err != nil {
		return mapNotFound(err, ErrUserNotFound)
	}
	if !user.IsActiveIn(id) {
		return ErrNotActiveParticipant
	}

	release, err := s.locker.Lock(ctx, lock.UserKey(user.ID))
	if err != nil {
		return fmt.Errorf("lock user %d: %w", user.ID, err)
	}
	defer release()

	return s.store.Users().SetActiveContest(ctx, user.ID, nil)
}

func (s *contestService) Standings(ctx context.Context, id uint) (dto.StandingsResponse, error) {
	cached, generation, ok := s.cache.Get(ctx, id)
	if ok {
		return cached, nil
	}

	contest, err := s.store.Contests().GetByID(ctx, id)
	if err != nil {
		return dto.StandingsResponse{}, mapNotFound(err, ErrContestNotFound)
	}

	rows, err := s.store.Contests().ListStandings(ctx, contest.ID)
	if err != nil {
		return dto.StandingsResponse{}, err
	}

	penalty := time.Duration(contest.PenaltySeconds) * time.Second
	response := dto.NewStandingsResponse(contest, scoring.Rank(rows, penalty), s.now().UTC())

	s.cache.Set(ctx, contest.ID, generation, response)
	return response, nil
}

// ReleaseEnded clears the active contest of every user joined to a contest that has ended.
func (s *contestService) ReleaseEnded(ctx context.Context) (int64, error) {
	ids, err := s.store.Contests().ListEndedIDs(ctx, s.now())
	if err != nil {
		return 0, err
	}

	released, err := s.store.Users().ClearActiveContests(ctx, ids)
	if err != nil {
		return 0, err
	}
	if released > 0 {
		s.logger.Info().Int64("users", released).Msg("released users from ended contests")
	}
	return released, nil
}

// Start opens a pending contest now. Running and ended contests are unchanged.
func (s *contestService) Start(ctx context.Context, id uint) (dto.ContestResponse, error) {
	contest, err := s.store.Contests().GetByID(ctx, id)
	if err != nil {
		return dto.ContestResponse{}, mapNotFound(err, ErrContestNotFound)
	}

	now := s.now().UTC()
	if now.Before(contest.StartTime) {
		contest.StartTime = now
		if err := s.store.Contests().SetWindow(ctx, contest.ID, contest.StartTime, contest.EndTime); err != nil {
			return dto.ContestResponse{}, mapNotFound(err, ErrContestNotFound)
		}
		s.cache.Invalidate(ctx, contest.ID)
		s.logger.Info().Uint("contest_id", contest.ID).Msg("contest started early")
	}
	return dto.NewContestResponse(contest, now), nil
}

// Stop closes the contest now and rates it when it is rated. A pending
// contest becomes an empty window at now.
func (s *contestService) Stop(ctx context.Context, id uint) (dto.ContestResponse, error) {
	contest, err := s.store.Contests().GetByID(ctx, id)
	if err != nil {
		return dto.ContestResponse{}, mapNotFound(err, ErrContestNotFound)
	}

	now := s.now().UTC()
	if now.Before(contest.EndTime) {
		if now.Before(contest.StartTime) {
			contest.StartTime = now
		}
		contest.EndTime = now
		if err := s.store.Contests().SetWindow(ctx, contest.ID, contest.StartTime, contest.EndTime); err != nil {
			return dto.ContestResponse{}, mapNotFound(err, ErrContestNotFound)
		}
		if _, err := s.store.Users().ClearActiveContests(ctx, []uint{contest.ID}); err != nil {
			s.logger.Warn().Err(err).Uint("contest_id", contest.ID).Msg("failed to release participants of stopped contest")
		}
		s.cache.Invalidate(ctx, contest.ID)
		s.logger.Info().Uint("contest_id", contest.ID).Msg("contest stopped early")
	}

	if contest.IsRated && !contest.IsRatingUpdated {
		if _, err := s.UpdateRatings(ctx, contest.ID); err != nil {
			s.logger.Error().Err(err).Uint("contest_id", contest.ID).Msg("failed to update ratings of stopped contest")
		} else {
			contest.IsRatingUpdated = true
		}
	}
	return dto.NewContestResponse(contest, now), nil
}

// RemoveProblem drops a column from a contest that is not running and
// shifts every standings row to match.
func (s *contestService) RemoveProblem(ctx context.Context, id, problemID uint) (dto.ContestResponse, error) {
	contest, err := s.store.Contests().GetByID(ctx, id)
	if err != nil {
		return dto.ContestResponse{}, mapNotFound(err, ErrContestNotFound)
	}

	column := contest.ProblemIndex(problemID)
	if column < 0 {
		return dto.ContestResponse{}, ErrProblemNotInContest
	}
	now := s.now()
	if contest.Status(now) == models.ContestStatusRunning {
		return dto.ContestResponse{}, ErrContestRunning
	}

	participants, err := s.store.Contests().ListStandings(ctx, contest.ID)
	if err != nil {
		return dto.ContestResponse{}, err
	}
	release, err := s.lockUsers(ctx, standingUserIDs(participants))
	if err != nil {
		return dto.ContestResponse{}, err
	}
	defer release()

	err = s.store.InTransaction(ctx, func(tx repository.Store) error {
		if err := tx.Contests().RemoveProblem(ctx, contest.ID, problemID); err != nil {
			return err
		}
		rows, err := tx.Contests().ListStandings(ctx, contest.ID)
		if err != nil {
			return err
		}
		for i := range rows {
			rows[i].DropColumn(column)
			if err := tx.Contests().SaveStanding(ctx, &rows[i]); err != nil {
				return fmt.Errorf("shift standing of user %d: %w", rows[i].UserID, err)
			}
		}
		return nil
	})
	if err != nil {
		return dto.ContestResponse{}, mapNotFound(err, ErrProblemNotInContest)
	}

	updated, err := s.store.Contests().GetByID(ctx, contest.ID)
	if err != nil {
		return dto.ContestResponse{}, mapNotFound(err, ErrContestNotFound)
	}

	s.cache.Invalidate(ctx, contest.ID)
	s.logger.Info().Uint("contest_id", contest.ID).Uint("problem_id", problemID).Msg("problem removed from contest")
	return dto.NewContestResponse(updated, now), nil
}

// lockUsers takes the user locks in ascending id order and returns a release
// for all of them.
func (s *contestService) lockUsers(ctx context.Context, ids []uint) (func(), error) {
	slices.Sort(ids)
	ids = slices.Compact(ids)

	releases := make([]func(), 0, len(ids))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, id := range ids {
		release, err := s.locker.Lock(ctx, lock.UserKey(id))
		if err != nil {
			releaseAll()
			return nil, fmt.Errorf("lock user %d: %w", id, err)
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

func standingUserIDs(rows []models.StandingRow) []uint {
	ids := make([]uint, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.UserID)
	}
	return ids
}
