package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-judge-api/internal/dto"
	"github.com/noah-isme/gema-judge-api/internal/lock"
	"github.com/noah-isme/gema-judge-api/internal/models"
	"github.com/noah-isme/gema-judge-api/internal/observability"
	"github.com/noah-isme/gema-judge-api/internal/repository"
	"github.com/noah-isme/gema-judge-api/internal/scoring"
	"github.com/noah-isme/gema-judge-api/pkg/judge"
)

const (
	defaultSubmissionPageSize = 20
	maxSubmissionPageSize     = 100
)

// SubmissionService applies ledger events and keeps the problem, user and
// contest aggregates consistent with them.
type SubmissionService interface {
	Create(ctx context.Context, actor Actor, payload dto.SubmissionCreateRequest) (dto.SubmissionResponse, error)
	Delete(ctx context.Context, actor Actor, id uint) error
	Get(ctx context.Context, actor Actor, id uint) (dto.SubmissionResponse, error)
	List(ctx context.Context, actor Actor, req dto.SubmissionListRequest) (dto.SubmissionListResponse, error)
}

// StandingsInvalidator drops cached standings after a contest-scoped event.
type StandingsInvalidator interface {
	Invalidate(ctx context.Context, contestID uint)
}

// SubmissionConfig describes the engine's knobs.
type SubmissionConfig struct {
	JudgeTimeout time.Duration
}

type submissionService struct {
	store        repository.Store
	judge        judge.Judge
	locker       lock.Locker
	events       SubmissionEventBus
	standings    StandingsInvalidator
	validator    *validator.Validate
	logger       zerolog.Logger
	tracer       trace.Tracer
	judgeTimeout time.Duration
	now          func() time.Time
}

// NewSubmissionService constructs the submission service. Events and standings may be nil.
func NewSubmissionService(store repository.Store, judger judge.Judge, locker lock.Locker, events SubmissionEventBus, standings StandingsInvalidator, validate *validator.Validate, logger zerolog.Logger, cfg SubmissionConfig) SubmissionService {
	if cfg.JudgeTimeout <= 0 {
		cfg.JudgeTimeout = 20 * time.Second
	}
	if locker == nil {
		locker = lock.NewLocalLocker()
	}

	return &submissionService{
		store:        store,
		judge:        judger,
		locker:       locker,
		events:       events,
		standings:    standings,
		validator:    validate,
		logger:       logger.With().Str("component", "submission_service").Logger(),
		tracer:       otel.Tracer("github.com/noah-isme/gema-judge-api/internal/service/submission"),
		judgeTimeout: cfg.JudgeTimeout,
		now:          time.Now,
	}
}

type contestTarget struct {
	contest models.Contest
	column  int
}

func (s *submissionService) Create(ctx context.Context, actor Actor, payload dto.SubmissionCreateRequest) (dto.SubmissionResponse, error) {
	if actor.ID == 0 {
		return dto.SubmissionResponse{}, ErrUnauthenticated
	}
	if err := s.validator.Struct(payload); err != nil {
		return dto.SubmissionResponse{}, err
	}

	language, ok := models.NormalizeLanguage(payload.Language)
	if !ok {
		return dto.SubmissionResponse{}, ErrUnsupportedLanguage
	}

	ctx, span := s.tracer.Start(ctx, "submissions.create", trace.WithAttributes(
		attribute.Int64("submission.user_id", int64(actor.ID)),
		attribute.Int64("submission.problem_id", int64(payload.ProblemID)),
		attribute.String("submission.language", language),
	))
	defer span.End()

	submittedAt := s.now().UTC()

	problem, err := s.store.Problems().GetByID(ctx, payload.ProblemID)
	if err != nil {
		return dto.SubmissionResponse{}, mapNotFound(err, ErrProblemNotFound)
	}

	user, err := s.store.Users().GetByID(ctx, actor.ID)
	if err != nil {
		return dto.SubmissionResponse{}, mapNotFound(err, ErrUserNotFound)
	}

	var target *contestTarget
	if payload.ContestID != nil {
		target, err = s.resolveContest(ctx, user, problem.ID, *payload.ContestID, submittedAt)
		if err != nil {
			return dto.SubmissionResponse{}, err
		}
	}

	result, verdict, err := s.runJudge(ctx, problem, language, payload.SourceCode)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return dto.SubmissionResponse{}, err
	}

	submission := models.Submission{
		UserID:          user.ID,
		AuthorName:      user.Username,
		ProblemID:       problem.ID,
		ContestID:       payload.ContestID,
		Language:        language,
		SourceCode:      payload.SourceCode,
		Status:          verdict,
		Point:           result.Point,
		ExecutionTimeMs: result.ExecutionTimeMs,
		MemoryKB:        result.MemoryKB,
		Log:             result.Log,
		CreatedAt:       submittedAt,
	}
	if len(result.Details) > 0 {
		submission.Details = datatypes.JSONMap(result.Details)
	}

	release, err := s.locker.Lock(ctx, lock.UserKey(user.ID))
	if err != nil {
		return dto.SubmissionResponse{}, fmt.Errorf("lock user %d: %w", user.ID, err)
	}
	defer release()

	err = s.store.InTransaction(ctx, func(tx repository.Store) error {
		prior, err := tx.Submissions().ListByUserProblem(ctx, user.ID, problem.ID)
		if err != nil {
			return fmt.Errorf("load prior submissions: %w", err)
		}

		if err := tx.Submissions().Create(ctx, &submission); err != nil {
			return fmt.Errorf("insert submission: %w", err)
		}

		delta := scoring.ForCreate(prior, submission)
		if err := tx.Problems().ApplyCounters(ctx, problem.ID, delta.ProblemSubmissions, delta.ProblemSuccess); err != nil {
			return fmt.Errorf("update problem counters: %w", err)
		}
		if err := tx.Users().ApplyTotals(ctx, user.ID, delta.UserAttempts, delta.UserAccepted, delta.UserScore); err != nil {
			return fmt.Errorf("update user totals: %w", err)
		}

		if target != nil {
			if err := s.applyToStandings(ctx, tx, target, user, submission); err != nil {
				return fmt.Errorf("update contest standings: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		s.logPersistFailure(dto.SubmissionEventCreated, submission, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return dto.SubmissionResponse{}, fmt.Errorf("%w: %v", ErrAggregatePersist, err)
	}

	span.SetAttributes(
		attribute.Int64("submission.id", int64(submission.ID)),
		attribute.String("submission.status", string(submission.Status)),
		attribute.Int("submission.point", submission.Point),
	)
	observability.SubmissionEvents().WithLabelValues(dto.SubmissionEventCreated, string(submission.Status)).Inc()
	s.afterCommit(ctx, dto.SubmissionEventCreated, submission)

	return dto.NewSubmissionResponse(submission, true), nil
}

func (s *submissionService) resolveContest(ctx context.Context, user models.User, problemID, contestID uint, at time.Time) (*contestTarget, error) {
	contest, err := s.store.Contests().GetByID(ctx, contestID)
	if err != nil {
		return nil, mapNotFound(err, ErrContestNotFound)
	}

	column := contest.ProblemIndex(problemID)
	if column < 0 {
		return nil, ErrProblemNotInContest
	}

	if !user.IsActiveIn(contest.ID) {
		return nil, ErrNotActiveParticipant
	}

	if contest.Status(at) != models.ContestStatusRunning {
		if contest.Status(at) == models.ContestStatusEnded {
			if err := s.store.Users().SetActiveContest(ctx, user.ID, nil); err != nil {
				s.logger.Warn().Err(err).Uint("user_id", user.ID).Uint("contest_id", contest.ID).Msg("failed to release ended contest")
			}
		}
		return nil, ErrContestNotRunning
	}

	return &contestTarget{contest: contest, column: column}, nil
}

// runJudge calls the judger and resolves its status into a verdict.
func (s *submissionService) runJudge(ctx context.Context, problem models.Problem, language, source string) (judge.Result, models.Verdict, error) {
	judgeCtx, cancel := context.WithTimeout(ctx, s.judgeTimeout)
	defer cancel()

	result, err := s.judge.Judge(judgeCtx, judge.Request{
		SourceCode: source,
		Language:   language,
		Problem: judge.Problem{
			ID:            problem.ID,
			Limits:        judge.Limits{TimeMs: problem.TimeLimitMs, MemoryKB: problem.MemoryLimitKB},
			MaxPoint:      problem.MaxPoint,
			TestReference: problem.TestReference,
		},
	})
	if err != nil {
		if errors.Is(err, judge.ErrTimeout) || errors.Is(judgeCtx.Err(), context.DeadlineExceeded) {
			return judge.Result{}, models.VerdictNone, fmt.Errorf("%w: %v", ErrJudgeTimeout, err)
		}
		return judge.Result{}, models.VerdictNone, fmt.Errorf("%w: %v", ErrJudgeUnavailable, err)
	}

	verdict, ok := models.ParseVerdict(result.Status)
	if !ok {
		s.logger.Warn().Str("status", result.Status).Uint("problem_id", problem.ID).Msg("judger returned an unknown verdict")
		return judge.Result{}, models.VerdictNone, fmt.Errorf("%w: unknown verdict %q", ErrJudgeUnavailable, result.Status)
	}

	return result, verdict, nil
}

// applyToStandings resolves the column again inside the transaction so a
// problem removed after resolveContest never shifts the wrong cell.
func (s *submissionService) applyToStandings(ctx context.Context, tx repository.Store, target *contestTarget, user models.User, submission models.Submission) error {
	contest, err := tx.Contests().GetByID(ctx, target.contest.ID)
	if err != nil {
		return err
	}
	column := contest.ProblemIndex(submission.ProblemID)
	if column < 0 {
		return nil
	}

	seed := models.StandingRow{ContestID: contest.ID, UserID: user.ID, Username: user.Username}
	seed.EnsureWidth(len(contest.Problems))

	row, err := tx.Contests().EnsureStanding(ctx, &seed)
	if err != nil {
		return err
	}

	row.EnsureWidth(len(contest.Problems))
	scoring.ApplyToRow(&row, column, submission, contest.StartTime)
	return tx.Contests().SaveStanding(ctx, &row)
}

func (s *submissionService) Delete(ctx context.Context, actor Actor, id uint) error {
	if !actor.IsAdmin() {
		return ErrForbidden
	}

	ctx, span := s.tracer.Start(ctx, "submissions.delete", trace.WithAttributes(
		attribute.Int64("submission.id", int64(id)),
	))
	defer span.End()

	existing, err := s.store.Submissions().GetByID(ctx, id)
	if err != nil {
		return mapNotFound(err, ErrSubmissionNotFound)
	}

	release, err := s.locker.Lock(ctx, lock.UserKey(existing.UserID))
	if err != nil {
		return fmt.Errorf("lock user %d: %w", existing.UserID, err)
	}
	defer release()

	var deleted models.Submission
	err = s.store.InTransaction(ctx, func(tx repository.Store) error {
		var err error
		deleted, err = tx.Submissions().GetByID(ctx, id)
		if err != nil {
			return mapNotFound(err, ErrSubmissionNotFound)
		}

		if err := tx.Submissions().Delete(ctx, id); err != nil {
			return mapNotFound(err, ErrSubmissionNotFound)
		}

		remaining, err := tx.Submissions().ListByUserProblem(ctx, deleted.UserID, deleted.ProblemID)
		if err != nil {
			return fmt.Errorf("load remaining submissions: %w", err)
		}

		delta := scoring.ForDelete(remaining, deleted)
		if err := tx.Problems().ApplyCounters(ctx, deleted.ProblemID, delta.ProblemSubmissions, delta.ProblemSuccess); err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("update problem counters: %w", err)
		}
		if err := tx.Users().ApplyTotals(ctx, deleted.UserID, delta.UserAttempts, delta.UserAccepted, delta.UserScore); err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("update user totals: %w", err)
		}

		if deleted.ContestID != nil {
			if err := s.rebuildStandingCell(ctx, tx, deleted); err != nil {
				return fmt.Errorf("update contest standings: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSubmissionNotFound) {
			return err
		}
		s.logPersistFailure(dto.SubmissionEventDeleted, existing, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: %v", ErrAggregatePersist, err)
	}

	observability.SubmissionEvents().WithLabelValues(dto.SubmissionEventDeleted, string(deleted.Status)).Inc()
	s.afterCommit(ctx, dto.SubmissionEventDeleted, deleted)
	return nil
}

// rebuildStandingCell recomputes the deleted submission's column from the
// contest-tagged submissions that remain inside the contest window.
func (s *submissionService) rebuildStandingCell(ctx context.Context, tx repository.Store, deleted models.Submission) error {
	contestID := *deleted.ContestID

	contest, err := tx.Contests().GetByID(ctx, contestID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}

	column := contest.ProblemIndex(deleted.ProblemID)
	if column < 0 {
		return nil
	}

	row, err := tx.Contests().GetStanding(ctx, contestID, deleted.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}

	remaining, err := tx.Submissions().ListForContestCell(ctx, contestID, deleted.UserID, deleted.ProblemID)
	if err != nil {
		return err
	}

	row.EnsureWidth(len(contest.Problems))
	scoring.RebuildColumn(&row, column, remaining, contest.StartTime, contest.EndTime)
	return tx.Contests().SaveStanding(ctx, &row)
}

func (s *submissionService) afterCommit(ctx context.Context, kind string, submission models.Submission) {
	if submission.ContestID != nil && s.standings != nil {
		s.standings.Invalidate(ctx, *submission.ContestID)
	}

	if s.events != nil {
		s.events.Publish(ctx, dto.SubmissionEvent{
			Kind:       kind,
			Submission: dto.NewSubmissionResponse(submission, false),
			ContestID:  submission.ContestID,
			At:         s.now().UTC(),
		})
	}
}

func (s *submissionService) logPersistFailure(kind string, submission models.Submission, err error) {
	observability.AggregateFailures().WithLabelValues(kind).Inc()

	event := s.logger.Error().Err(err).
		Str("kind", kind).
		Uint("submission_id", submission.ID).
		Uint("user_id", submission.UserID).
		Uint("problem_id", submission.ProblemID).
		Int("point", submission.Point).
		Str("status", string(submission.Status))
	if submission.ContestID != nil {
		event = event.Uint("contest_id", *submission.ContestID)
	}
	event.Msg("submission aggregates rolled back")
}

func (s *submissionService) Get(ctx context.Context, actor Actor, id uint) (dto.SubmissionResponse, error) {
	submission, err := s.store.Submissions().GetByID(ctx, id)
	if err != nil {
		return dto.SubmissionResponse{}, mapNotFound(err, ErrSubmissionNotFound)
	}

	return dto.NewSubmissionResponse(submission, actor.CanViewSource(submission.UserID)), nil
}

func (s *submissionService) List(ctx context.Context, actor Actor, req dto.SubmissionListRequest) (dto.SubmissionListResponse, error) {
	page := req.Page
	if page <= 0 {
		page = 1
	}
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultSubmissionPageSize
	}
	if pageSize > maxSubmissionPageSize {
		pageSize = maxSubmissionPageSize
	}

	filter := repository.SubmissionFilter{
		UserID:    req.UserID,
		ProblemID: req.ProblemID,
		ContestID: req.ContestID,
		Page:      page,
		PageSize:  pageSize,
	}
	if req.Status != "" {
		status, ok := models.ParseVerdict(req.Status)
		if !ok {
			return dto.SubmissionListResponse{Items: []dto.SubmissionResponse{}, Pagination: dto.NewPaginationMeta(page, pageSize, 0)}, nil
		}
		filter.Status = string(status)
	}
	if req.Language != "" {
		filter.Language, _ = models.NormalizeLanguage(req.Language)
	}

	submissions, total, err := s.store.Submissions().List(ctx, filter)
	if err != nil {
		return dto.SubmissionListResponse{}, err
	}

	items := make([]dto.SubmissionResponse, 0, len(submissions))
	for _, submission := range submissions {
		items = append(items, dto.NewSubmissionResponse(submission, actor.CanViewSource(submission.UserID)))
	}

	return dto.SubmissionListResponse{
		Items:      items,
		Pagination: dto.NewPaginationMeta(page, pageSize, total),
	}, nil
}

func mapNotFound(err, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}
