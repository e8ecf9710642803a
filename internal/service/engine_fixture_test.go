package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-judge-api/internal/dto"
	"github.com/noah-isme/gema-judge-api/internal/lock"
	"github.com/noah-isme/gema-judge-api/internal/models"
	"github.com/noah-isme/gema-judge-api/internal/repository"
	"github.com/noah-isme/gema-judge-api/internal/testutil"
	"github.com/noah-isme/gema-judge-api/pkg/judge"
)

type stubJudge struct {
	mu      sync.Mutex
	results []judge.Result
	err     error
	delay   time.Duration
	calls   int
	last    judge.Request
	hook    func()
}

func (s *stubJudge) queue(results ...judge.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, results...)
}

func (s *stubJudge) Judge(ctx context.Context, req judge.Request) (judge.Result, error) {
	s.mu.Lock()
	s.calls++
	s.last = req
	delay := s.delay
	err := s.err
	hook := s.hook
	result := judge.Result{Status: "AC", Point: req.Problem.MaxPoint}
	if len(s.results) > 0 {
		result = s.results[0]
		s.results = s.results[1:]
	}
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return judge.Result{}, ctx.Err()
		}
	}
	if err != nil {
		return judge.Result{}, err
	}
	return result, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type engineFixture struct {
	db          *gorm.DB
	store       repository.Store
	judge       *stubJudge
	clock       *testClock
	redis       *redis.Client
	cache       *StandingsCache
	events      SubmissionEventBus
	submissions *submissionService
	contests    *contestService
	student     models.User
	admin       models.User
	problem     models.Problem
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	db := testutil.NewDB(t)
	store := repository.NewStore(db)
	logger := zerolog.Nop()
	validate := validator.New()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	judger := &stubJudge{}
	locker := lock.NewLocalLocker()
	cache := NewStandingsCache(client, time.Minute, logger)
	events := NewSubmissionEventBus(nil, "", nil, logger)

	submissions := NewSubmissionService(store, judger, locker, events, cache, validate, logger, SubmissionConfig{JudgeTimeout: time.Second}).(*submissionService)
	submissions.now = clock.Now
	contests := NewContestService(store, locker, cache, validate, logger).(*contestService)
	contests.now = clock.Now

	return &engineFixture{
		db:          db,
		store:       store,
		judge:       judger,
		clock:       clock,
		redis:       client,
		cache:       cache,
		events:      events,
		submissions: submissions,
		contests:    contests,
		student:     testutil.SeedUser(t, db, "alice", models.RoleStudent),
		admin:       testutil.SeedUser(t, db, "root", models.RoleAdmin),
		problem:     testutil.SeedProblem(t, db, "SUM"),
	}
}

func (f *engineFixture) studentActor() Actor {
	return Actor{ID: f.student.ID, Role: f.student.Role}
}

func (f *engineFixture) adminActor() Actor {
	return Actor{ID: f.admin.ID, Role: f.admin.Role}
}

func (f *engineFixture) submit(t *testing.T, actor Actor, problemID uint, contestID *uint, result judge.Result) dto.SubmissionResponse {
	t.Helper()

	f.judge.queue(result)
	response, err := f.submissions.Create(context.Background(), actor, dto.SubmissionCreateRequest{
		ProblemID:  problemID,
		ContestID:  contestID,
		Language:   "cpp17",
		SourceCode: "int main() { return 0; }",
	})
	require.NoError(t, err)
	return response
}

func (f *engineFixture) reloadUser(t *testing.T, id uint) models.User {
	t.Helper()

	user, err := f.store.Users().GetByID(context.Background(), id)
	require.NoError(t, err)
	return user
}

func (f *engineFixture) reloadProblem(t *testing.T, id uint) models.Problem {
	t.Helper()

	problem, err := f.store.Problems().GetByID(context.Background(), id)
	require.NoError(t, err)
	return problem
}

// runningContest creates a contest over the fixture problem that started an hour ago
// and joins the student to it.
func (f *engineFixture) runningContest(t *testing.T, problemIDs ...uint) dto.ContestResponse {
	t.Helper()

	if len(problemIDs) == 0 {
		problemIDs = []uint{f.problem.ID}
	}
	now := f.clock.Now()
	contest, err := f.contests.Create(context.Background(), dto.ContestCreateRequest{
		Title:          "Spring Round",
		StartTime:      now.Add(-time.Hour),
		EndTime:        now.Add(2 * time.Hour),
		PenaltySeconds: 1200,
		ProblemIDs:     problemIDs,
	})
	require.NoError(t, err)

	_, err = f.contests.Join(context.Background(), f.studentActor(), contest.ID)
	require.NoError(t, err)
	return contest
}

func ptr[T any](v T) *T {
	return &v
}
