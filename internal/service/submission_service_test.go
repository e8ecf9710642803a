package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-judge-api/internal/dto"
	"github.com/noah-isme/gema-judge-api/internal/models"
	"github.com/noah-isme/gema-judge-api/internal/scoring"
	"github.com/noah-isme/gema-judge-api/internal/testutil"
	"github.com/noah-isme/gema-judge-api/pkg/judge"
)

func TestSubmissionSequenceUpdatesAggregates(t *testing.T) {
	f := newEngineFixture(t)
	actor := f.studentActor()

	f.submit(t, actor, f.problem.ID, nil, judge.Result{Status: "WA", Point: 40})
	user := f.reloadUser(t, f.student.ID)
	problem := f.reloadProblem(t, f.problem.ID)
	require.Equal(t, int64(40), user.TotalScore)
	require.Equal(t, int64(1), user.TotalAttempts)
	require.Equal(t, int64(0), user.TotalAccepted)
	require.Equal(t, int64(1), problem.SubmissionCount)
	require.Equal(t, int64(0), problem.SuccessCount)

	f.submit(t, actor, f.problem.ID, nil, judge.Result{Status: "WA", Point: 0})
	user = f.reloadUser(t, f.student.ID)
	problem = f.reloadProblem(t, f.problem.ID)
	require.Equal(t, int64(40), user.TotalScore)
	require.Equal(t, int64(1), user.TotalAttempts)
	require.Equal(t, int64(0), user.TotalAccepted)
	require.Equal(t, int64(2), problem.SubmissionCount)

	f.submit(t, actor, f.problem.ID, nil, judge.Result{Status: "AC", Point: 70})
	user = f.reloadUser(t, f.student.ID)
	problem = f.reloadProblem(t, f.problem.ID)
	require.Equal(t, int64(70), user.TotalScore)
	require.Equal(t, int64(1), user.TotalAttempts)
	require.Equal(t, int64(1), user.TotalAccepted)
	require.Equal(t, int64(3), problem.SubmissionCount)
	require.Equal(t, int64(1), problem.SuccessCount)
}

func TestDeleteBestAcceptedFallsBackToRemainingBest(t *testing.T) {
	f := newEngineFixture(t)
	actor := f.studentActor()

	f.submit(t, actor, f.problem.ID, nil, judge.Result{Status: "WA", Point: 40})
	f.submit(t, actor, f.problem.ID, nil, judge.Result{Status: "WA", Point: 0})
	best := f.submit(t, actor, f.problem.ID, nil, judge.Result{Status: "AC", Point: 70})

	require.NoError(t, f.submissions.Delete(context.Background(), f.adminActor(), best.ID))

	user := f.reloadUser(t, f.student.ID)
	problem := f.reloadProblem(t, f.problem.ID)
	require.Equal(t, int64(40), user.TotalScore)
	require.Equal(t, int64(1), user.TotalAttempts)
	require.Equal(t, int64(0), user.TotalAccepted)
	require.Equal(t, int64(2), problem.SubmissionCount)
	require.Equal(t, int64(0), problem.SuccessCount)

	err := f.submissions.Delete(context.Background(), f.adminActor(), best.ID)
	require.ErrorIs(t, err, ErrSubmissionNotFound)
	require.Equal(t, int64(40), f.reloadUser(t, f.student.ID).TotalScore)
	require.Equal(t, int64(2), f.reloadProblem(t, f.problem.ID).SubmissionCount)
}

func TestDeleteLastSubmissionClearsAttempt(t *testing.T) {
	f := newEngineFixture(t)

	only := f.submit(t, f.studentActor(), f.problem.ID, nil, judge.Result{Status: "AC", Point: 100})
	require.NoError(t, f.submissions.Delete(context.Background(), f.adminActor(), only.ID))

	user := f.reloadUser(t, f.student.ID)
	require.Zero(t, user.TotalAttempts)
	require.Zero(t, user.TotalAccepted)
	require.Zero(t, user.TotalScore)
	require.Zero(t, f.reloadProblem(t, f.problem.ID).SubmissionCount)
}

func TestSuccessCountCountsUsersNotSubmissions(t *testing.T) {
	f := newEngineFixture(t)
	bob := testutil.SeedUser(t, f.db, "bob", models.RoleStudent)
	accepted := judge.Result{Status: "AC", Point: 100}

	f.submit(t, f.studentActor(), f.problem.ID, nil, accepted)
	f.submit(t, f.studentActor(), f.problem.ID, nil, accepted)
	f.submit(t, Actor{ID: bob.ID, Role: bob.Role}, f.problem.ID, nil, accepted)

	problem := f.reloadProblem(t, f.problem.ID)
	require.Equal(t, int64(3), problem.SubmissionCount)
	require.Equal(t, int64(2), problem.SuccessCount)
	require.Equal(t, int64(1), f.reloadUser(t, f.student.ID).TotalAccepted)
}

func TestDeleteRequiresAdmin(t *testing.T) {
	f := newEngineFixture(t)
	created := f.submit(t, f.studentActor(), f.problem.ID, nil, judge.Result{Status: "AC", Point: 100})

	err := f.submissions.Delete(context.Background(), f.studentActor(), created.ID)
	require.ErrorIs(t, err, ErrForbidden)

	err = f.submissions.Delete(context.Background(), f.adminActor(), created.ID+100)
	require.ErrorIs(t, err, ErrSubmissionNotFound)
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	_, err := f.submissions.Create(ctx, Actor{}, dto.SubmissionCreateRequest{ProblemID: f.problem.ID, Language: "cpp17", SourceCode: "x"})
	require.ErrorIs(t, err, ErrUnauthenticated)

	_, err = f.submissions.Create(ctx, f.studentActor(), dto.SubmissionCreateRequest{ProblemID: f.problem.ID, Language: "cobol", SourceCode: "x"})
	require.ErrorIs(t, err, ErrUnsupportedLanguage)

	_, err = f.submissions.Create(ctx, f.studentActor(), dto.SubmissionCreateRequest{ProblemID: 9999, Language: "cpp17", SourceCode: "x"})
	require.ErrorIs(t, err, ErrProblemNotFound)

	_, err = f.submissions.Create(ctx, f.studentActor(), dto.SubmissionCreateRequest{ProblemID: f.problem.ID, Language: "cpp17"})
	require.Error(t, err)

	require.Zero(t, f.judge.calls)
}

func TestJudgeFailureLeavesLedgerUntouched(t *testing.T) {
	f := newEngineFixture(t)
	f.judge.err = fmt.Errorf("dial: %w", judge.ErrUnavailable)

	_, err := f.submissions.Create(context.Background(), f.studentActor(), dto.SubmissionCreateRequest{
		ProblemID: f.problem.ID, Language: "python3", SourceCode: "print(1)",
	})
	require.ErrorIs(t, err, ErrJudgeUnavailable)

	var count int64
	require.NoError(t, f.db.Model(&models.Submission{}).Count(&count).Error)
	require.Zero(t, count)
	require.Zero(t, f.reloadUser(t, f.student.ID).TotalAttempts)
	require.Zero(t, f.reloadProblem(t, f.problem.ID).SubmissionCount)
}

func TestJudgerVerdictAliasesAndUnknownStatus(t *testing.T) {
	f := newEngineFixture(t)

	created := f.submit(t, f.studentActor(), f.problem.ID, nil, judge.Result{Status: "TimeLimitExceeded", Point: 20})
	require.Equal(t, string(models.VerdictTimeLimitExceeded), created.Status)

	f.judge.queue(judge.Result{Status: "PRESENTATION_ERROR", Point: 90})
	_, err := f.submissions.Create(context.Background(), f.studentActor(), dto.SubmissionCreateRequest{
		ProblemID: f.problem.ID, Language: "python3", SourceCode: "print(1)",
	})
	require.ErrorIs(t, err, ErrJudgeUnavailable)
	require.Equal(t, int64(1), f.reloadProblem(t, f.problem.ID).SubmissionCount)
	require.Equal(t, int64(20), f.reloadUser(t, f.student.ID).TotalScore)
}

func TestJudgeTimeoutIsReported(t *testing.T) {
	f := newEngineFixture(t)
	f.submissions.judgeTimeout = 20 * time.Millisecond
	f.judge.delay = time.Second

	_, err := f.submissions.Create(context.Background(), f.studentActor(), dto.SubmissionCreateRequest{
		ProblemID: f.problem.ID, Language: "python3", SourceCode: "while True: pass",
	})
	require.ErrorIs(t, err, ErrJudgeTimeout)
}

func TestAggregateFailureRollsBackLedgerInsert(t *testing.T) {
	f := newEngineFixture(t)
	f.judge.hook = func() {
		require.NoError(t, f.db.Delete(&models.Problem{}, f.problem.ID).Error)
	}

	_, err := f.submissions.Create(context.Background(), f.studentActor(), dto.SubmissionCreateRequest{
		ProblemID: f.problem.ID, Language: "c11", SourceCode: "int main(){}",
	})
	require.ErrorIs(t, err, ErrAggregatePersist)

	var count int64
	require.NoError(t, f.db.Model(&models.Submission{}).Count(&count).Error)
	require.Zero(t, count)
	require.Zero(t, f.reloadUser(t, f.student.ID).TotalAttempts)
}

func TestSubmissionsAreJudgedWithProblemLimits(t *testing.T) {
	f := newEngineFixture(t)

	response := f.submit(t, f.studentActor(), f.problem.ID, nil, judge.Result{
		Status: "AC", Point: 100, ExecutionTimeMs: 12, MemoryKB: 2048,
		Details: map[string]interface{}{"tests": float64(3)},
	})

	require.Equal(t, "CPP17", f.judge.last.Language)
	require.Equal(t, f.problem.TimeLimitMs, f.judge.last.Problem.Limits.TimeMs)
	require.Equal(t, f.problem.MemoryLimitKB, f.judge.last.Problem.Limits.MemoryKB)
	require.Equal(t, f.problem.TestReference, f.judge.last.Problem.TestReference)
	require.Equal(t, "alice", response.AuthorName)
	require.Equal(t, "CPP17", response.Language)
	require.Equal(t, int64(12), response.ExecutionTimeMs)

	stored, err := f.submissions.Get(context.Background(), f.studentActor(), response.ID)
	require.NoError(t, err)
	require.Equal(t, float64(3), stored.Details["tests"])
}

func TestListHidesForeignSource(t *testing.T) {
	f := newEngineFixture(t)
	bob := testutil.SeedUser(t, f.db, "bob", models.RoleStudent)
	bobActor := Actor{ID: bob.ID, Role: bob.Role}

	f.submit(t, f.studentActor(), f.problem.ID, nil, judge.Result{Status: "WA", Point: 10})
	f.submit(t, bobActor, f.problem.ID, nil, judge.Result{Status: "AC", Point: 100})

	list, err := f.submissions.List(context.Background(), bobActor, dto.SubmissionListRequest{})
	require.NoError(t, err)
	require.Len(t, list.Items, 2)
	require.Equal(t, int64(2), list.Pagination.TotalItems)
	for _, item := range list.Items {
		if item.UserID == bob.ID {
			require.NotEmpty(t, item.SourceCode)
		} else {
			require.Empty(t, item.SourceCode)
		}
	}

	filtered, err := f.submissions.List(context.Background(), f.adminActor(), dto.SubmissionListRequest{Status: "AC"})
	require.NoError(t, err)
	require.Len(t, filtered.Items, 1)
	require.Equal(t, bob.ID, filtered.Items[0].UserID)
	require.NotEmpty(t, filtered.Items[0].SourceCode)

	unknown, err := f.submissions.List(context.Background(), f.adminActor(), dto.SubmissionListRequest{Status: "bogus"})
	require.NoError(t, err)
	require.Empty(t, unknown.Items)
}

func TestConcurrentSubmissionsKeepAggregatesConsistent(t *testing.T) {
	f := newEngineFixture(t)
	second := testutil.SeedProblem(t, f.db, "MAX")

	const workers = 8
	for i := 0; i < workers; i++ {
		status := "WA"
		if i%3 == 0 {
			status = "AC"
		}
		f.judge.queue(judge.Result{Status: status, Point: 10 * (i + 1)})
	}

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		problemID := f.problem.ID
		if i%2 == 1 {
			problemID = second.ID
		}
		wg.Add(1)
		go func(problemID uint) {
			defer wg.Done()
			_, err := f.submissions.Create(context.Background(), f.studentActor(), dto.SubmissionCreateRequest{
				ProblemID: problemID, Language: "java_17", SourceCode: "class Main {}",
			})
			errs <- err
		}(problemID)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	ledger, err := f.store.Submissions().ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, ledger, workers)

	problemTotals, userTotals := scoring.Tally(ledger)
	user := f.reloadUser(t, f.student.ID)
	require.Equal(t, userTotals[f.student.ID].TotalAttempts, user.TotalAttempts)
	require.Equal(t, userTotals[f.student.ID].TotalAccepted, user.TotalAccepted)
	require.Equal(t, userTotals[f.student.ID].TotalScore, user.TotalScore)

	for _, id := range []uint{f.problem.ID, second.ID} {
		problem := f.reloadProblem(t, id)
		require.Equal(t, problemTotals[id].SubmissionCount, problem.SubmissionCount)
		require.Equal(t, problemTotals[id].SuccessCount, problem.SuccessCount)
	}
}

func TestContestCellOnlyImprovesOnHigherScore(t *testing.T) {
	f := newEngineFixture(t)
	contest := f.runningContest(t)
	ctx := context.Background()

	row, err := f.store.Contests().GetStanding(ctx, contest.ID, f.student.ID)
	require.NoError(t, err)
	require.Equal(t, models.StandingCell{}, row.Cell(0))

	f.submit(t, f.studentActor(), f.problem.ID, &contest.ID, judge.Result{Status: "WA", Point: 50})
	first := time.Hour.Milliseconds()

	row, err = f.store.Contests().GetStanding(ctx, contest.ID, f.student.ID)
	require.NoError(t, err)
	require.Equal(t, models.StandingCell{Score: 50, TimeMs: first, Status: models.VerdictWrongAnswer}, row.Cell(0))

	f.clock.Advance(time.Minute)
	f.submit(t, f.studentActor(), f.problem.ID, &contest.ID, judge.Result{Status: "WA", Point: 30})

	row, err = f.store.Contests().GetStanding(ctx, contest.ID, f.student.ID)
	require.NoError(t, err)
	require.Equal(t, models.StandingCell{Score: 50, TimeMs: first, Status: models.VerdictWrongAnswer}, row.Cell(0))

	f.clock.Advance(time.Minute)
	f.submit(t, f.studentActor(), f.problem.ID, &contest.ID, judge.Result{Status: "AC", Point: 80})

	row, err = f.store.Contests().GetStanding(ctx, contest.ID, f.student.ID)
	require.NoError(t, err)
	third := (time.Hour + 2*time.Minute).Milliseconds()
	require.Equal(t, models.StandingCell{Score: 80, TimeMs: third, Status: models.VerdictAccepted, Penalty: 2}, row.Cell(0))

	// Contest submissions still feed the global aggregates.
	require.Equal(t, int64(80), f.reloadUser(t, f.student.ID).TotalScore)
}

func TestDeleteContestSubmissionRebuildsCell(t *testing.T) {
	f := newEngineFixture(t)
	contest := f.runningContest(t)
	ctx := context.Background()

	f.submit(t, f.studentActor(), f.problem.ID, &contest.ID, judge.Result{Status: "WA", Point: 50})
	f.clock.Advance(time.Minute)
	best := f.submit(t, f.studentActor(), f.problem.ID, &contest.ID, judge.Result{Status: "AC", Point: 80})

	require.NoError(t, f.submissions.Delete(ctx, f.adminActor(), best.ID))

	row, err := f.store.Contests().GetStanding(ctx, contest.ID, f.student.ID)
	require.NoError(t, err)
	require.Equal(t, models.StandingCell{Score: 50, TimeMs: time.Hour.Milliseconds(), Status: models.VerdictWrongAnswer}, row.Cell(0))
	require.Equal(t, 1, row.RejectedAt(0))
}

func TestContestSubmissionInvalidStates(t *testing.T) {
	f := newEngineFixture(t)
	contest := f.runningContest(t)
	other := testutil.SeedProblem(t, f.db, "OTHER")
	bob := testutil.SeedUser(t, f.db, "bob", models.RoleStudent)
	ctx := context.Background()

	_, err := f.submissions.Create(ctx, f.studentActor(), dto.SubmissionCreateRequest{
		ProblemID: other.ID, ContestID: &contest.ID, Language: "cpp17", SourceCode: "x",
	})
	require.ErrorIs(t, err, ErrProblemNotInContest)
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = f.submissions.Create(ctx, Actor{ID: bob.ID, Role: bob.Role}, dto.SubmissionCreateRequest{
		ProblemID: f.problem.ID, ContestID: &contest.ID, Language: "cpp17", SourceCode: "x",
	})
	require.ErrorIs(t, err, ErrNotActiveParticipant)

	_, err = f.submissions.Create(ctx, f.studentActor(), dto.SubmissionCreateRequest{
		ProblemID: f.problem.ID, ContestID: ptr(uint(9999)), Language: "cpp17", SourceCode: "x",
	})
	require.ErrorIs(t, err, ErrContestNotFound)

	f.clock.Advance(3 * time.Hour)
	_, err = f.submissions.Create(ctx, f.studentActor(), dto.SubmissionCreateRequest{
		ProblemID: f.problem.ID, ContestID: &contest.ID, Language: "cpp17", SourceCode: "x",
	})
	require.ErrorIs(t, err, ErrContestNotRunning)
	require.Nil(t, f.reloadUser(t, f.student.ID).ActiveContestID)

	require.Zero(t, f.judge.calls)
	var count int64
	require.NoError(t, f.db.Model(&models.Submission{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestCreatePublishesEventAndInvalidatesStandings(t *testing.T) {
	f := newEngineFixture(t)
	contest := f.runningContest(t)
	ctx := context.Background()

	events, cancel := f.events.Subscribe(contest.ID)
	defer cancel()
	all, cancelAll := f.events.Subscribe(0)
	defer cancelAll()

	_, err := f.contests.Standings(ctx, contest.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), f.redis.Exists(ctx, standingsCacheKey(contest.ID)).Val())

	created := f.submit(t, f.studentActor(), f.problem.ID, &contest.ID, judge.Result{Status: "AC", Point: 100})
	require.Zero(t, f.redis.Exists(ctx, standingsCacheKey(contest.ID)).Val())

	for _, ch := range []<-chan dto.SubmissionEvent{events, all} {
		select {
		case event := <-ch:
			require.Equal(t, dto.SubmissionEventCreated, event.Kind)
			require.Equal(t, created.ID, event.Submission.ID)
			require.Empty(t, event.Submission.SourceCode)
		case <-time.After(time.Second):
			t.Fatal("expected submission event")
		}
	}

	standings, err := f.contests.Standings(ctx, contest.ID)
	require.NoError(t, err)
	require.Len(t, standings.Rows, 1)
	require.Equal(t, 100, standings.Rows[0].TotalScore)
}

func TestPersistErrorIsNotJudgeError(t *testing.T) {
	require.False(t, errors.Is(ErrAggregatePersist, ErrJudgeUnavailable))
	require.True(t, errors.Is(ErrContestNotRunning, ErrInvalidState))
}
