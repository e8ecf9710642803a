package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-judge-api/internal/lock"
	"github.com/noah-isme/gema-judge-api/internal/models"
	"github.com/noah-isme/gema-judge-api/internal/repository"
	"github.com/noah-isme/gema-judge-api/internal/testutil"
)

var base = time.Date(2026, 4, 6, 8, 0, 0, 0, time.UTC)

func seedSubmission(t *testing.T, db *gorm.DB, user models.User, problem models.Problem, contestID *uint, point int, status models.Verdict, at time.Time) models.Submission {
	t.Helper()

	submission := models.Submission{
		UserID:     user.ID,
		AuthorName: user.Username,
		ProblemID:  problem.ID,
		ContestID:  contestID,
		Language:   "CPP17",
		SourceCode: "int main() {}",
		Status:     status,
		Point:      point,
		CreatedAt:  at,
	}
	require.NoError(t, db.Create(&submission).Error)
	return submission
}

func newReconciler(db *gorm.DB) *Reconciler {
	return newReconcilerWith(repository.NewStore(db), lock.NewLocalLocker())
}

func newReconcilerWith(store repository.Store, locker lock.Locker) *Reconciler {
	r := New(store, locker, zerolog.Nop())
	r.now = func() time.Time { return base.Add(30 * time.Minute) }
	return r
}

// commitAccepted records a submission and its aggregate deltas the way the
// submission engine does, in one transaction.
func commitAccepted(db *gorm.DB, user models.User, problem models.Problem, point int) error {
	store := repository.NewStore(db)
	ctx := context.Background()
	return store.InTransaction(ctx, func(tx repository.Store) error {
		submission := models.Submission{
			UserID:     user.ID,
			AuthorName: user.Username,
			ProblemID:  problem.ID,
			Language:   "CPP17",
			SourceCode: "int main() {}",
			Status:     models.VerdictAccepted,
			Point:      point,
			CreatedAt:  base,
		}
		if err := tx.Submissions().Create(ctx, &submission); err != nil {
			return err
		}
		if err := tx.Problems().ApplyCounters(ctx, problem.ID, 1, 1); err != nil {
			return err
		}
		return tx.Users().ApplyTotals(ctx, user.ID, 1, 1, int64(point))
	})
}

// midLoadStore commits once, right after the full ledger has been read.
type midLoadStore struct {
	repository.Store
	commit func() error
}

func (s *midLoadStore) Submissions() repository.SubmissionRepository {
	return &midLoadSubmissions{SubmissionRepository: s.Store.Submissions(), commit: s.commit}
}

type midLoadSubmissions struct {
	repository.SubmissionRepository
	commit func() error
}

func (s *midLoadSubmissions) ListAll(ctx context.Context) ([]models.Submission, error) {
	ledger, err := s.SubmissionRepository.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	return ledger, s.commit()
}

func commitOnce(db *gorm.DB, user models.User, problem models.Problem, point int) func() error {
	var (
		once sync.Once
		err  error
	)
	return func() error {
		once.Do(func() { err = commitAccepted(db, user, problem, point) })
		return err
	}
}

func loadUser(t *testing.T, db *gorm.DB, id uint) models.User {
	t.Helper()

	var user models.User
	require.NoError(t, db.First(&user, id).Error)
	return user
}

func TestRunReportsAndRepairsCounterDrift(t *testing.T) {
	db := testutil.NewDB(t)
	alice := testutil.SeedUser(t, db, "alice", models.RoleStudent)
	bob := testutil.SeedUser(t, db, "bob", models.RoleStudent)
	problem := testutil.SeedProblem(t, db, "SUM")

	seedSubmission(t, db, alice, problem, nil, 40, models.VerdictWrongAnswer, base)
	seedSubmission(t, db, alice, problem, nil, 70, models.VerdictAccepted, base.Add(time.Minute))
	seedSubmission(t, db, bob, problem, nil, 100, models.VerdictAccepted, base.Add(2*time.Minute))

	r := newReconciler(db)
	ctx := context.Background()

	report, err := r.Run(ctx, false)
	require.NoError(t, err)
	require.False(t, report.Clean())
	require.False(t, report.Applied)
	require.Equal(t, 3, report.Submissions)
	require.Contains(t, report.Drifts, Drift{Kind: KindProblem, ID: problem.ID, Field: "submission_count", Stored: 0, Expected: 3})
	require.Contains(t, report.Drifts, Drift{Kind: KindProblem, ID: problem.ID, Field: "success_count", Stored: 0, Expected: 2})
	require.Contains(t, report.Drifts, Drift{Kind: KindUser, ID: alice.ID, Field: "total_score", Stored: 0, Expected: 70})

	var stored models.Problem
	require.NoError(t, db.First(&stored, problem.ID).Error)
	require.Zero(t, stored.SubmissionCount)

	report, err = r.Run(ctx, true)
	require.NoError(t, err)
	require.True(t, report.Applied)

	require.NoError(t, db.First(&stored, problem.ID).Error)
	require.Equal(t, int64(3), stored.SubmissionCount)
	require.Equal(t, int64(2), stored.SuccessCount)

	var user models.User
	require.NoError(t, db.First(&user, alice.ID).Error)
	require.Equal(t, int64(1), user.TotalAttempts)
	require.Equal(t, int64(1), user.TotalAccepted)
	require.Equal(t, int64(70), user.TotalScore)

	report, err = r.Run(ctx, true)
	require.NoError(t, err)
	require.True(t, report.Clean())
	require.False(t, report.Applied)
}

func TestRunRebuildsStandingsFromLedger(t *testing.T) {
	db := testutil.NewDB(t)
	alice := testutil.SeedUser(t, db, "alice", models.RoleStudent)
	bob := testutil.SeedUser(t, db, "bob", models.RoleStudent)
	problem := testutil.SeedProblem(t, db, "SUM")

	contest := models.Contest{
		Slug:      "weekly",
		Title:     "Weekly",
		StartTime: base,
		EndTime:   base.Add(time.Hour),
		Problems:  []models.ContestProblem{{ProblemID: problem.ID, Position: 0}},
	}
	require.NoError(t, db.Create(&contest).Error)

	seedSubmission(t, db, alice, problem, &contest.ID, 30, models.VerdictWrongAnswer, base.Add(5*time.Minute))
	seedSubmission(t, db, alice, problem, &contest.ID, 90, models.VerdictAccepted, base.Add(10*time.Minute))
	seedSubmission(t, db, alice, problem, &contest.ID, 100, models.VerdictAccepted, base.Add(2*time.Hour))
	seedSubmission(t, db, bob, problem, &contest.ID, 50, models.VerdictWrongAnswer, base.Add(20*time.Minute))

	// Alice's cell was zeroed by hand; bob has no row at all.
	row := models.StandingRow{ContestID: contest.ID, UserID: alice.ID, Username: alice.Username}
	row.EnsureWidth(1)
	require.NoError(t, db.Create(&row).Error)

	r := newReconciler(db)
	ctx := context.Background()

	report, err := r.Run(ctx, true)
	require.NoError(t, err)
	require.True(t, report.Applied)
	require.Contains(t, report.Drifts, Drift{Kind: KindStanding, ID: bob.ID, ContestID: contest.ID, Field: "row", Expected: 1})

	store := repository.NewStore(db)
	stored, err := store.Contests().GetStanding(ctx, contest.ID, alice.ID)
	require.NoError(t, err)
	require.Equal(t, models.StandingCell{
		Score:   90,
		TimeMs:  (10 * time.Minute).Milliseconds(),
		Status:  models.VerdictAccepted,
		Penalty: 1,
	}, stored.Cell(0))

	bobRow, err := store.Contests().GetStanding(ctx, contest.ID, bob.ID)
	require.NoError(t, err)
	require.Equal(t, "bob", bobRow.Username)
	require.Equal(t, 50, bobRow.Cell(0).Score)
	require.Equal(t, 1, bobRow.RejectedAt(0))

	report, err = r.Run(ctx, false)
	require.NoError(t, err)
	require.True(t, report.Clean(), "drifts: %v", report.Drifts)
}

func TestRunReleasesEndedActiveContests(t *testing.T) {
	db := testutil.NewDB(t)
	problem := testutil.SeedProblem(t, db, "SUM")

	ended := models.Contest{
		Slug:      "old",
		Title:     "Old",
		StartTime: base.Add(-3 * time.Hour),
		EndTime:   base.Add(-2 * time.Hour),
		Problems:  []models.ContestProblem{{ProblemID: problem.ID}},
	}
	require.NoError(t, db.Create(&ended).Error)

	user := models.User{Username: "carol", Role: models.RoleStudent, ActiveContestID: &ended.ID}
	require.NoError(t, db.Create(&user).Error)

	report, err := newReconciler(db).Run(context.Background(), true)
	require.NoError(t, err)
	require.Contains(t, report.Drifts, Drift{Kind: KindActive, ID: user.ID, ContestID: ended.ID, Field: "active_contest_id", Stored: int64(ended.ID)})

	var stored models.User
	require.NoError(t, db.First(&stored, user.ID).Error)
	require.Nil(t, stored.ActiveContestID)
}

func TestRunFlagsOrphanSubmissions(t *testing.T) {
	db := testutil.NewDB(t)
	alice := testutil.SeedUser(t, db, "alice", models.RoleStudent)
	problem := testutil.SeedProblem(t, db, "SUM")

	orphan := seedSubmission(t, db, alice, problem, nil, 10, models.VerdictWrongAnswer, base)
	require.NoError(t, db.Delete(&models.Problem{}, problem.ID).Error)

	report, err := newReconciler(db).Run(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, []uint{orphan.ID}, report.Orphans)
}

func TestRunKeepsSubmissionCommittedDuringLoad(t *testing.T) {
	db := testutil.NewDB(t)
	alice := testutil.SeedUser(t, db, "alice", models.RoleStudent)
	problem := testutil.SeedProblem(t, db, "SUM")

	store := &midLoadStore{Store: repository.NewStore(db), commit: commitOnce(db, alice, problem, 70)}

	report, err := newReconcilerWith(store, lock.NewLocalLocker()).Run(context.Background(), true)
	require.NoError(t, err)
	require.True(t, report.Clean(), "drifts: %v", report.Drifts)
	require.False(t, report.Applied)

	user := loadUser(t, db, alice.ID)
	require.Equal(t, int64(1), user.TotalAttempts)
	require.Equal(t, int64(1), user.TotalAccepted)
	require.Equal(t, int64(70), user.TotalScore)

	var stored models.Problem
	require.NoError(t, db.First(&stored, problem.ID).Error)
	require.Equal(t, int64(1), stored.SubmissionCount)
	require.Equal(t, int64(1), stored.SuccessCount)
}

func TestRunRepairsRealDriftWithoutLosingConcurrentCommit(t *testing.T) {
	db := testutil.NewDB(t)
	alice := testutil.SeedUser(t, db, "alice", models.RoleStudent)
	problem := testutil.SeedProblem(t, db, "SUM")
	require.NoError(t, db.Model(&models.User{}).Where("id = ?", alice.ID).Update("total_score", 5).Error)
	require.NoError(t, db.Model(&models.Problem{}).Where("id = ?", problem.ID).Update("submission_count", 4).Error)

	store := &midLoadStore{Store: repository.NewStore(db), commit: commitOnce(db, alice, problem, 70)}

	report, err := newReconcilerWith(store, lock.NewLocalLocker()).Run(context.Background(), true)
	require.NoError(t, err)
	require.True(t, report.Applied)
	require.ElementsMatch(t, []Drift{
		{Kind: KindProblem, ID: problem.ID, Field: "submission_count", Stored: 5, Expected: 1},
		{Kind: KindUser, ID: alice.ID, Field: "total_score", Stored: 75, Expected: 70},
	}, report.Drifts)

	user := loadUser(t, db, alice.ID)
	require.Equal(t, int64(1), user.TotalAttempts)
	require.Equal(t, int64(70), user.TotalScore)

	var stored models.Problem
	require.NoError(t, db.First(&stored, problem.ID).Error)
	require.Equal(t, int64(1), stored.SubmissionCount)
	require.Equal(t, int64(1), stored.SuccessCount)
}

// signallingLocker reports every key it is asked for before delegating.
type signallingLocker struct {
	lock.Locker
	asked chan string
}

func (l *signallingLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.asked <- key
	return l.Locker.Lock(ctx, key)
}

func TestRunRewritesUserOnlyUnderTheirLock(t *testing.T) {
	db := testutil.NewDB(t)
	alice := testutil.SeedUser(t, db, "alice", models.RoleStudent)
	problem := testutil.SeedProblem(t, db, "SUM")
	require.NoError(t, db.Model(&models.User{}).Where("id = ?", alice.ID).Update("total_score", 5).Error)

	local := lock.NewLocalLocker()
	ctx := context.Background()
	held, err := local.Lock(ctx, lock.UserKey(alice.ID))
	require.NoError(t, err)

	locker := &signallingLocker{Locker: local, asked: make(chan string, 1)}
	type outcome struct {
		report Report
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		report, err := newReconcilerWith(repository.NewStore(db), locker).Run(ctx, true)
		done <- outcome{report: report, err: err}
	}()

	select {
	case key := <-locker.asked:
		require.Equal(t, lock.UserKey(alice.ID), key)
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler never asked for the user lock")
	}

	select {
	case <-done:
		t.Fatal("reconciler wrote while the user lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	// The engine commits while it still owns the lock.
	require.NoError(t, commitAccepted(db, alice, problem, 70))
	held()

	var result outcome
	select {
	case result = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler did not finish after the lock was released")
	}
	require.NoError(t, result.err)
	require.Equal(t, []Drift{{Kind: KindUser, ID: alice.ID, Field: "total_score", Stored: 75, Expected: 70}}, result.report.Drifts)
	require.Equal(t, int64(70), loadUser(t, db, alice.ID).TotalScore)
}
