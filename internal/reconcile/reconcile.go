// Package reconcile rebuilds the denormalized problem, user and standings
// aggregates from the submission ledger and reports where they drifted.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-judge-api/internal/lock"
	"github.com/noah-isme/gema-judge-api/internal/models"
	"github.com/noah-isme/gema-judge-api/internal/observability"
	"github.com/noah-isme/gema-judge-api/internal/repository"
	"github.com/noah-isme/gema-judge-api/internal/scoring"
)

// Aggregate kinds reported in drifts.
const (
	KindProblem  = "problem"
	KindUser     = "user"
	KindStanding = "standing"
	KindActive   = "active_contest"
)

const (
	contestConcurrency = 4
	maxCounterSwaps    = 5
)

// ErrCounterContention is returned when a problem's counters kept moving
// between the ledger read and the rewrite.
var ErrCounterContention = errors.New("problem counters changed during reconciliation")

// Drift is one aggregate field whose stored value disagrees with the ledger.
type Drift struct {
	Kind      string `json:"kind"`
	ID        uint   `json:"id"`
	ContestID uint   `json:"contest_id,omitempty"`
	Field     string `json:"field"`
	Stored    int64  `json:"stored"`
	Expected  int64  `json:"expected"`
}

func (d Drift) String() string {
	if d.ContestID != 0 {
		return fmt.Sprintf("%s contest=%d user=%d %s: stored=%d expected=%d", d.Kind, d.ContestID, d.ID, d.Field, d.Stored, d.Expected)
	}
	return fmt.Sprintf("%s %d %s: stored=%d expected=%d", d.Kind, d.ID, d.Field, d.Stored, d.Expected)
}

// Report summarises one reconciliation run.
type Report struct {
	Submissions int       `json:"submissions"`
	Problems    int       `json:"problems"`
	Users       int       `json:"users"`
	Contests    int       `json:"contests"`
	Drifts      []Drift   `json:"drifts"`
	Orphans     []uint    `json:"orphan_submissions"`
	Applied     bool      `json:"applied"`
	CheckedAt   time.Time `json:"checked_at"`
}

// Clean reports whether no drift was found.
func (r Report) Clean() bool {
	return len(r.Drifts) == 0
}

// Reconciler compares aggregates against the ledger. The locker must be the
// one the submission engine holds while it writes a user's aggregates.
type Reconciler struct {
	store  repository.Store
	locker lock.Locker
	logger zerolog.Logger
	now    func() time.Time
}

// New builds a reconciler over the store.
func New(store repository.Store, locker lock.Locker, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		locker: locker,
		logger: logger.With().Str("component", "reconciler").Logger(),
		now:    time.Now,
	}
}

type snapshot struct {
	ledger   []models.Submission
	problems []models.Problem
	users    []models.User
	contests []models.Contest
	rows     map[uint][]models.StandingRow
}

type plan struct {
	problems  map[uint]scoring.ProblemTotals
	users     map[uint]scoring.UserTotals
	standings []models.StandingRow
	release   []uint
}

// Run recomputes every aggregate from the ledger. A full snapshot selects
// candidate problems and users; each candidate is then re-read and compared
// again, users under their aggregate lock and problems with a compare-and-set,
// so writes that commit while the snapshot loads are never reported or undone.
// With apply set the confirmed drifts are rewritten.
func (r *Reconciler) Run(ctx context.Context, apply bool) (Report, error) {
	snap, err := r.load(ctx)
	if err != nil {
		return Report{}, err
	}

	now := r.now().UTC()
	report := Report{
		Submissions: len(snap.ledger),
		Problems:    len(snap.problems),
		Users:       len(snap.users),
		Contests:    len(snap.contests),
		CheckedAt:   now,
	}

	candidates := newPlan()
	problemTotals, userTotals := scoring.Tally(snap.ledger)
	r.checkProblems(snap.problems, problemTotals, &candidates)
	r.checkUsers(snap.users, userTotals, &candidates)
	r.checkActiveContests(snap.users, snap.contests, now, &candidates)
	report.Orphans = orphans(snap)

	usernames := make(map[uint]string, len(snap.users))
	for _, user := range snap.users {
		usernames[user.ID] = user.Username
	}
	byContest := groupByContest(snap.ledger)
	for _, contest := range snap.contests {
		r.checkStandings(contest, byContest[contest.ID], snap.rows[contest.ID], usernames, &candidates)
	}

	for _, id := range sortedKeys(candidates.problems) {
		drifts, err := r.settleProblem(ctx, id, apply)
		if err != nil {
			return report, err
		}
		report.Drifts = append(report.Drifts, drifts...)
	}
	for _, id := range candidates.userIDs() {
		drifts, err := r.settleUser(ctx, id, now, apply)
		if err != nil {
			return report, err
		}
		report.Drifts = append(report.Drifts, drifts...)
	}

	for _, drift := range report.Drifts {
		observability.ReconcileDrift().WithLabelValues(drift.Kind).Inc()
	}
	report.Applied = apply && !report.Clean()

	r.logger.Info().
		Int("submissions", report.Submissions).
		Int("drifts", len(report.Drifts)).
		Int("orphans", len(report.Orphans)).
		Bool("apply", apply).
		Bool("applied", report.Applied).
		Msg("reconciliation finished")

	return report, nil
}

func newPlan() plan {
	return plan{
		problems: make(map[uint]scoring.ProblemTotals),
		users:    make(map[uint]scoring.UserTotals),
	}
}

// userIDs lists every user touched by the plan, in ascending order.
func (p plan) userIDs() []uint {
	ids := mapset.NewThreadUnsafeSet[uint]()
	for id := range p.users {
		ids.Add(id)
	}
	for _, id := range p.release {
		ids.Add(id)
	}
	for _, row := range p.standings {
		ids.Add(row.UserID)
	}
	sorted := ids.ToSlice()
	sort.Slice(sorted, func(a, b int) bool { return sorted[a] < sorted[b] })
	return sorted
}

func sortedKeys[V any](m map[uint]V) []uint {
	keys := make([]uint, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(a, b int) bool { return keys[a] < keys[b] })
	return keys
}

// settleProblem recounts one problem from its ledger rows. The rewrite only
// lands if the stored counters still hold the values read before the ledger,
// otherwise a concurrent submission committed in between and the count starts over.
func (r *Reconciler) settleProblem(ctx context.Context, id uint, apply bool) ([]Drift, error) {
	for attempt := 1; attempt <= maxCounterSwaps; attempt++ {
		problem, err := r.store.Problems().GetByID(ctx, id)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reload problem %d: %w", id, err)
		}

		ledger, err := r.store.Submissions().ListByProblem(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("reload ledger of problem %d: %w", id, err)
		}

		fix := newPlan()
		totals, _ := scoring.Tally(ledger)
		drifts := r.checkProblems([]models.Problem{problem}, totals, &fix)
		if len(drifts) == 0 {
			return nil, nil
		}

		var settled bool
		if apply {
			want := fix.problems[id]
			settled, err = r.store.Problems().SwapCounters(ctx, problem, want.SubmissionCount, want.SuccessCount)
		} else {
			var again models.Problem
			again, err = r.store.Problems().GetByID(ctx, id)
			settled = err == nil && again.SubmissionCount == problem.SubmissionCount && again.SuccessCount == problem.SuccessCount
		}
		if err != nil {
			return nil, fmt.Errorf("reset problem %d: %w", id, err)
		}
		if settled {
			return drifts, nil
		}
		r.logger.Debug().Uint("problem_id", id).Int("attempt", attempt).Msg("problem counters moved during recount")
	}
	return nil, fmt.Errorf("problem %d: %w", id, ErrCounterContention)
}

// settleUser rebuilds one user's totals, active contest and standings rows
// from their ledger while holding the lock the submission engine writes under.
func (r *Reconciler) settleUser(ctx context.Context, id uint, now time.Time, apply bool) ([]Drift, error) {
	release, err := r.locker.Lock(ctx, lock.UserKey(id))
	if err != nil {
		return nil, fmt.Errorf("lock user %d: %w", id, err)
	}
	defer release()

	user, err := r.store.Users().GetByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reload user %d: %w", id, err)
	}
	ledger, err := r.store.Submissions().ListByUser(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reload ledger of user %d: %w", id, err)
	}
	stored, err := r.store.Contests().ListStandingsByUser(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reload standings of user %d: %w", id, err)
	}
	contests, err := r.store.Contests().ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("reload contests: %w", err)
	}

	rows := make(map[uint][]models.StandingRow, len(stored))
	for _, row := range stored {
		rows[row.ContestID] = append(rows[row.ContestID], row)
	}

	fix := newPlan()
	users := []models.User{user}
	_, totals := scoring.Tally(ledger)
	drifts := r.checkUsers(users, totals, &fix)
	drifts = append(drifts, r.checkActiveContests(users, contests, now, &fix)...)

	byContest := groupByContest(ledger)
	usernames := map[uint]string{user.ID: user.Username}
	for _, contest := range contests {
		drifts = append(drifts, r.checkStandings(contest, byContest[contest.ID], rows[contest.ID], usernames, &fix)...)
	}

	if !apply || len(drifts) == 0 {
		return drifts, nil
	}
	if err := r.apply(ctx, fix); err != nil {
		r.logger.Error().Err(err).Uint("user_id", id).Msg("failed to apply reconciliation")
		return nil, err
	}
	r.logger.Info().Uint("user_id", id).Int("drifts", len(drifts)).Msg("user aggregates rebuilt from ledger")
	return drifts, nil
}

func (r *Reconciler) load(ctx context.Context) (snapshot, error) {
	var snap snapshot
	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		ledger, err := r.store.Submissions().ListAll(gctx)
		if err != nil {
			return fmt.Errorf("load submissions: %w", err)
		}
		snap.ledger = ledger
		return nil
	})
	group.Go(func() error {
		problems, err := r.store.Problems().ListAll(gctx)
		if err != nil {
			return fmt.Errorf("load problems: %w", err)
		}
		snap.problems = problems
		return nil
	})
	group.Go(func() error {
		users, err := r.store.Users().ListAll(gctx)
		if err != nil {
			return fmt.Errorf("load users: %w", err)
		}
		snap.users = users
		return nil
	})
	group.Go(func() error {
		contests, err := r.store.Contests().ListAll(gctx)
		if err != nil {
			return fmt.Errorf("load contests: %w", err)
		}
		snap.contests = contests
		return nil
	})
	if err := group.Wait(); err != nil {
		return snapshot{}, err
	}

	rows := make([][]models.StandingRow, len(snap.contests))
	group, gctx = errgroup.WithContext(ctx)
	group.SetLimit(contestConcurrency)
	for i, contest := range snap.contests {
		i, contest := i, contest
		group.Go(func() error {
			list, err := r.store.Contests().ListStandings(gctx, contest.ID)
			if err != nil {
				return fmt.Errorf("load standings of contest %d: %w", contest.ID, err)
			}
			rows[i] = list
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return snapshot{}, err
	}

	snap.rows = make(map[uint][]models.StandingRow, len(snap.contests))
	for i, contest := range snap.contests {
		snap.rows[contest.ID] = rows[i]
	}
	return snap, nil
}

func (r *Reconciler) checkProblems(problems []models.Problem, expected map[uint]scoring.ProblemTotals, fix *plan) []Drift {
	var drifts []Drift
	for _, problem := range problems {
		want := expected[problem.ID]
		found := compare(KindProblem, problem.ID, 0,
			field{"submission_count", problem.SubmissionCount, want.SubmissionCount},
			field{"success_count", problem.SuccessCount, want.SuccessCount},
		)
		if len(found) > 0 {
			fix.problems[problem.ID] = want
			drifts = append(drifts, found...)
		}
	}
	return drifts
}

func (r *Reconciler) checkUsers(users []models.User, expected map[uint]scoring.UserTotals, fix *plan) []Drift {
	var drifts []Drift
	for _, user := range users {
		want := expected[user.ID]
		found := compare(KindUser, user.ID, 0,
			field{"total_attempts", user.TotalAttempts, want.TotalAttempts},
			field{"total_accepted", user.TotalAccepted, want.TotalAccepted},
			field{"total_score", user.TotalScore, want.TotalScore},
		)
		if len(found) > 0 {
			fix.users[user.ID] = want
			drifts = append(drifts, found...)
		}
	}
	return drifts
}

// checkActiveContests flags users still joined to a contest that ended or no longer exists.
func (r *Reconciler) checkActiveContests(users []models.User, contests []models.Contest, now time.Time, fix *plan) []Drift {
	open := mapset.NewThreadUnsafeSet[uint]()
	for _, contest := range contests {
		if contest.Status(now) != models.ContestStatusEnded {
			open.Add(contest.ID)
		}
	}

	var drifts []Drift
	for _, user := range users {
		if user.ActiveContestID == nil || open.Contains(*user.ActiveContestID) {
			continue
		}
		drifts = append(drifts, Drift{
			Kind:      KindActive,
			ID:        user.ID,
			ContestID: *user.ActiveContestID,
			Field:     "active_contest_id",
			Stored:    int64(*user.ActiveContestID),
			Expected:  0,
		})
		fix.release = append(fix.release, user.ID)
	}
	return drifts
}

func (r *Reconciler) checkStandings(contest models.Contest, ledger []models.Submission, rows []models.StandingRow, usernames map[uint]string, fix *plan) []Drift {
	width := len(contest.Problems)
	columns := make(map[uint]int, width)
	for i, problemID := range contest.ProblemIDs() {
		columns[problemID] = i
	}

	cells := make(map[uint]map[uint][]models.Submission)
	submitters := mapset.NewThreadUnsafeSet[uint]()
	for _, submission := range ledger {
		if _, ok := columns[submission.ProblemID]; !ok {
			continue
		}
		submitters.Add(submission.UserID)
		if cells[submission.UserID] == nil {
			cells[submission.UserID] = make(map[uint][]models.Submission)
		}
		cells[submission.UserID][submission.ProblemID] = append(cells[submission.UserID][submission.ProblemID], submission)
	}

	present := mapset.NewThreadUnsafeSet[uint]()
	for _, row := range rows {
		present.Add(row.UserID)
	}

	missing := submitters.Difference(present).ToSlice()
	sort.Slice(missing, func(a, b int) bool { return missing[a] < missing[b] })
	for _, userID := range missing {
		rows = append(rows, models.StandingRow{ContestID: contest.ID, UserID: userID, Username: usernames[userID]})
	}

	var drifts []Drift
	for _, row := range rows {
		rebuilt := row
		rebuilt.Scores, rebuilt.Times, rebuilt.Statuses, rebuilt.Penalties, rebuilt.Rejected = nil, nil, nil, nil, nil
		rebuilt.EnsureWidth(width)
		for problemID, i := range columns {
			scoring.RebuildColumn(&rebuilt, i, cells[row.UserID][problemID], contest.StartTime, contest.EndTime)
		}

		var found []Drift
		for i := 0; i < width; i++ {
			stored, want := row.Cell(i), rebuilt.Cell(i)
			label := fmt.Sprintf("cell[%d]", i)
			found = append(found, compare(KindStanding, row.UserID, contest.ID,
				field{label + ".score", int64(stored.Score), int64(want.Score)},
				field{label + ".time_ms", stored.TimeMs, want.TimeMs},
				field{label + ".penalty", int64(stored.Penalty), int64(want.Penalty)},
				field{label + ".rejected", int64(row.RejectedAt(i)), int64(rebuilt.RejectedAt(i))},
			)...)
			if stored.Status != want.Status {
				found = append(found, Drift{Kind: KindStanding, ID: row.UserID, ContestID: contest.ID, Field: label + ".status"})
			}
		}
		if row.ID == 0 {
			found = append(found, Drift{Kind: KindStanding, ID: row.UserID, ContestID: contest.ID, Field: "row", Expected: 1})
		}

		if len(found) > 0 {
			fix.standings = append(fix.standings, rebuilt)
			drifts = append(drifts, found...)
		}
	}
	return drifts
}

// apply rewrites one user's aggregates in a single transaction.
func (r *Reconciler) apply(ctx context.Context, fix plan) error {
	return r.store.InTransaction(ctx, func(tx repository.Store) error {
		for id, totals := range fix.users {
			if err := tx.Users().SetTotals(ctx, id, totals.TotalAttempts, totals.TotalAccepted, totals.TotalScore); err != nil {
				return fmt.Errorf("reset user %d: %w", id, err)
			}
		}
		for _, userID := range fix.release {
			if err := tx.Users().SetActiveContest(ctx, userID, nil); err != nil {
				return fmt.Errorf("release user %d: %w", userID, err)
			}
		}
		for i := range fix.standings {
			row := fix.standings[i]
			if row.ID == 0 {
				stored, err := tx.Contests().EnsureStanding(ctx, &models.StandingRow{ContestID: row.ContestID, UserID: row.UserID, Username: row.Username})
				if err != nil {
					return fmt.Errorf("create standing contest=%d user=%d: %w", row.ContestID, row.UserID, err)
				}
				row.ID = stored.ID
				row.CreatedAt = stored.CreatedAt
			}
			if err := tx.Contests().SaveStanding(ctx, &row); err != nil {
				return fmt.Errorf("reset standing contest=%d user=%d: %w", row.ContestID, row.UserID, err)
			}
		}
		return nil
	})
}

type field struct {
	name     string
	stored   int64
	expected int64
}

func compare(kind string, id, contestID uint, fields ...field) []Drift {
	var drifts []Drift
	for _, f := range fields {
		if f.stored != f.expected {
			drifts = append(drifts, Drift{Kind: kind, ID: id, ContestID: contestID, Field: f.name, Stored: f.stored, Expected: f.expected})
		}
	}
	return drifts
}

func groupByContest(ledger []models.Submission) map[uint][]models.Submission {
	grouped := make(map[uint][]models.Submission)
	for _, submission := range ledger {
		if submission.ContestID == nil {
			continue
		}
		grouped[*submission.ContestID] = append(grouped[*submission.ContestID], submission)
	}
	return grouped
}

// orphans lists ledger entries whose problem or user no longer exists.
func orphans(snap snapshot) []uint {
	problems := mapset.NewThreadUnsafeSet[uint]()
	for _, problem := range snap.problems {
		problems.Add(problem.ID)
	}
	users := mapset.NewThreadUnsafeSet[uint]()
	for _, user := range snap.users {
		users.Add(user.ID)
	}

	var ids []uint
	for _, submission := range snap.ledger {
		if !problems.Contains(submission.ProblemID) || !users.Contains(submission.UserID) {
			ids = append(ids, submission.ID)
		}
	}
	return ids
}
