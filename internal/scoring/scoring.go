// Package scoring holds the pure bookkeeping used to fold judged submissions into
// problem, user and contest aggregates. Nothing here touches storage.
package scoring

import (
	"sort"
	"time"

	"github.com/noah-isme/gema-judge-api/internal/models"
)

// BestPoint returns the highest point among the submissions, or 0 for none.
func BestPoint(submissions []models.Submission) int {
	best := 0
	for _, s := range submissions {
		if s.Point > best {
			best = s.Point
		}
	}
	return best
}

// HasAccepted reports whether any submission carries the Accepted verdict.
func HasAccepted(submissions []models.Submission) bool {
	for _, s := range submissions {
		if s.IsAccepted() {
			return true
		}
	}
	return false
}

// Delta is the change a single ledger event causes on the problem and user counters.
type Delta struct {
	ProblemSubmissions int64
	ProblemSuccess     int64
	UserAttempts       int64
	UserAccepted       int64
	UserScore          int64
}

// IsZero reports whether applying the delta would change nothing.
func (d Delta) IsZero() bool {
	return d == Delta{}
}

// ForCreate computes the counters delta of inserting created, given the user's
// other submissions on the same problem.
func ForCreate(prior []models.Submission, created models.Submission) Delta {
	bestBefore := BestPoint(prior)
	bestAfter := max(bestBefore, created.Point)

	delta := Delta{
		ProblemSubmissions: 1,
		UserScore:          int64(bestAfter - bestBefore),
	}
	if len(prior) == 0 {
		delta.UserAttempts = 1
	}
	if created.IsAccepted() && !HasAccepted(prior) {
		delta.ProblemSuccess = 1
		delta.UserAccepted = 1
	}
	return delta
}

// ForDelete computes the counters delta of removing deleted, given the user's
// submissions on the same problem that remain afterwards.
func ForDelete(remaining []models.Submission, deleted models.Submission) Delta {
	remainingBest := BestPoint(remaining)
	bestBefore := max(remainingBest, deleted.Point)

	delta := Delta{
		ProblemSubmissions: -1,
		UserScore:          int64(remainingBest - bestBefore),
	}
	if deleted.IsAccepted() && !HasAccepted(remaining) {
		delta.ProblemSuccess = -1
		delta.UserAccepted = -1
	}
	if len(remaining) == 0 {
		delta.UserAttempts = -1
	}
	return delta
}

// Elapsed returns the milliseconds between the contest start and at, never negative.
func Elapsed(start, at time.Time) int64 {
	ms := at.Sub(start).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}

// ApplyToRow folds a contest submission into column i of the row. The cell only
// changes when the point is strictly greater than the stored score. It reports
// whether the best cell changed.
func ApplyToRow(row *models.StandingRow, i int, submission models.Submission, start time.Time) bool {
	if row == nil || i < 0 {
		return false
	}
	row.EnsureWidth(i + 1)

	rejected := row.RejectedAt(i)
	improved := false
	if submission.Point > row.Cell(i).Score {
		row.SetCell(i, models.StandingCell{
			Score:   submission.Point,
			TimeMs:  Elapsed(start, submission.CreatedAt),
			Status:  submission.Status,
			Penalty: rejected,
		})
		improved = true
	}
	if !submission.IsAccepted() {
		row.SetRejected(i, rejected+1)
	}
	return improved
}

// RebuildColumn recomputes column i of the row from the given submissions, which
// must all belong to the row's user, contest and the column's problem. Only
// submissions inside [start, end] count.
func RebuildColumn(row *models.StandingRow, i int, submissions []models.Submission, start, end time.Time) {
	if row == nil || i < 0 {
		return
	}
	row.EnsureWidth(i + 1)
	row.SetCell(i, models.StandingCell{})
	row.SetRejected(i, 0)

	for _, s := range InWindow(submissions, start, end) {
		ApplyToRow(row, i, s, start)
	}
}

// InWindow returns the submissions created inside [start, end], oldest first.
func InWindow(submissions []models.Submission, start, end time.Time) []models.Submission {
	filtered := make([]models.Submission, 0, len(submissions))
	for _, s := range submissions {
		if s.CreatedAt.Before(start) || s.CreatedAt.After(end) {
			continue
		}
		filtered = append(filtered, s)
	}
	sort.SliceStable(filtered, func(a, b int) bool {
		if filtered[a].CreatedAt.Equal(filtered[b].CreatedAt) {
			return filtered[a].ID < filtered[b].ID
		}
		return filtered[a].CreatedAt.Before(filtered[b].CreatedAt)
	})
	return filtered
}
