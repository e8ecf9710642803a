package models

import (
	"time"

	"gorm.io/datatypes"
)

// ContestStatus is derived from the contest window.
type ContestStatus string

const (
	ContestStatusPending ContestStatus = "PENDING"
	ContestStatusRunning ContestStatus = "RUNNING"
	ContestStatusEnded   ContestStatus = "ENDED"
)

// Contest groups an ordered problem list under a time window.
type Contest struct {
	ID              uint             `gorm:"primaryKey" json:"id"`
	Slug            string           `gorm:"size:191;uniqueIndex;not null" json:"slug"`
	Title           string           `gorm:"size:255;not null" json:"title"`
	Description     string           `gorm:"type:text" json:"description"`
	StartTime       time.Time        `gorm:"not null" json:"start_time"`
	EndTime         time.Time        `gorm:"not null" json:"end_time"`
	PenaltySeconds  int              `gorm:"not null;default:0" json:"penalty_seconds"`
	IsRated         bool             `gorm:"not null;default:false" json:"is_rated"`
	IsRatingUpdated bool             `gorm:"not null;default:false" json:"is_rating_updated"`
	Problems        []ContestProblem `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"problems"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// ContestProblem is one column of the contest standings.
type ContestProblem struct {
	ID        uint `gorm:"primaryKey" json:"-"`
	ContestID uint `gorm:"not null;uniqueIndex:idx_contest_problem,priority:1" json:"-"`
	ProblemID uint `gorm:"not null;uniqueIndex:idx_contest_problem,priority:2" json:"problem_id"`
	Position  int  `gorm:"not null" json:"position"`
}

// Status derives the lifecycle state at the given instant.
func (c Contest) Status(now time.Time) ContestStatus {
	switch {
	case now.Before(c.StartTime):
		return ContestStatusPending
	case now.After(c.EndTime):
		return ContestStatusEnded
	default:
		return ContestStatusRunning
	}
}

// ProblemIndex returns the column of the problem, or -1 when it is not part of the contest.
// Problems must be ordered by position.
func (c Contest) ProblemIndex(problemID uint) int {
	for i, p := range c.Problems {
		if p.ProblemID == problemID {
			return i
		}
	}
	return -1
}

// ProblemIDs lists the problem ids in column order.
func (c Contest) ProblemIDs() []uint {
	ids := make([]uint, len(c.Problems))
	for i, p := range c.Problems {
		ids[i] = p.ProblemID
	}
	return ids
}

// StandingCell is the best attempt a participant has on one contest problem.
// Penalty counts the rejected attempts made before the best one.
type StandingCell struct {
	Score   int     `json:"score"`
	TimeMs  int64   `json:"time_ms"`
	Status  Verdict `json:"status"`
	Penalty int     `json:"penalty"`
}

// StandingRow is one participant's line in the contest standings matrix.
type StandingRow struct {
	ID        uint                         `gorm:"primaryKey" json:"id"`
	ContestID uint                         `gorm:"not null;uniqueIndex:idx_standing_contest_user,priority:1" json:"contest_id"`
	UserID    uint                         `gorm:"not null;uniqueIndex:idx_standing_contest_user,priority:2" json:"user_id"`
	Username  string                       `gorm:"size:64;not null" json:"username"`
	Scores    datatypes.JSONSlice[int]     `json:"scores"`
	Times     datatypes.JSONSlice[int64]   `json:"times"`
	Statuses  datatypes.JSONSlice[Verdict] `json:"statuses"`
	Penalties datatypes.JSONSlice[int]     `json:"penalties"`
	Rejected  datatypes.JSONSlice[int]     `json:"rejected"`
	CreatedAt time.Time                    `json:"created_at"`
	UpdatedAt time.Time                    `json:"updated_at"`
}

// TableName keeps the standings table name stable.
func (StandingRow) TableName() string {
	return "contest_standings"
}

// EnsureWidth grows the row arrays to n columns. Existing cells are kept.
func (r *StandingRow) EnsureWidth(n int) {
	for len(r.Scores) < n {
		r.Scores = append(r.Scores, 0)
	}
	for len(r.Times) < n {
		r.Times = append(r.Times, 0)
	}
	for len(r.Statuses) < n {
		r.Statuses = append(r.Statuses, VerdictNone)
	}
	for len(r.Penalties) < n {
		r.Penalties = append(r.Penalties, 0)
	}
	for len(r.Rejected) < n {
		r.Rejected = append(r.Rejected, 0)
	}
}

// Cell returns column i, or an empty cell when the row is narrower.
func (r StandingRow) Cell(i int) StandingCell {
	var cell StandingCell
	if i < 0 {
		return cell
	}
	if i < len(r.Scores) {
		cell.Score = r.Scores[i]
	}
	if i < len(r.Times) {
		cell.TimeMs = r.Times[i]
	}
	if i < len(r.Statuses) {
		cell.Status = r.Statuses[i]
	}
	if i < len(r.Penalties) {
		cell.Penalty = r.Penalties[i]
	}
	return cell
}

// SetCell writes column i, widening the row if needed.
func (r *StandingRow) SetCell(i int, cell StandingCell) {
	if i < 0 {
		return
	}
	r.EnsureWidth(i + 1)
	r.Scores[i] = cell.Score
	r.Times[i] = cell.TimeMs
	r.Statuses[i] = cell.Status
	r.Penalties[i] = cell.Penalty
}

// Attempted reports whether any cell of the row holds a judged submission.
func (r StandingRow) Attempted() bool {
	for _, status := range r.Statuses {
		if status != VerdictNone {
			return true
		}
	}
	return false
}

// DropColumn removes column i and shifts the later columns left.
func (r *StandingRow) DropColumn(i int) {
	if i < 0 {
		return
	}
	r.Scores = dropAt(r.Scores, i)
	r.Times = dropAt(r.Times, i)
	r.Statuses = dropAt(r.Statuses, i)
	r.Penalties = dropAt(r.Penalties, i)
	r.Rejected = dropAt(r.Rejected, i)
}

func dropAt[T any](values []T, i int) []T {
	if i >= len(values) {
		return values
	}
	out := make([]T, 0, len(values)-1)
	out = append(out, values[:i]...)
	return append(out, values[i+1:]...)
}

// RejectedAt returns the number of rejected attempts recorded on column i.
func (r StandingRow) RejectedAt(i int) int {
	if i < 0 || i >= len(r.Rejected) {
		return 0
	}
	return r.Rejected[i]
}

// SetRejected writes the rejected attempt count of column i.
func (r *StandingRow) SetRejected(i, n int) {
	if i < 0 {
		return
	}
	r.EnsureWidth(i + 1)
	r.Rejected[i] = n
}
