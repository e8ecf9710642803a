package dto

import (
	"time"

	"github.com/noah-isme/gema-judge-api/internal/models"
	"github.com/noah-isme/gema-judge-api/internal/scoring"
)

// ContestCreateRequest is the payload for creating a contest.
type ContestCreateRequest struct {
	Title          string    `json:"title" validate:"required,min=3,max=255"`
	Description    string    `json:"description" validate:"max=20000"`
	StartTime      time.Time `json:"start_time" validate:"required"`
	EndTime        time.Time `json:"end_time" validate:"required,gtfield=StartTime"`
	PenaltySeconds int       `json:"penalty_seconds" validate:"gte=0,lte=86400"`
	IsRated        bool      `json:"is_rated"`
	ProblemIDs     []uint    `json:"problem_ids" validate:"omitempty,dive,gt=0"`
}

// ContestProblemsRequest appends problems to a contest.
type ContestProblemsRequest struct {
	ProblemIDs []uint `json:"problem_ids" validate:"required,min=1,dive,gt=0"`
}

// ContestResponse represents a contest to API consumers.
type ContestResponse struct {
	ID              uint      `json:"id"`
	Slug            string    `json:"slug"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	PenaltySeconds  int       `json:"penalty_seconds"`
	IsRated         bool      `json:"is_rated"`
	IsRatingUpdated bool      `json:"is_rating_updated"`
	Status          string    `json:"status"`
	ProblemIDs      []uint    `json:"problem_ids"`
}

// NewContestResponse builds a contest DTO with its status at now.
func NewContestResponse(contest models.Contest, now time.Time) ContestResponse {
	return ContestResponse{
		ID:              contest.ID,
		Slug:            contest.Slug,
		Title:           contest.Title,
		Description:     contest.Description,
		StartTime:       contest.StartTime,
		EndTime:         contest.EndTime,
		PenaltySeconds:  contest.PenaltySeconds,
		IsRated:         contest.IsRated,
		IsRatingUpdated: contest.IsRatingUpdated,
		Status:          string(contest.Status(now)),
		ProblemIDs:      contest.ProblemIDs(),
	}
}

// StandingEntryResponse is one ranked participant.
type StandingEntryResponse struct {
	Rank        int                   `json:"rank"`
	UserID      uint                  `json:"user_id"`
	Username    string                `json:"username"`
	TotalScore  int                   `json:"total_score"`
	TotalTimeMs int64                 `json:"total_time_ms"`
	Cells       []models.StandingCell `json:"cells"`
}

// StandingsResponse is the ranked standings matrix of a contest.
type StandingsResponse struct {
	ContestID       uint                    `json:"contest_id"`
	Slug            string                  `json:"slug"`
	Status          string                  `json:"status"`
	IsRated         bool                    `json:"is_rated"`
	IsRatingUpdated bool                    `json:"is_rating_updated"`
	ProblemIDs      []uint                  `json:"problem_ids"`
	Rows            []StandingEntryResponse `json:"rows"`
	GeneratedAt     time.Time               `json:"generated_at"`
}

// NewStandingsResponse converts ranked rows into the response shape. Every row is
// padded to the contest's current column count.
func NewStandingsResponse(contest models.Contest, ranked []scoring.RankedRow, now time.Time) StandingsResponse {
	columns := len(contest.Problems)
	rows := make([]StandingEntryResponse, 0, len(ranked))
	for _, entry := range ranked {
		cells := make([]models.StandingCell, columns)
		for i := range cells {
			cells[i] = entry.Row.Cell(i)
		}
		rows = append(rows, StandingEntryResponse{
			Rank:        entry.Rank,
			UserID:      entry.Row.UserID,
			Username:    entry.Row.Username,
			TotalScore:  entry.TotalScore,
			TotalTimeMs: entry.TotalTimeMs,
			Cells:       cells,
		})
	}

	return StandingsResponse{
		ContestID:       contest.ID,
		Slug:            contest.Slug,
		Status:          string(contest.Status(now)),
		IsRated:         contest.IsRated,
		IsRatingUpdated: contest.IsRatingUpdated,
		ProblemIDs:      contest.ProblemIDs(),
		Rows:            rows,
		GeneratedAt:     now,
	}
}

// RatingUpdateResponse reports a rating pass over one contest.
type RatingUpdateResponse struct {
	ContestID uint         `json:"contest_id"`
	Applied   bool         `json:"applied"`
	Ratings   map[uint]int `json:"ratings,omitempty"`
}
