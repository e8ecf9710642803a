package models

import (
	"time"

	"gorm.io/datatypes"
)

// Submission is one judged attempt. Rows are never updated after insert.
type Submission struct {
	ID              uint              `gorm:"primaryKey" json:"id"`
	UserID          uint              `gorm:"not null;index:idx_submission_user_problem,priority:1" json:"user_id"`
	AuthorName      string            `gorm:"size:64;not null" json:"author_name"`
	ProblemID       uint              `gorm:"not null;index:idx_submission_user_problem,priority:2;index" json:"problem_id"`
	ContestID       *uint             `gorm:"index" json:"contest_id,omitempty"`
	Language        string            `gorm:"size:32;not null" json:"language"`
	SourceCode      string            `gorm:"type:text" json:"source_code,omitempty"`
	Status          Verdict           `gorm:"size:32;not null" json:"status"`
	Point           int               `gorm:"not null;default:0" json:"point"`
	ExecutionTimeMs int64             `gorm:"default:0" json:"execution_time_ms"`
	MemoryKB        int64             `gorm:"default:0" json:"memory_kb"`
	Log             string            `gorm:"type:text" json:"log"`
	Details         datatypes.JSONMap `json:"details,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// IsAccepted reports whether the attempt was fully accepted.
func (s Submission) IsAccepted() bool {
	return s.Status.IsAccepted()
}

// InContest reports whether the submission is tagged with the given contest.
func (s Submission) InContest(contestID uint) bool {
	return s.ContestID != nil && *s.ContestID == contestID
}
