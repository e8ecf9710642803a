package dto

import (
	"time"

	"github.com/noah-isme/gema-judge-api/internal/models"
)

// SubmissionCreateRequest is the payload for judging a new attempt.
type SubmissionCreateRequest struct {
	ProblemID  uint   `json:"problem_id" form:"problem_id" validate:"required,gt=0"`
	ContestID  *uint  `json:"contest_id,omitempty" form:"contest_id" validate:"omitempty,gt=0"`
	Language   string `json:"language" form:"language" validate:"required,max=16"`
	SourceCode string `json:"source_code" form:"source_code" validate:"required,max=65536"`
}

// SubmissionListRequest captures the ledger list filters.
type SubmissionListRequest struct {
	UserID    *uint
	ProblemID *uint
	ContestID *uint
	Status    string
	Language  string
	Page      int
	PageSize  int
}

// SubmissionResponse represents a ledger entry to API consumers.
type SubmissionResponse struct {
	ID              uint                   `json:"id"`
	UserID          uint                   `json:"user_id"`
	AuthorName      string                 `json:"author_name"`
	ProblemID       uint                   `json:"problem_id"`
	ContestID       *uint                  `json:"contest_id,omitempty"`
	Language        string                 `json:"language"`
	SourceCode      string                 `json:"source_code,omitempty"`
	Status          string                 `json:"status"`
	Point           int                    `json:"point"`
	ExecutionTimeMs int64                  `json:"execution_time_ms"`
	MemoryKB        int64                  `json:"memory_kb"`
	Log             string                 `json:"log"`
	Details         map[string]interface{} `json:"details,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// SubmissionListResponse wraps ledger entries with pagination metadata.
type SubmissionListResponse struct {
	Items      []SubmissionResponse `json:"items"`
	Pagination PaginationMeta       `json:"pagination"`
}

// NewSubmissionResponse builds a response DTO. Source is only copied when includeSource is set.
func NewSubmissionResponse(submission models.Submission, includeSource bool) SubmissionResponse {
	response := SubmissionResponse{
		ID:              submission.ID,
		UserID:          submission.UserID,
		AuthorName:      submission.AuthorName,
		ProblemID:       submission.ProblemID,
		ContestID:       submission.ContestID,
		Language:        submission.Language,
		Status:          string(submission.Status),
		Point:           submission.Point,
		ExecutionTimeMs: submission.ExecutionTimeMs,
		MemoryKB:        submission.MemoryKB,
		Log:             submission.Log,
		CreatedAt:       submission.CreatedAt,
	}

	if includeSource {
		response.SourceCode = submission.SourceCode
	}
	if submission.Details != nil {
		response.Details = map[string]interface{}(submission.Details)
	}

	return response
}

// SubmissionEvent is broadcast after a ledger change commits.
type SubmissionEvent struct {
	Kind       string             `json:"kind"`
	Submission SubmissionResponse `json:"submission"`
	ContestID  *uint              `json:"contest_id,omitempty"`
	At         time.Time          `json:"at"`
}

const (
	SubmissionEventCreated = "created"
	SubmissionEventDeleted = "deleted"
)
