package dto

import "github.com/noah-isme/gema-judge-api/internal/models"

// ProblemCreateRequest is the payload for registering a problem.
type ProblemCreateRequest struct {
	Code          string `json:"code" validate:"required,alphanum,max=64"`
	Title         string `json:"title" validate:"required,max=255"`
	MaxPoint      int    `json:"max_point" validate:"required,gt=0,lte=10000"`
	TimeLimitMs   int64  `json:"time_limit_ms" validate:"required,gt=0,lte=60000"`
	MemoryLimitKB int64  `json:"memory_limit_kb" validate:"required,gt=0"`
	TestReference string `json:"test_reference" validate:"required,max=512"`
}

// ProblemResponse exposes a problem with its ledger counters.
type ProblemResponse struct {
	ID              uint   `json:"id"`
	Code            string `json:"code"`
	Title           string `json:"title"`
	MaxPoint        int    `json:"max_point"`
	TimeLimitMs     int64  `json:"time_limit_ms"`
	MemoryLimitKB   int64  `json:"memory_limit_kb"`
	SubmissionCount int64  `json:"submission_count"`
	SuccessCount    int64  `json:"success_count"`
}

// ProblemListResponse wraps problems with pagination metadata.
type ProblemListResponse struct {
	Items      []ProblemResponse `json:"items"`
	Pagination PaginationMeta    `json:"pagination"`
}

// NewProblemResponse converts a problem model.
func NewProblemResponse(problem models.Problem) ProblemResponse {
	return ProblemResponse{
		ID:              problem.ID,
		Code:            problem.Code,
		Title:           problem.Title,
		MaxPoint:        problem.MaxPoint,
		TimeLimitMs:     problem.TimeLimitMs,
		MemoryLimitKB:   problem.MemoryLimitKB,
		SubmissionCount: problem.SubmissionCount,
		SuccessCount:    problem.SuccessCount,
	}
}
