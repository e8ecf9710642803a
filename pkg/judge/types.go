package judge

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable reports that the judger could not be reached or answered with an unusable response.
	ErrUnavailable = errors.New("judger unavailable")
	// ErrTimeout reports that the judger did not answer within the judge timeout.
	ErrTimeout = errors.New("judger timed out")
)

// Judge runs one submission against a problem's tests.
type Judge interface {
	Judge(ctx context.Context, req Request) (Result, error)
}

// Limits are the resource bounds the judger enforces.
type Limits struct {
	TimeMs   int64 `json:"timeMs"`
	MemoryKB int64 `json:"memoryKb"`
}

// Problem is the judger's view of the target problem.
type Problem struct {
	ID            uint   `json:"id"`
	Limits        Limits `json:"limits"`
	MaxPoint      int    `json:"maxPoint"`
	TestReference string `json:"testReference"`
}

// Request is the body sent to POST /judge.
type Request struct {
	SourceCode string  `json:"sourceCode"`
	Language   string  `json:"language"`
	Problem    Problem `json:"problem"`
}

// Result is the judged outcome folded into the ledger. Status is the
// judger's verdict as sent, either a full name or a short code such as "AC".
type Result struct {
	Status          string
	Point           int
	ExecutionTimeMs int64
	MemoryKB        int64
	Log             string
	Details         map[string]interface{}
}
