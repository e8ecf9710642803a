package models

import "time"

// Problem carries the judge limits and the counters derived from the submission ledger.
type Problem struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	Code            string    `gorm:"size:64;uniqueIndex;not null" json:"code"`
	Title           string    `gorm:"size:255;not null" json:"title"`
	MaxPoint        int       `gorm:"not null;default:100" json:"max_point"`
	TimeLimitMs     int64     `gorm:"not null;default:1000" json:"time_limit_ms"`
	MemoryLimitKB   int64     `gorm:"not null;default:262144" json:"memory_limit_kb"`
	TestReference   string    `gorm:"size:512" json:"test_reference"`
	SubmissionCount int64     `gorm:"not null;default:0" json:"submission_count"`
	SuccessCount    int64     `gorm:"not null;default:0" json:"success_count"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
