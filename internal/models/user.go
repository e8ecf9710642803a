package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	RoleAdmin   = "admin"
	RoleStudent = "student"
)

// DefaultRating is the rating of a user who has not finished a rated contest.
const DefaultRating = 1500

// User is a judge account with totals derived from its submissions.
type User struct {
	ID              uint                     `gorm:"primaryKey" json:"id"`
	Username        string                   `gorm:"size:64;uniqueIndex;not null" json:"username"`
	Role            string                   `gorm:"size:32;not null;default:student" json:"role"`
	TotalAttempts   int64                    `gorm:"not null;default:0" json:"total_attempts"`
	TotalAccepted   int64                    `gorm:"not null;default:0" json:"total_accepted"`
	TotalScore      int64                    `gorm:"not null;default:0" json:"total_score"`
	RatingHistory   datatypes.JSONSlice[int] `json:"rating_history"`
	ActiveContestID *uint                    `gorm:"index" json:"active_contest_id,omitempty"`
	CreatedAt       time.Time                `json:"created_at"`
	UpdatedAt       time.Time                `json:"updated_at"`
}

// IsActiveIn reports whether the user is currently joined to the contest.
func (u User) IsActiveIn(contestID uint) bool {
	return u.ActiveContestID != nil && *u.ActiveContestID == contestID
}

// Rating is the latest rating, or DefaultRating before the first rated contest.
func (u User) Rating() int {
	if len(u.RatingHistory) == 0 {
		return DefaultRating
	}
	return u.RatingHistory[len(u.RatingHistory)-1]
}
