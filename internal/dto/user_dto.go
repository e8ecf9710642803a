package dto

import "github.com/noah-isme/gema-judge-api/internal/models"

// UserCreateRequest registers a judge account.
type UserCreateRequest struct {
	Username string `json:"username" validate:"required,alphanum,min=3,max=64"`
	Role     string `json:"role" validate:"omitempty,oneof=admin student"`
}

// UserResponse exposes a user with their totals.
type UserResponse struct {
	ID              uint   `json:"id"`
	Username        string `json:"username"`
	Role            string `json:"role"`
	TotalAttempts   int64  `json:"total_attempts"`
	TotalAccepted   int64  `json:"total_accepted"`
	TotalScore      int64  `json:"total_score"`
	Rating          int    `json:"rating"`
	RatingHistory   []int  `json:"rating_history"`
	ActiveContestID *uint  `json:"active_contest_id,omitempty"`
}

// NewUserResponse converts a user model.
func NewUserResponse(user models.User) UserResponse {
	return UserResponse{
		ID:              user.ID,
		Username:        user.Username,
		Role:            user.Role,
		TotalAttempts:   user.TotalAttempts,
		TotalAccepted:   user.TotalAccepted,
		TotalScore:      user.TotalScore,
		Rating:          user.Rating(),
		RatingHistory:   ratingHistory(user),
		ActiveContestID: user.ActiveContestID,
	}
}

func ratingHistory(user models.User) []int {
	history := make([]int, len(user.RatingHistory))
	copy(history, user.RatingHistory)
	return history
}
