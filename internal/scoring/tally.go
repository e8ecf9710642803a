package scoring

import "github.com/noah-isme/gema-judge-api/internal/models"

// ProblemTotals are the counters a problem should carry for a given ledger.
type ProblemTotals struct {
	SubmissionCount int64
	SuccessCount    int64
}

// UserTotals are the counters a user should carry for a given ledger.
type UserTotals struct {
	TotalAttempts int64
	TotalAccepted int64
	TotalScore    int64
}

type pairKey struct {
	userID    uint
	problemID uint
}

type pairState struct {
	best     int
	accepted bool
}

// Tally recomputes every problem and user counter from scratch.
func Tally(submissions []models.Submission) (map[uint]ProblemTotals, map[uint]UserTotals) {
	pairs := make(map[pairKey]*pairState)
	problems := make(map[uint]ProblemTotals)

	for _, s := range submissions {
		key := pairKey{userID: s.UserID, problemID: s.ProblemID}
		state, ok := pairs[key]
		if !ok {
			state = &pairState{}
			pairs[key] = state
		}
		if s.Point > state.best {
			state.best = s.Point
		}
		if s.IsAccepted() {
			state.accepted = true
		}

		totals := problems[s.ProblemID]
		totals.SubmissionCount++
		problems[s.ProblemID] = totals
	}

	users := make(map[uint]UserTotals)
	for key, state := range pairs {
		user := users[key.userID]
		user.TotalAttempts++
		user.TotalScore += int64(state.best)
		if state.accepted {
			user.TotalAccepted++

			problem := problems[key.problemID]
			problem.SuccessCount++
			problems[key.problemID] = problem
		}
		users[key.userID] = user
	}

	return problems, users
}
