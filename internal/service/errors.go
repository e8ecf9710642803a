package service

import (
	"errors"
	"fmt"
)

var (
	// ErrSubmissionNotFound indicates the submission cannot be located.
	ErrSubmissionNotFound = errors.New("submission not found")
	// ErrProblemNotFound indicates the problem cannot be located.
	ErrProblemNotFound = errors.New("problem not found")
	// ErrUserNotFound indicates the user cannot be located.
	ErrUserNotFound = errors.New("user not found")
	// ErrContestNotFound indicates the contest cannot be located.
	ErrContestNotFound = errors.New("contest not found")

	// ErrInvalidState groups the contest preconditions checked before judging.
	ErrInvalidState = errors.New("invalid state")
	// ErrProblemNotInContest indicates the problem is not one of the contest columns.
	ErrProblemNotInContest = fmt.Errorf("%w: problem is not part of the contest", ErrInvalidState)
	// ErrNotActiveParticipant indicates the user is not joined to the contest.
	ErrNotActiveParticipant = fmt.Errorf("%w: user is not an active participant of the contest", ErrInvalidState)
	// ErrContestNotRunning indicates the contest window is closed or not open yet.
	ErrContestNotRunning = fmt.Errorf("%w: contest is not running", ErrInvalidState)
	// ErrContestRunning indicates the change is not allowed while the contest window is open.
	ErrContestRunning = fmt.Errorf("%w: contest is running", ErrInvalidState)
	// ErrContestNotEnded indicates the contest has not ended yet.
	ErrContestNotEnded = fmt.Errorf("%w: contest has not ended", ErrInvalidState)
	// ErrContestNotRated indicates ratings were requested for an unrated contest.
	ErrContestNotRated = fmt.Errorf("%w: contest is not rated", ErrInvalidState)

	// ErrJudgeUnavailable indicates the judger failed; nothing was persisted.
	ErrJudgeUnavailable = errors.New("judger unavailable")
	// ErrJudgeTimeout indicates the judger exceeded the judge timeout; nothing was persisted.
	ErrJudgeTimeout = errors.New("judger timed out")
	// ErrAggregatePersist indicates the ledger event was rolled back while writing aggregates.
	ErrAggregatePersist = errors.New("failed to persist submission aggregates")

	// ErrUnauthenticated indicates the caller carries no user identity.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden indicates the caller is not allowed to perform the operation.
	ErrForbidden = errors.New("forbidden")
	// ErrUnsupportedLanguage indicates the requested language is not allowed.
	ErrUnsupportedLanguage = errors.New("unsupported language")
	// ErrDuplicate indicates a unique attribute is already taken.
	ErrDuplicate = errors.New("already exists")
)
