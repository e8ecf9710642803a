package repository

import (
	"context"

	"gorm.io/gorm"
)

// Store groups the repositories that take part in one ledger event so they can
// share a transaction.
type Store interface {
	Submissions() SubmissionRepository
	Problems() ProblemRepository
	Users() UserRepository
	Contests() ContestRepository
	InTransaction(ctx context.Context, fn func(Store) error) error
}

type store struct {
	db          *gorm.DB
	submissions SubmissionRepository
	problems    ProblemRepository
	users       UserRepository
	contests    ContestRepository
}

// NewStore builds a store over db.
func NewStore(db *gorm.DB) Store {
	return &store{
		db:          db,
		submissions: NewSubmissionRepository(db),
		problems:    NewProblemRepository(db),
		users:       NewUserRepository(db),
		contests:    NewContestRepository(db),
	}
}

func (s *store) Submissions() SubmissionRepository { return s.submissions }
func (s *store) Problems() ProblemRepository       { return s.problems }
func (s *store) Users() UserRepository             { return s.users }
func (s *store) Contests() ContestRepository       { return s.contests }

// InTransaction runs fn against repositories bound to a single transaction.
// Any error returned by fn rolls the transaction back.
func (s *store) InTransaction(ctx context.Context, fn func(Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewStore(tx))
	})
}
