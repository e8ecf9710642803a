package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-judge-api/internal/models"
)

// SubmissionFilter allows narrowing submission queries.
type SubmissionFilter struct {
	UserID    *uint
	ProblemID *uint
	ContestID *uint
	Status    string
	Language  string
	Page      int
	PageSize  int
}

// SubmissionRepository defines data operations for the submission ledger.
type SubmissionRepository interface {
	Create(ctx context.Context, submission *models.Submission) error
	GetByID(ctx context.Context, id uint) (models.Submission, error)
	Delete(ctx context.Context, id uint) error
	ListByUserProblem(ctx context.Context, userID, problemID uint) ([]models.Submission, error)
	ListForContestCell(ctx context.Context, contestID, userID, problemID uint) ([]models.Submission, error)
	ListByContest(ctx context.Context, contestID uint) ([]models.Submission, error)
	List(ctx context.Context, filter SubmissionFilter) ([]models.Submission, int64, error)
	ListAll(ctx context.Context) ([]models.Submission, error)
	ListByUser(ctx context.Context, userID uint) ([]models.Submission, error)
	ListByProblem(ctx context.Context, problemID uint) ([]models.Submission, error)
}

type submissionRepository struct {
	db *gorm.DB
}

// NewSubmissionRepository instantiates the repository.
func NewSubmissionRepository(db *gorm.DB) SubmissionRepository {
	return &submissionRepository{db: db}
}

func (r *submissionRepository) Create(ctx context.Context, submission *models.Submission) error {
	return r.db.WithContext(ctx).Create(submission).Error
}

func (r *submissionRepository) GetByID(ctx context.Context, id uint) (models.Submission, error) {
	var submission models.Submission
	if err := r.db.WithContext(ctx).First(&submission, id).Error; err != nil {
		return models.Submission{}, err
	}

	return submission, nil
}

func (r *submissionRepository) Delete(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).Delete(&models.Submission{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}

	return nil
}

func (r *submissionRepository) ListByUserProblem(ctx context.Context, userID, problemID uint) ([]models.Submission, error) {
	var submissions []models.Submission
	if err := r.db.WithContext(ctx).
		Select("id", "user_id", "problem_id", "contest_id", "status", "point", "created_at").
		Where("user_id = ? AND problem_id = ?", userID, problemID).
		Order("created_at ASC, id ASC").
		Find(&submissions).Error; err != nil {
		return nil, err
	}

	return submissions, nil
}

func (r *submissionRepository) ListForContestCell(ctx context.Context, contestID, userID, problemID uint) ([]models.Submission, error) {
	var submissions []models.Submission
	if err := r.db.WithContext(ctx).
		Select("id", "user_id", "problem_id", "contest_id", "status", "point", "created_at").
		Where("contest_id = ? AND user_id = ? AND problem_id = ?", contestID, userID, problemID).
		Order("created_at ASC, id ASC").
		Find(&submissions).Error; err != nil {
		return nil, err
	}

	return submissions, nil
}

func (r *submissionRepository) ListByContest(ctx context.Context, contestID uint) ([]models.Submission, error) {
	var submissions []models.Submission
	if err := r.db.WithContext(ctx).
		Select("id", "user_id", "author_name", "problem_id", "contest_id", "status", "point", "created_at").
		Where("contest_id = ?", contestID).
		Order("created_at ASC, id ASC").
		Find(&submissions).Error; err != nil {
		return nil, err
	}

	return submissions, nil
}

func (r *submissionRepository) List(ctx context.Context, filter SubmissionFilter) ([]models.Submission, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.Submission{})

	if filter.UserID != nil {
		query = query.Where("user_id = ?", *filter.UserID)
	}

	if filter.ProblemID != nil {
		query = query.Where("problem_id = ?", *filter.ProblemID)
	}

	if filter.ContestID != nil {
		query = query.Where("contest_id = ?", *filter.ContestID)
	}

	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	if filter.Language != "" {
		query = query.Where("language = ?", filter.Language)
	}

	countQuery := query.Session(&gorm.Session{})
	var total int64
	if err := countQuery.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	query = query.Order("created_at DESC, id DESC")
	if filter.PageSize > 0 {
		page := filter.Page
		if page <= 0 {
			page = 1
		}
		query = query.Limit(filter.PageSize).Offset((page - 1) * filter.PageSize)
	}

	var submissions []models.Submission
	if err := query.Find(&submissions).Error; err != nil {
		return nil, 0, err
	}

	return submissions, total, nil
}

func (r *submissionRepository) ListAll(ctx context.Context) ([]models.Submission, error) {
	var submissions []models.Submission
	if err := r.db.WithContext(ctx).
		Select("id", "user_id", "author_name", "problem_id", "contest_id", "status", "point", "created_at").
		Order("id ASC").
		Find(&submissions).Error; err != nil {
		return nil, err
	}

	return submissions, nil
}

func (r *submissionRepository) ListByUser(ctx context.Context, userID uint) ([]models.Submission, error) {
	var submissions []models.Submission
	if err := r.db.WithContext(ctx).
		Select("id", "user_id", "author_name", "problem_id", "contest_id", "status", "point", "created_at").
		Where("user_id = ?", userID).
		Order("id ASC").
		Find(&submissions).Error; err != nil {
		return nil, err
	}

	return submissions, nil
}

func (r *submissionRepository) ListByProblem(ctx context.Context, problemID uint) ([]models.Submission, error) {
	var submissions []models.Submission
	if err := r.db.WithContext(ctx).
		Select("id", "user_id", "problem_id", "status", "point").
		Where("problem_id = ?", problemID).
		Order("id ASC").
		Find(&submissions).Error; err != nil {
		return nil, err
	}

	return submissions, nil
}
