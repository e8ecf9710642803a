package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-judge-api/internal/models"
)

// ProblemRepository persists problems and their ledger counters.
type ProblemRepository interface {
	Create(ctx context.Context, problem *models.Problem) error
	GetByID(ctx context.Context, id uint) (models.Problem, error)
	List(ctx context.Context, page, pageSize int) ([]models.Problem, int64, error)
	ListAll(ctx context.Context) ([]models.Problem, error)
	ApplyCounters(ctx context.Context, id uint, submissions, success int64) error
	SwapCounters(ctx context.Context, problem models.Problem, submissions, success int64) (bool, error)
}

type problemRepository struct {
	db *gorm.DB
}

// NewProblemRepository constructs a problem repository.
func NewProblemRepository(db *gorm.DB) ProblemRepository {
	return &problemRepository{db: db}
}

func (r *problemRepository) Create(ctx context.Context, problem *models.Problem) error {
	return r.db.WithContext(ctx).Create(problem).Error
}

func (r *problemRepository) GetByID(ctx context.Context, id uint) (models.Problem, error) {
	var problem models.Problem
	if err := r.db.WithContext(ctx).First(&problem, id).Error; err != nil {
		return models.Problem{}, err
	}
	return problem, nil
}

func (r *problemRepository) List(ctx context.Context, page, pageSize int) ([]models.Problem, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.Problem{})

	var total int64
	if err := query.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	query = query.Order("id ASC")
	if pageSize > 0 {
		if page <= 0 {
			page = 1
		}
		query = query.Limit(pageSize).Offset((page - 1) * pageSize)
	}

	var problems []models.Problem
	if err := query.Find(&problems).Error; err != nil {
		return nil, 0, err
	}
	return problems, total, nil
}

func (r *problemRepository) ListAll(ctx context.Context) ([]models.Problem, error) {
	var problems []models.Problem
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&problems).Error; err != nil {
		return nil, err
	}
	return problems, nil
}

// ApplyCounters adds the deltas atomically, flooring each counter at zero.
func (r *problemRepository) ApplyCounters(ctx context.Context, id uint, submissions, success int64) error {
	updates := counterUpdates(map[string]int64{
		"submission_count": submissions,
		"success_count":    success,
	})
	if len(updates) == 0 {
		return nil
	}

	result := r.db.WithContext(ctx).Model(&models.Problem{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SwapCounters overwrites the counters only while they still hold the values
// read into problem. It reports false when another writer got there first.
func (r *problemRepository) SwapCounters(ctx context.Context, problem models.Problem, submissions, success int64) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.Problem{}).
		Where("id = ? AND submission_count = ? AND success_count = ?", problem.ID, problem.SubmissionCount, problem.SuccessCount).
		Updates(map[string]interface{}{
			"submission_count": submissions,
			"success_count":    success,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
