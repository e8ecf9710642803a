package repository

import (
	"context"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-judge-api/internal/models"
)

// UserRepository persists judge accounts and their totals.
type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id uint) (models.User, error)
	GetByUsername(ctx context.Context, username string) (models.User, error)
	ListAll(ctx context.Context) ([]models.User, error)
	ApplyTotals(ctx context.Context, id uint, attempts, accepted, score int64) error
	SetTotals(ctx context.Context, id uint, attempts, accepted, score int64) error
	SetActiveContest(ctx context.Context, id uint, contestID *uint) error
	ClearActiveContests(ctx context.Context, contestIDs []uint) (int64, error)
	SetRatingHistory(ctx context.Context, id uint, history []int) error
}

type userRepository struct {
	db *gorm.DB
}

// NewUserRepository constructs a user repository.
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) Create(ctx context.Context, user *models.User) error {
	return r.db.WithContext(ctx).Create(user).Error
}

func (r *userRepository) GetByID(ctx context.Context, id uint) (models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (r *userRepository) GetByUsername(ctx context.Context, username string) (models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (r *userRepository) ListAll(ctx context.Context) ([]models.User, error) {
	var users []models.User
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

// ApplyTotals adds the deltas atomically, flooring each total at zero.
func (r *userRepository) ApplyTotals(ctx context.Context, id uint, attempts, accepted, score int64) error {
	updates := counterUpdates(map[string]int64{
		"total_attempts": attempts,
		"total_accepted": accepted,
		"total_score":    score,
	})
	if len(updates) == 0 {
		return nil
	}

	result := r.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *userRepository) SetTotals(ctx context.Context, id uint, attempts, accepted, score int64) error {
	return r.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Updates(map[string]interface{}{
		"total_attempts": attempts,
		"total_accepted": accepted,
		"total_score":    score,
	}).Error
}

func (r *userRepository) SetActiveContest(ctx context.Context, id uint, contestID *uint) error {
	result := r.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Update("active_contest_id", contestID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *userRepository) ClearActiveContests(ctx context.Context, contestIDs []uint) (int64, error) {
	if len(contestIDs) == 0 {
		return 0, nil
	}

	result := r.db.WithContext(ctx).Model(&models.User{}).
		Where("active_contest_id IN ?", contestIDs).
		Update("active_contest_id", nil)
	return result.RowsAffected, result.Error
}

func (r *userRepository) SetRatingHistory(ctx context.Context, id uint, history []int) error {
	return r.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).
		Update("rating_history", datatypes.JSONSlice[int](history)).Error
}
