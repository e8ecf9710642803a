package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-judge-api/internal/models"
)

// ContestRepository persists contests, their problem columns and standings rows.
type ContestRepository interface {
	Create(ctx context.Context, contest *models.Contest) error
	GetByID(ctx context.Context, id uint) (models.Contest, error)
	GetBySlug(ctx context.Context, slug string) (models.Contest, error)
	SlugExists(ctx context.Context, slug string) (bool, error)
	AddProblems(ctx context.Context, contestID uint, problemIDs []uint) (models.Contest, error)
	ListAll(ctx context.Context) ([]models.Contest, error)
	ListEndedIDs(ctx context.Context, now time.Time) ([]uint, error)
	GetStanding(ctx context.Context, contestID, userID uint) (models.StandingRow, error)
	EnsureStanding(ctx context.Context, row *models.StandingRow) (models.StandingRow, error)
	SaveStanding(ctx context.Context, row *models.StandingRow) error
	ListStandings(ctx context.Context, contestID uint) ([]models.StandingRow, error)
	ListStandingsByUser(ctx context.Context, userID uint) ([]models.StandingRow, error)
	CountStandingsByUser(ctx context.Context, userID uint) (int64, error)
	SetWindow(ctx context.Context, contestID uint, start, end time.Time) error
	RemoveProblem(ctx context.Context, contestID, problemID uint) error
	ListRatingPendingIDs(ctx context.Context, now time.Time) ([]uint, error)
	ClaimRating(ctx context.Context, contestID uint) (bool, error)
}

type contestRepository struct {
	db *gorm.DB
}

// NewContestRepository constructs a contest repository.
func NewContestRepository(db *gorm.DB) ContestRepository {
	return &contestRepository{db: db}
}

func (r *contestRepository) withProblems(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Preload("Problems", func(tx *gorm.DB) *gorm.DB {
		return tx.Order("position ASC")
	})
}

func (r *contestRepository) Create(ctx context.Context, contest *models.Contest) error {
	return r.db.WithContext(ctx).Create(contest).Error
}

func (r *contestRepository) GetByID(ctx context.Context, id uint) (models.Contest, error) {
	var contest models.Contest
	if err := r.withProblems(ctx).First(&contest, id).Error; err != nil {
		return models.Contest{}, err
	}
	return contest, nil
}

func (r *contestRepository) GetBySlug(ctx context.Context, slug string) (models.Contest, error) {
	var contest models.Contest
	if err := r.withProblems(ctx).Where("slug = ?", slug).First(&contest).Error; err != nil {
		return models.Contest{}, err
	}
	return contest, nil
}

func (r *contestRepository) SlugExists(ctx context.Context, slug string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Contest{}).Where("slug = ?", slug).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// AddProblems appends new columns after the existing ones. Problems already in the contest are skipped.
func (r *contestRepository) AddProblems(ctx context.Context, contestID uint, problemIDs []uint) (models.Contest, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var contest models.Contest
		if err := tx.First(&contest, contestID).Error; err != nil {
			return err
		}

		var existing []models.ContestProblem
		if err := tx.Where("contest_id = ?", contestID).Order("position ASC").Find(&existing).Error; err != nil {
			return err
		}

		seen := make(map[uint]struct{}, len(existing))
		next := 0
		for _, p := range existing {
			seen[p.ProblemID] = struct{}{}
			if p.Position >= next {
				next = p.Position + 1
			}
		}

		var additions []models.ContestProblem
		for _, id := range problemIDs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			additions = append(additions, models.ContestProblem{ContestID: contestID, ProblemID: id, Position: next})
			next++
		}
		if len(additions) == 0 {
			return nil
		}

		return tx.Create(&additions).Error
	})
	if err != nil {
		return models.Contest{}, err
	}

	return r.GetByID(ctx, contestID)
}

func (r *contestRepository) ListAll(ctx context.Context) ([]models.Contest, error) {
	var contests []models.Contest
	if err := r.withProblems(ctx).Order("id ASC").Find(&contests).Error; err != nil {
		return nil, err
	}
	return contests, nil
}

func (r *contestRepository) ListEndedIDs(ctx context.Context, now time.Time) ([]uint, error) {
	var ids []uint
	if err := r.db.WithContext(ctx).Model(&models.Contest{}).Where("end_time < ?", now).Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *contestRepository) GetStanding(ctx context.Context, contestID, userID uint) (models.StandingRow, error) {
	var row models.StandingRow
	if err := r.db.WithContext(ctx).
		Where("contest_id = ? AND user_id = ?", contestID, userID).
		First(&row).Error; err != nil {
		return models.StandingRow{}, err
	}
	return row, nil
}

// EnsureStanding inserts the row unless one exists for the same contest and user, then returns the stored row.
func (r *contestRepository) EnsureStanding(ctx context.Context, row *models.StandingRow) (models.StandingRow, error) {
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "contest_id"}, {Name: "user_id"}},
			DoNothing: true,
		}).
		Create(row).Error; err != nil {
		return models.StandingRow{}, err
	}
	return r.GetStanding(ctx, row.ContestID, row.UserID)
}

func (r *contestRepository) SaveStanding(ctx context.Context, row *models.StandingRow) error {
	return r.db.WithContext(ctx).Save(row).Error
}

func (r *contestRepository) ListStandings(ctx context.Context, contestID uint) ([]models.StandingRow, error) {
	var rows []models.StandingRow
	if err := r.db.WithContext(ctx).Where("contest_id = ?", contestID).Order("user_id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *contestRepository) ListStandingsByUser(ctx context.Context, userID uint) ([]models.StandingRow, error) {
	var rows []models.StandingRow
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("contest_id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *contestRepository) CountStandingsByUser(ctx context.Context, userID uint) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.StandingRow{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *contestRepository) SetWindow(ctx context.Context, contestID uint, start, end time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.Contest{}).Where("id = ?", contestID).Updates(map[string]interface{}{
		"start_time": start,
		"end_time":   end,
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// RemoveProblem drops the problem's column. Later columns keep their order.
func (r *contestRepository) RemoveProblem(ctx context.Context, contestID, problemID uint) error {
	result := r.db.WithContext(ctx).Where("contest_id = ? AND problem_id = ?", contestID, problemID).Delete(&models.ContestProblem{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ListRatingPendingIDs lists rated contests that ended before now and were not rated yet.
func (r *contestRepository) ListRatingPendingIDs(ctx context.Context, now time.Time) ([]uint, error) {
	var ids []uint
	if err := r.db.WithContext(ctx).Model(&models.Contest{}).
		Where("is_rated = ? AND is_rating_updated = ? AND end_time < ?", true, false, now).
		Order("end_time ASC, id ASC").
		Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// ClaimRating marks the contest as rated. It reports false when the contest
// is unrated or another pass already claimed it.
func (r *contestRepository) ClaimRating(ctx context.Context, contestID uint) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.Contest{}).
		Where("id = ? AND is_rated = ? AND is_rating_updated = ?", contestID, true, false).
		Update("is_rating_updated", true)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
