package repository

import (
	"docshare_backend/internal/model"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type RatingRepository struct {
	DB *gorm.DB
}

func NewRatingRepository(db *gorm.DB) *RatingRepository {
	return &RatingRepository{DB: db}
}

// Upsert inserts the rating or, when a row for (resource_id, user_id) already
// exists, updates it in place. Two concurrent first-ratings racing past the
// existence check both land here and the unique index converts the loser's
// insert into an update.
func (r *RatingRepository) Upsert(rating *model.Rating) error {
	return r.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "resource_id"}, {Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"rating":     rating.Rating,
			"updated_at": time.Now(),
		}),
	}).Create(rating).Error
}

func (r *RatingRepository) FindByResourceAndUser(resourceID, userID uint) (*model.Rating, error) {
	var rating model.Rating
	err := r.DB.Where("resource_id = ? AND user_id = ?", resourceID, userID).First(&rating).Error
	if err != nil {
		return nil, err
	}
	return &rating, nil
}

// Aggregate recomputes average and count from the full set of rating rows.
func (r *RatingRepository) Aggregate(resourceID uint) (float64, int64, error) {
	var result struct {
		Average float64
		Count   int64
	}
	err := r.DB.Model(&model.Rating{}).
		Select("COALESCE(AVG(rating), 0) as average, COUNT(*) as count").
		Where("resource_id = ?", resourceID).
		Scan(&result).Error
	if err != nil {
		return 0, 0, err
	}
	return result.Average, result.Count, nil
}

// DeleteByResource removes all ratings for a resource, used when the resource
// row itself is deleted.
func (r *RatingRepository) DeleteByResource(resourceID uint) error {
	return r.DB.Unscoped().Where("resource_id = ?", resourceID).Delete(&model.Rating{}).Error
}
