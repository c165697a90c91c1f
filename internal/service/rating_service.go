package service

import (
	"context"
	"errors"
	"math"

	"docshare_backend/internal/model"
	"docshare_backend/internal/repository"
	"docshare_backend/internal/util"
	"docshare_backend/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RatingSummary is always the post-write state: the caller's own rating plus
// the freshly recomputed aggregate, never a cached value.
type RatingSummary struct {
	UserRating    float64 `json:"userRating"`
	AverageRating float64 `json:"averageRating"`
	RatingCount   int64   `json:"ratingCount"`
}

// RatingService is the sole writer of rating rows and of the aggregate
// fields on resources.
type RatingService struct {
	Ratings   *repository.RatingRepository
	Resources *repository.ResourceRepository
}

func NewRatingService(ratings *repository.RatingRepository, resources *repository.ResourceRepository) *RatingService {
	return &RatingService{Ratings: ratings, Resources: resources}
}

func roundToOneDecimal(v float64) float64 {
	return math.Round(v*10) / 10
}

// Rate upserts the caller's rating and recomputes the aggregate from the full
// set of rating rows. Only approved resources are ratable.
func (s *RatingService) Rate(ctx context.Context, resourceID, userID uint, value float64) (*RatingSummary, error) {
	if value < 1.0 || value > 5.0 {
		return nil, util.Validationf("rating must be between 1.0 and 5.0")
	}

	res, err := s.Resources.FindByID(resourceID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.NotFoundf("resource %d not found", resourceID)
		}
		return nil, err
	}
	if res.Status != model.StatusApproved {
		return nil, util.Validationf("only approved resources can be rated")
	}

	rating := &model.Rating{
		ResourceID: resourceID,
		UserID:     userID,
		Rating:     value,
	}
	if err := s.Ratings.Upsert(rating); err != nil {
		return nil, err
	}

	average, count, err := s.Ratings.Aggregate(resourceID)
	if err != nil {
		return nil, err
	}
	average = roundToOneDecimal(average)

	if err := s.Resources.UpdateRatingAggregate(resourceID, average, count); err != nil {
		return nil, err
	}

	return &RatingSummary{
		UserRating:    value,
		AverageRating: average,
		RatingCount:   count,
	}, nil
}

// GetUserRating is a read-only convenience: lookup failures degrade to an
// all-zero summary instead of propagating.
func (s *RatingService) GetUserRating(ctx context.Context, resourceID, userID uint) *RatingSummary {
	summary := &RatingSummary{}

	res, err := s.Resources.FindByID(resourceID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			logger.Log.Warn("rating lookup failed",
				zap.Uint("resource_id", resourceID), zap.Error(err))
		}
		return summary
	}
	summary.AverageRating = res.AverageRating
	summary.RatingCount = res.RatingCount

	rating, err := s.Ratings.FindByResourceAndUser(resourceID, userID)
	if err == nil {
		summary.UserRating = rating.Rating
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		logger.Log.Warn("rating lookup failed",
			zap.Uint("resource_id", resourceID),
			zap.Uint("user_id", userID), zap.Error(err))
	}
	return summary
}
