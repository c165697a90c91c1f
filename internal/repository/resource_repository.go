package repository

import (
	"docshare_backend/internal/model"
	"time"

	"gorm.io/gorm"
)

type ResourceRepository struct {
	DB *gorm.DB
}

func NewResourceRepository(db *gorm.DB) *ResourceRepository {
	return &ResourceRepository{DB: db}
}

func (r *ResourceRepository) Create(resource *model.Resource) error {
	return r.DB.Create(resource).Error
}

func (r *ResourceRepository) FindByID(id uint) (*model.Resource, error) {
	var resource model.Resource
	err := r.DB.First(&resource, id).Error
	if err != nil {
		return nil, err
	}
	return &resource, nil
}

func (r *ResourceRepository) Save(resource *model.Resource) error {
	return r.DB.Save(resource).Error
}

// Updates applies the given columns in a single UPDATE.
func (r *ResourceRepository) Updates(id uint, fields map[string]interface{}) error {
	return r.DB.Model(&model.Resource{}).Where("id = ?", id).Updates(fields).Error
}

// Delete removes the row permanently and reports how many rows were hit, so
// the caller can distinguish a vanished resource from a successful delete.
func (r *ResourceRepository) Delete(id uint) (int64, error) {
	res := r.DB.Unscoped().Where("id = ?", id).Delete(&model.Resource{})
	return res.RowsAffected, res.Error
}

// listing variants — the privilege split (approved-only vs all) is decided
// once by the service, never re-derived per call site.

func (r *ResourceRepository) listQuery(approvedOnly bool, courseID string) *gorm.DB {
	q := r.DB.Model(&model.Resource{})
	if approvedOnly {
		q = q.Where("status = ?", model.StatusApproved)
	}
	if courseID != "" {
		q = q.Where("course_id = ?", courseID)
	}
	return q
}

func (r *ResourceRepository) List(approvedOnly bool, courseID string, limit, offset int) ([]model.Resource, int64, error) {
	var (
		resources []model.Resource
		total     int64
	)

	if err := r.listQuery(approvedOnly, courseID).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := r.listQuery(approvedOnly, courseID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&resources).Error
	if err != nil {
		return nil, 0, err
	}
	return resources, total, nil
}

func (r *ResourceRepository) ListByUploader(userID uint, limit, offset int) ([]model.Resource, int64, error) {
	var (
		resources []model.Resource
		total     int64
	)

	base := r.DB.Model(&model.Resource{}).Where("created_by = ?", userID)
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := r.DB.Where("created_by = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&resources).Error
	if err != nil {
		return nil, 0, err
	}
	return resources, total, nil
}

// ListPendingReview feeds the admin review queue, oldest first.
func (r *ResourceRepository) ListPendingReview(limit, offset int) ([]model.Resource, int64, error) {
	var (
		resources []model.Resource
		total     int64
	)

	base := r.DB.Model(&model.Resource{}).Where("status = ?", model.StatusPending)
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := r.DB.Where("status = ?", model.StatusPending).
		Order("created_at ASC").
		Limit(limit).
		Offset(offset).
		Find(&resources).Error
	if err != nil {
		return nil, 0, err
	}
	return resources, total, nil
}

type StatusCount struct {
	Status model.ResourceStatus `json:"status"`
	Count  int64                `json:"count"`
}

// CountByUploaderStatus returns the per-status breakdown of one uploader's
// resources.
func (r *ResourceRepository) CountByUploaderStatus(userID uint) ([]StatusCount, error) {
	var counts []StatusCount
	err := r.DB.Model(&model.Resource{}).
		Select("status, COUNT(*) as count").
		Where("created_by = ?", userID).
		Group("status").
		Scan(&counts).Error
	return counts, err
}

// FindUnsynced returns resources whose storage status is still pending or
// errored, for the background reconciliation sweep.
func (r *ResourceRepository) FindUnsynced(limit int) ([]model.Resource, error) {
	var resources []model.Resource
	err := r.DB.Where("storage_status IN ?", []model.StorageStatus{model.StoragePending, model.StorageError}).
		Order("updated_at ASC").
		Limit(limit).
		Find(&resources).Error
	return resources, err
}

// MarkSynced records a confirmed blob and clears the failure bookkeeping.
// retry_count only ever resets here, on a successful sync.
func (r *ResourceRepository) MarkSynced(id uint, at time.Time) error {
	return r.Updates(id, map[string]interface{}{
		"storage_status": model.StorageSynced,
		"last_sync_at":   at,
		"sync_error":     "",
		"retry_count":    0,
	})
}

// MarkStorageError records a failed storage operation: status flips to error,
// the truncated message is kept and retry_count increments monotonically.
func (r *ResourceRepository) MarkStorageError(id uint, message string) error {
	return r.Updates(id, map[string]interface{}{
		"storage_status": model.StorageError,
		"sync_error":     message,
		"retry_count":    gorm.Expr("retry_count + 1"),
	})
}

func (r *ResourceRepository) SetStorageStatus(id uint, status model.StorageStatus) error {
	return r.Updates(id, map[string]interface{}{"storage_status": status})
}

// UpdateRatingAggregate persists the derived aggregate; it is never written
// from anywhere else.
func (r *ResourceRepository) UpdateRatingAggregate(id uint, average float64, count int64) error {
	return r.Updates(id, map[string]interface{}{
		"average_rating": average,
		"rating_count":   count,
	})
}
