package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"docshare_backend/internal/config"
	"docshare_backend/internal/model"
	"docshare_backend/internal/repository"
	"docshare_backend/internal/util"
	"docshare_backend/pkg/logger"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	maxTitleLen       = 100
	maxDescriptionLen = 500
	maxCourseIDLen    = 50
	maxSyncErrorLen   = 500

	defaultURLExpiry = 15 * time.Minute
	maxURLExpiry     = 7 * 24 * time.Hour

	downloadURLKeyPrefix = "download_url:"
)

// FileUpload is the engine's view of an incoming file. The reader must be
// seekable so hashing does not consume the upload.
type FileUpload struct {
	Reader      io.ReadSeeker
	Filename    string
	Size        int64
	ContentType string
}

type CreateResourceInput struct {
	Title       string
	Description string
	CourseID    string
	UploaderID  uint
	IsAdmin     bool
}

// UpdateResourceInput distinguishes "field omitted" (nil) from "field set to
// empty" — an explicitly empty title is rejected.
type UpdateResourceInput struct {
	Title       *string
	Description *string
	CourseID    *string
}

type ListOptions struct {
	Limit          int
	Offset         int
	IncludePending bool
	CourseID       string
}

// SyncReport is the outcome of one storage consistency check.
type SyncReport struct {
	ResourceID  uint                `json:"resourceId"`
	StoragePath string              `json:"storagePath"`
	Status      model.StorageStatus `json:"status"`
	Message     string              `json:"message,omitempty"`
	CheckedAt   time.Time           `json:"checkedAt"`
}

// ResourceService orchestrates the resource lifecycle and keeps the database
// row and the storage blob reconciled through the two-phase write ordering:
// row before blob on create, new blob before old-blob delete on update, blob
// attempt before row delete on delete.
type ResourceService struct {
	Resources *repository.ResourceRepository
	Ratings   *repository.RatingRepository
	Storage   *StorageService
	Redis     *redis.Client
	Cfg       *config.Config
}

func NewResourceService(resources *repository.ResourceRepository, ratings *repository.RatingRepository, storage *StorageService, rdb *redis.Client, cfg *config.Config) *ResourceService {
	return &ResourceService{
		Resources: resources,
		Ratings:   ratings,
		Storage:   storage,
		Redis:     rdb,
		Cfg:       cfg,
	}
}

func (s *ResourceService) load(id uint) (*model.Resource, error) {
	res, err := s.Resources.FindByID(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.NotFoundf("resource %d not found", id)
		}
		return nil, err
	}
	return res, nil
}

func validateTitle(title string) (string, error) {
	t := strings.TrimSpace(title)
	if t == "" {
		return "", util.Validationf("title is required")
	}
	if utf8.RuneCountInString(t) > maxTitleLen {
		return "", util.Validationf("title exceeds %d characters", maxTitleLen)
	}
	return t, nil
}

func validateFile(file *FileUpload) error {
	if file == nil || file.Reader == nil {
		return util.Validationf("file is required")
	}
	if !util.ValidateFileType(file.ContentType) {
		return util.Validationf("file type %q is not allowed, only pdf/doc/docx", file.ContentType)
	}
	if !util.ValidateFileSize(file.Size) {
		return util.Validationf("file size %d exceeds the %d byte limit", file.Size, util.MaxFileSize)
	}

	// 深度校验：声明类型必须与文件内容一致，防止伪装扩展名/Content-Type
	sniffed, err := util.SniffContentType(file.Reader)
	if err != nil {
		return err
	}
	if !util.MatchesDeclaredType(file.ContentType, sniffed) {
		return util.Validationf("file content (%s) does not match declared type %q", sniffed, file.ContentType)
	}
	return nil
}

// Create inserts the database row first: the row's id is needed to tag the
// blob's metadata, and a row without a blob is recoverable whereas a blob
// without a row is an orphan. An upload failure leaves the row behind in a
// retryable error state rather than rolling it back.
func (s *ResourceService) Create(ctx context.Context, input CreateResourceInput, file *FileUpload) (*model.Resource, error) {
	title, err := validateTitle(input.Title)
	if err != nil {
		return nil, err
	}
	if utf8.RuneCountInString(input.Description) > maxDescriptionLen {
		return nil, util.Validationf("description exceeds %d characters", maxDescriptionLen)
	}
	if utf8.RuneCountInString(input.CourseID) > maxCourseIDLen {
		return nil, util.Validationf("course id exceeds %d characters", maxCourseIDLen)
	}
	if err := validateFile(file); err != nil {
		return nil, err
	}

	hash, err := util.CalculateFileHash(file.Reader)
	if err != nil {
		return nil, err
	}

	pathType := util.PathTypeDocument
	if input.CourseID != "" {
		pathType = util.PathTypeCourseDocument
	}
	safeName := util.GenerateSafeFilename(file.Filename)
	storagePath, err := util.GenerateStoragePath(safeName, pathType, input.CourseID)
	if err != nil {
		return nil, err
	}

	status := model.StatusPending
	if input.IsAdmin {
		status = model.StatusApproved
	}

	res := &model.Resource{
		Title:            title,
		Description:      input.Description,
		CourseID:         input.CourseID,
		OriginalFilename: file.Filename,
		FileType:         strings.TrimPrefix(strings.ToLower(filepath.Ext(file.Filename)), "."),
		FileSize:         file.Size,
		MimeType:         file.ContentType,
		FileHash:         hash,
		StoragePath:      storagePath,
		Status:           status,
		StorageStatus:    model.StoragePending,
		RetryCount:       0,
		CreatedBy:        input.UploaderID,
		UpdatedBy:        input.UploaderID,
		IsActive:         model.ActiveForStatus(status),
	}

	if err := s.Resources.Create(res); err != nil {
		return nil, err
	}

	if err := s.uploadBlob(ctx, res, file, hash); err != nil {
		return nil, err
	}
	return res, nil
}

// uploadBlob pushes the file to the resource's storage path and settles the
// sync bookkeeping on both the row and the in-memory struct.
func (s *ResourceService) uploadBlob(ctx context.Context, res *model.Resource, file *FileUpload, hash string) error {
	metadata := map[string]string{
		"resource-id": fmt.Sprintf("%d", res.ID),
		"uploaded-by": fmt.Sprintf("%d", res.UpdatedBy),
		"course-id":   res.CourseID,
		"sha256":      hash,
		"uploaded-at": time.Now().UTC().Format(time.RFC3339),
	}

	if _, err := file.Reader.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := s.Storage.Upload(ctx, res.StoragePath, file.Reader, file.Size, file.ContentType, metadata); err != nil {
		s.recordStorageFailure(res, "upload", err)
		return util.Storagef(err, "upload failed for resource %d", res.ID)
	}

	now := time.Now()
	if err := s.Resources.MarkSynced(res.ID, now); err != nil {
		logger.Log.Error("failed to mark resource synced",
			zap.Uint("resource_id", res.ID), zap.Error(err))
		return err
	}
	res.StorageStatus = model.StorageSynced
	res.LastSyncAt = &now
	res.SyncError = ""
	res.RetryCount = 0
	return nil
}

// recordStorageFailure writes the error state onto the row before the caller
// re-raises it; the failure is never swallowed silently.
func (s *ResourceService) recordStorageFailure(res *model.Resource, op string, cause error) {
	msg := util.Truncate(cause.Error(), maxSyncErrorLen)
	if err := s.Resources.MarkStorageError(res.ID, msg); err != nil {
		logger.Log.Error("failed to record storage error",
			zap.Uint("resource_id", res.ID), zap.String("operation", op), zap.Error(err))
	}
	res.StorageStatus = model.StorageError
	res.SyncError = msg
	res.RetryCount++

	logger.Log.Error("storage operation failed",
		zap.Uint("resource_id", res.ID),
		zap.String("operation", op),
		zap.String("storage_path", res.StoragePath),
		zap.Int("retry_count", res.RetryCount),
		zap.Error(cause))
}

// Update patches metadata and optionally replaces the file. When the storage
// path changes, the old blob is deleted only after the new one is confirmed
// uploaded, so there is never a window with zero valid blobs.
func (s *ResourceService) Update(ctx context.Context, id uint, patch UpdateResourceInput, file *FileUpload, updatedBy uint) (*model.Resource, error) {
	res, err := s.load(id)
	if err != nil {
		return nil, err
	}

	if patch.Title != nil {
		title, err := validateTitle(*patch.Title)
		if err != nil {
			return nil, err
		}
		res.Title = title
	}
	if patch.Description != nil {
		if utf8.RuneCountInString(*patch.Description) > maxDescriptionLen {
			return nil, util.Validationf("description exceeds %d characters", maxDescriptionLen)
		}
		res.Description = *patch.Description
	}
	if patch.CourseID != nil {
		if utf8.RuneCountInString(*patch.CourseID) > maxCourseIDLen {
			return nil, util.Validationf("course id exceeds %d characters", maxCourseIDLen)
		}
		res.CourseID = *patch.CourseID
	}
	res.UpdatedBy = updatedBy

	oldPath := res.StoragePath
	var hash string

	if file != nil {
		if err := validateFile(file); err != nil {
			return nil, err
		}
		hash, err = util.CalculateFileHash(file.Reader)
		if err != nil {
			return nil, err
		}

		pathType := util.PathTypeDocument
		if res.CourseID != "" {
			pathType = util.PathTypeCourseDocument
		}
		safeName := util.GenerateSafeFilename(file.Filename)
		newPath, err := util.GenerateStoragePath(safeName, pathType, res.CourseID)
		if err != nil {
			return nil, err
		}

		res.OriginalFilename = file.Filename
		res.FileType = strings.TrimPrefix(strings.ToLower(filepath.Ext(file.Filename)), ".")
		res.FileSize = file.Size
		res.MimeType = file.ContentType
		res.FileHash = hash
		res.StoragePath = newPath
		res.StorageStatus = model.StoragePending
	}

	if err := s.Resources.Save(res); err != nil {
		return nil, err
	}

	if file != nil {
		if err := s.uploadBlob(ctx, res, file, hash); err != nil {
			return nil, err
		}

		if oldPath != "" && oldPath != res.StoragePath {
			// advisory cleanup: the new blob is already live, a leaked old
			// blob is not worth failing the update over
			if err := s.Storage.Delete(ctx, oldPath); err != nil {
				logger.Log.Warn("failed to delete replaced blob",
					zap.Uint("resource_id", res.ID),
					zap.String("storage_path", oldPath),
					zap.Error(err))
			}
		}
	}

	s.invalidateURLCache(ctx, id)
	return res, nil
}

// Review writes the moderation outcome in a single UPDATE and derives
// is_active from the target status. No storage interaction.
func (s *ResourceService) Review(ctx context.Context, id uint, status model.ResourceStatus, comment string, reviewedBy uint) (*model.Resource, error) {
	res, err := s.load(id)
	if err != nil {
		return nil, err
	}

	if !model.IsReviewable(status) {
		return nil, util.Validationf("invalid review status %q", status)
	}
	if !model.CanTransition(res.Status, status) {
		return nil, util.Validationf("cannot transition resource from %s to %s", res.Status, status)
	}
	if utf8.RuneCountInString(comment) > maxDescriptionLen {
		return nil, util.Validationf("review comment exceeds %d characters", maxDescriptionLen)
	}

	now := time.Now()
	active := model.ActiveForStatus(status)
	err = s.Resources.Updates(id, map[string]interface{}{
		"status":         status,
		"review_comment": comment,
		"reviewed_at":    now,
		"reviewed_by":    reviewedBy,
		"is_active":      active,
		"updated_by":     reviewedBy,
		"updated_at":     now,
	})
	if err != nil {
		return nil, err
	}

	res.Status = status
	res.ReviewComment = comment
	res.ReviewedAt = &now
	res.ReviewedBy = reviewedBy
	res.IsActive = active
	res.UpdatedBy = reviewedBy
	res.UpdatedAt = now
	return res, nil
}

func (s *ResourceService) Deactivate(ctx context.Context, id uint, adminID uint) (*model.Resource, error) {
	return s.Review(ctx, id, model.StatusInactive, "", adminID)
}

func (s *ResourceService) Reactivate(ctx context.Context, id uint, adminID uint) (*model.Resource, error) {
	return s.Review(ctx, id, model.StatusApproved, "", adminID)
}

// Delete attempts the blob first (an already-absent blob counts as success),
// then removes the row. The row is authoritative for existence: zero rows
// affected is NotFound even when the blob step succeeded.
func (s *ResourceService) Delete(ctx context.Context, id uint) error {
	res, err := s.load(id)
	if err != nil {
		return err
	}

	if err := s.Resources.SetStorageStatus(id, model.StorageDeleting); err != nil {
		logger.Log.Warn("failed to flag resource as deleting",
			zap.Uint("resource_id", id), zap.Error(err))
	}

	if res.StoragePath != "" {
		if err := s.Storage.Delete(ctx, res.StoragePath); err != nil {
			s.recordStorageFailure(res, "delete", err)
			return util.Storagef(err, "failed to delete object for resource %d", id)
		}
	}

	rows, err := s.Resources.Delete(id)
	if err != nil {
		return err
	}
	if rows == 0 {
		return util.NotFoundf("resource %d not found", id)
	}

	if err := s.Ratings.DeleteByResource(id); err != nil {
		logger.Log.Warn("failed to remove ratings of deleted resource",
			zap.Uint("resource_id", id), zap.Error(err))
	}

	s.invalidateURLCache(ctx, id)
	return nil
}

// Get hides non-approved resources unless the caller is privileged to see
// them; ownership checks stay in the caller layer using CreatedBy.
func (s *ResourceService) Get(ctx context.Context, id uint, includePending bool) (*model.Resource, error) {
	res, err := s.load(id)
	if err != nil {
		return nil, err
	}
	if !includePending && res.Status != model.StatusApproved {
		return nil, util.NotFoundf("resource %d not found", id)
	}
	return res, nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// List degrades to an empty result on backend failure: listings are advisory
// reads where availability matters more than strict correctness.
func (s *ResourceService) List(ctx context.Context, opts ListOptions) ([]model.Resource, int64, error) {
	limit, offset := clampPage(opts.Limit, opts.Offset)
	resources, total, err := s.Resources.List(!opts.IncludePending, opts.CourseID, limit, offset)
	if err != nil {
		logger.Log.Error("resource listing failed", zap.Error(err))
		return []model.Resource{}, 0, nil
	}
	return resources, total, nil
}

func (s *ResourceService) GetUserUploads(ctx context.Context, userID uint, limit, offset int) ([]model.Resource, int64, error) {
	limit, offset = clampPage(limit, offset)
	resources, total, err := s.Resources.ListByUploader(userID, limit, offset)
	if err != nil {
		logger.Log.Error("uploader listing failed",
			zap.Uint("user_id", userID), zap.Error(err))
		return []model.Resource{}, 0, nil
	}
	return resources, total, nil
}

func (s *ResourceService) GetUserUploadStats(ctx context.Context, userID uint) []repository.StatusCount {
	counts, err := s.Resources.CountByUploaderStatus(userID)
	if err != nil {
		logger.Log.Error("uploader stats failed",
			zap.Uint("user_id", userID), zap.Error(err))
		return []repository.StatusCount{}
	}
	return counts
}

func (s *ResourceService) ListPendingReview(ctx context.Context, limit, offset int) ([]model.Resource, int64, error) {
	limit, offset = clampPage(limit, offset)
	resources, total, err := s.Resources.ListPendingReview(limit, offset)
	if err != nil {
		logger.Log.Error("review queue listing failed", zap.Error(err))
		return []model.Resource{}, 0, nil
	}
	return resources, total, nil
}

// GetDownloadURL issues a time-limited signed URL for direct download; the
// file bytes never stream through this service. URLs issued with the default
// expiry are cached briefly in Redis; cache failures fall through to a fresh
// presign.
func (s *ResourceService) GetDownloadURL(ctx context.Context, id uint, expiry time.Duration) (string, error) {
	res, err := s.load(id)
	if err != nil {
		return "", err
	}

	if expiry <= 0 {
		expiry = defaultURLExpiry
	}
	if expiry > maxURLExpiry {
		expiry = maxURLExpiry
	}

	cacheable := expiry == defaultURLExpiry && s.Redis != nil
	cacheKey := fmt.Sprintf("%s%d", downloadURLKeyPrefix, id)

	if cacheable {
		if v, err := s.Redis.Get(ctx, cacheKey).Result(); err == nil && v != "" {
			return v, nil
		}
	}

	u, err := s.Storage.PresignedURL(ctx, res.StoragePath, expiry)
	if err != nil {
		return "", util.Storagef(err, "failed to sign download url for resource %d", id)
	}

	if cacheable {
		if ttl := expiry - 30*time.Second; ttl > 0 {
			if err := s.Redis.Set(ctx, cacheKey, u, ttl).Err(); err != nil {
				logger.Log.Warn("download url cache write failed",
					zap.Uint("resource_id", id), zap.Error(err))
			}
		}
	}
	return u, nil
}

func (s *ResourceService) invalidateURLCache(ctx context.Context, id uint) {
	if s.Redis == nil {
		return
	}
	cacheKey := fmt.Sprintf("%s%d", downloadURLKeyPrefix, id)
	if err := s.Redis.Del(ctx, cacheKey).Err(); err != nil {
		logger.Log.Warn("download url cache invalidation failed",
			zap.Uint("resource_id", id), zap.Error(err))
	}
}

// VerifySync checks whether the recorded blob actually exists and repairs the
// storage status either way. A failure to reach storage is reported on the
// row, not raised: this is a diagnostic primitive.
func (s *ResourceService) VerifySync(ctx context.Context, id uint) (*SyncReport, error) {
	res, err := s.load(id)
	if err != nil {
		return nil, err
	}

	report := &SyncReport{
		ResourceID:  id,
		StoragePath: res.StoragePath,
		CheckedAt:   time.Now(),
	}

	exists, err := s.Storage.Exists(ctx, res.StoragePath)
	if err != nil {
		s.recordStorageFailure(res, "verify", err)
		report.Status = model.StorageError
		report.Message = util.Truncate(err.Error(), maxSyncErrorLen)
		return report, nil
	}
	if !exists {
		missing := errors.New("object missing from storage")
		s.recordStorageFailure(res, "verify", missing)
		report.Status = model.StorageError
		report.Message = missing.Error()
		return report, nil
	}

	if err := s.Resources.MarkSynced(id, report.CheckedAt); err != nil {
		return nil, err
	}
	report.Status = model.StorageSynced
	return report, nil
}

// SweepUnsynced re-checks a bounded batch of rows stuck in pending or error.
// The caller runs it from a single ticker goroutine, so sweeps never overlap.
func (s *ResourceService) SweepUnsynced(ctx context.Context) (int, error) {
	batch := 50
	if s.Cfg != nil && s.Cfg.Sync.SweepBatchSize > 0 {
		batch = s.Cfg.Sync.SweepBatchSize
	}

	resources, err := s.Resources.FindUnsynced(batch)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for i := range resources {
		report, err := s.VerifySync(ctx, resources[i].ID)
		if err != nil {
			continue
		}
		if report.Status == model.StorageSynced {
			repaired++
		}
	}

	if len(resources) > 0 {
		logger.Log.Info("storage sync sweep finished",
			zap.Int("checked", len(resources)),
			zap.Int("repaired", repaired))
	}
	return repaired, nil
}
