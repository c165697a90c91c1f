package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"docshare_backend/internal/model"
	"docshare_backend/internal/repository"
	"docshare_backend/internal/util"
	"docshare_backend/pkg/database"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// fakeStorage is an in-memory StorageProvider with switchable failure modes.
type fakeStorage struct {
	mu         sync.Mutex
	objects    map[string][]byte
	metadata   map[string]map[string]string
	failUpload bool
	failDelete bool
	failStat   bool
	deleted    []string
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		objects:  make(map[string][]byte),
		metadata: make(map[string]map[string]string),
	}
}

func (f *fakeStorage) Upload(ctx context.Context, objectPath string, reader io.Reader, size int64, contentType string, metadata map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpload {
		return errors.New("simulated upload failure")
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	f.objects[objectPath] = data
	f.metadata[objectPath] = metadata
	return nil
}

func (f *fakeStorage) Delete(ctx context.Context, objectPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDelete {
		return errors.New("simulated delete failure")
	}
	// missing object counts as deleted, like the real providers
	delete(f.objects, objectPath)
	f.deleted = append(f.deleted, objectPath)
	return nil
}

func (f *fakeStorage) Exists(ctx context.Context, objectPath string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStat {
		return false, errors.New("simulated stat failure")
	}
	_, ok := f.objects[objectPath]
	return ok, nil
}

func (f *fakeStorage) PresignedURL(ctx context.Context, objectPath string, expiry time.Duration) (string, error) {
	return "https://storage.test/" + objectPath + "?sig=test", nil
}

func (f *fakeStorage) has(objectPath string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[objectPath]
	return ok
}

func (f *fakeStorage) put(objectPath string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[objectPath] = data
}

func (f *fakeStorage) drop(objectPath string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, objectPath)
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	// 每个测试独立的内存库，cache=shared 保证连接池内共享同一实例
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return db
}

func newTestService(t *testing.T) (*ResourceService, *fakeStorage, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	fake := newFakeStorage()
	svc := &ResourceService{
		Resources: repository.NewResourceRepository(db),
		Ratings:   repository.NewRatingRepository(db),
		Storage:   &StorageService{Provider: fake},
	}
	return svc, fake, db
}

func pdfUpload(content []byte) *FileUpload {
	return &FileUpload{
		Reader:      bytes.NewReader(content),
		Filename:    "Lecture Notes.pdf",
		Size:        int64(len(content)),
		ContentType: util.MimePDF,
	}
}

func TestCreateResourceSynced(t *testing.T) {
	svc, fake, db := newTestService(t)
	content := []byte("%PDF-1.4 lecture notes")
	sum := sha256.Sum256(content)

	res, err := svc.Create(context.Background(), CreateResourceInput{
		Title:      "Week 1 Notes",
		CourseID:   "CS101",
		UploaderID: 7,
	}, pdfUpload(content))
	require.NoError(t, err)

	assert.Equal(t, model.StatusPending, res.Status)
	assert.True(t, res.IsActive)
	assert.Equal(t, model.StorageSynced, res.StorageStatus)
	assert.Equal(t, hex.EncodeToString(sum[:]), res.FileHash)
	assert.Equal(t, "pdf", res.FileType)
	assert.True(t, strings.HasPrefix(res.StoragePath, "course_document/CS101/"))
	assert.True(t, fake.has(res.StoragePath))
	assert.Equal(t, "7", fake.metadata[res.StoragePath]["uploaded-by"])

	var row model.Resource
	require.NoError(t, db.First(&row, res.ID).Error)
	assert.Equal(t, model.StorageSynced, row.StorageStatus)
	assert.Equal(t, 0, row.RetryCount)
	assert.Empty(t, row.SyncError)
	assert.NotNil(t, row.LastSyncAt)
}

func TestCreateResourceAdminAutoApproved(t *testing.T) {
	svc, _, _ := newTestService(t)

	res, err := svc.Create(context.Background(), CreateResourceInput{
		Title:      "Syllabus",
		UploaderID: 1,
		IsAdmin:    true,
	}, pdfUpload([]byte("%PDF-1.4 syllabus")))
	require.NoError(t, err)

	assert.Equal(t, model.StatusApproved, res.Status)
	assert.True(t, res.IsActive)
	assert.True(t, strings.HasPrefix(res.StoragePath, "document/"))
}

func TestCreateResourceValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		input CreateResourceInput
		file  *FileUpload
	}{
		{"empty title", CreateResourceInput{Title: "  "}, pdfUpload([]byte("x"))},
		{"title too long", CreateResourceInput{Title: strings.Repeat("t", 101)}, pdfUpload([]byte("x"))},
		{"missing file", CreateResourceInput{Title: "ok"}, nil},
		{"bad mime", CreateResourceInput{Title: "ok"}, &FileUpload{
			Reader: bytes.NewReader([]byte("x")), Filename: "a.png", Size: 1, ContentType: "image/png",
		}},
		{"oversize", CreateResourceInput{Title: "ok"}, &FileUpload{
			Reader: bytes.NewReader([]byte("x")), Filename: "a.pdf", Size: util.MaxFileSize + 1, ContentType: util.MimePDF,
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tc.input, tc.file)
			require.Error(t, err)
			assert.True(t, util.IsValidation(err))
		})
	}
}

func TestCreateResourceRejectsDisguisedContent(t *testing.T) {
	svc, fake, db := newTestService(t)

	// PNG bytes declared as pdf must not reach storage
	payload := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 64)...)
	_, err := svc.Create(context.Background(), CreateResourceInput{
		Title:      "disguised",
		UploaderID: 1,
	}, &FileUpload{
		Reader:      bytes.NewReader(payload),
		Filename:    "evil.pdf",
		Size:        int64(len(payload)),
		ContentType: util.MimePDF,
	})
	require.Error(t, err)
	assert.True(t, util.IsValidation(err))

	var count int64
	require.NoError(t, db.Model(&model.Resource{}).Count(&count).Error)
	assert.Zero(t, count)
	assert.Empty(t, fake.objects)
}

func TestCreateResourceAcceptsRealContainers(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	// OOXML is a zip container
	docx := append([]byte("PK\x03\x04"), bytes.Repeat([]byte{0}, 64)...)
	_, err := svc.Create(ctx, CreateResourceInput{Title: "docx", UploaderID: 1}, &FileUpload{
		Reader:      bytes.NewReader(docx),
		Filename:    "notes.docx",
		Size:        int64(len(docx)),
		ContentType: util.MimeDocx,
	})
	require.NoError(t, err)

	// legacy .doc is a CFB file with no sniff signature
	doc := append([]byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}, bytes.Repeat([]byte{0}, 64)...)
	_, err = svc.Create(ctx, CreateResourceInput{Title: "doc", UploaderID: 1}, &FileUpload{
		Reader:      bytes.NewReader(doc),
		Filename:    "notes.doc",
		Size:        int64(len(doc)),
		ContentType: util.MimeDoc,
	})
	require.NoError(t, err)
}

func TestCreateResourceUploadFailureKeepsRow(t *testing.T) {
	svc, fake, db := newTestService(t)
	fake.failUpload = true

	_, err := svc.Create(context.Background(), CreateResourceInput{
		Title:      "Flaky upload",
		UploaderID: 3,
	}, pdfUpload([]byte("%PDF-1.4 content")))
	require.Error(t, err)
	assert.True(t, util.IsStorage(err))

	// the row survives in a retryable error state
	var row model.Resource
	require.NoError(t, db.Where("title = ?", "Flaky upload").First(&row).Error)
	assert.Equal(t, model.StorageError, row.StorageStatus)
	assert.Equal(t, 1, row.RetryCount)
	assert.NotEmpty(t, row.SyncError)
	assert.Nil(t, row.LastSyncAt)
}

func TestUpdateResourceReplacesFile(t *testing.T) {
	svc, fake, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Create(ctx, CreateResourceInput{Title: "v1", CourseID: "CS101", UploaderID: 2}, pdfUpload([]byte("%PDF-1.4 v1")))
	require.NoError(t, err)
	oldPath := res.StoragePath

	newContent := []byte("%PDF-1.4 v2 content")
	newTitle := "v2"
	updated, err := svc.Update(ctx, res.ID, UpdateResourceInput{Title: &newTitle}, &FileUpload{
		Reader:      bytes.NewReader(newContent),
		Filename:    "v2.pdf",
		Size:        int64(len(newContent)),
		ContentType: util.MimePDF,
	}, 2)
	require.NoError(t, err)

	assert.Equal(t, "v2", updated.Title)
	assert.NotEqual(t, oldPath, updated.StoragePath)
	assert.Equal(t, model.StorageSynced, updated.StorageStatus)
	assert.True(t, fake.has(updated.StoragePath))
	assert.False(t, fake.has(oldPath))
	assert.Contains(t, fake.deleted, oldPath)
}

func TestUpdateResourceMetadataOnly(t *testing.T) {
	svc, fake, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Create(ctx, CreateResourceInput{Title: "before", UploaderID: 2}, pdfUpload([]byte("%PDF-1.4")))
	require.NoError(t, err)

	desc := "updated description"
	updated, err := svc.Update(ctx, res.ID, UpdateResourceInput{Description: &desc}, nil, 9)
	require.NoError(t, err)

	assert.Equal(t, "before", updated.Title)
	assert.Equal(t, desc, updated.Description)
	assert.Equal(t, uint(9), updated.UpdatedBy)
	assert.Equal(t, res.StoragePath, updated.StoragePath)
	assert.True(t, fake.has(res.StoragePath))
}

func TestUpdateResourceEmptyTitleRejected(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Create(ctx, CreateResourceInput{Title: "keep", UploaderID: 2}, pdfUpload([]byte("%PDF-1.4")))
	require.NoError(t, err)

	empty := ""
	_, err = svc.Update(ctx, res.ID, UpdateResourceInput{Title: &empty}, nil, 2)
	require.Error(t, err)
	assert.True(t, util.IsValidation(err))
}

func TestUpdateResourceNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Update(context.Background(), 999, UpdateResourceInput{}, nil, 1)
	require.Error(t, err)
	assert.True(t, util.IsNotFound(err))
}

func TestReviewTransitions(t *testing.T) {
	svc, _, db := newTestService(t)
	ctx := context.Background()

	res, err := svc.Create(ctx, CreateResourceInput{Title: "pending doc", UploaderID: 4}, pdfUpload([]byte("%PDF-1.4")))
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, res.Status)

	approved, err := svc.Review(ctx, res.ID, model.StatusApproved, "looks good", 100)
	require.NoError(t, err)
	assert.True(t, approved.IsActive)
	assert.Equal(t, uint(100), approved.ReviewedBy)
	assert.NotNil(t, approved.ReviewedAt)

	rejected, err := svc.Review(ctx, res.ID, model.StatusRejected, "outdated", 100)
	require.NoError(t, err)
	assert.False(t, rejected.IsActive)

	var row model.Resource
	require.NoError(t, db.First(&row, res.ID).Error)
	assert.Equal(t, model.StatusRejected, row.Status)
	assert.False(t, row.IsActive)
	assert.Equal(t, "outdated", row.ReviewComment)

	// rejected resources never return to the review queue
	_, err = svc.Review(ctx, res.ID, model.StatusPending, "", 100)
	require.Error(t, err)
	assert.True(t, util.IsValidation(err))

	// but they may be re-approved
	_, err = svc.Review(ctx, res.ID, model.StatusApproved, "", 100)
	require.NoError(t, err)
}

func TestDeactivateReactivate(t *testing.T) {
	svc, _, db := newTestService(t)
	ctx := context.Background()

	res, err := svc.Create(ctx, CreateResourceInput{Title: "doc", UploaderID: 1, IsAdmin: true}, pdfUpload([]byte("%PDF-1.4")))
	require.NoError(t, err)

	off, err := svc.Deactivate(ctx, res.ID, 50)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInactive, off.Status)
	assert.False(t, off.IsActive)

	on, err := svc.Reactivate(ctx, res.ID, 50)
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, on.Status)
	assert.True(t, on.IsActive)

	var row model.Resource
	require.NoError(t, db.First(&row, res.ID).Error)
	assert.True(t, row.IsActive)
}

func TestDeleteRemovesRowAndBlob(t *testing.T) {
	svc, fake, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Create(ctx, CreateResourceInput{Title: "gone soon", UploaderID: 1}, pdfUpload([]byte("%PDF-1.4")))
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, res.ID))
	assert.False(t, fake.has(res.StoragePath))

	_, err = svc.Get(ctx, res.ID, true)
	require.Error(t, err)
	assert.True(t, util.IsNotFound(err))

	// second delete is NotFound, not an error loop
	err = svc.Delete(ctx, res.ID)
	require.Error(t, err)
	assert.True(t, util.IsNotFound(err))
}

func TestDeleteToleratesMissingBlob(t *testing.T) {
	svc, fake, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Create(ctx, CreateResourceInput{Title: "half gone", UploaderID: 1}, pdfUpload([]byte("%PDF-1.4")))
	require.NoError(t, err)

	fake.drop(res.StoragePath)
	require.NoError(t, svc.Delete(ctx, res.ID))
}

func TestDeleteStorageFailureKeepsRow(t *testing.T) {
	svc, fake, db := newTestService(t)
	ctx := context.Background()

	res, err := svc.Create(ctx, CreateResourceInput{Title: "stuck", UploaderID: 1}, pdfUpload([]byte("%PDF-1.4")))
	require.NoError(t, err)

	fake.failDelete = true
	err = svc.Delete(ctx, res.ID)
	require.Error(t, err)
	assert.True(t, util.IsStorage(err))

	// the row survives with the failure recorded, so the delete can be retried
	var row model.Resource
	require.NoError(t, db.First(&row, res.ID).Error)
	assert.Equal(t, model.StorageError, row.StorageStatus)
	assert.NotEmpty(t, row.SyncError)
}

func TestGetVisibility(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Create(ctx, CreateResourceInput{Title: "draft", UploaderID: 5}, pdfUpload([]byte("%PDF-1.4")))
	require.NoError(t, err)

	_, err = svc.Get(ctx, res.ID, false)
	require.Error(t, err)
	assert.True(t, util.IsNotFound(err))

	got, err := svc.Get(ctx, res.ID, true)
	require.NoError(t, err)
	assert.Equal(t, res.ID, got.ID)

	_, err = svc.Review(ctx, res.ID, model.StatusApproved, "", 1)
	require.NoError(t, err)

	_, err = svc.Get(ctx, res.ID, false)
	require.NoError(t, err)
}

func TestListFiltersPending(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	pending, err := svc.Create(ctx, CreateResourceInput{Title: "pending", CourseID: "CS101", UploaderID: 5}, pdfUpload([]byte("%PDF-1.4 a")))
	require.NoError(t, err)
	approved, err := svc.Create(ctx, CreateResourceInput{Title: "approved", CourseID: "CS101", UploaderID: 5, IsAdmin: true}, pdfUpload([]byte("%PDF-1.4 b")))
	require.NoError(t, err)

	list, total, err := svc.List(ctx, ListOptions{CourseID: "CS101"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, list, 1)
	assert.Equal(t, approved.ID, list[0].ID)

	all, total, err := svc.List(ctx, ListOptions{CourseID: "CS101", IncludePending: true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, all, 2)

	queue, total, err := svc.ListPendingReview(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, queue, 1)
	assert.Equal(t, pending.ID, queue[0].ID)
}

func TestGetUserUploadsAndStats(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateResourceInput{Title: "mine 1", UploaderID: 8}, pdfUpload([]byte("%PDF-1.4 a")))
	require.NoError(t, err)
	_, err = svc.Create(ctx, CreateResourceInput{Title: "mine 2", UploaderID: 8, IsAdmin: true}, pdfUpload([]byte("%PDF-1.4 b")))
	require.NoError(t, err)
	_, err = svc.Create(ctx, CreateResourceInput{Title: "theirs", UploaderID: 9}, pdfUpload([]byte("%PDF-1.4 c")))
	require.NoError(t, err)

	uploads, total, err := svc.GetUserUploads(ctx, 8, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, uploads, 2)

	stats := svc.GetUserUploadStats(ctx, 8)
	byStatus := map[model.ResourceStatus]int64{}
	for _, s := range stats {
		byStatus[s.Status] = s.Count
	}
	assert.Equal(t, int64(1), byStatus[model.StatusPending])
	assert.Equal(t, int64(1), byStatus[model.StatusApproved])
}

func TestGetDownloadURL(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Create(ctx, CreateResourceInput{Title: "dl", UploaderID: 1, IsAdmin: true}, pdfUpload([]byte("%PDF-1.4")))
	require.NoError(t, err)

	u, err := svc.GetDownloadURL(ctx, res.ID, 0)
	require.NoError(t, err)
	assert.Contains(t, u, res.StoragePath)

	_, err = svc.GetDownloadURL(ctx, 999, 0)
	require.Error(t, err)
	assert.True(t, util.IsNotFound(err))
}

func TestVerifySync(t *testing.T) {
	svc, fake, db := newTestService(t)
	ctx := context.Background()

	res, err := svc.Create(ctx, CreateResourceInput{Title: "drift", UploaderID: 1}, pdfUpload([]byte("%PDF-1.4")))
	require.NoError(t, err)

	// blob vanishes out from under the record
	fake.drop(res.StoragePath)
	report, err := svc.VerifySync(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StorageError, report.Status)
	assert.NotEmpty(t, report.Message)

	var row model.Resource
	require.NoError(t, db.First(&row, res.ID).Error)
	assert.Equal(t, model.StorageError, row.StorageStatus)
	assert.Equal(t, 1, row.RetryCount)

	// blob restored, verification repairs the record
	fake.put(res.StoragePath, []byte("%PDF-1.4"))
	report, err = svc.VerifySync(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StorageSynced, report.Status)

	require.NoError(t, db.First(&row, res.ID).Error)
	assert.Equal(t, model.StorageSynced, row.StorageStatus)
	assert.Equal(t, 0, row.RetryCount)
	assert.Empty(t, row.SyncError)
}

func TestSweepUnsynced(t *testing.T) {
	svc, fake, db := newTestService(t)
	ctx := context.Background()

	fake.failUpload = true
	_, err := svc.Create(ctx, CreateResourceInput{Title: "broken upload", UploaderID: 1}, pdfUpload([]byte("%PDF-1.4")))
	require.Error(t, err)

	var row model.Resource
	require.NoError(t, db.Where("title = ?", "broken upload").First(&row).Error)
	require.Equal(t, model.StorageError, row.StorageStatus)

	// an operator re-pushes the blob out of band; the sweep reconciles the row
	fake.failUpload = false
	fake.put(row.StoragePath, []byte("%PDF-1.4"))

	repaired, err := svc.SweepUnsynced(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)

	require.NoError(t, db.First(&row, row.ID).Error)
	assert.Equal(t, model.StorageSynced, row.StorageStatus)
	assert.Equal(t, 0, row.RetryCount)
}
