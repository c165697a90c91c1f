package service

import (
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"docshare_backend/internal/config"
	"docshare_backend/pkg/monitoring"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// StorageProvider 定义通用对象存储接口
type StorageProvider interface {
	Upload(ctx context.Context, objectPath string, reader io.Reader, size int64, contentType string, metadata map[string]string) error
	Delete(ctx context.Context, objectPath string) error
	Exists(ctx context.Context, objectPath string) (bool, error)
	PresignedURL(ctx context.Context, objectPath string, expiry time.Duration) (string, error)
}

// LocalStorageProvider 本地存储实现（开发环境回退）
type LocalStorageProvider struct {
	Config *config.StorageConfig
}

func (p *LocalStorageProvider) Upload(ctx context.Context, objectPath string, reader io.Reader, size int64, contentType string, metadata map[string]string) error {
	dst := filepath.Join(p.Config.LocalPath, filepath.FromSlash(objectPath))
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, reader)
	return err
}

func (p *LocalStorageProvider) Delete(ctx context.Context, objectPath string) error {
	err := os.Remove(filepath.Join(p.Config.LocalPath, filepath.FromSlash(objectPath)))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (p *LocalStorageProvider) Exists(ctx context.Context, objectPath string) (bool, error) {
	_, err := os.Stat(filepath.Join(p.Config.LocalPath, filepath.FromSlash(objectPath)))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// PresignedURL on local storage has no signing; it returns the static serving
// path and ignores the expiry.
func (p *LocalStorageProvider) PresignedURL(ctx context.Context, objectPath string, expiry time.Duration) (string, error) {
	return "/uploads/" + objectPath, nil
}

// MinioStorageProvider MinIO存储实现
type MinioStorageProvider struct {
	Config *config.StorageConfig
	Client *minio.Client

	mu          sync.Mutex
	bucketReady bool
}

func NewMinioStorageProvider(cfg *config.StorageConfig) (*MinioStorageProvider, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessID, cfg.MinioSecret, ""),
		Secure: cfg.MinioUseSSL,
	})
	if err != nil {
		return nil, err
	}
	return &MinioStorageProvider{Config: cfg, Client: client}, nil
}

// ensureBucket creates the bucket on first use. The mutex guards concurrent
// first calls; a failed attempt is retried on the next call.
func (p *MinioStorageProvider) ensureBucket(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bucketReady {
		return nil
	}

	exists, err := p.Client.BucketExists(ctx, p.Config.MinioBucket)
	if err != nil {
		return err
	}
	if !exists {
		if err := p.Client.MakeBucket(ctx, p.Config.MinioBucket, minio.MakeBucketOptions{}); err != nil {
			return err
		}
	}

	p.bucketReady = true
	return nil
}

func (p *MinioStorageProvider) Upload(ctx context.Context, objectPath string, reader io.Reader, size int64, contentType string, metadata map[string]string) error {
	if err := p.ensureBucket(ctx); err != nil {
		return err
	}
	_, err := p.Client.PutObject(ctx, p.Config.MinioBucket, objectPath, reader, size, minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: metadata,
	})
	return err
}

func (p *MinioStorageProvider) Delete(ctx context.Context, objectPath string) error {
	return p.Client.RemoveObject(ctx, p.Config.MinioBucket, objectPath, minio.RemoveObjectOptions{})
}

func (p *MinioStorageProvider) Exists(ctx context.Context, objectPath string) (bool, error) {
	_, err := p.Client.StatObject(ctx, p.Config.MinioBucket, objectPath, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (p *MinioStorageProvider) PresignedURL(ctx context.Context, objectPath string, expiry time.Duration) (string, error) {
	reqParams := make(url.Values)
	reqParams.Set("response-content-disposition", "attachment; filename=\""+filepath.Base(objectPath)+"\"")

	u, err := p.Client.PresignedGetObject(ctx, p.Config.MinioBucket, objectPath, expiry, reqParams)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// StorageService 存储服务，统一打点和日志
type StorageService struct {
	Provider StorageProvider
}

func NewStorageService(cfg *config.Config) *StorageService {
	var provider StorageProvider
	if cfg.Storage.Type == "minio" {
		p, err := NewMinioStorageProvider(&cfg.Storage)
		if err == nil {
			provider = p
		}
	}

	if provider == nil {
		provider = &LocalStorageProvider{Config: &cfg.Storage}
	}

	return &StorageService{Provider: provider}
}

func (s *StorageService) observe(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	monitoring.StorageOperations.WithLabelValues(op, result).Inc()
}

func (s *StorageService) Upload(ctx context.Context, objectPath string, reader io.Reader, size int64, contentType string, metadata map[string]string) error {
	err := s.Provider.Upload(ctx, objectPath, reader, size, contentType, metadata)
	s.observe("upload", err)
	return err
}

func (s *StorageService) Delete(ctx context.Context, objectPath string) error {
	err := s.Provider.Delete(ctx, objectPath)
	s.observe("delete", err)
	return err
}

func (s *StorageService) Exists(ctx context.Context, objectPath string) (bool, error) {
	exists, err := s.Provider.Exists(ctx, objectPath)
	s.observe("stat", err)
	return exists, err
}

func (s *StorageService) PresignedURL(ctx context.Context, objectPath string, expiry time.Duration) (string, error) {
	u, err := s.Provider.PresignedURL(ctx, objectPath, expiry)
	s.observe("presign", err)
	return u, err
}
