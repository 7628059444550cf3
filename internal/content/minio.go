package content

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig — параметры подключения к S3-совместимому хранилищу.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioStore — хранилище содержимого в MinIO (S3 API).
type MinioStore struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

// NewMinioStore создаёт клиент MinIO. Сетевых вызовов не выполняет.
func NewMinioStore(cfg MinioConfig, logger *slog.Logger) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка создания клиента MinIO: %w", err)
	}
	return &MinioStore{
		client: client,
		bucket: cfg.Bucket,
		logger: logger.With(slog.String("component", "content_minio")),
	}, nil
}

// EnsureBucket создаёт bucket, если он не существует.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("ошибка проверки bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("ошибка создания bucket %s: %w", s.bucket, err)
	}
	s.logger.Info("Bucket создан", slog.String("bucket", s.bucket))
	return nil
}

func (s *MinioStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, objectName(key), r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("ошибка загрузки содержимого в MinIO: %w", err)
	}
	return nil
}

func (s *MinioStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectName(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("ошибка получения содержимого из MinIO: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка чтения содержимого из MinIO: %w", err)
	}
	return data, nil
}

// CheckReady проверяет доступность bucket для /health/ready.
func (s *MinioStore) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return "fail", fmt.Sprintf("MinIO недоступен: %v", err)
	}
	if !exists {
		return "fail", fmt.Sprintf("bucket %s не найден", s.bucket)
	}
	return "ok", "bucket доступен"
}

// objectName — имя объекта для документа.
func objectName(key string) string {
	return "documents/" + key
}
