package service

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"MovieGen-server/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Storage is object storage. Keys come from SceneVideoKey / SceneFrameKey and
// are stored verbatim.
type Storage interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
}

// MinIOStorage MinIO 实现
type MinIOStorage struct {
	Client *minio.Client
	Bucket string
	// Domain 配置后返回公开地址，否则返回预签名 URL
	Domain string

	bucketMu    sync.Mutex
	bucketReady bool
}

// NewMinIOStorage 初始化连接，在 main.go 中调用
func NewMinIOStorage(cfg *config.Config) (*MinIOStorage, error) {
	c := cfg.MinIO
	client, err := minio.New(c.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.AccessKey, c.SecretKey, ""),
		Secure: c.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("MinIO 初始化失败: %w", err)
	}
	log.Println("MinIO 连接成功")
	return &MinIOStorage{Client: client, Bucket: c.Bucket, Domain: strings.TrimRight(c.Domain, "/")}, nil
}

// ensureBucket 只在成功后记住结果，失败时下次 Put 重新检查
func (s *MinIOStorage) ensureBucket(ctx context.Context) error {
	s.bucketMu.Lock()
	defer s.bucketMu.Unlock()
	if s.bucketReady {
		return nil
	}
	exists, err := s.Client.BucketExists(ctx, s.Bucket)
	if err != nil {
		return fmt.Errorf("检查 Bucket 失败: %w", err)
	}
	if !exists {
		if err := s.Client.MakeBucket(ctx, s.Bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("创建 Bucket 失败: %w", err)
		}
		log.Printf("Bucket '%s' 已创建", s.Bucket)
	}
	s.bucketReady = true
	return nil
}

func (s *MinIOStorage) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return "", err
	}
	_, err := s.Client.PutObject(ctx, s.Bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentTypeFor(key),
	})
	if err != nil {
		return "", fmt.Errorf("上传到 MinIO 失败: %w", err)
	}
	log.Printf("文件已上传: %s", key)

	if s.Domain != "" {
		return s.Domain + "/" + s.Bucket + "/" + key, nil
	}
	presignedURL, err := s.Client.PresignedGetObject(ctx, s.Bucket, key, 72*time.Hour, make(url.Values))
	if err != nil {
		return "", fmt.Errorf("生成签名 URL 失败: %w", err)
	}
	return presignedURL.String(), nil
}

// 根据文件扩展名确定 ContentType
func contentTypeFor(key string) string {
	switch filepath.Ext(key) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".mp4":
		return "video/mp4"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	}
	return "application/octet-stream"
}
