package storage

import (
	"bytes"
	"context"
	"net/url"
	"sort"
	"strings"
	"time"

	"cloud-render-go/internal/config"
	"cloud-render-go/pkg/log"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOStorage 是 ObjectStorage 的 MinIO 实现。
// 分片上传直接使用 minio.Core 暴露的 S3 multipart 原语。
type MinIOStorage struct {
	core    *minio.Core
	bucket  string
	baseURL string
}

// NewMinIOStorage 初始化 MinIO 客户端并确保指定的存储桶存在。
func NewMinIOStorage(cfg config.MinIOConfig) (*MinIOStorage, error) {
	core, err := minio.NewCore(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}

	s := &MinIOStorage{
		core:    core,
		bucket:  cfg.BucketName,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
	}

	// 检查存储桶是否存在，不存在则创建
	ctx := context.Background()
	exists, err := core.Client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, err
	}
	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", cfg.BucketName)
		if err := core.Client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, err
		}
	}

	log.Info("MinIO 客户端初始化成功")
	return s, nil
}

// objectURL 拼接对象的公开访问 URL。
func (s *MinIOStorage) objectURL(key string) string {
	return s.baseURL + "/" + key
}

// PutObject 单次写入一个对象。
func (s *MinIOStorage) PutObject(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	opts := minio.PutObjectOptions{ContentType: contentType}
	_, err := s.core.Client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return "", err
	}
	return s.objectURL(key), nil
}

// PresignedPutURL 生成预签名上传 URL。
func (s *MinIOStorage) PresignedPutURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := s.core.Client.PresignedPutObject(ctx, s.bucket, key, expiry)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// PresignedGetURL 生成预签名下载 URL。
func (s *MinIOStorage) PresignedGetURL(ctx context.Context, key string, expiry time.Duration, filename string) (string, error) {
	params := make(url.Values)
	if filename != "" {
		params.Set("response-content-disposition", `attachment; filename="`+filename+`"`)
	}
	u, err := s.core.Client.PresignedGetObject(ctx, s.bucket, key, expiry, params)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// InitMultipart 打开一个分片上传会话。
func (s *MinIOStorage) InitMultipart(ctx context.Context, key string) (string, error) {
	return s.core.NewMultipartUpload(ctx, s.bucket, key, minio.PutObjectOptions{})
}

// UploadPart 上传单个分片。
func (s *MinIOStorage) UploadPart(ctx context.Context, key, uploadID string, index int, data []byte) (string, error) {
	part, err := s.core.PutObjectPart(ctx, s.bucket, key, uploadID, index,
		bytes.NewReader(data), int64(len(data)), minio.PutObjectPartOptions{})
	if err != nil {
		return "", err
	}
	return part.ETag, nil
}

// CompleteMultipart 按分片 ETag 映射合并对象。
func (s *MinIOStorage) CompleteMultipart(ctx context.Context, key, uploadID string, etags map[int]string) (string, error) {
	parts := make([]minio.CompletePart, 0, len(etags))
	for idx, etag := range etags {
		parts = append(parts, minio.CompletePart{PartNumber: idx, ETag: etag})
	}
	// S3 要求分片按序号升序提交
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })

	_, err := s.core.CompleteMultipartUpload(ctx, s.bucket, key, uploadID, parts, minio.PutObjectOptions{})
	if err != nil {
		return "", err
	}
	return s.objectURL(key), nil
}

// AbortMultipart 中止分片上传会话。
func (s *MinIOStorage) AbortMultipart(ctx context.Context, key, uploadID string) error {
	return s.core.AbortMultipartUpload(ctx, s.bucket, key, uploadID)
}

// Exists 检查对象是否存在。
func (s *MinIOStorage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.core.Client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Delete 删除一个对象。
func (s *MinIOStorage) Delete(ctx context.Context, key string) error {
	return s.core.Client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
}

// ContentHash 返回对象的内容哈希。
// MinIO 对单次写入的对象记录 MD5 形式的 ETag；合并对象的 ETag 带有
// "-N" 后缀，这里原样返回，去掉引号。
func (s *MinIOStorage) ContentHash(ctx context.Context, key string) (string, error) {
	info, err := s.core.Client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return "", err
	}
	return strings.Trim(info.ETag, `"`), nil
}
