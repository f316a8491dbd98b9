// Package storage 提供了与对象存储服务（如 MinIO）交互的功能。
package storage

import (
	"context"
	"time"
)

// ObjectStorage 是上传编排引擎依赖的对象存储网关接口。
// 所有调用都可能因传输错误失败，调用方把失败收敛为文件级 FAILED，
// 不会升级为任务级致命错误。
type ObjectStorage interface {
	// PutObject 单次写入一个对象，返回对象的访问 URL。
	PutObject(ctx context.Context, key string, data []byte, contentType string) (string, error)
	// PresignedPutURL 生成预签名上传 URL。
	PresignedPutURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	// PresignedGetURL 生成预签名下载 URL，filename 非空时设置下载文件名。
	PresignedGetURL(ctx context.Context, key string, expiry time.Duration, filename string) (string, error)

	// InitMultipart 打开一个分片上传会话，返回会话 ID。
	InitMultipart(ctx context.Context, key string) (string, error)
	// UploadPart 上传单个分片（index 从 1 开始），返回分片 ETag。
	UploadPart(ctx context.Context, key, uploadID string, index int, data []byte) (string, error)
	// CompleteMultipart 按 index→etag 映射合并对象，返回对象的访问 URL。
	CompleteMultipart(ctx context.Context, key, uploadID string, etags map[int]string) (string, error)
	// AbortMultipart 中止一个分片上传会话。
	AbortMultipart(ctx context.Context, key, uploadID string) error

	// Exists 检查对象是否存在。
	Exists(ctx context.Context, key string) (bool, error)
	// Delete 删除一个对象。
	Delete(ctx context.Context, key string) error
	// ContentHash 返回对象的内容哈希（服务端记录的 MD5/ETag）。
	ContentHash(ctx context.Context, key string) (string, error)
}
