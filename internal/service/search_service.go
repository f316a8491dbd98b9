package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"cloud-render-go/internal/model"
	"cloud-render-go/pkg/log"

	"github.com/elastic/go-elasticsearch/v8"
)

// FileDocument 是写入 Elasticsearch 的文件元数据文档。
type FileDocument struct {
	FileID     uint      `json:"file_id"`
	DriveID    uint      `json:"drive_id"`
	FolderID   *uint     `json:"folder_id,omitempty"`
	Name       string    `json:"name"`
	Extension  string    `json:"extension"`
	MD5        string    `json:"md5"`
	Size       int64     `json:"size"`
	UploadedBy uint      `json:"uploaded_by"`
	CreatedAt  time.Time `json:"created_at"`
}

// SearchService 负责文件元数据的索引与盘内文件名检索。
// 索引失败只记日志不阻塞上传主流程，检索结果允许短暂滞后。
type SearchService struct {
	client    *elasticsearch.Client
	indexName string
}

// NewSearchService 创建一个新的 SearchService 实例。
func NewSearchService(client *elasticsearch.Client, indexName string) *SearchService {
	return &SearchService{client: client, indexName: indexName}
}

// IndexFile 把一条文件记录写入索引。service 或客户端为 nil 时为空操作。
func (s *SearchService) IndexFile(ctx context.Context, file *model.File) {
	if s == nil || s.client == nil {
		return
	}

	doc := FileDocument{
		FileID:     file.ID,
		DriveID:    file.DriveID,
		FolderID:   file.FolderID,
		Name:       file.Name,
		Extension:  file.Extension,
		MD5:        file.MD5,
		Size:       file.Size,
		UploadedBy: file.UploadedBy,
		CreatedAt:  file.CreatedAt,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		log.Errorf("序列化文件文档失败: file_id=%d, err=%v", file.ID, err)
		return
	}

	res, err := s.client.Index(
		s.indexName,
		bytes.NewReader(data),
		s.client.Index.WithDocumentID(strconv.FormatUint(uint64(file.ID), 10)),
		s.client.Index.WithContext(ctx),
	)
	if err != nil {
		log.Errorf("写入文件索引失败: file_id=%d, err=%v", file.ID, err)
		return
	}
	defer res.Body.Close()
	if res.IsError() {
		log.Errorf("写入文件索引时 Elasticsearch 返回错误: file_id=%d, status=%s", file.ID, res.Status())
	}
}

// SearchFiles 在指定盘符内按文件名检索。
func (s *SearchService) SearchFiles(ctx context.Context, driveID uint, keyword string, size int) ([]FileDocument, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("检索服务未启用")
	}
	if size < 1 || size > 100 {
		size = 20
	}

	query := map[string]interface{}{
		"size": size,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": []interface{}{
					map[string]interface{}{"match": map[string]interface{}{"name": keyword}},
				},
				"filter": []interface{}{
					map[string]interface{}{"term": map[string]interface{}{"drive_id": driveID}},
				},
			},
		},
	}
	body, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}

	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(s.indexName),
		s.client.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return nil, fmt.Errorf("检索请求失败: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("检索时 Elasticsearch 返回错误: %s", res.Status())
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				Source FileDocument `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("解析检索结果失败: %w", err)
	}

	docs := make([]FileDocument, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		docs = append(docs, h.Source)
	}
	return docs, nil
}
