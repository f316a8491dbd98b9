// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"cloud-render-go/internal/config"
	"cloud-render-go/pkg/log"

	"github.com/segmentio/kafka-go"
)

// TaskEvent 是上传任务生命周期事件的载荷，写入通知主题供下游
// 通知服务消费。本服务只负责投递事件，不做任何实时推送。
type TaskEvent struct {
	EventType     string    `json:"event_type"` // task_completed / task_cancelled
	TaskID        uint      `json:"task_id"`
	TaskName      string    `json:"task_name"`
	UserID        uint      `json:"user_id"`
	DriveID       uint      `json:"drive_id"`
	UploadedFiles int       `json:"uploaded_files"`
	TotalFiles    int       `json:"total_files"`
	UploadedSize  int64     `json:"uploaded_size"`
	TotalSize     int64     `json:"total_size"`
	StorageSaved  int64     `json:"storage_saved"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Producer 封装了任务事件生产者。以依赖注入方式使用，不持有全局状态。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 创建一个任务事件生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers),
		Topic:    cfg.Topic,
		Balancer: &kafka.LeastBytes{},
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{writer: w}
}

// ProduceTaskEvent 发送一个任务事件。按任务 ID 作为 key，
// 保证同一任务的事件落在同一分区、保持顺序。
func (p *Producer) ProduceTaskEvent(ctx context.Context, event TaskEvent) error {
	if p == nil || p.writer == nil {
		return nil
	}
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatUint(uint64(event.TaskID), 10)),
		Value: value,
	})
}

// Close 关闭底层 writer。
func (p *Producer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
