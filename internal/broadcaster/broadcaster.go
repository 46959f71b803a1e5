package broadcaster

import (
	"context"
	"encoding/json"
	"fmt"

	"biomonitor-core/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// 实时事件类型
const (
	EventAlertCreated = "alert.created"
	EventAlertUpdated = "alert.updated"
)

// Broadcaster 实时推送端口
// 尽力而为投递：失败由调用方记录日志，绝不回滚已持久化的报警状态；
// 断线客户端通过上层 API 的拉取列表补齐
type Broadcaster interface {
	Publish(ctx context.Context, reactorID, eventType string, payload *models.AlertPayload) error
}

// envelope 推送消息格式
type envelope struct {
	EventType string               `json:"event_type"`
	ReactorID string               `json:"reactor_id"`
	Alert     *models.AlertPayload `json:"alert"`
}

// RedisBroadcaster 基于 Redis Pub/Sub 的实现
// 每个反应器一个频道，订阅者按反应器订阅
type RedisBroadcaster struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisBroadcaster 创建 Redis 推送器
func NewRedisBroadcaster(client *redis.Client, logger *zap.Logger) *RedisBroadcaster {
	return &RedisBroadcaster{
		client: client,
		logger: logger,
	}
}

// ChannelFor 反应器的报警推送频道
func ChannelFor(reactorID string) string {
	return fmt.Sprintf("biomonitor:reactor:%s:alerts", reactorID)
}

// Publish 发布报警事件到反应器频道
func (b *RedisBroadcaster) Publish(ctx context.Context, reactorID, eventType string, payload *models.AlertPayload) error {
	if reactorID == "" {
		return fmt.Errorf("reactor_id is required")
	}
	if payload == nil {
		return fmt.Errorf("payload is required")
	}

	data, err := json.Marshal(envelope{
		EventType: eventType,
		ReactorID: reactorID,
		Alert:     payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal alert payload: %w", err)
	}

	if err := b.client.Publish(ctx, ChannelFor(reactorID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}

	b.logger.Debug("Alert published",
		zap.String("reactor_id", reactorID),
		zap.String("event_type", eventType),
		zap.String("alert_id", payload.AlertID),
	)

	return nil
}

// NopBroadcaster 空实现（测试和无实时通道的部署使用）
type NopBroadcaster struct{}

// Publish 丢弃事件
func (NopBroadcaster) Publish(ctx context.Context, reactorID, eventType string, payload *models.AlertPayload) error {
	return nil
}
