package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"biomonitor-core/internal/models"
	rediscommon "biomonitor-core/internal/redis"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReadingWriter 读数写入接口（生产环境为 repository.ReadingsRepository）
type ReadingWriter interface {
	InsertReading(ctx context.Context, reading *models.Reading) error
}

// StreamConsumer 流消费者（stream 模式）
// 逐条消费采集端发布到 Redis Stream 的读数：落库、评估、ACK；
// 落库失败不 ACK，消息留在 pending 列表等待重投（至少一次语义）
type StreamConsumer struct {
	redisClient  *redis.Client
	writer       ReadingWriter
	sink         Sink
	stream       string
	group        string
	consumerName string
	batchSize    int64
	storeTimeout time.Duration
	logger       *zap.Logger
}

// NewStreamConsumer 创建流消费者
func NewStreamConsumer(
	redisClient *redis.Client,
	writer ReadingWriter,
	sink Sink,
	stream, group, consumerName string,
	batchSize int64,
	storeTimeout time.Duration,
	logger *zap.Logger,
) *StreamConsumer {
	if batchSize <= 0 {
		batchSize = 10
	}
	return &StreamConsumer{
		redisClient:  redisClient,
		writer:       writer,
		sink:         sink,
		stream:       stream,
		group:        group,
		consumerName: consumerName,
		batchSize:    batchSize,
		storeTimeout: storeTimeout,
		logger:       logger,
	}
}

// Start 启动消费（阻塞直到 ctx 取消）
func (c *StreamConsumer) Start(ctx context.Context) error {
	if err := rediscommon.CreateConsumerGroup(ctx, c.redisClient, c.stream, c.group); err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	c.logger.Info("Stream consumer started",
		zap.String("stream", c.stream),
		zap.String("consumer_group", c.group),
		zap.String("consumer_name", c.consumerName),
	)

	// 先续传本消费者的 pending 消息（上次落库失败或进程中断遗留）
	if err := c.drainPending(ctx); err != nil {
		c.logger.Warn("Failed to drain pending messages",
			zap.String("stream", c.stream),
			zap.Error(err),
		)
	}

	// 消费读数（读取失败按指数退避）
	backoffDuration := time.Second
	maxBackoff := 30 * time.Second

	for {
		if ctx.Err() != nil {
			c.logger.Info("Stream consumer stopped")
			return nil
		}

		messages, err := rediscommon.ReadFromStream(ctx, c.redisClient, c.stream, c.group, c.consumerName, c.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("Stream consumer stopped")
				return nil
			}
			c.logger.Error("Failed to read from stream",
				zap.String("stream", c.stream),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoffDuration):
			}
			backoffDuration *= 2
			if backoffDuration > maxBackoff {
				backoffDuration = maxBackoff
			}
			continue
		}
		backoffDuration = time.Second

		for _, msg := range messages {
			if ctx.Err() != nil {
				return nil
			}
			c.handleMessage(ctx, msg)
		}
	}
}

// drainPending 按消息 ID 翻页处理 pending 消息
// 本次仍处理失败的消息留在 pending 列表，下次启动继续
func (c *StreamConsumer) drainPending(ctx context.Context) error {
	cursor := "0"
	for {
		if ctx.Err() != nil {
			return nil
		}

		messages, err := rediscommon.ReadPendingFromStream(ctx, c.redisClient, c.stream, c.group, c.consumerName, cursor, c.batchSize)
		if err != nil {
			return err
		}
		if len(messages) == 0 {
			return nil
		}

		c.logger.Info("Resuming pending messages",
			zap.String("stream", c.stream),
			zap.Int("count", len(messages)),
		)

		for _, msg := range messages {
			if ctx.Err() != nil {
				return nil
			}
			c.handleMessage(ctx, msg)
			cursor = msg.ID
		}
	}
}

// handleMessage 处理单条流消息
func (c *StreamConsumer) handleMessage(ctx context.Context, msg rediscommon.StreamMessage) {
	reading, err := decodeReading(msg)
	if err != nil {
		// 畸形消息无法重试，记录后直接 ACK 丢弃
		c.logger.Warn("Dropping malformed reading message",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		c.ack(ctx, msg.ID)
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	err = c.writer.InsertReading(writeCtx, reading)
	cancel()
	if err != nil {
		// 不 ACK，留在 pending 列表，由启动时的续传重试
		c.logger.Error("Failed to persist reading",
			zap.String("message_id", msg.ID),
			zap.String("reactor_id", reading.ReactorID),
			zap.Error(err),
		)
		return
	}

	if err := c.sink.Ingest(ctx, reading); err != nil {
		c.logger.Error("Failed to ingest reading",
			zap.String("message_id", msg.ID),
			zap.String("reactor_id", reading.ReactorID),
			zap.Error(err),
		)
		// 读数已落库；评估失败不重投，未来越界会再触发
	}

	c.ack(ctx, msg.ID)
}

func (c *StreamConsumer) ack(ctx context.Context, messageID string) {
	if err := rediscommon.AckMessage(ctx, c.redisClient, c.stream, c.group, messageID); err != nil {
		c.logger.Warn("Failed to ack message",
			zap.String("message_id", messageID),
			zap.Error(err),
		)
	}
}

// decodeReading 解析流消息中的读数
func decodeReading(msg rediscommon.StreamMessage) (*models.Reading, error) {
	raw, ok := msg.Values["data"]
	if !ok {
		return nil, fmt.Errorf("message missing data field")
	}
	data, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("message data field is not a string")
	}

	var reading models.Reading
	if err := json.Unmarshal([]byte(data), &reading); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reading: %w", err)
	}

	if reading.ReactorID == "" {
		return nil, fmt.Errorf("reading missing reactor_id")
	}
	if reading.FieldName == "" {
		return nil, fmt.Errorf("reading missing field_name")
	}
	if reading.ReadingID == "" {
		reading.ReadingID = uuid.New().String()
	}
	if reading.Timestamp.IsZero() {
		reading.Timestamp = time.Now()
	}

	return &reading, nil
}
