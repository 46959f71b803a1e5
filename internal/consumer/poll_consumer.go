package consumer

import (
	"context"
	"time"

	"biomonitor-core/internal/models"

	"go.uber.org/zap"
)

// Sink 读数下游（由 service.MonitorService 实现：评估 + 报警）
type Sink interface {
	Ingest(ctx context.Context, reading *models.Reading) error
}

// ReadingSource 读数来源（生产环境为 repository.ReadingsRepository）
type ReadingSource interface {
	ListReadingsSince(ctx context.Context, since time.Time, limit int) ([]*models.Reading, error)
}

// PollConsumer 轮询消费者（poll 模式）
// 周期性按水位线拉取新读数逐条交给 Sink；
// 水位线只在成功评估后推进，存储超时视为瞬态错误，下个周期继续
type PollConsumer struct {
	source       ReadingSource
	sink         Sink
	interval     time.Duration
	batchLimit   int
	storeTimeout time.Duration
	logger       *zap.Logger
}

// NewPollConsumer 创建轮询消费者
func NewPollConsumer(
	source ReadingSource,
	sink Sink,
	interval time.Duration,
	batchLimit int,
	storeTimeout time.Duration,
	logger *zap.Logger,
) *PollConsumer {
	if batchLimit <= 0 {
		batchLimit = 1000
	}
	return &PollConsumer{
		source:       source,
		sink:         sink,
		interval:     interval,
		batchLimit:   batchLimit,
		storeTimeout: storeTimeout,
		logger:       logger,
	}
}

// Start 启动轮询（阻塞直到 ctx 取消）
// 取消信号在单条读数边界被观察
func (c *PollConsumer) Start(ctx context.Context) error {
	c.logger.Info("Poll consumer started",
		zap.Duration("poll_interval", c.interval),
	)

	// 只处理启动之后到达的读数
	watermark := time.Now()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Poll consumer stopped")
			return nil
		case <-ticker.C:
			watermark = c.pollOnce(ctx, watermark)
		}
	}
}

// pollOnce 拉取并评估一批读数，返回推进后的水位线
func (c *PollConsumer) pollOnce(ctx context.Context, watermark time.Time) time.Time {
	listCtx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	readings, err := c.source.ListReadingsSince(listCtx, watermark, c.batchLimit)
	cancel()
	if err != nil {
		c.logger.Error("Failed to fetch readings",
			zap.Error(err),
		)
		// 瞬态错误：水位线不动，下个周期重试
		return watermark
	}

	for _, reading := range readings {
		if ctx.Err() != nil {
			return watermark
		}
		if err := c.sink.Ingest(ctx, reading); err != nil {
			c.logger.Error("Failed to ingest reading",
				zap.String("reactor_id", reading.ReactorID),
				zap.String("field_name", reading.FieldName),
				zap.Error(err),
			)
			// 继续处理其他读数，不中断
		}
		if reading.Timestamp.After(watermark) {
			watermark = reading.Timestamp
		}
	}

	return watermark
}
