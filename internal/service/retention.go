package service

import (
	"context"
	"fmt"
	"time"

	"biomonitor-core/internal/metrics"
	"biomonitor-core/internal/models"

	"go.uber.org/zap"
)

// ReactorLister 反应器来源（生产环境为 repository.ReactorRepository）
type ReactorLister interface {
	ListReactors(ctx context.Context) ([]*models.Reactor, error)
}

// ReadingPurger 读数删除接口（生产环境为 repository.ReadingsRepository）
type ReadingPurger interface {
	DeleteReadingsBefore(ctx context.Context, reactorID string, cutoff time.Time, batchSize int) (int64, error)
}

// RetentionOptions 保留调度器配置
type RetentionOptions struct {
	SweepInterval time.Duration // 清理周期
	BatchSize     int           // 单批删除行数上限
	SweepBudget   time.Duration // 单次清理时间预算
	StoreTimeout  time.Duration // 单次存储调用超时
}

// RetentionScheduler 数据保留调度器
// 独立定时循环，只触碰 readings 表；短批量删除避免长事务，
// 与评估路径之间不共享任何内存锁。
// 清理天然幂等：同一 cutoff 重复执行不会多删
type RetentionScheduler struct {
	reactors ReactorLister
	readings ReadingPurger
	clock    Clock
	opts     RetentionOptions
	logger   *zap.Logger
}

// NewRetentionScheduler 创建保留调度器
func NewRetentionScheduler(
	reactors ReactorLister,
	readings ReadingPurger,
	clock Clock,
	opts RetentionOptions,
	logger *zap.Logger,
) *RetentionScheduler {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	return &RetentionScheduler{
		reactors: reactors,
		readings: readings,
		clock:    clock,
		opts:     opts,
		logger:   logger,
	}
}

// Start 启动周期清理
// ctx 取消即停止：取消信号在批次边界被观察，进行中的批次完整结束，
// 绝不中断写了一半的删除
func (s *RetentionScheduler) Start(ctx context.Context) {
	s.logger.Info("Retention scheduler started",
		zap.Duration("sweep_interval", s.opts.SweepInterval),
		zap.Int("batch_size", s.opts.BatchSize),
	)

	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Retention scheduler stopped")
			return
		case <-ticker.C:
			if err := s.RunSweep(ctx); err != nil {
				s.logger.Error("Retention sweep failed",
					zap.Error(err),
				)
				// 下个周期重试，不中断
			}
		}
	}
}

// RunSweep 执行一次全量清理
// 逐反应器计算 cutoff = now - retention_days，批量删除到无剩余或预算耗尽；
// 单个反应器失败被隔离记录，其余反应器继续，下个周期重试
func (s *RetentionScheduler) RunSweep(ctx context.Context) error {
	start := s.clock.Now()
	deadline := start.Add(s.opts.SweepBudget)

	listCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	reactors, err := s.reactors.ListReactors(listCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to list reactors for sweep: %w", err)
	}

	var totalDeleted int64
	for _, reactor := range reactors {
		if ctx.Err() != nil {
			break
		}
		if reactor.RetentionDays <= 0 {
			// 未配置保留窗口的反应器永久保留
			continue
		}

		deleted, err := s.purgeReactor(ctx, reactor, deadline)
		totalDeleted += deleted
		if err != nil {
			metrics.RetentionSweepErrors.Inc()
			s.logger.Error("Failed to purge readings for reactor",
				zap.String("reactor_id", reactor.ReactorID),
				zap.String("reactor_name", reactor.ReactorName),
				zap.Error(err),
			)
			// 隔离失败，继续清理其余反应器
			continue
		}
	}

	s.logger.Info("Retention sweep completed",
		zap.Int64("deleted_rows", totalDeleted),
		zap.Int("reactor_count", len(reactors)),
		zap.Duration("elapsed", s.clock.Now().Sub(start)),
	)

	return nil
}

// purgeReactor 清理单个反应器 cutoff 之前的读数
// 剩余行留给下个周期（预算耗尽或批次未删净时）
func (s *RetentionScheduler) purgeReactor(ctx context.Context, reactor *models.Reactor, deadline time.Time) (int64, error) {
	cutoff := s.clock.Now().AddDate(0, 0, -reactor.RetentionDays)

	var total int64
	for {
		if ctx.Err() != nil {
			return total, nil
		}
		if !s.clock.Now().Before(deadline) {
			s.logger.Warn("Retention sweep budget exhausted, remaining rows deferred",
				zap.String("reactor_id", reactor.ReactorID),
			)
			return total, nil
		}

		callCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
		deleted, err := s.readings.DeleteReadingsBefore(callCtx, reactor.ReactorID, cutoff, s.opts.BatchSize)
		cancel()
		if err != nil {
			return total, err
		}

		total += deleted
		metrics.RetentionDeletedRows.Add(float64(deleted))

		if deleted < int64(s.opts.BatchSize) {
			return total, nil
		}
	}
}
