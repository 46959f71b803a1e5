package service

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"biomonitor-core/internal/broadcaster"
	"biomonitor-core/internal/config"
	"biomonitor-core/internal/consumer"
	"biomonitor-core/internal/database"
	"biomonitor-core/internal/evaluator"
	"biomonitor-core/internal/models"
	rediscommon "biomonitor-core/internal/redis"
	"biomonitor-core/internal/registry"
	"biomonitor-core/internal/repository"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// MonitorService 监控服务（整合各层）
// 进程内各单例组件在这里显式构建和注入；
// 评估路径与保留调度各自独立运行，只通过存储交互
type MonitorService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger

	// 各层组件
	reactorRepo  *repository.ReactorRepository
	setpointRepo *repository.SetpointRepository
	readingsRepo *repository.ReadingsRepository
	alertsRepo   *repository.AlertsRepository

	registry        *registry.SetpointRegistry
	evaluator       *evaluator.Evaluator
	alertManager    *AlertManager
	setpointService *SetPointService
	retention       *RetentionScheduler

	pollConsumer   *consumer.PollConsumer
	streamConsumer *consumer.StreamConsumer
}

// NewMonitorService 创建监控服务
func NewMonitorService(cfg *config.Config, logger *zap.Logger) (*MonitorService, error) {
	// 1. 连接数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	// 2. 连接 Redis
	redisClient := rediscommon.NewRedisClient(&cfg.Redis)
	if err := rediscommon.Ping(context.Background(), redisClient); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. 创建 Repository 层
	reactorRepo := repository.NewReactorRepository(db, logger)
	setpointRepo := repository.NewSetpointRepository(db, logger)
	readingsRepo := repository.NewReadingsRepository(db, logger)
	alertsRepo := repository.NewAlertsRepository(db, logger)

	clock := NewRealClock()

	// 4. 创建规则缓存和评估器
	reg := registry.NewSetpointRegistry(
		setpointRepo,
		redisClient,
		cfg.Registry.RefreshInterval,
		cfg.Registry.InvalidationChannel,
		cfg.StoreTimeout,
		logger,
	)
	eval := evaluator.NewEvaluator(reg, logger)

	// 5. 创建报警管理器
	bc := broadcaster.NewRedisBroadcaster(redisClient, logger)
	alertManager := NewAlertManager(alertsRepo, bc, clock, AlertManagerOptions{
		RetryLimit:   cfg.Alert.RetryLimit,
		RetryBackoff: cfg.Alert.RetryBackoff,
		AutoResolve:  cfg.Alert.AutoResolve,
		StoreTimeout: cfg.StoreTimeout,
	}, logger)

	// 6. 创建规则服务和保留调度器
	setpointService := NewSetPointService(
		setpointRepo,
		redisClient,
		cfg.Registry.InvalidationChannel,
		clock,
		logger,
	)
	retention := NewRetentionScheduler(reactorRepo, readingsRepo, clock, RetentionOptions{
		SweepInterval: cfg.Retention.SweepInterval,
		BatchSize:     cfg.Retention.BatchSize,
		SweepBudget:   cfg.Retention.SweepBudget,
		StoreTimeout:  cfg.StoreTimeout,
	}, logger)

	s := &MonitorService{
		config:          cfg,
		db:              db,
		redisClient:     redisClient,
		logger:          logger,
		reactorRepo:     reactorRepo,
		setpointRepo:    setpointRepo,
		readingsRepo:    readingsRepo,
		alertsRepo:      alertsRepo,
		registry:        reg,
		evaluator:       eval,
		alertManager:    alertManager,
		setpointService: setpointService,
		retention:       retention,
	}

	// 7. 创建读数消费者（按评估触发模式）
	switch cfg.Alert.EvaluationMode {
	case config.EvaluationModeStream:
		s.streamConsumer = consumer.NewStreamConsumer(
			redisClient,
			readingsRepo,
			s,
			cfg.Stream.Name,
			cfg.Stream.Group,
			cfg.Stream.Consumer,
			cfg.Stream.BatchSize,
			cfg.StoreTimeout,
			logger,
		)
	default:
		s.pollConsumer = consumer.NewPollConsumer(
			readingsRepo,
			s,
			cfg.Alert.PollInterval,
			1000,
			cfg.StoreTimeout,
			logger,
		)
	}

	return s, nil
}

// Start 启动服务（阻塞直到 ctx 取消）
func (s *MonitorService) Start(ctx context.Context) error {
	s.logger.Info("Starting monitor service",
		zap.String("evaluation_mode", s.config.Alert.EvaluationMode),
	)

	go s.registry.Start(ctx)
	go s.retention.Start(ctx)

	if s.streamConsumer != nil {
		return s.streamConsumer.Start(ctx)
	}
	return s.pollConsumer.Start(ctx)
}

// Stop 停止服务并释放连接
func (s *MonitorService) Stop() error {
	s.logger.Info("Stopping monitor service")

	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database",
			zap.Error(err),
		)
	}

	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Failed to close redis",
			zap.Error(err),
		)
	}

	return nil
}

// Ingest 处理单条读数：评估并驱动报警生命周期
// 实现 consumer.Sink；持久化/推送失败在 AlertManager 内处理，
// 不会让摄入路径失败
func (s *MonitorService) Ingest(ctx context.Context, reading *models.Reading) error {
	if reading == nil {
		return fmt.Errorf("reading is required")
	}

	breaches := s.evaluator.Evaluate(reading)
	breached := make(map[string]bool, len(breaches))

	for _, breach := range breaches {
		breached[breach.SetpointID] = true
		if err := s.alertManager.OnBreach(ctx, breach); err != nil {
			s.logger.Error("Failed to handle breach event",
				zap.String("reactor_id", breach.ReactorID),
				zap.String("setpoint_id", breach.SetpointID),
				zap.Error(err),
			)
			// 继续处理其他越界，不中断
		}
	}

	// 值在界内的规则触发自动解除（可选策略）
	// 值缺失（NaN/Inf）的读数已被评估器跳过，不视为恢复正常
	if s.config.Alert.AutoResolve && !math.IsNaN(reading.Value) && !math.IsInf(reading.Value, 0) {
		for _, sp := range s.registry.ActiveSetpoints(reading.ReactorID, reading.FieldName) {
			if breached[sp.SetpointID] {
				continue
			}
			if err := s.alertManager.OnClear(ctx, reading.ReactorID, sp.SetpointID); err != nil {
				s.logger.Error("Failed to auto-resolve alert",
					zap.String("reactor_id", reading.ReactorID),
					zap.String("setpoint_id", sp.SetpointID),
					zap.Error(err),
				)
			}
		}
	}

	return nil
}

// ============================================
// 上层 API 消费的入口
// ============================================

// AlertManager 报警生命周期入口（acknowledge / acknowledgeMany）
func (s *MonitorService) AlertManager() *AlertManager {
	return s.alertManager
}

// SetPointService 阈值规则 CRUD 入口
func (s *MonitorService) SetPointService() *SetPointService {
	return s.setpointService
}

// ListAlerts 报警列表查询（按反应器、级别、确认状态过滤）
func (s *MonitorService) ListAlerts(ctx context.Context, filters repository.AlertFilters, page, size int) ([]*models.AlertPayload, int, error) {
	return s.alertsRepo.ListAlerts(ctx, filters, page, size)
}

// GetAlertStatistics 报警统计
func (s *MonitorService) GetAlertStatistics(ctx context.Context, reactorID string) (map[string]int, error) {
	return s.alertsRepo.GetAlertStatistics(ctx, reactorID)
}

// CountUnacknowledgedAlerts 某反应器未确认报警数量
func (s *MonitorService) CountUnacknowledgedAlerts(ctx context.Context, reactorID string) (int, error) {
	return s.alertsRepo.CountUnacknowledgedAlerts(ctx, reactorID)
}

// RegistryDegraded 规则缓存健康度（上层健康检查用）
func (s *MonitorService) RegistryDegraded() bool {
	return s.registry.Degraded()
}
