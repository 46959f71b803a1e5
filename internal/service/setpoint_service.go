package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"biomonitor-core/internal/models"
	"biomonitor-core/internal/repository"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SetPointService 阈值规则服务（上层 API 的 CRUD 入口）
// 写路径完成后向变更频道发布失效通知，驱动规则缓存即时刷新；
// 规则的修改/删除不回溯影响已存在的报警
type SetPointService struct {
	repo        *repository.SetpointRepository
	redisClient *redis.Client // 可为 nil（无失效通知）
	channel     string
	clock       Clock
	logger      *zap.Logger
}

// NewSetPointService 创建阈值规则服务
func NewSetPointService(
	repo *repository.SetpointRepository,
	redisClient *redis.Client,
	channel string,
	clock Clock,
	logger *zap.Logger,
) *SetPointService {
	return &SetPointService{
		repo:        repo,
		redisClient: redisClient,
		channel:     channel,
		clock:       clock,
		logger:      logger,
	}
}

// CreateSetPoint 创建阈值规则
// 业务规则：
// - reactor_id 和 field_name 必填
// - operator 必须是 >, >=, <, <=, == 之一
// - severity 必须是 info, warning, critical 之一
// - threshold_value 必须是有限数值
func (s *SetPointService) CreateSetPoint(
	ctx context.Context,
	reactorID, fieldName, operator string,
	thresholdValue float64,
	severity string,
	enabled bool,
) (*models.SetPoint, error) {
	if reactorID == "" {
		return nil, fmt.Errorf("reactor_id is required")
	}
	if fieldName == "" {
		return nil, fmt.Errorf("field_name is required")
	}
	if !models.ValidOperator(operator) {
		return nil, fmt.Errorf("invalid operator: %s", operator)
	}
	if !models.ValidSeverity(severity) {
		return nil, fmt.Errorf("invalid severity: %s", severity)
	}
	if math.IsNaN(thresholdValue) || math.IsInf(thresholdValue, 0) {
		return nil, fmt.Errorf("threshold_value must be a finite number")
	}

	now := s.clock.Now()
	sp := &models.SetPoint{
		SetpointID:     uuid.New().String(),
		ReactorID:      reactorID,
		FieldName:      fieldName,
		Operator:       operator,
		ThresholdValue: thresholdValue,
		Severity:       severity,
		Enabled:        enabled,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.repo.CreateSetpoint(ctx, sp); err != nil {
		s.logger.Error("Failed to create setpoint",
			zap.String("reactor_id", reactorID),
			zap.String("field_name", fieldName),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to create setpoint: %w", err)
	}

	s.logger.Info("Setpoint created",
		zap.String("setpoint_id", sp.SetpointID),
		zap.String("reactor_id", reactorID),
		zap.String("field_name", fieldName),
		zap.String("operator", operator),
		zap.Float64("threshold_value", thresholdValue),
		zap.String("severity", severity),
	)

	s.notifyChanged(ctx)
	return sp, nil
}

// UpdateSetPoint 更新阈值规则（部分更新）
// 白名单之外的字段由仓库层拒绝；更新只影响之后的评估
func (s *SetPointService) UpdateSetPoint(ctx context.Context, setpointID string, updates map[string]interface{}) error {
	if setpointID == "" {
		return fmt.Errorf("setpoint_id is required")
	}
	if len(updates) == 0 {
		return fmt.Errorf("updates cannot be empty")
	}

	if op, ok := updates["operator"]; ok {
		opStr, _ := op.(string)
		if !models.ValidOperator(opStr) {
			return fmt.Errorf("invalid operator: %v", op)
		}
	}
	if sev, ok := updates["severity"]; ok {
		sevStr, _ := sev.(string)
		if !models.ValidSeverity(sevStr) {
			return fmt.Errorf("invalid severity: %v", sev)
		}
	}
	if tv, ok := updates["threshold_value"]; ok {
		tvFloat, isFloat := tv.(float64)
		if !isFloat || math.IsNaN(tvFloat) || math.IsInf(tvFloat, 0) {
			return fmt.Errorf("threshold_value must be a finite number")
		}
	}

	if err := s.repo.UpdateSetpoint(ctx, setpointID, updates); err != nil {
		s.logger.Error("Failed to update setpoint",
			zap.String("setpoint_id", setpointID),
			zap.Error(err),
		)
		return fmt.Errorf("failed to update setpoint: %w", err)
	}

	s.logger.Info("Setpoint updated",
		zap.String("setpoint_id", setpointID),
	)

	s.notifyChanged(ctx)
	return nil
}

// DeleteSetPoint 删除阈值规则
func (s *SetPointService) DeleteSetPoint(ctx context.Context, setpointID string) error {
	if setpointID == "" {
		return fmt.Errorf("setpoint_id is required")
	}

	if err := s.repo.DeleteSetpoint(ctx, setpointID); err != nil {
		s.logger.Error("Failed to delete setpoint",
			zap.String("setpoint_id", setpointID),
			zap.Error(err),
		)
		return fmt.Errorf("failed to delete setpoint: %w", err)
	}

	s.logger.Info("Setpoint deleted",
		zap.String("setpoint_id", setpointID),
	)

	s.notifyChanged(ctx)
	return nil
}

// GetSetPoint 获取单条阈值规则
func (s *SetPointService) GetSetPoint(ctx context.Context, setpointID string) (*models.SetPoint, error) {
	if setpointID == "" {
		return nil, fmt.Errorf("setpoint_id is required")
	}
	return s.repo.GetSetpoint(ctx, setpointID)
}

// ListSetPoints 获取某反应器的阈值规则列表
func (s *SetPointService) ListSetPoints(ctx context.Context, reactorID string) ([]*models.SetPoint, error) {
	if reactorID == "" {
		return nil, fmt.Errorf("reactor_id is required")
	}
	return s.repo.ListSetpointsByReactor(ctx, reactorID)
}

// notifyChanged 发布规则变更通知（尽力而为；周期刷新兜底）
func (s *SetPointService) notifyChanged(ctx context.Context) {
	if s.redisClient == nil {
		return
	}

	if err := s.redisClient.Publish(ctx, s.channel, time.Now().Unix()).Err(); err != nil {
		s.logger.Warn("Failed to publish setpoint invalidation",
			zap.String("channel", s.channel),
			zap.Error(err),
		)
	}
}
