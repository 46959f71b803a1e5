package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"biomonitor-core/internal/broadcaster"
	"biomonitor-core/internal/metrics"
	"biomonitor-core/internal/models"
	"biomonitor-core/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AlertStore 报警存储接口（生产环境为 repository.AlertsRepository，测试用内存假实现）
type AlertStore interface {
	CreateAlertIfNoOpen(ctx context.Context, alert *models.Alert) (bool, error)
	AcknowledgeAlert(ctx context.Context, alertID, userID string, at time.Time) (bool, error)
	ResolveOpenAlert(ctx context.Context, reactorID, setpointID string, at time.Time) (string, error)
	GetAlert(ctx context.Context, alertID string) (*models.Alert, error)
	GetAlertPayload(ctx context.Context, alertID string) (*models.AlertPayload, error)
}

// AlertManagerOptions 报警管理器配置
type AlertManagerOptions struct {
	RetryLimit   int           // 持久化重试次数上限
	RetryBackoff time.Duration // 固定重试间隔
	AutoResolve  bool          // 值恢复正常时自动解除未确认报警
	StoreTimeout time.Duration // 单次存储调用超时
}

// AlertManager 报警生命周期管理器
// 报警状态的唯一写入方：创建（去重）、确认、自动解除都经过这里；
// 推送失败只记录日志，不影响已持久化的状态变更
type AlertManager struct {
	store       AlertStore
	broadcaster broadcaster.Broadcaster
	clock       Clock
	opts        AlertManagerOptions
	logger      *zap.Logger
}

// NewAlertManager 创建报警管理器
func NewAlertManager(
	store AlertStore,
	bc broadcaster.Broadcaster,
	clock Clock,
	opts AlertManagerOptions,
	logger *zap.Logger,
) *AlertManager {
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = 1
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	return &AlertManager{
		store:       store,
		broadcaster: bc,
		clock:       clock,
		opts:        opts,
		logger:      logger,
	}
}

// OnBreach 处理越界事件
// 若该规则已有 open 报警则保持首次越界的快照不变（不更新值、不重复创建）；
// 否则创建新报警并推送 alert.created。
// 持久化失败按固定退避重试到上限；耗尽后记为丢弃事件，
// 同一条件的下一次越界会再次尝试
func (m *AlertManager) OnBreach(ctx context.Context, event models.BreachEvent) error {
	alert := &models.Alert{
		AlertID:        uuid.New().String(),
		ReactorID:      event.ReactorID,
		SetpointID:     event.SetpointID,
		FieldName:      event.FieldName,
		Severity:       event.Severity,
		Message:        event.Message(),
		CurrentValue:   event.CurrentValue,
		ThresholdValue: event.ThresholdValue,
		CreatedAt:      m.clock.Now(),
	}

	var created bool
	var lastErr error
	for attempt := 1; attempt <= m.opts.RetryLimit; attempt++ {
		var err error
		created, err = m.createWithTimeout(ctx, alert)
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err

		m.logger.Warn("Failed to persist alert, will retry",
			zap.String("reactor_id", event.ReactorID),
			zap.String("setpoint_id", event.SetpointID),
			zap.Int("attempt", attempt),
			zap.Int("retry_limit", m.opts.RetryLimit),
			zap.Error(err),
		)

		if attempt < m.opts.RetryLimit {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.opts.RetryBackoff):
			}
		}
	}

	if lastErr != nil {
		metrics.AlertsDropped.Inc()
		m.logger.Error("Breach event dropped after exhausting retries",
			zap.String("reactor_id", event.ReactorID),
			zap.String("setpoint_id", event.SetpointID),
			zap.String("field_name", event.FieldName),
			zap.Float64("current_value", event.CurrentValue),
			zap.Error(lastErr),
		)
		return fmt.Errorf("failed to persist alert: %w", lastErr)
	}

	if !created {
		// 已有 open 报警，去重
		m.logger.Debug("Open alert exists, breach deduplicated",
			zap.String("reactor_id", event.ReactorID),
			zap.String("setpoint_id", event.SetpointID),
		)
		return nil
	}

	metrics.AlertsCreated.WithLabelValues(alert.Severity).Inc()
	m.logger.Info("Alert created",
		zap.String("alert_id", alert.AlertID),
		zap.String("reactor_id", alert.ReactorID),
		zap.String("setpoint_id", alert.SetpointID),
		zap.String("severity", alert.Severity),
		zap.Float64("current_value", alert.CurrentValue),
	)

	m.publish(ctx, alert.ReactorID, broadcaster.EventAlertCreated, alert.AlertID, alert)
	return nil
}

func (m *AlertManager) createWithTimeout(ctx context.Context, alert *models.Alert) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.opts.StoreTimeout)
	defer cancel()
	return m.store.CreateAlertIfNoOpen(callCtx, alert)
}

// OnClear 处理值回归正常（可选策略，ALERT_AUTO_RESOLVE 控制）
// 只解除未确认的 open 报警；解除是与确认不同的终态，以 alert.updated 推送
func (m *AlertManager) OnClear(ctx context.Context, reactorID, setpointID string) error {
	if !m.opts.AutoResolve {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, m.opts.StoreTimeout)
	defer cancel()

	alertID, err := m.store.ResolveOpenAlert(callCtx, reactorID, setpointID, m.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to resolve alert: %w", err)
	}
	if alertID == "" {
		return nil
	}

	m.logger.Info("Alert auto-resolved",
		zap.String("alert_id", alertID),
		zap.String("reactor_id", reactorID),
		zap.String("setpoint_id", setpointID),
	)

	m.publish(ctx, reactorID, broadcaster.EventAlertUpdated, alertID, nil)
	return nil
}

// Acknowledge 确认报警（幂等）
// 已确认的报警原样返回，不报错；并发确认只有一个完成状态转移，
// 其余观察到"已确认"。报警不存在时返回 repository.ErrAlertNotFound
func (m *AlertManager) Acknowledge(ctx context.Context, alertID, byUserID string) (*models.Alert, error) {
	if alertID == "" {
		return nil, fmt.Errorf("alert_id is required")
	}
	if byUserID == "" {
		return nil, fmt.Errorf("user_id is required")
	}

	callCtx, cancel := context.WithTimeout(ctx, m.opts.StoreTimeout)
	defer cancel()

	transitioned, err := m.store.AcknowledgeAlert(callCtx, alertID, byUserID, m.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to acknowledge alert: %w", err)
	}

	getCtx, cancelGet := context.WithTimeout(ctx, m.opts.StoreTimeout)
	defer cancelGet()

	alert, err := m.store.GetAlert(getCtx, alertID)
	if err != nil {
		if errors.Is(err, repository.ErrAlertNotFound) {
			return nil, repository.ErrAlertNotFound
		}
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}

	if transitioned {
		metrics.AlertsAcknowledged.Inc()
		m.logger.Info("Alert acknowledged",
			zap.String("alert_id", alertID),
			zap.String("user_id", byUserID),
		)
		m.publish(ctx, alert.ReactorID, broadcaster.EventAlertUpdated, alertID, alert)
	}

	return alert, nil
}

// AckOutcome 批量确认的单条结果
type AckOutcome struct {
	AlertID string
	Alert   *models.Alert
	Err     error
}

// AcknowledgeMany 批量确认（逐条独立，单条失败不影响其余）
func (m *AlertManager) AcknowledgeMany(ctx context.Context, alertIDs []string, byUserID string) []AckOutcome {
	outcomes := make([]AckOutcome, 0, len(alertIDs))
	for _, id := range alertIDs {
		alert, err := m.Acknowledge(ctx, id, byUserID)
		outcomes = append(outcomes, AckOutcome{
			AlertID: id,
			Alert:   alert,
			Err:     err,
		})
	}
	return outcomes
}

// publish 推送报警事件（尽力而为；失败只记日志，报警状态已持久化）
// alert 为 nil 或 payload 查询失败时退化为本地构建的载荷（缺 reactor_name）
func (m *AlertManager) publish(ctx context.Context, reactorID, eventType, alertID string, alert *models.Alert) {
	payloadCtx, cancel := context.WithTimeout(ctx, m.opts.StoreTimeout)
	defer cancel()

	payload, err := m.store.GetAlertPayload(payloadCtx, alertID)
	if err != nil {
		if alert == nil {
			m.logger.Warn("Failed to load alert payload for broadcast",
				zap.String("alert_id", alertID),
				zap.Error(err),
			)
			return
		}
		payload = &models.AlertPayload{
			AlertID:        alert.AlertID,
			ReactorID:      alert.ReactorID,
			FieldName:      alert.FieldName,
			Severity:       alert.Severity,
			Message:        alert.Message,
			CurrentValue:   alert.CurrentValue,
			ThresholdValue: alert.ThresholdValue,
			IsAcknowledged: alert.IsAcknowledged,
			CreatedAt:      alert.CreatedAt,
		}
	}

	if err := m.broadcaster.Publish(ctx, reactorID, eventType, payload); err != nil {
		metrics.BroadcastFailures.Inc()
		m.logger.Error("Failed to broadcast alert event",
			zap.String("alert_id", alertID),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	}
}
