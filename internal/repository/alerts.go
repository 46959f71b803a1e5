package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"biomonitor-core/internal/models"

	"go.uber.org/zap"
)

// ErrAlertNotFound 报警不存在
var ErrAlertNotFound = errors.New("alert not found")

// AlertsRepository 报警仓库（报警状态的唯一写入方是 AlertManager）
type AlertsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertsRepository 创建报警仓库
func NewAlertsRepository(db *sql.DB, logger *zap.Logger) *AlertsRepository {
	return &AlertsRepository{
		db:     db,
		logger: logger,
	}
}

// AlertFilters 报警查询过滤条件
type AlertFilters struct {
	ReactorID    *string // 反应器过滤
	Severity     *string // 级别过滤
	Acknowledged *bool   // 确认状态过滤
	StartTime    *time.Time
	EndTime      *time.Time
}

const alertColumns = `
	alert_id,
	reactor_id,
	setpoint_id,
	field_name,
	severity,
	message,
	current_value,
	threshold_value,
	is_acknowledged,
	acknowledged_at,
	acknowledged_by,
	resolved_at,
	created_at
`

func scanAlert(scanner interface {
	Scan(dest ...interface{}) error
}) (*models.Alert, error) {
	var alert models.Alert
	var ackAt, resolvedAt sql.NullTime
	var ackBy sql.NullString

	err := scanner.Scan(
		&alert.AlertID,
		&alert.ReactorID,
		&alert.SetpointID,
		&alert.FieldName,
		&alert.Severity,
		&alert.Message,
		&alert.CurrentValue,
		&alert.ThresholdValue,
		&alert.IsAcknowledged,
		&ackAt,
		&ackBy,
		&resolvedAt,
		&alert.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if ackAt.Valid {
		alert.AcknowledgedAt = &ackAt.Time
	}
	if ackBy.Valid {
		alert.AcknowledgedBy = &ackBy.String
	}
	if resolvedAt.Valid {
		alert.ResolvedAt = &resolvedAt.Time
	}

	return &alert, nil
}

// ============================================
// 报警生命周期（原子操作）
// ============================================

// CreateAlertIfNoOpen 若 (reactor_id, setpoint_id) 无 open 报警则插入
// 去重由 uq_alerts_open 部分唯一索引保证：并发越界只会有一个 INSERT 落地，
// 其余命中冲突后静默跳过，已有 open 报警保持首次越界的快照不变
// 返回 true 表示本次调用创建了新报警
func (r *AlertsRepository) CreateAlertIfNoOpen(ctx context.Context, alert *models.Alert) (bool, error) {
	if alert == nil {
		return false, fmt.Errorf("alert is required")
	}
	if alert.ReactorID == "" {
		return false, fmt.Errorf("reactor_id is required")
	}
	if alert.SetpointID == "" {
		return false, fmt.Errorf("setpoint_id is required")
	}

	query := `
		INSERT INTO alerts (
			alert_id,
			reactor_id,
			setpoint_id,
			field_name,
			severity,
			message,
			current_value,
			threshold_value,
			is_acknowledged,
			created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, FALSE, $9
		)
		ON CONFLICT (reactor_id, setpoint_id) WHERE is_acknowledged = FALSE AND resolved_at IS NULL
		DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query,
		alert.AlertID,
		alert.ReactorID,
		alert.SetpointID,
		alert.FieldName,
		alert.Severity,
		alert.Message,
		alert.CurrentValue,
		alert.ThresholdValue,
		alert.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create alert: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected == 1, nil
}

// AcknowledgeAlert 确认报警（条件更新，CAS）
// 只在 is_acknowledged = FALSE 时转移状态；并发确认只有一个生效
// 返回 true 表示本次调用完成了状态转移
func (r *AlertsRepository) AcknowledgeAlert(ctx context.Context, alertID, userID string, at time.Time) (bool, error) {
	if alertID == "" {
		return false, fmt.Errorf("alert_id is required")
	}
	if userID == "" {
		return false, fmt.Errorf("user_id is required")
	}

	query := `
		UPDATE alerts
		SET is_acknowledged = TRUE,
		    acknowledged_at = $2,
		    acknowledged_by = $3
		WHERE alert_id = $1
		  AND is_acknowledged = FALSE
	`

	result, err := r.db.ExecContext(ctx, query, alertID, at, userID)
	if err != nil {
		return false, fmt.Errorf("failed to acknowledge alert: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected == 1, nil
}

// ResolveOpenAlert 自动解除某规则的 open 报警（可选策略，见 AlertManager）
// 只解除未确认的报警；解除是与确认不同的终态
// 返回被解除报警的 alert_id，无 open 报警时返回空串
func (r *AlertsRepository) ResolveOpenAlert(ctx context.Context, reactorID, setpointID string, at time.Time) (string, error) {
	if reactorID == "" {
		return "", fmt.Errorf("reactor_id is required")
	}
	if setpointID == "" {
		return "", fmt.Errorf("setpoint_id is required")
	}

	query := `
		UPDATE alerts
		SET resolved_at = $3
		WHERE reactor_id = $1
		  AND setpoint_id = $2
		  AND is_acknowledged = FALSE
		  AND resolved_at IS NULL
		RETURNING alert_id
	`

	var alertID string
	err := r.db.QueryRowContext(ctx, query, reactorID, setpointID, at).Scan(&alertID)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("failed to resolve alert: %w", err)
	}

	return alertID, nil
}

// ============================================
// 查询操作
// ============================================

// GetAlert 根据 alert_id 获取报警
func (r *AlertsRepository) GetAlert(ctx context.Context, alertID string) (*models.Alert, error) {
	if alertID == "" {
		return nil, fmt.Errorf("alert_id is required")
	}

	query := fmt.Sprintf(`SELECT %s FROM alerts WHERE alert_id = $1`, alertColumns)

	alert, err := scanAlert(r.db.QueryRowContext(ctx, query, alertID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrAlertNotFound
		}
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}

	return alert, nil
}

// GetAlertPayload 获取报警线格式（JOIN 反应器名称和确认人用户名）
func (r *AlertsRepository) GetAlertPayload(ctx context.Context, alertID string) (*models.AlertPayload, error) {
	if alertID == "" {
		return nil, fmt.Errorf("alert_id is required")
	}

	query := `
		SELECT
			a.alert_id,
			a.reactor_id,
			r.reactor_name,
			a.field_name,
			a.severity,
			a.message,
			a.current_value,
			a.threshold_value,
			a.is_acknowledged,
			u.username,
			a.created_at
		FROM alerts a
		JOIN reactors r ON a.reactor_id = r.reactor_id
		LEFT JOIN users u ON a.acknowledged_by = u.user_id
		WHERE a.alert_id = $1
	`

	payload, err := scanAlertPayload(r.db.QueryRowContext(ctx, query, alertID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrAlertNotFound
		}
		return nil, fmt.Errorf("failed to get alert payload: %w", err)
	}

	return payload, nil
}

func scanAlertPayload(scanner interface {
	Scan(dest ...interface{}) error
}) (*models.AlertPayload, error) {
	var payload models.AlertPayload
	var ackByUsername sql.NullString

	err := scanner.Scan(
		&payload.AlertID,
		&payload.ReactorID,
		&payload.ReactorName,
		&payload.FieldName,
		&payload.Severity,
		&payload.Message,
		&payload.CurrentValue,
		&payload.ThresholdValue,
		&payload.IsAcknowledged,
		&ackByUsername,
		&payload.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if ackByUsername.Valid {
		payload.AcknowledgedByUsername = &ackByUsername.String
	}

	return &payload, nil
}

// buildAlertWhereClause 构建 WHERE 子句
func buildAlertWhereClause(filters AlertFilters, args *[]interface{}, argN *int) []string {
	where := []string{}

	if filters.ReactorID != nil {
		where = append(where, fmt.Sprintf("a.reactor_id = $%d", *argN))
		*args = append(*args, *filters.ReactorID)
		*argN++
	}
	if filters.Severity != nil {
		where = append(where, fmt.Sprintf("a.severity = $%d", *argN))
		*args = append(*args, *filters.Severity)
		*argN++
	}
	if filters.Acknowledged != nil {
		where = append(where, fmt.Sprintf("a.is_acknowledged = $%d", *argN))
		*args = append(*args, *filters.Acknowledged)
		*argN++
	}
	if filters.StartTime != nil {
		where = append(where, fmt.Sprintf("a.created_at >= $%d", *argN))
		*args = append(*args, *filters.StartTime)
		*argN++
	}
	if filters.EndTime != nil {
		where = append(where, fmt.Sprintf("a.created_at <= $%d", *argN))
		*args = append(*args, *filters.EndTime)
		*argN++
	}

	return where
}

// ListAlerts 列表查询（支持按反应器、级别、确认状态过滤和分页）
func (r *AlertsRepository) ListAlerts(ctx context.Context, filters AlertFilters, page, size int) ([]*models.AlertPayload, int, error) {
	args := []interface{}{}
	argN := 1
	where := buildAlertWhereClause(filters, &args, &argN)

	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}

	// 计算总数
	queryCount := fmt.Sprintf(`
		SELECT COUNT(*)
		FROM alerts a
		%s
	`, whereClause)

	var total int
	if err := r.db.QueryRowContext(ctx, queryCount, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count alerts: %w", err)
	}

	// 分页处理
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`
		SELECT
			a.alert_id,
			a.reactor_id,
			r.reactor_name,
			a.field_name,
			a.severity,
			a.message,
			a.current_value,
			a.threshold_value,
			a.is_acknowledged,
			u.username,
			a.created_at
		FROM alerts a
		JOIN reactors r ON a.reactor_id = r.reactor_id
		LEFT JOIN users u ON a.acknowledged_by = u.user_id
		%s
		ORDER BY a.created_at DESC
		LIMIT $%d OFFSET $%d
	`, whereClause, len(args)+1, len(args)+2)

	args = append(args, size, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	alerts := []*models.AlertPayload{}
	for rows.Next() {
		payload, err := scanAlertPayload(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, payload)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate alerts: %w", err)
	}

	return alerts, total, nil
}

// ============================================
// 统计查询
// ============================================

// CountUnacknowledgedAlerts 统计某反应器未确认报警数量
func (r *AlertsRepository) CountUnacknowledgedAlerts(ctx context.Context, reactorID string) (int, error) {
	if reactorID == "" {
		return 0, fmt.Errorf("reactor_id is required")
	}

	query := `
		SELECT COUNT(*)
		FROM alerts
		WHERE reactor_id = $1
		  AND is_acknowledged = FALSE
		  AND resolved_at IS NULL
	`

	var count int
	if err := r.db.QueryRowContext(ctx, query, reactorID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count unacknowledged alerts: %w", err)
	}

	return count, nil
}

// GetAlertStatistics 按级别统计某反应器的报警数量
func (r *AlertsRepository) GetAlertStatistics(ctx context.Context, reactorID string) (map[string]int, error) {
	if reactorID == "" {
		return nil, fmt.Errorf("reactor_id is required")
	}

	query := `
		SELECT severity, COUNT(*)
		FROM alerts
		WHERE reactor_id = $1
		GROUP BY severity
	`

	rows, err := r.db.QueryContext(ctx, query, reactorID)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert statistics: %w", err)
	}
	defer rows.Close()

	stats := map[string]int{}
	for rows.Next() {
		var severity string
		var count int
		if err := rows.Scan(&severity, &count); err != nil {
			return nil, fmt.Errorf("failed to scan alert statistics: %w", err)
		}
		stats[severity] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alert statistics: %w", err)
	}

	return stats, nil
}
