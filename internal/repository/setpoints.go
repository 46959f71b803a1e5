package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"biomonitor-core/internal/models"

	"go.uber.org/zap"
)

// SetpointRepository 阈值规则仓库
type SetpointRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSetpointRepository 创建阈值规则仓库
func NewSetpointRepository(db *sql.DB, logger *zap.Logger) *SetpointRepository {
	return &SetpointRepository{
		db:     db,
		logger: logger,
	}
}

const setpointColumns = `
	setpoint_id,
	reactor_id,
	field_name,
	operator,
	threshold_value,
	severity,
	enabled,
	created_at,
	updated_at
`

func scanSetpoint(scanner interface {
	Scan(dest ...interface{}) error
}) (*models.SetPoint, error) {
	var sp models.SetPoint
	err := scanner.Scan(
		&sp.SetpointID,
		&sp.ReactorID,
		&sp.FieldName,
		&sp.Operator,
		&sp.ThresholdValue,
		&sp.Severity,
		&sp.Enabled,
		&sp.CreatedAt,
		&sp.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sp, nil
}

// GetSetpoint 根据 setpoint_id 获取阈值规则
func (r *SetpointRepository) GetSetpoint(ctx context.Context, setpointID string) (*models.SetPoint, error) {
	if setpointID == "" {
		return nil, fmt.Errorf("setpoint_id is required")
	}

	query := fmt.Sprintf(`SELECT %s FROM setpoints WHERE setpoint_id = $1`, setpointColumns)

	sp, err := scanSetpoint(r.db.QueryRowContext(ctx, query, setpointID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("setpoint not found: setpoint_id=%s", setpointID)
		}
		return nil, fmt.Errorf("failed to get setpoint: %w", err)
	}

	return sp, nil
}

// CreateSetpoint 创建阈值规则
func (r *SetpointRepository) CreateSetpoint(ctx context.Context, sp *models.SetPoint) error {
	if sp == nil {
		return fmt.Errorf("setpoint is required")
	}
	if sp.SetpointID == "" {
		return fmt.Errorf("setpoint_id is required")
	}
	if sp.ReactorID == "" {
		return fmt.Errorf("reactor_id is required")
	}

	query := `
		INSERT INTO setpoints (
			setpoint_id,
			reactor_id,
			field_name,
			operator,
			threshold_value,
			severity,
			enabled,
			created_at,
			updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
	`

	_, err := r.db.ExecContext(ctx, query,
		sp.SetpointID,
		sp.ReactorID,
		sp.FieldName,
		sp.Operator,
		sp.ThresholdValue,
		sp.Severity,
		sp.Enabled,
		sp.CreatedAt,
		sp.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create setpoint: %w", err)
	}

	return nil
}

// UpdateSetpoint 更新阈值规则（部分更新）
// updates 是一个 map，只允许更新白名单内的字段；
// 对已存在报警不做任何回溯修改
func (r *SetpointRepository) UpdateSetpoint(ctx context.Context, setpointID string, updates map[string]interface{}) error {
	if setpointID == "" {
		return fmt.Errorf("setpoint_id is required")
	}
	if len(updates) == 0 {
		return fmt.Errorf("updates cannot be empty")
	}

	// 允许更新的字段
	allowedFields := map[string]bool{
		"field_name":      true,
		"operator":        true,
		"threshold_value": true,
		"severity":        true,
		"enabled":         true,
	}

	setParts := []string{}
	args := []interface{}{}
	argN := 1

	for field, value := range updates {
		if !allowedFields[field] {
			return fmt.Errorf("field '%s' is not allowed to update", field)
		}
		setParts = append(setParts, fmt.Sprintf("%s = $%d", field, argN))
		args = append(args, value)
		argN++
	}

	setParts = append(setParts, "updated_at = CURRENT_TIMESTAMP")

	args = append(args, setpointID)
	query := fmt.Sprintf(`
		UPDATE setpoints
		SET %s
		WHERE setpoint_id = $%d
	`, strings.Join(setParts, ", "), argN)

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update setpoint: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("setpoint not found: setpoint_id=%s", setpointID)
	}

	return nil
}

// DeleteSetpoint 删除阈值规则
func (r *SetpointRepository) DeleteSetpoint(ctx context.Context, setpointID string) error {
	if setpointID == "" {
		return fmt.Errorf("setpoint_id is required")
	}

	result, err := r.db.ExecContext(ctx, `DELETE FROM setpoints WHERE setpoint_id = $1`, setpointID)
	if err != nil {
		return fmt.Errorf("failed to delete setpoint: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("setpoint not found: setpoint_id=%s", setpointID)
	}

	return nil
}

// ListSetpointsByReactor 获取某反应器的阈值规则列表
func (r *SetpointRepository) ListSetpointsByReactor(ctx context.Context, reactorID string) ([]*models.SetPoint, error) {
	if reactorID == "" {
		return nil, fmt.Errorf("reactor_id is required")
	}

	query := fmt.Sprintf(`
		SELECT %s FROM setpoints
		WHERE reactor_id = $1
		ORDER BY field_name, created_at
	`, setpointColumns)

	return r.querySetpoints(ctx, query, reactorID)
}

// ListEnabledSetpoints 获取全部启用的阈值规则（规则缓存刷新用）
func (r *SetpointRepository) ListEnabledSetpoints(ctx context.Context) ([]*models.SetPoint, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM setpoints
		WHERE enabled = TRUE
		ORDER BY reactor_id, field_name, created_at
	`, setpointColumns)

	return r.querySetpoints(ctx, query)
}

func (r *SetpointRepository) querySetpoints(ctx context.Context, query string, args ...interface{}) ([]*models.SetPoint, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query setpoints: %w", err)
	}
	defer rows.Close()

	setpoints := []*models.SetPoint{}
	for rows.Next() {
		sp, err := scanSetpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan setpoint: %w", err)
		}
		setpoints = append(setpoints, sp)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate setpoints: %w", err)
	}

	return setpoints, nil
}
