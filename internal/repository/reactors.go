package repository

import (
	"context"
	"database/sql"
	"fmt"

	"biomonitor-core/internal/models"

	"go.uber.org/zap"
)

// ReactorRepository 反应器仓库（core 只读：保留策略归反应器所有）
type ReactorRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewReactorRepository 创建反应器仓库
func NewReactorRepository(db *sql.DB, logger *zap.Logger) *ReactorRepository {
	return &ReactorRepository{
		db:     db,
		logger: logger,
	}
}

// GetReactor 根据 reactor_id 获取反应器
func (r *ReactorRepository) GetReactor(ctx context.Context, reactorID string) (*models.Reactor, error) {
	if reactorID == "" {
		return nil, fmt.Errorf("reactor_id is required")
	}

	query := `
		SELECT reactor_id, reactor_name, retention_days
		FROM reactors
		WHERE reactor_id = $1
	`

	var reactor models.Reactor
	err := r.db.QueryRowContext(ctx, query, reactorID).Scan(
		&reactor.ReactorID,
		&reactor.ReactorName,
		&reactor.RetentionDays,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("reactor not found: reactor_id=%s", reactorID)
		}
		return nil, fmt.Errorf("failed to get reactor: %w", err)
	}

	return &reactor, nil
}

// ListReactors 获取所有反应器（保留调度器逐个清理）
func (r *ReactorRepository) ListReactors(ctx context.Context) ([]*models.Reactor, error) {
	query := `
		SELECT reactor_id, reactor_name, retention_days
		FROM reactors
		ORDER BY reactor_name
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list reactors: %w", err)
	}
	defer rows.Close()

	reactors := []*models.Reactor{}
	for rows.Next() {
		var reactor models.Reactor
		if err := rows.Scan(
			&reactor.ReactorID,
			&reactor.ReactorName,
			&reactor.RetentionDays,
		); err != nil {
			return nil, fmt.Errorf("failed to scan reactor: %w", err)
		}
		reactors = append(reactors, &reactor)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate reactors: %w", err)
	}

	return reactors, nil
}
