package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"biomonitor-core/internal/models"

	"go.uber.org/zap"
)

// ReadingsRepository 遥测读数仓库
// readings 表仅追加；删除只发生在保留清理路径，且总是按 cutoff 批量进行
type ReadingsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewReadingsRepository 创建读数仓库
func NewReadingsRepository(db *sql.DB, logger *zap.Logger) *ReadingsRepository {
	return &ReadingsRepository{
		db:     db,
		logger: logger,
	}
}

// InsertReading 写入读数（stream 模式下由消费者调用）
func (r *ReadingsRepository) InsertReading(ctx context.Context, reading *models.Reading) error {
	if reading == nil {
		return fmt.Errorf("reading is required")
	}
	if reading.ReactorID == "" {
		return fmt.Errorf("reactor_id is required")
	}
	if reading.FieldName == "" {
		return fmt.Errorf("field_name is required")
	}

	query := `
		INSERT INTO readings (reading_id, reactor_id, field_name, value, timestamp)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.db.ExecContext(ctx, query,
		reading.ReadingID,
		reading.ReactorID,
		reading.FieldName,
		reading.Value,
		reading.Timestamp,
	)

	if err != nil {
		return fmt.Errorf("failed to insert reading: %w", err)
	}

	return nil
}

// ListReadingsSince 获取某时间点之后的读数（poll 模式的水位线查询）
// 按 timestamp 升序返回，保证同一 (reactor_id, field_name) 按到达顺序评估
func (r *ReadingsRepository) ListReadingsSince(ctx context.Context, since time.Time, limit int) ([]*models.Reading, error) {
	if limit <= 0 {
		limit = 1000
	}

	query := `
		SELECT reading_id, reactor_id, field_name, value, timestamp
		FROM readings
		WHERE timestamp > $1
		ORDER BY timestamp ASC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list readings: %w", err)
	}
	defer rows.Close()

	readings := []*models.Reading{}
	for rows.Next() {
		var reading models.Reading
		if err := rows.Scan(
			&reading.ReadingID,
			&reading.ReactorID,
			&reading.FieldName,
			&reading.Value,
			&reading.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		readings = append(readings, &reading)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate readings: %w", err)
	}

	return readings, nil
}

// DeleteReadingsBefore 删除某反应器 cutoff 之前的读数（单批，有上限）
// 返回本批删除的行数；调用方循环到返回 0 为止
// 用 ctid 子查询限制批大小，避免单条 DELETE 长时间持锁
func (r *ReadingsRepository) DeleteReadingsBefore(ctx context.Context, reactorID string, cutoff time.Time, batchSize int) (int64, error) {
	if reactorID == "" {
		return 0, fmt.Errorf("reactor_id is required")
	}
	if batchSize <= 0 {
		return 0, fmt.Errorf("batch_size must be positive")
	}

	query := `
		DELETE FROM readings
		WHERE ctid IN (
			SELECT ctid FROM readings
			WHERE reactor_id = $1
			  AND timestamp < $2
			LIMIT $3
		)
	`

	result, err := r.db.ExecContext(ctx, query, reactorID, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to delete readings: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return deleted, nil
}
