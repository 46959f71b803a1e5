package models

import "time"

// Reading 遥测读数
// readings 表仅追加，评估引擎只读
type Reading struct {
	ReadingID string    `json:"reading_id" db:"reading_id"`
	ReactorID string    `json:"reactor_id" db:"reactor_id"`
	FieldName string    `json:"field_name" db:"field_name"`
	Value     float64   `json:"value" db:"value"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// Reactor 反应器
// retention_days <= 0 表示该反应器的读数永久保留
type Reactor struct {
	ReactorID     string `json:"reactor_id" db:"reactor_id"`
	ReactorName   string `json:"reactor_name" db:"reactor_name"`
	RetentionDays int    `json:"retention_days" db:"retention_days"`
}
