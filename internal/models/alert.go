package models

import (
	"fmt"
	"time"
)

// Alert 报警记录
// 报警一经创建即为首次越界的快照：current_value / threshold_value / severity
// 固定为创建时刻的值，后续读数和规则修改不回溯更新
type Alert struct {
	AlertID        string     `json:"alert_id" db:"alert_id"`
	ReactorID      string     `json:"reactor_id" db:"reactor_id"`
	SetpointID     string     `json:"setpoint_id" db:"setpoint_id"`
	FieldName      string     `json:"field_name" db:"field_name"`
	Severity       string     `json:"severity" db:"severity"`
	Message        string     `json:"message" db:"message"`
	CurrentValue   float64    `json:"current_value" db:"current_value"`
	ThresholdValue float64    `json:"threshold_value" db:"threshold_value"`
	IsAcknowledged bool       `json:"is_acknowledged" db:"is_acknowledged"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty" db:"acknowledged_at"`
	AcknowledgedBy *string    `json:"acknowledged_by,omitempty" db:"acknowledged_by"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// IsOpen 报警是否仍处于 open 状态（未确认且未解除）
func (a *Alert) IsOpen() bool {
	return !a.IsAcknowledged && a.ResolvedAt == nil
}

// BreachEvent 越界事件（评估器产出，报警管理器消费）
type BreachEvent struct {
	ReactorID      string
	SetpointID     string
	FieldName      string
	Operator       string
	Severity       string
	CurrentValue   float64
	ThresholdValue float64
	Timestamp      time.Time
}

// Message 生成报警描述文本
func (e BreachEvent) Message() string {
	return fmt.Sprintf("%s %s %g breached (current: %g)",
		e.FieldName, e.Operator, e.ThresholdValue, e.CurrentValue)
}

// AlertPayload 报警线格式（实时推送和列表查询共用）
// reactor_name 和 acknowledged_by_username 由查询侧 JOIN 补齐
type AlertPayload struct {
	AlertID                string    `json:"alert_id"`
	ReactorID              string    `json:"reactor_id"`
	ReactorName            string    `json:"reactor_name"`
	FieldName              string    `json:"field_name"`
	Severity               string    `json:"severity"`
	Message                string    `json:"message"`
	CurrentValue           float64   `json:"current_value"`
	ThresholdValue         float64   `json:"threshold_value"`
	IsAcknowledged         bool      `json:"is_acknowledged"`
	AcknowledgedByUsername *string   `json:"acknowledged_by_username,omitempty"`
	CreatedAt              time.Time `json:"created_at"`
}
