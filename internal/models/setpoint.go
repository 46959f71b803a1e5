package models

import "time"

// 比较操作符
const (
	OperatorGT = ">"
	OperatorGE = ">="
	OperatorLT = "<"
	OperatorLE = "<="
	OperatorEQ = "=="
)

// 报警级别
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// SetPoint 阈值规则
// 绑定到 (reactor_id, field_name)，enabled = false 的规则不参与评估
type SetPoint struct {
	SetpointID     string    `json:"setpoint_id" db:"setpoint_id"`
	ReactorID      string    `json:"reactor_id" db:"reactor_id"`
	FieldName      string    `json:"field_name" db:"field_name"`
	Operator       string    `json:"operator" db:"operator"`
	ThresholdValue float64   `json:"threshold_value" db:"threshold_value"`
	Severity       string    `json:"severity" db:"severity"`
	Enabled        bool      `json:"enabled" db:"enabled"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// ValidOperator 操作符是否合法
func ValidOperator(operator string) bool {
	switch operator {
	case OperatorGT, OperatorGE, OperatorLT, OperatorLE, OperatorEQ:
		return true
	}
	return false
}

// ValidSeverity 级别是否合法
func ValidSeverity(severity string) bool {
	switch severity {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// SeverityWeight 级别权重（排序用，critical 最高）
func SeverityWeight(severity string) int {
	switch severity {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	}
	return 0
}
