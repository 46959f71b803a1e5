package evaluator

import (
	"math"

	"biomonitor-core/internal/metrics"
	"biomonitor-core/internal/models"

	"go.uber.org/zap"
)

// SetpointLookup 规则查询接口（由 registry.SetpointRegistry 实现）
type SetpointLookup interface {
	ActiveSetpoints(reactorID, fieldName string) []*models.SetPoint
}

// Evaluator 阈值评估器
// 纯函数：输入读数和规则快照，输出越界事件，无任何副作用；
// 同一字段上的多条规则各自独立触发，去重只在 AlertManager 按规则进行
type Evaluator struct {
	registry SetpointLookup
	logger   *zap.Logger
}

// NewEvaluator 创建评估器
func NewEvaluator(registry SetpointLookup, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		registry: registry,
		logger:   logger,
	}
}

// Evaluate 评估单条读数，返回越界事件列表
// 值缺失（NaN/Inf）的读数跳过并记录日志，不视为越界
func (e *Evaluator) Evaluate(reading *models.Reading) []models.BreachEvent {
	if reading == nil {
		return nil
	}

	metrics.ReadingsEvaluated.Inc()

	if math.IsNaN(reading.Value) || math.IsInf(reading.Value, 0) {
		metrics.ReadingsSkipped.Inc()
		e.logger.Warn("Skipping reading with non-numeric value",
			zap.String("reactor_id", reading.ReactorID),
			zap.String("field_name", reading.FieldName),
			zap.Float64("value", reading.Value),
		)
		return nil
	}

	setpoints := e.registry.ActiveSetpoints(reading.ReactorID, reading.FieldName)
	if len(setpoints) == 0 {
		return nil
	}

	var breaches []models.BreachEvent
	for _, sp := range setpoints {
		if !Compare(reading.Value, sp.Operator, sp.ThresholdValue) {
			continue
		}

		metrics.BreachesTotal.WithLabelValues(sp.Severity).Inc()
		breaches = append(breaches, models.BreachEvent{
			ReactorID:      reading.ReactorID,
			SetpointID:     sp.SetpointID,
			FieldName:      reading.FieldName,
			Operator:       sp.Operator,
			Severity:       sp.Severity,
			CurrentValue:   reading.Value,
			ThresholdValue: sp.ThresholdValue,
			Timestamp:      reading.Timestamp,
		})
	}

	return breaches
}

// Compare 按操作符比较读数值与阈值
// 数值使用原生序，== 为精确相等
func Compare(value float64, operator string, threshold float64) bool {
	switch operator {
	case models.OperatorGT:
		return value > threshold
	case models.OperatorGE:
		return value >= threshold
	case models.OperatorLT:
		return value < threshold
	case models.OperatorLE:
		return value <= threshold
	case models.OperatorEQ:
		return value == threshold
	}
	return false
}
