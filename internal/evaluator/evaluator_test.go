package evaluator

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"biomonitor-core/internal/models"
)

// fakeLookup 内存规则查询（测试用）
type fakeLookup struct {
	setpoints map[string][]*models.SetPoint
}

func (f *fakeLookup) ActiveSetpoints(reactorID, fieldName string) []*models.SetPoint {
	return f.setpoints[reactorID+"/"+fieldName]
}

func newTestEvaluator(setpoints ...*models.SetPoint) *Evaluator {
	lookup := &fakeLookup{setpoints: map[string][]*models.SetPoint{}}
	for _, sp := range setpoints {
		key := sp.ReactorID + "/" + sp.FieldName
		lookup.setpoints[key] = append(lookup.setpoints[key], sp)
	}
	return NewEvaluator(lookup, zap.NewNop())
}

func testSetpoint(id, reactorID, fieldName, operator string, threshold float64, severity string) *models.SetPoint {
	return &models.SetPoint{
		SetpointID:     id,
		ReactorID:      reactorID,
		FieldName:      fieldName,
		Operator:       operator,
		ThresholdValue: threshold,
		Severity:       severity,
		Enabled:        true,
	}
}

func testReading(reactorID, fieldName string, value float64) *models.Reading {
	return &models.Reading{
		ReadingID: "reading-1",
		ReactorID: reactorID,
		FieldName: fieldName,
		Value:     value,
		Timestamp: time.Now(),
	}
}

// ============================================
// 操作符语义测试
// ============================================

func TestCompare_Operators(t *testing.T) {
	tests := []struct {
		name      string
		value     float64
		operator  string
		threshold float64
		expected  bool
	}{
		{"gt breach", 38.5, models.OperatorGT, 37.0, true},
		{"gt no breach at threshold", 37.0, models.OperatorGT, 37.0, false},
		{"ge breach at threshold", 100.0, models.OperatorGE, 100.0, true},
		{"ge breach above", 100.1, models.OperatorGE, 100.0, true},
		{"ge no breach just below", 99.999, models.OperatorGE, 100.0, false},
		{"lt breach", 6.5, models.OperatorLT, 6.8, true},
		{"lt no breach at threshold", 6.8, models.OperatorLT, 6.8, false},
		{"le breach at threshold", 6.8, models.OperatorLE, 6.8, true},
		{"le no breach above", 6.81, models.OperatorLE, 6.8, false},
		{"eq breach exact", 0.0, models.OperatorEQ, 0.0, true},
		{"eq no breach", 0.001, models.OperatorEQ, 0.0, false},
		{"unknown operator never breaches", 100.0, "!=", 0.0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Compare(tt.value, tt.operator, tt.threshold))
		})
	}
}

// ============================================
// 评估路径测试
// ============================================

func TestEvaluate_SingleBreach(t *testing.T) {
	e := newTestEvaluator(
		testSetpoint("sp-1", "reactor-1", "temperature", models.OperatorGT, 37.0, models.SeverityCritical),
	)

	breaches := e.Evaluate(testReading("reactor-1", "temperature", 38.5))

	require.Len(t, breaches, 1)
	assert.Equal(t, "reactor-1", breaches[0].ReactorID)
	assert.Equal(t, "sp-1", breaches[0].SetpointID)
	assert.Equal(t, "temperature", breaches[0].FieldName)
	assert.Equal(t, models.SeverityCritical, breaches[0].Severity)
	assert.Equal(t, 38.5, breaches[0].CurrentValue)
	assert.Equal(t, 37.0, breaches[0].ThresholdValue)
}

func TestEvaluate_NoBreachInsideRange(t *testing.T) {
	e := newTestEvaluator(
		testSetpoint("sp-1", "reactor-1", "temperature", models.OperatorGT, 37.0, models.SeverityCritical),
	)

	breaches := e.Evaluate(testReading("reactor-1", "temperature", 36.5))

	assert.Empty(t, breaches)
}

func TestEvaluate_NoSetpointsForField(t *testing.T) {
	e := newTestEvaluator(
		testSetpoint("sp-1", "reactor-1", "temperature", models.OperatorGT, 37.0, models.SeverityCritical),
	)

	// 无规则字段不触发任何越界
	assert.Empty(t, e.Evaluate(testReading("reactor-1", "ph", 2.0)))
	assert.Empty(t, e.Evaluate(testReading("reactor-2", "temperature", 99.0)))
}

func TestEvaluate_MultipleSetpointsIndependent(t *testing.T) {
	// 同一字段两条规则各自独立触发
	e := newTestEvaluator(
		testSetpoint("sp-warn", "reactor-1", "temperature", models.OperatorGT, 35.0, models.SeverityWarning),
		testSetpoint("sp-crit", "reactor-1", "temperature", models.OperatorGT, 40.0, models.SeverityCritical),
	)

	breaches := e.Evaluate(testReading("reactor-1", "temperature", 41.0))
	require.Len(t, breaches, 2)

	ids := []string{breaches[0].SetpointID, breaches[1].SetpointID}
	assert.Contains(t, ids, "sp-warn")
	assert.Contains(t, ids, "sp-crit")

	// 只越过低阈值时仅触发一条
	breaches = e.Evaluate(testReading("reactor-1", "temperature", 36.0))
	require.Len(t, breaches, 1)
	assert.Equal(t, "sp-warn", breaches[0].SetpointID)
}

func TestEvaluate_GEBoundary(t *testing.T) {
	e := newTestEvaluator(
		testSetpoint("sp-1", "reactor-1", "dissolved_oxygen", models.OperatorGE, 100.0, models.SeverityWarning),
	)

	// 恰好等于阈值越界
	assert.Len(t, e.Evaluate(testReading("reactor-1", "dissolved_oxygen", 100.0)), 1)
	// 略低于阈值不越界
	assert.Empty(t, e.Evaluate(testReading("reactor-1", "dissolved_oxygen", 99.999)))
}

func TestEvaluate_SkipsNonNumericValues(t *testing.T) {
	e := newTestEvaluator(
		testSetpoint("sp-1", "reactor-1", "temperature", models.OperatorGT, 37.0, models.SeverityCritical),
	)

	assert.Empty(t, e.Evaluate(testReading("reactor-1", "temperature", math.NaN())))
	assert.Empty(t, e.Evaluate(testReading("reactor-1", "temperature", math.Inf(1))))
	assert.Empty(t, e.Evaluate(testReading("reactor-1", "temperature", math.Inf(-1))))
}

func TestEvaluate_NilReading(t *testing.T) {
	e := newTestEvaluator()
	assert.Empty(t, e.Evaluate(nil))
}
