package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"biomonitor-core/internal/models"
)

// ============================================
// 测试替身
// ============================================

// fakeReactorLister 内存反应器列表
type fakeReactorLister struct {
	reactors []*models.Reactor
	err      error
}

func (f *fakeReactorLister) ListReactors(ctx context.Context) ([]*models.Reactor, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.reactors, nil
}

// fakePurger 内存读数删除
// rows 模拟每个反应器待删行：按 cutoff 过滤，按批大小分批返回
type fakePurger struct {
	mu         sync.Mutex
	rows       map[string][]time.Time // reactor_id -> 读数时间戳
	failFor    map[string]error       // reactor_id -> 注入的删除错误
	batchCalls int
}

func newFakePurger() *fakePurger {
	return &fakePurger{
		rows:    map[string][]time.Time{},
		failFor: map[string]error{},
	}
}

func (f *fakePurger) addReadings(reactorID string, timestamps ...time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[reactorID] = append(f.rows[reactorID], timestamps...)
}

func (f *fakePurger) remaining(reactorID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows[reactorID])
}

func (f *fakePurger) DeleteReadingsBefore(ctx context.Context, reactorID string, cutoff time.Time, batchSize int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.batchCalls++
	if err := f.failFor[reactorID]; err != nil {
		return 0, err
	}

	kept := f.rows[reactorID][:0]
	var deleted int64
	for _, ts := range f.rows[reactorID] {
		if deleted < int64(batchSize) && ts.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, ts)
	}
	f.rows[reactorID] = kept
	return deleted, nil
}

func newTestScheduler(lister *fakeReactorLister, purger ReadingPurger, clock Clock, opts RetentionOptions) *RetentionScheduler {
	return NewRetentionScheduler(lister, purger, clock, opts, zap.NewNop())
}

// ============================================
// 清理边界测试
// ============================================

func TestRunSweep_DeletesOnlyExpiredReadings(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(now)

	lister := &fakeReactorLister{reactors: []*models.Reactor{
		{ReactorID: "reactor-1", ReactorName: "Bioreactor A", RetentionDays: 30},
	}}

	purger := newFakePurger()
	// 31 天前的读数过期，29 天前的保留
	purger.addReadings("reactor-1",
		now.AddDate(0, 0, -31),
		now.AddDate(0, 0, -31).Add(time.Hour),
		now.AddDate(0, 0, -29),
	)

	s := newTestScheduler(lister, purger, clock, RetentionOptions{
		BatchSize:   500,
		SweepBudget: 5 * time.Minute,
	})

	require.NoError(t, s.RunSweep(context.Background()))

	assert.Equal(t, 1, purger.remaining("reactor-1"))
}

func TestRunSweep_SkipsReactorsWithoutRetention(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(now)

	lister := &fakeReactorLister{reactors: []*models.Reactor{
		{ReactorID: "reactor-1", ReactorName: "Bioreactor A", RetentionDays: 0},
	}}

	purger := newFakePurger()
	purger.addReadings("reactor-1", now.AddDate(0, 0, -365))

	s := newTestScheduler(lister, purger, clock, RetentionOptions{
		BatchSize:   500,
		SweepBudget: 5 * time.Minute,
	})

	require.NoError(t, s.RunSweep(context.Background()))

	// retention_days = 0 永久保留
	assert.Equal(t, 1, purger.remaining("reactor-1"))
	assert.Equal(t, 0, purger.batchCalls)
}

func TestRunSweep_BatchesUntilEmpty(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(now)

	lister := &fakeReactorLister{reactors: []*models.Reactor{
		{ReactorID: "reactor-1", ReactorName: "Bioreactor A", RetentionDays: 7},
	}}

	purger := newFakePurger()
	expired := now.AddDate(0, 0, -10)
	for i := 0; i < 25; i++ {
		purger.addReadings("reactor-1", expired.Add(time.Duration(i)*time.Minute))
	}

	s := newTestScheduler(lister, purger, clock, RetentionOptions{
		BatchSize:   10,
		SweepBudget: 5 * time.Minute,
	})

	require.NoError(t, s.RunSweep(context.Background()))

	// 10 + 10 + 5：第三批未删满即停
	assert.Equal(t, 0, purger.remaining("reactor-1"))
	assert.Equal(t, 3, purger.batchCalls)
}

func TestRunSweep_IsolatesPerReactorFailures(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(now)

	lister := &fakeReactorLister{reactors: []*models.Reactor{
		{ReactorID: "reactor-1", ReactorName: "Bioreactor A", RetentionDays: 7},
		{ReactorID: "reactor-2", ReactorName: "Bioreactor B", RetentionDays: 7},
	}}

	purger := newFakePurger()
	expired := now.AddDate(0, 0, -10)
	purger.addReadings("reactor-1", expired)
	purger.addReadings("reactor-2", expired)
	purger.failFor["reactor-1"] = errors.New("deadlock detected")

	s := newTestScheduler(lister, purger, clock, RetentionOptions{
		BatchSize:   500,
		SweepBudget: 5 * time.Minute,
	})

	// 单个反应器失败被隔离，整体不报错
	require.NoError(t, s.RunSweep(context.Background()))

	assert.Equal(t, 1, purger.remaining("reactor-1"))
	assert.Equal(t, 0, purger.remaining("reactor-2"))
}

func TestRunSweep_ListFailureFailsSweep(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	lister := &fakeReactorLister{err: errors.New("connection refused")}
	purger := newFakePurger()

	s := newTestScheduler(lister, purger, clock, RetentionOptions{
		BatchSize:   500,
		SweepBudget: 5 * time.Minute,
	})

	err := s.RunSweep(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to list reactors")
}

func TestRunSweep_StopsAtBatchBoundaryOnCancel(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(now)

	lister := &fakeReactorLister{reactors: []*models.Reactor{
		{ReactorID: "reactor-1", ReactorName: "Bioreactor A", RetentionDays: 7},
		{ReactorID: "reactor-2", ReactorName: "Bioreactor B", RetentionDays: 7},
	}}

	purger := newFakePurger()
	expired := now.AddDate(0, 0, -10)
	purger.addReadings("reactor-1", expired)
	purger.addReadings("reactor-2", expired)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // 启动前取消

	s := newTestScheduler(lister, purger, clock, RetentionOptions{
		BatchSize:    500,
		SweepBudget:  5 * time.Minute,
		StoreTimeout: 5 * time.Second,
	})

	// ListReactors 由 fake 直接返回；之后的每个反应器在批次边界观察取消
	require.NoError(t, s.RunSweep(ctx))

	assert.Equal(t, 1, purger.remaining("reactor-1"))
	assert.Equal(t, 1, purger.remaining("reactor-2"))
}

// slowPurger 每批删除后推进时钟（预算耗尽路径测试用）
type slowPurger struct {
	*fakePurger
	clock   *fakeClock
	perCall time.Duration
}

func (p *slowPurger) DeleteReadingsBefore(ctx context.Context, reactorID string, cutoff time.Time, batchSize int) (int64, error) {
	deleted, err := p.fakePurger.DeleteReadingsBefore(ctx, reactorID, cutoff, batchSize)
	p.clock.Advance(p.perCall)
	return deleted, err
}

func TestRunSweep_BudgetExhaustedDefersRemaining(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(now)

	lister := &fakeReactorLister{reactors: []*models.Reactor{
		{ReactorID: "reactor-1", ReactorName: "Bioreactor A", RetentionDays: 7},
	}}

	inner := newFakePurger()
	expired := now.AddDate(0, 0, -10)
	for i := 0; i < 30; i++ {
		inner.addReadings("reactor-1", expired.Add(time.Duration(i)*time.Minute))
	}

	// 每批耗时 3 分钟，预算 5 分钟：第二批后预算耗尽
	purger := &slowPurger{fakePurger: inner, clock: clock, perCall: 3 * time.Minute}

	s := newTestScheduler(lister, purger, clock, RetentionOptions{
		BatchSize:   10,
		SweepBudget: 5 * time.Minute,
	})

	require.NoError(t, s.RunSweep(context.Background()))

	// 剩余行留给下个周期
	assert.Equal(t, 10, inner.remaining("reactor-1"))
	assert.Equal(t, 2, inner.batchCalls)
}
