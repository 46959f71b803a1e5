package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"biomonitor-core/internal/metrics"
	"biomonitor-core/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// SetpointSource 阈值规则来源（生产环境为 SetpointRepository，测试用内存假实现）
type SetpointSource interface {
	ListEnabledSetpoints(ctx context.Context) ([]*models.SetPoint, error)
}

// SetpointRegistry 阈值规则缓存
// 读多写少：评估路径只读快照，刷新整体替换快照；
// 存储不可达时继续提供最后一次成功的快照并置 degraded 标记
type SetpointRegistry struct {
	source          SetpointSource
	redisClient     *redis.Client // 可为 nil（无事件驱动失效）
	refreshInterval time.Duration
	channel         string
	storeTimeout    time.Duration
	logger          *zap.Logger

	mu       sync.RWMutex
	snapshot map[string][]*models.SetPoint // key: reactor_id + "/" + field_name
	degraded bool
}

// NewSetpointRegistry 创建阈值规则缓存
func NewSetpointRegistry(
	source SetpointSource,
	redisClient *redis.Client,
	refreshInterval time.Duration,
	channel string,
	storeTimeout time.Duration,
	logger *zap.Logger,
) *SetpointRegistry {
	return &SetpointRegistry{
		source:          source,
		redisClient:     redisClient,
		refreshInterval: refreshInterval,
		channel:         channel,
		storeTimeout:    storeTimeout,
		logger:          logger,
		snapshot:        map[string][]*models.SetPoint{},
	}
}

func snapshotKey(reactorID, fieldName string) string {
	return reactorID + "/" + fieldName
}

// ActiveSetpoints 获取匹配 (reactor_id, field_name) 的启用规则
// 返回快照中的切片副本，级别权重降序、同级按 setpoint_id 稳定排序
func (r *SetpointRegistry) ActiveSetpoints(reactorID, fieldName string) []*models.SetPoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	setpoints := r.snapshot[snapshotKey(reactorID, fieldName)]
	if len(setpoints) == 0 {
		return nil
	}

	out := make([]*models.SetPoint, len(setpoints))
	copy(out, setpoints)
	return out
}

// Degraded 是否处于降级状态（最近一次刷新失败）
func (r *SetpointRegistry) Degraded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.degraded
}

// Refresh 从存储重新加载快照
// 失败时保持最后一次成功的快照，置降级标记，不让评估路径失败
func (r *SetpointRegistry) Refresh(ctx context.Context) error {
	loadCtx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()

	setpoints, err := r.source.ListEnabledSetpoints(loadCtx)
	if err != nil {
		r.setDegraded(true)
		return fmt.Errorf("failed to refresh setpoint registry: %w", err)
	}

	next := map[string][]*models.SetPoint{}
	for _, sp := range setpoints {
		key := snapshotKey(sp.ReactorID, sp.FieldName)
		next[key] = append(next[key], sp)
	}

	for _, group := range next {
		sort.SliceStable(group, func(i, j int) bool {
			wi := models.SeverityWeight(group[i].Severity)
			wj := models.SeverityWeight(group[j].Severity)
			if wi != wj {
				return wi > wj
			}
			return group[i].SetpointID < group[j].SetpointID
		})
	}

	r.mu.Lock()
	r.snapshot = next
	r.degraded = false
	r.mu.Unlock()
	metrics.RegistryDegraded.Set(0)

	r.logger.Debug("Setpoint registry refreshed",
		zap.Int("setpoint_count", len(setpoints)),
	)

	return nil
}

func (r *SetpointRegistry) setDegraded(degraded bool) {
	r.mu.Lock()
	r.degraded = degraded
	r.mu.Unlock()
	if degraded {
		metrics.RegistryDegraded.Set(1)
	} else {
		metrics.RegistryDegraded.Set(0)
	}
}

// Start 启动缓存维护：定期刷新 + 订阅规则变更通知
// ctx 取消后退出
func (r *SetpointRegistry) Start(ctx context.Context) {
	// 启动时先加载一次
	if err := r.Refresh(ctx); err != nil {
		r.logger.Error("Failed to load setpoint registry on startup",
			zap.Error(err),
		)
	}

	// 事件驱动失效：规则写路径发布到变更频道
	if r.redisClient != nil {
		go r.subscribeInvalidation(ctx)
	}

	ticker := time.NewTicker(r.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Setpoint registry stopped")
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				r.logger.Error("Failed to refresh setpoint registry",
					zap.Error(err),
				)
				// 继续提供旧快照，不中断
			}
		}
	}
}

// subscribeInvalidation 订阅规则变更频道，收到消息立即刷新
func (r *SetpointRegistry) subscribeInvalidation(ctx context.Context) {
	pubsub := r.redisClient.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	r.logger.Info("Subscribed to setpoint invalidation channel",
		zap.String("channel", r.channel),
	)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.logger.Debug("Setpoint invalidation received",
				zap.String("payload", msg.Payload),
			)
			if err := r.Refresh(ctx); err != nil {
				r.logger.Error("Failed to refresh after invalidation",
					zap.Error(err),
				)
			}
		}
	}
}
