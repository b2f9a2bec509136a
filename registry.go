package eventpipe

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// StreamStatus 流状态
type StreamStatus string

// 流状态常量。ACTIVE 与 PAUSED 可互相切换，CLOSED 为终态。
// PAUSED 仍然接受发布并写入缓冲区与统计，但停止订阅投递和告警。
const (
	StreamActive StreamStatus = "ACTIVE"
	StreamPaused StreamStatus = "PAUSED"
	StreamClosed StreamStatus = "CLOSED"
)

// StreamStatusSnapshot 流状态快照
type StreamStatusSnapshot struct {
	ID            string        `json:"id"`
	Category      Category      `json:"category"`
	Status        StreamStatus  `json:"status"`
	Capacity      int           `json:"capacity"`
	Retention     time.Duration `json:"retention"`
	Buffered      int           `json:"buffered"`
	Subscribers   int           `json:"subscribers"`
	Published     int64         `json:"published"`
	Evicted       uint64        `json:"evicted"`
	ErrorCount    int64         `json:"error_count"`
	LastPublished time.Time     `json:"last_published,omitempty"`
}

// StreamInfo 流列表项
type StreamInfo struct {
	ID       string       `json:"id"`
	Category Category     `json:"category"`
	Status   StreamStatus `json:"status"`
}

// stream 单个流及其所属的缓冲区、聚合器和订阅注册表
type stream struct {
	id        string
	category  Category
	capacity  int
	retention time.Duration

	mu         sync.RWMutex
	status     StreamStatus
	thresholds map[string]ThresholdRule
	published  int64
	lastPub    time.Time

	buffer    *ringBuffer
	analytics *analyticsAggregator
	subs      *subscriptionManager
}

// setStatus 切换流状态。CLOSED 为终态，不可离开。
func (st *stream) setStatus(status StreamStatus) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.status == StreamClosed {
		return fmt.Errorf("stream %s: %w", st.id, ErrStreamClosed)
	}
	st.status = status
	return nil
}

// currentStatus 当前状态
func (st *stream) currentStatus() StreamStatus {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.status
}

// recordPublish 记录一次成功入队
func (st *stream) recordPublish(at time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.published++
	st.lastPub = at
}

// setThreshold 原子替换单个指标的规则
func (st *stream) setThreshold(metric string, rule ThresholdRule) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.thresholds == nil {
		st.thresholds = make(map[string]ThresholdRule)
	}
	st.thresholds[metric] = rule
}

// thresholdRules 返回规则的只读副本
func (st *stream) thresholdRules() map[string]ThresholdRule {
	st.mu.RLock()
	defer st.mu.RUnlock()

	if len(st.thresholds) == 0 {
		return nil
	}
	rules := make(map[string]ThresholdRule, len(st.thresholds))
	for k, v := range st.thresholds {
		rules[k] = v
	}
	return rules
}

// statusSnapshot 组装状态快照
func (st *stream) statusSnapshot() StreamStatusSnapshot {
	st.mu.RLock()
	snap := StreamStatusSnapshot{
		ID:            st.id,
		Category:      st.category,
		Status:        st.status,
		Capacity:      st.capacity,
		Retention:     st.retention,
		Published:     st.published,
		LastPublished: st.lastPub,
	}
	st.mu.RUnlock()

	snap.Buffered = st.buffer.len()
	snap.Evicted = st.buffer.evictedCount()
	snap.Subscribers = st.subs.count()
	snap.ErrorCount = st.analytics.errorCount()
	return snap
}

// streamRegistry 流注册表。创建/查找流并持有其组件。
type streamRegistry struct {
	mu       sync.RWMutex
	streams  map[string]*stream
	defaults StreamDefaults
	pool     *ants.Pool
	logger   *zap.Logger
}

// newStreamRegistry 创建流注册表
func newStreamRegistry(defaults StreamDefaults, pool *ants.Pool, logger *zap.Logger) *streamRegistry {
	return &streamRegistry{
		streams:  make(map[string]*stream),
		defaults: defaults,
		pool:     pool,
		logger:   logger,
	}
}

// create 创建流。已存在时返回 ErrStreamExists，
// 除非配置了幂等创建（此时返回现有流）。
func (r *streamRegistry) create(id string, category Category, config StreamConfig) (*stream, error) {
	if err := validateStreamID(id); err != nil {
		return nil, err
	}
	if !validCategory(category) {
		return nil, newValidationError("category", fmt.Sprintf("unknown category %q", category))
	}
	for metric, rule := range config.Thresholds {
		if metric == "" {
			return nil, newValidationError("thresholds", "metric name cannot be empty")
		}
		if err := rule.validate(); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.streams[id]; ok {
		if config.IdempotentCreate {
			return existing, nil
		}
		return nil, fmt.Errorf("stream %s: %w", id, ErrStreamExists)
	}

	st := r.newStreamLocked(id, category, config)
	r.streams[id] = st
	r.logger.Info("stream created",
		zap.String("stream", id),
		zap.String("category", string(category)),
		zap.Int("capacity", st.capacity),
	)
	return st, nil
}

// getOrCreate 查找或创建流，首次并发使用下只分配一次
func (r *streamRegistry) getOrCreate(id string, category Category) *stream {
	r.mu.RLock()
	st, ok := r.streams[id]
	r.mu.RUnlock()
	if ok {
		return st
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// 双重检查，避免并发创建出重复流
	if st, ok := r.streams[id]; ok {
		return st
	}

	st = r.newStreamLocked(id, category, StreamConfig{})
	r.streams[id] = st
	r.logger.Info("stream auto-created",
		zap.String("stream", id),
		zap.String("category", string(category)),
	)
	return st
}

// newStreamLocked 分配流及其组件，调用方持有写锁
func (r *streamRegistry) newStreamLocked(id string, category Category, config StreamConfig) *stream {
	capacity := config.Capacity
	if capacity <= 0 {
		capacity = r.defaults.Capacity
	}
	retention := config.Retention
	if retention <= 0 {
		retention = r.defaults.Retention
	}

	analytics := newAnalyticsAggregator(id, r.defaults.RecentValues)

	var thresholds map[string]ThresholdRule
	if len(config.Thresholds) > 0 {
		thresholds = make(map[string]ThresholdRule, len(config.Thresholds))
		for k, v := range config.Thresholds {
			thresholds[k] = v
		}
	}

	return &stream{
		id:         id,
		category:   category,
		capacity:   capacity,
		retention:  retention,
		status:     StreamActive,
		thresholds: thresholds,
		buffer:     newRingBuffer(capacity),
		analytics:  analytics,
		subs:       newSubscriptionManager(r.pool, r.logger, analytics.recordError),
	}
}

// get 查找流
func (r *streamRegistry) get(id string) (*stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.streams[id]
	return st, ok
}

// all 返回全部流
func (r *streamRegistry) all() []*stream {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*stream, 0, len(r.streams))
	for _, st := range r.streams {
		result = append(result, st)
	}
	return result
}

// list 返回按ID排序的流列表
func (r *streamRegistry) list() []StreamInfo {
	streams := r.all()

	result := make([]StreamInfo, 0, len(streams))
	for _, st := range streams {
		result = append(result, StreamInfo{
			ID:       st.id,
			Category: st.category,
			Status:   st.currentStatus(),
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// count 当前流数量
func (r *streamRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}
