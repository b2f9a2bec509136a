package eventpipe

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// pipeline 管道实现。所有注册表由它持有，生命周期显式：
// New 构造，Shutdown 终止，没有进程级全局状态。
type pipeline struct {
	config    *Config
	logger    *zap.Logger
	pool      *ants.Pool
	queue     *eventQueue
	registry  *streamRegistry
	evaluator *alertEvaluator

	// subIndex 订阅ID到所属流的索引，支撑幂等 Unsubscribe
	subMu    sync.Mutex
	subIndex map[string]*stream

	baseCtx    context.Context
	baseCancel context.CancelFunc
	closeCh    chan struct{}
	dispatchWg sync.WaitGroup
	maintWg    sync.WaitGroup
	closed     int32

	processed uint64
	dropped   uint64
	alerts    uint64
}

// newPipeline 构造并启动管道
func newPipeline(config *Config) (*pipeline, error) {
	logger := config.Log
	if logger == nil {
		var err error
		logger, err = newLogger(config.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
	}

	poolOptions := []ants.Option{
		ants.WithExpiryDuration(config.Pool.ExpiryDuration),
		ants.WithPreAlloc(config.Pool.PreAlloc),
	}

	pool, err := ants.NewPool(config.Pool.Size, poolOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &pipeline{
		config:     config,
		logger:     logger,
		pool:       pool,
		queue:      newEventQueue(config.Queue.Capacity),
		registry:   newStreamRegistry(config.Stream, pool, logger),
		evaluator:  newAlertEvaluator(config.Alerts),
		subIndex:   make(map[string]*stream),
		baseCtx:    ctx,
		baseCancel: cancel,
		closeCh:    make(chan struct{}),
	}

	p.dispatchWg.Add(1)
	go p.dispatchLoop()

	p.maintWg.Add(1)
	go p.maintenanceLoop()

	return p, nil
}

// isClosed 管道是否已关闭
func (p *pipeline) isClosed() bool {
	return atomic.LoadInt32(&p.closed) == 1
}

// CreateStream 显式创建流
func (p *pipeline) CreateStream(id string, category Category, opts ...StreamOption) (string, error) {
	if p.isClosed() {
		return "", ErrPipelineClosed
	}

	config := StreamConfig{}
	for _, opt := range opts {
		opt(&config)
	}

	st, err := p.registry.create(id, category, config)
	if err != nil {
		return "", err
	}
	return st.id, nil
}

// Publish 发布事件。非阻塞：除了队列锁本身的竞争，
// 不会为等待分发器而阻塞，队列满立即返回 ErrQueueFull。
func (p *pipeline) Publish(ctx context.Context, streamID, origin string, payload Payload, priority int) (string, error) {
	if p.isClosed() {
		return "", ErrPipelineClosed
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validateStreamID(streamID); err != nil {
		return "", err
	}

	st, ok := p.registry.get(streamID)
	if !ok {
		if !p.config.AutoCreateStreams {
			return "", fmt.Errorf("stream %s: %w", streamID, ErrUnknownStream)
		}
		st = p.registry.getOrCreate(streamID, CategoryActivity)
	}

	if st.currentStatus() == StreamClosed {
		return "", fmt.Errorf("stream %s: %w", streamID, ErrStreamClosed)
	}

	if priority <= 0 {
		priority = DefaultPriority
	}

	event := &Event{
		ID:        newEventID(),
		StreamID:  st.id,
		Category:  st.category,
		Origin:    origin,
		Payload:   payload.clone(),
		Priority:  priority,
		Timestamp: time.Now(),
	}

	if err := p.queue.push(event); err != nil {
		atomic.AddUint64(&p.dropped, 1)
		return "", fmt.Errorf("stream %s: %w", streamID, err)
	}

	st.recordPublish(event.Timestamp)
	return event.ID, nil
}

// Subscribe 订阅流
func (p *pipeline) Subscribe(streamID string, callback Callback, opts ...SubscribeOption) (string, error) {
	if p.isClosed() {
		return "", ErrPipelineClosed
	}
	if callback == nil {
		return "", newValidationError("callback", "cannot be nil")
	}

	st, ok := p.registry.get(streamID)
	if !ok {
		return "", fmt.Errorf("stream %s: %w", streamID, ErrUnknownStream)
	}
	if st.currentStatus() == StreamClosed {
		return "", fmt.Errorf("stream %s: %w", streamID, ErrStreamClosed)
	}

	config := subscribeConfig{timeout: p.config.Stream.CallbackTimeout}
	for _, opt := range opts {
		opt(&config)
	}
	if config.timeout <= 0 {
		config.timeout = p.config.Stream.CallbackTimeout
	}
	if err := config.filter.validate(); err != nil {
		return "", err
	}

	sub := newSubscription(st.id, config.filter, callback, config.timeout)
	st.subs.add(sub)

	p.subMu.Lock()
	p.subIndex[sub.id] = st
	p.subMu.Unlock()

	return sub.id, nil
}

// Unsubscribe 取消订阅，幂等
func (p *pipeline) Unsubscribe(subscriptionID string) {
	p.subMu.Lock()
	st, ok := p.subIndex[subscriptionID]
	if ok {
		delete(p.subIndex, subscriptionID)
	}
	p.subMu.Unlock()

	if ok {
		st.subs.remove(subscriptionID)
	}
}

// UpdateThresholds 原子替换某指标的规则
func (p *pipeline) UpdateThresholds(streamID, metric string, rule ThresholdRule) error {
	if metric == "" {
		return newValidationError("metric", "cannot be empty")
	}
	if err := rule.validate(); err != nil {
		return err
	}

	st, ok := p.registry.get(streamID)
	if !ok {
		return fmt.Errorf("stream %s: %w", streamID, ErrUnknownStream)
	}

	st.setThreshold(metric, rule)
	return nil
}

// PauseStream 暂停流
func (p *pipeline) PauseStream(id string) error {
	st, ok := p.registry.get(id)
	if !ok {
		return fmt.Errorf("stream %s: %w", id, ErrUnknownStream)
	}
	return st.setStatus(StreamPaused)
}

// ResumeStream 恢复流
func (p *pipeline) ResumeStream(id string) error {
	st, ok := p.registry.get(id)
	if !ok {
		return fmt.Errorf("stream %s: %w", id, ErrUnknownStream)
	}
	return st.setStatus(StreamActive)
}

// CloseStream 关闭流（终态），幂等
func (p *pipeline) CloseStream(id string) error {
	st, ok := p.registry.get(id)
	if !ok {
		return fmt.Errorf("stream %s: %w", id, ErrUnknownStream)
	}

	st.mu.Lock()
	alreadyClosed := st.status == StreamClosed
	st.status = StreamClosed
	st.mu.Unlock()

	if !alreadyClosed {
		st.subs.deactivateAll()
		p.logger.Info("stream closed", zap.String("stream", id))
	}
	return nil
}

// GetStreamStatus 获取流状态快照
func (p *pipeline) GetStreamStatus(id string) (StreamStatusSnapshot, error) {
	st, ok := p.registry.get(id)
	if !ok {
		return StreamStatusSnapshot{}, fmt.Errorf("stream %s: %w", id, ErrUnknownStream)
	}
	return st.statusSnapshot(), nil
}

// GetRecentEvents 获取最近的事件，最新的在前
func (p *pipeline) GetRecentEvents(id string, limit int) ([]*Event, error) {
	st, ok := p.registry.get(id)
	if !ok {
		return nil, fmt.Errorf("stream %s: %w", id, ErrUnknownStream)
	}
	return st.buffer.recent(limit), nil
}

// GetAnalyticsSummary 获取流的统计快照
func (p *pipeline) GetAnalyticsSummary(id string) (AnalyticsSnapshot, error) {
	st, ok := p.registry.get(id)
	if !ok {
		return AnalyticsSnapshot{}, fmt.Errorf("stream %s: %w", id, ErrUnknownStream)
	}
	return st.analytics.snapshot(), nil
}

// ListStreams 列出全部流
func (p *pipeline) ListStreams() []StreamInfo {
	return p.registry.list()
}

// Stats 获取管道运行统计
func (p *pipeline) Stats() map[string]interface{} {
	return map[string]interface{}{
		"queue_depth":   p.queue.len(),
		"pool_running":  p.pool.Running(),
		"pool_free":     p.pool.Free(),
		"pool_capacity": p.pool.Cap(),
		"streams":       p.registry.count(),
		"processed":     atomic.LoadUint64(&p.processed),
		"dropped":       atomic.LoadUint64(&p.dropped),
		"alerts":        atomic.LoadUint64(&p.alerts),
		"closed":        p.isClosed(),
	}
}

// Shutdown 关闭管道
func (p *pipeline) Shutdown(drain bool) error {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return nil // 已经关闭
	}

	// 先停止进新事件；drain 模式下分发器把剩余队列排空后退出
	p.queue.close(!drain)
	p.dispatchWg.Wait()

	close(p.closeCh)
	p.maintWg.Wait()

	p.baseCancel()
	p.pool.Release()

	p.logger.Info("pipeline shut down",
		zap.Bool("drain", drain),
		zap.Uint64("processed", atomic.LoadUint64(&p.processed)),
		zap.Uint64("dropped", atomic.LoadUint64(&p.dropped)),
	)
	return nil
}

// dispatchLoop 单消费者分发循环。队列空时阻塞等待，
// 关闭且排空后退出。
func (p *pipeline) dispatchLoop() {
	defer p.dispatchWg.Done()

	for {
		event, ok := p.queue.pop()
		if !ok {
			return
		}
		p.dispatchEvent(event)
	}
}

// dispatchEvent 处理单个事件：写缓冲、投递订阅、更新统计、阈值检查。
// 任何处理异常只记入流的错误计数，不会中断分发循环。
func (p *pipeline) dispatchEvent(event *Event) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("dispatch panicked on event %s: %v", event.ID, r)
			p.logger.Error("dispatch failure", zap.Error(err))
			if st, ok := p.registry.get(event.StreamID); ok {
				st.analytics.recordError(err)
			}
		}
	}()

	st, ok := p.registry.get(event.StreamID)
	if !ok {
		// 入队时流一定存在，此处只可能是内部不一致
		p.logger.Warn("event for unknown stream dropped", zap.String("stream", event.StreamID))
		return
	}

	status := st.currentStatus()

	// 在事件对回调和查询可见之前置位，此后事件不再被写
	event.Processed = true

	st.buffer.append(event)

	if status == StreamActive {
		st.subs.notify(p.baseCtx, event)
	}

	st.analytics.update(event)

	if status == StreamActive && st.category != CategoryAlert {
		p.evaluateThresholds(st, event)
	}

	atomic.AddUint64(&p.processed, 1)
}

// evaluateThresholds 阈值检查，越界时合成告警事件并回流进队列。
// 告警流永远不再做阈值检查，避免告警自激。
func (p *pipeline) evaluateThresholds(st *stream, event *Event) {
	hits := p.evaluator.check(event, st.thresholdRules())
	for _, hit := range hits {
		alertStream := p.registry.getOrCreate(alertStreamID(event.Origin), CategoryAlert)
		if alertStream.currentStatus() == StreamClosed {
			continue
		}

		alert := &Event{
			ID:        newEventID(),
			StreamID:  alertStream.id,
			Category:  CategoryAlert,
			Origin:    event.Origin,
			Payload:   p.evaluator.alertPayload(event, hit),
			Priority:  p.evaluator.priority,
			Timestamp: time.Now(),
		}

		if err := p.queue.pushInternal(alert); err != nil {
			p.logger.Warn("alert dropped",
				zap.String("stream", st.id),
				zap.String("metric", hit.metric),
				zap.Error(err),
			)
			st.analytics.recordError(fmt.Errorf("alert for metric %s dropped: %w", hit.metric, err))
			continue
		}

		alertStream.recordPublish(alert.Timestamp)
		atomic.AddUint64(&p.alerts, 1)
		p.logger.Info("threshold alert",
			zap.String("stream", st.id),
			zap.String("origin", event.Origin),
			zap.String("metric", hit.metric),
			zap.String("kind", string(hit.kind)),
			zap.Float64("observed", hit.observed),
			zap.Float64("threshold", hit.threshold),
		)
	}
}

// maintenanceLoop 周期维护：按保留窗口裁剪缓冲区、重算吞吐量。
// 吞吐量扫描缓冲区时间戳而不是维护递增计数器，避免无界增长。
func (p *pipeline) maintenanceLoop() {
	defer p.maintWg.Done()

	ticker := time.NewTicker(p.config.Stream.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.closeCh:
			return
		case <-ticker.C:
			now := time.Now()
			for _, st := range p.registry.all() {
				if st.retention > 0 {
					if removed := st.buffer.trimOlderThan(now.Add(-st.retention)); removed > 0 {
						p.logger.Debug("retention trim",
							zap.String("stream", st.id),
							zap.Int("removed", removed),
						)
					}
				}
				recent := st.buffer.countSince(now.Add(-time.Minute))
				st.analytics.setThroughput(float64(recent))
			}
		}
	}
}
