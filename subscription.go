package eventpipe

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// Callback 订阅回调。返回非nil错误计入所在流的错误计数。
// 回调在协程池中执行，同一事件到不同订阅者的先后不保证。
type Callback func(ctx context.Context, event *Event) error

// Filter 订阅过滤器。三类条件均可选，全部以 AND 组合：
// 实体白名单、最低优先级、字段相等匹配。
type Filter struct {
	// Origins 实体白名单，为空表示不限
	Origins []string `json:"origins,omitempty"`

	// MinPriority 最低优先级，事件优先级低于它时不投递
	MinPriority int `json:"min_priority"`

	// FieldEquals 字段相等条件 (字段名 -> 期望值)，全部满足才投递
	FieldEquals map[string]interface{} `json:"field_equals,omitempty"`
}

// validate 校验过滤器结构
func (f *Filter) validate() error {
	if f.MinPriority < 0 {
		return newValidationError("min_priority", "cannot be negative")
	}
	for _, origin := range f.Origins {
		if origin == "" {
			return newValidationError("origins", "entry cannot be empty")
		}
	}
	for key, value := range f.FieldEquals {
		if key == "" {
			return newValidationError("field_equals", "key cannot be empty")
		}
		// 不可比较的期望值会让相等判断panic，订阅时直接拒绝
		if value != nil && !reflect.TypeOf(value).Comparable() {
			return newValidationError("field_equals", fmt.Sprintf("value for %q is not comparable", key))
		}
	}
	return nil
}

// matches 判断事件是否命中过滤器
func (f *Filter) matches(event *Event) bool {
	if event.Priority < f.MinPriority {
		return false
	}

	if len(f.Origins) > 0 {
		found := false
		for _, origin := range f.Origins {
			if origin == event.Origin {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	for key, want := range f.FieldEquals {
		got, ok := event.Payload.Fields[key]
		if !ok || got != want {
			return false
		}
	}

	return true
}

// subscription 单个订阅
type subscription struct {
	id        string
	streamID  string
	filter    Filter
	callback  Callback
	timeout   time.Duration
	created   time.Time
	delivered int64
	active    int32
}

// newSubscription 创建订阅
func newSubscription(streamID string, filter Filter, callback Callback, timeout time.Duration) *subscription {
	return &subscription{
		id:       newSubscriptionID(),
		streamID: streamID,
		filter:   filter,
		callback: callback,
		timeout:  timeout,
		created:  time.Now(),
		active:   1,
	}
}

// isActive 订阅是否活跃
func (s *subscription) isActive() bool {
	return atomic.LoadInt32(&s.active) == 1
}

// deactivate 使订阅失效，幂等
func (s *subscription) deactivate() {
	atomic.StoreInt32(&s.active, 0)
}

// deliveredCount 累计投递成功次数
func (s *subscription) deliveredCount() int64 {
	return atomic.LoadInt64(&s.delivered)
}

// subscriptionManager 单个流的订阅注册表。
// 回调经共享协程池异步执行，单个回调的 panic、错误或超时
// 只计入流的错误计数，不影响其他订阅者，也不回传给分发器。
type subscriptionManager struct {
	mu     sync.RWMutex
	subs   []*subscription
	pool   *ants.Pool
	logger *zap.Logger

	// onError 回调失败时的上报钩子，接入流的错误计数
	onError func(err error)
}

// newSubscriptionManager 创建订阅注册表
func newSubscriptionManager(pool *ants.Pool, logger *zap.Logger, onError func(err error)) *subscriptionManager {
	return &subscriptionManager{
		pool:    pool,
		logger:  logger,
		onError: onError,
	}
}

// add 添加订阅
func (sm *subscriptionManager) add(sub *subscription) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.subs = append(sm.subs, sub)
}

// remove 移除订阅，幂等
func (sm *subscriptionManager) remove(id string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for i, sub := range sm.subs {
		if sub.id == id {
			sub.deactivate()
			sm.subs = append(sm.subs[:i], sm.subs[i+1:]...)
			return
		}
	}
}

// deactivateAll 使全部订阅失效（流关闭时调用）
func (sm *subscriptionManager) deactivateAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, sub := range sm.subs {
		sub.deactivate()
	}
	sm.subs = nil
}

// count 当前活跃订阅数量
func (sm *subscriptionManager) count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.subs)
}

// notify 将事件投递给所有命中过滤器的活跃订阅。
// 只负责把回调任务提交进协程池，不等待执行结果，
// 因此分发器主循环不会被任何回调阻塞。
func (sm *subscriptionManager) notify(ctx context.Context, event *Event) {
	sm.mu.RLock()
	matched := make([]*subscription, 0, len(sm.subs))
	for _, sub := range sm.subs {
		if sub.isActive() && sub.filter.matches(event) {
			matched = append(matched, sub)
		}
	}
	sm.mu.RUnlock()

	for _, sub := range matched {
		sub := sub
		if err := sm.pool.Submit(func() {
			sm.invoke(ctx, sub, event)
		}); err != nil {
			sm.reportError(fmt.Errorf("failed to submit callback for subscription %s: %w", sub.id, err))
		}
	}
}

// invoke 在协程池中执行单次回调，隔离 panic、错误与超时
func (sm *subscriptionManager) invoke(ctx context.Context, sub *subscription, event *Event) {
	cctx, cancel := context.WithTimeout(ctx, sub.timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("subscriber %s panicked: %v", sub.id, r)
			}
		}()
		errCh <- sub.callback(cctx, event)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			sm.reportError(fmt.Errorf("subscriber %s failed on event %s: %w", sub.id, event.ID, err))
			return
		}
		atomic.AddInt64(&sub.delivered, 1)
	case <-cctx.Done():
		// 超时的回调协程被放弃，其结果不再关心
		sm.reportError(fmt.Errorf("subscriber %s timed out on event %s after %s", sub.id, event.ID, sub.timeout))
	}
}

// reportError 记录回调失败
func (sm *subscriptionManager) reportError(err error) {
	sm.logger.Warn("subscriber notification failed", zap.Error(err))
	if sm.onError != nil {
		sm.onError(err)
	}
}
