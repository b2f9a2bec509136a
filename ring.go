package eventpipe

import (
	"sync"
	"time"
)

// ringBuffer 单个流的有界事件缓冲区。
// 覆盖式环形存储：容量满时最旧的事件被覆盖。
// 由分发器单写，API 查询并发读。
type ringBuffer struct {
	mu       sync.RWMutex
	events   []*Event
	head     int
	size     int
	capacity int
	evicted  uint64
}

// newRingBuffer 创建环形缓冲区
func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{
		events:   make([]*Event, capacity),
		capacity: capacity,
	}
}

// append 追加事件到尾部，容量满时覆盖最旧事件。
// 返回是否发生了覆盖。
func (rb *ringBuffer) append(event *Event) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	evicted := false
	if rb.size == rb.capacity {
		rb.head = (rb.head + 1) % rb.capacity
		rb.size--
		rb.evicted++
		evicted = true
	}

	tail := (rb.head + rb.size) % rb.capacity
	rb.events[tail] = event
	rb.size++
	return evicted
}

// recent 返回最新的 limit 个事件，最新的在前。
// limit <= 0 或超过当前数量时返回全部。
func (rb *ringBuffer) recent(limit int) []*Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if limit <= 0 || limit > rb.size {
		limit = rb.size
	}

	result := make([]*Event, limit)
	for i := 0; i < limit; i++ {
		// 从尾部向前取
		idx := (rb.head + rb.size - 1 - i) % rb.capacity
		result[i] = rb.events[idx]
	}
	return result
}

// trimOlderThan 移除时间戳早于 cutoff 的事件，返回移除数量。
// 周期性调用，不在每次 append 时执行。
func (rb *ringBuffer) trimOlderThan(cutoff time.Time) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	removed := 0
	for rb.size > 0 {
		oldest := rb.events[rb.head]
		if !oldest.Timestamp.Before(cutoff) {
			break
		}
		rb.events[rb.head] = nil
		rb.head = (rb.head + 1) % rb.capacity
		rb.size--
		removed++
	}
	return removed
}

// countSince 统计时间戳不早于 cutoff 的事件数量，用于吞吐量重算
func (rb *ringBuffer) countSince(cutoff time.Time) int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	count := 0
	for i := rb.size - 1; i >= 0; i-- {
		idx := (rb.head + i) % rb.capacity
		if rb.events[idx].Timestamp.Before(cutoff) {
			break
		}
		count++
	}
	return count
}

// len 当前缓冲的事件数量
func (rb *ringBuffer) len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}

// evictedCount 累计被覆盖的事件数量
func (rb *ringBuffer) evictedCount() uint64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.evicted
}
