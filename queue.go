package eventpipe

import (
	"container/heap"
	"sync"
)

// eventHeap 事件优先级堆。排序键为 (优先级降序, 序号升序)：
// 数值越大的优先级越先出队，同优先级按入队先后（FIFO）。
type eventHeap []*Event

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].Sequence < h[j].Sequence
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x interface{}) {
	*h = append(*h, x.(*Event))
}

func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// eventQueue 有界优先级队列，管道的并发边界。
// 多个生产者并发 push，单个分发器 pop；pop 在队列空时阻塞等待，
// 而不是轮询休眠。
type eventQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	heap     eventHeap
	capacity int
	seq      uint64
	closed   bool
}

// newEventQueue 创建有界优先级队列
func newEventQueue(capacity int) *eventQueue {
	q := &eventQueue{
		heap:     make(eventHeap, 0, capacity),
		capacity: capacity,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// push 非阻塞入队。队列满返回 ErrQueueFull，已关闭返回 ErrPipelineClosed。
// 序号在锁内分配，保证与入队顺序一致。
func (q *eventQueue) push(event *Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrPipelineClosed
	}

	return q.pushLocked(event)
}

// pushInternal 分发器内部入队（告警回流）。关闭后仍然接受，
// 以便 drain 模式下处理期间合成的告警也能被排到队尾处理。
func (q *eventQueue) pushInternal(event *Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.pushLocked(event)
}

func (q *eventQueue) pushLocked(event *Event) error {
	if len(q.heap) >= q.capacity {
		return ErrQueueFull
	}

	q.seq++
	event.Sequence = q.seq
	heap.Push(&q.heap, event)
	q.notEmpty.Signal()
	return nil
}

// pop 取出最高优先级事件。队列空时阻塞；
// 关闭且排空后返回 (nil, false)，分发器据此退出。
func (q *eventQueue) pop() (*Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.heap) == 0 && !q.closed {
		q.notEmpty.Wait()
	}

	if len(q.heap) == 0 {
		return nil, false
	}

	event := heap.Pop(&q.heap).(*Event)
	return event, true
}

// close 关闭队列。discard 为 true 时丢弃剩余事件，
// 否则剩余事件仍可被 pop 排空。
func (q *eventQueue) close(discard bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	if discard {
		q.heap = q.heap[:0]
	}
	q.notEmpty.Broadcast()
}

// len 当前队列深度
func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}
