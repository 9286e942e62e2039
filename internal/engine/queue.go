package engine

import "sync"

// DefaultQueueCapacity 为入站事件队列默认容量。
const DefaultQueueCapacity = 4096

// Queue 是行情流与 tick 循环之间唯一的共享资源：
// 生产侧只追加，消费侧一次性取走全部事件且不会重复投递。
type Queue struct {
	mu       sync.Mutex
	events   []ExecutionEvent
	capacity int
	dropped  uint64
}

// NewQueue 创建有界事件队列。
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		events:   make([]ExecutionEvent, 0, capacity),
		capacity: capacity,
	}
}

// Push 追加一条事件。队列满时淘汰最旧事件并返回 false，
// 丢弃行为由调用方负责记录。
func (q *Queue) Push(ev ExecutionEvent) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) >= q.capacity {
		copy(q.events, q.events[1:])
		q.events[len(q.events)-1] = ev
		q.dropped++
		return false
	}
	q.events = append(q.events, ev)
	return true
}

// Drain 取走当前队列中全部事件，每条事件只会被取走一次。
func (q *Queue) Drain() []ExecutionEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return nil
	}
	out := make([]ExecutionEvent, len(q.events))
	copy(out, q.events)
	q.events = q.events[:0]
	return out
}

// Len 返回当前排队事件数。
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Dropped 返回因容量溢出被淘汰的事件总数。
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
