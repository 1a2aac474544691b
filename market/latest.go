package market

import "sync"

// LatestSlot 深度为 1 的通道：新值覆盖未消费的旧值，生产者永不阻塞。
// 只允许单个生产者调用 Publish。
type LatestSlot[T any] struct {
	ch chan T
}

func NewLatestSlot[T any]() *LatestSlot[T] {
	return &LatestSlot[T]{ch: make(chan T, 1)}
}

// Publish 先丢弃旧值再放入新值，返回是否有旧值被丢弃。
func (s *LatestSlot[T]) Publish(v T) (evicted bool) {
	for {
		select {
		case s.ch <- v:
			return evicted
		default:
		}
		select {
		case <-s.ch:
			evicted = true
		default:
		}
	}
}

// C 消费端通道。
func (s *LatestSlot[T]) C() <-chan T {
	return s.ch
}

// EventQueue 无界 FIFO 队列，不合并、不丢弃；Drain 非阻塞取出全部元素。
type EventQueue[T any] struct {
	mu    sync.Mutex
	items []T
	ready chan struct{}
}

func NewEventQueue[T any]() *EventQueue[T] {
	return &EventQueue[T]{ready: make(chan struct{}, 1)}
}

// Push 追加到队尾并发出就绪信号。
func (q *EventQueue[T]) Push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Drain 按入队顺序取出当前所有元素，队列为空时返回 nil。
func (q *EventQueue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	out := q.items
	q.items = nil
	return out
}

// Len 当前队列长度。
func (q *EventQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Ready 有新元素入队时可读（可能合并多次信号）。
func (q *EventQueue[T]) Ready() <-chan struct{} {
	return q.ready
}
