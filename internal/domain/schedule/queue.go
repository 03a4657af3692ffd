package schedule

import (
	"container/heap"
	"context"
	"time"
)

// Payload: работа, выполняемая при срабатывании задачи.
type Payload func(ctx context.Context) error

// Task: запись очереди отложенных задач.
type Task struct {
	Key    Key
	FireAt time.Time
	// MaturesAt: момент созревания (для KindWake), для логов и статистики.
	MaturesAt time.Time

	payload Payload
	index   int
}

// taskHeap: min-heap по FireAt; реализует container/heap.Interface.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool { return h[i].FireAt.Before(h[j].FireAt) }

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// peek возвращает ближайшую задачу без извлечения.
func (h taskHeap) peek() *Task {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

var _ heap.Interface = (*taskHeap)(nil)
