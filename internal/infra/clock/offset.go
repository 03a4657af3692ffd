package clock

import (
	"sync"
	"time"
)

// defaultWindow: размер окна скользящего среднего для смещения и задержки.
const defaultWindow = 5

// Average: скользящее среднее по фиксированному окну целочисленных отсчётов.
// Потокобезопасно: отсчёты могут приходить из любых воркеров.
type Average struct {
	mu      sync.Mutex
	window  []int64
	next    int
	filled  int
	sum     int64
	average int64
}

// NewAverage создаёт среднее с окном size; size <= 0 заменяется на defaultWindow.
func NewAverage(size int) *Average {
	if size <= 0 {
		size = defaultWindow
	}
	return &Average{window: make([]int64, size)}
}

// Add добавляет отсчёт, вытесняя самый старый при заполненном окне,
// и возвращает новое среднее.
func (a *Average) Add(sample int64) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.filled == len(a.window) {
		a.sum -= a.window[a.next]
	} else {
		a.filled++
	}
	a.window[a.next] = sample
	a.sum += sample
	a.next = (a.next + 1) % len(a.window)
	a.average = a.sum / int64(a.filled)
	return a.average
}

// Value возвращает текущее среднее (0 до первого отсчёта).
func (a *Average) Value() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.average
}

// Len сообщает, сколько отсчётов сейчас учитывается.
func (a *Average) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.filled
}

// Reset очищает окно.
func (a *Average) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.window)
	a.next, a.filled, a.sum, a.average = 0, 0, 0, 0
}

// Drift объединяет две оценки: смещение локальных часов относительно сервера
// и одностороннюю сетевую задержку. Обе в миллисекундах.
//
// Смещение считается как (середина локального интервала запроса − время сервера),
// то есть положительное значение означает, что локальные часы спешат.
type Drift struct {
	offset *Average
	delay  *Average
}

// NewDrift создаёт оценщик с окном size для обеих величин.
func NewDrift(size int) *Drift {
	return &Drift{
		offset: NewAverage(size),
		delay:  NewAverage(size),
	}
}

// ObserveServerTime регистрирует ответ, пришедший в интервале [start, end],
// в котором сервер сообщил своё время serverMillis. Возвращает новое среднее смещение.
func (d *Drift) ObserveServerTime(start, end time.Time, serverMillis int64) int64 {
	mid := (start.UnixMilli() + end.UnixMilli()) / 2
	return d.offset.Add(mid - serverMillis)
}

// ObserveRoundTrip учитывает длительность запроса: треть RTT считается
// оценкой задержки доставки запроса до сервера.
func (d *Drift) ObserveRoundTrip(spent time.Duration) int64 {
	return d.delay.Add(spent.Milliseconds() / 3)
}

// Offset: текущее среднее смещение часов.
func (d *Drift) Offset() time.Duration {
	return time.Duration(d.offset.Value()) * time.Millisecond
}

// Delay: текущая средняя оценка задержки доставки.
func (d *Drift) Delay() time.Duration {
	return time.Duration(d.delay.Value()) * time.Millisecond
}

// Correct переводит серверный момент в локальное время срабатывания:
// добавляет смещение часов и вычитает задержку доставки, чтобы запрос
// пришёл на сервер к моменту serverAt.
func (d *Drift) Correct(serverAt time.Time) time.Time {
	return serverAt.Add(d.Offset()).Add(-d.Delay())
}

// Reset сбрасывает обе оценки.
func (d *Drift) Reset() {
	d.offset.Reset()
	d.delay.Reset()
}
