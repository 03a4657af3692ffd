package harvest

import (
	"sync"
	"time"
)

// RunCaches: три кэша прохода. Конкурентные карты без межключевой
// атомарности; Clear вызывается в конце каждого прохода при любом исходе.
type RunCaches struct {
	collected sync.Map // targetID → имя
	empty     sync.Map // targetID → time.Time
	protected sync.Map // targetID → причина
}

// MarkCollected помечает цель как взятую в обработку. Возвращает false, если
// её уже взяла другая цепочка этого прохода.
func (c *RunCaches) MarkCollected(target Target) bool {
	_, loaded := c.collected.LoadOrStore(target.ID, target.Label())
	return !loaded
}

// Collected сообщает, обработана ли цель в этом проходе.
func (c *RunCaches) Collected(targetID string) bool {
	_, ok := c.collected.Load(targetID)
	return ok
}

// MarkEmpty помечает цель как не имеющую ничего к сбору.
func (c *RunCaches) MarkEmpty(targetID string, at time.Time) {
	c.empty.Store(targetID, at)
}

// Empty сообщает, подтверждено ли отсутствие ресурсов у цели.
func (c *RunCaches) Empty(targetID string) bool {
	_, ok := c.empty.Load(targetID)
	return ok
}

// MarkProtected помечает цель как защищённую; заполняется и сторонними сканерами.
func (c *RunCaches) MarkProtected(targetID, reason string) {
	c.protected.Store(targetID, reason)
}

// Protected возвращает причину защиты цели, если она известна.
func (c *RunCaches) Protected(targetID string) (string, bool) {
	v, ok := c.protected.Load(targetID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Skip сообщает, нужно ли пропустить цель до конца прохода, и почему.
func (c *RunCaches) Skip(targetID string) (string, bool) {
	if reason, ok := c.Protected(targetID); ok {
		return "protected: " + reason, true
	}
	if c.Empty(targetID) {
		return "empty", true
	}
	return "", false
}

// Sizes возвращает размеры кэшей (collected, empty, protected).
func (c *RunCaches) Sizes() (collected, empty, protected int) {
	count := func(m *sync.Map) int {
		n := 0
		m.Range(func(_, _ any) bool { n++; return true })
		return n
	}
	return count(&c.collected), count(&c.empty), count(&c.protected)
}

// Clear очищает все три кэша.
func (c *RunCaches) Clear() {
	c.collected.Clear()
	c.empty.Clear()
	c.protected.Clear()
}
