package schedule

import (
	"fmt"
	"time"
)

// Kind различает задачи ожидания созревания и задачи по времени суток.
type Kind uint8

const (
	KindWake   Kind = iota + 1 // ожидание созревания ресурса цели
	KindWindow                 // запуск в заданное время суток
)

// Key: типизированный идентификатор задачи. Для KindWake уникальна пара
// (TargetID, ResourceID); для KindWindow: абсолютный момент At (unix-мс).
type Key struct {
	Kind       Kind
	TargetID   string
	ResourceID string
	At         int64
}

// WakeKey строит ключ задачи ожидания ресурса.
func WakeKey(targetID, resourceID string) Key {
	return Key{Kind: KindWake, TargetID: targetID, ResourceID: resourceID}
}

// WindowKey строит ключ задачи на абсолютный момент.
func WindowKey(at time.Time) Key {
	return Key{Kind: KindWindow, At: at.UnixMilli()}
}

func (k Key) String() string {
	switch k.Kind {
	case KindWake:
		return fmt.Sprintf("wake|%s|%s", k.TargetID, k.ResourceID)
	case KindWindow:
		return fmt.Sprintf("window|%s", time.UnixMilli(k.At).Format("2006-01-02 15:04"))
	default:
		return "unknown"
	}
}
