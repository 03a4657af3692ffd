// Package harvest: ядро сбора: модель целей и ресурсов, классификация ответов
// платформы, конечный автомат одной цепочки сбора, кэши прохода и верхний
// драйвер прохода (Collector).
package harvest

import (
	"strings"
	"time"
)

// TargetKind: отношение цели к нам: откуда она была перечислена.
type TargetKind uint8

const (
	KindSelf TargetKind = iota + 1
	KindFriend
	KindRanking
	KindScheduled
)

func (k TargetKind) String() string {
	switch k {
	case KindSelf:
		return "self"
	case KindFriend:
		return "friend"
	case KindRanking:
		return "ranking"
	case KindScheduled:
		return "scheduled"
	default:
		return "unknown"
	}
}

// Target: удалённый аккаунт, с которого собираются ресурсы. Значение, не ресурс.
type Target struct {
	ID   string
	Name string
	Kind TargetKind
}

// Label: имя для логов: отображаемое имя, а если его нет: идентификатор.
func (t Target) Label() string {
	if t.Name != "" {
		return t.Name
	}
	return t.ID
}

// Status: состояние ресурса по данным листинга.
type Status uint8

const (
	StatusAvailable Status = iota + 1
	StatusWaiting
	StatusInsufficient
	StatusClaimed
)

// ParseStatus переводит строку платформы в Status. Неизвестные значения
// считаются уже собранными: трогать их нет смысла.
func ParseStatus(raw string) Status {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "AVAILABLE":
		return StatusAvailable
	case "WAITING":
		return StatusWaiting
	case "INSUFFICIENT":
		return StatusInsufficient
	default:
		return StatusClaimed
	}
}

func (s Status) String() string {
	switch s {
	case StatusAvailable:
		return "AVAILABLE"
	case StatusWaiting:
		return "WAITING"
	case StatusInsufficient:
		return "INSUFFICIENT"
	case StatusClaimed:
		return "CLAIMED"
	default:
		return "UNKNOWN"
	}
}

// Resource: созревающий на сервере ресурс цели.
type Resource struct {
	ID        string
	OwnerID   string
	MaturesAt time.Time
	Status    Status
}

// Origin: откуда пришла попытка; попадает в логи и сводку.
type Origin string

const (
	OriginSelf    Origin = "self"
	OriginRanking Origin = "ranking"
	OriginBatch   Origin = "batch"
	OriginWake    Origin = "wake"
)

// Attempt: одна цепочка сбора с цели. Мутируется автоматом по ходу цепочки.
type Attempt struct {
	Target      Target
	ResourceIDs []string
	TryCount    int
	NeedRetry   bool
	NeedRechain bool
	Origin      Origin
}

// NewAttempt создаёт попытку в состоянии INIT.
func NewAttempt(target Target, resourceIDs []string, origin Origin) *Attempt {
	return &Attempt{Target: target, ResourceIDs: resourceIDs, Origin: origin}
}

// Batch сообщает, собирает ли попытка несколько ресурсов одним запросом.
func (a *Attempt) Batch() bool { return len(a.ResourceIDs) > 1 }
