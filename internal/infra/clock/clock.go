// Package clock: единая точка получения «текущего времени» харвестера и
// оценки расхождения локальных часов с часами платформы.
package clock

import (
	"sync/atomic"
	"time"
)

// location: таймзона приложения; nil означает time.Local.
var location atomic.Pointer[time.Location]

// SetLocation задаёт глобальную таймзону приложения (APP_TIMEZONE).
func SetLocation(loc *time.Location) {
	location.Store(loc)
}

// Location возвращает таймзону приложения или time.Local, если она не задана.
func Location() *time.Location {
	if loc := location.Load(); loc != nil {
		return loc
	}
	return time.Local
}

// Now возвращает текущее время в глобальной таймзоне приложения.
func Now() time.Time {
	return time.Now().In(Location())
}
