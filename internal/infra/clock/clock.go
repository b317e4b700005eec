// Package clock — единая точка получения текущего времени движка.
// Компоненты принимают Func как зависимость, что позволяет подменять время в тестах.
package clock

import "time"

// Func — источник текущего времени. Компоненты хранят её вместо прямых вызовов time.Now.
type Func func() time.Time

// Now возвращает текущее время в таймзоне процесса (APP_TIMEZONE задаёт time.Local при старте).
func Now() time.Time {
	return time.Now()
}
