// Package commands — общий интерфейс команд управления движком.
// Используется консольным адаптером; реализация живёт в internal/app.
package commands

import (
	"context"
	"time"
)

// Executor — операции управления и диагностики движка.
type Executor interface {
	// Status возвращает сводку состояния движка
	Status(ctx context.Context) (*StatusResult, error)

	// Tasks возвращает последние задачи журнала
	Tasks(ctx context.Context, n int) ([]TaskInfo, error)

	// KillRoom убивает активную задачу комнаты
	KillRoom(ctx context.Context, room string) (bool, error)

	// Grid пересчитывает давления и возвращает отрисованную сетку
	Grid(ctx context.Context) (string, error)

	// Drift выполняет проход детектора дрейфа и возвращает рекомендацию
	Drift(ctx context.Context) (string, error)

	// Rooms возвращает комнаты и их привязки к каналам
	Rooms(ctx context.Context) ([]RoomInfo, error)

	// Clip возвращает состояние арбитра буфера обмена
	Clip(ctx context.Context) (*ClipResult, error)

	// Handles возвращает таблицу авторизованных участников
	Handles(ctx context.Context) ([]HandleInfo, error)

	// Adapters возвращает статусы внешних транспортов
	Adapters(ctx context.Context) (map[string]string, error)

	// Stop выполняет аварийную остановку: прерывает все ожидающие предсказания
	Stop(ctx context.Context) (int, error)

	// Version возвращает название и версию приложения
	Version(ctx context.Context) (*VersionResult, error)
}

// StatusResult — сводка состояния движка.
type StatusResult struct {
	ActiveTasks        int       // задачи в статусе dispatched/running
	PendingPredictions int       // ожидающие предсказания
	PendingDrafts      int       // черновики в staging
	PostedToday        int       // публикаций за календарный день
	StartedAt          time.Time // момент запуска движка
}

// TaskInfo — краткая запись задачи для консоли.
type TaskInfo struct {
	ID        string
	Room      string
	Status    string
	Prompt    string
	CreatedAt time.Time
}

// RoomInfo — комната и её канал.
type RoomInfo struct {
	Room      string
	Backend   string
	ChannelID string
}

// ClipResult — состояние арбитра буфера обмена.
type ClipResult struct {
	Locked bool
	Holder string
	Queued int
}

// HandleInfo — запись авторизованного участника для консоли.
type HandleInfo struct {
	Username   string
	ExternalID string
	Policy     string
	Rooms      string
}

// VersionResult — результат команды Version.
type VersionResult struct {
	Name    string
	Version string
}
