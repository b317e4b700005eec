// Engine — реализация commands.Executor поверх живых подсистем движка.
// Консоль и прочие управляющие поверхности видят только этот фасад.
package app

import (
	"context"
	"sort"
	"strings"
	"time"

	"intentguard/internal/domain/capture"
	"intentguard/internal/domain/clipboard"
	"intentguard/internal/domain/commands"
	"intentguard/internal/domain/drafts"
	"intentguard/internal/domain/grid"
	"intentguard/internal/domain/handles"
	"intentguard/internal/domain/rooms"
	"intentguard/internal/domain/steering"
	"intentguard/internal/domain/tasks"
	versioninfo "intentguard/internal/support/version"
)

// Engine агрегирует подсистемы для команд управления и диагностики.
type Engine struct {
	startedAt time.Time

	journal   *tasks.Journal
	loop      *steering.Loop
	pressure  *grid.Grid
	detector  *grid.Detector
	registry  *rooms.Registry
	clip      *clipboard.Arbiter
	authority *handles.Authority
	drafts    *drafts.Queue
	bindings  []capture.Room
}

var _ commands.Executor = (*Engine)(nil)

// Status возвращает сводку состояния движка.
func (e *Engine) Status(ctx context.Context) (*commands.StatusResult, error) {
	return &commands.StatusResult{
		ActiveTasks:        len(e.journal.ByStatus(tasks.StatusDispatched, tasks.StatusRunning)),
		PendingPredictions: len(e.loop.GetActivePredictions()),
		PendingDrafts:      len(e.drafts.GetPendingDrafts()),
		PostedToday:        e.drafts.PostedToday(),
		StartedAt:          e.startedAt,
	}, nil
}

// Tasks возвращает последние n задач журнала.
func (e *Engine) Tasks(ctx context.Context, n int) ([]commands.TaskInfo, error) {
	recent := e.journal.Recent(n)
	out := make([]commands.TaskInfo, 0, len(recent))
	for _, t := range recent {
		out = append(out, commands.TaskInfo{
			ID:        t.ID,
			Room:      t.Room,
			Status:    string(t.Status),
			Prompt:    t.Prompt,
			CreatedAt: t.CreatedAt,
		})
	}
	return out, nil
}

// KillRoom убивает активную задачу комнаты.
func (e *Engine) KillRoom(ctx context.Context, room string) (bool, error) {
	return e.journal.KillRoom(room), nil
}

// Grid пересчитывает давления и возвращает отрисованную сетку.
func (e *Engine) Grid(ctx context.Context) (string, error) {
	e.pressure.Update()
	return e.pressure.Render(), nil
}

// Drift выполняет проход детектора и возвращает рекомендацию фокуса.
func (e *Engine) Drift(ctx context.Context) (string, error) {
	signal := e.detector.Scan(ctx)
	return signal.Focus, nil
}

// Rooms возвращает комнаты, их бэкенды и привязанные каналы.
func (e *Engine) Rooms(ctx context.Context) ([]commands.RoomInfo, error) {
	out := make([]commands.RoomInfo, 0, len(e.bindings))
	for _, b := range e.bindings {
		channelID, _ := e.registry.ChannelForRoom(b.Name)
		out = append(out, commands.RoomInfo{
			Room:      b.Name,
			Backend:   string(b.Backend),
			ChannelID: channelID,
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Room < out[b].Room })
	return out, nil
}

// Clip возвращает состояние арбитра буфера обмена.
func (e *Engine) Clip(ctx context.Context) (*commands.ClipResult, error) {
	return &commands.ClipResult{
		Locked: e.clip.IsLocked(),
		Holder: e.clip.CurrentHolder(),
		Queued: e.clip.QueueLength(),
	}, nil
}

// Handles возвращает таблицу авторизованных участников.
func (e *Engine) Handles(ctx context.Context) ([]commands.HandleInfo, error) {
	all := e.authority.Handles()
	out := make([]commands.HandleInfo, 0, len(all))
	for _, h := range all {
		out = append(out, commands.HandleInfo{
			Username:   h.Username,
			ExternalID: h.ExternalID,
			Policy:     string(h.Policy),
			Rooms:      describeScope(h.Rooms),
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Username < out[b].Username })
	return out, nil
}

// Adapters возвращает статусы внешних транспортов.
func (e *Engine) Adapters(ctx context.Context) (map[string]string, error) {
	return e.registry.AdapterStatuses(), nil
}

// Stop прерывает все ожидающие предсказания.
func (e *Engine) Stop(ctx context.Context) (int, error) {
	return e.loop.AbortAll(), nil
}

// Version возвращает название и версию приложения.
func (e *Engine) Version(ctx context.Context) (*commands.VersionResult, error) {
	return &commands.VersionResult{Name: versioninfo.Name, Version: versioninfo.Version}, nil
}

// describeScope форматирует область комнат хэндла для консоли.
func describeScope(scope handles.RoomScope) string {
	if scope.All {
		return "all"
	}
	if len(scope.Names) == 0 {
		return "none"
	}
	names := append([]string(nil), scope.Names...)
	sort.Strings(names)
	return strings.Join(names, ",")
}
