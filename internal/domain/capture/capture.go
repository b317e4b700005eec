// Package capture читает видимый текст терминала когнитивной комнаты.
// Каждая комната при старте привязана ровно к одному IPC-бэкенду из закрытого
// набора {iterm, terminal, kitty, wezterm, system-events}. Только system-events
// конкурирует за арбитр буфера обмена; остальные бэкенды не трогают ни фокус,
// ни буфер.
//
// Семантика ошибок: любой сбой бэкенда или неизвестная комната дают пустой
// content с записью в лог. Пустая дельта не продвигает задачу — стабилизация
// в поллере опирается только на реальный прогресс.
package capture

import (
	"context"
	"time"

	"go.uber.org/zap"

	"intentguard/internal/adapters/shell"
	"intentguard/internal/domain/clipboard"
	"intentguard/internal/infra/clock"
	"intentguard/internal/infra/logger"
)

// Backend — вид IPC-механизма чтения терминала.
type Backend string

const (
	BackendITerm        Backend = "iterm"
	BackendTerminal     Backend = "terminal"
	BackendKitty        Backend = "kitty"
	BackendWezTerm      Backend = "wezterm"
	BackendSystemEvents Backend = "system-events"
)

// Room — привязка когнитивной комнаты к терминальному окну на рабочей станции.
type Room struct {
	Name      string  `json:"name"`
	Backend   Backend `json:"backend"`
	TitleHint string  `json:"titleHint"` // подстрока заголовка окна/вкладки
	App       string  `json:"app"`       // имя приложения (нужно бэкенду system-events)
}

// Result — снимок терминала комнаты на момент Timestamp.
type Result struct {
	Room      string
	Content   string
	Timestamp time.Time
	Delta     string
}

// ShellRunner — исполнитель внешних команд, через который работают все бэкенды.
type ShellRunner interface {
	Exec(ctx context.Context, name string, args ...string) (shell.Result, error)
	AppleScript(ctx context.Context, script string) (string, error)
}

// Service — читатель терминалов: таблица комнат, исполнитель и арбитр буфера.
type Service struct {
	rooms map[string]Room
	sh    ShellRunner
	clip  *clipboard.Arbiter
	now   clock.Func
}

// Option настраивает Service при создании.
type Option func(*Service)

// WithClock подменяет источник времени (тесты).
func WithClock(now clock.Func) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService создаёт читатель для набора комнат.
func NewService(rooms []Room, sh ShellRunner, clip *clipboard.Arbiter, opts ...Option) *Service {
	byName := make(map[string]Room, len(rooms))
	for _, r := range rooms {
		byName[r.Name] = r
	}
	s := &Service{
		rooms: byName,
		sh:    sh,
		clip:  clip,
		now:   clock.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Rooms возвращает список имён известных комнат.
func (s *Service) Rooms() []string {
	names := make([]string, 0, len(s.rooms))
	for name := range s.rooms {
		names = append(names, name)
	}
	return names
}

// Capture читает текущее содержимое терминала комнаты. Неизвестная комната или
// сбой бэкенда дают пустой content; сбой логируется, но не возвращается наружу —
// поллер повторит попытку на следующем тике.
func (s *Service) Capture(ctx context.Context, room string) Result {
	res := Result{Room: room, Timestamp: s.now()}

	binding, ok := s.rooms[room]
	if !ok {
		logger.Warn("capture: unknown room", zap.String("room", room))
		return res
	}

	content, err := s.read(ctx, binding)
	if err != nil {
		logger.Warn("capture failed",
			zap.String("room", room),
			zap.String("backend", string(binding.Backend)),
			zap.Error(err))
		return res
	}
	res.Content = content
	return res
}

// CaptureWithDelta читает терминал и вычисляет дельту относительно baseline.
func (s *Service) CaptureWithDelta(ctx context.Context, room, baseline string) Result {
	res := s.Capture(ctx, room)
	res.Delta = ComputeDelta(res.Content, baseline)
	return res
}

// ComputeDelta — закон дельты:
//   - content строго продолжает baseline → хвост content[len(baseline):];
//   - content отличается иначе → content целиком;
//   - совпадают → пустая строка.
func ComputeDelta(content, baseline string) string {
	if content == baseline {
		return ""
	}
	if len(content) > len(baseline) && content[:len(baseline)] == baseline {
		return content[len(baseline):]
	}
	return content
}

// read диспетчеризует чтение по бэкенду комнаты.
func (s *Service) read(ctx context.Context, r Room) (string, error) {
	switch r.Backend {
	case BackendITerm:
		return s.readITerm(ctx, r)
	case BackendTerminal:
		return s.readTerminal(ctx, r)
	case BackendKitty:
		return s.readKitty(ctx, r)
	case BackendWezTerm:
		return s.readWezTerm(ctx, r)
	case BackendSystemEvents:
		return s.readSystemEvents(ctx, r)
	default:
		return "", errUnknownBackend(r.Backend)
	}
}
