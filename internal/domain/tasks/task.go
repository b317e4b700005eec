// Package tasks — записи задач и их долговременный журнал.
// Задача — единица работы, отправленная в одну когнитивную комнату. Инварианты:
//   - в комнате одновременно не больше одной задачи в статусе dispatched/running;
//   - любой переход в терминальный статус фиксирует completed_at.
package tasks

import (
	"time"
)

// Status — стадия жизненного цикла задачи.
type Status string

const (
	StatusPending    Status = "pending"
	StatusDispatched Status = "dispatched"
	StatusRunning    Status = "running"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
	StatusTimeout    Status = "timeout"
	StatusKilled     Status = "killed"
)

// Terminal сообщает, является ли статус конечным.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusTimeout, StatusKilled:
		return true
	default:
		return false
	}
}

// Valid сообщает, принадлежит ли статус закрытому набору.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDispatched, StatusRunning,
		StatusComplete, StatusFailed, StatusTimeout, StatusKilled:
		return true
	default:
		return false
	}
}

// Active сообщает, продвигает ли поллер задачу в этом статусе.
func (s Status) Active() bool {
	return s == StatusDispatched || s == StatusRunning
}

// Task — запись задачи. Создаётся Steering Loop (или админским путём),
// после диспетчеризации мутируется только поллером, уничтожается только
// внешней архивацией.
type Task struct {
	ID        string `json:"id"`
	Room      string `json:"room"`
	ChannelID string `json:"channel_id"`
	Prompt    string `json:"prompt"`
	Status    Status `json:"status"`

	Output           string `json:"output"`
	Baseline         string `json:"baseline"`
	LastOutputLength int    `json:"last_output_length"`

	CreatedAt    time.Time  `json:"created_at"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	LastOutputAt *time.Time `json:"last_output_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`

	// DiscordMessageID — хэндл ответного сообщения, которое постер редактирует
	// по завершении.
	DiscordMessageID string `json:"discord_message_id,omitempty"`

	// Metadata — свободная карта; обязана переживать round-trip через журнал.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// clone возвращает глубокую (в части Metadata) копию записи, чтобы вызывающие
// не могли мутировать состояние журнала в обход мутаторов.
func (t *Task) clone() Task {
	out := *t
	if t.Metadata != nil {
		out.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
