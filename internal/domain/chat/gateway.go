// Package chat — интерфейс чат-шлюза, через который домен говорит с Discord.
// Доменные компоненты не импортируют конкретный клиент: им достаточно операций
// отправки/редактирования/реакций и жизненного цикла каналов. Реализация —
// в internal/adapters/discord.
package chat

import "context"

// Gateway — исходящие операции чат-поверхности.
// Все вызовы могут блокироваться на сетевом I/O и обязаны уважать контекст.
type Gateway interface {
	// SendToChannel отправляет текст в канал и возвращает id сообщения.
	SendToChannel(ctx context.Context, channelID, text string) (string, error)
	// EditMessage заменяет текст существующего сообщения.
	EditMessage(ctx context.Context, channelID, messageID, text string) error
	// AddReaction ставит реакцию на сообщение.
	AddReaction(ctx context.Context, channelID, messageID, emoji string) error
	// SendFile отправляет файл с коротким сопроводительным текстом.
	SendFile(ctx context.Context, channelID, notice, filename string, data []byte) (string, error)
	// EnsureCategory находит или создаёт категорию каналов гильдии.
	EnsureCategory(ctx context.Context, guildID, name string) (string, error)
	// EnsureTextChannel находит или создаёт текстовый канал в категории.
	EnsureTextChannel(ctx context.Context, guildID, categoryID, name string) (string, error)
}

// MessageEvent — входящее сообщение чат-шлюза.
type MessageEvent struct {
	ChannelID string
	MessageID string
	Author    string // username
	AuthorID  string // внешний id (Discord user id)
	Content   string
	ReplyToID string // id сообщения, на которое это сообщение отвечает ("" — не ответ)
	IsAdmin   bool   // наличие админ-роли у автора в гильдии
}

// ReactionEvent — входящая реакция на сообщение.
type ReactionEvent struct {
	ChannelID string
	MessageID string
	Emoji     string
	Reactor   string
	ReactorID string
	IsAdmin   bool
}
