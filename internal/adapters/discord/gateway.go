// Package discord — реализация чат-шлюза поверх Discord gateway API.
// Исходящие отправки идут через общий rate-limiter; входящие события
// транслируются в доменные MessageEvent/ReactionEvent без типов discordgo.
package discord

import (
	"bytes"
	"context"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"intentguard/internal/domain/chat"
	"intentguard/internal/infra/logger"

	"github.com/go-faster/errors"
)

// Gateway — сессия Discord и колбэки входящих событий.
type Gateway struct {
	session *discordgo.Session
	limiter *rate.Limiter

	mu         sync.RWMutex
	onMessage  func(chat.MessageEvent)
	onReaction func(chat.ReactionEvent)
}

// New создаёт шлюз с ботовским токеном и пределом исходящих отправок в секунду.
func New(token string, sendRPS float64) (*Gateway, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, errors.Wrap(err, "discord: create session")
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentMessageContent

	if sendRPS <= 0 {
		sendRPS = 1
	}
	g := &Gateway{
		session: session,
		limiter: rate.NewLimiter(rate.Limit(sendRPS), 1),
	}
	session.AddHandler(g.handleMessageCreate)
	session.AddHandler(g.handleReactionAdd)
	return g, nil
}

// OnMessage регистрирует колбэк входящих сообщений. Вызывать до Open.
func (g *Gateway) OnMessage(fn func(chat.MessageEvent)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onMessage = fn
}

// OnReaction регистрирует колбэк входящих реакций. Вызывать до Open.
func (g *Gateway) OnReaction(fn func(chat.ReactionEvent)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onReaction = fn
}

// Open открывает websocket-сессию.
func (g *Gateway) Open() error {
	if err := g.session.Open(); err != nil {
		return errors.Wrap(err, "discord: open session")
	}
	logger.Info("discord session opened")
	return nil
}

// Close закрывает сессию.
func (g *Gateway) Close() error {
	return g.session.Close()
}

// handleMessageCreate транслирует MessageCreate в доменное событие.
// Собственные сообщения бота игнорируются.
func (g *Gateway) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || (s.State.User != nil && m.Author.ID == s.State.User.ID) || m.Author.Bot {
		return
	}
	g.mu.RLock()
	fn := g.onMessage
	g.mu.RUnlock()
	if fn == nil {
		return
	}
	replyTo := ""
	if m.MessageReference != nil {
		replyTo = m.MessageReference.MessageID
	}
	fn(chat.MessageEvent{
		ChannelID: m.ChannelID,
		MessageID: m.ID,
		Author:    m.Author.Username,
		AuthorID:  m.Author.ID,
		Content:   m.Content,
		ReplyToID: replyTo,
		IsAdmin:   g.hasAdminPermission(m.Author.ID, m.ChannelID),
	})
}

// handleReactionAdd транслирует MessageReactionAdd в доменное событие.
func (g *Gateway) handleReactionAdd(s *discordgo.Session, r *discordgo.MessageReactionAdd) {
	if s.State.User != nil && r.UserID == s.State.User.ID {
		return
	}
	g.mu.RLock()
	fn := g.onReaction
	g.mu.RUnlock()
	if fn == nil {
		return
	}

	reactor := ""
	if r.Member != nil && r.Member.User != nil {
		reactor = r.Member.User.Username
	}
	fn(chat.ReactionEvent{
		ChannelID: r.ChannelID,
		MessageID: r.MessageID,
		Emoji:     r.Emoji.Name,
		Reactor:   reactor,
		ReactorID: r.UserID,
		IsAdmin:   g.hasAdminPermission(r.UserID, r.ChannelID),
	})
}

// hasAdminPermission проверяет право Administrator у пользователя в канале.
func (g *Gateway) hasAdminPermission(userID, channelID string) bool {
	perms, err := g.session.UserChannelPermissions(userID, channelID)
	if err != nil {
		logger.Debug("discord: permission lookup failed",
			zap.String("user", userID), zap.Error(err))
		return false
	}
	return perms&discordgo.PermissionAdministrator != 0
}

// wait притормаживает исходящую отправку до разрешения лимитера.
func (g *Gateway) wait(ctx context.Context) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "discord: rate limiter")
	}
	return nil
}

// SendToChannel отправляет текст и возвращает id сообщения.
func (g *Gateway) SendToChannel(ctx context.Context, channelID, text string) (string, error) {
	if err := g.wait(ctx); err != nil {
		return "", err
	}
	msg, err := g.session.ChannelMessageSend(channelID, text)
	if err != nil {
		return "", errors.Wrap(err, "discord: send message")
	}
	return msg.ID, nil
}

// EditMessage заменяет текст существующего сообщения.
func (g *Gateway) EditMessage(ctx context.Context, channelID, messageID, text string) error {
	if err := g.wait(ctx); err != nil {
		return err
	}
	if _, err := g.session.ChannelMessageEdit(channelID, messageID, text); err != nil {
		return errors.Wrap(err, "discord: edit message")
	}
	return nil
}

// AddReaction ставит реакцию на сообщение.
func (g *Gateway) AddReaction(ctx context.Context, channelID, messageID, emoji string) error {
	if err := g.wait(ctx); err != nil {
		return err
	}
	if err := g.session.MessageReactionAdd(channelID, messageID, emoji); err != nil {
		return errors.Wrap(err, "discord: add reaction")
	}
	return nil
}

// SendFile отправляет файл с коротким сопроводительным текстом.
func (g *Gateway) SendFile(ctx context.Context, channelID, notice, filename string, data []byte) (string, error) {
	if err := g.wait(ctx); err != nil {
		return "", err
	}
	msg, err := g.session.ChannelFileSendWithMessage(channelID, notice, filename, bytes.NewReader(data))
	if err != nil {
		return "", errors.Wrap(err, "discord: send file")
	}
	return msg.ID, nil
}

// EnsureCategory находит или создаёт категорию каналов гильдии.
func (g *Gateway) EnsureCategory(ctx context.Context, guildID, name string) (string, error) {
	channels, err := g.session.GuildChannels(guildID)
	if err != nil {
		return "", errors.Wrap(err, "discord: list channels")
	}
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildCategory && strings.EqualFold(ch.Name, name) {
			return ch.ID, nil
		}
	}

	if err := g.wait(ctx); err != nil {
		return "", err
	}
	created, err := g.session.GuildChannelCreateComplex(guildID, discordgo.GuildChannelCreateData{
		Name: name,
		Type: discordgo.ChannelTypeGuildCategory,
	})
	if err != nil {
		return "", errors.Wrap(err, "discord: create category")
	}
	logger.Info("discord category created", zap.String("name", name), zap.String("id", created.ID))
	return created.ID, nil
}

// EnsureTextChannel находит или создаёт текстовый канал в категории.
func (g *Gateway) EnsureTextChannel(ctx context.Context, guildID, categoryID, name string) (string, error) {
	channels, err := g.session.GuildChannels(guildID)
	if err != nil {
		return "", errors.Wrap(err, "discord: list channels")
	}
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildText && strings.EqualFold(ch.Name, name) {
			return ch.ID, nil
		}
	}

	if err := g.wait(ctx); err != nil {
		return "", err
	}
	created, err := g.session.GuildChannelCreateComplex(guildID, discordgo.GuildChannelCreateData{
		Name:     name,
		Type:     discordgo.ChannelTypeGuildText,
		ParentID: categoryID,
	})
	if err != nil {
		return "", errors.Wrap(err, "discord: create channel "+name)
	}
	logger.Info("discord channel created", zap.String("name", name), zap.String("id", created.ID))
	return created.ID, nil
}
