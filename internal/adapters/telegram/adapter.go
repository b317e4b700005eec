// Package telegram — внешний транспорт кросс-канального роутера поверх gotd.
// Авторизация только по готовому файлу сессии: интерактивный вход не
// поддерживается, неавторизованная сессия ломает Initialize с ошибкой.
// Привязка «чат → комната» читается из JSON-карты (TG_CHAT_MAP_FILE).
package telegram

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/contrib/middleware/ratelimit"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"intentguard/internal/domain/rooms"
	"intentguard/internal/infra/logger"

	"github.com/go-faster/errors"
)

// adapterName — имя адаптера в реестре комнат.
const adapterName = "telegram"

const (
	statusDisconnected = "disconnected"
	statusConnected    = rooms.AdapterStatusConnected
)

// Config — параметры Telegram-адаптера.
type Config struct {
	APIID       int
	APIHash     string
	SessionFile string
	ChatMapFile string
	RPS         int
}

// chatMapEntry — одна строка карты «чат → комната». Chat задаётся username
// (для Resolve при отправке) либо числовым id пира для входящих.
type chatMapEntry struct {
	Chat string `json:"chat"`
	Room string `json:"room"`
}

// Adapter — gotd-клиент, реализующий rooms.Adapter.
type Adapter struct {
	cfg Config

	client *telegram.Client
	sender *message.Sender

	connected atomic.Bool
	runDone   chan struct{}
	stop      context.CancelFunc

	mu        sync.RWMutex
	chatRooms map[string]string // ключ чата → имя комнаты
	onMessage func(sourceID, content, author, targetRoom string)
}

// New создаёт адаптер. Сетевых действий не выполняет.
func New(cfg Config) *Adapter {
	if cfg.RPS <= 0 {
		cfg.RPS = 1
	}
	return &Adapter{
		cfg:       cfg,
		runDone:   make(chan struct{}),
		chatRooms: make(map[string]string),
	}
}

// Name возвращает имя адаптера.
func (a *Adapter) Name() string { return adapterName }

// Status возвращает connected, пока MTProto-сессия жива.
func (a *Adapter) Status() string {
	if a.connected.Load() {
		return statusConnected
	}
	return statusDisconnected
}

// OnMessage регистрирует колбэк входящих сообщений.
func (a *Adapter) OnMessage(fn func(sourceID, content, author, targetRoom string)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onMessage = fn
}

// Initialize загружает карту чатов, поднимает клиент и ждёт авторизации.
// Клиент работает в фоновой горутине до отмены контекста.
func (a *Adapter) Initialize(ctx context.Context) error {
	if err := a.loadChatMap(); err != nil {
		return err
	}

	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewMessage(a.handleNewMessage)

	waiter := floodwait.NewSimpleWaiter()
	options := telegram.Options{
		SessionStorage: &session.FileStorage{Path: a.cfg.SessionFile},
		UpdateHandler:  dispatcher,
		Middlewares: []telegram.Middleware{
			waiter,
			ratelimit.New(rate.Limit(a.cfg.RPS), a.cfg.RPS*2),
		},
		OnDead: func() {
			a.connected.Store(false)
			logger.Warn("telegram: connection dead")
		},
	}

	a.client = telegram.NewClient(a.cfg.APIID, a.cfg.APIHash, options)
	a.sender = message.NewSender(a.client.API())

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.stop = cancel

	ready := make(chan error, 1)
	go func() {
		defer close(a.runDone)
		err := a.client.Run(runCtx, func(ctx context.Context) error {
			status, err := a.client.Auth().Status(ctx)
			if err != nil {
				ready <- errors.Wrap(err, "telegram: auth status")
				return err
			}
			if !status.Authorized {
				err := errors.New("telegram: session file is not authorized")
				ready <- err
				return err
			}

			a.connected.Store(true)
			logger.Info("telegram adapter connected",
				zap.Int("chats", len(a.chatRooms)))
			ready <- nil

			<-ctx.Done()
			return ctx.Err()
		})
		a.connected.Store(false)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("telegram client stopped", zap.Error(err))
		}
	}()

	select {
	case err := <-ready:
		return err
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

// Shutdown останавливает клиент и ждёт завершения фоновой горутины.
func (a *Adapter) Shutdown() {
	if a.stop != nil {
		a.stop()
		<-a.runDone
	}
}

// SendMessage отправляет текст в чат по username. Требует статуса connected.
func (a *Adapter) SendMessage(ctx context.Context, chatID, content string) error {
	if !a.connected.Load() {
		return errors.New("telegram: not connected")
	}
	if _, err := a.sender.Resolve(chatID).Text(ctx, content); err != nil {
		return errors.Wrap(err, "telegram: send to "+chatID)
	}
	return nil
}

// loadChatMap читает карту «чат → комната»; отсутствие файла не ошибка.
func (a *Adapter) loadChatMap() error {
	data, err := os.ReadFile(a.cfg.ChatMapFile)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("telegram: chat map file missing, inbound routing disabled",
				zap.String("path", a.cfg.ChatMapFile))
			return nil
		}
		return errors.Wrap(err, "telegram: read chat map")
	}

	var entries []chatMapEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return errors.Wrap(err, "telegram: parse chat map")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range entries {
		if e.Chat == "" || e.Room == "" {
			continue
		}
		a.chatRooms[e.Chat] = e.Room
	}
	return nil
}

// roomFor возвращает комнату для ключа чата.
func (a *Adapter) roomFor(chatKey string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	room, ok := a.chatRooms[chatKey]
	return room, ok
}

// handleNewMessage транслирует входящее сообщение в колбэк роутера.
// Сообщения без привязанной комнаты и исходящие отбрасываются.
func (a *Adapter) handleNewMessage(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
	m, ok := u.Message.(*tg.Message)
	if !ok || m.Out || m.Message == "" {
		return nil
	}

	sourceID, author := describePeer(m, e)
	if sourceID == "" {
		return nil
	}

	room, ok := a.roomFor(sourceID)
	if !ok {
		logger.Debug("telegram: message from unmapped chat",
			zap.String("source", sourceID))
		return nil
	}

	a.mu.RLock()
	fn := a.onMessage
	a.mu.RUnlock()
	if fn != nil {
		fn(sourceID, m.Message, author, room)
	}
	return nil
}

// describePeer определяет ключ чата и отображаемое имя автора. Для личных
// чатов предпочитается username, для групп — числовой id.
func describePeer(m *tg.Message, e tg.Entities) (sourceID, author string) {
	switch peer := m.PeerID.(type) {
	case *tg.PeerUser:
		user, ok := e.Users[peer.UserID]
		if !ok {
			return strconv.FormatInt(peer.UserID, 10), "unknown"
		}
		author = user.Username
		if author == "" {
			author = user.FirstName
		}
		if user.Username != "" {
			return user.Username, author
		}
		return strconv.FormatInt(peer.UserID, 10), author
	case *tg.PeerChat:
		author = fromID(m, e)
		return strconv.FormatInt(peer.ChatID, 10), author
	case *tg.PeerChannel:
		author = fromID(m, e)
		return strconv.FormatInt(peer.ChannelID, 10), author
	}
	return "", ""
}

// fromID извлекает имя автора группового сообщения.
func fromID(m *tg.Message, e tg.Entities) string {
	from, ok := m.FromID.(*tg.PeerUser)
	if !ok {
		return "unknown"
	}
	user, ok := e.Users[from.UserID]
	if !ok {
		return strconv.FormatInt(from.UserID, 10)
	}
	if user.Username != "" {
		return user.Username
	}
	return user.FirstName
}
