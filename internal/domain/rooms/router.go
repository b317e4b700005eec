// Кросс-канальный роутер: подключаемые адаптеры пересылают сообщения между
// внешними транспортами и комнатами. Адаптеры доверенные и сами отвечают за
// свой транспорт; роутер лишь связывает их входящий поток с каналами комнат
// и отдаёт исходящие отправки.
package rooms

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"intentguard/internal/infra/logger"

	"github.com/go-faster/errors"
)

// AdapterStatusConnected — статус адаптера, при котором разрешены исходящие отправки.
const AdapterStatusConnected = "connected"

// Adapter — возможности внешнего транспорта.
type Adapter interface {
	Name() string
	Status() string
	Initialize(ctx context.Context) error
	SendMessage(ctx context.Context, chatID, content string) error
	// OnMessage регистрирует колбэк входящих сообщений:
	// (sourceID, content, author, targetRoom).
	OnMessage(fn func(sourceID, content, author, targetRoom string))
}

// MessageHandler — кастомный обработчик входящих сообщений одного источника.
type MessageHandler func(sourceID, content, author, targetRoom string)

// RegisterAdapter подключает адаптер и привязывает его входящий поток к RouteMessage.
func (r *Registry) RegisterAdapter(ctx context.Context, a Adapter) {
	r.mu.Lock()
	r.adapters[a.Name()] = a
	r.mu.Unlock()

	source := a.Name()
	a.OnMessage(func(sourceID, content, author, targetRoom string) {
		r.RouteMessage(ctx, source, sourceID, content, author, targetRoom)
	})
	logger.Info("adapter registered", zap.String("adapter", source), zap.String("status", a.Status()))
}

// RegisterMessageHandler устанавливает кастомный обработчик для источника;
// при его наличии стандартная маршрутизация в канал комнаты не выполняется.
func (r *Registry) RegisterMessageHandler(source string, fn MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[source] = fn
}

// RouteMessage доставляет входящее сообщение внешнего транспорта: либо в
// кастомный обработчик источника, либо в канал целевой комнаты в виде
// "[<source>] <author>: <content>". Отсутствие привязанного канала логируется.
func (r *Registry) RouteMessage(ctx context.Context, source, sourceID, content, author, targetRoom string) {
	r.mu.RLock()
	handler := r.handlers[source]
	r.mu.RUnlock()

	if handler != nil {
		handler(sourceID, content, author, targetRoom)
		return
	}

	channelID, ok := r.ChannelForRoom(targetRoom)
	if !ok {
		logger.Warn("route: no channel mapped for room",
			zap.String("source", source), zap.String("room", targetRoom))
		return
	}
	text := fmt.Sprintf("[%s] %s: %s", source, author, content)
	if _, err := r.gw.SendToChannel(ctx, channelID, text); err != nil {
		logger.Warn("route: post to room channel failed",
			zap.String("source", source), zap.String("room", targetRoom), zap.Error(err))
	}
}

// SendToExternalChannel отправляет текст через именованный адаптер.
// Быстро падает с предупреждением, если адаптер отсутствует или не connected.
func (r *Registry) SendToExternalChannel(ctx context.Context, adapterName, chatID, text string) error {
	r.mu.RLock()
	a, ok := r.adapters[adapterName]
	r.mu.RUnlock()

	if !ok {
		logger.Warn("outbound: adapter not registered", zap.String("adapter", adapterName))
		return errors.New("adapter not registered: " + adapterName)
	}
	if a.Status() != AdapterStatusConnected {
		logger.Warn("outbound: adapter not connected",
			zap.String("adapter", adapterName), zap.String("status", a.Status()))
		return errors.New("adapter not connected: " + adapterName)
	}
	return a.SendMessage(ctx, chatID, text)
}

// AdapterStatuses возвращает снимок «имя адаптера → статус» для консоли.
func (r *Registry) AdapterStatuses() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.adapters))
	for name, a := range r.adapters {
		out[name] = a.Status()
	}
	return out
}
