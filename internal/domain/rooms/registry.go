// Package rooms — реестр соответствия «когнитивная комната ↔ чат-канал»,
// скользящий контекст комнат и кросс-канальный роутер внешних транспортов.
//
// При инициализации реестр гарантирует наличие категории гильдии, по одному
// текстовому каналу на комнату и четырёх служебных каналов. Карта каналов
// персистентна (channel-map.json, атомарная перезапись) и перечитывается при
// последующих стартах.
package rooms

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"intentguard/internal/domain/chat"
	"intentguard/internal/infra/logger"
	"intentguard/internal/infra/storage"

	"github.com/go-faster/errors"
)

// Имена служебных каналов, существующих помимо каналов комнат.
const (
	ChannelTrustDebt = "trust-debt-public"
	ChannelTesseract = "tesseract-nu"
	ChannelXPosts    = "x-posts"
	ChannelOpsBoard  = "ops-board"
)

// extraChannels — порядок создания служебных каналов при bootstrap.
var extraChannels = []string{ChannelTrustDebt, ChannelTesseract, ChannelXPosts, ChannelOpsBoard}

// mapEntry — одна строка персистентной карты каналов.
type mapEntry struct {
	ChannelID string `json:"channelId"`
	Room      string `json:"room"`
}

// Registry — карта каналов, контексты комнат и роутер адаптеров.
type Registry struct {
	mu sync.RWMutex

	gw      chat.Gateway
	dataDir string
	mapPath string

	roomToChannel map[string]string // имя комнаты (или служебного канала) → channel id
	channelToRoom map[string]string

	adapters map[string]Adapter
	handlers map[string]MessageHandler
}

// New создаёт реестр. Карта каналов загружается из dataDir/channel-map.json,
// если файл существует.
func New(gw chat.Gateway, dataDir string) *Registry {
	r := &Registry{
		gw:            gw,
		dataDir:       dataDir,
		mapPath:       filepath.Join(dataDir, "channel-map.json"),
		roomToChannel: make(map[string]string),
		channelToRoom: make(map[string]string),
		adapters:      make(map[string]Adapter),
		handlers:      make(map[string]MessageHandler),
	}
	r.loadMap()
	return r
}

// loadMap перечитывает персистентную карту каналов; отсутствие файла не ошибка.
func (r *Registry) loadMap() {
	data, err := os.ReadFile(r.mapPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("channel map read failed", zap.Error(err))
		}
		return
	}
	var entries []mapEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		logger.Warn("channel map parse failed", zap.Error(err))
		return
	}
	for _, e := range entries {
		r.roomToChannel[e.Room] = e.ChannelID
		r.channelToRoom[e.ChannelID] = e.Room
	}
	logger.Info("channel map loaded", zap.Int("entries", len(entries)))
}

// persistMapLocked атомарно перезаписывает карту каналов. Вызывающий держит mu.
func (r *Registry) persistMapLocked() {
	entries := make([]mapEntry, 0, len(r.roomToChannel))
	for room, id := range r.roomToChannel {
		entries = append(entries, mapEntry{ChannelID: id, Room: room})
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		logger.Warn("channel map marshal failed", zap.Error(err))
		return
	}
	if err := storage.AtomicWriteFile(r.mapPath, data); err != nil {
		logger.Warn("channel map persist failed", zap.Error(err))
	}
}

// Init гарантирует существование категории, канала на каждую комнату и
// служебных каналов, затем персистит карту.
func (r *Registry) Init(ctx context.Context, guildID, categoryName string, roomNames []string) error {
	categoryID, err := r.gw.EnsureCategory(ctx, guildID, categoryName)
	if err != nil {
		return errors.Wrap(err, "ensure category")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ensure := func(name string) error {
		if id, ok := r.roomToChannel[name]; ok && id != "" {
			return nil
		}
		id, err := r.gw.EnsureTextChannel(ctx, guildID, categoryID, name)
		if err != nil {
			return errors.Wrap(err, "ensure channel "+name)
		}
		r.roomToChannel[name] = id
		r.channelToRoom[id] = name
		return nil
	}

	for _, room := range roomNames {
		if err := ensure(room); err != nil {
			return err
		}
	}
	for _, extra := range extraChannels {
		if err := ensure(extra); err != nil {
			return err
		}
	}

	r.persistMapLocked()
	logger.Info("registry initialized",
		zap.Int("rooms", len(roomNames)), zap.Int("channels", len(r.roomToChannel)))
	return nil
}

// RoomForChannel возвращает комнату, привязанную к каналу.
func (r *Registry) RoomForChannel(channelID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.channelToRoom[channelID]
	if !ok {
		return "", false
	}
	for _, extra := range extraChannels {
		if room == extra {
			return "", false
		}
	}
	return room, true
}

// ChannelForRoom возвращает канал комнаты (или служебного канала по имени).
func (r *Registry) ChannelForRoom(room string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.roomToChannel[room]
	return id, ok
}

// IsRoomChannel сообщает, принадлежит ли канал одной из комнат.
func (r *Registry) IsRoomChannel(channelID string) bool {
	_, ok := r.RoomForChannel(channelID)
	return ok
}

// IsXPostsChannel сообщает, является ли канал staging-каналом публикаций.
func (r *Registry) IsXPostsChannel(channelID string) bool {
	return r.isExtra(channelID, ChannelXPosts)
}

// IsOpsBoardChannel сообщает, является ли канал операционной доской.
func (r *Registry) IsOpsBoardChannel(channelID string) bool {
	return r.isExtra(channelID, ChannelOpsBoard)
}

func (r *Registry) isExtra(channelID, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roomToChannel[name] == channelID && channelID != ""
}

// TrustDebtChannelID возвращает канал прозрачности.
func (r *Registry) TrustDebtChannelID() string { return r.extraID(ChannelTrustDebt) }

// TesseractChannelID возвращает канал сетки давления.
func (r *Registry) TesseractChannelID() string { return r.extraID(ChannelTesseract) }

// XPostsChannelID возвращает staging-канал публикаций.
func (r *Registry) XPostsChannelID() string { return r.extraID(ChannelXPosts) }

// OpsBoardChannelID возвращает операционную доску.
func (r *Registry) OpsBoardChannelID() string { return r.extraID(ChannelOpsBoard) }

func (r *Registry) extraID(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roomToChannel[name]
}
