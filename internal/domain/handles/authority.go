package handles

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"intentguard/internal/infra/logger"

	"github.com/go-faster/errors"
)

// Authority — таблица авторизованных участников с двумя индексами.
// Индекс по имени — без учёта регистра; индекс по внешнему id — точный.
// Оба указывают на одну запись, рантайм-изменения держат их согласованными.
type Authority struct {
	mu     sync.RWMutex
	byName map[string]*Handle
	byID   map[string]*Handle
	store  *Store // nil допустим: таблица живёт только в памяти
}

// New строит таблицу: сначала содержимое bbolt-хранилища, при пустом
// хранилище — seed-файл (JSON-массив записей), затем привилегированные
// внешние id из окружения. Отсутствие seed-файла и id не фатально.
func New(store *Store, seedPath string, adminIDs ...string) (*Authority, error) {
	a := &Authority{
		byName: make(map[string]*Handle),
		byID:   make(map[string]*Handle),
		store:  store,
	}

	if store != nil {
		persisted, err := store.LoadAll()
		if err != nil {
			return nil, err
		}
		for _, h := range persisted {
			a.indexLocked(h)
		}
		if len(persisted) > 0 {
			logger.Info("handles loaded from store", zap.Int("count", len(persisted)))
		}
	}

	if len(a.byName) == 0 && seedPath != "" {
		seeded, err := loadSeed(seedPath)
		if err != nil {
			return nil, err
		}
		for _, h := range seeded {
			if err := a.AddHandle(h); err != nil {
				logger.Warn("seed handle rejected", zap.String("username", h.Username), zap.Error(err))
			}
		}
		if len(seeded) > 0 {
			logger.Info("handles seeded", zap.Int("count", len(seeded)), zap.String("file", seedPath))
		}
	}

	for i, id := range adminIDs {
		if id == "" {
			continue
		}
		if _, ok := a.ByID(id); ok {
			continue
		}
		h := Handle{
			Username:   fmt.Sprintf("admin-%d", i+1),
			ExternalID: id,
			Policy:     PolicyInstant,
			Rooms:      AllRooms(),
		}
		if err := a.AddHandle(h); err != nil {
			logger.Warn("admin id bootstrap failed", zap.String("external_id", id), zap.Error(err))
		}
	}

	return a, nil
}

// loadSeed читает seed-файл; отсутствие файла — пустой результат.
func loadSeed(path string) ([]Handle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "handles: read seed")
	}
	var seeded []Handle
	if err := json.Unmarshal(data, &seeded); err != nil {
		return nil, errors.Wrap(err, "handles: parse seed")
	}
	return seeded, nil
}

// indexLocked вставляет запись в оба индекса без валидации и персиста.
func (a *Authority) indexLocked(h Handle) {
	rec := h
	a.byName[normalizeName(rec.Username)] = &rec
	if rec.ExternalID != "" {
		a.byID[rec.ExternalID] = &rec
	}
}

// AddHandle добавляет (или заменяет) запись и сохраняет её в хранилище.
func (a *Authority) AddHandle(h Handle) error {
	if normalizeName(h.Username) == "" {
		return errors.New("handles: empty username")
	}
	if !h.Policy.Valid() {
		return errors.New("handles: unknown policy " + string(h.Policy))
	}

	a.mu.Lock()
	a.indexLocked(h)
	a.mu.Unlock()

	if a.store != nil {
		if err := a.store.Put(h); err != nil {
			logger.Warn("handle persist failed", zap.String("username", h.Username), zap.Error(err))
		}
	}
	logger.Info("handle added",
		zap.String("username", h.Username), zap.String("policy", string(h.Policy)))
	return nil
}

// RemoveHandle удаляет запись по имени; возвращает, была ли она найдена.
func (a *Authority) RemoveHandle(username string) bool {
	key := normalizeName(username)

	a.mu.Lock()
	rec, ok := a.byName[key]
	if ok {
		delete(a.byName, key)
		if rec.ExternalID != "" {
			delete(a.byID, rec.ExternalID)
		}
	}
	a.mu.Unlock()

	if ok && a.store != nil {
		if err := a.store.Delete(username); err != nil {
			logger.Warn("handle delete failed", zap.String("username", username), zap.Error(err))
		}
	}
	return ok
}

// RemoveHandleByID удаляет запись по внешнему id; возвращает, была ли она найдена.
func (a *Authority) RemoveHandleByID(externalID string) bool {
	a.mu.Lock()
	rec, ok := a.byID[externalID]
	var username string
	if ok {
		username = rec.Username
		delete(a.byID, externalID)
		delete(a.byName, normalizeName(username))
	}
	a.mu.Unlock()

	if ok && a.store != nil {
		if err := a.store.Delete(username); err != nil {
			logger.Warn("handle delete failed", zap.String("username", username), zap.Error(err))
		}
	}
	return ok
}

// IsAuthorized сообщает, известно ли имя (без учёта регистра).
func (a *Authority) IsAuthorized(username string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.byName[normalizeName(username)]
	return ok
}

// IsAuthorizedByID сообщает, известен ли внешний id.
func (a *Authority) IsAuthorizedByID(externalID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.byID[externalID]
	return ok
}

// IsAuthorizedByEither сообщает, известен ли автор по имени либо по id.
func (a *Authority) IsAuthorizedByEither(username, externalID string) bool {
	return a.IsAuthorizedByID(externalID) || a.IsAuthorized(username)
}

// ByName возвращает копию записи по имени.
func (a *Authority) ByName(username string) (Handle, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.byName[normalizeName(username)]
	if !ok {
		return Handle{}, false
	}
	return *rec, true
}

// ByID возвращает копию записи по внешнему id.
func (a *Authority) ByID(externalID string) (Handle, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.byID[externalID]
	if !ok {
		return Handle{}, false
	}
	return *rec, true
}

// ByEither возвращает запись по id либо по имени; при совпадении обоих
// с разными записями приоритет у внешнего id.
func (a *Authority) ByEither(username, externalID string) (Handle, bool) {
	if externalID != "" {
		if rec, ok := a.ByID(externalID); ok {
			return rec, true
		}
	}
	return a.ByName(username)
}

// PolicyFor возвращает политику по имени.
func (a *Authority) PolicyFor(username string) (Policy, bool) {
	rec, ok := a.ByName(username)
	return rec.Policy, ok
}

// PolicyForID возвращает политику по внешнему id.
func (a *Authority) PolicyForID(externalID string) (Policy, bool) {
	rec, ok := a.ByID(externalID)
	return rec.Policy, ok
}

// CanExecuteInRoom сообщает, вправе ли автор исполнять команды в комнате
// немедленно: запись найдена, политика instant-execute и комната в области.
func (a *Authority) CanExecuteInRoom(username, room, externalID string) bool {
	rec, ok := a.ByEither(username, externalID)
	if !ok {
		return false
	}
	return rec.Policy == PolicyInstant && rec.Rooms.Contains(room)
}

// ResolveTier определяет уровень доверия автора для комнаты.
func (a *Authority) ResolveTier(username, externalID, room string) Tier {
	if a.CanExecuteInRoom(username, room, externalID) {
		return TierAdmin
	}
	if a.IsAuthorizedByEither(username, externalID) {
		return TierTrusted
	}
	return TierGeneral
}

// Handles возвращает снимок всех записей (для консоли).
func (a *Authority) Handles() []Handle {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Handle, 0, len(a.byName))
	for _, rec := range a.byName {
		out = append(out, *rec)
	}
	return out
}
