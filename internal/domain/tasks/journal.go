// Журнал задач: в памяти — авторитетная карта записей, на диске — append-only
// jsonl с двумя видами строк: create (полная задача) и update (id, статус,
// опциональный патч полей). Ошибки записи журнала проглатываются (best-effort
// долговечность): состояние процесса остаётся авторитетным, следующая удачная
// запись лечит журнал. Реплей при старте терпим к битым строкам.
package tasks

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"intentguard/internal/infra/clock"
	"intentguard/internal/infra/logger"
	"intentguard/internal/infra/storage"
)

// entry — одна строка журнала.
type entry struct {
	Type   string         `json:"type"` // create | update
	TS     time.Time      `json:"ts"`
	Task   *Task          `json:"task,omitempty"`
	ID     string         `json:"id,omitempty"`
	Status Status         `json:"status,omitempty"`
	Patch  map[string]any `json:"patch,omitempty"`
}

// Journal — долговременное хранилище задач с единственным писателем.
type Journal struct {
	mu    sync.Mutex
	path  string
	tasks map[string]*Task
	now   clock.Func
}

// Option настраивает журнал при открытии.
type Option func(*Journal)

// WithClock подменяет источник времени (тесты).
func WithClock(now clock.Func) Option {
	return func(j *Journal) {
		if now != nil {
			j.now = now
		}
	}
}

// Open создаёт журнал и реплеит существующий файл: create вставляет запись,
// update находит по id и накладывает изменения. Некорректные строки
// пропускаются с предупреждением.
func Open(path string, opts ...Option) (*Journal, error) {
	j := &Journal{
		path:  path,
		tasks: make(map[string]*Task),
		now:   clock.Now,
	}
	for _, opt := range opts {
		opt(j)
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return j, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e entry
		if err := json.Unmarshal(raw, &e); err != nil {
			logger.Warn("task journal: skipping malformed line",
				zap.Int("line", line), zap.Error(err))
			continue
		}
		j.replay(e, line)
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("task journal: scan stopped early", zap.Error(err))
	}

	logger.Info("task journal replayed",
		zap.String("path", path), zap.Int("tasks", len(j.tasks)))
	return j, nil
}

// replay применяет одну строку журнала к состоянию в памяти.
func (j *Journal) replay(e entry, line int) {
	switch e.Type {
	case "create":
		if e.Task == nil || e.Task.ID == "" {
			logger.Warn("task journal: create entry without task", zap.Int("line", line))
			return
		}
		t := e.Task.clone()
		j.tasks[t.ID] = &t
	case "update":
		t, ok := j.tasks[e.ID]
		if !ok {
			logger.Warn("task journal: update for unknown task",
				zap.Int("line", line), zap.String("id", e.ID))
			return
		}
		if e.Status != "" {
			t.Status = e.Status
		}
		if len(e.Patch) > 0 {
			applyPatch(t, e.Patch)
		}
	default:
		logger.Warn("task journal: unknown entry type",
			zap.Int("line", line), zap.String("type", e.Type))
	}
}

// applyPatch накладывает карту изменений на запись через JSON round-trip:
// так патч остаётся свободной картой, а поля задачи — типизированными.
func applyPatch(t *Task, patch map[string]any) {
	base, err := json.Marshal(t)
	if err != nil {
		logger.Warn("task journal: marshal before patch failed", zap.Error(err))
		return
	}
	var m map[string]any
	if err := json.Unmarshal(base, &m); err != nil {
		logger.Warn("task journal: unmarshal before patch failed", zap.Error(err))
		return
	}
	for k, v := range patch {
		m[k] = v
	}
	merged, err := json.Marshal(m)
	if err != nil {
		logger.Warn("task journal: marshal after patch failed", zap.Error(err))
		return
	}
	var out Task
	if err := json.Unmarshal(merged, &out); err != nil {
		logger.Warn("task journal: patch produced invalid task", zap.Error(err))
		return
	}
	*t = out
}

// append пишет строку журнала на диск; сбой записи проглатывается с логом.
func (j *Journal) append(e entry) {
	data, err := json.Marshal(e)
	if err != nil {
		logger.Warn("task journal: marshal entry failed", zap.Error(err))
		return
	}
	if err := storage.AppendLine(j.path, string(data)); err != nil {
		logger.Warn("task journal: append failed", zap.Error(err))
	}
}

// newID генерирует короткий 8-hex идентификатор, избегая коллизий с живыми записями.
func (j *Journal) newID() string {
	for {
		var b [4]byte
		if _, err := rand.Read(b[:]); err != nil {
			// Крайний случай: откат на время. Вероятность попасть сюда ничтожна.
			return hex.EncodeToString([]byte(j.now().Format("0102150405")))[:8]
		}
		id := hex.EncodeToString(b[:])
		if _, exists := j.tasks[id]; !exists {
			return id
		}
	}
}

// Create регистрирует новую задачу в статусе pending и журналирует её.
func (j *Journal) Create(room, channelID, prompt string) Task {
	j.mu.Lock()
	defer j.mu.Unlock()

	t := &Task{
		ID:        j.newID(),
		Room:      room,
		ChannelID: channelID,
		Prompt:    prompt,
		Status:    StatusPending,
		CreatedAt: j.now(),
	}
	j.tasks[t.ID] = t
	j.append(entry{Type: "create", TS: t.CreatedAt, Task: t})
	return t.clone()
}

// Get возвращает копию задачи по id.
func (j *Journal) Get(id string) (Task, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	t, ok := j.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}

// ByStatus возвращает задачи в любом из перечисленных статусов.
func (j *Journal) ByStatus(statuses ...Status) []Task {
	j.mu.Lock()
	defer j.mu.Unlock()

	want := make(map[Status]struct{}, len(statuses))
	for _, s := range statuses {
		want[s] = struct{}{}
	}
	var out []Task
	for _, t := range j.tasks {
		if _, ok := want[t.Status]; ok {
			out = append(out, t.clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out
}

// RunningForRoom возвращает единственную активную (dispatched/running) задачу комнаты.
func (j *Journal) RunningForRoom(room string) (Task, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	t, ok := j.runningForRoomLocked(room)
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}

func (j *Journal) runningForRoomLocked(room string) (*Task, bool) {
	for _, t := range j.tasks {
		if t.Room == room && t.Status.Active() {
			return t, true
		}
	}
	return nil, false
}

// Recent возвращает до n задач, отсортированных по created_at по убыванию.
func (j *Journal) Recent(n int) []Task {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]Task, 0, len(j.tasks))
	for _, t := range j.tasks {
		out = append(out, t.clone())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// KillRoom переводит активную задачу комнаты в killed. Возвращает true, если
// активная задача была найдена и убита.
func (j *Journal) KillRoom(room string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	t, ok := j.runningForRoomLocked(room)
	if !ok {
		return false
	}
	j.updateStatusLocked(t, StatusKilled, nil)
	return true
}

// UpdateStatus переводит задачу в новый статус с опциональным патчем полей.
// Переход в терминальный статус фиксирует completed_at (однократно: повторный
// вызов с тем же статусом не меняет запись). Неизвестный статус — no-op с логом.
func (j *Journal) UpdateStatus(id string, status Status, patch map[string]any) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !status.Valid() {
		logger.Warn("task journal: unknown status", zap.String("id", id), zap.String("status", string(status)))
		return false
	}
	t, ok := j.tasks[id]
	if !ok {
		logger.Warn("task journal: update for unknown task", zap.String("id", id))
		return false
	}
	if t.Status == status && len(patch) == 0 {
		return true
	}
	j.updateStatusLocked(t, status, patch)
	return true
}

func (j *Journal) updateStatusLocked(t *Task, status Status, patch map[string]any) {
	t.Status = status
	if len(patch) > 0 {
		applyPatch(t, patch)
	}
	if status.Terminal() && t.CompletedAt == nil {
		now := j.now()
		t.CompletedAt = &now
		if patch == nil {
			patch = map[string]any{}
		}
		patch["completed_at"] = now
	}
	j.append(entry{Type: "update", TS: j.now(), ID: t.ID, Status: status, Patch: patch})
}

// AppendOutput дописывает дельту к накопленному выводу и обновляет
// last_output_at / last_output_length.
func (j *Journal) AppendOutput(id, delta string) bool {
	if delta == "" {
		return true
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	t, ok := j.tasks[id]
	if !ok {
		logger.Warn("task journal: append output for unknown task", zap.String("id", id))
		return false
	}
	now := j.now()
	t.Output += delta
	t.LastOutputAt = &now
	t.LastOutputLength = len(t.Output)
	j.append(entry{Type: "update", TS: now, ID: t.ID, Status: t.Status, Patch: map[string]any{
		"output":             t.Output,
		"last_output_at":     now,
		"last_output_length": t.LastOutputLength,
	}})
	return true
}

// SetBaseline фиксирует снимок, относительно которого считается следующая дельта.
func (j *Journal) SetBaseline(id, baseline string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	t, ok := j.tasks[id]
	if !ok {
		return false
	}
	t.Baseline = baseline
	j.append(entry{Type: "update", TS: j.now(), ID: t.ID, Status: t.Status, Patch: map[string]any{
		"baseline": baseline,
	}})
	return true
}

// SetDispatched отмечает момент отправки задачи в терминал комнаты.
func (j *Journal) SetDispatched(id string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	t, ok := j.tasks[id]
	if !ok {
		return false
	}
	now := j.now()
	t.Status = StatusDispatched
	t.DispatchedAt = &now
	j.append(entry{Type: "update", TS: now, ID: t.ID, Status: StatusDispatched, Patch: map[string]any{
		"dispatched_at": now,
	}})
	return true
}

// SetDiscordMessageID сохраняет хэндл ответного сообщения задачи.
func (j *Journal) SetDiscordMessageID(id, messageID string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	t, ok := j.tasks[id]
	if !ok {
		return false
	}
	t.DiscordMessageID = messageID
	j.append(entry{Type: "update", TS: j.now(), ID: t.ID, Status: t.Status, Patch: map[string]any{
		"discord_message_id": messageID,
	}})
	return true
}
