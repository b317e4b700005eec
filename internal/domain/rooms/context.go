// Скользящий контекст комнаты: ограниченное окно (≤ 50 логических строк)
// последнего вывода, обновляемое при завершении задач. Следующая задача комнаты
// получает его как приор. Хранение — по одному текстовому файлу на комнату;
// один писатель на комнату, last-writer-wins допустим.
package rooms

import (
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"intentguard/internal/infra/logger"
	"intentguard/internal/infra/storage"
)

// ContextMaxLines — максимум строк в скользящем контексте комнаты.
const ContextMaxLines = 50

// contextPath возвращает путь файла контекста комнаты.
func (r *Registry) contextPath(room string) string {
	return filepath.Join(r.dataDir, "room-context", room+".txt")
}

// GetRoomContext возвращает текущий контекст комнаты; пустая строка, если
// контекста нет.
func (r *Registry) GetRoomContext(room string) string {
	data, err := os.ReadFile(r.contextPath(room))
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("room context read failed", zap.String("room", room), zap.Error(err))
		}
		return ""
	}
	return string(data)
}

// UpdateRoomContext добавляет вывод задачи к контексту комнаты и обрезает
// результат до последних ContextMaxLines строк.
func (r *Registry) UpdateRoomContext(room, output string) {
	if strings.TrimSpace(output) == "" {
		return
	}
	existing := r.GetRoomContext(room)
	combined := existing
	if combined != "" && !strings.HasSuffix(combined, "\n") {
		combined += "\n"
	}
	combined += output

	lines := strings.Split(strings.TrimRight(combined, "\n"), "\n")
	if len(lines) > ContextMaxLines {
		lines = lines[len(lines)-ContextMaxLines:]
	}
	trimmed := strings.Join(lines, "\n") + "\n"

	if err := storage.AtomicWriteFile(r.contextPath(room), []byte(trimmed)); err != nil {
		logger.Warn("room context write failed", zap.String("room", room), zap.Error(err))
	}
}

// ClearRoomContext удаляет контекст комнаты.
func (r *Registry) ClearRoomContext(room string) {
	if err := os.Remove(r.contextPath(room)); err != nil && !os.IsNotExist(err) {
		logger.Warn("room context clear failed", zap.String("room", room), zap.Error(err))
	}
}
