// Таблица когнитивных комнат: девять именованных рабочих контекстов, каждый
// привязан к своему терминальному эмулятору. Набор можно переопределить файлом
// rooms.json; отсутствие файла не ошибка — действует встроенная таблица.
package capture

import (
	"encoding/json"
	"os"

	"github.com/go-faster/errors"
)

// DefaultRooms — встроенная привязка девяти комнат рабочей станции оператора.
func DefaultRooms() []Room {
	return []Room{
		{Name: "rio", Backend: BackendSystemEvents, TitleHint: "rio", App: "Rio"},
		{Name: "cursor", Backend: BackendSystemEvents, TitleHint: "cursor", App: "Cursor"},
		{Name: "code", Backend: BackendSystemEvents, TitleHint: "code", App: "Code"},
		{Name: "claude", Backend: BackendITerm, TitleHint: "claude"},
		{Name: "ops", Backend: BackendITerm, TitleHint: "ops"},
		{Name: "aider", Backend: BackendTerminal, TitleHint: "aider"},
		{Name: "research", Backend: BackendKitty, TitleHint: "research"},
		{Name: "scratch", Backend: BackendKitty, TitleHint: "scratch"},
		{Name: "build", Backend: BackendWezTerm, TitleHint: "build"},
	}
}

// validBackends — закрытый набор допустимых IPC-бэкендов.
var validBackends = map[Backend]struct{}{
	BackendITerm:        {},
	BackendTerminal:     {},
	BackendKitty:        {},
	BackendWezTerm:      {},
	BackendSystemEvents: {},
}

// LoadRooms читает таблицу комнат из JSON-файла. Отсутствующий файл возвращает
// встроенную таблицу; некорректная запись — ошибку (запуск с битой таблицей
// комнат опаснее, чем падение на старте).
func LoadRooms(path string) ([]Room, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultRooms(), nil
		}
		return nil, errors.Wrap(err, "read rooms file")
	}

	var rooms []Room
	if err := json.Unmarshal(data, &rooms); err != nil {
		return nil, errors.Wrap(err, "parse rooms file")
	}
	if len(rooms) == 0 {
		return DefaultRooms(), nil
	}

	seen := make(map[string]struct{}, len(rooms))
	for _, r := range rooms {
		if r.Name == "" {
			return nil, errors.New("rooms file: room with empty name")
		}
		if _, ok := validBackends[r.Backend]; !ok {
			return nil, errors.New("rooms file: room " + r.Name + " has unknown backend " + string(r.Backend))
		}
		if _, dup := seen[r.Name]; dup {
			return nil, errors.New("rooms file: duplicate room " + r.Name)
		}
		seen[r.Name] = struct{}{}
	}
	return rooms, nil
}
