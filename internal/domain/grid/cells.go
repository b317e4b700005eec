// Package grid — сетка давления 3×4: двенадцать фиксированных ячеек,
// взвешенная по времени частота событий и маршрутизация внимания в комнаты.
// События дописываются в grid-events.jsonl; давление нормализуется так, что
// самая горячая ячейка равна ровно 1.0.
package grid

// Row — ряд сетки.
type Row string

const (
	RowStrategy   Row = "Strategy"
	RowTactics    Row = "Tactics"
	RowOperations Row = "Operations"
)

// Cell — одна ячейка сетки: идентификатор, короткая метка, ряд, привязанная
// когнитивная комната и калибровка для детектора дрейфа (ключевые слова
// намерения и пути репозитория).
type Cell struct {
	ID       string
	Label    string
	Row      Row
	Room     string
	Keywords []string
	Paths    []string
}

// Cells — фиксированная раскладка: ряд A — стратегия, B — тактика, C — операции.
var Cells = []Cell{
	{ID: "A1", Label: "vision", Row: RowStrategy, Room: "rio",
		Keywords: []string{"vision", "intent", "sovereign"}, Paths: []string{"docs/vision"}},
	{ID: "A2", Label: "narrative", Row: RowStrategy, Room: "research",
		Keywords: []string{"narrative", "story", "positioning"}, Paths: []string{"docs/narrative"}},
	{ID: "A3", Label: "trust", Row: RowStrategy, Room: "claude",
		Keywords: []string{"trust", "transparency", "debt"}, Paths: []string{"internal/domain/transparency"}},
	{ID: "A4", Label: "market", Row: RowStrategy, Room: "scratch",
		Keywords: []string{"market", "audience", "growth"}, Paths: []string{"docs/market"}},

	{ID: "B1", Label: "architecture", Row: RowTactics, Room: "cursor",
		Keywords: []string{"architecture", "design", "interface"}, Paths: []string{"internal/domain"}},
	{ID: "B2", Label: "implementation", Row: RowTactics, Room: "code",
		Keywords: []string{"implement", "build", "feature"}, Paths: []string{"internal"}},
	{ID: "B3", Label: "verification", Row: RowTactics, Room: "aider",
		Keywords: []string{"test", "verify", "invariant"}, Paths: []string{"internal/domain/tasks"}},
	{ID: "B4", Label: "integration", Row: RowTactics, Room: "build",
		Keywords: []string{"integrate", "adapter", "bridge"}, Paths: []string{"internal/adapters"}},

	{ID: "C1", Label: "infra", Row: RowOperations, Room: "ops",
		Keywords: []string{"deploy", "infra", "config"}, Paths: []string{"internal/infra"}},
	{ID: "C2", Label: "observability", Row: RowOperations, Room: "ops",
		Keywords: []string{"log", "monitor", "report"}, Paths: []string{"internal/infra/logger"}},
	{ID: "C3", Label: "support", Row: RowOperations, Room: "claude",
		Keywords: []string{"support", "steering", "approval"}, Paths: []string{"internal/domain/steering"}},
	{ID: "C4", Label: "growth", Row: RowOperations, Room: "research",
		Keywords: []string{"post", "draft", "publish"}, Paths: []string{"internal/domain/drafts"}},
}

// phaseToCell — таблица «внешняя фаза → ячейка». Девять фаз конвейера
// покрывают девять ячеек; неизвестная фаза не даёт эмиссии.
var phaseToCell = map[int]string{
	1: "A1",
	2: "A2",
	3: "B1",
	4: "B2",
	5: "B3",
	6: "B4",
	7: "C1",
	8: "C2",
	9: "C4",
}

// CellByID возвращает ячейку по идентификатору.
func CellByID(id string) (Cell, bool) {
	for _, c := range Cells {
		if c.ID == id {
			return c, true
		}
	}
	return Cell{}, false
}

// CellForRoom возвращает первую ячейку, привязанную к комнате.
func CellForRoom(room string) (Cell, bool) {
	for _, c := range Cells {
		if c.Room == room {
			return c, true
		}
	}
	return Cell{}, false
}

// CellForPhase возвращает ячейку для номера фазы.
func CellForPhase(phase int) (Cell, bool) {
	id, ok := phaseToCell[phase]
	if !ok {
		return Cell{}, false
	}
	return CellByID(id)
}
