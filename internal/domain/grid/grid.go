package grid

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"intentguard/internal/infra/clock"
	"intentguard/internal/infra/logger"
	"intentguard/internal/infra/storage"
)

// Временные веса давления: чем свежее событие, тем тяжелее.
const (
	weightHour = 1.0
	weightSix  = 0.5
	weightDay  = 0.2

	// DefaultHotThreshold — порог горячей ячейки по умолчанию.
	DefaultHotThreshold = 0.7
)

// EventType — вид события сетки.
type EventType string

const (
	// EventPointerCreate — на сетке появился указатель работы (новая задача).
	EventPointerCreate EventType = "POINTER_CREATE"
	// EventPressureUpdate — зарегистрированное давление на ячейку.
	EventPressureUpdate EventType = "PRESSURE_UPDATE"
	// EventCellActivate — активация ячейки внешней фазой или сигналом дрейфа.
	EventCellActivate EventType = "CELL_ACTIVATE"
)

// Event — одна эмиссия на сетке.
type Event struct {
	TS          time.Time      `json:"ts"`
	Type        EventType      `json:"type"`
	Cell        string         `json:"cell"`
	Phase       int            `json:"phase,omitempty"`
	Task        string         `json:"task,omitempty"`
	Intersect   string         `json:"intersection,omitempty"` // "<source-cell>:<target-cell>"
	Source      string         `json:"source"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// IntersectionTag собирает метку пересечения «ячейка-источник:ячейка-цель».
func IntersectionTag(sourceCell, targetCell string) string {
	return sourceCell + ":" + targetCell
}

// Grid — состояние сетки: окно событий и нормализованные давления.
type Grid struct {
	mu        sync.Mutex
	path      string
	events    []Event
	pressures map[string]float64
	now       clock.Func
}

// Option настраивает сетку при создании.
type Option func(*Grid)

// WithClock подменяет источник времени (тесты).
func WithClock(now clock.Func) Option {
	return func(g *Grid) {
		if now != nil {
			g.now = now
		}
	}
}

// Open создаёт сетку и реплеит журнал событий; битые строки пропускаются.
func Open(path string, opts ...Option) (*Grid, error) {
	g := &Grid{
		path:      path,
		pressures: make(map[string]float64),
		now:       clock.Now,
	}
	for _, opt := range opts {
		opt(g)
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return g, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(raw, &e); err != nil {
			logger.Warn("grid journal: skipping malformed line", zap.Int("line", line), zap.Error(err))
			continue
		}
		g.events = append(g.events, e)
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("grid journal: scan stopped early", zap.Error(err))
	}
	logger.Info("grid journal replayed", zap.String("path", path), zap.Int("events", len(g.events)))
	return g, nil
}

// Emit регистрирует давление на явно указанной ячейке (PRESSURE_UPDATE).
// Неизвестная ячейка — no-op с логом.
func (g *Grid) Emit(cellID, source, description string, metadata map[string]any) {
	g.EmitEvent(Event{
		Type:        EventPressureUpdate,
		Cell:        cellID,
		Source:      source,
		Description: description,
		Metadata:    metadata,
	})
}

// EmitEvent регистрирует полностью заданное событие: штамп времени ставится
// здесь, пустой тип приводится к PRESSURE_UPDATE. Неизвестная ячейка — no-op.
func (g *Grid) EmitEvent(e Event) {
	if _, ok := CellByID(e.Cell); !ok {
		logger.Warn("grid: emit to unknown cell", zap.String("cell", e.Cell))
		return
	}
	e.TS = g.now()
	if e.Type == "" {
		e.Type = EventPressureUpdate
	}

	g.mu.Lock()
	g.events = append(g.events, e)
	g.mu.Unlock()

	data, err := json.Marshal(e)
	if err != nil {
		logger.Warn("grid: marshal event failed", zap.Error(err))
		return
	}
	if err := storage.AppendLine(g.path, string(data)); err != nil {
		logger.Warn("grid: append event failed", zap.Error(err))
	}
}

// EmitPhase регистрирует активацию ячейки по номеру внешней фазы
// (CELL_ACTIVATE; фаза сохраняется в записи). Неизвестная фаза не даёт эмиссии.
func (g *Grid) EmitPhase(phase int, source, description string, metadata map[string]any) {
	cell, ok := CellForPhase(phase)
	if !ok {
		logger.Warn("grid: emit for unknown phase", zap.Int("phase", phase))
		return
	}
	g.EmitEvent(Event{
		Type:        EventCellActivate,
		Cell:        cell.ID,
		Phase:       phase,
		Source:      source,
		Description: description,
		Metadata:    metadata,
	})
}

// Update пересчитывает давления по событиям последних 24 часов.
// Самая горячая ячейка после пересчёта равна ровно 1.0 (либо все нули).
func (g *Grid) Update() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	scores := make(map[string]float64, len(Cells))
	kept := g.events[:0]
	for _, e := range g.events {
		age := now.Sub(e.TS)
		var w float64
		switch {
		case age < 0:
			continue
		case age <= time.Hour:
			w = weightHour
		case age <= 6*time.Hour:
			w = weightSix
		case age <= 24*time.Hour:
			w = weightDay
		default:
			// Старше суток — выбрасываем и из окна в памяти.
			continue
		}
		kept = append(kept, e)
		scores[e.Cell] += w
	}
	g.events = kept

	var max float64
	for _, s := range scores {
		if s > max {
			max = s
		}
	}

	g.pressures = make(map[string]float64, len(Cells))
	for _, c := range Cells {
		if max == 0 {
			g.pressures[c.ID] = 0
			continue
		}
		g.pressures[c.ID] = scores[c.ID] / max
	}
}

// Pressure возвращает давление ячейки после последнего Update.
func (g *Grid) Pressure(cellID string) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pressures[cellID]
}

// Pressures возвращает снимок давлений всех ячеек.
func (g *Grid) Pressures() map[string]float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]float64, len(g.pressures))
	for k, v := range g.pressures {
		out[k] = v
	}
	return out
}

// HotCells возвращает ячейки с давлением ≥ threshold, по убыванию давления.
func (g *Grid) HotCells(threshold float64) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var hot []string
	for id, p := range g.pressures {
		if p >= threshold && p > 0 {
			hot = append(hot, id)
		}
	}
	sort.Slice(hot, func(a, b int) bool {
		if g.pressures[hot[a]] != g.pressures[hot[b]] {
			return g.pressures[hot[a]] > g.pressures[hot[b]]
		}
		return hot[a] < hot[b]
	})
	return hot
}

// RouteToRoom рекомендует комнату по множеству горячих ячеек: суммарное
// давление по привязке «ячейка → комната», победитель — максимум.
// Пустой вход даёт "#general" с нулевой суммой.
func (g *Grid) RouteToRoom(hotCells []string) (room string, total float64, explanation string) {
	if len(hotCells) == 0 {
		return "#general", 0, "no hot cells — defaulting to #general"
	}

	g.mu.Lock()
	perRoom := make(map[string]float64)
	for _, id := range hotCells {
		cell, ok := CellByID(id)
		if !ok {
			continue
		}
		perRoom[cell.Room] += g.pressures[id]
	}
	g.mu.Unlock()

	rooms := make([]string, 0, len(perRoom))
	for r := range perRoom {
		rooms = append(rooms, r)
	}
	sort.Slice(rooms, func(a, b int) bool {
		if perRoom[rooms[a]] != perRoom[rooms[b]] {
			return perRoom[rooms[a]] > perRoom[rooms[b]]
		}
		return rooms[a] < rooms[b]
	})
	if len(rooms) == 0 {
		return "#general", 0, "no hot cells — defaulting to #general"
	}

	winner := rooms[0]
	return winner, perRoom[winner], fmt.Sprintf(
		"room %s carries the highest hot-cell pressure (%.2f across %d cells)",
		winner, perRoom[winner], len(hotCells))
}

// indicator — температурная метка ячейки.
func indicator(p float64) string {
	switch {
	case p < 0.3:
		return "🟦"
	case p < 0.7:
		return "🟨"
	default:
		return "🟥"
	}
}

// Render рисует фиксированную раскладку 3×4 с рамками и индикатором на ячейку.
func (g *Grid) Render() string {
	pressures := g.Pressures()

	var b strings.Builder
	rows := []Row{RowStrategy, RowTactics, RowOperations}
	b.WriteString("┌──────────────┬──────────────┬──────────────┬──────────────┐\n")
	for i, row := range rows {
		if i > 0 {
			b.WriteString("├──────────────┼──────────────┼──────────────┼──────────────┤\n")
		}
		line := "│"
		for _, c := range Cells {
			if c.Row != row {
				continue
			}
			p := pressures[c.ID]
			line += fmt.Sprintf(" %s %s %.2f %s│", c.ID, indicator(p), p, padLabel(c.Label))
		}
		b.WriteString(line + "\n")
	}
	b.WriteString("└──────────────┴──────────────┴──────────────┴──────────────┘")
	return b.String()
}

// padLabel укорачивает метку до ширины колонки.
func padLabel(label string) string {
	const width = 3
	if len(label) > width {
		return label[:width]
	}
	return label + strings.Repeat(" ", width-len(label))
}
