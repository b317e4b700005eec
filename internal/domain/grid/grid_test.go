package grid_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"intentguard/internal/domain/grid"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func openGrid(t *testing.T, clk *testClock) *grid.Grid {
	t.Helper()
	g, err := grid.Open(filepath.Join(t.TempDir(), "grid-events.jsonl"), grid.WithClock(clk.Now))
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	return g
}

func TestPressureNormalization(t *testing.T) {
	t.Parallel()

	clk := newTestClock()
	g := openGrid(t, clk)

	// Пять свежих событий на A1 и два на B2.
	for i := 0; i < 5; i++ {
		g.Emit("A1", "test", "", nil)
	}
	for i := 0; i < 2; i++ {
		g.Emit("B2", "test", "", nil)
	}
	g.Update()

	if got := g.Pressure("A1"); got != 1.0 {
		t.Fatalf("A1 = %v, want exactly 1.0", got)
	}
	if got := g.Pressure("B2"); got != 0.4 {
		t.Fatalf("B2 = %v, want 0.4", got)
	}
	for cell, p := range g.Pressures() {
		if cell == "A1" || cell == "B2" {
			continue
		}
		if p != 0 {
			t.Fatalf("%s = %v, want 0", cell, p)
		}
	}

	if got := g.HotCells(0.5); !reflect.DeepEqual(got, []string{"A1"}) {
		t.Fatalf("HotCells(0.5) = %v, want [A1]", got)
	}
}

func TestPressureMaxIsOneOrZero(t *testing.T) {
	t.Parallel()

	clk := newTestClock()
	g := openGrid(t, clk)

	g.Update()
	for _, p := range g.Pressures() {
		if p != 0 {
			t.Fatalf("empty grid pressure = %v, want all zeros", p)
		}
	}

	g.Emit("C3", "test", "", nil)
	g.Emit("C3", "test", "", nil)
	g.Emit("A4", "test", "", nil)
	g.Update()

	var max float64
	for _, p := range g.Pressures() {
		if p < 0 || p > 1 {
			t.Fatalf("pressure %v out of [0,1]", p)
		}
		if p > max {
			max = p
		}
	}
	if max != 1.0 {
		t.Fatalf("max pressure = %v, want exactly 1.0", max)
	}
}

func TestTimeWeightsAndDiscard(t *testing.T) {
	t.Parallel()

	clk := newTestClock()
	g := openGrid(t, clk)

	g.Emit("A1", "test", "oldest", nil) // станет старше суток
	clk.Advance(25 * time.Hour)
	g.Emit("A1", "test", "day", nil) // вес 0.2 через 12 часов
	clk.Advance(12 * time.Hour)
	g.Emit("B2", "test", "six", nil) // вес 0.5 через 3 часа
	clk.Advance(3 * time.Hour)
	g.Emit("C1", "test", "fresh", nil) // вес 1.0
	g.Update()

	// C1: 1.0 → максимум; B2: 0.5 → 0.5; A1: 0.2 → 0.2 (первое событие выброшено).
	if got := g.Pressure("C1"); got != 1.0 {
		t.Fatalf("C1 = %v", got)
	}
	if got := g.Pressure("B2"); got != 0.5 {
		t.Fatalf("B2 = %v", got)
	}
	if got := g.Pressure("A1"); got != 0.2 {
		t.Fatalf("A1 = %v", got)
	}
}

func TestEventsSurviveRestart(t *testing.T) {
	t.Parallel()

	clk := newTestClock()
	path := filepath.Join(t.TempDir(), "grid-events.jsonl")

	g, err := grid.Open(path, grid.WithClock(clk.Now))
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	g.Emit("A1", "test", "before restart", nil)
	g.Emit("B3", "test", "before restart", nil)

	g2, err := grid.Open(path, grid.WithClock(clk.Now))
	if err != nil {
		t.Fatalf("reopen = %v", err)
	}
	g2.Update()
	if got := g2.Pressure("A1"); got != 1.0 {
		t.Fatalf("A1 after replay = %v, want 1.0", got)
	}
	if got := g2.Pressure("B3"); got != 1.0 {
		t.Fatalf("B3 after replay = %v, want 1.0", got)
	}
}

func TestEmitPhaseTable(t *testing.T) {
	t.Parallel()

	clk := newTestClock()
	g := openGrid(t, clk)

	g.EmitPhase(4, "pipeline", "", nil) // фаза 4 → B2
	g.EmitPhase(0, "pipeline", "", nil) // неизвестная фаза — нет эмиссии
	g.EmitPhase(10, "pipeline", "", nil)
	g.Update()

	if got := g.Pressure("B2"); got != 1.0 {
		t.Fatalf("B2 = %v, want 1.0", got)
	}
	total := 0.0
	for _, p := range g.Pressures() {
		total += p
	}
	if total != 1.0 {
		t.Fatalf("invalid phases must not emit; total pressure = %v", total)
	}
}

func TestEventRecordCarriesTypePhaseTaskIntersection(t *testing.T) {
	t.Parallel()

	clk := newTestClock()
	path := filepath.Join(t.TempDir(), "grid-events.jsonl")
	g, err := grid.Open(path, grid.WithClock(clk.Now))
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}

	g.EmitPhase(4, "pipeline", "phase four", nil) // фаза 4 → B2
	g.EmitEvent(grid.Event{
		Type:      grid.EventPointerCreate,
		Cell:      "B3",
		Task:      "a1b2c3d4",
		Intersect: grid.IntersectionTag("B3", "C3"),
		Source:    "steering",
	})
	g.Emit("A1", "drift", "shorthand", nil)

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 3 {
		t.Fatalf("journal lines = %d, want 3", len(lines))
	}
	events := make([]grid.Event, len(lines))
	for i, line := range lines {
		if err := json.Unmarshal([]byte(line), &events[i]); err != nil {
			t.Fatalf("line %d: %v", i, err)
		}
	}

	if events[0].Type != grid.EventCellActivate || events[0].Phase != 4 || events[0].Cell != "B2" {
		t.Fatalf("phase event = %+v", events[0])
	}
	if events[1].Type != grid.EventPointerCreate || events[1].Task != "a1b2c3d4" {
		t.Fatalf("pointer event = %+v", events[1])
	}
	if events[1].Intersect != "B3:C3" {
		t.Fatalf("intersection = %q, want B3:C3", events[1].Intersect)
	}
	if events[2].Type != grid.EventPressureUpdate {
		t.Fatalf("shorthand emit type = %q, want PRESSURE_UPDATE", events[2].Type)
	}
}

func TestRouteToRoom(t *testing.T) {
	t.Parallel()

	clk := newTestClock()
	g := openGrid(t, clk)

	room, total, _ := g.RouteToRoom(nil)
	if room != "#general" || total != 0 {
		t.Fatalf("empty input route = %s/%v, want #general/0", room, total)
	}

	// C1 и C2 обе привязаны к ops: их сумма перевешивает одиночную B2 (code).
	g.Emit("C1", "test", "", nil)
	g.Emit("C2", "test", "", nil)
	g.Emit("B2", "test", "", nil)
	g.Update()

	room, total, explanation := g.RouteToRoom([]string{"C1", "C2", "B2"})
	if room != "ops" {
		t.Fatalf("route = %s, want ops", room)
	}
	if total != 2.0 {
		t.Fatalf("total = %v, want 2.0", total)
	}
	if explanation == "" {
		t.Fatal("explanation must not be empty")
	}
}

func TestRenderShowsEveryCell(t *testing.T) {
	t.Parallel()

	clk := newTestClock()
	g := openGrid(t, clk)
	g.Emit("A1", "test", "", nil)
	g.Update()

	out := g.Render()
	for _, c := range grid.Cells {
		if !strings.Contains(out, c.ID) {
			t.Fatalf("render missing cell %s:\n%s", c.ID, out)
		}
	}
}
