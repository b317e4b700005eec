package tasks_test

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"intentguard/internal/domain/tasks"
)

// fixedClock возвращает детерминированную последовательность моментов времени.
func fixedClock(start time.Time, step time.Duration) func() time.Time {
	current := start
	return func() time.Time {
		t := current
		current = current.Add(step)
		return t
	}
}

func openJournal(t *testing.T) (*tasks.Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.jsonl")
	j, err := tasks.Open(path)
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	return j, path
}

func TestCreateAssignsShortID(t *testing.T) {
	t.Parallel()

	j, _ := openJournal(t)
	task := j.Create("claude", "chan-1", "make test")

	if len(task.ID) != 8 {
		t.Fatalf("ID length = %d, want 8", len(task.ID))
	}
	if task.Status != tasks.StatusPending {
		t.Fatalf("Status = %q, want pending", task.Status)
	}
	if task.Output != "" || task.Baseline != "" {
		t.Fatal("new task must have empty output and baseline")
	}
}

func TestReplayRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tasks.jsonl")
	j, err := tasks.Open(path)
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}

	created := j.Create("rio", "chan-7", "echo hello")
	j.SetDispatched(created.ID)
	j.AppendOutput(created.ID, "hello\n")
	j.UpdateStatus(created.ID, tasks.StatusRunning, nil)

	// «Рестарт процесса»: новый журнал реплеит тот же файл.
	j2, err := tasks.Open(path)
	if err != nil {
		t.Fatalf("reopen = %v", err)
	}
	got, ok := j2.Get(created.ID)
	if !ok {
		t.Fatalf("task %s lost after replay", created.ID)
	}
	if got.ID != created.ID || got.Room != "rio" || got.ChannelID != "chan-7" || got.Prompt != "echo hello" {
		t.Fatalf("replayed identity mismatch: %+v", got)
	}
	if got.Status != tasks.StatusRunning {
		t.Fatalf("replayed status = %q, want running", got.Status)
	}
	if got.Output != "hello\n" {
		t.Fatalf("replayed output = %q", got.Output)
	}
}

func TestReplaySkipsMalformedLines(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tasks.jsonl")
	j, err := tasks.Open(path)
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	created := j.Create("ops", "chan-2", "ls")

	// Портим журнал: мусорная строка между валидными записями.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	if _, err := f.WriteString("{not json at all\n"); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	_ = f.Close()
	j.UpdateStatus(created.ID, tasks.StatusComplete, nil)

	j2, err := tasks.Open(path)
	if err != nil {
		t.Fatalf("reopen = %v", err)
	}
	got, ok := j2.Get(created.ID)
	if !ok {
		t.Fatal("task lost after replay with malformed line")
	}
	if got.Status != tasks.StatusComplete {
		t.Fatalf("status = %q, want complete", got.Status)
	}
}

func TestTerminalStatusSetsCompletedAt(t *testing.T) {
	t.Parallel()

	cases := []tasks.Status{tasks.StatusComplete, tasks.StatusFailed, tasks.StatusTimeout, tasks.StatusKilled}
	for _, status := range cases {
		status := status
		t.Run(string(status), func(t *testing.T) {
			t.Parallel()
			j, _ := openJournal(t)
			created := j.Create("claude", "c", "p")
			j.UpdateStatus(created.ID, status, nil)

			got, _ := j.Get(created.ID)
			if got.CompletedAt == nil {
				t.Fatalf("CompletedAt is nil after transition to %s", status)
			}
		})
	}
}

func TestUpdateStatusIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tasks.jsonl")
	j, err := tasks.Open(path, tasks.WithClock(fixedClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), time.Second)))
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	created := j.Create("aider", "c", "p")

	j.UpdateStatus(created.ID, tasks.StatusComplete, nil)
	first, _ := j.Get(created.ID)
	j.UpdateStatus(created.ID, tasks.StatusComplete, nil)
	second, _ := j.Get(created.ID)

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("second UpdateStatus changed the record:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestAtMostOneActiveTaskPerRoom(t *testing.T) {
	t.Parallel()

	j, _ := openJournal(t)
	a := j.Create("rio", "c", "first")
	j.SetDispatched(a.ID)

	// Вторая задача создаётся, но активной для комнаты остаётся первая
	// (диспетчеризацию второй поллер не начнёт, пока первая не завершена).
	j.Create("rio", "c", "second")

	running, ok := j.RunningForRoom("rio")
	if !ok {
		t.Fatal("RunningForRoom found nothing")
	}
	if running.ID != a.ID {
		t.Fatalf("RunningForRoom = %s, want %s", running.ID, a.ID)
	}

	active := j.ByStatus(tasks.StatusDispatched, tasks.StatusRunning)
	count := 0
	for _, task := range active {
		if task.Room == "rio" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("active tasks in room = %d, want 1", count)
	}
}

func TestKillRoom(t *testing.T) {
	t.Parallel()

	j, _ := openJournal(t)
	created := j.Create("room-x", "c", "sleep 100")
	j.SetDispatched(created.ID)
	j.UpdateStatus(created.ID, tasks.StatusRunning, nil)

	if !j.KillRoom("room-x") {
		t.Fatal("KillRoom first call = false, want true")
	}
	got, _ := j.Get(created.ID)
	if got.Status != tasks.StatusKilled {
		t.Fatalf("status = %q, want killed", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatal("CompletedAt not set by kill")
	}

	if j.KillRoom("room-x") {
		t.Fatal("KillRoom second call = true, want false")
	}
}

func TestRecentOrdersByCreatedAtDescending(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tasks.jsonl")
	j, err := tasks.Open(path, tasks.WithClock(fixedClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), time.Minute)))
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}

	first := j.Create("a", "c", "1")
	second := j.Create("b", "c", "2")
	third := j.Create("c", "c", "3")

	recent := j.Recent(2)
	if len(recent) != 2 {
		t.Fatalf("Recent(2) returned %d", len(recent))
	}
	if recent[0].ID != third.ID || recent[1].ID != second.ID {
		t.Fatalf("Recent order = [%s %s], want [%s %s]; first was %s",
			recent[0].ID, recent[1].ID, third.ID, second.ID, first.ID)
	}
}

func TestAppendOutputAccumulatesInOrder(t *testing.T) {
	t.Parallel()

	j, _ := openJournal(t)
	created := j.Create("claude", "c", "build")

	j.AppendOutput(created.ID, "one ")
	j.AppendOutput(created.ID, "two ")
	j.AppendOutput(created.ID, "three")

	got, _ := j.Get(created.ID)
	if got.Output != "one two three" {
		t.Fatalf("Output = %q", got.Output)
	}
	if got.LastOutputLength != len("one two three") {
		t.Fatalf("LastOutputLength = %d", got.LastOutputLength)
	}
	if got.LastOutputAt == nil {
		t.Fatal("LastOutputAt not set")
	}
}

func TestMetadataSurvivesReplay(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tasks.jsonl")
	j, err := tasks.Open(path)
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	created := j.Create("ops", "c", "p")
	j.UpdateStatus(created.ID, tasks.StatusRunning, map[string]any{
		"metadata": map[string]any{"phase": "2", "intersection": "A1:B2"},
	})

	j2, err := tasks.Open(path)
	if err != nil {
		t.Fatalf("reopen = %v", err)
	}
	got, _ := j2.Get(created.ID)
	if got.Metadata["intersection"] != "A1:B2" {
		t.Fatalf("metadata lost in replay: %+v", got.Metadata)
	}
}
