package poller_test

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"intentguard/internal/domain/capture"
	"intentguard/internal/domain/poller"
	"intentguard/internal/domain/tasks"
)

// testClock — управляемое время.
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

// fakeCapturer отдаёт заранее заданный снимок терминала по комнате.
type fakeCapturer struct {
	mu       sync.Mutex
	contents map[string]string
	calls    int
	started  chan struct{} // закрывается на первом вызове (для гонки тиков)
	release  chan struct{} // вызов блокируется, пока канал не закрыт
}

func (f *fakeCapturer) set(room, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.contents == nil {
		f.contents = make(map[string]string)
	}
	f.contents[room] = content
}

func (f *fakeCapturer) CaptureWithDelta(_ context.Context, room, baseline string) capture.Result {
	f.mu.Lock()
	f.calls++
	if f.calls == 1 && f.started != nil {
		close(f.started)
	}
	content := f.contents[room]
	release := f.release
	f.mu.Unlock()

	if release != nil {
		<-release
	}
	return capture.Result{
		Room:    room,
		Content: content,
		Delta:   capture.ComputeDelta(content, baseline),
	}
}

func (f *fakeCapturer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeGateway запоминает посты и файлы.
type fakeGateway struct {
	mu    sync.Mutex
	posts []string
	files []postedFile
}

type postedFile struct {
	channelID string
	notice    string
	filename  string
	data      []byte
}

func (g *fakeGateway) SendToChannel(_ context.Context, _, text string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.posts = append(g.posts, text)
	return "msg-1", nil
}

func (g *fakeGateway) EditMessage(context.Context, string, string, string) error { return nil }
func (g *fakeGateway) AddReaction(context.Context, string, string, string) error { return nil }

func (g *fakeGateway) SendFile(_ context.Context, channelID, notice, filename string, data []byte) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.files = append(g.files, postedFile{channelID: channelID, notice: notice, filename: filename, data: data})
	return "msg-2", nil
}

func (g *fakeGateway) EnsureCategory(context.Context, string, string) (string, error) {
	return "", nil
}

func (g *fakeGateway) EnsureTextChannel(context.Context, string, string, string) (string, error) {
	return "", nil
}

func (g *fakeGateway) lastPost() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.posts) == 0 {
		return "", false
	}
	return g.posts[len(g.posts)-1], true
}

// fakeSink собирает обновления контекста комнат.
type fakeSink struct {
	mu      sync.Mutex
	updates map[string]string
}

func (s *fakeSink) UpdateRoomContext(room, output string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updates == nil {
		s.updates = make(map[string]string)
	}
	s.updates[room] = output
}

func (s *fakeSink) get(room string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates[room]
}

type fixture struct {
	clk     *testClock
	journal *tasks.Journal
	term    *fakeCapturer
	gw      *fakeGateway
	sink    *fakeSink
	p       *poller.Poller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := newTestClock()
	journal, err := tasks.Open(filepath.Join(t.TempDir(), "tasks.jsonl"), tasks.WithClock(clk.Now))
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	term := &fakeCapturer{}
	gw := &fakeGateway{}
	sink := &fakeSink{}
	cfg := poller.Config{
		Interval:      2 * time.Second,
		TaskTimeout:   5 * time.Minute,
		Stabilization: 5 * time.Second,
	}
	return &fixture{
		clk:     clk,
		journal: journal,
		term:    term,
		gw:      gw,
		sink:    sink,
		p:       poller.New(journal, term, gw, sink, cfg, poller.WithClock(clk.Now)),
	}
}

// dispatch создаёт задачу и переводит её в dispatched.
func (f *fixture) dispatch(t *testing.T, room string) tasks.Task {
	t.Helper()
	task := f.journal.Create(room, "chan-"+room, "run build")
	if !f.journal.SetDispatched(task.ID) {
		t.Fatalf("SetDispatched(%s) failed", task.ID)
	}
	task, _ = f.journal.Get(task.ID)
	return task
}

func TestFirstDeltaTransitionsDispatchedToRunning(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	task := f.dispatch(t, "rio")

	f.term.set("rio", "compiling...\n")
	f.p.Tick(context.Background())

	got, _ := f.journal.Get(task.ID)
	if got.Status != tasks.StatusRunning {
		t.Fatalf("status = %s, want running", got.Status)
	}
	if got.Output != "compiling...\n" || got.Baseline != "compiling...\n" {
		t.Fatalf("output=%q baseline=%q", got.Output, got.Baseline)
	}
	if got.LastOutputAt == nil {
		t.Fatal("last_output_at not set")
	}
}

func TestStabilizationByShellPrompt(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	task := f.dispatch(t, "rio")

	f.term.set("rio", "make complete\n$ ")
	f.p.Tick(context.Background())

	// Затишье дольше окна стабилизации; вывод оканчивается приглашением shell.
	f.clk.Advance(6 * time.Second)
	f.p.Tick(context.Background())

	got, _ := f.journal.Get(task.ID)
	if got.Status != tasks.StatusComplete {
		t.Fatalf("status = %s, want complete", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatal("completed_at not set on terminal status")
	}
	if f.sink.get("rio") != got.Output {
		t.Fatalf("room context = %q, want task output", f.sink.get("rio"))
	}
	post, ok := f.gw.lastPost()
	if !ok {
		t.Fatal("no completion post")
	}
	if !strings.HasPrefix(post, "✅ Task "+task.ID) {
		t.Fatalf("post header = %q", post)
	}
	if !strings.Contains(post, "```") || !strings.Contains(post, "make complete") {
		t.Fatalf("post body = %q, want inline preformatted output", post)
	}
}

func TestCompletionInvokesOnComplete(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	var mu sync.Mutex
	var completed []tasks.Task
	cfg := poller.Config{
		Interval:      2 * time.Second,
		TaskTimeout:   5 * time.Minute,
		Stabilization: 5 * time.Second,
	}
	f.p = poller.New(f.journal, f.term, f.gw, f.sink, cfg,
		poller.WithClock(f.clk.Now),
		poller.WithOnComplete(func(t tasks.Task) {
			mu.Lock()
			completed = append(completed, t)
			mu.Unlock()
		}))
	task := f.dispatch(t, "rio")

	f.term.set("rio", "make complete\n$ ")
	f.p.Tick(context.Background())
	f.clk.Advance(6 * time.Second)
	f.p.Tick(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(completed) != 1 {
		t.Fatalf("onComplete calls = %d, want 1", len(completed))
	}
	done := completed[0]
	if done.ID != task.ID || done.Room != "rio" {
		t.Fatalf("completed task = %+v", done)
	}
	if done.Status != tasks.StatusComplete || done.CompletedAt == nil {
		t.Fatalf("callback must see the terminal record: %+v", done)
	}
}

func TestStabilizationWithoutPromptNeedsDoubleWindow(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	task := f.dispatch(t, "rio")

	f.term.set("rio", "still working on it")
	f.p.Tick(context.Background())

	// Одного окна без приглашения недостаточно.
	f.clk.Advance(6 * time.Second)
	f.p.Tick(context.Background())
	got, _ := f.journal.Get(task.ID)
	if got.Status != tasks.StatusRunning {
		t.Fatalf("status after one window = %s, want running", got.Status)
	}

	// Двойное окно завершает и без приглашения.
	f.clk.Advance(5 * time.Second)
	f.p.Tick(context.Background())
	got, _ = f.journal.Get(task.ID)
	if got.Status != tasks.StatusComplete {
		t.Fatalf("status after double window = %s, want complete", got.Status)
	}
}

func TestLongOutputPostedAsAttachment(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	task := f.dispatch(t, "rio")

	long := strings.Repeat("x", 1999) + "\n"
	f.term.set("rio", long)
	f.p.Tick(context.Background())

	f.clk.Advance(11 * time.Second)
	f.p.Tick(context.Background())

	got, _ := f.journal.Get(task.ID)
	if got.Status != tasks.StatusComplete {
		t.Fatalf("status = %s, want complete", got.Status)
	}
	f.gw.mu.Lock()
	defer f.gw.mu.Unlock()
	if len(f.gw.files) != 1 {
		t.Fatalf("files posted = %d, want 1", len(f.gw.files))
	}
	file := f.gw.files[0]
	if file.filename != "task-"+task.ID+"-output.txt" {
		t.Fatalf("filename = %q", file.filename)
	}
	if string(file.data) != long {
		t.Fatalf("attachment has %d bytes, want %d", len(file.data), len(long))
	}
	if !strings.HasPrefix(file.notice, "✅ Task "+task.ID) {
		t.Fatalf("notice = %q", file.notice)
	}
}

func TestTaskTimeoutPostsNotice(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	task := f.dispatch(t, "rio")

	f.clk.Advance(6 * time.Minute)
	f.p.Tick(context.Background())

	got, _ := f.journal.Get(task.ID)
	if got.Status != tasks.StatusTimeout {
		t.Fatalf("status = %s, want timeout", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}
	post, ok := f.gw.lastPost()
	if !ok {
		t.Fatal("no timeout post")
	}
	if !strings.HasPrefix(post, "⏱️ Task "+task.ID) || !strings.Contains(post, "no output captured") {
		t.Fatalf("timeout post = %q", post)
	}
}

func TestCaptureFailureLeavesTaskUntouched(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	task := f.dispatch(t, "rio")

	f.term.set("rio", "half of the build log\n")
	f.p.Tick(context.Background())
	before, _ := f.journal.Get(task.ID)

	// Сбой снятия: пустой content, дельта пуста, last_output_at не обновляется.
	f.term.set("rio", "")
	f.clk.Advance(2 * time.Second)
	f.p.Tick(context.Background())

	after, _ := f.journal.Get(task.ID)
	if after.Status != before.Status || after.Output != before.Output {
		t.Fatalf("capture failure mutated the task: %+v", after)
	}
	if !after.LastOutputAt.Equal(*before.LastOutputAt) {
		t.Fatal("last_output_at refreshed without real progress")
	}
}

func TestTickDropsOverlap(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.dispatch(t, "rio")

	f.term.started = make(chan struct{})
	f.term.release = make(chan struct{})

	done := make(chan struct{})
	go func() {
		f.p.Tick(context.Background())
		close(done)
	}()
	<-f.term.started

	// Второй тик при живом первом обязан выйти сразу, не трогая захват.
	f.p.Tick(context.Background())
	if got := f.term.callCount(); got != 1 {
		t.Fatalf("capture calls during overlap = %d, want 1", got)
	}

	close(f.term.release)
	<-done
}
