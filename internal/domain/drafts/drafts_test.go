package drafts_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"intentguard/internal/domain/drafts"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 6, 1, 22, 0, 0, 0, time.UTC)}
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

type fakeGateway struct {
	mu     sync.Mutex
	nextID int
	posts  []string
	edits  map[string]string
}

func newFakeGateway() *fakeGateway { return &fakeGateway{edits: make(map[string]string)} }

func (g *fakeGateway) SendToChannel(_ context.Context, _, text string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	g.posts = append(g.posts, text)
	return fmt.Sprintf("msg-%d", g.nextID), nil
}

func (g *fakeGateway) EditMessage(_ context.Context, _, messageID, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edits[messageID] = text
	return nil
}

func (g *fakeGateway) AddReaction(context.Context, string, string, string) error { return nil }

func (g *fakeGateway) SendFile(context.Context, string, string, string, []byte) (string, error) {
	return "", nil
}

func (g *fakeGateway) EnsureCategory(context.Context, string, string) (string, error) {
	return "", nil
}

func (g *fakeGateway) EnsureTextChannel(context.Context, string, string, string) (string, error) {
	return "", nil
}

func (g *fakeGateway) lastPost() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.posts) == 0 {
		return ""
	}
	return g.posts[len(g.posts)-1]
}

// fakeDrafter отдаёт заранее заданный текст или ошибку.
type fakeDrafter struct {
	text string
	err  error
}

func (f *fakeDrafter) Draft(context.Context, string) (string, error) { return f.text, f.err }

func TestCreateDraftStagesAndTruncates(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway()
	long := strings.Repeat("слово ", 60) // заметно длиннее 200 символов
	q := drafts.New(gw, &fakeDrafter{text: long}, "staging", 5, drafts.WithClock(newTestClock().Now))

	d := q.CreateDraft(context.Background(), "release notes", "ops-board")
	if d == nil {
		t.Fatal("CreateDraft() = nil")
	}
	if got := len([]rune(d.Text)); got > drafts.DraftMaxLen {
		t.Fatalf("draft length = %d runes, want ≤ %d", got, drafts.DraftMaxLen)
	}
	if !strings.HasSuffix(d.Text, "…") {
		t.Fatal("truncated draft must end with ellipsis")
	}
	if d.MessageID == "" {
		t.Fatal("draft must remember its staging message")
	}

	post := gw.lastPost()
	for _, want := range []string{d.ID, "release notes", "👍", "🗑", "feedback"} {
		if !strings.Contains(post, want) {
			t.Fatalf("staging post missing %q:\n%s", want, post)
		}
	}
}

func TestDailyLimitWithCalendarReset(t *testing.T) {
	t.Parallel()

	clk := newTestClock()
	gw := newFakeGateway()
	q := drafts.New(gw, &fakeDrafter{text: "short"}, "staging", 2, drafts.WithClock(clk.Now))

	for i := 0; i < 2; i++ {
		d := q.CreateDraft(context.Background(), "t", "o")
		if d == nil {
			t.Fatalf("draft %d rejected before the limit", i)
		}
		if !q.MarkPosted(d.ID) {
			t.Fatalf("MarkPosted(%s) = false", d.ID)
		}
	}
	if q.CanPost() {
		t.Fatal("limit of 2 must gate the third post")
	}
	if d := q.CreateDraft(context.Background(), "t", "o"); d != nil {
		t.Fatal("rate-limited create must return nil")
	}

	// Следующий календарный день: часы 22:00 + 3 часа.
	clk.Advance(3 * time.Hour)
	if !q.CanPost() {
		t.Fatal("calendar day change must reset the counter")
	}
	if q.PostedToday() != 0 {
		t.Fatalf("counter after reset = %d", q.PostedToday())
	}
}

func TestUpdateDraftKeepsRewriteHistory(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway()
	q := drafts.New(gw, &fakeDrafter{text: "first version"}, "staging", 5, drafts.WithClock(newTestClock().Now))

	d := q.CreateDraft(context.Background(), "t", "o")
	if d == nil {
		t.Fatal("CreateDraft() = nil")
	}

	updated := q.UpdateDraft(context.Background(), d.MessageID, "second version", "make it shorter")
	if updated == nil {
		t.Fatal("UpdateDraft() = nil")
	}
	if updated.Text != "second version" {
		t.Fatalf("text = %q", updated.Text)
	}
	if len(updated.RewriteHistory) != 1 || updated.RewriteHistory[0] != "first version" {
		t.Fatalf("rewrite history = %v", updated.RewriteHistory)
	}

	gw.mu.Lock()
	edit := gw.edits[d.MessageID]
	gw.mu.Unlock()
	if !strings.Contains(edit, "second version") || !strings.Contains(edit, "make it shorter") {
		t.Fatalf("staging edit = %q", edit)
	}

	if q.UpdateDraft(context.Background(), "msg-missing", "x", "") != nil {
		t.Fatal("update of unknown message must return nil")
	}
}

func TestFindRemoveAndPending(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway()
	q := drafts.New(gw, &fakeDrafter{text: "text"}, "staging", 5, drafts.WithClock(newTestClock().Now))

	d := q.CreateDraft(context.Background(), "t", "o")
	if got := q.FindDraftByMessageID(d.MessageID); got == nil || got.ID != d.ID {
		t.Fatalf("FindDraftByMessageID = %+v", got)
	}
	if got := len(q.GetPendingDrafts()); got != 1 {
		t.Fatalf("pending = %d", got)
	}

	if !q.RemoveDraft(d.ID) {
		t.Fatal("RemoveDraft() = false")
	}
	if q.RemoveDraft(d.ID) {
		t.Fatal("second remove must return false")
	}
	if got := len(q.GetPendingDrafts()); got != 0 {
		t.Fatalf("pending after remove = %d", got)
	}
	// Отброшенный без публикации черновик не тратит лимит.
	if q.PostedToday() != 0 {
		t.Fatalf("posted counter = %d", q.PostedToday())
	}
}

func TestLLMFailureDropsDraft(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway()
	q := drafts.New(gw, &fakeDrafter{err: context.DeadlineExceeded}, "staging", 5,
		drafts.WithClock(newTestClock().Now))

	if d := q.CreateDraft(context.Background(), "t", "o"); d != nil {
		t.Fatalf("draft on LLM failure = %+v, want nil", d)
	}
	if len(q.GetPendingDrafts()) != 0 {
		t.Fatal("failed draft must not be indexed")
	}
}

func TestComposeTweetLength(t *testing.T) {
	t.Parallel()

	tweet := drafts.ComposeTweet(strings.Repeat("x", 400))
	if got := len([]rune(tweet)); got > drafts.TweetMaxLen {
		t.Fatalf("tweet length = %d, want ≤ %d", got, drafts.TweetMaxLen)
	}
	if !strings.HasSuffix(tweet, "…") {
		t.Fatal("truncated tweet must end with ellipsis")
	}

	short := drafts.ComposeTweet("hello")
	if short != "hello" {
		t.Fatalf("short tweet = %q", short)
	}
}
