package transparency_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"intentguard/internal/domain/transparency"
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

type fakeGateway struct {
	mu    sync.Mutex
	posts []string
}

func (g *fakeGateway) SendToChannel(_ context.Context, _, text string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.posts = append(g.posts, text)
	return fmt.Sprintf("msg-%d", len(g.posts)), nil
}

func (g *fakeGateway) EditMessage(context.Context, string, string, string) error { return nil }
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

func (g *fakeGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.posts)
}

func (g *fakeGateway) last() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.posts) == 0 {
		return ""
	}
	return g.posts[len(g.posts)-1]
}

func TestDenialPostsImmediately(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	r := transparency.New(gw, "trust", 5.0, 0, transparency.WithClock(newTestClock().Now))

	r.RecordDenial(context.Background(), transparency.Denial{
		Actor: "guest", Room: "rio", Action: "execute", Reason: "tier general",
	})
	post := gw.last()
	for _, want := range []string{"guest", "rio", "execute", "tier general"} {
		if !strings.Contains(post, want) {
			t.Fatalf("denial post missing %q: %q", want, post)
		}
	}
}

func TestSpikePostsOnlyAboveThreshold(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	clk := newTestClock()
	r := transparency.New(gw, "trust", 5.0, 0, transparency.WithClock(clk.Now))

	r.RecordSpike(context.Background(), transparency.Spike{Category: "latency", Delta: 3.0})
	if gw.count() != 0 {
		t.Fatal("sub-threshold spike must not post")
	}
	r.RecordSpike(context.Background(), transparency.Spike{Category: "latency", Delta: -6.5})
	if gw.count() != 1 {
		t.Fatalf("posts = %d, want 1 (|delta| above threshold)", gw.count())
	}
	if r.HistoryLen() != 2 {
		t.Fatalf("history = %d, want both spikes recorded", r.HistoryLen())
	}
}

func TestHistoryTrimsToFiveHundred(t *testing.T) {
	t.Parallel()

	clk := newTestClock()
	r := transparency.New(&fakeGateway{}, "trust", 100.0, 0, transparency.WithClock(clk.Now))

	for i := 0; i < 1000; i++ {
		r.RecordSpike(context.Background(), transparency.Spike{Category: "c", Delta: 1})
	}
	if got := r.HistoryLen(); got != 500 {
		t.Fatalf("history after high water = %d, want 500", got)
	}
}

func TestSummaryGroupsAndSorts(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	clk := newTestClock()
	r := transparency.New(gw, "trust", 100.0, 0, transparency.WithClock(clk.Now))

	clk.Advance(time.Minute)
	r.RecordSpike(context.Background(), transparency.Spike{Category: "latency", Delta: 2})
	r.RecordSpike(context.Background(), transparency.Spike{Category: "latency", Delta: 3})
	r.RecordSpike(context.Background(), transparency.Spike{Category: "approvals", Delta: -9})

	r.PostSummary(context.Background())
	summary := gw.last()
	if summary == "" {
		t.Fatal("summary not posted")
	}
	// approvals (|−9|) раньше latency (|5|).
	if strings.Index(summary, "approvals") > strings.Index(summary, "latency") {
		t.Fatalf("summary order wrong:\n%s", summary)
	}
	if !strings.Contains(summary, "net +5.00 over 2 spikes") {
		t.Fatalf("latency aggregation missing:\n%s", summary)
	}

	// Окно сдвинулось: без новых всплесков сводка не публикуется.
	posts := gw.count()
	clk.Advance(time.Minute)
	r.PostSummary(context.Background())
	if gw.count() != posts {
		t.Fatal("empty window must not post a summary")
	}
}

func TestUnboundReporterIsSilent(t *testing.T) {
	t.Parallel()

	r := transparency.New(nil, "", 1.0, 0, transparency.WithClock(newTestClock().Now))

	// Ни одна операция не должна паниковать или публиковать.
	r.RecordDenial(context.Background(), transparency.Denial{Actor: "x"})
	r.RecordSpike(context.Background(), transparency.Spike{Category: "c", Delta: 50})
	r.PostSummary(context.Background())
	r.Stop()
	r.Stop() // повторный Stop безопасен

	if r.HistoryLen() != 1 {
		t.Fatalf("history even when unbound = %d, want 1", r.HistoryLen())
	}
}
