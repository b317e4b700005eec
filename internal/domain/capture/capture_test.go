package capture_test

import (
	"context"
	"strings"
	"testing"

	"intentguard/internal/adapters/shell"
	"intentguard/internal/domain/capture"
	"intentguard/internal/domain/clipboard"
)

// fakeRunner — скриптованный исполнитель команд для тестов бэкендов.
type fakeRunner struct {
	execFn  func(name string, args ...string) (shell.Result, error)
	scripts []string // журнал AppleScript-вызовов
	osaOut  string
	osaErr  error
}

func (f *fakeRunner) Exec(_ context.Context, name string, args ...string) (shell.Result, error) {
	if f.execFn == nil {
		return shell.Result{}, nil
	}
	return f.execFn(name, args...)
}

func (f *fakeRunner) AppleScript(_ context.Context, script string) (string, error) {
	f.scripts = append(f.scripts, script)
	return f.osaOut, f.osaErr
}

func TestComputeDelta(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		content  string
		baseline string
		want     string
	}{
		{name: "strictExtension", content: "abcdef", baseline: "abc", want: "def"},
		{name: "divergedContent", content: "xyz", baseline: "abc", want: "xyz"},
		{name: "equal", content: "abc", baseline: "abc", want: ""},
		{name: "emptyBaseline", content: "abc", baseline: "", want: "abc"},
		{name: "bothEmpty", content: "", baseline: "", want: ""},
		{name: "contentShorterThanBaseline", content: "ab", baseline: "abc", want: "ab"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := capture.ComputeDelta(tc.content, tc.baseline); got != tc.want {
				t.Fatalf("ComputeDelta(%q, %q) = %q, want %q", tc.content, tc.baseline, got, tc.want)
			}
		})
	}
}

func TestCaptureUnknownRoomReturnsEmpty(t *testing.T) {
	t.Parallel()

	svc := capture.NewService(capture.DefaultRooms(), &fakeRunner{}, clipboard.New())
	res := svc.Capture(context.Background(), "no-such-room")
	if res.Content != "" || res.Delta != "" {
		t.Fatalf("Capture(unknown) = %+v, want empty content", res)
	}
	if res.Room != "no-such-room" {
		t.Fatalf("Result.Room = %q", res.Room)
	}
}

func TestCaptureKittyFallsBackToWholePane(t *testing.T) {
	t.Parallel()

	var calls [][]string
	runner := &fakeRunner{
		execFn: func(name string, args ...string) (shell.Result, error) {
			calls = append(calls, append([]string{name}, args...))
			if len(args) > 2 && args[2] == "--match" {
				// Матч по заголовку не нашёлся.
				return shell.Result{ExitCode: 1, Stderr: "no matching window"}, nil
			}
			return shell.Result{Stdout: "pane text"}, nil
		},
	}
	rooms := []capture.Room{{Name: "research", Backend: capture.BackendKitty, TitleHint: "research"}}
	svc := capture.NewService(rooms, runner, clipboard.New())

	res := svc.Capture(context.Background(), "research")
	if res.Content != "pane text" {
		t.Fatalf("Capture() content = %q, want pane text", res.Content)
	}
	if len(calls) != 2 {
		t.Fatalf("expected title match then fallback, got %d calls", len(calls))
	}
}

func TestCaptureWezTermPicksPaneByTitle(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{
		execFn: func(name string, args ...string) (shell.Result, error) {
			if len(args) > 1 && args[1] == "list" {
				return shell.Result{Stdout: `[{"pane_id":3,"title":"vim"},{"pane_id":7,"title":"build: make"}]`}, nil
			}
			if len(args) > 1 && args[1] == "get-text" {
				if args[len(args)-1] != "7" {
					t.Errorf("get-text pane-id = %q, want 7", args[len(args)-1])
				}
				return shell.Result{Stdout: "build output"}, nil
			}
			return shell.Result{}, nil
		},
	}
	rooms := []capture.Room{{Name: "build", Backend: capture.BackendWezTerm, TitleHint: "build"}}
	svc := capture.NewService(rooms, runner, clipboard.New())

	res := svc.Capture(context.Background(), "build")
	if res.Content != "build output" {
		t.Fatalf("Capture() content = %q, want build output", res.Content)
	}
}

func TestCaptureSystemEventsReleasesArbiterOnFailure(t *testing.T) {
	t.Parallel()

	arb := clipboard.New()
	runner := &fakeRunner{osaErr: context.DeadlineExceeded}
	rooms := []capture.Room{{Name: "rio", Backend: capture.BackendSystemEvents, TitleHint: "rio", App: "Rio"}}
	svc := capture.NewService(rooms, runner, arb)

	res := svc.Capture(context.Background(), "rio")
	if res.Content != "" {
		t.Fatalf("Capture() content = %q, want empty on backend failure", res.Content)
	}
	if arb.IsLocked() {
		t.Fatal("arbiter left locked after failed system-events capture")
	}
}

func TestCaptureSystemEventsReadsClipboard(t *testing.T) {
	t.Parallel()

	arb := clipboard.New()
	runner := &fakeRunner{
		osaOut: "",
		execFn: func(name string, args ...string) (shell.Result, error) {
			if name != "pbpaste" {
				t.Errorf("unexpected exec %s %v", name, args)
			}
			return shell.Result{Stdout: "clipboard text"}, nil
		},
	}
	rooms := []capture.Room{{Name: "cursor", Backend: capture.BackendSystemEvents, TitleHint: "cursor", App: "Cursor"}}
	svc := capture.NewService(rooms, runner, arb)

	res := svc.CaptureWithDelta(context.Background(), "cursor", "clip")
	if res.Content != "clipboard text" {
		t.Fatalf("content = %q", res.Content)
	}
	if res.Delta != "board text" {
		t.Fatalf("delta = %q, want board text", res.Delta)
	}
	if len(runner.scripts) != 1 || !strings.Contains(runner.scripts[0], "keystroke \"c\" using command down") {
		t.Fatalf("system-events script missing copy keystroke: %v", runner.scripts)
	}
	if arb.IsLocked() {
		t.Fatal("arbiter left locked after successful capture")
	}
}

func TestLoadRoomsMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	rooms, err := capture.LoadRooms("testdata/definitely-missing.json")
	if err != nil {
		t.Fatalf("LoadRooms() = %v", err)
	}
	if len(rooms) != 9 {
		t.Fatalf("default rooms = %d, want 9", len(rooms))
	}
}
