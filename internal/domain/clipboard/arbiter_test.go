package clipboard_test

import (
	"context"
	"testing"
	"time"

	"intentguard/internal/domain/clipboard"
)

// waitAcquired запускает Acquire в горутине и возвращает канал завершения.
func waitAcquired(a *clipboard.Arbiter, id string) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- a.Acquire(context.Background(), id)
	}()
	return done
}

func TestAcquireReleaseFIFO(t *testing.T) {
	t.Parallel()

	a := clipboard.New(clipboard.WithAutoRelease(5 * time.Second))

	if err := a.Acquire(context.Background(), "rio"); err != nil {
		t.Fatalf("Acquire(rio) = %v", err)
	}
	if got := a.CurrentHolder(); got != "rio" {
		t.Fatalf("CurrentHolder() = %q, want rio", got)
	}

	cursorDone := waitAcquired(a, "cursor")
	codeDone := waitAcquired(a, "code")

	// Дожидаемся, пока оба ожидающих встанут в очередь.
	deadline := time.Now().Add(time.Second)
	for a.QueueLength() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("QueueLength() = %d, want 2", a.QueueLength())
		}
		time.Sleep(time.Millisecond)
	}

	a.Release("rio")
	if err := <-cursorDone; err != nil {
		t.Fatalf("cursor Acquire = %v", err)
	}
	if got := a.CurrentHolder(); got != "cursor" {
		t.Fatalf("after release(rio): holder = %q, want cursor", got)
	}

	a.Release("cursor")
	if err := <-codeDone; err != nil {
		t.Fatalf("code Acquire = %v", err)
	}
	if got := a.CurrentHolder(); got != "code" {
		t.Fatalf("after release(cursor): holder = %q, want code", got)
	}

	a.Release("code")
	if a.IsLocked() {
		t.Fatal("IsLocked() = true after final release")
	}
}

func TestReleaseByNonHolderIsNoop(t *testing.T) {
	t.Parallel()

	a := clipboard.New()
	if err := a.Acquire(context.Background(), "rio"); err != nil {
		t.Fatalf("Acquire(rio) = %v", err)
	}

	a.Release("cursor")
	if got := a.CurrentHolder(); got != "rio" {
		t.Fatalf("holder after foreign release = %q, want rio", got)
	}
}

func TestAutoReleasePassesLeaseToWaiter(t *testing.T) {
	t.Parallel()

	const autoRelease = 50 * time.Millisecond
	a := clipboard.New(clipboard.WithAutoRelease(autoRelease))

	if err := a.Acquire(context.Background(), "rio"); err != nil {
		t.Fatalf("Acquire(rio) = %v", err)
	}
	cursorDone := waitAcquired(a, "cursor")

	// rio никогда не освобождает лизинг: cursor должен получить его по таймеру.
	select {
	case err := <-cursorDone:
		if err != nil {
			t.Fatalf("cursor Acquire = %v", err)
		}
	case <-time.After(10 * autoRelease):
		t.Fatal("cursor was not granted after auto-release window")
	}
	if got := a.CurrentHolder(); got != "cursor" {
		t.Fatalf("holder after auto-release = %q, want cursor", got)
	}
}

func TestEveryAcquireResolvesWithinAutoReleaseWindow(t *testing.T) {
	t.Parallel()

	const autoRelease = 40 * time.Millisecond
	a := clipboard.New(clipboard.WithAutoRelease(autoRelease))

	if err := a.Acquire(context.Background(), "rio"); err != nil {
		t.Fatalf("Acquire(rio) = %v", err)
	}

	// Несколько голодающих ожидающих: каждый обязан разрешиться не позже
	// окна автоосвобождения с запасом на планировщик.
	waiters := []string{"cursor", "code", "claude"}
	done := make([]<-chan error, 0, len(waiters))
	for _, id := range waiters {
		done = append(done, waitAcquired(a, id))
	}

	for i, ch := range done {
		select {
		case err := <-ch:
			if err != nil {
				t.Fatalf("waiter %s Acquire = %v", waiters[i], err)
			}
		case <-time.After(5 * autoRelease):
			t.Fatalf("waiter %s did not resolve in time", waiters[i])
		}
	}
}

func TestWaiterResolvesWhenBothTimersRace(t *testing.T) {
	t.Parallel()

	// Держатель никогда не освобождает лизинг, окно автоосвобождения крошечное:
	// forceRelease держателя и голодный таймер ожидающего срабатывают почти
	// одновременно. Ожидающий обязан разрешиться в любом исходе гонки.
	const autoRelease = 5 * time.Millisecond
	for i := 0; i < 200; i++ {
		a := clipboard.New(clipboard.WithAutoRelease(autoRelease))
		if err := a.Acquire(context.Background(), "rio"); err != nil {
			t.Fatalf("iter %d: Acquire(rio) = %v", i, err)
		}

		select {
		case err := <-waitAcquired(a, "cursor"):
			if err != nil {
				t.Fatalf("iter %d: cursor Acquire = %v", i, err)
			}
		case <-time.After(time.Second):
			t.Fatalf("iter %d: cursor never resolved within 1s", i)
		}
	}
}

func TestAcquireCancelledByContext(t *testing.T) {
	t.Parallel()

	a := clipboard.New()
	if err := a.Acquire(context.Background(), "rio"); err != nil {
		t.Fatalf("Acquire(rio) = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- a.Acquire(ctx, "cursor")
	}()

	deadline := time.Now().Add(time.Second)
	for a.QueueLength() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("waiter did not enqueue")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	if err := <-done; err == nil {
		t.Fatal("Acquire with cancelled context returned nil error")
	}
	if got := a.QueueLength(); got != 0 {
		t.Fatalf("QueueLength() = %d after cancel, want 0", got)
	}
}

func TestScopedReleasesOnError(t *testing.T) {
	t.Parallel()

	a := clipboard.New()
	err := a.Scoped(context.Background(), "rio", func() error {
		if got := a.CurrentHolder(); got != "rio" {
			t.Fatalf("holder inside Scoped = %q, want rio", got)
		}
		return context.Canceled
	})
	if err != context.Canceled {
		t.Fatalf("Scoped() = %v, want context.Canceled", err)
	}
	if a.IsLocked() {
		t.Fatal("arbiter still locked after Scoped exit")
	}
}
