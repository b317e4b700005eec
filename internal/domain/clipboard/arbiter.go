// Package clipboard — глобальный арбитр доступа к системному буферу обмена.
// Буфер — физический ресурс рабочей станции, поэтому арбитр существует в одном
// экземпляре на процесс: один держатель, строгая FIFO-очередь ожидающих.
//
// Ликвидность важнее строгости: упавший держатель не должен заблокировать
// движок навсегда. Каждое удержание снабжено таймером автоосвобождения (30 с),
// а ожидающий, не получивший ресурс за 30 с, разрешается так, как если бы
// получил его — при этом фактически лизинг ему не передаётся. Вызывающие
// обязаны трактовать пустое чтение буфера как сбой захвата, а не как успешный
// пустой результат.
package clipboard

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"intentguard/internal/infra/logger"
)

// DefaultAutoRelease — интервал принудительного освобождения держателя и
// разрешения застрявших ожидающих.
const DefaultAutoRelease = 30 * time.Second

// waiter — один ожидающий в FIFO-очереди. granted закрывается при выдаче
// лизинга либо при авторазрешении по таймеру.
type waiter struct {
	id      string
	granted chan struct{}
	timer   *time.Timer
}

// Arbiter сериализует доступ к буферу обмена: один держатель, FIFO-очередь.
type Arbiter struct {
	mu          sync.Mutex
	holder      string
	queue       []*waiter
	holderTimer *time.Timer
	autoRelease time.Duration
}

// Option настраивает арбитр при создании.
type Option func(*Arbiter)

// WithAutoRelease переопределяет интервал автоосвобождения (в тестах — миллисекунды).
func WithAutoRelease(d time.Duration) Option {
	return func(a *Arbiter) {
		if d > 0 {
			a.autoRelease = d
		}
	}
}

// New создаёт арбитр с интервалом автоосвобождения по умолчанию 30 с.
func New(opts ...Option) *Arbiter {
	a := &Arbiter{autoRelease: DefaultAutoRelease}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

var (
	globalOnce sync.Once
	global     *Arbiter
)

// Global возвращает процессный singleton арбитра.
func Global() *Arbiter {
	globalOnce.Do(func() {
		global = New()
	})
	return global
}

// Acquire блокируется до получения лизинга держателем holderID.
// Возвращает nil при выдаче лизинга, при авторазрешении по таймеру (см. пакетный
// комментарий) и nil-контракте «как будто получил»; ошибка возвращается только
// при отмене контекста до разрешения.
//
// Повторный захват текущим держателем не выделен в особый случай: вызывающий
// обязан сначала Release, затем Acquire заново.
func (a *Arbiter) Acquire(ctx context.Context, holderID string) error {
	a.mu.Lock()

	if a.holder == "" {
		a.grantLocked(holderID)
		a.mu.Unlock()
		return nil
	}

	w := &waiter{id: holderID, granted: make(chan struct{})}
	a.queue = append(a.queue, w)
	// Ожидающий, не получивший ресурс за autoRelease, разрешается принудительно
	// и удаляется из очереди. Лизинг ему при этом не передаётся.
	w.timer = time.AfterFunc(a.autoRelease, func() { a.resolveStarved(w) })
	a.mu.Unlock()

	select {
	case <-w.granted:
		return nil
	case <-ctx.Done():
		a.dropWaiter(w)
		return ctx.Err()
	}
}

// Release освобождает лизинг. No-op, если вызывающий не является текущим
// держателем. Отменяет таймер автоосвобождения и передаёт лизинг голове очереди.
func (a *Arbiter) Release(holderID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.holder != holderID {
		logger.Debug("clipboard release ignored: not the holder",
			zap.String("caller", holderID), zap.String("holder", a.holder))
		return
	}
	a.releaseLocked()
}

// IsLocked сообщает, удерживается ли буфер сейчас.
func (a *Arbiter) IsLocked() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.holder != ""
}

// CurrentHolder возвращает идентификатор текущего держателя ("" — свободен).
func (a *Arbiter) CurrentHolder() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.holder
}

// QueueLength возвращает число ожидающих в очереди.
func (a *Arbiter) QueueLength() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// Scoped выполняет fn под лизингом буфера, гарантируя Release на любом пути выхода.
func (a *Arbiter) Scoped(ctx context.Context, holderID string, fn func() error) error {
	if err := a.Acquire(ctx, holderID); err != nil {
		return err
	}
	defer a.Release(holderID)
	return fn()
}

// grantLocked выдаёт лизинг и взводит таймер автоосвобождения. Вызывающий держит mu.
func (a *Arbiter) grantLocked(holderID string) {
	a.holder = holderID
	a.holderTimer = time.AfterFunc(a.autoRelease, func() { a.forceRelease(holderID) })
}

// releaseLocked снимает текущего держателя и передаёт лизинг голове очереди.
// Вызывающий держит mu.
func (a *Arbiter) releaseLocked() {
	if a.holderTimer != nil {
		a.holderTimer.Stop()
		a.holderTimer = nil
	}
	a.holder = ""

	if len(a.queue) > 0 {
		head := a.queue[0]
		a.queue = a.queue[1:]
		if head.timer != nil {
			// Stop может вернуть false: таймер уже сработал, но resolveStarved ещё
			// не взял mu. Ожидающий вынут из очереди здесь, значит разрешить его
			// обязаны мы — лизинг свободен, передаём его. Опоздавший resolveStarved
			// не найдёт ожидающего в очереди и выйдет без действий.
			head.timer.Stop()
		}
		a.grantLocked(head.id)
		close(head.granted)
	}
}

// forceRelease — автоосвобождение по таймеру: если держатель не сменился,
// лизинг отбирается и передаётся дальше.
func (a *Arbiter) forceRelease(holderID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.holder != holderID {
		return
	}
	logger.Warn("clipboard auto-release: holder did not release in time",
		zap.String("holder", holderID))
	a.releaseLocked()
}

// resolveStarved разрешает ожидающего, так и не получившего лизинг за отведённое
// время, и убирает его из очереди.
func (a *Arbiter) resolveStarved(w *waiter) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, q := range a.queue {
		if q == w {
			a.queue = append(a.queue[:i], a.queue[i+1:]...)
			logger.Warn("clipboard waiter auto-resolved without lease",
				zap.String("waiter", w.id))
			close(w.granted)
			return
		}
	}
}

// dropWaiter убирает ожидающего из очереди при отмене контекста.
func (a *Arbiter) dropWaiter(w *waiter) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	for i, q := range a.queue {
		if q == w {
			a.queue = append(a.queue[:i], a.queue[i+1:]...)
			return
		}
	}
}
