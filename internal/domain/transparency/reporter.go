// Package transparency — публичная отчётность решений движка: отказы,
// всплески метрик доверия и периодические сводки в выделенном канале.
// Отсутствие привязки к каналу превращает все операции в тихие no-op.
package transparency

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"intentguard/internal/domain/chat"
	"intentguard/internal/infra/clock"
	"intentguard/internal/infra/logger"
)

// Пределы буфера истории всплесков.
const (
	historyHighWater = 1000
	historyKeep      = 500
)

// Denial — отказ в исполнении, публикуемый немедленно.
type Denial struct {
	Actor  string
	Room   string
	Action string
	Reason string
}

// Spike — скачок метрики категории.
type Spike struct {
	TS       time.Time
	Category string
	Delta    float64
	Reason   string
}

// Reporter — репортёр прозрачности, привязанный к одному каналу.
type Reporter struct {
	mu          sync.Mutex
	history     []Spike
	lastSummary time.Time

	gw        chat.Gateway
	channelID string
	threshold float64
	interval  time.Duration
	now       clock.Func

	stopOnce sync.Once
	stop     chan struct{}
}

// Option настраивает репортёр при создании.
type Option func(*Reporter)

// WithClock подменяет источник времени (тесты).
func WithClock(now clock.Func) Option {
	return func(r *Reporter) {
		if now != nil {
			r.now = now
		}
	}
}

// New создаёт репортёр. Пустой channelID допустим: операции станут no-op.
func New(gw chat.Gateway, channelID string, spikeThreshold float64, interval time.Duration, opts ...Option) *Reporter {
	r := &Reporter{
		gw:        gw,
		channelID: channelID,
		threshold: spikeThreshold,
		interval:  interval,
		now:       clock.Now,
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.lastSummary = r.now()
	return r
}

// bound сообщает, есть ли куда публиковать.
func (r *Reporter) bound() bool {
	return r.gw != nil && r.channelID != ""
}

// RecordDenial немедленно публикует структурированное уведомление об отказе.
func (r *Reporter) RecordDenial(ctx context.Context, d Denial) {
	if !r.bound() {
		return
	}
	text := fmt.Sprintf("🚫 Denied: %s by %s in %s\nreason: %s", d.Action, d.Actor, d.Room, d.Reason)
	if _, err := r.gw.SendToChannel(ctx, r.channelID, text); err != nil {
		logger.Warn("denial post failed", zap.Error(err))
	}
}

// RecordSpike добавляет всплеск в историю и публикует его, только если
// |delta| не ниже порога. История обрезается до последних 500 записей,
// как только достигает 1000.
func (r *Reporter) RecordSpike(ctx context.Context, s Spike) {
	if s.TS.IsZero() {
		s.TS = r.now()
	}

	r.mu.Lock()
	r.history = append(r.history, s)
	if len(r.history) >= historyHighWater {
		r.history = append(r.history[:0:0], r.history[len(r.history)-historyKeep:]...)
	}
	r.mu.Unlock()

	if !r.bound() || math.Abs(s.Delta) < r.threshold {
		return
	}
	text := fmt.Sprintf("📈 Trust spike: %s %+.2f\n%s", s.Category, s.Delta, s.Reason)
	if _, err := r.gw.SendToChannel(ctx, r.channelID, text); err != nil {
		logger.Warn("spike post failed", zap.Error(err))
	}
}

// HistoryLen возвращает размер буфера истории.
func (r *Reporter) HistoryLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.history)
}

// Start запускает периодические сводки; при неположительном интервале
// или отсутствии привязки ничего не делает.
func (r *Reporter) Start(ctx context.Context) {
	if r.interval <= 0 || !r.bound() {
		return
	}
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				r.PostSummary(ctx)
			}
		}
	}()
}

// Stop гасит периодический таймер; повторные вызовы безопасны.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// PostSummary агрегирует всплески с прошлой сводки: группировка по категории,
// сортировка по |суммарной дельте|. Публикует только если всплески были.
func (r *Reporter) PostSummary(ctx context.Context) {
	now := r.now()

	r.mu.Lock()
	since := r.lastSummary
	type agg struct {
		net   float64
		count int
	}
	perCategory := make(map[string]*agg)
	// Окно сводки — (lastSummary, now]: всплеск учитывается ровно один раз.
	for _, s := range r.history {
		if !s.TS.After(since) || s.TS.After(now) {
			continue
		}
		a := perCategory[s.Category]
		if a == nil {
			a = &agg{}
			perCategory[s.Category] = a
		}
		a.net += s.Delta
		a.count++
	}
	r.lastSummary = now
	r.mu.Unlock()

	if len(perCategory) == 0 || !r.bound() {
		return
	}

	categories := make([]string, 0, len(perCategory))
	for c := range perCategory {
		categories = append(categories, c)
	}
	sort.Slice(categories, func(a, b int) bool {
		na, nb := math.Abs(perCategory[categories[a]].net), math.Abs(perCategory[categories[b]].net)
		if na != nb {
			return na > nb
		}
		return categories[a] < categories[b]
	})

	var b strings.Builder
	b.WriteString("🧾 Transparency summary\n")
	for _, c := range categories {
		a := perCategory[c]
		fmt.Fprintf(&b, "%s: net %+.2f over %d spikes\n", c, a.net, a.count)
	}
	if _, err := r.gw.SendToChannel(ctx, r.channelID, strings.TrimRight(b.String(), "\n")); err != nil {
		logger.Warn("summary post failed", zap.Error(err))
	}
}
