// Package poller — единственный периодический цикл, продвигающий активные
// задачи: таймаут, снятие терминала, накопление дельт, стабилизация и
// публикация результата в канал задачи. Тик, заставший предыдущий
// незавершённым, пропускается (drop-overlap): честность обеспечивается
// round-robin внутри тика, а не параллелизмом.
package poller

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"intentguard/internal/domain/capture"
	"intentguard/internal/domain/chat"
	"intentguard/internal/domain/tasks"
	"intentguard/internal/infra/clock"
	"intentguard/internal/infra/logger"
)

// inlineLimit — максимальная длина вывода, публикуемого прямо в сообщении.
const inlineLimit = 1900

// Capturer — читатель терминалов комнат.
type Capturer interface {
	CaptureWithDelta(ctx context.Context, room, baseline string) capture.Result
}

// ContextSink — приёмник вывода завершённой задачи (скользящий контекст комнаты).
type ContextSink interface {
	UpdateRoomContext(room, output string)
}

// Config — тайминги цикла.
type Config struct {
	Interval      time.Duration // период тиков
	TaskTimeout   time.Duration // предел жизни задачи от created_at
	Stabilization time.Duration // окно затишья перед завершением
}

// Poller — цикл опроса вывода.
type Poller struct {
	journal    *tasks.Journal
	term       Capturer
	gw         chat.Gateway
	sink       ContextSink
	cfg        Config
	now        clock.Func
	onComplete func(tasks.Task) // вызывается на каждом завершении задачи

	polling atomic.Bool // guard против повторного входа
}

// Option настраивает поллер при создании.
type Option func(*Poller)

// WithClock подменяет источник времени (тесты).
func WithClock(now clock.Func) Option {
	return func(p *Poller) {
		if now != nil {
			p.now = now
		}
	}
}

// WithOnComplete устанавливает приёмник завершений: колбэк получает
// завершённую запись задачи (эмиссия давления на сетку).
func WithOnComplete(fn func(tasks.Task)) Option {
	return func(p *Poller) {
		p.onComplete = fn
	}
}

// New создаёт поллер.
func New(journal *tasks.Journal, term Capturer, gw chat.Gateway, sink ContextSink, cfg Config, opts ...Option) *Poller {
	p := &Poller{
		journal: journal,
		term:    term,
		gw:      gw,
		sink:    sink,
		cfg:     cfg,
		now:     clock.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run крутит цикл до отмены контекста.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	logger.Info("output poller started",
		zap.Duration("interval", p.cfg.Interval),
		zap.Duration("task_timeout", p.cfg.TaskTimeout),
		zap.Duration("stabilization", p.cfg.Stabilization))

	for {
		select {
		case <-ctx.Done():
			logger.Info("output poller stopped")
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick выполняет один проход по активным задачам. Если предыдущий проход ещё
// не завершён, тик пропускается.
func (p *Poller) Tick(ctx context.Context) {
	if !p.polling.CompareAndSwap(false, true) {
		logger.Debug("poller tick skipped: previous tick still running")
		return
	}
	defer p.polling.Store(false)

	for _, t := range p.journal.ByStatus(tasks.StatusDispatched, tasks.StatusRunning) {
		p.advance(ctx, t)
	}
}

// advance продвигает одну активную задачу.
func (p *Poller) advance(ctx context.Context, t tasks.Task) {
	now := p.now()

	// Таймаут: задача жила дольше предела — завершаем с тем, что накопилось.
	if now.Sub(t.CreatedAt) > p.cfg.TaskTimeout {
		p.journal.UpdateStatus(t.ID, tasks.StatusTimeout, nil)
		p.postOutput(ctx, t.ID, fmt.Sprintf("timed out after %s", p.cfg.TaskTimeout))
		return
	}

	// Снятие терминала. Сбой отдаёт пустой content: дельта пуста, состояние
	// задачи не меняется, следующий тик попробует снова.
	res := p.term.CaptureWithDelta(ctx, t.Room, t.Baseline)
	if res.Delta != "" {
		p.journal.AppendOutput(t.ID, res.Delta)
		p.journal.SetBaseline(t.ID, res.Content)
		if t.Status == tasks.StatusDispatched {
			p.journal.UpdateStatus(t.ID, tasks.StatusRunning, nil)
		}
		return
	}

	// Стабилизация: только по реальному прогрессу.
	fresh, ok := p.journal.Get(t.ID)
	if !ok || fresh.Status != tasks.StatusRunning || fresh.LastOutputAt == nil {
		return
	}
	stableFor := now.Sub(*fresh.LastOutputAt)
	if stableFor < p.cfg.Stabilization {
		return
	}
	if !endsWithShellPrompt(fresh.Output) && stableFor < 2*p.cfg.Stabilization {
		return
	}

	p.journal.UpdateStatus(fresh.ID, tasks.StatusComplete, nil)
	p.sink.UpdateRoomContext(fresh.Room, fresh.Output)
	if p.onComplete != nil {
		if done, ok := p.journal.Get(fresh.ID); ok {
			p.onComplete(done)
		}
	}
	p.postOutput(ctx, fresh.ID, fmt.Sprintf("complete (stable for %s)", stableFor.Truncate(time.Second)))
}

// promptSuffixes — закрытый набор окончаний приглашения shell.
var promptSuffixes = []string{"$", "❯", "➜", ">", "%", "(base) #"}

// endsWithShellPrompt проверяет, оканчивается ли вывод приглашением shell
// в конце строки (хвостовые пробелы последней строки игнорируются).
func endsWithShellPrompt(output string) bool {
	trimmed := strings.TrimRight(output, " \t")
	if trimmed == "" {
		return false
	}
	lastNL := strings.LastIndexByte(trimmed, '\n')
	lastLine := trimmed[lastNL+1:]
	for _, suffix := range promptSuffixes {
		if strings.HasSuffix(lastLine, suffix) {
			return true
		}
	}
	return false
}

// statusEmoji — индикатор статуса в заголовке поста.
func statusEmoji(s tasks.Status) string {
	switch s {
	case tasks.StatusComplete:
		return "✅"
	case tasks.StatusTimeout:
		return "⏱️"
	case tasks.StatusKilled:
		return "🛑"
	case tasks.StatusFailed:
		return "❌"
	default:
		return "ℹ️"
	}
}

// postOutput публикует накопленный вывод задачи в её канал.
// Пустой вывод — короткое уведомление; до inlineLimit символов — inline в
// преформатированном блоке; длиннее — файл task-<id>-output.txt.
// Ошибки публикации логируются и не фатальны.
func (p *Poller) postOutput(ctx context.Context, id, reason string) {
	t, ok := p.journal.Get(id)
	if !ok {
		return
	}
	header := fmt.Sprintf("%s Task %s — %s", statusEmoji(t.Status), t.ID, reason)

	var err error
	switch {
	case strings.TrimSpace(t.Output) == "":
		_, err = p.gw.SendToChannel(ctx, t.ChannelID, header+"\nno output captured")
	case len(t.Output) <= inlineLimit:
		_, err = p.gw.SendToChannel(ctx, t.ChannelID, header+"\n```\n"+t.Output+"\n```")
	default:
		filename := fmt.Sprintf("task-%s-output.txt", t.ID)
		_, err = p.gw.SendFile(ctx, t.ChannelID,
			header+fmt.Sprintf("\noutput is %d characters, attached as %s", len(t.Output), filename),
			filename, []byte(t.Output))
	}
	if err != nil {
		logger.Warn("task output post failed",
			zap.String("task", t.ID), zap.String("channel", t.ChannelID), zap.Error(err))
	}
}
