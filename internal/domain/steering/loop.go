package steering

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"intentguard/internal/domain/chat"
	"intentguard/internal/domain/handles"
	"intentguard/internal/infra/clock"
	"intentguard/internal/infra/logger"
)

// redirectReasonPrefixLen — сколько символов нового запроса попадает в причину редиректа.
const redirectReasonPrefixLen = 120

// Источники редиректа — закрытый набор.
const (
	SourceVoiceMemo     = "voice-memo"
	SourceText          = "text"
	SourceAdminOverride = "admin-override"
)

// ExecuteFunc исполняет предсказание (диспетчеризация задачи в комнату).
// Возвращает успех; false переводит предсказание в aborted.
type ExecuteFunc func(ctx context.Context, p Prediction) bool

// SovereigntyFunc отдаёт текущий показатель суверенитета s ∈ [0,1].
type SovereigntyFunc func() float64

// Config — тайминги и пределы контура.
type Config struct {
	AskPredictTimeout time.Duration
	RedirectGrace     time.Duration
	MaxConcurrent     int

	UseSovereigntyTimeouts bool
	Sovereignty            SovereigntyFunc
}

// Loop — контур управления предсказаниями.
type Loop struct {
	mu    sync.Mutex
	index map[string]*Prediction // id → запись; pending и general-ожидающие

	gw      chat.Gateway
	execute ExecuteFunc
	cfg     Config
	now     clock.Func
}

// Option настраивает контур при создании.
type Option func(*Loop)

// WithClock подменяет источник времени (тесты).
func WithClock(now clock.Func) Option {
	return func(l *Loop) {
		if now != nil {
			l.now = now
		}
	}
}

// New создаёт контур управления.
func New(gw chat.Gateway, execute ExecuteFunc, cfg Config, opts ...Option) *Loop {
	l := &Loop{
		index:   make(map[string]*Prediction),
		gw:      gw,
		execute: execute,
		cfg:     cfg,
		now:     clock.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ComputeTimeout выбирает длительность обратного отсчёта: суверенитет сжимает
// окно вмешательства (5 с / 30 с / 60 с), при выключенном флаге действует
// сконфигурированный таймаут.
func (l *Loop) ComputeTimeout() time.Duration {
	if !l.cfg.UseSovereigntyTimeouts || l.cfg.Sovereignty == nil {
		return l.cfg.AskPredictTimeout
	}
	s := l.cfg.Sovereignty()
	switch {
	case s >= 0.8:
		return 5 * time.Second
	case s >= 0.6:
		return 30 * time.Second
	default:
		return 60 * time.Second
	}
}

// HandleMessage превращает сообщение автора в предсказание согласно уровню доверия.
func (l *Loop) HandleMessage(ctx context.Context, tier handles.Tier, room, channelID, prompt, author string, categories []string) Prediction {
	switch tier {
	case handles.TierAdmin:
		return l.handleAdmin(ctx, room, channelID, prompt, author, categories)
	case handles.TierTrusted:
		return l.handleTrusted(ctx, room, channelID, prompt, author, categories)
	default:
		return l.handleGeneral(ctx, room, channelID, prompt, author, categories)
	}
}

// handleAdmin исполняет немедленно: без отсчёта, без поста.
func (l *Loop) handleAdmin(ctx context.Context, room, channelID, prompt, author string, categories []string) Prediction {
	p := newPrediction(room, channelID, prompt, author, handles.TierAdmin, categories, l.now())
	p.Status = StatusExecuting
	logger.Info("admin instant execute",
		zap.String("room", room), zap.String("author", author), zap.String("prediction", p.ID))

	if l.execute(ctx, p.snapshot()) {
		p.Status = StatusCompleted
	} else {
		p.Status = StatusAborted
		p.AbortReason = "execute failed"
	}
	return p.snapshot()
}

// handleTrusted публикует видимый отсчёт и взводит таймер автоисполнения.
func (l *Loop) handleTrusted(ctx context.Context, room, channelID, prompt, author string, categories []string) Prediction {
	p := newPrediction(room, channelID, prompt, author, handles.TierTrusted, categories, l.now())
	timeout := l.ComputeTimeout()
	p.Timeout = timeout

	text := fmt.Sprintf("🔮 Planned in %s: %s", room, p.PredictedAction)
	if len(categories) > 0 {
		text += "\nAligned: " + strings.Join(categories, ", ")
	}
	text += fmt.Sprintf("\nProceeding in %d s — reply to redirect", int(timeout/time.Second))
	msgID, err := l.gw.SendToChannel(ctx, channelID, text)
	if err != nil {
		logger.Warn("prediction post failed", zap.String("room", room), zap.Error(err))
	}
	p.MessageID = msgID

	l.mu.Lock()
	if pending := l.pendingCountLocked(); pending >= l.cfg.MaxConcurrent && l.cfg.MaxConcurrent > 0 {
		// Мягкий предел: предупреждаем, но принимаем.
		logger.Warn("pending predictions above soft cap",
			zap.Int("pending", pending), zap.Int("cap", l.cfg.MaxConcurrent))
	}
	l.index[p.ID] = p
	id := p.ID
	p.timer = time.AfterFunc(timeout, func() { l.onExpiry(context.WithoutCancel(ctx), id) })
	l.mu.Unlock()

	return p.snapshot()
}

// handleGeneral публикует предложение; исполнение только через AdminBless.
func (l *Loop) handleGeneral(ctx context.Context, room, channelID, prompt, author string, categories []string) Prediction {
	p := newPrediction(room, channelID, prompt, author, handles.TierGeneral, categories, l.now())

	text := fmt.Sprintf("💡 Suggestion from %s for %s: %s\nAn admin 👍 reaction is required to execute.",
		author, room, prompt)
	msgID, err := l.gw.SendToChannel(ctx, channelID, text)
	if err != nil {
		logger.Warn("suggestion post failed", zap.String("room", room), zap.Error(err))
	}
	p.MessageID = msgID

	l.mu.Lock()
	l.index[p.ID] = p
	l.mu.Unlock()

	return p.snapshot()
}

// onExpiry срабатывает по таймеру отсчёта. Не-pending статус означает, что
// предсказание перехватил более поздний сигнал — тогда тихий no-op.
func (l *Loop) onExpiry(ctx context.Context, id string) {
	l.mu.Lock()
	p, ok := l.index[id]
	if !ok || p.Status != StatusPending {
		l.mu.Unlock()
		return
	}
	p.Status = StatusExecuting
	p.timer = nil
	snap := p.snapshot()
	l.mu.Unlock()

	if snap.MessageID != "" {
		if err := l.gw.EditMessage(ctx, snap.ChannelID, snap.MessageID, "⚙️ Executing — no intervention received"); err != nil {
			logger.Warn("countdown edit failed", zap.String("prediction", id), zap.Error(err))
		}
	}

	ok = l.execute(ctx, snap)

	l.mu.Lock()
	if p, exists := l.index[id]; exists {
		if ok {
			p.Status = StatusCompleted
		} else {
			p.Status = StatusAborted
			p.AbortReason = "execute failed"
		}
		delete(l.index, id)
	}
	l.mu.Unlock()
}

// Redirect перенаправляет ожидающее предсказание комнаты: старое помечается
// redirected, таймер гасится, из нового текста создаётся свежее предсказание
// с тем же уровнем доверия, автором и категориями. Возвращает nil, если
// ожидающего предсказания в комнате нет.
func (l *Loop) Redirect(ctx context.Context, room, newPrompt, source string) *Prediction {
	l.mu.Lock()
	old := l.pendingForRoomLocked(room)
	if old == nil {
		l.mu.Unlock()
		logger.Info("redirect ignored: no pending prediction", zap.String("room", room))
		return nil
	}
	old.stopTimerLocked()
	old.Status = StatusRedirected
	old.AbortReason = redirectReason(source, newPrompt)
	snap := old.snapshot()
	delete(l.index, old.ID)
	l.mu.Unlock()

	if snap.MessageID != "" {
		notice := "↪️ " + snap.AbortReason
		if err := l.gw.EditMessage(ctx, snap.ChannelID, snap.MessageID, notice); err != nil {
			logger.Warn("redirect edit failed", zap.String("prediction", snap.ID), zap.Error(err))
		}
	}
	logger.Info("prediction redirected",
		zap.String("room", room), zap.String("source", source), zap.String("prediction", snap.ID))

	next := l.HandleMessage(ctx, snap.Tier, room, snap.ChannelID, newPrompt, snap.Author, snap.Categories)
	return &next
}

// redirectReason собирает причину редиректа с усечённым началом нового запроса.
func redirectReason(source, newPrompt string) string {
	prefix := newPrompt
	if len(prefix) > redirectReasonPrefixLen {
		prefix = prefix[:redirectReasonPrefixLen]
	}
	return fmt.Sprintf("Redirected by %s: %s", source, prefix)
}

// AdminBless исполняет предложение общего уровня по реакции админа.
// Возвращает false, если ожидающего предложения с таким message id нет.
func (l *Loop) AdminBless(ctx context.Context, messageID, adminUsername string) bool {
	l.mu.Lock()
	var p *Prediction
	for _, cand := range l.index {
		if cand.MessageID == messageID && cand.Tier == handles.TierGeneral && cand.Status == StatusPending {
			p = cand
			break
		}
	}
	if p == nil {
		l.mu.Unlock()
		return false
	}
	p.stopTimerLocked()
	p.Status = StatusExecuting
	snap := p.snapshot()
	l.mu.Unlock()

	if err := l.gw.EditMessage(ctx, snap.ChannelID, snap.MessageID,
		fmt.Sprintf("✅ Blessed by %s — executing", adminUsername)); err != nil {
		logger.Warn("bless edit failed", zap.String("prediction", snap.ID), zap.Error(err))
	}

	ok := l.execute(ctx, snap)

	l.mu.Lock()
	if rec, exists := l.index[snap.ID]; exists {
		if ok {
			rec.Status = StatusCompleted
		} else {
			rec.Status = StatusAborted
			rec.AbortReason = "execute failed"
		}
		delete(l.index, snap.ID)
	}
	l.mu.Unlock()

	logger.Info("prediction blessed",
		zap.String("prediction", snap.ID), zap.String("admin", adminUsername))
	return true
}

// AbortAll гасит все таймеры, помечает ожидающие предсказания aborted и
// очищает индекс. Возвращает число прерванных.
func (l *Loop) AbortAll() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := 0
	for id, p := range l.index {
		if p.Status != StatusPending {
			continue
		}
		p.stopTimerLocked()
		p.Status = StatusAborted
		p.AbortReason = "Emergency stop"
		delete(l.index, id)
		count++
	}
	if count > 0 {
		logger.Warn("emergency stop: predictions aborted", zap.Int("count", count))
	}
	return count
}

// GetActivePredictions возвращает снимки всех ожидающих предсказаний.
func (l *Loop) GetActivePredictions() []Prediction {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Prediction
	for _, p := range l.index {
		if p.Status == StatusPending {
			out = append(out, p.snapshot())
		}
	}
	return out
}

// HasPendingPrediction сообщает, закрыта ли комната ожидающим предсказанием.
func (l *Loop) HasPendingPrediction(room string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pendingForRoomLocked(room) != nil
}

func (l *Loop) pendingForRoomLocked(room string) *Prediction {
	for _, p := range l.index {
		if p.Room == room && p.Status == StatusPending {
			return p
		}
	}
	return nil
}

func (l *Loop) pendingCountLocked() int {
	n := 0
	for _, p := range l.index {
		if p.Status == StatusPending {
			n++
		}
	}
	return n
}
