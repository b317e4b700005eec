// Package drafts — очередь исходящих публикаций, требующих одобрения админа.
// Черновик рождается из LLM-наброска, обрезается до 200 символов и вывешивается
// в staging-канал; публикацию ограничивает суточный лимит с календарным сбросом.
// Черновики живут только в памяти.
package drafts

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"intentguard/internal/domain/chat"
	"intentguard/internal/infra/clock"
	"intentguard/internal/infra/logger"
	"intentguard/internal/infra/timeutil"
)

const (
	// DraftMaxLen — предел длины текста черновика (с многоточием).
	DraftMaxLen = 200
	// TweetMaxLen — предел длины составленного поста.
	TweetMaxLen = 280

	ellipsis = "…"
)

// Drafter — генератор короткого текста по теме.
type Drafter interface {
	Draft(ctx context.Context, prompt string) (string, error)
}

// Draft — один черновик в ожидании решения админа.
type Draft struct {
	ID             string
	Topic          string
	Origin         string
	Text           string
	MessageID      string
	RewriteHistory []string
	CreatedAt      time.Time
}

// Queue — очередь черновиков с суточным лимитом публикаций.
type Queue struct {
	mu          sync.Mutex
	drafts      map[string]*Draft // id → черновик
	postedToday int
	dayAnchor   time.Time

	gw        chat.Gateway
	llm       Drafter
	channelID string
	maxDaily  int
	now       clock.Func
}

// Option настраивает очередь при создании.
type Option func(*Queue)

// WithClock подменяет источник времени (тесты).
func WithClock(now clock.Func) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// New создаёт очередь, привязанную к staging-каналу.
func New(gw chat.Gateway, llm Drafter, stagingChannelID string, maxDaily int, opts ...Option) *Queue {
	q := &Queue{
		drafts:    make(map[string]*Draft),
		gw:        gw,
		llm:       llm,
		channelID: stagingChannelID,
		maxDaily:  maxDaily,
		now:       clock.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.dayAnchor = q.now()
	return q
}

// CanPost сообщает, не исчерпан ли суточный лимит. Счётчик сбрасывается при
// смене календарного дня.
func (q *Queue) CanPost() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.canPostLocked()
}

func (q *Queue) canPostLocked() bool {
	now := q.now()
	if !timeutil.SameCalendarDay(q.dayAnchor, now) {
		q.dayAnchor = now
		q.postedToday = 0
	}
	return q.postedToday < q.maxDaily
}

// CreateDraft генерирует черновик по теме и вывешивает его в staging-канал.
// Возвращает nil при исчерпанном лимите или пустом ответе генератора.
func (q *Queue) CreateDraft(ctx context.Context, topic, origin string) *Draft {
	if !q.CanPost() {
		logger.Info("draft skipped: daily post limit reached",
			zap.String("topic", topic), zap.Int("limit", q.maxDaily))
		return nil
	}

	prompt := fmt.Sprintf(
		"Write a single short social post about: %s. Be concrete, no hashtags, under 200 characters.", topic)
	raw, err := q.llm.Draft(ctx, prompt)
	if err != nil || raw == "" {
		// Сбой генератора роняет черновик, не очередь.
		logger.Warn("draft generation failed", zap.String("topic", topic), zap.Error(err))
		return nil
	}

	d := &Draft{
		ID:        uuid.NewString(),
		Topic:     topic,
		Origin:    origin,
		Text:      TruncateDraft(raw),
		CreatedAt: q.now(),
	}

	msgID, err := q.gw.SendToChannel(ctx, q.channelID, q.stagingText(d))
	if err != nil {
		logger.Warn("draft staging post failed", zap.String("draft", d.ID), zap.Error(err))
	}
	d.MessageID = msgID

	q.mu.Lock()
	q.drafts[d.ID] = d
	q.mu.Unlock()

	return snapshot(d)
}

// stagingText собирает staging-сообщение: текст, шкала длины, тема, id и инструкции.
func (q *Queue) stagingText(d *Draft) string {
	return fmt.Sprintf("📝 Draft %s\n%s\n[%d/%d] topic: %s\nreact 👍 to publish, 🗑 to discard, reply with feedback to rewrite",
		d.ID, d.Text, len([]rune(d.Text)), DraftMaxLen, d.Topic)
}

// UpdateDraft переписывает черновик: прежний текст уходит в rewrite_history,
// staging-сообщение редактируется. Возвращает обновлённый черновик или nil.
func (q *Queue) UpdateDraft(ctx context.Context, messageID, newText, feedback string) *Draft {
	q.mu.Lock()
	d := q.byMessageIDLocked(messageID)
	if d == nil {
		q.mu.Unlock()
		logger.Warn("draft update for unknown message", zap.String("message_id", messageID))
		return nil
	}
	d.RewriteHistory = append(d.RewriteHistory, d.Text)
	d.Text = TruncateDraft(newText)
	snap := snapshot(d)
	text := q.stagingText(d)
	q.mu.Unlock()

	if feedback != "" {
		text += "\nrewritten after: " + feedback
	}
	if err := q.gw.EditMessage(ctx, q.channelID, messageID, text); err != nil {
		logger.Warn("draft staging edit failed", zap.String("draft", snap.ID), zap.Error(err))
	}
	return snap
}

// FindDraftByMessageID возвращает черновик по staging-сообщению.
func (q *Queue) FindDraftByMessageID(messageID string) *Draft {
	q.mu.Lock()
	defer q.mu.Unlock()
	if d := q.byMessageIDLocked(messageID); d != nil {
		return snapshot(d)
	}
	return nil
}

func (q *Queue) byMessageIDLocked(messageID string) *Draft {
	if messageID == "" {
		return nil
	}
	for _, d := range q.drafts {
		if d.MessageID == messageID {
			return d
		}
	}
	return nil
}

// GetPendingDrafts возвращает снимки всех ожидающих черновиков.
func (q *Queue) GetPendingDrafts() []Draft {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Draft, 0, len(q.drafts))
	for _, d := range q.drafts {
		out = append(out, *snapshot(d))
	}
	return out
}

// RemoveDraft выбрасывает черновик без публикации.
func (q *Queue) RemoveDraft(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.drafts[id]; !ok {
		return false
	}
	delete(q.drafts, id)
	return true
}

// MarkPosted фиксирует публикацию: черновик покидает очередь, суточный
// счётчик растёт.
func (q *Queue) MarkPosted(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.drafts[id]; !ok {
		return false
	}
	delete(q.drafts, id)
	q.canPostLocked() // сброс при смене дня до инкремента
	q.postedToday++
	return true
}

// PostedToday возвращает текущее значение суточного счётчика.
func (q *Queue) PostedToday() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.postedToday
}

// TruncateDraft нормализует текст черновика: обрезает пробелы по краям и
// ограничивает длину DraftMaxLen символами, отмечая усечение многоточием.
func TruncateDraft(text string) string {
	return truncateRunes(strings.TrimSpace(text), DraftMaxLen)
}

// ComposeTweet собирает итоговый пост из текста черновика, усечённый до
// TweetMaxLen символов.
func ComposeTweet(text string) string {
	return truncateRunes(text, TweetMaxLen)
}

func truncateRunes(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit-1]) + ellipsis
}

func snapshot(d *Draft) *Draft {
	out := *d
	if d.RewriteHistory != nil {
		out.RewriteHistory = append([]string(nil), d.RewriteHistory...)
	}
	return &out
}
