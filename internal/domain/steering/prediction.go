// Package steering — контур управления: превращает текст автора в исполнение
// с учётом уровня доверия. Админ исполняется сразу, доверенный получает
// видимый обратный отсчёт (укорачиваемый суверенитетом), остальные — только
// предложение, ждущее админского благословения.
//
// Правило конфликтов: побеждает последний сигнал. Срабатывание таймера после
// редиректа видит не-pending статус и молча уходит; противоречия логируются,
// но никогда не поднимаются наружу.
package steering

import (
	"time"

	"github.com/google/uuid"

	"intentguard/internal/domain/handles"
)

// Status — стадия жизненного цикла предсказания.
type Status string

const (
	StatusPending    Status = "pending"
	StatusExecuting  Status = "executing"
	StatusCompleted  Status = "completed"
	StatusAborted    Status = "aborted"
	StatusRedirected Status = "redirected"
)

// predictedActionLen — длина видимого префикса запроса в посте отсчёта.
const predictedActionLen = 60

// Prediction — одно заявленное намерение исполнения.
type Prediction struct {
	ID         string
	Room       string
	ChannelID  string
	Prompt     string
	Author     string
	Tier       handles.Tier
	Categories []string
	Status     Status
	CreatedAt  time.Time

	// PredictedAction — короткий префикс запроса, публикуемый в отсчёте.
	PredictedAction string
	// Timeout — выбранная длительность отсчёта; нулевая вне trusted-пути.
	Timeout time.Duration

	// MessageID — хэндл видимого сообщения с обратным отсчётом; предсказание
	// не держит ссылок на объекты чата, поиск идёт через реестр.
	MessageID   string
	AbortReason string

	// timer не-nil только пока статус pending.
	timer *time.Timer
}

// newPrediction создаёт запись с свежим id.
func newPrediction(room, channelID, prompt, author string, tier handles.Tier, categories []string, now time.Time) *Prediction {
	return &Prediction{
		ID:              uuid.NewString(),
		Room:            room,
		ChannelID:       channelID,
		Prompt:          prompt,
		Author:          author,
		Tier:            tier,
		Categories:      categories,
		Status:          StatusPending,
		CreatedAt:       now,
		PredictedAction: predictedAction(prompt),
	}
}

// predictedAction возвращает усечённый префикс запроса.
func predictedAction(prompt string) string {
	if len(prompt) <= predictedActionLen {
		return prompt
	}
	return prompt[:predictedActionLen] + "…"
}

// snapshot возвращает копию без таймера.
func (p *Prediction) snapshot() Prediction {
	out := *p
	out.timer = nil
	if p.Categories != nil {
		out.Categories = append([]string(nil), p.Categories...)
	}
	return out
}

// stopTimerLocked гасит таймер и обнуляет ссылку. Вызывающий держит мьютекс цикла.
func (p *Prediction) stopTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
