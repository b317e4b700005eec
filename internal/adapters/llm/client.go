// Package llm — клиент локального генеративного эндпоинта (Ollama-совместимый
// HTTP API). Используется только очередью черновиков; любой сбой отдаёт
// пустой текст, чтобы черновик упал, а очередь — нет.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"intentguard/internal/infra/logger"

	"github.com/go-faster/errors"
)

// requestTimeout — жёсткая граница одного вызова генератора.
const requestTimeout = 30 * time.Second

// generateRequest — тело запроса /api/generate.
type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

// generateResponse — тело ответа /api/generate.
type generateResponse struct {
	Response string `json:"response"`
}

// Client — HTTP-клиент генератора.
type Client struct {
	baseURL     string
	model       string
	temperature float64
	numPredict  int
	httpClient  *http.Client
}

// New создаёт клиент для базового URL и модели.
func New(baseURL, model string) *Client {
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		model:       model,
		temperature: 0.7,
		numPredict:  120,
		httpClient:  &http.Client{Timeout: requestTimeout},
	}
}

// Draft запрашивает короткий текст. Ошибка транспорта или декодирования
// возвращается вызывающему; текст при этом пуст.
func (c *Client) Draft(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:  c.model,
		Prompt: prompt,
		Stream: false,
		Options: generateOptions{
			Temperature: c.temperature,
			NumPredict:  c.numPredict,
		},
	})
	if err != nil {
		return "", errors.Wrap(err, "llm: marshal request")
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "llm: build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "llm: request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		logger.Warn("llm: unexpected status",
			zap.Int("status", resp.StatusCode), zap.ByteString("body", payload))
		return "", errors.Errorf("llm: status %d", resp.StatusCode)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errors.Wrap(err, "llm: decode response")
	}
	return out.Response, nil
}
