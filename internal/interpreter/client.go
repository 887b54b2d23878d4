// Package interpreter предоставляет клиент внешнего генератора толкований снов.
package interpreter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ramelapp/dreamcredit-system/internal/model"
)

// ErrUnavailable возвращается, когда генератор недоступен или вернул ошибку.
// Вызывающий обязан трактовать её как сбой генерации: баланс пользователя не меняется.
var ErrUnavailable = errors.New("interpretation provider unavailable")

// perspectives — традиции толкования, запрашиваемые для каждого сна.
var perspectives = []string{"islamic", "spiritual", "psychological"}

var prompts = map[string]string{
	"islamic":       "As an Islamic scholar, provide a thoughtful interpretation of this dream according to Islamic tradition and teachings. Focus on spiritual guidance and references to Islamic principles.",
	"spiritual":     "As a spiritual guide, provide an interpretation of this dream from a universal spiritual perspective, focusing on personal growth, symbolism, and inner wisdom.",
	"psychological": "As a psychologist, provide an interpretation of this dream from a psychological perspective, focusing on subconscious processes, emotional patterns, and mental states.",
}

// Client инкапсулирует HTTP-взаимодействие с генератором толкований.
type Client struct {
	baseURL    string
	apiKey     string
	modelName  string
	httpClient *http.Client
}

// NewClient создаёт HTTP-клиент генератора толкований по указанному адресу.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		modelName: "gemini-2.0-flash-exp",
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

// Interpret запрашивает толкование сна по каждой из трёх традиций.
// Любой сбой любого из запросов означает сбой всей генерации.
func (c *Client) Interpret(ctx context.Context, dreamText string) (*model.Interpretations, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("%w: client not configured", ErrUnavailable)
	}

	var res model.Interpretations
	for _, perspective := range perspectives {
		text, err := c.generate(ctx, perspective, dreamText)
		if err != nil {
			return nil, err
		}

		switch perspective {
		case "islamic":
			res.Islamic = text
		case "spiritual":
			res.Spiritual = text
		case "psychological":
			res.Psychological = text
		}
	}

	return &res, nil
}

func (c *Client) generate(ctx context.Context, perspective, dreamText string) (string, error) {
	prompt := fmt.Sprintf("%s Respond in the same language as the dream, in clear plain text without decorative characters: %q",
		prompts[perspective], dreamText)

	body, err := json.Marshal(generateRequest{
		Contents: []content{{Parts: []part{{Text: prompt}}}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", c.baseURL, c.modelName, c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: unexpected status %d", ErrUnavailable, resp.StatusCode)
	}

	var result generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%w: decode response: %s", ErrUnavailable, err)
	}

	if len(result.Candidates) == 0 || len(result.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("%w: empty candidates", ErrUnavailable)
	}

	return result.Candidates[0].Content.Parts[0].Text, nil
}
