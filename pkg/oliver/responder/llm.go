// Package responder builds model context from session state and produces
// replies. Chat completion is single-provider over the OpenAI-compatible
// wire format, which works with OpenAI, Anthropic proxies, GLM and any
// compatible endpoint; there is no cross-provider fallback for chat.
package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrGenerationFailed marks a transport or model error during completion.
// The pipeline aborts the turn when it sees this.
var ErrGenerationFailed = errors.New("response generation failed")

// Message is one chat message in provider wire order.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLMClient handles communication with the chat completion API.
type LLMClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewLLMClient creates a chat completion client.
func NewLLMClient(baseURL, apiKey, model string, logger *slog.Logger) *LLMClient {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		logger: logger.With("component", "llm"),
	}
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete sends one chat completion and returns the reply text. Any
// transport or model failure wraps ErrGenerationFailed.
func (c *LLMClient) Complete(ctx context.Context, messages []Message) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("%w: API key not configured, run 'oliver config set-key'", ErrGenerationFailed)
	}

	bodyBytes, err := json.Marshal(chatRequest{Model: c.model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("responder: marshal request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("responder: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Debug("sending chat completion", "model", c.model, "messages", len(messages))

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: reading response: %v", ErrGenerationFailed, err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("completion API error",
			"status", resp.StatusCode,
			"body", truncate(string(respBody), 500),
		)
		return "", fmt.Errorf("%w: API returned %d", ErrGenerationFailed, resp.StatusCode)
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("%w: parsing response: %v", ErrGenerationFailed, err)
	}
	if chatResp.Error != nil {
		return "", fmt.Errorf("%w: %s", ErrGenerationFailed, chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("%w: no response from model", ErrGenerationFailed)
	}

	content := strings.TrimSpace(chatResp.Choices[0].Message.Content)

	c.logger.Info("chat completion done",
		"model", c.model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", chatResp.Usage.PromptTokens,
		"completion_tokens", chatResp.Usage.CompletionTokens,
	)
	return content, nil
}

// CompleteJSON runs a completion expected to produce a JSON document and
// decodes it into out, tolerating markdown code fences around the JSON.
func (c *LLMClient) CompleteJSON(ctx context.Context, messages []Message, out any) error {
	raw, err := c.Complete(ctx, messages)
	if err != nil {
		return err
	}
	raw = stripFences(raw)
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("responder: model did not return valid JSON: %w", err)
	}
	return nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = s[i+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
