// tts.go implements the synthesis providers and the fallback chain.
package speech

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

// ErrSynthesis marks exhaustion of the whole provider chain.
var ErrSynthesis = errors.New("voice synthesis failed")

// Request is one synthesis job. Speed 0 means provider default.
type Request struct {
	Text  string
	Voice string
	Speed float64
}

// Provider is the interface for synthesis backends.
type Provider interface {
	// Synthesize converts text to audio. Returns audio bytes and MIME type.
	Synthesize(ctx context.Context, req Request) ([]byte, string, error)

	// Name identifies the provider in logs.
	Name() string
}

// SpeedForSentiment adjusts the speech rate to the contact's mood: calmer
// for frustration and confusion, brisker when things are urgent.
func SpeedForSentiment(sentiment string) float64 {
	switch sentiment {
	case "frustrated":
		return 0.95
	case "confused":
		return 0.9
	case "urgent":
		return 1.1
	case "happy":
		return 1.05
	default:
		return 1.0
	}
}

// ============================================================
// ElevenLabs (primary)
// ============================================================

// ElevenLabsProvider synthesizes via the ElevenLabs API.
type ElevenLabsProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewElevenLabsProvider creates the primary synthesis provider.
func NewElevenLabsProvider(apiKey string) *ElevenLabsProvider {
	return &ElevenLabsProvider{
		apiKey:  apiKey,
		baseURL: "https://api.elevenlabs.io/v1",
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *ElevenLabsProvider) Name() string { return "elevenlabs" }

// Synthesize converts text to MP3 audio using the multilingual model.
func (p *ElevenLabsProvider) Synthesize(ctx context.Context, req Request) ([]byte, string, error) {
	if p.apiKey == "" {
		return nil, "", fmt.Errorf("speech: elevenlabs API key not configured")
	}
	if req.Voice == "" {
		return nil, "", fmt.Errorf("speech: elevenlabs voice id not configured")
	}

	text := req.Text
	if len(text) > 4096 {
		text = text[:4093] + "..."
	}

	settings := map[string]any{
		"stability":        0.5,
		"similarity_boost": 0.75,
	}
	if req.Speed > 0 {
		settings["speed"] = req.Speed
	}
	payload := map[string]any{
		"text":           text,
		"model_id":       "eleven_multilingual_v2",
		"voice_settings": settings,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("speech: marshal request: %w", err)
	}

	url := p.baseURL + "/text-to-speech/" + req.Voice
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("speech: creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("xi-api-key", p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, "", fmt.Errorf("speech: elevenlabs request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, "", fmt.Errorf("speech: elevenlabs returned %d: %s", resp.StatusCode, string(errBody))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("speech: reading audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, "", fmt.Errorf("speech: elevenlabs returned empty audio")
	}
	return audio, "audio/mpeg", nil
}

// ============================================================
// OpenAI TTS (secondary)
// ============================================================

// OpenAIProvider synthesizes via the OpenAI TTS API.
type OpenAIProvider struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

// NewOpenAIProvider creates the fallback synthesis provider.
func NewOpenAIProvider(apiKey, baseURL, model string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "tts-1"
	}
	return &OpenAIProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *OpenAIProvider) Name() string { return "openai-tts" }

// Synthesize converts text to Opus audio, the format voice notes use.
func (p *OpenAIProvider) Synthesize(ctx context.Context, req Request) ([]byte, string, error) {
	voice := req.Voice
	if voice == "" {
		voice = "nova"
	}
	text := req.Text
	if len(text) > 4096 {
		text = text[:4093] + "..."
	}

	payload := map[string]any{
		"model":           p.model,
		"input":           text,
		"voice":           voice,
		"response_format": "opus",
	}
	if req.Speed > 0 {
		payload["speed"] = req.Speed
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("speech: marshal request: %w", err)
	}

	url := p.baseURL + "/audio/speech"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("speech: creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, "", fmt.Errorf("speech: openai tts request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, "", fmt.Errorf("speech: openai tts returned %d: %s", resp.StatusCode, string(errBody))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("speech: reading audio: %w", err)
	}
	return audio, "audio/ogg", nil
}

// ============================================================
// Chain (definition-order fallback)
// ============================================================

// Chain tries providers in order until one succeeds. Per-provider voices
// let ElevenLabs voice ids coexist with OpenAI voice names.
type Chain struct {
	providers []Provider
	voices    map[string]string // provider name -> voice
	logger    *slog.Logger
}

// NewChain builds the fallback chain.
func NewChain(providers []Provider, voices map[string]string, logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		providers: providers,
		voices:    voices,
		logger:    logger.With("component", "tts"),
	}
}

// Synthesize walks the chain. All providers failing yields ErrSynthesis;
// the pipeline then delivers plain text instead.
func (c *Chain) Synthesize(ctx context.Context, text string, speed float64) ([]byte, string, error) {
	var lastErr error
	for _, p := range c.providers {
		audio, mime, err := p.Synthesize(ctx, Request{
			Text:  text,
			Voice: c.voices[p.Name()],
			Speed: speed,
		})
		if err == nil {
			return audio, mime, nil
		}
		c.logger.Warn("synthesis provider failed, trying next", "provider", p.Name(), "error", err)
		lastErr = err
	}
	return nil, "", fmt.Errorf("%w: %v", ErrSynthesis, lastErr)
}
