// Package speech handles the voice path: transcription of inbound voice
// notes and synthesis of outbound replies. Synthesis runs a definition-
// order provider chain (ElevenLabs first, OpenAI TTS second); the final
// fallback to plain text lives in the pipeline, not here.
package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// ErrTranscription marks a failed voice-note transcription. The pipeline
// short-circuits to a canned apology when it sees this.
var ErrTranscription = errors.New("transcription failed")

// Transcriber converts voice notes to text via a Whisper-compatible API.
type Transcriber struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewTranscriber creates a transcription client.
func NewTranscriber(baseURL, apiKey, model string, logger *slog.Logger) *Transcriber {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "whisper-1"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transcriber{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger.With("component", "transcriber"),
	}
}

// Transcribe decodes a base64 voice note and returns its text.
func (t *Transcriber) Transcribe(ctx context.Context, audioBase64 string) (string, error) {
	audio, err := base64.StdEncoding.DecodeString(audioBase64)
	if err != nil {
		return "", fmt.Errorf("%w: decoding audio: %v", ErrTranscription, err)
	}
	if len(audio) == 0 {
		return "", fmt.Errorf("%w: empty audio", ErrTranscription)
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "voice.ogg")
	if err != nil {
		return "", fmt.Errorf("speech: building upload: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("speech: building upload: %w", err)
	}
	if err := writer.WriteField("model", t.model); err != nil {
		return "", fmt.Errorf("speech: building upload: %w", err)
	}
	writer.Close()

	url := t.baseURL + "/audio/transcriptions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return "", fmt.Errorf("speech: creating request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	start := time.Now()
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTranscription, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: reading response: %v", ErrTranscription, err)
	}
	if resp.StatusCode != http.StatusOK {
		t.logger.Error("transcription API error", "status", resp.StatusCode)
		return "", fmt.Errorf("%w: API returned %d", ErrTranscription, resp.StatusCode)
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("%w: parsing response: %v", ErrTranscription, err)
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return "", fmt.Errorf("%w: empty transcript", ErrTranscription)
	}

	t.logger.Info("voice note transcribed",
		"bytes", len(audio),
		"chars", len(text),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return text, nil
}
