// client.go implements the outbound HTTP client for the messaging gateway.
// All calls carry the shared-secret apikey header and an independent timeout
// per call class: presence signals are short, messaging moderate, media long.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// TransportError is a structured failure from the gateway. The pipeline
// classifies it as retryable-to-user-visible-apology, never a silent drop.
type TransportError struct {
	Op     string
	Status int
	Body   string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("gateway: %s returned %d: %s", e.Op, e.Status, e.Body)
}

// Per-call-class timeouts. A typing indicator that takes longer than a few
// seconds is worthless; media downloads legitimately take longer.
const (
	presenceTimeout  = 3 * time.Second
	messagingTimeout = 10 * time.Second
	mediaTimeout     = 30 * time.Second
)

// Client talks to an Evolution-API-compatible gateway instance.
type Client struct {
	baseURL    string
	apiKey     string
	instance   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a gateway client for one instance.
func NewClient(baseURL, apiKey, instance string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		instance: instance,
		// Per-call deadlines come from context; this is the hard ceiling.
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger.With("component", "gateway"),
	}
}

// SendText delivers a plain text message to a stable address.
func (c *Client) SendText(ctx context.Context, destination, text string) error {
	payload := map[string]any{
		"number": Digits(destination),
		"text":   text,
	}
	_, err := c.post(ctx, "sendText", "/message/sendText/", payload, messagingTimeout)
	return err
}

// SendAudio delivers a base64-encoded voice note.
func (c *Client) SendAudio(ctx context.Context, destination, audioBase64 string) error {
	payload := map[string]any{
		"number": Digits(destination),
		"audio":  audioBase64,
	}
	_, err := c.post(ctx, "sendAudio", "/message/sendWhatsAppAudio/", payload, mediaTimeout)
	return err
}

// SendMedia delivers a media message by URL with an optional caption.
// mediaType is the gateway's media class ("image", "video", "document").
func (c *Client) SendMedia(ctx context.Context, destination, url, caption, mediaType string) error {
	payload := map[string]any{
		"number":    Digits(destination),
		"media":     url,
		"caption":   caption,
		"mediatype": mediaType,
	}
	_, err := c.post(ctx, "sendMedia", "/message/sendMedia/", payload, mediaTimeout)
	return err
}

// SetTyping toggles the composing presence indicator. Best effort by
// contract: callers log failures and move on.
func (c *Client) SetTyping(ctx context.Context, destination string, typing bool) error {
	presence := "paused"
	if typing {
		presence = "composing"
	}
	payload := map[string]any{
		"number":   Digits(destination),
		"presence": presence,
		"delay":    1200,
	}
	_, err := c.post(ctx, "setTyping", "/chat/sendPresence/", payload, presenceTimeout)
	return err
}

// FetchContacts returns the gateway's live contact directory.
func (c *Client) FetchContacts(ctx context.Context) ([]ContactEntry, error) {
	body, err := c.post(ctx, "fetchContacts", "/chat/findContacts/", map[string]any{"where": map[string]any{}}, mediaTimeout)
	if err != nil {
		return nil, err
	}
	var contacts []ContactEntry
	if err := json.Unmarshal(body, &contacts); err != nil {
		return nil, fmt.Errorf("gateway: decode contact directory: %w", err)
	}
	return contacts, nil
}

// DownloadMedia fetches the base64 payload of a received media message.
func (c *Client) DownloadMedia(ctx context.Context, key MessageKey) (string, error) {
	payload := map[string]any{
		"message": map[string]any{"key": key},
	}
	body, err := c.post(ctx, "downloadMedia", "/chat/getBase64FromMediaMessage/", payload, mediaTimeout)
	if err != nil {
		return "", err
	}
	var resp struct {
		Base64 string `json:"base64"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("gateway: decode media payload: %w", err)
	}
	if resp.Base64 == "" {
		return "", fmt.Errorf("gateway: media payload empty for message %s", key.ID)
	}
	return resp.Base64, nil
}

// ConnectionState queries the gateway's link state ("open", "close", ...).
func (c *Client) ConnectionState(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, messagingTimeout)
	defer cancel()

	url := c.baseURL + "/instance/connectionState/" + c.instance
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("gateway: creating request: %w", err)
	}
	req.Header.Set("apikey", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("gateway: connectionState request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("gateway: reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &TransportError{Op: "connectionState", Status: resp.StatusCode, Body: truncate(string(body), 300)}
	}

	var state struct {
		Instance struct {
			State string `json:"state"`
		} `json:"instance"`
	}
	if err := json.Unmarshal(body, &state); err != nil {
		return "", fmt.Errorf("gateway: decode connection state: %w", err)
	}
	return state.Instance.State, nil
}

// post sends one JSON request to {path}{instance} and returns the raw body.
func (c *Client) post(ctx context.Context, op, path string, payload any, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("gateway: marshal %s request: %w", op, err)
	}

	url := c.baseURL + path + c.instance
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("gateway: creating %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway: %s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gateway: reading %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Error("gateway call failed",
			"op", op,
			"status", resp.StatusCode,
			"body", truncate(string(respBody), 300),
		)
		return nil, &TransportError{Op: op, Status: resp.StatusCode, Body: truncate(string(respBody), 300)}
	}

	c.logger.Debug("gateway call done",
		"op", op,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return respBody, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
