package panel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/breeze-rmm/rdpwatch/internal/httputil"
	"github.com/breeze-rmm/rdpwatch/internal/secmem"
)

// ErrMessageMissing is returned when the panel message no longer exists in
// the channel (deleted by someone, or the channel changed).
var ErrMessageMissing = errors.New("panel: message missing")

// MessageClient is the chat boundary the panel publishes through.
type MessageClient interface {
	CreateMessage(ctx context.Context, channelID string, payload Payload) (string, error)
	EditMessage(ctx context.Context, channelID, messageID string, payload Payload) error
	GetMessage(ctx context.Context, channelID, messageID string) error
	DeleteMessage(ctx context.Context, channelID, messageID string) error
}

// DiscordClient talks to the Discord REST API with a bot token.
type DiscordClient struct {
	baseURL string
	token   *secmem.SecureString
	client  *http.Client
	retry   httputil.RetryConfig
}

func NewDiscordClient(baseURL string, token *secmem.SecureString, timeout time.Duration) *DiscordClient {
	return &DiscordClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
		retry:   httputil.DefaultRetryConfig(),
	}
}

type messageResponse struct {
	ID string `json:"id"`
}

// APIError is a non-success response from Discord.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("discord %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

func (c *DiscordClient) CreateMessage(ctx context.Context, channelID string, payload Payload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode panel: %w", err)
	}
	var out messageResponse
	if err := c.do(ctx, http.MethodPost, "/channels/"+channelID+"/messages", body, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("discord create message: response has no id")
	}
	return out.ID, nil
}

func (c *DiscordClient) EditMessage(ctx context.Context, channelID, messageID string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode panel: %w", err)
	}
	return c.do(ctx, http.MethodPatch, "/channels/"+channelID+"/messages/"+messageID, body, nil)
}

func (c *DiscordClient) GetMessage(ctx context.Context, channelID, messageID string) error {
	return c.do(ctx, http.MethodGet, "/channels/"+channelID+"/messages/"+messageID, nil, nil)
}

func (c *DiscordClient) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/channels/"+channelID+"/messages/"+messageID, nil, nil)
}

func (c *DiscordClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	headers := http.Header{}
	headers.Set("Authorization", c.token.Header("Bot"))
	headers.Set("User-Agent", "DiscordBot (https://github.com/breeze-rmm/rdpwatch, 1)")
	if body != nil {
		headers.Set("Content-Type", "application/json")
	}

	resp, err := httputil.Do(ctx, c.client, method, c.baseURL+path, body, headers, c.retry)
	if err != nil {
		return fmt.Errorf("discord %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: %s %s", ErrMessageMissing, method, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	if out == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("discord %s %s: decode: %w", method, path, err)
	}
	return nil
}
