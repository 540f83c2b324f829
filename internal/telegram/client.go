package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/commrelay/commrelay/internal/ingestion"
)

// DefaultBaseURL is the Bot API endpoint.
const DefaultBaseURL = "https://api.telegram.org"

// APIError is an unsuccessful Bot API response.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: error %d: %s", e.Method, e.Code, e.Description)
}

// Client sends messages to a single channel through the Bot API.
type Client struct {
	token      string
	channelID  string
	baseURL    string
	buttonText string
	httpClient *http.Client
	retry      ingestion.RetryPolicy
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another endpoint.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p ingestion.RetryPolicy) Option {
	return func(c *Client) {
		c.retry = p
	}
}

// WithButtonText sets the label of the button linking back to the original post.
func WithButtonText(text string) Option {
	return func(c *Client) {
		if text != "" {
			c.buttonText = text
		}
	}
}

// NewClient creates a new Bot API client posting to channelID.
func NewClient(token, channelID string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		token:      token,
		channelID:  channelID,
		baseURL:    DefaultBaseURL,
		buttonText: "Open post in VK",
		httpClient: &http.Client{
			Timeout: 20 * time.Second,
		},
		retry:  ingestion.DefaultRetryPolicy(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

type inlineButton struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

type replyMarkup struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

type inputMedia struct {
	Type    string `json:"type"`
	Media   string `json:"media"`
	Caption string `json:"caption,omitempty"`
}

func (c *Client) keyboard(postURL string) *replyMarkup {
	if postURL == "" {
		return nil
	}
	return &replyMarkup{InlineKeyboard: [][]inlineButton{{{Text: c.buttonText, URL: postURL}}}}
}

// SendMessage posts a text message.
func (c *Client) SendMessage(ctx context.Context, text, postURL string) error {
	return c.call(ctx, "sendMessage", map[string]any{
		"chat_id":      c.channelID,
		"text":         text,
		"reply_markup": c.keyboard(postURL),
	})
}

// SendPhoto posts a single photo by URL.
func (c *Client) SendPhoto(ctx context.Context, photoURL, caption, postURL string) error {
	return c.call(ctx, "sendPhoto", map[string]any{
		"chat_id":      c.channelID,
		"photo":        photoURL,
		"caption":      truncate(caption, captionLimit),
		"reply_markup": c.keyboard(postURL),
	})
}

// SendMediaGroup posts 2 to 10 photos as an album. Albums cannot carry buttons.
func (c *Client) SendMediaGroup(ctx context.Context, photoURLs []string) error {
	if len(photoURLs) < 2 || len(photoURLs) > maxAlbumSize {
		return fmt.Errorf("media group needs 2..%d photos, got %d", maxAlbumSize, len(photoURLs))
	}
	media := make([]inputMedia, len(photoURLs))
	for i, u := range photoURLs {
		media[i] = inputMedia{Type: "photo", Media: u}
	}
	return c.call(ctx, "sendMediaGroup", map[string]any{
		"chat_id": c.channelID,
		"media":   media,
	})
}

// SendVideo posts a video file by URL.
func (c *Client) SendVideo(ctx context.Context, videoURL, caption, postURL string) error {
	return c.call(ctx, "sendVideo", map[string]any{
		"chat_id":      c.channelID,
		"video":        videoURL,
		"caption":      truncate(caption, captionLimit),
		"reply_markup": c.keyboard(postURL),
	})
}

// SendAudio posts an audio file by URL.
func (c *Client) SendAudio(ctx context.Context, audioURL, caption, postURL string) error {
	return c.call(ctx, "sendAudio", map[string]any{
		"chat_id":      c.channelID,
		"audio":        audioURL,
		"caption":      truncate(caption, captionLimit),
		"reply_markup": c.keyboard(postURL),
	})
}

func (c *Client) call(ctx context.Context, method string, payload map[string]any) error {
	for k, v := range payload {
		switch val := v.(type) {
		case string:
			if val == "" {
				delete(payload, k)
			}
		case *replyMarkup:
			if val == nil {
				delete(payload, k)
			}
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", method, err)
	}
	endpoint := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)

	return ingestion.Retry(ctx, c.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			// the token is part of the URL; keep it out of logs and errors
			var urlErr *url.Error
			if errors.As(err, &urlErr) {
				err = urlErr.Err
			}
			return ingestion.NewRetryableError(fmt.Errorf("telegram %s: %w", method, err))
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}

		var parsed apiResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			if resp.StatusCode >= 500 {
				return ingestion.NewRetryableError(fmt.Errorf("telegram %s returned status %d", method, resp.StatusCode))
			}
			return fmt.Errorf("failed to parse %s response: %w", method, err)
		}
		if parsed.OK && resp.StatusCode == http.StatusOK {
			return nil
		}

		apiErr := &APIError{Method: method, Code: parsed.ErrorCode, Description: parsed.Description}
		if apiErr.Code == 0 {
			apiErr.Code = resp.StatusCode
		}
		if parsed.Parameters != nil && parsed.Parameters.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(parsed.Parameters.RetryAfter) * time.Second
		}

		switch {
		case apiErr.Code == http.StatusTooManyRequests:
			c.logger.Warn("telegram rate limit hit", "method", method, "retry_after", apiErr.RetryAfter)
			return ingestion.NewRetryableErrorWithDelay(apiErr, apiErr.RetryAfter)
		case apiErr.Code >= 500:
			return ingestion.NewRetryableError(apiErr)
		default:
			return apiErr
		}
	})
}
