package vk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/commrelay/commrelay/internal/identity"
	"github.com/commrelay/commrelay/internal/ingestion"
	"github.com/commrelay/commrelay/internal/models"
)

const (
	// DefaultBaseURL is the VK API method endpoint.
	DefaultBaseURL = "https://api.vk.com/method"
	// DefaultAPIVersion is sent as the v parameter when none is configured.
	DefaultAPIVersion = "5.199"

	errCodeInternal        = 10
	errCodeTooManyRequests = 6
)

// APIError is an error object returned in a VK API response body.
type APIError struct {
	Method  string
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vk %s: error %d: %s", e.Method, e.Code, e.Message)
}

// Client talks to the VK API.
type Client struct {
	token      string
	version    string
	baseURL    string
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

// WithAPIVersion overrides DefaultAPIVersion.
func WithAPIVersion(v string) Option {
	return func(c *Client) {
		if v != "" {
			c.version = v
		}
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

// WithRetryPolicy replaces the default retry policy for rate limits and server errors.
func WithRetryPolicy(p ingestion.RetryPolicy) Option {
	return func(c *Client) {
		c.retry = p
	}
}

// NewClient creates a new VK API client.
func NewClient(token string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		token:   token,
		version: DefaultAPIVersion,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		retry:  ingestion.DefaultRetryPolicy(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type envelope struct {
	Response json.RawMessage `json:"response"`
	Error    *struct {
		Code    int    `json:"error_code"`
		Message string `json:"error_msg"`
	} `json:"error"`
}

type counter struct {
	Count int `json:"count"`
}

type wallResponse struct {
	Count int        `json:"count"`
	Items []wallPost `json:"items"`
}

type wallPost struct {
	ID          int64           `json:"id"`
	OwnerID     int64           `json:"owner_id"`
	Date        int64           `json:"date"`
	Text        string          `json:"text"`
	IsPinned    int             `json:"is_pinned"`
	Attachments []rawAttachment `json:"attachments"`
	CopyHistory []wallPost      `json:"copy_history"`
}

type rawAttachment struct {
	Type  string     `json:"type"`
	Photo *photoData `json:"photo"`
	Video *videoData `json:"video"`
	Audio *audioData `json:"audio"`
	Link  *linkData  `json:"link"`
}

type photoData struct {
	Sizes []struct {
		URL    string `json:"url"`
		Width  int    `json:"width"`
		Height int    `json:"height"`
	} `json:"sizes"`
}

type videoData struct {
	ID        int64    `json:"id"`
	OwnerID   int64    `json:"owner_id"`
	Title     string   `json:"title"`
	Player    string   `json:"player"`
	AccessKey string   `json:"access_key"`
	Views     int      `json:"views"`
	Likes     *counter `json:"likes"`
	Reposts   *counter `json:"reposts"`
}

type audioData struct {
	Artist string `json:"artist"`
	Title  string `json:"title"`
	URL    string `json:"url"`
}

type linkData struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// FetchItems calls wall.get and returns up to count posts starting at offset, newest first.
// The pinned post, if any, comes first regardless of its date.
func (c *Client) FetchItems(ctx context.Context, ownerID int64, count, offset int) ([]models.Item, error) {
	params := url.Values{}
	params.Set("owner_id", strconv.FormatInt(ownerID, 10))
	params.Set("count", strconv.Itoa(count))
	params.Set("offset", strconv.Itoa(offset))

	var resp wallResponse
	if err := c.call(ctx, "wall.get", params, &resp); err != nil {
		return nil, err
	}

	items := make([]models.Item, 0, len(resp.Items))
	for _, post := range resp.Items {
		items = append(items, convertPost(post))
	}

	c.logger.Debug("fetched wall page",
		"owner_id", ownerID,
		"offset", offset,
		"requested", count,
		"returned", len(items),
	)

	return items, nil
}

// ResolveAlias calls utils.resolveScreenName and returns the object type and id.
func (c *Client) ResolveAlias(ctx context.Context, name string) (string, int64, error) {
	params := url.Values{}
	params.Set("screen_name", name)

	var raw json.RawMessage
	if err := c.call(ctx, "utils.resolveScreenName", params, &raw); err != nil {
		return "", 0, err
	}

	// unknown names resolve to an empty array
	if trimmed := bytes.TrimSpace(raw); len(trimmed) == 0 || trimmed[0] != '{' {
		return "", 0, fmt.Errorf("vk screen name %q not found", name)
	}

	var resolved struct {
		Type     string `json:"type"`
		ObjectID int64  `json:"object_id"`
	}
	if err := json.Unmarshal(raw, &resolved); err != nil {
		return "", 0, fmt.Errorf("failed to parse resolveScreenName response: %w", err)
	}
	if resolved.Type == "" || resolved.ObjectID == 0 {
		return "", 0, fmt.Errorf("vk screen name %q not resolved", name)
	}

	return resolved.Type, resolved.ObjectID, nil
}

func (c *Client) call(ctx context.Context, method string, params url.Values, out any) error {
	params.Set("access_token", c.token)
	params.Set("v", c.version)
	endpoint := c.baseURL + "/" + method

	return ingestion.Retry(ctx, c.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return ingestion.NewRetryableError(fmt.Errorf("vk %s: %w", method, err))
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return ingestion.NewRetryableError(fmt.Errorf("vk %s returned status %d", method, resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("vk %s returned status %d: %s", method, resp.StatusCode, string(body))
		}

		var env envelope
		if err := json.Unmarshal(body, &env); err != nil {
			return fmt.Errorf("failed to parse %s response: %w", method, err)
		}
		if env.Error != nil {
			apiErr := &APIError{Method: method, Code: env.Error.Code, Message: env.Error.Message}
			if apiErr.Code == errCodeTooManyRequests || apiErr.Code == errCodeInternal {
				return ingestion.NewRetryableError(apiErr)
			}
			return apiErr
		}
		if len(env.Response) == 0 {
			return fmt.Errorf("vk %s: empty response", method)
		}

		if err := json.Unmarshal(env.Response, out); err != nil {
			return fmt.Errorf("failed to parse %s response: %w", method, err)
		}
		return nil
	})
}

func convertPost(post wallPost) models.Item {
	item := models.Item{
		ID:          post.ID,
		OwnerID:     post.OwnerID,
		Timestamp:   post.Date,
		Body:        post.Text,
		Attachments: convertAttachments(post.Attachments),
		Pinned:      post.IsPinned == 1,
		URL:         PostURL(post.OwnerID, post.ID),
	}

	if len(post.CopyHistory) > 0 {
		origin := post.CopyHistory[0]
		item.OriginID = origin.OwnerID
		item.OriginItemID = origin.ID
		if strings.TrimSpace(item.Body) == "" {
			item.Body = origin.Text
		}
		if len(item.Attachments) == 0 {
			item.Attachments = convertAttachments(origin.Attachments)
		}
	}

	return item
}

func convertAttachments(raw []rawAttachment) []models.Attachment {
	var out []models.Attachment
	for _, a := range raw {
		switch a.Type {
		case "photo":
			if a.Photo == nil || len(a.Photo.Sizes) == 0 {
				continue
			}
			best := a.Photo.Sizes[0]
			for _, s := range a.Photo.Sizes[1:] {
				if s.Width*s.Height > best.Width*best.Height {
					best = s
				}
			}
			if best.URL == "" {
				continue
			}
			out = append(out, models.Attachment{Kind: models.KindImage, URL: best.URL})

		case "video":
			if a.Video == nil {
				continue
			}
			v := a.Video
			link := v.Player
			if link == "" && v.OwnerID != 0 && v.ID != 0 {
				link = fmt.Sprintf("https://vk.com/video%d_%d", v.OwnerID, v.ID)
				if v.AccessKey != "" {
					link += "?access_key=" + url.QueryEscape(v.AccessKey)
				}
			}
			attachment := models.Attachment{Kind: models.KindVideo, URL: link, Title: v.Title}
			if v.Views > 0 || v.Likes != nil || v.Reposts != nil {
				attachment.Engagement = &models.Engagement{Views: v.Views}
				if v.Likes != nil {
					attachment.Engagement.Likes = v.Likes.Count
				}
				if v.Reposts != nil {
					attachment.Engagement.Reposts = v.Reposts.Count
				}
			}
			out = append(out, attachment)

		case "audio":
			if a.Audio == nil {
				continue
			}
			title := strings.Trim(a.Audio.Artist+" - "+a.Audio.Title, " -")
			out = append(out, models.Attachment{Kind: models.KindAudio, URL: a.Audio.URL, Title: title})

		case "link":
			if a.Link == nil {
				continue
			}
			out = append(out, models.Attachment{Kind: models.KindLink, URL: a.Link.URL, Title: a.Link.Title})
		}
	}
	return out
}

// PostURL returns the public permalink of a wall post.
func PostURL(ownerID, postID int64) string {
	return fmt.Sprintf("https://vk.com/wall%d_%d", ownerID, postID)
}

var (
	_ ingestion.Fetcher      = (*Client)(nil)
	_ identity.AliasResolver = (*Client)(nil)
)
