package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commrelay/commrelay/internal/ingestion"
	"github.com/commrelay/commrelay/internal/models"
)

type sentRequest struct {
	Method string
	Body   map[string]any
}

type botServer struct {
	mu       sync.Mutex
	requests []sentRequest
	respond  func(method string, n int) (int, string)
}

func (s *botServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.URL.Path, "/botTOKEN/"), "unexpected path %s", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		method := path.Base(r.URL.Path)
		s.mu.Lock()
		s.requests = append(s.requests, sentRequest{Method: method, Body: body})
		n := len(s.requests)
		s.mu.Unlock()

		status, payload := http.StatusOK, `{"ok": true, "result": {}}`
		if s.respond != nil {
			status, payload = s.respond(method, n)
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, payload)
	}
}

func (s *botServer) methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.requests))
	for i, r := range s.requests {
		out[i] = r.Method
	}
	return out
}

func newTestClient(t *testing.T, server *botServer) *Client {
	t.Helper()
	ts := httptest.NewServer(server.handler(t))
	t.Cleanup(ts.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient("TOKEN", "@channel", logger,
		WithBaseURL(ts.URL),
		WithButtonText("Open"),
		WithRetryPolicy(ingestion.RetryPolicy{
			MaxRetries:     2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			BackoffFactor:  2,
		}),
	)
}

func TestDeliver_MixedItem(t *testing.T) {
	server := &botServer{}
	client := newTestClient(t, server)

	item := models.Item{
		ID:   42,
		Body: "hello world",
		URL:  "https://vk.com/wall-1_42",
		Attachments: []models.Attachment{
			{Kind: models.KindImage, URL: "https://img/1.jpg"},
			{Kind: models.KindImage, URL: "https://img/2.jpg"},
			{Kind: models.KindLink, URL: "https://example.com", Title: "Example"},
			{Kind: models.KindImage, URL: "https://img/3.jpg"},
			{Kind: models.KindVideo, URL: "https://cdn/clip.MP4?sig=1", Title: "clip"},
			{Kind: models.KindVideo, URL: "https://vk.com/video-1_7", Title: ""},
			{Kind: models.KindAudio, URL: "", Title: "Band - Song"},
			{Kind: models.KindAudio, URL: "https://audio/1.mp3", Title: "Band - Other"},
		},
	}

	require.NoError(t, client.Deliver(context.Background(), item, models.AllContentKinds()))

	assert.Equal(t, []string{
		"sendMessage",    // body
		"sendMediaGroup", // photos 1 and 2
		"sendMessage",    // link
		"sendPhoto",      // photo 3
		"sendVideo",
		"sendMessage", // vk video page
		"sendMessage", // audio without file
		"sendAudio",
	}, server.methods())

	reqs := server.requests
	assert.Equal(t, "@channel", reqs[0].Body["chat_id"])
	assert.Equal(t, "hello world", reqs[0].Body["text"])
	markup := reqs[0].Body["reply_markup"].(map[string]any)
	button := markup["inline_keyboard"].([]any)[0].([]any)[0].(map[string]any)
	assert.Equal(t, "Open", button["text"])
	assert.Equal(t, "https://vk.com/wall-1_42", button["url"])

	media := reqs[1].Body["media"].([]any)
	require.Len(t, media, 2)
	assert.Equal(t, "https://img/1.jpg", media[0].(map[string]any)["media"])
	assert.NotContains(t, reqs[1].Body, "reply_markup")

	assert.Equal(t, "Example\nhttps://example.com", reqs[2].Body["text"])
	assert.Equal(t, "https://img/3.jpg", reqs[3].Body["photo"])
	assert.NotContains(t, reqs[3].Body, "caption")
	assert.Equal(t, "clip", reqs[4].Body["caption"])
	assert.Equal(t, "Video\nhttps://vk.com/video-1_7", reqs[5].Body["text"])
	assert.Equal(t, "Band - Song\nhttps://vk.com/wall-1_42", reqs[6].Body["text"])
	assert.Equal(t, "https://audio/1.mp3", reqs[7].Body["audio"])
}

func TestDeliver_RespectsAllowedKinds(t *testing.T) {
	server := &botServer{}
	client := newTestClient(t, server)

	item := models.Item{
		ID:   1,
		Body: "caption text",
		Attachments: []models.Attachment{
			{Kind: models.KindImage, URL: "https://img/1.jpg"},
			{Kind: models.KindLink, URL: "https://example.com"},
		},
	}

	require.NoError(t, client.Deliver(context.Background(), item, models.NewContentKinds(models.KindImage)))
	assert.Equal(t, []string{"sendPhoto"}, server.methods())
	// no permalink, no button
	assert.NotContains(t, server.requests[0].Body, "reply_markup")
}

func TestDeliver_NothingSendableIsAnError(t *testing.T) {
	server := &botServer{}
	client := newTestClient(t, server)

	item := models.Item{
		ID: 7,
		Attachments: []models.Attachment{
			{Kind: models.KindImage, URL: ""},
			{Kind: models.KindLink, URL: ""},
		},
	}

	err := client.Deliver(context.Background(), item, models.NewContentKinds(models.KindImage, models.KindLink))
	require.ErrorIs(t, err, ErrNothingSent)
	assert.Empty(t, server.methods())
}

func TestDeliver_LongTextAndLargeAlbum(t *testing.T) {
	server := &botServer{}
	client := newTestClient(t, server)

	item := models.Item{
		ID:   2,
		Body: strings.Repeat("я", messageLimit+100),
		URL:  "https://vk.com/wall-1_2",
	}
	for i := 0; i < 11; i++ {
		item.Attachments = append(item.Attachments, models.Attachment{Kind: models.KindImage, URL: "https://img/x.jpg"})
	}

	require.NoError(t, client.Deliver(context.Background(), item, models.AllContentKinds()))
	assert.Equal(t, []string{"sendMessage", "sendMessage", "sendMediaGroup", "sendPhoto"}, server.methods())

	first := server.requests[0].Body
	assert.Equal(t, messageLimit, utf8.RuneCountInString(first["text"].(string)))
	assert.NotContains(t, first, "reply_markup")
	assert.Contains(t, server.requests[1].Body, "reply_markup")
	assert.Len(t, server.requests[2].Body["media"], 10)
}

func TestDeliver_RateLimitUsesRetryAfter(t *testing.T) {
	server := &botServer{respond: func(method string, n int) (int, string) {
		if n == 1 {
			return http.StatusTooManyRequests, `{"ok": false, "error_code": 429, "description": "Too Many Requests: retry after 1", "parameters": {"retry_after": 1}}`
		}
		return http.StatusOK, `{"ok": true}`
	}}
	client := newTestClient(t, server)

	start := time.Now()
	require.NoError(t, client.Deliver(context.Background(), models.Item{ID: 3, Body: "hi"}, models.AllContentKinds()))
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
	assert.Equal(t, []string{"sendMessage", "sendMessage"}, server.methods())
}

func TestDeliver_ClientErrorStopsItem(t *testing.T) {
	server := &botServer{respond: func(method string, n int) (int, string) {
		return http.StatusBadRequest, `{"ok": false, "error_code": 400, "description": "Bad Request: chat not found"}`
	}}
	client := newTestClient(t, server)

	item := models.Item{
		ID:          4,
		Body:        "hi",
		Attachments: []models.Attachment{{Kind: models.KindImage, URL: "https://img/1.jpg"}},
	}
	err := client.Deliver(context.Background(), item, models.AllContentKinds())
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 400, apiErr.Code)
	assert.Equal(t, []string{"sendMessage"}, server.methods())
	assert.NotContains(t, err.Error(), "TOKEN")
}

func TestDeliver_ServerErrorRetried(t *testing.T) {
	server := &botServer{respond: func(method string, n int) (int, string) {
		if n < 3 {
			return http.StatusBadGateway, `<html>bad gateway</html>`
		}
		return http.StatusOK, `{"ok": true}`
	}}
	client := newTestClient(t, server)

	require.NoError(t, client.Deliver(context.Background(), models.Item{ID: 5, Body: "hi"}, models.AllContentKinds()))
	assert.Len(t, server.methods(), 3)
}

func TestSendMediaGroupBounds(t *testing.T) {
	client := newTestClient(t, &botServer{})
	assert.Error(t, client.SendMediaGroup(context.Background(), []string{"a"}))
	assert.Error(t, client.SendMediaGroup(context.Background(), make([]string, 11)))
}

func TestSplitText(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitText("short", 10))

	text := "aaaa\nbbbb\ncccc"
	chunks := splitText(text, 8)
	assert.Equal(t, []string{"aaaa\n", "bbbb\n", "cccc"}, chunks)
	assert.Equal(t, text, strings.Join(chunks, ""))

	long := strings.Repeat("ж", 25)
	chunks = splitText(long, 10)
	require.Len(t, chunks, 3)
	assert.Equal(t, long, strings.Join(chunks, ""))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
	assert.Equal(t, 1024, utf8.RuneCountInString(truncate(strings.Repeat("ю", 2000), captionLimit)))
}

func TestIsDirectVideo(t *testing.T) {
	assert.True(t, isDirectVideo("https://cdn/a.mp4"))
	assert.True(t, isDirectVideo("https://cdn/a.MOV?x=1"))
	assert.True(t, isDirectVideo("https://cdn/a.mkv#t=3"))
	assert.False(t, isDirectVideo("https://vk.com/video-1_2"))
	assert.False(t, isDirectVideo(""))
}
