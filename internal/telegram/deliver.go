package telegram

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/commrelay/commrelay/internal/ingestion"
	"github.com/commrelay/commrelay/internal/models"
)

const (
	messageLimit = 4096
	captionLimit = 1024
	maxAlbumSize = 10
)

// ErrNothingSent is returned when no allowed part of an item produced a message.
var ErrNothingSent = errors.New("nothing to send")

var directVideoExts = map[string]bool{".mp4": true, ".mov": true, ".mkv": true}

// Deliver sends item to the channel: its text first, then each allowed attachment in order.
// Consecutive photos are grouped into albums. The first failed send aborts the item.
func (c *Client) Deliver(ctx context.Context, item models.Item, allowed models.ContentKinds) error {
	sent := 0

	if allowed.Allows(models.KindText) && item.HasText() {
		chunks := splitText(item.Body, messageLimit)
		for i, chunk := range chunks {
			postURL := ""
			if i == len(chunks)-1 {
				postURL = item.URL
			}
			if err := c.SendMessage(ctx, chunk, postURL); err != nil {
				return fmt.Errorf("send text: %w", err)
			}
			sent++
		}
	}

	var photos []string
	flush := func() error {
		for len(photos) > 0 {
			n := min(len(photos), maxAlbumSize)
			batch := photos[:n]
			photos = photos[n:]

			var err error
			if len(batch) == 1 {
				err = c.SendPhoto(ctx, batch[0], "", item.URL)
			} else {
				err = c.SendMediaGroup(ctx, batch)
			}
			if err != nil {
				return fmt.Errorf("send photos: %w", err)
			}
			sent++
		}
		return nil
	}

	for _, a := range item.Attachments {
		if !allowed.Allows(a.Kind) {
			continue
		}
		if a.Kind == models.KindImage {
			if a.URL != "" {
				photos = append(photos, a.URL)
			}
			continue
		}
		if err := flush(); err != nil {
			return err
		}

		var err error
		switch a.Kind {
		case models.KindVideo:
			if isDirectVideo(a.URL) {
				err = c.SendVideo(ctx, a.URL, a.Title, item.URL)
			} else {
				err = c.SendMessage(ctx, linkText(orDefault(a.Title, "Video"), orDefault(a.URL, item.URL)), item.URL)
			}
		case models.KindAudio:
			if a.URL != "" {
				err = c.SendAudio(ctx, a.URL, a.Title, item.URL)
			} else {
				err = c.SendMessage(ctx, linkText(orDefault(a.Title, "Audio"), item.URL), item.URL)
			}
		case models.KindLink:
			if a.URL == "" {
				continue
			}
			err = c.SendMessage(ctx, linkText(a.Title, a.URL), item.URL)
		default:
			continue
		}
		if err != nil {
			return fmt.Errorf("send %s: %w", a.Kind, err)
		}
		sent++
	}

	if err := flush(); err != nil {
		return err
	}

	if sent == 0 {
		return fmt.Errorf("item %d: %w", item.ID, ErrNothingSent)
	}

	c.logger.Debug("item sent to channel", "item_id", item.ID, "messages", sent)
	return nil
}

var _ ingestion.Deliverer = (*Client)(nil)

func isDirectVideo(u string) bool {
	if u == "" {
		return false
	}
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	return directVideoExts[strings.ToLower(path.Ext(u))]
}

func linkText(title, u string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return u
	}
	return title + "\n" + u
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// splitText cuts text into chunks of at most limit runes, preferring line breaks.
func splitText(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var chunks []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i >= limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

// truncate shortens s to at most limit runes, ending with an ellipsis when cut.
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-1]) + "…"
}
