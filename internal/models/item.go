package models

import (
	"strings"
	"time"
)

// Item is a single wall post fetched from a community.
type Item struct {
	ID           int64        `json:"id"`
	OwnerID      int64        `json:"owner_id"`
	OriginID     int64        `json:"origin_id,omitempty"`      // owner of the reposted item, if any
	OriginItemID int64        `json:"origin_item_id,omitempty"` // id of the reposted item, if any
	Timestamp    int64        `json:"date"`                     // unix seconds, assigned upstream
	Body         string       `json:"text"`
	Attachments  []Attachment `json:"attachments,omitempty"`
	Pinned       bool         `json:"is_pinned,omitempty"`
	URL          string       `json:"url,omitempty"`
}

// PostedAt returns the item timestamp as a time.Time.
func (i Item) PostedAt() time.Time {
	return time.Unix(i.Timestamp, 0).UTC()
}

// HasOrigin reports whether the item is a repost with a known origin.
func (i Item) HasOrigin() bool {
	return i.OriginID != 0 && i.OriginItemID != 0
}

// HasText reports whether the body contains anything besides whitespace.
func (i Item) HasText() bool {
	return strings.TrimSpace(i.Body) != ""
}

// Attachment is a media or link element of an item.
type Attachment struct {
	Kind       ContentKind `json:"type"`
	URL        string      `json:"url"`
	Title      string      `json:"title,omitempty"`
	Engagement *Engagement `json:"engagement,omitempty"`
}

// Engagement holds optional counters reported for an attachment.
type Engagement struct {
	Views   int `json:"views,omitempty"`
	Likes   int `json:"likes,omitempty"`
	Reposts int `json:"reposts,omitempty"`
}
