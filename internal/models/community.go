package models

import (
	"sort"
	"strings"
)

// Community is a configured upstream wall polled for new items.
type Community struct {
	Ref             string       `json:"id"`   // free-form reference, resolved lazily
	DisplayName     string       `json:"name"` // human readable label used in logs
	Active          bool         `json:"active"`
	AllowedKinds    ContentKinds `json:"content_types"`
	InitialLoad     int          `json:"initial_load"` // backlog cap on first contact
	BlockedKeywords []string     `json:"blocked_keywords,omitempty"`
}

// Label returns the display name, falling back to the raw reference.
func (c Community) Label() string {
	if strings.TrimSpace(c.DisplayName) != "" {
		return c.DisplayName
	}
	return c.Ref
}

// ContentKind categorizes a piece of deliverable content.
type ContentKind string

const (
	KindText  ContentKind = "text"
	KindImage ContentKind = "image"
	KindVideo ContentKind = "video"
	KindAudio ContentKind = "audio"
	KindLink  ContentKind = "link"
)

// AllKinds lists every supported content kind in display order.
var AllKinds = []ContentKind{KindText, KindImage, KindVideo, KindAudio, KindLink}

// Valid reports whether k is one of the supported kinds.
func (k ContentKind) Valid() bool {
	switch k {
	case KindText, KindImage, KindVideo, KindAudio, KindLink:
		return true
	}
	return false
}

// ContentKinds is a set of allowed content kinds.
type ContentKinds map[ContentKind]bool

// NewContentKinds builds a set from the given kinds.
func NewContentKinds(kinds ...ContentKind) ContentKinds {
	set := make(ContentKinds, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return set
}

// AllContentKinds returns a set with every kind enabled.
func AllContentKinds() ContentKinds {
	return NewContentKinds(AllKinds...)
}

// Allows reports whether kind k is in the set.
func (s ContentKinds) Allows(k ContentKind) bool {
	return s[k]
}

// List returns the enabled kinds sorted by name.
func (s ContentKinds) List() []ContentKind {
	out := make([]ContentKind, 0, len(s))
	for k, ok := range s {
		if ok {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
