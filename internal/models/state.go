package models

// HighWaterMark is the newest item already delivered (or baselined) for a community.
// Marks are ordered lexicographically on (Timestamp, ItemID).
type HighWaterMark struct {
	Timestamp int64 `json:"timestamp"`
	ItemID    int64 `json:"item_id"`
}

// MarkOf returns the mark an item would set.
func MarkOf(item Item) HighWaterMark {
	return HighWaterMark{Timestamp: item.Timestamp, ItemID: item.ID}
}

// Less reports whether m sorts strictly before o.
func (m HighWaterMark) Less(o HighWaterMark) bool {
	if m.Timestamp != o.Timestamp {
		return m.Timestamp < o.Timestamp
	}
	return m.ItemID < o.ItemID
}

// Covers reports whether item is at or before the mark.
func (m HighWaterMark) Covers(item Item) bool {
	if item.Timestamp != m.Timestamp {
		return item.Timestamp < m.Timestamp
	}
	return item.ID <= m.ItemID
}

// Digest is a delivered-item key kept for a bounded retention window.
type Digest struct {
	Key        string `json:"key"`
	Timestamp  int64  `json:"timestamp"`             // record time, unix seconds
	OccurredAt int64  `json:"occurred_at,omitempty"` // item time, unix seconds
}
