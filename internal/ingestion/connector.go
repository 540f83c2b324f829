package ingestion

import (
	"context"
	"time"

	"github.com/commrelay/commrelay/internal/models"
)

// Fetcher pages through a community wall.
type Fetcher interface {
	// FetchItems returns up to count items starting at offset, newest first.
	// A short page means the wall is exhausted.
	FetchItems(ctx context.Context, sourceID int64, count, offset int) ([]models.Item, error)
}

// Deliverer forwards a single item to the output channel.
type Deliverer interface {
	// Deliver sends the parts of item whose kinds are allowed. A nil error means the
	// item reached the channel and must not be sent again.
	Deliver(ctx context.Context, item models.Item, allowed models.ContentKinds) error
}

// IdentityResolver turns a configured community reference into a signed numeric id.
type IdentityResolver interface {
	Resolve(ctx context.Context, ref string) (int64, error)
}

// StateStore is the persisted delivery state shared by all communities.
type StateStore interface {
	IsDuplicate(key string) bool
	Record(ctx context.Context, key string, occurredAt int64) error
	HighWaterMark(sourceID string) (models.HighWaterMark, bool)
	SetHighWaterMark(ctx context.Context, sourceID string, mark models.HighWaterMark) (bool, error)
}

// Recorder receives pipeline measurements. Implementations must be safe for concurrent use.
type Recorder interface {
	ObserveTick(duration time.Duration)
	ObserveSource(source, status, stage string)
	ObserveItem(source, outcome string)
	PersistFailed(source string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveTick(time.Duration)          {}
func (nopRecorder) ObserveSource(string, string, string) {}
func (nopRecorder) ObserveItem(string, string)         {}
func (nopRecorder) PersistFailed(string)               {}
