package ingestion

import (
	"time"

	"github.com/commrelay/commrelay/internal/models"
)

// Stage names the step of a source run that produced an error.
type Stage string

const (
	StageResolve Stage = "resolve"
	StageFetch   Stage = "fetch"
	StageDeliver Stage = "deliver"
	StagePersist Stage = "persist"
)

// Status is the overall result of one source run.
type Status string

const (
	StatusOK      Status = "ok"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Outcome is what happened to one candidate item.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeFiltered  Outcome = "filtered"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFailed    Outcome = "failed"
)

// ItemResult records the handling of a single candidate.
type ItemResult struct {
	ItemID    int64   `json:"item_id"`
	Timestamp int64   `json:"timestamp"`
	Key       string  `json:"key,omitempty"`
	Outcome   Outcome `json:"outcome"`
	Stage     Stage   `json:"stage,omitempty"`
	Reason    string  `json:"reason,omitempty"`
	Err       error   `json:"-"`
	Error     string  `json:"error,omitempty"`
}

// SourceResult records one community's run within a tick.
type SourceResult struct {
	Ref      string `json:"ref"`
	Name     string `json:"name"`
	SourceID int64  `json:"source_id,omitempty"`
	Status   Status `json:"status"`
	Stage    Stage  `json:"stage,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Err      error  `json:"-"`
	Error    string `json:"error,omitempty"`

	Initial    bool                  `json:"initial"`
	Fetched    int                   `json:"fetched"`
	Candidates int                   `json:"candidates"`
	Delivered  int                   `json:"delivered"`
	Blocked    int                   `json:"blocked"`
	Filtered   int                   `json:"filtered"`
	Duplicates int                   `json:"duplicates"`
	Failed     int                   `json:"failed"`
	Baseline   bool                  `json:"baseline,omitempty"`
	Mark       *models.HighWaterMark `json:"mark,omitempty"`

	Items    []ItemResult  `json:"items,omitempty"`
	Duration time.Duration `json:"duration"`
}

func (r *SourceResult) fail(stage Stage, err error) {
	r.Status = StatusFailed
	r.Stage = stage
	r.Err = err
	r.Error = err.Error()
}

func (r *SourceResult) add(item ItemResult) {
	if item.Err != nil {
		item.Error = item.Err.Error()
	}
	switch item.Outcome {
	case OutcomeDelivered:
		r.Delivered++
	case OutcomeBlocked:
		r.Blocked++
	case OutcomeFiltered:
		r.Filtered++
	case OutcomeDuplicate:
		r.Duplicates++
	case OutcomeFailed:
		r.Failed++
	}
	r.Items = append(r.Items, item)
}

// TickReport collects the results of one pass over all communities.
type TickReport struct {
	RunID      string         `json:"run_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Sources    []SourceResult `json:"sources"`
}

// Delivered returns the number of items delivered across all sources.
func (r TickReport) Delivered() int {
	n := 0
	for _, s := range r.Sources {
		n += s.Delivered
	}
	return n
}

// Failures returns the sources that ended in StatusFailed.
func (r TickReport) Failures() []SourceResult {
	var out []SourceResult
	for _, s := range r.Sources {
		if s.Status == StatusFailed {
			out = append(out, s)
		}
	}
	return out
}
