package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/commrelay/commrelay/internal/models"
)

var (
	// ErrFetch marks a failure of the upstream fetch collaborator.
	ErrFetch = errors.New("fetch failed")
	// ErrDeliver marks a failure of the delivery collaborator.
	ErrDeliver = errors.New("delivery failed")
	// ErrPersist marks a failure to write delivery state.
	ErrPersist = errors.New("persist failed")
)

// maxBatchSize is the largest page requested from the fetcher.
const maxBatchSize = 10

// Config holds configuration for the ingestion pipeline.
type Config struct {
	MaxPerPoll      int      // per-tick delivery cap for warm sources
	Concurrency     int      // communities processed in parallel
	BlockedKeywords []string // applied to every community
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxPerPoll:  10,
		Concurrency: 1,
	}
}

// Pipeline moves new items from community walls to the delivery channel exactly in
// publication order, at most once per delivery key.
type Pipeline struct {
	fetcher   Fetcher
	deliverer Deliverer
	resolver  IdentityResolver
	store     StateStore
	recorder  Recorder
	logger    *slog.Logger
	config    Config
	locks     *keyedMutex
	now       func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) {
		if r != nil {
			p.recorder = r
		}
	}
}

// NewPipeline creates a new ingestion pipeline.
func NewPipeline(
	fetcher Fetcher,
	deliverer Deliverer,
	resolver IdentityResolver,
	store StateStore,
	logger *slog.Logger,
	config Config,
	opts ...Option,
) *Pipeline {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if config.MaxPerPoll <= 0 {
		config.MaxPerPoll = DefaultConfig().MaxPerPoll
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}

	p := &Pipeline{
		fetcher:   fetcher,
		deliverer: deliverer,
		resolver:  resolver,
		store:     store,
		recorder:  nopRecorder{},
		logger:    logger,
		config:    config,
		locks:     newKeyedMutex(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run processes every community once. Communities are independent: a failure in one is
// reported in its SourceResult and never stops the others. Callers must not run
// overlapping ticks.
func (p *Pipeline) Run(ctx context.Context, communities []models.Community) TickReport {
	report := TickReport{
		RunID:     uuid.NewString(),
		StartedAt: p.now(),
		Sources:   make([]SourceResult, len(communities)),
	}
	logger := p.logger.With("run_id", report.RunID)

	logger.Info("starting tick", "communities", len(communities), "concurrency", p.config.Concurrency)

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, p.config.Concurrency)

	for i, community := range communities {
		wg.Add(1)

		go func(i int, community models.Community) {
			defer wg.Done()

			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			start := p.now()
			result := p.processSource(ctx, logger, community)
			result.Duration = p.now().Sub(start)
			report.Sources[i] = result

			p.recorder.ObserveSource(result.Name, string(result.Status), string(result.Stage))
		}(i, community)
	}

	wg.Wait()

	report.FinishedAt = p.now()
	duration := report.FinishedAt.Sub(report.StartedAt)
	p.recorder.ObserveTick(duration)

	logger.Info("tick completed",
		"delivered", report.Delivered(),
		"failed_sources", len(report.Failures()),
		"duration", duration,
	)

	return report
}

// processSource runs one community: resolve, fetch back to the mark, filter, deliver
// oldest first and advance the mark.
func (p *Pipeline) processSource(ctx context.Context, logger *slog.Logger, community models.Community) SourceResult {
	result := SourceResult{
		Ref:    community.Ref,
		Name:   community.Label(),
		Status: StatusOK,
	}
	logger = logger.With("source", result.Name)

	if !community.Active {
		result.Status = StatusSkipped
		result.Reason = "inactive"
		logger.Debug("skipping inactive community")
		return result
	}

	if err := ctx.Err(); err != nil {
		result.Status = StatusSkipped
		result.Reason = "cancelled"
		return result
	}

	id, err := p.resolver.Resolve(ctx, community.Ref)
	if err != nil {
		result.Status = StatusSkipped
		result.Stage = StageResolve
		result.Reason = "unresolvable reference"
		result.Err = err
		result.Error = err.Error()
		logger.Warn("cannot resolve community, skipping", "ref", community.Ref, "error", err)
		return result
	}
	result.SourceID = id
	sourceID := strconv.FormatInt(id, 10)
	logger = logger.With("source_id", id)

	mark, warm := p.store.HighWaterMark(sourceID)
	result.Initial = !warm

	target := p.config.MaxPerPoll
	if !warm {
		target = max(community.InitialLoad, 1)
	}

	fetched, err := p.fetchBacklog(ctx, id, mark, warm, target)
	result.Fetched = len(fetched)
	if err != nil {
		result.fail(StageFetch, err)
		logger.Error("fetch failed, mark untouched", "error", err)
		return result
	}

	candidates := selectCandidates(fetched, mark, warm, community.InitialLoad, p.config.MaxPerPoll)
	result.Candidates = len(candidates)

	logger.Info("fetched community",
		"initial", !warm,
		"fetched", len(fetched),
		"candidates", len(candidates),
	)

	matcher := NewKeywordMatcher(p.config.BlockedKeywords, community.BlockedKeywords)

	// The mark follows every delivered or already delivered item. A failed item
	// stays above the mark only while nothing newer succeeds.
	for _, item := range candidates {
		if ctx.Err() != nil {
			result.Reason = "cancelled"
			break
		}

		itemResult := p.processItem(ctx, logger, community, id, item, matcher)
		result.add(itemResult)
		p.recorder.ObserveItem(result.Name, string(itemResult.Outcome))

		switch itemResult.Outcome {
		case OutcomeDelivered, OutcomeDuplicate:
		default:
			continue
		}

		if itemResult.Stage == StagePersist {
			p.recorder.PersistFailed(result.Name)
		}
		if err := p.advance(ctx, sourceID, models.MarkOf(item), &result); err != nil {
			p.recorder.PersistFailed(result.Name)
			logger.Error("failed to persist mark", "item_id", item.ID, "error", err)
		}
	}

	if !warm && result.Mark == nil && len(fetched) > 0 && result.Delivered == 0 {
		baseline := newestMark(fetched)
		if err := p.advance(ctx, sourceID, baseline, &result); err != nil {
			p.recorder.PersistFailed(result.Name)
			logger.Error("failed to persist baseline mark", "error", err)
		} else {
			result.Baseline = true
			logger.Info("baseline established", "timestamp", baseline.Timestamp, "item_id", baseline.ItemID)
		}
	}

	return result
}

func (p *Pipeline) processItem(
	ctx context.Context,
	logger *slog.Logger,
	community models.Community,
	sourceID int64,
	item models.Item,
	matcher *KeywordMatcher,
) ItemResult {
	res := ItemResult{ItemID: item.ID, Timestamp: item.Timestamp}
	logger = logger.With("item_id", item.ID)

	if kw, blocked := matcher.Match(item); blocked {
		res.Outcome = OutcomeBlocked
		res.Reason = kw
		logger.Info("item blocked by keyword", "keyword", kw)
		return res
	}

	if !Eligible(item, community.AllowedKinds) {
		res.Outcome = OutcomeFiltered
		res.Reason = "no allowed content"
		logger.Debug("item has no allowed content")
		return res
	}

	res.Key = DeliveryKey(sourceID, item)
	logger = logger.With("key", res.Key)

	unlock := p.locks.Lock(res.Key)
	defer unlock()

	if p.store.IsDuplicate(res.Key) {
		res.Outcome = OutcomeDuplicate
		logger.Info("item already delivered")
		return res
	}

	// An issued delivery is waited for even when the tick is being shut down.
	if err := p.deliverer.Deliver(context.WithoutCancel(ctx), item, community.AllowedKinds); err != nil {
		res.Outcome = OutcomeFailed
		res.Stage = StageDeliver
		res.Err = fmt.Errorf("%w: %w", ErrDeliver, err)
		logger.Error("delivery failed", "error", err)
		return res
	}

	res.Outcome = OutcomeDelivered
	if err := p.store.Record(context.WithoutCancel(ctx), res.Key, item.Timestamp); err != nil {
		res.Stage = StagePersist
		res.Err = fmt.Errorf("%w: %w", ErrPersist, err)
		logger.Error("delivered but failed to persist digest", "error", err)
		return res
	}

	logger.Info("item delivered")
	return res
}

func (p *Pipeline) advance(ctx context.Context, sourceID string, mark models.HighWaterMark, result *SourceResult) error {
	moved, err := p.store.SetHighWaterMark(context.WithoutCancel(ctx), sourceID, mark)
	if moved {
		m := mark
		result.Mark = &m
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrPersist, err)
		if result.Err == nil {
			result.fail(StagePersist, err)
		}
		return err
	}
	return nil
}

// fetchBacklog pages backwards from the newest item until target items are collected,
// a page reaches the mark, or the wall is exhausted.
func (p *Pipeline) fetchBacklog(ctx context.Context, sourceID int64, mark models.HighWaterMark, warm bool, target int) ([]models.Item, error) {
	batch := min(maxBatchSize, p.config.MaxPerPoll)

	var items []models.Item
	seen := make(map[int64]bool)
	offset := 0

	for len(items) < target {
		page, err := p.fetcher.FetchItems(ctx, sourceID, batch, offset)
		if err != nil {
			return items, fmt.Errorf("%w: offset %d: %w", ErrFetch, offset, err)
		}
		offset += len(page)

		reachedMark := false
		for _, item := range page {
			if warm && !item.Pinned && mark.Covers(item) {
				reachedMark = true
			}
			// offsets shift when new items are published between pages
			if seen[item.ID] {
				continue
			}
			seen[item.ID] = true
			items = append(items, item)
		}

		if reachedMark || len(page) < batch {
			break
		}
	}

	return items, nil
}

// selectCandidates orders items oldest first, drops everything at or before the mark and
// keeps the newest slice allowed by the backlog cap (cold) or per-poll cap (warm).
func selectCandidates(items []models.Item, mark models.HighWaterMark, warm bool, initialLoad, maxPerPoll int) []models.Item {
	ordered := make([]models.Item, len(items))
	copy(ordered, items)
	sort.SliceStable(ordered, func(i, j int) bool {
		return models.MarkOf(ordered[i]).Less(models.MarkOf(ordered[j]))
	})

	fresh := ordered[:0]
	for _, item := range ordered {
		if warm && mark.Covers(item) {
			continue
		}
		fresh = append(fresh, item)
	}

	limit := maxPerPoll
	if !warm {
		limit = max(initialLoad, 0)
	}
	if len(fresh) > limit {
		fresh = fresh[len(fresh)-limit:]
	}
	return fresh
}

func newestMark(items []models.Item) models.HighWaterMark {
	newest := models.MarkOf(items[0])
	for _, item := range items[1:] {
		if m := models.MarkOf(item); newest.Less(m) {
			newest = m
		}
	}
	return newest
}
