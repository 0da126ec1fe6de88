// Package sync owns the catalog synchronization lifecycle: selecting
// which items need work, dispatching them to a bounded worker pool,
// merging results in batches, and tracking progress for status readers.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"booksync/internal/catalog"
	"booksync/internal/config"
	"booksync/internal/logger"
	"booksync/internal/merge"
	"booksync/internal/normalizer"
	"booksync/internal/series"
	"booksync/internal/store"
)

// ErrSyncInProgress is returned when StartSync is called while another
// session is active. Callers get an explicit busy signal instead of
// being queued.
var ErrSyncInProgress = errors.New("a sync session is already active")

// Orchestrator coordinates sync sessions. Construct exactly one per
// process and inject it wherever sync access is needed.
type Orchestrator struct {
	catalog catalog.ClientInterface
	repo    *store.Repository
	engine  *merge.Engine
	builder *series.Builder
	cfg     *config.Config
	logger  *logger.Logger

	// mu guards active and sess; status readers always see a
	// consistent snapshot.
	mu     sync.Mutex
	active bool
	sess   session

	// seriesMu guards the in-flight set so the same series is never
	// queued for rebuild twice concurrently.
	seriesMu       sync.Mutex
	inFlightSeries map[string]struct{}
	seriesWG       sync.WaitGroup
}

// workItem is one unit of per-item work: an external id plus the
// listing payload when one is available. Items selected from the local
// store during offline fallback carry no listing.
type workItem struct {
	asin    string
	title   string
	listing catalog.Item
}

// New creates the sync orchestrator
func New(client catalog.ClientInterface, repo *store.Repository, engine *merge.Engine, builder *series.Builder, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		catalog:        client,
		repo:           repo,
		engine:         engine,
		builder:        builder,
		cfg:            cfg,
		logger:         logger.Get().With(map[string]interface{}{"component": "sync"}),
		inFlightSeries: make(map[string]struct{}),
	}
}

// StartSync runs a sync session to completion. Only one session may be
// active at a time; a second call is rejected with ErrSyncInProgress
// and leaves the active session untouched. Cancellation is cooperative:
// the context is checked between batches, in-flight items finish.
func (o *Orchestrator) StartSync(ctx context.Context, mode Mode, forceRefresh bool) (*Result, error) {
	o.mu.Lock()
	if o.active {
		o.mu.Unlock()
		return nil, ErrSyncInProgress
	}
	o.active = true
	o.sess = newSession(mode)
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.active = false
		o.mu.Unlock()
	}()

	o.logger.Info("Starting sync session", map[string]interface{}{
		"session_id":    o.sess.id,
		"mode":          mode,
		"force_refresh": forceRefresh,
	})

	result, err := o.run(ctx, mode, forceRefresh)
	if err != nil {
		o.setPhase(PhaseFailed)
		o.logger.Error("Sync session failed", map[string]interface{}{
			"session_id": o.sess.id,
			"error":      err.Error(),
		})
		return nil, err
	}

	o.setPhase(PhaseCompleted)
	o.logger.Info("Sync session completed", map[string]interface{}{
		"session_id": result.SessionID,
		"total":      result.Total,
		"succeeded":  result.Succeeded,
		"failed":     result.Failed,
		"duration":   result.Duration.String(),
	})
	return result, nil
}

// GetStatus returns a consistent snapshot of the current session. When
// no session has run yet the phase is idle.
func (o *Orchestrator) GetStatus() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess.id == "" {
		return Status{Phase: PhaseIdle}
	}
	return o.sess.snapshot()
}

// WaitForSeriesBuilds blocks until all detached series rebuilds have
// finished. Used by tests and graceful shutdown.
func (o *Orchestrator) WaitForSeriesBuilds() {
	o.seriesWG.Wait()
}

func (o *Orchestrator) run(ctx context.Context, mode Mode, forceRefresh bool) (*Result, error) {
	start := time.Now()

	o.setPhase(PhaseFetching)
	items, err := o.selectItems(ctx, mode, forceRefresh)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.sess.total = len(items)
	o.mu.Unlock()

	o.logger.Info("Selected items for processing", map[string]interface{}{
		"count": len(items),
		"mode":  mode,
	})

	var failedItems []FailedItem
	succeeded := 0

	batchSize := o.cfg.Sync.BatchSize
	for offset := 0; offset < len(items); offset += batchSize {
		// Cooperative cancellation between batches
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("sync cancelled: %w", err)
		}

		end := offset + batchSize
		if end > len(items) {
			end = len(items)
		}
		batch := items[offset:end]

		o.setPhase(PhaseProcessing)
		records, details, failures := o.processBatch(ctx, batch)
		failedItems = append(failedItems, failures...)

		o.setPhase(PhaseSaving)
		results, err := o.engine.MergeBatch(records, store.StatusOwned)
		if err != nil {
			// The store being unreachable is session-fatal
			return nil, err
		}

		for i, res := range results {
			switch res.Outcome {
			case merge.OutcomeSkipped:
				failedItems = append(failedItems, FailedItem{
					ASIN:   res.ASIN,
					Title:  records[i].Title,
					Reason: res.Reason,
				})
				o.recordFailure()
			default:
				succeeded++
				o.recordSuccess()
				if detail := details[i]; detail != nil {
					o.queueSeriesRebuild(detail)
				}
			}
		}

		o.logger.Debug("Batch committed", map[string]interface{}{
			"batch_start": offset,
			"batch_size":  len(batch),
			"merged":      len(results),
			"failed":      len(failures),
		})
	}

	o.mu.Lock()
	o.sess.failedItems = failedItems
	o.mu.Unlock()

	return &Result{
		SessionID:   o.sess.id,
		Mode:        mode,
		Total:       len(items),
		Succeeded:   succeeded,
		Failed:      len(failedItems),
		Duration:    time.Since(start),
		FailedItems: failedItems,
	}, nil
}

// selectItems decides which items this session will process.
//
// Full mode requires the complete remote listing; failure to fetch it
// is session-fatal. Quick mode filters the listing down to items that
// are absent locally or stale, and degrades to a bounded local-only
// pass when the catalog cannot be reached at all.
func (o *Orchestrator) selectItems(ctx context.Context, mode Mode, forceRefresh bool) ([]workItem, error) {
	listing, err := o.catalog.GetLibraryItems(ctx)
	if err != nil {
		if mode == ModeFull {
			return nil, fmt.Errorf("failed to fetch catalog listing: %w", err)
		}

		o.logger.Warn("Catalog unreachable, falling back to stale local items", map[string]interface{}{
			"error": err.Error(),
			"limit": o.cfg.Sync.OfflineLimit,
		})
		stale, err := o.repo.ListStale(o.cfg.Sync.StalenessWindow, o.cfg.Sync.OfflineLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to list stale books: %w", err)
		}

		items := make([]workItem, 0, len(stale))
		for _, book := range stale {
			if book.ASIN == nil || *book.ASIN == "" {
				continue
			}
			items = append(items, workItem{asin: *book.ASIN, title: book.Title})
		}
		return items, nil
	}

	items := make([]workItem, 0, len(listing))
	seen := make(map[string]bool)
	for _, raw := range listing {
		asin := raw.ASIN()
		// External ids must be unique within a sync batch
		if asin != "" && seen[asin] {
			continue
		}
		if asin != "" {
			seen[asin] = true
		}
		items = append(items, workItem{asin: asin, listing: raw})
	}

	if mode == ModeFull || forceRefresh {
		return items, nil
	}

	syncTimes, err := o.repo.SyncTimes()
	if err != nil {
		return nil, fmt.Errorf("failed to load sync times: %w", err)
	}

	cutoff := time.Now().Add(-o.cfg.Sync.StalenessWindow)
	selected := items[:0]
	for _, item := range items {
		if item.asin == "" {
			selected = append(selected, item)
			continue
		}
		lastSynced, known := syncTimes[item.asin]
		if !known || lastSynced.Before(cutoff) {
			selected = append(selected, item)
		}
	}
	return selected, nil
}

// processBatch distributes one batch across the bounded worker pool.
// Per-item failures are collected, never propagated: a bad item must
// not abort its batch. The returned records and details slices are
// index-aligned and ordered by the batch's input order so downstream
// dedup stays deterministic.
func (o *Orchestrator) processBatch(ctx context.Context, batch []workItem) ([]normalizer.Record, []catalog.Item, []FailedItem) {
	type slot struct {
		record normalizer.Record
		detail catalog.Item
		err    error
	}

	slots := make([]slot, len(batch))

	workers := o.cfg.Sync.Workers
	if workers > len(batch) {
		workers = len(batch)
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				item := batch[idx]
				o.setCurrentItem(itemLabel(item))

				detail, rec, err := o.processItem(ctx, item)
				slots[idx] = slot{record: rec, detail: detail, err: err}
			}
		}()
	}

	for idx := range batch {
		jobs <- idx
	}
	close(jobs)
	wg.Wait()

	records := make([]normalizer.Record, 0, len(batch))
	details := make([]catalog.Item, 0, len(batch))
	var failures []FailedItem

	for idx, s := range slots {
		if s.err != nil {
			failures = append(failures, FailedItem{
				ASIN:   batch[idx].asin,
				Title:  itemLabel(batch[idx]),
				Reason: s.err.Error(),
			})
			o.recordFailure()
			continue
		}
		records = append(records, s.record)
		details = append(details, s.detail)
	}

	return records, details, failures
}

// processItem performs the per-item fetch+normalize step. The detail
// endpoint is preferred because it carries relationship metadata; when
// it fails but a listing payload exists, processing degrades to the
// listing instead of failing the item.
func (o *Orchestrator) processItem(ctx context.Context, item workItem) (catalog.Item, normalizer.Record, error) {
	var payload catalog.Item

	if item.asin != "" {
		detail, err := o.catalog.GetProductDetail(ctx, item.asin, catalog.DefaultResponseGroups)
		if err == nil {
			payload = detail
		} else if item.listing != nil {
			o.logger.Debug("Detail fetch failed, using listing payload", map[string]interface{}{
				"asin":  item.asin,
				"error": err.Error(),
			})
			payload = item.listing
		} else {
			return nil, normalizer.Record{}, err
		}
	} else {
		payload = item.listing
	}

	if payload == nil {
		return nil, normalizer.Record{}, fmt.Errorf("no payload available for item %q", item.title)
	}

	rec := normalizer.Normalize(payload)
	return payload, rec, nil
}

// queueSeriesRebuild schedules a detached series graph rebuild for the
// series a merged item belongs to. The in-flight set guarantees the
// same series is not rebuilt twice concurrently; completion, success or
// failure, releases the guard.
func (o *Orchestrator) queueSeriesRebuild(item catalog.Item) {
	seriesASIN := series.SeedSeriesASIN(item)
	if seriesASIN == "" {
		return
	}

	o.seriesMu.Lock()
	if _, inFlight := o.inFlightSeries[seriesASIN]; inFlight {
		o.seriesMu.Unlock()
		return
	}
	o.inFlightSeries[seriesASIN] = struct{}{}
	o.seriesMu.Unlock()

	o.seriesWG.Add(1)
	go func() {
		defer func() {
			o.seriesMu.Lock()
			delete(o.inFlightSeries, seriesASIN)
			o.seriesMu.Unlock()
			o.seriesWG.Done()
		}()

		if _, err := o.builder.Build(context.Background(), seriesASIN); err != nil {
			o.logger.Warn("Background series rebuild failed", map[string]interface{}{
				"series_asin": seriesASIN,
				"error":       err.Error(),
			})
		}
	}()
}

func (o *Orchestrator) setPhase(phase Phase) {
	o.mu.Lock()
	o.sess.phase = phase
	o.mu.Unlock()
}

func (o *Orchestrator) setCurrentItem(label string) {
	o.mu.Lock()
	o.sess.currentItem = label
	o.mu.Unlock()
}

func (o *Orchestrator) recordSuccess() {
	o.mu.Lock()
	o.sess.processed++
	o.sess.succeeded++
	o.mu.Unlock()
}

func (o *Orchestrator) recordFailure() {
	o.mu.Lock()
	o.sess.processed++
	o.sess.failed++
	o.mu.Unlock()
}

func itemLabel(item workItem) string {
	if item.title != "" {
		return item.title
	}
	return item.asin
}
