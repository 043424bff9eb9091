// Package scheduler runs the periodic sweeps that keep requests moving
// without an external trigger: re-arming items parked on a timer, catching
// executions that stopped reporting progress, rotating stalled downloads
// to their next alternative, and picking back up on episodes that were
// awaiting an air date.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"mediabroker/internal/apierr"
	"mediabroker/internal/collaborators"
	"mediabroker/internal/domain"
	"mediabroker/internal/pipeline"
	"mediabroker/internal/reconciler"
	"mediabroker/internal/store"
)

// Config controls sweep cadences and thresholds; every field has a
// default applied by withDefaults so a zero Config is runnable.
type Config struct {
	RetryAwaitingInterval   time.Duration
	StuckDetectorInterval   time.Duration
	StuckThreshold          time.Duration
	DownloadHealthInterval  time.Duration
	NewEpisodeCheckInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryAwaitingInterval <= 0 {
		c.RetryAwaitingInterval = 30 * time.Minute
	}
	if c.StuckDetectorInterval <= 0 {
		c.StuckDetectorInterval = 15 * time.Minute
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = time.Hour
	}
	if c.DownloadHealthInterval <= 0 {
		c.DownloadHealthInterval = 5 * time.Minute
	}
	if c.NewEpisodeCheckInterval <= 0 {
		c.NewEpisodeCheckInterval = 6 * time.Hour
	}
	return c
}

// TimeProvider lets tests replace the wall clock the retry-awaiting and
// stuck-detector sweeps measure against.
type TimeProvider interface {
	Now() time.Time
}

// RealClock implements TimeProvider using the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Scheduler owns the four background sweeps. searchTemplate is the step
// tree a re-armed item's fresh Execution runs; it is whatever the caller
// passes to New, and main.go passes a tree holding only the Search step,
// so a re-armed item does not go on to download, encode or deliver.
type Scheduler struct {
	store      store.Store
	reconciler *reconciler.Reconciler
	executor   *pipeline.Executor
	metadata   collaborators.MetadataProvider
	clock      TimeProvider
	cfg        Config

	searchTemplate []domain.StepDefinition

	mu               sync.Mutex
	downloadAttempts map[string]int
}

func New(st store.Store, rec *reconciler.Reconciler, ex *pipeline.Executor, md collaborators.MetadataProvider, searchTemplate []domain.StepDefinition, cfg Config) *Scheduler {
	return &Scheduler{
		store: st, reconciler: rec, executor: ex, metadata: md, clock: RealClock{},
		cfg: cfg.withDefaults(), searchTemplate: searchTemplate,
		downloadAttempts: map[string]int{},
	}
}

// NewWithClock is New with an injectable clock, for deterministic tests.
func NewWithClock(st store.Store, rec *reconciler.Reconciler, ex *pipeline.Executor, md collaborators.MetadataProvider, searchTemplate []domain.StepDefinition, cfg Config, clock TimeProvider) *Scheduler {
	s := New(st, rec, ex, md, searchTemplate, cfg)
	s.clock = clock
	return s
}

// Run starts all four sweeps and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	loops := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context)
	}{
		{"retry-awaiting", s.cfg.RetryAwaitingInterval, s.RetryAwaiting},
		{"stuck-detector", s.cfg.StuckDetectorInterval, s.StuckDetector},
		{"download-health", s.cfg.DownloadHealthInterval, s.DownloadHealth},
		{"new-episode-check", s.cfg.NewEpisodeCheckInterval, s.NewEpisodeCheck},
	}

	var wg sync.WaitGroup
	for _, l := range loops {
		wg.Add(1)
		go func(name string, interval time.Duration, fn func(context.Context)) {
			defer wg.Done()
			s.runLoop(ctx, name, interval, fn)
		}(l.name, l.interval, l.fn)
	}
	wg.Wait()
}

func (s *Scheduler) runLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// RetryAwaiting re-arms items parked in awaiting or quality_unavailable
// once their nextRetryAt has passed. Exported so the scheduler's unit
// tests and an on-demand admin trigger can run a single sweep directly.
func (s *Scheduler) RetryAwaiting(ctx context.Context) {
	items, err := s.store.ListAwaitingRetry(ctx, s.clock.Now())
	if err != nil {
		log.WithFields(log.Fields{"sweep": "retry-awaiting"}).Warn("list awaiting items failed: ", err)
		return
	}
	for _, it := range items {
		if it.Status != domain.StatusAwaiting && it.Status != domain.StatusQualityUnavailable {
			continue
		}
		it.Status = domain.StatusPending
		it.NextRetryAt = nil
		if err := s.store.UpdateItem(ctx, it); err != nil {
			log.WithFields(log.Fields{"sweep": "retry-awaiting", "itemId": it.ID}).Warn("persist retry failed: ", err)
			continue
		}
		s.rearmSearch(ctx, it)
	}
}

// StuckDetector fails non-terminal items whose own updatedAt is older
// than the configured threshold. ListStuckExecutions selects by the
// item's updatedAt alone; it does not look at the owning Execution, and
// this sweep does not mark any Execution failed.
func (s *Scheduler) StuckDetector(ctx context.Context) {
	items, err := s.store.ListStuckExecutions(ctx, s.clock.Now().Add(-s.cfg.StuckThreshold))
	if err != nil {
		log.WithFields(log.Fields{"sweep": "stuck-detector"}).Warn("list stuck executions failed: ", err)
		return
	}
	for _, it := range items {
		if it.Status.IsTerminal() {
			continue
		}
		it.Status = domain.StatusFailed
		it.LastError = "no progress for over 1 hour"
		if err := s.store.UpdateItem(ctx, it); err != nil {
			log.WithFields(log.Fields{"sweep": "stuck-detector", "itemId": it.ID}).Warn("persist failure failed: ", err)
			continue
		}
		log.WithFields(log.Fields{"sweep": "stuck-detector", "itemId": it.ID}).Warn("marked stuck item failed")
	}
}

// DownloadHealth rotates stalled downloads to their next alternative,
// re-arming Search once a download's alternatives are exhausted.
func (s *Scheduler) DownloadHealth(ctx context.Context) {
	downloads, err := s.store.ListActiveDownloads(ctx)
	if err != nil {
		log.WithFields(log.Fields{"sweep": "download-health"}).Warn("list active downloads failed: ", err)
		return
	}
	for _, d := range downloads {
		if !s.reconciler.IsStalled(d) {
			continue
		}

		s.mu.Lock()
		s.downloadAttempts[d.ID]++
		attempt := s.downloadAttempts[d.ID]
		s.mu.Unlock()

		next, err := s.reconciler.RotateToAlternative(ctx, d, attempt)
		if err != nil {
			if errors.Is(err, apierr.AwaitingInput) {
				s.abandonDownload(ctx, d)
			} else {
				log.WithFields(log.Fields{"sweep": "download-health", "downloadId": d.ID}).Warn("rotate alternative failed: ", err)
			}
			continue
		}

		reattached, err := s.reconciler.StartOrAttach(ctx, d.RequestID, *next, d.SavePath)
		if err != nil {
			log.WithFields(log.Fields{"sweep": "download-health", "downloadId": d.ID}).Warn("attach alternative failed: ", err)
			continue
		}

		delete(s.downloadAttempts, d.ID)
		s.reassignItems(ctx, d, reattached.ID)
	}
}

// abandonDownload reverts every item riding on d back to pending so Search
// re-arms, since no alternative release remains.
func (s *Scheduler) abandonDownload(ctx context.Context, d *domain.Download) {
	items, err := s.store.ListItemsByRequest(ctx, d.RequestID)
	if err != nil {
		log.WithFields(log.Fields{"sweep": "download-health", "downloadId": d.ID}).Warn("list items failed: ", err)
		return
	}
	for _, it := range items {
		if it.DownloadID != d.ID {
			continue
		}
		it.Status = domain.StatusPending
		it.DownloadID = ""
		if err := s.store.UpdateItem(ctx, it); err != nil {
			log.WithFields(log.Fields{"sweep": "download-health", "itemId": it.ID}).Warn("revert item failed: ", err)
			continue
		}
		s.rearmSearch(ctx, it)
	}
}

// reassignItems repoints every item that referenced oldDownloadID at the
// Download StartOrAttach created (or reused) for the rotated-to release.
func (s *Scheduler) reassignItems(ctx context.Context, old *domain.Download, newDownloadID string) {
	items, err := s.store.ListItemsByRequest(ctx, old.RequestID)
	if err != nil {
		log.WithFields(log.Fields{"sweep": "download-health", "downloadId": old.ID}).Warn("list items failed: ", err)
		return
	}
	for _, it := range items {
		if it.DownloadID != old.ID {
			continue
		}
		it.DownloadID = newDownloadID
		if err := s.store.UpdateItem(ctx, it); err != nil {
			log.WithFields(log.Fields{"sweep": "download-health", "itemId": it.ID}).Warn("reassign item failed: ", err)
		}
	}
}

// NewEpisodeCheck refreshes episode metadata for subscribed TV requests
// and re-arms Search for awaiting episodes whose air date has now passed.
func (s *Scheduler) NewEpisodeCheck(ctx context.Context) {
	requests, err := s.store.ListRequests(ctx)
	if err != nil {
		log.WithFields(log.Fields{"sweep": "new-episode-check"}).Warn("list requests failed: ", err)
		return
	}
	for _, req := range requests {
		if req.Kind != domain.KindTV || !req.Subscribe {
			continue
		}
		s.refreshRequestEpisodes(ctx, req)
	}
}

func (s *Scheduler) refreshRequestEpisodes(ctx context.Context, req *domain.Request) {
	entry, err := s.metadata.GetByID(ctx, req.CatalogID)
	if err != nil {
		log.WithFields(log.Fields{"sweep": "new-episode-check", "requestId": req.ID}).Warn("refresh metadata failed: ", err)
		return
	}
	airDates := make(map[[2]int]*time.Time, len(entry.Episodes))
	for _, ep := range entry.Episodes {
		airDates[[2]int{ep.Season, ep.Episode}] = ep.AirDate
	}

	items, err := s.store.ListItemsByRequest(ctx, req.ID)
	if err != nil {
		log.WithFields(log.Fields{"sweep": "new-episode-check", "requestId": req.ID}).Warn("list items failed: ", err)
		return
	}
	now := s.clock.Now()
	for _, it := range items {
		if it.Status != domain.StatusAwaiting || it.Season == nil || it.Episode == nil {
			continue
		}
		air, ok := airDates[[2]int{*it.Season, *it.Episode}]
		if !ok || air == nil || air.After(now) {
			continue
		}
		it.Status = domain.StatusPending
		it.AirDate = air
		if err := s.store.UpdateItem(ctx, it); err != nil {
			log.WithFields(log.Fields{"sweep": "new-episode-check", "itemId": it.ID}).Warn("persist item failed: ", err)
			continue
		}
		s.rearmSearch(ctx, it)
	}
}

// rearmSearch spins up a fresh Execution scoped to a single item, starting
// from the Search step, so a parked item can resume without waiting for
// its original tree, which may have already completed or failed for its
// siblings.
func (s *Scheduler) rearmSearch(ctx context.Context, it *domain.ProcessingItem) {
	req, err := s.store.GetRequest(ctx, it.RequestID)
	if err != nil {
		log.WithFields(log.Fields{"itemId": it.ID}).Warn("rearm: load request failed: ", err)
		return
	}

	now := s.clock.Now()
	exec := &domain.Execution{
		ID:        fmt.Sprintf("rearm-%s-%d", it.ID, now.UnixNano()),
		RequestID: it.RequestID,
		Steps:     s.searchTemplate,
		Status:    domain.ExecutionRunning,
		Context:   map[string]any{},
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateExecution(ctx, exec); err != nil {
		log.WithFields(log.Fields{"itemId": it.ID}).Warn("rearm: create execution failed: ", err)
		return
	}

	env := &pipeline.Env{Store: s.store, Request: req, Item: it}
	go func() {
		if err := s.executor.Start(context.Background(), exec, env); err != nil {
			log.WithFields(log.Fields{"itemId": it.ID, "executionId": exec.ID}).Warn("rearm execution failed: ", err)
		}
	}()
}
