// Package reconciler owns the Download lifecycle: matching a release to an
// existing torrent, creating and polling new ones, detecting stalls, and
// rotating through a release's alternatives with exponential backoff
// before giving up and re-arming search.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"mediabroker/internal/apierr"
	"mediabroker/internal/collaborators"
	"mediabroker/internal/domain"
	"mediabroker/internal/releaseparse"
	"mediabroker/internal/store"
	"mediabroker/internal/textnorm"
)

// BackoffConfig controls the delay between alternative-release attempts
// after a download stalls, following the same doubling schedule the
// ingest receiver's reconnect policy uses: 5s, 10s, 20s, 40s, 80s.
type BackoffConfig struct {
	BaseDelay   time.Duration
	MaxAttempts int
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{BaseDelay: 5 * time.Second, MaxAttempts: 5}
}

// Delay returns the backoff for the given 1-indexed attempt number.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// Reconciler creates, attaches to, and monitors Downloads on behalf of
// ProcessingItems.
type Reconciler struct {
	store   store.Store
	torrent collaborators.TorrentClient
	backoff BackoffConfig

	movieTimeout time.Duration
	tvTimeout    time.Duration
	stallWindow  time.Duration
}

// Config bundles the tunables Reconciler needs, sourced from
// internal/config so operators can adjust timeouts without a redeploy.
type Config struct {
	MovieTimeout time.Duration
	TVTimeout    time.Duration
	StallWindow  time.Duration
	Backoff      BackoffConfig
}

func New(st store.Store, tc collaborators.TorrentClient, cfg Config) *Reconciler {
	if cfg.Backoff.BaseDelay == 0 {
		cfg.Backoff = DefaultBackoffConfig()
	}
	return &Reconciler{
		store: st, torrent: tc, backoff: cfg.Backoff,
		movieTimeout: cfg.MovieTimeout, tvTimeout: cfg.TVTimeout, stallWindow: cfg.StallWindow,
	}
}

// StartOrAttach first asks the TorrentClient for every torrent it already
// knows about and tries to match one against release by normalized title
// (and season/episode, for TV) before ever adding a new one. A match
// reuses that torrent's hash; only a miss calls AddTorrent. This lets two
// ProcessingItems that both select the same release (e.g. two episodes
// from one season-pack search) share a single Download row instead of
// double-downloading.
func (r *Reconciler) StartOrAttach(ctx context.Context, requestID string, release domain.Release, savePath string) (*domain.Download, error) {
	hash, err := r.matchExisting(ctx, release)
	if err != nil {
		return nil, fmt.Errorf("reconciler: list existing torrents: %w", err)
	}
	if hash == "" {
		hash, err = r.torrent.AddTorrent(ctx, release.DownloadURL, savePath)
		if err != nil {
			return nil, apierr.NewExternal("reconciler.StartOrAttach", err)
		}
	}

	if existing, err := r.store.GetDownloadByHash(ctx, hash); err == nil {
		return existing, nil
	} else if err != store.ErrNoRows {
		return nil, fmt.Errorf("reconciler: lookup existing download: %w", err)
	}

	now := time.Now()
	d := &domain.Download{
		ID: hash, RequestID: requestID, TorrentHash: hash, Name: release.Title,
		SavePath: savePath, Status: domain.DownloadPending, SizeBytes: release.SizeBytes,
		LastProgressAt: now, CreatedAt: now, UpdatedAt: now,
	}
	if err := r.store.CreateDownload(ctx, d); err != nil {
		return nil, fmt.Errorf("reconciler: create download: %w", err)
	}
	return d, nil
}

// matchExisting returns the hash of a torrent already tracked by the
// engine whose name normalizes to the same title (and, for an episode
// release, the same season/episode) as release. It returns "" when
// nothing matches, never an error for a plain miss.
func (r *Reconciler) matchExisting(ctx context.Context, release domain.Release) (string, error) {
	existing, err := r.torrent.ListTorrents(ctx)
	if err != nil {
		return "", err
	}
	if len(existing) == 0 {
		return "", nil
	}

	wantTitle := textnorm.Normalize(release.Title)
	for _, t := range existing {
		parsed := releaseparse.Parse(t.Name)
		if textnorm.Normalize(parsed.Title) != wantTitle {
			continue
		}
		if release.Season != nil {
			if parsed.Season != *release.Season {
				continue
			}
			if release.Episode != nil && parsed.Episode != *release.Episode && !parsed.IsSeasonPack {
				continue
			}
		}
		return t.Hash, nil
	}
	return "", nil
}

// PollOnce refreshes one Download's progress from the torrent client and
// persists the result. It reports whether the download is now complete.
func (r *Reconciler) PollOnce(ctx context.Context, d *domain.Download) (bool, error) {
	progress, err := r.torrent.GetProgress(ctx, d.TorrentHash)
	if err != nil {
		return false, apierr.NewExternal("reconciler.PollOnce", err)
	}

	if progress.Progress > d.Progress {
		d.LastProgressAt = time.Now()
	}
	d.Progress = progress.Progress
	d.Seeds = progress.Seeds
	d.Peers = progress.Peers
	d.ContentPath = progress.ContentPath
	d.UpdatedAt = time.Now()

	if progress.Done {
		d.Status = domain.DownloadCompleted
	} else if d.Status == domain.DownloadPending {
		d.Status = domain.DownloadDownloading
	}

	if err := r.store.UpdateDownload(ctx, d); err != nil {
		return false, fmt.Errorf("reconciler: persist download progress: %w", err)
	}
	return progress.Done, nil
}

// IsStalled reports whether d has made no byte progress within the
// configured stall window and has not yet completed.
func (r *Reconciler) IsStalled(d *domain.Download) bool {
	if d.Status == domain.DownloadCompleted || d.Status == domain.DownloadFailed {
		return false
	}
	return time.Since(d.LastProgressAt) > r.stallWindow
}

// Timeout returns the maximum time a download is allowed to run for the
// given item kind before the scheduler rotates to an alternative release.
func (r *Reconciler) Timeout(kind domain.ItemKind) time.Duration {
	if kind == domain.ItemEpisode {
		return r.tvTimeout
	}
	return r.movieTimeout
}

// RotateToAlternative drops the current torrent and starts the next
// candidate from alternatives, applying the configured backoff before the
// caller re-attempts. It returns apierr.AwaitingInput when alternatives
// are exhausted, signaling the caller to re-arm Search instead.
func (r *Reconciler) RotateToAlternative(ctx context.Context, d *domain.Download, attempt int) (*domain.Release, error) {
	if len(d.Alternatives) == 0 {
		return nil, apierr.NewAwaitingInput("reconciler.RotateToAlternative", fmt.Errorf("no alternatives remain for %s", d.ID))
	}
	if attempt > r.backoff.MaxAttempts {
		return nil, apierr.NewAwaitingInput("reconciler.RotateToAlternative", fmt.Errorf("exhausted %d alternative attempts", r.backoff.MaxAttempts))
	}

	select {
	case <-time.After(r.backoff.Delay(attempt)):
	case <-ctx.Done():
		return nil, apierr.NewCancelled("reconciler.RotateToAlternative", ctx.Err())
	}

	next := d.Alternatives[0]
	d.Alternatives = d.Alternatives[1:]

	if err := r.torrent.DeleteTorrent(ctx, d.TorrentHash, true); err != nil {
		return nil, apierr.NewExternal("reconciler.RotateToAlternative", err)
	}
	return &next, nil
}
