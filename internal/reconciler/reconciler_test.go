package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediabroker/internal/apierr"
	"mediabroker/internal/collaborators"
	"mediabroker/internal/domain"
	"mediabroker/internal/store"
)

type fakeTorrentClient struct {
	mu       sync.Mutex
	hash     string
	progress *collaborators.TorrentProgress
	dropped  []string
	listing  []collaborators.TorrentInfo
	added    int
}

func (f *fakeTorrentClient) AddTorrent(_ context.Context, _, _ string) (string, error) {
	f.mu.Lock()
	f.added++
	f.mu.Unlock()
	return f.hash, nil
}
func (f *fakeTorrentClient) DeleteTorrent(_ context.Context, hash string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, hash)
	return nil
}
func (f *fakeTorrentClient) GetProgress(_ context.Context, _ string) (*collaborators.TorrentProgress, error) {
	return f.progress, nil
}
func (f *fakeTorrentClient) GetTorrentFiles(_ context.Context, _ string) ([]collaborators.TorrentFile, error) {
	return nil, nil
}
func (f *fakeTorrentClient) ListTorrents(_ context.Context) ([]collaborators.TorrentInfo, error) {
	return f.listing, nil
}

func TestStartOrAttach_CreatesNewDownload(t *testing.T) {
	st := store.NewMemoryStore()
	tc := &fakeTorrentClient{hash: "hash-1"}
	r := New(st, tc, Config{MovieTimeout: time.Hour, TVTimeout: time.Hour, StallWindow: time.Minute})

	d, err := r.StartOrAttach(context.Background(), "req-1", domain.Release{Title: "Arrival", DownloadURL: "magnet:..."}, "/data")
	require.NoError(t, err)
	assert.Equal(t, "hash-1", d.TorrentHash)
	assert.Equal(t, domain.DownloadPending, d.Status)
}

func TestStartOrAttach_AttachesToExistingDownloadSharingHash(t *testing.T) {
	st := store.NewMemoryStore()
	tc := &fakeTorrentClient{hash: "hash-shared"}
	r := New(st, tc, Config{MovieTimeout: time.Hour, TVTimeout: time.Hour, StallWindow: time.Minute})

	first, err := r.StartOrAttach(context.Background(), "req-1", domain.Release{DownloadURL: "magnet:..."}, "/data")
	require.NoError(t, err)

	second, err := r.StartOrAttach(context.Background(), "req-1", domain.Release{DownloadURL: "magnet:..."}, "/data")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "two items selecting the same release must share one Download row")
}

func TestStartOrAttach_MatchesExistingTorrentByTitle(t *testing.T) {
	st := store.NewMemoryStore()
	tc := &fakeTorrentClient{
		hash:    "hash-new",
		listing: []collaborators.TorrentInfo{{Hash: "hash-already-running", Name: "Arrival.2016.1080p.BluRay.x264"}},
	}
	r := New(st, tc, Config{MovieTimeout: time.Hour, TVTimeout: time.Hour, StallWindow: time.Minute})

	d, err := r.StartOrAttach(context.Background(), "req-1", domain.Release{Title: "Arrival", DownloadURL: "magnet:..."}, "/data")
	require.NoError(t, err)
	assert.Equal(t, "hash-already-running", d.TorrentHash)
	assert.Equal(t, 0, tc.added, "a matched torrent must not be re-added")
}

func TestStartOrAttach_MatchesExistingTorrentByTitleAndEpisode(t *testing.T) {
	st := store.NewMemoryStore()
	tc := &fakeTorrentClient{
		hash: "hash-new",
		listing: []collaborators.TorrentInfo{
			{Hash: "hash-s01e01", Name: "Severance.S01E01.1080p.WEB-DL"},
			{Hash: "hash-s01e02", Name: "Severance.S01E02.1080p.WEB-DL"},
		},
	}
	r := New(st, tc, Config{MovieTimeout: time.Hour, TVTimeout: time.Hour, StallWindow: time.Minute})

	season, episode := 1, 2
	d, err := r.StartOrAttach(context.Background(), "req-1", domain.Release{Title: "Severance", Season: &season, Episode: &episode, DownloadURL: "magnet:..."}, "/data")
	require.NoError(t, err)
	assert.Equal(t, "hash-s01e02", d.TorrentHash)
}

func TestStartOrAttach_AddsWhenNoMatch(t *testing.T) {
	st := store.NewMemoryStore()
	tc := &fakeTorrentClient{
		hash:    "hash-new",
		listing: []collaborators.TorrentInfo{{Hash: "hash-unrelated", Name: "Some Other Movie 2020 1080p"}},
	}
	r := New(st, tc, Config{MovieTimeout: time.Hour, TVTimeout: time.Hour, StallWindow: time.Minute})

	d, err := r.StartOrAttach(context.Background(), "req-1", domain.Release{Title: "Arrival", DownloadURL: "magnet:..."}, "/data")
	require.NoError(t, err)
	assert.Equal(t, "hash-new", d.TorrentHash)
	assert.Equal(t, 1, tc.added)
}

func TestPollOnce_MarksCompletedWhenDone(t *testing.T) {
	st := store.NewMemoryStore()
	tc := &fakeTorrentClient{hash: "hash-1", progress: &collaborators.TorrentProgress{Progress: 100, Done: true}}
	r := New(st, tc, Config{MovieTimeout: time.Hour, TVTimeout: time.Hour, StallWindow: time.Minute})

	d := &domain.Download{ID: "d1", TorrentHash: "hash-1", Status: domain.DownloadDownloading, LastProgressAt: time.Now()}
	require.NoError(t, st.CreateDownload(context.Background(), d))

	done, err := r.PollOnce(context.Background(), d)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, domain.DownloadCompleted, d.Status)
}

func TestIsStalled_NoProgressPastWindow(t *testing.T) {
	r := New(store.NewMemoryStore(), &fakeTorrentClient{}, Config{StallWindow: time.Minute})
	d := &domain.Download{Status: domain.DownloadDownloading, LastProgressAt: time.Now().Add(-2 * time.Minute)}
	assert.True(t, r.IsStalled(d))
}

func TestRotateToAlternative_ExhaustedReturnsAwaitingInput(t *testing.T) {
	r := New(store.NewMemoryStore(), &fakeTorrentClient{}, Config{Backoff: BackoffConfig{BaseDelay: time.Millisecond, MaxAttempts: 1}})
	d := &domain.Download{TorrentHash: "h1"}

	_, err := r.RotateToAlternative(context.Background(), d, 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.AwaitingInput)
}

func TestRotateToAlternative_AdvancesToNextCandidate(t *testing.T) {
	tc := &fakeTorrentClient{}
	r := New(store.NewMemoryStore(), tc, Config{Backoff: BackoffConfig{BaseDelay: time.Millisecond, MaxAttempts: 5}})
	d := &domain.Download{TorrentHash: "h1", Alternatives: []domain.Release{{Title: "Alt 1"}, {Title: "Alt 2"}}}

	next, err := r.RotateToAlternative(context.Background(), d, 1)
	require.NoError(t, err)
	assert.Equal(t, "Alt 1", next.Title)
	assert.Len(t, d.Alternatives, 1)
	assert.Contains(t, tc.dropped, "h1")
}

func TestBackoffConfig_Delay_DoublesPerAttempt(t *testing.T) {
	c := DefaultBackoffConfig()
	assert.Equal(t, 5*time.Second, c.Delay(1))
	assert.Equal(t, 10*time.Second, c.Delay(2))
	assert.Equal(t, 20*time.Second, c.Delay(3))
}
