package delivery

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediabroker/internal/domain"
)

type fakeTransport struct {
	mu        sync.Mutex
	fail      bool
	gotRemote []string
}

func (f *fakeTransport) Upload(_ context.Context, _, remotePath string, onProgress func(sent, total int64)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotRemote = append(f.gotRemote, remotePath)
	if onProgress != nil {
		onProgress(100, 100)
	}
	if f.fail {
		return fmt.Errorf("upload failed")
	}
	return nil
}

type fakeScanner struct {
	mu      sync.Mutex
	scanned []string
	fail    bool
}

func (f *fakeScanner) TriggerScan(_ context.Context, _ string, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanned = append(f.scanned, path)
	if f.fail {
		return fmt.Errorf("scan trigger failed")
	}
	return nil
}

func TestRemotePath_MovieUsesTitleYearFolder(t *testing.T) {
	p := RemotePath("/mnt/media", domain.KindMovie, "Arrival", 2016, 0, 0, "Arrival.mkv")
	assert.Equal(t, "/mnt/media/Arrival (2016)/Arrival.mkv", p)
}

func TestRemotePath_EpisodeNestsUnderSeasonFolder(t *testing.T) {
	p := RemotePath("/mnt/media", domain.KindTV, "Severance", 0, 2, 5, "Severance.S02E05.mkv")
	assert.Equal(t, "/mnt/media/Severance/Season 02/Severance.S02E05.mkv", p)
}

func TestDeliver_AllServersSucceedTriggersScanOnEach(t *testing.T) {
	tr := &fakeTransport{}
	sc := &fakeScanner{}
	c := New([]Server{{ID: "srv1", Transport: tr, Scanner: sc, BasePath: "/mnt/media"}})

	results, successes := c.Deliver(context.Background(), []domain.Target{{ServerID: "srv1"}},
		"/tmp/Arrival.mkv", domain.KindMovie, "Arrival", 2016, 0, 0, "Arrival.mkv", nil)

	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, 1, successes)
	assert.Len(t, sc.scanned, 1)
}

func TestDeliver_PartialFailureStillCountsSuccesses(t *testing.T) {
	good := &fakeTransport{}
	bad := &fakeTransport{fail: true}
	c := New([]Server{
		{ID: "srv1", Transport: good, BasePath: "/mnt/a"},
		{ID: "srv2", Transport: bad, BasePath: "/mnt/b"},
	})

	results, successes := c.Deliver(context.Background(), []domain.Target{{ServerID: "srv1"}, {ServerID: "srv2"}},
		"/tmp/x.mkv", domain.KindMovie, "X", 2020, 0, 0, "x.mkv", nil)

	assert.Equal(t, 1, successes)
	var sawErr bool
	for _, r := range results {
		if r.Err != nil {
			sawErr = true
		}
	}
	assert.True(t, sawErr)
}

func TestDeliver_UnknownServerIsFatalMisconfig(t *testing.T) {
	c := New(nil)
	results, successes := c.Deliver(context.Background(), []domain.Target{{ServerID: "ghost"}},
		"/tmp/x.mkv", domain.KindMovie, "X", 2020, 0, 0, "x.mkv", nil)
	assert.Equal(t, 0, successes)
	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)
}

func TestDeliver_ScanFailureDoesNotRevertUploadSuccess(t *testing.T) {
	tr := &fakeTransport{}
	sc := &fakeScanner{fail: true}
	c := New([]Server{{ID: "srv1", Transport: tr, Scanner: sc, BasePath: "/mnt/media"}})

	results, successes := c.Deliver(context.Background(), []domain.Target{{ServerID: "srv1"}},
		"/tmp/x.mkv", domain.KindMovie, "X", 2020, 0, 0, "x.mkv", nil)

	assert.Equal(t, 1, successes)
	assert.NoError(t, results[0].Err)
}
