package selector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediabroker/internal/collaborators"
	"mediabroker/internal/domain"
	"mediabroker/internal/quality"
)

type fakeIndexer struct {
	releases []domain.Release
	err      error
}

func (f *fakeIndexer) Search(_ context.Context, _ collaborators.IndexerQuery) ([]domain.Release, error) {
	return f.releases, f.err
}

func TestSearch_SelectsTopRankedMatchingRelease(t *testing.T) {
	idx := &fakeIndexer{releases: []domain.Release{
		{Title: "Arrival.2016.720p.WEB-DL", Resolution: "720p", Source: "WEB-DL", Seeders: 50},
		{Title: "Arrival.2016.1080p.BluRay", Resolution: "1080p", Source: "BluRay", Seeders: 20},
		{Title: "Not The Right Movie.2016.2160p.BluRay", Resolution: "2160p", Source: "BluRay", Seeders: 200},
	}}
	sel := New(idx, 100, 10)

	res, err := sel.Search(context.Background(), "Arrival", 2016, nil, nil, quality.Res1080p)
	require.NoError(t, err)
	require.NotNil(t, res.Selected)
	assert.Equal(t, "1080p", res.Selected.Resolution)
	assert.False(t, res.NeedsManualChoice)
}

func TestSearch_NoMatchAboveRequiredNeedsManualChoice(t *testing.T) {
	idx := &fakeIndexer{releases: []domain.Release{
		{Title: "Arrival.2016.720p.WEB-DL", Resolution: "720p"},
	}}
	sel := New(idx, 100, 10)

	res, err := sel.Search(context.Background(), "Arrival", 2016, nil, nil, quality.Res2160p)
	require.NoError(t, err)
	assert.Nil(t, res.Selected)
	assert.True(t, res.NeedsManualChoice)
}

func TestSearch_SeasonPackExcludedWhenEpisodeRequested(t *testing.T) {
	season, episode := 1, 3
	idx := &fakeIndexer{releases: []domain.Release{
		{Title: "Show.Name.S01.COMPLETE.1080p.BluRay", Resolution: "1080p"},
		{Title: "Show.Name.S01E03.1080p.WEB-DL", Resolution: "1080p"},
	}}
	sel := New(idx, 100, 10)

	res, err := sel.Search(context.Background(), "Show Name", 0, &season, &episode, quality.Res720p)
	require.NoError(t, err)
	require.NotNil(t, res.Selected)
	assert.Contains(t, res.Selected.Title, "S01E03")
}

func TestFilterByTitle_RejectsNearMissTitles(t *testing.T) {
	candidates := []domain.Release{
		{Title: "Arrival.2016.1080p"},
		{Title: "The.Arrival.Of.Machines.2016.1080p"},
	}
	out := filterByTitle(candidates, "Arrival", nil, nil)
	require.Len(t, out, 1)
	assert.Equal(t, "Arrival.2016.1080p", out[0].Title)
}

func TestGetAlternatives_AnnotatesSimilarityWithoutRelaxingMatch(t *testing.T) {
	views := GetAlternatives("Arrival", []domain.Release{{Title: "Arrival.2016.1080p"}})
	require.Len(t, views, 1)
	assert.True(t, views[0].StrictTitleMatch)
}

func TestRefreshDeadline_TooSoon(t *testing.T) {
	err := RefreshDeadline(time.Now(), time.Hour)
	assert.Error(t, err)
}
