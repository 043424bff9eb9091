package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediabroker/internal/activity"
	"mediabroker/internal/collaborators"
	"mediabroker/internal/domain"
	"mediabroker/internal/pipeline"
	"mediabroker/internal/store"
)

type fakeMetadata struct {
	entry *collaborators.CatalogEntry
	err   error
}

func (f *fakeMetadata) GetByID(context.Context, string) (*collaborators.CatalogEntry, error) {
	return f.entry, f.err
}

type noopStep struct{ pipeline.BaseStep }

func (noopStep) Execute(context.Context, *pipeline.Context, domain.StepDefinition, *pipeline.Env) (pipeline.StepOutput, error) {
	return pipeline.StepOutput{Outcome: pipeline.OutcomeSuccess}, nil
}

func newTestService(t *testing.T, md collaborators.MetadataProvider) (*Service, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	reg := pipeline.NewStepRegistry()
	reg.Register("branch", &branchAdapter{})
	reg.Register("noop", noopStep{})
	ex := pipeline.NewExecutor(reg, st)
	rec := activity.New(st, nil)
	svc := New(st, ex, md, rec, "test-secret")

	require.NoError(t, st.PutTemplate(context.Background(), &domain.PipelineTemplate{
		ID: "movie-default", Kind: domain.KindMovie, IsDefault: true,
		Steps: []domain.StepDefinition{{Kind: "noop", Name: "step1"}},
	}))
	require.NoError(t, st.PutTemplate(context.Background(), &domain.PipelineTemplate{
		ID: "tv-default", Kind: domain.KindTV, IsDefault: true,
		Steps: []domain.StepDefinition{{Kind: "noop", Name: "step1"}},
	}))
	return svc, st
}

// branchAdapter is a minimal stand-in for steps.BranchStep, registered
// under the same "branch" kind so CreateTV's synthetic root Execution has
// something to dispatch to; it stops the branch without spawning children,
// keeping this test free of the steps package's collaborators.
type branchAdapter struct{ pipeline.BaseStep }

func (branchAdapter) Execute(context.Context, *pipeline.Context, domain.StepDefinition, *pipeline.Env) (pipeline.StepOutput, error) {
	return pipeline.StepOutput{Outcome: pipeline.OutcomeSuccess, StopBranch: true}, nil
}

func TestCreateMovie_CreatesRequestAndItem(t *testing.T) {
	svc, st := newTestService(t, &fakeMetadata{})
	ctx := context.Background()

	result, err := svc.CreateMovie(ctx, CreateMovieInput{
		CatalogID: "c1", Title: "Arrival", Year: 2016,
		Targets: []domain.Target{{ServerID: "s1"}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.RequestID)
	require.NotEmpty(t, result.IdempotencyToken)

	req, err := st.GetRequest(ctx, result.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "Arrival", req.Title)

	items, err := st.ListItemsByRequest(ctx, result.RequestID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, domain.ItemMovie, items[0].Kind)
}

func TestCreateMovie_RejectsEmptyTargets(t *testing.T) {
	svc, _ := newTestService(t, &fakeMetadata{})
	_, err := svc.CreateMovie(context.Background(), CreateMovieInput{CatalogID: "c1", Title: "X", Year: 2020})
	assert.Error(t, err)
}

func TestCreateMovie_IdempotentRetryReturnsSameRequest(t *testing.T) {
	svc, _ := newTestService(t, &fakeMetadata{})
	ctx := context.Background()

	first, err := svc.CreateMovie(ctx, CreateMovieInput{CatalogID: "c1", Title: "Arrival", Year: 2016, Targets: []domain.Target{{ServerID: "s1"}}})
	require.NoError(t, err)

	second, err := svc.CreateMovie(ctx, CreateMovieInput{
		CatalogID: "c1", Title: "Arrival", Year: 2016, Targets: []domain.Target{{ServerID: "s1"}},
		IdempotencyKey: first.IdempotencyToken,
	})
	require.NoError(t, err)
	assert.Equal(t, first.RequestID, second.RequestID)
}

func TestCreateTV_ExpandsSeasonIntoEpisodeItems(t *testing.T) {
	aired := time.Now().Add(-time.Hour)
	md := &fakeMetadata{entry: &collaborators.CatalogEntry{
		CatalogID: "c1",
		Episodes: []collaborators.EpisodeInfo{
			{Season: 1, Episode: 1, Title: "Pilot", AirDate: &aired},
			{Season: 1, Episode: 2, Title: "Second", AirDate: &aired},
			{Season: 2, Episode: 1, Title: "S2E1", AirDate: &aired},
		},
	}}
	svc, st := newTestService(t, md)
	ctx := context.Background()

	result, err := svc.CreateTV(ctx, CreateTVInput{
		CatalogID: "c1", Title: "Show", Year: 2020,
		Targets: []domain.Target{{ServerID: "s1"}}, Seasons: []int{1},
	})
	require.NoError(t, err)

	items, err := st.ListItemsByRequest(ctx, result.RequestID)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestCreateMovie_RequiredResolutionUsesMaxAcrossTargets(t *testing.T) {
	svc, st := newTestService(t, &fakeMetadata{})
	ctx := context.Background()

	result, err := svc.CreateMovie(ctx, CreateMovieInput{
		CatalogID: "c1", Title: "Arrival", Year: 2016,
		Targets: []domain.Target{{ServerID: "s1", MaxResolution: "720p"}, {ServerID: "s2", MaxResolution: "2160p"}},
	})
	require.NoError(t, err)

	req, err := st.GetRequest(ctx, result.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "2160p", req.RequiredResolution)
}

func TestCreateMovie_RequiredResolutionDefaultsTo1080pWithNoTargetFloor(t *testing.T) {
	svc, st := newTestService(t, &fakeMetadata{})
	ctx := context.Background()

	result, err := svc.CreateMovie(ctx, CreateMovieInput{
		CatalogID: "c1", Title: "Arrival", Year: 2016,
		Targets: []domain.Target{{ServerID: "s1"}},
	})
	require.NoError(t, err)

	req, err := st.GetRequest(ctx, result.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "1080p", req.RequiredResolution)
}

func TestCreateTV_SkipsAheadWhenEpisodeAlreadyInLibrary(t *testing.T) {
	aired := time.Now().Add(-time.Hour)
	md := &fakeMetadata{entry: &collaborators.CatalogEntry{
		CatalogID: "c1",
		Episodes: []collaborators.EpisodeInfo{
			{Season: 1, Episode: 1, Title: "Pilot", AirDate: &aired},
			{Season: 1, Episode: 2, Title: "Second", AirDate: &aired},
		},
	}}
	svc, st := newTestService(t, md)
	ctx := context.Background()

	require.NoError(t, st.UpsertEpisodeLibraryItem(ctx, &domain.EpisodeLibraryItem{
		CatalogID: "c1", Season: 1, Episode: 1, ServerID: "s1",
	}))

	result, err := svc.CreateTV(ctx, CreateTVInput{
		CatalogID: "c1", Title: "Show", Year: 2020,
		Targets: []domain.Target{{ServerID: "s1"}}, Seasons: []int{1},
	})
	require.NoError(t, err)

	items, err := st.ListItemsByRequest(ctx, result.RequestID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	byEpisode := map[int]*domain.ProcessingItem{}
	for _, it := range items {
		byEpisode[*it.Episode] = it
	}
	assert.Equal(t, domain.StatusCompleted, byEpisode[1].Status)
	assert.NotEqual(t, domain.StatusCompleted, byEpisode[2].Status)
}

func TestGet_ReturnsAggregatedSummary(t *testing.T) {
	svc, _ := newTestService(t, &fakeMetadata{})
	ctx := context.Background()

	result, err := svc.CreateMovie(ctx, CreateMovieInput{CatalogID: "c1", Title: "Arrival", Year: 2016, Targets: []domain.Target{{ServerID: "s1"}}})
	require.NoError(t, err)

	view, err := svc.Get(ctx, result.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "Arrival", view.Request.Title)
	assert.Equal(t, 1, view.Summary.Total)
}

func TestGet_UnknownRequestReturnsNotFound(t *testing.T) {
	svc, _ := newTestService(t, &fakeMetadata{})
	_, err := svc.Get(context.Background(), "missing")
	assert.Error(t, err)
}

func TestCancel_MarksNonTerminalItemsCancelled(t *testing.T) {
	svc, st := newTestService(t, &fakeMetadata{})
	ctx := context.Background()

	result, err := svc.CreateMovie(ctx, CreateMovieInput{CatalogID: "c1", Title: "Arrival", Year: 2016, Targets: []domain.Target{{ServerID: "s1"}}})
	require.NoError(t, err)

	require.NoError(t, svc.Cancel(ctx, result.RequestID))

	items, err := st.ListItemsByRequest(ctx, result.RequestID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, items[0].Status)
}

func TestAcceptLowerQuality_PinsReleaseAndClearsAlternatives(t *testing.T) {
	svc, st := newTestService(t, &fakeMetadata{})
	ctx := context.Background()

	result, err := svc.CreateMovie(ctx, CreateMovieInput{CatalogID: "c1", Title: "Arrival", Year: 2016, Targets: []domain.Target{{ServerID: "s1"}}})
	require.NoError(t, err)

	req, err := st.GetRequest(ctx, result.RequestID)
	require.NoError(t, err)
	req.AvailableReleases = []domain.Release{{Title: "Arrival.720p"}, {Title: "Arrival.480p"}}
	require.NoError(t, st.UpdateRequest(ctx, req))

	require.NoError(t, svc.AcceptLowerQuality(ctx, result.RequestID, 0))

	updated, err := st.GetRequest(ctx, result.RequestID)
	require.NoError(t, err)
	require.NotNil(t, updated.SelectedRelease)
	assert.Equal(t, "Arrival.720p", updated.SelectedRelease.Title)
	assert.Empty(t, updated.AvailableReleases)
}

func TestAcceptLowerQuality_RejectsOutOfRangeIndex(t *testing.T) {
	svc, _ := newTestService(t, &fakeMetadata{})
	ctx := context.Background()

	result, err := svc.CreateMovie(ctx, CreateMovieInput{CatalogID: "c1", Title: "Arrival", Year: 2016, Targets: []domain.Target{{ServerID: "s1"}}})
	require.NoError(t, err)

	assert.Error(t, svc.AcceptLowerQuality(ctx, result.RequestID, 5))
}

func TestGetEpisodeStatuses_GroupsBySeasonSortedByEpisode(t *testing.T) {
	aired := time.Now().Add(-time.Hour)
	md := &fakeMetadata{entry: &collaborators.CatalogEntry{
		CatalogID: "c1",
		Episodes: []collaborators.EpisodeInfo{
			{Season: 1, Episode: 2, Title: "Second", AirDate: &aired},
			{Season: 1, Episode: 1, Title: "Pilot", AirDate: &aired},
		},
	}}
	svc, _ := newTestService(t, md)
	ctx := context.Background()

	result, err := svc.CreateTV(ctx, CreateTVInput{
		CatalogID: "c1", Title: "Show", Year: 2020, Targets: []domain.Target{{ServerID: "s1"}}, Seasons: []int{1},
	})
	require.NoError(t, err)

	groups, err := svc.GetEpisodeStatuses(ctx, result.RequestID)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Len(t, groups[0].Episodes, 2)
	assert.Equal(t, 1, groups[0].Episodes[0].Episode)
	assert.Equal(t, 2, groups[0].Episodes[1].Episode)
}

func TestGetAlternatives_ReturnsStoredReleases(t *testing.T) {
	svc, st := newTestService(t, &fakeMetadata{})
	ctx := context.Background()

	result, err := svc.CreateMovie(ctx, CreateMovieInput{CatalogID: "c1", Title: "Arrival", Year: 2016, Targets: []domain.Target{{ServerID: "s1"}}})
	require.NoError(t, err)

	req, err := st.GetRequest(ctx, result.RequestID)
	require.NoError(t, err)
	req.AvailableReleases = []domain.Release{{Title: "Arrival.720p"}}
	require.NoError(t, st.UpdateRequest(ctx, req))

	alts, err := svc.GetAlternatives(ctx, result.RequestID)
	require.NoError(t, err)
	require.Len(t, alts, 1)
	assert.Equal(t, "Arrival.720p", alts[0].Title)
}
