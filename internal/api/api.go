// Package api implements the transport-agnostic command table every
// transport adapter (gin HTTP, a future gRPC or CLI front end) sits on
// top of. It holds no framework types — every method takes and returns
// plain structs and domain errors callers translate at the edge.
package api

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"mediabroker/internal/activity"
	"mediabroker/internal/aggregator"
	"mediabroker/internal/apierr"
	"mediabroker/internal/collaborators"
	"mediabroker/internal/domain"
	"mediabroker/internal/pipeline"
	"mediabroker/internal/quality"
	"mediabroker/internal/store"
)

// Service implements the full command table (§6): request lifecycle,
// episode-level status, and release-selection overrides. It is the thing
// a gin Handler (or any other transport) calls into.
type Service struct {
	store      store.Store
	executor   *pipeline.Executor
	metadata   collaborators.MetadataProvider
	activity   *activity.Recorder
	idemSecret []byte
}

func New(st store.Store, ex *pipeline.Executor, md collaborators.MetadataProvider, rec *activity.Recorder, idemSecret string) *Service {
	return &Service{store: st, executor: ex, metadata: md, activity: rec, idemSecret: []byte(idemSecret)}
}

// CreateMovieInput is the body of createRequest.movie.
type CreateMovieInput struct {
	CatalogID       string
	Title           string
	Year            int
	Targets         []domain.Target
	SelectedRelease *domain.Release
	TemplateID      string
	IdempotencyKey  string // caller-supplied token from a prior attempt's result, see idempotencyToken
}

// CreateTVInput is the body of createRequest.tv.
type CreateTVInput struct {
	CatalogID       string
	Title           string
	Year            int
	Targets         []domain.Target
	Seasons         []int
	Episodes        []int // specific "season*100+episode" identifiers; empty means "every episode in Seasons"
	SelectedRelease *domain.Release
	TemplateID      string
	Subscribe       bool
	IdempotencyKey  string
}

// CreateResult is returned by both createRequest commands.
type CreateResult struct {
	RequestID        string
	IdempotencyToken string // present the same token on a retried create to avoid a duplicate
}

// idempotencyClaims embeds the inputs that must match for a replayed
// create to be considered the same request rather than a new one.
type idempotencyClaims struct {
	jwt.RegisteredClaims
	RequestID string `json:"rid"`
	Title     string `json:"title"`
	Year      int    `json:"year"`
}

func (s *Service) issueIdempotencyToken(requestID, title string, year int) (string, error) {
	claims := idempotencyClaims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour))},
		RequestID:        requestID, Title: title, Year: year,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(s.idemSecret)
}

// resolveIdempotentCreate returns the existing request ID if key is a
// valid, unexpired token this Service issued for a matching title/year,
// so a client retrying a timed-out create doesn't spawn a duplicate
// Request.
func (s *Service) resolveIdempotentCreate(ctx context.Context, key, title string, year int) (string, bool) {
	if key == "" {
		return "", false
	}
	var claims idempotencyClaims
	tok, err := jwt.ParseWithClaims(key, &claims, func(*jwt.Token) (interface{}, error) {
		return s.idemSecret, nil
	})
	if err != nil || !tok.Valid || claims.Title != title || claims.Year != year {
		return "", false
	}
	if _, err := s.store.GetRequest(ctx, claims.RequestID); err != nil {
		return "", false
	}
	return claims.RequestID, true
}

func (s *Service) defaultTemplate(ctx context.Context, templateID string, kind domain.MediaKind) (*domain.PipelineTemplate, error) {
	if templateID != "" {
		return s.store.GetTemplate(ctx, templateID)
	}
	return s.store.GetDefaultTemplate(ctx, kind)
}

// requiredResolution derives the Search-time floor as the maximum
// MaxResolution among targets. A target with no MaxResolution set places
// no floor of its own.
func requiredResolution(targets []domain.Target) string {
	resolutions := make([]string, 0, len(targets))
	for _, t := range targets {
		resolutions = append(resolutions, t.MaxResolution)
	}
	res := quality.DeriveRequiredResolution(resolutions)
	if res == quality.ResUnknown {
		return quality.Res1080p.String()
	}
	return res.String()
}

// alreadyDelivered reports whether every target already has this episode,
// per the library cache populated by a prior successful delivery — a
// createRequest.tv call that re-requests a season skips redoing that work.
func (s *Service) alreadyDelivered(ctx context.Context, catalogID string, season, episode int, targets []domain.Target) bool {
	if len(targets) == 0 {
		return false
	}
	for _, t := range targets {
		has, err := s.store.HasEpisodeLibraryItem(ctx, catalogID, season, episode, t.ServerID)
		if err != nil || !has {
			return false
		}
	}
	return true
}

// CreateMovie implements createRequest.movie.
func (s *Service) CreateMovie(ctx context.Context, in CreateMovieInput) (*CreateResult, error) {
	if existing, ok := s.resolveIdempotentCreate(ctx, in.IdempotencyKey, in.Title, in.Year); ok {
		tok, _ := s.issueIdempotencyToken(existing, in.Title, in.Year)
		return &CreateResult{RequestID: existing, IdempotencyToken: tok}, nil
	}
	if len(in.Targets) == 0 {
		return nil, apierr.NewPrecondition("api.CreateMovie", fmt.Errorf("at least one target is required"))
	}

	tmpl, err := s.defaultTemplate(ctx, in.TemplateID, domain.KindMovie)
	if err != nil {
		return nil, apierr.NewFatalMisconfig("api.CreateMovie", fmt.Errorf("no pipeline template available: %w", err))
	}

	now := time.Now()
	req := &domain.Request{
		ID: uuid.NewString(), Kind: domain.KindMovie, CatalogID: in.CatalogID, Title: in.Title, Year: in.Year,
		Targets: in.Targets, SelectedRelease: in.SelectedRelease, RequiredResolution: requiredResolution(in.Targets),
		TemplateID: tmpl.ID, CreatedAt: now, UpdatedAt: now,
	}
	if err := s.store.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("api: create request: %w", err)
	}

	item := &domain.ProcessingItem{
		ID: uuid.NewString(), RequestID: req.ID, Kind: domain.ItemMovie, Title: in.Title,
		Status: domain.StatusPending, StepContext: map[string]any{}, MaxAttempts: 5,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.store.CreateItem(ctx, item); err != nil {
		return nil, fmt.Errorf("api: create item: %w", err)
	}

	if err := s.startExecution(ctx, req, item, tmpl); err != nil {
		return nil, err
	}
	s.logActivity(ctx, req.ID, "request_created", fmt.Sprintf("movie request created: %s (%d)", in.Title, in.Year), nil)

	tok, err := s.issueIdempotencyToken(req.ID, in.Title, in.Year)
	if err != nil {
		return nil, fmt.Errorf("api: issue idempotency token: %w", err)
	}
	return &CreateResult{RequestID: req.ID, IdempotencyToken: tok}, nil
}

// CreateTV implements createRequest.tv: it expands Seasons/Episodes into
// one ProcessingItem per episode using the metadata provider, then starts
// a Branch-rooted Execution that fans out to each episode independently.
func (s *Service) CreateTV(ctx context.Context, in CreateTVInput) (*CreateResult, error) {
	if existing, ok := s.resolveIdempotentCreate(ctx, in.IdempotencyKey, in.Title, in.Year); ok {
		tok, _ := s.issueIdempotencyToken(existing, in.Title, in.Year)
		return &CreateResult{RequestID: existing, IdempotencyToken: tok}, nil
	}
	if len(in.Targets) == 0 {
		return nil, apierr.NewPrecondition("api.CreateTV", fmt.Errorf("at least one target is required"))
	}

	entry, err := s.metadata.GetByID(ctx, in.CatalogID)
	if err != nil {
		return nil, apierr.NewExternal("api.CreateTV", err)
	}

	tmpl, err := s.defaultTemplate(ctx, in.TemplateID, domain.KindTV)
	if err != nil {
		return nil, apierr.NewFatalMisconfig("api.CreateTV", fmt.Errorf("no pipeline template available: %w", err))
	}

	wantSeasons := toSet(in.Seasons)
	now := time.Now()
	req := &domain.Request{
		ID: uuid.NewString(), Kind: domain.KindTV, CatalogID: in.CatalogID, Title: in.Title, Year: in.Year,
		Seasons: in.Seasons, Episodes: in.Episodes, Subscribe: in.Subscribe, Targets: in.Targets,
		SelectedRelease: in.SelectedRelease, RequiredResolution: requiredResolution(in.Targets),
		TemplateID: tmpl.ID, CreatedAt: now, UpdatedAt: now,
	}
	if err := s.store.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("api: create request: %w", err)
	}

	var items []*domain.ProcessingItem
	for _, ep := range entry.Episodes {
		if len(wantSeasons) > 0 && !wantSeasons[ep.Season] {
			continue
		}
		if !episodeSelected(in.Episodes, ep.Season, ep.Episode) {
			continue
		}
		season, episode := ep.Season, ep.Episode
		it := &domain.ProcessingItem{
			ID: uuid.NewString(), RequestID: req.ID, Kind: domain.ItemEpisode,
			Season: &season, Episode: &episode, AirDate: ep.AirDate, Title: ep.Title,
			Status: domain.StatusPending, StepContext: map[string]any{}, MaxAttempts: 5,
			CreatedAt: now, UpdatedAt: now,
		}
		if ep.AirDate != nil && ep.AirDate.After(now) {
			it.Status = domain.StatusAwaiting
		}
		if s.alreadyDelivered(ctx, in.CatalogID, season, episode, in.Targets) {
			it.Status = domain.StatusCompleted
			it.Progress = 100
		}
		if err := s.store.CreateItem(ctx, it); err != nil {
			return nil, fmt.Errorf("api: create episode item: %w", err)
		}
		items = append(items, it)
	}
	if len(items) == 0 {
		return nil, apierr.NewPrecondition("api.CreateTV", fmt.Errorf("no matching episodes found for the requested seasons/episodes"))
	}

	branchTmpl := []domain.StepDefinition{{Kind: "branch", Name: "episodes", Children: tmpl.Steps}}
	root := &domain.Execution{
		ID: uuid.NewString(), RequestID: req.ID, TemplateID: tmpl.ID, Steps: branchTmpl,
		Status: domain.ExecutionRunning, Context: map[string]any{}, StartedAt: now, UpdatedAt: now,
	}
	if err := s.store.CreateExecution(ctx, root); err != nil {
		return nil, fmt.Errorf("api: create execution: %w", err)
	}
	env := &pipeline.Env{Store: s.store, Request: req}
	go func() {
		if err := s.executor.Start(context.Background(), root, env); err != nil {
			_ = err // surfaced via Execution.FailedReason; nothing more to do on this goroutine
		}
	}()

	s.logActivity(ctx, req.ID, "request_created", fmt.Sprintf("tv request created: %s (%d), %d episodes", in.Title, in.Year, len(items)), nil)

	tok, err := s.issueIdempotencyToken(req.ID, in.Title, in.Year)
	if err != nil {
		return nil, fmt.Errorf("api: issue idempotency token: %w", err)
	}
	return &CreateResult{RequestID: req.ID, IdempotencyToken: tok}, nil
}

func toSet(vals []int) map[int]bool {
	if len(vals) == 0 {
		return nil
	}
	set := make(map[int]bool, len(vals))
	for _, v := range vals {
		set[v] = true
	}
	return set
}

// episodeSelected reports whether (season, episode) matches the
// caller-specified Episodes filter; an empty filter means "every episode
// in the selected seasons".
func episodeSelected(episodes []int, season, episode int) bool {
	if len(episodes) == 0 {
		return true
	}
	want := season*100 + episode
	for _, e := range episodes {
		if e == want {
			return true
		}
	}
	return false
}

func (s *Service) startExecution(ctx context.Context, req *domain.Request, item *domain.ProcessingItem, tmpl *domain.PipelineTemplate) error {
	now := time.Now()
	exec := &domain.Execution{
		ID: uuid.NewString(), RequestID: req.ID, TemplateID: tmpl.ID, Steps: tmpl.Steps,
		Status: domain.ExecutionRunning, Context: map[string]any{}, StartedAt: now, UpdatedAt: now,
	}
	if err := s.store.CreateExecution(ctx, exec); err != nil {
		return fmt.Errorf("api: create execution: %w", err)
	}
	env := &pipeline.Env{Store: s.store, Request: req, Item: item}
	go func() {
		if err := s.executor.Start(context.Background(), exec, env); err != nil {
			_ = err
		}
	}()
	return nil
}

func (s *Service) logActivity(ctx context.Context, requestID, kind, message string, details map[string]any) {
	if s.activity == nil {
		return
	}
	_ = s.activity.Append(ctx, requestID, kind, message, details)
}

// ListInput is the body of list.
type ListInput struct {
	Limit  int
	Status aggregator.Status
}

// RequestView is one row returned by list and the value returned by get.
type RequestView struct {
	Request domain.Request
	Summary aggregator.Summary
}

// List implements list: requests sorted by createdAt desc, optionally
// filtered by derived aggregate status, capped at 100.
func (s *Service) List(ctx context.Context, in ListInput) ([]RequestView, error) {
	limit := in.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	requests, err := s.store.ListRequests(ctx)
	if err != nil {
		return nil, fmt.Errorf("api: list requests: %w", err)
	}
	sort.Slice(requests, func(i, j int) bool { return requests[i].CreatedAt.After(requests[j].CreatedAt) })

	out := make([]RequestView, 0, limit)
	for _, r := range requests {
		summary, err := s.summarize(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		if in.Status != "" && summary.Status != in.Status {
			continue
		}
		out = append(out, RequestView{Request: *r, Summary: summary})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Service) summarize(ctx context.Context, requestID string) (aggregator.Summary, error) {
	items, err := s.store.ListItemsByRequest(ctx, requestID)
	if err != nil {
		return aggregator.Summary{}, fmt.Errorf("api: list items for %s: %w", requestID, err)
	}
	values := make([]domain.ProcessingItem, len(items))
	for i, it := range items {
		values[i] = *it
	}
	return aggregator.Aggregate(values), nil
}

// Get implements get.
func (s *Service) Get(ctx context.Context, requestID string) (*RequestView, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		if err == store.ErrNoRows {
			return nil, apierr.NewNotFound("api.Get", fmt.Errorf("request %s", requestID))
		}
		return nil, err
	}
	summary, err := s.summarize(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return &RequestView{Request: *req, Summary: summary}, nil
}

// Cancel implements cancel: every non-terminal item moves to cancelled and
// the request's running Executions are cancelled.
func (s *Service) Cancel(ctx context.Context, requestID string) error {
	if _, err := s.requireRequest(ctx, requestID); err != nil {
		return err
	}
	items, err := s.store.ListItemsByRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("api: list items: %w", err)
	}
	for _, it := range items {
		if it.Status.IsTerminal() {
			continue
		}
		it.Status = domain.StatusCancelled
		if err := s.store.UpdateItem(ctx, it); err != nil {
			return fmt.Errorf("api: cancel item %s: %w", it.ID, err)
		}
	}
	execs, err := s.store.ListExecutionsByRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("api: list executions: %w", err)
	}
	for _, e := range execs {
		_ = s.executor.Cancel(ctx, e.ID)
	}
	s.logActivity(ctx, requestID, "request_cancelled", "request cancelled", nil)
	return nil
}

// Retry implements retry: resets failed and cancelled items to pending and
// restarts an Execution per reset item from the request's template.
// Completed items are left as they are.
func (s *Service) Retry(ctx context.Context, requestID string) error {
	req, err := s.requireRequest(ctx, requestID)
	if err != nil {
		return err
	}
	tmpl, err := s.defaultTemplate(ctx, req.TemplateID, req.Kind)
	if err != nil {
		return apierr.NewFatalMisconfig("api.Retry", err)
	}
	items, err := s.store.ListItemsByRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("api: list items: %w", err)
	}
	for _, it := range items {
		if it.Status != domain.StatusFailed && it.Status != domain.StatusCancelled {
			continue
		}
		it.Status = domain.StatusPending
		it.LastError = ""
		it.Attempts = 0
		if err := s.store.UpdateItem(ctx, it); err != nil {
			return fmt.Errorf("api: reset item %s: %w", it.ID, err)
		}
		if err := s.startExecution(ctx, req, it, tmpl); err != nil {
			return err
		}
	}
	s.logActivity(ctx, requestID, "request_retried", "request retried", nil)
	return nil
}

// Delete implements delete: cascading removal of the request and every
// item, download, and execution it owns.
func (s *Service) Delete(ctx context.Context, requestID string) error {
	if _, err := s.requireRequest(ctx, requestID); err != nil {
		return err
	}
	if err := s.store.DeleteRequestCascade(ctx, requestID); err != nil {
		return fmt.Errorf("api: delete request: %w", err)
	}
	return nil
}

// AcceptLowerQuality implements acceptLowerQuality: pins the chosen
// below-quality release (by its index in the stored AvailableReleases)
// as the request's SelectedRelease and re-enters the pipeline past
// Search.
func (s *Service) AcceptLowerQuality(ctx context.Context, requestID string, releaseIndex int) error {
	req, err := s.requireRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if releaseIndex < 0 || releaseIndex >= len(req.AvailableReleases) {
		return apierr.NewPrecondition("api.AcceptLowerQuality", fmt.Errorf("release index %d out of range", releaseIndex))
	}
	chosen := req.AvailableReleases[releaseIndex]
	req.SelectedRelease = &chosen
	req.AvailableReleases = nil
	req.UpdatedAt = time.Now()
	if err := s.store.UpdateRequest(ctx, req); err != nil {
		return fmt.Errorf("api: persist request: %w", err)
	}
	return s.rearmQualityUnavailableItems(ctx, req)
}

// RefreshQualitySearch implements refreshQualitySearch: clears stored
// alternatives and re-enters Search for every item still waiting on one.
func (s *Service) RefreshQualitySearch(ctx context.Context, requestID string) error {
	req, err := s.requireRequest(ctx, requestID)
	if err != nil {
		return err
	}
	req.AvailableReleases = nil
	req.UpdatedAt = time.Now()
	if err := s.store.UpdateRequest(ctx, req); err != nil {
		return fmt.Errorf("api: persist request: %w", err)
	}
	return s.rearmQualityUnavailableItems(ctx, req)
}

func (s *Service) rearmQualityUnavailableItems(ctx context.Context, req *domain.Request) error {
	tmpl, err := s.defaultTemplate(ctx, req.TemplateID, req.Kind)
	if err != nil {
		return apierr.NewFatalMisconfig("api.rearmQualityUnavailableItems", err)
	}
	items, err := s.store.ListItemsByRequest(ctx, req.ID)
	if err != nil {
		return fmt.Errorf("api: list items: %w", err)
	}
	for _, it := range items {
		if it.Status != domain.StatusQualityUnavailable && it.Status != domain.StatusAwaiting {
			continue
		}
		it.Status = domain.StatusPending
		if err := s.store.UpdateItem(ctx, it); err != nil {
			return fmt.Errorf("api: reset item %s: %w", it.ID, err)
		}
		if err := s.startExecution(ctx, req, it, tmpl); err != nil {
			return err
		}
	}
	return nil
}

// Reprocess implements reprocess: every downloaded or failed item that
// has a DownloadID is reset to downloaded and started on a fresh
// Execution of the request's full template. It does not check that the
// downloaded file is still on disk and does not skip ahead to a later
// step; the download step does not re-download an item that already has
// a DownloadID.
func (s *Service) Reprocess(ctx context.Context, requestID string) error {
	req, err := s.requireRequest(ctx, requestID)
	if err != nil {
		return err
	}
	tmpl, err := s.defaultTemplate(ctx, req.TemplateID, req.Kind)
	if err != nil {
		return apierr.NewFatalMisconfig("api.Reprocess", err)
	}
	items, err := s.store.ListItemsByRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("api: list items: %w", err)
	}
	for _, it := range items {
		if it.Status != domain.StatusDownloaded && it.Status != domain.StatusFailed {
			continue
		}
		if it.DownloadID == "" {
			continue
		}
		it.Status = domain.StatusDownloaded
		it.LastError = ""
		if err := s.store.UpdateItem(ctx, it); err != nil {
			return fmt.Errorf("api: reset item %s: %w", it.ID, err)
		}
		if err := s.startExecution(ctx, req, it, tmpl); err != nil {
			return err
		}
	}
	s.logActivity(ctx, requestID, "request_reprocessed", "reprocess requested", nil)
	return nil
}

// EpisodeStatus is one row of getEpisodeStatuses.
type EpisodeStatus struct {
	Season   int
	Episode  int
	Title    string
	Status   domain.ItemStatus
	Progress int
}

// SeasonGroup groups episode statuses by season for getEpisodeStatuses.
type SeasonGroup struct {
	Season   int
	Episodes []EpisodeStatus
}

// GetEpisodeStatuses implements getEpisodeStatuses.
func (s *Service) GetEpisodeStatuses(ctx context.Context, requestID string) ([]SeasonGroup, error) {
	if _, err := s.requireRequest(ctx, requestID); err != nil {
		return nil, err
	}
	items, err := s.store.ListItemsByRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("api: list items: %w", err)
	}
	bySeason := map[int][]EpisodeStatus{}
	for _, it := range items {
		if it.Kind != domain.ItemEpisode || it.Season == nil || it.Episode == nil {
			continue
		}
		bySeason[*it.Season] = append(bySeason[*it.Season], EpisodeStatus{
			Season: *it.Season, Episode: *it.Episode, Title: it.Title, Status: it.Status, Progress: it.Progress,
		})
	}
	seasons := make([]int, 0, len(bySeason))
	for season := range bySeason {
		seasons = append(seasons, season)
	}
	sort.Ints(seasons)

	out := make([]SeasonGroup, 0, len(seasons))
	for _, season := range seasons {
		eps := bySeason[season]
		sort.Slice(eps, func(i, j int) bool { return eps[i].Episode < eps[j].Episode })
		out = append(out, SeasonGroup{Season: season, Episodes: eps})
	}
	return out, nil
}

// GetAlternatives implements getAlternatives.
func (s *Service) GetAlternatives(ctx context.Context, requestID string) ([]domain.Release, error) {
	req, err := s.requireRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return req.AvailableReleases, nil
}

func (s *Service) requireRequest(ctx context.Context, requestID string) (*domain.Request, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		if err == store.ErrNoRows {
			return nil, apierr.NewNotFound("api", fmt.Errorf("request %s", requestID))
		}
		return nil, err
	}
	return req, nil
}
