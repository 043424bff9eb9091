// Package steps implements the concrete step kinds a pipeline template can
// reference. Each kind is a thin adapter: it reads what it needs from the
// branch Context or the Env, forwards into the already-grounded coordinator
// package that owns the real logic, and translates the result back into a
// pipeline.StepOutput. None of them hold business logic of their own.
package steps

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"mediabroker/internal/apierr"
	"mediabroker/internal/collaborators"
	"mediabroker/internal/delivery"
	"mediabroker/internal/domain"
	"mediabroker/internal/encode"
	"mediabroker/internal/filemapper"
	"mediabroker/internal/pipeline"
	"mediabroker/internal/quality"
	"mediabroker/internal/reconciler"
	"mediabroker/internal/selector"
)

// Kind names a template assigns to StepDefinition.Kind to select one of
// these implementations from the StepRegistry.
const (
	KindSearch          = "search"
	KindDownloadStart   = "downloadStart"
	KindDownloadMonitor = "downloadMonitor"
	KindMapFiles        = "mapFiles"
	KindEncode          = "encode"
	KindDeliver         = "deliver"
	KindApproval        = "approval"
	KindBranch          = "branch"
)

func persistItem(ctx context.Context, env *pipeline.Env) error {
	if env.Item == nil {
		return nil
	}
	env.Item.UpdatedAt = time.Now()
	return env.Store.UpdateItem(ctx, env.Item)
}

func episodeCoords(it *domain.ProcessingItem) (season, episode int) {
	if it == nil {
		return 0, 0
	}
	if it.Season != nil {
		season = *it.Season
	}
	if it.Episode != nil {
		episode = *it.Episode
	}
	return season, episode
}

// SearchStep queries the indexer through a Selector and decides whether a
// release satisfies the request, needs an operator decision, or isn't
// available at all yet.
type SearchStep struct {
	pipeline.BaseStep
	Selector         *selector.Selector
	AlternativesKept int // top-N below-quality releases retained for an operator; default 5
}

func (s *SearchStep) Execute(ctx context.Context, pctx *pipeline.Context, def domain.StepDefinition, env *pipeline.Env) (pipeline.StepOutput, error) {
	if env.Request.SelectedRelease != nil {
		return pipeline.StepOutput{Outcome: pipeline.OutcomeSuccess, Data: map[string]any{
			"release": *env.Request.SelectedRelease,
		}}, nil
	}

	var season, episode *int
	if env.Item != nil && env.Item.Kind == domain.ItemEpisode {
		season, episode = env.Item.Season, env.Item.Episode
	}

	required := quality.ParseResolution(env.Request.RequiredResolution)
	result, err := s.Selector.Search(ctx, env.Request.Title, env.Request.Year, season, episode, required)
	if err != nil {
		return pipeline.StepOutput{Outcome: pipeline.OutcomeFailure, Err: err}, nil
	}

	if !result.NeedsManualChoice {
		return pipeline.StepOutput{Outcome: pipeline.OutcomeSuccess, Data: map[string]any{
			"release":      *result.Selected,
			"alternatives": result.Available,
		}}, nil
	}

	_, below := quality.Filter(result.Available, required)
	if len(below) > 0 {
		kept := s.AlternativesKept
		if kept <= 0 {
			kept = 5
		}
		if len(below) > kept {
			below = below[:kept]
		}
		env.Request.AvailableReleases = below
		if env.Item != nil {
			env.Item.Status = domain.StatusQualityUnavailable
			if err := persistItem(ctx, env); err != nil {
				return pipeline.StepOutput{}, err
			}
		}
		return pipeline.StepOutput{Outcome: pipeline.OutcomeRetryLater, Reason: "no release meets required resolution"}, nil
	}

	if env.Item != nil {
		env.Item.Status = domain.StatusAwaiting
		if err := persistItem(ctx, env); err != nil {
			return pipeline.StepOutput{}, err
		}
	}
	return pipeline.StepOutput{Outcome: pipeline.OutcomeRetryLater, Reason: "no matching release found"}, nil
}

// DownloadStartStep submits (or attaches to) a torrent for the release the
// Search step placed in context.
type DownloadStartStep struct {
	pipeline.BaseStep
	Reconciler   *reconciler.Reconciler
	SavePathRoot string
}

func (s *DownloadStartStep) Execute(ctx context.Context, pctx *pipeline.Context, def domain.StepDefinition, env *pipeline.Env) (pipeline.StepOutput, error) {
	if env.Item != nil && env.Item.DownloadID != "" {
		return pipeline.StepOutput{Outcome: pipeline.OutcomeSkip}, nil
	}

	v, ok := pctx.Get("release")
	if !ok {
		return pipeline.StepOutput{Outcome: pipeline.OutcomeFailure, Err: fmt.Errorf("downloadStart: no release in context")}, nil
	}
	release, ok := v.(domain.Release)
	if !ok {
		return pipeline.StepOutput{Outcome: pipeline.OutcomeFailure, Err: fmt.Errorf("downloadStart: context release has wrong type")}, nil
	}

	savePath := filepath.Join(s.SavePathRoot, env.Request.ID)
	d, err := s.Reconciler.StartOrAttach(ctx, env.Request.ID, release, savePath)
	if err != nil {
		return pipeline.StepOutput{Outcome: pipeline.OutcomeFailure, Err: err}, nil
	}

	if env.Item != nil {
		env.Item.DownloadID = d.ID
		env.Item.Status = domain.StatusDownloading
		if err := persistItem(ctx, env); err != nil {
			return pipeline.StepOutput{}, err
		}
	}
	return pipeline.StepOutput{Outcome: pipeline.OutcomeSuccess, Data: map[string]any{"downloadId": d.ID}}, nil
}

// DownloadMonitorStep polls a Download to completion, rotating through
// alternatives on stall and re-arming Search when they run out.
type DownloadMonitorStep struct {
	pipeline.BaseStep
	Reconciler   *reconciler.Reconciler
	PollInterval time.Duration
}

func (s *DownloadMonitorStep) Execute(ctx context.Context, pctx *pipeline.Context, def domain.StepDefinition, env *pipeline.Env) (pipeline.StepOutput, error) {
	if env.Item == nil || env.Item.DownloadID == "" {
		return pipeline.StepOutput{Outcome: pipeline.OutcomeFailure, Err: fmt.Errorf("downloadMonitor: item has no download attached")}, nil
	}

	d, err := env.Store.GetDownload(ctx, env.Item.DownloadID)
	if err != nil {
		return pipeline.StepOutput{Outcome: pipeline.OutcomeFailure, Err: err}, nil
	}

	interval := s.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return pipeline.StepOutput{Outcome: pipeline.OutcomeFailure, Err: apierr.NewCancelled("downloadMonitor", ctx.Err())}, nil
		case <-ticker.C:
			done, err := s.Reconciler.PollOnce(ctx, d)
			if err != nil {
				return pipeline.StepOutput{Outcome: pipeline.OutcomeFailure, Err: err}, nil
			}
			if env.Item != nil {
				env.Item.Progress = d.Progress
				if env.Progress != nil {
					env.Progress(d.Progress)
				}
				if err := persistItem(ctx, env); err != nil {
					return pipeline.StepOutput{}, err
				}
			}

			if done {
				if env.Item != nil {
					env.Item.Status = domain.StatusDownloaded
					if err := persistItem(ctx, env); err != nil {
						return pipeline.StepOutput{}, err
					}
				}
				return pipeline.StepOutput{Outcome: pipeline.OutcomeSuccess, Data: map[string]any{"download": *d}}, nil
			}

			if !s.Reconciler.IsStalled(d) {
				continue
			}

			attempt++
			next, err := s.Reconciler.RotateToAlternative(ctx, d, attempt)
			if err != nil {
				if env.Item != nil {
					env.Item.Status = domain.StatusPending
					env.Item.DownloadID = ""
					if perr := persistItem(ctx, env); perr != nil {
						return pipeline.StepOutput{}, perr
					}
				}
				return pipeline.StepOutput{Outcome: pipeline.OutcomeRetryLater, Reason: "download stalled, alternatives exhausted"}, nil
			}

			reattached, err := s.Reconciler.StartOrAttach(ctx, env.Request.ID, *next, d.SavePath)
			if err != nil {
				return pipeline.StepOutput{Outcome: pipeline.OutcomeFailure, Err: err}, nil
			}
			d = reattached
			if env.Item != nil {
				env.Item.DownloadID = d.ID
				if err := persistItem(ctx, env); err != nil {
					return pipeline.StepOutput{}, err
				}
			}
		}
	}
}

// MapFilesStep resolves a completed Download's files to this item's source
// file once, then hands the path forward for encoding.
type MapFilesStep struct {
	pipeline.BaseStep
	Torrent collaborators.TorrentClient
	Mapper  *filemapper.Mapper
}

func (s *MapFilesStep) Execute(ctx context.Context, pctx *pipeline.Context, def domain.StepDefinition, env *pipeline.Env) (pipeline.StepOutput, error) {
	if _, ok := pctx.Get("sourceFilePath"); ok {
		return pipeline.StepOutput{Outcome: pipeline.OutcomeSkip}, nil
	}
	if env.Item == nil || env.Item.DownloadID == "" {
		return pipeline.StepOutput{Outcome: pipeline.OutcomeFailure, Err: fmt.Errorf("mapFiles: item has no download attached")}, nil
	}

	d, err := env.Store.GetDownload(ctx, env.Item.DownloadID)
	if err != nil {
		return pipeline.StepOutput{Outcome: pipeline.OutcomeFailure, Err: err}, nil
	}

	files, err := s.Torrent.GetTorrentFiles(ctx, d.TorrentHash)
	if err != nil {
		return pipeline.StepOutput{Outcome: pipeline.OutcomeFailure, Err: apierr.NewExternal("mapFiles", err)}, nil
	}

	candidates, err := s.Mapper.PrepareFiles(ctx, d.ContentPath, files)
	if err != nil {
		return pipeline.StepOutput{Outcome: pipeline.OutcomeFailure, Err: err}, nil
	}

	var chosen collaborators.TorrentFile
	if env.Item.Kind == domain.ItemMovie {
		chosen, err = filemapper.MapMovie(candidates)
	} else {
		season, episode := episodeCoords(env.Item)
		chosen, err = filemapper.MapEpisode(candidates, season, episode)
	}
	if err != nil {
		env.Item.Status = domain.StatusFailed
		env.Item.LastError = "Could not match file to episode"
		if perr := persistItem(ctx, env); perr != nil {
			return pipeline.StepOutput{}, perr
		}
		return pipeline.StepOutput{Outcome: pipeline.OutcomeFailure, Err: err}, nil
	}

	sourcePath := filepath.Join(d.ContentPath, chosen.Path)
	env.Item.Status = domain.StatusDownloaded
	if err := persistItem(ctx, env); err != nil {
		return pipeline.StepOutput{}, err
	}
	return pipeline.StepOutput{Outcome: pipeline.OutcomeSuccess, Data: map[string]any{"sourceFilePath": sourcePath}}, nil
}

// EncodeStep groups this item's targets by resolved profile and submits one
// encode job per distinct profile, waiting for each to finish in turn.
type EncodeStep struct {
	pipeline.BaseStep
	Coordinator *encode.Coordinator
	Resolver    encode.ProfileResolver
}

func (s *EncodeStep) Execute(ctx context.Context, pctx *pipeline.Context, def domain.StepDefinition, env *pipeline.Env) (pipeline.StepOutput, error) {
	if env.Item != nil {
		switch env.Item.Status {
		case domain.StatusEncoded, domain.StatusDelivering, domain.StatusCompleted:
			return pipeline.StepOutput{Outcome: pipeline.OutcomeSkip}, nil
		}
	}

	v, ok := pctx.Get("sourceFilePath")
	if !ok {
		return pipeline.StepOutput{Outcome: pipeline.OutcomeFailure, Err: fmt.Errorf("encode: no source file in context")}, nil
	}
	sourcePath, ok := v.(string)
	if !ok {
		return pipeline.StepOutput{Outcome: pipeline.OutcomeFailure, Err: fmt.Errorf("encode: context sourceFilePath has wrong type")}, nil
	}

	groups, profiles, err := encode.GroupTargets(env.Request.Targets, s.Resolver)
	if err != nil {
		return pipeline.StepOutput{Outcome: pipeline.OutcomeFailure, Err: err}, nil
	}

	if env.Item != nil {
		env.Item.Status = domain.StatusEncoding
		if err := persistItem(ctx, env); err != nil {
			return pipeline.StepOutput{}, err
		}
	}

	encodedPaths := map[string]string{}
	targetsByProfile := map[string][]string{}
	profilesByGroup := map[string]collaborators.EncodeProfile{}

	for profileID, targets := range groups {
		profile := profiles[profileID]
		ids := make([]string, len(targets))
		for i, t := range targets {
			ids[i] = t.ServerID
		}

		job, err := s.Coordinator.Submit(ctx, sourcePath, profile, ids)
		if err != nil {
			return pipeline.StepOutput{Outcome: pipeline.OutcomeFailure, Err: err}, nil
		}
		done, err := s.Coordinator.WaitForCompletion(ctx, job.ID, func(p int) {
			if env.Item != nil {
				env.Item.Progress = p
			}
			if env.Progress != nil {
				env.Progress(p)
			}
		})
		if err != nil {
			return pipeline.StepOutput{Outcome: pipeline.OutcomeFailure, Err: err}, nil
		}

		encodedPaths[profileID] = done.OutputPath
		targetsByProfile[profileID] = ids
		profilesByGroup[profileID] = profile
	}

	if env.Item != nil {
		env.Item.Status = domain.StatusEncoded
		if err := persistItem(ctx, env); err != nil {
			return pipeline.StepOutput{}, err
		}
	}

	return pipeline.StepOutput{Outcome: pipeline.OutcomeSuccess, Data: map[string]any{
		"encodedPaths":     encodedPaths,
		"targetsByProfile": targetsByProfile,
		"profilesByGroup":  profilesByGroup,
	}}, nil
}

// DeliverStep pushes each profile group's encoded file out to its target
// servers, completing the item if at least one server accepted it.
type DeliverStep struct {
	pipeline.BaseStep
	Coordinator *delivery.Coordinator
}

func deliveryFilename(item *domain.ProcessingItem, req *domain.Request, profile collaborators.EncodeProfile) string {
	suffix := fmt.Sprintf("%s.%s.%s", profile.Resolution, profile.VideoCodec, profile.Container)
	if item.Kind == domain.ItemMovie {
		return fmt.Sprintf("%s (%d).%s", req.Title, req.Year, suffix)
	}
	season, episode := episodeCoords(item)
	return fmt.Sprintf("%s - S%02dE%02d - %s.%s", req.Title, season, episode, item.Title, suffix)
}

// markLibraryDelivered records that serverID now has this item's content,
// so a future createRequest.tv can skip episodes already delivered there.
func markLibraryDelivered(ctx context.Context, env *pipeline.Env, serverID string, season, episode int) {
	entry := &domain.LibraryCacheEntry{
		CatalogID: env.Request.CatalogID, Kind: env.Request.Kind, ServerID: serverID, UpdatedAt: time.Now(),
	}
	if err := env.Store.UpsertLibraryCache(ctx, entry); err != nil {
		log.WithError(err).WithField("server", serverID).Warn("deliver: upsert library cache failed")
	}
	if env.Item == nil || env.Item.Kind != domain.ItemEpisode {
		return
	}
	item := &domain.EpisodeLibraryItem{
		CatalogID: env.Request.CatalogID, Season: season, Episode: episode, ServerID: serverID,
	}
	if err := env.Store.UpsertEpisodeLibraryItem(ctx, item); err != nil {
		log.WithError(err).WithField("server", serverID).Warn("deliver: upsert episode library item failed")
	}
}

func (s *DeliverStep) Execute(ctx context.Context, pctx *pipeline.Context, def domain.StepDefinition, env *pipeline.Env) (pipeline.StepOutput, error) {
	ev, ok := pctx.Get("encodedPaths")
	if !ok {
		return pipeline.StepOutput{Outcome: pipeline.OutcomeFailure, Err: fmt.Errorf("deliver: no encoded paths in context")}, nil
	}
	encodedPaths, _ := ev.(map[string]string)
	tv, _ := pctx.Get("targetsByProfile")
	targetsByProfile, _ := tv.(map[string][]string)
	pv, _ := pctx.Get("profilesByGroup")
	profilesByGroup, _ := pv.(map[string]collaborators.EncodeProfile)

	if env.Item != nil {
		env.Item.Status = domain.StatusDelivering
		if err := persistItem(ctx, env); err != nil {
			return pipeline.StepOutput{}, err
		}
	}

	season, episode := episodeCoords(env.Item)
	anySuccess := false

	for profileID, localPath := range encodedPaths {
		ids := targetsByProfile[profileID]
		targets := make([]domain.Target, len(ids))
		for i, id := range ids {
			targets[i] = domain.Target{ServerID: id}
		}
		filename := deliveryFilename(env.Item, env.Request, profilesByGroup[profileID])

		results, successes := s.Coordinator.Deliver(ctx, targets, localPath, env.Request.Kind, env.Request.Title, env.Request.Year, season, episode, filename,
			func(serverID string, sent, total int64) {
				if env.Progress == nil || total <= 0 {
					return
				}
				env.Progress(int(sent * 100 / total))
			})
		if successes > 0 {
			anySuccess = true
		}
		for _, res := range results {
			if res.Err != nil {
				continue
			}
			markLibraryDelivered(ctx, env, res.ServerID, season, episode)
		}
	}

	if anySuccess {
		if env.Item != nil {
			env.Item.Status = domain.StatusCompleted
		}
	} else if env.Item != nil {
		env.Item.Status = domain.StatusEncoded
	}
	if env.Item != nil {
		if err := persistItem(ctx, env); err != nil {
			return pipeline.StepOutput{}, err
		}
	}

	if !anySuccess {
		return pipeline.StepOutput{Outcome: pipeline.OutcomeFailure, Err: fmt.Errorf("deliver: every target server failed")}, nil
	}
	return pipeline.StepOutput{Outcome: pipeline.OutcomeSuccess}, nil
}

// ApprovalStep always pauses the branch the first time it runs. An operator
// resumes it by writing an "approved:<stepName>" flag into the item's
// stepContext before calling ResumeTree, which this step then honors as an
// idempotent short-circuit.
type ApprovalStep struct {
	pipeline.BaseStep
}

func approvalKey(def domain.StepDefinition) string {
	if def.Name != "" {
		return "approved:" + def.Name
	}
	return "approved"
}

func (s *ApprovalStep) Execute(ctx context.Context, pctx *pipeline.Context, def domain.StepDefinition, env *pipeline.Env) (pipeline.StepOutput, error) {
	if v, ok := pctx.Get(approvalKey(def)); ok {
		if approved, _ := v.(bool); approved {
			return pipeline.StepOutput{Outcome: pipeline.OutcomeSuccess}, nil
		}
	}
	reason := "awaiting manual approval"
	if def.Name != "" {
		reason = fmt.Sprintf("awaiting manual approval: %s", def.Name)
	}
	return pipeline.StepOutput{Outcome: pipeline.OutcomePause, Reason: reason}, nil
}

// BranchStep spawns one child Execution per episode item under the request
// that doesn't already have one, running def.Children as that episode's own
// tree. It does not wait for the children to finish.
type BranchStep struct {
	pipeline.BaseStep
	Executor *pipeline.Executor
}

func (s *BranchStep) Execute(ctx context.Context, pctx *pipeline.Context, def domain.StepDefinition, env *pipeline.Env) (pipeline.StepOutput, error) {
	if env.ExecutionID == "" {
		return pipeline.StepOutput{Outcome: pipeline.OutcomeFailure, Err: fmt.Errorf("branch: no owning execution id")}, nil
	}

	existing, err := env.Store.ListChildExecutions(ctx, env.ExecutionID)
	if err != nil {
		return pipeline.StepOutput{Outcome: pipeline.OutcomeFailure, Err: err}, nil
	}
	started := make(map[string]bool, len(existing))
	for _, e := range existing {
		started[e.EpisodeID] = true
	}

	items, err := env.Store.ListItemsByRequest(ctx, env.Request.ID)
	if err != nil {
		return pipeline.StepOutput{Outcome: pipeline.OutcomeFailure, Err: err}, nil
	}

	seed := pctx.Snapshot()
	spawned := 0
	for _, it := range items {
		if it.Kind != domain.ItemEpisode || started[it.ID] || it.Status.IsTerminal() {
			continue
		}

		now := time.Now()
		child := &domain.Execution{
			ID:                fmt.Sprintf("%s-%s", env.ExecutionID, it.ID),
			RequestID:         env.Request.ID,
			Steps:             def.Children,
			Status:            domain.ExecutionRunning,
			ParentExecutionID: env.ExecutionID,
			EpisodeID:         it.ID,
			Context:           seed,
			StartedAt:         now,
			UpdatedAt:         now,
		}
		if err := env.Store.CreateExecution(ctx, child); err != nil {
			return pipeline.StepOutput{Outcome: pipeline.OutcomeFailure, Err: err}, nil
		}

		childEnv := &pipeline.Env{Store: env.Store, Request: env.Request, Item: it, Progress: env.Progress}
		go s.Executor.Start(context.Background(), child, childEnv)
		spawned++
	}

	return pipeline.StepOutput{Outcome: pipeline.OutcomeSuccess, Data: map[string]any{"branchesSpawned": spawned}, StopBranch: true}, nil
}

// Register wires every concrete kind into reg under its Kind constant.
func Register(reg *pipeline.StepRegistry, search *SearchStep, downloadStart *DownloadStartStep, downloadMonitor *DownloadMonitorStep, mapFiles *MapFilesStep, enc *EncodeStep, deliver *DeliverStep, approval *ApprovalStep, branch *BranchStep) {
	reg.Register(KindSearch, search)
	reg.Register(KindDownloadStart, downloadStart)
	reg.Register(KindDownloadMonitor, downloadMonitor)
	reg.Register(KindMapFiles, mapFiles)
	reg.Register(KindEncode, enc)
	reg.Register(KindDeliver, deliver)
	reg.Register(KindApproval, approval)
	reg.Register(KindBranch, branch)
}
