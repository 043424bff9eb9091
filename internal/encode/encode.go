// Package encode coordinates remote encode jobs: resolving the profile for
// each delivery target, grouping targets that share a profile so the
// source is only encoded once per distinct output, submitting jobs to the
// encoder pool, and polling them to completion.
package encode

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mediabroker/internal/apierr"
	"mediabroker/internal/collaborators"
	"mediabroker/internal/domain"
)

// ProfileResolver resolves the encode profile for a target, applying the
// priority order target override -> server default -> system default.
type ProfileResolver struct {
	ServerDefaults map[string]string // serverId -> profileId
	SystemDefault  string
	Profiles       map[string]collaborators.EncodeProfile
}

func (r ProfileResolver) Resolve(target domain.Target) (collaborators.EncodeProfile, error) {
	profileID := target.ProfileID
	if profileID == "" {
		profileID = r.ServerDefaults[target.ServerID]
	}
	if profileID == "" {
		profileID = r.SystemDefault
	}
	if profileID == "" {
		return collaborators.EncodeProfile{}, apierr.NewFatalMisconfig("encode.Resolve", fmt.Errorf("no profile resolves for server %s", target.ServerID))
	}
	p, ok := r.Profiles[profileID]
	if !ok {
		return collaborators.EncodeProfile{}, apierr.NewFatalMisconfig("encode.Resolve", fmt.Errorf("unknown profile %s", profileID))
	}
	return p, nil
}

// Job tracks one in-flight encode, possibly serving several targets that
// resolved to the same profile.
type Job struct {
	ID         string
	Profile    collaborators.EncodeProfile
	TargetIDs  []string // target server IDs this job's output will be delivered to
	OutputPath string
	Progress   int
	Done       bool
	Failed     bool
	Err        string
}

// Coordinator tracks active jobs by ID, mirroring the mutex+map bookkeeping
// style used throughout this codebase's other stateful coordinators.
type Coordinator struct {
	pool EncoderPool

	mu   sync.RWMutex
	jobs map[string]*Job

	pollInterval time.Duration
}

// EncoderPool is a local alias of collaborators.EncoderPool, kept as a
// named type so tests can inject a fake without importing collaborators.
type EncoderPool = collaborators.EncoderPool

func New(pool EncoderPool, pollInterval time.Duration) *Coordinator {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Coordinator{pool: pool, jobs: map[string]*Job{}, pollInterval: pollInterval}
}

// GroupTargets buckets targets by resolved profile ID so identical output
// is only encoded once.
func GroupTargets(targets []domain.Target, resolver ProfileResolver) (map[string][]domain.Target, map[string]collaborators.EncodeProfile, error) {
	groups := map[string][]domain.Target{}
	profiles := map[string]collaborators.EncodeProfile{}
	for _, t := range targets {
		profile, err := resolver.Resolve(t)
		if err != nil {
			return nil, nil, err
		}
		groups[profile.ID] = append(groups[profile.ID], t)
		profiles[profile.ID] = profile
	}
	return groups, profiles, nil
}

// Submit starts a job for sourcePath under profile, tracked for the given
// target server IDs.
func (c *Coordinator) Submit(ctx context.Context, sourcePath string, profile collaborators.EncodeProfile, targetIDs []string) (*Job, error) {
	jobID, err := c.pool.SubmitJob(ctx, sourcePath, profile)
	if err != nil {
		return nil, apierr.NewExternal("encode.Submit", err)
	}
	job := &Job{ID: jobID, Profile: profile, TargetIDs: targetIDs}
	c.mu.Lock()
	c.jobs[jobID] = job
	c.mu.Unlock()
	return job, nil
}

// WaitForCompletion polls a submitted job until it is done or failed, or
// ctx is cancelled. Progress is reported on each poll via onProgress.
func (c *Coordinator) WaitForCompletion(ctx context.Context, jobID string, onProgress func(progress int)) (*Job, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, apierr.NewCancelled("encode.WaitForCompletion", ctx.Err())
		case <-ticker.C:
			status, err := c.pool.GetJobStatus(ctx, jobID)
			if err != nil {
				return nil, apierr.NewExternal("encode.WaitForCompletion", err)
			}

			c.mu.Lock()
			job := c.jobs[jobID]
			if job == nil {
				c.mu.Unlock()
				return nil, fmt.Errorf("encode: unknown job %s", jobID)
			}
			job.Progress = status.Progress
			job.Done = status.Done
			job.Failed = status.Failed
			job.Err = status.Error
			job.OutputPath = status.OutputPath
			c.mu.Unlock()

			if onProgress != nil {
				onProgress(status.Progress)
			}
			if status.Failed {
				return job, apierr.NewExternal("encode.WaitForCompletion", fmt.Errorf("encode job %s failed: %s", jobID, status.Error))
			}
			if status.Done {
				return job, nil
			}
		}
	}
}

// Cancel stops a running job, used when the owning item is cancelled
// mid-encode.
func (c *Coordinator) Cancel(ctx context.Context, jobID string) error {
	if err := c.pool.CancelJob(ctx, jobID); err != nil {
		return apierr.NewExternal("encode.Cancel", err)
	}
	c.mu.Lock()
	delete(c.jobs, jobID)
	c.mu.Unlock()
	return nil
}

// GetJob returns the last known state for jobID. Jobs are held in memory
// only, so nothing survives a process restart; EncodeStep does not call it.
func (c *Coordinator) GetJob(jobID string) (*Job, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	j, ok := c.jobs[jobID]
	return j, ok
}
