// Package selector implements release discovery and quality-aware
// selection: query the indexer, filter by title/season/episode, rank by
// quality.Rank, and decide whether the top candidate satisfies the
// request's required resolution or whether the item should park in
// quality_unavailable awaiting an operator decision.
package selector

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"mediabroker/internal/apierr"
	"mediabroker/internal/collaborators"
	"mediabroker/internal/domain"
	"mediabroker/internal/quality"
	"mediabroker/internal/releaseparse"
	"mediabroker/internal/textnorm"
)

// Selector searches an indexer and ranks the results against a request's
// required resolution. One Selector is shared by every step invocation;
// its rate limiter throttles outbound indexer queries across all of them.
type Selector struct {
	indexer  collaborators.IndexerClient
	limiter  *rate.Limiter
}

// New builds a Selector that allows at most qps indexer queries per
// second, bursting up to burst.
func New(indexer collaborators.IndexerClient, qps float64, burst int) *Selector {
	if qps <= 0 {
		qps = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &Selector{indexer: indexer, limiter: rate.NewLimiter(rate.Limit(qps), burst)}
}

// Result is what Search returns to the caller: the selected release (if
// any candidate satisfied required), the full ranked candidate list for
// persistence as Request.AvailableReleases, and whether a manual decision
// is needed.
type Result struct {
	Selected           *domain.Release
	Available          []domain.Release
	RequiredResolution quality.Resolution
	NeedsManualChoice  bool
}

// Search queries the indexer for title (optionally season/episode),
// strictly re-filters results by normalized title equality, ranks the
// survivors, and applies required as the acceptance bar.
func (s *Selector) Search(ctx context.Context, title string, year int, season, episode *int, required quality.Resolution) (*Result, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, apierr.NewCancelled("selector.Search", err)
	}

	candidates, err := s.indexer.Search(ctx, collaborators.IndexerQuery{
		Title: title, Year: year, Season: season, Episode: episode,
	})
	if err != nil {
		return nil, apierr.NewExternal("selector.Search", err)
	}

	matched := filterByTitle(candidates, title, season, episode)
	ranked := quality.Rank(matched)

	result := &Result{Available: ranked, RequiredResolution: required}
	matching, _ := quality.Filter(ranked, required)
	if len(matching) > 0 {
		top := matching[0]
		result.Selected = &top
	} else {
		result.NeedsManualChoice = true
	}
	return result, nil
}

// filterByTitle keeps only candidates whose normalized title exactly
// matches title, and — for TV — whose season/episode match the request and
// are not part of an unresolved season pack, per the strict-matching rule.
func filterByTitle(candidates []domain.Release, title string, season, episode *int) []domain.Release {
	var out []domain.Release
	for _, c := range candidates {
		p := releaseparse.Parse(c.Title)
		if !textnorm.Equal(p.Title, title) {
			continue
		}
		if season != nil {
			if p.Season != *season {
				continue
			}
			if episode != nil {
				if p.IsSeasonPack || p.Episode != *episode {
					continue
				}
			}
		}
		out = append(out, c)
	}
	return out
}

// GetAlternatives re-ranks a request's already-fetched AvailableReleases
// and annotates each with a title-similarity diagnostic against the
// requested title, for an operator choosing among near-misses.
func GetAlternatives(requestTitle string, available []domain.Release) []AlternativeView {
	ranked := quality.Rank(available)
	out := make([]AlternativeView, len(ranked))
	for i, r := range ranked {
		parsed := releaseparse.Parse(r.Title).Title
		out[i] = AlternativeView{
			Release:          r,
			TitleSimilarity:  textnorm.Similarity(requestTitle, parsed),
			StrictTitleMatch: textnorm.Equal(requestTitle, parsed),
		}
	}
	return out
}

// AlternativeView is a Release enriched with the diagnostic an operator
// sees when choosing a manual override.
type AlternativeView struct {
	Release          domain.Release
	TitleSimilarity  float64
	StrictTitleMatch bool
}

// RefreshDeadline returns an error when less than minInterval has passed
// since last. The api package's RefreshQualitySearch does not call it.
func RefreshDeadline(last time.Time, minInterval time.Duration) error {
	if time.Since(last) < minInterval {
		return fmt.Errorf("selector: refresh requested too soon, wait %s", minInterval-time.Since(last))
	}
	return nil
}
