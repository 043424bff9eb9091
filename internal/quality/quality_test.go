package quality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"mediabroker/internal/domain"
)

func TestParseResolution_LenientTokens(t *testing.T) {
	assert.Equal(t, Res2160p, ParseResolution("UHD 4K Remux"))
	assert.Equal(t, Res1080p, ParseResolution("1080p BluRay"))
	assert.Equal(t, ResUnknown, ParseResolution("garbage"))
}

func TestParseResolution_SourceTagIsNotAResolutionToken(t *testing.T) {
	assert.Equal(t, ResUnknown, ParseResolution("hdtv"))
}

func TestFilter_SplitsOnRequiredResolution(t *testing.T) {
	candidates := []domain.Release{
		{Resolution: "720p"},
		{Resolution: "1080p"},
		{Resolution: "2160p"},
	}
	matching, below := Filter(candidates, Res1080p)
	assert.Len(t, matching, 2)
	assert.Len(t, below, 1)
	assert.Equal(t, "720p", below[0].Resolution)
}

func TestRank_ResolutionDominatesSeeders(t *testing.T) {
	low := domain.Release{Resolution: "1080p", Source: "WEB-DL", Seeders: 500}
	high := domain.Release{Resolution: "2160p", Source: "HDTV", Seeders: 1}
	ranked := Rank([]domain.Release{low, high})
	assert.Equal(t, "2160p", ranked[0].Resolution, "no amount of seeders should beat a higher resolution")
}

func TestRank_EqualSourceAndSeedersBreakTieByRecency(t *testing.T) {
	older := domain.Release{Resolution: "1080p", Source: "WEB-DL", Seeders: 10, PublishedAt: time.Unix(100, 0)}
	newer := domain.Release{Resolution: "1080p", Source: "WEB-DL", Seeders: 10, PublishedAt: time.Unix(200, 0)}
	ranked := Rank([]domain.Release{older, newer})
	assert.True(t, ranked[0].PublishedAt.After(ranked[1].PublishedAt))
}

func TestDeriveRequiredResolution_MaxAcrossTargets(t *testing.T) {
	got := DeriveRequiredResolution([]string{"720p", "2160p", "1080p"})
	assert.Equal(t, Res2160p, got)
}
