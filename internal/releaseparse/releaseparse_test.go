package releaseparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse_SingleEpisode(t *testing.T) {
	p := Parse("The.Bear.S02E05.1080p.WEB-DL.x265-GROUP")
	assert.Equal(t, KindTV, p.Kind)
	assert.Equal(t, "The Bear", p.Title)
	assert.Equal(t, 2, p.Season)
	assert.Equal(t, 5, p.Episode)
	assert.Equal(t, 0, p.EpisodeEnd)
	assert.False(t, p.IsSeasonPack)
	assert.Equal(t, "1080p", p.Resolution)
	assert.Equal(t, "x265", p.Codec)
}

func TestParse_MultiEpisodeRange(t *testing.T) {
	p := Parse("Show.Name.S01E01-E03.720p.HDTV")
	assert.Equal(t, 1, p.Episode)
	assert.Equal(t, 3, p.EpisodeEnd)
}

func TestParse_AlternateSEFormat(t *testing.T) {
	p := Parse("Show.Name.1x05.WEBRip")
	assert.Equal(t, KindTV, p.Kind)
	assert.Equal(t, 1, p.Season)
	assert.Equal(t, 5, p.Episode)
}

func TestParse_SeasonPack(t *testing.T) {
	p := Parse("Show.Name.S03.COMPLETE.1080p.BluRay")
	assert.Equal(t, KindTV, p.Kind)
	assert.True(t, p.IsSeasonPack)
	assert.Equal(t, 3, p.Season)
	assert.Equal(t, 0, p.Episode)
}

func TestParse_Movie(t *testing.T) {
	p := Parse("Arrival.2016.2160p.UHD.BluRay.x265-GROUP")
	assert.Equal(t, KindMovie, p.Kind)
	assert.Equal(t, "Arrival", p.Title)
	assert.Equal(t, 2016, p.Year)
	assert.Equal(t, "2160p", p.Resolution)
}

func TestParse_UHDAnd4KNormalizeToResolution2160p(t *testing.T) {
	assert.Equal(t, "2160p", Parse("Movie.2020.4K.HDR").Resolution)
	assert.Equal(t, "2160p", Parse("Movie.2020.UHD.HDR").Resolution)
}

func TestParse_ParenthesizedYearTakesPriority(t *testing.T) {
	p := Parse("Blade Runner 2049 (2017) 1080p")
	assert.Equal(t, 2017, p.Year)
	assert.Equal(t, "Blade Runner 2049", p.Title)
}
