// Package quality implements release ranking and filtering: a total order
// over resolutions, lenient string parsing of indexer-reported quality
// tags, and the scoring rule used to pick the best release among several
// that satisfy a request's required resolution.
package quality

import (
	"sort"
	"strings"

	"mediabroker/internal/domain"
)

// Resolution is a total-ordered quality tier. Comparisons use Rank, never
// string equality, so "4K" and "2160p" compare equal.
type Resolution int

const (
	ResUnknown Resolution = iota
	Res480p
	Res720p
	Res1080p
	Res2160p
)

var resolutionTokens = map[string]Resolution{
	"480p": Res480p, "480": Res480p, "sd": Res480p,
	"720p": Res720p, "720": Res720p,
	"1080p": Res1080p, "1080": Res1080p,
	"2160p": Res2160p, "2160": Res2160p, "4k": Res2160p, "uhd": Res2160p,
}

// ParseResolution lenient-matches any substring of s against known
// resolution tokens; it never errors, only falls back to ResUnknown.
func ParseResolution(s string) Resolution {
	lower := strings.ToLower(s)
	best := ResUnknown
	for token, res := range resolutionTokens {
		if strings.Contains(lower, token) && res > best {
			best = res
		}
	}
	return best
}

func (r Resolution) String() string {
	switch r {
	case Res480p:
		return "480p"
	case Res720p:
		return "720p"
	case Res1080p:
		return "1080p"
	case Res2160p:
		return "2160p"
	default:
		return "unknown"
	}
}

// SourceTier ranks a release's source tag; higher is preferable quality
// per byte. It is an exported package variable, so code in the same
// process can re-tier it; no configuration file or setting loads it.
var SourceTier = map[string]int{
	"remux":   6,
	"bluray":  5,
	"blu-ray": 5,
	"web-dl":  4,
	"webdl":   4,
	"web":     3,
	"webrip":  3,
	"hdtv":    2,
	"dvdrip":  1,
}

func sourceTier(source string) int {
	return SourceTier[strings.ToLower(source)]
}

// CodecTier ranks codec efficiency; used only as a tie-break after
// resolution and source.
var CodecTier = map[string]int{
	"av1":   4,
	"x265":  3,
	"hevc":  3,
	"h265":  3,
	"x264":  2,
	"h264":  2,
	"avc":   2,
	"xvid":  1,
	"divx":  1,
}

func codecTier(codec string) int {
	return CodecTier[strings.ToLower(codec)]
}

// DeriveRequiredResolution returns the maximum resolution requested across
// a request's targets, given each target's already-resolved resolution
// string.
func DeriveRequiredResolution(targetResolutions []string) Resolution {
	max := ResUnknown
	for _, tr := range targetResolutions {
		if r := ParseResolution(tr); r > max {
			max = r
		}
	}
	return max
}

// Filter splits candidates into those meeting required and those below it.
func Filter(candidates []domain.Release, required Resolution) (matching, below []domain.Release) {
	for _, c := range candidates {
		if ParseResolution(c.Resolution) >= required {
			matching = append(matching, c)
		} else {
			below = append(below, c)
		}
	}
	return matching, below
}

// Score combines resolution, source tier, codec tier and seeders into a
// single comparable value. It is monotonic in each factor but resolution
// dominates: no amount of seeders lets a 720p release outrank a 1080p one.
func Score(r domain.Release) float64 {
	res := float64(ParseResolution(r.Resolution)) * 1_000_000
	src := float64(sourceTier(r.Source)) * 10_000
	codec := float64(codecTier(r.Codec)) * 100
	seeders := float64(r.Seeders)
	if seeders > 99 {
		seeders = 99
	}
	return res + src + codec + seeders
}

// Rank orders candidates best-first: resolution, then source tier, then
// codec tier, then seeders, then the most recently published release wins
// remaining ties.
func Rank(candidates []domain.Release) []domain.Release {
	out := make([]domain.Release, len(candidates))
	copy(out, candidates)
	for i := range out {
		out[i].Score = Score(out[i])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].PublishedAt.After(out[j].PublishedAt)
	})
	return out
}
