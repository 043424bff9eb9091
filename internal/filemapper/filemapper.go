// Package filemapper resolves a completed Download's files to the
// ProcessingItems waiting on them: the single largest file for a movie,
// per-episode filename matching for TV, with sample files filtered out
// before either rule runs. RAR-compressed downloads are extracted through
// an injected Extractor before mapping.
package filemapper

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"mediabroker/internal/collaborators"
	"mediabroker/internal/releaseparse"
)

const sampleMaxBytes = 100 * 1024 * 1024

// Extractor unpacks a RAR (or similar) archive in place. Concrete
// implementations wrap an external binary; tests inject a no-op fake.
type Extractor interface {
	Extract(ctx context.Context, archivePath, destDir string) error
}

// SampleClassifier scores how likely a candidate file is a promotional
// sample rather than the real episode/movie body.
type SampleClassifier struct {
	// MaxSampleBytes is the size ceiling below which a filename match is
	// treated as a sample even without "sample" in its path.
	MaxSampleBytes int64
}

func DefaultSampleClassifier() SampleClassifier {
	return SampleClassifier{MaxSampleBytes: sampleMaxBytes}
}

// Confidence returns 0..1, 1 meaning certain this is a sample file.
func (c SampleClassifier) Confidence(f collaborators.TorrentFile) float64 {
	lower := strings.ToLower(f.Path)
	score := 0.0
	if strings.Contains(lower, "sample") {
		score += 0.8
	}
	if f.SizeBytes > 0 && f.SizeBytes < c.MaxSampleBytes {
		score += 0.5
	}
	if score > 1 {
		score = 1
	}
	return score
}

func (c SampleClassifier) IsSample(f collaborators.TorrentFile) bool {
	return c.Confidence(f) >= 0.5
}

var videoExtensions = map[string]bool{
	".mkv": true, ".mp4": true, ".avi": true, ".mov": true, ".m4v": true, ".ts": true,
}

func isVideoFile(path string) bool {
	return videoExtensions[strings.ToLower(filepath.Ext(path))]
}

// Mapper resolves torrent file lists to the paths individual
// ProcessingItems should hand to the encoder.
type Mapper struct {
	classifier SampleClassifier
	extractor  Extractor
}

func New(extractor Extractor) *Mapper {
	return &Mapper{classifier: DefaultSampleClassifier(), extractor: extractor}
}

// RAR extension check kept narrow: the extractor is only invoked when the
// content is actually archived, never unconditionally.
func hasArchive(files []collaborators.TorrentFile) bool {
	for _, f := range files {
		if strings.EqualFold(filepath.Ext(f.Path), ".rar") {
			return true
		}
	}
	return false
}

// PrepareFiles extracts archives if present, then returns the candidate
// video files with samples filtered out.
func (m *Mapper) PrepareFiles(ctx context.Context, contentPath string, files []collaborators.TorrentFile) ([]collaborators.TorrentFile, error) {
	if hasArchive(files) {
		if m.extractor == nil {
			return nil, fmt.Errorf("filemapper: archive present but no extractor configured")
		}
		if err := m.extractor.Extract(ctx, contentPath, contentPath); err != nil {
			return nil, fmt.Errorf("filemapper: extract archive: %w", err)
		}
	}

	var candidates []collaborators.TorrentFile
	for _, f := range files {
		if !isVideoFile(f.Path) {
			continue
		}
		if m.classifier.IsSample(f) {
			continue
		}
		candidates = append(candidates, f)
	}
	return candidates, nil
}

// MapMovie picks the single largest candidate file as the movie body.
func MapMovie(candidates []collaborators.TorrentFile) (collaborators.TorrentFile, error) {
	if len(candidates) == 0 {
		return collaborators.TorrentFile{}, fmt.Errorf("filemapper: no non-sample video files found")
	}
	best := candidates[0]
	for _, f := range candidates[1:] {
		if f.SizeBytes > best.SizeBytes {
			best = f
		}
	}
	return best, nil
}

// MapEpisode finds the candidate file whose parsed season/episode match
// exactly. Files that parse as part of a multi-episode range are not
// matched — MapFilesStep marks such items failed, consistent with the
// strict-matching rule used everywhere else.
func MapEpisode(candidates []collaborators.TorrentFile, season, episode int) (collaborators.TorrentFile, error) {
	for _, f := range candidates {
		p := releaseparse.Parse(filepath.Base(f.Path))
		if p.Season == season && p.Episode == episode && p.EpisodeEnd == 0 {
			return f, nil
		}
	}
	return collaborators.TorrentFile{}, fmt.Errorf("filemapper: no file matches S%02dE%02d", season, episode)
}
