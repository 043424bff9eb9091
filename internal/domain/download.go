package domain

import "time"

// DownloadStatus enumerates the lifecycle of a tracked torrent (spec.md §3).
type DownloadStatus string

const (
	DownloadPending     DownloadStatus = "pending"
	DownloadDownloading DownloadStatus = "downloading"
	DownloadCompleted   DownloadStatus = "completed"
	DownloadImporting   DownloadStatus = "importing"
	DownloadProcessed   DownloadStatus = "processed"
	DownloadFailed      DownloadStatus = "failed"
	DownloadCancelled   DownloadStatus = "cancelled"
)

// Download represents a single tracked torrent, shared by every
// ProcessingItem that expects files from it. The torrent hash is unique
// across the Store (spec.md §5, §8 invariant 7).
type Download struct {
	ID           string         `json:"id"`
	RequestID    string         `json:"requestId"`
	TorrentHash  string         `json:"torrentHash"`
	Name         string         `json:"name"`
	SavePath     string         `json:"savePath"`
	ContentPath  string         `json:"contentPath,omitempty"`
	Status       DownloadStatus `json:"status"`
	Progress     int            `json:"progress"`
	Seeds        int            `json:"seeds"`
	Peers        int            `json:"peers"`
	SizeBytes    int64          `json:"sizeBytes"`
	Alternatives []Release      `json:"alternatives,omitempty"`

	LastProgressAt time.Time `json:"lastProgressAt"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Release is a value describing one indexer-returned candidate source.
// It is never persisted on its own; it lives inside Request.selectedRelease,
// Request.availableReleases or Download.Alternatives.
type Release struct {
	Title       string    `json:"title"`
	Indexer     string    `json:"indexer"`
	Resolution  string    `json:"resolution"`
	Source      string    `json:"source"`
	Codec       string    `json:"codec"`
	SizeBytes   int64     `json:"sizeBytes"`
	Seeders     int       `json:"seeders"`
	Leechers    int       `json:"leechers"`
	DownloadURL string    `json:"downloadUrl"`
	PublishedAt time.Time `json:"publishedAt"`
	Season      *int      `json:"season,omitempty"`
	Episode     *int      `json:"episode,omitempty"`
	EpisodeEnd  *int      `json:"episodeEnd,omitempty"` // multi-episode range end, if any
	Score       float64   `json:"score"`
}
