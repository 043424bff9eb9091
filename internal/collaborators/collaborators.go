// Package collaborators declares the narrow, one-concern interfaces the
// pipeline depends on for everything outside the Store: metadata lookup,
// indexer search, the torrent client, the encoder pool, delivery
// transports and media-server library scanning. Concrete adapters live in
// their own packages; steps and coordinators depend only on these
// interfaces so they can be exercised against hand-written fakes.
package collaborators

import (
	"context"
	"time"

	"mediabroker/internal/domain"
)

// CatalogEntry is the subset of metadata-provider output the pipeline
// needs to seed a Request.
type CatalogEntry struct {
	CatalogID string
	Title     string
	Year      int
	Episodes  []EpisodeInfo // populated for TV lookups
}

// EpisodeInfo describes one episode as reported by the metadata provider.
type EpisodeInfo struct {
	Season  int
	Episode int
	Title   string
	AirDate *time.Time
}

// MetadataProvider resolves catalog IDs to titles/years/episode lists.
type MetadataProvider interface {
	GetByID(ctx context.Context, catalogID string) (*CatalogEntry, error)
}

// IndexerClient queries a torrent indexer for candidate releases matching
// a title (and, for TV, a season/episode).
type IndexerClient interface {
	Search(ctx context.Context, query IndexerQuery) ([]domain.Release, error)
}

// IndexerQuery is the full set of filters a Search call accepts.
type IndexerQuery struct {
	Title   string
	Year    int
	Season  *int
	Episode *int
}

// TorrentClient is the BitTorrent engine abstraction: add/remove torrents,
// read progress, enumerate files. spec.md §6.
type TorrentClient interface {
	AddTorrent(ctx context.Context, downloadURL, savePath string) (torrentHash string, err error)
	DeleteTorrent(ctx context.Context, torrentHash string, deleteFiles bool) error
	GetProgress(ctx context.Context, torrentHash string) (*TorrentProgress, error)
	GetTorrentFiles(ctx context.Context, torrentHash string) ([]TorrentFile, error)
	// ListTorrents enumerates every torrent currently tracked by the
	// engine, so the reconciler can match a new request against one
	// already in flight before adding a duplicate.
	ListTorrents(ctx context.Context) ([]TorrentInfo, error)
}

// TorrentInfo identifies one torrent the engine already knows about.
type TorrentInfo struct {
	Hash string
	Name string
}

// TorrentProgress mirrors anacrolix/torrent's Stats()/BytesCompleted().
type TorrentProgress struct {
	Progress    int // 0-100
	SizeBytes   int64
	Seeds       int
	Peers       int
	ContentPath string
	Done        bool
}

// TorrentFile is one file inside a torrent's content.
type TorrentFile struct {
	Path      string
	SizeBytes int64
}

// EncodeProfile names an encoder preset (resolution/codec/container).
type EncodeProfile struct {
	ID         string
	Resolution string
	VideoCodec string
	AudioCodec string
	Container  string
}

// EncoderPool submits a remux/transcode job to a remote worker and reports
// progress until completion.
type EncoderPool interface {
	SubmitJob(ctx context.Context, sourcePath string, profile EncodeProfile) (jobID string, err error)
	GetJobStatus(ctx context.Context, jobID string) (*EncodeJobStatus, error)
	CancelJob(ctx context.Context, jobID string) error
}

// EncodeJobStatus is the remote worker's reported state for one job.
type EncodeJobStatus struct {
	Progress   int // 0-100
	Done       bool
	Failed     bool
	Error      string
	OutputPath string
}

// Transport delivers a local file to a remote storage server. Local-fs,
// minio-go (S3-compatible) and SFTP each implement this.
type Transport interface {
	Upload(ctx context.Context, localPath, remotePath string, onProgress func(sent, total int64)) error
}

// LibraryScanner tells a media server to rescan its library for a path.
type LibraryScanner interface {
	TriggerScan(ctx context.Context, serverID string, path string) error
}
