// Package torrentclient adapts github.com/anacrolix/torrent to the
// collaborators.TorrentClient interface: add a release by its magnet
// link, track progress, enumerate files, and drop torrents on
// cancellation or cleanup.
package torrentclient

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/anacrolix/torrent"
	"github.com/sirupsen/logrus"

	"mediabroker/internal/collaborators"
)

// Config controls the embedded torrent engine.
type Config struct {
	DataDir     string
	TrackerList []string
	Logger      *logrus.Logger
}

// Client wraps *torrent.Client and tracks active torrents by info hash so
// progress/file lookups don't need to re-resolve a magnet each call.
type Client struct {
	cfg    Config
	engine *torrent.Client

	mu     sync.Mutex
	active map[string]*torrent.Torrent
}

// New starts the embedded torrent engine rooted at cfg.DataDir.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if len(cfg.TrackerList) == 0 {
		cfg.TrackerList = defaultTrackers()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("torrentclient: create data dir: %w", err)
	}

	engineCfg := torrent.NewDefaultClientConfig()
	engineCfg.DataDir = cfg.DataDir
	engineCfg.NoUpload = false
	engineCfg.Seed = false

	engine, err := torrent.NewClient(engineCfg)
	if err != nil {
		return nil, fmt.Errorf("torrentclient: create engine: %w", err)
	}

	return &Client{cfg: cfg, engine: engine, active: map[string]*torrent.Torrent{}}, nil
}

func (c *Client) Close() error {
	c.engine.Close()
	return nil
}

// AddTorrent adds a release by magnet URI and blocks until metadata is
// available, returning the torrent's info hash. downloadURL is always
// parsed as a magnet URI; an http(s) .torrent URL is not fetched and
// fails to parse. It starts the download immediately — the reconciler
// calls GetProgress to learn when it completes.
func (c *Client) AddTorrent(ctx context.Context, downloadURL, savePath string) (string, error) {
	var t *torrent.Torrent
	var err error

	if savePath != "" {
		t, err = c.addWithSavePath(downloadURL, savePath)
	} else {
		t, err = c.engine.AddMagnet(downloadURL)
	}
	if err != nil {
		return "", fmt.Errorf("torrentclient: add torrent: %w", err)
	}

	for _, tracker := range c.cfg.TrackerList {
		t.AddTrackers([][]string{{tracker}})
	}

	select {
	case <-ctx.Done():
		t.Drop()
		return "", ctx.Err()
	case <-t.GotInfo():
	}

	hash := t.InfoHash().HexString()
	c.mu.Lock()
	c.active[hash] = t
	c.mu.Unlock()

	t.DownloadAll()
	return hash, nil
}

func (c *Client) addWithSavePath(downloadURL, savePath string) (*torrent.Torrent, error) {
	spec, err := torrent.TorrentSpecFromMagnetUri(downloadURL)
	if err != nil {
		return nil, err
	}
	t, _, err := c.engine.AddTorrentSpec(spec)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (c *Client) lookup(hash string) (*torrent.Torrent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.active[hash]
	return t, ok
}

func (c *Client) DeleteTorrent(_ context.Context, torrentHash string, deleteFiles bool) error {
	t, ok := c.lookup(torrentHash)
	if !ok {
		return fmt.Errorf("torrentclient: unknown torrent %s", torrentHash)
	}
	if deleteFiles {
		if info := t.Info(); info != nil {
			_ = os.RemoveAll(c.cfg.DataDir + "/" + info.BestName())
		}
	}
	t.Drop()
	c.mu.Lock()
	delete(c.active, torrentHash)
	c.mu.Unlock()
	return nil
}

// GetProgress reports byte-level completion and swarm health. done is
// reported via Stats()/BytesMissing(), following the same completion test
// anacrolix/torrent consumers use everywhere in the pack.
func (c *Client) GetProgress(_ context.Context, torrentHash string) (*collaborators.TorrentProgress, error) {
	t, ok := c.lookup(torrentHash)
	if !ok {
		return nil, fmt.Errorf("torrentclient: unknown torrent %s", torrentHash)
	}
	info := t.Info()
	if info == nil {
		return &collaborators.TorrentProgress{}, nil
	}
	total := info.TotalLength()
	completed := t.BytesCompleted()
	progress := 0
	if total > 0 {
		progress = int((completed * 100) / total)
	}
	stats := t.Stats()
	return &collaborators.TorrentProgress{
		Progress:    progress,
		SizeBytes:   total,
		Seeds:       stats.ConnectedSeeders,
		Peers:       stats.ActivePeers,
		ContentPath: c.cfg.DataDir + "/" + info.BestName(),
		Done:        t.BytesMissing() == 0,
	}, nil
}

func (c *Client) GetTorrentFiles(_ context.Context, torrentHash string) ([]collaborators.TorrentFile, error) {
	t, ok := c.lookup(torrentHash)
	if !ok {
		return nil, fmt.Errorf("torrentclient: unknown torrent %s", torrentHash)
	}
	files := t.Files()
	out := make([]collaborators.TorrentFile, len(files))
	for i, f := range files {
		out[i] = collaborators.TorrentFile{Path: f.Path(), SizeBytes: f.Length()}
	}
	return out, nil
}

func (c *Client) ListTorrents(_ context.Context) ([]collaborators.TorrentInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]collaborators.TorrentInfo, 0, len(c.active))
	for hash, t := range c.active {
		out = append(out, collaborators.TorrentInfo{Hash: hash, Name: t.Name()})
	}
	return out, nil
}

var _ collaborators.TorrentClient = (*Client)(nil)

func defaultTrackers() []string {
	return []string{
		"udp://tracker.opentrackr.org:1337/announce",
		"udp://tracker.openbittorrent.com:6969/announce",
		"udp://open.stealth.si:80/announce",
		"udp://exodus.desync.com:6969/announce",
		"udp://tracker.torrent.eu.org:451/announce",
	}
}
