// Package delivery pushes an encoded file out to its configured storage
// servers, builds the remote path deterministically from the media kind,
// and triggers a library rescan once at least one server has the file.
package delivery

import (
	"context"
	"fmt"
	"path"
	"sync"

	"mediabroker/internal/apierr"
	"mediabroker/internal/collaborators"
	"mediabroker/internal/domain"
)

// Server describes one configured delivery destination.
type Server struct {
	ID        string
	Transport collaborators.Transport
	Scanner   collaborators.LibraryScanner
	BasePath  string
}

// Coordinator delivers a single encoded file to a set of servers.
type Coordinator struct {
	servers map[string]Server
}

func New(servers []Server) *Coordinator {
	m := make(map[string]Server, len(servers))
	for _, s := range servers {
		m[s.ID] = s
	}
	return &Coordinator{servers: m}
}

// RemotePath builds the deterministic destination path for an item: movies
// land directly under their title/year folder, episodes nest under
// Show/Season NN.
func RemotePath(base string, kind domain.MediaKind, title string, year int, season, episode int, filename string) string {
	switch kind {
	case domain.KindMovie:
		return path.Join(base, fmt.Sprintf("%s (%d)", title, year), filename)
	default:
		return path.Join(base, title, fmt.Sprintf("Season %02d", season), filename)
	}
}

// Result captures the per-server outcome of one delivery attempt.
type Result struct {
	ServerID string
	Err      error
}

// Deliver uploads localPath to every target server concurrently, returning
// a Result per server and the overall count of successes. Callers decide
// the completed/failed distinction: the caller's rule is "completed if at
// least one server succeeded, otherwise revert to encoded for retry."
func (c *Coordinator) Deliver(ctx context.Context, targets []domain.Target, localPath string, kind domain.MediaKind, title string, year, season, episode int, filename string, onProgress func(serverID string, sent, total int64)) ([]Result, int) {
	results := make([]Result, len(targets))
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for i, t := range targets {
		wg.Add(1)
		go func(i int, t domain.Target) {
			defer wg.Done()
			srv, ok := c.servers[t.ServerID]
			if !ok {
				results[i] = Result{ServerID: t.ServerID, Err: apierr.NewFatalMisconfig("delivery.Deliver", fmt.Errorf("unknown server %s", t.ServerID))}
				return
			}
			remote := RemotePath(srv.BasePath, kind, title, year, season, episode, filename)
			err := srv.Transport.Upload(ctx, localPath, remote, func(sent, total int64) {
				if onProgress != nil {
					onProgress(t.ServerID, sent, total)
				}
			})
			if err != nil {
				results[i] = Result{ServerID: t.ServerID, Err: apierr.NewExternal("delivery.Deliver", err)}
				return
			}

			if srv.Scanner != nil {
				if err := srv.Scanner.TriggerScan(ctx, t.ServerID, path.Dir(remote)); err != nil {
					// Scan trigger failures don't undo a successful upload.
					results[i] = Result{ServerID: t.ServerID, Err: nil}
					mu.Lock()
					successes++
					mu.Unlock()
					return
				}
			}

			results[i] = Result{ServerID: t.ServerID}
			mu.Lock()
			successes++
			mu.Unlock()
		}(i, t)
	}
	wg.Wait()
	return results, successes
}
