package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"mediabroker/internal/domain"
)

// MemoryStore is an in-process Store used by unit tests and by components
// that don't need it to survive a restart. It satisfies the same Store
// interface as PostgresStore so every collaborator can be tested against
// either.
type MemoryStore struct {
	mu sync.RWMutex

	requests   map[string]*domain.Request
	items      map[string]*domain.ProcessingItem
	executions map[string]*domain.Execution
	downloads  map[string]*domain.Download
	templates  map[string]*domain.PipelineTemplate
	activity   map[string][]*domain.ActivityLog
	libCache   map[string]bool
	epCache    map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:   map[string]*domain.Request{},
		items:      map[string]*domain.ProcessingItem{},
		executions: map[string]*domain.Execution{},
		downloads:  map[string]*domain.Download{},
		templates:  map[string]*domain.PipelineTemplate{},
		activity:   map[string][]*domain.ActivityLog{},
		libCache:   map[string]bool{},
		epCache:    map[string]bool{},
	}
}

func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

func (m *MemoryStore) CreateRequest(_ context.Context, r *domain.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID] = clone(r)
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*domain.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNoRows
	}
	return clone(r), nil
}

func (m *MemoryStore) ListRequests(_ context.Context) ([]*domain.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Request, 0, len(m.requests))
	for _, r := range m.requests {
		out = append(out, clone(r))
	}
	return out, nil
}

func (m *MemoryStore) UpdateRequest(_ context.Context, r *domain.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; !ok {
		return ErrNoRows
	}
	m.requests[r.ID] = clone(r)
	return nil
}

func (m *MemoryStore) DeleteRequestCascade(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.requests, id)
	delete(m.activity, id)
	for k, it := range m.items {
		if it.RequestID == id {
			delete(m.items, k)
		}
	}
	for k, e := range m.executions {
		if e.RequestID == id {
			delete(m.executions, k)
		}
	}
	for k, d := range m.downloads {
		if d.RequestID == id {
			delete(m.downloads, k)
		}
	}
	return nil
}

func (m *MemoryStore) CreateItem(_ context.Context, it *domain.ProcessingItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[it.ID] = clone(it)
	return nil
}

func (m *MemoryStore) GetItem(_ context.Context, id string) (*domain.ProcessingItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[id]
	if !ok {
		return nil, ErrNoRows
	}
	return clone(it), nil
}

func (m *MemoryStore) ListItemsByRequest(_ context.Context, requestID string) ([]*domain.ProcessingItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.ProcessingItem
	for _, it := range m.items {
		if it.RequestID == requestID {
			out = append(out, clone(it))
		}
	}
	return out, nil
}

func (m *MemoryStore) ListAwaitingRetry(_ context.Context, before time.Time) ([]*domain.ProcessingItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.ProcessingItem
	for _, it := range m.items {
		if it.NextRetryAt != nil && !it.NextRetryAt.After(before) && !it.Status.IsTerminal() {
			out = append(out, clone(it))
		}
	}
	return out, nil
}

func (m *MemoryStore) ListStuckExecutions(_ context.Context, updatedBefore time.Time) ([]*domain.ProcessingItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.ProcessingItem
	for _, it := range m.items {
		if !it.UpdatedAt.After(updatedBefore) && !it.Status.IsTerminal() {
			out = append(out, clone(it))
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateItem(_ context.Context, it *domain.ProcessingItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[it.ID]; !ok {
		return ErrNoRows
	}
	m.items[it.ID] = clone(it)
	return nil
}

func (m *MemoryStore) UpdateItemIfStatus(_ context.Context, it *domain.ProcessingItem, expected domain.ItemStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[it.ID]
	if !ok {
		return false, ErrNoRows
	}
	if cur.Status != expected {
		return false, nil
	}
	m.items[it.ID] = clone(it)
	return true, nil
}

func (m *MemoryStore) CreateExecution(_ context.Context, e *domain.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	m.executions[e.ID] = clone(e)
	return nil
}

func (m *MemoryStore) GetExecution(_ context.Context, id string) (*domain.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, ErrNoRows
	}
	return clone(e), nil
}

func (m *MemoryStore) UpdateExecution(_ context.Context, e *domain.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[e.ID]; !ok {
		return ErrNoRows
	}
	m.executions[e.ID] = clone(e)
	return nil
}

func (m *MemoryStore) ListChildExecutions(_ context.Context, parentID string) ([]*domain.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Execution
	for _, e := range m.executions {
		if e.ParentExecutionID == parentID {
			out = append(out, clone(e))
		}
	}
	return out, nil
}

func (m *MemoryStore) ListExecutionsByRequest(_ context.Context, requestID string) ([]*domain.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Execution
	for _, e := range m.executions {
		if e.RequestID == requestID && e.ParentExecutionID == "" {
			out = append(out, clone(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (m *MemoryStore) CreateDownload(_ context.Context, d *domain.Download) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloads[d.ID] = clone(d)
	return nil
}

func (m *MemoryStore) GetDownload(_ context.Context, id string) (*domain.Download, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.downloads[id]
	if !ok {
		return nil, ErrNoRows
	}
	return clone(d), nil
}

func (m *MemoryStore) GetDownloadByHash(_ context.Context, hash string) (*domain.Download, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.downloads {
		if d.TorrentHash == hash {
			return clone(d), nil
		}
	}
	return nil, ErrNoRows
}

func (m *MemoryStore) UpdateDownload(_ context.Context, d *domain.Download) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.downloads[d.ID]; !ok {
		return ErrNoRows
	}
	m.downloads[d.ID] = clone(d)
	return nil
}

func (m *MemoryStore) ListActiveDownloads(_ context.Context) ([]*domain.Download, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Download
	for _, d := range m.downloads {
		if d.Status == domain.DownloadPending || d.Status == domain.DownloadDownloading {
			out = append(out, clone(d))
		}
	}
	return out, nil
}

func (m *MemoryStore) GetDefaultTemplate(_ context.Context, kind domain.MediaKind) (*domain.PipelineTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.templates {
		if t.Kind == kind && t.IsDefault {
			return clone(t), nil
		}
	}
	return nil, ErrNoRows
}

func (m *MemoryStore) GetTemplate(_ context.Context, id string) (*domain.PipelineTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.templates[id]
	if !ok {
		return nil, ErrNoRows
	}
	return clone(t), nil
}

func (m *MemoryStore) PutTemplate(_ context.Context, t *domain.PipelineTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[t.ID] = clone(t)
	return nil
}

func (m *MemoryStore) AppendActivity(_ context.Context, a *domain.ActivityLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activity[a.RequestID] = append(m.activity[a.RequestID], clone(a))
	return nil
}

func (m *MemoryStore) ListActivity(_ context.Context, requestID string, limit int) ([]*domain.ActivityLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.activity[requestID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]*domain.ActivityLog, limit)
	for i := 0; i < limit; i++ {
		out[i] = clone(all[len(all)-1-i])
	}
	return out, nil
}

func libKey(catalogID string, kind domain.MediaKind, serverID string) string {
	return string(kind) + "|" + catalogID + "|" + serverID
}

func (m *MemoryStore) UpsertLibraryCache(_ context.Context, e *domain.LibraryCacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.libCache[libKey(e.CatalogID, e.Kind, e.ServerID)] = true
	return nil
}

func (m *MemoryStore) HasLibraryCache(_ context.Context, catalogID string, kind domain.MediaKind, serverID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.libCache[libKey(catalogID, kind, serverID)], nil
}

func epKey(catalogID string, season, episode int, serverID string) string {
	return catalogID + "|" + serverID + "|" + strconv.Itoa(season) + "|" + strconv.Itoa(episode)
}

func (m *MemoryStore) UpsertEpisodeLibraryItem(_ context.Context, it *domain.EpisodeLibraryItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epCache[epKey(it.CatalogID, it.Season, it.Episode, it.ServerID)] = true
	return nil
}

func (m *MemoryStore) HasEpisodeLibraryItem(_ context.Context, catalogID string, season, episode int, serverID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.epCache[epKey(catalogID, season, episode, serverID)], nil
}
