// Package httpcollab adapts MetadataProvider, IndexerClient and EncoderPool
// to a plain JSON-over-HTTP backend. Unlike the torrent client and delivery
// transports, no library in the example pack targets a specific catalog,
// indexer or encode-farm wire protocol, so these adapters speak a generic
// JSON contract against configurable base URLs rather than a named
// third-party SDK.
package httpcollab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"mediabroker/internal/collaborators"
	"mediabroker/internal/domain"
)

// MetadataClient calls a catalog service's "/catalog/{id}" endpoint.
type MetadataClient struct {
	baseURL string
	http    *http.Client
}

func NewMetadataClient(baseURL string) *MetadataClient {
	return &MetadataClient{baseURL: baseURL, http: &http.Client{Timeout: 10 * time.Second}}
}

func (c *MetadataClient) GetByID(ctx context.Context, catalogID string) (*collaborators.CatalogEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/catalog/"+url.PathEscape(catalogID), nil)
	if err != nil {
		return nil, fmt.Errorf("httpcollab: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpcollab: metadata lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("httpcollab: metadata lookup %s: status %d", catalogID, resp.StatusCode)
	}
	var entry collaborators.CatalogEntry
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		return nil, fmt.Errorf("httpcollab: decode catalog entry: %w", err)
	}
	return &entry, nil
}

// IndexerHTTPClient calls a Torznab-style indexer aggregator's "/search"
// endpoint and expects back a JSON array of domain.Release.
type IndexerHTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewIndexerHTTPClient(baseURL, apiKey string) *IndexerHTTPClient {
	return &IndexerHTTPClient{baseURL: baseURL, apiKey: apiKey, http: &http.Client{Timeout: 15 * time.Second}}
}

func (c *IndexerHTTPClient) Search(ctx context.Context, query collaborators.IndexerQuery) ([]domain.Release, error) {
	q := url.Values{}
	q.Set("title", query.Title)
	if query.Year > 0 {
		q.Set("year", strconv.Itoa(query.Year))
	}
	if query.Season != nil {
		q.Set("season", strconv.Itoa(*query.Season))
	}
	if query.Episode != nil {
		q.Set("episode", strconv.Itoa(*query.Episode))
	}
	if c.apiKey != "" {
		q.Set("apikey", c.apiKey)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("httpcollab: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpcollab: indexer search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("httpcollab: indexer search %q: status %d", query.Title, resp.StatusCode)
	}
	var releases []domain.Release
	if err := json.NewDecoder(resp.Body).Decode(&releases); err != nil {
		return nil, fmt.Errorf("httpcollab: decode releases: %w", err)
	}
	return releases, nil
}

// EncoderPoolClient submits jobs to a remote encode-farm HTTP API.
type EncoderPoolClient struct {
	baseURL string
	http    *http.Client
}

func NewEncoderPoolClient(baseURL string) *EncoderPoolClient {
	return &EncoderPoolClient{baseURL: baseURL, http: &http.Client{Timeout: 10 * time.Second}}
}

type submitJobRequest struct {
	SourcePath string                      `json:"sourcePath"`
	Profile    collaborators.EncodeProfile `json:"profile"`
}

type submitJobResponse struct {
	JobID string `json:"jobId"`
}

func (c *EncoderPoolClient) SubmitJob(ctx context.Context, sourcePath string, profile collaborators.EncodeProfile) (string, error) {
	body, err := json.Marshal(submitJobRequest{SourcePath: sourcePath, Profile: profile})
	if err != nil {
		return "", fmt.Errorf("httpcollab: encode job body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/jobs", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("httpcollab: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("httpcollab: submit encode job: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("httpcollab: submit encode job: status %d", resp.StatusCode)
	}
	var out submitJobResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("httpcollab: decode submit response: %w", err)
	}
	return out.JobID, nil
}

func (c *EncoderPoolClient) GetJobStatus(ctx context.Context, jobID string) (*collaborators.EncodeJobStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, fmt.Errorf("httpcollab: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpcollab: get job status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("httpcollab: get job status %s: status %d", jobID, resp.StatusCode)
	}
	var status collaborators.EncodeJobStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("httpcollab: decode job status: %w", err)
	}
	return &status, nil
}

func (c *EncoderPoolClient) CancelJob(ctx context.Context, jobID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return fmt.Errorf("httpcollab: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("httpcollab: cancel job: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("httpcollab: cancel job %s: status %d", jobID, resp.StatusCode)
	}
	return nil
}

// LibraryScannerClient pokes a media server's (Plex/Jellyfin-style)
// library-refresh endpoint for a path once delivery lands a file there.
type LibraryScannerClient struct {
	baseURL string
	http    *http.Client
}

func NewLibraryScannerClient(baseURL string) *LibraryScannerClient {
	return &LibraryScannerClient{baseURL: baseURL, http: &http.Client{Timeout: 10 * time.Second}}
}

func (c *LibraryScannerClient) TriggerScan(ctx context.Context, serverID, path string) error {
	q := url.Values{}
	q.Set("serverId", serverID)
	q.Set("path", path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/scan?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("httpcollab: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("httpcollab: trigger scan: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("httpcollab: trigger scan %s: status %d", path, resp.StatusCode)
	}
	return nil
}
