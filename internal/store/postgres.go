package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"mediabroker/internal/domain"
)

// PostgresStore is the production Store, backed by database/sql and
// github.com/lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool against dsn. It does not
// contact the database; reachability is checked only through Ping, and
// until the database is reachable requests simply fail.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &PostgresStore{db: db}, nil
}

// Ping verifies database reachability with the given timeout.
func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func toJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

func fromJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// --- requests ---------------------------------------------------------

func (s *PostgresStore) CreateRequest(ctx context.Context, r *domain.Request) error {
	targets, err := toJSON(r.Targets)
	if err != nil {
		return err
	}
	selected, err := toJSON(r.SelectedRelease)
	if err != nil {
		return err
	}
	available, err := toJSON(r.AvailableReleases)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO requests (
			id, kind, catalog_id, title, year, seasons, episodes, subscribe,
			targets, selected_release, available_releases, required_resolution,
			template_id, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		r.ID, r.Kind, r.CatalogID, r.Title, r.Year, pq.Array(r.Seasons), pq.Array(r.Episodes), r.Subscribe,
		targets, selected, available, r.RequiredResolution,
		r.TemplateID, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: create request: %w", err)
	}
	return nil
}

func (s *PostgresStore) scanRequest(row interface{ Scan(...any) error }) (*domain.Request, error) {
	var r domain.Request
	var targets, selected, available []byte
	var completedAt sql.NullTime
	err := row.Scan(
		&r.ID, &r.Kind, &r.CatalogID, &r.Title, &r.Year, pq.Array(&r.Seasons), pq.Array(&r.Episodes), &r.Subscribe,
		&targets, &selected, &available, &r.RequiredResolution,
		&r.TemplateID, &r.CreatedAt, &r.UpdatedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan request: %w", err)
	}
	if err := fromJSON(targets, &r.Targets); err != nil {
		return nil, err
	}
	if len(selected) > 0 && string(selected) != "null" {
		if err := fromJSON(selected, &r.SelectedRelease); err != nil {
			return nil, err
		}
	}
	if err := fromJSON(available, &r.AvailableReleases); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return &r, nil
}

func (s *PostgresStore) GetRequest(ctx context.Context, id string) (*domain.Request, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, catalog_id, title, year, seasons, episodes, subscribe,
			targets, selected_release, available_releases, required_resolution,
			template_id, created_at, updated_at, completed_at
		FROM requests WHERE id = $1`, id)
	return s.scanRequest(row)
}

func (s *PostgresStore) ListRequests(ctx context.Context) ([]*domain.Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, catalog_id, title, year, seasons, episodes, subscribe,
			targets, selected_release, available_releases, required_resolution,
			template_id, created_at, updated_at, completed_at
		FROM requests ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list requests: %w", err)
	}
	defer rows.Close()
	var out []*domain.Request
	for rows.Next() {
		r, err := s.scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateRequest(ctx context.Context, r *domain.Request) error {
	targets, err := toJSON(r.Targets)
	if err != nil {
		return err
	}
	selected, err := toJSON(r.SelectedRelease)
	if err != nil {
		return err
	}
	available, err := toJSON(r.AvailableReleases)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE requests SET
			selected_release = $2, available_releases = $3, required_resolution = $4,
			targets = $5, template_id = $6, updated_at = $7, completed_at = $8
		WHERE id = $1`,
		r.ID, selected, available, r.RequiredResolution, targets, r.TemplateID, r.UpdatedAt, r.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("store: update request: %w", err)
	}
	return nil
}

// DeleteRequestCascade removes a request and every row that references it,
// inside one transaction, per spec.md §6's delete semantics.
func (s *PostgresStore) DeleteRequestCascade(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin cascade delete: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		`DELETE FROM activity_log WHERE request_id = $1`,
		`DELETE FROM executions WHERE request_id = $1`,
		`DELETE FROM processing_items WHERE request_id = $1`,
		`DELETE FROM downloads WHERE request_id = $1`,
		`DELETE FROM requests WHERE id = $1`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("store: cascade delete: %w", err)
		}
	}
	return tx.Commit()
}

// --- processing items ---------------------------------------------------

func (s *PostgresStore) CreateItem(ctx context.Context, it *domain.ProcessingItem) error {
	stepCtx, err := toJSON(it.StepContext)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO processing_items (
			id, request_id, kind, season, episode, air_date, title,
			status, current_step, step_context, progress, attempts, max_attempts,
			last_error, next_retry_at, download_id, encode_job_id, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		it.ID, it.RequestID, it.Kind, it.Season, it.Episode, it.AirDate, it.Title,
		it.Status, it.CurrentStep, stepCtx, it.Progress, it.Attempts, it.MaxAttempts,
		it.LastError, it.NextRetryAt, nullString(it.DownloadID), nullString(it.EncodeJobID), it.CreatedAt, it.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: create item: %w", err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *PostgresStore) scanItem(row interface{ Scan(...any) error }) (*domain.ProcessingItem, error) {
	var it domain.ProcessingItem
	var stepCtx []byte
	var downloadID, encodeJobID, lastError sql.NullString
	var nextRetry sql.NullTime
	err := row.Scan(
		&it.ID, &it.RequestID, &it.Kind, &it.Season, &it.Episode, &it.AirDate, &it.Title,
		&it.Status, &it.CurrentStep, &stepCtx, &it.Progress, &it.Attempts, &it.MaxAttempts,
		&lastError, &nextRetry, &downloadID, &encodeJobID, &it.CreatedAt, &it.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan item: %w", err)
	}
	it.StepContext = map[string]any{}
	if err := fromJSON(stepCtx, &it.StepContext); err != nil {
		return nil, err
	}
	it.DownloadID = downloadID.String
	it.EncodeJobID = encodeJobID.String
	it.LastError = lastError.String
	if nextRetry.Valid {
		it.NextRetryAt = &nextRetry.Time
	}
	return &it, nil
}

const itemColumns = `id, request_id, kind, season, episode, air_date, title,
	status, current_step, step_context, progress, attempts, max_attempts,
	last_error, next_retry_at, download_id, encode_job_id, created_at, updated_at`

func (s *PostgresStore) GetItem(ctx context.Context, id string) (*domain.ProcessingItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM processing_items WHERE id = $1`, id)
	return s.scanItem(row)
}

func (s *PostgresStore) ListItemsByRequest(ctx context.Context, requestID string) ([]*domain.ProcessingItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM processing_items WHERE request_id = $1 ORDER BY season, episode`, requestID)
	if err != nil {
		return nil, fmt.Errorf("store: list items: %w", err)
	}
	defer rows.Close()
	var out []*domain.ProcessingItem
	for rows.Next() {
		it, err := s.scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListAwaitingRetry(ctx context.Context, before time.Time) ([]*domain.ProcessingItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM processing_items
		WHERE next_retry_at IS NOT NULL AND next_retry_at <= $1
		AND status NOT IN ('completed','cancelled','failed')`, before)
	if err != nil {
		return nil, fmt.Errorf("store: list awaiting retry: %w", err)
	}
	defer rows.Close()
	var out []*domain.ProcessingItem
	for rows.Next() {
		it, err := s.scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListStuckExecutions(ctx context.Context, updatedBefore time.Time) ([]*domain.ProcessingItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM processing_items
		WHERE updated_at <= $1 AND status NOT IN ('completed','cancelled','failed')`, updatedBefore)
	if err != nil {
		return nil, fmt.Errorf("store: list stuck executions: %w", err)
	}
	defer rows.Close()
	var out []*domain.ProcessingItem
	for rows.Next() {
		it, err := s.scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateItem(ctx context.Context, it *domain.ProcessingItem) error {
	stepCtx, err := toJSON(it.StepContext)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE processing_items SET
			status = $2, current_step = $3, step_context = $4, progress = $5,
			attempts = $6, max_attempts = $7, last_error = $8, next_retry_at = $9,
			download_id = $10, encode_job_id = $11, updated_at = $12
		WHERE id = $1`,
		it.ID, it.Status, it.CurrentStep, stepCtx, it.Progress,
		it.Attempts, it.MaxAttempts, nullString(it.LastError), it.NextRetryAt,
		nullString(it.DownloadID), nullString(it.EncodeJobID), it.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: update item: %w", err)
	}
	return nil
}

// UpdateItemIfStatus applies the write only if the row's current status is
// still expected, so a concurrent transition (e.g. a cancel racing a step
// completion) cannot be silently clobbered.
func (s *PostgresStore) UpdateItemIfStatus(ctx context.Context, it *domain.ProcessingItem, expected domain.ItemStatus) (bool, error) {
	stepCtx, err := toJSON(it.StepContext)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE processing_items SET
			status = $2, current_step = $3, step_context = $4, progress = $5,
			attempts = $6, max_attempts = $7, last_error = $8, next_retry_at = $9,
			download_id = $10, encode_job_id = $11, updated_at = $12
		WHERE id = $1 AND status = $13`,
		it.ID, it.Status, it.CurrentStep, stepCtx, it.Progress,
		it.Attempts, it.MaxAttempts, nullString(it.LastError), it.NextRetryAt,
		nullString(it.DownloadID), nullString(it.EncodeJobID), it.UpdatedAt, expected,
	)
	if err != nil {
		return false, fmt.Errorf("store: conditional update item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: rows affected: %w", err)
	}
	return n == 1, nil
}

// --- executions ---------------------------------------------------------

func (s *PostgresStore) CreateExecution(ctx context.Context, e *domain.Execution) error {
	steps, err := toJSON(e.Steps)
	if err != nil {
		return err
	}
	execCtx, err := toJSON(e.Context)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (
			id, request_id, template_id, steps, status, current_step,
			pause_reason, failed_reason, parent_execution_id, episode_id, context,
			started_at, updated_at, completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		e.ID, e.RequestID, e.TemplateID, steps, e.Status, e.CurrentStep,
		nullString(e.PauseReason), nullString(e.FailedReason), nullString(e.ParentExecutionID), nullString(e.EpisodeID), execCtx,
		e.StartedAt, e.UpdatedAt, e.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("store: create execution: %w", err)
	}
	return nil
}

const executionColumns = `id, request_id, template_id, steps, status, current_step,
	pause_reason, failed_reason, parent_execution_id, episode_id, context,
	started_at, updated_at, completed_at`

func (s *PostgresStore) scanExecution(row interface{ Scan(...any) error }) (*domain.Execution, error) {
	var e domain.Execution
	var steps, execCtx []byte
	var pauseReason, failedReason, parentID, episodeID sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(
		&e.ID, &e.RequestID, &e.TemplateID, &steps, &e.Status, &e.CurrentStep,
		&pauseReason, &failedReason, &parentID, &episodeID, &execCtx,
		&e.StartedAt, &e.UpdatedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan execution: %w", err)
	}
	if err := fromJSON(steps, &e.Steps); err != nil {
		return nil, err
	}
	e.Context = map[string]any{}
	if err := fromJSON(execCtx, &e.Context); err != nil {
		return nil, err
	}
	e.PauseReason = pauseReason.String
	e.FailedReason = failedReason.String
	e.ParentExecutionID = parentID.String
	e.EpisodeID = episodeID.String
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	return &e, nil
}

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*domain.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)
	return s.scanExecution(row)
}

func (s *PostgresStore) UpdateExecution(ctx context.Context, e *domain.Execution) error {
	steps, err := toJSON(e.Steps)
	if err != nil {
		return err
	}
	execCtx, err := toJSON(e.Context)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE executions SET
			status = $2, current_step = $3, pause_reason = $4, failed_reason = $5,
			context = $6, steps = $7, updated_at = $8, completed_at = $9
		WHERE id = $1`,
		e.ID, e.Status, e.CurrentStep, nullString(e.PauseReason), nullString(e.FailedReason),
		execCtx, steps, e.UpdatedAt, e.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("store: update execution: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListChildExecutions(ctx context.Context, parentID string) ([]*domain.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE parent_execution_id = $1`, parentID)
	if err != nil {
		return nil, fmt.Errorf("store: list child executions: %w", err)
	}
	defer rows.Close()
	var out []*domain.Execution
	for rows.Next() {
		e, err := s.scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListExecutionsByRequest(ctx context.Context, requestID string) ([]*domain.Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE request_id = $1 AND (parent_execution_id IS NULL OR parent_execution_id = '') ORDER BY started_at DESC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("store: list executions by request: %w", err)
	}
	defer rows.Close()
	var out []*domain.Execution
	for rows.Next() {
		e, err := s.scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- downloads ------------------------------------------------------------

func (s *PostgresStore) CreateDownload(ctx context.Context, d *domain.Download) error {
	alts, err := toJSON(d.Alternatives)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO downloads (
			id, request_id, torrent_hash, name, save_path, content_path, status,
			progress, seeds, peers, size_bytes, alternatives,
			last_progress_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		d.ID, d.RequestID, d.TorrentHash, d.Name, d.SavePath, nullString(d.ContentPath), d.Status,
		d.Progress, d.Seeds, d.Peers, d.SizeBytes, alts,
		d.LastProgressAt, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: create download: %w", err)
	}
	return nil
}

const downloadColumns = `id, request_id, torrent_hash, name, save_path, content_path, status,
	progress, seeds, peers, size_bytes, alternatives,
	last_progress_at, created_at, updated_at`

func (s *PostgresStore) scanDownload(row interface{ Scan(...any) error }) (*domain.Download, error) {
	var d domain.Download
	var contentPath sql.NullString
	var alts []byte
	err := row.Scan(
		&d.ID, &d.RequestID, &d.TorrentHash, &d.Name, &d.SavePath, &contentPath, &d.Status,
		&d.Progress, &d.Seeds, &d.Peers, &d.SizeBytes, &alts,
		&d.LastProgressAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan download: %w", err)
	}
	d.ContentPath = contentPath.String
	if err := fromJSON(alts, &d.Alternatives); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) GetDownload(ctx context.Context, id string) (*domain.Download, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+downloadColumns+` FROM downloads WHERE id = $1`, id)
	return s.scanDownload(row)
}

func (s *PostgresStore) GetDownloadByHash(ctx context.Context, hash string) (*domain.Download, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+downloadColumns+` FROM downloads WHERE torrent_hash = $1`, hash)
	return s.scanDownload(row)
}

func (s *PostgresStore) UpdateDownload(ctx context.Context, d *domain.Download) error {
	alts, err := toJSON(d.Alternatives)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE downloads SET
			status = $2, progress = $3, seeds = $4, peers = $5, content_path = $6,
			alternatives = $7, last_progress_at = $8, updated_at = $9
		WHERE id = $1`,
		d.ID, d.Status, d.Progress, d.Seeds, d.Peers, nullString(d.ContentPath),
		alts, d.LastProgressAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: update download: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListActiveDownloads(ctx context.Context) ([]*domain.Download, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+downloadColumns+` FROM downloads
		WHERE status IN ('pending','downloading')`)
	if err != nil {
		return nil, fmt.Errorf("store: list active downloads: %w", err)
	}
	defer rows.Close()
	var out []*domain.Download
	for rows.Next() {
		d, err := s.scanDownload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- templates --------------------------------------------------------

func (s *PostgresStore) scanTemplate(row interface{ Scan(...any) error }) (*domain.PipelineTemplate, error) {
	var t domain.PipelineTemplate
	var steps []byte
	err := row.Scan(&t.ID, &t.Kind, &t.Name, &t.Version, &t.IsDefault, &steps, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan template: %w", err)
	}
	if err := fromJSON(steps, &t.Steps); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) GetDefaultTemplate(ctx context.Context, kind domain.MediaKind) (*domain.PipelineTemplate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, name, version, is_default, steps, created_at
		FROM pipeline_templates WHERE kind = $1 AND is_default = true
		ORDER BY version DESC LIMIT 1`, kind)
	return s.scanTemplate(row)
}

func (s *PostgresStore) GetTemplate(ctx context.Context, id string) (*domain.PipelineTemplate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, name, version, is_default, steps, created_at
		FROM pipeline_templates WHERE id = $1`, id)
	return s.scanTemplate(row)
}

func (s *PostgresStore) PutTemplate(ctx context.Context, t *domain.PipelineTemplate) error {
	steps, err := toJSON(t.Steps)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pipeline_templates (id, kind, name, version, is_default, steps, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, version = EXCLUDED.version,
			is_default = EXCLUDED.is_default, steps = EXCLUDED.steps`,
		t.ID, t.Kind, t.Name, t.Version, t.IsDefault, steps, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: put template: %w", err)
	}
	return nil
}

// --- activity log -------------------------------------------------------

func (s *PostgresStore) AppendActivity(ctx context.Context, a *domain.ActivityLog) error {
	details, err := toJSON(a.Details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO activity_log (id, request_id, kind, message, details, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		a.ID, a.RequestID, a.Kind, a.Message, details, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: append activity: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListActivity(ctx context.Context, requestID string, limit int) ([]*domain.ActivityLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, kind, message, details, created_at
		FROM activity_log WHERE request_id = $1 ORDER BY created_at DESC LIMIT $2`, requestID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list activity: %w", err)
	}
	defer rows.Close()
	var out []*domain.ActivityLog
	for rows.Next() {
		var a domain.ActivityLog
		var details []byte
		if err := rows.Scan(&a.ID, &a.RequestID, &a.Kind, &a.Message, &details, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan activity: %w", err)
		}
		if err := fromJSON(details, &a.Details); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// --- library caches -------------------------------------------------------

func (s *PostgresStore) UpsertLibraryCache(ctx context.Context, e *domain.LibraryCacheEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO library_cache (catalog_id, kind, server_id, updated_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (catalog_id, kind, server_id) DO UPDATE SET updated_at = EXCLUDED.updated_at`,
		e.CatalogID, e.Kind, e.ServerID, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: upsert library cache: %w", err)
	}
	return nil
}

func (s *PostgresStore) HasLibraryCache(ctx context.Context, catalogID string, kind domain.MediaKind, serverID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM library_cache WHERE catalog_id = $1 AND kind = $2 AND server_id = $3)`,
		catalogID, kind, serverID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: has library cache: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) UpsertEpisodeLibraryItem(ctx context.Context, it *domain.EpisodeLibraryItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO episode_library_items (catalog_id, season, episode, server_id)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (catalog_id, season, episode, server_id) DO NOTHING`,
		it.CatalogID, it.Season, it.Episode, it.ServerID,
	)
	if err != nil {
		return fmt.Errorf("store: upsert episode library item: %w", err)
	}
	return nil
}

func (s *PostgresStore) HasEpisodeLibraryItem(ctx context.Context, catalogID string, season, episode int, serverID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM episode_library_items
			WHERE catalog_id = $1 AND season = $2 AND episode = $3 AND server_id = $4)`,
		catalogID, season, episode, serverID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: has episode library item: %w", err)
	}
	return exists, nil
}
