// Package activity records the append-only event stream surfaced by
// getRequest/getEpisodeStatuses: every status transition, retry, and
// delivery outcome a request goes through. Writes land in the Store
// (Postgres) as the durable record; a Redis mirror of the last N entries
// per request serves the common "tail the activity feed" read without
// round-tripping the database on every poll.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"mediabroker/internal/domain"
	"mediabroker/internal/store"
)

const (
	mirrorPrefix = "activity"
	mirrorLen    = 50
)

// Recorder appends ActivityLog entries to the Store and mirrors the most
// recent ones in Redis for fast reads. The mirror is best-effort: a Redis
// failure never fails the write, since the Store already has the entry.
type Recorder struct {
	store  store.Store
	redis  *redis.Client
	mirror int
}

func New(st store.Store, redisClient *redis.Client) *Recorder {
	return &Recorder{store: st, redis: redisClient, mirror: mirrorLen}
}

func mirrorKey(requestID string) string {
	return fmt.Sprintf("%s:%s", mirrorPrefix, requestID)
}

// Append writes a new activity entry for requestID and pushes it onto the
// Redis mirror list, trimming the list to the configured length.
func (r *Recorder) Append(ctx context.Context, requestID, kind, message string, details map[string]any) error {
	entry := &domain.ActivityLog{
		ID: uuid.NewString(), RequestID: requestID, Kind: kind, Message: message,
		Details: details, CreatedAt: time.Now(),
	}
	if err := r.store.AppendActivity(ctx, entry); err != nil {
		return fmt.Errorf("activity: append to store: %w", err)
	}
	r.pushMirror(ctx, entry)
	return nil
}

func (r *Recorder) pushMirror(ctx context.Context, entry *domain.ActivityLog) {
	if r.redis == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		log.WithFields(log.Fields{"requestId": entry.RequestID}).Warn("activity: marshal mirror entry failed: ", err)
		return
	}
	key := mirrorKey(entry.RequestID)
	pipe := r.redis.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, int64(r.mirror-1))
	pipe.Expire(ctx, key, 24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		log.WithFields(log.Fields{"requestId": entry.RequestID}).Warn("activity: mirror push failed: ", err)
	}
}

// List returns the most recent activity entries for a request, newest
// first, preferring the Redis mirror and falling back to the Store when
// Redis is unavailable, empty, or the caller asked for more than the
// mirror retains.
func (r *Recorder) List(ctx context.Context, requestID string, limit int) ([]*domain.ActivityLog, error) {
	if limit <= 0 || limit > r.mirror {
		return r.store.ListActivity(ctx, requestID, limit)
	}
	if entries, ok := r.readMirror(ctx, requestID, limit); ok {
		return entries, nil
	}
	return r.store.ListActivity(ctx, requestID, limit)
}

func (r *Recorder) readMirror(ctx context.Context, requestID string, limit int) ([]*domain.ActivityLog, bool) {
	if r.redis == nil {
		return nil, false
	}
	raw, err := r.redis.LRange(ctx, mirrorKey(requestID), 0, int64(limit-1)).Result()
	if err != nil || len(raw) == 0 {
		return nil, false
	}
	out := make([]*domain.ActivityLog, 0, len(raw))
	for _, item := range raw {
		var entry domain.ActivityLog
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			log.WithFields(log.Fields{"requestId": requestID}).Warn("activity: unmarshal mirror entry failed: ", err)
			return nil, false
		}
		out = append(out, &entry)
	}
	return out, true
}
