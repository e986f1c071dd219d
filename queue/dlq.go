package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/thornvale/worldscheduler/job"
	"github.com/thornvale/worldscheduler/observability"
)

// deadLetter moves a job to the dead-letter queue and raises a critical
// alert. Exactly one DLQ entry is created per terminally failed job.
func (q *Queue) deadLetter(ctx context.Context, j *job.Job, reason string) error {
	entry := job.DeadLetter{
		ID:            uuid.NewString(),
		OriginalJobID: j.ID,
		Kind:          j.Kind,
		CampaignID:    j.CampaignID,
		Payload:       j.Payload,
		LastError:     j.LastError,
		AttemptsMade:  j.AttemptsMade,
		FailedAt:      time.Now(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	pipe := q.client.Pipeline()
	pipe.Del(ctx, leaseKey(j.ID))
	pipe.Set(ctx, dlqEntryKey(entry.ID), data, 0)
	pipe.LPush(ctx, keyDLQEntries, entry.ID)
	if j.RemoveOnFail {
		pipe.Del(ctx, jobKey(j.ID))
	} else {
		jobData, _ := json.Marshal(j)
		pipe.Set(ctx, jobKey(j.ID), jobData, 0)
		pipe.LPush(ctx, keyFailed, j.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	if !j.RemoveOnFail {
		q.trimRetention(ctx, keyFailed, failedRetention)
	}

	observability.JobsDeadLettered.WithLabelValues(string(j.Kind), reason).Inc()
	q.logger.Error("job moved to dead-letter queue", "id", j.ID, "kind", j.Kind,
		"campaign", j.CampaignID, "attempts", j.AttemptsMade, "reason", reason, "error", j.LastError)

	if q.alerts != nil {
		q.alerts.Critical(ctx, "Job dead-lettered",
			fmt.Sprintf("job %s (%s) failed terminally after %d attempts", j.ID, j.Kind, j.AttemptsMade),
			map[string]interface{}{
				"jobId":        j.ID,
				"kind":         string(j.Kind),
				"campaignId":   j.CampaignID,
				"lastError":    j.LastError,
				"attemptsMade": j.AttemptsMade,
			})
	}
	return nil
}

// deadLetterRaw records a DLQ entry for an id whose job record could not be
// read. Best effort; the caller already logged the condition.
func (q *Queue) deadLetterRaw(ctx context.Context, id, message string) {
	entry := job.DeadLetter{
		ID:            uuid.NewString(),
		OriginalJobID: id,
		LastError:     message,
		FailedAt:      time.Now(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	pipe := q.client.Pipeline()
	pipe.LRem(ctx, keyActive, 1, id)
	pipe.ZRem(ctx, keyDelayed, id)
	pipe.Del(ctx, leaseKey(id))
	pipe.Del(ctx, jobKey(id))
	pipe.Set(ctx, dlqEntryKey(entry.ID), data, 0)
	pipe.LPush(ctx, keyDLQEntries, entry.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Warn("dead-letter of unreadable job failed", "id", id, "error", err)
		return
	}
	observability.JobsDeadLettered.WithLabelValues("unknown", "bad_record").Inc()
}

// DeadLetterCount returns the number of retained DLQ entries.
func (q *Queue) DeadLetterCount(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, keyDLQEntries).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return n, nil
}

// ListDeadLetters returns up to limit entries, newest first.
func (q *Queue) ListDeadLetters(ctx context.Context, limit int64) ([]job.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := q.client.LRange(ctx, keyDLQEntries, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	entries := make([]job.DeadLetter, 0, len(ids))
	for _, id := range ids {
		data, err := q.client.Get(ctx, dlqEntryKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
		}
		var entry job.DeadLetter
		if err := json.Unmarshal(data, &entry); err != nil {
			q.logger.Warn("unreadable dead-letter entry", "id", id, "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// RetryDeadLetter re-enqueues a dead-lettered job under a fresh id with
// attempts reset, then removes the DLQ entry.
func (q *Queue) RetryDeadLetter(ctx context.Context, entryID string) (string, error) {
	data, err := q.client.Get(ctx, dlqEntryKey(entryID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	var entry job.DeadLetter
	if err := json.Unmarshal(data, &entry); err != nil {
		return "", fmt.Errorf("unmarshal dead letter %s: %v", entryID, err)
	}
	if !entry.Kind.Known() {
		return "", fmt.Errorf("%w: dead letter %s has no replayable kind", job.ErrUnknownKind, entryID)
	}

	newID, err := q.Enqueue(ctx, entry.Kind, entry.CampaignID, entry.Payload, Options{})
	if err != nil {
		return "", err
	}
	if err := q.RemoveDeadLetter(ctx, entryID); err != nil {
		return newID, err
	}
	q.logger.Info("dead letter replayed", "entry", entryID, "newJobId", newID)
	return newID, nil
}

// RemoveDeadLetter deletes a DLQ entry. This is the only way entries leave
// the dead-letter queue besides replay.
func (q *Queue) RemoveDeadLetter(ctx context.Context, entryID string) error {
	pipe := q.client.Pipeline()
	pipe.LRem(ctx, keyDLQEntries, 1, entryID)
	pipe.Del(ctx, dlqEntryKey(entryID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return nil
}
