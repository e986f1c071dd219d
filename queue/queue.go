// Package queue implements the durable, priority-aware, delay-capable job
// queue on top of a Redis-compatible server. Ready jobs live in one list per
// priority class, delayed jobs in a sorted set scored by ready time, and
// reservations are guarded by per-job lease keys. Terminal failures move to
// a dead-letter queue that is retained until an explicit admin action.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"

	"github.com/thornvale/worldscheduler/job"
	"github.com/thornvale/worldscheduler/observability"
)

// ErrQueueUnavailable wraps transient backing-store failures. Callers retry
// at their next tick.
var ErrQueueUnavailable = errors.New("queue unavailable")

// ErrNotFound is returned for operations on ids the queue does not know.
var ErrNotFound = errors.New("job not found")

// Retention limits for the completed and failed lists. The DLQ has none.
const (
	completedRetention = 100
	failedRetention    = 500
)

// AlertSink is the slice of the alerting component the queue needs: critical
// notifications on dead-letter moves.
type AlertSink interface {
	Critical(ctx context.Context, title, message string, metadata map[string]interface{})
}

// Queue is the Redis-backed job queue shared by all producers and workers.
type Queue struct {
	client   *redis.Client
	logger   hclog.Logger
	alerts   AlertSink
	defaults Defaults

	stop chan struct{}
	done chan struct{}
}

// New connects to the backing store and verifies the connection.
func New(redisURL string, defaults Defaults, alerts AlertSink, logger hclog.Logger) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	// Pool sized for workers + producers + background loop.
	opts.PoolSize = 20
	opts.MinIdleConns = 2
	opts.ConnMaxIdleTime = 10 * time.Minute
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 5 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.ContextTimeoutEnabled = true

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	q := &Queue{
		client:   client,
		logger:   logger,
		alerts:   alerts,
		defaults: defaults,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	return q, nil
}

// Start launches the background loop that promotes due delayed jobs and
// reaps expired reservations.
func (q *Queue) Start() {
	go q.loop()
}

func (q *Queue) loop() {
	defer close(q.done)
	promote := time.NewTicker(500 * time.Millisecond)
	reap := time.NewTicker(5 * time.Second)
	defer promote.Stop()
	defer reap.Stop()

	for {
		select {
		case <-q.stop:
			return
		case <-promote.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if n, err := q.PromoteDue(ctx); err != nil {
				q.logger.Warn("promote delayed jobs", "error", err)
			} else if n > 0 {
				q.logger.Debug("promoted delayed jobs", "count", n)
			}
			cancel()
		case <-reap.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if n, err := q.ReapExpired(ctx); err != nil {
				q.logger.Warn("reap expired reservations", "error", err)
			} else if n > 0 {
				q.logger.Info("returned expired reservations to queue", "count", n)
			}
			cancel()
		}
	}
}

// Close stops the background loop and closes the Redis connection.
func (q *Queue) Close() error {
	close(q.stop)
	<-q.done
	return q.client.Close()
}

// Ping checks backing-store reachability.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func observeLatency(start time.Time) {
	observability.RedisLatency.Observe(time.Since(start).Seconds())
}

// Enqueue creates a job and makes it ready now or after opts.Delay.
func (q *Queue) Enqueue(ctx context.Context, kind job.Kind, campaignID string, payload json.RawMessage, opts Options) (string, error) {
	defer observeLatency(time.Now())

	opts = opts.withDefaults(q.defaults)
	now := time.Now()

	j := &job.Job{
		ID:               uuid.NewString(),
		Kind:             kind,
		CampaignID:       campaignID,
		Priority:         opts.Priority.Normalize(),
		Payload:          payload,
		ReadyAt:          now.Add(opts.Delay),
		MaxAttempts:      opts.Attempts,
		Backoff:          opts.Backoff,
		CreatedAt:        now,
		UpdatedAt:        now,
		RemoveOnComplete: opts.RemoveOnComplete,
		RemoveOnFail:     opts.RemoveOnFail,
	}

	data, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}

	pipe := q.client.Pipeline()
	pipe.Set(ctx, jobKey(j.ID), data, 0)
	if opts.Delay > 0 {
		pipe.ZAdd(ctx, keyDelayed, redis.Z{Score: float64(j.ReadyAt.UnixMilli()), Member: j.ID})
	} else {
		pipe.LPush(ctx, waitingKey(j.Priority), j.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	observability.JobsEnqueued.WithLabelValues(string(kind), j.Priority.String()).Inc()
	q.logger.Debug("enqueued job", "id", j.ID, "kind", kind, "campaign", campaignID,
		"priority", j.Priority.String(), "delay", opts.Delay)
	return j.ID, nil
}

// Reserve pops the highest-priority ready job and takes a lease on it for
// leaseDuration. Returns (nil, nil) when nothing is ready or the queue is
// paused. The pop is atomic with respect to other reservers.
func (q *Queue) Reserve(ctx context.Context, workerID string, leaseDuration time.Duration) (*job.Job, error) {
	defer observeLatency(time.Now())

	paused, err := q.client.Exists(ctx, keyPaused).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	if paused > 0 {
		return nil, nil
	}

	for _, key := range waitingKeys() {
		id, err := q.client.RPopLPush(ctx, key, keyActive).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
		}

		j, err := q.loadJob(ctx, id)
		if err != nil {
			// Corrupt or missing record: nothing a worker can do with it.
			q.logger.Error("reserved job record unreadable, dead-lettering", "id", id, "error", err)
			q.deadLetterRaw(ctx, id, fmt.Sprintf("unreadable job record: %v", err))
			continue
		}

		if _, err := q.acquireLease(ctx, id, workerID, leaseDuration); err != nil {
			q.logger.Warn("lease acquire failed, job stays active until reaped", "id", id, "error", err)
		}
		return j, nil
	}
	return nil, nil
}

// Renew extends a worker's reservation lease. Returns false if the lease is
// gone or owned by someone else.
func (q *Queue) Renew(ctx context.Context, jobID, workerID string, ttl time.Duration) (bool, error) {
	return q.renewLease(ctx, jobID, workerID, ttl)
}

// Ack completes a job. Idempotent: acking an already-finished id is a no-op.
func (q *Queue) Ack(ctx context.Context, id string) error {
	defer observeLatency(time.Now())

	j, err := q.loadJob(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	removed, err := q.client.LRem(ctx, keyActive, 1, id).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	if removed == 0 {
		// Already acked or failed under this id.
		return nil
	}

	j.UpdatedAt = time.Now()
	pipe := q.client.Pipeline()
	pipe.Del(ctx, leaseKey(id))
	if j.RemoveOnComplete {
		pipe.Del(ctx, jobKey(id))
	} else {
		data, _ := json.Marshal(j)
		pipe.Set(ctx, jobKey(id), data, 0)
		pipe.LPush(ctx, keyCompleted, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	if !j.RemoveOnComplete {
		q.trimRetention(ctx, keyCompleted, completedRetention)
	}

	observability.JobsCompleted.WithLabelValues(string(j.Kind)).Inc()
	return nil
}

// Fail records a failed attempt. With requeue and attempts remaining the job
// is re-scheduled at now + backoff(attemptsMade); otherwise it moves to the
// dead-letter queue. Idempotent for ids already out of the active set.
func (q *Queue) Fail(ctx context.Context, id string, jobErr error, requeue bool) error {
	defer observeLatency(time.Now())

	j, err := q.loadJob(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	removed, err := q.client.LRem(ctx, keyActive, 1, id).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	if removed == 0 {
		return nil
	}

	j.AttemptsMade++
	if jobErr != nil {
		j.LastError = jobErr.Error()
	}
	j.UpdatedAt = time.Now()

	if requeue && j.AttemptsMade < j.MaxAttempts {
		delay := j.Backoff.Delay(j.AttemptsMade)
		j.ReadyAt = time.Now().Add(delay)
		data, _ := json.Marshal(j)

		pipe := q.client.Pipeline()
		pipe.Del(ctx, leaseKey(id))
		pipe.Set(ctx, jobKey(id), data, 0)
		pipe.ZAdd(ctx, keyDelayed, redis.Z{Score: float64(j.ReadyAt.UnixMilli()), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
		}

		observability.JobsRetried.WithLabelValues(string(j.Kind)).Inc()
		q.logger.Info("job failed, retry scheduled", "id", id, "kind", j.Kind,
			"attempt", j.AttemptsMade, "max", j.MaxAttempts, "delay", delay, "error", j.LastError)
		return nil
	}

	reason := "retries_exhausted"
	if !requeue {
		reason = "terminal"
	}
	return q.deadLetter(ctx, j, reason)
}

// Counts reports queue depths by state.
func (q *Queue) Counts(ctx context.Context) (map[string]int64, error) {
	defer observeLatency(time.Now())

	pipe := q.client.Pipeline()
	waiting := make([]*redis.IntCmd, 0, 4)
	for _, key := range waitingKeys() {
		waiting = append(waiting, pipe.LLen(ctx, key))
	}
	active := pipe.LLen(ctx, keyActive)
	completed := pipe.LLen(ctx, keyCompleted)
	failed := pipe.LLen(ctx, keyFailed)
	delayed := pipe.ZCard(ctx, keyDelayed)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	var waitingTotal int64
	for _, cmd := range waiting {
		waitingTotal += cmd.Val()
	}
	return map[string]int64{
		"active":    active.Val(),
		"waiting":   waitingTotal,
		"completed": completed.Val(),
		"failed":    failed.Val(),
		"delayed":   delayed.Val(),
	}, nil
}

// Pause stops Reserve from handing out jobs. Enqueue continues.
func (q *Queue) Pause(ctx context.Context) error {
	if err := q.client.Set(ctx, keyPaused, "1", 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	q.logger.Info("queue paused")
	return nil
}

// Resume re-enables reservations.
func (q *Queue) Resume(ctx context.Context) error {
	if err := q.client.Del(ctx, keyPaused).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	q.logger.Info("queue resumed")
	return nil
}

// PromoteDue moves delayed jobs whose ready time has passed onto their
// priority lists. Returns the number moved.
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	defer observeLatency(time.Now())

	now := time.Now().UnixMilli()
	ids, err := q.client.ZRangeByScore(ctx, keyDelayed, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	moved := 0
	for _, id := range ids {
		j, err := q.loadJob(ctx, id)
		if err != nil {
			q.logger.Warn("delayed job record unreadable, removing from delayed set", "id", id, "error", err)
			q.client.ZRem(ctx, keyDelayed, id)
			continue
		}
		pipe := q.client.Pipeline()
		pipe.LPush(ctx, waitingKey(j.Priority), id)
		pipe.ZRem(ctx, keyDelayed, id)
		if _, err := pipe.Exec(ctx); err != nil {
			return moved, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
		}
		moved++
	}
	if moved > 0 {
		observability.QueuePromotions.Add(float64(moved))
	}
	return moved, nil
}

// ReapExpired returns active jobs with no live lease to their ready lists.
// Attempts are not incremented: a lost lease is not a handler failure.
func (q *Queue) ReapExpired(ctx context.Context) (int, error) {
	defer observeLatency(time.Now())

	ids, err := q.client.LRange(ctx, keyActive, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	reaped := 0
	for _, id := range ids {
		exists, err := q.client.Exists(ctx, leaseKey(id)).Result()
		if err != nil {
			return reaped, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
		}
		if exists > 0 {
			continue
		}
		j, err := q.loadJob(ctx, id)
		if err != nil {
			q.logger.Warn("expired reservation has unreadable record, dead-lettering", "id", id, "error", err)
			q.deadLetterRaw(ctx, id, fmt.Sprintf("unreadable job record: %v", err))
			continue
		}
		pipe := q.client.Pipeline()
		pipe.LRem(ctx, keyActive, 1, id)
		pipe.LPush(ctx, waitingKey(j.Priority), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return reaped, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
		}
		reaped++
	}
	if reaped > 0 {
		observability.QueueReaped.Add(float64(reaped))
	}
	return reaped, nil
}

// CleanCompleted removes completed jobs older than maxAge.
func (q *Queue) CleanCompleted(ctx context.Context, maxAge time.Duration) (int, error) {
	return q.cleanList(ctx, keyCompleted, maxAge)
}

// CleanFailed removes failed jobs older than maxAge. Dead-letter entries are
// not touched.
func (q *Queue) CleanFailed(ctx context.Context, maxAge time.Duration) (int, error) {
	return q.cleanList(ctx, keyFailed, maxAge)
}

func (q *Queue) cleanList(ctx context.Context, key string, maxAge time.Duration) (int, error) {
	defer observeLatency(time.Now())

	ids, err := q.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	cutoff := time.Now().Add(-maxAge)
	cleaned := 0
	for _, id := range ids {
		j, err := q.loadJob(ctx, id)
		if err != nil || j.UpdatedAt.Before(cutoff) {
			pipe := q.client.Pipeline()
			pipe.LRem(ctx, key, 1, id)
			pipe.Del(ctx, jobKey(id))
			if _, err := pipe.Exec(ctx); err != nil {
				return cleaned, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
			}
			cleaned++
		}
	}
	return cleaned, nil
}

func (q *Queue) loadJob(ctx context.Context, id string) (*job.Job, error) {
	data, err := q.client.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	var j job.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %v", id, err)
	}
	return &j, nil
}

// trimRetention keeps at most limit entries on a retention list, deleting
// the records of anything trimmed off the tail.
func (q *Queue) trimRetention(ctx context.Context, key string, limit int64) {
	overflow, err := q.client.LRange(ctx, key, limit, -1).Result()
	if err != nil {
		q.logger.Warn("retention trim read failed", "key", key, "error", err)
		return
	}
	if len(overflow) == 0 {
		return
	}
	pipe := q.client.Pipeline()
	for _, id := range overflow {
		pipe.Del(ctx, jobKey(id))
	}
	pipe.LTrim(ctx, key, 0, limit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Warn("retention trim failed", "key", key, "error", err)
	}
}
