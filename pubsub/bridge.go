// Package pubsub bridges world-event notifications into queue work. It holds
// a dedicated Redis connection (distinct from the queue's) pattern-subscribed
// to the campaign channels, debounces time advances per campaign and enqueues
// the reactive jobs.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"

	"github.com/thornvale/worldscheduler/job"
	"github.com/thornvale/worldscheduler/observability"
	"github.com/thornvale/worldscheduler/queue"
)

const (
	patternWorldTime      = "campaign.*.worldTimeAdvanced"
	patternEntityModified = "campaign.*.entityModified"

	defaultCooldown = 5 * time.Second

	reconnectInitial     = time.Second
	reconnectCap         = 60 * time.Second
	reconnectMaxAttempts = 10
)

// AlertSink receives the critical alert when reconnection gives up.
type AlertSink interface {
	Critical(ctx context.Context, title, message string, metadata map[string]interface{})
}

// Enqueuer is the producer side of the job queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind job.Kind, campaignID string, payload json.RawMessage, opts queue.Options) (string, error)
}

type worldTimeAdvanced struct {
	CampaignID   string `json:"campaignId"`
	PreviousTime string `json:"previousTime"`
	NewTime      string `json:"newTime"`
}

type entityModified struct {
	CampaignID string `json:"campaignId"`
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	Operation  string `json:"operation"`
}

// Bridge owns the subscriber connection and the per-campaign cooldown state.
type Bridge struct {
	client   *redis.Client
	jobs     Enqueuer
	alerts   AlertSink
	logger   hclog.Logger
	cooldown time.Duration

	retryInitial  time.Duration
	retryCap      time.Duration
	retryAttempts int

	mu       sync.Mutex
	lastSeen map[string]time.Time
	terminal bool

	stop chan struct{}
	done chan struct{}
}

func New(redisURL string, jobs Enqueuer, alerts AlertSink, logger hclog.Logger) (*Bridge, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("pubsub redis url: %w", err)
	}
	return &Bridge{
		client:        redis.NewClient(opts),
		jobs:          jobs,
		alerts:        alerts,
		logger:        logger,
		cooldown:      defaultCooldown,
		retryInitial:  reconnectInitial,
		retryCap:      reconnectCap,
		retryAttempts: reconnectMaxAttempts,
		lastSeen:      make(map[string]time.Time),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}, nil
}

// Ping probes the subscriber for health checks. A bridge whose consume loop
// gave up reports an error even though the underlying connection still
// answers: reactive scheduling is down regardless.
func (b *Bridge) Ping(ctx context.Context) error {
	b.mu.Lock()
	terminal := b.terminal
	b.mu.Unlock()
	if terminal {
		return errors.New("subscription terminated after exhausting reconnect attempts")
	}
	return b.client.Ping(ctx).Err()
}

// Start subscribes and consumes until Stop. Lost connections are re-established
// with exponential backoff; after reconnectMaxAttempts consecutive failures the
// bridge raises a critical alert and gives up.
func (b *Bridge) Start() {
	go b.run()
}

func (b *Bridge) run() {
	defer close(b.done)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.retryInitial
	policy.MaxInterval = b.retryCap
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	attempts := 0
	for {
		select {
		case <-b.stop:
			return
		default:
		}

		established, err := b.consume()
		if err == nil {
			// Clean shutdown path.
			return
		}
		if established {
			// The session was healthy before it broke: start a fresh
			// backoff sequence.
			attempts = 0
			policy.Reset()
		}

		attempts++
		if attempts >= b.retryAttempts {
			b.mu.Lock()
			b.terminal = true
			b.mu.Unlock()
			b.logger.Error("pub/sub reconnect attempts exhausted, giving up", "attempts", attempts)
			if b.alerts != nil {
				b.alerts.Critical(context.Background(), "Pub/sub subscriber gave up",
					"world-event subscription lost and could not be re-established; reactive scheduling is down",
					map[string]interface{}{"attempts": attempts, "lastError": err.Error()})
			}
			return
		}

		wait := policy.NextBackOff()
		observability.PubSubReconnects.Inc()
		b.logger.Warn("pub/sub connection lost, reconnecting", "attempt", attempts, "wait", wait, "error", err)
		select {
		case <-b.stop:
			return
		case <-time.After(wait):
		}
	}
}

// consume runs one subscription session. The bool reports whether the
// subscription was confirmed before the session ended; a nil error means
// shutdown.
func (b *Bridge) consume() (bool, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := b.client.PSubscribe(ctx, patternWorldTime, patternEntityModified)
	defer sub.Close()

	// Confirm the subscription before declaring the session healthy.
	if _, err := sub.Receive(ctx); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	b.logger.Info("pub/sub subscribed", "patterns", []string{patternWorldTime, patternEntityModified})

	ch := sub.Channel()
	for {
		select {
		case <-b.stop:
			return true, nil
		case msg, ok := <-ch:
			if !ok {
				return true, fmt.Errorf("subscription channel closed")
			}
			b.handleMessage(ctx, msg)
		}
	}
}

// Stop unsubscribes, closes the connection and clears the cooldown state.
func (b *Bridge) Stop(ctx context.Context) error {
	close(b.stop)
	select {
	case <-b.done:
	case <-ctx.Done():
		return fmt.Errorf("pubsub drain: %w", ctx.Err())
	}

	b.mu.Lock()
	b.lastSeen = make(map[string]time.Time)
	b.mu.Unlock()
	return b.client.Close()
}

func (b *Bridge) handleMessage(ctx context.Context, msg *redis.Message) {
	switch {
	case strings.HasSuffix(msg.Channel, ".worldTimeAdvanced"):
		b.handleWorldTime(ctx, msg.Channel, []byte(msg.Payload))
	case strings.HasSuffix(msg.Channel, ".entityModified"):
		b.handleEntityModified(ctx, msg.Channel, []byte(msg.Payload))
	default:
		b.logger.Debug("message on unexpected channel", "channel", msg.Channel)
	}
}

func (b *Bridge) handleWorldTime(ctx context.Context, channel string, payload []byte) {
	var event worldTimeAdvanced
	if err := json.Unmarshal(payload, &event); err != nil || event.CampaignID == "" {
		observability.PubSubMessages.WithLabelValues(patternWorldTime, "malformed").Inc()
		b.logger.Warn("dropping malformed worldTimeAdvanced message", "channel", channel, "error", err)
		return
	}

	if !b.pastCooldown(event.CampaignID) {
		observability.PubSubMessages.WithLabelValues(patternWorldTime, "debounced").Inc()
		b.logger.Debug("time advance debounced", "campaign", event.CampaignID)
		return
	}
	observability.PubSubMessages.WithLabelValues(patternWorldTime, "ok").Inc()

	// Three independent enqueues: one failing must not stop the others.
	empty := json.RawMessage(`{}`)
	reactive := []struct {
		kind     job.Kind
		priority job.Priority
	}{
		{job.KindEventExpiration, job.PriorityHigh},
		{job.KindRecalculateSettlementSchedules, job.PriorityNormal},
		{job.KindRecalculateStructureSchedules, job.PriorityNormal},
	}
	for _, r := range reactive {
		if _, err := b.jobs.Enqueue(ctx, r.kind, event.CampaignID, empty, queue.Options{Priority: r.priority}); err != nil {
			b.logger.Error("reactive enqueue failed", "kind", r.kind, "campaign", event.CampaignID, "error", err)
		}
	}
	b.logger.Info("world time advanced, reactive jobs enqueued", "campaign", event.CampaignID, "newTime", event.NewTime)
}

func (b *Bridge) handleEntityModified(ctx context.Context, channel string, payload []byte) {
	var event entityModified
	if err := json.Unmarshal(payload, &event); err != nil || event.CampaignID == "" {
		observability.PubSubMessages.WithLabelValues(patternEntityModified, "malformed").Inc()
		b.logger.Warn("dropping malformed entityModified message", "channel", channel, "error", err)
		return
	}

	kind, ok := reactiveKindFor(event.EntityType, event.Operation)
	if !ok {
		observability.PubSubMessages.WithLabelValues(patternEntityModified, "ignored").Inc()
		return
	}
	observability.PubSubMessages.WithLabelValues(patternEntityModified, "ok").Inc()

	if _, err := b.jobs.Enqueue(ctx, kind, event.CampaignID, json.RawMessage(`{}`),
		queue.Options{Priority: job.PriorityNormal}); err != nil {
		b.logger.Error("reactive enqueue failed", "kind", kind, "campaign", event.CampaignID,
			"entity", event.EntityID, "error", err)
		return
	}
	b.logger.Debug("entity change scheduled recalculation", "campaign", event.CampaignID,
		"entityType", event.EntityType, "operation", event.Operation)
}

// reactiveKindFor maps an entity change onto a recalculation job. Deletions
// need no recalculation (stale jobs no-op against a missing entity) and
// events/encounters are covered by the periodic expiration check.
func reactiveKindFor(entityType, operation string) (job.Kind, bool) {
	if operation != "CREATE" && operation != "UPDATE" {
		return "", false
	}
	switch entityType {
	case "Settlement":
		return job.KindRecalculateSettlementSchedules, true
	case "Structure":
		return job.KindRecalculateStructureSchedules, true
	}
	return "", false
}

// pastCooldown reports whether a campaign's time advance should be processed,
// and if so records it. Entries older than ten cooldown windows are evicted
// opportunistically to keep the map bounded.
func (b *Bridge) pastCooldown(campaignID string) bool {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	if last, ok := b.lastSeen[campaignID]; ok && now.Sub(last) < b.cooldown {
		return false
	}
	b.lastSeen[campaignID] = now

	horizon := now.Add(-10 * b.cooldown)
	for id, seen := range b.lastSeen {
		if seen.Before(horizon) {
			delete(b.lastSeen, id)
		}
	}
	return true
}
