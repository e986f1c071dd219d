package handlers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/thornvale/worldscheduler/job"
)

const (
	// expirationBatchSize bounds how many events are expired concurrently.
	expirationBatchSize = 10

	defaultGracePeriod = 5 * time.Minute
)

// ExpirationHandler expires overdue events. An event is overdue when its
// scheduled time is more than the grace period in the past.
type ExpirationHandler struct {
	api    API
	logger hclog.Logger

	mu    sync.RWMutex
	grace time.Duration
}

func NewExpirationHandler(api API, logger hclog.Logger) *ExpirationHandler {
	return &ExpirationHandler{api: api, logger: logger, grace: defaultGracePeriod}
}

// SetGracePeriod adjusts the overdue cutoff at runtime. Negative values are
// rejected.
func (h *ExpirationHandler) SetGracePeriod(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("grace period must be non-negative, got %v", d)
	}
	h.mu.Lock()
	h.grace = d
	h.mu.Unlock()
	return nil
}

// GracePeriod returns the current overdue cutoff.
func (h *ExpirationHandler) GracePeriod() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.grace
}

// Handle runs one EventExpiration job. With the SYSTEM campaign it fans out
// over every campaign; one campaign's failure never halts the others. The
// job succeeds even when individual events fail to expire: the next periodic
// firing picks them up again.
func (h *ExpirationHandler) Handle(ctx context.Context, j *job.Job) job.Outcome {
	if j.CampaignID == job.SystemCampaign {
		campaigns, err := h.api.GetAllCampaignIDs(ctx)
		if err != nil {
			return job.Retry(fmt.Errorf("list campaigns: %w", err))
		}

		var expired, failed int
		for _, campaignID := range campaigns {
			e, f, err := h.processCampaign(ctx, campaignID)
			if err != nil {
				failed++
				h.logger.Warn("campaign expiration pass failed", "campaign", campaignID, "error", err)
				continue
			}
			expired += e
			failed += f
		}
		h.logger.Info("fleet expiration pass finished", "campaigns", len(campaigns), "expired", expired, "errors", failed)
		return job.Success()
	}

	expired, failed, err := h.processCampaign(ctx, j.CampaignID)
	if err != nil {
		return job.Retry(err)
	}
	h.logger.Info("expiration pass finished", "campaign", j.CampaignID, "expired", expired, "errors", failed)
	return job.Success()
}

// processCampaign expires a single campaign's overdue events in concurrent
// batches. Returns (expired, failed, err); err is non-nil only when the
// overdue fetch itself failed.
func (h *ExpirationHandler) processCampaign(ctx context.Context, campaignID string) (int, int, error) {
	cutoff := time.Now().Add(-h.GracePeriod())
	events, err := h.api.GetOverdueEvents(ctx, campaignID, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("fetch overdue events: %w", err)
	}
	if len(events) == 0 {
		return 0, 0, nil
	}

	var expired, failed int
	for start := 0; start < len(events); start += expirationBatchSize {
		end := start + expirationBatchSize
		if end > len(events) {
			end = len(events)
		}

		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		for _, event := range events[start:end] {
			event := event
			g.Go(func() error {
				if err := h.api.ExpireEvent(gctx, event.ID); err != nil {
					mu.Lock()
					failed++
					mu.Unlock()
					h.logger.Warn("expire event failed", "campaign", campaignID, "event", event.ID, "error", err)
					return nil // best effort: one event never cancels its batch
				}
				mu.Lock()
				expired++
				mu.Unlock()
				return nil
			})
		}
		g.Wait()
	}
	return expired, failed, nil
}
