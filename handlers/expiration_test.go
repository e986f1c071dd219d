package handlers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thornvale/worldscheduler/apiclient"
	"github.com/thornvale/worldscheduler/job"
)

func expirationJob(campaignID string) *job.Job {
	return testJob(job.KindEventExpiration, campaignID, struct{}{})
}

func namedEvents(ids ...string) []apiclient.Event {
	events := make([]apiclient.Event, 0, len(ids))
	for _, id := range ids {
		events = append(events, apiclient.Event{ID: id})
	}
	return events
}

func TestExpirationHandlerSingleCampaign(t *testing.T) {
	var mu sync.Mutex
	var expired []string
	api := &fakeAPI{
		getOverdueEvents: func(_ context.Context, campaignID string, before time.Time) ([]apiclient.Event, error) {
			assert.Equal(t, "campaign-1", campaignID)
			assert.WithinDuration(t, time.Now().Add(-5*time.Minute), before, time.Second,
				"cutoff must honor the default grace period")
			return namedEvents("e-1", "e-2", "e-3"), nil
		},
		expireEvent: func(_ context.Context, eventID string) error {
			mu.Lock()
			expired = append(expired, eventID)
			mu.Unlock()
			return nil
		},
	}

	h := NewExpirationHandler(api, hclog.NewNullLogger())
	out := h.Handle(context.Background(), expirationJob("campaign-1"))

	assert.Equal(t, job.OutcomeSuccess, out.Code)
	assert.Len(t, expired, 3)
}

func TestExpirationHandlerPartialFailureStillSucceeds(t *testing.T) {
	api := &fakeAPI{
		getOverdueEvents: func(_ context.Context, _ string, _ time.Time) ([]apiclient.Event, error) {
			return namedEvents("e-1", "e-2"), nil
		},
		expireEvent: func(_ context.Context, eventID string) error {
			if eventID == "e-1" {
				return errors.New("event already resolved")
			}
			return nil
		},
	}

	h := NewExpirationHandler(api, hclog.NewNullLogger())
	out := h.Handle(context.Background(), expirationJob("campaign-1"))

	assert.Equal(t, job.OutcomeSuccess, out.Code,
		"individual event failures are picked up on the next cron tick")
}

func TestExpirationHandlerFetchFailureRetries(t *testing.T) {
	api := &fakeAPI{
		getOverdueEvents: func(context.Context, string, time.Time) ([]apiclient.Event, error) {
			return nil, apiclient.ErrTransport
		},
	}

	h := NewExpirationHandler(api, hclog.NewNullLogger())
	out := h.Handle(context.Background(), expirationJob("campaign-1"))

	require.Equal(t, job.OutcomeRetry, out.Code)
	assert.True(t, errors.Is(out.Err, apiclient.ErrTransport))
}

func TestExpirationHandlerSystemFansOut(t *testing.T) {
	var mu sync.Mutex
	fetched := map[string]int{}
	api := &fakeAPI{
		getAllCampaignIDs: func(context.Context) ([]string, error) {
			return []string{"campaign-1", "campaign-2", "campaign-3"}, nil
		},
		getOverdueEvents: func(_ context.Context, campaignID string, _ time.Time) ([]apiclient.Event, error) {
			mu.Lock()
			fetched[campaignID]++
			mu.Unlock()
			if campaignID == "campaign-2" {
				return nil, errors.New("campaign suspended")
			}
			return namedEvents("e-" + campaignID), nil
		},
		expireEvent: func(context.Context, string) error { return nil },
	}

	h := NewExpirationHandler(api, hclog.NewNullLogger())
	out := h.Handle(context.Background(), expirationJob(job.SystemCampaign))

	assert.Equal(t, job.OutcomeSuccess, out.Code,
		"one campaign's failure must not halt the fleet pass")
	assert.Len(t, fetched, 3)
}

func TestExpirationHandlerSystemCampaignListFailureRetries(t *testing.T) {
	api := &fakeAPI{
		getAllCampaignIDs: func(context.Context) ([]string, error) {
			return nil, apiclient.ErrCircuitOpen
		},
	}

	h := NewExpirationHandler(api, hclog.NewNullLogger())
	out := h.Handle(context.Background(), expirationJob(job.SystemCampaign))

	require.Equal(t, job.OutcomeRetry, out.Code)
	assert.True(t, errors.Is(out.Err, apiclient.ErrCircuitOpen))
}

func TestGracePeriodRuntimeAdjustable(t *testing.T) {
	h := NewExpirationHandler(&fakeAPI{}, hclog.NewNullLogger())

	require.NoError(t, h.SetGracePeriod(time.Minute))
	assert.Equal(t, time.Minute, h.GracePeriod())

	assert.Error(t, h.SetGracePeriod(-time.Second))
	assert.Equal(t, time.Minute, h.GracePeriod(), "rejected values must not stick")
}
