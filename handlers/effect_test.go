package handlers

import (
	"context"
	"errors"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thornvale/worldscheduler/apiclient"
	"github.com/thornvale/worldscheduler/job"
)

func effectJob(campaignID, effectID string) *job.Job {
	return testJob(job.KindDeferredEffect, campaignID, job.DeferredEffectPayload{EffectID: effectID})
}

func TestEffectHandlerExecutesActiveEffect(t *testing.T) {
	var executed string
	api := &fakeAPI{
		getEffect: func(_ context.Context, id string) (*apiclient.Effect, error) {
			return &apiclient.Effect{ID: id, CampaignID: "campaign-1", IsActive: true}, nil
		},
		executeEffect: func(_ context.Context, id string) (*apiclient.EffectExecution, error) {
			executed = id
			return &apiclient.EffectExecution{Success: true}, nil
		},
	}

	h := NewEffectHandler(api, hclog.NewNullLogger())
	out := h.Handle(context.Background(), effectJob("campaign-1", "effect-1"))

	assert.Equal(t, job.OutcomeSuccess, out.Code)
	assert.Equal(t, "effect-1", executed)
}

func TestEffectHandlerMissingEffectIsTerminal(t *testing.T) {
	api := &fakeAPI{
		getEffect: func(context.Context, string) (*apiclient.Effect, error) {
			return nil, &apiclient.GraphQLError{Operation: "GetEffect", Messages: []string{"effect not found"}}
		},
	}

	h := NewEffectHandler(api, hclog.NewNullLogger())
	out := h.Handle(context.Background(), effectJob("campaign-1", "missing"))

	assert.Equal(t, job.OutcomeTerminal, out.Code)
}

func TestEffectHandlerCrossTenancyIsTerminal(t *testing.T) {
	api := &fakeAPI{
		getEffect: func(_ context.Context, id string) (*apiclient.Effect, error) {
			return &apiclient.Effect{ID: id, CampaignID: "campaign-other", IsActive: true}, nil
		},
	}

	h := NewEffectHandler(api, hclog.NewNullLogger())
	out := h.Handle(context.Background(), effectJob("campaign-1", "effect-1"))

	require.Equal(t, job.OutcomeTerminal, out.Code)
	assert.Contains(t, out.Err.Error(), "campaign-other")
}

func TestEffectHandlerInactiveEffectIsSkip(t *testing.T) {
	api := &fakeAPI{
		getEffect: func(_ context.Context, id string) (*apiclient.Effect, error) {
			return &apiclient.Effect{ID: id, CampaignID: "campaign-1", IsActive: false}, nil
		},
	}

	h := NewEffectHandler(api, hclog.NewNullLogger())
	out := h.Handle(context.Background(), effectJob("campaign-1", "effect-1"))

	require.Equal(t, job.OutcomeSuccess, out.Code)
	assert.Contains(t, out.Note, "skipped")
}

func TestEffectHandlerRejectedExecutionRetries(t *testing.T) {
	api := &fakeAPI{
		getEffect: func(_ context.Context, id string) (*apiclient.Effect, error) {
			return &apiclient.Effect{ID: id, CampaignID: "campaign-1", IsActive: true}, nil
		},
		executeEffect: func(context.Context, string) (*apiclient.EffectExecution, error) {
			return &apiclient.EffectExecution{Success: false, Error: "resource locked"}, nil
		},
	}

	h := NewEffectHandler(api, hclog.NewNullLogger())
	out := h.Handle(context.Background(), effectJob("campaign-1", "effect-1"))

	require.Equal(t, job.OutcomeRetry, out.Code)
	assert.Contains(t, out.Err.Error(), "resource locked")
}

func TestEffectHandlerTransportErrorRetries(t *testing.T) {
	api := &fakeAPI{
		getEffect: func(context.Context, string) (*apiclient.Effect, error) {
			return nil, apiclient.ErrTransport
		},
	}

	h := NewEffectHandler(api, hclog.NewNullLogger())
	out := h.Handle(context.Background(), effectJob("campaign-1", "effect-1"))

	require.Equal(t, job.OutcomeRetry, out.Code)
	assert.True(t, errors.Is(out.Err, apiclient.ErrTransport))
}

func TestEffectHandlerBadPayloadIsTerminal(t *testing.T) {
	h := NewEffectHandler(&fakeAPI{}, hclog.NewNullLogger())
	j := testJob(job.KindDeferredEffect, "campaign-1", map[string]string{"unexpected": "shape"})

	out := h.Handle(context.Background(), j)

	require.Equal(t, job.OutcomeTerminal, out.Code)
	assert.True(t, errors.Is(out.Err, job.ErrBadPayload))
}
