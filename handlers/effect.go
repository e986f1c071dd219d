package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/thornvale/worldscheduler/apiclient"
	"github.com/thornvale/worldscheduler/job"
)

// EffectHandler executes deferred effects against the platform API.
type EffectHandler struct {
	api    API
	logger hclog.Logger
}

func NewEffectHandler(api API, logger hclog.Logger) *EffectHandler {
	return &EffectHandler{api: api, logger: logger}
}

// Handle runs one DeferredEffect job.
//
// Terminal conditions: missing effect, cross-tenancy mismatch. An inactive
// effect is a successful skip, not an error. An execution the API rejects is
// retried.
func (h *EffectHandler) Handle(ctx context.Context, j *job.Job) job.Outcome {
	payload, err := job.DecodeDeferredEffect(j.Payload)
	if err != nil {
		return job.Terminal(err)
	}

	effect, err := h.api.GetEffect(ctx, payload.EffectID)
	if err != nil {
		if gqlErr, ok := apiclient.IsGraphQLError(err); ok && isNotFound(gqlErr) {
			return job.Terminal(fmt.Errorf("effect %s not found", payload.EffectID))
		}
		if errors.Is(err, apiclient.ErrEmptyResult) {
			return job.Terminal(fmt.Errorf("effect %s not found", payload.EffectID))
		}
		return job.Retry(err)
	}

	if effect.CampaignID != j.CampaignID {
		return job.Terminal(fmt.Errorf("effect %s belongs to campaign %s, job is for %s",
			payload.EffectID, effect.CampaignID, j.CampaignID))
	}

	if !effect.IsActive {
		h.logger.Info("skipping inactive effect", "effect", payload.EffectID, "campaign", j.CampaignID)
		return job.SuccessNote("skipped: effect inactive")
	}

	result, err := h.api.ExecuteEffect(ctx, payload.EffectID)
	if err != nil {
		return job.Retry(err)
	}
	if !result.Success {
		return job.Retry(fmt.Errorf("effect execution rejected: %s", result.Error))
	}

	executionID := ""
	if result.Execution != nil {
		executionID = result.Execution.ID
	}
	h.logger.Info("effect executed", "effect", payload.EffectID, "campaign", j.CampaignID, "execution", executionID)
	return job.Success()
}

func isNotFound(err *apiclient.GraphQLError) bool {
	for _, msg := range err.Messages {
		if strings.Contains(strings.ToLower(msg), "not found") {
			return true
		}
	}
	return false
}
