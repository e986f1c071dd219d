package handlers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/thornvale/worldscheduler/apiclient"
	"github.com/thornvale/worldscheduler/job"
	"github.com/thornvale/worldscheduler/queue"
)

// Settlement growth tables. Higher-level settlements run their checks more
// often (smaller multiplier).
var levelMultipliers = map[int]float64{1: 1.0, 2: 0.9, 3: 0.8, 4: 0.7, 5: 0.6}

const (
	basePopulationIntervalMin = 60
	baseResourceIntervalMin   = 60
	baseLevelUpIntervalMin    = 360

	defaultGrowthRate        = 0.05
	defaultCurrentPopulation = 100
	defaultPopulationCap     = 1000

	levelThresholdStep = 500
)

var defaultResourceRates = map[string]float64{"food": 10, "gold": 5, "materials": 3}

func levelMultiplier(level int) float64 {
	if m, ok := levelMultipliers[level]; ok {
		return m
	}
	return 1.0
}

func levelUpThreshold(level int) float64 {
	return float64(level+1) * levelThresholdStep
}

// SettlementScheduler computes future growth events for settlements and
// enqueues one delayed job per event. It backs both the hourly cron task and
// the reactive RecalculateSettlementSchedules jobs.
type SettlementScheduler struct {
	api    API
	jobs   Enqueuer
	logger hclog.Logger
}

func NewSettlementScheduler(api API, jobs Enqueuer, logger hclog.Logger) *SettlementScheduler {
	return &SettlementScheduler{api: api, jobs: jobs, logger: logger}
}

// Handle serves RecalculateSettlementSchedules jobs. SYSTEM fans out over
// every campaign; per-entity failures are counted and logged but never fail
// the job.
func (s *SettlementScheduler) Handle(ctx context.Context, j *job.Job) job.Outcome {
	campaigns := []string{j.CampaignID}
	if j.CampaignID == job.SystemCampaign {
		all, err := s.api.GetAllCampaignIDs(ctx)
		if err != nil {
			return job.Retry(fmt.Errorf("list campaigns: %w", err))
		}
		campaigns = all
	}

	var scheduled, failed int
	for _, campaignID := range campaigns {
		sc, fl, err := s.PlanCampaign(ctx, campaignID)
		if err != nil {
			if len(campaigns) == 1 {
				return job.Retry(err)
			}
			failed++
			s.logger.Warn("settlement planning failed for campaign", "campaign", campaignID, "error", err)
			continue
		}
		scheduled += sc
		failed += fl
	}
	s.logger.Info("settlement schedules recalculated", "campaigns", len(campaigns),
		"scheduled", scheduled, "errors", failed)
	return job.Success()
}

// PlanCampaign enqueues the next growth events for every settlement in a
// campaign. Returns (jobs scheduled, entities failed, fetch error).
func (s *SettlementScheduler) PlanCampaign(ctx context.Context, campaignID string) (int, int, error) {
	settlements, err := s.api.GetSettlementsByCampaign(ctx, campaignID)
	if err != nil {
		return 0, 0, fmt.Errorf("fetch settlements: %w", err)
	}

	now := time.Now()
	var scheduled, failed int
	for _, settlement := range settlements {
		n, err := s.planSettlement(ctx, campaignID, settlement, now)
		if err != nil {
			failed++
			s.logger.Warn("settlement scheduling failed", "campaign", campaignID,
				"settlement", settlement.ID, "error", err)
			continue
		}
		scheduled += n
	}
	return scheduled, failed, nil
}

func (s *SettlementScheduler) planSettlement(ctx context.Context, campaignID string, settlement apiclient.Settlement, now time.Time) (int, error) {
	for _, planned := range settlementGrowthPlan(settlement, now) {
		payload := job.MustMarshal(job.SettlementGrowthPayload{
			SettlementID: settlement.ID,
			EventType:    planned.eventType,
			Parameters:   planned.parameters,
		})
		delay := planned.runAt.Sub(now)
		if delay < 0 {
			delay = 0
		}
		_, err := s.jobs.Enqueue(ctx, job.KindSettlementGrowth, campaignID, payload, queue.Options{
			Priority: job.PriorityNormal,
			Delay:    delay,
		})
		if err != nil {
			return 0, err
		}
	}
	return 3, nil
}

type plannedGrowth struct {
	eventType  job.GrowthEventType
	runAt      time.Time
	parameters map[string]interface{}
}

// settlementGrowthPlan computes the three upcoming growth events for one
// settlement from its level and variables.
func settlementGrowthPlan(settlement apiclient.Settlement, now time.Time) []plannedGrowth {
	m := levelMultiplier(settlement.Level)
	vars := settlement.Variables

	populationInterval := time.Duration(numberVarOr(vars, "customPopulationIntervalMinutes",
		basePopulationIntervalMin*m)) * time.Minute
	resourceInterval := time.Duration(numberVarOr(vars, "customResourceIntervalMinutes",
		baseResourceIntervalMin*m)) * time.Minute
	levelUpInterval := time.Duration(baseLevelUpIntervalMin*m) * time.Minute

	growthRate := numberVarOr(vars, "growthRate", defaultGrowthRate)
	currentPopulation := numberVarOr(vars, "currentPopulation", defaultCurrentPopulation)
	populationCap := numberVarOr(vars, "populationCap", defaultPopulationCap)

	resourceRates := map[string]interface{}{}
	for resource, rate := range defaultResourceRates {
		resourceRates[resource] = numberVarOr(vars, resource+"Rate", rate)
	}

	return []plannedGrowth{
		{
			eventType: job.GrowthPopulation,
			runAt:     now.Add(populationInterval),
			parameters: map[string]interface{}{
				"growthRate":        growthRate,
				"currentPopulation": currentPopulation,
				"populationCap":     populationCap,
			},
		},
		{
			eventType: job.GrowthResourceGeneration,
			runAt:     now.Add(resourceInterval),
			parameters: map[string]interface{}{
				"resourceRates": resourceRates,
			},
		},
		{
			eventType: job.GrowthLevelUpCheck,
			runAt:     now.Add(levelUpInterval),
			parameters: map[string]interface{}{
				"level":             settlement.Level,
				"threshold":         levelUpThreshold(settlement.Level),
				"currentPopulation": currentPopulation,
			},
		},
	}
}

// GrowthHandler executes SettlementGrowth jobs: it applies the planned
// growth event to the settlement through the API.
type GrowthHandler struct {
	api    API
	logger hclog.Logger
}

func NewGrowthHandler(api API, logger hclog.Logger) *GrowthHandler {
	return &GrowthHandler{api: api, logger: logger}
}

func (h *GrowthHandler) Handle(ctx context.Context, j *job.Job) job.Outcome {
	payload, err := job.DecodeSettlementGrowth(j.Payload)
	if err != nil {
		return job.Terminal(err)
	}

	input, note := growthUpdate(payload)
	if input == nil {
		return job.SuccessNote(note)
	}

	if err := h.api.UpdateSettlement(ctx, payload.SettlementID, input); err != nil {
		if gqlErr, ok := apiclient.IsGraphQLError(err); ok && isNotFound(gqlErr) {
			return job.Terminal(fmt.Errorf("settlement %s not found", payload.SettlementID))
		}
		if errors.Is(err, apiclient.ErrEmptyResult) {
			return job.Terminal(fmt.Errorf("settlement %s not found", payload.SettlementID))
		}
		return job.Retry(err)
	}

	h.logger.Info("settlement growth applied", "settlement", payload.SettlementID,
		"event", payload.EventType, "campaign", j.CampaignID)
	return job.Success()
}

// growthUpdate translates a growth payload into an UpdateSettlement input.
// A nil input means there is nothing to apply (e.g. level-up threshold not
// reached), which is a successful no-op.
func growthUpdate(payload job.SettlementGrowthPayload) (map[string]interface{}, string) {
	params := payload.Parameters
	switch payload.EventType {
	case job.GrowthPopulation:
		rate := numberVarOr(params, "growthRate", defaultGrowthRate)
		current := numberVarOr(params, "currentPopulation", defaultCurrentPopulation)
		limit := numberVarOr(params, "populationCap", defaultPopulationCap)
		next := math.Min(limit, math.Round(current*(1+rate)))
		return map[string]interface{}{"currentPopulation": next}, ""

	case job.GrowthResourceGeneration:
		rates, _ := params["resourceRates"].(map[string]interface{})
		if len(rates) == 0 {
			rates = map[string]interface{}{}
			for resource, rate := range defaultResourceRates {
				rates[resource] = rate
			}
		}
		return map[string]interface{}{"resourceDeltas": rates}, ""

	case job.GrowthLevelUpCheck:
		level := int(numberVarOr(params, "level", 1))
		threshold := numberVarOr(params, "threshold", levelUpThreshold(level))
		current := numberVarOr(params, "currentPopulation", defaultCurrentPopulation)
		if current < threshold {
			return nil, fmt.Sprintf("level-up threshold not reached (%.0f < %.0f)", current, threshold)
		}
		return map[string]interface{}{"level": level + 1}, ""
	}
	return nil, "unknown growth event"
}
