package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/thornvale/worldscheduler/apiclient"
	"github.com/thornvale/worldscheduler/job"
	"github.com/thornvale/worldscheduler/queue"
)

const (
	baseMaintenanceIntervalMin = 120
	baseUpgradeIntervalMin     = 360

	defaultStructureLevel = 1
	defaultMaxLevel       = 5
)

// StructureScheduler computes upcoming maintenance events for structures and
// enqueues one delayed job per event. Unlike settlements, not every structure
// gets every event: construction only applies while a build is in progress,
// and upgrades stop at max level.
type StructureScheduler struct {
	api    API
	jobs   Enqueuer
	logger hclog.Logger
}

func NewStructureScheduler(api API, jobs Enqueuer, logger hclog.Logger) *StructureScheduler {
	return &StructureScheduler{api: api, jobs: jobs, logger: logger}
}

// Handle serves RecalculateStructureSchedules jobs, with the same SYSTEM
// fan-out contract as the settlement scheduler.
func (s *StructureScheduler) Handle(ctx context.Context, j *job.Job) job.Outcome {
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
			s.logger.Warn("structure planning failed for campaign", "campaign", campaignID, "error", err)
			continue
		}
		scheduled += sc
		failed += fl
	}
	s.logger.Info("structure schedules recalculated", "campaigns", len(campaigns),
		"scheduled", scheduled, "errors", failed)
	return job.Success()
}

// PlanCampaign enqueues the next maintenance events for every structure in a
// campaign. Returns (jobs scheduled, entities failed, fetch error).
func (s *StructureScheduler) PlanCampaign(ctx context.Context, campaignID string) (int, int, error) {
	structures, err := s.api.GetStructuresByCampaign(ctx, campaignID)
	if err != nil {
		return 0, 0, fmt.Errorf("fetch structures: %w", err)
	}

	now := time.Now()
	var scheduled, failed int
	for _, structure := range structures {
		n, err := s.planStructure(ctx, campaignID, structure, now)
		if err != nil {
			failed++
			s.logger.Warn("structure scheduling failed", "campaign", campaignID,
				"structure", structure.ID, "error", err)
			continue
		}
		scheduled += n
	}
	return scheduled, failed, nil
}

func (s *StructureScheduler) planStructure(ctx context.Context, campaignID string, structure apiclient.Structure, now time.Time) (int, error) {
	var scheduled int
	for _, planned := range structureMaintenancePlan(structure, now) {
		payload := job.MustMarshal(job.StructureMaintenancePayload{
			StructureID:     structure.ID,
			MaintenanceType: planned.maintenanceType,
			Parameters:      planned.parameters,
		})
		delay := planned.runAt.Sub(now)
		if delay < 0 {
			delay = 0
		}
		_, err := s.jobs.Enqueue(ctx, job.KindStructureMaintenance, campaignID, payload, queue.Options{
			Priority: job.PriorityNormal,
			Delay:    delay,
		})
		if err != nil {
			return scheduled, err
		}
		scheduled++
	}
	return scheduled, nil
}

type plannedMaintenance struct {
	maintenanceType job.MaintenanceType
	runAt           time.Time
	parameters      map[string]interface{}
}

// structureMaintenancePlan decides which maintenance events apply to a
// structure and when they run.
func structureMaintenancePlan(structure apiclient.Structure, now time.Time) []plannedMaintenance {
	vars := structure.Variables
	var plan []plannedMaintenance

	if buildMinutes := numberVarOr(vars, "constructionDurationMinutes", 0); buildMinutes > 0 {
		plan = append(plan, plannedMaintenance{
			maintenanceType: job.MaintenanceConstructionComplete,
			runAt:           now.Add(time.Duration(buildMinutes) * time.Minute),
			parameters: map[string]interface{}{
				"constructionDurationMinutes": buildMinutes,
			},
		})
	}

	operational := boolVarOr(vars, "isOperational", true)
	if operational {
		intervalMinutes := numberVarOr(vars, "customMaintenanceIntervalMinutes", baseMaintenanceIntervalMin)
		plan = append(plan, plannedMaintenance{
			maintenanceType: job.MaintenanceDue,
			runAt:           now.Add(time.Duration(intervalMinutes) * time.Minute),
			parameters: map[string]interface{}{
				"intervalMinutes": intervalMinutes,
			},
		})
	}

	level := structure.Level
	if level == 0 {
		level = defaultStructureLevel
	}
	maxLevel := int(numberVarOr(vars, "maxLevel", defaultMaxLevel))
	if operational && level < maxLevel {
		plan = append(plan, plannedMaintenance{
			maintenanceType: job.MaintenanceUpgradeAvailable,
			runAt:           now.Add(baseUpgradeIntervalMin * time.Minute),
			parameters: map[string]interface{}{
				"level":    level,
				"maxLevel": maxLevel,
			},
		})
	}
	return plan
}

// MaintenanceHandler executes StructureMaintenance jobs by applying the
// planned state change to the structure through the API.
type MaintenanceHandler struct {
	api    API
	logger hclog.Logger
}

func NewMaintenanceHandler(api API, logger hclog.Logger) *MaintenanceHandler {
	return &MaintenanceHandler{api: api, logger: logger}
}

func (h *MaintenanceHandler) Handle(ctx context.Context, j *job.Job) job.Outcome {
	payload, err := job.DecodeStructureMaintenance(j.Payload)
	if err != nil {
		return job.Terminal(err)
	}

	input := maintenanceUpdate(payload, time.Now())
	if input == nil {
		return job.Terminal(fmt.Errorf("unknown maintenance type %q", payload.MaintenanceType))
	}

	if err := h.api.UpdateStructure(ctx, payload.StructureID, input); err != nil {
		if gqlErr, ok := apiclient.IsGraphQLError(err); ok && isNotFound(gqlErr) {
			return job.Terminal(fmt.Errorf("structure %s not found", payload.StructureID))
		}
		if errors.Is(err, apiclient.ErrEmptyResult) {
			return job.Terminal(fmt.Errorf("structure %s not found", payload.StructureID))
		}
		return job.Retry(err)
	}

	h.logger.Info("structure maintenance applied", "structure", payload.StructureID,
		"type", payload.MaintenanceType, "campaign", j.CampaignID)
	return job.Success()
}

func maintenanceUpdate(payload job.StructureMaintenancePayload, now time.Time) map[string]interface{} {
	switch payload.MaintenanceType {
	case job.MaintenanceConstructionComplete:
		return map[string]interface{}{
			"constructionComplete": true,
			"isOperational":        true,
		}
	case job.MaintenanceDue:
		return map[string]interface{}{
			"lastMaintainedAt": now.UTC().Format(time.RFC3339),
		}
	case job.MaintenanceUpgradeAvailable:
		level := int(numberVarOr(payload.Parameters, "level", defaultStructureLevel))
		return map[string]interface{}{
			"upgradeAvailable": true,
			"upgradeToLevel":   level + 1,
		}
	}
	return nil
}
