package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thornvale/worldscheduler/apiclient"
	"github.com/thornvale/worldscheduler/job"
)

func TestStructureMaintenancePlanFullSet(t *testing.T) {
	now := time.Now()
	structure := apiclient.Structure{ID: "st-1", Level: 2, Variables: map[string]interface{}{
		"constructionDurationMinutes": float64(45),
	}}

	plan := structureMaintenancePlan(structure, now)
	require.Len(t, plan, 3)

	byType := map[job.MaintenanceType]plannedMaintenance{}
	for _, p := range plan {
		byType[p.maintenanceType] = p
	}

	assert.Equal(t, now.Add(45*time.Minute), byType[job.MaintenanceConstructionComplete].runAt)
	assert.Equal(t, now.Add(120*time.Minute), byType[job.MaintenanceDue].runAt)
	assert.Equal(t, now.Add(360*time.Minute), byType[job.MaintenanceUpgradeAvailable].runAt)
}

func TestStructureMaintenancePlanSkipsInapplicableEvents(t *testing.T) {
	now := time.Now()

	// Not under construction, not operational: nothing to schedule.
	plan := structureMaintenancePlan(apiclient.Structure{ID: "st-1", Level: 1, Variables: map[string]interface{}{
		"isOperational": false,
	}}, now)
	assert.Empty(t, plan)

	// At max level: maintenance only.
	plan = structureMaintenancePlan(apiclient.Structure{ID: "st-2", Level: 5}, now)
	require.Len(t, plan, 1)
	assert.Equal(t, job.MaintenanceDue, plan[0].maintenanceType)
}

func TestStructureMaintenancePlanCustomInterval(t *testing.T) {
	now := time.Now()
	plan := structureMaintenancePlan(apiclient.Structure{ID: "st-1", Level: 1, Variables: map[string]interface{}{
		"customMaintenanceIntervalMinutes": float64(30),
	}}, now)

	byType := map[job.MaintenanceType]plannedMaintenance{}
	for _, p := range plan {
		byType[p.maintenanceType] = p
	}
	assert.Equal(t, now.Add(30*time.Minute), byType[job.MaintenanceDue].runAt)
}

func TestStructureSchedulerEnqueuesJobs(t *testing.T) {
	api := &fakeAPI{
		getStructures: func(_ context.Context, campaignID string) ([]apiclient.Structure, error) {
			return []apiclient.Structure{
				{ID: "st-1", Level: 1},
				{ID: "st-2", Level: 5},
			}, nil
		},
	}
	q := &fakeEnqueuer{}

	s := NewStructureScheduler(api, q, hclog.NewNullLogger())
	out := s.Handle(context.Background(), testJob(job.KindRecalculateStructureSchedules, "campaign-1", struct{}{}))

	require.Equal(t, job.OutcomeSuccess, out.Code)
	jobs := q.all()
	// st-1 gets maintenance + upgrade, st-2 (max level) only maintenance.
	require.Len(t, jobs, 3)
	for _, j := range jobs {
		assert.Equal(t, job.KindStructureMaintenance, j.kind)
		assert.Equal(t, "campaign-1", j.campaignID)
	}
}

func TestMaintenanceHandlerConstructionComplete(t *testing.T) {
	var got map[string]interface{}
	api := &fakeAPI{
		updateStructure: func(_ context.Context, structureID string, input map[string]interface{}) error {
			assert.Equal(t, "st-1", structureID)
			got = input
			return nil
		},
	}

	h := NewMaintenanceHandler(api, hclog.NewNullLogger())
	out := h.Handle(context.Background(), testJob(job.KindStructureMaintenance, "campaign-1", job.StructureMaintenancePayload{
		StructureID:     "st-1",
		MaintenanceType: job.MaintenanceConstructionComplete,
	}))

	require.Equal(t, job.OutcomeSuccess, out.Code)
	assert.Equal(t, true, got["constructionComplete"])
	assert.Equal(t, true, got["isOperational"])
}

func TestMaintenanceHandlerUpgradeAvailable(t *testing.T) {
	var got map[string]interface{}
	api := &fakeAPI{
		updateStructure: func(_ context.Context, _ string, input map[string]interface{}) error {
			got = input
			return nil
		},
	}

	h := NewMaintenanceHandler(api, hclog.NewNullLogger())
	out := h.Handle(context.Background(), testJob(job.KindStructureMaintenance, "campaign-1", job.StructureMaintenancePayload{
		StructureID:     "st-1",
		MaintenanceType: job.MaintenanceUpgradeAvailable,
		Parameters:      map[string]interface{}{"level": float64(3)},
	}))

	require.Equal(t, job.OutcomeSuccess, out.Code)
	assert.Equal(t, true, got["upgradeAvailable"])
	assert.Equal(t, 4, got["upgradeToLevel"])
}

func TestMaintenanceHandlerMissingStructureIsTerminal(t *testing.T) {
	api := &fakeAPI{
		updateStructure: func(context.Context, string, map[string]interface{}) error {
			return &apiclient.GraphQLError{Operation: "UpdateStructure", Messages: []string{"structure not found"}}
		},
	}

	h := NewMaintenanceHandler(api, hclog.NewNullLogger())
	out := h.Handle(context.Background(), testJob(job.KindStructureMaintenance, "campaign-1", job.StructureMaintenancePayload{
		StructureID:     "st-gone",
		MaintenanceType: job.MaintenanceDue,
	}))

	assert.Equal(t, job.OutcomeTerminal, out.Code)
}

func TestMaintenanceHandlerTransportFailureRetries(t *testing.T) {
	api := &fakeAPI{
		updateStructure: func(context.Context, string, map[string]interface{}) error {
			return apiclient.ErrTransport
		},
	}

	h := NewMaintenanceHandler(api, hclog.NewNullLogger())
	out := h.Handle(context.Background(), testJob(job.KindStructureMaintenance, "campaign-1", job.StructureMaintenancePayload{
		StructureID:     "st-1",
		MaintenanceType: job.MaintenanceDue,
	}))

	assert.Equal(t, job.OutcomeRetry, out.Code)
}
