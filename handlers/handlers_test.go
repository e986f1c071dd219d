package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thornvale/worldscheduler/apiclient"
	"github.com/thornvale/worldscheduler/job"
	"github.com/thornvale/worldscheduler/queue"
)

// fakeAPI implements the API interface with per-method function hooks.
// Unset hooks fail loudly so each test only wires what it exercises.
type fakeAPI struct {
	getEffect         func(ctx context.Context, effectID string) (*apiclient.Effect, error)
	executeEffect     func(ctx context.Context, effectID string) (*apiclient.EffectExecution, error)
	getAllCampaignIDs func(ctx context.Context) ([]string, error)
	getOverdueEvents  func(ctx context.Context, campaignID string, before time.Time) ([]apiclient.Event, error)
	expireEvent       func(ctx context.Context, eventID string) error
	getSettlements    func(ctx context.Context, campaignID string) ([]apiclient.Settlement, error)
	getStructures     func(ctx context.Context, campaignID string) ([]apiclient.Structure, error)
	updateSettlement  func(ctx context.Context, settlementID string, input map[string]interface{}) error
	updateStructure   func(ctx context.Context, structureID string, input map[string]interface{}) error
}

var errUnexpectedCall = errors.New("unexpected api call")

func (f *fakeAPI) GetEffect(ctx context.Context, effectID string) (*apiclient.Effect, error) {
	if f.getEffect == nil {
		return nil, errUnexpectedCall
	}
	return f.getEffect(ctx, effectID)
}

func (f *fakeAPI) ExecuteEffect(ctx context.Context, effectID string) (*apiclient.EffectExecution, error) {
	if f.executeEffect == nil {
		return nil, errUnexpectedCall
	}
	return f.executeEffect(ctx, effectID)
}

func (f *fakeAPI) GetAllCampaignIDs(ctx context.Context) ([]string, error) {
	if f.getAllCampaignIDs == nil {
		return nil, errUnexpectedCall
	}
	return f.getAllCampaignIDs(ctx)
}

func (f *fakeAPI) GetOverdueEvents(ctx context.Context, campaignID string, before time.Time) ([]apiclient.Event, error) {
	if f.getOverdueEvents == nil {
		return nil, errUnexpectedCall
	}
	return f.getOverdueEvents(ctx, campaignID, before)
}

func (f *fakeAPI) ExpireEvent(ctx context.Context, eventID string) error {
	if f.expireEvent == nil {
		return errUnexpectedCall
	}
	return f.expireEvent(ctx, eventID)
}

func (f *fakeAPI) GetSettlementsByCampaign(ctx context.Context, campaignID string) ([]apiclient.Settlement, error) {
	if f.getSettlements == nil {
		return nil, errUnexpectedCall
	}
	return f.getSettlements(ctx, campaignID)
}

func (f *fakeAPI) GetStructuresByCampaign(ctx context.Context, campaignID string) ([]apiclient.Structure, error) {
	if f.getStructures == nil {
		return nil, errUnexpectedCall
	}
	return f.getStructures(ctx, campaignID)
}

func (f *fakeAPI) UpdateSettlement(ctx context.Context, settlementID string, input map[string]interface{}) error {
	if f.updateSettlement == nil {
		return errUnexpectedCall
	}
	return f.updateSettlement(ctx, settlementID, input)
}

func (f *fakeAPI) UpdateStructure(ctx context.Context, structureID string, input map[string]interface{}) error {
	if f.updateStructure == nil {
		return errUnexpectedCall
	}
	return f.updateStructure(ctx, structureID, input)
}

// fakeEnqueuer records enqueued jobs.
type fakeEnqueuer struct {
	mu   sync.Mutex
	jobs []enqueued
	err  error
}

type enqueued struct {
	kind       job.Kind
	campaignID string
	payload    json.RawMessage
	opts       queue.Options
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, kind job.Kind, campaignID string, payload json.RawMessage, opts queue.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.jobs = append(f.jobs, enqueued{kind: kind, campaignID: campaignID, payload: payload, opts: opts})
	return uuid.NewString(), nil
}

func (f *fakeEnqueuer) all() []enqueued {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]enqueued, len(f.jobs))
	copy(out, f.jobs)
	return out
}

func testJob(kind job.Kind, campaignID string, payload interface{}) *job.Job {
	return &job.Job{
		ID:         uuid.NewString(),
		Kind:       kind,
		CampaignID: campaignID,
		Priority:   job.PriorityNormal,
		Payload:    job.MustMarshal(payload),
	}
}
