// Package handlers contains the domain job handlers: deferred effect
// execution, event expiration, settlement growth and structure maintenance.
// Handlers receive their collaborators as narrow interfaces so tests can use
// plain fakes.
package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/thornvale/worldscheduler/apiclient"
	"github.com/thornvale/worldscheduler/job"
	"github.com/thornvale/worldscheduler/queue"
)

// API is the slice of the GraphQL client the handlers consume.
type API interface {
	GetEffect(ctx context.Context, effectID string) (*apiclient.Effect, error)
	ExecuteEffect(ctx context.Context, effectID string) (*apiclient.EffectExecution, error)
	GetAllCampaignIDs(ctx context.Context) ([]string, error)
	GetOverdueEvents(ctx context.Context, campaignID string, before time.Time) ([]apiclient.Event, error)
	ExpireEvent(ctx context.Context, eventID string) error
	GetSettlementsByCampaign(ctx context.Context, campaignID string) ([]apiclient.Settlement, error)
	GetStructuresByCampaign(ctx context.Context, campaignID string) ([]apiclient.Structure, error)
	UpdateSettlement(ctx context.Context, settlementID string, input map[string]interface{}) error
	UpdateStructure(ctx context.Context, structureID string, input map[string]interface{}) error
}

// Enqueuer is the producer side of the job queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind job.Kind, campaignID string, payload json.RawMessage, opts queue.Options) (string, error)
}

// numberVar reads a numeric entity variable, tolerating JSON's float64
// decoding and raw ints.
func numberVar(vars map[string]interface{}, key string) (float64, bool) {
	if vars == nil {
		return 0, false
	}
	switch v := vars[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func numberVarOr(vars map[string]interface{}, key string, def float64) float64 {
	if v, ok := numberVar(vars, key); ok {
		return v
	}
	return def
}

func boolVarOr(vars map[string]interface{}, key string, def bool) bool {
	if vars == nil {
		return def
	}
	if v, ok := vars[key].(bool); ok {
		return v
	}
	return def
}
