package apiclient

import (
	"context"
	"fmt"
	"time"
)

// Effect is an upstream patch-like operation applied to an entity.
type Effect struct {
	ID         string `json:"id"`
	CampaignID string `json:"campaignId"`
	Name       string `json:"name"`
	IsActive   bool   `json:"isActive"`
}

// EffectExecution is the result of running an effect upstream.
type EffectExecution struct {
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Execution *struct {
		ID string `json:"id"`
	} `json:"execution,omitempty"`
}

// Event is a scheduled upstream occurrence that can become overdue.
type Event struct {
	ID          string    `json:"id"`
	CampaignID  string    `json:"campaignId"`
	Name        string    `json:"name"`
	ScheduledAt time.Time `json:"scheduledAt"`
}

// Settlement is a campaign settlement with free-form scheduling variables.
type Settlement struct {
	ID         string                 `json:"id"`
	CampaignID string                 `json:"campaignId"`
	Name       string                 `json:"name"`
	Level      int                    `json:"level"`
	Variables  map[string]interface{} `json:"variables,omitempty"`
}

// Structure is a campaign structure with free-form scheduling variables.
type Structure struct {
	ID         string                 `json:"id"`
	CampaignID string                 `json:"campaignId"`
	Name       string                 `json:"name"`
	Level      int                    `json:"level"`
	Variables  map[string]interface{} `json:"variables,omitempty"`
}

// Operation documents. The names are part of the contract with the API.
const (
	queryGetEffect = `query GetEffect($id: ID!) {
  effect(id: $id) { id campaignId name isActive }
}`

	queryOverdueEvents = `query GetOverdueEvents($campaignId: ID!, $before: DateTime!) {
  overdueEvents(campaignId: $campaignId, before: $before) { id campaignId name scheduledAt }
}`

	queryAllCampaignIDs = `query GetAllCampaignIds {
  campaigns { id }
}`

	querySettlementsByCampaign = `query GetSettlementsByCampaign($campaignId: ID!) {
  settlements(campaignId: $campaignId) { id campaignId name level variables }
}`

	queryStructuresByCampaign = `query GetStructuresByCampaign($campaignId: ID!) {
  structures(campaignId: $campaignId) { id campaignId name level variables }
}`

	mutationExecuteEffect = `mutation ExecuteEffect($id: ID!) {
  executeEffect(id: $id) { success error execution { id } }
}`

	mutationExpireEvent = `mutation ExpireEvent($id: ID!) {
  expireEvent(id: $id) { id }
}`

	mutationCompleteEvent = `mutation CompleteEvent($id: ID!) {
  completeEvent(id: $id) { id }
}`

	mutationUpdateSettlement = `mutation UpdateSettlement($id: ID!, $input: SettlementUpdateInput!) {
  updateSettlement(id: $id, input: $input) { id }
}`

	mutationUpdateStructure = `mutation UpdateStructure($id: ID!, $input: StructureUpdateInput!) {
  updateStructure(id: $id, input: $input) { id }
}`
)

// GetEffect fetches an effect, serving repeat lookups from the TTL cache.
func (c *Client) GetEffect(ctx context.Context, effectID string) (*Effect, error) {
	if cached, ok := c.effects.get(effectID); ok {
		return cached.(*Effect), nil
	}

	var result struct {
		Effect *Effect `json:"effect"`
	}
	if err := c.do(ctx, "GetEffect", queryGetEffect, map[string]interface{}{"id": effectID}, &result); err != nil {
		return nil, err
	}
	if result.Effect == nil {
		return nil, fmt.Errorf("%w: effect %s", ErrEmptyResult, effectID)
	}
	c.effects.set(effectID, result.Effect)
	return result.Effect, nil
}

// InvalidateEffect drops one effect from the cache.
func (c *Client) InvalidateEffect(effectID string) { c.effects.invalidate(effectID) }

// GetAllCampaignIDs fetches every campaign id, cached under a single key.
func (c *Client) GetAllCampaignIDs(ctx context.Context) ([]string, error) {
	if cached, ok := c.campaigns.get(campaignsCacheKey); ok {
		return cached.([]string), nil
	}

	var result struct {
		Campaigns []struct {
			ID string `json:"id"`
		} `json:"campaigns"`
	}
	if err := c.do(ctx, "GetAllCampaignIds", queryAllCampaignIDs, nil, &result); err != nil {
		return nil, err
	}
	ids := make([]string, len(result.Campaigns))
	for i, campaign := range result.Campaigns {
		ids[i] = campaign.ID
	}
	c.campaigns.set(campaignsCacheKey, ids)
	return ids, nil
}

// InvalidateCampaigns drops the campaign id cache.
func (c *Client) InvalidateCampaigns() { c.campaigns.invalidate(campaignsCacheKey) }

// GetOverdueEvents returns events scheduled before the given cutoff.
func (c *Client) GetOverdueEvents(ctx context.Context, campaignID string, before time.Time) ([]Event, error) {
	var result struct {
		OverdueEvents []Event `json:"overdueEvents"`
	}
	vars := map[string]interface{}{"campaignId": campaignID, "before": before.UTC().Format(time.RFC3339)}
	if err := c.do(ctx, "GetOverdueEvents", queryOverdueEvents, vars, &result); err != nil {
		return nil, err
	}
	return result.OverdueEvents, nil
}

// GetSettlementsByCampaign lists a campaign's settlements.
func (c *Client) GetSettlementsByCampaign(ctx context.Context, campaignID string) ([]Settlement, error) {
	var result struct {
		Settlements []Settlement `json:"settlements"`
	}
	vars := map[string]interface{}{"campaignId": campaignID}
	if err := c.do(ctx, "GetSettlementsByCampaign", querySettlementsByCampaign, vars, &result); err != nil {
		return nil, err
	}
	return result.Settlements, nil
}

// GetStructuresByCampaign lists a campaign's structures.
func (c *Client) GetStructuresByCampaign(ctx context.Context, campaignID string) ([]Structure, error) {
	var result struct {
		Structures []Structure `json:"structures"`
	}
	vars := map[string]interface{}{"campaignId": campaignID}
	if err := c.do(ctx, "GetStructuresByCampaign", queryStructuresByCampaign, vars, &result); err != nil {
		return nil, err
	}
	return result.Structures, nil
}

// ExecuteEffect runs an effect upstream and invalidates its cache entry.
func (c *Client) ExecuteEffect(ctx context.Context, effectID string) (*EffectExecution, error) {
	var result struct {
		ExecuteEffect *EffectExecution `json:"executeEffect"`
	}
	if err := c.do(ctx, "ExecuteEffect", mutationExecuteEffect, map[string]interface{}{"id": effectID}, &result); err != nil {
		return nil, err
	}
	if result.ExecuteEffect == nil {
		return nil, fmt.Errorf("%w: executeEffect", ErrEmptyResult)
	}
	c.effects.invalidate(effectID)
	return result.ExecuteEffect, nil
}

// ExpireEvent marks an event expired.
func (c *Client) ExpireEvent(ctx context.Context, eventID string) error {
	var result struct {
		ExpireEvent *struct {
			ID string `json:"id"`
		} `json:"expireEvent"`
	}
	if err := c.do(ctx, "ExpireEvent", mutationExpireEvent, map[string]interface{}{"id": eventID}, &result); err != nil {
		return err
	}
	if result.ExpireEvent == nil {
		return fmt.Errorf("%w: expireEvent %s", ErrEmptyResult, eventID)
	}
	return nil
}

// CompleteEvent marks an event completed.
func (c *Client) CompleteEvent(ctx context.Context, eventID string) error {
	var result struct {
		CompleteEvent *struct {
			ID string `json:"id"`
		} `json:"completeEvent"`
	}
	if err := c.do(ctx, "CompleteEvent", mutationCompleteEvent, map[string]interface{}{"id": eventID}, &result); err != nil {
		return err
	}
	if result.CompleteEvent == nil {
		return fmt.Errorf("%w: completeEvent %s", ErrEmptyResult, eventID)
	}
	return nil
}

// UpdateSettlement patches a settlement's variables.
func (c *Client) UpdateSettlement(ctx context.Context, settlementID string, input map[string]interface{}) error {
	var result struct {
		UpdateSettlement *struct {
			ID string `json:"id"`
		} `json:"updateSettlement"`
	}
	vars := map[string]interface{}{"id": settlementID, "input": input}
	if err := c.do(ctx, "UpdateSettlement", mutationUpdateSettlement, vars, &result); err != nil {
		return err
	}
	if result.UpdateSettlement == nil {
		return fmt.Errorf("%w: updateSettlement %s", ErrEmptyResult, settlementID)
	}
	return nil
}

// UpdateStructure patches a structure's variables.
func (c *Client) UpdateStructure(ctx context.Context, structureID string, input map[string]interface{}) error {
	var result struct {
		UpdateStructure *struct {
			ID string `json:"id"`
		} `json:"updateStructure"`
	}
	vars := map[string]interface{}{"id": structureID, "input": input}
	if err := c.do(ctx, "UpdateStructure", mutationUpdateStructure, vars, &result); err != nil {
		return err
	}
	if result.UpdateStructure == nil {
		return fmt.Errorf("%w: updateStructure %s", ErrEmptyResult, structureID)
	}
	return nil
}
