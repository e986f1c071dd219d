package job

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelay(t *testing.T) {
	exp := Backoff{Kind: BackoffExponential, InitialDelay: 5 * time.Second}
	assert.Equal(t, 5*time.Second, exp.Delay(1))
	assert.Equal(t, 10*time.Second, exp.Delay(2))
	assert.Equal(t, 20*time.Second, exp.Delay(3))
	assert.Equal(t, 5*time.Second, exp.Delay(0), "attempt below 1 clamps to first delay")

	fixed := Backoff{Kind: BackoffFixed, InitialDelay: 2 * time.Second}
	assert.Equal(t, 2*time.Second, fixed.Delay(1))
	assert.Equal(t, 2*time.Second, fixed.Delay(7))
}

func TestPriorityNormalize(t *testing.T) {
	assert.Equal(t, PriorityCritical, Priority(12).Normalize())
	assert.Equal(t, PriorityHigh, Priority(9).Normalize())
	assert.Equal(t, PriorityNormal, Priority(6).Normalize())
	assert.Equal(t, PriorityLow, Priority(0).Normalize())
}

func TestDecodeDeferredEffect(t *testing.T) {
	raw := json.RawMessage(`{"effectId":"effect-1","executeAt":"2026-01-02T15:04:05Z"}`)
	p, err := DecodeDeferredEffect(raw)
	require.NoError(t, err)
	assert.Equal(t, "effect-1", p.EffectID)
	assert.Equal(t, 2026, p.ExecuteAt.Year())

	_, err = DecodeDeferredEffect(json.RawMessage(`{"executeAt":"2026-01-02T15:04:05Z"}`))
	require.ErrorIs(t, err, ErrBadPayload)

	_, err = DecodeDeferredEffect(json.RawMessage(`{not json`))
	require.ErrorIs(t, err, ErrBadPayload)
}

func TestDecodeSettlementGrowth(t *testing.T) {
	raw := json.RawMessage(`{"settlementId":"s-1","eventType":"populationGrowth","parameters":{"growthRate":0.05}}`)
	p, err := DecodeSettlementGrowth(raw)
	require.NoError(t, err)
	assert.Equal(t, GrowthPopulation, p.EventType)
	assert.Equal(t, 0.05, p.Parameters["growthRate"])
}

func TestDecodeSettlementGrowthRejectsLegacyGrowthType(t *testing.T) {
	raw := json.RawMessage(`{"settlementId":"s-1","growthType":"populationGrowth"}`)
	_, err := DecodeSettlementGrowth(raw)
	require.ErrorIs(t, err, ErrBadPayload)
	assert.Contains(t, err.Error(), "growthType")
}

func TestDecodeSettlementGrowthInvalidEventType(t *testing.T) {
	raw := json.RawMessage(`{"settlementId":"s-1","eventType":"terraform"}`)
	_, err := DecodeSettlementGrowth(raw)
	require.ErrorIs(t, err, ErrBadPayload)
}

func TestDecodeStructureMaintenance(t *testing.T) {
	raw := json.RawMessage(`{"structureId":"b-1","maintenanceType":"maintenanceDue"}`)
	p, err := DecodeStructureMaintenance(raw)
	require.NoError(t, err)
	assert.Equal(t, MaintenanceDue, p.MaintenanceType)

	_, err = DecodeStructureMaintenance(json.RawMessage(`{"structureId":"b-1","maintenanceType":"demolish"}`))
	require.ErrorIs(t, err, ErrBadPayload)

	_, err = DecodeStructureMaintenance(json.RawMessage(`{"maintenanceType":"maintenanceDue"}`))
	require.ErrorIs(t, err, ErrBadPayload)
}

func TestKindKnown(t *testing.T) {
	assert.True(t, KindEventExpiration.Known())
	assert.False(t, Kind("compactWorld").Known())
}
