package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrBadPayload marks a payload that cannot be decoded for its kind. Jobs
// failing this way are terminal: retrying cannot fix a malformed payload.
var ErrBadPayload = errors.New("bad job payload")

// ErrUnknownKind marks a job kind this build has no handler for, as can
// appear after a downgrade.
var ErrUnknownKind = errors.New("unknown job kind")

// GrowthEventType enumerates the settlement growth checks.
type GrowthEventType string

const (
	GrowthPopulation         GrowthEventType = "populationGrowth"
	GrowthResourceGeneration GrowthEventType = "resourceGeneration"
	GrowthLevelUpCheck       GrowthEventType = "levelUpCheck"
)

func (t GrowthEventType) valid() bool {
	return t == GrowthPopulation || t == GrowthResourceGeneration || t == GrowthLevelUpCheck
}

// MaintenanceType enumerates the structure maintenance checks.
type MaintenanceType string

const (
	MaintenanceConstructionComplete MaintenanceType = "constructionComplete"
	MaintenanceDue                  MaintenanceType = "maintenanceDue"
	MaintenanceUpgradeAvailable     MaintenanceType = "upgradeAvailable"
)

func (t MaintenanceType) valid() bool {
	return t == MaintenanceConstructionComplete || t == MaintenanceDue || t == MaintenanceUpgradeAvailable
}

// DeferredEffectPayload schedules a single upstream effect execution.
type DeferredEffectPayload struct {
	EffectID  string    `json:"effectId"`
	ExecuteAt time.Time `json:"executeAt"`
}

// SettlementGrowthPayload drives one growth check for one settlement.
type SettlementGrowthPayload struct {
	SettlementID string                 `json:"settlementId"`
	EventType    GrowthEventType        `json:"eventType"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
}

// StructureMaintenancePayload drives one maintenance check for one structure.
type StructureMaintenancePayload struct {
	StructureID     string                 `json:"structureId"`
	MaintenanceType MaintenanceType        `json:"maintenanceType"`
	Parameters      map[string]interface{} `json:"parameters,omitempty"`
}

// DecodeDeferredEffect decodes and validates a DeferredEffect payload.
func DecodeDeferredEffect(raw json.RawMessage) (DeferredEffectPayload, error) {
	var p DeferredEffectPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if p.EffectID == "" {
		return p, fmt.Errorf("%w: missing effectId", ErrBadPayload)
	}
	return p, nil
}

// DecodeSettlementGrowth decodes and validates a SettlementGrowth payload.
// The retired growthType field is rejected rather than aliased to eventType.
func DecodeSettlementGrowth(raw json.RawMessage) (SettlementGrowthPayload, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return SettlementGrowthPayload{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if _, ok := probe["growthType"]; ok {
		return SettlementGrowthPayload{}, fmt.Errorf("%w: legacy growthType field, expected eventType", ErrBadPayload)
	}
	var p SettlementGrowthPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if p.SettlementID == "" {
		return p, fmt.Errorf("%w: missing settlementId", ErrBadPayload)
	}
	if !p.EventType.valid() {
		return p, fmt.Errorf("%w: invalid eventType %q", ErrBadPayload, p.EventType)
	}
	return p, nil
}

// DecodeStructureMaintenance decodes and validates a StructureMaintenance payload.
func DecodeStructureMaintenance(raw json.RawMessage) (StructureMaintenancePayload, error) {
	var p StructureMaintenancePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if p.StructureID == "" {
		return p, fmt.Errorf("%w: missing structureId", ErrBadPayload)
	}
	if !p.MaintenanceType.valid() {
		return p, fmt.Errorf("%w: invalid maintenanceType %q", ErrBadPayload, p.MaintenanceType)
	}
	return p, nil
}

// MustMarshal encodes a payload for enqueue call sites that construct
// payloads from typed structs and cannot realistically fail.
func MustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("job payload marshal: %v", err))
	}
	return data
}
