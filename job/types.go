package job

import (
	"encoding/json"
	"time"
)

// SystemCampaign is the reserved tenancy key for fleet-wide periodic checks.
// Handlers branch on it; it is never a real campaign id.
const SystemCampaign = "SYSTEM"

// Kind discriminates the payload carried by a job.
type Kind string

const (
	KindDeferredEffect                 Kind = "deferredEffect"
	KindSettlementGrowth               Kind = "settlementGrowth"
	KindStructureMaintenance           Kind = "structureMaintenance"
	KindEventExpiration                Kind = "eventExpiration"
	KindRecalculateSettlementSchedules Kind = "recalculateSettlementSchedules"
	KindRecalculateStructureSchedules  Kind = "recalculateStructureSchedules"
)

// Known reports whether k is a kind this build can dispatch.
func (k Kind) Known() bool {
	switch k {
	case KindDeferredEffect, KindSettlementGrowth, KindStructureMaintenance,
		KindEventExpiration, KindRecalculateSettlementSchedules, KindRecalculateStructureSchedules:
		return true
	}
	return false
}

// Priority orders job execution. Higher numeric value runs earlier.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 5
	PriorityHigh     Priority = 8
	PriorityCritical Priority = 10
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// Normalize maps arbitrary numeric priorities onto the four classes.
func (p Priority) Normalize() Priority {
	switch {
	case p >= PriorityCritical:
		return PriorityCritical
	case p >= PriorityHigh:
		return PriorityHigh
	case p >= PriorityNormal:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// BackoffKind selects the retry delay curve.
type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffFixed       BackoffKind = "fixed"
)

// Backoff describes how retry delays grow between attempts.
type Backoff struct {
	Kind         BackoffKind   `json:"kind"`
	InitialDelay time.Duration `json:"initialDelayMs"`
}

// Delay returns the wait before retry attempt n (1-based).
// Exponential: initial * 2^(n-1). Fixed: initial.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Kind == BackoffFixed {
		return b.InitialDelay
	}
	d := b.InitialDelay
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// Job is a unit of work owned by the queue.
type Job struct {
	ID           string          `json:"id"`
	Kind         Kind            `json:"kind"`
	CampaignID   string          `json:"campaignId"`
	Priority     Priority        `json:"priority"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ReadyAt      time.Time       `json:"readyAt"`
	AttemptsMade int             `json:"attemptsMade"`
	MaxAttempts  int             `json:"maxAttempts"`
	Backoff      Backoff         `json:"backoff"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
	LastError    string          `json:"lastError,omitempty"`

	// RemoveOnComplete / RemoveOnFail skip the completed/failed retention
	// lists entirely when set.
	RemoveOnComplete bool `json:"removeOnComplete,omitempty"`
	RemoveOnFail     bool `json:"removeOnFail,omitempty"`
}

// DeadLetter is the terminal record for a job that exhausted retries or hit
// an unrecoverable condition. Retained until an explicit admin action.
type DeadLetter struct {
	ID            string          `json:"id"`
	OriginalJobID string          `json:"originalJobId"`
	Kind          Kind            `json:"kind"`
	CampaignID    string          `json:"campaignId"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	LastError     string          `json:"lastError"`
	Stack         string          `json:"stack,omitempty"`
	AttemptsMade  int             `json:"attemptsMade"`
	FailedAt      time.Time       `json:"failedAt"`
}
