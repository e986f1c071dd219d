package queue

import "github.com/thornvale/worldscheduler/job"

// Redis key layout. Everything the service persists lives under these
// prefixes: the primary queue under "scheduler:", the dead-letter queue
// under "scheduler-failed:".
const (
	prefix    = "scheduler"
	dlqPrefix = "scheduler-failed"

	keyDelayed   = prefix + ":delayed"
	keyActive    = prefix + ":active"
	keyCompleted = prefix + ":completed"
	keyFailed    = prefix + ":failed"
	keyPaused    = prefix + ":paused"

	keyDLQEntries = dlqPrefix + ":entries"
)

func jobKey(id string) string      { return prefix + ":job:" + id }
func leaseKey(id string) string    { return prefix + ":lease:" + id }
func dlqEntryKey(id string) string { return dlqPrefix + ":entry:" + id }

func waitingKey(p job.Priority) string {
	return prefix + ":waiting:" + p.Normalize().String()
}

// waitingKeys returns the ready lists in reservation order, highest
// priority class first.
func waitingKeys() []string {
	return []string{
		waitingKey(job.PriorityCritical),
		waitingKey(job.PriorityHigh),
		waitingKey(job.PriorityNormal),
		waitingKey(job.PriorityLow),
	}
}
