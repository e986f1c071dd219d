package queue

import (
	"time"

	"github.com/thornvale/worldscheduler/job"
)

// Defaults applied when an enqueue option is left at its zero value. The
// values come from config at construction time.
type Defaults struct {
	Attempts int
	Backoff  job.Backoff
}

// Options controls a single enqueue.
type Options struct {
	// Priority defaults to Normal when zero.
	Priority job.Priority
	// Delay postpones readiness; must be >= 0.
	Delay time.Duration
	// Attempts caps retries for this job; zero uses the configured default.
	Attempts int
	// Backoff overrides the retry curve; zero-value uses the configured
	// default (exponential).
	Backoff job.Backoff
	// RemoveOnComplete / RemoveOnFail skip the retention lists.
	RemoveOnComplete bool
	RemoveOnFail     bool
}

func (o Options) withDefaults(d Defaults) Options {
	if o.Priority == 0 {
		o.Priority = job.PriorityNormal
	}
	if o.Delay < 0 {
		o.Delay = 0
	}
	if o.Attempts <= 0 {
		o.Attempts = d.Attempts
	}
	if o.Backoff.Kind == "" {
		o.Backoff.Kind = d.Backoff.Kind
	}
	if o.Backoff.InitialDelay <= 0 {
		o.Backoff.InitialDelay = d.Backoff.InitialDelay
	}
	return o
}
