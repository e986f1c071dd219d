package job

// OutcomeCode classifies how a handler finished.
type OutcomeCode int

const (
	// OutcomeSuccess acks the job.
	OutcomeSuccess OutcomeCode = iota
	// OutcomeRetry re-schedules the job with backoff, or dead-letters it
	// once attempts are exhausted.
	OutcomeRetry
	// OutcomeTerminal dead-letters the job immediately. Reserved for
	// known-unrecoverable conditions: missing entity, cross-tenancy
	// mismatch, bad payload, unknown kind.
	OutcomeTerminal
)

func (c OutcomeCode) String() string {
	switch c {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetry:
		return "retry"
	case OutcomeTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Outcome is the result a handler reports back to the dispatcher.
type Outcome struct {
	Code OutcomeCode
	Err  error
	// Note carries non-error context, e.g. "skipped: effect inactive".
	Note string
}

func Success() Outcome                { return Outcome{Code: OutcomeSuccess} }
func SuccessNote(note string) Outcome { return Outcome{Code: OutcomeSuccess, Note: note} }
func Retry(err error) Outcome         { return Outcome{Code: OutcomeRetry, Err: err} }
func Terminal(err error) Outcome      { return Outcome{Code: OutcomeTerminal, Err: err} }
