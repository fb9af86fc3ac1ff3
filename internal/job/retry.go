package job

import "time"

// State is the position of a job in the retry state machine.
type State int

const (
	StateFresh State = iota
	StateRetrying
	StateExhausted
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateRetrying:
		return "retrying"
	case StateExhausted:
		return "exhausted"
	case StateCompleted:
		return "completed"
	}
	return "unknown"
}

// Outcome is the decision taken after a failed attempt.
type Outcome int

const (
	// OutcomeRetry means the job must be persisted again with its new ripe_at.
	OutcomeRetry Outcome = iota + 1
	// OutcomeExhausted means the job is dropped for good.
	OutcomeExhausted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRetry:
		return "retry"
	case OutcomeExhausted:
		return "exhausted"
	}
	return "unknown"
}

// State derives the retry state from tries and the completed flag.
func (j *Job) State() State {
	switch {
	case j.Completed:
		return StateCompleted
	case j.Tries == 0:
		return StateFresh
	case j.Tries <= j.MaxRetries:
		return StateRetrying
	default:
		return StateExhausted
	}
}

// MarkCompleted records a successful execution.
func (j *Job) MarkCompleted() {
	j.Completed = true
}

// Fail records a failed attempt at now. Tries grows by one; while it stays
// within MaxRetries the job is rescheduled with quadratic backoff.
func (j *Job) Fail(now time.Time) Outcome {
	j.Tries++
	if j.Tries > j.MaxRetries {
		return OutcomeExhausted
	}
	at := now.Add(BackoffDelay(j.BaseRetryMinutes, j.Tries))
	j.RipeAt = &at
	return OutcomeRetry
}

// BackoffDelay is base·tries² minutes: 1×, 4×, 9× … the base.
func BackoffDelay(baseMinutes, tries int) time.Duration {
	return time.Duration(baseMinutes*tries*tries) * time.Minute
}
