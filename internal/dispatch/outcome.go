package dispatch

import "encoding/json"

// OutcomeKind classifies a task execution for the retry wrapper
type OutcomeKind int

const (
	// OutcomeOK means the profile was refreshed
	OutcomeOK OutcomeKind = iota
	// OutcomeRetryable means the execution failed but may succeed later
	OutcomeRetryable
	// OutcomePermanent means retrying cannot help
	OutcomePermanent
	// OutcomeSuperseded means a newer execution took over the attempt and
	// owns the queued job; this one must leave both alone
	OutcomeSuperseded
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeRetryable:
		return "retryable"
	case OutcomePermanent:
		return "permanent"
	case OutcomeSuperseded:
		return "superseded"
	}
	return "unknown"
}

// Outcome is the result of one task execution
type Outcome struct {
	Kind    OutcomeKind
	Payload json.RawMessage
	Err     error
}

func succeeded(payload json.RawMessage) Outcome {
	return Outcome{Kind: OutcomeOK, Payload: payload}
}

func retryable(err error) Outcome {
	return Outcome{Kind: OutcomeRetryable, Err: err}
}

func permanent(err error) Outcome {
	return Outcome{Kind: OutcomePermanent, Err: err}
}

func superseded(err error) Outcome {
	return Outcome{Kind: OutcomeSuperseded, Err: err}
}

// Task is the queued payload. Attempt is the 1-based execution number and is
// the only source of truth for retry accounting.
type Task struct {
	ID        string `json:"id"`
	ProfileID int64  `json:"profile_id"`
	Username  string `json:"username"`
	AttemptID int64  `json:"attempt_id"`
	Attempt   int    `json:"attempt"`
	Manual    bool   `json:"manual,omitempty"`
}
