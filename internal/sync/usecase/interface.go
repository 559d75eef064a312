package usecase

// EventService defines the interface for publishing live-update events.
// Implemented by the SSE manager; injected so usecases never touch a global
// connection registry.
type EventService interface {
	Broadcast(accountID string, eventType string, payload interface{})
}

// BatchOutcome is the delta sync engine's verdict for one run.
type BatchOutcome string

const (
	// OutcomeContinue means the run stopped cleanly mid-sync (time budget)
	// and must be resumed from the persisted cursor.
	OutcomeContinue BatchOutcome = "continue"
	// OutcomeCompleted means the cursor reached the current head.
	OutcomeCompleted BatchOutcome = "completed"
	// OutcomeRateLimited covers backpressure and transient failures that
	// exhausted their retries; recovered automatically by the resume sweep.
	OutcomeRateLimited BatchOutcome = "rate_limited"
	// OutcomeFatal means the run must not be retried automatically.
	OutcomeFatal BatchOutcome = "fatal"
	// OutcomePaused means a user pause landed mid-run; the run stopped at the
	// page boundary and the account keeps the status the pause wrote.
	OutcomePaused BatchOutcome = "paused"
)
