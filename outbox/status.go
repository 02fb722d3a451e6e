package outbox

import "fmt"

// Raw status values as persisted by storage adapters.
const (
	StatusPendingRaw    = "PENDING"
	StatusProcessingRaw = "PROCESSING"
	StatusCompletedRaw  = "COMPLETED"
	StatusFailedRaw     = "FAILED"
)

// Status represents a valid outbox entry lifecycle state.
type Status string

const (
	StatusPending    Status = StatusPendingRaw
	StatusProcessing Status = StatusProcessingRaw
	StatusCompleted  Status = StatusCompletedRaw
	StatusFailed     Status = StatusFailedRaw
)

// ParseStatus validates and converts a raw string status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)

	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether the status is part of the outbox lifecycle.
func (status Status) IsValid() bool {
	switch status {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether a transition from status to next is allowed.
//
// Claiming flips PENDING to PROCESSING; a transient failure reschedules the
// entry as PROCESSING with a future retry time; exhaustion dead-letters it as
// FAILED. FAILED entries regress to PENDING only through the explicit DLQ
// retry path, which also resets the attempt counter. COMPLETED is terminal.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusProcessing || next == StatusCompleted || next == StatusFailed
	case StatusFailed:
		return next == StatusPending
	case StatusCompleted:
		return false
	default:
		return false
	}
}

// ValidateTransition validates a status transition using typed lifecycle rules.
func ValidateTransition(fromRaw, toRaw string) error {
	from, err := ParseStatus(fromRaw)
	if err != nil {
		return fmt.Errorf("from status: %w", err)
	}

	to, err := ParseStatus(toRaw)
	if err != nil {
		return fmt.Errorf("to status: %w", err)
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionInvalid, from, to)
	}

	return nil
}

func (status Status) String() string {
	return string(status)
}
