package upload

import "fmt"

// Status is the lifecycle position of one file occurrence in a batch.
// Transitions only move forward; terminal statuses are final.
type Status int

const (
	StatusPending Status = iota
	StatusUploading
	StatusSuccess
	StatusError
	StatusSkipped
)

var statusNames = [...]string{"pending", "uploading", "success", "error", "skipped"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// IsTerminal reports whether s is Success, Error or Skipped.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusSkipped
}

// MarshalText renders the status by name in JSON and YAML output.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name.
func (s *Status) UnmarshalText(b []byte) error {
	for i, name := range statusNames {
		if name == string(b) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", b)
}

// canTransition encodes the allowed status moves:
//
//	pending   -> uploading | skipped | error
//	uploading -> success | error
func canTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusUploading || to == StatusSkipped || to == StatusError
	case StatusUploading:
		return to == StatusSuccess || to == StatusError
	default:
		return false
	}
}

// BatchState is the orchestrator's position in the batch state machine.
type BatchState int

const (
	StateCreated BatchState = iota
	StateProbing
	StateNoConflicts
	StateAwaitingDecision
	StateUploading
	StateCompleted
)

var stateNames = [...]string{"created", "probing", "no_conflicts", "awaiting_decision", "uploading", "completed"}

func (s BatchState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText renders the state by name in JSON and YAML output.
func (s BatchState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *BatchState) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = BatchState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown batch state %q", b)
}
