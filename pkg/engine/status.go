package engine

import (
	"encoding/json"
	"fmt"
)

// InstanceStatus represents the coarse lifecycle status of a blueprint instance.
type InstanceStatus string

const (
	// StatusIdle indicates no session is running against the instance.
	StatusIdle InstanceStatus = "idle"

	// StatusProcessing indicates a session is running or suspended on a callback.
	StatusProcessing InstanceStatus = "processing"

	// StatusError indicates the last session failed. The instance stays in
	// this state until the next operation is submitted.
	StatusError InstanceStatus = "error"
)

// IsBusy returns true if a session currently owns the instance.
func (s InstanceStatus) IsBusy() bool {
	return s == StatusProcessing
}

// Validate checks if the instance status is valid.
func (s InstanceStatus) Validate() error {
	switch s {
	case StatusIdle, StatusProcessing, StatusError:
		return nil
	default:
		return fmt.Errorf("invalid instance status: %s", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s InstanceStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *InstanceStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := InstanceStatus(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}

// ListKind names one of the three handler lists of a stage.
type ListKind string

const (
	// ListBuild holds handlers that create infrastructure. Build handlers receive
	// the provider context and must return a non-empty result.
	ListBuild ListKind = "build"

	// ListConfigure holds day2 configuration handlers.
	ListConfigure ListKind = "configure"

	// ListTeardown holds handlers that remove infrastructure.
	ListTeardown ListKind = "teardown"
)

// listOrder is the fixed execution order of lists within a stage.
var listOrder = []ListKind{ListBuild, ListConfigure, ListTeardown}

// Validate checks if the list kind is valid.
func (k ListKind) Validate() error {
	switch k {
	case ListBuild, ListConfigure, ListTeardown:
		return nil
	default:
		return fmt.Errorf("invalid handler list: %s", k)
	}
}

// index returns the position of the list in listOrder.
func (k ListKind) index() int {
	for i, l := range listOrder {
		if l == k {
			return i
		}
	}
	return -1
}

// EventKind identifies a lifecycle transition.
type EventKind string

const (
	// EventProcessingStarted is emitted once a session takes ownership of an instance.
	EventProcessingStarted EventKind = "ProcessingStarted"

	// EventStageStarted is emitted before a non-empty handler list runs.
	EventStageStarted EventKind = "StageStarted"

	// EventStageEnded is emitted after every handler of a list has completed.
	EventStageEnded EventKind = "StageEnded"

	// EventProcessingEnded is emitted when a session completes successfully.
	EventProcessingEnded EventKind = "ProcessingEnded"

	// EventProcessingFailed is emitted on the failure topic for rejected or failed sessions.
	EventProcessingFailed EventKind = "ProcessingFailed"
)

// Outcome is the terminal result delivered to a requester.
type Outcome string

const (
	// OutcomeReady means every stage of the session completed.
	OutcomeReady Outcome = "ready"

	// OutcomeFailed means the session was rejected or a stage failed.
	OutcomeFailed Outcome = "failed"
)

// Validate checks if the outcome is valid.
func (o Outcome) Validate() error {
	switch o {
	case OutcomeReady, OutcomeFailed:
		return nil
	default:
		return fmt.Errorf("invalid outcome: %s", o)
	}
}
